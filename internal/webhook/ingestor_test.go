package webhook_test

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/anthev-stack/commpledge-sub001/internal/access"
	"github.com/anthev-stack/commpledge-sub001/internal/charge"
	"github.com/anthev-stack/commpledge-sub001/internal/config"
	"github.com/anthev-stack/commpledge-sub001/internal/db"
	"github.com/anthev-stack/commpledge-sub001/internal/model"
	"github.com/anthev-stack/commpledge-sub001/internal/notification"
	"github.com/anthev-stack/commpledge-sub001/internal/onboarding"
	"github.com/anthev-stack/commpledge-sub001/internal/processor"
	"github.com/anthev-stack/commpledge-sub001/internal/reconcile"
	"github.com/anthev-stack/commpledge-sub001/internal/testhelpers"
	"github.com/anthev-stack/commpledge-sub001/internal/webhook"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
)

type stubProcessor struct {
	mu sync.Mutex
	n  int
}

func (p *stubProcessor) CreatePaymentIntent(_ context.Context, params processor.PaymentIntentParams, _ string) (*processor.PaymentIntent, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.n++
	id := fmt.Sprintf("pi_%d_%d", time.Now().UnixNano(), p.n)
	return &processor.PaymentIntent{ID: id, ClientSecret: id + "_secret", Status: processor.IntentRequiresPaymentMethod, Amount: params.Amount}, nil
}

func (p *stubProcessor) CreateSubscription(_ context.Context, _ processor.SubscriptionParams, key string) (*processor.Subscription, error) {
	return &processor.Subscription{ID: "sub_" + key, Status: "active"}, nil
}

func (p *stubProcessor) CancelSubscription(context.Context, string) error {
	return nil
}

func (p *stubProcessor) CreateAccount(_ context.Context, params processor.AccountParams, _ string) (*processor.Account, error) {
	return &processor.Account{ID: "acct_" + params.OwnerID, Country: params.Country}, nil
}

func (p *stubProcessor) GetAccount(_ context.Context, id string) (*processor.Account, error) {
	return &processor.Account{ID: id}, nil
}

func (p *stubProcessor) CreateAccountLink(_ context.Context, params processor.AccountLinkParams) (*processor.AccountLink, error) {
	return &processor.AccountLink{URL: "https://connect.test/" + params.Account}, nil
}

type IngestorTestSuite struct {
	suite.Suite
	pgContainer   *testhelpers.PostgresContainer
	pool          *pgxpool.Pool
	accounts      *db.AccountRepository
	donations     *db.DonationRepository
	pledges       *db.PledgeRepository
	events        *db.EventRepository
	notifications *db.NotificationRepository
	ledger        *db.LedgerRepository
	manager       *onboarding.Manager
	sut           *webhook.Ingestor
	reconciler    *reconcile.Reconciler
	initiator     *charge.Initiator
	ctx           context.Context
}

func (s *IngestorTestSuite) SetupSuite() {
	testcontainers.SkipIfProviderIsNotHealthy(s.T())
	time.Local = time.UTC

	s.ctx = context.Background()
	pgContainer, err := testhelpers.CreatePostgresContainer(s.ctx)
	s.Require().NoError(err)
	s.pgContainer = pgContainer

	s.Require().NoError(db.RunMigrations(pgContainer.ConnectionString))

	pool, err := db.GetPool(s.ctx, pgContainer.ConnectionString)
	s.Require().NoError(err)
	s.pool = pool

	logger := slog.Default()
	checker := access.NewChecker(nil)

	s.accounts = db.NewAccountRepository(pool)
	s.donations = db.NewDonationRepository(pool)
	s.pledges = db.NewPledgeRepository(pool)
	s.events = db.NewEventRepository(pool)
	s.notifications = db.NewNotificationRepository(pool)
	s.ledger = db.NewLedgerRepository(pool)
	stub := &stubProcessor{}
	s.manager = onboarding.NewManager(s.accounts, stub, checker, config.Processor{}, logger)

	outbox := notification.NewOutbox(s.notifications, "http://notify.test/donations", logger)
	s.sut = webhook.NewIngestor(s.events, s.donations, s.pledges, s.manager, outbox, 0, logger)
	s.reconciler = reconcile.NewReconciler(s.events, s.sut, config.Reconciler{
		PollingIntervalMs: 1000,
		FetchSize:         10,
		RescheduleDelayMs: 0,
		MaxAttempts:       2,
		RetentionHours:    1,
	}, logger)
	s.manager.SetOrphanResolver(s.reconciler)
	s.initiator = charge.NewInitiator(db.NewServerRepository(pool), s.manager, s.donations, s.pledges, stub,
		s.sut, s.reconciler, checker, config.Charges{MinimumAmount: 100, PlatformFeeBps: 500, MaxMessageLength: 500},
		time.Second, logger)
}

func (s *IngestorTestSuite) TearDownSuite() {
	if s.pool != nil {
		s.pool.Close()
	}
	if s.pgContainer != nil {
		s.Require().NoError(s.pgContainer.Terminate(s.ctx))
	}
}

func (s *IngestorTestSuite) SetupTest() {
	_, err := s.pool.Exec(s.ctx, `TRUNCATE servers, payout_accounts, donations, pledges, processed_events,
	                                        orphan_events, notification_message`)
	s.Require().NoError(err)

	_, err = s.pool.Exec(s.ctx, `INSERT INTO servers (id, owner_id) VALUES ('srv-1', 'owner-1'), ('srv-2', 'owner-2')`)
	s.Require().NoError(err)

	_, err = s.accounts.EnsureAccount(s.ctx, "owner-1", "US")
	s.Require().NoError(err)
	_, err = s.accounts.AttachExternalRef(s.ctx, "owner-1", "acct_owner-1")
	s.Require().NoError(err)
	_, _, err = s.accounts.SyncStatus(s.ctx, "acct_owner-1", model.AccountSnapshot{DetailsSubmitted: true, ChargesEnabled: true, ObservedAt: time.Now()})
	s.Require().NoError(err)
}

func TestIngestorTestSuite(t *testing.T) {
	suite.Run(t, new(IngestorTestSuite))
}

func paymentEvent(eventID, eventType, ref string) *webhook.Event {
	body := fmt.Sprintf(`{"id":%q,"type":%q,"created":1700000000,"data":{"object":{"id":%q,"status":"succeeded","amount":1000}}}`,
		eventID, eventType, ref)
	return mustParse(body)
}

func mustParse(body string) *webhook.Event {
	e, err := webhook.ParseEvent([]byte(body))
	if err != nil {
		panic(err)
	}
	return e
}

func (s *IngestorTestSuite) donate(amount int64) *charge.DonationResult {
	result, err := s.initiator.InitiateDonation(s.ctx, charge.DonationRequest{ServerID: "srv-1", Amount: amount, Currency: "USD"})
	s.Require().NoError(err)
	return result
}

func (s *IngestorTestSuite) notificationCount(ref string) int {
	rows, err := s.notifications.SelectByExternalRef(s.ctx, ref)
	s.Require().NoError(err)
	return len(rows)
}

func (s *IngestorTestSuite) TestTenDollarDonation() {
	result := s.donate(1000)
	s.Equal(int64(50), result.PlatformFee)
	s.Equal(int64(950), result.NetAmount)
	s.Equal(model.DonationStatusPending, result.Status)

	before, err := s.ledger.ServerTotals(s.ctx, "srv-1")
	s.Require().NoError(err)
	s.Zero(before.Total)

	s.Require().NoError(s.sut.Dispatch(s.ctx, paymentEvent("evt_1", webhook.EventPaymentSucceeded, result.ExternalRef)))

	donation, err := s.donations.Get(s.ctx, result.ExternalRef)
	s.Require().NoError(err)
	s.Equal(model.DonationStatusSucceeded, donation.Status)

	after, err := s.ledger.ServerTotals(s.ctx, "srv-1")
	s.Require().NoError(err)
	s.Equal(int64(1000), after.DonationsTotal)
	s.Equal(int64(1), after.DonationsCount)
	s.Equal(1, s.notificationCount(result.ExternalRef))
}

func (s *IngestorTestSuite) TestDuplicateEventIsSkipped() {
	result := s.donate(1000)
	event := paymentEvent("evt_dup", webhook.EventPaymentSucceeded, result.ExternalRef)

	s.Require().NoError(s.sut.Dispatch(s.ctx, event))
	first, err := s.ledger.ServerTotals(s.ctx, "srv-1")
	s.Require().NoError(err)

	s.Require().NoError(s.sut.Dispatch(s.ctx, event))
	second, err := s.ledger.ServerTotals(s.ctx, "srv-1")
	s.Require().NoError(err)

	s.Equal(first, second)
	s.Equal(1, s.notificationCount(result.ExternalRef))
}

func (s *IngestorTestSuite) TestConcurrentSuccessEvents() {
	result := s.donate(1000)

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs[i] = s.sut.Dispatch(s.ctx, paymentEvent(fmt.Sprintf("evt_c%d", i), webhook.EventPaymentSucceeded, result.ExternalRef))
		}(i)
	}
	wg.Wait()

	s.NoError(errs[0])
	s.NoError(errs[1])

	totals, err := s.ledger.ServerTotals(s.ctx, "srv-1")
	s.Require().NoError(err)
	s.Equal(int64(1), totals.DonationsCount)
	s.Equal(int64(1000), totals.DonationsTotal)
	s.Equal(1, s.notificationCount(result.ExternalRef))
}

func (s *IngestorTestSuite) TestTerminalStatusIsFinal() {
	result := s.donate(500)

	failed := mustParse(fmt.Sprintf(
		`{"id":"evt_f","type":"payment_intent.payment_failed","data":{"object":{"id":%q,"status":"requires_payment_method","last_payment_error":{"code":"card_declined"}}}}`,
		result.ExternalRef))
	s.Require().NoError(s.sut.Dispatch(s.ctx, failed))
	s.Require().NoError(s.sut.Dispatch(s.ctx, paymentEvent("evt_s", webhook.EventPaymentSucceeded, result.ExternalRef)))

	donation, err := s.donations.Get(s.ctx, result.ExternalRef)
	s.Require().NoError(err)
	s.Equal(model.DonationStatusFailed, donation.Status)
	s.Require().NotNil(donation.FailureReason)
	s.Equal("card_declined", *donation.FailureReason)

	totals, err := s.ledger.ServerTotals(s.ctx, "srv-1")
	s.Require().NoError(err)
	s.Zero(totals.DonationsCount)
}

func (s *IngestorTestSuite) TestSavedMethodOutcomeThenWebhook() {
	result := s.donate(2000)

	applied, err := s.sut.ApplyDonationOutcome(s.ctx, result.ExternalRef, model.DonationStatusSucceeded, nil)
	s.Require().NoError(err)
	s.True(applied)

	s.Require().NoError(s.sut.Dispatch(s.ctx, paymentEvent("evt_late", webhook.EventPaymentSucceeded, result.ExternalRef)))

	totals, err := s.ledger.ServerTotals(s.ctx, "srv-1")
	s.Require().NoError(err)
	s.Equal(int64(2000), totals.DonationsTotal)
	s.Equal(1, s.notificationCount(result.ExternalRef))
}

func (s *IngestorTestSuite) TestOrphanResolvedWhenDonationAppears() {
	ref := "pi_early"
	s.Require().NoError(s.sut.Dispatch(s.ctx, paymentEvent("evt_early", webhook.EventPaymentSucceeded, ref)))

	var orphans int
	s.Require().NoError(s.pool.QueryRow(s.ctx, `SELECT COUNT(*) FROM orphan_events WHERE external_ref = $1`, ref).Scan(&orphans))
	s.Equal(1, orphans)

	// nothing to apply yet: the orphan is rescheduled
	resolved, err := s.reconciler.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Zero(resolved)

	s.Require().NoError(s.donations.Create(s.ctx, &model.Donation{
		ID: uuid.New(), ServerID: "srv-1", Amount: 1000, PlatformFee: 50, NetAmount: 950, Currency: "USD",
		ExternalRef: ref, Status: model.DonationStatusPending,
	}))
	s.Require().NoError(s.reconciler.ResolveReference(s.ctx, ref))

	donation, err := s.donations.Get(s.ctx, ref)
	s.Require().NoError(err)
	s.Equal(model.DonationStatusSucceeded, donation.Status)

	var resolvedAt *time.Time
	s.Require().NoError(s.pool.QueryRow(s.ctx, `SELECT resolved_at FROM orphan_events WHERE external_ref = $1`, ref).Scan(&resolvedAt))
	s.NotNil(resolvedAt)
	s.Equal(1, s.notificationCount(ref))
}

func (s *IngestorTestSuite) TestOrphanParkedAfterMaxAttempts() {
	ref := "pi_never"
	s.Require().NoError(s.sut.Dispatch(s.ctx, paymentEvent("evt_never", webhook.EventPaymentSucceeded, ref)))

	for n := 0; n < 3; n++ {
		_, err := s.reconciler.RunOnce(s.ctx)
		s.Require().NoError(err)
	}

	var attempts int
	var scheduledAt *time.Time
	var lastError *string
	err := s.pool.QueryRow(s.ctx, `SELECT attempts, scheduled_at, error FROM orphan_events WHERE external_ref = $1`, ref).
		Scan(&attempts, &scheduledAt, &lastError)
	s.Require().NoError(err)
	s.Equal(2, attempts)
	s.Nil(scheduledAt)
	s.NotNil(lastError)
}

func (s *IngestorTestSuite) TestAccountUpdated() {
	event := mustParse(`{"id":"evt_acct","type":"account.updated","data":{"object":{"id":"acct_owner-1","details_submitted":true,"charges_enabled":false}}}`)
	s.Require().NoError(s.sut.Dispatch(s.ctx, event))

	account, err := s.accounts.GetByOwner(s.ctx, "owner-1")
	s.Require().NoError(err)
	s.Equal(model.AccountStatusPending, account.Status)

	unknown := mustParse(`{"id":"evt_acct_2","type":"account.updated","data":{"object":{"id":"acct_missing","details_submitted":true,"charges_enabled":true}}}`)
	s.Require().NoError(s.sut.Dispatch(s.ctx, unknown))

	var orphans int
	s.Require().NoError(s.pool.QueryRow(s.ctx, `SELECT COUNT(*) FROM orphan_events WHERE external_ref = 'acct_missing'`).Scan(&orphans))
	s.Equal(1, orphans)
}

func accountEvent(eventID, ref string, created int64, submitted, enabled bool) *webhook.Event {
	return mustParse(fmt.Sprintf(
		`{"id":%q,"type":"account.updated","created":%d,"data":{"object":{"id":%q,"details_submitted":%t,"charges_enabled":%t}}}`,
		eventID, created, ref, submitted, enabled))
}

func (s *IngestorTestSuite) accountStatus(ownerID string) model.AccountStatus {
	account, err := s.accounts.GetByOwner(s.ctx, ownerID)
	s.Require().NoError(err)
	return account.Status
}

func (s *IngestorTestSuite) TestStaleOrphanedAccountSnapshotIsSkipped() {
	created := time.Now().Add(-time.Minute).Unix()
	s.Require().NoError(s.sut.Dispatch(s.ctx, accountEvent("evt_acct_early", "acct_owner-2", created, false, false)))

	_, err := s.accounts.EnsureAccount(s.ctx, "owner-2", "US")
	s.Require().NoError(err)
	attached, err := s.accounts.AttachExternalRef(s.ctx, "owner-2", "acct_owner-2")
	s.Require().NoError(err)
	s.Require().True(attached)

	s.Require().NoError(s.sut.Dispatch(s.ctx, accountEvent("evt_acct_live", "acct_owner-2", created+30, true, true)))
	s.Equal(model.AccountStatusActive, s.accountStatus("owner-2"))

	resolved, err := s.reconciler.RunOnce(s.ctx)
	s.Require().NoError(err)
	s.Equal(1, resolved)

	s.Equal(model.AccountStatusActive, s.accountStatus("owner-2"))

	_, err = s.initiator.InitiateDonation(s.ctx, charge.DonationRequest{ServerID: "srv-2", Amount: 1000, Currency: "USD"})
	s.NoError(err)
}

func (s *IngestorTestSuite) TestOrphanedAccountSnapshotAppliedOnAttach() {
	s.Require().NoError(s.sut.Dispatch(s.ctx, accountEvent("evt_acct_first", "acct_owner-3", time.Now().Unix(), true, true)))

	ref, err := s.manager.CreateOrGetAccount(s.ctx, "owner-3", "owner-3", "US")
	s.Require().NoError(err)
	s.Equal("acct_owner-3", ref)

	s.Equal(model.AccountStatusActive, s.accountStatus("owner-3"))

	var resolvedAt *time.Time
	s.Require().NoError(s.pool.QueryRow(s.ctx, `SELECT resolved_at FROM orphan_events WHERE external_ref = $1`, ref).Scan(&resolvedAt))
	s.NotNil(resolvedAt)
}

func (s *IngestorTestSuite) TestSubscriptionDeletedCancelsPledge() {
	pledge, err := s.initiator.InitiatePledge(s.ctx, charge.PledgeRequest{
		ServerID: "srv-1", UserID: "user-1", CustomerID: "cus_1", Amount: 500, Currency: "USD",
	})
	s.Require().NoError(err)

	totals, err := s.ledger.ServerTotals(s.ctx, "srv-1")
	s.Require().NoError(err)
	s.Equal(int64(500), totals.PledgesTotal)

	// a cycle payment leaves the pledge as it is
	cycle := mustParse(fmt.Sprintf(
		`{"id":"evt_cycle","type":"payment_intent.payment_failed","data":{"object":{"id":"pi_cycle","subscription":%q}}}`,
		pledge.ExternalRef))
	s.Require().NoError(s.sut.Dispatch(s.ctx, cycle))

	deleted := mustParse(fmt.Sprintf(
		`{"id":"evt_del","type":"customer.subscription.deleted","data":{"object":{"id":%q,"status":"canceled"}}}`,
		pledge.ExternalRef))
	s.Require().NoError(s.sut.Dispatch(s.ctx, deleted))

	stored, err := s.pledges.GetByID(s.ctx, pledge.ID)
	s.Require().NoError(err)
	s.Equal(model.PledgeStatusCancelled, stored.Status)

	totals, err = s.ledger.ServerTotals(s.ctx, "srv-1")
	s.Require().NoError(err)
	s.Zero(totals.PledgesCount)
}

func (s *IngestorTestSuite) TestUnknownEventTypeIsAcknowledged() {
	event := mustParse(`{"id":"evt_other","type":"charge.refunded","data":{"object":{"id":"ch_1"}}}`)
	s.NoError(s.sut.Dispatch(s.ctx, event))
}
