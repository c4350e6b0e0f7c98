package charge

import (
	"context"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/VictoriaMetrics/metrics"
	"github.com/anthev-stack/commpledge-sub001/internal/access"
	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/anthev-stack/commpledge-sub001/internal/config"
	"github.com/anthev-stack/commpledge-sub001/internal/fee"
	"github.com/anthev-stack/commpledge-sub001/internal/logcontext"
	"github.com/anthev-stack/commpledge-sub001/internal/model"
	"github.com/anthev-stack/commpledge-sub001/internal/processor"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	donationsInitiatedCounter   = metrics.GetOrCreateCounter(`charge_initiations_total{type="donation",result="pending"}`)
	donationsConfirmedCounter   = metrics.GetOrCreateCounter(`charge_initiations_total{type="donation_saved_method",result="confirmed"}`)
	pledgesInitiatedCounter     = metrics.GetOrCreateCounter(`charge_initiations_total{type="pledge",result="active"}`)
	chargeRejectedCounter       = metrics.GetOrCreateCounter(`charge_initiations_total{result="rejected"}`)
	chargeProcessorErrorCounter = metrics.GetOrCreateCounter(`charge_initiations_total{result="processor_error"}`)
	chargePersistErrorCounter   = metrics.GetOrCreateCounter(`charge_initiations_total{result="persist_error"}`)
	pledgesCancelledCounter     = metrics.GetOrCreateCounter(`pledge_cancellations_total{result="cancelled"}`)
)

type Servers interface {
	OwnerOf(ctx context.Context, serverID string) (string, error)
}

type Accounts interface {
	AccountStatus(ctx context.Context, ownerID string) (*model.PayoutAccount, error)
}

type Donations interface {
	Create(ctx context.Context, d *model.Donation) error
}

type Pledges interface {
	Create(ctx context.Context, p *model.Pledge) error
	GetByID(ctx context.Context, id uuid.UUID) (*model.Pledge, error)
	Cancel(ctx context.Context, ref string) (bool, error)
}

type Processor interface {
	CreatePaymentIntent(ctx context.Context, params processor.PaymentIntentParams, idempotencyKey string) (*processor.PaymentIntent, error)
	CreateSubscription(ctx context.Context, params processor.SubscriptionParams, idempotencyKey string) (*processor.Subscription, error)
	CancelSubscription(ctx context.Context, id string) error
}

// OutcomeApplier applies a terminal donation status through the same
// conditional transition the webhook ingestor uses.
type OutcomeApplier interface {
	ApplyDonationOutcome(ctx context.Context, ref string, status model.DonationStatus, reason *string) (bool, error)
}

// OrphanResolver replays events that arrived before the local row existed.
type OrphanResolver interface {
	ResolveReference(ctx context.Context, ref string) error
}

type DonationRequest struct {
	ServerID  string
	Amount    int64
	Currency  string
	DonorID   *string
	Message   *string
	Anonymous bool
}

type SavedMethodRequest struct {
	DonationRequest
	CustomerID      string
	PaymentMethodID string
}

type PledgeRequest struct {
	ServerID   string
	UserID     string
	CustomerID string
	Amount     int64
	Currency   string
}

type DonationResult struct {
	DonationID   uuid.UUID            `json:"donationId"`
	ExternalRef  string               `json:"externalRef"`
	ClientSecret string               `json:"clientSecret,omitempty"`
	Status       model.DonationStatus `json:"status"`
	PlatformFee  int64                `json:"platformFee"`
	NetAmount    int64                `json:"netAmount"`
}

type Initiator struct {
	servers   Servers
	accounts  Accounts
	donations Donations
	pledges   Pledges
	processor Processor
	outcomes  OutcomeApplier
	orphans   OrphanResolver
	access    *access.Checker
	cfg       config.Charges
	timeout   time.Duration
	logger    *slog.Logger
}

func NewInitiator(servers Servers, accounts Accounts, donations Donations, pledges Pledges, processor Processor,
	outcomes OutcomeApplier, orphans OrphanResolver, checker *access.Checker, cfg config.Charges, timeout time.Duration,
	logger *slog.Logger) *Initiator {
	return &Initiator{
		servers:   servers,
		accounts:  accounts,
		donations: donations,
		pledges:   pledges,
		processor: processor,
		outcomes:  outcomes,
		orphans:   orphans,
		access:    checker,
		cfg:       cfg,
		timeout:   timeout,
		logger:    logger,
	}
}

type target struct {
	ownerID string
	account *model.PayoutAccount
	split   fee.Split
}

// prepare runs every check that must pass before the processor is contacted.
func (i *Initiator) prepare(ctx context.Context, serverID string, amount int64, currency string, message *string) (*target, error) {
	if serverID == "" {
		return nil, apperror.Validation("", "server is required")
	}
	if len(strings.TrimSpace(currency)) != 3 {
		return nil, apperror.Validation("", "currency must be a three-letter code")
	}
	if message != nil && i.cfg.MaxMessageLength > 0 && utf8.RuneCountInString(*message) > i.cfg.MaxMessageLength {
		return nil, apperror.Validation("", "message is longer than %d characters", i.cfg.MaxMessageLength)
	}

	ownerID, err := i.servers.OwnerOf(ctx, serverID)
	if err != nil {
		return nil, err
	}

	account, err := i.accounts.AccountStatus(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if err := i.access.Require("", access.AcceptDonations, access.Resource{OwnerID: ownerID, AccountStatus: account.Status}); err != nil {
		return nil, err
	}

	if amount < i.cfg.MinimumAmount {
		return nil, apperror.Validation(apperror.CodeAmountBelowMinimum, "amount %d is below the minimum of %d", amount, i.cfg.MinimumAmount)
	}

	rate := i.cfg.PlatformFeeBps
	if account.FeeRateBps != nil {
		rate = *account.FeeRateBps
	}
	split, err := fee.Compute(amount, rate)
	if err != nil {
		return nil, err
	}

	return &target{ownerID: ownerID, account: account, split: split}, nil
}

func (i *Initiator) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if i.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, i.timeout)
}

// InitiateDonation opens a payment intent and records a pending donation
// correlated by the intent id. The external reference is obtained first: a
// crash in between leaves an unconfirmed intent that moves no money, never a
// local row without a reference.
func (i *Initiator) InitiateDonation(ctx context.Context, req DonationRequest) (*DonationResult, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("serverId", req.ServerID))

	t, err := i.prepare(ctx, req.ServerID, req.Amount, req.Currency, req.Message)
	if err != nil {
		chargeRejectedCounter.Inc()
		return nil, err
	}

	donationID := uuid.New()
	intent, err := i.createIntent(ctx, donationID, req, t, processor.PaymentIntentParams{})
	if err != nil {
		return nil, err
	}

	donation, err := i.persistDonation(ctx, donationID, req, t, intent.ID)
	if err != nil {
		return nil, err
	}

	donationsInitiatedCounter.Inc()
	i.logger.InfoContext(ctx, "Donation initiated", "externalRef", intent.ID, "amount", req.Amount, "fee", t.split.Fee)
	i.resolveOrphans(ctx, intent.ID)

	return &DonationResult{
		DonationID:   donation.ID,
		ExternalRef:  intent.ID,
		ClientSecret: intent.ClientSecret,
		Status:       donation.Status,
		PlatformFee:  donation.PlatformFee,
		NetAmount:    donation.NetAmount,
	}, nil
}

// InitiateDonationWithSavedMethod confirms the intent synchronously against a
// stored payment method and returns the terminal status when the processor
// reports one. The webhook for the same intent later finds the row terminal
// and does nothing.
func (i *Initiator) InitiateDonationWithSavedMethod(ctx context.Context, req SavedMethodRequest) (*DonationResult, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("serverId", req.ServerID))

	if req.CustomerID == "" || req.PaymentMethodID == "" {
		chargeRejectedCounter.Inc()
		return nil, apperror.Validation("", "customer and payment method are required")
	}

	t, err := i.prepare(ctx, req.ServerID, req.Amount, req.Currency, req.Message)
	if err != nil {
		chargeRejectedCounter.Inc()
		return nil, err
	}

	donationID := uuid.New()
	intent, err := i.createIntent(ctx, donationID, req.DonationRequest, t, processor.PaymentIntentParams{
		Customer:      req.CustomerID,
		PaymentMethod: req.PaymentMethodID,
		Confirm:       true,
		OffSession:    true,
	})
	if err != nil {
		return nil, err
	}

	donation, err := i.persistDonation(ctx, donationID, req.DonationRequest, t, intent.ID)
	if err != nil {
		return nil, err
	}

	status, reason := outcomeOf(intent)
	if status.Terminal() {
		if _, err := i.outcomes.ApplyDonationOutcome(ctx, intent.ID, status, reason); err != nil {
			// the webhook for this intent will apply the same outcome
			i.logger.ErrorContext(ctx, "Error applying synchronous outcome", "externalRef", intent.ID, "error", err)
			status = model.DonationStatusPending
		}
	}

	donationsConfirmedCounter.Inc()
	i.logger.InfoContext(ctx, "Donation confirmed with saved method", "externalRef", intent.ID, "status", status)
	i.resolveOrphans(ctx, intent.ID)

	return &DonationResult{
		DonationID:  donation.ID,
		ExternalRef: intent.ID,
		Status:      status,
		PlatformFee: donation.PlatformFee,
		NetAmount:   donation.NetAmount,
	}, nil
}

func (i *Initiator) createIntent(ctx context.Context, donationID uuid.UUID, req DonationRequest, t *target, params processor.PaymentIntentParams) (*processor.PaymentIntent, error) {
	params.Amount = req.Amount
	params.Currency = strings.ToLower(req.Currency)
	params.ApplicationFeeAmount = t.split.Fee
	params.Destination = t.account.ExternalRef
	params.Metadata = map[string]string{
		"donation_id": donationID.String(),
		"server_id":   req.ServerID,
	}

	callCtx, cancel := i.withTimeout(ctx)
	defer cancel()

	intent, err := i.processor.CreatePaymentIntent(callCtx, params, "donation-"+donationID.String())
	if err != nil {
		return nil, i.processorError(ctx, "Error creating payment intent", err)
	}
	return intent, nil
}

// processorError counts and logs a failed processor call and makes sure the
// error carries a taxonomy kind.
func (i *Initiator) processorError(ctx context.Context, msg string, err error) error {
	chargeProcessorErrorCounter.Inc()
	i.logger.ErrorContext(ctx, msg, "error", err)
	if _, ok := apperror.KindOf(err); !ok {
		return apperror.ExternalProcessor("", err)
	}
	return err
}

func (i *Initiator) persistDonation(ctx context.Context, id uuid.UUID, req DonationRequest, t *target, ref string) (*model.Donation, error) {
	donation := &model.Donation{
		ID:          id,
		ServerID:    req.ServerID,
		DonorID:     req.DonorID,
		Amount:      t.split.Gross,
		PlatformFee: t.split.Fee,
		NetAmount:   t.split.Net,
		Currency:    strings.ToUpper(req.Currency),
		Message:     req.Message,
		Anonymous:   req.Anonymous,
		ExternalRef: ref,
		Status:      model.DonationStatusPending,
	}

	if err := i.donations.Create(ctx, donation); err != nil {
		chargePersistErrorCounter.Inc()
		i.logger.ErrorContext(ctx, "Error persisting donation, external intent left unconfirmed", "externalRef", ref, "error", err)
		return nil, err
	}
	return donation, nil
}

func (i *Initiator) resolveOrphans(ctx context.Context, ref string) {
	if i.orphans == nil {
		return
	}
	if err := i.orphans.ResolveReference(ctx, ref); err != nil {
		// the reconciler loop picks them up on its next pass
		i.logger.WarnContext(ctx, "Error resolving orphan events", "externalRef", ref, "error", err)
	}
}

func outcomeOf(intent *processor.PaymentIntent) (model.DonationStatus, *string) {
	switch intent.Status {
	case processor.IntentSucceeded:
		return model.DonationStatusSucceeded, nil
	case processor.IntentRequiresPaymentMethod, processor.IntentCanceled:
		if intent.LastPaymentError != nil {
			code := intent.LastPaymentError.Code
			return model.DonationStatusFailed, &code
		}
		if intent.Status == processor.IntentCanceled {
			code := processor.IntentCanceled
			return model.DonationStatusFailed, &code
		}
	}
	return model.DonationStatusPending, nil
}

// InitiatePledge opens a recurring subscription and records the pledge as
// ACTIVE. Per-cycle charge failures are handled by the billing cycle, not
// here.
func (i *Initiator) InitiatePledge(ctx context.Context, req PledgeRequest) (*model.Pledge, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("serverId", req.ServerID))

	if req.UserID == "" {
		chargeRejectedCounter.Inc()
		return nil, apperror.Authorization("pledges require a signed-in user")
	}
	if req.CustomerID == "" {
		chargeRejectedCounter.Inc()
		return nil, apperror.Validation("", "customer is required")
	}

	t, err := i.prepare(ctx, req.ServerID, req.Amount, req.Currency, nil)
	if err != nil {
		chargeRejectedCounter.Inc()
		return nil, err
	}

	pledgeID := uuid.New()
	callCtx, cancel := i.withTimeout(ctx)
	defer cancel()

	sub, err := i.processor.CreateSubscription(callCtx, processor.SubscriptionParams{
		Customer:             req.CustomerID,
		Amount:               req.Amount,
		Currency:             strings.ToLower(req.Currency),
		Interval:             "month",
		ApplicationFeeAmount: t.split.Fee,
		Destination:          t.account.ExternalRef,
		Metadata: map[string]string{
			"pledge_id": pledgeID.String(),
			"server_id": req.ServerID,
		},
	}, "pledge-"+pledgeID.String())
	if err != nil {
		return nil, i.processorError(ctx, "Error creating subscription", err)
	}

	pledge := &model.Pledge{
		ID:              pledgeID,
		ServerID:        req.ServerID,
		OwnerID:         t.ownerID,
		UserID:          req.UserID,
		Amount:          t.split.Gross,
		OptimizedAmount: t.split.Net,
		PlatformFee:     t.split.Fee,
		Currency:        strings.ToUpper(req.Currency),
		ExternalRef:     sub.ID,
		Status:          model.PledgeStatusActive,
	}
	if err := i.pledges.Create(ctx, pledge); err != nil {
		chargePersistErrorCounter.Inc()
		i.logger.ErrorContext(ctx, "Error persisting pledge", "externalRef", sub.ID, "error", err)
		return nil, err
	}

	pledgesInitiatedCounter.Inc()
	i.logger.InfoContext(ctx, "Pledge created", "externalRef", sub.ID, "amount", req.Amount)
	i.resolveOrphans(ctx, sub.ID)
	return pledge, nil
}

// CancelPledge cancels the subscription and moves the pledge to CANCELLED.
// Cancelling an already cancelled pledge returns it unchanged.
func (i *Initiator) CancelPledge(ctx context.Context, actor string, pledgeID uuid.UUID) (*model.Pledge, error) {
	pledge, err := i.pledges.GetByID(ctx, pledgeID)
	if err != nil {
		return nil, err
	}
	if err := i.access.Require(actor, access.CancelPledge, access.Resource{OwnerID: pledge.OwnerID, UserID: pledge.UserID}); err != nil {
		return nil, err
	}
	if pledge.Status == model.PledgeStatusCancelled {
		return pledge, nil
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("externalRef", pledge.ExternalRef))

	callCtx, cancel := i.withTimeout(ctx)
	defer cancel()
	if err := i.processor.CancelSubscription(callCtx, pledge.ExternalRef); err != nil {
		return nil, i.processorError(ctx, "Error cancelling subscription", err)
	}

	changed, err := i.pledges.Cancel(ctx, pledge.ExternalRef)
	if err != nil {
		return nil, errors.Wrap(err, "cancel pledge")
	}
	if changed {
		pledgesCancelledCounter.Inc()
		i.logger.InfoContext(ctx, "Pledge cancelled", "actor", actor)
	}

	return i.pledges.GetByID(ctx, pledgeID)
}
