package onboarding

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/anthev-stack/commpledge-sub001/internal/access"
	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/anthev-stack/commpledge-sub001/internal/config"
	"github.com/anthev-stack/commpledge-sub001/internal/logcontext"
	"github.com/anthev-stack/commpledge-sub001/internal/model"
	"github.com/anthev-stack/commpledge-sub001/internal/processor"
	"github.com/pkg/errors"
)

var (
	accountsCreatedCounter    = metrics.GetOrCreateCounter(`payout_accounts_total{result="created"}`)
	accountsRaceLostCounter   = metrics.GetOrCreateCounter(`payout_accounts_total{result="race_lost"}`)
	statusSyncCounter         = metrics.GetOrCreateCounter(`payout_account_sync_total{result="applied"}`)
	statusRegressionCounter   = metrics.GetOrCreateCounter(`payout_account_sync_total{result="regression"}`)
	statusSyncNotFoundCounter = metrics.GetOrCreateCounter(`payout_account_sync_total{result="unknown_account"}`)
	statusSyncStaleCounter    = metrics.GetOrCreateCounter(`payout_account_sync_total{result="stale"}`)
)

type Store interface {
	GetByOwner(ctx context.Context, ownerID string) (*model.PayoutAccount, error)
	EnsureAccount(ctx context.Context, ownerID, country string) (*model.PayoutAccount, error)
	AttachExternalRef(ctx context.Context, ownerID, ref string) (bool, error)
	SyncStatus(ctx context.Context, ref string, snapshot model.AccountSnapshot) (model.AccountStatus, bool, error)
}

type Processor interface {
	CreateAccount(ctx context.Context, params processor.AccountParams, idempotencyKey string) (*processor.Account, error)
	GetAccount(ctx context.Context, id string) (*processor.Account, error)
	CreateAccountLink(ctx context.Context, params processor.AccountLinkParams) (*processor.AccountLink, error)
}

// OrphanResolver replays events that arrived before the account reference was
// attached.
type OrphanResolver interface {
	ResolveReference(ctx context.Context, ref string) error
}

// Manager owns the payout account lifecycle. The local status column is only
// ever written by SyncAccountStatus.
type Manager struct {
	store     Store
	processor Processor
	access    *access.Checker
	cfg       config.Processor
	orphans   OrphanResolver
	logger    *slog.Logger
}

func NewManager(store Store, processor Processor, checker *access.Checker, cfg config.Processor, logger *slog.Logger) *Manager {
	return &Manager{
		store:     store,
		processor: processor,
		access:    checker,
		cfg:       cfg,
		logger:    logger,
	}
}

// SetOrphanResolver wires the reconciler after construction; the reconciler
// itself depends on the Manager through the webhook Ingestor.
func (m *Manager) SetOrphanResolver(orphans OrphanResolver) {
	m.orphans = orphans
}

// CreateOrGetAccount returns the owner's external account reference, creating
// the external account on first use. No lock is held across the processor
// call: the processor deduplicates on the idempotency key and the reference is
// attached with a conditional update, so concurrent callers converge on one.
func (m *Manager) CreateOrGetAccount(ctx context.Context, actor, ownerID, country string) (string, error) {
	if err := m.access.Require(actor, access.ManagePayoutAccount, access.Resource{OwnerID: ownerID}); err != nil {
		return "", err
	}

	country = strings.ToUpper(strings.TrimSpace(country))
	if country == "" {
		return "", apperror.Validation(apperror.CodeCountryRequired, "country is required")
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("ownerId", ownerID))

	account, err := m.store.EnsureAccount(ctx, ownerID, country)
	if err != nil {
		return "", err
	}
	if account.Country != country {
		return "", apperror.Validation(apperror.CodeCountryImmutable,
			"payout account already exists with country %s", account.Country)
	}
	if account.ExternalRef != "" {
		return account.ExternalRef, nil
	}

	external, err := m.processor.CreateAccount(ctx, processor.AccountParams{OwnerID: ownerID, Country: country}, "account-"+ownerID)
	if err != nil {
		m.logger.ErrorContext(ctx, "Error creating external account", "error", err)
		return "", err
	}

	attached, err := m.store.AttachExternalRef(ctx, ownerID, external.ID)
	if err != nil {
		return "", err
	}
	if !attached {
		accountsRaceLostCounter.Inc()
		m.logger.WarnContext(ctx, "External account already attached by a concurrent request", "externalRef", external.ID)

		account, err = m.store.GetByOwner(ctx, ownerID)
		if err != nil {
			return "", err
		}
		return account.ExternalRef, nil
	}

	accountsCreatedCounter.Inc()
	m.logger.InfoContext(ctx, "Created payout account", "externalRef", external.ID, "country", country)
	m.resolveOrphans(ctx, external.ID)
	return external.ID, nil
}

// IssueOnboardingLink returns a one-time onboarding URL. Nothing is persisted.
func (m *Manager) IssueOnboardingLink(ctx context.Context, accountRef string) (string, error) {
	if accountRef == "" {
		return "", apperror.Validation("", "payout account has not been created")
	}

	link, err := m.processor.CreateAccountLink(ctx, processor.AccountLinkParams{
		Account:    accountRef,
		RefreshURL: m.cfg.OnboardingRefreshURL,
		ReturnURL:  m.cfg.OnboardingReturnURL,
	})
	if err != nil {
		return "", err
	}
	return link.URL, nil
}

// SyncAccountStatus replaces the local onboarding flags with snapshot and
// reports whether it was applied. The latest snapshot received always wins; a
// regression from active is applied as well and logged. A replayed snapshot
// older than the stored one is skipped.
func (m *Manager) SyncAccountStatus(ctx context.Context, accountRef string, snapshot model.AccountSnapshot) (bool, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("accountRef", accountRef))

	if snapshot.ObservedAt.IsZero() {
		if snapshot.Replayed {
			snapshot.ObservedAt = time.Unix(0, 0)
		} else {
			snapshot.ObservedAt = time.Now()
		}
	}

	previous, applied, err := m.store.SyncStatus(ctx, accountRef, snapshot)
	if err != nil {
		if errors.Is(err, apperror.ErrReconciliationGap) {
			statusSyncNotFoundCounter.Inc()
		}
		return false, err
	}
	if !applied {
		statusSyncStaleCounter.Inc()
		m.logger.InfoContext(ctx, "Stale account snapshot skipped", "observedAt", snapshot.ObservedAt, "current", previous)
		return false, nil
	}

	current := snapshot.Status()
	if previous == model.AccountStatusActive && current != model.AccountStatusActive {
		statusRegressionCounter.Inc()
		m.logger.WarnContext(ctx, "Payout account status regressed", "previous", previous, "current", current)
	} else {
		m.logger.InfoContext(ctx, "Payout account status synced", "previous", previous, "current", current)
	}
	statusSyncCounter.Inc()
	return true, nil
}

// AccountStatus returns the owner's account, with status none when the owner
// never started onboarding.
func (m *Manager) AccountStatus(ctx context.Context, ownerID string) (*model.PayoutAccount, error) {
	account, err := m.store.GetByOwner(ctx, ownerID)
	if errors.Is(err, apperror.ErrNotFound) {
		return &model.PayoutAccount{OwnerID: ownerID, Status: model.AccountStatusNone}, nil
	}
	return account, err
}

// RefreshAccountStatus pulls the current snapshot from the processor, for when
// a user asks before the account.updated webhook has arrived.
func (m *Manager) RefreshAccountStatus(ctx context.Context, actor, ownerID string) (*model.PayoutAccount, error) {
	if err := m.access.Require(actor, access.ManagePayoutAccount, access.Resource{OwnerID: ownerID}); err != nil {
		return nil, err
	}

	account, err := m.AccountStatus(ctx, ownerID)
	if err != nil {
		return nil, err
	}
	if account.ExternalRef == "" {
		return account, nil
	}

	external, err := m.processor.GetAccount(ctx, account.ExternalRef)
	if err != nil {
		return nil, err
	}

	snapshot := model.AccountSnapshot{
		DetailsSubmitted: external.DetailsSubmitted,
		ChargesEnabled:   external.ChargesEnabled,
		ObservedAt:       time.Now(),
	}
	if _, err := m.SyncAccountStatus(ctx, account.ExternalRef, snapshot); err != nil {
		return nil, err
	}
	return m.AccountStatus(ctx, ownerID)
}

func (m *Manager) resolveOrphans(ctx context.Context, ref string) {
	if m.orphans == nil {
		return
	}
	if err := m.orphans.ResolveReference(ctx, ref); err != nil {
		// the reconciler loop picks them up on its next pass
		m.logger.WarnContext(ctx, "Error resolving orphan events", "externalRef", ref, "error", err)
	}
}
