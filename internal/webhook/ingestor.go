package webhook

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/anthev-stack/commpledge-sub001/internal/db"
	"github.com/anthev-stack/commpledge-sub001/internal/logcontext"
	"github.com/anthev-stack/commpledge-sub001/internal/model"
	"github.com/anthev-stack/commpledge-sub001/internal/notification"
	"github.com/google/uuid"
	"github.com/pkg/errors"
)

var (
	eventsAppliedCounter   = metrics.GetOrCreateCounter(`webhook_events_total{result="applied"}`)
	eventsNoopCounter      = metrics.GetOrCreateCounter(`webhook_events_total{result="noop"}`)
	eventsDuplicateCounter = metrics.GetOrCreateCounter(`webhook_events_total{result="duplicate"}`)
	eventsOrphanedCounter  = metrics.GetOrCreateCounter(`webhook_events_total{result="orphaned"}`)
	eventsIgnoredCounter   = metrics.GetOrCreateCounter(`webhook_events_total{result="ignored"}`)
	eventsFailedCounter    = metrics.GetOrCreateCounter(`webhook_events_total{result="failed"}`)

	dispatchDurationHistogram = metrics.GetOrCreateHistogram(`webhook_dispatch_duration_milliseconds`)
)

// AccountSyncer applies account.updated snapshots.
type AccountSyncer interface {
	SyncAccountStatus(ctx context.Context, accountRef string, snapshot model.AccountSnapshot) (bool, error)
}

type Ingestor struct {
	events        *db.EventRepository
	donations     *db.DonationRepository
	pledges       *db.PledgeRepository
	accounts      AccountSyncer
	outbox        *notification.Outbox
	orphanBackoff time.Duration
	logger        *slog.Logger
}

func NewIngestor(events *db.EventRepository, donations *db.DonationRepository, pledges *db.PledgeRepository,
	accounts AccountSyncer, outbox *notification.Outbox, orphanBackoff time.Duration, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		events:        events,
		donations:     donations,
		pledges:       pledges,
		accounts:      accounts,
		outbox:        outbox,
		orphanBackoff: orphanBackoff,
		logger:        logger,
	}
}

// Dispatch applies a verified event exactly once. The processed-event record,
// the state transition, an orphan record and the outbox notification commit
// together; any error rolls all of them back so the processor redelivers.
func (i *Ingestor) Dispatch(ctx context.Context, event *Event) error {
	startTime := time.Now()
	defer func() {
		dispatchDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	ctx = logcontext.AppendCtx(ctx, slog.String("eventId", event.ID))
	ctx = logcontext.AppendCtx(ctx, slog.String("eventType", event.Type))

	tx, err := i.events.BeginTx(ctx)
	if err != nil {
		eventsFailedCounter.Inc()
		return err
	}
	defer tx.Rollback(ctx)

	first, err := i.events.MarkProcessed(ctx, tx, model.ProcessedEvent{
		EventID:     event.ID,
		EventType:   event.Type,
		ProcessedAt: time.Now(),
	})
	if err != nil {
		eventsFailedCounter.Inc()
		return err
	}
	if !first {
		i.logger.InfoContext(ctx, "Duplicate event, skipping")
		eventsDuplicateCounter.Inc()
		return nil
	}

	result, err := i.apply(ctx, tx, event, false)
	switch {
	case errors.Is(err, apperror.ErrReconciliationGap):
		if err := i.saveOrphan(ctx, tx, event); err != nil {
			eventsFailedCounter.Inc()
			return err
		}
		result = resultOrphaned
	case err != nil:
		i.logger.ErrorContext(ctx, "Error applying event", "error", err)
		eventsFailedCounter.Inc()
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		eventsFailedCounter.Inc()
		return errors.Wrap(err, "commit event")
	}

	result.count()
	i.logger.InfoContext(ctx, "Event processed", "result", string(result))
	return nil
}

// Replay re-applies a stored orphan within tx, without the processed-event
// gate: the event id was recorded when the orphan was saved. A remaining gap is
// returned as a ReconciliationGap error.
func (i *Ingestor) Replay(ctx context.Context, q db.Querier, orphan *model.OrphanEvent) error {
	event, err := ParseEvent(orphan.Payload)
	if err != nil {
		return err
	}

	ctx = logcontext.AppendCtx(ctx, slog.String("eventId", event.ID))

	result, err := i.apply(ctx, q, event, true)
	if err != nil {
		return err
	}
	result.count()
	i.logger.InfoContext(ctx, "Orphan event replayed", "result", string(result), "externalRef", orphan.ExternalRef)
	return nil
}

// ApplyDonationOutcome is the synchronous path for saved-method charges. It
// uses the same conditional transition as the webhook, so whichever of the two
// arrives second changes nothing.
func (i *Ingestor) ApplyDonationOutcome(ctx context.Context, ref string, status model.DonationStatus, reason *string) (bool, error) {
	tx, err := i.donations.BeginTx(ctx)
	if err != nil {
		return false, err
	}
	defer tx.Rollback(ctx)

	applied, err := i.transitionDonation(ctx, tx, ref, status, reason)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(ctx); err != nil {
		return false, errors.Wrap(err, "commit donation outcome")
	}
	return applied, nil
}

type applyResult string

const (
	resultApplied  applyResult = "applied"
	resultNoop     applyResult = "noop"
	resultOrphaned applyResult = "orphaned"
	resultIgnored  applyResult = "ignored"
)

func (r applyResult) count() {
	switch r {
	case resultApplied:
		eventsAppliedCounter.Inc()
	case resultNoop:
		eventsNoopCounter.Inc()
	case resultOrphaned:
		eventsOrphanedCounter.Inc()
	case resultIgnored:
		eventsIgnoredCounter.Inc()
	}
}

func (i *Ingestor) apply(ctx context.Context, q db.Querier, event *Event, replayed bool) (applyResult, error) {
	switch event.Type {
	case EventPaymentSucceeded, EventPaymentFailed:
		var o PaymentIntentObject
		if err := event.decodeObject(&o); err != nil {
			return "", err
		}
		if o.Subscription != "" {
			return i.applyPledgePayment(ctx, q, event.Type, o)
		}

		status, reason := model.DonationStatusSucceeded, (*string)(nil)
		if event.Type == EventPaymentFailed {
			code := o.FailureCode()
			status, reason = model.DonationStatusFailed, &code
		}
		applied, err := i.transitionDonation(ctx, q, o.ID, status, reason)
		if err != nil {
			return "", err
		}
		if !applied {
			return resultNoop, nil
		}
		return resultApplied, nil

	case EventAccountUpdated:
		var o AccountObject
		if err := event.decodeObject(&o); err != nil {
			return "", err
		}
		snapshot := o.Snapshot(event.CreatedAt())
		snapshot.Replayed = replayed
		applied, err := i.accounts.SyncAccountStatus(ctx, o.ID, snapshot)
		if err != nil {
			return "", err
		}
		if !applied {
			return resultNoop, nil
		}
		return resultApplied, nil

	case EventSubscriptionDeleted:
		var o SubscriptionObject
		if err := event.decodeObject(&o); err != nil {
			return "", err
		}
		cancelled, err := i.pledges.CancelTx(ctx, q, o.ID)
		if err != nil {
			return "", err
		}
		if cancelled {
			i.logger.InfoContext(ctx, "Pledge cancelled by processor", "externalRef", o.ID)
			return resultApplied, nil
		}
		if _, err := i.pledges.GetByExternalRef(ctx, q, o.ID); err != nil {
			return "", gapIfMissing(err, o.ID)
		}
		return resultNoop, nil

	default:
		return resultIgnored, nil
	}
}

// applyPledgePayment handles a recurring charge. Cycle outcomes do not change
// the pledge status; the pledge only has to exist.
func (i *Ingestor) applyPledgePayment(ctx context.Context, q db.Querier, eventType string, o PaymentIntentObject) (applyResult, error) {
	pledge, err := i.pledges.GetByExternalRef(ctx, q, o.Subscription)
	if err != nil {
		return "", gapIfMissing(err, o.Subscription)
	}

	if eventType == EventPaymentFailed {
		i.logger.WarnContext(ctx, "Pledge cycle payment failed", "pledgeId", pledge.ID, "code", o.FailureCode())
	} else {
		i.logger.InfoContext(ctx, "Pledge cycle payment succeeded", "pledgeId", pledge.ID, "amount", o.Amount)
	}
	return resultNoop, nil
}

// transitionDonation applies pending -> status and enqueues the notification
// when, and only when, the row changed.
func (i *Ingestor) transitionDonation(ctx context.Context, q db.Querier, ref string, status model.DonationStatus, reason *string) (bool, error) {
	ctx = logcontext.AppendCtx(ctx, slog.String("externalRef", ref))

	donation, err := i.donations.Transition(ctx, q, ref, status, reason)
	if err != nil {
		return false, err
	}

	if donation == nil {
		current, err := i.donations.GetByExternalRef(ctx, q, ref)
		if err != nil {
			return false, gapIfMissing(err, ref)
		}
		i.logger.InfoContext(ctx, "Donation already terminal", "status", current.Status, "requested", status)
		return false, nil
	}

	if err := i.outbox.EnqueueDonation(ctx, q, donation); err != nil {
		return false, err
	}

	i.logger.InfoContext(ctx, "Donation transitioned", "status", donation.Status)
	return true, nil
}

func (i *Ingestor) saveOrphan(ctx context.Context, q db.Querier, event *Event) error {
	ref, err := event.Reference()
	if err != nil {
		return err
	}

	scheduledAt := time.Now().Add(i.orphanBackoff)
	orphan := &model.OrphanEvent{
		ID:          uuid.New(),
		ExternalRef: ref,
		EventID:     event.ID,
		EventType:   event.Type,
		Payload:     event.Raw(),
		ScheduledAt: &scheduledAt,
	}
	if err := i.events.SaveOrphan(ctx, q, orphan); err != nil {
		return err
	}

	i.logger.WarnContext(ctx, "No local record for event, stored as orphan", "externalRef", ref)
	return nil
}

func gapIfMissing(err error, ref string) error {
	if errors.Is(err, apperror.ErrNotFound) {
		return apperror.ReconciliationGap(ref)
	}
	return err
}
