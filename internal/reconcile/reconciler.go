// Package reconcile replays webhook events that arrived before the local
// record they refer to.
package reconcile

import (
	"context"
	"log/slog"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/anthev-stack/commpledge-sub001/internal/config"
	"github.com/anthev-stack/commpledge-sub001/internal/db"
	"github.com/anthev-stack/commpledge-sub001/internal/logcontext"
	"github.com/anthev-stack/commpledge-sub001/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

var (
	reconcilerErrorCounter   = metrics.GetOrCreateCounter(`orphan_reconciler_total{result="failed"}`)
	reconcilerSuccessCounter = metrics.GetOrCreateCounter(`orphan_reconciler_total{result="success"}`)

	orphansResolvedCounter    = metrics.GetOrCreateCounter(`orphan_reconciler_events_total{result="resolved"}`)
	orphansRescheduledCounter = metrics.GetOrCreateCounter(`orphan_reconciler_events_total{result="rescheduled"}`)
	orphansParkedCounter      = metrics.GetOrCreateCounter(`orphan_reconciler_events_total{result="max_attempts_reached"}`)
	processedPurgedCounter    = metrics.GetOrCreateCounter(`orphan_reconciler_processed_events_purged_total`)

	reconcilerDurationHistogram = metrics.GetOrCreateHistogram(`orphan_reconciler_duration_milliseconds`)
)

type Replayer interface {
	Replay(ctx context.Context, q db.Querier, orphan *model.OrphanEvent) error
}

type Reconciler struct {
	repo            *db.EventRepository
	replayer        Replayer
	pollingInterval time.Duration
	fetchSize       int
	retryDelay      time.Duration
	maxAttempts     int
	retention       time.Duration
	logger          *slog.Logger
}

func NewReconciler(repo *db.EventRepository, replayer Replayer, cfg config.Reconciler, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		repo:            repo,
		replayer:        replayer,
		pollingInterval: time.Duration(cfg.PollingIntervalMs) * time.Millisecond,
		fetchSize:       cfg.FetchSize,
		retryDelay:      time.Duration(cfg.RescheduleDelayMs) * time.Millisecond,
		maxAttempts:     cfg.MaxAttempts,
		retention:       time.Duration(cfg.RetentionHours) * time.Hour,
		logger:          logger,
	}
}

func (r *Reconciler) Start(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(r.pollingInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if _, err := r.RunOnce(ctx); err != nil {
					r.logger.ErrorContext(ctx, "Reconciler pass failed", "error", err)
				}
			case <-ctx.Done():
				r.logger.InfoContext(ctx, "Context done, stopping reconciler")
				return
			}
		}
	}()
}

// RunOnce replays every due orphan and purges expired processed-event records.
// It returns the number of orphans resolved.
func (r *Reconciler) RunOnce(ctx context.Context) (int, error) {
	startTime := time.Now()
	defer func() {
		reconcilerDurationHistogram.Update(float64(time.Since(startTime).Milliseconds()))
	}()

	ctx = logcontext.AppendCtx(ctx, slog.String("runId", uuid.New().String()))

	resolved, err := r.process(ctx, func(tx pgx.Tx) ([]*model.OrphanEvent, error) {
		return r.repo.DueOrphans(ctx, tx, time.Now(), r.fetchSize)
	})
	if err != nil {
		reconcilerErrorCounter.Inc()
		return resolved, err
	}

	if r.retention > 0 {
		purged, err := r.repo.PurgeProcessedBefore(ctx, time.Now().Add(-r.retention))
		if err != nil {
			reconcilerErrorCounter.Inc()
			return resolved, err
		}
		if purged > 0 {
			processedPurgedCounter.Add(int(purged))
			r.logger.InfoContext(ctx, "Purged processed events", "count", purged)
		}
	}

	reconcilerSuccessCounter.Inc()
	return resolved, nil
}

// ResolveReference replays the unresolved orphans of one reference right away,
// ignoring their schedule. Called after a local record is created.
func (r *Reconciler) ResolveReference(ctx context.Context, ref string) error {
	ctx = logcontext.AppendCtx(ctx, slog.String("externalRef", ref))

	_, err := r.process(ctx, func(tx pgx.Tx) ([]*model.OrphanEvent, error) {
		return r.repo.UnresolvedOrphansByRef(ctx, tx, ref)
	})
	return err
}

func (r *Reconciler) process(ctx context.Context, fetch func(pgx.Tx) ([]*model.OrphanEvent, error)) (int, error) {
	tx, err := r.repo.BeginTx(ctx)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback(ctx)

	orphans, err := fetch(tx)
	if err != nil {
		return 0, err
	}
	if len(orphans) == 0 {
		return 0, nil
	}

	resolved := 0
	for _, orphan := range orphans {
		orphanCtx := logcontext.AppendCtx(ctx, slog.String("orphanId", orphan.ID.String()))
		if err := r.replayOne(orphanCtx, tx, orphan); err != nil {
			return 0, err
		}
		if orphan.ResolvedAt != nil {
			resolved++
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.Wrap(err, "commit reconciler pass")
	}
	return resolved, nil
}

// replayOne applies the orphan under a savepoint so a failing replay leaves
// the outer transaction usable for the bookkeeping update.
func (r *Reconciler) replayOne(ctx context.Context, tx pgx.Tx, orphan *model.OrphanEvent) error {
	sp, err := tx.Begin(ctx)
	if err != nil {
		return errors.Wrap(err, "begin savepoint")
	}

	replayErr := r.replayer.Replay(ctx, sp, orphan)
	if replayErr == nil {
		if err := sp.Commit(ctx); err != nil {
			return errors.Wrap(err, "release savepoint")
		}
	} else if err := sp.Rollback(ctx); err != nil {
		return errors.Wrap(err, "rollback savepoint")
	}

	now := time.Now()
	orphan.Attempts++

	switch {
	case replayErr == nil:
		orphan.ResolvedAt = &now
		orphan.ScheduledAt = nil
		orphan.Error = nil
		orphansResolvedCounter.Inc()
	case orphan.Attempts >= r.maxAttempts:
		msg := replayErr.Error()
		orphan.Error = &msg
		orphan.ScheduledAt = nil
		r.logger.WarnContext(ctx, "Max attempts reached for orphan event", "error", replayErr)
		orphansParkedCounter.Inc()
	default:
		msg := replayErr.Error()
		orphan.Error = &msg
		scheduledAt := now.Add(time.Duration(orphan.Attempts) * r.retryDelay)
		orphan.ScheduledAt = &scheduledAt
		if !errors.Is(replayErr, apperror.ErrReconciliationGap) {
			r.logger.ErrorContext(ctx, "Error replaying orphan event", "error", replayErr)
		}
		orphansRescheduledCounter.Inc()
	}

	return r.repo.UpdateOrphan(ctx, tx, orphan)
}
