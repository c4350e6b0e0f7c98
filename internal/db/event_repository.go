package db

import (
	"context"
	"time"

	"github.com/anthev-stack/commpledge-sub001/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const orphanColumns = `id, external_ref, event_id, event_type, payload, attempts, scheduled_at, resolved_at, error, created_at, updated_at`

// EventRepository holds the processed-event dedup ledger and the orphan events
// waiting for their local record.
type EventRepository struct {
	pool *pgxpool.Pool
}

func NewEventRepository(pool *pgxpool.Pool) *EventRepository {
	return &EventRepository{pool: pool}
}

func (r *EventRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return beginTx(ctx, r.pool)
}

// MarkProcessed records the event id and reports whether it was seen for the
// first time. A concurrent insert of the same id blocks until the other
// transaction finishes.
func (r *EventRepository) MarkProcessed(ctx context.Context, q Querier, e model.ProcessedEvent) (bool, error) {
	query := `INSERT INTO processed_events (event_id, event_type, processed_at)
	          VALUES ($1, $2, $3)
	          ON CONFLICT (event_id) DO NOTHING`
	tag, err := q.Exec(ctx, query, e.EventID, e.EventType, e.ProcessedAt)
	if err != nil {
		return false, errors.Wrap(err, "insert processed event")
	}
	return tag.RowsAffected() == 1, nil
}

func (r *EventRepository) PurgeProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `DELETE FROM processed_events WHERE processed_at < $1`, before)
	if err != nil {
		return 0, errors.Wrap(err, "purge processed events")
	}
	return tag.RowsAffected(), nil
}

func (r *EventRepository) SaveOrphan(ctx context.Context, q Querier, o *model.OrphanEvent) error {
	query := `INSERT INTO orphan_events (id, external_ref, event_id, event_type, payload, attempts, scheduled_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7)
	          ON CONFLICT (event_id) DO NOTHING`
	_, err := q.Exec(ctx, query, o.ID, o.ExternalRef, o.EventID, o.EventType, o.Payload, o.Attempts, o.ScheduledAt)
	return errors.Wrap(err, "insert orphan event")
}

func scanOrphans(rows pgx.Rows) ([]*model.OrphanEvent, error) {
	defer rows.Close()

	var orphans []*model.OrphanEvent
	for rows.Next() {
		var o model.OrphanEvent
		err := rows.Scan(&o.ID, &o.ExternalRef, &o.EventID, &o.EventType, &o.Payload, &o.Attempts, &o.ScheduledAt,
			&o.ResolvedAt, &o.Error, &o.CreatedAt, &o.UpdatedAt)
		if err != nil {
			return nil, errors.Wrap(err, "scan orphan event")
		}
		orphans = append(orphans, &o)
	}
	return orphans, errors.Wrap(rows.Err(), "iterate orphan events")
}

// DueOrphans locks up to limit orphans scheduled at or before now. Rows locked
// by another reconciler are skipped.
func (r *EventRepository) DueOrphans(ctx context.Context, tx pgx.Tx, now time.Time, limit int) ([]*model.OrphanEvent, error) {
	query := `SELECT ` + orphanColumns + ` FROM orphan_events
	          WHERE scheduled_at IS NOT NULL AND scheduled_at <= $1
	          ORDER BY scheduled_at
	          LIMIT $2
	          FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, query, now, limit)
	if err != nil {
		return nil, errors.Wrap(err, "select due orphan events")
	}
	return scanOrphans(rows)
}

func (r *EventRepository) UnresolvedOrphansByRef(ctx context.Context, tx pgx.Tx, ref string) ([]*model.OrphanEvent, error) {
	query := `SELECT ` + orphanColumns + ` FROM orphan_events
	          WHERE external_ref = $1 AND resolved_at IS NULL
	          ORDER BY created_at
	          FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, query, ref)
	if err != nil {
		return nil, errors.Wrap(err, "select orphan events by ref")
	}
	return scanOrphans(rows)
}

func (r *EventRepository) UpdateOrphan(ctx context.Context, q Querier, o *model.OrphanEvent) error {
	query := `UPDATE orphan_events SET attempts = $2, scheduled_at = $3, resolved_at = $4, error = $5, updated_at = now()
	          WHERE id = $1`
	_, err := q.Exec(ctx, query, o.ID, o.Attempts, o.ScheduledAt, o.ResolvedAt, o.Error)
	return errors.Wrap(err, "update orphan event")
}
