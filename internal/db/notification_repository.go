package db

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const notificationColumns = `id, external_ref, url, payload, created_at, updated_at, scheduled_at, published_at, delivered_at,
	publish_attempts, delivery_attempts, error`

type NotificationRepository struct {
	pool *pgxpool.Pool
}

func NewNotificationRepository(pool *pgxpool.Pool) *NotificationRepository {
	return &NotificationRepository{pool: pool}
}

func (r *NotificationRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return beginTx(ctx, r.pool)
}

func scanNotification(row pgx.Row) (*NotificationMessageEntity, error) {
	var e NotificationMessageEntity
	err := row.Scan(&e.ID, &e.ExternalRef, &e.Url, &e.Payload, &e.CreatedAt, &e.UpdatedAt, &e.ScheduledAt, &e.PublishedAt,
		&e.DeliveredAt, &e.PublishAttempts, &e.DeliveryAttempts, &e.Error)
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (r *NotificationRepository) Create(ctx context.Context, q Querier, entity *NotificationMessageEntity) (*NotificationMessageEntity, error) {
	query := `INSERT INTO notification_message (id, external_ref, url, payload, scheduled_at)
	          VALUES ($1, $2, $3, $4, $5)
	          RETURNING created_at, updated_at`
	err := q.QueryRow(ctx, query, entity.ID, entity.ExternalRef, entity.Url, entity.Payload, entity.ScheduledAt).
		Scan(&entity.CreatedAt, &entity.UpdatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "insert notification message")
	}
	return entity, nil
}

func (r *NotificationRepository) SelectByID(ctx context.Context, id uuid.UUID) (*NotificationMessageEntity, error) {
	query := `SELECT ` + notificationColumns + ` FROM notification_message WHERE id = $1`
	e, err := scanNotification(r.pool.QueryRow(ctx, query, id))
	return e, errors.Wrap(err, "select notification message")
}

func (r *NotificationRepository) SelectByExternalRef(ctx context.Context, ref string) ([]*NotificationMessageEntity, error) {
	query := `SELECT ` + notificationColumns + ` FROM notification_message WHERE external_ref = $1 ORDER BY created_at`
	rows, err := r.pool.Query(ctx, query, ref)
	if err != nil {
		return nil, errors.Wrap(err, "select notification messages")
	}
	return collectNotifications(rows)
}

func (r *NotificationRepository) SelectForUpdateByID(ctx context.Context, tx pgx.Tx, id uuid.UUID) (*NotificationMessageEntity, error) {
	query := `SELECT ` + notificationColumns + ` FROM notification_message WHERE id = $1 FOR UPDATE`
	e, err := scanNotification(tx.QueryRow(ctx, query, id))
	return e, errors.Wrap(err, "select notification message for update")
}

// GetUnpublished locks messages due for publishing.
func (r *NotificationRepository) GetUnpublished(ctx context.Context, tx pgx.Tx, limit int) ([]*NotificationMessageEntity, error) {
	query := `SELECT ` + notificationColumns + ` FROM notification_message
	          WHERE scheduled_at IS NOT NULL AND scheduled_at <= $1
	          ORDER BY scheduled_at
	          LIMIT $2
	          FOR UPDATE SKIP LOCKED`
	rows, err := tx.Query(ctx, query, time.Now(), limit)
	if err != nil {
		return nil, errors.Wrap(err, "select unpublished notification messages")
	}
	return collectNotifications(rows)
}

func collectNotifications(rows pgx.Rows) ([]*NotificationMessageEntity, error) {
	defer rows.Close()

	var entities []*NotificationMessageEntity
	for rows.Next() {
		e, err := scanNotification(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan notification message")
		}
		entities = append(entities, e)
	}
	return entities, errors.Wrap(rows.Err(), "iterate notification messages")
}

func (r *NotificationRepository) Update(ctx context.Context, tx pgx.Tx, entity *NotificationMessageEntity) error {
	query := `UPDATE notification_message
	          SET scheduled_at = $2, published_at = $3, delivered_at = $4, publish_attempts = $5,
	              delivery_attempts = $6, error = $7, updated_at = now()
	          WHERE id = $1`
	_, err := tx.Exec(ctx, query, entity.ID, entity.ScheduledAt, entity.PublishedAt, entity.DeliveredAt,
		entity.PublishAttempts, entity.DeliveryAttempts, entity.Error)
	return errors.Wrap(err, "update notification message")
}
