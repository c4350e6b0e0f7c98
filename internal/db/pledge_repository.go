package db

import (
	"context"

	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/anthev-stack/commpledge-sub001/internal/model"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const pledgeColumns = `id, server_id, owner_id, user_id, amount, optimized_amount, platform_fee, currency, external_ref,
	status, cancelled_at, created_at, updated_at`

type PledgeRepository struct {
	pool *pgxpool.Pool
}

func NewPledgeRepository(pool *pgxpool.Pool) *PledgeRepository {
	return &PledgeRepository{pool: pool}
}

func scanPledge(row pgx.Row) (*model.Pledge, error) {
	var p model.Pledge
	err := row.Scan(&p.ID, &p.ServerID, &p.OwnerID, &p.UserID, &p.Amount, &p.OptimizedAmount, &p.PlatformFee, &p.Currency,
		&p.ExternalRef, &p.Status, &p.CancelledAt, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (r *PledgeRepository) Create(ctx context.Context, p *model.Pledge) error {
	query := `INSERT INTO pledges (id, server_id, owner_id, user_id, amount, optimized_amount, platform_fee, currency,
	                               external_ref, status)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
	          RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query, p.ID, p.ServerID, p.OwnerID, p.UserID, p.Amount, p.OptimizedAmount, p.PlatformFee,
		p.Currency, p.ExternalRef, p.Status).Scan(&p.CreatedAt, &p.UpdatedAt)
	return errors.Wrap(err, "insert pledge")
}

func (r *PledgeRepository) GetByID(ctx context.Context, id uuid.UUID) (*model.Pledge, error) {
	query := `SELECT ` + pledgeColumns + ` FROM pledges WHERE id = $1`
	p, err := scanPledge(r.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("pledge %s", id)
	}
	return p, errors.Wrap(err, "select pledge")
}

func (r *PledgeRepository) GetByExternalRef(ctx context.Context, q Querier, ref string) (*model.Pledge, error) {
	query := `SELECT ` + pledgeColumns + ` FROM pledges WHERE external_ref = $1`
	p, err := scanPledge(q.QueryRow(ctx, query, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("pledge %s", ref)
	}
	return p, errors.Wrap(err, "select pledge by ref")
}

// Cancel moves an ACTIVE pledge to CANCELLED and reports whether it changed.
func (r *PledgeRepository) Cancel(ctx context.Context, ref string) (bool, error) {
	return r.CancelTx(ctx, r.pool, ref)
}

func (r *PledgeRepository) CancelTx(ctx context.Context, q Querier, ref string) (bool, error) {
	query := `UPDATE pledges SET status = 'CANCELLED', cancelled_at = now(), updated_at = now()
	          WHERE external_ref = $1 AND status = 'ACTIVE'`
	tag, err := q.Exec(ctx, query, ref)
	if err != nil {
		return false, errors.Wrap(err, "cancel pledge")
	}
	return tag.RowsAffected() == 1, nil
}
