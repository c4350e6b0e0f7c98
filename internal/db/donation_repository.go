package db

import (
	"context"

	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/anthev-stack/commpledge-sub001/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const donationColumns = `id, server_id, donor_id, amount, platform_fee, net_amount, currency, message, anonymous,
	external_ref, status, failure_reason, created_at, updated_at`

type DonationRepository struct {
	pool *pgxpool.Pool
}

func NewDonationRepository(pool *pgxpool.Pool) *DonationRepository {
	return &DonationRepository{pool: pool}
}

func (r *DonationRepository) BeginTx(ctx context.Context) (pgx.Tx, error) {
	return beginTx(ctx, r.pool)
}

func scanDonation(row pgx.Row) (*model.Donation, error) {
	var d model.Donation
	err := row.Scan(&d.ID, &d.ServerID, &d.DonorID, &d.Amount, &d.PlatformFee, &d.NetAmount, &d.Currency, &d.Message,
		&d.Anonymous, &d.ExternalRef, &d.Status, &d.FailureReason, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (r *DonationRepository) Create(ctx context.Context, d *model.Donation) error {
	query := `INSERT INTO donations (id, server_id, donor_id, amount, platform_fee, net_amount, currency, message,
	                                 anonymous, external_ref, status)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	          RETURNING created_at, updated_at`
	err := r.pool.QueryRow(ctx, query, d.ID, d.ServerID, d.DonorID, d.Amount, d.PlatformFee, d.NetAmount, d.Currency,
		d.Message, d.Anonymous, d.ExternalRef, d.Status).Scan(&d.CreatedAt, &d.UpdatedAt)
	return errors.Wrap(err, "insert donation")
}

// Transition moves the donation with the given reference from pending to
// status. It is the only write path for donation status: the WHERE clause
// makes concurrent duplicates race on the row and exactly one of them applies.
// The returned donation is nil when nothing was updated.
func (r *DonationRepository) Transition(ctx context.Context, q Querier, ref string, status model.DonationStatus, reason *string) (*model.Donation, error) {
	query := `UPDATE donations SET status = $2, failure_reason = $3, updated_at = now()
	          WHERE external_ref = $1 AND status = 'pending'
	          RETURNING ` + donationColumns
	d, err := scanDonation(q.QueryRow(ctx, query, ref, status, reason))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	return d, errors.Wrap(err, "transition donation")
}

func (r *DonationRepository) GetByExternalRef(ctx context.Context, q Querier, ref string) (*model.Donation, error) {
	query := `SELECT ` + donationColumns + ` FROM donations WHERE external_ref = $1`
	d, err := scanDonation(q.QueryRow(ctx, query, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("donation %s", ref)
	}
	return d, errors.Wrap(err, "select donation")
}

func (r *DonationRepository) Get(ctx context.Context, ref string) (*model.Donation, error) {
	return r.GetByExternalRef(ctx, r.pool, ref)
}

func (r *DonationRepository) ListSucceededByServer(ctx context.Context, serverID string, limit int) ([]*model.Donation, error) {
	query := `SELECT ` + donationColumns + ` FROM donations
	          WHERE server_id = $1 AND status = 'succeeded'
	          ORDER BY updated_at DESC
	          LIMIT $2`
	rows, err := r.pool.Query(ctx, query, serverID, limit)
	if err != nil {
		return nil, errors.Wrap(err, "list donations")
	}
	defer rows.Close()

	var donations []*model.Donation
	for rows.Next() {
		d, err := scanDonation(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan donation")
		}
		donations = append(donations, d)
	}
	return donations, errors.Wrap(rows.Err(), "iterate donations")
}
