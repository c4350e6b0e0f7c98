package db

import (
	"context"

	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/anthev-stack/commpledge-sub001/internal/model"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const accountColumns = `owner_id, COALESCE(external_ref, ''), country, status, details_submitted, charges_enabled, fee_rate_bps, snapshot_at, created_at, updated_at`

type AccountRepository struct {
	pool *pgxpool.Pool
}

func NewAccountRepository(pool *pgxpool.Pool) *AccountRepository {
	return &AccountRepository{pool: pool}
}

func scanAccount(row pgx.Row) (*model.PayoutAccount, error) {
	var a model.PayoutAccount
	err := row.Scan(&a.OwnerID, &a.ExternalRef, &a.Country, &a.Status, &a.DetailsSubmitted, &a.ChargesEnabled, &a.FeeRateBps, &a.SnapshotAt, &a.CreatedAt, &a.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

func (r *AccountRepository) GetByOwner(ctx context.Context, ownerID string) (*model.PayoutAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM payout_accounts WHERE owner_id = $1`
	a, err := scanAccount(r.pool.QueryRow(ctx, query, ownerID))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("payout account of %s", ownerID)
	}
	return a, errors.Wrap(err, "select payout account")
}

func (r *AccountRepository) GetByExternalRef(ctx context.Context, ref string) (*model.PayoutAccount, error) {
	query := `SELECT ` + accountColumns + ` FROM payout_accounts WHERE external_ref = $1`
	a, err := scanAccount(r.pool.QueryRow(ctx, query, ref))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, apperror.NotFound("payout account %s", ref)
	}
	return a, errors.Wrap(err, "select payout account by ref")
}

// EnsureAccount creates the owner's local row when missing. The country of an
// existing row is only replaced while no external account is attached.
func (r *AccountRepository) EnsureAccount(ctx context.Context, ownerID, country string) (*model.PayoutAccount, error) {
	query := `INSERT INTO payout_accounts (owner_id, country, status)
	          VALUES ($1, $2, 'none')
	          ON CONFLICT (owner_id) DO UPDATE
	              SET country    = CASE WHEN payout_accounts.external_ref IS NULL THEN EXCLUDED.country ELSE payout_accounts.country END,
	                  updated_at = CASE WHEN payout_accounts.external_ref IS NULL THEN now() ELSE payout_accounts.updated_at END
	          RETURNING ` + accountColumns
	a, err := scanAccount(r.pool.QueryRow(ctx, query, ownerID, country))
	return a, errors.Wrap(err, "upsert payout account")
}

// AttachExternalRef sets the external reference if none is attached yet and
// reports whether this call won.
func (r *AccountRepository) AttachExternalRef(ctx context.Context, ownerID, ref string) (bool, error) {
	query := `UPDATE payout_accounts SET external_ref = $2, status = 'pending', updated_at = now()
	          WHERE owner_id = $1 AND external_ref IS NULL`
	tag, err := r.pool.Exec(ctx, query, ownerID, ref)
	if err != nil {
		return false, errors.Wrap(err, "attach external account")
	}
	return tag.RowsAffected() == 1, nil
}

// SyncStatus replaces the onboarding flags with snapshot and returns the
// status that was stored before. A replayed snapshot older than the stored one
// is skipped and reported as not applied.
func (r *AccountRepository) SyncStatus(ctx context.Context, ref string, snapshot model.AccountSnapshot) (model.AccountStatus, bool, error) {
	query := `WITH old AS (
	              SELECT owner_id, status, snapshot_at FROM payout_accounts WHERE external_ref = $1 FOR UPDATE
	          ), updated AS (
	              UPDATE payout_accounts p
	              SET details_submitted = $2, charges_enabled = $3, status = $4, snapshot_at = $5, updated_at = now()
	              FROM old
	              WHERE p.owner_id = old.owner_id
	                AND (NOT $6 OR old.snapshot_at IS NULL OR old.snapshot_at <= $5)
	              RETURNING p.owner_id
	          )
	          SELECT old.status, EXISTS (SELECT 1 FROM updated) FROM old`

	var (
		previous model.AccountStatus
		applied  bool
	)
	err := r.pool.QueryRow(ctx, query, ref, snapshot.DetailsSubmitted, snapshot.ChargesEnabled, snapshot.Status(),
		snapshot.ObservedAt, snapshot.Replayed).Scan(&previous, &applied)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, apperror.ReconciliationGap(ref)
	}
	if err != nil {
		return "", false, errors.Wrap(err, "sync payout account status")
	}
	return previous, applied, nil
}
