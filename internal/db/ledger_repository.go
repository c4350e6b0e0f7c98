package db

import (
	"context"

	"github.com/anthev-stack/commpledge-sub001/internal/model"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

type LedgerRepository struct {
	pool *pgxpool.Pool
}

func NewLedgerRepository(pool *pgxpool.Pool) *LedgerRepository {
	return &LedgerRepository{pool: pool}
}

// ServerTotals sums succeeded donations and active pledges in one statement so
// both figures come from the same snapshot.
func (r *LedgerRepository) ServerTotals(ctx context.Context, serverID string) (model.ServerTotals, error) {
	query := `SELECT
	              (SELECT COALESCE(SUM(amount), 0)::BIGINT FROM donations WHERE server_id = $1 AND status = 'succeeded'),
	              (SELECT COUNT(*) FROM donations WHERE server_id = $1 AND status = 'succeeded'),
	              (SELECT COALESCE(SUM(amount), 0)::BIGINT FROM pledges WHERE server_id = $1 AND status = 'ACTIVE'),
	              (SELECT COUNT(*) FROM pledges WHERE server_id = $1 AND status = 'ACTIVE')`

	totals := model.ServerTotals{ServerID: serverID}
	err := r.pool.QueryRow(ctx, query, serverID).
		Scan(&totals.DonationsTotal, &totals.DonationsCount, &totals.PledgesTotal, &totals.PledgesCount)
	if err != nil {
		return model.ServerTotals{}, errors.Wrap(err, "sum server totals")
	}
	totals.Total = totals.DonationsTotal + totals.PledgesTotal
	return totals, nil
}
