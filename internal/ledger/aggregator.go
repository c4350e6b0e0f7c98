// Package ledger serves read-only views over the reconciliation store.
package ledger

import (
	"context"

	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/anthev-stack/commpledge-sub001/internal/model"
)

const (
	defaultListLimit = 50
	maxListLimit     = 200
)

type Store interface {
	ServerTotals(ctx context.Context, serverID string) (model.ServerTotals, error)
}

type Donations interface {
	ListSucceededByServer(ctx context.Context, serverID string, limit int) ([]*model.Donation, error)
	Get(ctx context.Context, ref string) (*model.Donation, error)
}

type Aggregator struct {
	store     Store
	donations Donations
}

func NewAggregator(store Store, donations Donations) *Aggregator {
	return &Aggregator{store: store, donations: donations}
}

// ComputeServerTotals sums succeeded donations and active pledges. Totals are
// always derived from the records, never stored.
func (a *Aggregator) ComputeServerTotals(ctx context.Context, serverID string) (model.ServerTotals, error) {
	if serverID == "" {
		return model.ServerTotals{}, apperror.Validation("", "server is required")
	}
	return a.store.ServerTotals(ctx, serverID)
}

// ListServerDonations returns the most recent succeeded donations with
// anonymous donors masked.
func (a *Aggregator) ListServerDonations(ctx context.Context, serverID string, limit int) ([]model.Donation, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	if limit > maxListLimit {
		limit = maxListLimit
	}

	donations, err := a.donations.ListSucceededByServer(ctx, serverID, limit)
	if err != nil {
		return nil, err
	}

	public := make([]model.Donation, 0, len(donations))
	for _, d := range donations {
		public = append(public, d.Public())
	}
	return public, nil
}

func (a *Aggregator) GetDonation(ctx context.Context, externalRef string) (model.Donation, error) {
	d, err := a.donations.Get(ctx, externalRef)
	if err != nil {
		return model.Donation{}, err
	}
	return d.Public(), nil
}
