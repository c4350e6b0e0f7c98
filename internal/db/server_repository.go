package db

import (
	"context"

	"github.com/anthev-stack/commpledge-sub001/internal/apperror"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

// ServerRepository is a read-only view of the servers table, which is owned
// by the community service.
type ServerRepository struct {
	pool *pgxpool.Pool
}

func NewServerRepository(pool *pgxpool.Pool) *ServerRepository {
	return &ServerRepository{pool: pool}
}

func (r *ServerRepository) OwnerOf(ctx context.Context, serverID string) (string, error) {
	var ownerID string
	err := r.pool.QueryRow(ctx, `SELECT owner_id FROM servers WHERE id = $1`, serverID).Scan(&ownerID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", apperror.NotFound("server %s", serverID)
	}
	return ownerID, errors.Wrap(err, "select server owner")
}
