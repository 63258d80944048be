package replay

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore shares claims between API instances through a PostgreSQL table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	claims atomic.Uint64
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS seen_requests (
    key TEXT PRIMARY KEY,
    expires_at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS seen_requests_expires_at_idx ON seen_requests (expires_at);
`

// NewPostgresStore connects using the DSN and ensures the table exists.
func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if dsn == "" {
		return nil, errors.New("postgres dsn is empty")
	}

	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, err
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	if _, err := pool.Exec(ctx, createTableSQL); err != nil {
		pool.Close()
		return nil, err
	}

	return &PostgresStore{pool: pool}, nil
}

func (p *PostgresStore) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

// Claim inserts key, or takes over a row whose claim has expired. A live row
// leaves the upsert with nothing affected.
func (p *PostgresStore) Claim(ctx context.Context, key string, now, expiresAt time.Time) (bool, error) {
	tag, err := p.pool.Exec(ctx, `
INSERT INTO seen_requests (key, expires_at)
VALUES ($1, $2)
ON CONFLICT (key) DO UPDATE
SET expires_at = EXCLUDED.expires_at
WHERE seen_requests.expires_at <= $3
`, key, expiresAt, now)
	if err != nil {
		return false, err
	}
	if p.claims.Add(1)%pruneEvery == 0 {
		go p.prune(context.Background(), now)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *PostgresStore) prune(ctx context.Context, now time.Time) {
	_, _ = p.pool.Exec(ctx, `DELETE FROM seen_requests WHERE expires_at <= $1`, now)
}
