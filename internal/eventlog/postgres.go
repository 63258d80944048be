package eventlog

import (
	"context"
	"errors"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/jackc/pgx/v5/pgxpool"

	"jpyescrow/internal/escrow"
)

// PostgresLog persists events in a PostgreSQL table.
type PostgresLog struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS escrow_events (
    seq BIGSERIAL PRIMARY KEY,
    kind TEXT NOT NULL,
    escrow_id BIGINT NOT NULL,
    maker TEXT NOT NULL,
    taker TEXT NOT NULL DEFAULT '',
    asset TEXT NOT NULL DEFAULT '',
    amount TEXT NOT NULL DEFAULT '',
    jpy_amount BIGINT NOT NULL DEFAULT 0,
    deadline TIMESTAMPTZ,
    at TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS escrow_events_escrow_id_idx ON escrow_events (escrow_id);
CREATE INDEX IF NOT EXISTS escrow_events_maker_idx ON escrow_events (maker);
`

// NewPostgresLog connects using the DSN and ensures the table exists.
func NewPostgresLog(ctx context.Context, dsn string) (*PostgresLog, error) {
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

	return &PostgresLog{pool: pool}, nil
}

func (p *PostgresLog) Close() {
	if p.pool != nil {
		p.pool.Close()
	}
}

func (p *PostgresLog) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresLog) Append(ctx context.Context, ev escrow.Event) error {
	e := entryFrom(ev)
	_, err := p.pool.Exec(ctx, `
INSERT INTO escrow_events (kind, escrow_id, maker, taker, asset, amount, jpy_amount, deadline, at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
`, string(e.Kind), int64(e.EscrowID), e.Maker, e.Taker, e.Asset, e.Amount, e.JPYAmount, e.Deadline, e.At)
	return err
}

func (p *PostgresLog) List(ctx context.Context, f Filter) ([]Entry, error) {
	var maker string
	if f.Maker != (common.Address{}) {
		maker = f.Maker.Hex()
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 1000
	}

	rows, err := p.pool.Query(ctx, `
SELECT seq, kind, escrow_id, maker, taker, asset, amount, jpy_amount, deadline, at
FROM escrow_events
WHERE ($1::BIGINT = 0 OR escrow_id = $1::BIGINT)
  AND ($2::TEXT = '' OR maker = $2::TEXT)
ORDER BY seq
LIMIT $3
`, int64(f.EscrowID), maker, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]Entry, 0)
	for rows.Next() {
		var (
			e        Entry
			kind     string
			escrowID int64
			deadline *time.Time
		)
		if err := rows.Scan(&e.Seq, &kind, &escrowID, &e.Maker, &e.Taker, &e.Asset, &e.Amount, &e.JPYAmount, &deadline, &e.At); err != nil {
			return nil, err
		}
		e.Kind = escrow.EventKind(kind)
		e.EscrowID = uint64(escrowID)
		e.Deadline = deadline
		out = append(out, e)
	}
	return out, rows.Err()
}
