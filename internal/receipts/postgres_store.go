package receipts

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore persists receipts in a PostgreSQL table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

const createTableSQL = `
CREATE TABLE IF NOT EXISTS run_receipts (
    id TEXT PRIMARY KEY,
    kind TEXT NOT NULL,
    amount TEXT NOT NULL,
    tx_hashes TEXT[] NOT NULL,
    outcome TEXT NOT NULL,
    reason TEXT NOT NULL DEFAULT '',
    started_at TIMESTAMPTZ NOT NULL,
    finished_at TIMESTAMPTZ NOT NULL
);
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

func (p *PostgresStore) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *PostgresStore) Append(ctx context.Context, record Record) error {
	_, err := p.pool.Exec(ctx, `
INSERT INTO run_receipts (id, kind, amount, tx_hashes, outcome, reason, started_at, finished_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (id) DO NOTHING
`, record.ID, record.Kind, record.Amount, record.TxHashes, string(record.Outcome), record.Reason, record.StartedAt, record.FinishedAt)
	return err
}

func (p *PostgresStore) Recent(ctx context.Context, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := p.pool.Query(ctx, `
SELECT id, kind, amount, tx_hashes, outcome, reason, started_at, finished_at
FROM run_receipts
ORDER BY finished_at DESC
LIMIT $1
`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		var rec Record
		var outcome string
		if err := rows.Scan(&rec.ID, &rec.Kind, &rec.Amount, &rec.TxHashes, &outcome, &rec.Reason, &rec.StartedAt, &rec.FinishedAt); err != nil {
			return nil, err
		}
		rec.Outcome = Outcome(outcome)
		out = append(out, rec)
	}
	return out, rows.Err()
}
