package registry

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS funding_utxos_used (
	utxo_id    TEXT PRIMARY KEY,
	claimed_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`

// Postgres is a Registry persisted in a single table, surviving process
// restarts within a client session.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return nil, fmt.Errorf("failed to ensure registry schema: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (p *Postgres) Claim(ctx context.Context, id string) (bool, error) {
	// ON CONFLICT DO NOTHING makes the check-then-mark a single atomic
	// statement; rows-affected tells us whether we won the claim.
	tag, err := p.pool.Exec(ctx,
		`INSERT INTO funding_utxos_used (utxo_id) VALUES ($1) ON CONFLICT (utxo_id) DO NOTHING`,
		id,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim funding utxo %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (p *Postgres) MarkUsed(ctx context.Context, id string) error {
	_, err := p.pool.Exec(ctx,
		`INSERT INTO funding_utxos_used (utxo_id) VALUES ($1) ON CONFLICT (utxo_id) DO NOTHING`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark funding utxo %s used: %w", id, err)
	}
	return nil
}

func (p *Postgres) Used(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := p.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM funding_utxos_used WHERE utxo_id = $1)`,
		id,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check funding utxo %s: %w", id, err)
	}
	return exists, nil
}

func (p *Postgres) Clear(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM funding_utxos_used`); err != nil {
		return fmt.Errorf("failed to clear funding utxo registry: %w", err)
	}
	return nil
}
