package subscription

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const storeSchema = `
CREATE TABLE IF NOT EXISTS subscriptions (
	id               TEXT PRIMARY KEY,
	payer_address    TEXT NOT NULL,
	merchant_address TEXT NOT NULL,
	amount_per_cycle BIGINT NOT NULL,
	billing_interval BIGINT NOT NULL,
	last_payment_at  TIMESTAMPTZ NOT NULL,
	total_locked     BIGINT NOT NULL,
	remaining        BIGINT NOT NULL,
	active           BOOLEAN NOT NULL,
	app_vk           TEXT NOT NULL,
	app_identity     TEXT NOT NULL,
	nft_utxo         TEXT NOT NULL DEFAULT '',
	token_utxo       TEXT NOT NULL DEFAULT '',
	pending_spell_tx TEXT NOT NULL DEFAULT '',
	created_at       TIMESTAMPTZ NOT NULL,
	updated_at       TIMESTAMPTZ NOT NULL
)`

// PostgresStore persists subscriptions in a single table.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, pool *pgxpool.Pool) (*PostgresStore, error) {
	if _, err := pool.Exec(ctx, storeSchema); err != nil {
		return nil, fmt.Errorf("failed to ensure subscriptions schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

const subColumns = `id, payer_address, merchant_address, amount_per_cycle, billing_interval,
	last_payment_at, total_locked, remaining, active, app_vk, app_identity,
	nft_utxo, token_utxo, pending_spell_tx, created_at, updated_at`

func (p *PostgresStore) Get(ctx context.Context, id string) (*Subscription, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+subColumns+` FROM subscriptions WHERE id = $1`, id)
	sub, err := scanSubscription(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("failed to get subscription %s: %w", id, err)
	}
	return sub, nil
}

func (p *PostgresStore) Save(ctx context.Context, sub *Subscription) error {
	_, err := p.pool.Exec(ctx, `
		INSERT INTO subscriptions (`+subColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
		ON CONFLICT (id) DO UPDATE SET
			amount_per_cycle = EXCLUDED.amount_per_cycle,
			billing_interval = EXCLUDED.billing_interval,
			last_payment_at  = EXCLUDED.last_payment_at,
			remaining        = EXCLUDED.remaining,
			active           = EXCLUDED.active,
			nft_utxo         = EXCLUDED.nft_utxo,
			token_utxo       = EXCLUDED.token_utxo,
			pending_spell_tx = EXCLUDED.pending_spell_tx,
			updated_at       = EXCLUDED.updated_at`,
		sub.ID, sub.PayerAddress, sub.MerchantAddress, sub.AmountPerCycle,
		int64(sub.BillingInterval), sub.LastPaymentAt, sub.TotalLocked, sub.Remaining,
		sub.Active, sub.AppVK, sub.AppIdentity, sub.NFTUTXO, sub.TokenUTXO,
		sub.PendingSpellTx, sub.CreatedAt, sub.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to save subscription %s: %w", sub.ID, err)
	}
	return nil
}

func (p *PostgresStore) List(ctx context.Context) ([]*Subscription, error) {
	rows, err := p.pool.Query(ctx, `SELECT `+subColumns+` FROM subscriptions ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func (p *PostgresStore) ListDue(ctx context.Context, now time.Time) ([]*Subscription, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT `+subColumns+` FROM subscriptions
		WHERE active
		  AND remaining > 0
		  AND remaining >= amount_per_cycle
		  AND last_payment_at + (billing_interval / 1000000000) * INTERVAL '1 second' <= $1
		ORDER BY created_at`,
		now,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list due subscriptions: %w", err)
	}
	defer rows.Close()
	return scanSubscriptions(rows)
}

func scanSubscriptions(rows pgx.Rows) ([]*Subscription, error) {
	var subs []*Subscription
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan subscription: %w", err)
		}
		subs = append(subs, sub)
	}
	return subs, rows.Err()
}

func scanSubscription(row pgx.Row) (*Subscription, error) {
	var sub Subscription
	var interval int64
	err := row.Scan(
		&sub.ID, &sub.PayerAddress, &sub.MerchantAddress, &sub.AmountPerCycle,
		&interval, &sub.LastPaymentAt, &sub.TotalLocked, &sub.Remaining,
		&sub.Active, &sub.AppVK, &sub.AppIdentity, &sub.NFTUTXO, &sub.TokenUTXO,
		&sub.PendingSpellTx, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	sub.BillingInterval = time.Duration(interval)
	return &sub, nil
}
