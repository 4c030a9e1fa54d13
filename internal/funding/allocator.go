package funding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/KaushikKC/CharmPay/internal/charms"
	"github.com/KaushikKC/CharmPay/internal/esplora"
	"github.com/KaushikKC/CharmPay/internal/registry"
)

// ErrNoFunding is returned when no spendable funding UTXO is available.
var ErrNoFunding = errors.New("no unused funding utxo available; fund the wallet or wait for pending proofs to confirm")

// ExhaustionError reports that the retry and refresh budget ran out:
// every attempt rejected as a conflict, or no usable candidate at all.
type ExhaustionError struct {
	Attempts      int
	RefreshCycles int
	LastErr       error
}

func (e *ExhaustionError) Error() string {
	if e.Attempts == 0 {
		return fmt.Sprintf(
			"no usable funding utxo after %d refresh cycles; fund the wallet or wait for pending proofs to confirm",
			e.RefreshCycles,
		)
	}
	return fmt.Sprintf(
		"funding retry budget exhausted after %d attempts across %d refresh cycles; wait for pending proofs to confirm and retry (last error: %v)",
		e.Attempts, e.RefreshCycles, e.LastErr,
	)
}

func (e *ExhaustionError) Unwrap() error {
	return e.LastErr
}

// UTXOSource re-queries the index when the local candidate pool is
// exhausted.
type UTXOSource interface {
	ListUnspent(ctx context.Context, address string) ([]esplora.UTXO, error)
}

// BuildFunc constructs the spell for a given funding UTXO. It must be
// pure: only funding-derived fields may differ between calls.
type BuildFunc func(funding esplora.UTXO) (*charms.Spell, error)

// SubmitFunc sends the spell to the prover using the given funding UTXO.
type SubmitFunc func(ctx context.Context, spell *charms.Spell, funding esplora.UTXO) (*charms.TxPair, error)

// Allocator selects funding UTXOs and drives the conflict-retry loop
// against the proving service.
type Allocator struct {
	index       UTXOSource
	registry    registry.Registry
	settleDelay time.Duration
	logger      *logrus.Logger
}

func NewAllocator(index UTXOSource, reg registry.Registry, settleDelay time.Duration, logger *logrus.Logger) *Allocator {
	return &Allocator{
		index:       index,
		registry:    reg,
		settleDelay: settleDelay,
		logger:      logger,
	}
}

// Allocate claims the first candidate not yet in the registry. If every
// candidate is registered, the registry is cleared once and the same
// list is rescanned; proofs confirmed since the last run make their
// funding UTXOs invalid anyway, so a stale registry must not starve the
// client forever.
func (a *Allocator) Allocate(ctx context.Context, candidates []esplora.UTXO) (esplora.UTXO, error) {
	utxo, ok, err := a.claimFirst(ctx, candidates, nil)
	if err != nil {
		return esplora.UTXO{}, err
	}
	if ok {
		return utxo, nil
	}

	a.logger.WithField("candidates", len(candidates)).Info("all funding utxos registered as used, clearing registry")
	if err := a.registry.Clear(ctx); err != nil {
		return esplora.UTXO{}, fmt.Errorf("failed to clear funding registry: %w", err)
	}

	utxo, ok, err = a.claimFirst(ctx, candidates, nil)
	if err != nil {
		return esplora.UTXO{}, err
	}
	if !ok {
		return esplora.UTXO{}, ErrNoFunding
	}
	return utxo, nil
}

// AttemptWithRetry runs build+submit against successive funding UTXOs
// until the prover accepts, a non-conflict error occurs, or the budget
// runs out. Every tried UTXO is claimed in the registry before its
// submission, so no id is ever offered twice within one operation (the
// local tried set holds even across a registry clear). After
// maxAttempts conflicts the pool is refreshed from the index, preceded
// by a settle delay for the prover's server-side state, up to
// maxRefreshCycles times. When every candidate is already registered,
// the registry is cleared once and the same list rescanned, as in
// Allocate; the tried set keeps cleared ids from being offered twice.
func (a *Allocator) AttemptWithRetry(
	ctx context.Context,
	address string,
	build BuildFunc,
	submit SubmitFunc,
	candidates []esplora.UTXO,
	maxAttempts int,
	maxRefreshCycles int,
) (*charms.TxPair, esplora.UTXO, error) {
	tried := make(map[string]struct{})
	var lastErr error
	totalAttempts := 0
	cleared := false

	for cycle := 0; ; cycle++ {
		attempts := 0
		for attempts < maxAttempts {
			utxo, ok, err := a.claimFirst(ctx, candidates, tried)
			if err != nil {
				return nil, esplora.UTXO{}, err
			}
			if !ok {
				// Proofs confirmed since the last run invalidate their
				// funding UTXOs anyway, so a fully registered pool gets
				// one clear-and-rescan before refreshing; the tried set
				// still blocks re-offering within this operation.
				if !cleared {
					cleared = true
					a.logger.WithField("candidates", len(candidates)).
						Info("all funding utxos registered as used, clearing registry")
					if err := a.registry.Clear(ctx); err != nil {
						return nil, esplora.UTXO{}, fmt.Errorf("failed to clear funding registry: %w", err)
					}
					continue
				}
				break
			}
			tried[utxo.OutPoint()] = struct{}{}
			attempts++
			totalAttempts++

			spell, err := build(utxo)
			if err != nil {
				return nil, esplora.UTXO{}, fmt.Errorf("failed to build spell: %w", err)
			}

			pair, err := submit(ctx, spell, utxo)
			if err == nil {
				return pair, utxo, nil
			}

			var conflict *charms.ConflictError
			if !errors.As(err, &conflict) {
				return nil, esplora.UTXO{}, err
			}

			lastErr = err
			a.logger.WithFields(logrus.Fields{
				"fundingUtxo": utxo.OutPoint(),
				"attempt":     attempts,
				"cycle":       cycle,
			}).Warn("prover reported funding conflict, advancing to next utxo")
		}

		if cycle >= maxRefreshCycles {
			return nil, esplora.UTXO{}, &ExhaustionError{
				Attempts:      totalAttempts,
				RefreshCycles: cycle,
				LastErr:       lastErr,
			}
		}

		// Let the prover's server-side state settle before asking the
		// index for a fresh pool.
		select {
		case <-ctx.Done():
			return nil, esplora.UTXO{}, ctx.Err()
		case <-time.After(a.settleDelay):
		}

		fresh, err := a.index.ListUnspent(ctx, address)
		if err != nil {
			return nil, esplora.UTXO{}, fmt.Errorf("failed to refresh funding pool: %w", err)
		}
		a.logger.WithFields(logrus.Fields{
			"cycle":      cycle + 1,
			"candidates": len(fresh),
		}).Info("refreshed funding utxo pool")
		candidates = fresh
	}
}

// claimFirst claims the first candidate that is neither in the local
// tried set nor registered as used. ok is false when none qualifies.
func (a *Allocator) claimFirst(ctx context.Context, candidates []esplora.UTXO, tried map[string]struct{}) (esplora.UTXO, bool, error) {
	for _, cand := range candidates {
		id := cand.OutPoint()
		if tried != nil {
			if _, seen := tried[id]; seen {
				continue
			}
		}
		claimed, err := a.registry.Claim(ctx, id)
		if err != nil {
			return esplora.UTXO{}, false, fmt.Errorf("failed to claim funding utxo %s: %w", id, err)
		}
		if claimed {
			return cand, true, nil
		}
	}
	return esplora.UTXO{}, false, nil
}
