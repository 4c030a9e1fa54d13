package status

import (
	"context"
	"time"

	"github.com/KaushikKC/CharmPay/internal/esplora"
)

// Caller reports on-chain state of a transaction.
type Caller interface {
	GetTxStatus(ctx context.Context, txID string) (esplora.TxStatus, error)
}

type Status struct {
	caller Caller
}

func NewStatus(caller Caller) *Status {
	return &Status{
		caller: caller,
	}
}

// WaitConfirmed polls until the transaction is included in a block
// or the context is cancelled.
func (s *Status) WaitConfirmed(ctx context.Context, txID string) (esplora.TxStatus, error) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return esplora.TxStatus{}, ctx.Err()
		case <-ticker.C:
			st, err := s.caller.GetTxStatus(ctx, txID)
			if err != nil {
				return esplora.TxStatus{}, err
			}
			if st.Confirmed {
				return st, nil
			}
		}
	}
}
