package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaushikKC/CharmPay/internal/esplora"
)

type fakeCaller struct {
	calls         int
	confirmAfter  int
	confirmedAt   uint64
	lastRequested string
}

func (f *fakeCaller) GetTxStatus(_ context.Context, txID string) (esplora.TxStatus, error) {
	f.calls++
	f.lastRequested = txID
	if f.calls >= f.confirmAfter {
		return esplora.TxStatus{Confirmed: true, BlockHeight: f.confirmedAt}, nil
	}
	return esplora.TxStatus{}, nil
}

func TestWaitConfirmed(t *testing.T) {
	caller := &fakeCaller{confirmAfter: 2, confirmedAt: 800_123}
	s := NewStatus(caller)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	st, err := s.WaitConfirmed(ctx, "tx-1")
	require.NoError(t, err)
	assert.True(t, st.Confirmed)
	assert.Equal(t, uint64(800_123), st.BlockHeight)
	assert.Equal(t, "tx-1", caller.lastRequested)
	assert.GreaterOrEqual(t, caller.calls, 2)
}

func TestWaitConfirmedContextCancel(t *testing.T) {
	caller := &fakeCaller{confirmAfter: 1 << 30}
	s := NewStatus(caller)

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	_, err := s.WaitConfirmed(ctx, "tx-1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}
