package subscription

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaushikKC/CharmPay/internal/broadcast"
	"github.com/KaushikKC/CharmPay/internal/charms"
	"github.com/KaushikKC/CharmPay/internal/esplora"
	"github.com/KaushikKC/CharmPay/internal/funding"
	"github.com/KaushikKC/CharmPay/internal/metrics"
	"github.com/KaushikKC/CharmPay/internal/registry"
	"github.com/KaushikKC/CharmPay/internal/signing"
)

func testAddr(t *testing.T, b byte) string {
	t.Helper()
	addr, err := btcutil.NewAddressWitnessPubKeyHash(
		bytes.Repeat([]byte{b}, 20), &chaincfg.RegressionNetParams,
	)
	require.NoError(t, err)
	return addr.EncodeAddress()
}

type fakeIndex struct {
	utxos      []esplora.UTXO
	broadcasts []string
}

func (f *fakeIndex) ListUnspent(_ context.Context, _ string) ([]esplora.UTXO, error) {
	return f.utxos, nil
}

func (f *fakeIndex) RawTransaction(_ context.Context, txID string) (string, error) {
	// Content does not matter to the service, only plumbing.
	return "raw-" + txID, nil
}

func (f *fakeIndex) Broadcast(_ context.Context, rawHex string) (string, error) {
	f.broadcasts = append(f.broadcasts, rawHex)
	return "rebroadcast-txid", nil
}

type fakeProver struct {
	conflictOn map[string]bool
	requests   []charms.ProveRequest
}

func (f *fakeProver) Prove(_ context.Context, req charms.ProveRequest) (*charms.TxPair, error) {
	f.requests = append(f.requests, req)
	if f.conflictOn[req.FundingUTXO] {
		return nil, &charms.ConflictError{FundingUTXO: req.FundingUTXO, Message: "already used"}
	}
	return &charms.TxPair{CommitTx: "aa", SpellTx: "bb"}, nil
}

type fakeSigner struct {
	spellTxID string
}

func (f *fakeSigner) SignPair(_ context.Context, pair *charms.TxPair, _ map[string]string) (*signing.SignedPair, error) {
	return &signing.SignedPair{
		CommitTx:   "signed-" + pair.CommitTx,
		CommitTxID: "c1",
		SpellTx:    "signed-" + pair.SpellTx,
		SpellTxID:  f.spellTxID,
	}, nil
}

type fakeBroadcaster struct {
	err   error
	pairs []*signing.SignedPair
}

func (f *fakeBroadcaster) SubmitPackage(_ context.Context, pair *signing.SignedPair) (string, string, error) {
	f.pairs = append(f.pairs, pair)
	if f.err != nil {
		var partial *broadcast.PartialBroadcastError
		if errors.As(f.err, &partial) {
			return partial.CommitTxID, "", f.err
		}
		return "", "", f.err
	}
	return pair.CommitTxID, pair.SpellTxID, nil
}

type serviceFixture struct {
	service     *Service
	index       *fakeIndex
	prover      *fakeProver
	broadcaster *fakeBroadcaster
	store       *MemoryStore
	registry    *registry.Memory
}

func newServiceFixture(t *testing.T, spellTxID string) *serviceFixture {
	t.Helper()

	logger := logrus.New()
	index := &fakeIndex{
		utxos: []esplora.UTXO{
			{TxID: "fund-a", Vout: 0, Value: 100_000},
			{TxID: "fund-b", Vout: 1, Value: 120_000},
		},
	}
	reg := registry.NewMemory()
	prover := &fakeProver{conflictOn: map[string]bool{}}
	broadcaster := &fakeBroadcaster{}
	store := NewMemoryStore()

	svc := NewService(
		index,
		prover,
		funding.NewAllocator(index, reg, time.Millisecond, logger),
		&fakeSigner{spellTxID: spellTxID},
		broadcaster,
		store,
		metrics.NewFlowMetrics(),
		logger,
		Config{
			VK:               "vk0",
			AppBinary:        "binhex",
			FeeRate:          2,
			MaxAttempts:      3,
			MaxRefreshCycles: 1,
			NetParams:        &chaincfg.RegressionNetParams,
		},
	)
	return &serviceFixture{
		service:     svc,
		index:       index,
		prover:      prover,
		broadcaster: broadcaster,
		store:       store,
		registry:    reg,
	}
}

func seedSubscription(t *testing.T, fx *serviceFixture, payer, merchant string) *Subscription {
	t.Helper()
	sub := &Subscription{
		ID:              "sub-1",
		PayerAddress:    payer,
		MerchantAddress: merchant,
		AmountPerCycle:  100_000,
		BillingInterval: 24 * time.Hour,
		LastPaymentAt:   time.Now().Add(-48 * time.Hour),
		TotalLocked:     700_000,
		Remaining:       700_000,
		Active:          true,
		AppVK:           "vk0",
		AppIdentity:     charms.AppIdentity("fund-a:0"),
		NFTUTXO:         "prev-spell:0",
		TokenUTXO:       "prev-spell:1",
		CreatedAt:       time.Now().Add(-72 * time.Hour),
	}
	require.NoError(t, fx.store.Save(context.Background(), sub))
	return sub
}

func TestServiceCreate(t *testing.T) {
	fx := newServiceFixture(t, "spell-1")
	payer := testAddr(t, 0x01)
	merchant := testAddr(t, 0x02)

	sub, err := fx.service.Create(context.Background(), CreateRequest{
		PayerAddress:    payer,
		MerchantAddress: merchant,
		AmountPerCycle:  100_000,
		BillingInterval: 24 * time.Hour,
		TotalLocked:     700_000,
	})
	require.NoError(t, err)
	require.NotEmpty(t, sub.ID)

	assert.Equal(t, uint64(700_000), sub.Remaining)
	assert.True(t, sub.Active)
	assert.Equal(t, "spell-1:0", sub.NFTUTXO)
	assert.Equal(t, "spell-1:1", sub.TokenUTXO)
	assert.Equal(t, charms.AppIdentity("fund-a:0"), sub.AppIdentity)
	assert.Empty(t, sub.PendingSpellTx)
	assert.False(t, sub.LastPaymentAt.IsZero())

	require.Len(t, fx.prover.requests, 1)
	req := fx.prover.requests[0]
	assert.Equal(t, "fund-a:0", req.FundingUTXO)
	assert.Equal(t, uint64(100_000), req.FundingUTXOValue)
	assert.Equal(t, payer, req.ChangeAddress)
	assert.Equal(t, map[string]string{"vk0": "binhex"}, req.Binaries)
	assert.Equal(t, []string{"raw-fund-a"}, req.PrevTxs)

	stored, err := fx.store.Get(context.Background(), sub.ID)
	require.NoError(t, err)
	assert.Equal(t, sub.NFTUTXO, stored.NFTUTXO)

	require.Len(t, fx.broadcaster.pairs, 1)
}

func TestServiceCreateConflictRetry(t *testing.T) {
	fx := newServiceFixture(t, "spell-1")
	fx.prover.conflictOn["fund-a:0"] = true
	payer := testAddr(t, 0x01)

	sub, err := fx.service.Create(context.Background(), CreateRequest{
		PayerAddress:    payer,
		MerchantAddress: testAddr(t, 0x02),
		AmountPerCycle:  100_000,
		BillingInterval: 24 * time.Hour,
		TotalLocked:     700_000,
	})
	require.NoError(t, err)

	// The identity follows the funding that actually won.
	assert.Equal(t, charms.AppIdentity("fund-b:1"), sub.AppIdentity)
	require.Len(t, fx.prover.requests, 2)
	assert.Equal(t, "fund-a:0", fx.prover.requests[0].FundingUTXO)
	assert.Equal(t, "fund-b:1", fx.prover.requests[1].FundingUTXO)

	// Both tried utxos stay registered.
	for _, id := range []string{"fund-a:0", "fund-b:1"} {
		used, err := fx.registry.Used(context.Background(), id)
		require.NoError(t, err)
		assert.True(t, used, id)
	}
}

func TestServiceCreateValidation(t *testing.T) {
	fx := newServiceFixture(t, "spell-1")
	payer := testAddr(t, 0x01)
	merchant := testAddr(t, 0x02)

	cases := []struct {
		name string
		req  CreateRequest
	}{
		{
			name: "zero total",
			req:  CreateRequest{PayerAddress: payer, MerchantAddress: merchant, AmountPerCycle: 1, BillingInterval: time.Hour},
		},
		{
			name: "cycle exceeds total",
			req:  CreateRequest{PayerAddress: payer, MerchantAddress: merchant, AmountPerCycle: 10, TotalLocked: 5, BillingInterval: time.Hour},
		},
		{
			name: "zero interval",
			req:  CreateRequest{PayerAddress: payer, MerchantAddress: merchant, AmountPerCycle: 1, TotalLocked: 5},
		},
		{
			name: "bad payer address",
			req:  CreateRequest{PayerAddress: "nonsense", MerchantAddress: merchant, AmountPerCycle: 1, TotalLocked: 5, BillingInterval: time.Hour},
		},
		{
			name: "bad merchant address",
			req:  CreateRequest{PayerAddress: payer, MerchantAddress: "nonsense", AmountPerCycle: 1, TotalLocked: 5, BillingInterval: time.Hour},
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := fx.service.Create(context.Background(), tc.req)
			require.Error(t, err)
		})
	}
	assert.Empty(t, fx.prover.requests)
}

func TestServiceExecutePayment(t *testing.T) {
	fx := newServiceFixture(t, "spell-2")
	payer := testAddr(t, 0x01)
	merchant := testAddr(t, 0x02)
	seedSubscription(t, fx, payer, merchant)

	sub, err := fx.service.ExecutePayment(context.Background(), "sub-1")
	require.NoError(t, err)

	assert.Equal(t, uint64(600_000), sub.Remaining)
	assert.True(t, sub.Active)
	assert.Equal(t, "spell-2:0", sub.NFTUTXO)
	assert.Equal(t, "spell-2:2", sub.TokenUTXO)
	assert.WithinDuration(t, time.Now(), sub.LastPaymentAt, time.Minute)

	require.Len(t, fx.prover.requests, 1)
	spell := fx.prover.requests[0].Spell
	require.Len(t, spell.Ins, 2)
	assert.Equal(t, "prev-spell:0", spell.Ins[0].UTXOID)
	assert.Equal(t, "prev-spell:1", spell.Ins[1].UTXOID)
	require.Len(t, spell.Outs, 3)
	assert.Equal(t, merchant, spell.Outs[1].Address)
	assert.Equal(t, uint64(100_000), spell.Outs[1].Charms[charms.TokenKey])
	assert.Equal(t, uint64(600_000), spell.Outs[2].Charms[charms.TokenKey])

	// Prev txs cover both spell inputs and the funding utxo.
	assert.Equal(t, []string{"raw-prev-spell", "raw-fund-a"}, fx.prover.requests[0].PrevTxs)
}

func TestServiceExecutePaymentDistinctPrevTxs(t *testing.T) {
	fx := newServiceFixture(t, "spell-2")
	payer := testAddr(t, 0x01)
	seed := seedSubscription(t, fx, payer, testAddr(t, 0x02))
	// NFT and token in different transactions force multiple
	// uncached prev-tx fetches within one submission.
	seed.NFTUTXO = "prev-nft:0"
	seed.TokenUTXO = "prev-token:1"
	require.NoError(t, fx.store.Save(context.Background(), seed))

	sub, err := fx.service.ExecutePayment(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, uint64(600_000), sub.Remaining)

	// Fetched concurrently, assembled in input order.
	require.Len(t, fx.prover.requests, 1)
	assert.Equal(t,
		[]string{"raw-prev-nft", "raw-prev-token", "raw-fund-a"},
		fx.prover.requests[0].PrevTxs,
	)
}

func TestServiceExecutePaymentDrains(t *testing.T) {
	fx := newServiceFixture(t, "spell-2")
	payer := testAddr(t, 0x01)
	seed := seedSubscription(t, fx, payer, testAddr(t, 0x02))
	seed.Remaining = 100_000
	require.NoError(t, fx.store.Save(context.Background(), seed))

	sub, err := fx.service.ExecutePayment(context.Background(), "sub-1")
	require.NoError(t, err)

	assert.Equal(t, uint64(0), sub.Remaining)
	assert.False(t, sub.Active)
	assert.Empty(t, sub.TokenUTXO)
	assert.True(t, sub.Terminal())

	// Drained payments produce no change output.
	require.Len(t, fx.prover.requests, 1)
	assert.Len(t, fx.prover.requests[0].Spell.Outs, 2)

	_, err = fx.service.ExecutePayment(context.Background(), "sub-1")
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestServiceExecutePaymentRejections(t *testing.T) {
	fx := newServiceFixture(t, "spell-2")
	payer := testAddr(t, 0x01)

	_, err := fx.service.ExecutePayment(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	seed := seedSubscription(t, fx, payer, testAddr(t, 0x02))
	seed.Remaining = 50_000 // less than one cycle
	require.NoError(t, fx.store.Save(context.Background(), seed))
	_, err = fx.service.ExecutePayment(context.Background(), "sub-1")
	assert.ErrorIs(t, err, ErrInsufficientBalance)

	seed.Remaining = 700_000
	seed.PendingSpellTx = "unbroadcast"
	require.NoError(t, fx.store.Save(context.Background(), seed))
	_, err = fx.service.ExecutePayment(context.Background(), "sub-1")
	assert.ErrorIs(t, err, ErrPendingBroadcast)

	seed.PendingSpellTx = ""
	seed.Active = false
	require.NoError(t, fx.store.Save(context.Background(), seed))
	_, err = fx.service.ExecutePayment(context.Background(), "sub-1")
	assert.ErrorIs(t, err, ErrTerminal)

	assert.Empty(t, fx.prover.requests)
}

func TestServiceCancel(t *testing.T) {
	fx := newServiceFixture(t, "spell-3")
	payer := testAddr(t, 0x01)
	seedSubscription(t, fx, payer, testAddr(t, 0x02))

	sub, err := fx.service.Cancel(context.Background(), "sub-1")
	require.NoError(t, err)

	assert.Equal(t, uint64(0), sub.Remaining)
	assert.False(t, sub.Active)
	assert.True(t, sub.Terminal())
	assert.Equal(t, "spell-3:0", sub.NFTUTXO)
	assert.Empty(t, sub.TokenUTXO)

	// Full refund goes back to the subscriber, nothing elsewhere.
	require.Len(t, fx.prover.requests, 1)
	spell := fx.prover.requests[0].Spell
	require.Len(t, spell.Outs, 2)
	assert.Equal(t, payer, spell.Outs[1].Address)
	assert.Equal(t, uint64(700_000), spell.Outs[1].Charms[charms.TokenKey])

	_, err = fx.service.Cancel(context.Background(), "sub-1")
	assert.ErrorIs(t, err, ErrTerminal)
}

func TestServicePartialBroadcastAndResume(t *testing.T) {
	fx := newServiceFixture(t, "spell-2")
	payer := testAddr(t, 0x01)
	seedSubscription(t, fx, payer, testAddr(t, 0x02))
	fx.broadcaster.err = &broadcast.PartialBroadcastError{
		CommitTxID: "c1",
		Err:        errors.New("mempool rejected"),
	}

	_, err := fx.service.ExecutePayment(context.Background(), "sub-1")
	require.Error(t, err)
	var partial *broadcast.PartialBroadcastError
	require.ErrorAs(t, err, &partial)
	assert.Equal(t, "c1", partial.CommitTxID)

	// Post-state persisted with the raw spell tx pending.
	stored, err := fx.store.Get(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Equal(t, "signed-bb", stored.PendingSpellTx)
	assert.Equal(t, uint64(600_000), stored.Remaining)
	assert.Equal(t, "spell-2:0", stored.NFTUTXO)

	// Resume broadcasts only the spell tx and clears the marker.
	resumed, err := fx.service.ResumeSpellBroadcast(context.Background(), "sub-1")
	require.NoError(t, err)
	assert.Empty(t, resumed.PendingSpellTx)
	assert.Equal(t, []string{"signed-bb"}, fx.index.broadcasts)

	_, err = fx.service.ResumeSpellBroadcast(context.Background(), "sub-1")
	assert.ErrorIs(t, err, ErrNothingPending)
}

func TestServiceCommitBroadcastFailureIsNotPartial(t *testing.T) {
	fx := newServiceFixture(t, "spell-2")
	payer := testAddr(t, 0x01)
	seedSubscription(t, fx, payer, testAddr(t, 0x02))
	fx.broadcaster.err = errors.New("relay down")

	_, err := fx.service.ExecutePayment(context.Background(), "sub-1")
	require.Error(t, err)

	// Nothing landed, so the stored record keeps its pre-payment state.
	stored, getErr := fx.store.Get(context.Background(), "sub-1")
	require.NoError(t, getErr)
	assert.Equal(t, uint64(700_000), stored.Remaining)
	assert.Equal(t, "prev-spell:0", stored.NFTUTXO)
	assert.Empty(t, stored.PendingSpellTx)
}

func TestServiceFundingExhaustion(t *testing.T) {
	fx := newServiceFixture(t, "spell-1")
	fx.prover.conflictOn["fund-a:0"] = true
	fx.prover.conflictOn["fund-b:1"] = true

	_, err := fx.service.Create(context.Background(), CreateRequest{
		PayerAddress:    testAddr(t, 0x01),
		MerchantAddress: testAddr(t, 0x02),
		AmountPerCycle:  100_000,
		BillingInterval: 24 * time.Hour,
		TotalLocked:     700_000,
	})
	require.Error(t, err)
	var exhaustion *funding.ExhaustionError
	require.ErrorAs(t, err, &exhaustion)
	assert.Empty(t, fx.broadcaster.pairs)
}
