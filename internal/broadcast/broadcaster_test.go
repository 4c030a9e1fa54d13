package broadcast

import (
	"context"
	"errors"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KaushikKC/CharmPay/internal/signing"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

type fakeRelay struct {
	ids      map[string]string
	failOn   string
	received []string
}

func (f *fakeRelay) Broadcast(_ context.Context, rawHex string) (string, error) {
	if rawHex == f.failOn {
		return "", errors.New("tx-relay rejected transaction")
	}
	f.received = append(f.received, rawHex)
	return f.ids[rawHex], nil
}

func signedPair() *signing.SignedPair {
	return &signing.SignedPair{
		CommitTx:   "0200aa",
		CommitTxID: "c1",
		SpellTx:    "0200bb",
		SpellTxID:  "s1",
	}
}

func TestSubmitPackageOrdered(t *testing.T) {
	relay := &fakeRelay{ids: map[string]string{"0200aa": "c1", "0200bb": "s1"}}
	b := NewBroadcaster(relay, testLogger())

	commitID, spellID, err := b.SubmitPackage(context.Background(), signedPair())
	require.NoError(t, err)
	assert.Equal(t, "c1", commitID)
	assert.Equal(t, "s1", spellID)
	// Commit strictly before spell.
	assert.Equal(t, []string{"0200aa", "0200bb"}, relay.received)
}

func TestSubmitPackageCommitFails(t *testing.T) {
	relay := &fakeRelay{failOn: "0200aa"}
	b := NewBroadcaster(relay, testLogger())

	_, _, err := b.SubmitPackage(context.Background(), signedPair())
	require.Error(t, err)

	var partial *PartialBroadcastError
	assert.False(t, errors.As(err, &partial), "commit failure is a total failure, not partial")
	assert.Empty(t, relay.received, "spell must never be submitted when commit fails")
}

func TestSubmitPackagePartialBroadcast(t *testing.T) {
	relay := &fakeRelay{ids: map[string]string{"0200aa": "c1"}, failOn: "0200bb"}
	b := NewBroadcaster(relay, testLogger())

	commitID, _, err := b.SubmitPackage(context.Background(), signedPair())
	require.Error(t, err)

	var partial *PartialBroadcastError
	require.True(t, errors.As(err, &partial), "expected PartialBroadcastError, got %v", err)
	assert.Equal(t, "c1", partial.CommitTxID)
	assert.Equal(t, "c1", commitID)
}

func TestSubmitPackageValidatesHex(t *testing.T) {
	relay := &fakeRelay{}
	b := NewBroadcaster(relay, testLogger())

	pair := signedPair()
	pair.SpellTx = "not-hex"
	_, _, err := b.SubmitPackage(context.Background(), pair)
	require.Error(t, err)
	assert.Empty(t, relay.received, "nothing may reach the network on malformed input")
}
