package broadcast

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/sirupsen/logrus"

	"github.com/KaushikKC/CharmPay/internal/signing"
)

// PartialBroadcastError reports that the commit transaction was
// accepted by the network but the dependent spell transaction was not.
// The commit output exists on-chain unspent; the caller should resume
// only the spell-broadcast step, not restart from funding allocation.
type PartialBroadcastError struct {
	CommitTxID string
	Err        error
}

func (e *PartialBroadcastError) Error() string {
	return fmt.Sprintf(
		"commit tx %s broadcast but spell tx failed: %v; retry the spell broadcast alone",
		e.CommitTxID, e.Err,
	)
}

func (e *PartialBroadcastError) Unwrap() error {
	return e.Err
}

// TxRelay submits one raw transaction and returns its txid.
type TxRelay interface {
	Broadcast(ctx context.Context, rawHex string) (string, error)
}

// Broadcaster submits signed commit/spell pairs as an ordered,
// all-or-nothing package.
type Broadcaster struct {
	relay  TxRelay
	logger *logrus.Logger
}

func NewBroadcaster(relay TxRelay, logger *logrus.Logger) *Broadcaster {
	return &Broadcaster{
		relay:  relay,
		logger: logger,
	}
}

// SubmitPackage broadcasts the commit transaction and, only after the
// relay accepts it, the spell transaction that spends its output. The
// ordering is mandatory: the spell tx is invalid until the commit tx is
// known to the network.
func (b *Broadcaster) SubmitPackage(ctx context.Context, pair *signing.SignedPair) (string, string, error) {
	if err := validateRawHex(pair.CommitTx); err != nil {
		return "", "", fmt.Errorf("invalid commit tx: %w", err)
	}
	if err := validateRawHex(pair.SpellTx); err != nil {
		return "", "", fmt.Errorf("invalid spell tx: %w", err)
	}

	commitID, err := b.relay.Broadcast(ctx, pair.CommitTx)
	if err != nil {
		return "", "", fmt.Errorf("failed to broadcast commit tx: %w", err)
	}
	b.logger.WithField("commitTxID", commitID).Info("commit tx broadcast")

	spellID, err := b.relay.Broadcast(ctx, pair.SpellTx)
	if err != nil {
		return commitID, "", &PartialBroadcastError{CommitTxID: commitID, Err: err}
	}
	b.logger.WithFields(logrus.Fields{
		"commitTxID": commitID,
		"spellTxID":  spellID,
	}).Info("spell tx broadcast")

	return commitID, spellID, nil
}

func validateRawHex(rawHex string) error {
	if rawHex == "" {
		return fmt.Errorf("empty transaction")
	}
	if _, err := hex.DecodeString(rawHex); err != nil {
		return fmt.Errorf("not valid hex: %w", err)
	}
	return nil
}
