package signing

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil/psbt"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/sirupsen/logrus"

	"github.com/KaushikKC/CharmPay/internal/charms"
	"github.com/KaushikKC/CharmPay/internal/esplora"
)

// MissingPrevOutputError reports that an input's previous output could
// not be resolved from the supplied lookup or the index.
type MissingPrevOutputError struct {
	TxID       string
	Vout       uint32
	InputIndex int
}

func (e *MissingPrevOutputError) Error() string {
	return fmt.Sprintf(
		"cannot resolve previous output %s:%d for input %d; the creating transaction is unknown to the index",
		e.TxID, e.Vout, e.InputIndex,
	)
}

// SignedPair is the finalized commit/spell pair, ready for broadcast.
// The two must always be submitted together.
type SignedPair struct {
	CommitTx   string
	CommitTxID string
	SpellTx    string
	SpellTxID  string
}

// PrevTxFetcher resolves a transaction's raw bytes by id.
type PrevTxFetcher interface {
	RawTransaction(ctx context.Context, txID string) (string, error)
}

// Signer signs a base64 PSBT (see the wallet package).
type Signer interface {
	SignPSBT(ctx context.Context, psbtB64 string) (string, error)
}

// Adapter converts raw unsigned transactions into wallet-signable PSBT
// requests and reassembles the signed results.
type Adapter struct {
	index  PrevTxFetcher
	signer Signer
	logger *logrus.Logger
}

func NewAdapter(index PrevTxFetcher, signer Signer, logger *logrus.Logger) *Adapter {
	return &Adapter{
		index:  index,
		signer: signer,
		logger: logger,
	}
}

// SignTx turns rawHex into a PSBT with every input's previous output
// resolved, delegates signing to the wallet, then finalizes and
// extracts the signed transaction. prevTxs maps txid to raw hex and is
// consulted before the index.
func (a *Adapter) SignTx(ctx context.Context, rawHex string, prevTxs map[string]string) (string, string, error) {
	tx, err := decodeTx(rawHex)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode unsigned tx: %w", err)
	}

	packet, err := psbt.NewFromUnsignedTx(tx)
	if err != nil {
		return "", "", fmt.Errorf("failed to create psbt: %w", err)
	}

	for i, txIn := range tx.TxIn {
		prevID := txIn.PreviousOutPoint.Hash.String()
		vout := txIn.PreviousOutPoint.Index

		prevTx, err := a.resolvePrevTx(ctx, prevID, prevTxs)
		if err != nil {
			if errors.Is(err, esplora.ErrTxNotFound) {
				return "", "", &MissingPrevOutputError{TxID: prevID, Vout: vout, InputIndex: i}
			}
			return "", "", fmt.Errorf("failed to resolve prev tx %s: %w", prevID, err)
		}
		if int(vout) >= len(prevTx.TxOut) {
			return "", "", &MissingPrevOutputError{TxID: prevID, Vout: vout, InputIndex: i}
		}

		prevOut := prevTx.TxOut[vout]
		// Witness spends need only script+value; legacy spends need the
		// whole previous transaction for the sighash.
		if txscript.IsWitnessProgram(prevOut.PkScript) {
			packet.Inputs[i].WitnessUtxo = prevOut
		} else {
			packet.Inputs[i].NonWitnessUtxo = prevTx
		}
		packet.Inputs[i].SighashType = txscript.SigHashAll
	}

	unsignedB64, err := packet.B64Encode()
	if err != nil {
		return "", "", fmt.Errorf("failed to encode psbt: %w", err)
	}

	signedB64, err := a.signer.SignPSBT(ctx, unsignedB64)
	if err != nil {
		return "", "", err
	}

	signed, err := psbt.NewFromRawBytes(strings.NewReader(signedB64), true)
	if err != nil {
		return "", "", fmt.Errorf("failed to decode signed psbt: %w", err)
	}
	if err := psbt.MaybeFinalizeAll(signed); err != nil {
		return "", "", fmt.Errorf("failed to finalize psbt: %w", err)
	}

	final, err := psbt.Extract(signed)
	if err != nil {
		return "", "", fmt.Errorf("failed to extract signed tx: %w", err)
	}

	var buf bytes.Buffer
	if err := final.Serialize(&buf); err != nil {
		return "", "", fmt.Errorf("failed to serialize signed tx: %w", err)
	}

	txID := final.TxHash().String()
	a.logger.WithFields(logrus.Fields{
		"txID":   txID,
		"inputs": len(tx.TxIn),
	}).Info("transaction signed")

	return hex.EncodeToString(buf.Bytes()), txID, nil
}

// SignPair signs the commit transaction first, then the spell
// transaction. The spell tx spends an output of the commit tx, so the
// just-signed commit bytes are threaded into the spell's previous-tx
// lookup instead of being fetched externally.
func (a *Adapter) SignPair(ctx context.Context, pair *charms.TxPair, prevTxs map[string]string) (*SignedPair, error) {
	commitHex, commitID, err := a.SignTx(ctx, pair.CommitTx, prevTxs)
	if err != nil {
		return nil, fmt.Errorf("failed to sign commit tx: %w", err)
	}

	lookup := make(map[string]string, len(prevTxs)+1)
	for k, v := range prevTxs {
		lookup[k] = v
	}
	lookup[commitID] = commitHex

	spellHex, spellID, err := a.SignTx(ctx, pair.SpellTx, lookup)
	if err != nil {
		return nil, fmt.Errorf("failed to sign spell tx: %w", err)
	}

	return &SignedPair{
		CommitTx:   commitHex,
		CommitTxID: commitID,
		SpellTx:    spellHex,
		SpellTxID:  spellID,
	}, nil
}

func (a *Adapter) resolvePrevTx(ctx context.Context, txID string, prevTxs map[string]string) (*wire.MsgTx, error) {
	rawHex, ok := prevTxs[txID]
	if !ok {
		fetched, err := a.index.RawTransaction(ctx, txID)
		if err != nil {
			return nil, err
		}
		rawHex = fetched
	}
	return decodeTx(rawHex)
}

func decodeTx(rawHex string) (*wire.MsgTx, error) {
	raw, err := hex.DecodeString(rawHex)
	if err != nil {
		return nil, fmt.Errorf("invalid tx hex: %w", err)
	}
	tx := wire.NewMsgTx(wire.TxVersion)
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, fmt.Errorf("failed to deserialize tx: %w", err)
	}
	return tx, nil
}
