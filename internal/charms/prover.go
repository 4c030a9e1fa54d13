package charms

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// TxPair is the commit/spell transaction pair returned by the prover,
// both as raw hex. The spell tx spends an output of the commit tx.
type TxPair struct {
	CommitTx string
	SpellTx  string
}

// ProveRequest carries one spell to the proving service together with
// everything it needs to validate and fund it.
type ProveRequest struct {
	Spell            *Spell            `json:"spell"`
	Binaries         map[string]string `json:"binaries"`
	PrevTxs          []string          `json:"prev_txs"`
	FundingUTXO      string            `json:"funding_utxo"`
	FundingUTXOValue uint64            `json:"funding_utxo_value"`
	ChangeAddress    string            `json:"change_address"`
	FeeRate          float64           `json:"fee_rate"`
}

// Prover submits spells to the external proving service.
type Prover struct {
	url    string
	http   *http.Client
	logger *logrus.Logger
}

func NewProver(url string, logger *logrus.Logger) *Prover {
	return &Prover{
		url: strings.TrimRight(url, "/"),
		http: &http.Client{
			// Proving takes minutes, not seconds.
			Timeout: 10 * time.Minute,
		},
		logger: logger,
	}
}

// Prove sends the spell and returns the unsigned commit/spell pair.
// Errors are classified: *ConflictError when the funding UTXO is
// already committed to a pending proof, *ValidationError when the
// service rejects the spell semantics or answers with an unusable
// shape, *TransportError on network failure.
func (p *Prover) Prove(ctx context.Context, req ProveRequest) (*TxPair, error) {
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal prove request: %w", err)
	}

	p.logger.WithFields(logrus.Fields{
		"fundingUtxo": req.FundingUTXO,
		"ins":         len(req.Spell.Ins),
		"outs":        len(req.Spell.Outs),
		"prevTxs":     len(req.PrevTxs),
	}).Info("submitting spell to prover")

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url+"/spells/prove", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build prove request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	res, err := p.http.Do(httpReq)
	if err != nil {
		return nil, &TransportError{Op: "prove", Err: err}
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, &TransportError{Op: "prove", Err: err}
	}

	if res.StatusCode != http.StatusOK {
		return nil, p.classifyFailure(req.FundingUTXO, res.StatusCode, body)
	}

	pair, err := normalizeTxPair(body)
	if err != nil {
		return nil, err
	}
	return pair, nil
}

// Markers the prover uses when a funding UTXO is held by another
// still-pending submission. Matched case-insensitively.
var conflictMarkers = []string{
	"already used",
	"already spent",
	"already committed",
	"double spend",
	"funding utxo conflict",
}

func (p *Prover) classifyFailure(fundingUTXO string, status int, body []byte) error {
	msg := strings.TrimSpace(string(body))
	lower := strings.ToLower(msg)

	for _, marker := range conflictMarkers {
		if strings.Contains(lower, marker) {
			return &ConflictError{FundingUTXO: fundingUTXO, Message: msg}
		}
	}

	if status >= 400 && status < 500 {
		return &ValidationError{Message: fmt.Sprintf("status %d: %s", status, msg)}
	}
	return &TransportError{Op: "prove", Err: fmt.Errorf("status %d: %s", status, msg)}
}

// The prover's response shape is not normalized: it may be an array of
// two hex strings, an array of two tagged objects, or an object with
// named fields. normalizeTxPair is the single boundary that reduces all
// of them to a TxPair or a ValidationError.
func normalizeTxPair(body []byte) (*TxPair, error) {
	var asStrings []string
	if err := json.Unmarshal(body, &asStrings); err == nil {
		return txPairFromSlice(asStrings)
	}

	var asTagged []struct {
		Hex string `json:"hex"`
		Raw string `json:"raw"`
		Tx  string `json:"tx"`
	}
	if err := json.Unmarshal(body, &asTagged); err == nil {
		values := make([]string, 0, len(asTagged))
		for _, item := range asTagged {
			switch {
			case item.Hex != "":
				values = append(values, item.Hex)
			case item.Raw != "":
				values = append(values, item.Raw)
			default:
				values = append(values, item.Tx)
			}
		}
		return txPairFromSlice(values)
	}

	var asObject struct {
		CommitTx string `json:"commit_tx"`
		SpellTx  string `json:"spell_tx"`
	}
	if err := json.Unmarshal(body, &asObject); err == nil {
		return txPairFromSlice([]string{asObject.CommitTx, asObject.SpellTx})
	}

	return nil, &ValidationError{Message: fmt.Sprintf("unrecognized prover response: %s", strings.TrimSpace(string(body)))}
}

func txPairFromSlice(values []string) (*TxPair, error) {
	if len(values) != 2 {
		return nil, &ValidationError{Message: fmt.Sprintf("expected 2 transactions from prover, got %d", len(values))}
	}
	for i, v := range values {
		if v == "" || len(v)%2 != 0 {
			return nil, &ValidationError{Message: fmt.Sprintf("prover transaction %d is not valid hex", i)}
		}
		if _, err := hex.DecodeString(v); err != nil {
			return nil, &ValidationError{Message: fmt.Sprintf("prover transaction %d is not valid hex", i)}
		}
	}
	return &TxPair{CommitTx: values[0], SpellTx: values[1]}, nil
}
