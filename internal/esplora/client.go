package esplora

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ErrTxNotFound is returned when the index has no transaction for the
// requested id, including the case where it answers with a non-hex body
// (typically an HTML error page).
var ErrTxNotFound = errors.New("transaction not found in index")

// Client talks to an Esplora-compatible transaction/UTXO index.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// UTXO is one spendable output as reported by the index.
type UTXO struct {
	TxID  string `json:"txid"`
	Vout  uint32 `json:"vout"`
	Value uint64 `json:"value"`
}

// OutPoint returns the "txid:vout" form used as a funding resource id.
func (u UTXO) OutPoint() string {
	return fmt.Sprintf("%s:%d", u.TxID, u.Vout)
}

// ListUnspent fetches all spendable outputs for an address.
func (c *Client) ListUnspent(ctx context.Context, address string) ([]UTXO, error) {
	body, err := c.get(ctx, "/address/"+address+"/utxo")
	if err != nil {
		return nil, fmt.Errorf("failed to fetch utxos: %w", err)
	}

	var utxos []UTXO
	if err := json.Unmarshal(body, &utxos); err != nil {
		return nil, fmt.Errorf("failed to decode utxo list: %w", err)
	}
	return utxos, nil
}

// RawTransaction returns the raw bytes of a transaction as a hex string.
func (c *Client) RawTransaction(ctx context.Context, txID string) (string, error) {
	body, err := c.get(ctx, "/tx/"+txID+"/hex")
	if err != nil {
		return "", fmt.Errorf("failed to fetch raw tx %s: %w", txID, err)
	}

	rawHex := strings.TrimSpace(string(body))
	// Some indexes serve an HTML error page with status 200; anything that
	// does not decode as hex is treated as not found, never as tx data.
	if _, err := hex.DecodeString(rawHex); err != nil || rawHex == "" {
		return "", fmt.Errorf("non-hex body for tx %s: %w", txID, ErrTxNotFound)
	}
	return rawHex, nil
}

// Broadcast submits a raw transaction and returns the resulting txid.
func (c *Client) Broadcast(ctx context.Context, rawHex string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/tx", strings.NewReader(rawHex))
	if err != nil {
		return "", fmt.Errorf("failed to build broadcast request: %w", err)
	}
	req.Header.Set("Content-Type", "text/plain")

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to broadcast tx: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read broadcast response: %w", err)
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("broadcast rejected, status=%d body=%s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	txID := strings.TrimSpace(string(body))
	if _, err := hex.DecodeString(txID); err != nil || len(txID) != 64 {
		return "", fmt.Errorf("unexpected broadcast response body: %q", txID)
	}
	return txID, nil
}

// TxStatus is the confirmation state of a transaction.
type TxStatus struct {
	Confirmed   bool   `json:"confirmed"`
	BlockHeight uint64 `json:"block_height"`
}

// GetTxStatus fetches the confirmation status of a transaction.
func (c *Client) GetTxStatus(ctx context.Context, txID string) (TxStatus, error) {
	body, err := c.get(ctx, "/tx/"+txID+"/status")
	if err != nil {
		return TxStatus{}, fmt.Errorf("failed to fetch tx status: %w", err)
	}

	var status TxStatus
	if err := json.Unmarshal(body, &status); err != nil {
		return TxStatus{}, fmt.Errorf("failed to decode tx status: %w", err)
	}
	return status, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}

	res, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	if res.StatusCode == http.StatusNotFound {
		return nil, ErrTxNotFound
	}
	if res.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return body, nil
}
