package wallet

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// SigningRejectedError reports that the wallet user declined to sign.
// No funds have moved; this is a user-facing cancellation, not a
// failure.
type SigningRejectedError struct {
	Message string
}

func (e *SigningRejectedError) Error() string {
	return fmt.Sprintf("signing declined in wallet: %s; approve the request in the wallet and retry", e.Message)
}

// Signer signs a base64-encoded PSBT and returns it, still base64,
// with signatures for every input the wallet controls.
type Signer interface {
	SignPSBT(ctx context.Context, psbtB64 string) (string, error)
}

// RPCClient talks to a wallet signing endpoint over HTTP.
type RPCClient struct {
	url    string
	http   *http.Client
	logger *logrus.Logger
}

func NewRPCClient(url string, logger *logrus.Logger) *RPCClient {
	return &RPCClient{
		url: url,
		http: &http.Client{
			// Signing waits on user interaction.
			Timeout: 5 * time.Minute,
		},
		logger: logger,
	}
}

type signRequest struct {
	PSBT string `json:"psbt"`
}

type signResponse struct {
	PSBT  string `json:"psbt"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// EIP-1193-style user rejection code, used by most wallet providers.
const codeUserRejected = 4001

// SignPSBT delegates signing to the wallet. A "user rejected" response
// maps to *SigningRejectedError; every other failure is generic.
func (c *RPCClient) SignPSBT(ctx context.Context, psbtB64 string) (string, error) {
	payload, err := json.Marshal(signRequest{PSBT: psbtB64})
	if err != nil {
		return "", fmt.Errorf("failed to marshal sign request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("wallet unreachable: %w; reconnect the wallet and retry", err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read wallet response: %w", err)
	}

	var decoded signResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("failed to decode wallet response (status %d): %w", res.StatusCode, err)
	}

	if decoded.Error != nil {
		if decoded.Error.Code == codeUserRejected || strings.Contains(strings.ToLower(decoded.Error.Message), "rejected") {
			return "", &SigningRejectedError{Message: decoded.Error.Message}
		}
		return "", fmt.Errorf("wallet signing failed: %s", decoded.Error.Message)
	}
	if res.StatusCode != http.StatusOK {
		return "", fmt.Errorf("wallet signing failed, status=%d body=%s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	if decoded.PSBT == "" {
		return "", fmt.Errorf("wallet returned an empty psbt")
	}

	c.logger.Debug("wallet returned signed psbt")
	return decoded.PSBT, nil
}
