package wallet

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetLevel(logrus.PanicLevel)
	return logger
}

func TestSignPSBT(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"psbt":"c2lnbmVk"}`))
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL, testLogger())
	got, err := client.SignPSBT(context.Background(), "dW5zaWduZWQ=")
	require.NoError(t, err)
	assert.Equal(t, "c2lnbmVk", got)
}

func TestSignPSBTUserRejected(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{
			name: "by code",
			body: `{"error":{"code":4001,"message":"User denied the request"}}`,
		},
		{
			name: "by message",
			body: `{"error":{"code":-1,"message":"request rejected by user"}}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusForbidden)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			client := NewRPCClient(srv.URL, testLogger())
			_, err := client.SignPSBT(context.Background(), "dW5zaWduZWQ=")
			require.Error(t, err)

			var rejected *SigningRejectedError
			assert.True(t, errors.As(err, &rejected), "expected SigningRejectedError, got %v", err)
		})
	}
}

func TestSignPSBTGenericError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte(`{"error":{"code":-32000,"message":"keystore locked"}}`))
	}))
	defer srv.Close()

	client := NewRPCClient(srv.URL, testLogger())
	_, err := client.SignPSBT(context.Background(), "dW5zaWduZWQ=")
	require.Error(t, err)

	var rejected *SigningRejectedError
	assert.False(t, errors.As(err, &rejected), "locked keystore is not a user rejection")
}
