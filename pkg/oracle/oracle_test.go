package oracle

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/perimeterlab/attest/pkg/attest"
	"github.com/perimeterlab/attest/pkg/canonical"
)

func TestLocalKeyRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", "device_key")
	key, err := LoadOrCreateLocalKey(path)
	require.NoError(t, err)

	pubPEM, err := key.InitKey(context.Background())
	require.NoError(t, err)

	nonce := "local-key-nonce"
	sig, err := key.Sign(context.Background(), canonical.ChallengePayload(nonce))
	require.NoError(t, err)
	require.NoError(t, attest.NewVerifier().VerifyChallenge(pubPEM, nonce, sig))

	// Reloading yields the same key.
	reloaded, err := LoadOrCreateLocalKey(path)
	require.NoError(t, err)
	reloadedPEM, err := reloaded.InitKey(context.Background())
	require.NoError(t, err)
	require.Equal(t, pubPEM, reloadedPEM)

	status, err := key.Status(context.Background())
	require.NoError(t, err)
	require.True(t, status.Available)
	require.True(t, status.KeyExists)
}

func TestHTTPOracle(t *testing.T) {
	backing, err := LoadOrCreateLocalKey(filepath.Join(t.TempDir(), "key"))
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/init":
			pem, _ := backing.InitKey(r.Context())
			json.NewEncoder(w).Encode(map[string]string{"publicKey": string(pem)})
		case "/sign":
			var req map[string]string
			json.NewDecoder(r.Body).Decode(&req)
			sig, _ := backing.Sign(r.Context(), req["payload"])
			json.NewEncoder(w).Encode(map[string]string{"signature": sig})
		case "/status":
			json.NewEncoder(w).Encode(Status{Available: true, KeyExists: true})
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, 5*time.Second)
	ctx := context.Background()

	pubPEM, err := o.InitKey(ctx)
	require.NoError(t, err)

	payload := canonical.ChallengePayload("nonce-1")
	sig, err := o.Sign(ctx, payload)
	require.NoError(t, err)
	require.NoError(t, attest.NewVerifier().VerifyChallenge(pubPEM, "nonce-1", sig))

	status, err := o.Status(ctx)
	require.NoError(t, err)
	require.True(t, status.Available)
}

func TestHTTPOracleHardFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	o := NewHTTPOracle(srv.URL, time.Second)
	_, err := o.InitKey(context.Background())
	require.Error(t, err)
	_, err = o.Sign(context.Background(), "payload")
	require.Error(t, err)
	_, err = o.Status(context.Background())
	require.Error(t, err)
}
