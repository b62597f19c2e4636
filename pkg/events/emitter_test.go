package events

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestEmitterDeliversTransitions(t *testing.T) {
	var mu sync.Mutex
	var received []ComplianceTransition

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var tr ComplianceTransition
		require.NoError(t, json.NewDecoder(r.Body).Decode(&tr))
		mu.Lock()
		received = append(received, tr)
		mu.Unlock()
	}))
	defer srv.Close()

	e := NewEmitter(srv.URL, 8, 5*time.Second, zerolog.Nop())
	e.Emit(ComplianceTransition{DeviceID: "dev-1", Compliant: false, Score: 45, OccurredAt: time.Now()})
	e.Emit(ComplianceTransition{DeviceID: "dev-1", Compliant: true, Score: 100, OccurredAt: time.Now()})
	e.Close()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 2)
	require.Equal(t, "dev-1", received[0].DeviceID)
	require.False(t, received[0].Compliant)
	require.True(t, received[1].Compliant)
}

func TestEmitterNoWebhookIsLogOnly(t *testing.T) {
	e := NewEmitter("", 2, time.Second, zerolog.Nop())
	e.Emit(ComplianceTransition{DeviceID: "dev-2", Compliant: true})
	e.Close()
}

func TestEmitAfterCloseDropsEvent(t *testing.T) {
	e := NewEmitter("", 2, time.Second, zerolog.Nop())
	e.Close()

	// A handler still draining during shutdown may emit after Close; the
	// event is dropped, never a panic.
	e.Emit(ComplianceTransition{DeviceID: "dev-4", Compliant: false})
	e.Close()
}

func TestEmitterSurvivesProviderErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	e := NewEmitter(srv.URL, 2, time.Second, zerolog.Nop())
	e.Emit(ComplianceTransition{DeviceID: "dev-3", Compliant: false})
	e.Close()
}
