// Package events delivers compliance-transition notifications to the
// external identity provider. Delivery is asynchronous so a slow provider
// can never stall posture ingestion.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// ComplianceTransition is emitted when a device's compliance flips. The
// identity provider grants or revokes the compliant role in response.
type ComplianceTransition struct {
	DeviceID    string    `json:"device_id"`
	OwnerUserID string    `json:"owner_user_id,omitempty"`
	Compliant   bool      `json:"compliant"`
	Score       int       `json:"score"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// Emitter buffers transitions and posts them to a webhook from a single
// worker goroutine. Emit never blocks the caller: when the buffer is full
// the event is dropped and logged, which is acceptable because the next
// transition for the device carries the current state.
type Emitter struct {
	webhookURL string
	client     *http.Client
	queue      chan ComplianceTransition
	logger     zerolog.Logger
	wg         sync.WaitGroup

	mu     sync.Mutex
	closed bool
}

func NewEmitter(webhookURL string, buffer int, timeout time.Duration, logger zerolog.Logger) *Emitter {
	if buffer <= 0 {
		buffer = 64
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	e := &Emitter{
		webhookURL: webhookURL,
		client:     &http.Client{Timeout: timeout},
		queue:      make(chan ComplianceTransition, buffer),
		logger:     logger,
	}
	e.wg.Add(1)
	go e.run()
	return e
}

// Emit enqueues a transition for delivery. Emitting during or after Close
// drops the event with a log line; in-flight request handlers may still be
// draining while the process shuts down, and a dropped transition only
// delays the provider until the device's next report.
func (e *Emitter) Emit(t ComplianceTransition) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		e.logger.Warn().
			Str("device_id", t.DeviceID).
			Bool("compliant", t.Compliant).
			Msg("emitter closed, transition dropped")
		return
	}
	select {
	case e.queue <- t:
	default:
		e.logger.Warn().
			Str("device_id", t.DeviceID).
			Bool("compliant", t.Compliant).
			Msg("event queue full, transition dropped")
	}
}

// Close stops accepting events and drains the queue. Safe to call more
// than once.
func (e *Emitter) Close() {
	e.mu.Lock()
	if !e.closed {
		e.closed = true
		close(e.queue)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Emitter) run() {
	defer e.wg.Done()
	for t := range e.queue {
		if err := e.deliver(t); err != nil {
			e.logger.Error().Err(err).
				Str("device_id", t.DeviceID).
				Bool("compliant", t.Compliant).
				Msg("failed delivering compliance transition")
			continue
		}
		e.logger.Info().
			Str("device_id", t.DeviceID).
			Bool("compliant", t.Compliant).
			Int("score", t.Score).
			Msg("compliance transition delivered")
	}
}

func (e *Emitter) deliver(t ComplianceTransition) error {
	if e.webhookURL == "" {
		// No provider configured; transition is log-only.
		return nil
	}

	data, err := json.Marshal(t)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), e.client.Timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.webhookURL, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("identity provider returned %d: %s", resp.StatusCode, string(body))
	}
	return nil
}
