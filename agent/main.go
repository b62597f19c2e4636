package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/perimeterlab/attest/pkg/canonical"
	"github.com/perimeterlab/attest/pkg/config"
	"github.com/perimeterlab/attest/pkg/health"
	"github.com/perimeterlab/attest/pkg/oracle"
	"github.com/perimeterlab/attest/pkg/posture"
	"github.com/perimeterlab/attest/pkg/scoring"
	"github.com/perimeterlab/attest/pkg/telemetry"
)

var (
	configPath = flag.String("config", "/etc/attest/agent.yaml", "Config file path")
	serverURL  = flag.String("server", "", "Server URL (overrides config)")
	enrollCode = flag.String("enroll", "", "One-time enrollment code")
	once       = flag.Bool("once", false, "Report once and exit")
	Version    = "dev"
)

// Agent owns the device-side loop: collect facts, hand the canonical
// payload to the signing oracle, submit the signed report.
type Agent struct {
	cfg       *config.AgentConfig
	logger    zerolog.Logger
	signer    oracle.Signer
	client    *http.Client
	retry     *retrier
	collector *posture.Collector
	deviceID  string
	statePath string
}

func main() {
	flag.Parse()

	cfg, err := config.LoadAgent(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if *serverURL != "" {
		cfg.Server.URL = *serverURL
	}
	if *enrollCode != "" {
		cfg.Server.EnrollCode = *enrollCode
	}
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := newAgentLogger(cfg.Logging)
	logger.Info().Str("version", Version).Msg("attest agent starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    "attest-agent",
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		LogSpans:       cfg.Tracing.LogSpans,
		Logger:         logger,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("telemetry setup failed")
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	signer, err := buildSigner(cfg)
	if err != nil {
		logger.Fatal().Err(err).Msg("signing oracle unavailable")
	}

	agent := &Agent{
		cfg:    cfg,
		logger: logger,
		signer: signer,
		client: &http.Client{
			Timeout: time.Duration(cfg.Server.RequestTimeout) * time.Second,
		},
		retry: newRetrier(
			cfg.Server.RetryInitialMs,
			cfg.Server.RetryMaxMs,
			cfg.Server.RetryMaxRetries,
			logger,
		),
		collector: posture.NewCollector(time.Duration(cfg.Reporting.ProbeTimeout) * time.Second),
		statePath: statePathFor(cfg),
	}

	if err := agent.loadOrEnroll(ctx); err != nil {
		logger.Fatal().Err(err).Msg("failed to establish device identity")
	}
	logger.Info().
		Str("device_id", agent.deviceID).
		Str("server", cfg.Server.URL).
		Int("interval_s", cfg.Reporting.Interval).
		Msg("agent ready")

	status := health.Check(ctx, cfg.Server.URL, signer, cfg.Health.TimeDriftMaxS)
	if !status.Healthy {
		logger.Warn().Strs("issues", status.Issues).Msg("health check reported issues")
	}

	agent.report(ctx)
	if *once {
		return
	}

	interval := time.Duration(cfg.Reporting.Interval) * time.Second
	jitter := time.Duration(cfg.Reporting.Jitter) * time.Second
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logger.Info().Msg("agent stopping")
			return
		case <-ticker.C:
			if jitter > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(time.Duration(rand.Int63n(int64(jitter)))):
				}
			}
			agent.report(ctx)
		}
	}
}

func buildSigner(cfg *config.AgentConfig) (oracle.Signer, error) {
	switch cfg.Oracle.Mode {
	case "http":
		return oracle.NewHTTPOracle(cfg.Oracle.URL, time.Duration(cfg.Oracle.TimeoutS)*time.Second), nil
	default:
		return oracle.LoadOrCreateLocalKey(cfg.Oracle.KeyPath)
	}
}

func statePathFor(cfg *config.AgentConfig) string {
	if cfg.Oracle.KeyPath != "" {
		return cfg.Oracle.KeyPath + ".state"
	}
	return "attest-agent.state"
}

type agentState struct {
	DeviceID    string `json:"device_id"`
	Fingerprint string `json:"fingerprint"`
}

func (a *Agent) loadOrEnroll(ctx context.Context) error {
	data, err := os.ReadFile(a.statePath)
	if err == nil {
		var state agentState
		if err := json.Unmarshal(data, &state); err == nil && state.DeviceID != "" {
			a.deviceID = state.DeviceID
			a.logger.Info().Str("device_id", state.DeviceID).Msg("loaded existing enrollment")
			return nil
		}
	}
	return a.enroll(ctx)
}

func (a *Agent) enroll(ctx context.Context) error {
	code, err := a.enrollmentCode()
	if err != nil {
		return err
	}

	pubPEM, err := a.signer.InitKey(ctx)
	if err != nil {
		return fmt.Errorf("init key: %w", err)
	}

	fingerprint, err := posture.Fingerprint()
	if err != nil {
		return fmt.Errorf("device fingerprint: %w", err)
	}

	hostname, _ := os.Hostname()
	facts := a.collector.Collect(ctx)

	body := map[string]any{
		"enrollment_code":    code,
		"device_fingerprint": fingerprint,
		"public_key":         string(pubPEM),
		"hostname":           hostname,
		"initial_posture":    facts,
	}

	var resp struct {
		DeviceID string `json:"device_id"`
		Status   string `json:"status"`
	}
	if err := a.postJSON(ctx, "/v1/enroll", body, &resp); err != nil {
		return fmt.Errorf("enroll: %w", err)
	}
	if resp.DeviceID == "" {
		return fmt.Errorf("enroll: server returned no device ID")
	}

	a.deviceID = resp.DeviceID
	state := agentState{DeviceID: resp.DeviceID, Fingerprint: fingerprint}
	data, _ := json.Marshal(state)
	if err := os.WriteFile(a.statePath, data, 0o600); err != nil {
		return fmt.Errorf("save state: %w", err)
	}

	a.logger.Info().
		Str("device_id", resp.DeviceID).
		Str("status", resp.Status).
		Msg("enrolled, awaiting admin approval")
	return nil
}

func (a *Agent) enrollmentCode() (string, error) {
	if a.cfg.Server.EnrollCode != "" {
		return a.cfg.Server.EnrollCode, nil
	}
	if a.cfg.Server.EnrollCodeFile != "" {
		data, err := os.ReadFile(a.cfg.Server.EnrollCodeFile)
		if err == nil {
			if code := strings.TrimSpace(string(data)); code != "" {
				return code, nil
			}
		}
	}
	return "", fmt.Errorf("not enrolled and no enrollment code configured")
}

func (a *Agent) report(ctx context.Context) {
	facts := a.collector.Collect(ctx)
	for probe, msg := range a.collector.Errors() {
		a.logger.Warn().Str("probe", probe).Str("error", msg).Msg("posture probe failed")
	}

	// Local preview with the default weights; the server's verdict is the
	// one that counts.
	preview := scoring.NewScorer(scoring.DefaultCompliantThreshold).Score(*facts)
	a.logger.Debug().
		Int("score", preview.Score).
		Bool("is_compliant", preview.Compliant).
		Msg("local posture preview")

	payload, err := canonical.SigningPayload(facts)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to build signing payload")
		return
	}
	signature, err := a.signer.Sign(ctx, payload)
	if err != nil {
		a.logger.Error().Err(err).Msg("oracle refused to sign report")
		return
	}

	body := map[string]any{
		"device_id": a.deviceID,
		"facts":     facts,
		"signature": signature,
	}
	var resp struct {
		Accepted    bool     `json:"accepted"`
		Score       int      `json:"score"`
		IsCompliant bool     `json:"is_compliant"`
		Violations  []string `json:"violations"`
	}

	err = a.retry.do(ctx, func() error {
		return a.postJSON(ctx, "/v1/posture", body, &resp)
	}, isRetryable)
	if err != nil {
		a.logger.Error().Err(err).Msg("failed to submit posture report")
		return
	}

	event := a.logger.Info()
	if !resp.IsCompliant {
		event = a.logger.Warn()
	}
	event.
		Int("score", resp.Score).
		Bool("is_compliant", resp.IsCompliant).
		Strs("violations", resp.Violations).
		Msg("posture report submitted")
}

func (a *Agent) postJSON(ctx context.Context, path string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.Server.URL+path, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &statusError{status: resp.StatusCode, body: strings.TrimSpace(string(raw))}
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func newAgentLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level)))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.JSON {
		logger = zerolog.New(os.Stdout)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}
