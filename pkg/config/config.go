// Package config loads YAML configuration for the server and the agent,
// with environment overrides and defaults that keep a bare deployment
// working.
package config

import (
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

type ServerConfig struct {
	Listen     string        `yaml:"listen"`
	DBPath     string        `yaml:"db_path"`
	RulesFile  string        `yaml:"rules_file"`
	AdminToken string        `yaml:"admin_token"`
	EnrollSalt string        `yaml:"enroll_salt"`
	Challenge  ChallengeConf `yaml:"challenge"`
	Posture    PostureConf   `yaml:"posture"`
	Token      TokenConf     `yaml:"token"`
	Events     EventsConf    `yaml:"events"`
	Logging    LoggingConfig `yaml:"logging"`
	Tracing    TracingConfig `yaml:"tracing"`
}

type ChallengeConf struct {
	TTLSeconds   int `yaml:"ttl_s"`
	SweepSeconds int `yaml:"sweep_s"`
}

type PostureConf struct {
	CompliantThreshold int `yaml:"compliant_threshold"`
	FreshWindowMinutes int `yaml:"fresh_window_m"`
	SoftWindowMinutes  int `yaml:"soft_window_m"`
	MaxClockSkewS      int `yaml:"max_clock_skew_s"`
}

type TokenConf struct {
	Secret     string `yaml:"secret"`
	TTLSeconds int    `yaml:"ttl_s"`
	Issuer     string `yaml:"issuer"`
}

type EventsConf struct {
	IdentityWebhookURL string `yaml:"identity_webhook_url"`
	Buffer             int    `yaml:"buffer"`
	TimeoutSeconds     int    `yaml:"timeout_s"`
}

type AgentConfig struct {
	Server    AgentServerConf `yaml:"server"`
	Oracle    OracleConf      `yaml:"oracle"`
	Reporting ReportingConf   `yaml:"reporting"`
	Health    HealthConf      `yaml:"health"`
	Logging   LoggingConfig   `yaml:"logging"`
	Tracing   TracingConfig   `yaml:"tracing"`
}

type AgentServerConf struct {
	URL             string `yaml:"url"`
	EnrollCode      string `yaml:"enroll_code"`
	EnrollCodeFile  string `yaml:"enroll_code_file"`
	RequestTimeout  int    `yaml:"request_timeout_s"`
	RetryInitialMs  int    `yaml:"retry_initial_ms"`
	RetryMaxMs      int    `yaml:"retry_max_ms"`
	RetryMaxRetries int    `yaml:"retry_max_attempts"`
}

type OracleConf struct {
	// Mode is "local" (file-backed key) or "http" (hardware signing helper).
	Mode     string `yaml:"mode"`
	KeyPath  string `yaml:"key_path"`
	URL      string `yaml:"url"`
	TimeoutS int    `yaml:"timeout_s"`
}

type ReportingConf struct {
	Interval     int `yaml:"interval_s"`
	Jitter       int `yaml:"jitter_s"`
	ProbeTimeout int `yaml:"probe_timeout_s"`
}

type HealthConf struct {
	TimeDriftMaxS int `yaml:"time_drift_max_s"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

type TracingConfig struct {
	Endpoint    string  `yaml:"endpoint"`
	Insecure    bool    `yaml:"insecure"`
	SampleRatio float64 `yaml:"sample_ratio"`
	LogSpans    bool    `yaml:"log_spans"`
}

func DefaultServerConfig() *ServerConfig {
	return &ServerConfig{
		Listen:    ":8443",
		DBPath:    "attest.db",
		RulesFile: "rules.yaml",
		Challenge: ChallengeConf{TTLSeconds: 300, SweepSeconds: 300},
		Posture: PostureConf{
			CompliantThreshold: 70,
			FreshWindowMinutes: 15,
			SoftWindowMinutes:  5,
			MaxClockSkewS:      60,
		},
		Token:   TokenConf{TTLSeconds: 300, Issuer: "attest"},
		Events:  EventsConf{Buffer: 64, TimeoutSeconds: 10},
		Logging: LoggingConfig{Level: "info", JSON: false},
		Tracing: TracingConfig{SampleRatio: 1},
	}
}

func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		Server: AgentServerConf{
			URL:             "https://localhost:8443",
			RequestTimeout:  10,
			RetryInitialMs:  500,
			RetryMaxMs:      5000,
			RetryMaxRetries: 5,
		},
		Oracle: OracleConf{
			Mode:     "local",
			KeyPath:  "/var/lib/attest/device_key",
			TimeoutS: 10,
		},
		Reporting: ReportingConf{Interval: 300, Jitter: 30, ProbeTimeout: 10},
		Health:    HealthConf{TimeDriftMaxS: 120},
		Logging:   LoggingConfig{Level: "info", JSON: false},
		Tracing:   TracingConfig{SampleRatio: 1},
	}
}

// LoadServer reads the server config file, then applies env overrides.
func LoadServer(path string) (*ServerConfig, error) {
	cfg := DefaultServerConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}

	if listen := os.Getenv("ATTEST_LISTEN"); listen != "" {
		cfg.Listen = listen
	}
	if db := os.Getenv("ATTEST_DB_PATH"); db != "" {
		cfg.DBPath = db
	}
	if token := os.Getenv("ATTEST_ADMIN_TOKEN"); token != "" {
		cfg.AdminToken = token
	}
	if salt := os.Getenv("ATTEST_ENROLL_SALT"); salt != "" {
		cfg.EnrollSalt = salt
	}
	if secret := os.Getenv("ATTEST_TOKEN_SECRET"); secret != "" {
		cfg.Token.Secret = secret
	}
	if level := os.Getenv("ATTEST_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	return cfg, nil
}

// LoadAgent reads the agent config file, then applies env overrides.
func LoadAgent(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, err
	}

	if url := os.Getenv("ATTEST_SERVER_URL"); url != "" {
		cfg.Server.URL = url
	}
	if code := os.Getenv("ATTEST_ENROLL_CODE"); code != "" {
		cfg.Server.EnrollCode = code
	}
	if codeFile := os.Getenv("ATTEST_ENROLL_CODE_FILE"); codeFile != "" {
		cfg.Server.EnrollCodeFile = codeFile
	}
	if level := os.Getenv("ATTEST_LOG_LEVEL"); level != "" {
		cfg.Logging.Level = level
	}
	if cfg.Server.EnrollCode == "" && cfg.Server.EnrollCodeFile == "" && path != "" {
		cfg.Server.EnrollCodeFile = filepath.Join(filepath.Dir(path), "enroll.code")
	}
	return cfg, nil
}

func loadYAML(path string, out any) error {
	if path == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, out)
}

func (c *ServerConfig) Validate() error {
	if c.Listen == "" {
		return &Error{"listen address is required"}
	}
	if c.AdminToken == "" {
		return &Error{"admin token is required"}
	}
	if c.Token.Secret == "" {
		return &Error{"token secret is required"}
	}
	if c.Challenge.TTLSeconds <= 0 {
		c.Challenge.TTLSeconds = 300
	}
	if c.Challenge.SweepSeconds <= 0 {
		c.Challenge.SweepSeconds = c.Challenge.TTLSeconds
	}
	if c.Posture.CompliantThreshold <= 0 || c.Posture.CompliantThreshold > 100 {
		c.Posture.CompliantThreshold = 70
	}
	if c.Posture.FreshWindowMinutes <= 0 {
		c.Posture.FreshWindowMinutes = 15
	}
	if c.Posture.SoftWindowMinutes <= 0 || c.Posture.SoftWindowMinutes > c.Posture.FreshWindowMinutes {
		c.Posture.SoftWindowMinutes = 5
	}
	if c.Posture.MaxClockSkewS <= 0 {
		c.Posture.MaxClockSkewS = 60
	}
	if c.Token.TTLSeconds <= 0 {
		c.Token.TTLSeconds = 300
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

func (c *AgentConfig) Validate() error {
	if c.Server.URL == "" {
		return ErrMissingServerURL
	}
	if !strings.HasPrefix(c.Server.URL, "https://") && !strings.HasPrefix(c.Server.URL, "http://localhost") &&
		!strings.HasPrefix(c.Server.URL, "http://127.0.0.1") {
		return &Error{"server URL must be https"}
	}
	if c.Reporting.Interval < 10 {
		return ErrInvalidInterval
	}
	switch c.Oracle.Mode {
	case "local":
		if c.Oracle.KeyPath == "" {
			return &Error{"oracle key_path is required in local mode"}
		}
	case "http":
		if c.Oracle.URL == "" {
			return &Error{"oracle url is required in http mode"}
		}
	default:
		return &Error{"oracle mode must be local or http"}
	}
	if c.Server.RequestTimeout <= 0 {
		c.Server.RequestTimeout = 10
	}
	if c.Server.RetryInitialMs <= 0 {
		c.Server.RetryInitialMs = 500
	}
	if c.Server.RetryMaxMs <= 0 {
		c.Server.RetryMaxMs = 5000
	}
	if c.Server.RetryMaxRetries < 0 {
		c.Server.RetryMaxRetries = 5
	}
	if c.Server.RetryMaxMs < c.Server.RetryInitialMs {
		c.Server.RetryMaxMs = c.Server.RetryInitialMs
	}
	if c.Reporting.ProbeTimeout <= 0 {
		c.Reporting.ProbeTimeout = 10
	}
	if c.Tracing.SampleRatio <= 0 || c.Tracing.SampleRatio > 1 {
		c.Tracing.SampleRatio = 1
	}
	return nil
}

var (
	ErrMissingServerURL = &Error{"server URL is required"}
	ErrInvalidInterval  = &Error{"reporting interval must be >= 10s"}
)

type Error struct {
	Message string
}

func (e *Error) Error() string {
	return e.Message
}
