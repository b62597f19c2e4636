package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/perimeterlab/attest/pkg/attest"
	"github.com/perimeterlab/attest/pkg/config"
	"github.com/perimeterlab/attest/pkg/events"
	"github.com/perimeterlab/attest/pkg/policy"
	"github.com/perimeterlab/attest/pkg/scoring"
	"github.com/perimeterlab/attest/pkg/telemetry"
)

var Version = "dev"

// Server holds everything the HTTP handlers share. The coarse mutexes
// serialize the code-redemption and enrollment write paths; report
// ingestion and decisions rely on the database alone.
type Server struct {
	cfg    *config.ServerConfig
	db     *gorm.DB
	logger zerolog.Logger

	verifier   *attest.Verifier
	scorer     *scoring.Scorer
	engine     *policy.Engine
	challenges *ChallengeStore
	rules      *RuleStore
	emitter    *events.Emitter
	metrics    *Metrics

	codeHasher  CodeHasher
	rateLimiter *RateLimiter

	codesMu  sync.Mutex
	deviceMu sync.Mutex
}

func main() {
	configPath := flag.String("config", "", "Server config file path")
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		exitf("config: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		exitf("config: %v", err)
	}

	logger := newLogger(cfg.Logging)
	logger.Info().Str("version", Version).Msg("attest server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	tp, err := telemetry.Setup(ctx, telemetry.Options{
		ServiceName:    "attest-server",
		ServiceVersion: Version,
		Endpoint:       cfg.Tracing.Endpoint,
		Insecure:       cfg.Tracing.Insecure,
		SampleRatio:    cfg.Tracing.SampleRatio,
		LogSpans:       cfg.Tracing.LogSpans,
		Logger:         logger,
	})
	if err != nil {
		exitf("telemetry: %v", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = tp.Shutdown(shutdownCtx)
	}()

	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		exitf("database: %v", err)
	}
	if err := db.AutoMigrate(&Device{}, &PostureReport{}, &Challenge{}, &PolicyRuleRow{}, &EnrollmentCode{}); err != nil {
		exitf("migrate: %v", err)
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())

	srv := &Server{
		cfg:        cfg,
		db:         db,
		logger:     logger,
		verifier:   attest.NewVerifier(),
		scorer:     scoring.NewScorer(cfg.Posture.CompliantThreshold),
		challenges: NewChallengeStore(db, time.Duration(cfg.Challenge.TTLSeconds)*time.Second),
		rules:      NewRuleStore(db),
		metrics:    NewMetrics(registry),
		emitter: events.NewEmitter(
			cfg.Events.IdentityWebhookURL,
			cfg.Events.Buffer,
			time.Duration(cfg.Events.TimeoutSeconds)*time.Second,
			logger,
		),
		codeHasher:  NewCodeHasher([]byte(cfg.EnrollSalt)),
		rateLimiter: NewRateLimiter(),
	}
	srv.engine = policy.NewEngine(srv.freshWindow(), srv.softWindow(), logger)
	defer srv.emitter.Close()

	if err := srv.rules.SeedFromFile(cfg.RulesFile, logger); err != nil {
		exitf("rules: %v", err)
	}

	go srv.sweepChallenges(ctx, time.Duration(cfg.Challenge.SweepSeconds)*time.Second)

	r := srv.buildRouter(registry)
	httpServer := &http.Server{Addr: cfg.Listen, Handler: r}

	go func() {
		<-ctx.Done()
		logger.Info().Msg("shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
	}()

	logger.Info().Str("listen", cfg.Listen).Msg("listening")
	if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		exitf("serve: %v", err)
	}
}

func (s *Server) buildRouter(registry *prometheus.Registry) *gin.Engine {
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery(), withRequestContext(s.logger))

	s.registerEnrollmentRoutes(r)
	s.registerPostureRoutes(r)
	s.registerChallengeRoutes(r)
	s.registerDecisionRoutes(r)
	s.registerRuleRoutes(r)

	r.GET("/v1/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "healthy", "version": Version})
	})
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	return r
}

func (s *Server) sweepChallenges(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			swept, err := s.challenges.Sweep()
			if err != nil {
				s.logger.Warn().Err(err).Msg("challenge sweep failed")
				continue
			}
			if swept > 0 {
				s.metrics.ChallengesSwept.Add(float64(swept))
				s.logger.Debug().Int64("swept", swept).Msg("expired challenges removed")
			}
		}
	}
}

func newLogger(cfg config.LoggingConfig) zerolog.Logger {
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	var logger zerolog.Logger
	if cfg.JSON {
		logger = zerolog.New(os.Stderr)
	} else {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
	return logger.Level(level).With().Timestamp().Logger()
}

func exitf(format string, args ...any) {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	logger.Fatal().Msgf(format, args...)
}
