package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/patchpilot/patchpilot/pkg/config"
	"github.com/patchpilot/patchpilot/pkg/telemetry"
)

var (
	configPath = flag.String("config", "/opt/patchpilot_server/server.yaml", "Config file path")
	listen     = flag.String("listen", "", "Listen address (overrides config)")
	dbPath     = flag.String("db", "", "Database path (overrides config)")
	Version    = "dev"
)

// Server is the coordination engine: a stateless request handler over the
// transactionally consistent store. No fleet state is cached in process, so a
// restart loses nothing that was committed.
type Server struct {
	db         *gorm.DB
	cfg        *config.ServerConfig
	logger     zerolog.Logger
	adminToken string
	heartbeats *RateLimiter

	// now and audit are swappable for tests: frozen clocks and
	// fault-injected audit writers.
	now   func() time.Time
	audit auditFunc
}

func NewServer(db *gorm.DB, cfg *config.ServerConfig, adminToken string, logger zerolog.Logger) *Server {
	return &Server{
		db:         db,
		cfg:        cfg,
		logger:     logger,
		adminToken: adminToken,
		heartbeats: NewRateLimiter(),
		now:        func() time.Time { return time.Now().UTC() },
		audit:      appendAudit,
	}
}

func (s *Server) registerRoutes(r *gin.Engine) {
	r.GET("/api/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})
	s.registerDeviceRoutes(r)
	s.registerHeartbeatRoutes(r)
	s.registerActionRoutes(r)
	s.registerHistoryRoutes(r)
}

func main() {
	flag.Parse()

	cfg, err := config.LoadServer(*configPath)
	if err != nil {
		bootLogger := zerolog.New(os.Stderr)
		bootLogger.Fatal().Err(err).Msg("Failed to load config")
	}
	if *listen != "" {
		cfg.Listen = *listen
	}
	if *dbPath != "" {
		cfg.DBPath = *dbPath
	}

	logger := newServerLogger(cfg.Logging)
	logger.Info().Str("version", Version).Msg("PatchPilot server starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if cfg.Tracing.Enabled {
		provider, err := telemetry.SetupTracing(ctx, telemetry.Options{
			ServiceName:    "patchpilot-server",
			ServiceVersion: Version,
			OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
			Insecure:       cfg.Tracing.Insecure,
			SampleRatio:    cfg.Tracing.SampleRatio,
			LogSpans:       cfg.Tracing.LogSpans,
			Logger:         logger,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to set up tracing")
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}

	db, err := gorm.Open(sqlite.Open(cfg.DBPath), &gorm.Config{})
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to open database")
	}
	if err := db.AutoMigrate(&Device{}, &Action{}, &AuditEntry{}); err != nil {
		logger.Fatal().Err(err).Msg("Failed to migrate schema")
	}

	adminToken, err := cfg.ResolveAdminToken()
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to read admin token")
	}
	if adminToken == "" {
		logger.Warn().Msg("No admin token configured; administrative endpoints disabled")
	}

	srv := NewServer(db, cfg, adminToken, logger)

	// Startup marker in the same append-only trail as everything else.
	if err := db.Transaction(func(tx *gorm.DB) error {
		return srv.recordTransition(tx, subjectDevice, "server", "", "started", actorSystem)
	}); err != nil {
		logger.Error().Err(err).Msg("Failed to record startup audit event")
	}

	reaper := NewReaper(srv, cfg.SweepInterval(), logger)
	go reaper.Run(ctx)

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(withRequestContext(logger), gin.Recovery())
	srv.registerRoutes(r)

	httpSrv := &http.Server{Addr: cfg.Listen, Handler: r}
	go func() {
		logger.Info().Str("listen", cfg.Listen).Str("db", cfg.DBPath).Msg("Listening")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("HTTP server failed")
		}
	}()

	<-ctx.Done()
	logger.Info().Msg("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Shutdown incomplete")
	}
}

func newServerLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339
	zerolog.DurationFieldUnit = time.Millisecond

	level := zerolog.InfoLevel
	if parsed, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(cfg.Level))); err == nil {
		level = parsed
	}

	if cfg.JSON {
		return zerolog.New(os.Stdout).With().Timestamp().Logger().Level(level)
	}
	writer := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	return zerolog.New(writer).With().Timestamp().Logger().Level(level)
}
