package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/decen-ai/platform-backend/internal/auth"
	"github.com/decen-ai/platform-backend/internal/compute"
	"github.com/decen-ai/platform-backend/internal/config"
	"github.com/decen-ai/platform-backend/internal/consul"
	"github.com/decen-ai/platform-backend/internal/events"
	"github.com/decen-ai/platform-backend/internal/handlers"
	"github.com/decen-ai/platform-backend/internal/ledger"
	"github.com/decen-ai/platform-backend/internal/orchestrator"
	"github.com/decen-ai/platform-backend/internal/payment"
	"github.com/decen-ai/platform-backend/internal/provenance"
	"github.com/decen-ai/platform-backend/internal/server"
	"github.com/decen-ai/platform-backend/internal/storage"
	"github.com/decen-ai/platform-backend/internal/store"
)

var Version string = "dev" // Can be set during build

func main() {
	// Initialize Logger (basic one until config is loaded)
	interimLogger, _ := zap.NewDevelopment()
	logger := interimLogger

	cfg, err := config.LoadConfig("./configs/config.yaml", interimLogger)
	if err != nil {
		logger.Fatal("Failed to load configuration", zap.Error(err))
	}

	logger, err = initLogger(cfg.LogLevel)
	if err != nil {
		interimLogger.Fatal("Failed to initialize final logger", zap.Error(err))
	}
	defer logger.Sync()
	cfg.Logger = logger

	logger.Info("Starting Platform Backend",
		zap.String("version", Version),
		zap.String("instance_id", cfg.InstanceID),
		zap.String("log_level", cfg.LogLevel),
	)

	ctx := context.Background()

	// Job and nonce stores
	jobStore, nonceStore, closeStores, err := buildStores(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("Failed to initialize stores", zap.Error(err))
	}
	defer closeStores()

	// Artifact store
	var artifacts storage.ArtifactStore
	switch cfg.Artifacts.Backend {
	case config.BackendMinio:
		artifacts, err = storage.NewMinioArtifactStore(cfg.Artifacts.Minio, logger)
		if err != nil {
			logger.Fatal("Failed to initialize MinIO artifact store", zap.Error(err))
		}
	default:
		artifacts = storage.NewMemoryArtifactStore()
		logger.Info("Using in-memory artifact store")
	}

	// Provenance ledger
	var ledg ledger.Ledger
	switch cfg.Ledger.Backend {
	case config.BackendSolana:
		ledg, err = ledger.NewSolanaLedger(&cfg.Ledger.Solana, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Solana ledger", zap.Error(err))
		}
	default:
		ledg = ledger.NewMemoryLedger()
		logger.Info("Using in-memory provenance ledger")
	}

	// Payment chain reader and verifier
	var chain payment.ChainReader
	switch cfg.Payment.Backend {
	case config.BackendSolana:
		chain, err = payment.NewSolanaChainReader(&cfg.Payment.Solana, logger)
		if err != nil {
			logger.Fatal("Failed to initialize Solana payment reader", zap.Error(err))
		}
	default:
		chain = payment.NewMemoryChainReader()
		logger.Info("Using in-memory payment chain")
	}
	paymentCfg := &payment.Config{
		TrainingFee:  cfg.Payment.TrainingFee,
		InferenceFee: cfg.Payment.InferenceFee,
		Retry:        cfg.Payment.Retry,
	}
	if err := paymentCfg.Validate(); err != nil {
		logger.Fatal("Invalid fee schedule", zap.Error(err))
	}
	verifier := payment.NewVerifier(chain, nonceStore, paymentCfg, logger)

	// Event publisher
	var publisher *events.Publisher
	if cfg.Nats.Enabled {
		publisher, err = events.NewPublisher(cfg.Nats.URL, logger)
		if err != nil {
			logger.Fatal("Failed to connect to NATS", zap.Error(err))
		}
		defer publisher.Close()
	}

	// Orchestrator
	engine := compute.NewBuiltinEngine(logger)
	orch := orchestrator.New(jobStore, verifier, artifacts, ledg, engine, publisher, &cfg.Orchestrator, logger)
	defer orch.Shutdown()

	if err := orch.ResumePending(ctx); err != nil {
		logger.Fatal("Failed to resume pending jobs", zap.Error(err))
	}

	// Timeout sweep for stuck jobs
	sweepCtx, cancelSweep := context.WithCancel(ctx)
	defer cancelSweep()
	go runTimeoutSweep(sweepCtx, orch, cfg.Orchestrator.JobTimeout, logger)

	reconciler := provenance.NewReconciler(ledg, jobStore, logger)
	challenges := auth.NewChallengeStore()

	// Router and middleware
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(newStructuredLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(cfg.RequestTimeout))

	healthPath := "/health"
	if cfg.Consul.Enabled && cfg.Consul.Registration.HealthCheckPath != "" {
		healthPath = cfg.Consul.Registration.HealthCheckPath
	}
	r.Get(healthPath, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "{\"status\": \"UP\"}")
	})

	authHandler := handlers.NewAuthHandler(challenges, cfg.Auth.JWTSecret, cfg.Auth.JWTExpiry, logger)
	authHandler.RegisterRoutes(r)

	r.Group(func(r chi.Router) {
		r.Use(auth.Authenticator(logger, cfg.Auth.JWTSecret))
		handlers.NewJobHandler(orch, logger).RegisterRoutes(r)
		handlers.NewDataHandler(artifacts, logger).RegisterRoutes(r)
		handlers.NewProvenanceHandler(ledg, reconciler, logger).RegisterRoutes(r)
	})
	logger.Info("HTTP routes registered")

	// Consul registration
	var consulServiceID string
	if cfg.Consul.Enabled {
		consulClient, cErr := consul.Connect(cfg.Consul.Address, logger)
		if cErr != nil {
			logger.Error("Failed to connect to Consul. Proceeding without registration.", zap.Error(cErr))
		} else {
			consulServiceID = cfg.Consul.Registration.ServiceIDPrefix + cfg.InstanceID
			if rErr := consul.RegisterService(consulClient, cfg, consulServiceID, logger); rErr != nil {
				logger.Error("Failed to register service with Consul. Proceeding without registration.", zap.Error(rErr))
				consulServiceID = ""
			}
		}
	}

	// Start HTTP server
	serverAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := server.NewServer(serverAddr, cfg.RequestTimeout, r, logger)
	go srv.Start()

	// Graceful shutdown
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	logger.Info("Shutting down server...")

	if cfg.Consul.Enabled && consulServiceID != "" {
		if consulClient, cErr := consul.Connect(cfg.Consul.Address, logger); cErr == nil {
			if dErr := consul.DeregisterService(consulClient, consulServiceID, logger); dErr != nil {
				logger.Error("Failed to deregister service from Consul", zap.Error(dErr))
			}
		}
	}

	ctxShutdown, cancelShutdown := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancelShutdown()
	srv.Stop(ctxShutdown)

	logger.Info("Server exited gracefully")
}

// buildStores wires the job and nonce stores for the configured backend.
// The Postgres store implements both interfaces over one pool.
func buildStores(ctx context.Context, cfg *config.Config, logger *zap.Logger) (store.JobStore, store.NonceStore, func(), error) {
	if cfg.Database.Backend == config.BackendPostgres {
		pool, err := pgxpool.New(ctx, cfg.Database.PostgresDSN)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("creating postgres pool: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("pinging postgres: %w", err)
		}
		pg := store.NewPostgresStore(pool, logger)
		if err := pg.Initialize(ctx); err != nil {
			pool.Close()
			return nil, nil, nil, fmt.Errorf("initializing postgres schema: %w", err)
		}
		logger.Info("Connected to PostgreSQL job store")
		return pg, pg, func() { pool.Close() }, nil
	}

	jobs := store.NewMemoryJobStore(logger)
	nonces := store.NewMemoryNonceStore()
	logger.Info("Using in-memory job store")
	return jobs, nonces, func() {}, nil
}

// runTimeoutSweep periodically fails jobs stuck past the configured timeout.
func runTimeoutSweep(ctx context.Context, orch *orchestrator.Orchestrator, jobTimeout time.Duration, logger *zap.Logger) {
	interval := jobTimeout / 4
	if interval < time.Minute {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := orch.TimeoutStuckJobs(ctx); err != nil {
				logger.Error("Timeout sweep failed", zap.Error(err))
			}
		}
	}
}

// initLogger initializes a Zap logger based on the configured log level.
func initLogger(logLevelStr string) (*zap.Logger, error) {
	var level zapcore.Level
	if err := level.Set(logLevelStr); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: Invalid log level '%s', defaulting to 'info'. Error: %v\n", logLevelStr, err)
		level = zapcore.InfoLevel
	}

	zapConfig := zap.Config{
		Level:       zap.NewAtomicLevelAt(level),
		Development: false,
		Encoding:    "json",
		EncoderConfig: zapcore.EncoderConfig{
			TimeKey:        "ts",
			LevelKey:       "level",
			NameKey:        "logger",
			CallerKey:      "caller",
			MessageKey:     "msg",
			StacktraceKey:  "stacktrace",
			LineEnding:     zapcore.DefaultLineEnding,
			EncodeLevel:    zapcore.LowercaseLevelEncoder,
			EncodeTime:     zapcore.ISO8601TimeEncoder,
			EncodeDuration: zapcore.SecondsDurationEncoder,
			EncodeCaller:   zapcore.ShortCallerEncoder,
		},
		OutputPaths:      []string{"stdout"},
		ErrorOutputPaths: []string{"stderr"},
	}

	if level == zapcore.DebugLevel {
		zapConfig.Encoding = "console"
		zapConfig.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}

	return zapConfig.Build()
}

// newStructuredLogger creates a chi middleware for logging requests using Zap.
func newStructuredLogger(logger *zap.Logger) func(next http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapper := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(wrapper, r)
			duration := time.Since(start)

			logger.Info("Request completed",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status_code", wrapper.Status()),
				zap.Int("bytes_written", wrapper.BytesWritten()),
				zap.Duration("duration_ms", duration),
				zap.String("remote_addr", r.RemoteAddr),
				zap.String("request_id", middleware.GetReqID(r.Context())),
			)
		}
		return http.HandlerFunc(fn)
	}
}
