package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/redis/go-redis/v9"

	"github.com/modelmux/modelmux/internal/backend/local"
	"github.com/modelmux/modelmux/internal/cache"
	"github.com/modelmux/modelmux/internal/coordinator"
	"github.com/modelmux/modelmux/internal/events"
	"github.com/modelmux/modelmux/internal/health"
	"github.com/modelmux/modelmux/internal/httpapi"
	"github.com/modelmux/modelmux/internal/logging"
	"github.com/modelmux/modelmux/internal/metrics"
	"github.com/modelmux/modelmux/internal/queue"
	"github.com/modelmux/modelmux/internal/ratelimit"
	"github.com/modelmux/modelmux/internal/stats"
	"github.com/modelmux/modelmux/internal/store"
	"github.com/modelmux/modelmux/internal/task"
	"github.com/modelmux/modelmux/internal/tracing"
	"github.com/modelmux/modelmux/internal/tsdb"
	"github.com/modelmux/modelmux/internal/vault"
)

// Server wires every subsystem together and owns their shutdown order.
type Server struct {
	cfg Config

	r *chi.Mux

	logger    *slog.Logger
	coord     *coordinator.Coordinator
	prober    *health.Prober
	limiter   *ratelimit.Limiter
	store     store.Store
	respCache cache.Store
	tsdb      *tsdb.Store
	vault     *vault.Vault

	traceShutdown func(context.Context) error
}

func NewServer(cfg Config) (*Server, error) {
	logger := logging.Setup(cfg.LogLevel)

	traceShutdown, err := tracing.Setup(tracing.Config{
		Enabled:     cfg.OtelEnabled,
		Endpoint:    cfg.OtelEndpoint,
		ServiceName: "modelmux",
	})
	if err != nil {
		return nil, fmt.Errorf("tracing setup: %w", err)
	}

	// Open store.
	db, err := store.NewSQLite(cfg.DBDSN)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	logger.Info("database initialized", slog.String("dsn", cfg.DBDSN))

	ts, err := tsdb.New(db.DB())
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	v, err := vault.New(cfg.VaultEnabled)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	if salt, data, err := db.LoadVaultBlob(context.Background()); err == nil && len(salt) > 0 {
		if err := v.Restore(salt, data); err != nil {
			logger.Warn("vault restore failed", slog.Any("error", err))
		}
	}

	m := metrics.New()
	bus := events.NewBus()
	collector := stats.NewCollector()

	respCache, err := buildCache(cfg)
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	coord := coordinator.New(coordinator.Config{
		DefaultWorkers:           cfg.Workers,
		DefaultTaskTimeout:       time.Duration(cfg.TaskTimeoutSecs) * time.Second,
		DefaultResultTimeout:     time.Duration(cfg.ResultTimeoutSecs) * time.Second,
		DegradedPendingThreshold: cfg.DegradedPendingThreshold,
	},
		coordinator.WithLogger(logger),
		coordinator.WithQueue(queue.New(cfg.QueueMaxDepth)),
		coordinator.WithCache(respCache),
		coordinator.WithVault(v),
		coordinator.WithMetrics(m),
		coordinator.WithEventBus(bus),
		coordinator.WithStats(collector),
		coordinator.WithTSDB(ts),
		coordinator.WithStore(db),
	)

	if err := registerBackends(cfg, coord, db, logger); err != nil {
		_ = db.Close()
		return nil, err
	}

	tracker := health.NewTracker(health.DefaultConfig(), health.WithEventBus(bus))
	prober := health.NewProber(health.ProberConfig{
		Interval: time.Duration(cfg.HealthIntervalSecs) * time.Second,
	}, tracker, coord.Balancer(), logger)

	limiter := ratelimit.New(cfg.RateLimitRPS, cfg.RateLimitBurst,
		ratelimit.WithCounter(m.TasksRejected.WithLabelValues("rate_limited")))

	allowedOrigins := cfg.CORSOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(logging.RequestLogger(logger))
	r.Use(middleware.Recoverer)
	r.Use(tracing.Middleware())
	r.Use(limiter.Middleware)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "X-Request-ID"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	httpapi.MountRoutes(r, httpapi.Dependencies{
		Coordinator: coord,
		Vault:       v,
		Metrics:     m,
		Store:       db,
		Health:      tracker,
		EventBus:    bus,
		Stats:       collector,
		TSDB:        ts,
	})

	if err := coord.Start(cfg.Workers); err != nil {
		_ = db.Close()
		return nil, err
	}
	prober.Start()

	return &Server{
		cfg:           cfg,
		r:             r,
		logger:        logger,
		coord:         coord,
		prober:        prober,
		limiter:       limiter,
		store:         db,
		respCache:     respCache,
		tsdb:          ts,
		vault:         v,
		traceShutdown: traceShutdown,
	}, nil
}

func (s *Server) Router() http.Handler { return s.r }

// Coordinator exposes the scheduler, mainly for tests.
func (s *Server) Coordinator() *coordinator.Coordinator { return s.coord }

// Reload applies the subset of configuration that is safe to change at
// runtime. Today that is the log level.
func (s *Server) Reload(cfg Config) {
	logging.SetLevel(cfg.LogLevel)
	s.cfg = cfg
	s.logger.Info("configuration reloaded", slog.String("log_level", cfg.LogLevel))
}

// Close shuts subsystems down in reverse construction order.
func (s *Server) Close() error {
	s.prober.Stop()
	if err := s.coord.Stop(); err != nil {
		s.logger.Warn("coordinator stop", slog.Any("error", err))
	}
	s.limiter.Stop()
	if err := s.respCache.Close(); err != nil {
		s.logger.Warn("cache close", slog.Any("error", err))
	}
	if s.traceShutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.traceShutdown(ctx)
	}
	if s.store != nil {
		return s.store.Close()
	}
	return nil
}

// buildCache picks the response cache backend.
func buildCache(cfg Config) (cache.Store, error) {
	ttl := time.Duration(cfg.CacheTTLSecs) * time.Second
	switch cfg.CacheBackend {
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		if err := client.Ping(context.Background()).Err(); err != nil {
			return nil, fmt.Errorf("redis cache at %s: %w", cfg.RedisAddr, err)
		}
		return cache.NewRedis(client, ttl), nil
	default:
		return cache.NewMemory(ttl, cfg.CacheMaxEntries), nil
	}
}

// registerBackends loads adapter configs from the backends file, then the
// store, and falls back to the built-in heuristic backend when nothing else
// is configured.
func registerBackends(cfg Config, coord *coordinator.Coordinator, db store.Store, logger *slog.Logger) error {
	if cfg.BackendsFile != "" {
		raw, err := os.ReadFile(cfg.BackendsFile)
		if err != nil {
			return fmt.Errorf("read backends file: %w", err)
		}
		var configs []task.AdapterConfig
		if err := json.Unmarshal(raw, &configs); err != nil {
			return fmt.Errorf("parse backends file: %w", err)
		}
		if err := coord.InitializeModels(configs); err != nil {
			return fmt.Errorf("backends file: %w", err)
		}
		logger.Info("backends loaded from file",
			slog.String("file", cfg.BackendsFile),
			slog.Int("count", len(configs)),
		)
	}

	// Admin-registered backends persisted in the store. Bad records are
	// skipped with a warning; they must not block boot.
	records, err := db.ListBackends(context.Background())
	if err != nil {
		return fmt.Errorf("list stored backends: %w", err)
	}
	for _, rec := range records {
		if !rec.Enabled {
			continue
		}
		if _, exists := coord.Balancer().Get(rec.ModelID); exists {
			continue
		}
		var ac task.AdapterConfig
		if err := json.Unmarshal([]byte(rec.Config), &ac); err != nil {
			logger.Warn("skipping stored backend with bad config",
				slog.String("model", rec.ModelID), slog.Any("error", err))
			continue
		}
		if err := coord.InitializeModels([]task.AdapterConfig{ac}); err != nil {
			logger.Warn("skipping stored backend",
				slog.String("model", rec.ModelID), slog.Any("error", err))
		}
	}

	if coord.Balancer().Len() == 0 && cfg.LocalFallback {
		a := local.New("local-heuristic", local.DefaultCapability(), 0)
		if err := coord.RegisterAdapter(a); err != nil {
			return err
		}
		logger.Info("no backends configured, registered local heuristic fallback")
	}
	return nil
}
