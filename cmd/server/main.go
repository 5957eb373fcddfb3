// Command server runs the generation API: admission control, the job queue
// surface and quota administration.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/gorilla/mux"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"github.com/robfig/cron/v3"

	"github.com/PixelForge-AI/generation_service/internal/config"
	"github.com/PixelForge-AI/generation_service/internal/errors"
	"github.com/PixelForge-AI/generation_service/internal/logging"
	"github.com/PixelForge-AI/generation_service/internal/metrics"
	"github.com/PixelForge-AI/generation_service/internal/middleware"
	"github.com/PixelForge-AI/generation_service/internal/ratelimit"
	"github.com/PixelForge-AI/generation_service/services/generation"
	"github.com/PixelForge-AI/generation_service/services/quota"
)

func main() {
	configPath := flag.String("config", "config/server.yaml", "path to config file")
	flag.Parse()

	cfg := config.LoadOrDefault(*configPath)
	logger := logging.New("generation-api", cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg, logger); err != nil {
		logger.Error("server exited", "err", err)
		os.Exit(1)
	}
}

// run is the composition root. Services are constructed explicitly and
// wired here; nothing is shared through package-level singletons.
func run(cfg *config.Config, logger *logging.Logger) error {
	m := metrics.New("generation-api")

	// Rate limit counter store: Redis when configured, in-process otherwise.
	var counterStore ratelimit.CounterStore
	if cfg.Redis.Addr != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		defer rdb.Close()
		counterStore = ratelimit.NewRedisCounterStore(rdb)
	} else {
		logger.Warn("no redis configured, using in-process rate limit counters")
		counterStore = ratelimit.NewMemoryCounterStore()
	}

	limiter := ratelimit.New(counterStore, ratelimit.Config{
		Window:      cfg.RateLimit.Window,
		MaxRequests: cfg.RateLimit.MaxRequests,
		KeyPrefix:   cfg.RateLimit.KeyPrefix,
	}, logger)

	// Durable stores: Postgres when configured, in-memory for development.
	var quotaStore quota.Store
	var jobStore generation.Store
	if cfg.Database.DSN != "" {
		db, err := sqlx.Connect("postgres", cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()
		db.SetMaxOpenConns(cfg.Database.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.MaxIdleConns)

		quotaStore = quota.NewPostgresStore(db)
		jobStore = generation.NewPostgresStore(db)
	} else {
		logger.Warn("no database configured, using in-memory stores")
		quotaStore = quota.NewMemoryStore()
		jobStore = generation.NewMemoryStore()
	}

	quotaSvc := quota.NewService(quotaStore, cfg.Quota.DefaultMonthlyLimit, logger, m)
	jobSvc := generation.NewService(jobStore, cfg.Worker.MaxAttempts, logger, m)

	scheduler := cron.New()
	if _, err := scheduler.AddFunc("@every 10m", func() {
		jobSvc.LogStaleProcessing(context.Background(), cfg.Worker.StaleThreshold)
	}); err != nil {
		return fmt.Errorf("schedule stale sweep: %w", err)
	}
	if _, err := scheduler.AddFunc("@monthly", func() {
		logger.Info("usage period rolled over", "period", quota.PeriodFor(time.Now()))
	}); err != nil {
		return fmt.Errorf("schedule period rollover: %w", err)
	}
	scheduler.Start()
	defer scheduler.Stop()

	router := buildRouter(cfg, logger, m, limiter, quotaSvc, jobSvc)

	server := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: router,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("server listening", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		return err
	case sig := <-stop:
		logger.Info("shutting down", "signal", sig.String())
	}

	ctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	return server.Shutdown(ctx)
}

func buildRouter(cfg *config.Config, logger *logging.Logger, m *metrics.Metrics,
	limiter *ratelimit.Limiter, quotaSvc *quota.Service, jobSvc *generation.Service) *mux.Router {

	a := &api{quota: quotaSvc, jobs: jobSvc, logger: logger}

	router := mux.NewRouter()
	router.Use(mux.MiddlewareFunc(middleware.NewTracingMiddleware(logger).Handler))
	router.Use(middleware.MetricsMiddleware(m))

	router.HandleFunc("/healthz", handleHealth).Methods(http.MethodGet)
	router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)

	auth := middleware.NewAuthMiddleware(apiKeyResolver(), nil)
	rateLimit := middleware.NewRateLimitMiddleware(limiter, logger, m)

	v1 := router.PathPrefix("/v1").Subrouter()
	v1.Use(mux.MiddlewareFunc(auth.Handler))
	v1.Use(mux.MiddlewareFunc(rateLimit.Handler))

	v1.HandleFunc("/generations", a.handleCreateGeneration).Methods(http.MethodPost)
	v1.HandleFunc("/generations/{id}", a.handleGetGeneration).Methods(http.MethodGet)
	v1.HandleFunc("/quota", a.handleGetQuota).Methods(http.MethodGet)

	admin := v1.PathPrefix("/admin").Subrouter()
	admin.Use(adminOnly(cfg.Server.AdminAPIKey))
	admin.HandleFunc("/quota/grant", a.handleGrantCredits).Methods(http.MethodPost)
	admin.HandleFunc("/quota/reset", a.handleResetUsage).Methods(http.MethodPost)

	return router
}

// apiKeyResolver maps API keys to client IDs from the API_KEYS env var,
// formatted as "key1:client1,key2:client2".
func apiKeyResolver() middleware.ClientResolver {
	keys := make(map[string]string)
	for _, pair := range strings.Split(os.Getenv("API_KEYS"), ",") {
		parts := strings.SplitN(strings.TrimSpace(pair), ":", 2)
		if len(parts) == 2 && parts[0] != "" && parts[1] != "" {
			keys[parts[0]] = parts[1]
		}
	}
	return func(apiKey string) string {
		return keys[apiKey]
	}
}

// adminOnly rejects requests without the admin API key.
func adminOnly(adminKey string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if adminKey == "" || r.Header.Get("X-Admin-Key") != adminKey {
				writeError(w, errors.Forbidden("admin access required"))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
