// Command worker drains the generation job queue. Generators are registered
// per job type; the model invocation itself lives behind that interface.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/PixelForge-AI/generation_service/internal/config"
	"github.com/PixelForge-AI/generation_service/internal/logging"
	"github.com/PixelForge-AI/generation_service/services/generation"
)

func main() {
	configPath := flag.String("config", "config/worker.yaml", "path to config file")
	flag.Parse()

	cfg := config.LoadOrDefault(*configPath)
	logger := logging.New("generation-worker", cfg.Logging.Level, cfg.Logging.Format)

	if err := run(cfg, logger); err != nil {
		logger.Error("worker exited", "err", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config, logger *logging.Logger) error {
	var jobStore generation.Store
	if cfg.Database.DSN != "" {
		db, err := sqlx.Connect("postgres", cfg.Database.DSN)
		if err != nil {
			return fmt.Errorf("connect database: %w", err)
		}
		defer db.Close()
		jobStore = generation.NewPostgresStore(db)
	} else {
		logger.Warn("no database configured, using in-memory job store")
		jobStore = generation.NewMemoryStore()
	}

	jobSvc := generation.NewService(jobStore, cfg.Worker.MaxAttempts, logger, nil)

	runner := generation.NewRunner(jobSvc, generation.RunnerConfig{
		PollInterval:  cfg.Worker.PollInterval,
		BatchSize:     cfg.Worker.BatchSize,
		RatePerSecond: cfg.Worker.RatePerSecond,
		Burst:         cfg.Worker.Burst,
	}, logger)

	runner.RegisterGenerator("*", echoGenerator())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := runner.Start(ctx); err != nil {
		return err
	}

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	sig := <-stop

	logger.Info("shutting down", "signal", sig.String())
	runner.Stop()
	return nil
}

// echoGenerator is the placeholder generator used until a real model backend
// is registered. It reports staged progress and returns the output IDs the
// job reserved at enqueue time.
func echoGenerator() generation.Generator {
	return generation.GeneratorFunc(func(ctx context.Context, job *generation.Job, report func(int)) ([]byte, error) {
		for _, p := range []int{25, 50, 75} {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(200 * time.Millisecond):
			}
			report(p)
		}
		return json.Marshal(map[string]interface{}{"output_ids": job.OutputIDs})
	})
}
