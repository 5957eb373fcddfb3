package generation

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/PixelForge-AI/generation_service/internal/logging"
)

// Generator produces the artifacts for one job. report may be called with
// progress in [0,100] as work advances. Implementations wrap the actual
// model invocation, which is outside this service.
type Generator interface {
	Generate(ctx context.Context, job *Job, report func(progress int)) (result []byte, err error)
}

// GeneratorFunc adapts a function to the Generator interface.
type GeneratorFunc func(ctx context.Context, job *Job, report func(progress int)) ([]byte, error)

// Generate implements Generator.
func (f GeneratorFunc) Generate(ctx context.Context, job *Job, report func(progress int)) ([]byte, error) {
	return f(ctx, job, report)
}

// RunnerConfig holds worker loop settings.
type RunnerConfig struct {
	PollInterval  time.Duration
	BatchSize     int
	RatePerSecond float64
	Burst         int
}

// Runner pulls pending jobs and drives them through the state machine. One
// runner owns its claimed jobs; claiming is conditional at the store so
// concurrent runners never double-process.
type Runner struct {
	mu sync.RWMutex

	service    *Service
	generators map[string]Generator
	limiter    *rate.Limiter
	logger     *logging.Logger

	pollInterval time.Duration
	batchSize    int

	running bool
	done    chan struct{}
}

// NewRunner creates a worker runner over the job service.
func NewRunner(service *Service, cfg RunnerConfig, logger *logging.Logger) *Runner {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 10
	}
	if cfg.RatePerSecond <= 0 {
		cfg.RatePerSecond = 2
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	if logger == nil {
		logger = logging.Default("worker")
	}

	return &Runner{
		service:      service,
		generators:   make(map[string]Generator),
		limiter:      rate.NewLimiter(rate.Limit(cfg.RatePerSecond), cfg.Burst),
		logger:       logger,
		pollInterval: cfg.PollInterval,
		batchSize:    cfg.BatchSize,
		done:         make(chan struct{}),
	}
}

// RegisterGenerator registers a generator for a job type. "*" is the
// fallback for types without a dedicated generator.
func (r *Runner) RegisterGenerator(jobType string, gen Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.generators[jobType] = gen
	r.logger.Info("generator registered", "type", jobType)
}

// Start begins the pull loop.
func (r *Runner) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return fmt.Errorf("runner already running")
	}
	r.running = true
	r.done = make(chan struct{})
	r.mu.Unlock()

	r.logger.Info("worker started", "poll_interval", r.pollInterval.String(), "batch_size", r.batchSize)
	go r.loop(ctx)
	return nil
}

// Stop stops the pull loop. In-flight jobs finish their current attempt.
func (r *Runner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.running {
		return
	}
	r.running = false
	close(r.done)
	r.logger.Info("worker stopped")
}

// IsRunning reports whether the loop is active.
func (r *Runner) IsRunning() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.running
}

func (r *Runner) loop(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		case <-ticker.C:
			r.drainPending(ctx)
		}
	}
}

func (r *Runner) drainPending(ctx context.Context) {
	jobs, err := r.service.GetPendingJobs(ctx, r.batchSize)
	if err != nil {
		r.logger.Warn("fetch pending jobs failed", "err", err)
		return
	}

	for _, job := range jobs {
		select {
		case <-ctx.Done():
			return
		case <-r.done:
			return
		default:
		}

		// Pace generator invocations across the batch.
		if err := r.limiter.Wait(ctx); err != nil {
			return
		}
		r.process(ctx, job.ID)
	}
}

// ProcessOne claims and runs a single job. Exposed for tests and for
// one-shot invocation.
func (r *Runner) ProcessOne(ctx context.Context, jobID string) {
	r.process(ctx, jobID)
}

func (r *Runner) process(ctx context.Context, jobID string) {
	job, err := r.service.StartJob(ctx, jobID)
	if err != nil {
		// Another runner claimed it first, or it is already terminal.
		if err != ErrNotClaimable {
			r.logger.Warn("claim failed", "job_id", jobID, "err", err)
		}
		return
	}

	gen := r.generatorFor(job.Type)
	if gen == nil {
		if err := r.service.FailJob(ctx, job.ID, "no generator for type "+job.Type); err != nil {
			r.logger.Error("fail job", "job_id", job.ID, "err", err)
		}
		return
	}

	report := func(progress int) {
		if err := r.service.UpdateProgress(ctx, job.ID, progress); err != nil {
			r.logger.Debug("progress update dropped", "job_id", job.ID, "err", err)
		}
	}

	result, genErr := gen.Generate(ctx, job, report)
	if genErr != nil {
		if err := r.service.FailJob(ctx, job.ID, genErr.Error()); err != nil {
			r.logger.Error("fail job", "job_id", job.ID, "err", err)
		}
		return
	}

	if err := r.service.CompleteJob(ctx, job.ID, result); err != nil {
		r.logger.Error("complete job", "job_id", job.ID, "err", err)
	}
}

func (r *Runner) generatorFor(jobType string) Generator {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if gen, ok := r.generators[jobType]; ok {
		return gen
	}
	return r.generators["*"]
}
