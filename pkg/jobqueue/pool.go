package jobqueue

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/internal/tracing"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

// HandlerContext gives a handler its job plus the worker-owned levers
type HandlerContext struct {
	Job *Job

	// Progress records a progress note on the job and publishes it
	Progress func(note string)

	// Publish emits an event on the job's channel
	Publish func(eventType string, payload interface{})

	// Interrupted reports whether the job's interrupt was raised
	Interrupted func() bool
}

// Handler executes one job and returns its result text. An error marks
// the job failed; interruption should be reported as a normal result.
type Handler func(ctx context.Context, hctx *HandlerContext) (string, error)

// PoolConfig tunes the worker pool
type PoolConfig struct {
	Workers         int
	StalledInterval time.Duration
	MaxStalls       int
	Heartbeat       time.Duration
	PollInterval    time.Duration
	Logger          zerolog.Logger
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Workers <= 0 {
		c.Workers = 4
	}
	if c.StalledInterval <= 0 {
		c.StalledInterval = 30 * time.Second
	}
	if c.MaxStalls <= 0 {
		c.MaxStalls = 3
	}
	if c.Heartbeat <= 0 {
		c.Heartbeat = c.StalledInterval / 3
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 250 * time.Millisecond
	}
	return c
}

// Pool pulls jobs from the store and runs them on a bounded set of
// workers
type Pool struct {
	store  *Store
	broker *Broker
	cfg    PoolConfig
	logger zerolog.Logger

	handlers map[string]Handler
	mu       sync.RWMutex

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a worker pool over a store and broker
func NewPool(store *Store, broker *Broker, cfg PoolConfig) *Pool {
	observability.EnsureRegistered()
	cfg = cfg.withDefaults()
	return &Pool{
		store:    store,
		broker:   broker,
		cfg:      cfg,
		logger:   cfg.Logger.With().Str("component", "jobqueue").Logger(),
		handlers: make(map[string]Handler),
	}
}

// RegisterHandler binds a handler to a job type. Must be called before
// Start.
func (p *Pool) RegisterHandler(jobType string, handler Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[jobType] = handler
}

// Enqueue persists a new job and returns it
func (p *Pool) Enqueue(jobType string, payload Payload) (*Job, error) {
	p.mu.RLock()
	_, known := p.handlers[jobType]
	p.mu.RUnlock()
	if !known {
		return nil, fmt.Errorf("no handler registered for job type %q", jobType)
	}

	id, err := gonanoid.New()
	if err != nil {
		return nil, fmt.Errorf("failed to generate job id: %w", err)
	}

	job := &Job{ID: id, Type: jobType, Payload: payload}
	if err := p.store.Insert(job); err != nil {
		return nil, err
	}

	depth, _ := p.store.Depth(jobType)
	observability.RecordJobEnqueued(jobType, depth)

	p.logger.Info().Str("job_id", job.ID).Str("type", jobType).Msg("Job enqueued")
	return job, nil
}

// Interrupt raises the interrupt signal for a job
func (p *Pool) Interrupt(jobID string) {
	p.broker.Interrupt(jobID)
	p.logger.Info().Str("job_id", jobID).Msg("Job interrupt requested")
}

// Get loads a job by id
func (p *Pool) Get(jobID string) (*Job, error) {
	return p.store.Get(jobID)
}

// Subscribe returns the job's event channel
func (p *Pool) Subscribe(jobID string) (<-chan Event, func()) {
	return p.broker.Subscribe(jobID)
}

// Start launches the workers and the stall janitor
func (p *Pool) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)

	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i)
	}
	p.wg.Add(1)
	go p.janitor(ctx)

	observability.SetActiveWorkers(p.cfg.Workers)
	p.logger.Info().Int("workers", p.cfg.Workers).Msg("Worker pool started")
}

// Stop cancels all workers and waits for them to drain
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	observability.SetActiveWorkers(0)
	p.logger.Info().Msg("Worker pool stopped")
}

// worker polls for claimable jobs until the context ends
func (p *Pool) worker(ctx context.Context, idx int) {
	defer p.wg.Done()
	logger := p.logger.With().Int("worker", idx).Logger()

	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		job := p.claimAny()
		if job == nil {
			continue
		}
		p.execute(ctx, logger, job)
	}
}

// claimAny tries each registered job type in turn
func (p *Pool) claimAny() *Job {
	p.mu.RLock()
	types := make([]string, 0, len(p.handlers))
	for jobType := range p.handlers {
		types = append(types, jobType)
	}
	p.mu.RUnlock()

	for _, jobType := range types {
		job, err := p.store.Claim(jobType)
		if err == nil {
			return job
		}
		if err != ErrNoJob {
			p.logger.Error().Err(err).Str("type", jobType).Msg("Claim failed")
		}
	}
	return nil
}

// execute runs one job under heartbeat and publishes its terminal event
func (p *Pool) execute(ctx context.Context, logger zerolog.Logger, job *Job) {
	ctx = tracing.NewJobContext(ctx, job.ID)
	ctx, span := tracing.StartSpan(
		ctx,
		"kestrel.jobqueue",
		"jobqueue.execute",
		attribute.String("job_id", job.ID),
		attribute.String("type", job.Type),
	)
	defer span.End()
	logger = tracing.LoggerFromContext(ctx, logger).With().Str("job_id", job.ID).Logger()

	p.mu.RLock()
	handler := p.handlers[job.Type]
	p.mu.RUnlock()
	if handler == nil {
		logger.Error().Str("type", job.Type).Msg("Claimed job has no handler")
		p.finishJob(job, "", fmt.Errorf("no handler for job type %q", job.Type), time.Now())
		return
	}

	start := time.Now()
	logger.Info().Str("type", job.Type).Msg("Job started")

	// lease renewal while the handler runs
	heartbeatDone := make(chan struct{})
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		ticker := time.NewTicker(p.cfg.Heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-heartbeatDone:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := p.store.Heartbeat(job.ID); err != nil {
					logger.Warn().Err(err).Msg("Heartbeat failed")
				}
			}
		}
	}()

	hctx := &HandlerContext{
		Job: job,
		Progress: func(note string) {
			if err := p.store.SetProgress(job.ID, note); err != nil {
				logger.Warn().Err(err).Msg("Failed to record progress")
			}
			p.broker.Publish(job.ID, EventProgress, map[string]interface{}{"note": note})
		},
		Publish: func(eventType string, payload interface{}) {
			p.broker.Publish(job.ID, eventType, payload)
		},
		Interrupted: func() bool {
			return p.broker.Interrupted(job.ID)
		},
	}

	result, err := handler(ctx, hctx)
	close(heartbeatDone)

	p.finishJob(job, result, err, start)
}

// finishJob persists the terminal state and publishes the terminal
// events. Failed handlers produce an error event; the pool does not
// retry failed jobs.
func (p *Pool) finishJob(job *Job, result string, err error, start time.Time) {
	duration := time.Since(start)

	if err != nil {
		if dbErr := p.store.Fail(job.ID, err.Error()); dbErr != nil {
			p.logger.Error().Err(dbErr).Str("job_id", job.ID).Msg("Failed to mark job failed")
		}
		observability.RecordJobCompletion(job.Type, StateFailed, duration)
		p.broker.Publish(job.ID, EventError, map[string]interface{}{"error": err.Error()})
		p.logger.Error().Err(err).Str("job_id", job.ID).Dur("duration", duration).Msg("Job failed")
	} else {
		if dbErr := p.store.Complete(job.ID, result); dbErr != nil {
			p.logger.Error().Err(dbErr).Str("job_id", job.ID).Msg("Failed to mark job completed")
		}
		observability.RecordJobCompletion(job.Type, StateCompleted, duration)
		p.broker.Publish(job.ID, EventCompleted, map[string]interface{}{"result": result})
		p.logger.Info().Str("job_id", job.ID).Dur("duration", duration).Msg("Job completed")
	}

	p.broker.Publish(job.ID, EventClose, nil)
	p.broker.Release(job.ID)

	if depth, err := p.store.Depth(job.Type); err == nil {
		observability.SetQueueDepth(job.Type, depth)
	}
}

// janitor periodically requeues stalled jobs
func (p *Pool) janitor(ctx context.Context) {
	defer p.wg.Done()

	ticker := time.NewTicker(p.cfg.StalledInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.SweepStalled()
		}
	}
}

// SweepStalled runs one stall-detection pass
func (p *Pool) SweepStalled() {
	requeued, exhausted, err := p.store.RequeueStalled(p.cfg.StalledInterval, p.cfg.MaxStalls)
	if err != nil {
		p.logger.Error().Err(err).Msg("Stall sweep failed")
		return
	}
	for _, id := range requeued {
		p.recordStall(id)
		p.broker.Publish(id, EventError, map[string]interface{}{"error": "job stalled, requeued"})
		p.logger.Warn().Str("job_id", id).Msg("Stalled job requeued")
	}
	for _, id := range exhausted {
		p.recordStall(id)
		p.broker.Publish(id, EventError, map[string]interface{}{"error": "job stalled too many times"})
		p.broker.Publish(id, EventClose, nil)
		p.logger.Error().Str("job_id", id).Msg("Stall budget exhausted")
	}
}

func (p *Pool) recordStall(jobID string) {
	if job, err := p.store.Get(jobID); err == nil {
		observability.RecordJobStalled(job.Type)
	}
}
