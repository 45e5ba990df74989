// Package worker claims queued jobs from the store and executes them
// through a handler table keyed by job type. Multiple instances may run
// against the same database; the conditional-update claim in the store is
// the only coordination between them.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/visiodeibc/omnirelay/internal/jobs"
	"github.com/visiodeibc/omnirelay/internal/platform"
	"github.com/visiodeibc/omnirelay/internal/storage"
	"github.com/visiodeibc/omnirelay/internal/worker/backoff"
	"github.com/visiodeibc/omnirelay/shared/rabbitmq"
)

// Stored error messages are capped so a chatty upstream cannot bloat rows.
const maxStoredErrorLen = 1024

// HandlerFunc executes one claimed job. A nil error marks the job
// completed with the returned result. Returning a *jobs.RetryableError
// requeues the job with backoff until the attempt ceiling; any other error
// fails it permanently.
type HandlerFunc func(ctx context.Context, job *jobs.Job) (json.RawMessage, error)

// Config holds worker configuration.
type Config struct {
	Logger   *slog.Logger
	Store    storage.Store
	Registry *platform.Registry

	// RabbitClient, when set, feeds the nudge consumer that triggers an
	// immediate poll after a gateway insert. Nil means pure polling.
	RabbitClient *rabbitmq.Client

	WorkerID     string
	PollInterval time.Duration
	BatchSize    int

	// JobTimeout is advisory: the batch loop stops waiting but the
	// handler keeps running and still writes its terminal state.
	JobTimeout time.Duration

	Backoff backoff.Strategy

	// StaleAfter and StaleCheckEvery drive the watchdog that reports
	// processing rows abandoned by a crashed instance.
	StaleAfter      time.Duration
	StaleCheckEvery time.Duration
}

// Worker is the polling job processor.
type Worker struct {
	logger       *slog.Logger
	store        storage.Store
	registry     *platform.Registry
	rabbitClient *rabbitmq.Client

	workerID        string
	pollInterval    time.Duration
	batchSize       int
	jobTimeout      time.Duration
	backoff         backoff.Strategy
	staleAfter      time.Duration
	staleCheckEvery time.Duration

	handlers  map[string]HandlerFunc
	nudgeChan chan struct{}
	stopChan  chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewWorker creates a worker instance. Zero tuning values fall back to
// defaults suitable for a small deployment.
func NewWorker(cfg *Config) *Worker {
	w := &Worker{
		logger:          cfg.Logger,
		store:           cfg.Store,
		registry:        cfg.Registry,
		rabbitClient:    cfg.RabbitClient,
		workerID:        cfg.WorkerID,
		pollInterval:    cfg.PollInterval,
		batchSize:       cfg.BatchSize,
		jobTimeout:      cfg.JobTimeout,
		backoff:         cfg.Backoff,
		staleAfter:      cfg.StaleAfter,
		staleCheckEvery: cfg.StaleCheckEvery,
		handlers:        make(map[string]HandlerFunc),
		nudgeChan:       make(chan struct{}, 1),
		stopChan:        make(chan struct{}),
	}

	if w.pollInterval <= 0 {
		w.pollInterval = 5 * time.Second
	}
	if w.batchSize <= 0 {
		w.batchSize = 10
	}
	if w.jobTimeout <= 0 {
		w.jobTimeout = time.Minute
	}
	if w.backoff == nil {
		w.backoff = backoff.Default()
	}
	if w.staleAfter <= 0 {
		w.staleAfter = 10 * time.Minute
	}

	return w
}

// Register installs the handler for a job type. Call before Start; the
// handler table is not synchronized.
func (w *Worker) Register(jobType string, handler HandlerFunc) {
	w.handlers[jobType] = handler
}

// Start runs the poll loop until the context is canceled or Stop is
// called. It blocks the calling goroutine.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Duration("poll_interval", w.pollInterval),
		slog.Int("batch_size", w.batchSize),
		slog.Duration("job_timeout", w.jobTimeout),
	)

	if w.rabbitClient != nil {
		deliveries, err := w.setupNudgeConsumer()
		if err != nil {
			w.logger.Warn("Job nudges unavailable, relying on polling alone",
				slog.String("error", err.Error()),
			)
		} else {
			go w.consumeNudges(ctx, deliveries)
		}
	}

	if w.staleCheckEvery > 0 {
		go w.watchStaleJobs(ctx)
	}

	ticker := time.NewTicker(w.pollInterval)
	defer ticker.Stop()

	for {
		w.processBatch(ctx)

		select {
		case <-ctx.Done():
			w.logger.Info("Worker context canceled, stopping...")
			w.drain()
			return nil

		case <-w.stopChan:
			w.logger.Info("Worker stop requested")
			w.drain()
			return nil

		case <-ticker.C:
		case <-w.nudgeChan:
		}
	}
}

// Stop asks the worker to finish its in-flight work and return from Start.
// Safe to call more than once.
func (w *Worker) Stop() {
	w.stopOnce.Do(func() {
		close(w.stopChan)
	})
}

// drain waits for in-flight handler goroutines, bounded by the job timeout
// so a wedged handler cannot hold up shutdown.
func (w *Worker) drain() {
	done := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		w.logger.Info("Worker stopped")
	case <-time.After(w.jobTimeout):
		w.logger.Warn("Timed out waiting for in-flight handlers",
			slog.Duration("waited", w.jobTimeout),
		)
	}
}

// processBatch fetches runnable jobs and executes the ones this instance
// manages to claim, one at a time.
func (w *Worker) processBatch(ctx context.Context) {
	batch, err := w.store.FetchQueued(ctx, w.batchSize)
	if err != nil {
		w.logger.Error("Failed to fetch queued jobs",
			slog.String("error", err.Error()),
		)
		return
	}
	if len(batch) == 0 {
		return
	}

	w.logger.Debug("Fetched queued jobs",
		slog.Int("count", len(batch)),
	)

	for i := range batch {
		// Claim nothing new once a stop is underway.
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		default:
		}

		job := &batch[i]

		claimed, err := w.store.TryClaim(ctx, job.ID, w.workerID)
		if err != nil {
			w.logger.Error("Failed to claim job",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
			continue
		}
		if !claimed {
			// Another instance won the race; its problem now.
			continue
		}

		job.Status = jobs.StatusProcessing
		job.ClaimedBy = w.workerID

		w.runJob(ctx, job)
	}
}

// runJob executes a claimed job under the advisory timeout. On timeout the
// loop moves on while the handler goroutine keeps running; whenever it
// returns it still writes the job's terminal state.
func (w *Worker) runJob(ctx context.Context, job *jobs.Job) {
	w.logger.Info("Processing job",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
		slog.Int("attempts", job.Attempts),
	)

	done := make(chan struct{})

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		defer close(done)
		w.executeClaimed(ctx, job)
	}()

	timer := time.NewTimer(w.jobTimeout)
	defer timer.Stop()

	select {
	case <-done:
	case <-timer.C:
		w.logger.Warn("Job exceeded its advisory timeout, moving on",
			slog.String("job_id", job.ID),
			slog.String("type", job.Type),
			slog.Duration("timeout", w.jobTimeout),
		)
	}
}

// executeClaimed dispatches to the job's handler and settles the outcome.
func (w *Worker) executeClaimed(ctx context.Context, job *jobs.Job) {
	handler, ok := w.handlers[job.Type]
	if !ok {
		w.logger.Error("Unknown job type",
			slog.String("job_id", job.ID),
			slog.String("type", job.Type),
		)
		w.failJob(ctx, job, fmt.Errorf("%w: %s", jobs.ErrUnknownType, job.Type))
		return
	}

	result, err := handler(ctx, job)
	if err != nil {
		w.settleFailure(ctx, job, err)
		return
	}

	w.completeJob(ctx, job, result)
}

func (w *Worker) completeJob(ctx context.Context, job *jobs.Job, result json.RawMessage) {
	if err := w.store.UpdateJob(ctx, job.ID, jobs.Completed(result)); err != nil {
		w.logger.Error("Failed to mark job completed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return
	}

	w.logger.Info("Job completed",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
	)
}

// settleFailure routes a handler error: retryable failures requeue with
// backoff, everything else is terminal. The worker never second-guesses a
// handler's classification.
func (w *Worker) settleFailure(ctx context.Context, job *jobs.Job, err error) {
	var retryable *jobs.RetryableError
	if errors.As(err, &retryable) {
		w.retryOrFail(ctx, job, retryable)
		return
	}

	w.logger.Error("Job failed",
		slog.String("job_id", job.ID),
		slog.String("type", job.Type),
		slog.String("error", err.Error()),
	)
	w.failJob(ctx, job, err)
}

func (w *Worker) failJob(ctx context.Context, job *jobs.Job, cause error) {
	update := jobs.Failed(truncateError(cause.Error()))
	if err := w.store.UpdateJob(ctx, job.ID, update); err != nil {
		w.logger.Error("Failed to mark job failed",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// retryOrFail increments the attempt counter and requeues while the ceiling
// allows, gating eligibility with the backoff delay. Past the ceiling the
// job fails with its last error preserved.
func (w *Worker) retryOrFail(ctx context.Context, job *jobs.Job, retryable *jobs.RetryableError) {
	attempts := job.Attempts + 1
	errMsg := truncateError(retryable.Err.Error())

	if attempts > job.MaxAttempts {
		w.logger.Warn("Job exceeded retry ceiling",
			slog.String("job_id", job.ID),
			slog.Int("attempts", attempts),
			slog.Int("max_attempts", job.MaxAttempts),
		)
		if err := w.store.UpdateJob(ctx, job.ID, jobs.FailedAfterRetries(errMsg, attempts)); err != nil {
			w.logger.Error("Failed to mark job failed",
				slog.String("job_id", job.ID),
				slog.String("error", err.Error()),
			)
		}
		return
	}

	delay := w.backoff.Delay(attempts)
	runAfter := time.Now().Add(delay)

	w.logger.Info("Job requeued for retry",
		slog.String("job_id", job.ID),
		slog.Int("attempts", attempts),
		slog.Int("max_attempts", job.MaxAttempts),
		slog.Duration("delay", delay),
	)

	if err := w.store.UpdateJob(ctx, job.ID, jobs.Requeued(attempts, runAfter)); err != nil {
		w.logger.Error("Failed to requeue job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}
}

// watchStaleJobs periodically reports processing rows that have sat past
// the stale threshold. They are surfaced for operators, never requeued.
func (w *Worker) watchStaleJobs(ctx context.Context) {
	ticker := time.NewTicker(w.staleCheckEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopChan:
			return
		case <-ticker.C:
			count, err := w.store.CountStaleProcessing(ctx, w.staleAfter)
			if err != nil {
				w.logger.Error("Failed to count stale processing jobs",
					slog.String("error", err.Error()),
				)
				continue
			}
			if count > 0 {
				w.logger.Warn("Jobs stuck in processing, likely from a crashed instance",
					slog.Int("count", count),
					slog.Duration("older_than", w.staleAfter),
				)
			}
		}
	}
}

// truncateError caps a stored error message, backing off to a rune boundary
// so the stored text stays valid UTF-8.
func truncateError(msg string) string {
	if len(msg) <= maxStoredErrorLen {
		return msg
	}
	cut := msg[:maxStoredErrorLen]
	for len(cut) > 0 && !utf8.ValidString(cut) {
		cut = cut[:len(cut)-1]
	}
	return cut
}
