// Package queue is the job worker pool: it polls the Job Store for
// claimable work, dispatches by kind through a static handler registry,
// and applies the retry/backoff/dead-letter policy the store already
// encodes in Fail. The producer/worker-pool split and stale-claim
// requeue loop are grounded on Geocoder89-event-hub's
// internal/queue/worker.Worker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deployerd/deployerd/internal/errs"
	"github.com/deployerd/deployerd/internal/interfaces"
	"github.com/deployerd/deployerd/internal/metrics"
	"github.com/deployerd/deployerd/internal/model"
)

// Handler executes one job's payload, returning the final job result.
type Handler func(ctx context.Context, job *model.Job) (model.JobResult, error)

// Config controls the worker pool.
type Config struct {
	Concurrency        int                   // default 4
	PollInterval       time.Duration         // default 1s
	RequeueInterval    time.Duration         // default 10s, stale-claim sweep
	RetainCompleted    int                   // default 10
	RetainFailed       int                   // default 25
	PerKindConcurrency map[model.JobKind]int // e.g. deploy: 2
}

// DefaultConfig returns the baseline worker pool settings.
func DefaultConfig() Config {
	return Config{
		Concurrency:     4,
		PollInterval:    time.Second,
		RequeueInterval: 10 * time.Second,
		RetainCompleted: 10,
		RetainFailed:    25,
		PerKindConcurrency: map[model.JobKind]int{
			model.JobKindDeploy: 2,
		},
	}
}

// Driver is the Queue Driver: owns the Job Store, the dispatch table, and
// the worker goroutines.
type Driver struct {
	store    interfaces.JobStore
	handlers map[model.JobKind]Handler
	cfg      Config
	logger   zerolog.Logger

	mu         sync.Mutex
	perKindRun map[model.JobKind]int

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Driver. Register handlers with Register before calling Run.
func New(store interfaces.JobStore, cfg Config, logger zerolog.Logger) *Driver {
	if cfg.Concurrency <= 0 {
		cfg = DefaultConfig()
	}
	return &Driver{
		store:      store,
		handlers:   map[model.JobKind]Handler{},
		cfg:        cfg,
		logger:     logger,
		perKindRun: map[model.JobKind]int{},
		stopCh:     make(chan struct{}),
	}
}

// Register adds a kind->handler entry to the static dispatch table built
// at startup.
func (d *Driver) Register(kind model.JobKind, h Handler) {
	d.handlers[kind] = h
}

// EnqueueOptions are the per-job scheduling knobs passed to Enqueue.
type EnqueueOptions struct {
	Priority         int
	Delay            time.Duration
	Attempts         int
	Backoff          model.Backoff
	RemoveOnComplete int
	RemoveOnFail     int
	DeploymentID     string
	StackID          string
}

// Enqueue validates the payload round-trips through JSON, then persists a new job.
func (d *Driver) Enqueue(kind model.JobKind, payload any, opts EnqueueOptions) (string, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrNotSerializable, err)
	}
	var roundTrip map[string]any
	if err := json.Unmarshal(data, &roundTrip); err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrNotSerializable, err)
	}

	job := &model.Job{
		ID:               uuid.NewString(),
		Kind:             kind,
		Payload:          data,
		Priority:         opts.Priority,
		Delay:            opts.Delay,
		MaxAttempts:      opts.Attempts,
		Backoff:          opts.Backoff,
		RemoveOnComplete: opts.RemoveOnComplete,
		RemoveOnFail:     opts.RemoveOnFail,
		DeploymentID:     opts.DeploymentID,
		StackID:          opts.StackID,
	}
	if job.MaxAttempts == 0 {
		job.MaxAttempts = 3
	}

	if err := d.store.Enqueue(job); err != nil {
		return "", fmt.Errorf("%w: %v", errs.ErrQueueUnavailable, err)
	}
	metrics.JobsEnqueuedTotal.WithLabelValues(string(kind)).Inc()
	return job.ID, nil
}

// EnqueueRenewCertificate implements certs.Enqueuer.
func (d *Driver) EnqueueRenewCertificate(domain string, priority int, attempts int, baseDelay time.Duration) error {
	_, err := d.Enqueue(model.JobKindRenewCertificate, model.RenewCertificatePayload{Domain: domain}, EnqueueOptions{
		Priority: priority,
		Attempts: attempts,
		Backoff:  model.Backoff{Type: model.BackoffExponential, BaseDelay: baseDelay},
	})
	return err
}

// EnqueueAlertNotification implements alerts.Notifier.
func (d *Driver) EnqueueAlertNotification(alert model.AlertNotification, priority int) error {
	_, err := d.Enqueue(model.JobKindSendAlertNotification, model.SendAlertNotificationPayload{Alert: alert}, EnqueueOptions{
		Priority: priority,
	})
	return err
}

// Run starts the worker pool and the stale-claim requeue loop; blocks
// until ctx is cancelled or Stop is called. Completed/failed job GC is
// not run here (the Scheduler's daily job-tracking-gc task does it).
func (d *Driver) Run(ctx context.Context) {
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.requeueLoop(ctx)
	}()

	for i := 0; i < d.cfg.Concurrency; i++ {
		d.wg.Add(1)
		workerID := fmt.Sprintf("worker-%d", i+1)
		go func(id string) {
			defer d.wg.Done()
			d.runWorker(ctx, id)
		}(workerID)
	}

	d.wg.Wait()
}

// Stop signals every loop to exit and waits for them to finish.
func (d *Driver) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Driver) requeueLoop(ctx context.Context) {
	ticker := time.NewTicker(d.cfg.RequeueInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			n, err := d.store.RequeueStaleClaims(ctx)
			if err != nil {
				d.logger.Error().Err(err).Msg("requeue stale claims failed")
				continue
			}
			if n > 0 {
				d.logger.Warn().Int("count", n).Msg("requeued stale job claims")
			}
		}
	}
}

func (d *Driver) runWorker(ctx context.Context, workerID string) {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopCh:
			return
		case <-ticker.C:
			d.pollOnce(ctx, workerID)
		}
	}
}

func (d *Driver) pollOnce(ctx context.Context, workerID string) {
	job, err := d.store.Claim(ctx, workerID)
	if err != nil {
		d.logger.Error().Err(err).Msg("claim failed")
		return
	}
	if job == nil {
		return
	}

	if !d.acquireKindSlot(job.Kind) {
		// over the per-kind ceiling; let it age back to waiting at the
		// next visibility-timeout sweep rather than busy-spin it.
		return
	}
	defer d.releaseKindSlot(job.Kind)

	d.runJob(ctx, job)
}

func (d *Driver) acquireKindSlot(kind model.JobKind) bool {
	limit, ok := d.cfg.PerKindConcurrency[kind]
	if !ok {
		return true
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.perKindRun[kind] >= limit {
		return false
	}
	d.perKindRun[kind]++
	return true
}

func (d *Driver) releaseKindSlot(kind model.JobKind) {
	if _, ok := d.cfg.PerKindConcurrency[kind]; !ok {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.perKindRun[kind]--
}

func (d *Driver) runJob(ctx context.Context, job *model.Job) {
	logger := d.logger.With().Str("job_id", job.ID).Str("kind", string(job.Kind)).Logger()
	handler, ok := d.handlers[job.Kind]
	if !ok {
		d.fail(job, fmt.Errorf("no handler registered for kind %s", job.Kind), logger)
		return
	}

	timer := metrics.NewTimer()
	result, err := handler(ctx, job)
	timer.ObserveDurationVec(metrics.JobDuration, string(job.Kind))

	if current, getErr := d.store.Get(job.ID); getErr == nil && current.Status == model.JobStatusCancelled {
		logger.Info().Msg("job was cancelled during execution, leaving cancelled status")
		return
	}

	if err != nil {
		d.fail(job, err, logger)
		return
	}

	resultBytes, marshalErr := json.Marshal(result)
	if marshalErr != nil {
		resultBytes = []byte(`{}`)
	}
	if err := d.store.Complete(job.ID, resultBytes); err != nil {
		logger.Error().Err(err).Msg("failed to mark job complete")
		return
	}
	metrics.JobsCompletedTotal.WithLabelValues(string(job.Kind), "success").Inc()
	logger.Info().Msg("job completed")
}

func (d *Driver) fail(job *model.Job, err error, logger zerolog.Logger) {
	if failErr := d.store.Fail(job.ID, err); failErr != nil {
		logger.Error().Err(failErr).Msg("failed to record job failure")
		return
	}
	if job.Attempts >= job.MaxAttempts {
		metrics.JobsDeadLetteredTotal.WithLabelValues(string(job.Kind)).Inc()
		logger.Error().Err(err).Msg("job dead-lettered")
	} else {
		metrics.JobsCompletedTotal.WithLabelValues(string(job.Kind), "retry").Inc()
		logger.Warn().Err(err).Msg("job failed, will retry")
	}
}

// UnmarshalPayload is a small helper handlers use to decode their
// kind-specific payload from job.Payload.
func UnmarshalPayload(job *model.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrNotSerializable, err)
	}
	return nil
}
