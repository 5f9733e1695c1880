// Package scheduler drives every periodic sweep this control plane
// needs at its own fixed cadence: health probes, metric sampling,
// certificate expiry/file checks, alert recovery, and retention GC. One
// Scheduler runs per process. Its Start/Stop/ticker-per-task shape is
// grounded on pkg/scheduler.Scheduler's single-ticker loop, generalized
// from one 5s cadence to several independent ones, each running under
// its own cancellable context so a slow sweep cannot stall the others.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/deployerd/deployerd/internal/health"
	"github.com/deployerd/deployerd/internal/interfaces"
	"github.com/deployerd/deployerd/internal/metrics"
	"github.com/deployerd/deployerd/internal/metricscollector"
	"github.com/deployerd/deployerd/internal/model"
)

const (
	healthSweepInterval    = 30 * time.Second
	metricsSweepInterval   = 2 * time.Minute
	certFileValidationStep = 6 * time.Hour
	alertRecoveryInterval  = 5 * time.Minute

	metricsRetention     = 30 * 24 * time.Hour
	healthCheckRetention = 30 * 24 * time.Hour
	alertRetention       = 90 * 24 * time.Hour
)

// AlertLister is the read surface the recovered-alert sweep needs;
// implemented by internal/store.TelemetryStore.
type AlertLister interface {
	ListOpenAlerts() ([]*model.Alert, error)
}

// RetentionStore is the GC surface the daily telemetry sweep needs;
// implemented by internal/store.TelemetryStore.
type RetentionStore interface {
	GCHealthChecks(retention time.Duration) error
	GCMetrics(retention time.Duration) error
	GCResolvedAlerts(retention time.Duration) error
}

// Config tunes job-tracking GC retention; everything else runs at the
// fixed cadence spec names.
type Config struct {
	RetainCompletedJobs int // default 10
	RetainFailedJobs    int // default 25
}

// Scheduler owns every background sweep loop.
type Scheduler struct {
	health    *health.Monitor
	metrics   *metricscollector.Collector
	certs     interfaces.CertCoordinator
	alerts    AlertLister
	telemetry RetentionStore
	jobs      interfaces.JobStore
	cfg       Config
	logger    zerolog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New builds a Scheduler. Start must be called to begin the loops.
func New(
	healthMonitor *health.Monitor,
	metricsCollector *metricscollector.Collector,
	certCoordinator interfaces.CertCoordinator,
	alertLister AlertLister,
	telemetry RetentionStore,
	jobs interfaces.JobStore,
	cfg Config,
	logger zerolog.Logger,
) *Scheduler {
	if cfg.RetainCompletedJobs <= 0 {
		cfg.RetainCompletedJobs = 10
	}
	if cfg.RetainFailedJobs <= 0 {
		cfg.RetainFailedJobs = 25
	}
	return &Scheduler{
		health:    healthMonitor,
		metrics:   metricsCollector,
		certs:     certCoordinator,
		alerts:    alertLister,
		telemetry: telemetry,
		jobs:      jobs,
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
	}
}

// Start launches every sweep loop in its own goroutine and returns at
// once; the loops run until ctx is cancelled or Stop is called.
func (s *Scheduler) Start(ctx context.Context) {
	s.runEvery(ctx, "health-sweep", healthSweepInterval, s.runHealthSweep)
	s.runEvery(ctx, "metrics-sweep", metricsSweepInterval, s.runMetricsSweep)
	s.runEvery(ctx, "alert-recovery-sweep", alertRecoveryInterval, s.runAlertRecoverySweep)
	s.runEvery(ctx, "cert-file-validation", certFileValidationStep, s.runCertFileValidation)
	s.runDaily(ctx, "cert-expiry-scan", 2, 0, s.runCertExpiryScan)
	s.runDaily(ctx, "job-tracking-gc", 2, 0, s.runJobTrackingGC)
	s.runDaily(ctx, "metrics-gc", 3, 0, s.runMetricsGC)
}

// Stop signals every loop to exit and waits for them to finish.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) runEvery(ctx context.Context, name string, interval time.Duration, task func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.runTask(ctx, name, task)
			}
		}
	}()
}

// runDaily fires task once per day at hour:min local time. It waits on a
// timer sized to the next occurrence inside a select that also watches
// Stop/ctx, so cancellation is observed promptly rather than after a
// multi-hour wait.
func (s *Scheduler) runDaily(ctx context.Context, name string, hour, min int, task func(context.Context)) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			wait := durationUntil(hour, min)
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-s.stopCh:
				timer.Stop()
				return
			case <-timer.C:
				s.runTask(ctx, name, task)
			}
		}
	}()
}

// durationUntil returns the time until the next occurrence of hour:min
// local time, always positive (rolling over to tomorrow when already
// past today's occurrence).
func durationUntil(hour, min int) time.Duration {
	now := time.Now()
	next := time.Date(now.Year(), now.Month(), now.Day(), hour, min, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next.Sub(now)
}

func (s *Scheduler) runTask(ctx context.Context, name string, task func(context.Context)) {
	metrics.SchedulerRunsTotal.WithLabelValues(name).Inc()
	logger := s.logger.With().Str("task", name).Logger()
	start := time.Now()
	task(ctx)
	logger.Debug().Dur("duration", time.Since(start)).Msg("scheduled task ran")
}

func (s *Scheduler) runHealthSweep(ctx context.Context) {
	if err := s.health.Sweep(ctx); err != nil {
		s.logger.Error().Err(err).Str("task", "health-sweep").Msg("sweep failed")
	}
}

func (s *Scheduler) runMetricsSweep(ctx context.Context) {
	if err := s.metrics.Sweep(ctx); err != nil {
		s.logger.Error().Err(err).Str("task", "metrics-sweep").Msg("sweep failed")
	}
}

// runAlertRecoverySweep closes open health alerts whose service has
// recovered. Metric-threshold alerts (cpu/memory/storage) are not
// resolved here, and the Metrics Collector does not resolve them on a
// below-threshold sample either; see DESIGN.md.
func (s *Scheduler) runAlertRecoverySweep(ctx context.Context) {
	open, err := s.alerts.ListOpenAlerts()
	if err != nil {
		s.logger.Error().Err(err).Str("task", "alert-recovery-sweep").Msg("list open alerts failed")
		return
	}
	if len(open) == 0 {
		return
	}
	if err := s.health.RecoverySweep(ctx, open); err != nil {
		s.logger.Error().Err(err).Str("task", "alert-recovery-sweep").Msg("recovery sweep failed")
	}
}

func (s *Scheduler) runCertFileValidation(ctx context.Context) {
	if err := s.certs.FileValidation(ctx); err != nil {
		s.logger.Error().Err(err).Str("task", "cert-file-validation").Msg("validation failed")
	}
}

func (s *Scheduler) runCertExpiryScan(ctx context.Context) {
	if err := s.certs.ExpiryScan(ctx); err != nil {
		s.logger.Error().Err(err).Str("task", "cert-expiry-scan").Msg("scan failed")
	}
}

func (s *Scheduler) runJobTrackingGC(ctx context.Context) {
	if err := s.jobs.GC(s.cfg.RetainCompletedJobs, s.cfg.RetainFailedJobs); err != nil {
		s.logger.Error().Err(err).Str("task", "job-tracking-gc").Msg("gc failed")
	}
}

func (s *Scheduler) runMetricsGC(ctx context.Context) {
	if err := s.telemetry.GCMetrics(metricsRetention); err != nil {
		s.logger.Error().Err(err).Str("task", "metrics-gc").Msg("metrics gc failed")
	}
	if err := s.telemetry.GCHealthChecks(healthCheckRetention); err != nil {
		s.logger.Error().Err(err).Str("task", "metrics-gc").Msg("health check gc failed")
	}
	if err := s.telemetry.GCResolvedAlerts(alertRetention); err != nil {
		s.logger.Error().Err(err).Str("task", "metrics-gc").Msg("resolved alert gc failed")
	}
}
