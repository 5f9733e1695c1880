// Package health is the Health Monitor: periodic HTTP probes
// per service of every running stack, computing per-service/stack health
// and opening/closing alerts. The probe's Checker/Result shape and
// consecutive failure/success counters are generalized from
// pkg/health.HTTPChecker and Status's container-level checks to this
// domain's per-service sweep.
package health

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/deployerd/deployerd/internal/alerts"
	"github.com/deployerd/deployerd/internal/interfaces"
	"github.com/deployerd/deployerd/internal/metrics"
	"github.com/deployerd/deployerd/internal/model"
)

// Config mirrors pkg/health.Config's shape, extended with the
// HTTP-probe specifics this sweep needs.
type Config struct {
	Timeout             time.Duration // default 10s
	AllowedStatusCodes  []int         // default {200, 204}
	MaxRedirects        int           // default 3
	RequiredSubstring   string
	RecoveryConsecutive int // default 2
}

// DefaultConfig returns the baseline probe settings.
func DefaultConfig() Config {
	return Config{
		Timeout:             10 * time.Second,
		AllowedStatusCodes:  []int{200, 204},
		MaxRedirects:        3,
		RecoveryConsecutive: 2,
	}
}

// TelemetryStore is the persistence surface this package needs.
type TelemetryStore interface {
	PutHealthCheck(rec *model.HealthCheckRecord) error
	ListHealthChecksByService(serviceID string) ([]*model.HealthCheckRecord, error)
}

// Monitor sweeps every running stack's services.
type Monitor struct {
	stacks interfaces.StackStore
	store  TelemetryStore
	alerts *alerts.Bus
	cfg    Config
	logger zerolog.Logger
	client *http.Client
}

// New builds a Monitor.
func New(stacks interfaces.StackStore, store TelemetryStore, bus *alerts.Bus, cfg Config, logger zerolog.Logger) *Monitor {
	if cfg.Timeout <= 0 {
		cfg = DefaultConfig()
	}
	return &Monitor{
		stacks: stacks,
		store:  store,
		alerts: bus,
		cfg:    cfg,
		logger: logger,
		client: &http.Client{
			Timeout: cfg.Timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= maxInt(cfg.MaxRedirects, 1) {
					return http.ErrUseLastResponse
				}
				return nil
			},
		},
	}
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

// Sweep probes every service of every running stack once.
func (m *Monitor) Sweep(ctx context.Context) error {
	stacks, err := m.stacks.ListRunningStacks()
	if err != nil {
		return fmt.Errorf("list running stacks: %w", err)
	}
	for _, stack := range stacks {
		m.sweepStack(ctx, stack)
	}
	return nil
}

// SweepStack probes one stack on demand, backing the ad hoc
// health-check job kind rather than the periodic full sweep.
func (m *Monitor) SweepStack(ctx context.Context, stackID string) error {
	stack, err := m.stacks.GetStack(stackID)
	if err != nil {
		return fmt.Errorf("load stack %s: %w", stackID, err)
	}
	m.sweepStack(ctx, stack)
	return nil
}

func (m *Monitor) sweepStack(ctx context.Context, stack *model.Stack) {
	healthy := 0
	total := 0
	for _, svc := range stack.ComposeConfig.Services {
		if svc.IsStatic {
			continue
		}
		total++
		rec := m.probeService(ctx, stack, svc)
		if err := m.store.PutHealthCheck(rec); err != nil {
			m.logger.Error().Err(err).Str("service", svc.Name).Msg("failed to persist health check")
		}
		metrics.HealthProbesTotal.WithLabelValues(string(rec.Status)).Inc()

		if rec.Status == model.HealthHealthy {
			healthy++
		} else {
			m.onUnhealthy(ctx, stack, svc, rec)
		}
	}

	stack.LastHealthCheck = time.Now()
	stack.HealthSummary = HealthSummary(healthy, total)
	if err := m.stacks.UpdateStack(stack); err != nil {
		m.logger.Error().Err(err).Str("stack", stack.ID).Msg("failed to persist stack health rollup")
	}
}

// HealthSummary classifies a sweep's healthy ratio :
// healthy >=90%, degraded >=50%, else unhealthy.
func HealthSummary(healthy, total int) string {
	if total == 0 {
		return "unknown"
	}
	ratio := float64(healthy) / float64(total)
	switch {
	case ratio >= 0.9:
		return "healthy"
	case ratio >= 0.5:
		return "degraded"
	default:
		return "unhealthy"
	}
}

// probeService builds the endpoint URL and performs one HTTP GET probe.
func (m *Monitor) probeService(ctx context.Context, stack *model.Stack, svc model.ServiceSpec) *model.HealthCheckRecord {
	endpoint := buildEndpoint(stack, svc)
	rec := &model.HealthCheckRecord{
		ID:        uuid.NewString(),
		ServiceID: svc.Name,
		StackID:   stack.ID,
		Timestamp: time.Now(),
		Endpoint:  endpoint,
	}

	if endpoint == "" {
		rec.Status = model.HealthUnknown
		rec.ErrorMessage = "no reachable endpoint declared"
		return rec
	}

	reqCtx, cancel := context.WithTimeout(ctx, m.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		rec.Status = model.HealthError
		rec.ErrorMessage = err.Error()
		return rec
	}

	start := time.Now()
	resp, err := m.client.Do(req)
	rec.ResponseTime = time.Since(start)

	if err != nil {
		if reqCtx.Err() != nil {
			rec.Status = model.HealthTimeout
		} else {
			rec.Status = model.HealthError
		}
		rec.ErrorMessage = err.Error()
		return rec
	}
	defer resp.Body.Close()

	rec.StatusCode = resp.StatusCode
	if !containsStatus(m.cfg.AllowedStatusCodes, resp.StatusCode) {
		rec.Status = model.HealthUnhealthy
		rec.ErrorMessage = fmt.Sprintf("unexpected status %d", resp.StatusCode)
		return rec
	}

	rec.Status = model.HealthHealthy
	return rec
}

func containsStatus(codes []int, code int) bool {
	for _, c := range codes {
		if c == code {
			return true
		}
	}
	return false
}

// buildEndpoint constructs the probe URL in preference order: external
// domain over https, else the "<stack>_<service>" Swarm name on the first
// declared port over http; with neither it returns "". There is no
// separate internal-hostname tier. The path is the service's
// "healthCheckPath" label if present, else "/".
func buildEndpoint(stack *model.Stack, svc model.ServiceSpec) string {
	path := svc.Labels["healthCheckPath"]
	if path == "" {
		path = "/"
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}

	if len(svc.Domains) > 0 {
		u := url.URL{Scheme: "https", Host: svc.Domains[0], Path: path}
		return u.String()
	}
	if len(svc.Ports) > 0 {
		host := stack.Name + "_" + svc.Name
		u := url.URL{Scheme: "http", Host: host + ":" + strconv.Itoa(svc.Ports[0].ContainerPort), Path: path}
		return u.String()
	}
	return ""
}

// onUnhealthy opens a health alert unless one is already open for the
// same scope, severity critical for "error", else warning.
func (m *Monitor) onUnhealthy(ctx context.Context, stack *model.Stack, svc model.ServiceSpec, rec *model.HealthCheckRecord) {
	severity := model.SeverityWarning
	if rec.Status == model.HealthError {
		severity = model.SeverityCritical
	}
	scope := alerts.Scope(stack.ID, svc.Name)
	message := fmt.Sprintf("service %s is %s: %s", svc.Name, rec.Status, rec.ErrorMessage)
	if err := m.alerts.Open(ctx, scope, stack.ID, svc.Name, model.AlertHealth, severity, message, 0, 0); err != nil {
		m.logger.Error().Err(err).Str("service", svc.Name).Msg("failed to open health alert")
	}
}

// RecoverySweep closes open health alerts whose service has had >= 2
// consecutive healthy probes within the last 5 minutes.
func (m *Monitor) RecoverySweep(ctx context.Context, openAlerts []*model.Alert) error {
	for _, alert := range openAlerts {
		if alert.AlertType != model.AlertHealth {
			continue
		}
		recs, err := m.store.ListHealthChecksByService(alert.ServiceID)
		if err != nil {
			return err
		}
		if consecutiveHealthy(recs, m.cfg.RecoveryConsecutive, 5*time.Minute) {
			if err := m.resolve(alert); err != nil {
				return err
			}
		}
	}
	return nil
}

func (m *Monitor) resolve(alert *model.Alert) error {
	return m.alerts.Resolve(alert)
}

// consecutiveHealthy reports whether the most recent n probes within
// window are all healthy, newest first.
func consecutiveHealthy(recs []*model.HealthCheckRecord, n int, window time.Duration) bool {
	cutoff := time.Now().Add(-window)
	var recent []*model.HealthCheckRecord
	for _, r := range recs {
		if r.Timestamp.After(cutoff) {
			recent = append(recent, r)
		}
	}
	if len(recent) < n {
		return false
	}
	// sort newest first
	for i := 0; i < len(recent); i++ {
		for j := i + 1; j < len(recent); j++ {
			if recent[j].Timestamp.After(recent[i].Timestamp) {
				recent[i], recent[j] = recent[j], recent[i]
			}
		}
	}
	for i := 0; i < n; i++ {
		if recent[i].Status != model.HealthHealthy {
			return false
		}
	}
	return true
}

// StartupProbe performs the Orchestrator's inline startup probe: up to
// maxRetries attempts at 2s intervals, succeeding as soon as one probe
// returns healthy.
func (m *Monitor) StartupProbe(ctx context.Context, stack *model.Stack, svc model.ServiceSpec, maxRetries int) error {
	if maxRetries <= 0 {
		maxRetries = 30
	}
	var last *model.HealthCheckRecord
	for attempt := 0; attempt < maxRetries; attempt++ {
		last = m.probeService(ctx, stack, svc)
		if last.Status == model.HealthHealthy {
			return nil
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(2 * time.Second):
		}
	}
	msg := "no successful probe"
	if last != nil {
		msg = fmt.Sprintf("%s: %s", last.Status, last.ErrorMessage)
	}
	return fmt.Errorf("startup health check failed for %s: %s", svc.Name, msg)
}
