// Package certs is the Certificate Coordinator: it tracks SSLCertificate
// rows, runs the daily expiry scan and 6h file-validation sweep, and
// records renewal outcomes. Traefik itself performs the ACME handshake;
// this package never calls lego's client/registration API, only its
// certcrypto PEM parsing helper to read back what Traefik wrote to disk.
// The expiry threshold logic follows pkg/ingress/acme.go's
// CheckAndRenewCertificates, repointed away from driving the ACME
// protocol itself (see DESIGN.md).
package certs

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"encoding/pem"
	"fmt"
	"os"
	"time"

	"github.com/go-acme/lego/v4/certcrypto"
	"github.com/rs/zerolog"

	"github.com/deployerd/deployerd/internal/alerts"
	"github.com/deployerd/deployerd/internal/errs"
	"github.com/deployerd/deployerd/internal/interfaces"
	"github.com/deployerd/deployerd/internal/metrics"
	"github.com/deployerd/deployerd/internal/model"
)

const (
	expiryWarnWindow   = 30 * 24 * time.Hour
	expiryRenewWindow  = 7 * 24 * time.Hour
	renewalMaxAttempts = 5
	renewalBaseDelay   = 10 * time.Second
)

// CertStore is the persistence surface this coordinator needs.
type CertStore interface {
	Put(cert *model.SSLCertificate) error
	Get(domain string) (*model.SSLCertificate, error)
	List() ([]*model.SSLCertificate, error)
}

// Enqueuer schedules a renew-certificate job; implemented by
// internal/queue.Driver.
type Enqueuer interface {
	EnqueueRenewCertificate(domain string, priority int, attempts int, baseDelay time.Duration) error
}

// AlertOpener is the alert fan-out surface (internal/alerts.Bus), used to
// surface a critical alert whenever a renewal outcome is recorded as
// failed, including a failed attempt the job will still retry.
type AlertOpener interface {
	Open(ctx context.Context, scope string, stackID, serviceID string, alertType model.AlertType, severity model.AlertSeverity, message string, threshold, current float64) error
}

// Coordinator is the interfaces.CertCoordinator implementation.
type Coordinator struct {
	store  CertStore
	queue  Enqueuer
	alerts AlertOpener
	logger zerolog.Logger
}

// New builds a Coordinator.
func New(store CertStore, queue Enqueuer, alerts AlertOpener, logger zerolog.Logger) *Coordinator {
	return &Coordinator{store: store, queue: queue, alerts: alerts, logger: logger}
}

// ExpiryScan runs the daily scan: certs within 7 days of
// expiry (and autoRenew) get a renew-certificate job at priority 1 with
// exponential backoff; between 7 and 30 days only a warning is logged.
func (c *Coordinator) ExpiryScan(ctx context.Context) error {
	certList, err := c.store.List()
	if err != nil {
		return fmt.Errorf("list certificates: %w", err)
	}

	now := time.Now()
	for _, cert := range certList {
		if !cert.AutoRenew {
			continue
		}
		remaining := cert.ExpiresAt.Sub(now)
		switch {
		case remaining <= expiryRenewWindow:
			c.logger.Info().Str("domain", cert.Domain).Dur("remaining", remaining).Msg("certificate nearing expiry, scheduling renewal")
			if err := c.RenewCertificate(ctx, cert.Domain); err != nil {
				c.logger.Error().Err(err).Str("domain", cert.Domain).Msg("failed to schedule certificate renewal")
			}
		case remaining <= expiryWarnWindow:
			c.logger.Warn().Str("domain", cert.Domain).Dur("remaining", remaining).Msg("certificate expires within 30 days")
		}
	}
	return nil
}

// FileValidation runs the 6h sweep: parse each on-disk cert,
// refresh ExpiresAt/SANs/fingerprint, mark invalid if unreadable/expired.
func (c *Coordinator) FileValidation(ctx context.Context) error {
	certList, err := c.store.List()
	if err != nil {
		return fmt.Errorf("list certificates: %w", err)
	}

	for _, cert := range certList {
		if cert.CertPath == "" {
			continue
		}
		parsed, err := ParseCertFile(cert.CertPath)
		if err != nil {
			cert.Valid = false
			cert.ErrorMessage = err.Error()
			_ = c.store.Put(cert)
			continue
		}

		cert.ExpiresAt = parsed.NotAfter
		cert.SANs = parsed.DNSNames
		cert.Fingerprint = parsed.Fingerprint
		cert.SerialNumber = parsed.SerialNumber
		cert.Valid = parsed.NotAfter.After(time.Now())
		if cert.Valid && cert.RenewalStatus == model.RenewalInProgress {
			cert.RenewalStatus = model.RenewalCompleted
		}
		if err := c.store.Put(cert); err != nil {
			return err
		}
	}
	return nil
}

// RenewCertificate transitions pending->in-progress and enqueues the
// renewal job.
func (c *Coordinator) RenewCertificate(ctx context.Context, domain string) error {
	cert, err := c.store.Get(domain)
	if err != nil {
		return err
	}
	cert.RenewalStatus = model.RenewalInProgress
	cert.LastRenewalAttempt = time.Now()
	if err := c.store.Put(cert); err != nil {
		return err
	}
	if c.queue == nil {
		return nil
	}
	metrics.CertificateRenewalsTotal.WithLabelValues("scheduled").Inc()
	return c.queue.EnqueueRenewCertificate(domain, 1, renewalMaxAttempts, renewalBaseDelay)
}

// RecordRenewalOutcome is called by the renew-certificate job handler
// once Traefik's own ACME renewal is observed (via a subsequent file
// validation, or an explicit failure signal from the handler).
func (c *Coordinator) RecordRenewalOutcome(ctx context.Context, domain string, err error) error {
	cert, getErr := c.store.Get(domain)
	if getErr != nil {
		return getErr
	}
	if err == nil {
		cert.RenewalStatus = model.RenewalCompleted
		cert.ErrorMessage = ""
		metrics.CertificateRenewalsTotal.WithLabelValues("success").Inc()
		return c.store.Put(cert)
	}

	cert.RenewalStatus = model.RenewalFailed
	cert.ErrorMessage = err.Error()
	cert.Valid = false
	metrics.CertificateRenewalsTotal.WithLabelValues("failure").Inc()
	if putErr := c.store.Put(cert); putErr != nil {
		return putErr
	}

	if c.alerts != nil {
		_ = c.alerts.Open(ctx, alerts.Scope("", domain), "", domain, model.AlertCertificate, model.SeverityCritical,
			fmt.Sprintf("certificate renewal failed for %s: %v", domain, err), 0, 0)
	}
	return fmt.Errorf("%w: %s: %v", errs.ErrRenewalFailed, domain, err)
}

// HandleRenewCertificate is the JobKindRenewCertificate handler. Traefik
// performs the actual ACME renewal in the background; this handler
// records whatever it observes on disk as the outcome. The job is
// eligible as soon as RenewCertificate enqueues it; its 10s exponential
// backoff only spaces out the retries after a failed observation.
func (c *Coordinator) HandleRenewCertificate(ctx context.Context, job *model.Job) (model.JobResult, error) {
	var payload model.RenewCertificatePayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return model.JobResult{}, fmt.Errorf("%w: %v", errs.ErrNotSerializable, err)
	}

	cert, err := c.store.Get(payload.Domain)
	if err != nil {
		return model.JobResult{}, fmt.Errorf("load certificate %s: %w", payload.Domain, err)
	}

	var outcome error
	if cert.CertPath == "" {
		outcome = fmt.Errorf("no certificate path recorded for %s", payload.Domain)
	} else if parsed, parseErr := ParseCertFile(cert.CertPath); parseErr != nil {
		outcome = parseErr
	} else if !parsed.NotAfter.After(time.Now().Add(expiryRenewWindow)) {
		outcome = fmt.Errorf("certificate for %s still expires within the renewal window", payload.Domain)
	}

	if err := c.RecordRenewalOutcome(ctx, payload.Domain, outcome); err != nil {
		return model.JobResult{Success: false, Message: err.Error()}, err
	}
	return model.JobResult{Success: true, Message: "certificate renewal observed"}, nil
}

// ParsedCert is the subset of an x509 certificate's fields the file
// validation sweep persists.
type ParsedCert struct {
	NotAfter     time.Time
	DNSNames     []string
	Fingerprint  string
	SerialNumber string
}

// ParseCertFile reads and parses a PEM certificate from disk, computing a
// SHA-256 fingerprint the way the rest of the ecosystem displays cert
// fingerprints.
func ParseCertFile(path string) (*ParsedCert, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read certificate %s: %w", path, err)
	}
	block, _ := pem.Decode(data)
	if block == nil {
		return nil, fmt.Errorf("no PEM block found in %s", path)
	}
	cert, err := certcrypto.ParsePEMCertificate(block)
	if err != nil {
		return nil, fmt.Errorf("parse certificate %s: %w", path, err)
	}
	sum := sha256.Sum256(cert.Raw)
	return &ParsedCert{
		NotAfter:     cert.NotAfter,
		DNSNames:     cert.DNSNames,
		Fingerprint:  fmt.Sprintf("%x", sum),
		SerialNumber: cert.SerialNumber.String(),
	}, nil
}

var _ interfaces.CertCoordinator = (*Coordinator)(nil)
