package certs_test

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/deployerd/deployerd/internal/certs"
	"github.com/deployerd/deployerd/internal/model"
)

type fakeStore struct {
	certs map[string]*model.SSLCertificate
}

func newFakeStore(list ...*model.SSLCertificate) *fakeStore {
	s := &fakeStore{certs: map[string]*model.SSLCertificate{}}
	for _, c := range list {
		s.certs[c.Domain] = c
	}
	return s
}

func (s *fakeStore) Put(cert *model.SSLCertificate) error {
	s.certs[cert.Domain] = cert
	return nil
}

func (s *fakeStore) Get(domain string) (*model.SSLCertificate, error) {
	c, ok := s.certs[domain]
	if !ok {
		return nil, nil
	}
	return c, nil
}

func (s *fakeStore) List() ([]*model.SSLCertificate, error) {
	var out []*model.SSLCertificate
	for _, c := range s.certs {
		out = append(out, c)
	}
	return out, nil
}

type fakeEnqueuer struct {
	enqueued []string
}

func (f *fakeEnqueuer) EnqueueRenewCertificate(domain string, priority int, attempts int, baseDelay time.Duration) error {
	f.enqueued = append(f.enqueued, domain)
	return nil
}

type fakeAlertOpener struct {
	opened int
}

func (f *fakeAlertOpener) Open(ctx context.Context, scope string, stackID, serviceID string, alertType model.AlertType, severity model.AlertSeverity, message string, threshold, current float64) error {
	f.opened++
	return nil
}

func TestExpiryScanSchedulesRenewalWithinSevenDays(t *testing.T) {
	store := newFakeStore(&model.SSLCertificate{
		Domain:    "x.example.test",
		AutoRenew: true,
		ExpiresAt: time.Now().Add(5 * 24 * time.Hour),
	})
	enq := &fakeEnqueuer{}
	coord := certs.New(store, enq, &fakeAlertOpener{}, zerolog.Nop())

	if err := coord.ExpiryScan(context.Background()); err != nil {
		t.Fatalf("expiry scan: %v", err)
	}
	if len(enq.enqueued) != 1 || enq.enqueued[0] != "x.example.test" {
		t.Fatalf("expected renewal enqueued for x.example.test, got %v", enq.enqueued)
	}
	cert, _ := store.Get("x.example.test")
	if cert.RenewalStatus != model.RenewalInProgress {
		t.Fatalf("expected in-progress renewal status, got %s", cert.RenewalStatus)
	}
}

func TestExpiryScanSkipsRenewalBetweenSevenAndThirtyDays(t *testing.T) {
	store := newFakeStore(&model.SSLCertificate{
		Domain:    "y.example.test",
		AutoRenew: true,
		ExpiresAt: time.Now().Add(20 * 24 * time.Hour),
	})
	enq := &fakeEnqueuer{}
	coord := certs.New(store, enq, &fakeAlertOpener{}, zerolog.Nop())

	if err := coord.ExpiryScan(context.Background()); err != nil {
		t.Fatalf("expiry scan: %v", err)
	}
	if len(enq.enqueued) != 0 {
		t.Fatalf("expected no renewal enqueued between 7 and 30 days, got %v", enq.enqueued)
	}
}

func TestExpiryScanIgnoresAutoRenewDisabled(t *testing.T) {
	store := newFakeStore(&model.SSLCertificate{
		Domain:    "z.example.test",
		AutoRenew: false,
		ExpiresAt: time.Now().Add(1 * 24 * time.Hour),
	})
	enq := &fakeEnqueuer{}
	coord := certs.New(store, enq, &fakeAlertOpener{}, zerolog.Nop())

	if err := coord.ExpiryScan(context.Background()); err != nil {
		t.Fatalf("expiry scan: %v", err)
	}
	if len(enq.enqueued) != 0 {
		t.Fatalf("expected no renewal for autoRenew=false, got %v", enq.enqueued)
	}
}
