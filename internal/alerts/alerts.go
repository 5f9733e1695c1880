// Package alerts is the open/resolve/de-dup logic shared by the Health
// Monitor and Metrics Collector, plus the in-process fan-out that hands
// a freshly opened alert to the send-alert-notification enqueue path.
// The fan-out is a buffered-channel pub/sub adapted from pkg/events.Broker,
// repurposed from cluster events to alert notifications (see DESIGN.md).
package alerts

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/deployerd/deployerd/internal/metrics"
	"github.com/deployerd/deployerd/internal/model"
)

// cooldown is the minimum interval between successive notifications for
// a still-open alert of the same (scope, type); it does not gate opening.
const cooldown = 5 * time.Minute

// Store is the persistence surface this package needs.
type Store interface {
	PutAlert(alert *model.Alert) error
	GetOpenAlert(scope string, alertType model.AlertType) (*model.Alert, error)
	ListOpenAlerts() ([]*model.Alert, error)
}

// Notifier enqueues a send-alert-notification job; implemented by
// internal/queue.Driver.
type Notifier interface {
	EnqueueAlertNotification(alert model.AlertNotification, priority int) error
}

// Bus opens/resolves alerts with de-duplication and fans newly opened
// alerts out to subscribers (the notifier, metrics).
type Bus struct {
	store    Store
	notifier Notifier

	mu          sync.RWMutex
	subscribers map[chan *model.Alert]struct{}
}

// New builds a Bus.
func New(store Store, notifier Notifier) *Bus {
	return &Bus{store: store, notifier: notifier, subscribers: map[chan *model.Alert]struct{}{}}
}

// Subscribe returns a channel that receives every alert this Bus opens,
// buffered so a slow subscriber cannot block Open.
func (b *Bus) Subscribe() chan *model.Alert {
	ch := make(chan *model.Alert, 50)
	b.mu.Lock()
	b.subscribers[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

// Unsubscribe removes and closes a subscription.
func (b *Bus) Unsubscribe(ch chan *model.Alert) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subscribers[ch]; ok {
		delete(b.subscribers, ch)
		close(ch)
	}
}

func (b *Bus) broadcast(alert *model.Alert) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subscribers {
		select {
		case ch <- alert:
		default:
		}
	}
}

// Open opens a new alert for (scope, alertType) unless one is already
// open, per the invariant "no two open alerts share (scope, alertType)
// simultaneously": an open alert for the same scope/type is never
// duplicated, regardless of how long it has been open. The cool-down
// only throttles how often a still-open condition re-sends its
// send-alert-notification job, since the condition being sampled (CPU,
// memory, ...) can keep tripping the same threshold every sweep. A
// critical alert is enqueued at priority 1; warnings at default
// priority.
func (b *Bus) Open(ctx context.Context, scope string, stackID, serviceID string, alertType model.AlertType, severity model.AlertSeverity, message string, threshold, current float64) error {
	existing, err := b.store.GetOpenAlert(scope, alertType)
	if err != nil {
		return err
	}
	if existing != nil {
		if time.Since(existing.LastNotifiedAt) < cooldown {
			return nil
		}
		existing.CurrentValue = current
		existing.Message = message
		existing.LastNotifiedAt = time.Now()
		if err := b.store.PutAlert(existing); err != nil {
			return err
		}
		return b.notify(existing)
	}

	alert := &model.Alert{
		ID:             uuid.NewString(),
		StackID:        stackID,
		ServiceID:      serviceID,
		AlertType:      alertType,
		Severity:       severity,
		Threshold:      threshold,
		CurrentValue:   current,
		Message:        message,
		CreatedAt:      time.Now(),
		LastNotifiedAt: time.Now(),
	}
	if err := b.store.PutAlert(alert); err != nil {
		return err
	}

	metrics.OpenAlertsTotal.WithLabelValues(string(alertType), string(severity)).Inc()
	b.broadcast(alert)

	return b.notify(alert)
}

func (b *Bus) notify(alert *model.Alert) error {
	if b.notifier == nil {
		return nil
	}
	priority := 5
	if alert.Severity == model.SeverityCritical {
		priority = 1
	}
	return b.notifier.EnqueueAlertNotification(model.AlertNotification{
		StackID:      alert.StackID,
		ServiceID:    alert.ServiceID,
		AlertType:    alert.AlertType,
		Severity:     alert.Severity,
		Message:      alert.Message,
		Threshold:    alert.Threshold,
		CurrentValue: alert.CurrentValue,
	}, priority)
}

// Resolve marks an open alert resolved.
func (b *Bus) Resolve(alert *model.Alert) error {
	if alert.IsResolved {
		return nil
	}
	alert.IsResolved = true
	alert.ResolvedAt = time.Now()
	if err := b.store.PutAlert(alert); err != nil {
		return err
	}
	metrics.OpenAlertsTotal.WithLabelValues(string(alert.AlertType), string(alert.Severity)).Dec()
	return nil
}

// Scope returns the dedup key for a stack/service pair, mirroring
// model.Alert.Scope.
func Scope(stackID, serviceID string) string {
	if serviceID != "" {
		return fmt.Sprintf("%s/%s", stackID, serviceID)
	}
	return stackID
}
