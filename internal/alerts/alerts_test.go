package alerts_test

import (
	"context"
	"testing"
	"time"

	"github.com/deployerd/deployerd/internal/alerts"
	"github.com/deployerd/deployerd/internal/model"
	"github.com/deployerd/deployerd/internal/store"
	"github.com/deployerd/deployerd/internal/testutil"
)

type fakeNotifier struct {
	notifications []model.AlertNotification
	priorities    []int
}

func (f *fakeNotifier) EnqueueAlertNotification(alert model.AlertNotification, priority int) error {
	f.notifications = append(f.notifications, alert)
	f.priorities = append(f.priorities, priority)
	return nil
}

func TestOpenDeduplicatesWithinCooldown(t *testing.T) {
	db := testutil.OpenStore(t)
	telemetry := store.NewTelemetryStore(db)
	notifier := &fakeNotifier{}
	bus := alerts.New(telemetry, notifier)

	scope := alerts.Scope("stack-1", "svc-1")
	if err := bus.Open(context.Background(), scope, "stack-1", "svc-1", model.AlertHealth, model.SeverityWarning, "unhealthy", 0, 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := bus.Open(context.Background(), scope, "stack-1", "svc-1", model.AlertHealth, model.SeverityWarning, "unhealthy again", 0, 1); err != nil {
		t.Fatalf("open: %v", err)
	}

	open, err := telemetry.ListOpenAlerts()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected exactly one open alert, got %d", len(open))
	}
	if len(notifier.notifications) != 1 {
		t.Fatalf("expected exactly one notification, got %d", len(notifier.notifications))
	}
}

// TestOpenPastCooldownStillDedupesButRenotifies covers the case the
// cooldown window alone cannot: a condition that is still open well past
// the 5-minute cooldown must not spawn a second open alert for the same
// (scope, alertType), even though it is allowed to re-notify.
func TestOpenPastCooldownStillDedupesButRenotifies(t *testing.T) {
	db := testutil.OpenStore(t)
	telemetry := store.NewTelemetryStore(db)
	notifier := &fakeNotifier{}
	bus := alerts.New(telemetry, notifier)

	scope := alerts.Scope("stack-1", "svc-1")
	if err := bus.Open(context.Background(), scope, "stack-1", "svc-1", model.AlertCPU, model.SeverityWarning, "cpu high", 80, 85); err != nil {
		t.Fatalf("open: %v", err)
	}

	existing, err := telemetry.GetOpenAlert(scope, model.AlertCPU)
	if err != nil || existing == nil {
		t.Fatalf("expected open alert, got %v err %v", existing, err)
	}
	firstID := existing.ID
	existing.LastNotifiedAt = time.Now().Add(-10 * time.Minute)
	if err := telemetry.PutAlert(existing); err != nil {
		t.Fatalf("put alert: %v", err)
	}

	if err := bus.Open(context.Background(), scope, "stack-1", "svc-1", model.AlertCPU, model.SeverityWarning, "cpu still high", 80, 92); err != nil {
		t.Fatalf("open: %v", err)
	}

	open, err := telemetry.ListOpenAlerts()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(open) != 1 {
		t.Fatalf("expected exactly one open alert (no duplicate past cooldown), got %d", len(open))
	}
	if open[0].ID != firstID {
		t.Fatalf("expected the original alert to persist, got a new one")
	}
	if len(notifier.notifications) != 2 {
		t.Fatalf("expected a second re-notification once past cooldown, got %d", len(notifier.notifications))
	}
}

func TestOpenCriticalUsesPriorityOne(t *testing.T) {
	db := testutil.OpenStore(t)
	telemetry := store.NewTelemetryStore(db)
	notifier := &fakeNotifier{}
	bus := alerts.New(telemetry, notifier)

	if err := bus.Open(context.Background(), alerts.Scope("stack-1", ""), "stack-1", "", model.AlertCPU, model.SeverityCritical, "cpu high", 90, 97); err != nil {
		t.Fatalf("open: %v", err)
	}
	if len(notifier.priorities) != 1 || notifier.priorities[0] != 1 {
		t.Fatalf("expected critical priority 1, got %v", notifier.priorities)
	}
}

func TestResolveClearsOpenAlert(t *testing.T) {
	db := testutil.OpenStore(t)
	telemetry := store.NewTelemetryStore(db)
	bus := alerts.New(telemetry, nil)

	scope := alerts.Scope("stack-1", "svc-1")
	if err := bus.Open(context.Background(), scope, "stack-1", "svc-1", model.AlertHealth, model.SeverityWarning, "unhealthy", 0, 1); err != nil {
		t.Fatalf("open: %v", err)
	}
	open, err := telemetry.GetOpenAlert(scope, model.AlertHealth)
	if err != nil || open == nil {
		t.Fatalf("expected open alert, got %v err %v", open, err)
	}
	if err := bus.Resolve(open); err != nil {
		t.Fatalf("resolve: %v", err)
	}
	again, err := telemetry.GetOpenAlert(scope, model.AlertHealth)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if again != nil {
		t.Fatalf("expected no open alert after resolve, got %v", again)
	}
}

func TestSubscribeReceivesOpenedAlert(t *testing.T) {
	db := testutil.OpenStore(t)
	telemetry := store.NewTelemetryStore(db)
	bus := alerts.New(telemetry, nil)

	ch := bus.Subscribe()
	defer bus.Unsubscribe(ch)

	if err := bus.Open(context.Background(), alerts.Scope("stack-1", ""), "stack-1", "", model.AlertStorage, model.SeverityWarning, "disk high", 85, 90); err != nil {
		t.Fatalf("open: %v", err)
	}

	select {
	case got := <-ch:
		if got.AlertType != model.AlertStorage {
			t.Fatalf("unexpected alert type %v", got.AlertType)
		}
	default:
		t.Fatalf("expected buffered subscriber to receive the opened alert")
	}
}

func TestScopeWithAndWithoutService(t *testing.T) {
	if got := alerts.Scope("stack-1", "svc-1"); got != "stack-1/svc-1" {
		t.Fatalf("got %q", got)
	}
	if got := alerts.Scope("stack-1", ""); got != "stack-1" {
		t.Fatalf("got %q", got)
	}
}
