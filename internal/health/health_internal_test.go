package health

import (
	"testing"
	"time"

	"github.com/deployerd/deployerd/internal/model"
)

func TestHealthSummaryThresholds(t *testing.T) {
	cases := []struct {
		healthy, total int
		want           string
	}{
		{0, 0, "unknown"},
		{10, 10, "healthy"},
		{9, 10, "healthy"},
		{5, 10, "degraded"},
		{4, 10, "unhealthy"},
	}
	for _, c := range cases {
		if got := HealthSummary(c.healthy, c.total); got != c.want {
			t.Fatalf("HealthSummary(%d,%d) = %q, want %q", c.healthy, c.total, got, c.want)
		}
	}
}

func TestBuildEndpointPreferenceOrder(t *testing.T) {
	stack := &model.Stack{Name: "proj-production"}

	withDomain := model.ServiceSpec{Name: "app", Domains: []string{"app-proj.example.test"}, Ports: []model.PortSpec{{ContainerPort: 3000}}}
	if got := buildEndpoint(stack, withDomain); got != "https://app-proj.example.test/" {
		t.Fatalf("domain preference: got %q", got)
	}

	withPort := model.ServiceSpec{Name: "app", Ports: []model.PortSpec{{ContainerPort: 3000}}}
	if got := buildEndpoint(stack, withPort); got != "http://proj-production_app:3000/" {
		t.Fatalf("port fallback: got %q", got)
	}

	withPath := model.ServiceSpec{Name: "app", Domains: []string{"app-proj.example.test"}, Labels: map[string]string{"healthCheckPath": "healthz"}}
	if got := buildEndpoint(stack, withPath); got != "https://app-proj.example.test/healthz" {
		t.Fatalf("custom path: got %q", got)
	}

	none := model.ServiceSpec{Name: "app"}
	if got := buildEndpoint(stack, none); got != "" {
		t.Fatalf("expected empty endpoint when no domain or port, got %q", got)
	}
}

func TestContainsStatus(t *testing.T) {
	codes := []int{200, 204}
	if !containsStatus(codes, 200) {
		t.Fatalf("expected 200 to match")
	}
	if containsStatus(codes, 500) {
		t.Fatalf("expected 500 not to match")
	}
}

func TestConsecutiveHealthyRequiresNWithinWindow(t *testing.T) {
	now := time.Now()
	recs := []*model.HealthCheckRecord{
		{Timestamp: now.Add(-4 * time.Minute), Status: model.HealthHealthy},
		{Timestamp: now.Add(-1 * time.Minute), Status: model.HealthHealthy},
	}
	if !consecutiveHealthy(recs, 2, 5*time.Minute) {
		t.Fatalf("expected 2 consecutive healthy probes within window to pass")
	}

	withFailure := []*model.HealthCheckRecord{
		{Timestamp: now.Add(-4 * time.Minute), Status: model.HealthUnhealthy},
		{Timestamp: now.Add(-1 * time.Minute), Status: model.HealthHealthy},
	}
	if consecutiveHealthy(withFailure, 2, 5*time.Minute) {
		t.Fatalf("expected an unhealthy probe in the window to fail the check")
	}

	tooOld := []*model.HealthCheckRecord{
		{Timestamp: now.Add(-10 * time.Minute), Status: model.HealthHealthy},
		{Timestamp: now.Add(-9 * time.Minute), Status: model.HealthHealthy},
	}
	if consecutiveHealthy(tooOld, 2, 5*time.Minute) {
		t.Fatalf("expected probes outside the window to be excluded")
	}
}
