package swarm

import (
	"testing"

	"github.com/deployerd/deployerd/internal/interfaces"
	"github.com/deployerd/deployerd/internal/model"
)

func TestParseCPU(t *testing.T) {
	cases := []struct {
		in   string
		want int64
	}{
		{"1", 1e9},
		{"1.5", 1.5e9},
		{"0.25", 0.25e9},
	}
	for _, c := range cases {
		got, err := ParseCPU(c.in)
		if err != nil {
			t.Fatalf("ParseCPU(%q): %v", c.in, err)
		}
		if got != c.want {
			t.Fatalf("ParseCPU(%q) = %d, want %d", c.in, got, c.want)
		}
	}
}

func TestParseCPUInvalid(t *testing.T) {
	if _, err := ParseCPU("not-a-number"); err == nil {
		t.Fatalf("expected error for invalid cpu quantity")
	}
}

func TestServiceNameNamespacesByStack(t *testing.T) {
	if got := serviceName("proj-production", "app"); got != "proj-production_app" {
		t.Fatalf("got %q", got)
	}
}

func TestTrimStackPrefix(t *testing.T) {
	if got := trimStackPrefix("proj-production_app", "proj-production"); got != "app" {
		t.Fatalf("got %q", got)
	}
	if got := trimStackPrefix("unrelated_name", "proj-production"); got != "unrelated_name" {
		t.Fatalf("expected passthrough for non-matching prefix, got %q", got)
	}
}

func TestAllConvergedRequiresMatchingDesiredAndCurrent(t *testing.T) {
	desired := map[string]model.ServiceSpec{
		"app": {Name: "app", Replicas: 2},
	}
	converged := &interfaces.StackObservation{Services: []interfaces.ServiceStatus{
		{Name: "app", Desired: 2, Current: 2},
	}}
	if !allConverged(converged, desired) {
		t.Fatalf("expected converged when desired == current")
	}

	notYet := &interfaces.StackObservation{Services: []interfaces.ServiceStatus{
		{Name: "app", Desired: 2, Current: 1},
	}}
	if allConverged(notYet, desired) {
		t.Fatalf("expected not converged when current < desired")
	}

	missing := &interfaces.StackObservation{Services: nil}
	if allConverged(missing, desired) {
		t.Fatalf("expected not converged when service is absent entirely")
	}
}
