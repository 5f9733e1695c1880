package quota_test

import (
	"testing"

	"github.com/deployerd/deployerd/internal/model"
	"github.com/deployerd/deployerd/internal/quota"
	"github.com/deployerd/deployerd/internal/store"
	"github.com/deployerd/deployerd/internal/testutil"
)

// TestCheckDeniesOverQuota models how the orchestrator actually calls
// Check: a single stack (the one-stack-per-project-per-environment
// invariant forbids a sibling in the same tuple) whose own existing
// service already uses 1.8 of a 2.0 CPU quota, redeploying with a
// prospective total (existing + new service) of 2.3 cores. excludeStackID
// is the stack's own ID, matching buildAndDeploy's call shape, so the
// sum-of-siblings term is zero here by construction - the requested
// amount must already include the stack's own usage.
func TestCheckDeniesOverQuota(t *testing.T) {
	db := testutil.OpenStore(t)
	stacks := store.NewStackStore(db)
	g := quota.New(stacks)

	if err := stacks.CreateStack(&model.Stack{
		ID:          "self",
		ProjectID:   "proj",
		Environment: model.EnvironmentProduction,
		Status:      model.StackStatusRunning,
		Usage:       model.ResourceUsage{CPUCores: 1.8},
	}); err != nil {
		t.Fatalf("create stack: %v", err)
	}

	quotas := model.ResourceQuotas{CPUCores: 2.0}
	res, err := g.Check("proj", model.EnvironmentProduction, "self", model.ResourceUsage{CPUCores: 2.3}, quotas)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if res.Allowed {
		t.Fatalf("expected denial, got allowed with violations %v", res.Violations)
	}
	if len(res.Violations) != 1 || res.Violations[0] != "CPU limit exceeded: 2.3 > 2" {
		t.Fatalf("unexpected violations: %v", res.Violations)
	}
}

func TestCheckAllowsWithinQuota(t *testing.T) {
	db := testutil.OpenStore(t)
	stacks := store.NewStackStore(db)
	g := quota.New(stacks)

	quotas := model.ResourceQuotas{CPUCores: 2.0, MemoryBytes: 4 << 30, MaxReplicas: 10, MaxServices: 5}
	res, err := g.Check("proj", model.EnvironmentProduction, "", model.ResourceUsage{CPUCores: 1.0, Replicas: 2, Services: 1}, quotas)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected allowed, got violations %v", res.Violations)
	}
}

func TestCheckExcludesTargetStack(t *testing.T) {
	db := testutil.OpenStore(t)
	stacks := store.NewStackStore(db)
	g := quota.New(stacks)

	if err := stacks.CreateStack(&model.Stack{
		ID:          "self",
		ProjectID:   "proj",
		Environment: model.EnvironmentProduction,
		Status:      model.StackStatusRunning,
		Usage:       model.ResourceUsage{CPUCores: 1.9},
	}); err != nil {
		t.Fatalf("create stack: %v", err)
	}

	quotas := model.ResourceQuotas{CPUCores: 2.0}
	res, err := g.Check("proj", model.EnvironmentProduction, "self", model.ResourceUsage{CPUCores: 0.5}, quotas)
	if err != nil {
		t.Fatalf("check: %v", err)
	}
	if !res.Allowed {
		t.Fatalf("expected self-exclusion to keep this under quota, got %v", res.Violations)
	}
}

func TestUsageFromComposeSumsAcrossReplicas(t *testing.T) {
	cfg := model.ComposeConfig{Services: []model.ServiceSpec{
		{Name: "app", Replicas: 2, CPULimit: "0.5", MemoryLimit: "256m"},
		{Name: "worker", Replicas: 0, CPULimit: "1"},
	}}
	usage, err := quota.UsageFromCompose(cfg)
	if err != nil {
		t.Fatalf("usage from compose: %v", err)
	}
	if usage.Services != 2 {
		t.Fatalf("services = %d, want 2", usage.Services)
	}
	if usage.Replicas != 3 {
		t.Fatalf("replicas = %d, want 3 (2 + default 1)", usage.Replicas)
	}
	if usage.CPUCores != 2.0 {
		t.Fatalf("cpu cores = %v, want 2.0 (0.5*2 + 1*1)", usage.CPUCores)
	}
}
