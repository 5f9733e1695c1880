// Package quota is the Resource Guard: sums a project/environment's
// current stack usage with a requested delta and compares against
// per-project quotas before the Orchestrator is allowed to converge a
// stack. Quantity parsing reuses internal/swarm's CPU/memory
// conversion so the two components never disagree on what "1.5 CPU" or
// "512m" means.
package quota

import (
	"fmt"

	"github.com/docker/go-units"

	"github.com/deployerd/deployerd/internal/interfaces"
	"github.com/deployerd/deployerd/internal/model"
	"github.com/deployerd/deployerd/internal/swarm"
)

// Guard checks requested resources against a project/environment's quota.
type Guard struct {
	stacks interfaces.StackStore
}

// New builds a Guard backed by the Stack Store: current usage is summed
// from the stored Usage of every other stack row for the same
// project/environment, whatever its status, then combined with the
// requested delta.
func New(stacks interfaces.StackStore) *Guard {
	return &Guard{stacks: stacks}
}

// Result is the outcome of check(projectId, environment, requested).
type Result struct {
	Allowed    bool
	Violations []string
}

// Check sums current usage across every stack for (projectID, env) other
// than excludeStackID (the stack being updated, if any) with requested,
// and compares the total against quotas. Any violation implies not
// allowed.
func (g *Guard) Check(projectID string, env model.Environment, excludeStackID string, requested model.ResourceUsage, quotas model.ResourceQuotas) (Result, error) {
	stacks, err := g.stacks.ListStacks()
	if err != nil {
		return Result{}, err
	}

	total := requested
	for _, st := range stacks {
		if st.ID == excludeStackID {
			continue
		}
		if st.ProjectID != projectID || st.Environment != env {
			continue
		}
		total.CPUCores += st.Usage.CPUCores
		total.MemoryBytes += st.Usage.MemoryBytes
		total.Replicas += st.Usage.Replicas
		total.Services += st.Usage.Services
	}

	var violations []string
	if quotas.CPUCores > 0 && total.CPUCores > quotas.CPUCores {
		violations = append(violations, fmt.Sprintf("CPU limit exceeded: %s > %s",
			trimFloat(total.CPUCores), trimFloat(quotas.CPUCores)))
	}
	if quotas.MemoryBytes > 0 && total.MemoryBytes > quotas.MemoryBytes {
		violations = append(violations, fmt.Sprintf("memory limit exceeded: %s > %s",
			units.BytesSize(float64(total.MemoryBytes)), units.BytesSize(float64(quotas.MemoryBytes))))
	}
	if quotas.MaxReplicas > 0 && total.Replicas > quotas.MaxReplicas {
		violations = append(violations, fmt.Sprintf("replica limit exceeded: %d > %d", total.Replicas, quotas.MaxReplicas))
	}
	if quotas.MaxServices > 0 && total.Services > quotas.MaxServices {
		violations = append(violations, fmt.Sprintf("service limit exceeded: %d > %d", total.Services, quotas.MaxServices))
	}

	return Result{Allowed: len(violations) == 0, Violations: violations}, nil
}

func trimFloat(f float64) string {
	s := fmt.Sprintf("%.2f", f)
	for len(s) > 0 && s[len(s)-1] == '0' {
		s = s[:len(s)-1]
	}
	if len(s) > 0 && s[len(s)-1] == '.' {
		s = s[:len(s)-1]
	}
	return s
}

// UsageFromCompose derives a ResourceUsage from a desired compose config,
// the shape the Orchestrator passes as `requested` before calling Check.
func UsageFromCompose(cfg model.ComposeConfig) (model.ResourceUsage, error) {
	var usage model.ResourceUsage
	usage.Services = len(cfg.Services)
	for _, svc := range cfg.Services {
		replicas := svc.Replicas
		if replicas == 0 {
			replicas = 1
		}
		usage.Replicas += replicas

		if svc.CPULimit != "" {
			nano, err := swarm.ParseCPU(svc.CPULimit)
			if err != nil {
				return usage, err
			}
			usage.CPUCores += float64(nano) / 1e9 * float64(replicas)
		}
		if svc.MemoryLimit != "" {
			bytes, err := units.RAMInBytes(svc.MemoryLimit)
			if err != nil {
				return usage, fmt.Errorf("parse memory limit %q: %w", svc.MemoryLimit, err)
			}
			usage.MemoryBytes += bytes * int64(replicas)
		}
	}
	return usage, nil
}
