// Package jobs holds the job-kind handlers that don't belong to any
// single collaborator package: cleanup needs both the Stack Store and
// the Swarm Driver, the on-demand health check is a thin wrapper over
// the Health Monitor's sweep, and alert delivery has no collaborator of
// its own since the actual send is external (see DESIGN.md). Grounded
// on the same per-kind handler method shape internal/orchestrator and
// internal/certs already use for their own job kinds.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/deployerd/deployerd/internal/errs"
	"github.com/deployerd/deployerd/internal/health"
	"github.com/deployerd/deployerd/internal/interfaces"
	"github.com/deployerd/deployerd/internal/model"
	"github.com/deployerd/deployerd/internal/swarm"
)

// Handlers groups the job kinds that span more than one collaborator.
type Handlers struct {
	stacks interfaces.StackStore
	swarm  *swarm.Driver
	health *health.Monitor
	logger zerolog.Logger
}

// New builds a Handlers.
func New(stacks interfaces.StackStore, swarmDriver *swarm.Driver, healthMonitor *health.Monitor, logger zerolog.Logger) *Handlers {
	return &Handlers{stacks: stacks, swarm: swarmDriver, health: healthMonitor, logger: logger}
}

// HandleCleanup is the JobKindCleanup handler: scoped removal of unused
// images/stopped containers/dangling networks/volumes under one stack's
// namespace, per the requested CleanupType.
func (h *Handlers) HandleCleanup(ctx context.Context, job *model.Job) (model.JobResult, error) {
	var payload model.CleanupPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return model.JobResult{}, fmt.Errorf("%w: %v", errs.ErrNotSerializable, err)
	}

	stack, err := h.stacks.GetStack(payload.StackID)
	if err != nil {
		return model.JobResult{}, fmt.Errorf("load stack %s: %w", payload.StackID, err)
	}

	result, err := h.swarm.Cleanup(ctx, stack, payload.CleanupType)
	if err != nil {
		return model.JobResult{Success: false, Message: err.Error()}, err
	}

	removed := len(result.Images) + len(result.Containers) + len(result.Networks) + len(result.Volumes)
	h.logger.Info().
		Str("stack", stack.Name).
		Str("cleanup_type", string(payload.CleanupType)).
		Int("removed", removed).
		Msg("cleanup completed")

	return model.JobResult{
		Success: true,
		Message: fmt.Sprintf("removed %d resources", removed),
		AdditionalFields: map[string]any{
			"images":     result.Images,
			"containers": result.Containers,
			"networks":   result.Networks,
			"volumes":    result.Volumes,
		},
	}, nil
}

// HandleHealthCheck is the JobKindHealthCheck handler: an on-demand
// single-stack probe sweep outside the Health Monitor's own 30s cadence,
// e.g. right after a manual Swarm-side restart.
func (h *Handlers) HandleHealthCheck(ctx context.Context, job *model.Job) (model.JobResult, error) {
	var payload model.HealthCheckPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return model.JobResult{}, fmt.Errorf("%w: %v", errs.ErrNotSerializable, err)
	}

	if err := h.health.SweepStack(ctx, payload.StackID); err != nil {
		return model.JobResult{Success: false, Message: err.Error()}, err
	}
	return model.JobResult{Success: true, Message: "health check complete"}, nil
}

// HandleSendAlertNotification is the JobKindSendAlertNotification
// handler. Actual delivery (email, webhook, chat) is an external
// collaborator outside this control plane's scope; this handler's job
// is to surface the notification through structured logging at a level
// matching its severity so it reaches whatever sink forwards alerts
// downstream.
func (h *Handlers) HandleSendAlertNotification(ctx context.Context, job *model.Job) (model.JobResult, error) {
	var payload model.SendAlertNotificationPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return model.JobResult{}, fmt.Errorf("%w: %v", errs.ErrNotSerializable, err)
	}

	event := h.logger.Warn()
	if payload.Alert.Severity == model.SeverityCritical {
		event = h.logger.Error()
	}
	event.
		Str("stack_id", payload.Alert.StackID).
		Str("service_id", payload.Alert.ServiceID).
		Str("alert_type", string(payload.Alert.AlertType)).
		Str("severity", string(payload.Alert.Severity)).
		Float64("threshold", payload.Alert.Threshold).
		Float64("current_value", payload.Alert.CurrentValue).
		Msg(payload.Alert.Message)

	return model.JobResult{Success: true, Message: "notification dispatched"}, nil
}
