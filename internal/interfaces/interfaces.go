// Package interfaces breaks the circular dependency between the
// Orchestrator and its collaborators (Job Store, Stack Store, Swarm
// Driver, Traefik Renderer, Cert Coordinator): the Orchestrator depends
// on these interfaces, concrete implementations are wired together in
// cmd/deployerd.
package interfaces

import (
	"context"
	"time"

	"github.com/deployerd/deployerd/internal/model"
)

// JobStore is the durable record of every queued/active/finished job.
type JobStore interface {
	Enqueue(job *model.Job) error
	Claim(ctx context.Context, workerID string) (*model.Job, error)
	Heartbeat(jobID, workerID string, extend time.Duration) error
	Progress(jobID string, pct int) error
	Complete(jobID string, result []byte) error
	Fail(jobID string, jobErr error) error
	Cancel(jobID string) error
	Retry(jobID string) error
	Get(jobID string) (*model.Job, error)
	ListByKind(kind model.JobKind) ([]*model.Job, error)
	ListByStatus(status model.JobStatus) ([]*model.Job, error)
	Counts() (map[model.JobStatus]int, error)
	RequeueStaleClaims(ctx context.Context) (int, error)
	GC(retainCompleted, retainFailed int) error
}

// StackStore is the durable state of every managed stack.
type StackStore interface {
	CreateStack(stack *model.Stack) error
	GetStack(id string) (*model.Stack, error)
	GetStackByProjectEnv(projectID string, env model.Environment) (*model.Stack, error)
	ListStacks() ([]*model.Stack, error)
	ListRunningStacks() ([]*model.Stack, error)
	UpdateStack(stack *model.Stack) error
	DeleteStack(id string) error
}

// DeploymentStore is the durable record of every deployment attempt.
type DeploymentStore interface {
	CreateDeployment(d *model.Deployment) error
	GetDeployment(id string) (*model.Deployment, error)
	ListDeploymentsByService(serviceID string) ([]*model.Deployment, error)
	UpdateDeployment(d *model.Deployment) error
}

// ServiceStatus is one service's observed state within a stack, as
// reported by the Swarm Driver's status query.
type ServiceStatus struct {
	Name     string
	Desired  int
	Current  int
	Updated  int
	Status   string // "running" | "deploying" | "stopped"
	Ports    []model.PortSpec
}

// StackObservation is the aggregate result of status(stack).
type StackObservation struct {
	Services []ServiceStatus
	Overall  string // "running" | "deploying" | "stopped"
}

// SwarmDriver converges a stack's desired compose config with Docker
// Swarm's observed state.
type SwarmDriver interface {
	Converge(ctx context.Context, stack *model.Stack) error
	Scale(ctx context.Context, stack *model.Stack, replicas map[string]int) error
	Remove(ctx context.Context, stack *model.Stack) error
	Status(ctx context.Context, stack *model.Stack) (*StackObservation, error)
}

// TraefikRenderer produces dynamic routing configuration from a stack's
// domain mappings and services.
type TraefikRenderer interface {
	Render(input RenderInput) (string, error)
	UpdateDomainMappings(ctx context.Context, stackID string, mappings []model.DomainMapping) error
}

// RenderInput is the pure-function input to Render.
type RenderInput struct {
	ProjectID   string
	Environment model.Environment
	StackName   string
	Services    []model.ServiceSpec
	CertResolver string
}

// CertCoordinator tracks certificate lifetimes and schedules renewals.
type CertCoordinator interface {
	ExpiryScan(ctx context.Context) error
	FileValidation(ctx context.Context) error
	RenewCertificate(ctx context.Context, domain string) error
}
