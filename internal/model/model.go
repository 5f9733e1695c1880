// Package model defines the persistent entities this control plane
// manages: deployments, stacks, jobs, certificates, health/metric time
// series, and alerts.
package model

import "time"

// Environment is the deployment target tier.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentPreview     Environment = "preview"
	EnvironmentDevelopment Environment = "development"
)

// DeploymentStatus is the coarse-grained lifecycle state of a Deployment.
type DeploymentStatus string

const (
	DeploymentStatusQueued    DeploymentStatus = "queued"
	DeploymentStatusBuilding  DeploymentStatus = "building"
	DeploymentStatusDeploying DeploymentStatus = "deploying"
	DeploymentStatusSuccess   DeploymentStatus = "success"
	DeploymentStatusFailed    DeploymentStatus = "failed"
	DeploymentStatusCancelled DeploymentStatus = "cancelled"
)

// DeploymentPhase is the fine-grained progress tag within DeploymentStatus,
// exposed to external observers (UI) alongside the job's own progress.
type DeploymentPhase string

const (
	PhaseQueued        DeploymentPhase = "queued"
	PhasePullingSource DeploymentPhase = "pulling_source"
	PhaseBuilding      DeploymentPhase = "building"
	PhaseCopyingFiles  DeploymentPhase = "copying_files"
	PhaseDeploying     DeploymentPhase = "deploying"
	PhaseActive        DeploymentPhase = "active"
	PhaseFailed        DeploymentPhase = "failed"
	PhaseCancelled     DeploymentPhase = "cancelled"
)

// Deployment is one attempt to bring a service to a running state.
type Deployment struct {
	ID        string
	ServiceID string
	ProjectID string

	Environment Environment
	Status      DeploymentStatus
	Phase       DeploymentPhase
	Progress    int

	SourceSpec  SourceSpec
	TriggeredBy string

	CreatedAt      time.Time
	BuildStartedAt time.Time
	DeployedAt     time.Time

	ContainerID string
	ImageTag    string
	DomainURL   string
	Commit      string
	Branch      string

	Error string
}

// StackStatus is the observed convergence state of a Stack.
type StackStatus string

const (
	StackStatusCreating StackStatus = "creating"
	StackStatusRunning  StackStatus = "running"
	StackStatusUpdating StackStatus = "updating"
	StackStatusPaused   StackStatus = "paused"
	StackStatusRemoving StackStatus = "removing"
	StackStatusFailed   StackStatus = "failed"
)

// ResourceQuotas bounds what a project/environment's stack may request.
// Quantities mirror the Swarm Driver's own units: cores and bytes.
type ResourceQuotas struct {
	CPUCores     float64
	MemoryBytes  int64
	MaxReplicas  int
	MaxServices  int
}

// ResourceUsage is a point-in-time snapshot of what a stack is consuming.
type ResourceUsage struct {
	CPUCores    float64
	MemoryBytes int64
	Replicas    int
	Services    int
}

// DomainMapping binds an external domain to a service/port inside a stack.
type DomainMapping struct {
	Domain      string
	ServiceName string
	Port        int
	CertResolver string // not read by the Traefik Renderer, which uses RenderInput.CertResolver
}

// ServiceSpec is the desired configuration of one service within a stack's
// compose config - the minimal shape the Swarm Driver and Traefik Renderer
// both need.
type ServiceSpec struct {
	Name        string
	Image       string
	Command     []string
	Env         []string
	Replicas    int
	Ports       []PortSpec
	Volumes     []string
	Networks    []string
	Labels      map[string]string
	CPULimit    string // e.g. "1.5"
	MemoryLimit string // e.g. "512m", "1Gi"
	Domains     []string
	IsStatic    bool
	StaticPath  string
}

// PortSpec is a single published port.
type PortSpec struct {
	ContainerPort int
	Protocol      string // "tcp" or "udp"
}

// ComposeConfig is the Stack's desired configuration: the set of services
// that should exist under the stack's namespace.
type ComposeConfig struct {
	Services []ServiceSpec
}

// Stack is the deployed unit on Swarm: a namespaced set of services.
type Stack struct {
	ID          string
	Name        string // "<project>-<environment>" or "<project>-<service>"
	ProjectID   string
	Environment Environment

	ComposeConfig  ComposeConfig
	ResourceQuotas ResourceQuotas
	DomainMappings []DomainMapping

	Status         StackStatus
	LastDeployedAt time.Time
	LastHealthCheck time.Time
	// HealthSummary is the Health Monitor's latest rollup: "healthy"
	// (>=90% of services healthy), "degraded" (>=50%), "unhealthy", or
	// "unknown" when the stack has no probed (non-static) services.
	HealthSummary string
	ErrorMessage   string

	Usage ResourceUsage
}

// JobKind enumerates the payload shapes the Queue Driver dispatches.
type JobKind string

const (
	JobKindDeploy               JobKind = "deploy"
	JobKindRollback             JobKind = "rollback"
	JobKindUpdate               JobKind = "update"
	JobKindRemove               JobKind = "remove"
	JobKindScale                JobKind = "scale"
	JobKindBuild                JobKind = "build"
	JobKindCleanup              JobKind = "cleanup"
	JobKindHealthCheck          JobKind = "health-check"
	JobKindRenewCertificate     JobKind = "renew-certificate"
	JobKindDeployUpload         JobKind = "deploy-upload"
	JobKindUpdateTraefikConfig JobKind = "update-traefik-config"
	JobKindSendAlertNotification JobKind = "send-alert-notification"
)

// JobStatus is the lifecycle state of a queued unit of work.
type JobStatus string

const (
	JobStatusWaiting   JobStatus = "waiting"
	JobStatusDelayed   JobStatus = "delayed"
	JobStatusActive    JobStatus = "active"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
	JobStatusCancelled JobStatus = "cancelled"
)

// BackoffType selects how retry delay grows with attempt count.
type BackoffType string

const (
	BackoffFixed       BackoffType = "fixed"
	BackoffExponential BackoffType = "exponential"
)

// Backoff describes the retry delay policy for a job.
type Backoff struct {
	Type     BackoffType
	BaseDelay time.Duration
}

// Job is a durable unit of work claimed and executed by the Queue Driver.
type Job struct {
	ID       string
	Kind     JobKind
	Payload  []byte // stable (JSON) serialization of a kind-specific struct

	Status   JobStatus
	Progress int
	Attempts int

	Priority int // lower runs earlier
	Delay    time.Duration
	MaxAttempts int
	Backoff     Backoff

	RemoveOnComplete int
	RemoveOnFail     int

	DeploymentID string
	StackID      string

	CreatedAt   time.Time
	StartedAt   time.Time
	FinishedAt  time.Time
	EligibleAt  time.Time // waiting/delayed jobs become claimable at this time
	ClaimedBy   string
	ClaimExpiry time.Time

	Error  string
	Result []byte
	Logs   []string
}

// RenewalStatus is the lifecycle of a single certificate renewal attempt.
type RenewalStatus string

const (
	RenewalPending    RenewalStatus = "pending"
	RenewalInProgress RenewalStatus = "in-progress"
	RenewalCompleted  RenewalStatus = "completed"
	RenewalFailed     RenewalStatus = "failed"
)

// SSLCertificate tracks one domain's certificate lifecycle. Traefik itself
// performs the ACME handshake; this row only records observed outcomes.
type SSLCertificate struct {
	Domain    string // primary key
	ProjectID string
	Issuer    string
	AutoRenew bool

	ExpiresAt           time.Time
	RenewalStatus       RenewalStatus
	LastRenewalAttempt  time.Time
	ErrorMessage        string

	CertPath string
	KeyPath  string

	SANs        []string
	Fingerprint string
	SerialNumber string
	Valid       bool
}

// HealthStatus is the outcome of a single probe.
type HealthStatus string

const (
	HealthHealthy   HealthStatus = "healthy"
	HealthUnhealthy HealthStatus = "unhealthy"
	HealthTimeout   HealthStatus = "timeout"
	HealthError     HealthStatus = "error"
	HealthUnknown   HealthStatus = "unknown"
)

// HealthCheckRecord is one append-only probe outcome.
type HealthCheckRecord struct {
	ID        string
	ServiceID string
	StackID   string
	Timestamp time.Time

	Endpoint     string
	Status       HealthStatus
	ResponseTime time.Duration
	StatusCode   int
	ErrorMessage string
}

// MetricRecord is one append-only resource-usage sample.
type MetricRecord struct {
	ID        string
	StackID   string
	ServiceID string
	Timestamp time.Time

	CPUPercent  float64
	MemoryBytes int64
	NetRxBytes  int64
	NetTxBytes  int64
	DiskReadMiB float64
	DiskWriteMiB float64
}

// AlertType classifies what condition raised an Alert.
type AlertType string

const (
	AlertCPU         AlertType = "cpu"
	AlertMemory      AlertType = "memory"
	AlertStorage     AlertType = "storage"
	AlertNetwork     AlertType = "network"
	AlertHealth      AlertType = "health"
	AlertCertificate AlertType = "certificate"
)

// AlertSeverity is how urgently an Alert should be surfaced.
type AlertSeverity string

const (
	SeverityWarning  AlertSeverity = "warning"
	SeverityCritical AlertSeverity = "critical"
)

// Alert is an open or resolved condition on a stack/service scope.
// Invariant: no two open alerts share (scope, AlertType) simultaneously.
type Alert struct {
	ID        string
	StackID   string
	ServiceID string

	AlertType AlertType
	Severity  AlertSeverity
	Threshold    float64
	CurrentValue float64
	Message      string

	CreatedAt       time.Time
	LastNotifiedAt  time.Time
	IsResolved      bool
	ResolvedAt      time.Time
}

// Scope returns the (stackID/serviceID, type) dedup key for this alert.
func (a *Alert) Scope() string {
	if a.ServiceID != "" {
		return a.StackID + "/" + a.ServiceID
	}
	return a.StackID
}
