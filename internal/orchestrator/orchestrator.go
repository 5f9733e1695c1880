// Package orchestrator is the Deployment Orchestrator: it drives one
// deployment through queued -> pulling_source -> building ->
// copying_files -> deploying -> active, coordinating the Source
// Materializer, Builder, Resource Guard, Traefik Renderer, Swarm Driver
// and Health Monitor, and updates both the deployment row and its owning
// job's progress as it goes. The phase-by-phase structured logging and
// batch-style progress narration follow pkg/deploy.Deployer's
// rollingUpdate; the fatal-error-unwinds-to-a-terminal-state shape
// follows pkg/reconciler's failure-classification style.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/deployerd/deployerd/internal/build"
	"github.com/deployerd/deployerd/internal/errs"
	"github.com/deployerd/deployerd/internal/health"
	"github.com/deployerd/deployerd/internal/interfaces"
	"github.com/deployerd/deployerd/internal/metrics"
	"github.com/deployerd/deployerd/internal/model"
	"github.com/deployerd/deployerd/internal/quota"
	"github.com/deployerd/deployerd/internal/source"
	"github.com/deployerd/deployerd/internal/traefik"
)

// startupProbeMaxRetries * the probe's 2s interval gives a ~60s startup
// deadline for a freshly converged service to answer healthy.
const startupProbeMaxRetries = 30

// Config tunes the Orchestrator's filesystem/network-facing settings.
type Config struct {
	TraefikConfigDir       string // dynamic config file is written here as "<stack>.yml"
	StartupProbeMaxRetries int    // default 30
}

// Orchestrator wires together every collaborator a deployment touches.
// Collaborators that could otherwise import this package back (Job
// Store, Stack Store, Deployment Store, Swarm Driver, Traefik Renderer)
// are held as interfaces; the rest are concrete leaf packages.
type Orchestrator struct {
	jobs        interfaces.JobStore
	stacks      interfaces.StackStore
	deployments interfaces.DeploymentStore

	materializer *source.Materializer
	builder      *build.Builder
	guard        *quota.Guard
	traefik      interfaces.TraefikRenderer
	swarm        interfaces.SwarmDriver
	health       *health.Monitor

	logger           zerolog.Logger
	traefikConfigDir string
	startupRetries   int
}

// New builds an Orchestrator.
func New(
	jobs interfaces.JobStore,
	stacks interfaces.StackStore,
	deployments interfaces.DeploymentStore,
	materializer *source.Materializer,
	builder *build.Builder,
	guard *quota.Guard,
	traefikRenderer interfaces.TraefikRenderer,
	swarmDriver interfaces.SwarmDriver,
	healthMonitor *health.Monitor,
	cfg Config,
	logger zerolog.Logger,
) *Orchestrator {
	retries := cfg.StartupProbeMaxRetries
	if retries <= 0 {
		retries = startupProbeMaxRetries
	}
	return &Orchestrator{
		jobs:             jobs,
		stacks:           stacks,
		deployments:      deployments,
		materializer:     materializer,
		builder:          builder,
		guard:            guard,
		traefik:          traefikRenderer,
		swarm:            swarmDriver,
		health:           healthMonitor,
		logger:           logger,
		traefikConfigDir: cfg.TraefikConfigDir,
		startupRetries:   retries,
	}
}

// HandleDeploy is the JobKindDeploy handler, registered with the Queue
// Driver's dispatch table.
func (o *Orchestrator) HandleDeploy(ctx context.Context, job *model.Job) (model.JobResult, error) {
	var payload model.DeployPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return model.JobResult{}, fmt.Errorf("%w: %v", errs.ErrNotSerializable, err)
	}

	logger := o.logger.With().
		Str("deployment_id", payload.DeploymentID).
		Str("job_id", job.ID).
		Logger()

	dep, err := o.deployments.GetDeployment(payload.DeploymentID)
	if err != nil {
		return model.JobResult{}, fmt.Errorf("load deployment %s: %w", payload.DeploymentID, err)
	}

	start := time.Now()
	stack, svc, runErr := o.runDeploy(ctx, job, dep, payload, logger)

	if runErr != nil {
		if errors.Is(runErr, errs.ErrCancelled) {
			o.markCancelled(ctx, stack, svc, dep, logger)
			return model.JobResult{Success: false, Message: "cancelled"}, runErr
		}
		o.markFailed(dep, runErr, logger)
		metrics.DeploymentsTotal.WithLabelValues(string(dep.Environment), "failed").Inc()
		return model.JobResult{Success: false, Message: sanitizeLog(runErr.Error())}, runErr
	}

	metrics.DeploymentsTotal.WithLabelValues(string(dep.Environment), "success").Inc()
	metrics.DeploymentDuration.WithLabelValues(string(dep.Environment)).Observe(time.Since(start).Seconds())
	logger.Info().Msg("deployment active")
	return model.JobResult{Success: true, Message: "deployment active"}, nil
}

// runDeploy walks the state machine. Any returned error is fatal;
// cancellation is signalled via errs.ErrCancelled and handled distinctly
// from an ordinary failure by the caller. The returned stack/service are
// whatever buildAndDeploy had resolved at the point of failure, so a
// cancellation can be cleaned up without re-deriving them.
func (o *Orchestrator) runDeploy(ctx context.Context, job *model.Job, dep *model.Deployment, payload model.DeployPayload, logger zerolog.Logger) (*model.Stack, *model.ServiceSpec, error) {
	stack, err := o.resolveStack(payload.ProjectID, dep.Environment)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve stack: %w", err)
	}

	workDir := ""
	registryShortcut := payload.SourceSpec.Kind == model.SourceRegistry

	if !registryShortcut {
		if err := o.checkCancelled(job.ID); err != nil {
			return stack, nil, err
		}
		if err := o.setPhase(dep, model.PhasePullingSource, 10, model.DeploymentStatusQueued); err != nil {
			logger.Error().Err(err).Msg("failed to persist phase")
		}
		logger.Info().Str("source_kind", string(payload.SourceSpec.Kind)).Msg("materializing source")

		dir, err := o.materializer.Materialize(ctx, payload.DeploymentID, payload.SourceSpec)
		if err != nil {
			return stack, nil, fmt.Errorf("materialize source: %w", err)
		}
		workDir = dir
		defer o.materializer.Cleanup(payload.DeploymentID)
	}

	svc, err := o.buildAndDeploy(ctx, job, stack, dep, payload.ProjectID, payload.ServiceID, workDir, registryShortcut, payload.SourceSpec.Registry, logger)
	return stack, svc, err
}

// buildAndDeploy runs the shared building -> copying_files -> deploying ->
// active tail both HandleDeploy and HandleDeployUpload drive, the latter
// entering with a pre-extracted workDir and skipping pulling_source
// entirely (its payload's ExtractPath is already a materialized
// directory, not an archive to extract).
func (o *Orchestrator) buildAndDeploy(ctx context.Context, job *model.Job, stack *model.Stack, dep *model.Deployment, projectID, serviceID, workDir string, registryShortcut bool, registry *model.RegistrySource, logger zerolog.Logger) (*model.ServiceSpec, error) {
	svc := resolveService(stack, serviceID)

	if !registryShortcut {
		if err := o.checkCancelled(job.ID); err != nil {
			return svc, err
		}
		if err := o.setPhase(dep, model.PhaseBuilding, 30, model.DeploymentStatusBuilding); err != nil {
			logger.Error().Err(err).Msg("failed to persist phase")
		}

		builderKind := determineBuilderKind(*svc, workDir)
		logger.Info().Str("builder", string(builderKind)).Msg("building")

		artifact, err := o.builder.Build(ctx, build.Request{
			DeploymentID: dep.ID,
			ProjectID:    projectID,
			ServiceID:    serviceID,
			WorkDir:      workDir,
			Builder:      builderKind,
		}, func(pct int) {
			if err := o.jobs.Progress(job.ID, pct); err != nil {
				logger.Warn().Err(err).Msg("failed to report job progress")
			}
		})
		if err != nil {
			return svc, fmt.Errorf("build: %w", err)
		}

		if err := o.setPhase(dep, model.PhaseCopyingFiles, 50, model.DeploymentStatusBuilding); err != nil {
			logger.Error().Err(err).Msg("failed to persist phase")
		}
		applyArtifact(svc, dep, artifact)
	} else {
		applyRegistryArtifact(svc, dep, registry)
	}
	for k, v := range traefik.Labels(*svc, "") {
		if svc.Labels == nil {
			svc.Labels = map[string]string{}
		}
		svc.Labels[k] = v
	}

	if err := o.checkCancelled(job.ID); err != nil {
		return svc, err
	}
	if err := o.setPhase(dep, model.PhaseDeploying, 75, model.DeploymentStatusDeploying); err != nil {
		logger.Error().Err(err).Msg("failed to persist phase")
	}

	prospectiveServices := upsertService(append([]model.ServiceSpec{}, stack.ComposeConfig.Services...), *svc)
	requested, err := quota.UsageFromCompose(model.ComposeConfig{Services: prospectiveServices})
	if err != nil {
		return svc, fmt.Errorf("compute requested resources: %w", err)
	}
	result, err := o.guard.Check(stack.ProjectID, stack.Environment, stack.ID, requested, stack.ResourceQuotas)
	if err != nil {
		return svc, fmt.Errorf("resource guard: %w", err)
	}
	if !result.Allowed {
		return svc, fmt.Errorf("%w: %v", errs.ErrQuotaExceeded, result.Violations)
	}

	stack.ComposeConfig.Services = prospectiveServices
	stack.Usage = requested
	if err := o.stacks.UpdateStack(stack); err != nil {
		return svc, fmt.Errorf("persist stack: %w", err)
	}

	if hasDomains(stack.ComposeConfig.Services) {
		if err := o.renderTraefikConfig(stack); err != nil {
			return svc, fmt.Errorf("render traefik config: %w", err)
		}
	}

	if err := o.checkCancelled(job.ID); err != nil {
		return svc, err
	}
	logger.Info().Str("stack", stack.Name).Msg("converging swarm stack")
	if err := o.swarm.Converge(ctx, stack); err != nil {
		return svc, fmt.Errorf("converge: %w", err)
	}
	stack.Status = model.StackStatusRunning
	stack.LastDeployedAt = time.Now()
	if err := o.stacks.UpdateStack(stack); err != nil {
		logger.Error().Err(err).Msg("failed to persist post-converge stack state")
	}

	if err := o.checkCancelled(job.ID); err != nil {
		return svc, err
	}
	logger.Info().Int("max_retries", o.startupRetries).Msg("running startup health probe")
	if err := o.health.StartupProbe(ctx, stack, *svc, o.startupRetries); err != nil {
		return svc, fmt.Errorf("%w: %v", errs.ErrHealthCheckFailed, err)
	}

	dep.DeployedAt = time.Now()
	return svc, o.setPhase(dep, model.PhaseActive, 100, model.DeploymentStatusSuccess)
}

// HandleDeployUpload is the JobKindDeployUpload handler: the upload
// intake/extractor (out of scope, §1) has already placed a ready source
// tree at payload.ExtractPath, so this handler skips straight to
// building rather than invoking the Source Materializer.
func (o *Orchestrator) HandleDeployUpload(ctx context.Context, job *model.Job) (model.JobResult, error) {
	var payload model.DeployUploadPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return model.JobResult{}, fmt.Errorf("%w: %v", errs.ErrNotSerializable, err)
	}

	logger := o.logger.With().
		Str("deployment_id", payload.DeploymentID).
		Str("upload_id", payload.UploadID).
		Str("job_id", job.ID).
		Logger()

	dep, err := o.deployments.GetDeployment(payload.DeploymentID)
	if err != nil {
		return model.JobResult{}, fmt.Errorf("load deployment %s: %w", payload.DeploymentID, err)
	}
	stack, err := o.resolveStack(dep.ProjectID, dep.Environment)
	if err != nil {
		return model.JobResult{}, fmt.Errorf("resolve stack: %w", err)
	}

	start := time.Now()
	svc, runErr := o.buildAndDeploy(ctx, job, stack, dep, dep.ProjectID, payload.ServiceID, payload.ExtractPath, false, nil, logger)
	if runErr != nil {
		if errors.Is(runErr, errs.ErrCancelled) {
			o.markCancelled(ctx, stack, svc, dep, logger)
			return model.JobResult{Success: false, Message: "cancelled"}, runErr
		}
		o.markFailed(dep, runErr, logger)
		metrics.DeploymentsTotal.WithLabelValues(string(dep.Environment), "failed").Inc()
		return model.JobResult{Success: false, Message: sanitizeLog(runErr.Error())}, runErr
	}

	metrics.DeploymentsTotal.WithLabelValues(string(dep.Environment), "success").Inc()
	metrics.DeploymentDuration.WithLabelValues(string(dep.Environment)).Observe(time.Since(start).Seconds())
	logger.Info().Msg("deployment active")
	return model.JobResult{Success: true, Message: "deployment active"}, nil
}

// resolveStack returns the project/environment's live stack, creating an
// empty one on first deploy.
func (o *Orchestrator) resolveStack(projectID string, env model.Environment) (*model.Stack, error) {
	stack, err := o.stacks.GetStackByProjectEnv(projectID, env)
	if err == nil {
		return stack, nil
	}
	if !errors.Is(err, errs.ErrNotFound) {
		return nil, err
	}

	stack = &model.Stack{
		ID:          fmt.Sprintf("%s-%s", projectID, env),
		Name:        fmt.Sprintf("%s-%s", projectID, env),
		ProjectID:   projectID,
		Environment: env,
		Status:      model.StackStatusCreating,
	}
	if err := o.stacks.CreateStack(stack); err != nil {
		return nil, err
	}
	return stack, nil
}

// resolveService returns the stack's existing ServiceSpec for serviceID,
// or a fresh single-replica placeholder if this is its first deployment.
func resolveService(stack *model.Stack, serviceID string) *model.ServiceSpec {
	for i := range stack.ComposeConfig.Services {
		if stack.ComposeConfig.Services[i].Name == serviceID {
			svc := stack.ComposeConfig.Services[i]
			return &svc
		}
	}
	return &model.ServiceSpec{Name: serviceID, Replicas: 1}
}

func upsertService(services []model.ServiceSpec, svc model.ServiceSpec) []model.ServiceSpec {
	for i := range services {
		if services[i].Name == svc.Name {
			services[i] = svc
			return services
		}
	}
	return append(services, svc)
}

func removeService(services []model.ServiceSpec, name string) []model.ServiceSpec {
	out := make([]model.ServiceSpec, 0, len(services))
	for _, svc := range services {
		if svc.Name == name {
			continue
		}
		out = append(out, svc)
	}
	return out
}

func hasDomains(services []model.ServiceSpec) bool {
	for _, svc := range services {
		if len(svc.Domains) > 0 {
			return true
		}
	}
	return false
}

func (o *Orchestrator) renderTraefikConfig(stack *model.Stack) error {
	cfg, err := o.traefik.Render(interfaces.RenderInput{
		ProjectID:   stack.ProjectID,
		Environment: stack.Environment,
		StackName:   stack.Name,
		Services:    stack.ComposeConfig.Services,
	})
	if err != nil {
		return err
	}
	if o.traefikConfigDir == "" {
		return nil
	}
	if err := os.MkdirAll(o.traefikConfigDir, 0o755); err != nil {
		return fmt.Errorf("create traefik config dir: %w", err)
	}
	path := filepath.Join(o.traefikConfigDir, stack.Name+".yml")
	return writeFileAtomic(path, []byte(cfg))
}

// writeFileAtomic writes via a temp file + rename so Traefik's file
// provider, which polls this path, never observes a partial write.
func writeFileAtomic(path string, data []byte) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// determineBuilderKind picks a strategy when the caller hasn't forced
// one: an explicitly static service always copies files; otherwise a
// Dockerfile already present in the materialized tree wins, falling back
// to the Node strategy when a package.json is present, and Dockerfile
// otherwise (ensureNodeDockerfile in internal/build only fires under
// BuilderNode).
func determineBuilderKind(svc model.ServiceSpec, workDir string) model.BuilderKind {
	if svc.IsStatic {
		return model.BuilderStatic
	}
	if workDir == "" {
		return model.BuilderDockerfile
	}
	if _, err := os.Stat(filepath.Join(workDir, "Dockerfile")); err == nil {
		return model.BuilderDockerfile
	}
	if _, err := os.Stat(filepath.Join(workDir, "package.json")); err == nil {
		return model.BuilderNode
	}
	return model.BuilderDockerfile
}

func applyArtifact(svc *model.ServiceSpec, dep *model.Deployment, artifact *model.BuildArtifact) {
	switch artifact.Kind {
	case model.ArtifactStatic:
		svc.IsStatic = true
		svc.StaticPath = artifact.Ref
	default:
		svc.Image = artifact.Ref
		dep.ImageTag = artifact.Ref
	}
}

func applyRegistryArtifact(svc *model.ServiceSpec, dep *model.Deployment, reg *model.RegistrySource) {
	if reg == nil {
		return
	}
	tag := reg.Tag
	if tag == "" {
		tag = "latest"
	}
	image := fmt.Sprintf("%s:%s", reg.Image, tag)
	svc.Image = image
	dep.ImageTag = image
}

// setPhase persists the deployment's phase/status/progress and mirrors
// the percentage onto the owning job, giving callers dual progress
// reporting from a single call site.
func (o *Orchestrator) setPhase(dep *model.Deployment, phase model.DeploymentPhase, progress int, status model.DeploymentStatus) error {
	dep.Phase = phase
	dep.Status = status
	dep.Progress = progress
	if phase == model.PhaseBuilding && dep.BuildStartedAt.IsZero() {
		dep.BuildStartedAt = time.Now()
	}
	return o.deployments.UpdateDeployment(dep)
}

// checkCancelled re-reads the job's status; §5's ordering guarantees mean
// this is cheap (a single bbolt read) and is called at every phase
// boundary and before every Swarm call.
func (o *Orchestrator) checkCancelled(jobID string) error {
	job, err := o.jobs.Get(jobID)
	if err != nil {
		return nil
	}
	if job.Status == model.JobStatusCancelled {
		return errs.ErrCancelled
	}
	return nil
}

func (o *Orchestrator) markFailed(dep *model.Deployment, err error, logger zerolog.Logger) {
	dep.Status = model.DeploymentStatusFailed
	dep.Phase = model.PhaseFailed
	dep.Error = sanitizeLog(err.Error())
	if updateErr := o.deployments.UpdateDeployment(dep); updateErr != nil {
		logger.Error().Err(updateErr).Msg("failed to persist failed deployment")
	}
	logger.Error().Err(err).Str("phase", string(dep.Phase)).Msg("deployment failed")
}

// markCancelled persists the cancelled deployment and, if the job had
// progressed far enough to have a live stack/service in play, tears down
// whatever it started: the service is dropped from the stack's desired
// compose config, Traefik is re-rendered without its routes, and Converge
// is re-run so Swarm removes the now-undesired service.
func (o *Orchestrator) markCancelled(ctx context.Context, stack *model.Stack, svc *model.ServiceSpec, dep *model.Deployment, logger zerolog.Logger) {
	if stack != nil && svc != nil {
		o.teardownCancelledService(ctx, stack, svc.Name, logger)
	}

	dep.Status = model.DeploymentStatusCancelled
	dep.Phase = model.PhaseCancelled
	if err := o.deployments.UpdateDeployment(dep); err != nil {
		logger.Error().Err(err).Msg("failed to persist cancelled deployment")
	}
	logger.Warn().Msg("deployment cancelled")
}

// teardownCancelledService removes serviceName from the stack's desired
// state and converges, which is safe to call even if the service was
// never actually created: Converge only ever acts on services that are
// either desired or already running under the stack's namespace label.
func (o *Orchestrator) teardownCancelledService(ctx context.Context, stack *model.Stack, serviceName string, logger zerolog.Logger) {
	stack.ComposeConfig.Services = removeService(stack.ComposeConfig.Services, serviceName)
	if err := o.stacks.UpdateStack(stack); err != nil {
		logger.Error().Err(err).Msg("failed to persist stack after cancellation teardown")
	}

	if err := o.renderTraefikConfig(stack); err != nil {
		logger.Error().Err(err).Msg("failed to re-render traefik config after cancellation")
	}

	if err := o.swarm.Converge(ctx, stack); err != nil {
		logger.Error().Err(err).Msg("failed to converge swarm stack after cancellation")
	}
}

// sanitizeLog strips anything a build/source error may have captured
// that looks like a credential before it reaches the deployment row or
// job log - tokens are passed to go-git/docker build as arguments, never
// printed, but defense in depth costs one pass over the string.
func sanitizeLog(msg string) string {
	const mask = "***"
	for _, token := range []string{"AccessToken", "access_token", "Authorization:"} {
		if idx := strings.Index(msg, token); idx >= 0 {
			return msg[:idx] + token + mask
		}
	}
	return msg
}

// HandleRollback is the JobKindRollback handler: it re-points the stack's
// service at a prior successful deployment's artifact, re-registers that
// deployment's domain, and marks the current deployment cancelled.
func (o *Orchestrator) HandleRollback(ctx context.Context, job *model.Job) (model.JobResult, error) {
	var payload model.RollbackPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return model.JobResult{}, fmt.Errorf("%w: %v", errs.ErrNotSerializable, err)
	}

	logger := o.logger.With().
		Str("deployment_id", payload.DeploymentID).
		Str("target_deployment_id", payload.TargetDeploymentID).
		Str("job_id", job.ID).
		Logger()

	current, err := o.deployments.GetDeployment(payload.DeploymentID)
	if err != nil {
		return model.JobResult{}, fmt.Errorf("load current deployment: %w", err)
	}
	target, err := o.deployments.GetDeployment(payload.TargetDeploymentID)
	if err != nil {
		return model.JobResult{}, fmt.Errorf("load target deployment: %w", err)
	}
	if target.ServiceID != current.ServiceID {
		return model.JobResult{}, fmt.Errorf("%w: target deployment is for a different service", errs.ErrConflict)
	}
	if target.Status != model.DeploymentStatusSuccess {
		return model.JobResult{}, fmt.Errorf("%w: target deployment never succeeded", errs.ErrConflict)
	}

	stack, err := o.resolveStack(current.ProjectID, current.Environment)
	if err != nil {
		return model.JobResult{}, fmt.Errorf("resolve stack: %w", err)
	}

	svc := resolveService(stack, current.ServiceID)
	svc.Image = target.ImageTag
	stack.ComposeConfig.Services = upsertService(stack.ComposeConfig.Services, *svc)
	if err := o.stacks.UpdateStack(stack); err != nil {
		return model.JobResult{}, fmt.Errorf("persist stack: %w", err)
	}

	if hasDomains(stack.ComposeConfig.Services) {
		if err := o.renderTraefikConfig(stack); err != nil {
			return model.JobResult{}, fmt.Errorf("render traefik config: %w", err)
		}
	}

	logger.Info().Str("stack", stack.Name).Str("rollback_image", target.ImageTag).Msg("converging rollback")
	if err := o.swarm.Converge(ctx, stack); err != nil {
		metrics.RolledBackDeploymentsTotal.WithLabelValues("convergence_failed").Inc()
		return model.JobResult{}, fmt.Errorf("converge: %w", err)
	}

	if err := o.health.StartupProbe(ctx, stack, *svc, o.startupRetries); err != nil {
		metrics.RolledBackDeploymentsTotal.WithLabelValues("health_check_failed").Inc()
		return model.JobResult{}, fmt.Errorf("%w: %v", errs.ErrHealthCheckFailed, err)
	}

	stack.Status = model.StackStatusRunning
	stack.LastDeployedAt = time.Now()
	if err := o.stacks.UpdateStack(stack); err != nil {
		logger.Error().Err(err).Msg("failed to persist post-rollback stack state")
	}

	current.Status = model.DeploymentStatusCancelled
	current.Phase = model.PhaseCancelled
	if err := o.deployments.UpdateDeployment(current); err != nil {
		logger.Error().Err(err).Msg("failed to persist superseded deployment")
	}

	target.DeployedAt = time.Now()
	if err := o.deployments.UpdateDeployment(target); err != nil {
		logger.Error().Err(err).Msg("failed to persist restored deployment")
	}

	metrics.RolledBackDeploymentsTotal.WithLabelValues("manual").Inc()
	logger.Info().Msg("rollback complete")
	return model.JobResult{Success: true, Message: "rolled back"}, nil
}
