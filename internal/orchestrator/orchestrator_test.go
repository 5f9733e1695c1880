package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/deployerd/deployerd/internal/alerts"
	"github.com/deployerd/deployerd/internal/build"
	"github.com/deployerd/deployerd/internal/errs"
	"github.com/deployerd/deployerd/internal/health"
	"github.com/deployerd/deployerd/internal/interfaces"
	"github.com/deployerd/deployerd/internal/model"
	"github.com/deployerd/deployerd/internal/quota"
)

// fakeJobStore implements interfaces.JobStore with enough behavior for the
// Orchestrator's cancellation checks and progress reporting.
type fakeJobStore struct {
	jobs map[string]*model.Job
}

func newFakeJobStore(job *model.Job) *fakeJobStore {
	return &fakeJobStore{jobs: map[string]*model.Job{job.ID: job}}
}

func (f *fakeJobStore) Enqueue(job *model.Job) error { f.jobs[job.ID] = job; return nil }
func (f *fakeJobStore) Claim(ctx context.Context, workerID string) (*model.Job, error) {
	return nil, nil
}
func (f *fakeJobStore) Heartbeat(jobID, workerID string, extend time.Duration) error { return nil }

func (f *fakeJobStore) Progress(jobID string, pct int) error { return nil }
func (f *fakeJobStore) Complete(jobID string, result []byte) error { return nil }
func (f *fakeJobStore) Fail(jobID string, jobErr error) error      { return nil }
func (f *fakeJobStore) Cancel(jobID string) error                  { return nil }
func (f *fakeJobStore) Retry(jobID string) error                   { return nil }
func (f *fakeJobStore) Get(jobID string) (*model.Job, error) {
	j, ok := f.jobs[jobID]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return j, nil
}
func (f *fakeJobStore) ListByKind(kind model.JobKind) ([]*model.Job, error)     { return nil, nil }
func (f *fakeJobStore) ListByStatus(status model.JobStatus) ([]*model.Job, error) { return nil, nil }
func (f *fakeJobStore) Counts() (map[model.JobStatus]int, error)               { return nil, nil }
func (f *fakeJobStore) RequeueStaleClaims(ctx context.Context) (int, error)    { return 0, nil }
func (f *fakeJobStore) GC(retainCompleted, retainFailed int) error             { return nil }

type fakeStackStore struct {
	byID        map[string]*model.Stack
	byProjectEnv map[string]*model.Stack
}

func newFakeStackStore() *fakeStackStore {
	return &fakeStackStore{byID: map[string]*model.Stack{}, byProjectEnv: map[string]*model.Stack{}}
}

func projectEnvKey(projectID string, env model.Environment) string {
	return projectID + "/" + string(env)
}

func (f *fakeStackStore) add(stack *model.Stack) {
	f.byID[stack.ID] = stack
	f.byProjectEnv[projectEnvKey(stack.ProjectID, stack.Environment)] = stack
}

func (f *fakeStackStore) CreateStack(stack *model.Stack) error { f.add(stack); return nil }
func (f *fakeStackStore) GetStack(id string) (*model.Stack, error) {
	s, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return s, nil
}
func (f *fakeStackStore) GetStackByProjectEnv(projectID string, env model.Environment) (*model.Stack, error) {
	s, ok := f.byProjectEnv[projectEnvKey(projectID, env)]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return s, nil
}
func (f *fakeStackStore) ListStacks() ([]*model.Stack, error) {
	out := make([]*model.Stack, 0, len(f.byID))
	for _, s := range f.byID {
		out = append(out, s)
	}
	return out, nil
}
func (f *fakeStackStore) ListRunningStacks() ([]*model.Stack, error) { return f.ListStacks() }
func (f *fakeStackStore) UpdateStack(stack *model.Stack) error       { f.add(stack); return nil }
func (f *fakeStackStore) DeleteStack(id string) error                { delete(f.byID, id); return nil }

type fakeDeploymentStore struct {
	byID map[string]*model.Deployment
}

func newFakeDeploymentStore(deps ...*model.Deployment) *fakeDeploymentStore {
	s := &fakeDeploymentStore{byID: map[string]*model.Deployment{}}
	for _, d := range deps {
		s.byID[d.ID] = d
	}
	return s
}

func (f *fakeDeploymentStore) CreateDeployment(d *model.Deployment) error { f.byID[d.ID] = d; return nil }
func (f *fakeDeploymentStore) GetDeployment(id string) (*model.Deployment, error) {
	d, ok := f.byID[id]
	if !ok {
		return nil, errs.ErrNotFound
	}
	return d, nil
}
func (f *fakeDeploymentStore) ListDeploymentsByService(serviceID string) ([]*model.Deployment, error) {
	return nil, nil
}
func (f *fakeDeploymentStore) UpdateDeployment(d *model.Deployment) error { f.byID[d.ID] = d; return nil }

type fakeSwarmDriver struct{ convergeCalled bool }

func (f *fakeSwarmDriver) Converge(ctx context.Context, stack *model.Stack) error {
	f.convergeCalled = true
	return nil
}
func (f *fakeSwarmDriver) Scale(ctx context.Context, stack *model.Stack, replicas map[string]int) error {
	return nil
}
func (f *fakeSwarmDriver) Remove(ctx context.Context, stack *model.Stack) error { return nil }
func (f *fakeSwarmDriver) Status(ctx context.Context, stack *model.Stack) (*interfaces.StackObservation, error) {
	return &interfaces.StackObservation{}, nil
}

type fakeTraefikRenderer struct{ renderCalled bool }

func (f *fakeTraefikRenderer) Render(input interfaces.RenderInput) (string, error) {
	f.renderCalled = true
	return "", nil
}
func (f *fakeTraefikRenderer) UpdateDomainMappings(ctx context.Context, stackID string, mappings []model.DomainMapping) error {
	return nil
}

type fakeTelemetryStore struct{}

func (fakeTelemetryStore) PutHealthCheck(rec *model.HealthCheckRecord) error { return nil }
func (fakeTelemetryStore) ListHealthChecksByService(serviceID string) ([]*model.HealthCheckRecord, error) {
	return nil, nil
}

type fakeAlertStore struct{}

func (fakeAlertStore) PutAlert(alert *model.Alert) error { return nil }
func (fakeAlertStore) GetOpenAlert(scope string, alertType model.AlertType) (*model.Alert, error) {
	return nil, nil
}
func (fakeAlertStore) ListOpenAlerts() ([]*model.Alert, error) { return nil, nil }

func newTestOrchestrator(t *testing.T, jobs interfaces.JobStore, stacks interfaces.StackStore, deployments interfaces.DeploymentStore) *Orchestrator {
	t.Helper()
	bus := alerts.New(fakeAlertStore{}, nil)
	monitor := health.New(stacks, fakeTelemetryStore{}, bus, health.DefaultConfig(), zerolog.Nop())
	builder := build.New(t.TempDir(), nil)
	guard := quota.New(stacks)
	return New(
		jobs, stacks, deployments,
		nil, builder, guard,
		&fakeTraefikRenderer{}, &fakeSwarmDriver{}, monitor,
		Config{},
		zerolog.Nop(),
	)
}

func TestHandleDeployUploadDeniesOverQuota(t *testing.T) {
	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workDir, "index.html"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("seed workdir: %v", err)
	}

	stacks := newFakeStackStore()
	mainStack := &model.Stack{
		ID:          "proj1-staging",
		Name:        "proj1-staging",
		ProjectID:   "proj1",
		Environment: model.EnvironmentStaging,
		ComposeConfig: model.ComposeConfig{
			Services: []model.ServiceSpec{{Name: "web", IsStatic: true, Replicas: 1}},
		},
		ResourceQuotas: model.ResourceQuotas{MaxServices: 1},
	}
	stacks.add(&model.Stack{
		ID:          "other-staging",
		Name:        "other-staging",
		ProjectID:   "proj1",
		Environment: model.EnvironmentStaging,
		Usage:       model.ResourceUsage{Services: 1},
	})
	stacks.add(mainStack)

	dep := &model.Deployment{ID: "dep1", ServiceID: "web", ProjectID: "proj1", Environment: model.EnvironmentStaging}
	deployments := newFakeDeploymentStore(dep)

	job := &model.Job{ID: "job1", Status: model.JobStatusActive}
	jobs := newFakeJobStore(job)

	orch := newTestOrchestrator(t, jobs, stacks, deployments)

	payload := model.DeployUploadPayload{
		UploadID:     "u1",
		ServiceID:    "web",
		DeploymentID: "dep1",
		ExtractPath:  workDir,
	}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	job.Payload = data

	result, err := orch.HandleDeployUpload(context.Background(), job)
	if err == nil {
		t.Fatalf("expected quota exceeded error, got nil")
	}
	if !errors.Is(err, errs.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if result.Success {
		t.Fatalf("expected unsuccessful result, got %+v", result)
	}

	got, _ := deployments.GetDeployment("dep1")
	if got.Status != model.DeploymentStatusFailed {
		t.Fatalf("expected deployment marked failed, got %s", got.Status)
	}
	if got.Phase != model.PhaseFailed {
		t.Fatalf("expected phase failed, got %s", got.Phase)
	}
}

// TestHandleDeployUploadDeniesQuotaScenario3 mirrors the documented
// acceptance scenario literally: a sibling service in the same stack
// already uses 1.8 of a 2.0 CPU quota, and redeploying a 0.5 CPU service
// pushes the stack's own prospective usage to 2.3, which must be denied
// even though there is no second live stack for the (project, env) pair.
func TestHandleDeployUploadDeniesQuotaScenario3(t *testing.T) {
	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workDir, "index.html"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("seed workdir: %v", err)
	}

	stacks := newFakeStackStore()
	stack := &model.Stack{
		ID:          "proj1-production",
		Name:        "proj1-production",
		ProjectID:   "proj1",
		Environment: model.EnvironmentProduction,
		ComposeConfig: model.ComposeConfig{
			Services: []model.ServiceSpec{
				{Name: "db", CPULimit: "1.8", Replicas: 1},
				{Name: "web", IsStatic: true, CPULimit: "0.5", Replicas: 1},
			},
		},
		ResourceQuotas: model.ResourceQuotas{CPUCores: 2.0},
	}
	stacks.add(stack)

	dep := &model.Deployment{ID: "dep1", ServiceID: "web", ProjectID: "proj1", Environment: model.EnvironmentProduction}
	deployments := newFakeDeploymentStore(dep)

	job := &model.Job{ID: "job1", Status: model.JobStatusActive}
	jobs := newFakeJobStore(job)

	orch := newTestOrchestrator(t, jobs, stacks, deployments)

	payload := model.DeployUploadPayload{UploadID: "u1", ServiceID: "web", DeploymentID: "dep1", ExtractPath: workDir}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	job.Payload = data

	result, err := orch.HandleDeployUpload(context.Background(), job)
	if err == nil {
		t.Fatalf("expected quota exceeded error, got nil")
	}
	if !errors.Is(err, errs.ErrQuotaExceeded) {
		t.Fatalf("expected ErrQuotaExceeded, got %v", err)
	}
	if result.Success {
		t.Fatalf("expected unsuccessful result, got %+v", result)
	}
}

// countingJobStore flips a job to cancelled after a configured number of
// Get calls, letting a test land a cancellation in a specific window of
// buildAndDeploy's sequential checkCancelled calls.
type countingJobStore struct {
	*fakeJobStore
	calls       int
	cancelAfter int
}

func (f *countingJobStore) Get(jobID string) (*model.Job, error) {
	f.calls++
	j, err := f.fakeJobStore.Get(jobID)
	if err != nil {
		return nil, err
	}
	if f.calls > f.cancelAfter {
		j.Status = model.JobStatusCancelled
	}
	return j, nil
}

// TestHandleDeployUploadCancellationTearsDownService exercises a
// cancellation observed after Converge has already made the container
// live: it must stop the container and drop its routes rather than
// leaving them orphaned.
func TestHandleDeployUploadCancellationTearsDownService(t *testing.T) {
	workDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(workDir, "index.html"), []byte("hi"), 0o644); err != nil {
		t.Fatalf("seed workdir: %v", err)
	}

	stacks := newFakeStackStore()
	stack := &model.Stack{
		ID:          "proj1-staging",
		Name:        "proj1-staging",
		ProjectID:   "proj1",
		Environment: model.EnvironmentStaging,
		ComposeConfig: model.ComposeConfig{
			Services: []model.ServiceSpec{{Name: "web", IsStatic: true, Replicas: 1}},
		},
	}
	stacks.add(stack)

	dep := &model.Deployment{ID: "dep1", ServiceID: "web", ProjectID: "proj1", Environment: model.EnvironmentStaging}
	deployments := newFakeDeploymentStore(dep)

	job := &model.Job{ID: "job1", Status: model.JobStatusActive}
	jobs := &countingJobStore{fakeJobStore: newFakeJobStore(job), cancelAfter: 3}

	swarm := &fakeSwarmDriver{}
	traefik := &fakeTraefikRenderer{}
	bus := alerts.New(fakeAlertStore{}, nil)
	monitor := health.New(stacks, fakeTelemetryStore{}, bus, health.DefaultConfig(), zerolog.Nop())
	builder := build.New(t.TempDir(), nil)
	guard := quota.New(stacks)
	orch := New(jobs, stacks, deployments, nil, builder, guard, traefik, swarm, monitor, Config{}, zerolog.Nop())

	payload := model.DeployUploadPayload{UploadID: "u1", ServiceID: "web", DeploymentID: "dep1", ExtractPath: workDir}
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal payload: %v", err)
	}
	job.Payload = data

	result, err := orch.HandleDeployUpload(context.Background(), job)
	if !errors.Is(err, errs.ErrCancelled) {
		t.Fatalf("expected ErrCancelled, got %v", err)
	}
	if result.Success {
		t.Fatalf("expected unsuccessful result, got %+v", result)
	}

	if !swarm.convergeCalled {
		t.Fatalf("expected Converge to have been called before cancellation was observed")
	}
	if !traefik.renderCalled {
		t.Fatalf("expected traefik config to be re-rendered during teardown")
	}

	persisted, err := stacks.GetStack("proj1-staging")
	if err != nil {
		t.Fatalf("get stack: %v", err)
	}
	for _, svc := range persisted.ComposeConfig.Services {
		if svc.Name == "web" {
			t.Fatalf("expected cancelled service to be removed from stack, still present: %+v", svc)
		}
	}

	got, _ := deployments.GetDeployment("dep1")
	if got.Status != model.DeploymentStatusCancelled {
		t.Fatalf("expected deployment marked cancelled, got %s", got.Status)
	}
	if got.Phase != model.PhaseCancelled {
		t.Fatalf("expected phase cancelled, got %s", got.Phase)
	}
}

func TestResolveServiceReturnsExistingOrPlaceholder(t *testing.T) {
	stack := &model.Stack{
		ComposeConfig: model.ComposeConfig{
			Services: []model.ServiceSpec{{Name: "api", Replicas: 3}},
		},
	}

	existing := resolveService(stack, "api")
	if existing.Replicas != 3 {
		t.Fatalf("expected existing service with replicas 3, got %d", existing.Replicas)
	}

	fresh := resolveService(stack, "worker")
	if fresh.Replicas != 1 {
		t.Fatalf("expected fresh placeholder with replicas 1, got %d", fresh.Replicas)
	}
}

func TestUpsertServiceReplacesByName(t *testing.T) {
	services := []model.ServiceSpec{{Name: "a", Image: "old"}, {Name: "b"}}
	services = upsertService(services, model.ServiceSpec{Name: "a", Image: "new"})
	if len(services) != 2 {
		t.Fatalf("expected 2 services, got %d", len(services))
	}
	if services[0].Image != "new" {
		t.Fatalf("expected in-place replacement, got %q", services[0].Image)
	}

	services = upsertService(services, model.ServiceSpec{Name: "c"})
	if len(services) != 3 {
		t.Fatalf("expected append for unseen name, got %d services", len(services))
	}
}

func TestHasDomains(t *testing.T) {
	if hasDomains([]model.ServiceSpec{{Name: "a"}}) {
		t.Fatalf("expected false for no domains")
	}
	if !hasDomains([]model.ServiceSpec{{Name: "a"}, {Name: "b", Domains: []string{"x.example.com"}}}) {
		t.Fatalf("expected true when any service has a domain")
	}
}

func TestDetermineBuilderKind(t *testing.T) {
	if got := determineBuilderKind(model.ServiceSpec{IsStatic: true}, "irrelevant"); got != model.BuilderStatic {
		t.Fatalf("expected static builder for static service, got %s", got)
	}
	if got := determineBuilderKind(model.ServiceSpec{}, ""); got != model.BuilderDockerfile {
		t.Fatalf("expected dockerfile builder for registry shortcut (empty workDir), got %s", got)
	}

	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "Dockerfile"), []byte("FROM scratch"), 0o644); err != nil {
		t.Fatalf("write dockerfile: %v", err)
	}
	if got := determineBuilderKind(model.ServiceSpec{}, dir); got != model.BuilderDockerfile {
		t.Fatalf("expected dockerfile builder when Dockerfile present, got %s", got)
	}

	nodeDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(nodeDir, "package.json"), []byte(`{}`), 0o644); err != nil {
		t.Fatalf("write package.json: %v", err)
	}
	if got := determineBuilderKind(model.ServiceSpec{}, nodeDir); got != model.BuilderNode {
		t.Fatalf("expected node builder when package.json present, got %s", got)
	}
}

func TestApplyArtifactAndRegistryArtifact(t *testing.T) {
	svc := &model.ServiceSpec{Name: "web"}
	dep := &model.Deployment{}
	applyArtifact(svc, dep, &model.BuildArtifact{Kind: model.ArtifactStatic, Ref: "/var/static/web"})
	if !svc.IsStatic || svc.StaticPath != "/var/static/web" {
		t.Fatalf("expected static artifact applied, got %+v", svc)
	}

	svc2 := &model.ServiceSpec{Name: "api"}
	dep2 := &model.Deployment{}
	applyArtifact(svc2, dep2, &model.BuildArtifact{Kind: model.ArtifactImage, Ref: "deployment-1:latest"})
	if svc2.Image != "deployment-1:latest" || dep2.ImageTag != "deployment-1:latest" {
		t.Fatalf("expected image artifact applied, got svc=%+v dep=%+v", svc2, dep2)
	}

	svc3 := &model.ServiceSpec{Name: "registry-svc"}
	dep3 := &model.Deployment{}
	applyRegistryArtifact(svc3, dep3, &model.RegistrySource{Image: "ghcr.io/acme/app"})
	if svc3.Image != "ghcr.io/acme/app:latest" {
		t.Fatalf("expected default latest tag, got %q", svc3.Image)
	}
}

func TestSanitizeLogMasksTrailingCredential(t *testing.T) {
	msg := "clone failed: Authorization: Bearer abc123"
	got := sanitizeLog(msg)
	if got != "clone failed: Authorization:***" {
		t.Fatalf("expected credential masked, got %q", got)
	}

	clean := "clone failed: repository not found"
	if got := sanitizeLog(clean); got != clean {
		t.Fatalf("expected untouched message, got %q", got)
	}
}
