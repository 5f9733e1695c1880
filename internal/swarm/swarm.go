// Package swarm converges a Stack's desired compose config against
// observed Docker Swarm state: enumerate services under the stack's
// namespace label, diff against desired, create/update/remove, and poll
// until replica counts agree. Grounded on other_examples/kimdre-doco-cd's
// create-or-update-by-version pattern (ServiceCreate, and on "already
// exists" look the service up and ServiceUpdate with its current
// Version for optimistic concurrency) and other_examples/
// SomeBlackMagic-docker-stackwait's client.NewClientWithOpts +
// filters.NewArgs usage.
package swarm

import (
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/api/types/swarm"
	"github.com/docker/docker/api/types/volume"
	"github.com/docker/docker/client"
	"github.com/docker/go-units"
	"github.com/rs/zerolog"

	"github.com/deployerd/deployerd/internal/errs"
	"github.com/deployerd/deployerd/internal/interfaces"
	"github.com/deployerd/deployerd/internal/metrics"
	"github.com/deployerd/deployerd/internal/model"
)

// namespaceLabel is the label every service belonging to a stack carries,
// the selector the Swarm Driver uses to enumerate observed state.
const namespaceLabel = "com.docker.stack.namespace"

// pollInterval is how often Converge re-checks replica convergence.
const pollInterval = 2 * time.Second

// Driver is the docker/docker client-backed implementation of
// interfaces.SwarmDriver.
type Driver struct {
	cli                *client.Client
	logger             zerolog.Logger
	convergenceTimeout time.Duration
}

// New wraps an already-connected Docker client. convergenceTimeout
// defaults to 5 minutes.
func New(cli *client.Client, logger zerolog.Logger, convergenceTimeout time.Duration) *Driver {
	if convergenceTimeout <= 0 {
		convergenceTimeout = 5 * time.Minute
	}
	return &Driver{cli: cli, logger: logger, convergenceTimeout: convergenceTimeout}
}

// NewClientFromEnv builds a Docker API client from the standard
// DOCKER_HOST/DOCKER_* environment, negotiating the API version - the
// same construction other_examples/SomeBlackMagic-docker-stackwait uses.
func NewClientFromEnv(host string) (*client.Client, error) {
	opts := []client.Opt{client.FromEnv, client.WithAPIVersionNegotiation()}
	if host != "" {
		opts = append(opts, client.WithHost(host))
	}
	return client.NewClientWithOpts(opts...)
}

func serviceName(stackName, svcName string) string {
	return stackName + "_" + svcName
}

// Converge brings Swarm's observed services for this stack's namespace
// into agreement with stack.ComposeConfig.
func (d *Driver) Converge(ctx context.Context, stack *model.Stack) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ConvergenceDuration)

	observed, err := d.listNamespaceServices(ctx, stack.Name)
	if err != nil {
		return fmt.Errorf("%w: list services: %v", errs.ErrTransientDocker, err)
	}

	desired := map[string]model.ServiceSpec{}
	for _, svc := range stack.ComposeConfig.Services {
		if svc.IsStatic {
			continue
		}
		desired[svc.Name] = svc
	}

	observedByName := map[string]swarm.Service{}
	for _, svc := range observed {
		observedByName[svc.Spec.Annotations.Name] = svc
	}

	for name, spec := range desired {
		fullName := serviceName(stack.Name, name)
		spec.Name = name
		swarmSpec, err := toServiceSpec(stack, spec)
		if err != nil {
			return err
		}
		if existing, ok := observedByName[fullName]; ok {
			if err := d.updateService(ctx, existing, swarmSpec); err != nil {
				return err
			}
		} else {
			if err := d.createService(ctx, swarmSpec); err != nil {
				return err
			}
		}
	}

	for fullName, existing := range observedByName {
		name := trimStackPrefix(fullName, stack.Name)
		if _, wanted := desired[name]; !wanted {
			if err := d.cli.ServiceRemove(ctx, existing.ID); err != nil {
				return fmt.Errorf("%w: remove service %s: %v", errs.ErrTransientDocker, fullName, err)
			}
		}
	}

	ctx, cancel := context.WithTimeout(ctx, d.convergenceTimeout)
	defer cancel()
	if err := d.waitConverged(ctx, stack.Name, desired); err != nil {
		metrics.ConvergenceTimeoutsTotal.Inc()
		return err
	}
	return nil
}

func trimStackPrefix(fullName, stackName string) string {
	prefix := stackName + "_"
	if len(fullName) > len(prefix) && fullName[:len(prefix)] == prefix {
		return fullName[len(prefix):]
	}
	return fullName
}

func (d *Driver) listNamespaceServices(ctx context.Context, stackName string) ([]swarm.Service, error) {
	f := filters.NewArgs()
	f.Add("label", namespaceLabel+"="+stackName)
	return d.cli.ServiceList(ctx, swarm.ServiceListOptions{Filters: f})
}

func (d *Driver) createService(ctx context.Context, spec swarm.ServiceSpec) error {
	_, err := d.cli.ServiceCreate(ctx, spec, swarm.ServiceCreateOptions{QueryRegistry: true})
	if err != nil {
		return fmt.Errorf("%w: create service %s: %v", errs.ErrTransientDocker, spec.Annotations.Name, err)
	}
	return nil
}

// updateService applies spec to an existing service using its current
// Version for Swarm's optimistic concurrency.
func (d *Driver) updateService(ctx context.Context, existing swarm.Service, spec swarm.ServiceSpec) error {
	const maxRetries = 3
	var lastErr error
	for attempt := 0; attempt < maxRetries; attempt++ {
		version := existing.Version
		_, err := d.cli.ServiceUpdate(ctx, existing.ID, version, spec, swarm.ServiceUpdateOptions{QueryRegistry: true})
		if err == nil {
			return nil
		}
		lastErr = err
		fresh, _, inspectErr := d.cli.ServiceInspectWithRaw(ctx, existing.ID, swarm.ServiceInspectOptions{})
		if inspectErr != nil {
			break
		}
		existing = fresh
	}
	return fmt.Errorf("%w: update service %s: %v", errs.ErrTransientDocker, spec.Annotations.Name, lastErr)
}

// waitConverged polls until every desired service's running task count
// equals its desired replica count, or the context deadline elapses.
func (d *Driver) waitConverged(ctx context.Context, stackName string, desired map[string]model.ServiceSpec) error {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		obs, err := d.Status(ctx, &model.Stack{Name: stackName})
		if err != nil {
			return err
		}
		if allConverged(obs, desired) {
			return nil
		}
		select {
		case <-ctx.Done():
			return fmt.Errorf("stack %s: %w", stackName, errs.ErrConvergenceTimeout)
		case <-ticker.C:
		}
	}
}

func allConverged(obs *interfaces.StackObservation, desired map[string]model.ServiceSpec) bool {
	if len(obs.Services) < len(desired) {
		return false
	}
	byName := map[string]interfaces.ServiceStatus{}
	for _, s := range obs.Services {
		byName[s.Name] = s
	}
	for name, spec := range desired {
		want := spec.Replicas
		if want == 0 {
			want = 1
		}
		s, ok := byName[name]
		if !ok || s.Current != want || s.Desired != want {
			return false
		}
	}
	return true
}

// Scale updates only the replica counts of the replicated-mode spec for
// the named services, leaving image/env/ports untouched.
func (d *Driver) Scale(ctx context.Context, stack *model.Stack, replicas map[string]int) error {
	observed, err := d.listNamespaceServices(ctx, stack.Name)
	if err != nil {
		return fmt.Errorf("%w: list services: %v", errs.ErrTransientDocker, err)
	}
	for _, svc := range observed {
		name := trimStackPrefix(svc.Spec.Annotations.Name, stack.Name)
		n, ok := replicas[name]
		if !ok {
			continue
		}
		spec := svc.Spec
		if spec.Mode.Replicated == nil {
			continue
		}
		r := uint64(n)
		spec.Mode.Replicated.Replicas = &r
		if err := d.updateService(ctx, svc, spec); err != nil {
			return err
		}
	}
	return nil
}

// Remove deletes every service under the stack's namespace label.
func (d *Driver) Remove(ctx context.Context, stack *model.Stack) error {
	observed, err := d.listNamespaceServices(ctx, stack.Name)
	if err != nil {
		return fmt.Errorf("%w: list services: %v", errs.ErrTransientDocker, err)
	}
	for _, svc := range observed {
		if err := d.cli.ServiceRemove(ctx, svc.ID); err != nil {
			return fmt.Errorf("%w: remove service %s: %v", errs.ErrTransientDocker, svc.ID, err)
		}
	}
	return nil
}

// CleanupResult lists what Cleanup actually removed, the shape a cleanup
// job's result reports back.
type CleanupResult struct {
	Images     []string
	Containers []string
	Networks   []string
	Volumes    []string
}

// Cleanup removes resources scoped to a stack's namespace label per
// cleanupType: unused-images, stopped-containers, dangling-networks,
// volumes, or all four. It never touches resources outside the
// namespace, so a stack's cleanup job can never disturb another stack.
func (d *Driver) Cleanup(ctx context.Context, stack *model.Stack, cleanupType model.CleanupType) (CleanupResult, error) {
	var result CleanupResult
	doImages := cleanupType == model.CleanupUnusedImages || cleanupType == model.CleanupAll
	doContainers := cleanupType == model.CleanupStoppedContainers || cleanupType == model.CleanupAll
	doNetworks := cleanupType == model.CleanupDanglingNetworks || cleanupType == model.CleanupAll
	doVolumes := cleanupType == model.CleanupVolumes || cleanupType == model.CleanupAll

	nsFilter := filters.NewArgs()
	nsFilter.Add("label", namespaceLabel+"="+stack.Name)

	if doContainers {
		containers, err := d.cli.ContainerList(ctx, container.ListOptions{All: true, Filters: nsFilter})
		if err != nil {
			return result, fmt.Errorf("%w: list containers: %v", errs.ErrTransientDocker, err)
		}
		for _, c := range containers {
			if c.State == "running" {
				continue
			}
			if err := d.cli.ContainerRemove(ctx, c.ID, container.RemoveOptions{Force: true}); err != nil {
				return result, fmt.Errorf("%w: remove container %s: %v", errs.ErrTransientDocker, c.ID, err)
			}
			result.Containers = append(result.Containers, c.ID)
		}
	}

	if doNetworks {
		networks, err := d.cli.NetworkList(ctx, network.ListOptions{Filters: nsFilter})
		if err != nil {
			return result, fmt.Errorf("%w: list networks: %v", errs.ErrTransientDocker, err)
		}
		for _, n := range networks {
			if err := d.cli.NetworkRemove(ctx, n.ID); err != nil {
				d.logger.Warn().Err(err).Str("network", n.ID).Msg("network still in use, skipping")
				continue
			}
			result.Networks = append(result.Networks, n.ID)
		}
	}

	if doVolumes {
		volumeList, err := d.cli.VolumeList(ctx, volume.ListOptions{Filters: nsFilter})
		if err != nil {
			return result, fmt.Errorf("%w: list volumes: %v", errs.ErrTransientDocker, err)
		}
		for _, v := range volumeList.Volumes {
			if err := d.cli.VolumeRemove(ctx, v.Name, false); err != nil {
				d.logger.Warn().Err(err).Str("volume", v.Name).Msg("volume still in use, skipping")
				continue
			}
			result.Volumes = append(result.Volumes, v.Name)
		}
	}

	if doImages {
		danglingFilter := filters.NewArgs()
		danglingFilter.Add("dangling", "true")
		danglingFilter.Add("label", namespaceLabel+"="+stack.Name)
		images, err := d.cli.ImageList(ctx, image.ListOptions{Filters: danglingFilter})
		if err != nil {
			return result, fmt.Errorf("%w: list images: %v", errs.ErrTransientDocker, err)
		}
		for _, img := range images {
			if _, err := d.cli.ImageRemove(ctx, img.ID, image.RemoveOptions{}); err != nil {
				d.logger.Warn().Err(err).Str("image", img.ID).Msg("image still in use, skipping")
				continue
			}
			result.Images = append(result.Images, img.ID)
		}
	}

	return result, nil
}

// Status reports the observed state of every service under the stack's
// namespace, plus an overall rollup.
func (d *Driver) Status(ctx context.Context, stack *model.Stack) (*interfaces.StackObservation, error) {
	observed, err := d.listNamespaceServices(ctx, stack.Name)
	if err != nil {
		return nil, fmt.Errorf("%w: list services: %v", errs.ErrTransientDocker, err)
	}

	obs := &interfaces.StackObservation{}
	anyUpdating := false
	anyRunning := false

	for _, svc := range observed {
		tf := filters.NewArgs()
		tf.Add("service", svc.ID)
		tasks, err := d.cli.TaskList(ctx, swarm.TaskListOptions{Filters: tf})
		if err != nil {
			return nil, fmt.Errorf("%w: list tasks for %s: %v", errs.ErrTransientDocker, svc.ID, err)
		}

		var current int
		for _, t := range tasks {
			if t.Status.State == swarm.TaskStateRunning {
				current++
			}
		}

		desired := 0
		if svc.Spec.Mode.Replicated != nil && svc.Spec.Mode.Replicated.Replicas != nil {
			desired = int(*svc.Spec.Mode.Replicated.Replicas)
		}

		status := "stopped"
		switch {
		case current == desired && desired > 0:
			status = "running"
			anyRunning = true
		case current > 0:
			status = "deploying"
			anyUpdating = true
		default:
			anyUpdating = anyUpdating || desired > 0
		}

		var ports []model.PortSpec
		for _, p := range svc.Endpoint.Ports {
			ports = append(ports, model.PortSpec{ContainerPort: int(p.TargetPort), Protocol: string(p.Protocol)})
		}

		obs.Services = append(obs.Services, interfaces.ServiceStatus{
			Name:    trimStackPrefix(svc.Spec.Annotations.Name, stack.Name),
			Desired: desired,
			Current: current,
			Updated: current,
			Status:  status,
			Ports:   ports,
		})
	}

	switch {
	case anyUpdating:
		obs.Overall = "deploying"
	case anyRunning:
		obs.Overall = "running"
	default:
		obs.Overall = "stopped"
	}
	return obs, nil
}

// toServiceSpec converts the domain ServiceSpec into a swarm.ServiceSpec:
// env as K=V, CPU/memory parsed via docker/go-units into nanoCPU/bytes,
// ports published 1:1, restart policy on-failure max 3, stack-namespace
// label.
func toServiceSpec(stack *model.Stack, svc model.ServiceSpec) (swarm.ServiceSpec, error) {
	labels := map[string]string{namespaceLabel: stack.Name}
	for k, v := range svc.Labels {
		labels[k] = v
	}

	var limits *swarm.Resources
	if svc.CPULimit != "" || svc.MemoryLimit != "" {
		limits = &swarm.Resources{}
		if svc.CPULimit != "" {
			nano, err := ParseCPU(svc.CPULimit)
			if err != nil {
				return swarm.ServiceSpec{}, err
			}
			limits.NanoCPUs = nano
		}
		if svc.MemoryLimit != "" {
			bytes, err := units.RAMInBytes(svc.MemoryLimit)
			if err != nil {
				return swarm.ServiceSpec{}, fmt.Errorf("parse memory limit %q: %w", svc.MemoryLimit, err)
			}
			limits.MemoryBytes = bytes
		}
	}

	var ports []swarm.PortConfig
	for _, p := range svc.Ports {
		proto := swarm.PortConfigProtocolTCP
		if p.Protocol == "udp" {
			proto = swarm.PortConfigProtocolUDP
		}
		ports = append(ports, swarm.PortConfig{
			Protocol:      proto,
			TargetPort:    uint32(p.ContainerPort),
			PublishedPort: uint32(p.ContainerPort),
			PublishMode:   swarm.PortConfigPublishModeIngress,
		})
	}

	replicas := uint64(svc.Replicas)
	if replicas == 0 {
		replicas = 1
	}

	maxAttempts := uint64(3)
	spec := swarm.ServiceSpec{
		Annotations: swarm.Annotations{
			Name:   serviceName(stack.Name, svc.Name),
			Labels: labels,
		},
		TaskTemplate: swarm.TaskSpec{
			ContainerSpec: &swarm.ContainerSpec{
				Image:   svc.Image,
				Command: svc.Command,
				Env:     svc.Env,
				Labels:  labels,
			},
			RestartPolicy: &swarm.RestartPolicy{
				Condition:   swarm.RestartPolicyConditionOnFailure,
				MaxAttempts: &maxAttempts,
			},
			Networks: networkAttachments(svc.Networks),
		},
		Mode: swarm.ServiceMode{
			Replicated: &swarm.ReplicatedService{Replicas: &replicas},
		},
		EndpointSpec: &swarm.EndpointSpec{Ports: ports},
	}
	if limits != nil {
		spec.TaskTemplate.Resources = &swarm.ResourceRequirements{Limits: limits}
	}
	return spec, nil
}

func networkAttachments(names []string) []swarm.NetworkAttachmentConfig {
	var nets []swarm.NetworkAttachmentConfig
	for _, n := range names {
		nets = append(nets, swarm.NetworkAttachmentConfig{Target: n})
	}
	return nets
}

// ParseCPU converts a CPU quantity string (e.g. "1.5") to nanoCPU units
// (1.5 -> 1.5e9).
func ParseCPU(cpu string) (int64, error) {
	var f float64
	if _, err := fmt.Sscanf(cpu, "%g", &f); err != nil {
		return 0, fmt.Errorf("parse cpu quantity %q: %w", cpu, err)
	}
	return int64(f * 1e9), nil
}

var _ interfaces.SwarmDriver = (*Driver)(nil)
