// Package traefik is a pure function of (stack, services, domains) ->
// Traefik dynamic configuration. It never talks to Traefik directly;
// Traefik consumes the generated file from a shared volume.
// Label/router naming follows pkg/ingress/router.go's host-matching
// conventions, with labels built before the Swarm create step.
package traefik

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/deployerd/deployerd/internal/errs"
	"github.com/deployerd/deployerd/internal/interfaces"
	"github.com/deployerd/deployerd/internal/model"
)

const defaultCertResolver = "letsencrypt"

// Renderer is the interfaces.TraefikRenderer implementation. It holds no
// network state: Render is pure, and UpdateDomainMappings is a thin
// convenience that persists new mappings and requests a convergence.
type Renderer struct {
	// onDomainsChanged, if set, is invoked by UpdateDomainMappings after
	// persisting the new mappings, to trigger a convergence (cmd/deployerd
	// wires it to a direct Swarm Driver Converge). Kept as a callback
	// rather than a concrete dependency so the renderer stays a leaf
	// package.
	onDomainsChanged func(ctx context.Context, stackID string) error
	stacks           interfaces.StackStore
}

// New builds a Renderer. onDomainsChanged may be nil (UpdateDomainMappings
// then only persists).
func New(stacks interfaces.StackStore, onDomainsChanged func(ctx context.Context, stackID string) error) *Renderer {
	return &Renderer{stacks: stacks, onDomainsChanged: onDomainsChanged}
}

// dynamicConfig mirrors the subset of Traefik's file-provider schema this
// renderer emits: HTTP routers/services. A static site's service has a
// single load-balancer server whose URL is file://<StaticPath>.
type dynamicConfig struct {
	HTTP httpConfig `yaml:"http"`
}

type httpConfig struct {
	Routers  map[string]router  `yaml:"routers"`
	Services map[string]service `yaml:"services"`
}

type router struct {
	Rule        string   `yaml:"rule"`
	EntryPoints []string `yaml:"entryPoints"`
	Service     string   `yaml:"service"`
	TLS         tlsRef   `yaml:"tls"`
}

type tlsRef struct {
	CertResolver string `yaml:"certResolver"`
}

type service struct {
	LoadBalancer loadBalancer `yaml:"loadBalancer"`
}

type loadBalancer struct {
	Servers []server `yaml:"servers,omitempty"`
	// StaticPath is not part of Traefik's schema; a static site's path
	// is carried only in its server URL (file://<StaticPath>, see Render).
}

type server struct {
	URL string `yaml:"url"`
}

// Render produces the canonical dynamic config for a set of services with
// domains. Output is deterministic: routers/services are
// emitted in sorted-by-name order and the struct is marshalled once, so
// identical input always yields byte-identical output.
func (r *Renderer) Render(input interfaces.RenderInput) (string, error) {
	cfg := dynamicConfig{
		HTTP: httpConfig{
			Routers:  map[string]router{},
			Services: map[string]service{},
		},
	}

	resolver := input.CertResolver
	if resolver == "" {
		resolver = defaultCertResolver
	}

	names := make([]string, 0, len(input.Services))
	byName := map[string]model.ServiceSpec{}
	for _, svc := range input.Services {
		if len(svc.Domains) == 0 {
			continue
		}
		names = append(names, svc.Name)
		byName[svc.Name] = svc
	}
	sort.Strings(names)

	for _, name := range names {
		svc := byName[name]
		domains := append([]string(nil), svc.Domains...)
		sort.Strings(domains)
		for i, domain := range domains {
			routerName := name
			if i > 0 {
				routerName = fmt.Sprintf("%s-%d", name, i)
			}
			serviceName := name

			rule := fmt.Sprintf("Host(`%s`)", domain)
			cfg.HTTP.Routers[routerName] = router{
				Rule:        rule,
				EntryPoints: []string{"websecure"},
				Service:     serviceName,
				TLS:         tlsRef{CertResolver: resolver},
			}

			if svc.IsStatic {
				cfg.HTTP.Services[serviceName] = service{
					LoadBalancer: loadBalancer{Servers: []server{{URL: "file://" + svc.StaticPath}}},
				}
				continue
			}

			port := 80
			if len(svc.Ports) > 0 {
				port = svc.Ports[0].ContainerPort
			}
			cfg.HTTP.Services[serviceName] = service{
				LoadBalancer: loadBalancer{Servers: []server{{URL: fmt.Sprintf("http://%s:%d", name, port)}}},
			}
		}
	}

	out, err := yaml.Marshal(cfg)
	if err != nil {
		return "", fmt.Errorf("render traefik config: %w", err)
	}
	return string(out), nil
}

// Labels returns the canonical compose-label set for one service with
// domains: enable, router rule, entrypoint, cert resolver,
// loadbalancer port. Used by the Orchestrator when composing the
// desired ComposeConfig before Swarm convergence, per
// other_examples/redentordev-tako-cli's "labels before create" ordering.
func Labels(svc model.ServiceSpec, certResolver string) map[string]string {
	if certResolver == "" {
		certResolver = defaultCertResolver
	}
	if len(svc.Domains) == 0 {
		return nil
	}
	domain := svc.Domains[0]
	port := 80
	if len(svc.Ports) > 0 {
		port = svc.Ports[0].ContainerPort
	}
	return map[string]string{
		"traefik.enable": "true",
		fmt.Sprintf("traefik.http.routers.%s.rule", svc.Name):               fmt.Sprintf("Host(`%s`)", domain),
		fmt.Sprintf("traefik.http.routers.%s.entrypoints", svc.Name):        "websecure",
		fmt.Sprintf("traefik.http.routers.%s.tls.certresolver", svc.Name):   certResolver,
		fmt.Sprintf("traefik.http.services.%s.loadbalancer.server.port", svc.Name): fmt.Sprintf("%d", port),
	}
}

// UpdateDomainMappings persists the mappings onto the stack and its
// services' Domains and, via onDomainsChanged, requests a convergence. It
// does not render or write the Traefik dynamic config file itself.
func (r *Renderer) UpdateDomainMappings(ctx context.Context, stackID string, mappings []model.DomainMapping) error {
	stack, err := r.stacks.GetStack(stackID)
	if err != nil {
		return err
	}
	stack.DomainMappings = mappings
	applyMappingsToServices(stack, mappings)
	if err := r.stacks.UpdateStack(stack); err != nil {
		return err
	}
	if r.onDomainsChanged != nil {
		return r.onDomainsChanged(ctx, stackID)
	}
	return nil
}

// HandleUpdateTraefikConfig is the JobKindUpdateTraefikConfig handler:
// apply a domain-mapping change and let onDomainsChanged (wired at
// startup) trigger the subsequent Swarm convergence.
func (r *Renderer) HandleUpdateTraefikConfig(ctx context.Context, job *model.Job) (model.JobResult, error) {
	var payload model.UpdateTraefikConfigPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		return model.JobResult{}, fmt.Errorf("%w: %v", errs.ErrNotSerializable, err)
	}

	if err := r.UpdateDomainMappings(ctx, payload.StackID, payload.DomainMappings); err != nil {
		return model.JobResult{Success: false, Message: err.Error()}, err
	}
	return model.JobResult{Success: true, Message: "traefik config updated"}, nil
}

// applyMappingsToServices rewrites each service's Domains field from the
// mapping list so a removed mapping leaves no dangling router reference.
func applyMappingsToServices(stack *model.Stack, mappings []model.DomainMapping) {
	byService := map[string][]string{}
	for _, m := range mappings {
		byService[m.ServiceName] = append(byService[m.ServiceName], m.Domain)
	}
	for i, svc := range stack.ComposeConfig.Services {
		stack.ComposeConfig.Services[i].Domains = byService[svc.Name]
	}
}

// SanitizeSubdomain keeps only [a-z0-9-] after lowercasing a segment.
func SanitizeSubdomain(segment string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(segment) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

// SubdomainOptions selects which generation rule applies.
type SubdomainOptions struct {
	CustomName string
	PR         int
	Branch     string
}

// GenerateSubdomain builds a subdomain from custom name, PR number, or
// branch (in that preference order), sanitizing every segment before
// joining.
func GenerateSubdomain(service, project, environment string, opts SubdomainOptions) string {
	svc := SanitizeSubdomain(service)
	proj := SanitizeSubdomain(project)

	switch {
	case opts.CustomName != "":
		return fmt.Sprintf("%s-%s-%s", SanitizeSubdomain(opts.CustomName), svc, proj)
	case opts.PR > 0:
		return fmt.Sprintf("pr-%d-%s-%s", opts.PR, svc, proj)
	case opts.Branch != "":
		return fmt.Sprintf("%s-%s-%s", SanitizeSubdomain(opts.Branch), svc, proj)
	case environment == string(model.EnvironmentProduction):
		return fmt.Sprintf("%s-%s", svc, proj)
	default:
		return fmt.Sprintf("%s-%s-%s", svc, SanitizeSubdomain(environment), proj)
	}
}

var _ interfaces.TraefikRenderer = (*Renderer)(nil)
