package traefik_test

import (
	"testing"

	"github.com/deployerd/deployerd/internal/interfaces"
	"github.com/deployerd/deployerd/internal/model"
	"github.com/deployerd/deployerd/internal/traefik"
)

func input() interfaces.RenderInput {
	return interfaces.RenderInput{
		ProjectID:   "proj",
		Environment: model.EnvironmentProduction,
		StackName:   "proj-production",
		Services: []model.ServiceSpec{
			{
				Name:    "app",
				Ports:   []model.PortSpec{{ContainerPort: 3000}},
				Domains: []string{"app-proj.example.test"},
			},
		},
	}
}

func TestRenderIsDeterministic(t *testing.T) {
	r := traefik.New(nil, nil)
	a, err := r.Render(input())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	b, err := r.Render(input())
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if a != b {
		t.Fatalf("render not deterministic:\n%s\n---\n%s", a, b)
	}
}

func TestRenderOmitsServicesWithoutDomains(t *testing.T) {
	r := traefik.New(nil, nil)
	in := input()
	in.Services = append(in.Services, model.ServiceSpec{Name: "no-domain", Ports: []model.PortSpec{{ContainerPort: 8080}}})
	out, err := r.Render(in)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if contains(out, "no-domain") {
		t.Fatalf("expected no router for domain-less service, got:\n%s", out)
	}
}

func TestRenderRemovingDomainLeavesNoOrphan(t *testing.T) {
	r := traefik.New(nil, nil)
	in := input()
	before, err := r.Render(in)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if !contains(before, "app-proj.example.test") {
		t.Fatalf("expected domain present before removal")
	}

	in.Services[0].Domains = nil
	after, err := r.Render(in)
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if contains(after, "app-proj.example.test") {
		t.Fatalf("expected no dangling router reference, got:\n%s", after)
	}
}

func TestLabelsCanonicalSet(t *testing.T) {
	svc := model.ServiceSpec{
		Name:    "app",
		Ports:   []model.PortSpec{{ContainerPort: 3000}},
		Domains: []string{"app-proj.example.test"},
	}
	labels := traefik.Labels(svc, "")
	want := map[string]string{
		"traefik.enable":                                    "true",
		"traefik.http.routers.app.rule":                     "Host(`app-proj.example.test`)",
		"traefik.http.routers.app.entrypoints":              "websecure",
		"traefik.http.routers.app.tls.certresolver":         "letsencrypt",
		"traefik.http.services.app.loadbalancer.server.port": "3000",
	}
	for k, v := range want {
		if labels[k] != v {
			t.Fatalf("label %q = %q, want %q", k, labels[k], v)
		}
	}
}

func TestLabelsNilWithoutDomains(t *testing.T) {
	svc := model.ServiceSpec{Name: "app"}
	if labels := traefik.Labels(svc, ""); labels != nil {
		t.Fatalf("expected nil labels for domain-less service, got %v", labels)
	}
}

func TestGenerateSubdomainPrecedence(t *testing.T) {
	cases := []struct {
		name string
		opts traefik.SubdomainOptions
		env  string
		want string
	}{
		{"custom-name-wins", traefik.SubdomainOptions{CustomName: "Foo Bar", PR: 7, Branch: "dev"}, "production", "foo-bar-app-proj"},
		{"pr-next", traefik.SubdomainOptions{PR: 7, Branch: "dev"}, "production", "pr-7-app-proj"},
		{"branch-next", traefik.SubdomainOptions{Branch: "Feature/X"}, "production", "feature-x-app-proj"},
		{"production-default", traefik.SubdomainOptions{}, "production", "app-proj"},
		{"other-env-default", traefik.SubdomainOptions{}, "staging", "app-staging-proj"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			got := traefik.GenerateSubdomain("app", "proj", c.env, c.opts)
			if got != c.want {
				t.Fatalf("got %q, want %q", got, c.want)
			}
		})
	}
}

func TestSanitizeSubdomainStripsInvalidChars(t *testing.T) {
	if got := traefik.SanitizeSubdomain("My_App!!"); got != "my-app" {
		t.Fatalf("got %q", got)
	}
}

func contains(s, substr string) bool {
	return len(s) >= len(substr) && indexOf(s, substr) >= 0
}

func indexOf(s, substr string) int {
	for i := 0; i+len(substr) <= len(s); i++ {
		if s[i:i+len(substr)] == substr {
			return i
		}
	}
	return -1
}
