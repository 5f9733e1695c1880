package build_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/deployerd/deployerd/internal/build"
	"github.com/deployerd/deployerd/internal/model"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write %s: %v", path, err)
	}
}

func TestBuildStaticCopiesTreeUnderProjectService(t *testing.T) {
	workDir := t.TempDir()
	writeFile(t, filepath.Join(workDir, "index.html"), "<h1>hi</h1>")
	writeFile(t, filepath.Join(workDir, "css", "style.css"), "body{}")

	staticRoot := t.TempDir()
	b := build.New(staticRoot, nil)

	var progressed []int
	artifact, err := b.Build(context.Background(), build.Request{
		ProjectID: "proj",
		ServiceID: "svc",
		WorkDir:   workDir,
		Builder:   model.BuilderStatic,
	}, func(pct int) { progressed = append(progressed, pct) })
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if artifact.Kind != model.ArtifactStatic {
		t.Fatalf("expected static artifact, got %v", artifact.Kind)
	}

	dest := filepath.Join(staticRoot, "proj", "svc")
	if artifact.Ref != dest {
		t.Fatalf("ref = %q, want %q", artifact.Ref, dest)
	}
	got, err := os.ReadFile(filepath.Join(dest, "index.html"))
	if err != nil {
		t.Fatalf("read copied file: %v", err)
	}
	if string(got) != "<h1>hi</h1>" {
		t.Fatalf("unexpected content %q", got)
	}
	if _, err := os.ReadFile(filepath.Join(dest, "css", "style.css")); err != nil {
		t.Fatalf("nested file not copied: %v", err)
	}
	if len(progressed) == 0 || progressed[0] != 10 {
		t.Fatalf("expected progress to start at 10, got %v", progressed)
	}
}

func TestBuildUnknownBuilderFails(t *testing.T) {
	b := build.New(t.TempDir(), nil)
	if _, err := b.Build(context.Background(), build.Request{Builder: model.BuilderKind("unknown")}, nil); err == nil {
		t.Fatalf("expected error for unknown builder kind")
	}
}
