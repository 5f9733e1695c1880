package source_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/deployerd/deployerd/internal/model"
	"github.com/deployerd/deployerd/internal/source"
)

func TestMaterializeEmbeddedWritesFilesVerbatim(t *testing.T) {
	m := source.New(t.TempDir(), nil)
	spec := model.SourceSpec{
		Kind: model.SourceEmbedded,
		Embedded: &model.EmbeddedSource{Files: map[string]string{
			"index.html":      "<h1>hi</h1>",
			"assets/style.css": "body{}",
		}},
	}

	dir, err := m.Materialize(context.Background(), "dep-1", spec)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}

	got, err := os.ReadFile(filepath.Join(dir, "index.html"))
	if err != nil {
		t.Fatalf("read index.html: %v", err)
	}
	if string(got) != "<h1>hi</h1>" {
		t.Fatalf("unexpected content %q", got)
	}

	got, err = os.ReadFile(filepath.Join(dir, "assets", "style.css"))
	if err != nil {
		t.Fatalf("read nested file: %v", err)
	}
	if string(got) != "body{}" {
		t.Fatalf("unexpected nested content %q", got)
	}
}

func TestMaterializeEmbeddedRejectsPathEscape(t *testing.T) {
	m := source.New(t.TempDir(), nil)
	spec := model.SourceSpec{
		Kind: model.SourceEmbedded,
		Embedded: &model.EmbeddedSource{Files: map[string]string{
			"../escape.txt": "pwned",
		}},
	}

	if _, err := m.Materialize(context.Background(), "dep-2", spec); err == nil {
		t.Fatalf("expected path-escape rejection")
	}
}

func TestMaterializeRegistrySkipsWorkspace(t *testing.T) {
	workspace := t.TempDir()
	m := source.New(workspace, nil)
	spec := model.SourceSpec{Kind: model.SourceRegistry}

	dir, err := m.Materialize(context.Background(), "dep-3", spec)
	if err != nil {
		t.Fatalf("materialize: %v", err)
	}
	if dir != "" {
		t.Fatalf("expected empty dir for registry source, got %q", dir)
	}
	if _, err := os.Stat(filepath.Join(workspace, "dep-3")); !os.IsNotExist(err) {
		t.Fatalf("expected no workspace subtree created for registry source")
	}
}

func TestMaterializeCleansUpOnFailure(t *testing.T) {
	workspace := t.TempDir()
	m := source.New(workspace, nil)
	spec := model.SourceSpec{Kind: model.SourceGit, Git: nil}

	if _, err := m.Materialize(context.Background(), "dep-4", spec); err == nil {
		t.Fatalf("expected error for missing git source")
	}
	if _, err := os.Stat(filepath.Join(workspace, "dep-4")); !os.IsNotExist(err) {
		t.Fatalf("expected workspace subtree removed on failure")
	}
}

func TestMaterializeUnsupportedSourceType(t *testing.T) {
	m := source.New(t.TempDir(), nil)
	spec := model.SourceSpec{Kind: model.SourceKind("ftp")}
	if _, err := m.Materialize(context.Background(), "dep-5", spec); err == nil {
		t.Fatalf("expected unsupported source type error")
	}
}
