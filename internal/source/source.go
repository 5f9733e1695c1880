// Package source turns a model.SourceSpec into a local working directory
// for the Builder. Dispatch is by SourceSpec.Kind; git cloning follows
// CosmoTheDev-ctrlscan-agent's go-git PlainCloneContext +
// githttp.BasicAuth usage, and kimdre-doco-cd's go-git poll/checkout
// pattern for commit checkout after clone.
package source

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	gogit "github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	githttp "github.com/go-git/go-git/v5/plumbing/transport/http"

	"github.com/deployerd/deployerd/internal/errs"
	"github.com/deployerd/deployerd/internal/model"
)

// maxArchiveBytes bounds how much an extracted upload/S3 archive may
// expand to.
const maxArchiveBytes = 2 << 30 // 2 GiB

// Materializer produces <workspace>/<deploymentId> directories.
type Materializer struct {
	workspaceDir string
	s3Downloader S3Downloader
}

// S3Downloader fetches an object to a local path; implemented by the
// out-of-scope S3 client collaborator.
type S3Downloader interface {
	Download(ctx context.Context, src *model.S3Source, destPath string) error
}

// New builds a Materializer rooted at workspaceDir.
func New(workspaceDir string, s3 S3Downloader) *Materializer {
	return &Materializer{workspaceDir: workspaceDir, s3Downloader: s3}
}

// Dir returns the deployment's working directory path without creating it.
func (m *Materializer) Dir(deploymentID string) string {
	return filepath.Join(m.workspaceDir, deploymentID)
}

// Materialize dispatches by spec.Kind and always leaves the working
// directory absent on failure.
func (m *Materializer) Materialize(ctx context.Context, deploymentID string, spec model.SourceSpec) (string, error) {
	if spec.Kind == model.SourceRegistry {
		return "", nil
	}

	dir := m.Dir(deploymentID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create workspace dir: %w", err)
	}

	var err error
	switch spec.Kind {
	case model.SourceGit:
		err = m.materializeGit(ctx, dir, spec.Git)
	case model.SourceUpload:
		err = m.materializeUpload(dir, spec.Upload)
	case model.SourceS3:
		err = m.materializeS3(ctx, dir, spec.S3)
	case model.SourceEmbedded:
		err = m.materializeEmbedded(dir, spec.Embedded)
	default:
		err = fmt.Errorf("source kind %q: %w", spec.Kind, errs.ErrUnsupportedSourceType)
	}

	if err != nil {
		os.RemoveAll(dir)
		return "", err
	}
	return dir, nil
}

// Cleanup removes a deployment's working directory (called after Build
// regardless of outcome, and on Orchestrator failure/cancel).
func (m *Materializer) Cleanup(deploymentID string) error {
	return os.RemoveAll(m.Dir(deploymentID))
}

func (m *Materializer) materializeGit(ctx context.Context, dir string, src *model.GitSource) error {
	if src == nil || src.URL == "" {
		return fmt.Errorf("git source missing url: %w", errs.ErrSourceUnavailable)
	}

	opts := &gogit.CloneOptions{
		URL:   src.URL,
		Depth: 1,
	}
	if src.AccessToken != "" {
		// Token is passed via credential helper (go-git's Auth field);
		// never logged.
		opts.Auth = &githttp.BasicAuth{Username: "x-access-token", Password: src.AccessToken}
	}
	if src.Branch != "" && src.Commit == "" {
		opts.ReferenceName = plumbing.NewBranchReferenceName(src.Branch)
		opts.SingleBranch = true
	}

	repo, err := gogit.PlainCloneContext(ctx, dir, false, opts)
	if err != nil {
		return fmt.Errorf("%w: clone %s: %v", errs.ErrSourceUnavailable, src.URL, err)
	}

	if src.Commit != "" {
		wt, err := repo.Worktree()
		if err != nil {
			return fmt.Errorf("%w: worktree: %v", errs.ErrSourceUnavailable, err)
		}
		if err := wt.Checkout(&gogit.CheckoutOptions{Hash: plumbing.NewHash(src.Commit)}); err != nil {
			return fmt.Errorf("%w: checkout %s: %v", errs.ErrSourceUnavailable, src.Commit, err)
		}
	}
	return nil
}

func (m *Materializer) materializeUpload(dir string, src *model.UploadSource) error {
	if src == nil || src.FilePath == "" {
		return fmt.Errorf("upload source missing file path: %w", errs.ErrInvalidArchive)
	}
	return extractArchive(src.FilePath, dir)
}

func (m *Materializer) materializeS3(ctx context.Context, dir string, src *model.S3Source) error {
	if src == nil {
		return fmt.Errorf("s3 source missing: %w", errs.ErrSourceUnavailable)
	}
	if m.s3Downloader == nil {
		return fmt.Errorf("%w: no S3 downloader configured", errs.ErrSourceUnavailable)
	}
	tmp, err := os.CreateTemp("", "deployerd-s3-*.tar.gz")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := m.s3Downloader.Download(ctx, src, tmpPath); err != nil {
		return fmt.Errorf("%w: download %s/%s: %v", errs.ErrSourceUnavailable, src.Bucket, src.Key, err)
	}
	return extractArchive(tmpPath, dir)
}

func (m *Materializer) materializeEmbedded(dir string, src *model.EmbeddedSource) error {
	if src == nil {
		return fmt.Errorf("embedded source missing: %w", errs.ErrInvalidArchive)
	}
	for name, content := range src.Files {
		if err := writeEmbeddedFile(dir, name, content); err != nil {
			return err
		}
	}
	return nil
}

func writeEmbeddedFile(dir, name, content string) error {
	cleanRel := filepath.Clean(name)
	if strings.HasPrefix(cleanRel, "..") || filepath.IsAbs(cleanRel) {
		return fmt.Errorf("embedded file %q escapes workspace: %w", name, errs.ErrInvalidArchive)
	}
	dest := filepath.Join(dir, cleanRel)
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return fmt.Errorf("create dir for %q: %w", name, err)
	}
	return os.WriteFile(dest, []byte(content), 0o644)
}

// extractArchive extracts a tar.gz to dest, enforcing the safe-extract
// policy: no path escape, no symlinks, bounded total size.
func extractArchive(archivePath, dest string) error {
	f, err := os.Open(archivePath)
	if err != nil {
		return fmt.Errorf("%w: open archive: %v", errs.ErrInvalidArchive, err)
	}
	defer f.Close()

	gz, err := gzip.NewReader(f)
	if err != nil {
		return fmt.Errorf("%w: gunzip: %v", errs.ErrInvalidArchive, err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var total int64

	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("%w: read tar entry: %v", errs.ErrInvalidArchive, err)
		}

		cleanName := filepath.Clean(hdr.Name)
		if strings.HasPrefix(cleanName, "..") || filepath.IsAbs(cleanName) {
			return fmt.Errorf("%w: entry %q escapes destination", errs.ErrInvalidArchive, hdr.Name)
		}
		target := filepath.Join(dest, cleanName)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return fmt.Errorf("%w: mkdir %q: %v", errs.ErrInvalidArchive, target, err)
			}
		case tar.TypeReg:
			total += hdr.Size
			if total > maxArchiveBytes {
				return fmt.Errorf("%w: archive exceeds size cap", errs.ErrInvalidArchive)
			}
			if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
				return fmt.Errorf("%w: mkdir %q: %v", errs.ErrInvalidArchive, filepath.Dir(target), err)
			}
			if err := writeRegularFile(target, tr, hdr.Size); err != nil {
				return err
			}
		case tar.TypeSymlink, tar.TypeLink:
			// Symlinks are not on an allow-list; reject rather than
			// silently skip.
			return fmt.Errorf("%w: symlink entries are not permitted (%q)", errs.ErrInvalidArchive, hdr.Name)
		default:
			// skip other entry types (char/block devices, fifos)
		}
	}
	return nil
}

func writeRegularFile(target string, r io.Reader, size int64) error {
	out, err := os.OpenFile(target, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return fmt.Errorf("%w: create %q: %v", errs.ErrInvalidArchive, target, err)
	}
	defer out.Close()
	if _, err := io.CopyN(out, r, size); err != nil && err != io.EOF {
		return fmt.Errorf("%w: write %q: %v", errs.ErrInvalidArchive, target, err)
	}
	return nil
}
