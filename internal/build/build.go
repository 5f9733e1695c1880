// Package build turns a materialized directory into a model.BuildArtifact:
// static file copy, a Docker SDK image build of a Dockerfile, or a
// generated Node Dockerfile built the same way. Progress is reported
// through a ProgressReporter callback (10->60) so the caller (the
// Deployment Orchestrator's job) can relay it onto both the deployment
// and the job row.
package build

import (
	"archive/tar"
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/client"

	"github.com/deployerd/deployerd/internal/errs"
	"github.com/deployerd/deployerd/internal/model"
)

// ProgressReporter receives a 0-100 completion percentage.
type ProgressReporter func(pct int)

// Builder dispatches by model.BuilderKind.
type Builder struct {
	staticRoot string // /app/static
	docker     *client.Client
}

// New builds a Builder; staticRoot is the root the static strategy
// copies into. docker is the Swarm Driver's own client, reused here so
// the Dockerfile strategy builds through the same daemon connection
// rather than shelling out to a separate `docker` binary.
func New(staticRoot string, docker *client.Client) *Builder {
	return &Builder{staticRoot: staticRoot, docker: docker}
}

// Request describes one build invocation.
type Request struct {
	DeploymentID   string
	ProjectID      string
	ServiceID      string
	WorkDir        string
	Builder        model.BuilderKind
	DockerfilePath string // default "Dockerfile"
	BuildArgs      map[string]string
}

// Build dispatches to the strategy named by req.Builder.
func (b *Builder) Build(ctx context.Context, req Request, progress ProgressReporter) (*model.BuildArtifact, error) {
	if progress == nil {
		progress = func(int) {}
	}
	progress(10)

	switch req.Builder {
	case model.BuilderStatic:
		return b.buildStatic(req, progress)
	case model.BuilderDockerfile:
		return b.buildDockerfile(ctx, req, progress)
	case model.BuilderNode:
		if err := ensureNodeDockerfile(req.WorkDir); err != nil {
			return nil, err
		}
		return b.buildDockerfile(ctx, req, progress)
	default:
		return nil, fmt.Errorf("builder %q: %w", req.Builder, errs.ErrUnknownBuilder)
	}
}

func (b *Builder) buildStatic(req Request, progress ProgressReporter) (*model.BuildArtifact, error) {
	dest := filepath.Join(b.staticRoot, req.ProjectID, req.ServiceID)
	if err := os.RemoveAll(dest); err != nil {
		return nil, fmt.Errorf("%w: clear static dest: %v", errs.ErrBuildFailed, err)
	}
	if err := copyTree(req.WorkDir, dest); err != nil {
		return nil, fmt.Errorf("%w: copy static tree: %v", errs.ErrBuildFailed, err)
	}
	progress(50)
	progress(60)
	return &model.BuildArtifact{Kind: model.ArtifactStatic, Ref: dest}, nil
}

func copyTree(src, dest string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dest, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dest string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(dest, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, mode)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, in)
	return err
}

// buildDockerfile streams req.WorkDir as a tar build context to the
// Docker daemon via the SDK's ImageBuild, tagging the image
// deployment-<deploymentId>:latest. The Builder writes progress 10->60
// around the call; the last lines of the daemon's build log are
// attached to a failure so the caller can show the user why it failed.
func (b *Builder) buildDockerfile(ctx context.Context, req Request, progress ProgressReporter) (*model.BuildArtifact, error) {
	dockerfilePath := req.DockerfilePath
	if dockerfilePath == "" {
		dockerfilePath = "Dockerfile"
	}
	tag := fmt.Sprintf("deployment-%s:latest", req.DeploymentID)

	buildCtx, err := tarDir(req.WorkDir)
	if err != nil {
		return nil, fmt.Errorf("%w: build context: %v", errs.ErrBuildFailed, err)
	}

	buildArgs := make(map[string]*string, len(req.BuildArgs))
	for k, v := range req.BuildArgs {
		v := v
		buildArgs[k] = &v
	}

	progress(30)
	resp, err := b.docker.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{tag},
		Dockerfile: dockerfilePath,
		BuildArgs:  buildArgs,
		Remove:     true,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", errs.ErrBuildFailed, err)
	}
	defer resp.Body.Close()

	tail, buildErr := drainBuildLog(resp.Body)
	if buildErr != nil {
		return nil, fmt.Errorf("%w: %v: %s", errs.ErrBuildFailed, buildErr, tail)
	}
	progress(60)

	return &model.BuildArtifact{Kind: model.ArtifactImage, Ref: tag}, nil
}

// tarDir packs dir into an in-memory tar stream suitable for
// ImageBuildOptions' build context.
func tarDir(dir string) (io.Reader, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	err := filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}
		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)
		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		f, err := os.Open(path)
		if err != nil {
			return err
		}
		defer f.Close()
		_, err = io.Copy(tw, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

// buildLogLine is one line of the daemon's newline-delimited JSON build
// log stream.
type buildLogLine struct {
	Stream      string `json:"stream"`
	Error       string `json:"error"`
	ErrorDetail struct {
		Message string `json:"message"`
	} `json:"errorDetail"`
}

// drainBuildLog reads the daemon's build log to completion, returning
// the last 4KiB of stream output and a non-nil error if the log itself
// reported a build failure.
func drainBuildLog(r io.Reader) (string, error) {
	const maxTail = 4096
	var tail bytes.Buffer
	var buildErr error

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		var line buildLogLine
		if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
			continue
		}
		if line.Error != "" {
			buildErr = fmt.Errorf("%s", line.Error)
		}
		tail.WriteString(line.Stream)
		if tail.Len() > maxTail {
			tail.Next(tail.Len() - maxTail)
		}
	}
	return tail.String(), buildErr
}

// ensureNodeDockerfile writes a Node 18 Alpine Dockerfile into workDir if
// one is not already present, running install/build (if a build script
// exists) and start.
func ensureNodeDockerfile(workDir string) error {
	path := filepath.Join(workDir, "Dockerfile")
	if _, err := os.Stat(path); err == nil {
		return nil
	}

	hasBuildScript, err := packageHasScript(workDir, "build")
	if err != nil {
		return fmt.Errorf("%w: inspect package.json: %v", errs.ErrBuildFailed, err)
	}

	var buildStep string
	if hasBuildScript {
		buildStep = "RUN npm run build\n"
	}

	dockerfile := fmt.Sprintf(`FROM node:18-alpine
WORKDIR /app
COPY package*.json ./
RUN npm install
COPY . .
%sEXPOSE 3000
CMD ["npm", "start"]
`, buildStep)

	if err := os.WriteFile(path, []byte(dockerfile), 0o644); err != nil {
		return fmt.Errorf("%w: write generated Dockerfile: %v", errs.ErrBuildFailed, err)
	}
	return nil
}

func packageHasScript(workDir, script string) (bool, error) {
	data, err := os.ReadFile(filepath.Join(workDir, "package.json"))
	if os.IsNotExist(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return bytes.Contains(data, []byte(`"`+script+`"`)), nil
}
