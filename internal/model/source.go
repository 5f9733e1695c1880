package model

// SourceKind tags which variant of SourceSpec is populated.
type SourceKind string

const (
	SourceGit      SourceKind = "git"
	SourceUpload   SourceKind = "upload"
	SourceS3       SourceKind = "s3"
	SourceEmbedded SourceKind = "embedded"
	SourceRegistry SourceKind = "registry"
)

// SourceSpec is a tagged union over the ways a service's source can be
// provided. Only the field matching Kind is meaningful; the rest are left
// at their zero value. Kind is not validated when a SourceSpec is decoded;
// an unknown kind is rejected by internal/source's Materialize with
// errs.ErrUnsupportedSourceType, once the deployment job is running.
type SourceSpec struct {
	Kind SourceKind

	Git      *GitSource
	Upload   *UploadSource
	S3       *S3Source
	Embedded *EmbeddedSource
	Registry *RegistrySource
}

// GitSource clones a repository at a branch or commit.
type GitSource struct {
	URL         string
	Branch      string
	Commit      string
	AccessToken string
}

// UploadSource points at an already-uploaded archive on local disk.
type UploadSource struct {
	FilePath string
}

// S3Source downloads an object before treating it as an UploadSource.
type S3Source struct {
	Bucket      string
	Key         string
	Region      string
	AccessKeyID string
	SecretKey   string
}

// EmbeddedSource is a literal filename -> content map, for seeded demos.
type EmbeddedSource struct {
	Files map[string]string
}

// RegistrySource bypasses the source/build phases entirely.
type RegistrySource struct {
	Image          string
	Tag            string
	PullPolicy     string
	RegistryAuth   string
}

// BuilderKind selects which Builder strategy materializes an image/bundle.
type BuilderKind string

const (
	BuilderStatic     BuilderKind = "static"
	BuilderDockerfile BuilderKind = "dockerfile"
	BuilderNode       BuilderKind = "node"
)

// BuildArtifact is the Builder's output: either an image reference or a
// path to a static bundle.
type BuildArtifact struct {
	Kind BuildArtifactKind
	Ref  string
}

// BuildArtifactKind tags a BuildArtifact's Ref.
type BuildArtifactKind string

const (
	ArtifactImage  BuildArtifactKind = "image"
	ArtifactStatic BuildArtifactKind = "static"
)
