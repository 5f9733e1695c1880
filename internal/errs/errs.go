// Package errs declares the error kinds that cross component boundaries.
// Components return these (wrapped with fmt.Errorf("%w: ...", errs.X) for
// detail) so callers can classify failures with errors.Is rather than
// string-matching, the same plain stdlib-errors style the rest of this
// codebase uses.
package errs

import "errors"

var (
	// ErrNotSerializable is returned when an enqueue payload cannot be
	// round-tripped through the stable serialization.
	ErrNotSerializable = errors.New("job payload is not serializable")

	// ErrQueueUnavailable signals a Job Store I/O failure.
	ErrQueueUnavailable = errors.New("queue store unavailable")

	// ErrSourceUnavailable signals a network/auth failure materializing
	// source.
	ErrSourceUnavailable = errors.New("source unavailable")

	// ErrInvalidArchive signals an uploaded/downloaded archive failed
	// safe-extract validation.
	ErrInvalidArchive = errors.New("invalid archive")

	// ErrUnsupportedSourceType signals an unrecognized SourceSpec kind.
	ErrUnsupportedSourceType = errors.New("unsupported source type")

	// ErrBuildFailed signals that a Builder strategy failed: copying the
	// static tree, packing the build context, or the daemon's image build.
	ErrBuildFailed = errors.New("build failed")

	// ErrUnknownBuilder signals an unrecognized builder kind.
	ErrUnknownBuilder = errors.New("unknown builder")

	// ErrQuotaExceeded signals the Resource Guard denied a deployment.
	ErrQuotaExceeded = errors.New("quota exceeded")

	// ErrConvergenceTimeout signals the Swarm Driver did not reach the
	// desired replica count within convergenceTimeout.
	ErrConvergenceTimeout = errors.New("convergence timeout")

	// ErrHealthCheckFailed signals the Orchestrator's startup probe never
	// succeeded within startupDeadline.
	ErrHealthCheckFailed = errors.New("health check failed")

	// ErrRenewalFailed signals a certificate renewal did not complete.
	ErrRenewalFailed = errors.New("certificate renewal failed")

	// ErrTransientDocker signals a Docker/Swarm API call failed in a way
	// the owning job's backoff policy should retry.
	ErrTransientDocker = errors.New("transient docker error")

	// ErrNotFound is a generic not-found signal from the store layer.
	ErrNotFound = errors.New("not found")

	// ErrConflict signals an invariant violation (e.g. a second active
	// deploy job, a second stack for the same project/environment).
	ErrConflict = errors.New("conflict")

	// ErrCancelled signals a job's cancellation token was observed between
	// phases; the caller should stop work without treating it as a
	// retryable failure.
	ErrCancelled = errors.New("cancelled")
)
