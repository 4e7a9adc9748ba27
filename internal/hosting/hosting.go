// Package hosting talks to the external hosting provider: committing
// validated files into the user's repository, flipping visibility and
// enabling static page hosting.
package hosting

import (
	"context"
	"fmt"
	"time"

	"github.com/fabkury/makapix-sub003/internal/registry"
	"github.com/fabkury/makapix-sub003/internal/relay"
)

// Client is the provider surface the pipeline drives. Every method is
// idempotent so a retried stage never double-applies.
type Client interface {
	// CommitFiles replaces the branch content with the given file set and
	// returns the resulting commit SHA. Committing an identical tree is a
	// no-op returning the existing SHA.
	CommitFiles(ctx context.Context, cred registry.Credential, branch, message string, files []relay.File) (string, error)

	// SetVisibility makes the repository public (or private again).
	SetVisibility(ctx context.Context, cred registry.Credential, public bool) error

	// EnablePages turns on static hosting from the given branch root.
	// Enabling twice succeeds.
	EnablePages(ctx context.Context, cred registry.Credential, branch string) error
}

// RetryableError wraps a transient provider failure. RetryAfter carries
// the provider-suggested delay when one was given; zero means the
// caller picks its own backoff.
type RetryableError struct {
	RetryAfter time.Duration
	Err        error
}

func (e *RetryableError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("transient provider error (retry after %s): %v", e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("transient provider error: %v", e.Err)
}

func (e *RetryableError) Unwrap() error { return e.Err }

// RejectedError wraps a definitive provider refusal: bad credentials,
// missing repository, insufficient permissions. Retrying cannot help
// and the installation binding needs re-validation.
type RejectedError struct {
	Err error
}

func (e *RejectedError) Error() string { return fmt.Sprintf("provider rejected request: %v", e.Err) }
func (e *RejectedError) Unwrap() error { return e.Err }
