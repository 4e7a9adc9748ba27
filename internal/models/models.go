package models

import (
	"time"
)

// JobState is the lifecycle state of a PublishJob. Transitions are
// one-directional: QUEUED -> VALIDATING -> COMMITTING -> PUBLISHING ->
// COMMITTED, with FAILED reachable from any non-terminal state.
type JobState string

const (
	StateQueued     JobState = "QUEUED"
	StateValidating JobState = "VALIDATING"
	StateCommitting JobState = "COMMITTING"
	StatePublishing JobState = "PUBLISHING"
	StateCommitted  JobState = "COMMITTED"
	StateFailed     JobState = "FAILED"
)

// Terminal reports whether no further transitions are allowed.
func (s JobState) Terminal() bool {
	return s == StateCommitted || s == StateFailed
}

var nextState = map[JobState]JobState{
	StateQueued:     StateValidating,
	StateValidating: StateCommitting,
	StateCommitting: StatePublishing,
	StatePublishing: StateCommitted,
}

// CanTransition reports whether s -> next is a legal transition.
// Re-entering the current state is allowed for stage retries.
func (s JobState) CanTransition(next JobState) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed || next == s {
		return true
	}
	return nextState[s] == next
}

// ErrorKind classifies terminal job failures and submit rejections.
type ErrorKind string

const (
	ErrKindValidationFailed  ErrorKind = "ValidationFailed"
	ErrKindBindingNotFound   ErrorKind = "BindingNotFound"
	ErrKindCredentialExpired ErrorKind = "CredentialExpired"
	ErrKindCommitExhausted   ErrorKind = "CommitExhausted"
	ErrKindCommitRejected    ErrorKind = "CommitRejected"
	ErrKindTimeout           ErrorKind = "Timeout"
	ErrKindConflict          ErrorKind = "Conflict"
	ErrKindCanceled          ErrorKind = "Canceled"
)

// Installation binds a Makapix user to one external repository through
// a GitHub App installation. Exactly one active row per (user, repo):
// Bind upserts, never duplicates.
type Installation struct {
	ID        int64  `gorm:"primaryKey" json:"id"`
	UserID    string `gorm:"index;uniqueIndex:idx_user_repo" json:"userId"`
	RepoOwner string `gorm:"uniqueIndex:idx_user_repo" json:"repoOwner"`
	RepoName  string `gorm:"uniqueIndex:idx_user_repo" json:"repoName"`

	// Cached installation token. Opaque, time-limited; refreshed via the
	// app credential, never by the pipeline itself.
	Token          string    `gorm:"column:token" json:"-"`
	TokenExpiresAt time.Time `json:"tokenExpiresAt"`

	// CredentialEpoch increments on every Bind so in-flight jobs can tell
	// their cached resolution is stale and must re-resolve.
	CredentialEpoch int64  `json:"credentialEpoch"`
	Permissions     string `json:"permissions"`

	// Set when the provider rejects a commit outright (permission denied,
	// repo gone) and the binding needs re-validation by the user.
	FlaggedReason string `json:"flaggedReason,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// PublishJob is the durable unit of publishing work. Immutable once
// terminal; retried work increments Attempts on the same row.
type PublishJob struct {
	ID             string `gorm:"primaryKey" json:"id"`
	PostID         string `gorm:"index;index:idx_target,priority:2" json:"postId"`
	InstallationID int64  `gorm:"index:idx_target,priority:1" json:"installationId"`
	ArchiveRef     string `json:"archiveRef"`

	// ActiveKey is "<installationID>/<postID>" while the job is
	// non-terminal and NULL afterwards. The unique index makes the
	// one-active-job-per-target rule hold under concurrent submits,
	// not just against a snapshot read.
	ActiveKey *string `gorm:"uniqueIndex" json:"-"`

	State        JobState  `gorm:"index" json:"state"`
	ContentHash  string    `json:"contentHash"`
	Attempts     int       `json:"attempts"`
	ErrorKind    ErrorKind `json:"errorKind,omitempty"`
	ErrorMessage string    `json:"errorMessage,omitempty"`

	// Folded in from the CommitRecord on success.
	CommitSHA    string `json:"commitSha,omitempty"`
	FileCount    int    `json:"fileCount,omitempty"`
	RepoPublic   bool   `json:"repoPublic"`
	PagesEnabled bool   `json:"pagesEnabled"`

	// Cooperative cancellation flag, honored at retry boundaries once the
	// job has external side effects in flight.
	CancelRequested bool `json:"cancelRequested"`

	CreatedAt      time.Time `json:"createdAt"`
	TransitionedAt time.Time `json:"transitionedAt"`
}

// CommitRecord is the outcome of one Commit Client call, owned by the
// attempt that produced it.
type CommitRecord struct {
	RevisionSHA  string
	FileCount    int
	RepoPublic   bool
	PagesEnabled bool
}

// Post is the narrow slice of the post record this service reads and
// writes: publish/hide bookkeeping only.
type Post struct {
	ID            string    `gorm:"primaryKey" json:"id"`
	OwnerID       string    `gorm:"index" json:"ownerId"`
	Status        string    `json:"status"` // draft, published, hidden
	PublishedHash string    `json:"publishedHash,omitempty"`
	HiddenReason  string    `json:"hiddenReason,omitempty"`
	CreatedAt     time.Time `json:"createdAt"`
	UpdatedAt     time.Time `json:"updatedAt"`
}

const (
	PostStatusDraft     = "draft"
	PostStatusPublished = "published"
	PostStatusHidden    = "hidden"
)

// AuditEntry is an append-only record of a consistency-check outcome or
// auto-hide action. Never mutated or deleted here.
type AuditEntry struct {
	ID           string    `gorm:"primaryKey" json:"id"`
	JobID        string    `gorm:"index" json:"jobId"`
	PostID       string    `gorm:"index" json:"postId"`
	ExpectedHash string    `json:"expectedHash"`
	ObservedHash string    `json:"observedHash"`
	Action       string    `json:"action"` // verified, post_hidden
	CreatedAt    time.Time `json:"createdAt"`
}

const (
	AuditActionVerified   = "verified"
	AuditActionPostHidden = "post_hidden"
)
