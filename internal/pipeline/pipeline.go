// Package pipeline runs publish jobs through their lifecycle: accept
// the upload, validate it, commit it to the user's repository, flip
// hosting on, and record the terminal outcome. One job is in flight
// per installation at a time; everything else waits in the queue.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fabkury/makapix-sub003/internal/archive"
	"github.com/fabkury/makapix-sub003/internal/events"
	"github.com/fabkury/makapix-sub003/internal/hosting"
	"github.com/fabkury/makapix-sub003/internal/logging"
	"github.com/fabkury/makapix-sub003/internal/metrics"
	"github.com/fabkury/makapix-sub003/internal/models"
	"github.com/fabkury/makapix-sub003/internal/queue"
	"github.com/fabkury/makapix-sub003/internal/registry"
	"github.com/fabkury/makapix-sub003/internal/relay"
	"github.com/fabkury/makapix-sub003/internal/store"
)

var (
	ErrConflict  = errors.New("a publish job is already in flight for this post")
	ErrTooLate   = errors.New("job already reached a terminal state")
	ErrQueueFull = queue.ErrFull
)

// Verifier is called after a job commits so the consistency monitor
// can read the published content back. Optional.
type Verifier interface {
	VerifyPublished(ctx context.Context, job *models.PublishJob)
}

type Config struct {
	Workers        int
	MaxAttempts    int
	RetryBaseDelay time.Duration
	RetryMaxDelay  time.Duration
	JobTimeout     time.Duration
	Branch         string

	// ReconcileInterval is how often durable job state is swept for work
	// this process (or a crashed predecessor) is no longer driving.
	ReconcileInterval time.Duration
	// RequeueAfter is how long a non-terminal job may sit without a
	// transition before the reconciler re-enqueues it.
	RequeueAfter time.Duration
}

type Scheduler struct {
	cfg      Config
	store    *store.Store
	archives *archive.Store
	registry *registry.Registry
	provider hosting.Client
	queue    queue.Queue
	notifier *events.Notifier
	policy   relay.Policy
	verifier Verifier
	log      *logrus.Entry

	mu       sync.Mutex
	inflight map[int64]bool
	active   map[string]bool
}

func New(cfg Config, st *store.Store, archives *archive.Store, reg *registry.Registry,
	provider hosting.Client, q queue.Queue, notifier *events.Notifier, policy relay.Policy) *Scheduler {
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 5
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = 2 * time.Second
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 2 * time.Minute
	}
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 10 * time.Minute
	}
	if cfg.Branch == "" {
		cfg.Branch = "main"
	}
	if cfg.ReconcileInterval <= 0 {
		cfg.ReconcileInterval = 15 * time.Second
	}
	if cfg.RequeueAfter <= 0 {
		cfg.RequeueAfter = time.Minute
	}
	return &Scheduler{
		cfg:      cfg,
		store:    st,
		archives: archives,
		registry: reg,
		provider: provider,
		queue:    q,
		notifier: notifier,
		policy:   policy,
		log:      logging.C("pipeline"),
		inflight: make(map[int64]bool),
		active:   make(map[string]bool),
	}
}

// SetVerifier wires the consistency monitor in after construction; the
// monitor itself needs the store this scheduler was built with.
func (s *Scheduler) SetVerifier(v Verifier) { s.verifier = v }

// Submit stores the upload, creates the job and queues it. At most one
// non-terminal job may exist per (installation, post); a second submit
// for the same target returns ErrConflict without side effects.
func (s *Scheduler) Submit(ctx context.Context, postID string, installationID int64, archiveData []byte) (*models.PublishJob, error) {
	if _, err := s.registry.Resolve(ctx, installationID); err != nil {
		return nil, err
	}

	ref, err := s.archives.Put(archiveData)
	if err != nil {
		return nil, fmt.Errorf("store archive: %w", err)
	}

	now := time.Now().UTC()
	job := &models.PublishJob{
		ID:             uuid.NewString(),
		PostID:         postID,
		InstallationID: installationID,
		ArchiveRef:     ref,
		State:          models.StateQueued,
		CreatedAt:      now,
		TransitionedAt: now,
	}
	if err := s.store.CreateJob(ctx, job); err != nil {
		if errors.Is(err, store.ErrConflict) {
			return nil, ErrConflict
		}
		return nil, err
	}

	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		// Nothing ran yet; roll the row back so the target is not
		// blocked by a job the queue never saw.
		if derr := s.store.DeleteJob(ctx, job.ID); derr != nil {
			s.log.WithError(derr).WithField("job", job.ID).Error("roll back unqueued job")
		}
		return nil, err
	}

	s.log.WithFields(logrus.Fields{
		"job":          job.ID,
		"post":         postID,
		"installation": installationID,
	}).Info("publish job accepted")
	metrics.ObserveTransition(string(models.StateQueued))
	if s.notifier != nil {
		s.notifier.JobStateChanged(job)
	}
	return job, nil
}

func (s *Scheduler) GetJob(ctx context.Context, id string) (*models.PublishJob, error) {
	return s.store.GetJob(ctx, id)
}

// Cancel requests cooperative cancellation. Queued jobs die before any
// external side effect; running jobs stop at their next stage or retry
// boundary. Terminal jobs return ErrTooLate.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	job, err := s.store.GetJob(ctx, id)
	if err != nil {
		return err
	}
	if job.State.Terminal() {
		return ErrTooLate
	}
	job.CancelRequested = true
	if err := s.store.SaveJob(ctx, job); err != nil {
		return err
	}
	s.log.WithField("job", id).Info("cancellation requested")
	return nil
}

// Run starts the worker pool and the reconciler and blocks until ctx
// ends.
func (s *Scheduler) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < s.cfg.Workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			s.worker(ctx, n)
		}(i)
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.reconcileLoop(ctx)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.gaugeLoop(ctx)
	}()

	wg.Wait()
}

func (s *Scheduler) reconcileLoop(ctx context.Context) {
	// First pass immediately: after a restart the queue is empty but the
	// store may still hold non-terminal jobs.
	s.reconcile(ctx)
	ticker := time.NewTicker(s.cfg.ReconcileInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.reconcile(ctx)
		}
	}
}

// reconcile reads durable job state back and repairs anything no worker
// is driving: jobs past the wall-clock budget go FAILED/Timeout, jobs
// with a pending cancellation go FAILED/Canceled, and jobs that merely
// lost their queue entry (restart, dropped requeue) are re-enqueued.
func (s *Scheduler) reconcile(ctx context.Context) {
	jobs, err := s.store.ListActiveJobs(ctx)
	if err != nil {
		s.log.WithError(err).Error("list active jobs")
		return
	}
	now := time.Now().UTC()
	for i := range jobs {
		job := &jobs[i]
		if ctx.Err() != nil {
			return
		}
		if s.isActive(job.ID) {
			continue // a local worker owns it
		}
		switch {
		case job.CancelRequested:
			s.failJob(ctx, job, models.ErrKindCanceled, "canceled while waiting for a worker")
		case now.Sub(job.CreatedAt) > s.cfg.JobTimeout:
			s.failJob(ctx, job, models.ErrKindTimeout,
				fmt.Sprintf("job exceeded its %s budget in state %s", s.cfg.JobTimeout, job.State))
		case now.Sub(job.TransitionedAt) > s.cfg.RequeueAfter:
			s.requeue(ctx, job)
		}
	}
}

// requeue puts an orphaned job back at the start of the pipeline.
// Re-running validation and commit is safe: validation is pure and an
// identical tree commits as a no-op.
func (s *Scheduler) requeue(ctx context.Context, job *models.PublishJob) {
	if job.State != models.StateQueued {
		job.State = models.StateQueued
		job.TransitionedAt = time.Now().UTC()
		if err := s.store.SaveJob(ctx, job); err != nil {
			s.log.WithError(err).WithField("job", job.ID).Error("reset orphaned job")
			return
		}
	}
	if err := s.queue.Enqueue(ctx, job.ID); err != nil {
		// The next reconcile pass tries again.
		s.log.WithError(err).WithField("job", job.ID).Warn("re-enqueue orphaned job")
		return
	}
	s.log.WithFields(logrus.Fields{
		"job":  job.ID,
		"post": job.PostID,
	}).Info("orphaned job re-enqueued")
}

func (s *Scheduler) worker(ctx context.Context, n int) {
	log := s.log.WithField("worker", n)
	for {
		jobID, err := s.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, queue.ErrClosed) {
				return
			}
			log.WithError(err).Warn("dequeue failed")
			continue
		}
		s.process(ctx, jobID)
	}
}

func (s *Scheduler) gaugeLoop(ctx context.Context) {
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.queue.Len(ctx); err == nil {
				metrics.SetQueueDepth(n)
			}
			if counts, err := s.store.CountJobsByState(ctx); err == nil {
				metrics.SetJobStateCounts(counts)
			}
		}
	}
}

// process drives one job from QUEUED to a terminal state.
func (s *Scheduler) process(ctx context.Context, jobID string) {
	if !s.beginJob(jobID) {
		// Duplicate queue entry for a job another worker already owns;
		// the owner finishes it.
		return
	}
	defer s.endJob(jobID)

	job, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		s.log.WithError(err).WithField("job", jobID).Error("load queued job")
		return
	}
	if job.State.Terminal() {
		return
	}
	if job.CancelRequested {
		s.failJob(ctx, job, models.ErrKindCanceled, "canceled before processing started")
		return
	}

	if !s.acquire(job.InstallationID) {
		// Another job for this installation is running; requeue and let a
		// later dequeue pick it up.
		time.AfterFunc(250*time.Millisecond, func() {
			if err := s.queue.Enqueue(context.Background(), job.ID); err != nil {
				s.log.WithError(err).WithField("job", job.ID).Error("requeue blocked job")
			}
		})
		return
	}
	defer s.release(job.InstallationID)

	jobCtx, cancel := context.WithTimeout(ctx, s.cfg.JobTimeout)
	defer cancel()

	res := s.validate(jobCtx, job)
	if res == nil {
		return // already terminal
	}
	s.commitAndPublish(jobCtx, job, res)
}

// validate runs the relay checks. A nil return means the job went
// terminal; otherwise the accepted file set comes back for committing.
func (s *Scheduler) validate(ctx context.Context, job *models.PublishJob) *relay.Result {
	if err := s.transition(ctx, job, models.StateValidating); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Error("enter VALIDATING")
		return nil
	}

	data, err := s.archives.Fetch(job.ArchiveRef)
	if err != nil {
		s.failJob(ctx, job, models.ErrKindValidationFailed, fmt.Sprintf("fetch archive: %v", err))
		return nil
	}

	res := relay.Validate(data, s.policy)
	if !res.OK {
		metrics.ObserveValidationReject(res.RejectClass)
		s.failJob(ctx, job, models.ErrKindValidationFailed, res.Reason)
		return nil
	}

	job.ContentHash = res.ContentHash
	job.FileCount = len(res.Files)
	if err := s.store.SaveJob(ctx, job); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Error("persist content hash")
	}
	return res
}

func (s *Scheduler) commitAndPublish(ctx context.Context, job *models.PublishJob, res *relay.Result) {
	if s.checkCanceled(ctx, job) {
		return
	}
	if err := s.transition(ctx, job, models.StateCommitting); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Error("enter COMMITTING")
		return
	}

	message := fmt.Sprintf("makapix: publish post %s (%.12s)", job.PostID, job.ContentHash)
	var sha string
	ok := s.withRetry(ctx, job, "commit", func(cred registry.Credential) error {
		var err error
		sha, err = s.provider.CommitFiles(ctx, cred, s.cfg.Branch, message, res.Files)
		return err
	})
	if !ok {
		return
	}
	job.CommitSHA = sha
	if err := s.store.SaveJob(ctx, job); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Error("persist commit sha")
	}

	if s.checkCanceled(ctx, job) {
		return
	}
	if err := s.transition(ctx, job, models.StatePublishing); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Error("enter PUBLISHING")
		return
	}

	if ok := s.withRetry(ctx, job, "visibility", func(cred registry.Credential) error {
		return s.provider.SetVisibility(ctx, cred, true)
	}); !ok {
		return
	}
	job.RepoPublic = true

	if ok := s.withRetry(ctx, job, "pages", func(cred registry.Credential) error {
		return s.provider.EnablePages(ctx, cred, s.cfg.Branch)
	}); !ok {
		return
	}
	job.PagesEnabled = true

	if err := s.transition(ctx, job, models.StateCommitted); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Error("enter COMMITTED")
		return
	}
	if err := s.store.MarkPublished(ctx, job.PostID, job.ContentHash); err != nil {
		s.log.WithError(err).WithField("post", job.PostID).Error("mark post published")
	}
	metrics.ObserveTerminal("committed", "", time.Since(job.CreatedAt))
	s.log.WithFields(logrus.Fields{
		"job":    job.ID,
		"post":   job.PostID,
		"sha":    job.CommitSHA,
		"files":  job.FileCount,
		"tries":  job.Attempts,
		"took_s": int(time.Since(job.CreatedAt).Seconds()),
	}).Info("publish job committed")

	if s.verifier != nil {
		s.verifier.VerifyPublished(ctx, job)
	}
}

// withRetry runs one provider operation under the retry budget,
// re-resolving the credential each attempt so a re-bind or token
// refresh takes effect mid-job. Returns false when the job went
// terminal.
func (s *Scheduler) withRetry(ctx context.Context, job *models.PublishJob, op string, fn func(cred registry.Credential) error) bool {
	for {
		if s.checkCanceled(ctx, job) {
			return false
		}

		cred, err := s.registry.CredentialFor(ctx, job.InstallationID)
		if err != nil {
			switch {
			case errors.Is(err, registry.ErrBindingNotFound):
				s.failJob(ctx, job, models.ErrKindBindingNotFound, err.Error())
			case errors.Is(err, registry.ErrBindingFlagged):
				s.failJob(ctx, job, models.ErrKindCommitRejected, err.Error())
			case errors.Is(err, registry.ErrCredentialExpired):
				s.failJob(ctx, job, models.ErrKindCredentialExpired, err.Error())
			default:
				s.failJob(ctx, job, models.ErrKindCredentialExpired, err.Error())
			}
			return false
		}

		err = fn(cred)
		if err == nil {
			return true
		}

		var rejected *hosting.RejectedError
		if errors.As(err, &rejected) {
			if ferr := s.registry.Flag(ctx, job.InstallationID, err.Error()); ferr != nil {
				s.log.WithError(ferr).WithField("installation", job.InstallationID).Error("flag installation")
			}
			s.failJob(ctx, job, models.ErrKindCommitRejected, err.Error())
			return false
		}

		job.Attempts++
		if job.Attempts >= s.cfg.MaxAttempts {
			s.failJob(ctx, job, models.ErrKindCommitExhausted,
				fmt.Sprintf("%s failed after %d attempts: %v", op, job.Attempts, err))
			return false
		}
		if serr := s.store.SaveJob(ctx, job); serr != nil {
			s.log.WithError(serr).WithField("job", job.ID).Error("persist attempt count")
		}

		delay := s.backoff(job.Attempts, err)
		s.log.WithFields(logrus.Fields{
			"job":     job.ID,
			"op":      op,
			"attempt": job.Attempts,
			"delay":   delay.String(),
		}).WithError(err).Warn("provider call failed, backing off")

		select {
		case <-time.After(delay):
		case <-ctx.Done():
			s.failJob(ctx, job, models.ErrKindTimeout,
				fmt.Sprintf("%s timed out after %d attempts: %v", op, job.Attempts, err))
			return false
		}
	}
}

// backoff is exponential with jitter, floored by any provider-suggested
// delay and capped at the configured maximum.
func (s *Scheduler) backoff(attempt int, err error) time.Duration {
	d := s.cfg.RetryBaseDelay
	for i := 1; i < attempt && d < s.cfg.RetryMaxDelay; i++ {
		d *= 2
	}
	if d > s.cfg.RetryMaxDelay {
		d = s.cfg.RetryMaxDelay
	}
	var retryable *hosting.RetryableError
	if errors.As(err, &retryable) && retryable.RetryAfter > d {
		d = retryable.RetryAfter
		if d > s.cfg.RetryMaxDelay {
			d = s.cfg.RetryMaxDelay
		}
	}
	// Up to 20% jitter so synchronized retries fan out.
	return d + time.Duration(rand.Int63n(int64(d)/5+1))
}

func (s *Scheduler) checkCanceled(ctx context.Context, job *models.PublishJob) bool {
	fresh, err := s.store.GetJob(ctx, job.ID)
	if err == nil && fresh.CancelRequested {
		job.CancelRequested = true
		s.failJob(ctx, job, models.ErrKindCanceled, "canceled by user")
		return true
	}
	return false
}

func (s *Scheduler) transition(ctx context.Context, job *models.PublishJob, next models.JobState) error {
	if err := s.store.TransitionJob(ctx, job, next); err != nil {
		return err
	}
	metrics.ObserveTransition(string(next))
	if s.notifier != nil {
		s.notifier.JobStateChanged(job)
	}
	return nil
}

func (s *Scheduler) failJob(ctx context.Context, job *models.PublishJob, kind models.ErrorKind, msg string) {
	job.ErrorKind = kind
	job.ErrorMessage = msg
	if err := s.store.TransitionJob(ctx, job, models.StateFailed); err != nil {
		s.log.WithError(err).WithField("job", job.ID).Error("enter FAILED")
		return
	}
	metrics.ObserveTransition(string(models.StateFailed))
	metrics.ObserveTerminal("failed", string(kind), time.Since(job.CreatedAt))
	if s.notifier != nil {
		s.notifier.JobStateChanged(job)
	}
	s.log.WithFields(logrus.Fields{
		"job":  job.ID,
		"kind": string(kind),
	}).Warn("publish job failed: " + msg)
}

func (s *Scheduler) acquire(installationID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight[installationID] {
		return false
	}
	s.inflight[installationID] = true
	return true
}

func (s *Scheduler) release(installationID int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, installationID)
}

func (s *Scheduler) beginJob(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active[jobID] {
		return false
	}
	s.active[jobID] = true
	return true
}

func (s *Scheduler) endJob(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.active, jobID)
}

func (s *Scheduler) isActive(jobID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active[jobID]
}
