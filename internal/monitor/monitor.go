// Package monitor verifies that published repositories still serve the
// exact content that was committed. A hash mismatch hides the post and
// leaves an audit entry; matches are recorded too so the trail shows
// the check ran.
package monitor

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/fabkury/makapix-sub003/internal/audit"
	"github.com/fabkury/makapix-sub003/internal/logging"
	"github.com/fabkury/makapix-sub003/internal/metrics"
	"github.com/fabkury/makapix-sub003/internal/models"
	"github.com/fabkury/makapix-sub003/internal/registry"
	"github.com/fabkury/makapix-sub003/internal/relay"
	"github.com/fabkury/makapix-sub003/internal/store"
)

// TreeReader reads the current file set of a published branch.
type TreeReader interface {
	ReadTree(ctx context.Context, owner, repo, branch string) ([]relay.File, error)
}

type Monitor struct {
	store    *store.Store
	registry *registry.Registry
	recorder *audit.Recorder
	reader   TreeReader
	branch   string
	interval time.Duration
	log      *logrus.Entry
}

func New(st *store.Store, reg *registry.Registry, rec *audit.Recorder, reader TreeReader, branch string, interval time.Duration) *Monitor {
	if branch == "" {
		branch = "main"
	}
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &Monitor{
		store:    st,
		registry: reg,
		recorder: rec,
		reader:   reader,
		branch:   branch,
		interval: interval,
		log:      logging.C("monitor"),
	}
}

// VerifyPublished checks one committed job immediately. Also the hook
// the pipeline calls right after a job commits.
func (m *Monitor) VerifyPublished(ctx context.Context, job *models.PublishJob) {
	if err := m.verify(ctx, job); err != nil {
		m.log.WithError(err).WithField("job", job.ID).Warn("verification skipped")
	}
}

func (m *Monitor) verify(ctx context.Context, job *models.PublishJob) error {
	post, err := m.store.GetPost(ctx, job.PostID)
	if err != nil {
		return fmt.Errorf("load post %s: %w", job.PostID, err)
	}
	// Only the live publication gets verified: a hidden post was already
	// acted on, and a newer hash means this job is no longer current.
	if post.Status != models.PostStatusPublished || post.PublishedHash != job.ContentHash {
		return nil
	}

	inst, err := m.registry.Resolve(ctx, job.InstallationID)
	if err != nil {
		return fmt.Errorf("resolve installation %d: %w", job.InstallationID, err)
	}

	files, err := m.reader.ReadTree(ctx, inst.RepoOwner, inst.RepoName, m.branch)
	if err != nil {
		metrics.ObserveConsistencySweep("unreachable")
		return fmt.Errorf("read %s/%s: %w", inst.RepoOwner, inst.RepoName, err)
	}
	observed := relay.HashFiles(files)

	entry := &models.AuditEntry{
		JobID:        job.ID,
		PostID:       job.PostID,
		ExpectedHash: job.ContentHash,
		ObservedHash: observed,
	}
	if observed == job.ContentHash {
		entry.Action = models.AuditActionVerified
		metrics.ObserveConsistencySweep("match")
		return m.recorder.Record(ctx, entry)
	}

	// Drift: the repository no longer holds what was committed. Hide
	// the post; the single audit entry is the decision record.
	entry.Action = models.AuditActionPostHidden
	metrics.ObserveConsistencySweep("mismatch")
	if err := m.store.MarkHidden(ctx, job.PostID, "published content no longer matches committed hash"); err != nil {
		return fmt.Errorf("hide post %s: %w", job.PostID, err)
	}
	m.log.WithFields(logrus.Fields{
		"post":     job.PostID,
		"expected": job.ContentHash,
		"observed": observed,
	}).Warn("content drift detected, post hidden")
	return m.recorder.Record(ctx, entry)
}

// Run sweeps committed jobs on the configured interval until ctx ends.
func (m *Monitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Sweep verifies every committed job whose post is still live.
func (m *Monitor) Sweep(ctx context.Context) {
	jobs, err := m.store.ListJobsByState(ctx, models.StateCommitted, 0)
	if err != nil {
		m.log.WithError(err).Error("list committed jobs")
		return
	}
	for i := range jobs {
		if ctx.Err() != nil {
			return
		}
		if err := m.verify(ctx, &jobs[i]); err != nil {
			m.log.WithError(err).WithField("job", jobs[i].ID).Warn("sweep verification failed")
		}
	}
}
