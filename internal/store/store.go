// Package store persists publish jobs, installations, posts and the
// audit trail in relational storage.
package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/mysql"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/fabkury/makapix-sub003/internal/models"
)

var (
	ErrNotFound = errors.New("record not found")

	// ErrConflict is returned when a non-terminal job already exists for
	// the same (installation, post) target.
	ErrConflict = errors.New("publish job already in flight for target")
)

type Store struct {
	db *gorm.DB
}

// Open connects to the configured database and migrates the schema.
// Supported drivers: mysql, sqlite.
func Open(driver, dsn string) (*Store, error) {
	var dialector gorm.Dialector
	switch driver {
	case "mysql":
		dialector = mysql.Open(dsn)
	case "sqlite":
		dialector = sqlite.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{TranslateError: true})
	if err != nil {
		return nil, err
	}
	return New(db)
}

// New wraps an existing gorm handle and migrates the schema. Used by
// tests with an in-memory sqlite database.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(
		&models.Installation{},
		&models.PublishJob{},
		&models.Post{},
		&models.AuditEntry{},
	); err != nil {
		return nil, err
	}
	return &Store{db: db}, nil
}

func (s *Store) DB() *gorm.DB { return s.db }

// --- publish jobs ---

// CreateJob inserts a new job unless a non-terminal job already exists
// for the same (installation, post) pair, in which case ErrConflict is
// returned and the in-flight job is left untouched. The unique index
// on ActiveKey is what actually enforces this under concurrency; the
// count check only produces a cleaner error on the common path.
func (s *Store) CreateJob(ctx context.Context, job *models.PublishJob) error {
	key := fmt.Sprintf("%d/%s", job.InstallationID, job.PostID)
	job.ActiveKey = &key
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		err := tx.Model(&models.PublishJob{}).
			Where("installation_id = ? AND post_id = ? AND state NOT IN ?",
				job.InstallationID, job.PostID,
				[]models.JobState{models.StateCommitted, models.StateFailed}).
			Count(&count).Error
		if err != nil {
			return err
		}
		if count > 0 {
			return ErrConflict
		}
		return tx.Create(job).Error
	})
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return ErrConflict
	}
	return err
}

// DeleteJob removes a job row. Only used to roll back a submit whose
// job never made it into the queue.
func (s *Store) DeleteJob(ctx context.Context, id string) error {
	return s.db.WithContext(ctx).Delete(&models.PublishJob{}, "id = ?", id).Error
}

func (s *Store) GetJob(ctx context.Context, id string) (*models.PublishJob, error) {
	var job models.PublishJob
	if err := s.db.WithContext(ctx).First(&job, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

func (s *Store) SaveJob(ctx context.Context, job *models.PublishJob) error {
	return s.db.WithContext(ctx).Save(job).Error
}

// TransitionJob moves a job to the next state after checking the
// transition is legal, stamping the transition time.
func (s *Store) TransitionJob(ctx context.Context, job *models.PublishJob, next models.JobState) error {
	if !job.State.CanTransition(next) {
		return fmt.Errorf("illegal transition %s -> %s for job %s", job.State, next, job.ID)
	}
	job.State = next
	job.TransitionedAt = time.Now().UTC()
	if next.Terminal() {
		// Frees the (installation, post) target for the next submit.
		job.ActiveKey = nil
	}
	return s.SaveJob(ctx, job)
}

func (s *Store) FindActiveJob(ctx context.Context, installationID int64, postID string) (*models.PublishJob, error) {
	var job models.PublishJob
	err := s.db.WithContext(ctx).
		Where("installation_id = ? AND post_id = ? AND state NOT IN ?",
			installationID, postID,
			[]models.JobState{models.StateCommitted, models.StateFailed}).
		First(&job).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &job, nil
}

// ListActiveJobs returns every non-terminal job, oldest first. Used by
// the reconciler to recover work after a restart.
func (s *Store) ListActiveJobs(ctx context.Context) ([]models.PublishJob, error) {
	var jobs []models.PublishJob
	err := s.db.WithContext(ctx).
		Where("state NOT IN ?", []models.JobState{models.StateCommitted, models.StateFailed}).
		Order("created_at asc").Find(&jobs).Error
	if err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) ListJobsByState(ctx context.Context, state models.JobState, limit int) ([]models.PublishJob, error) {
	var jobs []models.PublishJob
	q := s.db.WithContext(ctx).Where("state = ?", state).Order("created_at asc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&jobs).Error; err != nil {
		return nil, err
	}
	return jobs, nil
}

func (s *Store) CountJobsByState(ctx context.Context) (map[string]int, error) {
	type row struct {
		State string
		N     int
	}
	var rows []row
	err := s.db.WithContext(ctx).Model(&models.PublishJob{}).
		Select("state as state, count(*) as n").
		Group("state").Scan(&rows).Error
	if err != nil {
		return nil, err
	}
	counts := make(map[string]int, len(rows))
	for _, r := range rows {
		counts[r.State] = r.N
	}
	return counts, nil
}

// --- installations ---

// BindInstallation replaces any prior active binding for the same
// (user, repo) pair. The credential epoch always moves forward so jobs
// holding a stale resolution re-resolve on their next attempt.
func (s *Store) BindInstallation(ctx context.Context, inst *models.Installation) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var prior models.Installation
		err := tx.Where("user_id = ? AND repo_owner = ? AND repo_name = ?",
			inst.UserID, inst.RepoOwner, inst.RepoName).First(&prior).Error
		switch {
		case err == nil:
			inst.CredentialEpoch = prior.CredentialEpoch + 1
			if prior.ID != inst.ID {
				if err := tx.Delete(&models.Installation{}, "id = ?", prior.ID).Error; err != nil {
					return err
				}
			}
		case errors.Is(err, gorm.ErrRecordNotFound):
			inst.CredentialEpoch = 1
		default:
			return err
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).Create(inst).Error
	})
}

func (s *Store) GetInstallation(ctx context.Context, id int64) (*models.Installation, error) {
	var inst models.Installation
	if err := s.db.WithContext(ctx).First(&inst, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &inst, nil
}

func (s *Store) DeleteInstallation(ctx context.Context, id int64) error {
	return s.db.WithContext(ctx).Delete(&models.Installation{}, "id = ?", id).Error
}

func (s *Store) UpdateInstallationToken(ctx context.Context, id int64, token string, expiresAt time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Installation{}).
		Where("id = ?", id).
		Updates(map[string]interface{}{
			"token":            token,
			"token_expires_at": expiresAt,
		}).Error
}

func (s *Store) FlagInstallation(ctx context.Context, id int64, reason string) error {
	return s.db.WithContext(ctx).Model(&models.Installation{}).
		Where("id = ?", id).
		Update("flagged_reason", reason).Error
}

// --- posts ---

func (s *Store) CreatePost(ctx context.Context, post *models.Post) error {
	return s.db.WithContext(ctx).Create(post).Error
}

func (s *Store) GetPost(ctx context.Context, id string) (*models.Post, error) {
	var post models.Post
	if err := s.db.WithContext(ctx).First(&post, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &post, nil
}

func (s *Store) MarkPublished(ctx context.Context, postID, committedHash string) error {
	return s.db.WithContext(ctx).Model(&models.Post{}).
		Where("id = ?", postID).
		Updates(map[string]interface{}{
			"status":         models.PostStatusPublished,
			"published_hash": committedHash,
			"hidden_reason":  "",
		}).Error
}

func (s *Store) MarkHidden(ctx context.Context, postID, reason string) error {
	return s.db.WithContext(ctx).Model(&models.Post{}).
		Where("id = ?", postID).
		Updates(map[string]interface{}{
			"status":        models.PostStatusHidden,
			"hidden_reason": reason,
		}).Error
}

// --- audit trail ---

// AppendAudit writes an audit entry. The trail is append-only: nothing
// in this service updates or deletes entries.
func (s *Store) AppendAudit(ctx context.Context, entry *models.AuditEntry) error {
	return s.db.WithContext(ctx).Create(entry).Error
}

func (s *Store) ListAudit(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	q := s.db.WithContext(ctx).Order("created_at desc")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}

func (s *Store) AuditForJob(ctx context.Context, jobID string) ([]models.AuditEntry, error) {
	var entries []models.AuditEntry
	if err := s.db.WithContext(ctx).Where("job_id = ?", jobID).Find(&entries).Error; err != nil {
		return nil, err
	}
	return entries, nil
}
