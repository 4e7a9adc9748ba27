// Package audit records consistency-check outcomes. Entries are the
// durable evidence trail behind auto-hide decisions: written once,
// queryable by job or post, optionally mirrored into elasticsearch for
// operator search.
package audit

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esapi"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/fabkury/makapix-sub003/internal/logging"
	"github.com/fabkury/makapix-sub003/internal/models"
	"github.com/fabkury/makapix-sub003/internal/store"
)

type Recorder struct {
	store *store.Store
	log   *logrus.Entry

	es      *elasticsearch.Client
	esIndex string
}

func New(st *store.Store) *Recorder {
	return &Recorder{store: st, log: logging.C("audit")}
}

// EnableElasticsearch mirrors entries into an index for search. The
// relational row stays the source of truth.
func (r *Recorder) EnableElasticsearch(addresses []string, index string) error {
	es, err := elasticsearch.NewClient(elasticsearch.Config{Addresses: addresses})
	if err != nil {
		return fmt.Errorf("elasticsearch client: %w", err)
	}
	if index == "" {
		index = "makapix-audit"
	}
	r.es = es
	r.esIndex = index
	return nil
}

// Record persists one entry, filling in id and timestamp when the
// caller left them zero.
func (r *Recorder) Record(ctx context.Context, entry *models.AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	if err := r.store.AppendAudit(ctx, entry); err != nil {
		return fmt.Errorf("append audit entry: %w", err)
	}
	r.log.WithFields(logrus.Fields{
		"action": entry.Action,
		"post":   entry.PostID,
		"job":    entry.JobID,
	}).Info("audit entry recorded")

	if r.es != nil {
		r.index(ctx, entry)
	}
	return nil
}

// index mirrors an entry into elasticsearch, best effort.
func (r *Recorder) index(ctx context.Context, entry *models.AuditEntry) {
	body, err := json.Marshal(entry)
	if err != nil {
		r.log.WithError(err).Error("marshal audit entry for indexing")
		return
	}
	req := esapi.IndexRequest{
		Index:      r.esIndex,
		DocumentID: entry.ID,
		Body:       bytes.NewReader(body),
	}
	res, err := req.Do(ctx, r.es)
	if err != nil {
		r.log.WithError(err).Warn("index audit entry")
		return
	}
	defer res.Body.Close()
	if res.IsError() {
		r.log.WithField("status", res.StatusCode).Warn("index audit entry")
	}
}

func (r *Recorder) List(ctx context.Context, limit int) ([]models.AuditEntry, error) {
	return r.store.ListAudit(ctx, limit)
}

func (r *Recorder) ForJob(ctx context.Context, jobID string) ([]models.AuditEntry, error) {
	return r.store.AuditForJob(ctx, jobID)
}
