// Package api exposes the publisher over HTTP: submitting archives,
// inspecting and canceling jobs, reading posts and the audit trail,
// and receiving installation webhooks from the provider.
package api

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	ghwebhook "github.com/go-playground/webhooks/v6/github"
	"github.com/sirupsen/logrus"

	"github.com/fabkury/makapix-sub003/internal/audit"
	"github.com/fabkury/makapix-sub003/internal/logging"
	"github.com/fabkury/makapix-sub003/internal/models"
	"github.com/fabkury/makapix-sub003/internal/pipeline"
	"github.com/fabkury/makapix-sub003/internal/queue"
	"github.com/fabkury/makapix-sub003/internal/registry"
	"github.com/fabkury/makapix-sub003/internal/store"
)

type Server struct {
	sched    *pipeline.Scheduler
	store    *store.Store
	registry *registry.Registry
	recorder *audit.Recorder
	hook     *ghwebhook.Webhook
	maxBody  int64
	log      *logrus.Entry
}

func New(sched *pipeline.Scheduler, st *store.Store, reg *registry.Registry, rec *audit.Recorder, webhookSecret string, maxBody int64) (*Server, error) {
	var opts []ghwebhook.Option
	if webhookSecret != "" {
		opts = append(opts, ghwebhook.Options.Secret(webhookSecret))
	}
	hook, err := ghwebhook.New(opts...)
	if err != nil {
		return nil, err
	}
	if maxBody <= 0 {
		maxBody = 32 << 20
	}
	return &Server{
		sched:    sched,
		store:    st,
		registry: reg,
		recorder: rec,
		hook:     hook,
		maxBody:  maxBody,
		log:      logging.C("api"),
	}, nil
}

func (s *Server) Register(r *gin.Engine) {
	r.GET("/healthz", s.healthz)

	v1 := r.Group("/v1")
	v1.POST("/publish", s.submit)
	v1.GET("/jobs/:id", s.getJob)
	v1.POST("/jobs/:id/cancel", s.cancelJob)
	v1.GET("/posts/:id", s.getPost)
	v1.GET("/audit", s.listAudit)
	v1.POST("/webhooks/github", s.githubWebhook)
}

func (s *Server) healthz(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// submit accepts a multipart upload: the archive plus its target post
// and installation. Accepted jobs come back 202 with the job record.
func (s *Server) submit(c *gin.Context) {
	postID := c.PostForm("postId")
	installationID, err := strconv.ParseInt(c.PostForm("installationId"), 10, 64)
	if postID == "" || err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "postId and numeric installationId are required"})
		return
	}

	fh, err := c.FormFile("archive")
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "archive file is required"})
		return
	}
	if fh.Size > s.maxBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "archive too large"})
		return
	}
	src, err := fh.Open()
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unreadable archive upload"})
		return
	}
	defer src.Close()
	data, err := io.ReadAll(io.LimitReader(src, s.maxBody+1))
	if err != nil || int64(len(data)) > s.maxBody {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"error": "archive too large"})
		return
	}

	job, err := s.sched.Submit(c.Request.Context(), postID, installationID, data)
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, job)
	case errors.Is(err, pipeline.ErrConflict):
		c.JSON(http.StatusConflict, gin.H{
			"error": err.Error(),
			"kind":  models.ErrKindConflict,
		})
	case errors.Is(err, registry.ErrBindingNotFound):
		c.JSON(http.StatusNotFound, gin.H{
			"error": err.Error(),
			"kind":  models.ErrKindBindingNotFound,
		})
	case errors.Is(err, queue.ErrFull):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		s.log.WithError(err).Error("submit failed")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) getJob(c *gin.Context) {
	job, err := s.sched.GetJob(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, job)
}

func (s *Server) cancelJob(c *gin.Context) {
	err := s.sched.Cancel(c.Request.Context(), c.Param("id"))
	switch {
	case err == nil:
		c.JSON(http.StatusAccepted, gin.H{"status": "cancellation requested"})
	case errors.Is(err, store.ErrNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "job not found"})
	case errors.Is(err, pipeline.ErrTooLate):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
	}
}

func (s *Server) getPost(c *gin.Context) {
	post, err := s.store.GetPost(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "post not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, post)
}

func (s *Server) listAudit(c *gin.Context) {
	if jobID := c.Query("jobId"); jobID != "" {
		entries, err := s.recorder.ForJob(c.Request.Context(), jobID)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
			return
		}
		c.JSON(http.StatusOK, entries)
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "50"))
	if err != nil || limit < 1 || limit > 1000 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "limit must be between 1 and 1000"})
		return
	}
	entries, err := s.recorder.List(c.Request.Context(), limit)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, entries)
}

// githubWebhook keeps bindings in sync with the provider: installing
// the app binds, uninstalling (or removing the repo) revokes.
func (s *Server) githubWebhook(c *gin.Context) {
	payload, err := s.hook.Parse(c.Request,
		ghwebhook.InstallationEvent, ghwebhook.InstallationRepositoriesEvent)
	if err != nil {
		if err == ghwebhook.ErrEventNotFound {
			// Event types we don't track are acknowledged and ignored.
			c.JSON(http.StatusOK, gin.H{"status": "ignored"})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ctx := c.Request.Context()
	switch p := payload.(type) {
	case ghwebhook.InstallationPayload:
		switch p.Action {
		case "created":
			if len(p.Repositories) == 0 {
				c.JSON(http.StatusOK, gin.H{"status": "no repositories"})
				return
			}
			// One binding per installation; the app is installed on a
			// single publishing repository.
			repo := p.Repositories[0]
			err = s.registry.Bind(ctx, &models.Installation{
				ID:        p.Installation.ID,
				UserID:    p.Installation.Account.Login,
				RepoOwner: p.Installation.Account.Login,
				RepoName:  repo.Name,
			})
		case "deleted":
			err = s.registry.Revoke(ctx, p.Installation.ID)
		}
	case ghwebhook.InstallationRepositoriesPayload:
		if len(p.RepositoriesAdded) > 0 {
			repo := p.RepositoriesAdded[0]
			err = s.registry.Bind(ctx, &models.Installation{
				ID:        p.Installation.ID,
				UserID:    p.Installation.Account.Login,
				RepoOwner: p.Installation.Account.Login,
				RepoName:  repo.Name,
			})
		} else if len(p.RepositoriesRemoved) > 0 {
			err = s.registry.Revoke(ctx, p.Installation.ID)
		}
	}
	if err != nil {
		s.log.WithError(err).Error("apply installation webhook")
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal error"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}
