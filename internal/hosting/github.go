package hosting

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/go-github/v55/github"
	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
	"golang.org/x/time/rate"

	"github.com/fabkury/makapix-sub003/internal/logging"
	"github.com/fabkury/makapix-sub003/internal/metrics"
	"github.com/fabkury/makapix-sub003/internal/registry"
	"github.com/fabkury/makapix-sub003/internal/relay"
)

// GitHub implements Client against the GitHub REST API using the Git
// Data endpoints, so a whole bundle lands as one atomic commit.
type GitHub struct {
	limiter     *rate.Limiter
	log         *logrus.Entry
	authorName  string
	authorEmail string

	// newClient builds an authenticated client per call; swappable so
	// tests can point at a local server.
	newClient func(token string) *github.Client
}

func NewGitHub(authorName, authorEmail string) *GitHub {
	if authorName == "" {
		authorName = "makapix-publisher"
	}
	if authorEmail == "" {
		authorEmail = "publisher@makapix.club"
	}
	return &GitHub{
		authorName:  authorName,
		authorEmail: authorEmail,
		// Stays well under the secondary rate limits for content writes.
		limiter: rate.NewLimiter(rate.Limit(2), 5),
		log:     logging.C("hosting"),
		newClient: func(token string) *github.Client {
			ts := oauth2.StaticTokenSource(&oauth2.Token{AccessToken: token})
			return github.NewClient(oauth2.NewClient(context.Background(), ts))
		},
	}
}

func (g *GitHub) CommitFiles(ctx context.Context, cred registry.Credential, branch, message string, files []relay.File) (string, error) {
	client := g.newClient(cred.Token)
	owner, repo := cred.RepoOwner, cred.RepoName
	refName := "refs/heads/" + branch

	start := time.Now()
	sha, err := g.commitFiles(ctx, client, owner, repo, refName, message, files)
	metrics.ObserveProviderCall("commit_files", err, time.Since(start))
	if err != nil {
		return "", classify(err)
	}
	return sha, nil
}

func (g *GitHub) commitFiles(ctx context.Context, client *github.Client, owner, repo, refName, message string, files []relay.File) (string, error) {
	var parents []*github.Commit
	var baseCommit *github.Commit

	if err := g.wait(ctx); err != nil {
		return "", err
	}
	ref, resp, err := client.Git.GetRef(ctx, owner, repo, refName)
	switch {
	case err == nil:
		if err := g.wait(ctx); err != nil {
			return "", err
		}
		baseCommit, _, err = client.Git.GetCommit(ctx, owner, repo, ref.Object.GetSHA())
		if err != nil {
			return "", err
		}
		parents = []*github.Commit{{SHA: baseCommit.SHA}}
	case resp != nil && resp.StatusCode == http.StatusNotFound:
		// Empty repository: the first publish creates the branch.
	default:
		return "", err
	}

	entries := make([]*github.TreeEntry, 0, len(files))
	for _, f := range files {
		if err := g.wait(ctx); err != nil {
			return "", err
		}
		blob, _, err := client.Git.CreateBlob(ctx, owner, repo, &github.Blob{
			Content:  github.String(base64.StdEncoding.EncodeToString(f.Content)),
			Encoding: github.String("base64"),
		})
		if err != nil {
			return "", fmt.Errorf("create blob for %s: %w", f.Path, err)
		}
		entries = append(entries, &github.TreeEntry{
			Path: github.String(f.Path),
			Mode: github.String("100644"),
			Type: github.String("blob"),
			SHA:  blob.SHA,
		})
	}

	if err := g.wait(ctx); err != nil {
		return "", err
	}
	// No base tree: the bundle fully replaces the branch content.
	tree, _, err := client.Git.CreateTree(ctx, owner, repo, "", entries)
	if err != nil {
		return "", fmt.Errorf("create tree: %w", err)
	}

	// Identical tree means identical content already committed.
	if baseCommit != nil && baseCommit.GetTree().GetSHA() == tree.GetSHA() {
		g.log.WithFields(logrus.Fields{
			"repo": owner + "/" + repo,
			"sha":  baseCommit.GetSHA(),
		}).Info("tree unchanged, reusing existing commit")
		return baseCommit.GetSHA(), nil
	}

	if err := g.wait(ctx); err != nil {
		return "", err
	}
	now := time.Now()
	commit, _, err := client.Git.CreateCommit(ctx, owner, repo, &github.Commit{
		Message: github.String(message),
		Tree:    tree,
		Parents: parents,
		Author: &github.CommitAuthor{
			Name:  github.String(g.authorName),
			Email: github.String(g.authorEmail),
			Date:  &github.Timestamp{Time: now},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create commit: %w", err)
	}

	if err := g.wait(ctx); err != nil {
		return "", err
	}
	newRef := &github.Reference{
		Ref:    github.String(refName),
		Object: &github.GitObject{SHA: commit.SHA},
	}
	if baseCommit == nil {
		_, _, err = client.Git.CreateRef(ctx, owner, repo, newRef)
	} else {
		_, _, err = client.Git.UpdateRef(ctx, owner, repo, newRef, false)
	}
	if err != nil {
		return "", fmt.Errorf("advance %s: %w", refName, err)
	}
	return commit.GetSHA(), nil
}

func (g *GitHub) SetVisibility(ctx context.Context, cred registry.Credential, public bool) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	client := g.newClient(cred.Token)
	start := time.Now()
	_, _, err := client.Repositories.Edit(ctx, cred.RepoOwner, cred.RepoName, &github.Repository{
		Private: github.Bool(!public),
	})
	metrics.ObserveProviderCall("set_visibility", err, time.Since(start))
	if err != nil {
		return classify(err)
	}
	return nil
}

func (g *GitHub) EnablePages(ctx context.Context, cred registry.Credential, branch string) error {
	if err := g.wait(ctx); err != nil {
		return err
	}
	client := g.newClient(cred.Token)
	start := time.Now()
	_, resp, err := client.Repositories.EnablePages(ctx, cred.RepoOwner, cred.RepoName, &github.Pages{
		Source: &github.PagesSource{
			Branch: github.String(branch),
			Path:   github.String("/"),
		},
	})
	// 409 means pages is already enabled, which is the state we want.
	if err != nil && resp != nil && resp.StatusCode == http.StatusConflict {
		err = nil
	}
	metrics.ObserveProviderCall("enable_pages", err, time.Since(start))
	if err != nil {
		return classify(err)
	}
	return nil
}

func (g *GitHub) wait(ctx context.Context) error {
	if g.limiter == nil {
		return nil
	}
	return g.limiter.Wait(ctx)
}

// classify maps go-github errors onto the retry taxonomy the pipeline
// understands.
func classify(err error) error {
	var rateErr *github.RateLimitError
	if errors.As(err, &rateErr) {
		metrics.ObserveRateLimited()
		return &RetryableError{RetryAfter: time.Until(rateErr.Rate.Reset.Time), Err: err}
	}
	var abuseErr *github.AbuseRateLimitError
	if errors.As(err, &abuseErr) {
		metrics.ObserveRateLimited()
		var after time.Duration
		if abuseErr.RetryAfter != nil {
			after = *abuseErr.RetryAfter
		}
		return &RetryableError{RetryAfter: after, Err: err}
	}
	var ghErr *github.ErrorResponse
	if errors.As(err, &ghErr) && ghErr.Response != nil {
		switch code := ghErr.Response.StatusCode; {
		case code == http.StatusUnauthorized,
			code == http.StatusForbidden,
			code == http.StatusNotFound,
			code == http.StatusUnprocessableEntity:
			return &RejectedError{Err: err}
		case code >= 500:
			return &RetryableError{Err: err}
		}
	}
	// Network-level failures are worth retrying.
	return &RetryableError{Err: err}
}
