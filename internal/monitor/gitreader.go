package monitor

import (
	"context"
	"fmt"

	"github.com/go-git/go-billy/v5/memfs"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/storage/memory"

	"github.com/fabkury/makapix-sub003/internal/relay"
)

// GitReader reads the published branch over anonymous https with a
// shallow in-memory clone. Verification runs after the repository went
// public, so no credential is needed.
type GitReader struct {
	baseURL string
}

func NewGitReader() *GitReader {
	return &GitReader{baseURL: "https://github.com"}
}

func (r *GitReader) ReadTree(ctx context.Context, owner, repo, branch string) ([]relay.File, error) {
	url := fmt.Sprintf("%s/%s/%s.git", r.baseURL, owner, repo)
	rep, err := git.CloneContext(ctx, memory.NewStorage(), memfs.New(), &git.CloneOptions{
		URL:           url,
		ReferenceName: plumbing.NewBranchReferenceName(branch),
		SingleBranch:  true,
		Depth:         1,
	})
	if err != nil {
		return nil, fmt.Errorf("clone %s: %w", url, err)
	}

	head, err := rep.Head()
	if err != nil {
		return nil, err
	}
	commit, err := rep.CommitObject(head.Hash())
	if err != nil {
		return nil, err
	}
	tree, err := commit.Tree()
	if err != nil {
		return nil, err
	}

	var files []relay.File
	err = tree.Files().ForEach(func(f *object.File) error {
		content, err := f.Contents()
		if err != nil {
			return err
		}
		files = append(files, relay.File{
			Path:    f.Name,
			Size:    f.Size,
			Content: []byte(content),
		})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return files, nil
}
