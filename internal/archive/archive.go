// Package archive is a content-addressed store for uploaded artwork
// bundles. Archives are immutable once written; the ref doubles as an
// integrity check on read.
package archive

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

const refPrefix = "sha256:"

var ErrNotFound = errors.New("archive not found")

type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &Store{root: root}, nil
}

// Put writes the archive and returns its content-addressed ref.
// Writing the same bytes twice is a no-op returning the same ref.
func (s *Store) Put(data []byte) (string, error) {
	sum := sha256.Sum256(data)
	digest := hex.EncodeToString(sum[:])
	dir := filepath.Join(s.root, digest[:2])
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", err
	}
	dst := filepath.Join(dir, digest)
	if _, err := os.Stat(dst); err == nil {
		return refPrefix + digest, nil
	}

	// Write-then-rename so a crashed write never leaves a partial blob
	// under its final name.
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return "", err
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	if err := os.Rename(tmp.Name(), dst); err != nil {
		os.Remove(tmp.Name())
		return "", err
	}
	return refPrefix + digest, nil
}

// Fetch reads an archive back by ref and verifies its digest.
func (s *Store) Fetch(ref string) ([]byte, error) {
	digest, err := parseRef(ref)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(s.root, digest[:2], digest))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	sum := sha256.Sum256(data)
	if hex.EncodeToString(sum[:]) != digest {
		return nil, fmt.Errorf("archive %s is corrupt on disk", ref)
	}
	return data, nil
}

// Delete removes an archive. Used after a job reaches a terminal state
// when retention does not require keeping the upload.
func (s *Store) Delete(ref string) error {
	digest, err := parseRef(ref)
	if err != nil {
		return err
	}
	err = os.Remove(filepath.Join(s.root, digest[:2], digest))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}

func parseRef(ref string) (string, error) {
	if !strings.HasPrefix(ref, refPrefix) {
		return "", fmt.Errorf("malformed archive ref %q", ref)
	}
	digest := strings.TrimPrefix(ref, refPrefix)
	if len(digest) != 64 {
		return "", fmt.Errorf("malformed archive ref %q", ref)
	}
	return digest, nil
}
