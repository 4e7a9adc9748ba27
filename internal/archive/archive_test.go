package archive

import (
	"bytes"
	"errors"
	"testing"
)

func TestPutFetchRoundTrip(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	data := []byte("pixel art bundle")
	ref, err := s.Put(data)
	if err != nil {
		t.Fatalf("put: %v", err)
	}

	again, err := s.Put(data)
	if err != nil {
		t.Fatalf("second put: %v", err)
	}
	if again != ref {
		t.Fatalf("same bytes produced different refs: %s vs %s", ref, again)
	}

	got, err := s.Fetch(ref)
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(got, data) {
		t.Fatalf("fetched bytes differ")
	}
}

func TestFetchUnknownRef(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	_, err = s.Fetch("sha256:" + string(bytes.Repeat([]byte{'a'}, 64)))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
	if _, err := s.Fetch("not-a-ref"); err == nil {
		t.Fatalf("malformed ref should error")
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ref, err := s.Put([]byte("gone soon"))
	if err != nil {
		t.Fatalf("put: %v", err)
	}
	if err := s.Delete(ref); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete(ref); err != nil {
		t.Fatalf("second delete: %v", err)
	}
	if _, err := s.Fetch(ref); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}
}
