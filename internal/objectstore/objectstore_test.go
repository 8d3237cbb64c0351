// Copyright 2025 James Ross
package objectstore

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"go.uber.org/zap"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	return New(dir, zap.NewNop())
}

func TestPutAndGetRoundTrip(t *testing.T) {
	s := newTestStore(t)
	payload := bytes.Repeat([]byte{0x42}, 4096)

	res, err := s.Put(context.Background(), "worker-1", "1.2.3.S", "1.2.3.S.1", "1.2.3.S.1.1", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if res.Length != int64(len(payload)) {
		t.Fatalf("unexpected length: got %d, want %d", res.Length, len(payload))
	}
	if res.Idempotent {
		t.Fatalf("first write should not be idempotent")
	}

	rc, err := s.Get(context.Background(), "1.2.3.S", "1.2.3.S.1", "1.2.3.S.1.1")
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	defer rc.Close()
	got, err := io.ReadAll(rc)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("read bytes do not match written bytes")
	}
}

func TestPutIdempotentDuplicate(t *testing.T) {
	s := newTestStore(t)
	payload := []byte("same bytes twice")

	first, err := s.Put(context.Background(), "worker-1", "1.2.3.S", "1.2.3.S.1", "1.2.3.S.1.1", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}

	second, err := s.Put(context.Background(), "worker-2", "1.2.3.S", "1.2.3.S.1", "1.2.3.S.1.1", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("second Put: %v", err)
	}
	if !second.Idempotent {
		t.Fatalf("expected second identical write to be idempotent")
	}
	if second.Hash != first.Hash {
		t.Fatalf("hash changed across idempotent writes")
	}
}

func TestPutConflictingDuplicateRejected(t *testing.T) {
	s := newTestStore(t)

	_, err := s.Put(context.Background(), "worker-1", "1.2.3.S", "1.2.3.S.1", "1.2.3.S.1.1", bytes.NewReader([]byte("version one")))
	if err != nil {
		t.Fatalf("first Put: %v", err)
	}

	_, err = s.Put(context.Background(), "worker-1", "1.2.3.S", "1.2.3.S.1", "1.2.3.S.1.1", bytes.NewReader([]byte("version two, different bytes")))
	if !errors.Is(err, ErrHashMismatch) {
		t.Fatalf("expected ErrHashMismatch, got %v", err)
	}
}

func TestSweepOrphansRemovesOldScratchFiles(t *testing.T) {
	s := newTestStore(t)
	root := s.scratchRoot()
	worker1 := filepath.Join(root, "worker-1")
	worker2 := filepath.Join(root, "worker-2")
	if err := os.MkdirAll(worker1, 0o750); err != nil {
		t.Fatalf("mkdir worker-1 scratch dir: %v", err)
	}
	if err := os.MkdirAll(worker2, 0o750); err != nil {
		t.Fatalf("mkdir worker-2 scratch dir: %v", err)
	}

	oldFile := filepath.Join(worker1, "orphan-old")
	if err := os.WriteFile(oldFile, []byte("x"), 0o640); err != nil {
		t.Fatalf("write orphan: %v", err)
	}
	old := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(oldFile, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}

	freshFile := filepath.Join(worker2, "in-flight")
	if err := os.WriteFile(freshFile, []byte("y"), 0o640); err != nil {
		t.Fatalf("write fresh scratch: %v", err)
	}

	swept, err := s.SweepOrphans(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("SweepOrphans: %v", err)
	}
	if swept != 1 {
		t.Fatalf("expected 1 swept file, got %d", swept)
	}
	if _, err := os.Stat(oldFile); !os.IsNotExist(err) {
		t.Fatalf("expected orphan to be removed")
	}
	if _, err := os.Stat(worker1); !os.IsNotExist(err) {
		t.Fatalf("expected emptied worker-1 scratch dir to be pruned")
	}
	if _, err := os.Stat(freshFile); err != nil {
		t.Fatalf("expected in-flight scratch file to survive sweep: %v", err)
	}
	if _, err := os.Stat(worker2); err != nil {
		t.Fatalf("expected worker-2 scratch dir with in-flight file to survive: %v", err)
	}
}

func TestSweepOrphansEmptyRoot(t *testing.T) {
	s := newTestStore(t)
	swept, err := s.SweepOrphans(context.Background(), time.Hour)
	if err != nil {
		t.Fatalf("SweepOrphans on empty store: %v", err)
	}
	if swept != 0 {
		t.Fatalf("expected 0 swept files, got %d", swept)
	}
}
