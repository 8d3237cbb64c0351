// Copyright 2025 James Ross

// Package objectstore implements the durable publish protocol: objects are
// streamed into a scratch file, verified, then atomically renamed into
// their final path and fsynced along with their containing directory.
// Nothing in this package parses or re-encodes the bytes it handles.
package objectstore

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// ErrHashMismatch is returned by Put when the final path already exists
// with content that does not match the newly received bytes.
var ErrHashMismatch = errors.New("objectstore: existing object hash mismatch")

// Store roots all published objects and scratch files under DataRoot.
type Store struct {
	dataRoot string
	log      *zap.Logger
}

// New returns a Store rooted at dataRoot. The scratch area (dataRoot/tmp)
// is created lazily on first Put.
func New(dataRoot string, log *zap.Logger) *Store {
	return &Store{dataRoot: dataRoot, log: log}
}

// Result describes a successfully published object.
type Result struct {
	Path   string
	Length int64
	Hash   string
	// Idempotent is true when the object already existed at its final
	// path with matching content; no bytes were re-published.
	Idempotent bool
}

// Put streams r to the final path derived from (study, series, instance),
// verifying its length and content hash before the publish rename. It
// returns ErrHashMismatch if an object already exists at that path with
// different content. workerID partitions the scratch file under its own
// subdirectory so concurrent writers never share a scratch directory.
func (s *Store) Put(ctx context.Context, workerID, study, series, instance string, r io.Reader) (Result, error) {
	finalPath := s.finalPath(study, series, instance)

	scratchPath, cleanup, err := s.newScratchFile(workerID)
	if err != nil {
		return Result{}, fmt.Errorf("allocate scratch file: %w", err)
	}
	defer cleanup()

	f, err := os.OpenFile(scratchPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o640)
	if err != nil {
		return Result{}, fmt.Errorf("open scratch file: %w", err)
	}

	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(f, hasher), r)
	if err != nil {
		f.Close()
		return Result{}, fmt.Errorf("stream object into scratch file: %w", err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return Result{}, fmt.Errorf("fsync scratch file: %w", err)
	}
	if err := f.Close(); err != nil {
		return Result{}, fmt.Errorf("close scratch file: %w", err)
	}
	hash := hex.EncodeToString(hasher.Sum(nil))

	if existing, ok, err := s.statExisting(finalPath); err != nil {
		return Result{}, fmt.Errorf("stat existing object: %w", err)
	} else if ok {
		if existing.hash == hash && existing.length == n {
			return Result{Path: finalPath, Length: n, Hash: hash, Idempotent: true}, nil
		}
		return Result{}, fmt.Errorf("%w: path=%s", ErrHashMismatch, finalPath)
	}

	if err := os.MkdirAll(filepath.Dir(finalPath), 0o750); err != nil {
		return Result{}, fmt.Errorf("create instance directory: %w", err)
	}
	if err := os.Rename(scratchPath, finalPath); err != nil {
		return Result{}, fmt.Errorf("publish rename: %w", err)
	}
	if err := fsyncPath(finalPath); err != nil {
		return Result{}, fmt.Errorf("fsync published file: %w", err)
	}
	if err := fsyncDir(filepath.Dir(finalPath)); err != nil {
		return Result{}, fmt.Errorf("fsync instance directory: %w", err)
	}

	s.log.Debug("published object",
		zap.String("path", finalPath),
		zap.Int64("length", n),
		zap.String("hash", hash),
	)
	return Result{Path: finalPath, Length: n, Hash: hash}, nil
}

// existingObject is the result of hashing an already-published object to
// check for an idempotent duplicate.
type existingObject struct {
	length int64
	hash   string
}

// statExisting reports whether finalPath already exists, and if so its
// length and content hash, for the idempotent-duplicate check in Put.
func (s *Store) statExisting(finalPath string) (existingObject, bool, error) {
	f, err := os.Open(finalPath)
	if err != nil {
		if os.IsNotExist(err) {
			return existingObject{}, false, nil
		}
		return existingObject{}, false, err
	}
	defer f.Close()

	hasher := sha256.New()
	n, err := io.Copy(hasher, f)
	if err != nil {
		return existingObject{}, false, err
	}
	return existingObject{length: n, hash: hex.EncodeToString(hasher.Sum(nil))}, true, nil
}

// Get opens the published object at (study, series, instance) for
// streaming read. Callers may assume the returned bytes are immutable.
func (s *Store) Get(ctx context.Context, study, series, instance string) (io.ReadCloser, error) {
	f, err := os.Open(s.finalPath(study, series, instance))
	if err != nil {
		return nil, fmt.Errorf("open published object: %w", err)
	}
	return f, nil
}

// finalPath derives the two-nested-directory layout from the study and
// series UIDs, with the instance UID as the filename. UIDs are restricted
// to DICOM's own character set (digits and '.'), which is already safe for
// every target filesystem, so no additional escaping is required.
func (s *Store) finalPath(study, series, instance string) string {
	return filepath.Join(s.dataRoot, study, series, instance+".dcm")
}

func (s *Store) scratchRoot() string {
	return filepath.Join(s.dataRoot, "tmp")
}

// newScratchFile allocates a unique path under workerID's own scratch
// subdirectory, on the same filesystem as published objects so the publish
// rename is atomic. Partitioning scratch files per worker keeps concurrent
// writers from ever racing on the same directory. The returned cleanup func
// removes the scratch file if it is still present (a no-op once Put has
// renamed it away).
func (s *Store) newScratchFile(workerID string) (path string, cleanup func(), err error) {
	root := filepath.Join(s.scratchRoot(), workerID)
	if err := os.MkdirAll(root, 0o750); err != nil {
		return "", nil, fmt.Errorf("create scratch root: %w", err)
	}
	suffix := make([]byte, 16)
	if _, err := rand.Read(suffix); err != nil {
		return "", nil, fmt.Errorf("generate scratch suffix: %w", err)
	}
	path = filepath.Join(root, hex.EncodeToString(suffix))
	return path, func() { os.Remove(path) }, nil
}

// SweepOrphans removes scratch files older than horizon, reclaiming space
// left behind by associations that never reached the publish step
// (crashed receiver, aborted association). It walks every per-worker
// scratch subdirectory and also prunes worker directories left empty by
// the sweep.
func (s *Store) SweepOrphans(ctx context.Context, horizon time.Duration) (int, error) {
	root := s.scratchRoot()
	workerDirs, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("read scratch root: %w", err)
	}

	cutoff := time.Now().Add(-horizon)
	swept := 0
	for _, workerDir := range workerDirs {
		if !workerDir.IsDir() {
			continue
		}
		dirPath := filepath.Join(root, workerDir.Name())
		entries, err := os.ReadDir(dirPath)
		if err != nil {
			continue
		}
		for _, entry := range entries {
			info, err := entry.Info()
			if err != nil {
				continue
			}
			if info.ModTime().After(cutoff) {
				continue
			}
			path := filepath.Join(dirPath, entry.Name())
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				return swept, fmt.Errorf("remove orphan scratch file %s: %w", path, err)
			}
			swept++
		}
		if remaining, err := os.ReadDir(dirPath); err == nil && len(remaining) == 0 {
			os.Remove(dirPath)
		}
	}
	if swept > 0 {
		s.log.Info("swept orphan scratch files", zap.Int("count", swept))
	}
	return swept, nil
}

func fsyncPath(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	return f.Sync()
}

func fsyncDir(dir string) error {
	d, err := os.Open(dir)
	if err != nil {
		return err
	}
	defer d.Close()
	return d.Sync()
}
