// Package dirstore keeps one embedding record per file inside a directory.
//
// Every record lives in <dir>/<label>.emb. Writes go to a temporary file in the same
// directory which is fsynced and renamed over the old record, so readers observe either
// the previous record or the new one and never a partially written file.
package dirstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/renameio"
	"github.com/kozaktomas/face-attendance/internal/database"
)

const (
	backendName = "dir"

	// RecordExt is the file extension of embedding records.
	RecordExt = ".emb"
)

// Store is a directory-backed embedding store.
type Store struct {
	dir    string
	mu     sync.Mutex // serializes writers with each other; readers rely on atomic renames
	closed atomic.Bool
}

// Open creates the directory if needed and returns a store rooted at it.
func Open(dir string) (*Store, error) {
	if dir == "" {
		return nil, database.WrapError(backendName, "open", errors.New("directory is required"))
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, database.WrapError(backendName, "open", err)
	}
	return &Store{dir: dir}, nil
}

// Dir returns the directory the store lives in.
func (s *Store) Dir() string {
	return s.dir
}

func (s *Store) recordPath(label string) string {
	return filepath.Join(s.dir, label+RecordExt)
}

func (s *Store) checkOpen(op string) error {
	if s.closed.Load() {
		return database.WrapError(backendName, op, database.ErrStoreClosed)
	}
	return nil
}

// Put atomically replaces the record for label.
func (s *Store) Put(ctx context.Context, label string, vectors [][]float32) error {
	label, err := database.ValidateLabel(label)
	if err != nil {
		return err
	}
	data, err := database.EncodeVectors(vectors)
	if err != nil {
		return database.WrapError(backendName, "put", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("put"); err != nil {
		return err
	}

	if err := renameio.WriteFile(s.recordPath(label), data, 0o640); err != nil {
		return database.WrapError(backendName, "put", fmt.Errorf("writing record %q: %w", label, err))
	}
	return nil
}

// Delete removes the record for label along with any reference images.
func (s *Store) Delete(ctx context.Context, label string) error {
	label, err := database.ValidateLabel(label)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.checkOpen("delete"); err != nil {
		return err
	}

	if err := os.Remove(s.recordPath(label)); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return database.ErrNotFound
		}
		return database.WrapError(backendName, "delete", err)
	}
	s.removeReferenceImagesLocked(label)
	return nil
}

// readRecord loads and classifies the record file for label.
func (s *Store) readRecord(label string) ([][]float32, database.RecordStatus, error) {
	data, err := os.ReadFile(s.recordPath(label))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, database.StatusMissing, nil
		}
		return nil, "", err
	}
	return database.ClassifyBlob(data)
}

// Status reports the health of the record for label.
func (s *Store) Status(ctx context.Context, label string) (database.RecordStatus, error) {
	label, err := database.ValidateLabel(label)
	if err != nil {
		return "", err
	}
	if err := s.checkOpen("status"); err != nil {
		return "", err
	}
	_, status, err := s.readRecord(label)
	if err != nil && status == "" {
		return "", database.WrapError(backendName, "status", err)
	}
	return status, nil
}

// Get returns the record for label.
func (s *Store) Get(ctx context.Context, label string) (*database.Record, error) {
	label, err := database.ValidateLabel(label)
	if err != nil {
		return nil, err
	}
	if err := s.checkOpen("get"); err != nil {
		return nil, err
	}

	vectors, status, err := s.readRecord(label)
	switch {
	case status == "":
		return nil, database.WrapError(backendName, "get", err)
	case status == database.StatusMissing:
		return nil, database.ErrNotFound
	case !status.IsHealthy():
		return nil, &database.CorruptionError{Label: label, Status: status, Err: err}
	}

	rec := &database.Record{Label: label, Vectors: vectors}
	if info, err := os.Stat(s.recordPath(label)); err == nil {
		rec.UpdatedAt = info.ModTime()
	}
	return rec, nil
}

// labels returns the labels of all record files, sorted.
func (s *Store) labels() ([]string, error) {
	dirEntries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	labels := make([]string, 0, len(dirEntries))
	for _, de := range dirEntries {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, RecordExt) || strings.HasPrefix(name, ".") {
			continue
		}
		labels = append(labels, strings.TrimSuffix(name, RecordExt))
	}
	sort.Strings(labels)
	return labels, nil
}

// List enumerates all records sorted by label. A record that is removed between the
// directory listing and the read is left out of the enumeration.
func (s *Store) List(ctx context.Context) ([]database.Entry, error) {
	if err := s.checkOpen("list"); err != nil {
		return nil, err
	}
	labels, err := s.labels()
	if err != nil {
		return nil, database.WrapError(backendName, "list", err)
	}

	entries := make([]database.Entry, 0, len(labels))
	for _, label := range labels {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		vectors, status, err := s.readRecord(label)
		if status == "" {
			return nil, database.WrapError(backendName, "list", err)
		}
		if status == database.StatusMissing {
			continue
		}
		entries = append(entries, database.Entry{Label: label, Vectors: vectors, Status: status, Err: err})
	}
	return entries, nil
}

// Count returns the number of record files.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := s.checkOpen("count"); err != nil {
		return 0, err
	}
	labels, err := s.labels()
	if err != nil {
		return 0, database.WrapError(backendName, "count", err)
	}
	return len(labels), nil
}

// Close marks the store closed. Files stay on disk.
func (s *Store) Close() error {
	s.closed.Store(true)
	return nil
}
