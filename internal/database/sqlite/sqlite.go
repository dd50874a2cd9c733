// Package sqlite stores face embeddings in a single SQLite database file.
//
// Each identity is one row holding the serialized vector set, so every write is a
// single upsert statement and every listing is a single SELECT. Both are atomic in
// SQLite and a listing never observes a partially applied write.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
	_ "modernc.org/sqlite"
)

const backendName = "sqlite"

const schema = `
CREATE TABLE IF NOT EXISTS identities (
	label      TEXT PRIMARY KEY,
	vectors    BLOB NOT NULL,
	updated_at INTEGER NOT NULL
);
`

// Store is an SQLite-backed embedding store.
type Store struct {
	db     *sql.DB
	closed atomic.Bool
}

// Open opens (creating if needed) the database at path and ensures the schema exists.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		return nil, database.WrapError(backendName, "open", errors.New("database path is required"))
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, database.WrapError(backendName, "open", err)
	}

	// WAL lets readers run alongside the single writer; busy_timeout waits for the
	// write lock instead of failing with SQLITE_BUSY.
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=busy_timeout(5000)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, database.WrapError(backendName, "open", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, database.WrapError(backendName, "open", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, database.WrapError(backendName, "open", fmt.Errorf("create schema: %w", err))
	}
	return &Store{db: db}, nil
}

// DB returns the underlying sql.DB for direct access.
func (s *Store) DB() *sql.DB {
	return s.db
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
	if err := s.checkOpen("put"); err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO identities (label, vectors, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(label) DO UPDATE SET vectors = excluded.vectors, updated_at = excluded.updated_at
	`, label, data, time.Now().UnixNano())
	if err != nil {
		return database.WrapError(backendName, "put", err)
	}
	return nil
}

// Delete removes the record for label.
func (s *Store) Delete(ctx context.Context, label string) error {
	label, err := database.ValidateLabel(label)
	if err != nil {
		return err
	}
	if err := s.checkOpen("delete"); err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, "DELETE FROM identities WHERE label = ?", label)
	if err != nil {
		return database.WrapError(backendName, "delete", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return database.WrapError(backendName, "delete", err)
	}
	if n == 0 {
		return database.ErrNotFound
	}
	return nil
}

func (s *Store) readRow(ctx context.Context, label string) ([]byte, time.Time, error) {
	var data []byte
	var updated int64
	err := s.db.QueryRowContext(ctx,
		"SELECT vectors, updated_at FROM identities WHERE label = ?", label,
	).Scan(&data, &updated)
	if err != nil {
		return nil, time.Time{}, err
	}
	return data, time.Unix(0, updated), nil
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

	data, _, err := s.readRow(ctx, label)
	if errors.Is(err, sql.ErrNoRows) {
		return database.StatusMissing, nil
	}
	if err != nil {
		return "", database.WrapError(backendName, "status", err)
	}
	_, status, _ := database.ClassifyBlob(data)
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

	data, updated, err := s.readRow(ctx, label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, database.WrapError(backendName, "get", err)
	}
	vectors, status, derr := database.ClassifyBlob(data)
	if !status.IsHealthy() {
		return nil, &database.CorruptionError{Label: label, Status: status, Err: derr}
	}
	return &database.Record{Label: label, Vectors: vectors, UpdatedAt: updated}, nil
}

// List enumerates all records sorted by label.
func (s *Store) List(ctx context.Context) ([]database.Entry, error) {
	if err := s.checkOpen("list"); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, "SELECT label, vectors FROM identities ORDER BY label")
	if err != nil {
		return nil, database.WrapError(backendName, "list", err)
	}
	defer rows.Close()

	var entries []database.Entry
	for rows.Next() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var label string
		var data []byte
		if err := rows.Scan(&label, &data); err != nil {
			return nil, database.WrapError(backendName, "list", err)
		}
		vectors, status, derr := database.ClassifyBlob(data)
		entries = append(entries, database.Entry{Label: label, Vectors: vectors, Status: status, Err: derr})
	}
	if err := rows.Err(); err != nil {
		return nil, database.WrapError(backendName, "list", err)
	}
	return entries, nil
}

// Count returns the number of records, healthy or not.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := s.checkOpen("count"); err != nil {
		return 0, err
	}
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM identities").Scan(&count); err != nil {
		return 0, database.WrapError(backendName, "count", err)
	}
	return count, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	if err := s.db.Close(); err != nil {
		return database.WrapError(backendName, "close", err)
	}
	return nil
}
