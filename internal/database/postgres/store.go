package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/pgvector/pgvector-go"
)

const backendName = "postgres"

// Store implements database.Store on top of the identities and identity_vectors tables.
type Store struct {
	pool   *Pool
	closed atomic.Bool
}

// NewStore creates a store over an already migrated pool. The store owns the pool.
func NewStore(pool *Pool) *Store {
	return &Store{pool: pool}
}

func (s *Store) checkOpen(op string) error {
	if s.closed.Load() {
		return database.WrapError(backendName, op, database.ErrStoreClosed)
	}
	return nil
}

// snapshotTx opens a read-only transaction whose queries all observe one snapshot.
func (s *Store) snapshotTx(ctx context.Context) (*sql.Tx, error) {
	return s.pool.BeginTx(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true})
}

// Put replaces the vectors of label inside one transaction.
func (s *Store) Put(ctx context.Context, label string, vectors [][]float32) error {
	label, err := database.ValidateLabel(label)
	if err != nil {
		return err
	}
	// Encoding validates the vector set the same way every backend does.
	if _, err := database.EncodeVectors(vectors); err != nil {
		return database.WrapError(backendName, "put", err)
	}
	if err := s.checkOpen("put"); err != nil {
		return err
	}

	tx, err := s.pool.BeginTx(ctx, nil)
	if err != nil {
		return database.WrapError(backendName, "put", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO identities (label, vector_count, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (label) DO UPDATE SET
			vector_count = EXCLUDED.vector_count,
			updated_at = NOW()
	`, label, len(vectors))
	if err != nil {
		return database.WrapError(backendName, "put", fmt.Errorf("upsert identity: %w", err))
	}
	if _, err := tx.ExecContext(ctx, "DELETE FROM identity_vectors WHERE label = $1", label); err != nil {
		return database.WrapError(backendName, "put", fmt.Errorf("delete old vectors: %w", err))
	}
	for i, v := range vectors {
		_, err := tx.ExecContext(ctx,
			"INSERT INTO identity_vectors (label, idx, embedding) VALUES ($1, $2, $3::vector)",
			label, i, pgvector.NewVector(v),
		)
		if err != nil {
			return database.WrapError(backendName, "put", fmt.Errorf("insert vector %d: %w", i, err))
		}
	}

	if err := tx.Commit(); err != nil {
		return database.WrapError(backendName, "put", fmt.Errorf("commit transaction: %w", err))
	}
	return nil
}

// Delete removes label and, through the foreign key, its vectors.
func (s *Store) Delete(ctx context.Context, label string) error {
	label, err := database.ValidateLabel(label)
	if err != nil {
		return err
	}
	if err := s.checkOpen("delete"); err != nil {
		return err
	}

	res, err := s.pool.Exec(ctx, "DELETE FROM identities WHERE label = $1", label)
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

type identityRow struct {
	label       string
	vectorCount int
	updatedAt   time.Time
	vectors     [][]float32
}

// classify checks a loaded row for consistency. A row whose vector rows disagree with
// its declared count, or whose vectors differ in dimension, is corrupt.
func (r *identityRow) classify() (database.RecordStatus, error) {
	if r.vectorCount == 0 && len(r.vectors) == 0 {
		return database.StatusEmpty, nil
	}
	if len(r.vectors) != r.vectorCount {
		return database.StatusCorrupt, fmt.Errorf("declared %d vectors, found %d", r.vectorCount, len(r.vectors))
	}
	dim := len(r.vectors[0])
	if dim == 0 {
		return database.StatusEmpty, nil
	}
	for i, v := range r.vectors {
		if len(v) != dim {
			return database.StatusCorrupt, fmt.Errorf("vector %d has dimension %d, expected %d", i, len(v), dim)
		}
	}
	return database.StatusOK, nil
}

func loadIdentity(ctx context.Context, tx *sql.Tx, label string) (*identityRow, error) {
	row := &identityRow{label: label}
	err := tx.QueryRowContext(ctx,
		"SELECT vector_count, updated_at FROM identities WHERE label = $1", label,
	).Scan(&row.vectorCount, &row.updatedAt)
	if err != nil {
		return nil, err
	}

	rows, err := tx.QueryContext(ctx,
		"SELECT embedding FROM identity_vectors WHERE label = $1 ORDER BY idx", label)
	if err != nil {
		return nil, fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var vec pgvector.Vector
		if err := rows.Scan(&vec); err != nil {
			return nil, fmt.Errorf("scan vector: %w", err)
		}
		row.vectors = append(row.vectors, vec.Slice())
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate vectors: %w", err)
	}
	return row, nil
}

func (s *Store) readIdentity(ctx context.Context, op, label string) (*identityRow, error) {
	tx, err := s.snapshotTx(ctx)
	if err != nil {
		return nil, database.WrapError(backendName, op, err)
	}
	defer tx.Rollback()

	row, err := loadIdentity(ctx, tx, label)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, database.ErrNotFound
	}
	if err != nil {
		return nil, database.WrapError(backendName, op, err)
	}
	return row, nil
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

	row, err := s.readIdentity(ctx, "status", label)
	if errors.Is(err, database.ErrNotFound) {
		return database.StatusMissing, nil
	}
	if err != nil {
		return "", err
	}
	status, _ := row.classify()
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

	row, err := s.readIdentity(ctx, "get", label)
	if err != nil {
		return nil, err
	}
	if status, cerr := row.classify(); !status.IsHealthy() {
		return nil, &database.CorruptionError{Label: label, Status: status, Err: cerr}
	}
	return &database.Record{Label: label, Vectors: row.vectors, UpdatedAt: row.updatedAt}, nil
}

// List enumerates all records in label byte order from a single repeatable-read snapshot.
func (s *Store) List(ctx context.Context) ([]database.Entry, error) {
	if err := s.checkOpen("list"); err != nil {
		return nil, err
	}

	tx, err := s.snapshotTx(ctx)
	if err != nil {
		return nil, database.WrapError(backendName, "list", err)
	}
	defer tx.Rollback()

	identities, err := listIdentities(ctx, tx)
	if err != nil {
		return nil, database.WrapError(backendName, "list", err)
	}
	if err := attachVectors(ctx, tx, identities); err != nil {
		return nil, database.WrapError(backendName, "list", err)
	}

	entries := make([]database.Entry, 0, len(identities))
	for _, row := range identities {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		status, cerr := row.classify()
		e := database.Entry{Label: row.label, Status: status, Err: cerr}
		if status.IsHealthy() {
			e.Vectors = row.vectors
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func listIdentities(ctx context.Context, tx *sql.Tx) ([]*identityRow, error) {
	rows, err := tx.QueryContext(ctx,
		`SELECT label, vector_count, updated_at FROM identities ORDER BY label COLLATE "C"`)
	if err != nil {
		return nil, fmt.Errorf("query identities: %w", err)
	}
	defer rows.Close()

	var out []*identityRow
	for rows.Next() {
		row := &identityRow{}
		if err := rows.Scan(&row.label, &row.vectorCount, &row.updatedAt); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, row)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return out, nil
}

func attachVectors(ctx context.Context, tx *sql.Tx, identities []*identityRow) error {
	byLabel := make(map[string]*identityRow, len(identities))
	for _, row := range identities {
		byLabel[row.label] = row
	}

	rows, err := tx.QueryContext(ctx, "SELECT label, embedding FROM identity_vectors ORDER BY label, idx")
	if err != nil {
		return fmt.Errorf("query vectors: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var label string
		var vec pgvector.Vector
		if err := rows.Scan(&label, &vec); err != nil {
			return fmt.Errorf("scan vector: %w", err)
		}
		if row, ok := byLabel[label]; ok {
			row.vectors = append(row.vectors, vec.Slice())
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate vectors: %w", err)
	}
	return nil
}

// Count returns the number of identities, healthy or not.
func (s *Store) Count(ctx context.Context) (int, error) {
	if err := s.checkOpen("count"); err != nil {
		return 0, err
	}
	var count int
	if err := s.pool.QueryRow(ctx, "SELECT COUNT(*) FROM identities").Scan(&count); err != nil {
		return 0, database.WrapError(backendName, "count", err)
	}
	return count, nil
}

// Close closes the underlying pool.
func (s *Store) Close() error {
	if s.closed.Swap(true) {
		return nil
	}
	return s.pool.Close()
}
