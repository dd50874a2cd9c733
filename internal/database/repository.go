package database

import (
	"context"
)

// EmbeddingReader provides read-only access to registered face embeddings
type EmbeddingReader interface {
	// List enumerates every record sorted by label. Empty or undecodable records are
	// returned with a non-OK Status rather than failing the whole enumeration.
	// Each call observes one consistent snapshot; a concurrent Put is either fully
	// visible or not at all.
	List(ctx context.Context) ([]Entry, error)
	// Status reports whether the record for label is ok, empty, corrupt or missing
	Status(ctx context.Context, label string) (RecordStatus, error)
	// Get returns the record for label, ErrNotFound, or a *CorruptionError
	Get(ctx context.Context, label string) (*Record, error)
	// Count returns the number of stored records, healthy or not
	Count(ctx context.Context) (int, error)
}

// EmbeddingWriter provides write access to registered face embeddings
type EmbeddingWriter interface {
	EmbeddingReader

	// Put atomically stores the vectors for label, replacing any previous record
	Put(ctx context.Context, label string, vectors [][]float32) error

	// Delete removes the record for label. Deleting a missing label returns ErrNotFound.
	Delete(ctx context.Context, label string) error
}

// Store is a writable embedding store that owns resources.
type Store interface {
	EmbeddingWriter
	Close() error
}
