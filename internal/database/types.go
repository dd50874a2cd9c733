package database

import (
	"time"
)

// RecordStatus describes the health of a stored embedding record.
type RecordStatus string

const (
	// StatusOK means the record decoded into at least one vector.
	StatusOK RecordStatus = "ok"
	// StatusEmpty means the backing storage has zero length or holds no vectors.
	StatusEmpty RecordStatus = "empty"
	// StatusCorrupt means the backing storage is non-empty but cannot be decoded.
	StatusCorrupt RecordStatus = "corrupt"
	// StatusMissing means no record exists for the label.
	StatusMissing RecordStatus = "missing"
)

// IsHealthy reports whether a record with this status can take part in matching.
func (s RecordStatus) IsHealthy() bool {
	return s == StatusOK
}

// Record is the set of face embeddings registered for one identity label.
type Record struct {
	Label     string
	Vectors   [][]float32
	UpdatedAt time.Time
}

// Entry is one item of a store enumeration. Malformed records are reported
// with a non-OK Status and the decode error instead of aborting the listing.
type Entry struct {
	Label   string
	Vectors [][]float32
	Status  RecordStatus
	Err     error
}

// CorruptionErr returns the entry's failure as a *CorruptionError, or nil when healthy.
func (e Entry) CorruptionErr() error {
	if e.Status.IsHealthy() {
		return nil
	}
	return &CorruptionError{Label: e.Label, Status: e.Status, Err: e.Err}
}

// CloneVectors deep-copies a vector set so callers never share backing arrays with the store.
func CloneVectors(vectors [][]float32) [][]float32 {
	if vectors == nil {
		return nil
	}
	out := make([][]float32, len(vectors))
	for i, v := range vectors {
		out[i] = append([]float32(nil), v...)
	}
	return out
}
