// Package ledger keeps the append-only attendance and confirmation logs.
//
// Each series is split into one CSV file per calendar day (YYYYMMDD.csv, local time).
// Lines are only ever appended; nothing in this package rewrites or deletes a line.
package ledger

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"
)

// ErrPersistence is returned when a ledger line could not be written.
var ErrPersistence = errors.New("ledger write failed")

const (
	// PartitionLayout names one partition file (without extension).
	PartitionLayout = "20060102"
	// TimestampLayout formats the time column of every line.
	TimestampLayout = "2006-01-02 15:04:05.000000"

	partitionExt = ".csv"
)

// Series names a partition series.
type Series string

const (
	SeriesAttendance   Series = "attendance"
	SeriesConfirmation Series = "confirmation"
)

// AttendanceEntry is one successful recognition.
type AttendanceEntry struct {
	RecognitionID string
	Identity      string
	Confidence    float64
	Timestamp     time.Time // set to the current time when zero
	Direction     string    // set to the ledger default when empty
}

// ConfirmationEntry is one human confirmation or correction of a recognition.
type ConfirmationEntry struct {
	RecognitionID string
	Identity      string
	Value         string
	Timestamp     time.Time // set to the current time when zero
}

// Options configure a Ledger.
type Options struct {
	AttendanceDir   string
	ConfirmationDir string
	Direction       string // default direction of attendance entries
	Logger          *slog.Logger
	Now             func() time.Time
}

// Ledger writes both series. It is safe for concurrent use.
type Ledger struct {
	dirs      map[Series]string
	direction string
	now       func() time.Time
	logger    *slog.Logger

	mu    sync.Mutex
	locks map[string]*sync.Mutex // partition path -> append lock
}

// New creates a ledger writing into the given directories, creating them if needed.
func New(opts Options) (*Ledger, error) {
	if opts.AttendanceDir == "" || opts.ConfirmationDir == "" {
		return nil, errors.New("attendance and confirmation directories are required")
	}
	for _, dir := range []string{opts.AttendanceDir, opts.ConfirmationDir} {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, fmt.Errorf("creating ledger directory %s: %w", dir, err)
		}
	}

	l := &Ledger{
		dirs: map[Series]string{
			SeriesAttendance:   opts.AttendanceDir,
			SeriesConfirmation: opts.ConfirmationDir,
		},
		direction: opts.Direction,
		now:       opts.Now,
		logger:    opts.Logger,
		locks:     make(map[string]*sync.Mutex),
	}
	if l.direction == "" {
		l.direction = "IN"
	}
	if l.now == nil {
		l.now = time.Now
	}
	if l.logger == nil {
		l.logger = slog.Default()
	}
	return l, nil
}

// PartitionPath returns the file holding entries of series for the local date of t.
func (l *Ledger) PartitionPath(series Series, t time.Time) string {
	return filepath.Join(l.dirs[series], t.Local().Format(PartitionLayout)+partitionExt)
}

func (l *Ledger) partitionLock(path string) *sync.Mutex {
	l.mu.Lock()
	defer l.mu.Unlock()
	m, ok := l.locks[path]
	if !ok {
		m = &sync.Mutex{}
		l.locks[path] = m
	}
	return m
}

// encodeLine renders one CSV record including the trailing newline.
func encodeLine(fields []string) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(fields); err != nil {
		return nil, err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// appendLine writes line to the partition in a single write on an O_APPEND descriptor
// while holding the partition lock.
func (l *Ledger) appendLine(ctx context.Context, path string, line []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	lock := l.partitionLock(path)
	lock.Lock()
	defer lock.Unlock()

	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0o640)
	if err != nil {
		return fmt.Errorf("%w: opening %s: %w", ErrPersistence, path, err)
	}
	if _, err := f.Write(line); err != nil {
		f.Close()
		return fmt.Errorf("%w: appending to %s: %w", ErrPersistence, path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("%w: syncing %s: %w", ErrPersistence, path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("%w: closing %s: %w", ErrPersistence, path, err)
	}
	return nil
}

// RecordAttendance appends one line to today's attendance partition:
// identity, timestamp, direction, confidence, recognition id.
func (l *Ledger) RecordAttendance(ctx context.Context, e AttendanceEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}
	if e.Direction == "" {
		e.Direction = l.direction
	}

	line, err := encodeLine([]string{
		e.Identity,
		e.Timestamp.Local().Format(TimestampLayout),
		e.Direction,
		strconv.FormatFloat(e.Confidence, 'f', -1, 64),
		e.RecognitionID,
	})
	if err != nil {
		return fmt.Errorf("%w: encoding attendance: %w", ErrPersistence, err)
	}

	path := l.PartitionPath(SeriesAttendance, e.Timestamp)
	if err := l.appendLine(ctx, path, line); err != nil {
		return err
	}
	l.logger.Debug("attendance recorded", "identity", e.Identity, "recognition_id", e.RecognitionID, "partition", path)
	return nil
}

// RecordConfirmation appends one line to today's confirmation partition:
// identity, confirmation value, timestamp, recognition id. The recognition id is not
// checked against the attendance series.
func (l *Ledger) RecordConfirmation(ctx context.Context, e ConfirmationEntry) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = l.now()
	}

	line, err := encodeLine([]string{
		e.Identity,
		e.Value,
		e.Timestamp.Local().Format(TimestampLayout),
		e.RecognitionID,
	})
	if err != nil {
		return fmt.Errorf("%w: encoding confirmation: %w", ErrPersistence, err)
	}

	path := l.PartitionPath(SeriesConfirmation, e.Timestamp)
	if err := l.appendLine(ctx, path, line); err != nil {
		return err
	}
	l.logger.Debug("confirmation recorded", "identity", e.Identity, "recognition_id", e.RecognitionID, "partition", path)
	return nil
}
