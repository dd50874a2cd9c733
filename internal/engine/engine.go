// Package engine ties the embedding store, the recognition session and the ledger
// together into the operations the service exposes.
package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/fingerprint"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/recognition"
)

// referenceSaver is implemented by stores that can keep the registration photo.
type referenceSaver interface {
	SaveReferenceImage(ctx context.Context, label, ext string, data []byte) error
}

// Options configure an Engine.
type Options struct {
	// Tolerance is used when a call does not override it. Zero means constants.DefaultTolerance.
	Tolerance float64
	// KeepReferenceImage stores the registration photo next to the embedding when the
	// store supports it.
	KeepReferenceImage bool
	// BatchDir is scanned by RegisterBatch when no directory is given.
	BatchDir string
	// Index, when set, is rebuilt from the store on New and kept in sync with every write.
	Index *database.LabelIndex
	// Health optionally checks the embedding server.
	Health func(ctx context.Context) error
	Logger *slog.Logger
}

// Engine runs identify, confirm, register and export against one store and ledger.
// It is safe for concurrent use.
type Engine struct {
	store   database.Store
	session *recognition.Session
	ledger  *ledger.Ledger
	index   *database.LabelIndex
	opts    Options
	logger  *slog.Logger

	// writeMu orders store writes with their index updates.
	writeMu sync.Mutex
}

// New creates an engine. When opts.Index is set it is built from the current store contents.
func New(ctx context.Context, store database.Store, session *recognition.Session, l *ledger.Ledger, opts Options) (*Engine, error) {
	if opts.Tolerance == 0 {
		opts.Tolerance = constants.DefaultTolerance
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := &Engine{
		store:   store,
		session: session,
		ledger:  l,
		index:   opts.Index,
		opts:    opts,
		logger:  logger,
	}

	if e.index != nil {
		entries, err := store.List(ctx)
		if err != nil {
			return nil, fmt.Errorf("building label index: %w", err)
		}
		e.index.Build(entries)
		logger.Info("label index built", "labels", e.index.Count(), "corrupt", len(e.index.Corrupt()))
	}
	return e, nil
}

// Close releases the store.
func (e *Engine) Close() error {
	return e.store.Close()
}

// Store returns the embedding store the engine writes to.
func (e *Engine) Store() database.Store {
	return e.store
}

// Tolerance returns the tolerance for a call. A nil override, or one outside (0, 1],
// falls back to the configured default.
func (e *Engine) Tolerance(override *float64) float64 {
	if override == nil {
		return e.opts.Tolerance
	}
	t := *override
	if !facematch.ValidTolerance(t) {
		e.logger.Warn("ignoring invalid tolerance override", "tolerance", t)
		return e.opts.Tolerance
	}
	return t
}

// Identify recognizes the first face in image and, on a match, appends an attendance entry.
// Recognition failures are reported inside the outcome; the only error is a failed
// attendance append, wrapping ledger.ErrPersistence.
func (e *Engine) Identify(ctx context.Context, image []byte, tolerance *float64) (recognition.Outcome, error) {
	out := e.session.Recognize(ctx, image, e.Tolerance(tolerance))
	if err := e.recordAttendance(ctx, out); err != nil {
		return out, err
	}
	return out, nil
}

// IdentifyAll recognizes every distinct face in image and appends one attendance entry
// per matched face.
func (e *Engine) IdentifyAll(ctx context.Context, image []byte, tolerance *float64) ([]recognition.Outcome, error) {
	outs := e.session.RecognizeAll(ctx, image, e.Tolerance(tolerance))
	for _, out := range outs {
		if err := e.recordAttendance(ctx, out); err != nil {
			return outs, err
		}
	}
	return outs, nil
}

func (e *Engine) recordAttendance(ctx context.Context, out recognition.Outcome) error {
	if !out.Matched {
		e.logger.Debug("recognition without match", "recognition_id", out.RecognitionID, "identity", out.Identity)
		return nil
	}

	var confidence float64
	if out.Confidence != nil {
		confidence = *out.Confidence
	}
	// A match that was already decided is recorded even if the caller went away.
	err := e.ledger.RecordAttendance(context.WithoutCancel(ctx), ledger.AttendanceEntry{
		RecognitionID: out.RecognitionID,
		Identity:      out.Identity,
		Confidence:    confidence,
	})
	if err != nil {
		e.logger.Error("failed to record attendance", "recognition_id", out.RecognitionID, "identity", out.Identity, "error", err)
		return fmt.Errorf("recording attendance for %q: %w", out.Identity, err)
	}
	e.logger.Info("attendance recorded", "recognition_id", out.RecognitionID, "identity", out.Identity, "confidence", confidence)
	return nil
}

// Confirm appends a confirmation entry. The recognition id is not looked up.
func (e *Engine) Confirm(ctx context.Context, recognitionID, identity, value string) error {
	err := e.ledger.RecordConfirmation(ctx, ledger.ConfirmationEntry{
		RecognitionID: recognitionID,
		Identity:      identity,
		Value:         value,
	})
	if err != nil {
		return fmt.Errorf("recording confirmation: %w", err)
	}
	return nil
}

// Register extracts the first face of image and stores its embedding under label,
// replacing any previous registration. When no face is found the store is left untouched
// and the error wraps recognition.ErrNoFaceDetected.
func (e *Engine) Register(ctx context.Context, image []byte, label string) error {
	label, err := database.ValidateLabel(label)
	if err != nil {
		return err
	}

	face, err := e.session.Embed(ctx, image)
	if err != nil {
		return fmt.Errorf("registering %q: %w", label, err)
	}
	vectors := [][]float32{append([]float32(nil), face.Embedding...)}

	if err := e.put(ctx, label, vectors); err != nil {
		return fmt.Errorf("registering %q: %w", label, err)
	}
	e.logger.Info("identity registered", "label", label, "dim", len(face.Embedding))

	if e.opts.KeepReferenceImage {
		if saver, ok := e.store.(referenceSaver); ok {
			if err := saver.SaveReferenceImage(ctx, label, fingerprint.ExtensionFor(image), image); err != nil {
				e.logger.Warn("failed to keep reference image", "label", label, "error", err)
			}
		}
	}

	e.warnSimilarLabels(ctx, label)
	return nil
}

func (e *Engine) put(ctx context.Context, label string, vectors [][]float32) error {
	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.store.Put(ctx, label, vectors); err != nil {
		return err
	}
	if e.index != nil {
		e.index.Upsert(label, vectors)
	}
	return nil
}

// warnSimilarLabels logs labels that differ from label only in case, accents or separators.
// Those usually name the same person registered twice.
func (e *Engine) warnSimilarLabels(ctx context.Context, label string) {
	entries, err := e.store.List(ctx)
	if err != nil {
		return
	}
	folded := database.FoldLabel(label)
	for _, entry := range entries {
		if entry.Label != label && database.FoldLabel(entry.Label) == folded {
			e.logger.Warn("similar identity label already registered", "label", label, "existing", entry.Label)
		}
	}
}

// Unregister removes the identity. A missing label yields database.ErrNotFound.
func (e *Engine) Unregister(ctx context.Context, label string) error {
	label, err := database.ValidateLabel(label)
	if err != nil {
		return err
	}

	e.writeMu.Lock()
	defer e.writeMu.Unlock()

	if err := e.store.Delete(ctx, label); err != nil {
		return fmt.Errorf("unregistering %q: %w", label, err)
	}
	if e.index != nil {
		e.index.Remove(label)
	}
	e.logger.Info("identity unregistered", "label", label)
	return nil
}

// Identities lists every stored identity with its record status, sorted by label.
func (e *Engine) Identities(ctx context.Context) ([]database.Entry, error) {
	entries, err := e.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("listing identities: %w", err)
	}
	return entries, nil
}

// ExportAttendanceArchive writes every attendance and confirmation partition to w as a ZIP.
func (e *Engine) ExportAttendanceArchive(ctx context.Context, w io.Writer) error {
	return e.ledger.ExportArchive(ctx, nil, nil, w)
}

// ExportAttendanceRange writes the partitions dated within [from, to] to w. Nil bounds are open.
func (e *Engine) ExportAttendanceRange(ctx context.Context, from, to *time.Time, w io.Writer) error {
	return e.ledger.ExportArchive(ctx, from, to, w)
}

// Partitions lists the ledger partitions.
func (e *Engine) Partitions(ctx context.Context) ([]ledger.Partition, error) {
	return e.ledger.Partitions(ctx)
}

// HealthReport summarizes the state of the engine's dependencies.
type HealthReport struct {
	Identities int    `json:"identities"`
	Store      string `json:"store"`
	Embedding  string `json:"embedding"`
}

// Healthy reports whether every dependency answered.
func (h HealthReport) Healthy() bool {
	return h.Store == "ok" && (h.Embedding == "ok" || h.Embedding == "unchecked")
}

// Health checks the store and, when configured, the embedding server.
func (e *Engine) Health(ctx context.Context) HealthReport {
	report := HealthReport{Store: "ok", Embedding: "unchecked"}

	n, err := e.store.Count(ctx)
	if err != nil {
		report.Store = err.Error()
	}
	report.Identities = n

	if e.opts.Health != nil {
		if err := e.opts.Health(ctx); err != nil {
			report.Embedding = err.Error()
		} else {
			report.Embedding = "ok"
		}
	}
	return report
}
