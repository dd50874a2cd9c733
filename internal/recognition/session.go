// Package recognition turns an image into a structured recognition outcome.
package recognition

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/facematch"
)

// Outcome is the result of one recognition attempt. It is never mutated after creation.
type Outcome struct {
	RecognitionID string    `json:"recognition_id"`
	Identity      string    `json:"name"`
	Confidence    *float64  `json:"confidence"`
	Matched       bool      `json:"matched"`
	Distance      *float64  `json:"distance,omitempty"`
	Box           []float64 `json:"box,omitempty"`
	Failure       string    `json:"failure,omitempty"`
}

// Options configure a Session.
type Options struct {
	// Workers bounds how many recognitions extract and match at the same time.
	Workers int
	// ExtractionTimeout bounds a single extraction call.
	ExtractionTimeout time.Duration
	Logger            *slog.Logger
}

// Session runs recognitions against one extractor and matcher.
type Session struct {
	extractor Extractor
	matcher   facematch.Matcher
	timeout   time.Duration
	sem       chan struct{}
	logger    *slog.Logger
}

// NewSession creates a recognition session.
func NewSession(extractor Extractor, matcher facematch.Matcher, opts Options) *Session {
	workers := opts.Workers
	if workers <= 0 {
		workers = constants.WorkerPoolSize
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		extractor: extractor,
		matcher:   matcher,
		timeout:   opts.ExtractionTimeout,
		sem:       make(chan struct{}, workers),
		logger:    logger,
	}
}

func newOutcome(identity string) Outcome {
	return Outcome{RecognitionID: uuid.NewString(), Identity: identity}
}

func floatPtr(v float64) *float64 {
	return &v
}

// slot is an acquired worker slot. It goes back to the pool once the caller and
// any extractor call still running on it have both let go.
type slot struct {
	sem  chan struct{}
	refs atomic.Int32
}

func (sl *slot) release() {
	if sl.refs.Add(-1) == 0 {
		<-sl.sem
	}
}

// acquire takes a worker slot or gives up when ctx ends first.
func (s *Session) acquire(ctx context.Context) (*slot, error) {
	select {
	case s.sem <- struct{}{}:
		sl := &slot{sem: s.sem}
		sl.refs.Store(1)
		return sl, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// extract runs the extractor under the extraction timeout. A timeout is reported as
// ErrExtractionFault right away, while the extractor keeps sl busy until it returns.
func (s *Session) extract(ctx context.Context, sl *slot, image []byte) ([]Face, error) {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	type result struct {
		faces []Face
		err   error
	}
	done := make(chan result, 1)
	sl.refs.Add(1)
	go func() {
		defer sl.release()
		faces, err := s.extractor.ExtractFaces(ctx, image)
		done <- result{faces, err}
	}()

	select {
	case r := <-done:
		if r.err == nil && len(r.faces) == 0 {
			return nil, ErrNoFaceDetected
		}
		return r.faces, r.err
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %w", ErrExtractionFault, ctx.Err())
	}
}

// Embed extracts the first face of image on the worker pool without matching it.
func (s *Session) Embed(ctx context.Context, image []byte) (Face, error) {
	sl, err := s.acquire(ctx)
	if err != nil {
		return Face{}, err
	}
	defer sl.release()

	faces, err := s.extract(ctx, sl, image)
	if err != nil {
		return Face{}, err
	}
	return faces[0], nil
}

// Recognize identifies the first face found in image. Failures become outcomes:
// no face gives no_persons_found, an extraction failure or timeout gives encoding_error,
// a broken store gives corrupted_store. Every outcome carries a fresh recognition id.
func (s *Session) Recognize(ctx context.Context, image []byte, tolerance float64) Outcome {
	sl, err := s.acquire(ctx)
	if err != nil {
		return s.failed(constants.IdentityInternalError, err)
	}
	defer sl.release()

	faces, err := s.extract(ctx, sl, image)
	if err != nil {
		return s.extractionOutcome(err)
	}
	return s.match(ctx, faces[0], tolerance)
}

// RecognizeAll identifies every distinct face found in image, in detection order.
// Failures that concern the whole image yield a single outcome.
func (s *Session) RecognizeAll(ctx context.Context, image []byte, tolerance float64) []Outcome {
	sl, err := s.acquire(ctx)
	if err != nil {
		return []Outcome{s.failed(constants.IdentityInternalError, err)}
	}
	defer sl.release()

	faces, err := s.extract(ctx, sl, image)
	if err != nil {
		return []Outcome{s.extractionOutcome(err)}
	}

	boxes := make([][]float64, len(faces))
	for i, f := range faces {
		boxes[i] = f.Box
	}
	keep := facematch.DistinctBoxes(boxes, constants.DuplicateFaceIoU)

	outcomes := make([]Outcome, 0, len(keep))
	for _, i := range keep {
		out := s.match(ctx, faces[i], tolerance)
		outcomes = append(outcomes, out)
		if out.Identity == constants.IdentityCorruptedStore || out.Identity == constants.IdentityInternalError {
			break
		}
	}
	return outcomes
}

func (s *Session) extractionOutcome(err error) Outcome {
	if errors.Is(err, ErrNoFaceDetected) {
		return newOutcome(constants.IdentityNoPersonsFound)
	}
	s.logger.Warn("embedding extraction failed", "error", err)
	return s.failed(constants.IdentityEncodingError, err)
}

func (s *Session) failed(identity string, err error) Outcome {
	out := newOutcome(identity)
	out.Failure = err.Error()
	return out
}

func (s *Session) match(ctx context.Context, face Face, tolerance float64) Outcome {
	res, err := s.matcher.Match(ctx, face.Embedding, tolerance)
	if err != nil {
		var cerr *database.CorruptionError
		switch {
		case errors.As(err, &cerr):
			s.logger.Error("embedding store corruption", "label", cerr.Label, "status", cerr.Status, "error", cerr.Err)
			out := newOutcome(constants.IdentityCorruptedStore)
			out.Failure = cerr.Label
			return out
		case errors.Is(err, database.ErrStoreCorruption):
			s.logger.Error("embedding store corruption", "error", err)
			return s.failed(constants.IdentityCorruptedStore, err)
		default:
			s.logger.Error("matching failed", "error", err)
			return s.failed(constants.IdentityInternalError, err)
		}
	}
	if len(res.Skipped) > 0 {
		s.logger.Warn("skipped corrupt embedding records", "labels", res.Skipped)
	}

	out := newOutcome(res.Label)
	out.Matched = res.Matched
	out.Confidence = floatPtr(res.Confidence)
	out.Box = face.Box
	if res.Matched {
		out.Distance = floatPtr(res.Distance)
	}
	return out
}
