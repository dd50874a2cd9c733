// Package facematch decides which registered identity, if any, a query face belongs to.
package facematch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"slices"
	"sort"

	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
)

// CorruptionPolicy selects what a scan does when it meets an empty or undecodable record.
type CorruptionPolicy string

const (
	// PolicyAbort stops the scan and reports the corrupt record.
	PolicyAbort CorruptionPolicy = "abort"
	// PolicySkip ignores the corrupt record and keeps scanning.
	PolicySkip CorruptionPolicy = "skip"
)

// Options tune a single match.
type Options struct {
	// CompareAllVectors compares every stored vector of an identity and uses the
	// closest one. By default only the first stored vector takes part.
	CompareAllVectors bool
	// Policy applies to every corrupt record of one scan. Empty means PolicyAbort.
	Policy CorruptionPolicy
}

// Result is the decision for one query embedding.
type Result struct {
	Label      string
	Distance   float64 // +Inf when nothing was compared
	Confidence float64
	Matched    bool
	Skipped    []string // corrupt labels ignored under PolicySkip
}

// Unknown is the result of a scan that accepted no candidate.
func Unknown() Result {
	return Result{Label: constants.IdentityUnknown, Distance: math.Inf(1)}
}

// ValidTolerance reports whether t is a usable match tolerance, a number in (0, 1].
func ValidTolerance(t float64) bool {
	return t > 0 && t <= 1
}

// Confidence converts a distance into a confidence in [0, 1] rounded to four decimals.
func Confidence(distance float64) float64 {
	c := 1 - distance
	if c < 0 || math.IsNaN(c) {
		c = 0
	}
	if c > 1 {
		c = 1
	}
	scale := math.Pow(10, constants.ConfidenceDecimals)
	return math.Round(c*scale) / scale
}

// candidateDistance returns the distance between query and the candidate's vectors.
// ok is false when the candidate cannot be compared with the query.
func candidateDistance(query []float32, vectors [][]float32, all bool) (float64, bool) {
	if len(vectors) == 0 {
		return 0, false
	}
	if !all {
		vectors = vectors[:1]
	}
	best := math.Inf(1)
	for _, v := range vectors {
		if len(v) != len(query) {
			return 0, false
		}
		if d := database.EuclideanDistance(query, v); d < best {
			best = d
		}
	}
	return best, true
}

// FindBestMatch scans candidates in the order given and returns the closest one within
// tolerance. A later candidate replaces the current best only with a strictly smaller
// distance, so with label-sorted input the earliest label wins ties.
//
// Under PolicyAbort the first unhealthy candidate, or one whose dimension differs from the
// query, ends the scan with a *database.CorruptionError. Cancelling ctx stops the scan
// between candidates.
func FindBestMatch(ctx context.Context, query []float32, candidates []database.Entry, tolerance float64, opts Options) (Result, error) {
	result := Unknown()
	if len(candidates) == 0 {
		return result, nil
	}

	for i := range candidates {
		if err := ctx.Err(); err != nil {
			return Unknown(), err
		}
		c := &candidates[i]

		cerr := c.CorruptionErr()
		var distance float64
		if cerr == nil {
			var ok bool
			distance, ok = candidateDistance(query, c.Vectors, opts.CompareAllVectors)
			if !ok {
				cerr = &database.CorruptionError{
					Label:  c.Label,
					Status: database.StatusCorrupt,
					Err:    fmt.Errorf("embedding dimension differs from query dimension %d", len(query)),
				}
			}
		}
		if cerr != nil {
			if opts.Policy == PolicySkip {
				result.Skipped = append(result.Skipped, c.Label)
				continue
			}
			return Unknown(), cerr
		}

		if distance <= tolerance && distance < result.Distance {
			result.Label = c.Label
			result.Distance = distance
			result.Matched = true
		}
	}

	if result.Matched {
		result.Confidence = Confidence(result.Distance)
	}
	return result, nil
}

// Matcher finds the best registered identity for a query embedding.
type Matcher interface {
	Match(ctx context.Context, query []float32, tolerance float64) (Result, error)
}

// LinearMatcher compares the query with every record of one store snapshot.
type LinearMatcher struct {
	store database.EmbeddingReader
	opts  Options
}

// NewLinearMatcher creates a matcher that scans store on every call.
func NewLinearMatcher(store database.EmbeddingReader, opts Options) *LinearMatcher {
	return &LinearMatcher{store: store, opts: opts}
}

// Match lists the store once and scans the snapshot.
func (m *LinearMatcher) Match(ctx context.Context, query []float32, tolerance float64) (Result, error) {
	entries, err := m.store.List(ctx)
	if err != nil {
		return Unknown(), fmt.Errorf("listing embeddings: %w", err)
	}
	return FindBestMatch(ctx, query, entries, tolerance, m.opts)
}

// IndexedMatcher narrows the candidates with an HNSW label index before the exact scan.
// The index is approximate: a label inside tolerance can be missed when the graph does not
// return it among the nearest candidates.
type IndexedMatcher struct {
	store database.EmbeddingReader
	index *database.LabelIndex
	opts  Options
}

// NewIndexedMatcher creates a matcher over index. The caller keeps the index in sync
// with store writes.
func NewIndexedMatcher(store database.EmbeddingReader, index *database.LabelIndex, opts Options) *IndexedMatcher {
	return &IndexedMatcher{store: store, index: index, opts: opts}
}

// Match looks up the nearest labels in the index and rescans their current records
// exactly, in label order.
func (m *IndexedMatcher) Match(ctx context.Context, query []float32, tolerance float64) (Result, error) {
	var skipped []string
	for _, e := range m.index.Corrupt() {
		if m.opts.Policy != PolicySkip {
			return Unknown(), e.CorruptionErr()
		}
		skipped = append(skipped, e.Label)
	}

	labels, err := m.index.Search(query, constants.IndexCandidates)
	if err != nil {
		// A query the index cannot compare with is incomparable with every record.
		if m.opts.Policy == PolicySkip {
			result := Unknown()
			result.Skipped = skipped
			return result, nil
		}
		return Unknown(), fmt.Errorf("searching index: %w", database.ErrStoreCorruption)
	}
	sort.Strings(labels)

	candidates := make([]database.Entry, 0, len(labels))
	for _, label := range labels {
		if err := ctx.Err(); err != nil {
			return Unknown(), err
		}
		rec, err := m.store.Get(ctx, label)
		switch {
		case err == nil:
			candidates = append(candidates, database.Entry{Label: label, Vectors: rec.Vectors, Status: database.StatusOK})
		case errors.Is(err, database.ErrNotFound):
			// Removed after the index was searched.
		case errors.Is(err, database.ErrStoreCorruption):
			candidates = append(candidates, database.Entry{Label: label, Status: database.StatusCorrupt, Err: err})
		default:
			return Unknown(), fmt.Errorf("loading %q: %w", label, err)
		}
	}

	result, err := FindBestMatch(ctx, query, candidates, tolerance, m.opts)
	if err != nil {
		return result, err
	}
	result.Skipped = slices.Concat(skipped, result.Skipped)
	return result, nil
}
