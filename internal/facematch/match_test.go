package facematch

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/mock"
)

func ok(label string, vectors ...[]float32) database.Entry {
	return database.Entry{Label: label, Vectors: vectors, Status: database.StatusOK}
}

func TestFindBestMatch_EmptyStore(t *testing.T) {
	res, err := FindBestMatch(context.Background(), []float32{1, 2}, nil, 0.6, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Matched || res.Label != constants.IdentityUnknown || res.Confidence != 0 {
		t.Errorf("expected unknown with zero confidence, got %+v", res)
	}
	if !math.IsInf(res.Distance, 1) {
		t.Errorf("expected undefined distance, got %v", res.Distance)
	}
}

func TestFindBestMatch_ExactMatch(t *testing.T) {
	query := []float32{0.1, 0.2, 0.3}
	res, err := FindBestMatch(context.Background(), query, []database.Entry{ok("alice", []float32{0.1, 0.2, 0.3})}, 0.6, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !res.Matched || res.Label != "alice" || res.Confidence != 1.0 {
		t.Errorf("expected alice with confidence 1.0, got %+v", res)
	}
}

func TestFindBestMatch_TieKeepsFirst(t *testing.T) {
	// Both candidates are exactly 0.3 away from the origin.
	candidates := []database.Entry{
		ok("alice", []float32{0.3, 0}),
		ok("bob", []float32{0, 0.3}),
	}
	res, err := FindBestMatch(context.Background(), []float32{0, 0}, candidates, 0.6, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Label != "alice" {
		t.Errorf("expected tie to go to alice, got %q", res.Label)
	}
	if res.Confidence != 0.7 {
		t.Errorf("expected confidence 0.7, got %v", res.Confidence)
	}
}

func TestFindBestMatch_ClosestWins(t *testing.T) {
	candidates := []database.Entry{
		ok("alice", []float32{0.5, 0}),
		ok("bob", []float32{0.1, 0}),
		ok("carol", []float32{0.2, 0}),
	}
	res, err := FindBestMatch(context.Background(), []float32{0, 0}, candidates, 0.6, Options{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if res.Label != "bob" || res.Confidence != 0.9 {
		t.Errorf("expected bob/0.9, got %+v", res)
	}
}

func TestFindBestMatch_ToleranceInclusive(t *testing.T) {
	candidates := []database.Entry{ok("alice", []float32{0.5, 0})}
	res, _ := FindBestMatch(context.Background(), []float32{0, 0}, candidates, 0.5, Options{})
	if !res.Matched {
		t.Error("distance equal to tolerance should match")
	}
	res, _ = FindBestMatch(context.Background(), []float32{0, 0}, candidates, 0.49, Options{})
	if res.Matched || res.Label != constants.IdentityUnknown {
		t.Errorf("distance above tolerance should not match, got %+v", res)
	}
}

func TestValidTolerance(t *testing.T) {
	tests := []struct {
		tolerance float64
		want      bool
	}{
		{0.6, true},
		{1, true},
		{math.SmallestNonzeroFloat64, true},
		{0, false},
		{-0.1, false},
		{1.0001, false},
		{5, false},
		{math.NaN(), false},
		{math.Inf(1), false},
	}
	for _, tt := range tests {
		if got := ValidTolerance(tt.tolerance); got != tt.want {
			t.Errorf("ValidTolerance(%v) = %v, want %v", tt.tolerance, got, tt.want)
		}
	}
}

func TestFindBestMatch_ToleranceMonotonic(t *testing.T) {
	candidates := []database.Entry{
		ok("alice", []float32{0.7, 0}),
		ok("bob", []float32{0, 0.35}),
		ok("carol", []float32{0.5, 0.5}),
	}
	queries := [][]float32{{0, 0}, {0.6, 0}, {0.25, 0.25}, {2, 2}}

	for _, q := range queries {
		low, err := FindBestMatch(context.Background(), q, candidates, 0.4, Options{})
		if err != nil {
			t.Fatal(err)
		}
		high, err := FindBestMatch(context.Background(), q, candidates, 0.8, Options{})
		if err != nil {
			t.Fatal(err)
		}
		if low.Matched && !high.Matched {
			t.Errorf("query %v: raising tolerance lost the match", q)
		}
		if low.Matched && high.Confidence < low.Confidence {
			t.Errorf("query %v: confidence dropped from %v to %v", q, low.Confidence, high.Confidence)
		}
	}
}

func TestFindBestMatch_FirstVectorOnly(t *testing.T) {
	candidates := []database.Entry{ok("alice", []float32{5, 5}, []float32{0, 0})}

	res, _ := FindBestMatch(context.Background(), []float32{0, 0}, candidates, 0.6, Options{})
	if res.Matched {
		t.Error("default mode must compare only the first stored vector")
	}

	res, _ = FindBestMatch(context.Background(), []float32{0, 0}, candidates, 0.6, Options{CompareAllVectors: true})
	if !res.Matched || res.Label != "alice" || res.Confidence != 1.0 {
		t.Errorf("all-vectors mode should match alice exactly, got %+v", res)
	}
}

func TestFindBestMatch_CorruptionPolicy(t *testing.T) {
	candidates := []database.Entry{
		ok("alice", []float32{0.1, 0}),
		{Label: "bob", Status: database.StatusCorrupt, Err: errors.New("bad magic")},
		{Label: "carol", Status: database.StatusEmpty},
		ok("dave", []float32{0, 0}),
	}

	_, err := FindBestMatch(context.Background(), []float32{0, 0}, candidates, 0.6, Options{Policy: PolicyAbort})
	var cerr *database.CorruptionError
	if !errors.As(err, &cerr) {
		t.Fatalf("abort policy should report corruption, got %v", err)
	}
	if cerr.Label != "bob" {
		t.Errorf("expected bob to be reported, got %q", cerr.Label)
	}

	res, err := FindBestMatch(context.Background(), []float32{0, 0}, candidates, 0.6, Options{Policy: PolicySkip})
	if err != nil {
		t.Fatalf("skip policy should not fail: %v", err)
	}
	if res.Label != "dave" || res.Confidence != 1.0 {
		t.Errorf("expected dave after skipping, got %+v", res)
	}
	if len(res.Skipped) != 2 {
		t.Errorf("expected two skipped labels, got %v", res.Skipped)
	}
}

func TestFindBestMatch_DimensionMismatch(t *testing.T) {
	candidates := []database.Entry{ok("alice", []float32{0, 0, 0})}

	_, err := FindBestMatch(context.Background(), []float32{0, 0}, candidates, 0.6, Options{})
	if !errors.Is(err, database.ErrStoreCorruption) {
		t.Errorf("expected corruption for mismatched dimension, got %v", err)
	}
}

func TestFindBestMatch_Cancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FindBestMatch(ctx, []float32{0}, []database.Entry{ok("alice", []float32{0})}, 0.6, Options{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

func TestConfidence(t *testing.T) {
	tests := []struct {
		distance float64
		expected float64
	}{
		{0, 1},
		{0.123456, 0.8765},
		{0.6, 0.4},
		{1.5, 0},
		{-0.1, 1},
		{math.Inf(1), 0},
	}
	for _, tt := range tests {
		if got := Confidence(tt.distance); math.Abs(got-tt.expected) > 1e-12 {
			t.Errorf("Confidence(%v) = %v, want %v", tt.distance, got, tt.expected)
		}
	}
}

func TestLinearMatcher(t *testing.T) {
	store := mock.NewMockStore()
	store.AddRecord("bob", []float32{0.3, 0})
	store.AddRecord("alice", []float32{0, 0.3})

	m := NewLinearMatcher(store, Options{})
	res, err := m.Match(context.Background(), []float32{0, 0}, 0.6)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if res.Label != "alice" {
		t.Errorf("expected alice (sorted first on tie), got %q", res.Label)
	}

	store.ListError = errors.New("disk gone")
	if _, err := m.Match(context.Background(), []float32{0, 0}, 0.6); err == nil {
		t.Error("expected list error to propagate")
	}
}

func TestIndexedMatcher(t *testing.T) {
	store := mock.NewMockStore()
	store.AddRecord("alice", []float32{0, 0.3})
	store.AddRecord("bob", []float32{0.3, 0})
	store.AddRecord("carol", []float32{5, 5})

	entries, err := store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	index := database.NewLabelIndex(false)
	index.Build(entries)

	m := NewIndexedMatcher(store, index, Options{})
	res, err := m.Match(context.Background(), []float32{0, 0}, 0.6)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if res.Label != "alice" || res.Confidence != 0.7 {
		t.Errorf("expected alice/0.7, got %+v", res)
	}

	res, err = m.Match(context.Background(), []float32{9, 9}, 0.6)
	if err != nil {
		t.Fatalf("Match failed: %v", err)
	}
	if res.Matched {
		t.Errorf("expected no match far from every record, got %+v", res)
	}
}

func randomVector(r *rand.Rand, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = r.Float32()
	}
	return v
}

// Registering, re-registering and unregistering must keep the indexed matcher in step
// with a full scan of the store.
func TestIndexedMatcher_FollowsLinearUnderChurn(t *testing.T) {
	ctx := context.Background()
	r := rand.New(rand.NewPCG(7, 11))
	store := mock.NewMockStore()
	index := database.NewLabelIndex(false)
	index.Build(nil)
	indexed := NewIndexedMatcher(store, index, Options{})
	linear := NewLinearMatcher(store, Options{})

	labels := make([]string, 12)
	for i := range labels {
		labels[i] = fmt.Sprintf("p%02d", i)
	}

	for step := range 1500 {
		label := labels[r.IntN(len(labels))]
		query := randomVector(r, 16)

		if r.IntN(3) == 0 {
			if err := store.Delete(ctx, label); err != nil && !errors.Is(err, database.ErrNotFound) {
				t.Fatalf("step %d: Delete failed: %v", step, err)
			}
			index.Remove(label)
		} else {
			if err := store.Put(ctx, label, [][]float32{query}); err != nil {
				t.Fatalf("step %d: Put failed: %v", step, err)
			}
			index.Upsert(label, [][]float32{query})
		}

		want, err := linear.Match(ctx, query, 0.6)
		if err != nil {
			t.Fatalf("step %d: linear Match failed: %v", step, err)
		}
		got, err := indexed.Match(ctx, query, 0.6)
		if err != nil {
			t.Fatalf("step %d: indexed Match failed: %v", step, err)
		}
		if got.Label != want.Label || got.Matched != want.Matched || got.Confidence != want.Confidence {
			t.Fatalf("step %d: indexed matched %+v, linear matched %+v", step, got, want)
		}
	}

	n, err := store.Count(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if index.Count() != n {
		t.Errorf("index holds %d labels, store %d", index.Count(), n)
	}
}

func TestIndexedMatcher_CorruptionPolicy(t *testing.T) {
	store := mock.NewMockStore()
	store.AddRecord("alice", []float32{0, 0})
	store.AddBroken("bob", database.StatusEmpty)

	entries, err := store.List(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	index := database.NewLabelIndex(false)
	index.Build(entries)

	_, err = NewIndexedMatcher(store, index, Options{}).Match(context.Background(), []float32{0, 0}, 0.6)
	if !errors.Is(err, database.ErrStoreCorruption) {
		t.Errorf("abort policy should report corruption, got %v", err)
	}

	res, err := NewIndexedMatcher(store, index, Options{Policy: PolicySkip}).Match(context.Background(), []float32{0, 0}, 0.6)
	if err != nil {
		t.Fatalf("skip policy should not fail: %v", err)
	}
	if res.Label != "alice" {
		t.Errorf("expected alice, got %+v", res)
	}
}
