// Package storetest holds behavior checks shared by every embedding store backend.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Factory returns a new, empty store. The test owns and closes it.
type Factory func(t *testing.T) database.Store

// Vec builds a deterministic vector of dim floats derived from seed.
func Vec(seed float32, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = seed + float32(i)/float32(dim*10)
	}
	return v
}

// Run exercises the common store contract against stores produced by newStore.
func Run(t *testing.T, newStore Factory) {
	t.Run("PutGet", func(t *testing.T) { testPutGet(t, newStore(t)) })
	t.Run("PutReplaces", func(t *testing.T) { testPutReplaces(t, newStore(t)) })
	t.Run("ListSorted", func(t *testing.T) { testListSorted(t, newStore(t)) })
	t.Run("EmptyStore", func(t *testing.T) { testEmptyStore(t, newStore(t)) })
	t.Run("Delete", func(t *testing.T) { testDelete(t, newStore(t)) })
	t.Run("InvalidLabel", func(t *testing.T) { testInvalidLabel(t, newStore(t)) })
	t.Run("RejectsEmptyVectors", func(t *testing.T) { testRejectsEmptyVectors(t, newStore(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, newStore(t)) })
	t.Run("ConcurrentPutList", func(t *testing.T) { testConcurrentPutList(t, newStore(t)) })
}

func testPutGet(t *testing.T, s database.Store) {
	ctx := context.Background()
	vectors := [][]float32{Vec(0.1, 8), Vec(0.2, 8)}
	require.NoError(t, s.Put(ctx, "alice", vectors))

	rec, err := s.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", rec.Label)
	assert.Equal(t, vectors, rec.Vectors)

	status, err := s.Status(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, database.StatusOK, status)

	status, err = s.Status(ctx, "nobody")
	require.NoError(t, err)
	assert.Equal(t, database.StatusMissing, status)

	_, err = s.Get(ctx, "nobody")
	assert.ErrorIs(t, err, database.ErrNotFound)
}

func testPutReplaces(t *testing.T, s database.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "bob", [][]float32{Vec(0.1, 4), Vec(0.2, 4)}))
	require.NoError(t, s.Put(ctx, "bob", [][]float32{Vec(0.9, 4)}))

	rec, err := s.Get(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, [][]float32{Vec(0.9, 4)}, rec.Vectors)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func testListSorted(t *testing.T, s database.Store) {
	ctx := context.Background()
	for _, label := range []string{"carol", "Alice", "bob", "alice"} {
		require.NoError(t, s.Put(ctx, label, [][]float32{Vec(0.5, 4)}))
	}

	entries, err := s.List(ctx)
	require.NoError(t, err)
	labels := make([]string, 0, len(entries))
	for _, e := range entries {
		labels = append(labels, e.Label)
		assert.Equal(t, database.StatusOK, e.Status)
	}
	assert.Equal(t, []string{"Alice", "alice", "bob", "carol"}, labels)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 4, count)
}

func testEmptyStore(t *testing.T, s database.Store) {
	ctx := context.Background()
	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Empty(t, entries)

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.Zero(t, count)
}

func testDelete(t *testing.T, s database.Store) {
	ctx := context.Background()
	require.NoError(t, s.Put(ctx, "dave", [][]float32{Vec(0.3, 4)}))
	require.NoError(t, s.Delete(ctx, "dave"))

	_, err := s.Get(ctx, "dave")
	assert.ErrorIs(t, err, database.ErrNotFound)
	assert.ErrorIs(t, s.Delete(ctx, "dave"), database.ErrNotFound)
}

func testInvalidLabel(t *testing.T, s database.Store) {
	ctx := context.Background()
	for _, label := range []string{"", "  ", "../escape", "a/b", `a\b`, ".alice", ".hidden.emb"} {
		err := s.Put(ctx, label, [][]float32{Vec(0.1, 4)})
		assert.ErrorIs(t, err, database.ErrInvalidLabel, "label %q", label)
	}

	n, err := s.Count(ctx)
	require.NoError(t, err)
	entries, err := s.List(ctx)
	require.NoError(t, err)
	assert.Len(t, entries, n, "every stored record is listed")
}

func testRejectsEmptyVectors(t *testing.T, s database.Store) {
	ctx := context.Background()
	assert.ErrorIs(t, s.Put(ctx, "erin", nil), database.ErrNoVectors)

	status, err := s.Status(ctx, "erin")
	require.NoError(t, err)
	assert.Equal(t, database.StatusMissing, status)
}

func testClosed(t *testing.T, s database.Store) {
	require.NoError(t, s.Close())
	_, err := s.List(context.Background())
	assert.ErrorIs(t, err, database.ErrStoreClosed)
}

// testConcurrentPutList checks that a listing never observes a half-written record.
func testConcurrentPutList(t *testing.T, s database.Store) {
	ctx := context.Background()
	const dim = 32
	require.NoError(t, s.Put(ctx, "frank", [][]float32{Vec(0, dim)}))

	var wg sync.WaitGroup
	stop := make(chan struct{})
	errs := make(chan error, 1)

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 50; i++ {
			vectors := [][]float32{Vec(float32(i), dim), Vec(float32(i), dim)}
			if err := s.Put(ctx, "frank", vectors); err != nil {
				select {
				case errs <- err:
				default:
				}
				break
			}
		}
		close(stop)
	}()

	for {
		select {
		case <-stop:
			wg.Wait()
			select {
			case err := <-errs:
				t.Fatalf("put failed: %v", err)
			default:
			}
			return
		default:
		}
		entries, err := s.List(ctx)
		require.NoError(t, err)
		for _, e := range entries {
			require.Equal(t, database.StatusOK, e.Status, "torn read: %v", e.Err)
			require.NoError(t, consistent(e.Vectors, dim))
		}
	}
}

// consistent verifies that all vectors of a record come from the same write.
func consistent(vectors [][]float32, dim int) error {
	if len(vectors) == 0 {
		return errors.New("no vectors")
	}
	seed := vectors[0][0]
	for i, v := range vectors {
		if len(v) != dim {
			return fmt.Errorf("vector %d has dimension %d", i, len(v))
		}
		if v[0] != seed {
			return fmt.Errorf("vector %d comes from another write", i)
		}
	}
	return nil
}
