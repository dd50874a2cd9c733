package engine

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"math"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/kozaktomas/face-attendance/internal/constants"
	"github.com/kozaktomas/face-attendance/internal/database"
	"github.com/kozaktomas/face-attendance/internal/database/dirstore"
	"github.com/kozaktomas/face-attendance/internal/database/mock"
	"github.com/kozaktomas/face-attendance/internal/facematch"
	"github.com/kozaktomas/face-attendance/internal/ledger"
	"github.com/kozaktomas/face-attendance/internal/recognition"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testNow = time.Date(2024, 6, 1, 8, 0, 0, 0, time.Local)

// fakeExtractor returns the embedding registered for the exact image bytes.
type fakeExtractor map[string][]float32

func (f fakeExtractor) ExtractFaces(ctx context.Context, image []byte) ([]recognition.Face, error) {
	v, ok := f[string(image)]
	if !ok {
		return nil, recognition.ErrNoFaceDetected
	}
	return []recognition.Face{{Embedding: v}}, nil
}

func vec(value float32, dim int) []float32 {
	v := make([]float32, dim)
	for i := range v {
		v[i] = value
	}
	return v
}

type fixture struct {
	engine *Engine
	store  database.Store
	ledger *ledger.Ledger
	root   string
}

func newFixture(t *testing.T, store database.Store, faces fakeExtractor, matchOpts facematch.Options, opts Options) *fixture {
	t.Helper()
	root := t.TempDir()
	if store == nil {
		s, err := dirstore.Open(filepath.Join(root, "db"))
		require.NoError(t, err)
		store = s
	}

	l, err := ledger.New(ledger.Options{
		AttendanceDir:   filepath.Join(root, "logs"),
		ConfirmationDir: filepath.Join(root, "confirmation"),
		Now:             func() time.Time { return testNow },
	})
	require.NoError(t, err)

	var matcher facematch.Matcher = facematch.NewLinearMatcher(store, matchOpts)
	if opts.Index != nil {
		matcher = facematch.NewIndexedMatcher(store, opts.Index, matchOpts)
	}
	session := recognition.NewSession(faces, matcher, recognition.Options{Workers: 4, ExtractionTimeout: time.Second})

	e, err := New(context.Background(), store, session, l, opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return &fixture{engine: e, store: store, ledger: l, root: root}
}

func (f *fixture) attendance(t *testing.T) [][]string {
	t.Helper()
	return readCSV(t, f.ledger.PartitionPath(ledger.SeriesAttendance, testNow))
}

func readCSV(t *testing.T, path string) [][]string {
	t.Helper()
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	require.NoError(t, err)
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	records, err := r.ReadAll()
	require.NoError(t, err)
	return records
}

func TestIdentify_EmptyStore(t *testing.T) {
	f := newFixture(t, nil, fakeExtractor{"img": vec(0, 4)}, facematch.Options{}, Options{})

	out, err := f.engine.Identify(context.Background(), []byte("img"), nil)
	require.NoError(t, err)
	assert.Equal(t, constants.IdentityUnknown, out.Identity)
	assert.False(t, out.Matched)
	require.NotNil(t, out.Confidence)
	assert.Zero(t, *out.Confidence)
	assert.Empty(t, f.attendance(t), "no attendance without a match")
}

func TestRegisterIdentifyRoundTrip(t *testing.T) {
	faces := fakeExtractor{"alice.jpg": vec(0.1, 128)}
	f := newFixture(t, nil, faces, facematch.Options{}, Options{})
	ctx := context.Background()

	require.NoError(t, f.engine.Register(ctx, []byte("alice.jpg"), "alice"))

	out, err := f.engine.Identify(ctx, []byte("alice.jpg"), nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", out.Identity)
	assert.True(t, out.Matched)
	require.NotNil(t, out.Confidence)
	assert.Equal(t, 1.0, *out.Confidence)

	records := f.attendance(t)
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0][0])
	assert.Equal(t, "IN", records[0][2])
	assert.Equal(t, "1", records[0][3])
	assert.Equal(t, out.RecognitionID, records[0][4])
}

func TestIdentify_ToleranceOverride(t *testing.T) {
	faces := fakeExtractor{"ref": vec(0, 4), "query": vec(0.25, 4)} // distance 0.5
	f := newFixture(t, nil, faces, facematch.Options{}, Options{})
	ctx := context.Background()
	require.NoError(t, f.engine.Register(ctx, []byte("ref"), "alice"))

	strict := 0.4
	out, err := f.engine.Identify(ctx, []byte("query"), &strict)
	require.NoError(t, err)
	assert.False(t, out.Matched)

	out, err = f.engine.Identify(ctx, []byte("query"), nil)
	require.NoError(t, err)
	assert.True(t, out.Matched)
	assert.Equal(t, 0.5, *out.Confidence)

	for _, invalid := range []float64{-1, 0, 1.5, 5, math.NaN(), math.Inf(1)} {
		assert.Equal(t, constants.DefaultTolerance, f.engine.Tolerance(&invalid), "override %v", invalid)
	}
	loose := 1.0
	assert.Equal(t, 1.0, f.engine.Tolerance(&loose))
}

func TestIdentify_NoFace(t *testing.T) {
	f := newFixture(t, nil, fakeExtractor{}, facematch.Options{}, Options{})

	out, err := f.engine.Identify(context.Background(), []byte("landscape"), nil)
	require.NoError(t, err)
	assert.Equal(t, constants.IdentityNoPersonsFound, out.Identity)
	assert.Nil(t, out.Confidence)
}

func TestIdentify_PersistenceFailure(t *testing.T) {
	faces := fakeExtractor{"alice.jpg": vec(0.1, 8)}
	f := newFixture(t, nil, faces, facematch.Options{}, Options{})
	ctx := context.Background()
	require.NoError(t, f.engine.Register(ctx, []byte("alice.jpg"), "alice"))
	require.NoError(t, os.MkdirAll(f.ledger.PartitionPath(ledger.SeriesAttendance, testNow), 0o750))

	out, err := f.engine.Identify(ctx, []byte("alice.jpg"), nil)
	assert.ErrorIs(t, err, ledger.ErrPersistence)
	assert.Equal(t, "alice", out.Identity, "the outcome is still returned")
}

func TestIdentify_CorruptedStore(t *testing.T) {
	store := mock.NewMockStore()
	store.AddRecord("alice", vec(0, 4))
	store.AddBroken("bob", database.StatusCorrupt)
	faces := fakeExtractor{"img": vec(0, 4)}

	f := newFixture(t, store, faces, facematch.Options{Policy: facematch.PolicyAbort}, Options{})
	out, err := f.engine.Identify(context.Background(), []byte("img"), nil)
	require.NoError(t, err)
	assert.Equal(t, constants.IdentityCorruptedStore, out.Identity)
	assert.Empty(t, f.attendance(t))

	f = newFixture(t, store, faces, facematch.Options{Policy: facematch.PolicySkip}, Options{})
	out, err = f.engine.Identify(context.Background(), []byte("img"), nil)
	require.NoError(t, err)
	assert.Equal(t, "alice", out.Identity)
}

func TestIdentifyAll(t *testing.T) {
	store := mock.NewMockStore()
	store.AddRecord("alice", vec(0, 4))
	f := newFixture(t, store, fakeExtractor{"img": vec(0, 4)}, facematch.Options{}, Options{})

	outs, err := f.engine.IdentifyAll(context.Background(), []byte("img"), nil)
	require.NoError(t, err)
	require.Len(t, outs, 1)
	assert.Equal(t, "alice", outs[0].Identity)
	assert.Len(t, f.attendance(t), 1)
}

func TestRegister_NoFaceLeavesStoreUntouched(t *testing.T) {
	faces := fakeExtractor{"alice.jpg": vec(0.1, 8)}
	f := newFixture(t, nil, faces, facematch.Options{}, Options{})
	ctx := context.Background()
	require.NoError(t, f.engine.Register(ctx, []byte("alice.jpg"), "alice"))

	err := f.engine.Register(ctx, []byte("wall.jpg"), "alice")
	require.ErrorIs(t, err, recognition.ErrNoFaceDetected)
	err = f.engine.Register(ctx, []byte("wall.jpg"), "bob")
	require.ErrorIs(t, err, recognition.ErrNoFaceDetected)

	rec, err := f.store.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, [][]float32{vec(0.1, 8)}, rec.Vectors)

	n, err := f.store.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRegister_InvalidLabel(t *testing.T) {
	f := newFixture(t, nil, fakeExtractor{"img": vec(0, 4)}, facematch.Options{}, Options{})

	for _, label := range []string{"", "  ", "../etc", "a/b", "..", ".alice"} {
		err := f.engine.Register(context.Background(), []byte("img"), label)
		assert.ErrorIs(t, err, database.ErrInvalidLabel, "label %q", label)
	}
}

func TestRegister_Overwrites(t *testing.T) {
	faces := fakeExtractor{"old": vec(0, 4), "new": vec(1, 4)}
	f := newFixture(t, nil, faces, facematch.Options{}, Options{})
	ctx := context.Background()

	require.NoError(t, f.engine.Register(ctx, []byte("old"), "alice"))
	require.NoError(t, f.engine.Register(ctx, []byte("new"), "alice"))

	out, err := f.engine.Identify(ctx, []byte("old"), nil)
	require.NoError(t, err)
	assert.False(t, out.Matched, "the previous registration is replaced")
}

func TestRegister_KeepsReferenceImage(t *testing.T) {
	png := []byte{0x89, 'P', 'N', 'G', 0x0D, 0x0A, 0x1A, 0x0A}
	faces := fakeExtractor{string(png): vec(0, 4)}
	f := newFixture(t, nil, faces, facematch.Options{}, Options{KeepReferenceImage: true})

	require.NoError(t, f.engine.Register(context.Background(), png, "alice"))

	data, ext, err := f.store.(*dirstore.Store).ReferenceImage("alice")
	require.NoError(t, err)
	assert.Equal(t, ".png", ext)
	assert.Equal(t, png, data)
}

func TestConfirm_WithoutAttendance(t *testing.T) {
	f := newFixture(t, nil, fakeExtractor{}, facematch.Options{}, Options{})

	require.NoError(t, f.engine.Confirm(context.Background(), "no-such-recognition", "alice", "yes"))

	records := readCSV(t, f.ledger.PartitionPath(ledger.SeriesConfirmation, testNow))
	require.Len(t, records, 1)
	assert.Equal(t, "alice", records[0][0])
	assert.Equal(t, "yes", records[0][1])
	assert.Equal(t, "no-such-recognition", records[0][3])
	assert.Empty(t, f.attendance(t))
}

func TestUnregister(t *testing.T) {
	faces := fakeExtractor{"alice.jpg": vec(0, 4)}
	f := newFixture(t, nil, faces, facematch.Options{}, Options{})
	ctx := context.Background()
	require.NoError(t, f.engine.Register(ctx, []byte("alice.jpg"), "alice"))

	require.NoError(t, f.engine.Unregister(ctx, "alice"))
	assert.ErrorIs(t, f.engine.Unregister(ctx, "alice"), database.ErrNotFound)

	out, err := f.engine.Identify(ctx, []byte("alice.jpg"), nil)
	require.NoError(t, err)
	assert.Equal(t, constants.IdentityUnknown, out.Identity)
}

func TestIdentities(t *testing.T) {
	store := mock.NewMockStore()
	store.AddRecord("bob", vec(0, 4))
	store.AddRecord("alice", vec(1, 4))
	store.AddBroken("carol", database.StatusEmpty)
	f := newFixture(t, store, fakeExtractor{}, facematch.Options{}, Options{})

	entries, err := f.engine.Identities(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 3)
	assert.Equal(t, "alice", entries[0].Label)
	assert.Equal(t, database.StatusEmpty, entries[2].Status)
}

func TestIndexedEngine(t *testing.T) {
	faces := fakeExtractor{"alice.jpg": vec(0, 8), "bob.jpg": vec(1, 8)}
	index := database.NewLabelIndex(false)
	f := newFixture(t, nil, faces, facematch.Options{}, Options{Index: index})
	ctx := context.Background()

	require.NoError(t, f.engine.Register(ctx, []byte("alice.jpg"), "alice"))
	require.NoError(t, f.engine.Register(ctx, []byte("bob.jpg"), "bob"))
	assert.Equal(t, 2, index.Count())

	out, err := f.engine.Identify(ctx, []byte("bob.jpg"), nil)
	require.NoError(t, err)
	assert.Equal(t, "bob", out.Identity)

	require.NoError(t, f.engine.Unregister(ctx, "bob"))
	assert.Equal(t, 1, index.Count())

	out, err = f.engine.Identify(ctx, []byte("bob.jpg"), nil)
	require.NoError(t, err)
	assert.False(t, out.Matched)
}

func TestIndexedEngine_BuildsFromStore(t *testing.T) {
	store := mock.NewMockStore()
	store.AddRecord("alice", vec(0, 4))
	index := database.NewLabelIndex(false)

	newFixture(t, store, fakeExtractor{}, facematch.Options{}, Options{Index: index})
	assert.Equal(t, 1, index.Count())

	store.ListError = errors.New("offline")
	_, err := New(context.Background(), store, nil, nil, Options{Index: database.NewLabelIndex(false)})
	assert.Error(t, err)
}

func TestConcurrentIdentifyAndRegister(t *testing.T) {
	const dim = 8
	faces := fakeExtractor{"a": vec(0, dim), "b": vec(0.1, dim)}
	f := newFixture(t, nil, faces, facematch.Options{}, Options{})
	ctx := context.Background()
	require.NoError(t, f.engine.Register(ctx, []byte("a"), "alice"))

	// Identifying "a" sees either registration of alice, never a mix of both.
	want := map[float64]bool{
		1.0:    true,
		0.7172: true, // 1 - sqrt(8 * 0.01)
	}

	var wg sync.WaitGroup
	for i := range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			img := []byte("a")
			if i%2 == 1 {
				img = []byte("b")
			}
			for range 20 {
				assert.NoError(t, f.engine.Register(ctx, img, "alice"))
			}
		}()
	}
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range 20 {
				out, err := f.engine.Identify(ctx, []byte("a"), nil)
				if !assert.NoError(t, err) {
					return
				}
				if assert.Equal(t, "alice", out.Identity) && assert.NotNil(t, out.Confidence) {
					assert.True(t, want[*out.Confidence], "unexpected confidence %v", *out.Confidence)
				}
			}
		}()
	}
	wg.Wait()
}

func TestExportAttendanceArchive_Identical(t *testing.T) {
	faces := fakeExtractor{"alice.jpg": vec(0, 4)}
	f := newFixture(t, nil, faces, facematch.Options{}, Options{})
	ctx := context.Background()
	require.NoError(t, f.engine.Register(ctx, []byte("alice.jpg"), "alice"))
	_, err := f.engine.Identify(ctx, []byte("alice.jpg"), nil)
	require.NoError(t, err)
	require.NoError(t, f.engine.Confirm(ctx, "r1", "alice", "yes"))

	var first, second bytes.Buffer
	require.NoError(t, f.engine.ExportAttendanceArchive(ctx, &first))
	require.NoError(t, f.engine.ExportAttendanceArchive(ctx, &second))
	assert.Equal(t, first.Bytes(), second.Bytes())
	assert.NotZero(t, first.Len())

	parts, err := f.engine.Partitions(ctx)
	require.NoError(t, err)
	assert.Len(t, parts, 2)
}

func TestHealth(t *testing.T) {
	store := mock.NewMockStore()
	store.AddRecord("alice", vec(0, 4))
	f := newFixture(t, store, fakeExtractor{}, facematch.Options{}, Options{
		Health: func(ctx context.Context) error { return errors.New("connection refused") },
	})

	report := f.engine.Health(context.Background())
	assert.Equal(t, 1, report.Identities)
	assert.Equal(t, "ok", report.Store)
	assert.Equal(t, "connection refused", report.Embedding)
	assert.False(t, report.Healthy())

	store.CountError = errors.New("disk gone")
	f.engine.opts.Health = nil
	report = f.engine.Health(context.Background())
	assert.Equal(t, "disk gone", report.Store)
	assert.False(t, report.Healthy())
}
