package database

import (
	"fmt"
	"maps"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/coder/hnsw"
)

// keySep separates the label, the generation and the vector position in graph keys.
// Labels never contain NUL (see ValidateLabel).
const keySep = "\x00"

// LabelIndex wraps an HNSW graph over registered embeddings keyed by identity label.
// It narrows a query down to a handful of nearby labels so that exact matching does
// not have to visit every record.
//
// Graph nodes are never deleted. Replaced and removed labels leave tombstoned keys
// that Search skips, and the graph is rebuilt from the live vectors once tombstones
// outnumber live nodes.
type LabelIndex struct {
	graph      *hnsw.Graph[string]
	vectors    map[string][][]float32 // label -> indexed vectors
	keys       map[string][]string    // label -> live graph keys
	dead       map[string]struct{}    // tombstoned graph keys
	live       int                    // number of live graph keys
	corrupt    map[string]RecordStatus
	dim        int
	gen        uint64
	allVectors bool
	mu         sync.RWMutex
}

// NewLabelIndex creates an empty index. With allVectors every stored vector of a label
// is indexed, otherwise only the first one.
func NewLabelIndex(allVectors bool) *LabelIndex {
	return &LabelIndex{
		vectors:    make(map[string][][]float32),
		keys:       make(map[string][]string),
		dead:       make(map[string]struct{}),
		corrupt:    make(map[string]RecordStatus),
		allVectors: allVectors,
	}
}

func newGraph() *hnsw.Graph[string] {
	g := hnsw.NewGraph[string]()
	g.M = HNSWMaxNeighbors
	// Ml is the probability of promoting a node one level up. 1/M corresponds to the
	// paper's level normalization mL = 1/ln(M).
	g.Ml = 1.0 / float64(HNSWMaxNeighbors)
	g.EfSearch = HNSWEfSearch
	g.Distance = hnsw.EuclideanDistance
	return g
}

func graphKey(label string, gen uint64, i int) string {
	return label + keySep + strconv.FormatUint(gen, 10) + keySep + strconv.Itoa(i)
}

func labelFromKey(key string) string {
	label, _, _ := strings.Cut(key, keySep)
	return label
}

// Build replaces the index contents with a store enumeration.
// Unhealthy entries are remembered so matchers can apply the corruption policy.
func (h *LabelIndex) Build(entries []Entry) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.resetLocked()
	h.corrupt = make(map[string]RecordStatus)
	for i := range entries {
		e := &entries[i]
		if !e.Status.IsHealthy() {
			h.corrupt[e.Label] = e.Status
			continue
		}
		h.addLocked(e.Label, e.Vectors)
	}
}

// Upsert adds or replaces the vectors of one label.
func (h *LabelIndex) Upsert(label string, vectors [][]float32) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.graph == nil {
		h.resetLocked()
	}
	h.retireLocked(label)
	h.compactLocked()
	delete(h.corrupt, label)
	h.addLocked(label, vectors)
}

// Remove drops a label from the index.
func (h *LabelIndex) Remove(label string) {
	h.mu.Lock()
	defer h.mu.Unlock()

	delete(h.corrupt, label)
	if h.graph == nil {
		return
	}
	h.retireLocked(label)
	h.compactLocked()
}

// resetLocked empties the graph and every key. Corruption marks are kept.
func (h *LabelIndex) resetLocked() {
	h.graph = newGraph()
	h.vectors = make(map[string][][]float32)
	h.keys = make(map[string][]string)
	h.dead = make(map[string]struct{})
	h.live = 0
	h.dim = 0
}

func (h *LabelIndex) addLocked(label string, vectors [][]float32) {
	if len(vectors) == 0 {
		h.corrupt[label] = StatusEmpty
		return
	}
	if !h.allVectors {
		vectors = vectors[:1]
	}
	dim := h.dim
	if dim == 0 {
		dim = len(vectors[0])
	}
	for _, v := range vectors {
		// The graph panics on mixed dimensions; such a record cannot be
		// compared with the rest of the store anyway.
		if len(v) == 0 || len(v) != dim {
			h.corrupt[label] = StatusCorrupt
			return
		}
	}

	h.dim = dim
	h.gen++
	stored := make([][]float32, len(vectors))
	keys := make([]string, len(vectors))
	for i, v := range vectors {
		stored[i] = slices.Clone(v)
		keys[i] = graphKey(label, h.gen, i)
		h.graph.Add(hnsw.MakeNode(keys[i], stored[i]))
	}
	h.vectors[label] = stored
	h.keys[label] = keys
	h.live += len(keys)
}

// retireLocked tombstones the graph keys of label.
func (h *LabelIndex) retireLocked(label string) {
	for _, key := range h.keys[label] {
		h.dead[key] = struct{}{}
	}
	h.live -= len(h.keys[label])
	delete(h.keys, label)
	delete(h.vectors, label)
}

// compactLocked rebuilds the graph from the live vectors once tombstones outnumber
// live nodes, or as soon as nothing live is left.
func (h *LabelIndex) compactLocked() {
	if len(h.dead) == 0 || (h.live > 0 && len(h.dead) <= h.live) {
		return
	}
	live := h.vectors
	labels := slices.Sorted(maps.Keys(live))
	h.resetLocked()
	for _, label := range labels {
		h.addLocked(label, live[label])
	}
}

// Search returns up to k distinct labels whose indexed vectors are nearest to query.
func (h *LabelIndex) Search(query []float32, k int) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	if h.graph == nil {
		return nil, fmt.Errorf("index not initialized")
	}
	if h.live == 0 || k <= 0 {
		return nil, nil
	}
	if h.dim != 0 && len(query) != h.dim {
		return nil, fmt.Errorf("query has dimension %d, index has %d", len(query), h.dim)
	}

	// Several nodes may belong to one label and tombstones are skipped; over-fetch so
	// k labels survive the filtering.
	fetch := k
	if h.allVectors {
		fetch = k * 2
	}
	fetch += len(h.dead)
	neighbors := h.graph.Search(query, fetch)

	seen := make(map[string]struct{}, len(neighbors))
	labels := make([]string, 0, k)
	for _, n := range neighbors {
		if _, dead := h.dead[n.Key]; dead {
			continue
		}
		label := labelFromKey(n.Key)
		if _, ok := seen[label]; ok {
			continue
		}
		seen[label] = struct{}{}
		labels = append(labels, label)
		if len(labels) == k {
			break
		}
	}
	return labels, nil
}

// Corrupt returns the labels that could not be indexed, sorted.
func (h *LabelIndex) Corrupt() []Entry {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make([]Entry, 0, len(h.corrupt))
	for label, status := range h.corrupt {
		out = append(out, Entry{Label: label, Status: status})
	}
	slices.SortFunc(out, func(a, b Entry) int { return strings.Compare(a.Label, b.Label) })
	return out
}

// Count returns the number of indexed labels.
func (h *LabelIndex) Count() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.keys)
}
