// Package spatial answers k-nearest-neighbor queries over a fixed set of
// geographic entries using geodesic distance.
//
// Two strategies are available. LinearIndex evaluates the distance to every
// entry: O(m) geodesic evaluations per query, O(n*m) for a batch of n queries,
// which is acceptable for offline scoring of a few thousand records. KDTree
// is built once in O(m log² m) and answers a query with O(log m + k log k)
// geodesic evaluations on average (O(m) in the worst case). Both return
// identical neighbor lists: results are ordered by distance and ties are
// broken by insertion order.
package spatial

import (
	"container/heap"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/paulmach/orb"

	"pricemap/server/internal/geodesy"
)

var (
	ErrInsufficientNeighbors = errors.New("insufficient neighbors")
	ErrInvalidK              = errors.New("k must be positive")
	ErrUnknownStrategy       = errors.New("unknown index strategy")
)

// InsufficientNeighborsError is returned together with the available
// neighbors when fewer than the requested number are eligible.
type InsufficientNeighborsError struct {
	Want int
	Have int
}

func (e *InsufficientNeighborsError) Error() string {
	return fmt.Sprintf("%s: wanted %d, only %d eligible", ErrInsufficientNeighbors, e.Want, e.Have)
}

func (e *InsufficientNeighborsError) Is(target error) bool {
	return target == ErrInsufficientNeighbors
}

// Entry is one member of the reference set.
type Entry struct {
	ID       int64
	Location orb.Point
}

// Query describes a single nearest-neighbor lookup. Exclude, when set,
// removes the entry with that id from the candidates.
type Query struct {
	Location orb.Point
	Exclude  *int64
}

func (q Query) excludes(id int64) bool {
	return q.Exclude != nil && *q.Exclude == id
}

// Neighbor is one result of a query. Pos is the insertion position of the
// entry in the reference set.
type Neighbor struct {
	ID       int64
	Pos      int
	Distance float64 // kilometers
}

// Index is a read-only spatial index. Implementations are safe for
// concurrent queries.
//
// Nearest returns the k entries closest to q, nearest first. If fewer than k
// entries are eligible it returns all of them along with an
// *InsufficientNeighborsError.
type Index interface {
	Nearest(q Query, k int) ([]Neighbor, error)
	Len() int
}

// Strategy selects the Index implementation.
type Strategy string

const (
	StrategyLinear Strategy = "linear"
	StrategyKDTree Strategy = "kdtree"
)

// ParseStrategy converts a configuration value into a Strategy
func ParseStrategy(s string) (Strategy, error) {
	switch Strategy(strings.ToLower(strings.TrimSpace(s))) {
	case StrategyLinear:
		return StrategyLinear, nil
	case StrategyKDTree, "":
		return StrategyKDTree, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownStrategy, s)
	}
}

// New builds an index of the given strategy over entries. Entries keep their
// order as insertion positions.
func New(strategy Strategy, entries []Entry, leafSize int) (Index, error) {
	switch strategy {
	case StrategyLinear:
		return NewLinearIndex(entries)
	case StrategyKDTree:
		return NewKDTree(entries, leafSize)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
}

func validateEntries(entries []Entry) error {
	for i, e := range entries {
		if err := geodesy.Validate(e.Location); err != nil {
			return fmt.Errorf("entry %d (id %d): %w", i, e.ID, err)
		}
	}
	return nil
}

func validateQuery(q Query, k int) error {
	if k < 1 {
		return fmt.Errorf("%w: %d", ErrInvalidK, k)
	}
	return geodesy.Validate(q.Location)
}

type candidate struct {
	pos  int
	dist float64
}

func closer(a, b candidate) bool {
	if a.dist != b.dist {
		return a.dist < b.dist
	}
	return a.pos < b.pos
}

// topK keeps the k best candidates in a max-heap, worst on top.
type topK struct {
	k     int
	items []candidate
}

func newTopK(k, size int) *topK {
	return &topK{k: k, items: make([]candidate, 0, min(k, size))}
}

func (t *topK) Len() int           { return len(t.items) }
func (t *topK) Less(i, j int) bool { return closer(t.items[j], t.items[i]) }
func (t *topK) Swap(i, j int)      { t.items[i], t.items[j] = t.items[j], t.items[i] }
func (t *topK) Push(x any)         { t.items = append(t.items, x.(candidate)) }
func (t *topK) Pop() any {
	n := len(t.items)
	c := t.items[n-1]
	t.items = t.items[:n-1]
	return c
}

func (t *topK) full() bool {
	return len(t.items) >= t.k
}

func (t *topK) worst() candidate {
	return t.items[0]
}

func (t *topK) offer(c candidate) {
	if !t.full() {
		heap.Push(t, c)
		return
	}
	if closer(c, t.items[0]) {
		t.items[0] = c
		heap.Fix(t, 0)
	}
}

func (t *topK) result(entries []Entry) ([]Neighbor, error) {
	sorted := make([]candidate, len(t.items))
	copy(sorted, t.items)
	sort.Slice(sorted, func(i, j int) bool { return closer(sorted[i], sorted[j]) })

	neighbors := make([]Neighbor, len(sorted))
	for i, c := range sorted {
		neighbors[i] = Neighbor{ID: entries[c.pos].ID, Pos: c.pos, Distance: c.dist}
	}
	if len(neighbors) < t.k {
		return neighbors, &InsufficientNeighborsError{Want: t.k, Have: len(neighbors)}
	}
	return neighbors, nil
}
