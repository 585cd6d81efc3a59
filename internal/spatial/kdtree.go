package spatial

import (
	"container/heap"
	"math"
	"sort"

	"pricemap/server/internal/geodesy"
)

const DefaultLeafSize = 8

// pruneSlack absorbs rounding differences between the chord bound and the
// geodesic distance (kilometers).
const pruneSlack = 1e-9

// kdNode covers order[start:end]. Leaves have left == right == -1.
type kdNode struct {
	start, end  int32
	left, right int32
	min, max    geodesy.Vec3
}

// KDTree is a 3-d tree over the earth-centered cartesian positions of the
// entries. The straight-line distance to a node's bounding box is a lower
// bound of the geodesic distance to every entry below it, so a node is only
// skipped when it cannot contain a neighbor at least as close as the current
// k-th candidate.
type KDTree struct {
	entries  []Entry
	points   []geodesy.Vec3 // indexed by insertion position
	order    []int32        // insertion positions, leaves own contiguous ranges
	nodes    []kdNode
	leafSize int
}

func NewKDTree(entries []Entry, leafSize int) (*KDTree, error) {
	if err := validateEntries(entries); err != nil {
		return nil, err
	}
	if leafSize < 1 {
		leafSize = DefaultLeafSize
	}

	t := &KDTree{
		entries:  make([]Entry, len(entries)),
		points:   make([]geodesy.Vec3, len(entries)),
		order:    make([]int32, len(entries)),
		nodes:    make([]kdNode, 0, 2*len(entries)/leafSize+1),
		leafSize: leafSize,
	}
	copy(t.entries, entries)
	for i, e := range t.entries {
		t.points[i] = geodesy.ECEF(e.Location)
		t.order[i] = int32(i)
	}

	if len(entries) > 0 {
		t.build(0, int32(len(entries)))
	}
	return t, nil
}

func (t *KDTree) Len() int {
	return len(t.entries)
}

func (t *KDTree) build(start, end int32) int32 {
	idx := int32(len(t.nodes))
	t.nodes = append(t.nodes, kdNode{start: start, end: end, left: -1, right: -1})

	lo, hi := t.bounds(start, end)
	t.nodes[idx].min = lo
	t.nodes[idx].max = hi

	if int(end-start) <= t.leafSize {
		return idx
	}

	axis := widestAxis(lo, hi)
	span := t.order[start:end]
	sort.Slice(span, func(i, j int) bool {
		a, b := t.points[span[i]][axis], t.points[span[j]][axis]
		if a != b {
			return a < b
		}
		return span[i] < span[j]
	})

	mid := start + (end-start)/2
	left := t.build(start, mid)
	right := t.build(mid, end)
	t.nodes[idx].left = left
	t.nodes[idx].right = right
	return idx
}

func (t *KDTree) bounds(start, end int32) (geodesy.Vec3, geodesy.Vec3) {
	lo := geodesy.Vec3{math.Inf(1), math.Inf(1), math.Inf(1)}
	hi := geodesy.Vec3{math.Inf(-1), math.Inf(-1), math.Inf(-1)}
	for _, pos := range t.order[start:end] {
		p := t.points[pos]
		for axis := 0; axis < 3; axis++ {
			lo[axis] = math.Min(lo[axis], p[axis])
			hi[axis] = math.Max(hi[axis], p[axis])
		}
	}
	return lo, hi
}

func widestAxis(lo, hi geodesy.Vec3) int {
	axis := 0
	for a := 1; a < 3; a++ {
		if hi[a]-lo[a] > hi[axis]-lo[axis] {
			axis = a
		}
	}
	return axis
}

// boxDistance is the straight-line distance from p to the box [lo, hi].
func boxDistance(p, lo, hi geodesy.Vec3) float64 {
	var sum float64
	for axis := 0; axis < 3; axis++ {
		var d float64
		switch {
		case p[axis] < lo[axis]:
			d = lo[axis] - p[axis]
		case p[axis] > hi[axis]:
			d = p[axis] - hi[axis]
		}
		sum += d * d
	}
	return math.Sqrt(sum)
}

func (t *KDTree) Nearest(q Query, k int) ([]Neighbor, error) {
	if err := validateQuery(q, k); err != nil {
		return nil, err
	}

	best := newTopK(k, len(t.entries))
	if len(t.nodes) == 0 {
		return best.result(t.entries)
	}

	target := geodesy.ECEF(q.Location)
	pending := &nodeQueue{{node: 0, bound: boxDistance(target, t.nodes[0].min, t.nodes[0].max)}}

	for pending.Len() > 0 {
		item := heap.Pop(pending).(nodeItem)
		if t.prunable(best, item.bound) {
			// pending is ordered by bound, nothing left can qualify
			break
		}

		n := t.nodes[item.node]
		if n.left < 0 {
			for _, pos := range t.order[n.start:n.end] {
				e := t.entries[pos]
				if q.excludes(e.ID) {
					continue
				}
				best.offer(candidate{pos: int(pos), dist: geodesy.MustDistance(q.Location, e.Location)})
			}
			continue
		}

		for _, child := range [2]int32{n.left, n.right} {
			c := t.nodes[child]
			bound := boxDistance(target, c.min, c.max)
			if !t.prunable(best, bound) {
				heap.Push(pending, nodeItem{node: child, bound: bound})
			}
		}
	}

	return best.result(t.entries)
}

func (t *KDTree) prunable(best *topK, bound float64) bool {
	if !best.full() {
		return false
	}
	worst := best.worst().dist
	return bound > worst+pruneSlack+worst*1e-12
}

type nodeItem struct {
	node  int32
	bound float64
}

// nodeQueue is a min-heap of nodes by lower bound.
type nodeQueue []nodeItem

func (q nodeQueue) Len() int           { return len(q) }
func (q nodeQueue) Less(i, j int) bool { return q[i].bound < q[j].bound }
func (q nodeQueue) Swap(i, j int)      { q[i], q[j] = q[j], q[i] }
func (q *nodeQueue) Push(x any)        { *q = append(*q, x.(nodeItem)) }
func (q *nodeQueue) Pop() any {
	old := *q
	n := len(old)
	item := old[n-1]
	*q = old[:n-1]
	return item
}
