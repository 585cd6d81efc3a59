package spatial

import "pricemap/server/internal/geodesy"

// LinearIndex scans every entry for each query.
type LinearIndex struct {
	entries []Entry
}

func NewLinearIndex(entries []Entry) (*LinearIndex, error) {
	if err := validateEntries(entries); err != nil {
		return nil, err
	}
	copied := make([]Entry, len(entries))
	copy(copied, entries)
	return &LinearIndex{entries: copied}, nil
}

func (l *LinearIndex) Len() int {
	return len(l.entries)
}

func (l *LinearIndex) Nearest(q Query, k int) ([]Neighbor, error) {
	if err := validateQuery(q, k); err != nil {
		return nil, err
	}

	best := newTopK(k, len(l.entries))
	for pos, e := range l.entries {
		if q.excludes(e.ID) {
			continue
		}
		best.offer(candidate{pos: pos, dist: geodesy.MustDistance(q.Location, e.Location)})
	}
	return best.result(l.entries)
}
