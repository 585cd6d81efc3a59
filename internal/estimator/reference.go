package estimator

import (
	"fmt"

	"pricemap/server/internal/spatial"
)

// ReferenceSet is the immutable population neighbors are drawn from. The
// spatial index is built once and shared by all queries against the set.
type ReferenceSet struct {
	records  []Record
	byID     map[int64]int
	index    spatial.Index
	strategy spatial.Strategy
}

// NewReferenceSet indexes records in the given order. Ids must be unique.
func NewReferenceSet(records []Record, strategy spatial.Strategy, leafSize int) (*ReferenceSet, error) {
	byID := make(map[int64]int, len(records))
	entries := make([]spatial.Entry, len(records))
	for i, r := range records {
		if _, ok := byID[r.ID]; ok {
			return nil, fmt.Errorf("%w: %d", ErrDuplicateID, r.ID)
		}
		byID[r.ID] = i
		entries[i] = spatial.Entry{ID: r.ID, Location: r.Location}
	}

	index, err := spatial.New(strategy, entries, leafSize)
	if err != nil {
		return nil, fmt.Errorf("failed to build %s index: %w", strategy, err)
	}

	copied := make([]Record, len(records))
	copy(copied, records)
	return &ReferenceSet{
		records:  copied,
		byID:     byID,
		index:    index,
		strategy: strategy,
	}, nil
}

func (s *ReferenceSet) Len() int {
	return len(s.records)
}

func (s *ReferenceSet) Strategy() spatial.Strategy {
	return s.strategy
}

// Contains reports whether a record with the id is part of the set
func (s *ReferenceSet) Contains(id int64) bool {
	_, ok := s.byID[id]
	return ok
}

// Record returns the record at insertion position pos
func (s *ReferenceSet) Record(pos int) Record {
	return s.records[pos]
}

// RecordByID looks up a record by id
func (s *ReferenceSet) RecordByID(id int64) (Record, bool) {
	pos, ok := s.byID[id]
	if !ok {
		return Record{}, false
	}
	return s.records[pos], true
}

// Nearest returns the neighbor records of a query, nearest first, together
// with the index error (if any). See spatial.Index.
func (s *ReferenceSet) Nearest(q spatial.Query, k int) ([]spatial.Neighbor, []Record, error) {
	neighbors, err := s.index.Nearest(q, k)
	records := make([]Record, len(neighbors))
	for i, n := range neighbors {
		records[i] = s.records[n.Pos]
	}
	return neighbors, records, err
}
