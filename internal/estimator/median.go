package estimator

import "sort"

// Median returns the median of values; an even count averages the two
// middle values. It returns 0 for an empty slice.
func Median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	mid := len(sorted) / 2
	if len(sorted)%2 == 0 {
		return (sorted[mid-1] + sorted[mid]) / 2
	}
	return sorted[mid]
}

// EstimateFromNeighbors derives the estimate of q from its neighbor records:
// the median neighbor price per area, scaled to the query area.
func EstimateFromNeighbors(neighbors []Record, q Query) (Estimate, error) {
	if len(neighbors) == 0 {
		return Estimate{}, ErrEmptyNeighborSet
	}

	values := make([]float64, len(neighbors))
	ids := make([]int64, len(neighbors))
	for i, n := range neighbors {
		values[i] = n.PricePerArea()
		ids[i] = n.ID
	}

	pricePerArea := Median(values)
	return Estimate{
		ID:           q.Record.ID,
		Partition:    q.Partition,
		PricePerArea: pricePerArea,
		Price:        pricePerArea * q.Record.Area,
		NeighborIDs:  ids,
	}, nil
}
