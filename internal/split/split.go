// Package split divides apartments into training and test partitions.
package split

import (
	"fmt"
	"math/rand"
)

// TrainTest shuffles items with a seeded source and returns the training
// and test partitions. The test partition holds round(len*testFraction)
// items, at least one when items has two or more and fraction is positive.
// The same seed always yields the same partitions.
func TrainTest[T any](items []T, testFraction float64, seed int64) (train, test []T, err error) {
	if testFraction <= 0 || testFraction >= 1 {
		return nil, nil, fmt.Errorf("test fraction must be in (0, 1), got %v", testFraction)
	}

	n := len(items)
	testSize := int(float64(n)*testFraction + 0.5)
	if testSize == 0 && n > 1 {
		testSize = 1
	}
	if testSize >= n && n > 0 {
		testSize = n - 1
	}

	order := rand.New(rand.NewSource(seed)).Perm(n)
	test = make([]T, 0, testSize)
	train = make([]T, 0, n-testSize)
	for i, idx := range order {
		if i < testSize {
			test = append(test, items[idx])
		} else {
			train = append(train, items[idx])
		}
	}
	return train, test, nil
}
