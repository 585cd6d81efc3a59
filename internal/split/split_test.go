package split

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func numbers(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func TestTrainTestSizes(t *testing.T) {
	tests := []struct {
		name      string
		n         int
		fraction  float64
		wantTrain int
		wantTest  int
	}{
		{"default fraction", 100, 0.2, 80, 20},
		{"rounds", 11, 0.2, 9, 2},
		{"at least one test item", 3, 0.1, 2, 1},
		{"keeps one training item", 2, 0.9, 1, 1},
		{"single item", 1, 0.2, 1, 0},
		{"empty", 0, 0.2, 0, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			train, test, err := TrainTest(numbers(tt.n), tt.fraction, 0)
			require.NoError(t, err)
			assert.Len(t, train, tt.wantTrain)
			assert.Len(t, test, tt.wantTest)
		})
	}
}

func TestTrainTestDisjointAndComplete(t *testing.T) {
	items := numbers(57)
	train, test, err := TrainTest(items, 0.25, 42)
	require.NoError(t, err)

	seen := make(map[int]int)
	for _, v := range train {
		seen[v]++
	}
	for _, v := range test {
		seen[v]++
	}
	assert.Len(t, seen, len(items))
	for v, count := range seen {
		assert.Equal(t, 1, count, "item %d", v)
	}
}

func TestTrainTestDeterministic(t *testing.T) {
	train1, test1, err := TrainTest(numbers(40), 0.2, 7)
	require.NoError(t, err)
	train2, test2, err := TrainTest(numbers(40), 0.2, 7)
	require.NoError(t, err)
	assert.Equal(t, train1, train2)
	assert.Equal(t, test1, test2)

	_, test3, err := TrainTest(numbers(40), 0.2, 8)
	require.NoError(t, err)
	assert.NotEqual(t, test1, test3)
}

func TestTrainTestInvalidFraction(t *testing.T) {
	for _, fraction := range []float64{0, 1, -0.1, 1.5} {
		_, _, err := TrainTest(numbers(10), fraction, 0)
		assert.Error(t, err)
	}
}
