package orchestrator_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"empi/internal/orchestrator"
)

func TestSplitIntoBatches(t *testing.T) {
	tests := []struct {
		name      string
		items     []int
		batchSize int
		want      [][]int
	}{
		{
			name:      "even split",
			items:     []int{1, 2, 3, 4},
			batchSize: 2,
			want:      [][]int{{1, 2}, {3, 4}},
		},
		{
			name:      "uneven split",
			items:     []int{1, 2, 3, 4, 5},
			batchSize: 2,
			want:      [][]int{{1, 2}, {3, 4}, {5}},
		},
		{
			name:      "batch larger than input",
			items:     []int{1, 2},
			batchSize: 10,
			want:      [][]int{{1, 2}},
		},
		{
			name:      "empty input",
			items:     []int{},
			batchSize: 3,
			want:      [][]int{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := orchestrator.SplitIntoBatches(tt.items, tt.batchSize)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSplitIntoBatchesInvalidSize(t *testing.T) {
	require.Nil(t, orchestrator.SplitIntoBatches([]int{1, 2, 3}, 0))
	require.Nil(t, orchestrator.SplitIntoBatches([]int{1, 2, 3}, -1))
}
