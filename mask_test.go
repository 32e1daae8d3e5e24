package linerec

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCausalAttentionBias(t *testing.T) {
	bias := CausalAttentionBias(4)
	require.Equal(t, []int{4, 4}, bias.Shape().Dimensions)
	rows := bias.Value().([][]float32)
	for i, row := range rows {
		for j, value := range row {
			if j <= i {
				assert.Zero(t, value, "position (%d, %d) should be visible", i, j)
			} else {
				assert.Equal(t, MaskedOutLogit, value, "position (%d, %d) should be masked", i, j)
			}
		}
	}
}

func TestCausalAttentionBiasSingle(t *testing.T) {
	bias := CausalAttentionBias(1)
	assert.Equal(t, [][]float32{{0}}, bias.Value())
}
