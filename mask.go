package linerec

import (
	. "github.com/gomlx/exceptions"
	"github.com/gomlx/gomlx/pkg/core/tensors"
)

// MaskedOutLogit is the additive attention bias for forbidden positions:
// large enough (in magnitude) that after softmax the corresponding attention
// weight underflows to zero in float32.
const MaskedOutLogit = float32(-1e9)

// CausalAttentionBias returns a [size, size] additive attention bias where
// entry [i, j] is 0 if position i may attend to position j (j <= i) and
// MaskedOutLogit otherwise. It is a pure function of size, so it can be
// computed once for the maximum sequence length and sliced per call by
// attention implementations that take an additive bias instead of a
// boolean mask.
func CausalAttentionBias(size int) *tensors.Tensor {
	if size <= 0 {
		Panicf("causal attention bias requires size > 0, got %d", size)
	}
	flat := make([]float32, size*size)
	for i := 0; i < size; i++ {
		for j := i + 1; j < size; j++ {
			flat[i*size+j] = MaskedOutLogit
		}
	}
	return tensors.FromFlatDataAndDimensions(flat, size, size)
}
