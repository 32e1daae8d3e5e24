package linerec

import (
	"math"

	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
)

// PositionalEncoding holds a precomputed table of sinusoidal position
// embeddings. The table is a constant: it has no trainable parameters and is
// never touched by the optimizer.
//
// Entry [pos, 2k] is sin(pos*omega_k) and entry [pos, 2k+1] is
// cos(pos*omega_k), with omega_k = 10000^(-2k/dModel).
type PositionalEncoding struct {
	dModel      int
	dropoutRate float64
	maxLen      int
	table       *tensors.Tensor // Shape [maxLen, dModel].
}

// NewPositionalEncoding precomputes the sinusoidal table for sequences of up
// to maxLen positions. dModel must be even.
func NewPositionalEncoding(dModel int, dropoutRate float64, maxLen int) *PositionalEncoding {
	if dModel <= 0 || dModel%2 != 0 {
		Panicf("positional encoding requires a positive even embedding dimension, got %d", dModel)
	}
	if maxLen <= 0 {
		Panicf("positional encoding requires maxLen > 0, got %d", maxLen)
	}
	flat := make([]float32, maxLen*dModel)
	for pos := 0; pos < maxLen; pos++ {
		for k := 0; 2*k < dModel; k++ {
			omega := math.Pow(10000, -float64(2*k)/float64(dModel))
			angle := float64(pos) * omega
			flat[pos*dModel+2*k] = float32(math.Sin(angle))
			flat[pos*dModel+2*k+1] = float32(math.Cos(angle))
		}
	}
	return &PositionalEncoding{
		dModel:      dModel,
		dropoutRate: dropoutRate,
		maxLen:      maxLen,
		table:       tensors.FromFlatDataAndDimensions(flat, maxLen, dModel),
	}
}

// MaxLen returns the table capacity in positions.
func (pe *PositionalEncoding) MaxLen() int { return pe.maxLen }

// Table returns the precomputed [maxLen, dModel] table.
func (pe *PositionalEncoding) Table() *tensors.Tensor { return pe.table }

// Apply adds the first seqLen rows of the table to x, shaped
// [batch, seqLen, dModel], broadcasting over the batch axis, and applies
// dropout (a no-op unless the context is in training mode).
func (pe *PositionalEncoding) Apply(ctx *context.Context, x *Node) *Node {
	g := x.Graph()
	x.AssertRank(3)
	seqLen := x.Shape().Dimensions[1]
	if seqLen > pe.maxLen {
		Panicf("sequence length %d exceeds the positional encoding capacity %d", seqLen, pe.maxLen)
	}
	if x.Shape().Dimensions[2] != pe.dModel {
		Panicf("input embedding dimension %d doesn't match the positional encoding dimension %d",
			x.Shape().Dimensions[2], pe.dModel)
	}
	table := ConstCachedTensor(g, pe.table)
	slice := Slice(table, AxisRange(0, seqLen))
	slice = BroadcastToShape(InsertAxes(slice, 0), x.Shape())
	x = Add(x, slice)
	return layers.DropoutStatic(ctx, x, pe.dropoutRate)
}
