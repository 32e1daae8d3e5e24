package linerec

import (
	. "github.com/gomlx/exceptions"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
)

// LineCNNStride is the total horizontal stride of the feature extractor: each
// feature vector summarizes one window of LineCNNStride pixels along the
// width of the line. Image width must be a multiple of it.
const LineCNNStride = 16

// Hyperparameter keys for the feature extractor, read from the context.
const (
	// ParamCNNBaseChannels is the number of channels of the first
	// convolution; each block doubles it, up to 4x.
	ParamCNNBaseChannels = "cnn_base_channels"

	// ParamCNNDropoutRate is the dropout rate between convolution blocks.
	// -1 falls back to layers.ParamDropoutRate.
	ParamCNNDropoutRate = "cnn_dropout_rate"
)

// LineCNNGraph extracts a horizontal sequence of feature vectors from a batch
// of line images. images is shaped [batch, height, width] and the output is
// shaped [batch, outputDim, width/LineCNNStride]: one unnormalized feature
// vector of dimension outputDim per horizontal position.
func LineCNNGraph(ctx *context.Context, images *Node, outputDim int) *Node {
	g := images.Graph()
	dtype := images.DType()
	images.AssertRank(3)
	batchSize := images.Shape().Dimensions[0]
	width := images.Shape().Dimensions[2]
	if width%LineCNNStride != 0 {
		Panicf("image width %d must be a multiple of %d", width, LineCNNStride)
	}

	layerIdx := 0
	nextCtx := func(name string) *context.Context {
		newCtx := ctx.Inf("%03d_%s", layerIdx, name)
		layerIdx++
		return newCtx
	}

	dropoutRate := context.GetParamOr(ctx, ParamCNNDropoutRate, -1.0)
	if dropoutRate < 0 {
		dropoutRate = context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	}
	var dropoutNode *Node
	if dropoutRate > 0.0 {
		dropoutNode = Scalar(g, dtype, dropoutRate)
	}

	baseChannels := context.GetParamOr(ctx, ParamCNNBaseChannels, 32)

	// [batch, height, width] -> [batch, height, width, 1], channels-last.
	x := ExpandDims(images, -1)
	for block := 0; block < 4; block++ {
		channels := baseChannels << min(block, 2)
		x = layers.Convolution(nextCtx("conv"), x).Channels(channels).KernelSize(3).PadSame().Done()
		x = activations.Relu(x)
		if dropoutNode != nil {
			x = layers.DropoutNormalize(nextCtx("dropout"), x, dropoutNode, true)
		}
		x = MaxPool(x).Window(2).Done()
	}

	// Collapse whatever is left of the height axis.
	x = ReduceMax(x, 1) // [batch, width/16, channels]

	// Per-position projection to the requested feature dimension.
	x = layers.Dense(nextCtx("proj"), x, true, outputDim) // [batch, width/16, outputDim]

	x = Transpose(x, 1, 2) // [batch, outputDim, width/16]
	x.AssertDims(batchSize, outputDim, width/LineCNNStride)
	return x
}
