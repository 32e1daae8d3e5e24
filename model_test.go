package linerec

import (
	"math"
	"math/rand"
	"testing"

	"github.com/gomlx/gomlx/backends"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/graph/graphtest"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestModel builds a tiny model over the {A, B} vocabulary: embedding 16,
// one decoder layer, two heads, no dropout. Images are 32x48, so the memory
// sequence has 3 positions, and the output sequence 5 (start + 3 + end).
func newTestModel(t *testing.T, backend backends.Backend) *Model {
	ctx := context.New()
	SetDefaultHyperparameters(ctx)
	ctx.SetParams(map[string]any{
		ParamEmbedDim:           16,
		ParamFFDim:              32,
		ParamNumDecoderLayers:   1,
		ParamNumHeads:           2,
		ParamCNNBaseChannels:    4,
		layers.ParamDropoutRate: 0.0,
	})
	vocab, err := BuildVocabulary("AB")
	require.NoError(t, err)
	cfg := Config{
		ImageHeight:  32,
		ImageWidth:   3 * LineCNNStride,
		MaxOutputLen: 5,
		Vocab:        vocab,
		InitSeed:     7,
	}
	model, err := New(backend, ctx, cfg)
	require.NoError(t, err)
	return model
}

func testImages(batchSize, height, width int, seed int64) *tensors.Tensor {
	rng := rand.New(rand.NewSource(seed))
	flat := make([]float32, batchSize*height*width)
	for i := range flat {
		flat[i] = rng.Float32()
	}
	return tensors.FromFlatDataAndDimensions(flat, batchSize, height, width)
}

func TestNewValidation(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	vocab, err := BuildVocabulary("AB")
	require.NoError(t, err)

	// Width not a multiple of the extractor stride.
	ctx := context.New()
	SetDefaultHyperparameters(ctx)
	_, err = New(backend, ctx, Config{
		ImageHeight: 32, ImageWidth: 50, MaxOutputLen: 5, Vocab: vocab,
	})
	require.Error(t, err)

	// Embedding dimension not divisible by the number of heads.
	ctx = context.New()
	SetDefaultHyperparameters(ctx)
	ctx.SetParams(map[string]any{ParamEmbedDim: 30, ParamNumHeads: 4})
	_, err = New(backend, ctx, Config{
		ImageHeight: 32, ImageWidth: 48, MaxOutputLen: 5, Vocab: vocab,
	})
	require.Error(t, err)

	// Missing vocabulary.
	ctx = context.New()
	SetDefaultHyperparameters(ctx)
	_, err = New(backend, ctx, Config{ImageHeight: 32, ImageWidth: 48, MaxOutputLen: 5})
	require.Error(t, err)
}

func TestEncodeGraph(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := newTestModel(t, backend)
	exec := context.MustNewExec(backend, model.Context().Checked(false),
		func(ctx *context.Context, images *Node) *Node {
			return model.EncodeGraph(ctx.In("model"), images)
		})

	images := testImages(2, 32, 48, 1)
	memory, err := exec.Exec1(images)
	require.NoError(t, err)
	assert.Equal(t, []int{2, 3, 16}, memory.Shape().Dimensions)

	// Outside training the encoding is deterministic.
	again, err := exec.Exec1(images)
	require.NoError(t, err)
	assert.Equal(t, memory.Value(), again.Value())
}

func TestDecodeGraphCausality(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := newTestModel(t, backend)
	ctx := model.Context().Checked(false)
	exec := context.MustNewExec(backend, ctx,
		func(ctx *context.Context, images, tokens *Node) *Node {
			ctx = ctx.In("model")
			memory := model.EncodeGraph(ctx, images)
			return model.DecodeGraph(ctx, memory, tokens)
		})

	images := testImages(1, 32, 48, 2)
	logitsFor := func(tokens []int32) [][]float32 {
		tokensT := tensors.FromFlatDataAndDimensions(tokens, 1, len(tokens))
		logits, err := exec.Exec1(images, tokensT)
		require.NoError(t, err)
		require.Equal(t, []int{1, len(tokens), 5}, logits.Shape().Dimensions)
		return logits.Value().([][][]float32)[0]
	}

	// Two sequences that agree on the first 3 positions.
	base := logitsFor([]int32{1, 3, 4, 3, 2})
	perturbed := logitsFor([]int32{1, 3, 4, 4, 0})
	for pos := 0; pos < 3; pos++ {
		assert.Equal(t, base[pos], perturbed[pos],
			"logits at position %d depend on a later token", pos)
	}
	assert.NotEqual(t, base[3], perturbed[3])
}

func TestDecodeGraphPaddedBatch(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := newTestModel(t, backend)
	exec := context.MustNewExec(backend, model.Context().Checked(false),
		func(ctx *context.Context, images, tokens *Node) *Node {
			ctx = ctx.In("model")
			memory := model.EncodeGraph(ctx, images)
			return model.DecodeGraph(ctx, memory, tokens)
		})

	// Rows padded to different effective lengths, as in a training batch.
	images := testImages(3, 32, 48, 4)
	tokens := tensors.FromFlatDataAndDimensions([]int32{
		1, 3, 4, 3, 2,
		1, 4, 2, 0, 0,
		1, 2, 0, 0, 0,
	}, 3, 5)
	logits, err := exec.Exec1(images, tokens)
	require.NoError(t, err)
	assert.Equal(t, []int{3, 5, 5}, logits.Shape().Dimensions)

	// Every logit must be finite: padding is excluded from the attention
	// keys by masking, never by propagating the masked value.
	for _, row := range logits.Value().([][][]float32) {
		for _, position := range row {
			for _, logit := range position {
				require.False(t, math.IsNaN(float64(logit)) || math.IsInf(float64(logit), 0))
			}
		}
	}
}

func TestForwardGraphShape(t *testing.T) {
	backend := graphtest.BuildTestBackend()
	model := newTestModel(t, backend)
	exec := context.MustNewExec(backend, model.Context().Checked(false),
		func(ctx *context.Context, images, tokens *Node) *Node {
			return model.ForwardGraph(ctx.In("model"), images, tokens)
		})

	// A 4-long prefix keeps the sequence axis distinct from the 5 classes,
	// so a transposition mix-up cannot produce the expected shape.
	images := testImages(2, 32, 48, 3)
	tokens := tensors.FromFlatDataAndDimensions([]int32{
		1, 3, 4, 2,
		1, 4, 2, 0,
	}, 2, 4)
	logits, err := exec.Exec1(images, tokens)
	require.NoError(t, err)

	// Classes come before sequence positions.
	assert.Equal(t, []int{2, 5, 4}, logits.Shape().Dimensions)
}
