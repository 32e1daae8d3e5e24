package linerec

import (
	"math"

	"github.com/gomlx/gomlx/backends"
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/shapes"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/gomlx/gomlx/pkg/ml/context/initializers"
	"github.com/gomlx/gomlx/pkg/ml/layers"
	"github.com/gomlx/gomlx/pkg/ml/layers/activations"
	"github.com/gomlx/gomlx/pkg/ml/layers/attention"
	"github.com/gomlx/gomlx/pkg/ml/nn"
	"github.com/pkg/errors"

	. "github.com/gomlx/exceptions"
)

// DType used for images, features and logits.
var DType = dtypes.Float32

// Hyperparameter keys for the sequence decoder, read from the context.
// They can be overridden from the command line through the context settings
// flag, see demo/.
const (
	ParamEmbedDim         = "embed_dim"
	ParamFFDim            = "ff_dim"
	ParamNumDecoderLayers = "num_decoder_layers"
	ParamNumHeads         = "num_heads"
)

// Config describes the data a Model consumes and produces. The model
// hyperparameters (embedding dimension, feed-forward dimension, dropout rate,
// number of decoder layers and heads) live in the context parameters instead,
// following the usual hyperparameter plumbing.
type Config struct {
	// ImageHeight and ImageWidth of the input line images.
	// ImageWidth must be a multiple of LineCNNStride.
	ImageHeight, ImageWidth int

	// MaxOutputLen is the fixed length of the output token sequence,
	// including the start and end tokens.
	MaxOutputLen int

	// Vocab maps between characters and class indices.
	Vocab *Vocabulary

	// InitSeed seeds the weight initialization of the token embedding and
	// the output projection.
	InitSeed int64
}

// Validate returns an error if the configuration is unusable.
func (cfg *Config) Validate() error {
	if cfg.Vocab == nil {
		return errors.New("config is missing the vocabulary")
	}
	if cfg.ImageHeight <= 0 || cfg.ImageWidth <= 0 {
		return errors.Errorf("invalid image dimensions %dx%d", cfg.ImageHeight, cfg.ImageWidth)
	}
	if cfg.ImageWidth%LineCNNStride != 0 {
		return errors.Errorf("image width %d must be a multiple of %d", cfg.ImageWidth, LineCNNStride)
	}
	if cfg.MaxOutputLen < 2 {
		return errors.Errorf("max output length %d must hold at least the start and end tokens", cfg.MaxOutputLen)
	}
	return nil
}

// SetDefaultHyperparameters fills ctx with the default model hyperparameters,
// leaving already-set parameters untouched by callers that set them first.
func SetDefaultHyperparameters(ctx *context.Context) {
	ctx.SetParams(map[string]any{
		ParamEmbedDim:           256,
		ParamFFDim:              1024,
		ParamNumDecoderLayers:   4,
		ParamNumHeads:           4,
		layers.ParamDropoutRate: 0.4,
		ParamCNNBaseChannels:    32,
		ParamCNNDropoutRate:     -1.0,
	})
}

// Model is a line-to-text recognizer: a convolutional feature extractor
// encodes the image into a "memory" sequence, and an attention-based decoder
// autoregressively emits the transcription.
//
// The positional table is computed once here and reused by every graph the
// model builds; it is a constant, not a variable, so the optimizer never
// updates it.
type Model struct {
	backend backends.Backend
	ctx     *context.Context
	cfg     Config

	posEnc *PositionalEncoding

	// Cached inference executors, created on first Predict call.
	encodeExec *context.Exec
	stepExec   *context.Exec
}

// New creates a Model for the given data configuration. Hyperparameters are
// read from ctx (see SetDefaultHyperparameters); the context also holds all
// model variables once graphs are built.
func New(backend backends.Backend, ctx *context.Context, cfg Config) (*Model, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	embedDim := context.GetParamOr(ctx, ParamEmbedDim, 256)
	numHeads := context.GetParamOr(ctx, ParamNumHeads, 4)
	if embedDim%2 != 0 {
		return nil, errors.Errorf("embedding dimension %d must be even", embedDim)
	}
	if embedDim%numHeads != 0 {
		return nil, errors.Errorf("embedding dimension %d must be divisible by the number of heads %d", embedDim, numHeads)
	}
	dropoutRate := context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	memoryLen := cfg.ImageWidth / LineCNNStride
	// Seed for the random-uniform initializers of the token embedding and
	// the output projection.
	ctx.SetParam(initializers.ParamInitialSeed, cfg.InitSeed)
	m := &Model{
		backend: backend,
		ctx:     ctx,
		cfg:     cfg,
		posEnc:  NewPositionalEncoding(embedDim, dropoutRate, max(cfg.MaxOutputLen, memoryLen)),
	}
	return m, nil
}

// Config returns the model's data configuration.
func (m *Model) Config() Config { return m.cfg }

// Context returns the context holding the model's variables and
// hyperparameters.
func (m *Model) Context() *context.Context { return m.ctx }

// EncodeGraph encodes a batch of images, shaped [batch, height, width], into
// the memory sequence the decoder attends over, shaped
// [batch, memoryLen, embedDim]. The features are scaled by sqrt(embedDim) so
// their magnitude is comparable to the positional signal.
func (m *Model) EncodeGraph(ctx *context.Context, images *Node) *Node {
	embedDim := context.GetParamOr(ctx, ParamEmbedDim, 256)
	features := LineCNNGraph(ctx.In("line_cnn"), images, embedDim) // [batch, embedDim, memoryLen]
	features = MulScalar(features, math.Sqrt(float64(embedDim)))
	memory := Transpose(features, 1, 2) // [batch, memoryLen, embedDim]
	return m.posEnc.Apply(ctx.In("pos_enc"), memory)
}

// DecodeGraph runs the decoder over a target prefix, shaped [batch, seqLen]
// with int32 token indices, conditioned on the memory from EncodeGraph. It
// returns unnormalized log-probabilities shaped [batch, seqLen, numClasses].
//
// The output at position t depends only on the memory and on target positions
// up to t: the causal mask forbids self-attention to later positions, so the
// same graph serves teacher-forced training and step-by-step generation.
func (m *Model) DecodeGraph(ctx *context.Context, memory, tokens *Node) *Node {
	g := tokens.Graph()
	tokens.AssertRank(2)
	batchSize := tokens.Shape().Dimensions[0]
	seqLen := tokens.Shape().Dimensions[1]
	if seqLen > m.cfg.MaxOutputLen {
		Panicf("target length %d exceeds the maximum output length %d", seqLen, m.cfg.MaxOutputLen)
	}
	embedDim := context.GetParamOr(ctx, ParamEmbedDim, 256)
	ffDim := context.GetParamOr(ctx, ParamFFDim, 1024)
	numLayers := context.GetParamOr(ctx, ParamNumDecoderLayers, 4)
	numHeads := context.GetParamOr(ctx, ParamNumHeads, 4)
	dropoutRate := context.GetParamOr(ctx, layers.ParamDropoutRate, 0.0)
	numClasses := m.cfg.Vocab.Size()

	// Padding positions are excluded as attention keys. During generation the
	// prefix is always trimmed to the generated length, so this mask is
	// all-true there; it only matters for padded training targets.
	validTokens := NotEqual(tokens, Const(g, m.cfg.Vocab.PaddingID())) // [batch, seqLen]

	embedCtx := ctx.In("token_embed").
		WithInitializer(initializers.RandomUniformFn(ctx, -0.1, 0.1))
	x := layers.Embedding(embedCtx, tokens, DType, numClasses, embedDim) // [batch, seqLen, embedDim]
	x = MulScalar(x, math.Sqrt(float64(embedDim)))
	x = m.posEnc.Apply(ctx.In("pos_enc"), x)

	headDim := embedDim / numHeads
	for layer := 0; layer < numLayers; layer++ {
		layerCtx := ctx.Inf("decoder_layer_%d", layer)

		// Self-attention sees position k from position q only if k <= q and
		// tokens[b, k] is not padding.
		selfAttn := attention.MultiHeadAttention(
			layerCtx.In("self_attn"), x, x, x, numHeads, headDim).
			WithOutputDim(embedDim).
			WithCausalMask(true).
			WithKeyMask(validTokens).
			Done()
		selfAttn = layers.DropoutStatic(layerCtx.In("self_attn_dropout"), selfAttn, dropoutRate)
		x = layers.LayerNormalization(layerCtx.In("norm1"), Add(x, selfAttn), -1).Done()

		crossAttn := attention.MultiHeadAttention(
			layerCtx.In("cross_attn"), x, memory, memory, numHeads, headDim).
			WithOutputDim(embedDim).
			Done()
		crossAttn = layers.DropoutStatic(layerCtx.In("cross_attn_dropout"), crossAttn, dropoutRate)
		x = layers.LayerNormalization(layerCtx.In("norm2"), Add(x, crossAttn), -1).Done()

		ff := layers.Dense(layerCtx.In("ff1"), x, true, ffDim)
		ff = activations.Relu(ff)
		ff = layers.DropoutStatic(layerCtx.In("ff_dropout"), ff, dropoutRate)
		ff = layers.Dense(layerCtx.In("ff2"), ff, true, embedDim)
		x = layers.LayerNormalization(layerCtx.In("norm3"), Add(x, ff), -1).Done()
	}

	// Output projection: weights uniform in [-0.1, 0.1], bias zero. Both
	// matter empirically for stable training, so they are set explicitly
	// instead of inheriting the context default.
	outCtx := ctx.In("output")
	outWeights := outCtx.WithInitializer(initializers.RandomUniformFn(ctx, -0.1, 0.1)).
		VariableWithShape("weights", shapes.Make(DType, embedDim, numClasses))
	outBiases := outCtx.WithInitializer(initializers.Zero).
		VariableWithShape("biases", shapes.Make(DType, numClasses))
	logits := nn.Dense(x, outWeights.ValueGraph(g), outBiases.ValueGraph(g)) // [batch, seqLen, numClasses]
	logits.AssertDims(batchSize, seqLen, numClasses)
	return logits
}

// ForwardGraph is the teacher-forced training pass: encode the images, decode
// the full ground-truth prefix, and permute the logits to
// [batch, numClasses, seqLen], the channels-before-length layout expected by
// sequence classification losses.
func (m *Model) ForwardGraph(ctx *context.Context, images, tokens *Node) *Node {
	memory := m.EncodeGraph(ctx, images)
	logits := m.DecodeGraph(ctx, memory, tokens)
	return TransposeAllDims(logits, 0, 2, 1)
}
