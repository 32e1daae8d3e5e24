package linerec

import (
	"github.com/gomlx/gomlx/pkg/core/dtypes"
	. "github.com/gomlx/gomlx/pkg/core/graph"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/context"
	"github.com/pkg/errors"
)

// Predict transcribes a batch of line images, shaped
// [batch, ImageHeight, ImageWidth], into token sequences shaped
// [batch, MaxOutputLen] (int32). Column 0 always holds the start token, and
// once a sequence emits the end token every later column is the padding
// token, so the result decodes cleanly through Vocabulary.Decode.
//
// Decoding is greedy: the image is encoded once, then the decoder runs
// MaxOutputLen-1 steps, each re-decoding the whole generated prefix and
// taking the argmax of the last position. Every step recomputes the prefix
// from scratch, quadratic in the output length, which is fine for the short
// bounded sequences of a text line. Dropout is inactive here: the prediction
// graphs are never marked as training.
func (m *Model) Predict(images *tensors.Tensor) (*tensors.Tensor, error) {
	if images.Rank() != 3 {
		return nil, errors.Errorf("images must be rank-3 [batch, height, width], got shape %s", images.Shape())
	}
	batchSize := images.Shape().Dimensions[0]
	seqLen := m.cfg.MaxOutputLen
	padID := m.cfg.Vocab.PaddingID()
	startID := m.cfg.Vocab.StartID()
	endID := m.cfg.Vocab.EndID()

	if err := m.buildInferenceExecs(); err != nil {
		return nil, err
	}

	memory, err := m.encodeExec.Exec1(images)
	if err != nil {
		return nil, errors.WithMessage(err, "encoding images")
	}

	// Fixed-size output buffer: all padding except the forced start token.
	outputs := make([][]int32, batchSize)
	for b := range outputs {
		outputs[b] = make([]int32, seqLen)
		for i := range outputs[b] {
			outputs[b][i] = padID
		}
		outputs[b][0] = startID
	}

	// All steps always run for the whole batch: rows must stay aligned to
	// the same prefix shape, so there is no per-sequence early exit.
	for step := 1; step < seqLen; step++ {
		prefix := make([][]int32, batchSize)
		for b := range prefix {
			prefix[b] = outputs[b][:step]
		}
		next, err := m.stepExec.Exec1(memory, tensors.FromValue(prefix))
		if err != nil {
			return nil, errors.WithMessagef(err, "decoding step %d", step)
		}
		predicted := next.Value().([]int32)
		for b := range outputs {
			outputs[b][step] = predicted[b]
		}
	}

	// Canonicalize: everything after the first end (or padding) token
	// becomes padding, overwriting whatever the later steps predicted.
	for b := range outputs {
		for p := 1; p < seqLen; p++ {
			prev := outputs[b][p-1]
			if prev == endID || prev == padID {
				outputs[b][p] = padID
			}
		}
	}
	return tensors.FromValue(outputs), nil
}

// PredictText transcribes a batch of line images directly to strings.
func (m *Model) PredictText(images *tensors.Tensor) ([]string, error) {
	predicted, err := m.Predict(images)
	if err != nil {
		return nil, err
	}
	rows := predicted.Value().([][]int32)
	texts := make([]string, len(rows))
	for i, row := range rows {
		texts[i] = m.cfg.Vocab.Decode(row)
	}
	return texts, nil
}

// buildInferenceExecs lazily creates the two cached executors used by
// Predict: one encoding images to memory, one running a single greedy decode
// step over a prefix. Each distinct prefix length JIT-compiles its own graph,
// which the executor caches for reuse across calls.
func (m *Model) buildInferenceExecs() error {
	if m.encodeExec != nil && m.stepExec != nil {
		return nil
	}
	// Checked(false): variables may be created here (fresh model) or reused
	// (after training), whichever comes first.
	ctx := m.ctx.Checked(false)
	var err error
	m.encodeExec, err = context.NewExec(m.backend, ctx,
		func(ctx *context.Context, images *Node) *Node {
			return m.EncodeGraph(ctx.In("model"), images)
		})
	if err != nil {
		return errors.WithMessage(err, "building the encode executor")
	}
	m.stepExec, err = context.NewExec(m.backend, ctx,
		func(ctx *context.Context, memory, prefix *Node) *Node {
			logits := m.DecodeGraph(ctx.In("model"), memory, prefix)
			// Argmax over the classes of the last (newest) position only.
			last := Slice(logits, AxisRange(), AxisElem(-1), AxisRange())
			next := ArgMax(last, -1, dtypes.Int32) // [batch, 1]
			return Squeeze(next, -1)               // [batch]
		})
	if err != nil {
		return errors.WithMessage(err, "building the decode-step executor")
	}
	m.stepExec.SetMaxCache(-1) // No limit - prefix length varies at each step.
	return nil
}
