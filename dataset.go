package linerec

import (
	"hash/fnv"
	"image"
	"image/color"
	"io"
	"math/rand"

	"github.com/disintegration/imaging"
	"github.com/gomlx/gomlx/pkg/core/tensors"
	"github.com/gomlx/gomlx/pkg/ml/train"
	"github.com/pkg/errors"
	"golang.org/x/exp/constraints"
)

// glyphSize is the side of the square bitmap rendered for each character.
const glyphSize = 8

// LinesDataset generates synthetic line images paired with their token
// sequences, for training and evaluating the recognizer. Each non-reserved
// vocabulary symbol gets a fixed pseudo-random glyph, derived from the symbol
// itself, so every dataset instance renders the same character identically.
// It implements train.Dataset.
type LinesDataset struct {
	name  string
	vocab *Vocabulary

	height, width int
	maxOutputLen  int
	batchSize     int

	rng      *rand.Rand
	infinite bool
	augment  bool

	texts    []string
	position int

	glyphs map[string][]float32
}

var _ train.Dataset = (*LinesDataset)(nil)

// NewLinesDataset builds a dataset of numExamples random lines drawn from the
// vocabulary's non-reserved symbols, rendered onto height x width images. The
// same seed always produces the same lines and the same renderings.
func NewLinesDataset(name string, vocab *Vocabulary, height, width, maxOutputLen, numExamples, batchSize int, seed int64) (*LinesDataset, error) {
	maxChars := maxOutputLen - 2 // Room for start and end markers.
	if maxChars < 1 {
		return nil, errors.Errorf("maxOutputLen=%d leaves no room for characters", maxOutputLen)
	}
	if width%LineCNNStride != 0 {
		return nil, errors.Errorf("width=%d must be a multiple of %d", width, LineCNNStride)
	}
	if width/maxChars < glyphSize || height < glyphSize {
		return nil, errors.Errorf("image %dx%d is too small for %d characters", height, width, maxChars)
	}
	if batchSize < 1 || numExamples < batchSize {
		return nil, errors.Errorf("need numExamples >= batchSize >= 1, got %d and %d", numExamples, batchSize)
	}
	symbols := vocab.PlainSymbols()
	if len(symbols) == 0 {
		return nil, errors.New("vocabulary has no symbols besides the reserved markers")
	}

	ds := &LinesDataset{
		name:         name,
		vocab:        vocab,
		height:       height,
		width:        width,
		maxOutputLen: maxOutputLen,
		batchSize:    batchSize,
		rng:          rand.New(rand.NewSource(seed)),
		texts:        make([]string, numExamples),
		glyphs:       make(map[string][]float32, len(symbols)),
	}
	for _, symbol := range symbols {
		ds.glyphs[symbol] = renderGlyph(symbol)
	}
	for ii := range ds.texts {
		numChars := 1 + ds.rng.Intn(maxChars)
		var text []byte
		for jj := 0; jj < numChars; jj++ {
			text = append(text, symbols[ds.rng.Intn(len(symbols))]...)
		}
		ds.texts[ii] = string(text)
	}
	return ds, nil
}

// Infinite sets whether the dataset loops forever, reshuffling at each pass,
// instead of returning io.EOF at the end of an epoch. Default is false.
// It returns the dataset to allow chaining.
func (ds *LinesDataset) Infinite(infinite bool) *LinesDataset {
	ds.infinite = infinite
	return ds
}

// WithAugmentation sets whether yielded images get a small random rotation.
// Use for training only. It returns the dataset to allow chaining.
func (ds *LinesDataset) WithAugmentation(augment bool) *LinesDataset {
	ds.augment = augment
	return ds
}

// Name implements train.Dataset.
func (ds *LinesDataset) Name() string { return ds.name }

// Reset implements train.Dataset: it restarts the epoch and reshuffles.
func (ds *LinesDataset) Reset() {
	ds.position = 0
	ds.rng.Shuffle(len(ds.texts), func(ii, jj int) {
		ds.texts[ii], ds.texts[jj] = ds.texts[jj], ds.texts[ii]
	})
}

// NumExamples returns the number of distinct lines in the dataset.
func (ds *LinesDataset) NumExamples() int { return len(ds.texts) }

// Texts returns the lines backing the dataset, in their current order.
func (ds *LinesDataset) Texts() []string { return ds.texts }

// Yield implements train.Dataset. It returns:
//
//   - inputs: images shaped [batchSize, height, width] (float32) and the
//     token sequences [batchSize, maxOutputLen] (int32) fed to the decoder;
//   - labels: the same sequences shifted left by one, shaped
//     [batchSize, maxOutputLen, 1] (int32), plus a mask
//     [batchSize, maxOutputLen] (bool) that is false where the target is
//     padding. The mask makes the cross-entropy loss skip padded positions.
func (ds *LinesDataset) Yield() (spec any, inputs []*tensors.Tensor, labels []*tensors.Tensor, err error) {
	if ds.position+ds.batchSize > len(ds.texts) {
		if !ds.infinite {
			return nil, nil, nil, io.EOF
		}
		ds.Reset()
	}
	batch := ds.texts[ds.position : ds.position+ds.batchSize]
	ds.position += ds.batchSize

	seqLen := ds.maxOutputLen
	padID := ds.vocab.PaddingID()
	imagesFlat := make([]float32, 0, ds.batchSize*ds.height*ds.width)
	tokensFlat := make([]int32, 0, ds.batchSize*seqLen)
	labelsFlat := make([]int32, 0, ds.batchSize*seqLen)
	maskFlat := make([]bool, 0, ds.batchSize*seqLen)
	for _, text := range batch {
		pixels, err := ds.Render(text)
		if err != nil {
			return nil, nil, nil, err
		}
		imagesFlat = append(imagesFlat, pixels...)
		// The full sequence has one extra position, so inputs and
		// targets are the same sequence shifted by one.
		full, err := ds.vocab.Encode(text, seqLen+1)
		if err != nil {
			return nil, nil, nil, err
		}
		tokensFlat = append(tokensFlat, full[:seqLen]...)
		labelsFlat = append(labelsFlat, full[1:]...)
		for _, target := range full[1:] {
			maskFlat = append(maskFlat, target != padID)
		}
	}

	inputs = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(imagesFlat, ds.batchSize, ds.height, ds.width),
		tensors.FromFlatDataAndDimensions(tokensFlat, ds.batchSize, seqLen),
	}
	labels = []*tensors.Tensor{
		tensors.FromFlatDataAndDimensions(labelsFlat, ds.batchSize, seqLen, 1),
		tensors.FromFlatDataAndDimensions(maskFlat, ds.batchSize, seqLen),
	}
	return nil, inputs, labels, nil
}

// Render draws text onto a height x width canvas, one glyph per cell, and
// returns the pixels as a flat row-major float32 slice with values in [0, 1].
func (ds *LinesDataset) Render(text string) ([]float32, error) {
	maxChars := ds.maxOutputLen - 2
	runes := []rune(text)
	if len(runes) > maxChars {
		return nil, errors.Errorf("text %q has %d characters, maximum is %d", text, len(runes), maxChars)
	}
	cellWidth := ds.width / maxChars
	scale := minOf(cellWidth, ds.height) / glyphSize

	canvas := image.NewGray(image.Rect(0, 0, ds.width, ds.height))
	for pos, r := range runes {
		glyph, found := ds.glyphs[string(r)]
		if !found {
			return nil, errors.Errorf("character %q of text %q is not in the vocabulary", r, text)
		}
		left := pos * cellWidth
		for gy := 0; gy < glyphSize; gy++ {
			for gx := 0; gx < glyphSize; gx++ {
				if glyph[gy*glyphSize+gx] == 0 {
					continue
				}
				for dy := 0; dy < scale; dy++ {
					for dx := 0; dx < scale; dx++ {
						canvas.SetGray(left+gx*scale+dx, gy*scale+dy, color.Gray{Y: 255})
					}
				}
			}
		}
	}

	var img image.Image = canvas
	if ds.augment {
		angle := (ds.rng.Float64() - 0.5) * 6.0 // Up to +/-3 degrees.
		rotated := imaging.Rotate(img, angle, color.Black)
		img = imaging.CropCenter(rotated, ds.width, ds.height)
	}

	pixels := make([]float32, 0, ds.height*ds.width)
	for y := 0; y < ds.height; y++ {
		for x := 0; x < ds.width; x++ {
			r, _, _, _ := img.At(x, y).RGBA()
			pixels = append(pixels, float32(r)/0xffff)
		}
	}
	return pixels, nil
}

// renderGlyph builds the fixed glyphSize x glyphSize bitmap for a symbol.
// The bitmap is derived from a hash of the symbol, independent of any dataset
// state.
func renderGlyph(symbol string) []float32 {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(symbol))
	rng := rand.New(rand.NewSource(int64(hasher.Sum64())))
	glyph := make([]float32, glyphSize*glyphSize)
	for ii := range glyph {
		if rng.Float64() < 0.45 {
			glyph[ii] = 1
		}
	}
	return glyph
}

func minOf[T constraints.Ordered](a, b T) T {
	if a < b {
		return a
	}
	return b
}
