package linerec

import (
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestDataset(t *testing.T, numExamples, batchSize int, seed int64) *LinesDataset {
	vocab, err := BuildVocabulary("abc")
	require.NoError(t, err)
	// 6 positions: start + up to 4 characters + end, images 32x64.
	ds, err := NewLinesDataset("test", vocab, 32, 4*LineCNNStride, 6, numExamples, batchSize, seed)
	require.NoError(t, err)
	return ds
}

func TestLinesDatasetYield(t *testing.T) {
	ds := newTestDataset(t, 8, 4, 17)
	assert.Equal(t, "test", ds.Name())
	assert.Equal(t, 8, ds.NumExamples())

	_, inputs, labels, err := ds.Yield()
	require.NoError(t, err)
	require.Len(t, inputs, 2)
	require.Len(t, labels, 2)

	images, tokens := inputs[0], inputs[1]
	targets, mask := labels[0], labels[1]
	assert.Equal(t, []int{4, 32, 64}, images.Shape().Dimensions)
	assert.Equal(t, []int{4, 6}, tokens.Shape().Dimensions)
	assert.Equal(t, []int{4, 6, 1}, targets.Shape().Dimensions)
	assert.Equal(t, []int{4, 6}, mask.Shape().Dimensions)

	for _, pixel := range images.Value().([][][]float32)[0][0] {
		assert.GreaterOrEqual(t, pixel, float32(0))
		assert.LessOrEqual(t, pixel, float32(1))
	}

	vocab := ds.vocab
	tokenRows := tokens.Value().([][]int32)
	targetRows := targets.Value().([][][]int32)
	maskRows := mask.Value().([][]bool)
	for b := 0; b < 4; b++ {
		assert.Equal(t, vocab.StartID(), tokenRows[b][0])
		for pos := 0; pos < 5; pos++ {
			// Targets are the input sequence shifted left by one.
			assert.Equal(t, tokenRows[b][pos+1], targetRows[b][pos][0])
		}
		for pos := 0; pos < 6; pos++ {
			assert.Equal(t, targetRows[b][pos][0] != vocab.PaddingID(), maskRows[b][pos])
		}
	}
}

func TestLinesDatasetEpoch(t *testing.T) {
	ds := newTestDataset(t, 8, 4, 17)
	for i := 0; i < 2; i++ {
		_, _, _, err := ds.Yield()
		require.NoError(t, err)
	}
	_, _, _, err := ds.Yield()
	require.ErrorIs(t, err, io.EOF)

	ds.Reset()
	_, _, _, err = ds.Yield()
	require.NoError(t, err)
}

func TestLinesDatasetInfinite(t *testing.T) {
	ds := newTestDataset(t, 4, 4, 17).Infinite(true)
	for i := 0; i < 5; i++ {
		_, _, _, err := ds.Yield()
		require.NoError(t, err)
	}
}

func TestLinesDatasetDeterminism(t *testing.T) {
	ds1 := newTestDataset(t, 8, 4, 23)
	ds2 := newTestDataset(t, 8, 4, 23)
	assert.Equal(t, ds1.Texts(), ds2.Texts())

	_, inputs1, labels1, err := ds1.Yield()
	require.NoError(t, err)
	_, inputs2, labels2, err := ds2.Yield()
	require.NoError(t, err)
	assert.Equal(t, inputs1[0].Value(), inputs2[0].Value())
	assert.Equal(t, inputs1[1].Value(), inputs2[1].Value())
	assert.Equal(t, labels1[0].Value(), labels2[0].Value())

	// A different seed gives different lines.
	ds3 := newTestDataset(t, 8, 4, 24)
	assert.NotEqual(t, ds1.Texts(), ds3.Texts())
}

func TestLinesDatasetRender(t *testing.T) {
	ds := newTestDataset(t, 4, 4, 17)

	pixels, err := ds.Render("ab")
	require.NoError(t, err)
	require.Len(t, pixels, 32*64)

	// The same text always renders identically.
	again, err := ds.Render("ab")
	require.NoError(t, err)
	assert.Equal(t, pixels, again)

	// Different texts render differently.
	other, err := ds.Render("ba")
	require.NoError(t, err)
	assert.NotEqual(t, pixels, other)

	_, err = ds.Render("aaaaa")
	require.ErrorContains(t, err, "maximum")

	_, err = ds.Render("xyz")
	require.ErrorContains(t, err, "not in the vocabulary")
}

func TestNewLinesDatasetErrors(t *testing.T) {
	vocab, err := BuildVocabulary("abc")
	require.NoError(t, err)

	// Width not a multiple of the extractor stride.
	_, err = NewLinesDataset("bad", vocab, 32, 60, 6, 8, 4, 1)
	require.Error(t, err)

	// No room for characters.
	_, err = NewLinesDataset("bad", vocab, 32, 64, 2, 8, 4, 1)
	require.Error(t, err)

	// Batch larger than the dataset.
	_, err = NewLinesDataset("bad", vocab, 32, 64, 6, 2, 4, 1)
	require.Error(t, err)
}
