// Package linerec implements recognition of a single line of handwritten or
// printed text: a convolutional feature extractor over the image followed by
// an autoregressive transformer decoder that emits one character token at a
// time.
package linerec

import (
	"strings"

	"github.com/pkg/errors"
)

// Reserved vocabulary symbols. Every Vocabulary contains all three.
const (
	PaddingToken = "<P>"
	StartToken   = "<S>"
	EndToken     = "<E>"
)

// Vocabulary is an ordered, bijective mapping between token symbols and dense
// integer indices in [0, Size()).
type Vocabulary struct {
	symbols []string
	indices map[string]int
}

// NewVocabulary creates a vocabulary from the given ordered symbols.
// The symbols must include PaddingToken, StartToken and EndToken, and must not
// repeat.
func NewVocabulary(symbols []string) (*Vocabulary, error) {
	v := &Vocabulary{
		symbols: make([]string, len(symbols)),
		indices: make(map[string]int, len(symbols)),
	}
	copy(v.symbols, symbols)
	for idx, symbol := range symbols {
		if _, found := v.indices[symbol]; found {
			return nil, errors.Errorf("duplicate symbol %q in vocabulary", symbol)
		}
		v.indices[symbol] = idx
	}
	for _, reserved := range []string{PaddingToken, StartToken, EndToken} {
		if _, found := v.indices[reserved]; !found {
			return nil, errors.Errorf("vocabulary is missing reserved symbol %q", reserved)
		}
	}
	return v, nil
}

// BuildVocabulary creates a vocabulary with the three reserved symbols
// followed by one symbol per rune of charset, in order.
func BuildVocabulary(charset string) (*Vocabulary, error) {
	symbols := []string{PaddingToken, StartToken, EndToken}
	for _, r := range charset {
		symbols = append(symbols, string(r))
	}
	return NewVocabulary(symbols)
}

// Size returns the number of symbols, which is also the number of classes
// predicted by the model.
func (v *Vocabulary) Size() int { return len(v.symbols) }

// Index returns the index of the given symbol.
func (v *Vocabulary) Index(symbol string) (int, bool) {
	idx, found := v.indices[symbol]
	return idx, found
}

// Symbol returns the symbol at the given index.
func (v *Vocabulary) Symbol(index int) string { return v.symbols[index] }

// PlainSymbols returns the symbols that are not reserved markers, in order.
func (v *Vocabulary) PlainSymbols() []string {
	plain := make([]string, 0, len(v.symbols)-3)
	for _, symbol := range v.symbols {
		switch symbol {
		case PaddingToken, StartToken, EndToken:
		default:
			plain = append(plain, symbol)
		}
	}
	return plain
}

// PaddingID returns the index of the padding token.
func (v *Vocabulary) PaddingID() int32 { return int32(v.indices[PaddingToken]) }

// StartID returns the index of the start-of-sequence token.
func (v *Vocabulary) StartID() int32 { return int32(v.indices[StartToken]) }

// EndID returns the index of the end-of-sequence token.
func (v *Vocabulary) EndID() int32 { return int32(v.indices[EndToken]) }

// Encode converts text to a token sequence of exactly length tokens:
// start token, one token per rune, end token, then padding.
// It fails if a rune is not in the vocabulary or the text doesn't fit.
func (v *Vocabulary) Encode(text string, length int) ([]int32, error) {
	runes := []rune(text)
	if len(runes)+2 > length {
		return nil, errors.Errorf("text %q has %d characters, but at most %d fit in a sequence of length %d",
			text, len(runes), length-2, length)
	}
	tokens := make([]int32, length)
	for i := range tokens {
		tokens[i] = v.PaddingID()
	}
	tokens[0] = v.StartID()
	for i, r := range runes {
		idx, found := v.indices[string(r)]
		if !found {
			return nil, errors.Errorf("character %q of text %q is not in the vocabulary", r, text)
		}
		tokens[i+1] = int32(idx)
	}
	tokens[len(runes)+1] = v.EndID()
	return tokens, nil
}

// Decode converts a token sequence back to text: it stops at the first end or
// padding token and skips the start token.
func (v *Vocabulary) Decode(tokens []int32) string {
	var sb strings.Builder
	for _, token := range tokens {
		if token == v.EndID() || token == v.PaddingID() {
			break
		}
		if token == v.StartID() {
			continue
		}
		if int(token) < len(v.symbols) {
			sb.WriteString(v.symbols[token])
		}
	}
	return sb.String()
}
