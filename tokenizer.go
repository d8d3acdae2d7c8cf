package main

import (
	"errors"
	"fmt"
	"slices"
	"strings"
)

var ErrUnknownToken = errors.New("unknown token")

// Tokenizer maps every distinct character of a corpus to an id. Ids follow
// code point order, so the same corpus always yields the same vocabulary.
type Tokenizer struct {
	toID   map[rune]int
	toChar []rune
}

// NewTokenizer builds the character-level vocabulary of corpus.
func NewTokenizer(corpus string) *Tokenizer {
	seen := make(map[rune]struct{})
	for _, r := range corpus {
		seen[r] = struct{}{}
	}

	chars := make([]rune, 0, len(seen))
	for r := range seen {
		chars = append(chars, r)
	}
	slices.Sort(chars)

	t := &Tokenizer{
		toID:   make(map[rune]int, len(chars)),
		toChar: chars,
	}
	for id, r := range chars {
		t.toID[r] = id
	}
	return t
}

// Encode converts text to token ids
func (t *Tokenizer) Encode(text string) ([]int, error) {
	ids := make([]int, 0, len(text))
	for i, r := range text {
		id, ok := t.toID[r]
		if !ok {
			return nil, fmt.Errorf("%w: %q at byte %d", ErrUnknownToken, r, i)
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// Decode converts token ids back to text. Ids outside the vocabulary are
// dropped.
func (t *Tokenizer) Decode(ids []int) string {
	var result strings.Builder
	for _, id := range ids {
		if id >= 0 && id < len(t.toChar) {
			result.WriteRune(t.toChar[id])
		}
	}
	return result.String()
}

func (t *Tokenizer) DecodeToken(id int) string {
	return t.Decode([]int{id})
}

func (t *Tokenizer) VocabSize() int {
	return len(t.toChar)
}

// Vocab returns the vocabulary in id order.
func (t *Tokenizer) Vocab() string {
	return string(t.toChar)
}
