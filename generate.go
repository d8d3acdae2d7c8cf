package main

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"math"

	"gonum.org/v1/gonum/stat/distuv"
)

// contextWindow bounds the compute per generated token. It is further capped
// by the block size the position table was built for.
const contextWindow = 200

var (
	ErrStreamConsumed = errors.New("token stream already consumed")
	ErrNonFinite      = errors.New("non-finite logits")
)

// Generate samples up to maxNewTokens ids after seed. The returned sequence
// is lazy and can be ranged over once; breaking out early stops the work.
// The model stays in evaluation mode while the sequence runs and gets its
// previous mode back however the loop ends.
func (m *LanguageModel) Generate(seed []int, maxNewTokens int) iter.Seq2[int, error] {
	consumed := false
	return func(yield func(int, error) bool) {
		if consumed {
			yield(0, ErrStreamConsumed)
			return
		}
		consumed = true
		if len(seed) == 0 {
			yield(0, fmt.Errorf("%w: generation needs at least one seed token", ErrShape))
			return
		}

		prev := m.mode
		m.mode = ModeEval
		defer func() { m.mode = prev }()

		window := min(contextWindow, m.cfg.BlockSize)
		tokens := append([]int(nil), seed...)
		for i := 0; i < maxNewTokens; i++ {
			start := max(0, len(tokens)-window)
			out, err := m.Forward([][]int{tokens[start:]}, nil)
			if err != nil {
				yield(0, err)
				return
			}

			logits := lastStepLogits(out)
			if err := checkFinite(logits); err != nil {
				yield(0, fmt.Errorf("step %d: %w", i, err))
				return
			}
			probs := Softmax(logits)
			next := int(distuv.NewCategorical(probs, m.sampling).Rand())
			tokens = append(tokens, next)
			if !yield(next, nil) {
				return
			}
		}
	}
}

// GenerateText streams maxNewTokens decoded characters to w, starting from
// token 0.
func (m *LanguageModel) GenerateText(w io.Writer, tok *Tokenizer, maxNewTokens int) error {
	fmt.Fprint(w, "\n====Generating:====\n\n")
	for id, err := range m.Generate([]int{0}, maxNewTokens) {
		if err != nil {
			return fmt.Errorf("generation failed: %w", err)
		}
		if _, err := io.WriteString(w, tok.DecodeToken(id)); err != nil {
			return err
		}
	}
	fmt.Fprint(w, "\n\n====Generation Completed====\n\n")
	return nil
}

func lastStepLogits(out *Output) []float64 {
	shape := out.Logits.Shape()
	t, vocab := shape[1], shape[2]
	data := out.Logits.Data().([]float64)
	start := (t - 1) * vocab
	return data[start : start+vocab]
}

func checkFinite(logits []float64) error {
	for i, v := range logits {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return fmt.Errorf("%w: logit %d is %g", ErrNonFinite, i, v)
		}
	}
	return nil
}

// Softmax computes softmax probabilities from logits
func Softmax(logits []float64) []float64 {
	maxLogit := logits[0]
	for _, v := range logits[1:] {
		if v > maxLogit {
			maxLogit = v
		}
	}

	var sum float64
	result := make([]float64, len(logits))
	for i, v := range logits {
		e := math.Exp(v - maxLogit)
		result[i] = e
		sum += e
	}
	for i := range result {
		result[i] /= sum
	}
	return result
}
