package main

import (
	"fmt"
	"math"
	"math/rand/v2"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Head is one causal self-attention head.
type Head struct {
	key, query, value *Linear
	headSize          int
}

func NewHead(name string, embed, headSize int, src rand.Source) *Head {
	return &Head{
		key:      NewLinear(name+".key", embed, headSize, false, src),
		query:    NewLinear(name+".query", embed, headSize, false, src),
		value:    NewLinear(name+".value", embed, headSize, false, src),
		headSize: headSize,
	}
}

// Forward attends over x, an (B*T, C) node holding B sequences of length T.
// It returns the (B*T, headSize) output together with the (B*T, T)
// attention weights before dropout.
func (h *Head) Forward(fp *forwardPass, x *gorgonia.Node, b, t int) (out, wei *gorgonia.Node, err error) {
	k, err := h.key.Forward(fp, x)
	if err != nil {
		return nil, nil, err
	}
	q, err := h.query.Forward(fp, x)
	if err != nil {
		return nil, nil, err
	}
	v, err := h.value.Forward(fp, x)
	if err != nil {
		return nil, nil, err
	}
	if t == 1 {
		return h.forwardSingle(fp, q, k, v)
	}

	batched := tensor.Shape{b, t, h.headSize}
	if k, err = gorgonia.Reshape(k, batched); err != nil {
		return nil, nil, err
	}
	if q, err = gorgonia.Reshape(q, batched); err != nil {
		return nil, nil, err
	}
	if v, err = gorgonia.Reshape(v, batched); err != nil {
		return nil, nil, err
	}

	// (B,T,hs) @ (B,hs,T) -> (B,T,T)
	affinity, err := gorgonia.BatchedMatMul(q, k, false, true)
	if err != nil {
		return nil, nil, fmt.Errorf("affinity: %w", err)
	}
	if affinity, err = gorgonia.Reshape(affinity, tensor.Shape{b * t, t}); err != nil {
		return nil, nil, err
	}
	scale := gorgonia.NewConstant(math.Pow(float64(h.headSize), -0.5))
	if affinity, err = gorgonia.HadamardProd(affinity, scale); err != nil {
		return nil, nil, err
	}
	if affinity, err = gorgonia.Add(affinity, fp.input("causal_mask", causalMask(b, t))); err != nil {
		return nil, nil, err
	}

	if wei, err = softmaxRows(affinity); err != nil {
		return nil, nil, err
	}
	dropped, err := fp.maybeDropout(wei)
	if err != nil {
		return nil, nil, err
	}
	if dropped, err = gorgonia.Reshape(dropped, tensor.Shape{b, t, t}); err != nil {
		return nil, nil, err
	}

	// (B,T,T) @ (B,T,hs) -> (B,T,hs)
	if out, err = gorgonia.BatchedMatMul(dropped, v); err != nil {
		return nil, nil, fmt.Errorf("weighted values: %w", err)
	}
	if out, err = gorgonia.Reshape(out, tensor.Shape{b * t, h.headSize}); err != nil {
		return nil, nil, err
	}
	return out, wei, nil
}

// forwardSingle attends over sequences of one token. Each query sees only
// its own key, so the softmax over that lone score is exp(s-s) = 1 and the
// output is v, up to dropout.
func (h *Head) forwardSingle(fp *forwardPass, q, k, v *gorgonia.Node) (out, wei *gorgonia.Node, err error) {
	qk, err := gorgonia.HadamardProd(q, k)
	if err != nil {
		return nil, nil, err
	}
	ones := make([]float64, h.headSize)
	for i := range ones {
		ones[i] = 1
	}
	column := tensor.New(tensor.WithShape(h.headSize, 1), tensor.WithBacking(ones))
	scores, err := gorgonia.Mul(qk, fp.input("ones", column)) // (B, 1)
	if err != nil {
		return nil, nil, fmt.Errorf("affinity: %w", err)
	}
	shifted, err := gorgonia.Sub(scores, scores)
	if err != nil {
		return nil, nil, err
	}
	if wei, err = gorgonia.Exp(shifted); err != nil {
		return nil, nil, err
	}
	dropped, err := fp.maybeDropout(wei)
	if err != nil {
		return nil, nil, err
	}
	if out, err = gorgonia.BroadcastHadamardProd(v, dropped, nil, []byte{1}); err != nil {
		return nil, nil, fmt.Errorf("weighted values: %w", err)
	}
	return out, wei, nil
}

func (h *Head) Parameters() []*Parameter {
	var ps []*Parameter
	ps = append(ps, h.key.Parameters()...)
	ps = append(ps, h.query.Parameters()...)
	ps = append(ps, h.value.Parameters()...)
	return ps
}

// causalMask returns a (b*t, t) additive mask: row r is query position r%t,
// and every key position after it is -Inf.
func causalMask(b, t int) *tensor.Dense {
	backing := make([]float64, b*t*t)
	negInf := math.Inf(-1)
	for r := 0; r < b*t; r++ {
		i := r % t
		for j := i + 1; j < t; j++ {
			backing[r*t+j] = negInf
		}
	}
	return tensor.New(tensor.WithShape(b*t, t), tensor.WithBacking(backing))
}

// MultiHeadAttention runs its heads side by side and projects the
// concatenation back to the embedding width.
type MultiHeadAttention struct {
	heads []*Head
	proj  *Linear
}

func NewMultiHeadAttention(name string, embed, numHeads int, src rand.Source) *MultiHeadAttention {
	headSize := embed / numHeads
	mha := &MultiHeadAttention{
		proj: NewLinear(name+".proj", headSize*numHeads, embed, true, src),
	}
	for i := 0; i < numHeads; i++ {
		mha.heads = append(mha.heads, NewHead(fmt.Sprintf("%s.heads.%d", name, i), embed, headSize, src))
	}
	return mha
}

func (m *MultiHeadAttention) Forward(fp *forwardPass, x *gorgonia.Node, b, t int) (*gorgonia.Node, error) {
	outputs := make([]*gorgonia.Node, 0, len(m.heads))
	for i, h := range m.heads {
		out, _, err := h.Forward(fp, x, b, t)
		if err != nil {
			return nil, fmt.Errorf("head %d: %w", i, err)
		}
		outputs = append(outputs, out)
	}

	cat := outputs[0]
	if len(outputs) > 1 {
		var err error
		if cat, err = gorgonia.Concat(1, outputs...); err != nil {
			return nil, err
		}
	}
	projected, err := m.proj.Forward(fp, cat)
	if err != nil {
		return nil, err
	}
	return fp.maybeDropout(projected)
}

func (m *MultiHeadAttention) Parameters() []*Parameter {
	var ps []*Parameter
	for _, h := range m.heads {
		ps = append(ps, h.Parameters()...)
	}
	return append(ps, m.proj.Parameters()...)
}
