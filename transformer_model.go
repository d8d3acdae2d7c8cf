package main

import (
	"fmt"
	"math/rand/v2"

	"gorgonia.org/gorgonia"
)

// FeedForward is the per-position MLP: C -> 4C -> ReLU -> C.
type FeedForward struct {
	expand   *Linear
	compress *Linear
}

func NewFeedForward(name string, embed int, src rand.Source) *FeedForward {
	return &FeedForward{
		expand:   NewLinear(name+".net.0", embed, 4*embed, true, src),
		compress: NewLinear(name+".net.2", 4*embed, embed, true, src),
	}
}

func (f *FeedForward) Forward(fp *forwardPass, x *gorgonia.Node) (*gorgonia.Node, error) {
	h, err := f.expand.Forward(fp, x)
	if err != nil {
		return nil, err
	}
	if h, err = gorgonia.Rectify(h); err != nil {
		return nil, err
	}
	if h, err = f.compress.Forward(fp, h); err != nil {
		return nil, err
	}
	return fp.maybeDropout(h)
}

func (f *FeedForward) Parameters() []*Parameter {
	return append(f.expand.Parameters(), f.compress.Parameters()...)
}

// Block is a pre-norm transformer layer:
//
//	x = x + sa(ln1(x))
//	x = x + ffwd(ln2(x))
type Block struct {
	sa   *MultiHeadAttention
	ffwd *FeedForward
	ln1  *LayerNorm
	ln2  *LayerNorm
}

func NewBlock(name string, embed, numHeads int, src rand.Source) *Block {
	return &Block{
		sa:   NewMultiHeadAttention(name+".sa", embed, numHeads, src),
		ffwd: NewFeedForward(name+".ffwd", embed, src),
		ln1:  NewLayerNorm(name+".ln1", embed),
		ln2:  NewLayerNorm(name+".ln2", embed),
	}
}

func (bl *Block) Forward(fp *forwardPass, x *gorgonia.Node, b, t int) (*gorgonia.Node, error) {
	normed, err := bl.ln1.Forward(fp, x)
	if err != nil {
		return nil, fmt.Errorf("ln1: %w", err)
	}
	attended, err := bl.sa.Forward(fp, normed, b, t)
	if err != nil {
		return nil, fmt.Errorf("self-attention: %w", err)
	}
	if x, err = gorgonia.Add(x, attended); err != nil {
		return nil, err
	}

	if normed, err = bl.ln2.Forward(fp, x); err != nil {
		return nil, fmt.Errorf("ln2: %w", err)
	}
	fed, err := bl.ffwd.Forward(fp, normed)
	if err != nil {
		return nil, fmt.Errorf("feed-forward: %w", err)
	}
	return gorgonia.Add(x, fed)
}

func (bl *Block) Parameters() []*Parameter {
	var ps []*Parameter
	ps = append(ps, bl.sa.Parameters()...)
	ps = append(ps, bl.ffwd.Parameters()...)
	ps = append(ps, bl.ln1.Parameters()...)
	ps = append(ps, bl.ln2.Parameters()...)
	return ps
}
