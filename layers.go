package main

import (
	"fmt"
	"math/rand/v2"

	"gonum.org/v1/gonum/stat/distuv"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const initStdDev = 0.02

// Parameter is a learnable tensor that outlives any single graph. Every
// forward pass binds it into a fresh ExprGraph; the solver updates value in
// place through the gorgonia.ValueGrad interface.
type Parameter struct {
	name  string
	value *tensor.Dense
	grad  *tensor.Dense
}

func newParameter(name string, shape ...int) *Parameter {
	return &Parameter{
		name:  name,
		value: tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(shape...)),
		grad:  tensor.New(tensor.Of(tensor.Float64), tensor.WithShape(shape...)),
	}
}

func (p *Parameter) Name() string                  { return p.name }
func (p *Parameter) Value() gorgonia.Value         { return p.value }
func (p *Parameter) Grad() (gorgonia.Value, error) { return p.grad, nil }
func (p *Parameter) Shape() tensor.Shape           { return p.value.Shape() }
func (p *Parameter) Data() []float64               { return p.value.Data().([]float64) }

func (p *Parameter) zeroGrad() {
	p.grad.Zero()
}

func (p *Parameter) initNormal(src rand.Source, std float64) {
	dist := distuv.Normal{Mu: 0, Sigma: std, Src: src}
	data := p.Data()
	for i := range data {
		data[i] = dist.Rand()
	}
}

func (p *Parameter) fill(v float64) {
	data := p.Data()
	for i := range data {
		data[i] = v
	}
}

// forwardPass is one define-then-run graph built over the model parameters.
type forwardPass struct {
	g        *gorgonia.ExprGraph
	training bool
	dropout  float64
	nodes    map[*Parameter]*gorgonia.Node
	bound    []*gorgonia.Node
	consts   int
}

func newForwardPass(params []*Parameter, training bool, dropout float64) *forwardPass {
	fp := &forwardPass{
		g:        gorgonia.NewGraph(),
		training: training,
		dropout:  dropout,
		nodes:    make(map[*Parameter]*gorgonia.Node, len(params)),
	}
	for _, p := range params {
		n := gorgonia.NewTensor(fp.g, tensor.Float64, p.value.Dims(),
			gorgonia.WithShape(p.Shape()...),
			gorgonia.WithValue(p.value),
			gorgonia.WithName(p.name),
		)
		fp.nodes[p] = n
		fp.bound = append(fp.bound, n)
	}
	return fp
}

func (fp *forwardPass) param(p *Parameter) *gorgonia.Node {
	n, ok := fp.nodes[p]
	if !ok {
		panic(fmt.Sprintf("parameter %s is not bound to this pass", p.name))
	}
	return n
}

// input binds a non-learnable tensor such as a one-hot matrix or a mask.
func (fp *forwardPass) input(name string, t *tensor.Dense) *gorgonia.Node {
	fp.consts++
	return gorgonia.NewTensor(fp.g, tensor.Float64, t.Dims(),
		gorgonia.WithShape(t.Shape()...),
		gorgonia.WithValue(t),
		gorgonia.WithName(fmt.Sprintf("%s_%d", name, fp.consts)),
	)
}

// maybeDropout is the identity outside training mode.
func (fp *forwardPass) maybeDropout(x *gorgonia.Node) (*gorgonia.Node, error) {
	if !fp.training || fp.dropout == 0 {
		return x, nil
	}
	return gorgonia.Dropout(x, fp.dropout)
}

// Linear computes x·W (+ b) for x of shape (N, in).
type Linear struct {
	weight *Parameter // (in, out)
	bias   *Parameter // (1, out), nil without bias
}

func NewLinear(name string, in, out int, withBias bool, src rand.Source) *Linear {
	l := &Linear{weight: newParameter(name+".weight", in, out)}
	l.weight.initNormal(src, initStdDev)
	if withBias {
		l.bias = newParameter(name+".bias", 1, out)
	}
	return l
}

func (l *Linear) Forward(fp *forwardPass, x *gorgonia.Node) (*gorgonia.Node, error) {
	xw, err := gorgonia.Mul(x, fp.param(l.weight))
	if err != nil {
		return nil, fmt.Errorf("%s: %w", l.weight.name, err)
	}
	if l.bias == nil {
		return xw, nil
	}
	return gorgonia.BroadcastAdd(xw, fp.param(l.bias), nil, []byte{0})
}

func (l *Linear) Parameters() []*Parameter {
	if l.bias == nil {
		return []*Parameter{l.weight}
	}
	return []*Parameter{l.weight, l.bias}
}

// Embedding is a lookup table of shape (size, dim).
type Embedding struct {
	weights *Parameter
	size    int
	dim     int
}

func NewEmbedding(name string, size, dim int, src rand.Source) *Embedding {
	w := newParameter(name+".weight", size, dim)
	w.initNormal(src, initStdDev)
	return &Embedding{weights: w, size: size, dim: dim}
}

// Lookup returns rows of the table for ids as an (len(ids), dim) node. The
// gather is a one-hot product so the gradient flows back through Mul.
func (e *Embedding) Lookup(fp *forwardPass, ids []int) (*gorgonia.Node, error) {
	oneHot, err := oneHotMatrix(ids, e.size)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", e.weights.name, err)
	}
	return gorgonia.Mul(fp.input("onehot", oneHot), fp.param(e.weights))
}

func (e *Embedding) Parameters() []*Parameter {
	return []*Parameter{e.weights}
}

func oneHotMatrix(ids []int, size int) (*tensor.Dense, error) {
	backing := make([]float64, len(ids)*size)
	for row, id := range ids {
		if id < 0 || id >= size {
			return nil, fmt.Errorf("%w: id %d outside [0, %d)", ErrUnknownToken, id, size)
		}
		backing[row*size+id] = 1
	}
	return tensor.New(tensor.WithShape(len(ids), size), tensor.WithBacking(backing)), nil
}

const layerNormEps = 1e-5

// LayerNorm normalizes each row of an (N, dim) node.
type LayerNorm struct {
	gamma *Parameter // (1, dim)
	beta  *Parameter // (1, dim)
}

func NewLayerNorm(name string, dim int) *LayerNorm {
	ln := &LayerNorm{
		gamma: newParameter(name+".weight", 1, dim),
		beta:  newParameter(name+".bias", 1, dim),
	}
	ln.gamma.fill(1)
	return ln
}

func (ln *LayerNorm) Forward(fp *forwardPass, x *gorgonia.Node) (*gorgonia.Node, error) {
	rows := x.Shape()[0]
	mean, err := gorgonia.Mean(x, 1)
	if err != nil {
		return nil, err
	}
	if mean, err = gorgonia.Reshape(mean, tensor.Shape{rows, 1}); err != nil {
		return nil, err
	}
	centered, err := gorgonia.BroadcastSub(x, mean, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	sq, err := gorgonia.Square(centered)
	if err != nil {
		return nil, err
	}
	variance, err := gorgonia.Mean(sq, 1)
	if err != nil {
		return nil, err
	}
	if variance, err = gorgonia.Reshape(variance, tensor.Shape{rows, 1}); err != nil {
		return nil, err
	}
	shifted, err := gorgonia.Add(variance, gorgonia.NewConstant(layerNormEps))
	if err != nil {
		return nil, err
	}
	std, err := gorgonia.Sqrt(shifted)
	if err != nil {
		return nil, err
	}
	normed, err := gorgonia.BroadcastHadamardDiv(centered, std, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	scaled, err := gorgonia.BroadcastHadamardProd(normed, fp.param(ln.gamma), nil, []byte{0})
	if err != nil {
		return nil, err
	}
	return gorgonia.BroadcastAdd(scaled, fp.param(ln.beta), nil, []byte{0})
}

func (ln *LayerNorm) Parameters() []*Parameter {
	return []*Parameter{ln.gamma, ln.beta}
}

// softmaxRows normalizes each row of an (N, K) node into a distribution.
// Masked entries hold -Inf and come out as exact zeros.
func softmaxRows(x *gorgonia.Node) (*gorgonia.Node, error) {
	return gorgonia.SoftMax(x, 1)
}

// logSoftmaxRows returns log(softmax(x)) row-wise for an (N, K) node. Rows
// are shifted by their maximum first, so large logits stay finite.
func logSoftmaxRows(x *gorgonia.Node) (*gorgonia.Node, error) {
	rows := x.Shape()[0]
	rowMax, err := gorgonia.Max(x, 1)
	if err != nil {
		return nil, err
	}
	if rowMax, err = gorgonia.Reshape(rowMax, tensor.Shape{rows, 1}); err != nil {
		return nil, err
	}
	shifted, err := gorgonia.BroadcastSub(x, rowMax, nil, []byte{1})
	if err != nil {
		return nil, err
	}
	e, err := gorgonia.Exp(shifted)
	if err != nil {
		return nil, err
	}
	sum, err := gorgonia.Sum(e, 1)
	if err != nil {
		return nil, err
	}
	logSum, err := gorgonia.Log(sum)
	if err != nil {
		return nil, err
	}
	if logSum, err = gorgonia.Reshape(logSum, tensor.Shape{rows, 1}); err != nil {
		return nil, err
	}
	return gorgonia.BroadcastSub(shifted, logSum, nil, []byte{1})
}
