package main

import (
	"errors"
	"fmt"
	"math/rand/v2"

	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

var ErrShape = errors.New("shape mismatch")

type Mode int

const (
	ModeTrain Mode = iota
	ModeEval
)

func (m Mode) String() string {
	if m == ModeEval {
		return "eval"
	}
	return "train"
}

// LanguageModel is a decoder-only transformer over character tokens.
type LanguageModel struct {
	cfg       Config
	vocabSize int

	tokenEmbedding    *Embedding
	positionEmbedding *Embedding
	blocks            []*Block
	lnF               *LayerNorm
	lmHead            *Linear

	params   []*Parameter
	mode     Mode
	sampling rand.Source
}

// Output is the result of one forward pass. Logits has shape (B, T, vocab);
// Loss is only meaningful when HasLoss is set.
type Output struct {
	Logits  *tensor.Dense
	Loss    float64
	HasLoss bool
}

func NewLanguageModel(cfg Config, vocabSize int) (*LanguageModel, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if vocabSize <= 0 {
		return nil, fmt.Errorf("%w: vocabulary is empty", ErrInvalidConfig)
	}

	src := rand.NewPCG(cfg.Seed, cfg.Seed^0x9e3779b97f4a7c15)
	m := &LanguageModel{
		cfg:               cfg,
		vocabSize:         vocabSize,
		tokenEmbedding:    NewEmbedding("token_embedding_table", vocabSize, cfg.EmbeddingWidth, src),
		positionEmbedding: NewEmbedding("position_embedding_table", cfg.BlockSize, cfg.EmbeddingWidth, src),
		lnF:               NewLayerNorm("ln_f", cfg.EmbeddingWidth),
		lmHead:            NewLinear("lm_head", cfg.EmbeddingWidth, vocabSize, true, src),
		sampling:          rand.NewPCG(cfg.Seed+1, cfg.Seed),
	}
	for i := 0; i < cfg.LayerCount; i++ {
		m.blocks = append(m.blocks, NewBlock(fmt.Sprintf("blocks.%d", i), cfg.EmbeddingWidth, cfg.HeadCount, src))
	}

	m.params = append(m.params, m.tokenEmbedding.Parameters()...)
	m.params = append(m.params, m.positionEmbedding.Parameters()...)
	for _, b := range m.blocks {
		m.params = append(m.params, b.Parameters()...)
	}
	m.params = append(m.params, m.lnF.Parameters()...)
	m.params = append(m.params, m.lmHead.Parameters()...)
	return m, nil
}

func (m *LanguageModel) Config() Config    { return m.cfg }
func (m *LanguageModel) VocabSize() int    { return m.vocabSize }
func (m *LanguageModel) Mode() Mode        { return m.mode }
func (m *LanguageModel) SetMode(mode Mode) { m.mode = mode }

func (m *LanguageModel) Parameters() []*Parameter {
	return m.params
}

func (m *LanguageModel) ParameterCount() int {
	n := 0
	for _, p := range m.params {
		n += p.Shape().TotalSize()
	}
	return n
}

// evaluating runs fn in evaluation mode and restores the previous mode on
// every exit path.
func (m *LanguageModel) evaluating(fn func() error) error {
	prev := m.mode
	m.mode = ModeEval
	defer func() { m.mode = prev }()
	return fn()
}

// Forward computes logits for idx, a (B, T) batch of token ids. When
// targets is non-nil it must have the same shape, and the mean
// cross-entropy is returned as the loss. No gradients are computed.
func (m *LanguageModel) Forward(idx, targets [][]int) (*Output, error) {
	return m.run(idx, targets, false)
}

// ComputeGradients runs a forward and backward pass and leaves the gradient
// of the loss in every parameter. Previous gradients are discarded.
func (m *LanguageModel) ComputeGradients(idx, targets [][]int) (float64, error) {
	if targets == nil {
		return 0, fmt.Errorf("%w: targets are required to compute gradients", ErrShape)
	}
	for _, p := range m.params {
		p.zeroGrad()
	}
	out, err := m.run(idx, targets, true)
	if err != nil {
		return 0, err
	}
	return out.Loss, nil
}

func (m *LanguageModel) valueGrads() []gorgonia.ValueGrad {
	vgs := make([]gorgonia.ValueGrad, len(m.params))
	for i, p := range m.params {
		vgs[i] = p
	}
	return vgs
}

func (m *LanguageModel) run(idx, targets [][]int, withGrad bool) (*Output, error) {
	b, t, err := m.checkBatch(idx, targets)
	if err != nil {
		return nil, err
	}

	fp := newForwardPass(m.params, m.mode == ModeTrain, m.cfg.DropoutValue)
	logits, loss, err := m.build(fp, idx, targets, b, t)
	if err != nil {
		return nil, fmt.Errorf("building graph: %w", err)
	}

	var logitsVal, lossVal gorgonia.Value
	gorgonia.Read(logits, &logitsVal)
	if loss != nil {
		gorgonia.Read(loss, &lossVal)
	}

	var opts []gorgonia.VMOpt
	if withGrad {
		if _, err := gorgonia.Grad(loss, fp.bound...); err != nil {
			return nil, fmt.Errorf("symbolic gradient: %w", err)
		}
		opts = append(opts, gorgonia.BindDualValues(fp.bound...))
	}
	vm := gorgonia.NewTapeMachine(fp.g, opts...)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		return nil, fmt.Errorf("vm.RunAll failed: %w", err)
	}

	out := &Output{}
	raw := logitsVal.Data().([]float64)
	backing := make([]float64, len(raw))
	copy(backing, raw)
	out.Logits = tensor.New(tensor.WithShape(b, t, m.vocabSize), tensor.WithBacking(backing))

	if lossVal != nil {
		out.Loss = lossVal.Data().(float64)
		out.HasLoss = true
	}

	if withGrad {
		for i, p := range m.params {
			g, err := fp.bound[i].Grad()
			if err != nil {
				return nil, fmt.Errorf("gradient of %s: %w", p.name, err)
			}
			copy(p.grad.Data().([]float64), g.Data().([]float64))
		}
	}
	return out, nil
}

func (m *LanguageModel) checkBatch(idx, targets [][]int) (b, t int, err error) {
	b = len(idx)
	if b == 0 || len(idx[0]) == 0 {
		return 0, 0, fmt.Errorf("%w: empty batch", ErrShape)
	}
	t = len(idx[0])
	if t > m.cfg.BlockSize {
		return 0, 0, fmt.Errorf("%w: sequence length %d exceeds block size %d", ErrShape, t, m.cfg.BlockSize)
	}
	for i, row := range idx {
		if len(row) != t {
			return 0, 0, fmt.Errorf("%w: input row %d has length %d, want %d", ErrShape, i, len(row), t)
		}
	}
	if targets == nil {
		return b, t, nil
	}
	if len(targets) != b {
		return 0, 0, fmt.Errorf("%w: %d target rows for %d input rows", ErrShape, len(targets), b)
	}
	for i, row := range targets {
		if len(row) != t {
			return 0, 0, fmt.Errorf("%w: target row %d has length %d, want %d", ErrShape, i, len(row), t)
		}
	}
	return b, t, nil
}

func (m *LanguageModel) build(fp *forwardPass, idx, targets [][]int, b, t int) (logits, loss *gorgonia.Node, err error) {
	ids := make([]int, 0, b*t)
	positions := make([]int, 0, b*t)
	for _, row := range idx {
		ids = append(ids, row...)
		for pos := range row {
			positions = append(positions, pos)
		}
	}

	tokEmb, err := m.tokenEmbedding.Lookup(fp, ids) // (B*T, C)
	if err != nil {
		return nil, nil, err
	}
	posEmb, err := m.positionEmbedding.Lookup(fp, positions) // same rows of (T, C) for every sequence
	if err != nil {
		return nil, nil, err
	}
	x, err := gorgonia.Add(tokEmb, posEmb)
	if err != nil {
		return nil, nil, err
	}

	for i, block := range m.blocks {
		if x, err = block.Forward(fp, x, b, t); err != nil {
			return nil, nil, fmt.Errorf("block %d: %w", i, err)
		}
	}
	if x, err = m.lnF.Forward(fp, x); err != nil {
		return nil, nil, err
	}
	if logits, err = m.lmHead.Forward(fp, x); err != nil {
		return nil, nil, err
	}

	if targets == nil {
		return logits, nil, nil
	}
	loss, err = crossEntropy(fp, logits, targets, m.vocabSize)
	return logits, loss, err
}

// crossEntropy is the mean negative log-likelihood of targets over the
// flattened (B*T, vocab) logits.
func crossEntropy(fp *forwardPass, logits *gorgonia.Node, targets [][]int, vocabSize int) (*gorgonia.Node, error) {
	flat := make([]int, 0, len(targets)*len(targets[0]))
	for _, row := range targets {
		flat = append(flat, row...)
	}
	oneHot, err := oneHotMatrix(flat, vocabSize)
	if err != nil {
		return nil, fmt.Errorf("targets: %w", err)
	}

	logProbs, err := logSoftmaxRows(logits)
	if err != nil {
		return nil, err
	}
	picked, err := gorgonia.HadamardProd(logProbs, fp.input("targets", oneHot))
	if err != nil {
		return nil, err
	}
	total, err := gorgonia.Sum(picked)
	if err != nil {
		return nil, err
	}
	mean, err := gorgonia.HadamardDiv(total, gorgonia.NewConstant(float64(len(flat))))
	if err != nil {
		return nil, err
	}
	return gorgonia.Neg(mean)
}
