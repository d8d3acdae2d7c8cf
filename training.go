package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"time"

	"gorgonia.org/gorgonia"
)

// patienceLimit is how many non-improving evaluations are tolerated before
// the model is rolled back to the last checkpoint.
const patienceLimit = 4

const (
	evalGenerateTokens  = 200
	finalGenerateTokens = 500
)

// Losses holds the mean loss on each split from one evaluation pass.
type Losses struct {
	Train float64
	Test  float64
}

type Decision int

const (
	DecisionSave Decision = iota
	DecisionWait
	DecisionRollback
)

func (d Decision) String() string {
	switch d {
	case DecisionSave:
		return "save"
	case DecisionWait:
		return "wait"
	default:
		return "rollback"
	}
}

// CheckpointPolicy decides what to do after each evaluation. A checkpoint
// is taken only when train and test loss both beat their bests.
type CheckpointPolicy struct {
	best     Losses
	patience int
}

func NewCheckpointPolicy() *CheckpointPolicy {
	return &CheckpointPolicy{best: Losses{Train: math.Inf(1), Test: math.Inf(1)}}
}

func (p *CheckpointPolicy) Observe(l Losses) Decision {
	if l.Train < p.best.Train && l.Test < p.best.Test {
		p.best = l
		p.patience = 0
		return DecisionSave
	}
	if p.patience < patienceLimit {
		p.patience++
		return DecisionWait
	}
	return DecisionRollback
}

// ResetPatience is called once a rollback has actually restored a
// checkpoint.
func (p *CheckpointPolicy) ResetPatience() { p.patience = 0 }

func (p *CheckpointPolicy) Best() Losses  { return p.best }
func (p *CheckpointPolicy) Patience() int { return p.patience }

// Trainer runs the optimization loop over one model.
type Trainer struct {
	cfg     Config
	model   *LanguageModel
	tok     *Tokenizer
	sampler *DataSampler
	store   CheckpointStore
	solver  gorgonia.Solver
	policy  *CheckpointPolicy
	metrics *MetricsLog
	logger  *log.Logger
	out     io.Writer
}

// NewTrainer wires a trainer. Generated text goes to out, progress lines to
// logger.
func NewTrainer(model *LanguageModel, tok *Tokenizer, sampler *DataSampler, store CheckpointStore, logger *log.Logger, out io.Writer) (*Trainer, error) {
	cfg := model.Config()
	for _, split := range splits {
		if n := sampler.Len(split); n < cfg.BlockSize+1 {
			return nil, fmt.Errorf("%w: %s split has %d tokens, block size %d needs at least %d",
				ErrShape, split, n, cfg.BlockSize, cfg.BlockSize+1)
		}
	}
	return &Trainer{
		cfg:     cfg,
		model:   model,
		tok:     tok,
		sampler: sampler,
		store:   store,
		solver:  gorgonia.NewAdamSolver(gorgonia.WithLearnRate(cfg.LearningRate)),
		policy:  NewCheckpointPolicy(),
		metrics: NewMetricsLog(cfg, model.VocabSize()),
		logger:  logger,
		out:     out,
	}, nil
}

func (tr *Trainer) Policy() *CheckpointPolicy { return tr.policy }
func (tr *Trainer) Metrics() *MetricsLog      { return tr.metrics }

// Resume loads the checkpoint stored under the model's key, if any. A
// checkpoint for another vocabulary or architecture is an error.
func (tr *Trainer) Resume(ctx context.Context) error {
	err := LoadCheckpoint(ctx, tr.store, tr.model)
	switch {
	case errors.Is(err, ErrCheckpointNotFound):
		tr.logger.Printf("no checkpoint %s, starting from fresh weights", CheckpointName(tr.cfg, tr.model.VocabSize()))
		return nil
	case err != nil:
		return err
	}
	tr.logger.Printf("resumed from checkpoint %s", CheckpointName(tr.cfg, tr.model.VocabSize()))
	return nil
}

// Step runs one optimization step on a fresh training batch.
func (tr *Trainer) Step() (float64, error) {
	batch, err := tr.sampler.Sample(SplitTrain, tr.cfg.BatchSize, tr.cfg.BlockSize)
	if err != nil {
		return 0, err
	}
	loss, err := tr.model.ComputeGradients(batch.Inputs, batch.Targets)
	if err != nil {
		return 0, fmt.Errorf("forward/backward: %w", err)
	}
	if err := tr.solver.Step(tr.model.valueGrads()); err != nil {
		return 0, fmt.Errorf("solver step failed: %w", err)
	}
	return loss, nil
}

// EstimateLoss averages the loss of EvalIterations fresh batches per split
// with the model in evaluation mode.
func (tr *Trainer) EstimateLoss() (Losses, error) {
	var losses Losses
	err := tr.model.evaluating(func() error {
		for _, split := range splits {
			var sum float64
			for k := 0; k < tr.cfg.EvalIterations; k++ {
				batch, err := tr.sampler.Sample(split, tr.cfg.BatchSize, tr.cfg.BlockSize)
				if err != nil {
					return err
				}
				out, err := tr.model.Forward(batch.Inputs, batch.Targets)
				if err != nil {
					return fmt.Errorf("evaluating %s split: %w", split, err)
				}
				sum += out.Loss
			}
			mean := sum / float64(tr.cfg.EvalIterations)
			if split == SplitTest {
				losses.Test = mean
			} else {
				losses.Train = mean
			}
		}
		return nil
	})
	return losses, err
}

func (tr *Trainer) evaluate(ctx context.Context, step int) error {
	losses, err := tr.EstimateLoss()
	if err != nil {
		return err
	}
	tr.logger.Printf("step %d: train loss %.4f, val loss %.4f", step, losses.Train, losses.Test)

	decision := tr.policy.Observe(losses)
	switch decision {
	case DecisionSave:
		if err := SaveCheckpoint(ctx, tr.store, tr.model); err != nil {
			return err
		}
		tr.logger.Printf("step %d: checkpoint saved", step)
	case DecisionWait:
		tr.logger.Printf("step %d: no improvement, patience %d/%d", step, tr.policy.Patience(), patienceLimit)
	case DecisionRollback:
		err := LoadCheckpoint(ctx, tr.store, tr.model)
		switch {
		case errors.Is(err, ErrCheckpointNotFound):
			tr.logger.Printf("step %d: patience exhausted but no checkpoint to roll back to", step)
		case err != nil:
			return err
		default:
			tr.policy.ResetPatience()
			tr.logger.Printf("step %d: patience exhausted, rolled back to last checkpoint", step)
		}
	}

	tr.metrics.Record(step, losses, decision)
	if err := tr.metrics.Save(ctx, tr.store); err != nil {
		tr.logger.Printf("Warning: Failed to save metrics: %v", err)
	}

	if tr.cfg.GenerateOnEvaluate {
		if err := tr.model.GenerateText(tr.out, tr.tok, evalGenerateTokens); err != nil {
			return err
		}
	}
	return nil
}

// Run trains for MaxIterations steps, evaluating every EvalInterval steps.
// ctx is only checked between iterations. The final parameters are saved
// whether or not they are the best seen, before the closing sample is drawn.
func (tr *Trainer) Run(ctx context.Context) error {
	tr.logger.Printf("Parameters Count: %d", tr.model.ParameterCount())
	tr.model.SetMode(ModeTrain)

	for i := 0; i < tr.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("training stopped before step %d: %w", i, err)
		}
		if i != 0 && i%tr.cfg.EvalInterval == 0 {
			if err := tr.evaluate(ctx, i); err != nil {
				return fmt.Errorf("evaluation at step %d: %w", i, err)
			}
		}

		start := time.Now()
		loss, err := tr.Step()
		if err != nil {
			return fmt.Errorf("step %d: %w", i, err)
		}
		tr.logger.Printf("step %d: loss %.4f, iteration time milliseconds: %d", i, loss, time.Since(start).Milliseconds())
	}

	if err := SaveCheckpoint(ctx, tr.store, tr.model); err != nil {
		return err
	}
	tr.logger.Printf("final checkpoint saved")
	return tr.model.GenerateText(tr.out, tr.tok, finalGenerateTokens)
}
