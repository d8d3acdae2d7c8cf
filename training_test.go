package main

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"math"
	"math/rand/v2"
	"slices"
	"strings"
	"testing"
)

func TestCheckpointPolicyRequiresBothLossesToImprove(t *testing.T) {
	p := NewCheckpointPolicy()
	steps := []struct {
		losses   Losses
		want     Decision
		patience int
	}{
		{Losses{2.0, 2.0}, DecisionSave, 0},
		{Losses{1.5, 1.9}, DecisionSave, 0},
		{Losses{1.6, 1.8}, DecisionWait, 1},
		{Losses{1.4, 1.7}, DecisionSave, 0},
		{Losses{1.3, 1.7}, DecisionWait, 1},
	}
	for i, s := range steps {
		if got := p.Observe(s.losses); got != s.want {
			t.Errorf("step %d %+v: expected %v, got %v", i, s.losses, s.want, got)
		}
		if p.Patience() != s.patience {
			t.Errorf("step %d: expected patience %d, got %d", i, s.patience, p.Patience())
		}
	}
	if best := p.Best(); best != (Losses{1.4, 1.7}) {
		t.Errorf("expected best %+v, got %+v", Losses{1.4, 1.7}, best)
	}
}

func TestCheckpointPolicyRollsBackAfterPatience(t *testing.T) {
	p := NewCheckpointPolicy()
	p.Observe(Losses{1, 1})

	for i := 1; i <= patienceLimit; i++ {
		if got := p.Observe(Losses{2, 2}); got != DecisionWait {
			t.Fatalf("miss %d: expected wait, got %v", i, got)
		}
	}
	if got := p.Observe(Losses{2, 2}); got != DecisionRollback {
		t.Fatalf("expected rollback once patience is exhausted, got %v", got)
	}
	if got := p.Observe(Losses{2, 2}); got != DecisionRollback {
		t.Errorf("expected rollback to repeat until patience is reset, got %v", got)
	}

	p.ResetPatience()
	if got := p.Observe(Losses{2, 2}); got != DecisionWait {
		t.Errorf("expected wait after reset, got %v", got)
	}
	if got := p.Observe(Losses{0.5, 0.5}); got != DecisionSave {
		t.Errorf("expected save on improvement, got %v", got)
	}
}

func TestNaNLossesNeverSave(t *testing.T) {
	p := NewCheckpointPolicy()
	if got := p.Observe(Losses{math.NaN(), 1}); got != DecisionWait {
		t.Errorf("expected wait for NaN train loss, got %v", got)
	}
}

func TestDecisionString(t *testing.T) {
	for d, want := range map[Decision]string{DecisionSave: "save", DecisionWait: "wait", DecisionRollback: "rollback"} {
		if d.String() != want {
			t.Errorf("expected %s, got %s", want, d)
		}
	}
}

type trainerFixture struct {
	trainer *Trainer
	model   *LanguageModel
	store   *FileStore
	logs    *bytes.Buffer
	out     *bytes.Buffer
}

func newTrainerFixture(t *testing.T, cfg Config, corpus string) *trainerFixture {
	t.Helper()
	tok := NewTokenizer(corpus)
	encoded, err := tok.Encode(corpus)
	if err != nil {
		t.Fatal(err)
	}
	model, err := NewLanguageModel(cfg, tok.VocabSize())
	if err != nil {
		t.Fatal(err)
	}
	f := &trainerFixture{
		model: model,
		store: NewFileStore(t.TempDir()),
		logs:  &bytes.Buffer{},
		out:   &bytes.Buffer{},
	}
	sampler := NewDataSampler(encoded, trainFraction, rand.NewPCG(cfg.Seed+2, cfg.Seed))
	f.trainer, err = NewTrainer(model, tok, sampler, f.store, log.New(f.logs, "", 0), f.out)
	if err != nil {
		t.Fatalf("NewTrainer: %v", err)
	}
	return f
}

func TestNewTrainerRejectsShortCorpus(t *testing.T) {
	corpus := strings.Repeat("ab", 40)
	tok := NewTokenizer(corpus)
	encoded, _ := tok.Encode(corpus)
	model := newTinyModel(t, tok.VocabSize())
	sampler := NewDataSampler(encoded, trainFraction, rand.NewPCG(1, 1))

	_, err := NewTrainer(model, tok, sampler, NewFileStore(t.TempDir()), log.New(io.Discard, "", 0), io.Discard)
	if !errors.Is(err, ErrShape) {
		t.Errorf("expected ErrShape for an %d-token test split, got %v", sampler.Len(SplitTest), err)
	}
}

func TestTrainerRunOnConstantCorpus(t *testing.T) {
	cfg := tinyConfig()
	cfg.MaxIterations = 6
	cfg.EvalInterval = 3
	f := newTrainerFixture(t, cfg, strings.Repeat("a", 200))

	if err := f.trainer.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}

	evals := f.trainer.Metrics().Evaluations()
	if len(evals) != 1 || evals[0].Step != 3 {
		t.Fatalf("expected one evaluation at step 3, got %+v", evals)
	}
	if evals[0].TrainLoss > 1e-9 || evals[0].ValLoss > 1e-9 {
		t.Errorf("expected zero loss on a single-symbol corpus, got %+v", evals[0])
	}
	if evals[0].Decision != "save" {
		t.Errorf("expected the first evaluation to save, got %s", evals[0].Decision)
	}

	want := "\n====Generating:====\n\n" + strings.Repeat("a", finalGenerateTokens) + "\n\n====Generation Completed====\n\n"
	if f.out.String() != want {
		t.Errorf("unexpected final sample %q", f.out.String())
	}

	ctx := context.Background()
	if _, err := f.store.Get(ctx, CheckpointName(cfg, 1)); err != nil {
		t.Errorf("expected a final checkpoint: %v", err)
	}
	if _, err := f.store.Get(ctx, MetricsName(cfg, 1)); err != nil {
		t.Errorf("expected a metrics file: %v", err)
	}
	if !strings.Contains(f.logs.String(), "Parameters Count") {
		t.Error("expected the parameter count to be logged")
	}
}

func TestTrainerLearnsAlternatingCorpus(t *testing.T) {
	cfg := tinyConfig()
	f := newTrainerFixture(t, cfg, strings.Repeat("ab", 150))

	before, err := f.trainer.EstimateLoss()
	if err != nil {
		t.Fatal(err)
	}
	f.model.SetMode(ModeTrain)
	for i := 0; i < 80; i++ {
		if _, err := f.trainer.Step(); err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
	}
	after, err := f.trainer.EstimateLoss()
	if err != nil {
		t.Fatal(err)
	}
	if after.Train >= before.Train/2 || after.Test >= before.Test/2 {
		t.Errorf("expected loss to at least halve, before %+v after %+v", before, after)
	}
	if f.model.Mode() != ModeTrain {
		t.Errorf("EstimateLoss left the model in %v mode", f.model.Mode())
	}
}

func TestTrainerEvaluateRollsBack(t *testing.T) {
	ctx := context.Background()
	f := newTrainerFixture(t, tinyConfig(), strings.Repeat("abc", 100))

	if err := SaveCheckpoint(ctx, f.store, f.model); err != nil {
		t.Fatal(err)
	}
	saved := make([][]float64, len(f.model.Parameters()))
	for i, p := range f.model.Parameters() {
		saved[i] = slices.Clone(p.Data())
		p.fill(0.5)
	}

	f.trainer.policy = &CheckpointPolicy{best: Losses{}, patience: patienceLimit}
	if err := f.trainer.evaluate(ctx, 250); err != nil {
		t.Fatalf("evaluate: %v", err)
	}

	for i, p := range f.model.Parameters() {
		if !slices.Equal(saved[i], p.Data()) {
			t.Fatalf("%s was not restored from the checkpoint", p.Name())
		}
	}
	if f.trainer.Policy().Patience() != 0 {
		t.Errorf("expected patience reset after rollback, got %d", f.trainer.Policy().Patience())
	}
	evals := f.trainer.Metrics().Evaluations()
	if len(evals) != 1 || evals[0].Decision != "rollback" {
		t.Errorf("expected a recorded rollback, got %+v", evals)
	}
}

func TestTrainerEvaluateRollbackWithoutCheckpoint(t *testing.T) {
	f := newTrainerFixture(t, tinyConfig(), strings.Repeat("abc", 100))
	f.trainer.policy = &CheckpointPolicy{best: Losses{}, patience: patienceLimit}

	if err := f.trainer.evaluate(context.Background(), 500); err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if f.trainer.Policy().Patience() != patienceLimit {
		t.Errorf("expected patience to stay at %d, got %d", patienceLimit, f.trainer.Policy().Patience())
	}
	if !strings.Contains(f.logs.String(), "no checkpoint to roll back to") {
		t.Errorf("expected a log line about the missing checkpoint, got %q", f.logs.String())
	}
}

func TestTrainerResume(t *testing.T) {
	ctx := context.Background()
	f := newTrainerFixture(t, tinyConfig(), strings.Repeat("abc", 100))

	if err := f.trainer.Resume(ctx); err != nil {
		t.Fatalf("Resume without checkpoint: %v", err)
	}
	if err := f.store.Put(ctx, CheckpointName(f.model.Config(), f.model.VocabSize()), []byte("garbage")); err != nil {
		t.Fatal(err)
	}
	if err := f.trainer.Resume(ctx); err == nil {
		t.Error("expected a corrupt checkpoint to fail Resume")
	}
}

func TestTrainerRunStopsOnCancel(t *testing.T) {
	f := newTrainerFixture(t, tinyConfig(), strings.Repeat("abc", 100))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if err := f.trainer.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, errors.New("closed pipe") }

func TestTrainerRunSavesBeforeFinalSample(t *testing.T) {
	cfg := tinyConfig()
	cfg.MaxIterations = 2
	f := newTrainerFixture(t, cfg, strings.Repeat("abc", 100))
	f.trainer.out = failingWriter{}

	if err := f.trainer.Run(context.Background()); err == nil {
		t.Fatal("expected the failing writer to surface an error")
	}

	blob, err := f.store.Get(context.Background(), CheckpointName(cfg, f.model.VocabSize()))
	if err != nil {
		t.Fatalf("expected a final checkpoint despite the failed sample: %v", err)
	}
	restored := newTinyModel(t, f.model.VocabSize())
	if err := restored.UnmarshalBinary(blob); err != nil {
		t.Fatal(err)
	}
	for i, p := range restored.Parameters() {
		if !slices.Equal(p.Data(), f.model.Parameters()[i].Data()) {
			t.Fatalf("%s differs from the trained parameters", p.Name())
		}
	}
}

func TestTrainerRunGeneratesOnEvaluate(t *testing.T) {
	cfg := tinyConfig()
	cfg.MaxIterations = 4
	cfg.EvalInterval = 2
	cfg.GenerateOnEvaluate = true
	f := newTrainerFixture(t, cfg, strings.Repeat("abc", 100))

	if err := f.trainer.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if n := strings.Count(f.out.String(), "====Generation Completed===="); n != 2 {
		t.Errorf("expected one sample per evaluation plus the final one, got %d", n)
	}
}
