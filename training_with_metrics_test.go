package main

import (
	"context"
	"encoding/json"
	"math"
	"testing"
)

func TestMetricsLogSave(t *testing.T) {
	ctx := context.Background()
	cfg := tinyConfig()
	store := NewFileStore(t.TempDir())

	l := NewMetricsLog(cfg, 3)
	l.Record(250, Losses{Train: 1.5, Test: 1.75}, DecisionSave)
	l.Record(500, Losses{Train: 1.6, Test: 1.8}, DecisionWait)
	if err := l.Save(ctx, store); err != nil {
		t.Fatalf("Save: %v", err)
	}

	data, err := store.Get(ctx, MetricsName(cfg, 3))
	if err != nil {
		t.Fatal(err)
	}
	var got Metrics
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("metrics are not valid JSON: %v", err)
	}
	if got.SettingsKey != cfg.SettingsKey() || got.VocabSize != 3 {
		t.Errorf("unexpected header %q/%d", got.SettingsKey, got.VocabSize)
	}
	if len(got.Evaluations) != 2 {
		t.Fatalf("expected 2 evaluations, got %d", len(got.Evaluations))
	}
	first := got.Evaluations[0]
	if first.Step != 250 || first.Decision != "save" {
		t.Errorf("unexpected first record %+v", first)
	}
	if math.Abs(first.Perplexity-math.Exp(1.75)) > 1e-12 {
		t.Errorf("expected perplexity exp(1.75), got %g", first.Perplexity)
	}
}

func TestMetricsLogSaveFailsOnNaN(t *testing.T) {
	l := NewMetricsLog(tinyConfig(), 3)
	l.Record(250, Losses{Train: math.NaN(), Test: math.NaN()}, DecisionWait)
	if err := l.Save(context.Background(), NewFileStore(t.TempDir())); err == nil {
		t.Error("expected NaN losses to fail encoding")
	}
}
