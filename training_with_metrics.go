package main

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
)

type EvalMetrics struct {
	Step       int     `json:"step"`
	TrainLoss  float64 `json:"train_loss"`
	ValLoss    float64 `json:"val_loss"`
	Perplexity float64 `json:"perplexity"`
	Decision   string  `json:"decision"`
}

type Metrics struct {
	SettingsKey string        `json:"settings_key"`
	VocabSize   int           `json:"vocab_size"`
	Evaluations []EvalMetrics `json:"evaluations"`
}

// MetricsLog accumulates one record per evaluation pass.
type MetricsLog struct {
	name    string
	metrics Metrics
}

func NewMetricsLog(cfg Config, vocabSize int) *MetricsLog {
	return &MetricsLog{
		name: MetricsName(cfg, vocabSize),
		metrics: Metrics{
			SettingsKey: cfg.SettingsKey(),
			VocabSize:   vocabSize,
		},
	}
}

func MetricsName(cfg Config, vocabSize int) string {
	return fmt.Sprintf("metrics_%s_%d.json", cfg.SettingsKey(), vocabSize)
}

func (l *MetricsLog) Record(step int, losses Losses, d Decision) EvalMetrics {
	m := EvalMetrics{
		Step:       step,
		TrainLoss:  losses.Train,
		ValLoss:    losses.Test,
		Perplexity: math.Exp(losses.Test),
		Decision:   d.String(),
	}
	l.metrics.Evaluations = append(l.metrics.Evaluations, m)
	return m
}

func (l *MetricsLog) Evaluations() []EvalMetrics {
	return l.metrics.Evaluations
}

// Save writes the log as indented JSON. Non-finite losses cannot be encoded
// and make Save fail; the caller treats that as a warning.
func (l *MetricsLog) Save(ctx context.Context, store CheckpointStore) error {
	data, err := json.MarshalIndent(l.metrics, "", "  ")
	if err != nil {
		return err
	}
	return store.Put(ctx, l.name, data)
}
