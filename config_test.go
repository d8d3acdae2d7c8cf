package main

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Fatalf("default config: %v", err)
	}
	if got := cfg.SettingsKey(); got != "cpu_384_6_6" {
		t.Errorf("expected settings key cpu_384_6_6, got %s", got)
	}
	if cfg.HeadSize() != 64 {
		t.Errorf("expected head size 64, got %d", cfg.HeadSize())
	}
}

func TestValidateRejectsBadConfigs(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero block size", func(c *Config) { c.BlockSize = 0 }},
		{"negative batch size", func(c *Config) { c.BatchSize = -1 }},
		{"zero heads", func(c *Config) { c.HeadCount = 0 }},
		{"zero layers", func(c *Config) { c.LayerCount = 0 }},
		{"indivisible embedding", func(c *Config) { c.EmbeddingWidth = 100; c.HeadCount = 6 }},
		{"zero learning rate", func(c *Config) { c.LearningRate = 0 }},
		{"dropout of one", func(c *Config) { c.DropoutValue = 1 }},
		{"negative dropout", func(c *Config) { c.DropoutValue = -0.1 }},
		{"negative iterations", func(c *Config) { c.MaxIterations = -1 }},
		{"zero eval interval", func(c *Config) { c.EvalInterval = 0 }},
		{"zero eval iterations", func(c *Config) { c.EvalIterations = 0 }},
		{"gpu device", func(c *Config) { c.Device = "cuda" }},
	}
	for _, tc := range tests {
		cfg := DefaultConfig()
		tc.mutate(&cfg)
		if err := cfg.Validate(); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("%s: expected ErrInvalidConfig, got %v", tc.name, err)
		}
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadConfigOverlaysDefaults(t *testing.T) {
	path := writeFile(t, "config.json", `{"embedding_width": 64, "head_count": 4, "s3": {"bucket": "weights"}}`)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.EmbeddingWidth != 64 || cfg.HeadCount != 4 {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.BlockSize != 256 || cfg.LearningRate != 3e-4 || cfg.S3.Region != "us-east-1" {
		t.Errorf("defaults not kept: %+v", cfg)
	}
	if cfg.S3.Bucket != "weights" {
		t.Errorf("expected bucket weights, got %q", cfg.S3.Bucket)
	}
}

func TestLoadConfigRejectsUnknownFields(t *testing.T) {
	path := writeFile(t, "config.json", `{"embed_width": 64}`)
	if _, err := LoadConfig(path); err == nil {
		t.Error("expected an error for an unknown field")
	}
}
