package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/rand/v2"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

const trainFraction = 0.9

type cliOptions struct {
	configPath string
	flags      Config
}

// flagOverrides copies a flag's value from the flag-bound config into the
// resolved one. Only flags set on the command line are applied.
var flagOverrides = map[string]func(dst, src *Config){
	"train-file":           func(d, s *Config) { d.TrainFile = s.TrainFile },
	"weight-dir":           func(d, s *Config) { d.WeightDir = s.WeightDir },
	"device":               func(d, s *Config) { d.Device = s.Device },
	"seed":                 func(d, s *Config) { d.Seed = s.Seed },
	"s3-bucket":            func(d, s *Config) { d.S3.Bucket = s.S3.Bucket },
	"s3-prefix":            func(d, s *Config) { d.S3.Prefix = s.S3.Prefix },
	"s3-region":            func(d, s *Config) { d.S3.Region = s.S3.Region },
	"s3-endpoint":          func(d, s *Config) { d.S3.Endpoint = s.S3.Endpoint },
	"block-size":           func(d, s *Config) { d.BlockSize = s.BlockSize },
	"batch-size":           func(d, s *Config) { d.BatchSize = s.BatchSize },
	"learning-rate":        func(d, s *Config) { d.LearningRate = s.LearningRate },
	"dropout":              func(d, s *Config) { d.DropoutValue = s.DropoutValue },
	"embed":                func(d, s *Config) { d.EmbeddingWidth = s.EmbeddingWidth },
	"heads":                func(d, s *Config) { d.HeadCount = s.HeadCount },
	"layers":               func(d, s *Config) { d.LayerCount = s.LayerCount },
	"max-iterations":       func(d, s *Config) { d.MaxIterations = s.MaxIterations },
	"eval-interval":        func(d, s *Config) { d.EvalInterval = s.EvalInterval },
	"eval-iterations":      func(d, s *Config) { d.EvalIterations = s.EvalIterations },
	"generate-on-evaluate": func(d, s *Config) { d.GenerateOnEvaluate = s.GenerateOnEvaluate },
	"max-new-tokens":       func(d, s *Config) { d.MaxNewTokens = s.MaxNewTokens },
}

func newRootCommand() *cobra.Command {
	opts := &cliOptions{flags: DefaultConfig()}

	root := &cobra.Command{
		Use:           "nanogpt",
		Short:         "Character-level GPT trainer and sampler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&opts.configPath, "config", "", "Path to a JSON config file")
	pf.StringVar(&opts.flags.TrainFile, "train-file", opts.flags.TrainFile, "Path of the training corpus")
	pf.StringVar(&opts.flags.WeightDir, "weight-dir", opts.flags.WeightDir, "Directory holding checkpoints")
	pf.StringVar(&opts.flags.Device, "device", opts.flags.Device, "Compute device")
	pf.Uint64Var(&opts.flags.Seed, "seed", opts.flags.Seed, "Random seed")
	pf.StringVar(&opts.flags.S3.Bucket, "s3-bucket", "", "Store checkpoints in this S3 bucket instead of --weight-dir")
	pf.StringVar(&opts.flags.S3.Prefix, "s3-prefix", "", "Key prefix inside the S3 bucket")
	pf.StringVar(&opts.flags.S3.Region, "s3-region", opts.flags.S3.Region, "S3 region")
	pf.StringVar(&opts.flags.S3.Endpoint, "s3-endpoint", "", "Custom S3 endpoint, e.g. a MinIO server")

	root.AddCommand(newTrainCommand(opts), newGenerateCommand(opts))
	return root
}

func newTrainCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "train",
		Short: "Train a model on --train-file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Flags(), opts)
			if err != nil {
				return err
			}
			return runTrain(cmd, cfg)
		},
	}

	f := cmd.Flags()
	f.IntVar(&opts.flags.BlockSize, "block-size", opts.flags.BlockSize, "Maximum context length")
	f.IntVar(&opts.flags.BatchSize, "batch-size", opts.flags.BatchSize, "Sequences per optimizer step")
	f.Float64Var(&opts.flags.LearningRate, "learning-rate", opts.flags.LearningRate, "Adam learning rate")
	f.Float64Var(&opts.flags.DropoutValue, "dropout", opts.flags.DropoutValue, "Dropout probability")
	f.IntVar(&opts.flags.EmbeddingWidth, "embed", opts.flags.EmbeddingWidth, "Embedding width")
	f.IntVar(&opts.flags.HeadCount, "heads", opts.flags.HeadCount, "Attention heads per block")
	f.IntVar(&opts.flags.LayerCount, "layers", opts.flags.LayerCount, "Transformer blocks")
	f.IntVar(&opts.flags.MaxIterations, "max-iterations", opts.flags.MaxIterations, "Optimizer steps")
	f.IntVar(&opts.flags.EvalInterval, "eval-interval", opts.flags.EvalInterval, "Steps between evaluations")
	f.IntVar(&opts.flags.EvalIterations, "eval-iterations", opts.flags.EvalIterations, "Batches averaged per evaluation")
	f.BoolVar(&opts.flags.GenerateOnEvaluate, "generate-on-evaluate", opts.flags.GenerateOnEvaluate, "Sample text after every evaluation")
	return cmd
}

func newGenerateCommand(opts *cliOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Sample text from the checkpoint matching the configuration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := resolveConfig(cmd.Flags(), opts)
			if err != nil {
				return err
			}
			return runGenerate(cmd, cfg)
		},
	}
	cmd.Flags().IntVar(&opts.flags.MaxNewTokens, "max-new-tokens", opts.flags.MaxNewTokens, "Characters to generate")
	return cmd
}

// resolveConfig layers defaults, the optional config file and explicitly
// set flags, in that order.
func resolveConfig(flags *pflag.FlagSet, opts *cliOptions) (Config, error) {
	cfg := DefaultConfig()
	if opts.configPath != "" {
		var err error
		if cfg, err = LoadConfig(opts.configPath); err != nil {
			return cfg, err
		}
	}
	flags.Visit(func(f *pflag.Flag) {
		if apply, ok := flagOverrides[f.Name]; ok {
			apply(&cfg, &opts.flags)
		}
	})
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func newStore(cfg Config) (CheckpointStore, error) {
	if cfg.S3.Bucket != "" {
		return NewS3Store(cfg.S3)
	}
	return NewFileStore(cfg.WeightDir), nil
}

func newLogger() *log.Logger {
	return log.New(os.Stderr, "", log.LstdFlags)
}

// loadCorpus reads the training text and derives its vocabulary.
func loadCorpus(logger *log.Logger, path string) (string, *Tokenizer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, fmt.Errorf("%w: reading corpus: %v", ErrInvalidConfig, err)
	}
	if len(data) == 0 {
		return "", nil, fmt.Errorf("%w: corpus %s is empty", ErrInvalidConfig, path)
	}
	text := string(data)
	tok := NewTokenizer(text)
	logger.Printf("Vocab size: %d", tok.VocabSize())
	logger.Printf("Vocab: %q", tok.Vocab())
	return text, tok, nil
}

func runTrain(cmd *cobra.Command, cfg Config) error {
	logger := newLogger()
	logger.Printf("Training file: %s", cfg.TrainFile)

	text, tok, err := loadCorpus(logger, cfg.TrainFile)
	if err != nil {
		return err
	}
	encoded, err := tok.Encode(text)
	if err != nil {
		return err
	}
	sampler := NewDataSampler(encoded, trainFraction, rand.NewPCG(cfg.Seed+2, cfg.Seed))
	logger.Printf("%d train tokens, %d test tokens", sampler.Len(SplitTrain), sampler.Len(SplitTest))

	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	model, err := NewLanguageModel(cfg, tok.VocabSize())
	if err != nil {
		return err
	}
	trainer, err := NewTrainer(model, tok, sampler, store, logger, cmd.OutOrStdout())
	if err != nil {
		return err
	}
	if err := trainer.Resume(cmd.Context()); err != nil {
		return err
	}
	return trainer.Run(cmd.Context())
}

func runGenerate(cmd *cobra.Command, cfg Config) error {
	logger := newLogger()

	_, tok, err := loadCorpus(logger, cfg.TrainFile)
	if err != nil {
		return err
	}
	store, err := newStore(cfg)
	if err != nil {
		return err
	}
	model, err := NewLanguageModel(cfg, tok.VocabSize())
	if err != nil {
		return err
	}
	if err := LoadCheckpoint(cmd.Context(), store, model); err != nil {
		if !errors.Is(err, ErrCheckpointNotFound) {
			return err
		}
		logger.Printf("Warning: %v, generating from untrained weights", err)
	}
	return model.GenerateText(cmd.OutOrStdout(), tok, cfg.MaxNewTokens)
}

func loadJSON(path string, data interface{}) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec := json.NewDecoder(f)
	dec.DisallowUnknownFields()
	return dec.Decode(data)
}
