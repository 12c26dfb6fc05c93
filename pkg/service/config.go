package service

import (
	"errors"
	"fmt"

	"github.com/CTAG07/Sundew/pkg/evaluate"
	"github.com/CTAG07/Sundew/pkg/jobs"
	"github.com/CTAG07/Sundew/pkg/neural"
	"github.com/CTAG07/Sundew/pkg/sampler"
	"github.com/CTAG07/Sundew/pkg/train"
)

// TrainingConfig holds the run settings that are not chosen per submission.
type TrainingConfig struct {
	Workers               int     `json:"workers" yaml:"workers"`
	MaxJobs               int     `json:"max_jobs" yaml:"max_jobs"`
	BatchSize             int     `json:"batch_size" yaml:"batch_size"`
	LearningRate          float64 `json:"learning_rate" yaml:"learning_rate"`
	GradClip              float64 `json:"grad_clip" yaml:"grad_clip"`
	DefaultBlockSize      int     `json:"default_block_size" yaml:"default_block_size"`
	DefaultEpochsPerBlock int     `json:"default_epochs_per_block" yaml:"default_epochs_per_block"`
	Orders                []int   `json:"orders" yaml:"orders"`
}

// GenerationConfig holds the defaults applied when a request leaves a field
// unset.
type GenerationConfig struct {
	NGramWeights  [3]float64 `json:"ngram_weights" yaml:"ngram_weights"`
	NeuralWeight  float64    `json:"neural_weight" yaml:"neural_weight"`
	Temperature   float64    `json:"temperature" yaml:"temperature"`
	TopK          int        `json:"top_k" yaml:"top_k"`
	DefaultLength int        `json:"default_length" yaml:"default_length"`
	MaxLength     int        `json:"max_length" yaml:"max_length"`
}

// EvaluationConfig holds the parameters of the evaluation that follows every
// successful training run.
type EvaluationConfig struct {
	evaluate.Params  `yaml:",inline"`
	AfterTraining    bool `json:"run_after_training" yaml:"run_after_training"`
	SampleCap        int  `json:"sample_cap" yaml:"sample_cap"`
	SampleTextLength int  `json:"sample_text_length" yaml:"sample_text_length"`
}

// Config is everything the service needs besides its database and validator.
type Config struct {
	CheckpointDir string
	Model         neural.Config
	Training      TrainingConfig
	Generation    GenerationConfig
	Evaluation    EvaluationConfig
}

// DefaultTrainingConfig returns the standard training settings.
func DefaultTrainingConfig() TrainingConfig {
	opts := train.DefaultOptions()
	return TrainingConfig{
		Workers:               jobs.DefaultWorkers,
		MaxJobs:               1000,
		BatchSize:             opts.BatchSize,
		LearningRate:          opts.LearningRate,
		GradClip:              opts.GradClip,
		DefaultBlockSize:      opts.BlockSize,
		DefaultEpochsPerBlock: opts.EpochsPerBlock,
	}
}

// DefaultGenerationConfig returns the standard generation defaults.
func DefaultGenerationConfig() GenerationConfig {
	w := sampler.DefaultWeights()
	return GenerationConfig{
		NGramWeights:  w.NGram,
		NeuralWeight:  w.Neural,
		Temperature:   1.0,
		DefaultLength: 200,
		MaxLength:     10000,
	}
}

// DefaultEvaluationConfig returns the standard post-training evaluation.
func DefaultEvaluationConfig() EvaluationConfig {
	return EvaluationConfig{
		Params:           evaluate.DefaultParams(),
		AfterTraining:    true,
		SampleCap:        evaluate.DefaultSampleCap,
		SampleTextLength: evaluate.DefaultTextLength,
	}
}

// DefaultConfig returns a complete default config writing checkpoints under dir.
func DefaultConfig(dir string) Config {
	return Config{
		CheckpointDir: dir,
		Model:         neural.DefaultConfig(),
		Training:      DefaultTrainingConfig(),
		Generation:    DefaultGenerationConfig(),
		Evaluation:    DefaultEvaluationConfig(),
	}
}

// Validate checks every section.
func (c Config) Validate() error {
	if c.CheckpointDir == "" {
		return errors.New("checkpoint directory must be set")
	}
	if err := c.Model.Validate(); err != nil {
		return fmt.Errorf("model config: %w", err)
	}
	t := c.Training
	switch {
	case t.BatchSize <= 0:
		return errors.New("training config: batch_size must be positive")
	case t.LearningRate <= 0:
		return errors.New("training config: learning_rate must be positive")
	case t.GradClip <= 0:
		return errors.New("training config: grad_clip must be positive")
	case t.DefaultBlockSize <= 0 || t.DefaultEpochsPerBlock <= 0:
		return errors.New("training config: default block size and epochs must be positive")
	}
	g := c.Generation
	if err := (sampler.Weights{NGram: g.NGramWeights, Neural: g.NeuralWeight}).Validate(); err != nil {
		return fmt.Errorf("generation config: %w", err)
	}
	if g.MaxLength <= 0 {
		return errors.New("generation config: max_length must be positive")
	}
	if c.Evaluation.AfterTraining {
		if err := c.Evaluation.Params.Validate(); err != nil {
			return fmt.Errorf("evaluation config: %w", err)
		}
	}
	return nil
}
