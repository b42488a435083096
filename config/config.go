// Package config loads training configuration from YAML file.
//
// File must have single root key 'config':
//
//	config:
//	  latent_dim: 100
//	  lr: 0.0002
//	  epochs: 20
//	  gpus: 0
//
// Omitted fields get defaults from Default(). Unknown fields are rejected.
package config

import (
	"bytes"
	"fmt"
	"os"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// DefaultMirror Base URL of MNIST archives
const DefaultMirror = "https://ossci-datasets.s3.amazonaws.com/mnist/"

// Config Training options. Read once at startup and never changed afterwards
type Config struct {
	LatentDim    int     `yaml:"latent_dim"`
	LearningRate float64 `yaml:"lr"`
	Beta1        float64 `yaml:"b1"`
	Beta2        float64 `yaml:"b2"`
	Epochs       int     `yaml:"epochs"`
	GPUs         int     `yaml:"gpus"`
	BatchSize    int     `yaml:"batch_size"`
	NumWorkers   int     `yaml:"num_workers"`
	Seed         uint64  `yaml:"seed"`

	DataDir  string `yaml:"data_dir"`
	Download bool   `yaml:"download"`
	Mirror   string `yaml:"mirror"`
	ValSize  int    `yaml:"val_size"`

	LogDir                 string `yaml:"log_dir"`
	Name                   string `yaml:"name"`
	LogEveryNSteps         int    `yaml:"log_every_n_steps"`
	ProgressBarRefreshRate int    `yaml:"progress_bar_refresh_rate"`

	NumPreview           int     `yaml:"num_preview"`
	Dropout              float64 `yaml:"dropout"`
	AdversarialLoss      string  `yaml:"adversarial_loss"`
	ResumeFromCheckpoint string  `yaml:"resume_from_checkpoint"`
}

type file struct {
	Config *Config `yaml:"config"`
}

// Default Returns configuration with default values
func Default() *Config {
	return &Config{
		LatentDim:              100,
		LearningRate:           0.0002,
		Beta1:                  0.9,
		Beta2:                  0.999,
		Epochs:                 20,
		GPUs:                   0,
		BatchSize:              128,
		NumWorkers:             2,
		Seed:                   42,
		DataDir:                "./data",
		Download:               true,
		Mirror:                 DefaultMirror,
		ValSize:                5000,
		LogDir:                 "logs",
		Name:                   "GAN",
		LogEveryNSteps:         1,
		ProgressBarRefreshRate: 20,
		NumPreview:             6,
		Dropout:                0.25,
		AdversarialLoss:        "bce",
	}
}

// Load Reads configuration from YAML file and validates it
func Load(fname string) (*Config, error) {
	data, err := os.ReadFile(fname)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't read config file '%s'", fname)
	}
	cfg, err := Parse(data)
	if err != nil {
		return nil, errors.Wrapf(err, "Bad config file '%s'", fname)
	}
	return cfg, nil
}

// Parse Decodes configuration from YAML document and validates it
func Parse(data []byte) (*Config, error) {
	doc := file{Config: Default()}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&doc); err != nil {
		return nil, errors.Wrap(err, "Can't decode YAML")
	}
	if doc.Config == nil {
		return nil, fmt.Errorf("section 'config' is empty")
	}
	if err := doc.Config.Validate(); err != nil {
		return nil, err
	}
	return doc.Config, nil
}

// Validate Checks that every option is in its range
func (cfg *Config) Validate() error {
	switch {
	case cfg.LatentDim <= 0:
		return fmt.Errorf("latent_dim must be > 0, got %d", cfg.LatentDim)
	case cfg.LearningRate <= 0:
		return fmt.Errorf("lr must be > 0, got %g", cfg.LearningRate)
	case cfg.Beta1 < 0 || cfg.Beta1 >= 1:
		return fmt.Errorf("b1 must be in [0, 1), got %g", cfg.Beta1)
	case cfg.Beta2 < 0 || cfg.Beta2 >= 1:
		return fmt.Errorf("b2 must be in [0, 1), got %g", cfg.Beta2)
	case cfg.Epochs <= 0:
		return fmt.Errorf("epochs must be > 0, got %d", cfg.Epochs)
	case cfg.GPUs < 0:
		return fmt.Errorf("gpus must be >= 0, got %d", cfg.GPUs)
	case cfg.BatchSize <= 0:
		return fmt.Errorf("batch_size must be > 0, got %d", cfg.BatchSize)
	case cfg.NumWorkers < 0:
		return fmt.Errorf("num_workers must be >= 0, got %d", cfg.NumWorkers)
	case cfg.DataDir == "":
		return fmt.Errorf("data_dir is required")
	case cfg.Download && cfg.Mirror == "":
		return fmt.Errorf("mirror is required when download is enabled")
	case cfg.ValSize < 0:
		return fmt.Errorf("val_size must be >= 0, got %d", cfg.ValSize)
	case cfg.LogDir == "":
		return fmt.Errorf("log_dir is required")
	case cfg.Name == "":
		return fmt.Errorf("name is required")
	case cfg.LogEveryNSteps <= 0:
		return fmt.Errorf("log_every_n_steps must be > 0, got %d", cfg.LogEveryNSteps)
	case cfg.ProgressBarRefreshRate < 0:
		return fmt.Errorf("progress_bar_refresh_rate must be >= 0, got %d", cfg.ProgressBarRefreshRate)
	case cfg.NumPreview <= 0:
		return fmt.Errorf("num_preview must be > 0, got %d", cfg.NumPreview)
	case cfg.Dropout < 0 || cfg.Dropout >= 1:
		return fmt.Errorf("dropout must be in [0, 1), got %g", cfg.Dropout)
	case cfg.AdversarialLoss != "bce" && cfg.AdversarialLoss != "mse":
		return fmt.Errorf("adversarial_loss must be 'bce' or 'mse', got '%s'", cfg.AdversarialLoss)
	}
	return nil
}
