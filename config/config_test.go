package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultIsValid(t *testing.T) {
	if err := Default().Validate(); err != nil {
		t.Fatal(err)
	}
}

func TestParseOverridesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(`
config:
  latent_dim: 64
  lr: 0.001
  epochs: 3
  batch_size: 32
  adversarial_loss: mse
`))
	if err != nil {
		t.Fatal(err)
	}
	if cfg.LatentDim != 64 || cfg.LearningRate != 0.001 || cfg.Epochs != 3 || cfg.BatchSize != 32 || cfg.AdversarialLoss != "mse" {
		t.Errorf("values from file were not applied: %+v", cfg)
	}
	def := Default()
	if cfg.Beta1 != def.Beta1 || cfg.Beta2 != def.Beta2 || cfg.NumWorkers != def.NumWorkers || cfg.Mirror != def.Mirror {
		t.Errorf("omitted values must keep defaults: %+v", cfg)
	}
}

func TestParseErrors(t *testing.T) {
	cases := map[string]string{
		"unknown key":     "config:\n  latent_dims: 10\n",
		"no section":      "other:\n  latent_dim: 10\n",
		"empty section":   "config:\n",
		"bad latent dim":  "config:\n  latent_dim: 0\n",
		"bad beta":        "config:\n  b1: 1.0\n",
		"bad loss":        "config:\n  adversarial_loss: hinge\n",
		"negative gpus":   "config:\n  gpus: -1\n",
		"bad dropout":     "config:\n  dropout: 1.5\n",
		"malformed yaml":  "config: [",
		"wrong type":      "config:\n  epochs: many\n",
		"no log interval": "config:\n  log_every_n_steps: 0\n",
	}
	for name, doc := range cases {
		if _, err := Parse([]byte(doc)); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestLoad(t *testing.T) {
	fname := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(fname, []byte("config:\n  epochs: 2\n  gpus: 1\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	cfg, err := Load(fname)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.Epochs != 2 || cfg.GPUs != 1 {
		t.Errorf("unexpected config: %+v", cfg)
	}
	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestExampleConfig(t *testing.T) {
	cfg, err := Load(filepath.Join("..", "configs", "config.yaml"))
	if err != nil {
		t.Fatal(err)
	}
	if *cfg != *Default() {
		t.Errorf("example config must match defaults:\n%+v\n%+v", cfg, Default())
	}
}
