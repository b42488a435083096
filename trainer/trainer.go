// Package trainer drives GAN training: epochs, batches, optimizers order, validation, test, metrics and checkpoints.
package trainer

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	gan "github.com/LdDl/gan-mnist"
	"github.com/LdDl/gan-mnist/config"
	"github.com/klauspost/cpuid/v2"
	"github.com/pkg/errors"
)

// Module Model trained by Trainer
type Module interface {
	// ConfigureOptimizers Returns optimizers. Trainer calls TrainingStep and Step for each of them in this order
	ConfigureOptimizers() []*gan.Optimizer
	TrainingStep(batch gan.Batch, batchIdx, optimizerIdx int) (gan.StepOutput, error)
	TestStep(batch gan.Batch, batchIdx int) (map[string]float64, error)
	OnEpochEnd(epoch int) error
	SaveCheckpoint(w io.Writer, epoch, globalStep int) error
	LoadCheckpoint(r io.Reader) (gan.Checkpoint, error)
}

// DataModule Source of train/validation/test loaders
type DataModule interface {
	PrepareData(ctx context.Context) error
	Setup(ctx context.Context) error
	TrainLoader() gan.BatchLoader
	// ValLoader May return nil when there is no validation data
	ValLoader() gan.BatchLoader
	TestLoader() gan.BatchLoader
}

// Trainer Runs training loop
type Trainer struct {
	cfg    *config.Config
	logger *Logger

	globalStep int
	dataReady  DataModule
	lastCkpt   string
}

// New Returns trainer writing metrics and checkpoints through provided logger
func New(cfg *config.Config, logger *Logger) *Trainer {
	return &Trainer{
		cfg:    cfg,
		logger: logger,
	}
}

// GlobalStep Returns number of processed training batches
func (t *Trainer) GlobalStep() int {
	return t.globalStep
}

// LastCheckpoint Returns path of the most recent checkpoint written by trainer
func (t *Trainer) LastCheckpoint() string {
	return t.lastCkpt
}

func (t *Trainer) setupData(ctx context.Context, dm DataModule) error {
	if t.dataReady == dm {
		return nil
	}
	if err := dm.PrepareData(ctx); err != nil {
		return errors.Wrap(err, "Can't prepare data")
	}
	if err := dm.Setup(ctx); err != nil {
		return errors.Wrap(err, "Can't setup data")
	}
	t.dataReady = dm
	return nil
}

// Fit Trains module for configured number of epochs.
// When ctx is cancelled, state is saved to 'last.ckpt' and context error is returned
func (t *Trainer) Fit(ctx context.Context, module Module, dm DataModule) error {
	logAccelerator(t.cfg.GPUs)
	if err := t.setupData(ctx, dm); err != nil {
		return err
	}
	optimizers := module.ConfigureOptimizers()
	if len(optimizers) == 0 {
		return fmt.Errorf("module has no optimizers")
	}

	startEpoch := 0
	if t.cfg.ResumeFromCheckpoint != "" {
		ckpt, err := t.restore(module, t.cfg.ResumeFromCheckpoint)
		if err != nil {
			return err
		}
		startEpoch = ckpt.Epoch + 1
		t.globalStep = ckpt.GlobalStep
		log.Printf("Resumed from '%s': epoch %d, global step %d\n", t.cfg.ResumeFromCheckpoint, ckpt.Epoch, ckpt.GlobalStep)
	}

	for epoch := startEpoch; epoch < t.cfg.Epochs; epoch++ {
		err := t.trainEpoch(ctx, module, optimizers, dm.TrainLoader(), epoch)
		if err == nil {
			err = ctx.Err()
		}
		if err != nil {
			if ctx.Err() != nil {
				return t.interrupt(ctx, module, epoch-1)
			}
			return errors.Wrapf(err, "Epoch %d failed", epoch)
		}

		if loader := dm.ValLoader(); loader != nil && loader.Len() > 0 {
			metrics, err := t.evaluate(ctx, module, loader, "val")
			if err != nil {
				if ctx.Err() != nil {
					return t.interrupt(ctx, module, epoch-1)
				}
				return errors.Wrapf(err, "Validation of epoch %d failed", epoch)
			}
			if err := t.logger.LogMetrics(t.globalStep, epoch, metrics); err != nil {
				return err
			}
			log.Printf("Epoch %d validation: %s\n", epoch, formatMetrics(metrics))
		}

		if err := module.OnEpochEnd(epoch); err != nil {
			return errors.Wrapf(err, "End of epoch %d failed", epoch)
		}
		if err := t.checkpoint(module, epoch); err != nil {
			return err
		}
		if err := t.logger.Flush(); err != nil {
			return errors.Wrap(err, "Can't flush metrics")
		}
	}
	return nil
}

func (t *Trainer) trainEpoch(ctx context.Context, module Module, optimizers []*gan.Optimizer, loader gan.BatchLoader, epoch int) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	total := loader.Len()
	batchIdx := 0
	last := make(map[string]float64)
	for batch := range loader.Batches(ctx) {
		for optimizerIdx, opt := range optimizers {
			out, err := module.TrainingStep(batch, batchIdx, optimizerIdx)
			if err != nil {
				return err
			}
			if err := opt.Step(); err != nil {
				return err
			}
			for name, value := range out.Log {
				last[name] = value
			}
			if t.globalStep%t.cfg.LogEveryNSteps == 0 {
				if err := t.logger.LogMetrics(t.globalStep, epoch, out.Log); err != nil {
					return err
				}
			}
		}
		t.globalStep++
		batchIdx++
		if rate := t.cfg.ProgressBarRefreshRate; rate > 0 && (batchIdx%rate == 0 || batchIdx == total) {
			log.Printf("Epoch %d: %d/%d %s\n", epoch, batchIdx, total, formatMetrics(last))
		}
	}
	return nil
}

// evaluate Averages module's TestStep metrics over loader. Metric names get prefix
func (t *Trainer) evaluate(ctx context.Context, module Module, loader gan.BatchLoader, prefix string) (map[string]float64, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sums := make(map[string]float64)
	n := 0
	for batch := range loader.Batches(ctx) {
		metrics, err := module.TestStep(batch, n)
		if err != nil {
			return nil, err
		}
		for name, value := range metrics {
			sums[name] += value
		}
		n++
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if n == 0 {
		return nil, fmt.Errorf("loader produced no batches for '%s'", prefix)
	}
	result := make(map[string]float64, len(sums))
	for name, sum := range sums {
		result[prefix+"_"+name] = sum / float64(n)
	}
	return result, nil
}

// Test Evaluates module on test set without updating it
func (t *Trainer) Test(ctx context.Context, module Module, dm DataModule) (map[string]float64, error) {
	if err := t.setupData(ctx, dm); err != nil {
		return nil, err
	}
	loader := dm.TestLoader()
	if loader == nil || loader.Len() == 0 {
		return nil, fmt.Errorf("test loader has no batches")
	}
	metrics, err := t.evaluate(ctx, module, loader, "test")
	if err != nil {
		return nil, errors.Wrap(err, "Test failed")
	}
	if err := t.logger.LogMetrics(t.globalStep, -1, metrics); err != nil {
		return nil, err
	}
	log.Printf("Test: %s\n", formatMetrics(metrics))
	return metrics, nil
}

func (t *Trainer) checkpoint(module Module, epoch int) error {
	fname := filepath.Join(t.logger.CheckpointDir(), fmt.Sprintf("epoch=%d-step=%d.ckpt", epoch, t.globalStep))
	if err := t.save(module, fname, epoch); err != nil {
		return err
	}
	// Only the most recent epoch checkpoint is kept
	if t.lastCkpt != "" && t.lastCkpt != fname {
		if err := os.Remove(t.lastCkpt); err != nil && !os.IsNotExist(err) {
			return errors.Wrapf(err, "Can't remove previous checkpoint '%s'", t.lastCkpt)
		}
	}
	t.lastCkpt = fname
	return nil
}

func (t *Trainer) interrupt(ctx context.Context, module Module, completedEpoch int) error {
	fname := filepath.Join(t.logger.CheckpointDir(), "last.ckpt")
	if err := t.save(module, fname, completedEpoch); err != nil {
		log.Printf("Can't save checkpoint on interruption: %v\n", err)
	} else {
		log.Printf("Training interrupted, state saved to '%s'\n", fname)
	}
	return errors.Wrap(ctx.Err(), "Training interrupted")
}

func (t *Trainer) save(module Module, fname string, epoch int) error {
	if err := os.MkdirAll(filepath.Dir(fname), 0o755); err != nil {
		return errors.Wrap(err, "Can't create checkpoints directory")
	}
	f, err := os.Create(fname)
	if err != nil {
		return errors.Wrapf(err, "Can't create checkpoint '%s'", fname)
	}
	if err := module.SaveCheckpoint(f, epoch, t.globalStep); err != nil {
		f.Close()
		return errors.Wrapf(err, "Can't save checkpoint '%s'", fname)
	}
	return f.Close()
}

func (t *Trainer) restore(module Module, fname string) (gan.Checkpoint, error) {
	f, err := os.Open(fname)
	if err != nil {
		return gan.Checkpoint{}, errors.Wrapf(err, "Can't open checkpoint '%s'", fname)
	}
	defer f.Close()
	ckpt, err := module.LoadCheckpoint(f)
	if err != nil {
		return gan.Checkpoint{}, errors.Wrapf(err, "Can't load checkpoint '%s'", fname)
	}
	return ckpt, nil
}

// logAccelerator Reports device used for training. Only CPU engine is built in
func logAccelerator(gpus int) {
	log.Printf("GPU available: false, used: false\n")
	if gpus > 0 {
		log.Printf("Warning: %d GPU(s) requested, but CUDA engine is not compiled in. Training on CPU\n", gpus)
	}
	log.Printf("CPU: %s, %d physical cores, %d logical cores, AVX2: %t\n", cpuid.CPU.BrandName, cpuid.CPU.PhysicalCores, cpuid.CPU.LogicalCores, cpuid.CPU.Supports(cpuid.AVX2))
}

func sortedKeys(metrics map[string]float64) []string {
	keys := make([]string, 0, len(metrics))
	for k := range metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func formatMetrics(metrics map[string]float64) string {
	parts := make([]string, 0, len(metrics))
	for _, k := range sortedKeys(metrics) {
		parts = append(parts, fmt.Sprintf("%s=%.4f", k, metrics[k]))
	}
	return strings.Join(parts, " ")
}
