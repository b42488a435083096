package trainer

import (
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	gan "github.com/LdDl/gan-mnist"
	"github.com/LdDl/gan-mnist/config"
	"golang.org/x/exp/rand"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type fakeLoader struct {
	batches   int
	batchSize int
	seed      uint64
}

func (l *fakeLoader) Len() int {
	return l.batches
}

func (l *fakeLoader) Batches(ctx context.Context) <-chan gan.Batch {
	out := make(chan gan.Batch)
	rng := rand.New(rand.NewSource(l.seed))
	go func() {
		defer close(out)
		for k := 0; k < l.batches; k++ {
			pixels := make([]float64, l.batchSize*gan.ImageChannels*gan.ImageHeight*gan.ImageWidth)
			for i := range pixels {
				pixels[i] = rng.Float64()
			}
			batch := gan.Batch{
				Images: tensor.New(tensor.WithShape(gan.ImageShape(l.batchSize)...), tensor.WithBacking(pixels)),
				Labels: tensor.New(tensor.WithShape(l.batchSize, 1), tensor.WithBacking(make([]float64, l.batchSize))),
			}
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

type fakeData struct {
	train, val, test gan.BatchLoader
	setups           int
}

func (dm *fakeData) PrepareData(ctx context.Context) error { return nil }

func (dm *fakeData) Setup(ctx context.Context) error {
	dm.setups++
	return nil
}

func (dm *fakeData) TrainLoader() gan.BatchLoader { return dm.train }
func (dm *fakeData) ValLoader() gan.BatchLoader   { return dm.val }
func (dm *fakeData) TestLoader() gan.BatchLoader  { return dm.test }

func newFakeData(batchSize int) *fakeData {
	return &fakeData{
		train: &fakeLoader{batches: 3, batchSize: batchSize, seed: 1},
		val:   &fakeLoader{batches: 2, batchSize: batchSize, seed: 2},
		test:  &fakeLoader{batches: 2, batchSize: batchSize, seed: 3},
	}
}

type stepCall struct {
	batchIdx     int
	optimizerIdx int
}

type fakeModule struct {
	calls     []stepCall
	epochEnds []int
	// onStep is called after every training step when set
	onStep func(call int)
	failAt int
}

func (m *fakeModule) ConfigureOptimizers() []*gan.Optimizer {
	return []*gan.Optimizer{
		gan.NewOptimizer("first", gorgonia.NewVanillaSolver(), nil),
		gan.NewOptimizer("second", gorgonia.NewVanillaSolver(), nil),
	}
}

func (m *fakeModule) TrainingStep(batch gan.Batch, batchIdx, optimizerIdx int) (gan.StepOutput, error) {
	m.calls = append(m.calls, stepCall{batchIdx: batchIdx, optimizerIdx: optimizerIdx})
	if m.failAt > 0 && len(m.calls) == m.failAt {
		return gan.StepOutput{}, fmt.Errorf("step failed")
	}
	if m.onStep != nil {
		m.onStep(len(m.calls))
	}
	if optimizerIdx == 0 {
		return gan.StepOutput{Loss: 1, Log: map[string]float64{"g_loss": 1}}, nil
	}
	return gan.StepOutput{Loss: 2, Log: map[string]float64{"d_loss": 2}}, nil
}

func (m *fakeModule) TestStep(batch gan.Batch, batchIdx int) (map[string]float64, error) {
	return map[string]float64{"g_loss": float64(batchIdx)}, nil
}

func (m *fakeModule) OnEpochEnd(epoch int) error {
	m.epochEnds = append(m.epochEnds, epoch)
	return nil
}

func (m *fakeModule) SaveCheckpoint(w io.Writer, epoch, globalStep int) error {
	return gob.NewEncoder(w).Encode(gan.Checkpoint{Epoch: epoch, GlobalStep: globalStep})
}

func (m *fakeModule) LoadCheckpoint(r io.Reader) (gan.Checkpoint, error) {
	var ckpt gan.Checkpoint
	err := gob.NewDecoder(r).Decode(&ckpt)
	return ckpt, err
}

func newTestTrainer(t *testing.T, cfg *config.Config) (*Trainer, *Logger) {
	t.Helper()
	logger, err := NewLogger(t.TempDir(), cfg.Name)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { logger.Close() })
	return New(cfg, logger), logger
}

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Epochs = 2
	cfg.BatchSize = 2
	cfg.ProgressBarRefreshRate = 1
	return cfg
}

func TestFitRunsOptimizersInOrder(t *testing.T) {
	cfg := testConfig()
	tr, logger := newTestTrainer(t, cfg)
	module := &fakeModule{}
	dm := newFakeData(2)

	if err := tr.Fit(context.Background(), module, dm); err != nil {
		t.Fatal(err)
	}
	if len(module.calls) != 2*3*2 {
		t.Fatalf("expected 12 training steps, got %d", len(module.calls))
	}
	for i, call := range module.calls {
		if call.optimizerIdx != i%2 || call.batchIdx != (i/2)%3 {
			t.Errorf("call #%d: unexpected %+v", i, call)
		}
	}
	if tr.GlobalStep() != 6 {
		t.Errorf("expected global step 6, got %d", tr.GlobalStep())
	}
	if len(module.epochEnds) != 2 || module.epochEnds[0] != 0 || module.epochEnds[1] != 1 {
		t.Errorf("unexpected epoch end calls %v", module.epochEnds)
	}
	if dm.setups != 1 {
		t.Errorf("data must be set up once, got %d", dm.setups)
	}

	last := filepath.Join(logger.CheckpointDir(), "epoch=1-step=6.ckpt")
	if tr.LastCheckpoint() != last {
		t.Errorf("expected last checkpoint %s, got %s", last, tr.LastCheckpoint())
	}
	entries, err := os.ReadDir(logger.CheckpointDir())
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) != 1 || entries[0].Name() != "epoch=1-step=6.ckpt" {
		t.Errorf("only the latest checkpoint must be kept, got %v", entries)
	}

	if err := logger.Flush(); err != nil {
		t.Fatal(err)
	}
	metrics, err := os.ReadFile(filepath.Join(logger.Dir, metricsFile))
	if err != nil {
		t.Fatal(err)
	}
	for _, row := range []string{"0,0,g_loss,1", "0,0,d_loss,2", "3,0,val_g_loss,0.5", "6,1,val_g_loss,0.5"} {
		if !strings.Contains(string(metrics), row) {
			t.Errorf("metrics must contain row '%s':\n%s", row, metrics)
		}
	}
}

func TestFitResumes(t *testing.T) {
	cfg := testConfig()
	ckptFile := filepath.Join(t.TempDir(), "resume.ckpt")
	f, err := os.Create(ckptFile)
	if err != nil {
		t.Fatal(err)
	}
	if err := (&fakeModule{}).SaveCheckpoint(f, 0, 3); err != nil {
		t.Fatal(err)
	}
	f.Close()
	cfg.ResumeFromCheckpoint = ckptFile

	tr, _ := newTestTrainer(t, cfg)
	module := &fakeModule{}
	if err := tr.Fit(context.Background(), module, newFakeData(2)); err != nil {
		t.Fatal(err)
	}
	if len(module.calls) != 3*2 {
		t.Errorf("only the last epoch must be trained, got %d steps", len(module.calls))
	}
	if tr.GlobalStep() != 6 {
		t.Errorf("expected global step 6, got %d", tr.GlobalStep())
	}
	if len(module.epochEnds) != 1 || module.epochEnds[0] != 1 {
		t.Errorf("unexpected epoch end calls %v", module.epochEnds)
	}
}

func TestFitInterrupted(t *testing.T) {
	cfg := testConfig()
	tr, logger := newTestTrainer(t, cfg)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	module := &fakeModule{onStep: func(call int) {
		if call == 3 {
			cancel()
		}
	}}

	err := tr.Fit(ctx, module, newFakeData(2))
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected cancellation error, got %v", err)
	}
	if len(module.epochEnds) != 0 {
		t.Errorf("interrupted epoch must not be finished, got %v", module.epochEnds)
	}
	f, err := os.Open(filepath.Join(logger.CheckpointDir(), "last.ckpt"))
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()
	ckpt, err := module.LoadCheckpoint(f)
	if err != nil {
		t.Fatal(err)
	}
	if ckpt.Epoch != -1 || ckpt.GlobalStep != tr.GlobalStep() {
		t.Errorf("unexpected interruption checkpoint %+v", ckpt)
	}
}

func TestFitStepError(t *testing.T) {
	tr, _ := newTestTrainer(t, testConfig())
	module := &fakeModule{failAt: 4}
	if err := tr.Fit(context.Background(), module, newFakeData(2)); err == nil {
		t.Fatal("expected error from failing step")
	}
	if len(module.epochEnds) != 0 {
		t.Errorf("failed epoch must not be finished, got %v", module.epochEnds)
	}
}

func TestFitSkipsEmptyValidation(t *testing.T) {
	tr, logger := newTestTrainer(t, testConfig())
	dm := newFakeData(2)
	dm.val = &fakeLoader{batches: 0, batchSize: 2, seed: 2}
	module := &fakeModule{}
	if err := tr.Fit(context.Background(), module, dm); err != nil {
		t.Fatal(err)
	}
	if len(module.epochEnds) != 2 {
		t.Errorf("every epoch must be finished, got %v", module.epochEnds)
	}
	if err := logger.Flush(); err != nil {
		t.Fatal(err)
	}
	metrics, err := os.ReadFile(filepath.Join(logger.Dir, metricsFile))
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(metrics), "val_") {
		t.Errorf("no validation metrics expected:\n%s", metrics)
	}

	dm.test = &fakeLoader{batches: 0, batchSize: 2, seed: 3}
	if _, err := tr.Test(context.Background(), module, dm); err == nil {
		t.Error("expected error for empty test loader")
	}
}

func TestTestAveragesMetrics(t *testing.T) {
	tr, _ := newTestTrainer(t, testConfig())
	dm := newFakeData(2)
	metrics, err := tr.Test(context.Background(), &fakeModule{}, dm)
	if err != nil {
		t.Fatal(err)
	}
	if len(metrics) != 1 || metrics["test_g_loss"] != 0.5 {
		t.Errorf("unexpected test metrics %v", metrics)
	}
	if _, err := tr.Test(context.Background(), &fakeModule{}, dm); err != nil {
		t.Fatal(err)
	}
	if dm.setups != 1 {
		t.Errorf("data must be set up once, got %d", dm.setups)
	}
}

func TestFitGAN(t *testing.T) {
	cfg := testConfig()
	cfg.Epochs = 1
	cfg.LatentDim = 8
	tr, logger := newTestTrainer(t, cfg)
	model, err := gan.NewGAN(gan.Options{
		LatentDim:    cfg.LatentDim,
		BatchSize:    cfg.BatchSize,
		LearningRate: cfg.LearningRate,
		Beta1:        cfg.Beta1,
		Beta2:        cfg.Beta2,
		Dropout:      cfg.Dropout,
		Loss:         cfg.AdversarialLoss,
		NumPreview:   cfg.NumPreview,
		Seed:         cfg.Seed,
		SamplesDir:   logger.SamplesDir(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer model.Close()

	dm := newFakeData(cfg.BatchSize)
	if err := tr.Fit(context.Background(), model, dm); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(logger.SamplesDir(), "epoch_000.png")); err != nil {
		t.Errorf("epoch preview was not saved: %v", err)
	}
	if _, err := os.Stat(tr.LastCheckpoint()); err != nil {
		t.Errorf("checkpoint was not saved: %v", err)
	}
	metrics, err := tr.Test(context.Background(), model, dm)
	if err != nil {
		t.Fatal(err)
	}
	for _, name := range []string{"test_g_loss", "test_d_loss", "test_d_real", "test_d_fake"} {
		if _, ok := metrics[name]; !ok {
			t.Errorf("missing '%s' in %v", name, metrics)
		}
	}
}
