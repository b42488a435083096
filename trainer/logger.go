package trainer

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	gan "github.com/LdDl/gan-mnist"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"gonum.org/v1/plot/plotter"
	"gopkg.in/yaml.v3"
)

const (
	metricsFile   = "metrics.csv"
	hparamsFile   = "hparams.yaml"
	lossesFile    = "losses.png"
	versionPrefix = "version_"
)

// Logger Directory based sink for training scalars: <root>/<name>/version_N/
//
// metrics.csv - step,epoch,metric,value rows
// hparams.yaml - hyperparameters of run
// losses.png - loss curves, written on Close
//
type Logger struct {
	Dir   string
	RunID string

	file   *os.File
	w      *csv.Writer
	series map[string]plotter.XYs
}

// NewLogger Creates next free version directory under root/name
func NewLogger(root, name string) (*Logger, error) {
	base := filepath.Join(root, name)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, errors.Wrapf(err, "Can't create log directory '%s'", base)
	}
	version, err := nextVersion(base)
	if err != nil {
		return nil, err
	}
	dir := filepath.Join(base, fmt.Sprintf("%s%d", versionPrefix, version))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "Can't create version directory '%s'", dir)
	}
	f, err := os.Create(filepath.Join(dir, metricsFile))
	if err != nil {
		return nil, errors.Wrap(err, "Can't create metrics file")
	}
	w := csv.NewWriter(f)
	if err := w.Write([]string{"step", "epoch", "metric", "value"}); err != nil {
		f.Close()
		return nil, errors.Wrap(err, "Can't write metrics header")
	}
	return &Logger{
		Dir:    dir,
		RunID:  uuid.NewString(),
		file:   f,
		w:      w,
		series: make(map[string]plotter.XYs),
	}, nil
}

func nextVersion(base string) (int, error) {
	entries, err := os.ReadDir(base)
	if err != nil {
		return 0, errors.Wrapf(err, "Can't list '%s'", base)
	}
	next := 0
	for _, e := range entries {
		if !e.IsDir() || !strings.HasPrefix(e.Name(), versionPrefix) {
			continue
		}
		v, err := strconv.Atoi(strings.TrimPrefix(e.Name(), versionPrefix))
		if err != nil {
			continue
		}
		if v >= next {
			next = v + 1
		}
	}
	return next, nil
}

// CheckpointDir Returns directory for checkpoints of this run
func (l *Logger) CheckpointDir() string {
	return filepath.Join(l.Dir, "checkpoints")
}

// SamplesDir Returns directory for generated previews of this run
func (l *Logger) SamplesDir() string {
	return filepath.Join(l.Dir, "samples")
}

// LogHyperparams Writes hyperparameters of run as YAML
func (l *Logger) LogHyperparams(hparams interface{}) error {
	data, err := yaml.Marshal(map[string]interface{}{
		"run_id": l.RunID,
		"config": hparams,
	})
	if err != nil {
		return errors.Wrap(err, "Can't encode hyperparameters")
	}
	if err := os.WriteFile(filepath.Join(l.Dir, hparamsFile), data, 0o644); err != nil {
		return errors.Wrap(err, "Can't write hyperparameters")
	}
	return nil
}

// LogMetric Appends single scalar
func (l *Logger) LogMetric(step, epoch int, name string, value float64) error {
	err := l.w.Write([]string{
		strconv.Itoa(step),
		strconv.Itoa(epoch),
		name,
		strconv.FormatFloat(value, 'g', -1, 64),
	})
	if err != nil {
		return errors.Wrapf(err, "Can't log metric '%s'", name)
	}
	if strings.Contains(name, "loss") {
		l.series[name] = append(l.series[name], plotter.XY{X: float64(step), Y: value})
	}
	return nil
}

// LogMetrics Appends every scalar of map
func (l *Logger) LogMetrics(step, epoch int, metrics map[string]float64) error {
	for _, name := range sortedKeys(metrics) {
		if err := l.LogMetric(step, epoch, name, metrics[name]); err != nil {
			return err
		}
	}
	return nil
}

// Flush Writes buffered rows to disk
func (l *Logger) Flush() error {
	l.w.Flush()
	return l.w.Error()
}

// Close Flushes metrics and renders loss curves
func (l *Logger) Close() error {
	if err := l.Flush(); err != nil {
		l.file.Close()
		return errors.Wrap(err, "Can't flush metrics")
	}
	if err := l.file.Close(); err != nil {
		return errors.Wrap(err, "Can't close metrics file")
	}
	if len(l.series) == 0 {
		return nil
	}
	return gan.PlotSeries(l.series, "step", "loss", filepath.Join(l.Dir, lossesFile))
}
