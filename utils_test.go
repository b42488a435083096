package gan_mnist

import (
	"os"
	"path/filepath"
	"testing"

	"gorgonia.org/tensor"
)

func TestGrayImage(t *testing.T) {
	img, err := GrayImage([]float64{0, 1, 0.5, 2}, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	if got := img.GrayAt(0, 0).Y; got != 255 {
		t.Errorf("zero must be white, got %d", got)
	}
	if got := img.GrayAt(1, 0).Y; got != 0 {
		t.Errorf("one must be black, got %d", got)
	}
	if got := img.GrayAt(1, 1).Y; got != 0 {
		t.Errorf("values above one must be clipped, got %d", got)
	}
	if _, err := GrayImage([]float64{0, 1, 0}, 2, 2); err == nil {
		t.Error("expected error for wrong number of values")
	}
}

func TestNoiseSamplerSeed(t *testing.T) {
	a := NewNoiseSampler(10).NormRandDense(2, 3)
	b := NewNoiseSampler(10).NormRandDense(2, 3)
	if !a.Shape().Eq(tensor.Shape{2, 3}) {
		t.Errorf("expected shape (2, 3), got %v", a.Shape())
	}
	if !sameValues([][]float64{a.Data().([]float64)}, [][]float64{b.Data().([]float64)}) {
		t.Error("samplers with the same seed must produce the same noise")
	}
}

func TestSaveImageGrid(t *testing.T) {
	images := randomBatch(5, 2).Images
	fname := filepath.Join(t.TempDir(), "grid", "samples.png")
	if err := SaveImageGrid(images, 2, 3, "Generated Data", fname); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(fname); err != nil {
		t.Error(err)
	}
	if err := SaveImageGrid(images, 1, 3, "Generated Data", fname); err == nil {
		t.Error("expected error for grid too small")
	}
	flat := tensor.New(tensor.WithShape(2, 784), tensor.WithBacking(make([]float64, 2*784)))
	if err := SaveImageGrid(flat, 1, 2, "Generated Data", fname); err == nil {
		t.Error("expected error for non-image tensor")
	}
}
