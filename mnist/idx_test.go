package mnist

import (
	"bytes"
	"compress/gzip"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
)

// idxImages Encodes n images rows x cols where pixel of image k is k
func idxImages(n, rows, cols int) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, [4]uint32{imagesMagic, uint32(n), uint32(rows), uint32(cols)})
	for k := 0; k < n; k++ {
		buf.Write(bytes.Repeat([]byte{byte(k)}, rows*cols))
	}
	return buf.Bytes()
}

// idxLabels Encodes n labels where label k is k % 10
func idxLabels(n int) []byte {
	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, [2]uint32{labelsMagic, uint32(n)})
	for k := 0; k < n; k++ {
		buf.WriteByte(byte(k % 10))
	}
	return buf.Bytes()
}

func gzipBytes(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(data); err != nil {
		t.Fatal(err)
	}
	if err := zw.Close(); err != nil {
		t.Fatal(err)
	}
	return buf.Bytes()
}

// writeRawFiles Writes gzipped train and test archives with MNIST names into dir
func writeRawFiles(t *testing.T, dir string, trainSize, testSize int) {
	t.Helper()
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	files := map[string][]byte{
		TrainImagesFile: idxImages(trainSize, 28, 28),
		TrainLabelsFile: idxLabels(trainSize),
		TestImagesFile:  idxImages(testSize, 28, 28),
		TestLabelsFile:  idxLabels(testSize),
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(dir, name), gzipBytes(t, data), 0o644); err != nil {
			t.Fatal(err)
		}
	}
}

func TestReadImages(t *testing.T) {
	pixels, n, rows, cols, err := ReadImages(bytes.NewReader(idxImages(3, 2, 4)))
	if err != nil {
		t.Fatal(err)
	}
	if n != 3 || rows != 2 || cols != 4 {
		t.Fatalf("expected 3 images 2x4, got %d images %dx%d", n, rows, cols)
	}
	if len(pixels) != 3*2*4 {
		t.Fatalf("expected %d pixels, got %d", 3*2*4, len(pixels))
	}
	if pixels[8] != 1.0/255.0 || pixels[23] != 2.0/255.0 {
		t.Errorf("pixels are not scaled: %v", pixels)
	}
}

func TestReadImagesErrors(t *testing.T) {
	if _, _, _, _, err := ReadImages(bytes.NewReader(idxLabels(3))); err == nil {
		t.Error("expected error for wrong magic number")
	}
	data := idxImages(3, 2, 2)
	if _, _, _, _, err := ReadImages(bytes.NewReader(data[:len(data)-1])); err == nil {
		t.Error("expected error for truncated data")
	}
}

func TestReadLabels(t *testing.T) {
	labels, err := ReadLabels(bytes.NewReader(idxLabels(12)))
	if err != nil {
		t.Fatal(err)
	}
	if len(labels) != 12 || labels[11] != 1 {
		t.Errorf("unexpected labels %v", labels)
	}
	if _, err := ReadLabels(bytes.NewReader(idxImages(1, 1, 1))); err == nil {
		t.Error("expected error for wrong magic number")
	}
}

func TestLoadDataset(t *testing.T) {
	dir := t.TempDir()
	writeRawFiles(t, dir, 7, 3)
	ds, err := LoadDataset(filepath.Join(dir, TrainImagesFile), filepath.Join(dir, TrainLabelsFile))
	if err != nil {
		t.Fatal(err)
	}
	if ds.Len != 7 || ds.Rows != 28 || ds.Cols != 28 {
		t.Errorf("unexpected dataset dimensions: %d %dx%d", ds.Len, ds.Rows, ds.Cols)
	}

	// Plain (not gzipped) files are accepted too
	if err := os.WriteFile(filepath.Join(dir, "images"), idxImages(2, 28, 28), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(dir, "labels"), idxLabels(3), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadDataset(filepath.Join(dir, "images"), filepath.Join(dir, "labels")); err == nil {
		t.Error("expected error for images and labels count mismatch")
	}
	if _, err := LoadDataset(filepath.Join(dir, "missing"), filepath.Join(dir, "labels")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestSubset(t *testing.T) {
	ds := &Dataset{
		Images: []float64{0, 0, 1, 1, 2, 2},
		Labels: []float64{0, 1, 2},
		Len:    3,
		Rows:   1,
		Cols:   2,
	}
	sub := ds.Subset([]int{2, 0})
	if sub.Len != 2 || sub.Labels[0] != 2 || sub.Labels[1] != 0 {
		t.Errorf("unexpected subset labels %v", sub.Labels)
	}
	if sub.Images[0] != 2 || sub.Images[3] != 0 {
		t.Errorf("unexpected subset images %v", sub.Images)
	}
}

func TestReadOversizedHeaders(t *testing.T) {
	headers := [][4]uint32{
		{imagesMagic, 1 << 21, 1 << 21, 1 << 21},
		{imagesMagic, 1, 1 << 13, 28},
		{imagesMagic, 1 << 24, 1 << 12, 1 << 12},
		{imagesMagic, 0xFFFFFFFF, 28, 28},
	}
	for _, header := range headers {
		var buf bytes.Buffer
		binary.Write(&buf, binary.BigEndian, header)
		if _, _, _, _, err := ReadImages(&buf); err == nil {
			t.Errorf("header %v: expected error", header)
		}
	}

	var buf bytes.Buffer
	binary.Write(&buf, binary.BigEndian, [2]uint32{labelsMagic, 0xFFFFFFFF})
	if _, err := ReadLabels(&buf); err == nil {
		t.Error("expected error for labels count beyond limit")
	}
}
