package mnist

import (
	"bufio"
	"compress/gzip"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/pkg/errors"
)

const (
	imagesMagic = 0x00000803
	labelsMagic = 0x00000801

	maxSamples   = 1 << 24
	maxImageSide = 1 << 12
	maxPixels    = 1 << 28
)

// ReadImages Parses IDX3 images stream. Pixels are scaled to [0;1].
// Returns flat values (n*rows*cols) and dimensions
func ReadImages(r io.Reader) ([]float64, int, int, int, error) {
	var header [4]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, 0, 0, 0, errors.Wrap(err, "Can't read IDX3 header")
	}
	if header[0] != imagesMagic {
		return nil, 0, 0, 0, fmt.Errorf("Bad IDX3 magic number %#08x, expected %#08x", header[0], imagesMagic)
	}
	if header[1] > maxSamples || header[2] > maxImageSide || header[3] > maxImageSide {
		return nil, 0, 0, 0, fmt.Errorf("IDX3 header %d images %dx%d exceeds limits (%d images, side %d)", header[1], header[2], header[3], maxSamples, maxImageSide)
	}
	if uint64(header[1])*uint64(header[2])*uint64(header[3]) > maxPixels {
		return nil, 0, 0, 0, fmt.Errorf("IDX3 header %d images %dx%d exceeds %d pixels", header[1], header[2], header[3], maxPixels)
	}
	n, rows, cols := int(header[1]), int(header[2]), int(header[3])
	raw := make([]byte, n*rows*cols)
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, 0, 0, 0, errors.Wrapf(err, "Can't read %d images %dx%d", n, rows, cols)
	}
	pixels := make([]float64, len(raw))
	for i, b := range raw {
		pixels[i] = float64(b) / 255.0
	}
	return pixels, n, rows, cols, nil
}

// ReadLabels Parses IDX1 labels stream
func ReadLabels(r io.Reader) ([]float64, error) {
	var header [2]uint32
	if err := binary.Read(r, binary.BigEndian, &header); err != nil {
		return nil, errors.Wrap(err, "Can't read IDX1 header")
	}
	if header[0] != labelsMagic {
		return nil, fmt.Errorf("Bad IDX1 magic number %#08x, expected %#08x", header[0], labelsMagic)
	}
	if header[1] > maxSamples {
		return nil, fmt.Errorf("IDX1 header %d labels exceeds limit %d", header[1], maxSamples)
	}
	raw := make([]byte, int(header[1]))
	if _, err := io.ReadFull(r, raw); err != nil {
		return nil, errors.Wrapf(err, "Can't read %d labels", len(raw))
	}
	labels := make([]float64, len(raw))
	for i, b := range raw {
		labels[i] = float64(b)
	}
	return labels, nil
}

// openIDX Opens IDX file. Files with '.gz' suffix are decompressed on the fly
func openIDX(fname string) (io.Reader, func() error, error) {
	f, err := os.Open(fname)
	if err != nil {
		return nil, nil, errors.Wrapf(err, "Can't open '%s'", fname)
	}
	if !strings.HasSuffix(fname, ".gz") {
		return bufio.NewReader(f), f.Close, nil
	}
	gz, err := gzip.NewReader(bufio.NewReader(f))
	if err != nil {
		f.Close()
		return nil, nil, errors.Wrapf(err, "Can't init gzip reader for '%s'", fname)
	}
	return gz, func() error {
		gz.Close()
		return f.Close()
	}, nil
}
