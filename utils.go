package gan_mnist

import (
	"fmt"
	"image"
	"image/color"
	"os"
	"path/filepath"
	"sort"

	"github.com/pkg/errors"
	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
	"gonum.org/v1/plot/vg/draw"
	"gonum.org/v1/plot/vg/vgimg"
	"gorgonia.org/tensor"
)

// NoiseSampler Source of latent space samples. Values are drawn from standard normal distribution
type NoiseSampler struct {
	dist distuv.Normal
}

// NewNoiseSampler Returns sampler seeded with provided value
func NewNoiseSampler(seed uint64) *NoiseSampler {
	return &NoiseSampler{
		dist: distuv.Normal{Mu: 0, Sigma: 1, Src: rand.NewSource(seed)},
	}
}

// NormRandDense Return reference to tensor.Dense filled with normally distributed float64 values
//
// batchSize - Simply batch size
// n - Number of elements in each batch
// Resulting dense will have batchSize*n elements
//
func (s *NoiseSampler) NormRandDense(batchSize, n int) *tensor.Dense {
	data := make([]float64, batchSize*n)
	for i := range data {
		data[i] = s.dist.Rand()
	}
	return tensor.New(tensor.WithShape(batchSize, n), tensor.WithBacking(data))
}

// GrayImage Converts single-channel values in [0;1] into image using reversed gray colormap: 1 is black, 0 is white
func GrayImage(values []float64, height, width int) (*image.Gray, error) {
	if len(values) != height*width {
		return nil, fmt.Errorf("Image %dx%d needs %d values, but got %d", height, width, height*width, len(values))
	}
	img := image.NewGray(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			v := values[y*width+x]
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			img.SetGray(x, y, color.Gray{Y: uint8((1 - v) * 255)})
		}
	}
	return img, nil
}

// SaveImageGrid Renders batch of single-channel images (N, 1, H, W) as grid with rows*cols cells and saves it as PNG
func SaveImageGrid(images *tensor.Dense, rows, cols int, title, fname string) error {
	shp := images.Shape()
	if len(shp) != 4 || shp[1] != 1 {
		return fmt.Errorf("Images must have shape (N, 1, H, W), but got %v", shp)
	}
	if shp[0] > rows*cols {
		return fmt.Errorf("Grid %dx%d can't hold %d images", rows, cols, shp[0])
	}
	height, width := shp[2], shp[3]
	data, ok := images.Materialize().Data().([]float64)
	if !ok {
		return fmt.Errorf("Images must be float64 tensor, but got %v", images.Dtype())
	}

	plots := make([][]*plot.Plot, rows)
	for j := range plots {
		plots[j] = make([]*plot.Plot, cols)
		for i := range plots[j] {
			idx := j*cols + i
			if idx >= shp[0] {
				continue
			}
			img, err := GrayImage(data[idx*height*width:(idx+1)*height*width], height, width)
			if err != nil {
				return errors.Wrapf(err, "Can't prepare image #%d", idx)
			}
			p := plot.New()
			p.Title.Text = title
			p.HideAxes()
			p.Add(plotter.NewImage(img, 0, 0, float64(width), float64(height)))
			plots[j][i] = p
		}
	}

	canvas := vgimg.New(vg.Length(cols)*2*vg.Inch, vg.Length(rows)*2*vg.Inch)
	dc := draw.New(canvas)
	tiles := draw.Tiles{
		Rows: rows,
		Cols: cols,
		PadX: vg.Millimeter,
		PadY: vg.Millimeter,
	}
	canvases := plot.Align(plots, tiles, dc)
	for j := range plots {
		for i := range plots[j] {
			if plots[j][i] != nil {
				plots[j][i].Draw(canvases[j][i])
			}
		}
	}
	return savePNG(canvas, fname)
}

// PlotSeries Plot line chart for every named series y(x) and save it as PNG
func PlotSeries(series map[string]plotter.XYs, xLabel, yLabel, fname string) error {
	names := make([]string, 0, len(series))
	for name := range series {
		names = append(names, name)
	}
	sort.Strings(names)

	p := plot.New()
	p.X.Label.Text = xLabel
	p.Y.Label.Text = yLabel
	p.Add(plotter.NewGrid())
	for i, name := range names {
		if len(series[name]) == 0 {
			continue
		}
		line, err := plotter.NewLine(series[name])
		if err != nil {
			return errors.Wrapf(err, "Can't init line for '%s'", name)
		}
		line.Color = plotutil.Color(i)
		p.Add(line)
		p.Legend.Add(name, line)
	}
	if err := p.Save(6*vg.Inch, 4*vg.Inch, fname); err != nil {
		return errors.Wrap(err, "Can't save plot")
	}
	return nil
}

func savePNG(canvas *vgimg.Canvas, fname string) error {
	if err := os.MkdirAll(filepath.Dir(fname), 0o755); err != nil {
		return errors.Wrapf(err, "Can't create directory for '%s'", fname)
	}
	f, err := os.Create(fname)
	if err != nil {
		return errors.Wrapf(err, "Can't create file '%s'", fname)
	}
	defer f.Close()
	png := vgimg.PngCanvas{Canvas: canvas}
	if _, err := png.WriteTo(f); err != nil {
		return errors.Wrapf(err, "Can't write PNG to '%s'", fname)
	}
	return f.Close()
}
