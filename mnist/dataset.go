package mnist

import (
	"fmt"

	"github.com/pkg/errors"
)

// Dataset In-memory digits
//
// Images - flat pixels, Len*Rows*Cols values in [0;1]
// Labels - digit class of every image
//
type Dataset struct {
	Images []float64
	Labels []float64
	Len    int
	Rows   int
	Cols   int
}

// LoadDataset Reads pair of IDX files (optionally gzipped)
func LoadDataset(imagesFile, labelsFile string) (*Dataset, error) {
	imagesReader, closeImages, err := openIDX(imagesFile)
	if err != nil {
		return nil, err
	}
	defer closeImages()
	pixels, n, rows, cols, err := ReadImages(imagesReader)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't parse '%s'", imagesFile)
	}

	labelsReader, closeLabels, err := openIDX(labelsFile)
	if err != nil {
		return nil, err
	}
	defer closeLabels()
	labels, err := ReadLabels(labelsReader)
	if err != nil {
		return nil, errors.Wrapf(err, "Can't parse '%s'", labelsFile)
	}
	if len(labels) != n {
		return nil, fmt.Errorf("'%s' has %d images, but '%s' has %d labels", imagesFile, n, labelsFile, len(labels))
	}
	return &Dataset{
		Images: pixels,
		Labels: labels,
		Len:    n,
		Rows:   rows,
		Cols:   cols,
	}, nil
}

// Subset Returns dataset consisting of samples with provided indices (in the same order)
func (ds *Dataset) Subset(indices []int) *Dataset {
	size := ds.Rows * ds.Cols
	sub := &Dataset{
		Images: make([]float64, 0, len(indices)*size),
		Labels: make([]float64, 0, len(indices)),
		Len:    len(indices),
		Rows:   ds.Rows,
		Cols:   ds.Cols,
	}
	for _, idx := range indices {
		sub.Images = append(sub.Images, ds.Images[idx*size:(idx+1)*size]...)
		sub.Labels = append(sub.Labels, ds.Labels[idx])
	}
	return sub
}
