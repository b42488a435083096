package gan_mnist

import (
	"context"
	"fmt"

	"gorgonia.org/tensor"
)

// Batch Pair of images and labels produced by data module for single iteration.
//
// Images - (B, 1, 28, 28) pixels scaled to [0;1]
// Labels - (B, 1) digit classes. GAN does not use them
//
type Batch struct {
	Images *tensor.Dense
	Labels *tensor.Dense
}

// BatchLoader Source of batches for one pass over dataset
type BatchLoader interface {
	// Len Returns number of batches in one pass
	Len() int
	// Batches Starts new pass. Channel is closed after the last batch or when ctx is done
	Batches(ctx context.Context) <-chan Batch
}

// Size Returns number of samples in batch
func (b Batch) Size() int {
	if b.Images == nil {
		return 0
	}
	return b.Images.Shape()[0]
}

func (b Batch) check(batchSize int) error {
	if b.Images == nil {
		return fmt.Errorf("Batch has no images")
	}
	if !b.Images.Shape().Eq(ImageShape(batchSize)) {
		return fmt.Errorf("Batch images must have shape %v, but got %v", ImageShape(batchSize), b.Images.Shape())
	}
	return nil
}
