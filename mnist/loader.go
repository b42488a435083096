package mnist

import (
	"context"
	"sync"

	gan "github.com/LdDl/gan-mnist"
	"golang.org/x/exp/rand"
	"gorgonia.org/tensor"
)

// Loader Iterates over dataset in batches of fixed size. Trailing partial batch is dropped
// since graphs are built for exact batch size.
type Loader struct {
	dataset   *Dataset
	batchSize int
	shuffle   bool
	workers   int
	rng       *rand.Rand
}

// NewLoader Returns loader. Shuffled loaders produce new order on every pass.
// workers - number of goroutines assembling batches ahead. Zero means batches are assembled one by one
func NewLoader(dataset *Dataset, batchSize int, shuffle bool, workers int, seed uint64) *Loader {
	return &Loader{
		dataset:   dataset,
		batchSize: batchSize,
		shuffle:   shuffle,
		workers:   workers,
		rng:       rand.New(rand.NewSource(seed)),
	}
}

// Len Returns number of batches in one pass
func (l *Loader) Len() int {
	if l.batchSize <= 0 {
		return 0
	}
	return l.dataset.Len / l.batchSize
}

func (l *Loader) order() []int {
	if l.shuffle {
		return l.rng.Perm(l.dataset.Len)
	}
	order := make([]int, l.dataset.Len)
	for i := range order {
		order[i] = i
	}
	return order
}

func (l *Loader) assemble(order []int, k int) gan.Batch {
	sub := l.dataset.Subset(order[k*l.batchSize : (k+1)*l.batchSize])
	return gan.Batch{
		Images: tensor.New(tensor.WithShape(l.batchSize, gan.ImageChannels, sub.Rows, sub.Cols), tensor.WithBacking(sub.Images)),
		Labels: tensor.New(tensor.WithShape(l.batchSize, 1), tensor.WithBacking(sub.Labels)),
	}
}

// Batches Starts one pass over dataset. Batches arrive in order and channel is closed after the last one.
// Caller must either drain the channel or cancel ctx.
func (l *Loader) Batches(ctx context.Context) <-chan gan.Batch {
	order := l.order()
	n := l.Len()
	out := make(chan gan.Batch)

	if l.workers < 1 {
		go func() {
			defer close(out)
			for k := 0; k < n; k++ {
				select {
				case out <- l.assemble(order, k):
				case <-ctx.Done():
					return
				}
			}
		}()
		return out
	}

	slots := make([]chan gan.Batch, n)
	for k := range slots {
		slots[k] = make(chan gan.Batch, 1)
	}
	jobs := make(chan int)
	// At most 'workers' batches are assembled but not yet consumed
	tokens := make(chan struct{}, l.workers)

	var wg sync.WaitGroup
	for w := 0; w < l.workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for k := range jobs {
				slots[k] <- l.assemble(order, k)
			}
		}()
	}

	go func() {
		defer close(jobs)
		for k := 0; k < n; k++ {
			select {
			case tokens <- struct{}{}:
			case <-ctx.Done():
				return
			}
			select {
			case jobs <- k:
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		defer close(out)
		defer wg.Wait()
		for k := 0; k < n; k++ {
			var batch gan.Batch
			select {
			case batch = <-slots[k]:
			case <-ctx.Done():
				return
			}
			<-tokens
			select {
			case out <- batch:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}
