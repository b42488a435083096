package gan_mnist

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Checkpoint Serializable state of GAN training
//
// Epoch - last completed epoch
// GlobalStep - number of optimizer steps done so far
// Weights - flat values of every learnable keyed by node name
// Shapes - shapes of every learnable keyed by node name
//
type Checkpoint struct {
	Epoch      int
	GlobalStep int
	LatentDim  int
	Weights    map[string][]float64
	Shapes     map[string][]int
}

func (net *GAN) learnables() gorgonia.Nodes {
	return append(net.generator.Learnables(), net.discriminator.Learnables()...)
}

// SaveCheckpoint Writes gob-encoded state of both Generator and Discriminator
func (net *GAN) SaveCheckpoint(w io.Writer, epoch, globalStep int) error {
	ckpt := Checkpoint{
		Epoch:      epoch,
		GlobalStep: globalStep,
		LatentDim:  net.options.LatentDim,
		Weights:    make(map[string][]float64),
		Shapes:     make(map[string][]int),
	}
	for _, n := range net.learnables() {
		dense, ok := n.Value().(*tensor.Dense)
		if !ok {
			return fmt.Errorf("Learnable '%s' holds %T instead of *tensor.Dense", n.Name(), n.Value())
		}
		data, ok := dense.Data().([]float64)
		if !ok {
			return fmt.Errorf("Learnable '%s' must be float64 tensor, but got %v", n.Name(), dense.Dtype())
		}
		ckpt.Weights[n.Name()] = append([]float64(nil), data...)
		ckpt.Shapes[n.Name()] = append([]int(nil), dense.Shape()...)
	}
	if err := gob.NewEncoder(w).Encode(ckpt); err != nil {
		return errors.Wrap(err, "Can't encode checkpoint")
	}
	return nil
}

// LoadCheckpoint Reads gob-encoded state and copies it into existing learnables in place
func (net *GAN) LoadCheckpoint(r io.Reader) (Checkpoint, error) {
	var ckpt Checkpoint
	if err := gob.NewDecoder(r).Decode(&ckpt); err != nil {
		return Checkpoint{}, errors.Wrap(err, "Can't decode checkpoint")
	}
	if ckpt.LatentDim != net.options.LatentDim {
		return Checkpoint{}, fmt.Errorf("Checkpoint was made for latent dimension %d, but GAN has %d", ckpt.LatentDim, net.options.LatentDim)
	}
	for _, n := range net.learnables() {
		weights, ok := ckpt.Weights[n.Name()]
		if !ok {
			return Checkpoint{}, fmt.Errorf("Checkpoint has no values for '%s'", n.Name())
		}
		if !tensor.Shape(ckpt.Shapes[n.Name()]).Eq(n.Shape()) {
			return Checkpoint{}, fmt.Errorf("Checkpoint has shape %v for '%s', but node has %v", ckpt.Shapes[n.Name()], n.Name(), n.Shape())
		}
		dense, ok := n.Value().(*tensor.Dense)
		if !ok {
			return Checkpoint{}, fmt.Errorf("Learnable '%s' holds %T instead of *tensor.Dense", n.Name(), n.Value())
		}
		data, ok := dense.Data().([]float64)
		if !ok || len(data) != len(weights) {
			return Checkpoint{}, fmt.Errorf("Can't copy %d values into '%s'", len(weights), n.Name())
		}
		copy(data, weights)
	}
	return ckpt, nil
}
