package gan_mnist

import (
	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

// DiscriminatorNet Abstraction for discriminator part of GAN. It's simple neural network actually.
type DiscriminatorNet struct {
	private *Network
}

// Discriminator Constructor for DiscriminatorNet
func Discriminator(Layers ...*Layer) *DiscriminatorNet {
	return &DiscriminatorNet{private: &Network{
		Name:   "discriminator",
		Layers: Layers,
	}}
}

// Out Returns reference to output node
func (net *DiscriminatorNet) Out() *gorgonia.Node {
	return net.private.out
}

// Learnables Returns learnables nodes
func (net *DiscriminatorNet) Learnables() gorgonia.Nodes {
	return net.private.Learnables()
}

// Fwd Initializates feedforward for provided input
//
// input - Input node
// batchSize - batch size. If it's >= 2 then broadcast function will be applied
//
func (net *DiscriminatorNet) Fwd(input *gorgonia.Node, batchSize int) error {
	if err := net.private.Fwd(input, batchSize); err != nil {
		return errors.Wrap(err, "[Discriminator]")
	}
	return nil
}

func (net *DiscriminatorNet) cloneOn(g *gorgonia.ExprGraph, name string) *DiscriminatorNet {
	return &DiscriminatorNet{private: net.private.cloneOn(g, name)}
}

// evalCloneOn Same as cloneOn, but dropout layers of the copy pass input through
func (net *DiscriminatorNet) evalCloneOn(g *gorgonia.ExprGraph, name string) *DiscriminatorNet {
	copied := net.cloneOn(g, name)
	for _, l := range copied.private.Layers {
		if l != nil && l.Type == LayerDropout {
			l.Probability = 0
		}
	}
	return copied
}

// DefineDiscriminator Builds discriminator for MNIST digits on provided graph.
//
// image (B, 1, 28, 28) -> conv 5x5 (B, 10, 24, 24) -> maxpool 2x2 -> relu -> conv 5x5 (B, 20, 8, 8) -> dropout ->
// maxpool 2x2 -> relu -> flatten (B, 320) -> linear (B, 50) -> relu -> dropout -> linear (B, 1) -> sigmoid
//
// dropout - drop probability. Zero disables dropout layers
//
func DefineDiscriminator(g *gorgonia.ExprGraph, dropout float64) *DiscriminatorNet {
	dis_w0 := gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(10, ImageChannels, 5, 5), gorgonia.WithName("discriminator_w0"), gorgonia.WithInit(gorgonia.GlorotN(1.0)))
	dis_w1 := gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(20, 10, 5, 5), gorgonia.WithName("discriminator_w1"), gorgonia.WithInit(gorgonia.GlorotN(1.0)))

	dis_b2 := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, 50), gorgonia.WithName("discriminator_b2"), gorgonia.WithInit(gorgonia.Zeroes()))
	dis_w2 := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(50, 320), gorgonia.WithName("discriminator_w2"), gorgonia.WithInit(gorgonia.GlorotN(1.0)))

	dis_b3 := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, 1), gorgonia.WithName("discriminator_b3"), gorgonia.WithInit(gorgonia.Zeroes()))
	dis_w3 := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, 50), gorgonia.WithName("discriminator_w3"), gorgonia.WithInit(gorgonia.GlorotN(1.0)))

	return Discriminator(
		[]*Layer{
			{
				WeightNode:   dis_w0,
				Type:         LayerConvolutional,
				KernelHeight: 5,
				KernelWidth:  5,
				Padding:      []int{0, 0},
				Stride:       []int{1, 1},
				Dilation:     []int{1, 1},
				Activation:   NoActivation,
			},
			{
				Type:         LayerMaxpool,
				KernelHeight: 2,
				KernelWidth:  2,
				Padding:      []int{0, 0},
				Stride:       []int{2, 2},
				Activation:   Rectify,
			},
			{
				WeightNode:   dis_w1,
				Type:         LayerConvolutional,
				KernelHeight: 5,
				KernelWidth:  5,
				Padding:      []int{0, 0},
				Stride:       []int{1, 1},
				Dilation:     []int{1, 1},
				Activation:   NoActivation,
			},
			{
				Type:        LayerDropout,
				Probability: dropout,
				Activation:  NoActivation,
			},
			{
				Type:         LayerMaxpool,
				KernelHeight: 2,
				KernelWidth:  2,
				Padding:      []int{0, 0},
				Stride:       []int{2, 2},
				Activation:   Rectify,
			},
			{
				Type:       LayerFlatten,
				Activation: NoActivation,
			},
			{
				WeightNode: dis_w2,
				BiasNode:   dis_b2,
				Type:       LayerLinear,
				Activation: Rectify,
			},
			{
				Type:        LayerDropout,
				Probability: dropout,
				Activation:  NoActivation,
			},
			{
				WeightNode: dis_w3,
				BiasNode:   dis_b3,
				Type:       LayerLinear,
				Activation: Sigmoid,
			},
		}...,
	)
}
