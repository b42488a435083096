package gan_mnist

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

const (
	// ImageChannels Number of channels in MNIST digit
	ImageChannels = 1
	// ImageHeight Height of MNIST digit
	ImageHeight = 28
	// ImageWidth Width of MNIST digit
	ImageWidth = 28

	generatorBaseChannels = 64
	generatorBaseSize     = ImageHeight / 4
)

// GeneratorNet Abstraction for generator part of GAN. It's simple neural network actually.
type GeneratorNet struct {
	private *Network
}

// Generator Constructor for GeneratorNet
func Generator(Layers ...*Layer) *GeneratorNet {
	return &GeneratorNet{private: &Network{
		Name:   "generator",
		Layers: Layers,
	}}
}

// Out Returns reference to output node
func (net *GeneratorNet) Out() *gorgonia.Node {
	return net.private.out
}

// Learnables Returns learnables nodes
func (net *GeneratorNet) Learnables() gorgonia.Nodes {
	return net.private.Learnables()
}

// Fwd Initializates feedforward for provided input
//
// input - Input node (latent space samples)
// batchSize - batch size. If it's >= 2 then broadcast function will be applied
//
func (net *GeneratorNet) Fwd(input *gorgonia.Node, batchSize int) error {
	if err := net.private.Fwd(input, batchSize); err != nil {
		return errors.Wrap(err, "[Generator]")
	}
	return nil
}

// cloneOn Returns generator sharing weights with current one but living on another graph
func (net *GeneratorNet) cloneOn(g *gorgonia.ExprGraph, name string) *GeneratorNet {
	return &GeneratorNet{private: net.private.cloneOn(g, name)}
}

// DefineGenerator Builds generator for MNIST digits on provided graph.
//
// latent (B, latentDim) -> linear (B, 64*7*7) -> reshape (B, 64, 7, 7) -> upsample x2 -> conv 3x3 (B, 32, 14, 14) ->
// upsample x2 -> conv 3x3 (B, 1, 28, 28) -> sigmoid
//
func DefineGenerator(g *gorgonia.ExprGraph, latentDim int) *GeneratorNet {
	linearOut := generatorBaseChannels * generatorBaseSize * generatorBaseSize

	gen_b0 := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(1, linearOut), gorgonia.WithName("generator_b0"), gorgonia.WithInit(gorgonia.Zeroes()))
	gen_w0 := gorgonia.NewMatrix(g, gorgonia.Float64, gorgonia.WithShape(linearOut, latentDim), gorgonia.WithName("generator_w0"), gorgonia.WithInit(gorgonia.GlorotN(1.0)))

	gen_w1 := gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(generatorBaseChannels/2, generatorBaseChannels, 3, 3), gorgonia.WithName("generator_w1"), gorgonia.WithInit(gorgonia.GlorotN(1.0)))
	gen_w2 := gorgonia.NewTensor(g, gorgonia.Float64, 4, gorgonia.WithShape(ImageChannels, generatorBaseChannels/2, 3, 3), gorgonia.WithName("generator_w2"), gorgonia.WithInit(gorgonia.GlorotN(1.0)))

	return Generator(
		[]*Layer{
			{
				WeightNode: gen_w0,
				BiasNode:   gen_b0,
				Type:       LayerLinear,
				Activation: LeakyReLU(0.2),
			},
			{
				Type:        LayerReshape,
				ReshapeDims: []int{generatorBaseChannels, generatorBaseSize, generatorBaseSize},
			},
			{
				Type:  LayerUpsample,
				Scale: 2,
			},
			{
				WeightNode:   gen_w1,
				Type:         LayerConvolutional,
				KernelHeight: 3,
				KernelWidth:  3,
				Padding:      []int{1, 1},
				Stride:       []int{1, 1},
				Dilation:     []int{1, 1},
				Activation:   LeakyReLU(0.2),
			},
			{
				Type:  LayerUpsample,
				Scale: 2,
			},
			{
				WeightNode:   gen_w2,
				Type:         LayerConvolutional,
				KernelHeight: 3,
				KernelWidth:  3,
				Padding:      []int{1, 1},
				Stride:       []int{1, 1},
				Dilation:     []int{1, 1},
				Activation:   Sigmoid,
			},
		}...,
	)
}

// ImageShape Returns shape of batch of MNIST digits
func ImageShape(batchSize int) tensor.Shape {
	return tensor.Shape{batchSize, ImageChannels, ImageHeight, ImageWidth}
}

func checkLatentDim(latentDim int) error {
	if latentDim <= 0 {
		return fmt.Errorf("latent dimension must be positive, but got %d", latentDim)
	}
	return nil
}
