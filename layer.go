package gan_mnist

import (
	"fmt"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Layer Weight+Bias+ActivationFunction combo plus parameters for non-linear layer types
//
// ReshapeDims - per-sample shape. Batch dimension is prepended during feedforward
// Scale - upsampling factor for LayerUpsample
// Probability - drop probability for LayerDropout
//
type Layer struct {
	WeightNode *gorgonia.Node
	BiasNode   *gorgonia.Node
	Activation ActivationFunc
	Type       LayerType

	KernelHeight int
	KernelWidth  int
	Padding      []int
	Stride       []int
	Dilation     []int
	ReshapeDims  []int
	Scale        int
	Probability  float64
}

type LayerType uint16

const (
	LayerLinear = LayerType(iota)
	LayerFlatten
	LayerConvolutional
	LayerMaxpool
	LayerReshape
	LayerUpsample
	LayerDropout
)

func (lt LayerType) String() string {
	switch lt {
	case LayerLinear:
		return "linear"
	case LayerFlatten:
		return "flatten"
	case LayerConvolutional:
		return "conv2d"
	case LayerMaxpool:
		return "maxpool2d"
	case LayerReshape:
		return "reshape"
	case LayerUpsample:
		return "upsample2d"
	case LayerDropout:
		return "dropout"
	default:
		return fmt.Sprintf("layer_type_%d", uint16(lt))
	}
}

var (
	allowedNoWeights = []LayerType{LayerMaxpool, LayerFlatten, LayerReshape, LayerUpsample, LayerDropout}
)

func noWeightsAllowed(checkType LayerType) bool {
	return checkLayerType(checkType, allowedNoWeights...)
}

func checkLayerType(checkType LayerType, t ...LayerType) bool {
	for _, typeOf := range t {
		if checkType == typeOf {
			return true
		}
	}
	return false
}

// Fwd Feedforward input through layer. Activation is not applied here
//
// batchSize - batch size. If it's >= 2 then broadcast function will be applied for bias
// input - Input node
//
func (l *Layer) Fwd(batchSize int, input *gorgonia.Node) (*gorgonia.Node, error) {
	if l.WeightNode == nil && !noWeightsAllowed(l.Type) {
		return nil, fmt.Errorf("WeightNode is nil for layer of type '%s'", l.Type)
	}
	var out *gorgonia.Node
	var err error
	switch l.Type {
	case LayerLinear:
		tOp, err := gorgonia.Transpose(l.WeightNode)
		if err != nil {
			return nil, errors.Wrap(err, "Can't transpose weights")
		}
		out, err = gorgonia.Mul(input, tOp)
		if err != nil {
			return nil, errors.Wrap(err, "Can't multiply input and weights")
		}
	case LayerConvolutional:
		out, err = gorgonia.Conv2d(input, l.WeightNode, tensor.Shape{l.KernelHeight, l.KernelWidth}, l.Padding, l.Stride, l.Dilation)
		if err != nil {
			return nil, errors.Wrap(err, "Can't convolve[2D] input by kernel")
		}
	case LayerMaxpool:
		out, err = gorgonia.MaxPool2D(input, tensor.Shape{l.KernelHeight, l.KernelWidth}, l.Padding, l.Stride)
		if err != nil {
			return nil, errors.Wrap(err, "Can't maxpool[2D] input by kernel")
		}
	case LayerFlatten:
		out, err = gorgonia.Reshape(input, tensor.Shape{batchSize, input.Shape().TotalSize() / batchSize})
		if err != nil {
			return nil, errors.Wrap(err, "Can't flatten input")
		}
	case LayerReshape:
		shp := append(tensor.Shape{batchSize}, l.ReshapeDims...)
		out, err = gorgonia.Reshape(input, shp)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't reshape input to %v", shp)
		}
	case LayerUpsample:
		out, err = gorgonia.Upsample2D(input, l.Scale)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't upsample[2D] input with scale %d", l.Scale)
		}
	case LayerDropout:
		if l.Probability <= 0 {
			return input, nil
		}
		out, err = gorgonia.Dropout(input, l.Probability)
		if err != nil {
			return nil, errors.Wrapf(err, "Can't apply dropout with probability %f", l.Probability)
		}
	default:
		return nil, fmt.Errorf("Layer type '%d' (uint16) is not handled", l.Type)
	}

	if l.BiasNode == nil {
		return out, nil
	}
	if batchSize < 2 {
		out, err = gorgonia.Add(out, l.BiasNode)
		if err != nil {
			return nil, errors.Wrap(err, "Can't add bias to non-activated output")
		}
		return out, nil
	}
	out, err = gorgonia.BroadcastAdd(out, l.BiasNode, nil, []byte{0})
	if err != nil {
		return nil, errors.Wrapf(err, "Can't add [in broadcast term with batch_size = %d] bias to non-activated output", batchSize)
	}
	return out, nil
}

// cloneOn Copies layer's structure onto another graph.
// New weight and bias nodes are bound to the very same tensors as the source ones,
// so updates made by solver of source graph are visible through the copy
func (l *Layer) cloneOn(g *gorgonia.ExprGraph, suffix string) *Layer {
	copied := &Layer{
		Activation:   l.Activation,
		Type:         l.Type,
		KernelHeight: l.KernelHeight,
		KernelWidth:  l.KernelWidth,
		Padding:      l.Padding,
		Stride:       l.Stride,
		Dilation:     l.Dilation,
		ReshapeDims:  l.ReshapeDims,
		Scale:        l.Scale,
		Probability:  l.Probability,
	}
	if l.WeightNode != nil {
		copied.WeightNode = gorgonia.NewTensor(g, l.WeightNode.Dtype(), l.WeightNode.Dims(), gorgonia.WithShape(l.WeightNode.Shape()...), gorgonia.WithName(l.WeightNode.Name()+suffix), gorgonia.WithValue(l.WeightNode.Value()))
	}
	if l.BiasNode != nil {
		copied.BiasNode = gorgonia.NewTensor(g, l.BiasNode.Dtype(), l.BiasNode.Dims(), gorgonia.WithShape(l.BiasNode.Shape()...), gorgonia.WithName(l.BiasNode.Name()+suffix), gorgonia.WithValue(l.BiasNode.Value()))
	}
	return copied
}
