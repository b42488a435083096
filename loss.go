package gan_mnist

import (
	"fmt"
	"sync/atomic"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
)

type LossReduction uint16

const (
	LossReductionSum = LossReduction(iota)
	LossReductionMean
)

// bceEpsilon keeps log() away from zero when discriminator saturates
const bceEpsilon = 1e-12

// Each loss call creates its own scalar nodes. Names must differ or graph will merge them
var lossNodesCounter uint64

func lossScalar(g *gorgonia.ExprGraph, a *gorgonia.Node, name string, value float64) *gorgonia.Node {
	id := atomic.AddUint64(&lossNodesCounter, 1)
	return gorgonia.NewScalar(g, a.Dtype(), gorgonia.WithValue(value), gorgonia.WithName(fmt.Sprintf("%s_%d", name, id)))
}

func reduce(x *gorgonia.Node, reduction []LossReduction) (*gorgonia.Node, error) {
	reductionDefault := LossReductionMean
	if len(reduction) != 0 {
		reductionDefault = reduction[0]
	}
	switch reductionDefault {
	case LossReductionSum:
		return gorgonia.Sum(x)
	case LossReductionMean:
		return gorgonia.Mean(x)
	default:
		return nil, fmt.Errorf("Reduction type %d is not supported", reductionDefault)
	}
}

// MSELoss See ref. https://en.wikipedia.org/wiki/Mean_squared_error
// Default reduction is 'mean'
func MSELoss(a, b *gorgonia.Node, reduction ...LossReduction) (*gorgonia.Node, error) {
	sub, err := gorgonia.Sub(a, b)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (A-B)")
	}
	sqr, err := gorgonia.Square(sub)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (x^2)")
	}
	return reduce(sqr, reduction)
}

// BinaryCrossEntropyLoss See ref. https://en.wikipedia.org/wiki/Cross_entropy#Cross-entropy_loss_function_and_logistic_regression
// Computes -(B*log(A) + (1-B)*log(1-A)) where A holds probabilities and B holds targets (0 or 1).
// Default reduction is 'mean'
func BinaryCrossEntropyLoss(a, b *gorgonia.Node, reduction ...LossReduction) (*gorgonia.Node, error) {
	g := a.Graph()
	eps := lossScalar(g, a, "bce_eps", bceEpsilon)
	one := lossScalar(g, a, "bce_one", 1.0)

	// B*log(A)
	shiftedMain, err := gorgonia.Add(a, eps)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (A+eps)")
	}
	logMain, err := gorgonia.Log(shiftedMain)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do log(A)")
	}
	hprodMain, err := gorgonia.HadamardProd(logMain, b)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (x.*B)")
	}

	// (1-B)*log(1-A)
	invA, err := gorgonia.Sub(one, a)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (1-A)")
	}
	shiftedBin, err := gorgonia.Add(invA, eps)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (1-A+eps)")
	}
	logBin, err := gorgonia.Log(shiftedBin)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do log(1-A)")
	}
	invB, err := gorgonia.Sub(one, b)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (1-B)")
	}
	hprodBin, err := gorgonia.HadamardProd(logBin, invB)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (x.*(1-B))")
	}

	sum, err := gorgonia.Add(hprodMain, hprodBin)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do (x+y)")
	}
	neg, err := gorgonia.Neg(sum)
	if err != nil {
		return nil, errors.Wrap(err, "Can't do -1*x")
	}
	return reduce(neg, reduction)
}

// AdversarialLoss Loss function used by both phases of GAN training
type AdversarialLoss func(a, b *gorgonia.Node, reduction ...LossReduction) (*gorgonia.Node, error)

// AdversarialLossByName Returns loss function for its name: "bce" (default) or "mse" (least squares GAN)
func AdversarialLossByName(name string) (AdversarialLoss, error) {
	switch name {
	case "", "bce":
		return BinaryCrossEntropyLoss, nil
	case "mse":
		return MSELoss, nil
	default:
		return nil, fmt.Errorf("adversarial loss '%s' is not supported", name)
	}
}
