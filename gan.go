package gan_mnist

import (
	"fmt"
	"log"
	"math"
	"path/filepath"

	"github.com/pkg/errors"
	"gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// Optimizer indices. Trainer drives them in this order for every batch
const (
	OptimizerGenerator = iota
	OptimizerDiscriminator
)

// Options Hyperparameters of GAN
//
// LatentDim - size of Generator's input
// BatchSize - number of real images in each batch. Graphs are built for this exact size
// LearningRate, Beta1, Beta2 - Adam parameters (same for both optimizers)
// Dropout - drop probability in Discriminator
// Loss - adversarial loss name: "bce" or "mse"
// NumPreview - number of fixed noise vectors decoded at the end of every epoch
// Seed - seed for noise sampler
// SamplesDir - where to store epoch previews. Empty string disables saving
//
type Options struct {
	LatentDim    int
	BatchSize    int
	LearningRate float64
	Beta1        float64
	Beta2        float64
	Dropout      float64
	Loss         string
	NumPreview   int
	Seed         uint64
	SamplesDir   string
}

// StepOutput Result of single training (or evaluation) step
//
// Loss - value to be minimized by optimizer of current step
// Log - named scalars for logging
//
type StepOutput struct {
	Loss float64
	Log  map[string]float64
}

// Optimizer Solver bound to the learnables it is allowed to update
type Optimizer struct {
	Name   string
	solver gorgonia.Solver
	params gorgonia.Nodes
}

// NewOptimizer Returns optimizer which updates only provided learnables with solver
func NewOptimizer(name string, solver gorgonia.Solver, params gorgonia.Nodes) *Optimizer {
	return &Optimizer{
		Name:   name,
		solver: solver,
		params: params,
	}
}

// Step Applies gradients computed by last run of corresponding graph
func (opt *Optimizer) Step() error {
	if err := opt.solver.Step(gorgonia.NodesToValueGrads(opt.params)); err != nil {
		return errors.Wrapf(err, "Can't do solver step for '%s'", opt.Name)
	}
	return nil
}

// Learnables Returns nodes updated by optimizer
func (opt *Optimizer) Learnables() gorgonia.Nodes {
	return opt.params
}

// sharedNode Node of some graph which must carry the value of node from another graph
type sharedNode struct {
	src *gorgonia.Node
	dst *gorgonia.Node
}

func shareLearnables(src, dst gorgonia.Nodes) []sharedNode {
	pairs := make([]sharedNode, len(src))
	for i := range src {
		pairs[i] = sharedNode{src: src[i], dst: dst[i]}
	}
	return pairs
}

func syncShared(pairs []sharedNode) error {
	for _, p := range pairs {
		if err := gorgonia.Let(p.dst, p.src.Value()); err != nil {
			return errors.Wrapf(err, "Can't share value of '%s' with '%s'", p.src.Name(), p.dst.Name())
		}
	}
	return nil
}

// forwardGraph Graph evaluated without gradients: Generator's copy turning noise into images
type forwardGraph struct {
	graph    *gorgonia.ExprGraph
	input    *gorgonia.Node
	outValue gorgonia.Value
	shared   []sharedNode
	vm       gorgonia.VM
}

func newForwardGraph(name string, generator *GeneratorNet, batchSize, latentDim int) (*forwardGraph, error) {
	fg := &forwardGraph{graph: gorgonia.NewGraph()}
	copied := generator.cloneOn(fg.graph, name)
	fg.input = gorgonia.NewMatrix(fg.graph, gorgonia.Float64, gorgonia.WithShape(batchSize, latentDim), gorgonia.WithName(name+"_input"))
	if err := copied.Fwd(fg.input, batchSize); err != nil {
		return nil, errors.Wrapf(err, "Can't init feedforward for '%s'", name)
	}
	gorgonia.Read(copied.Out(), &fg.outValue)
	fg.shared = shareLearnables(generator.Learnables(), copied.Learnables())
	fg.vm = gorgonia.NewTapeMachine(fg.graph)
	return fg, nil
}

func (fg *forwardGraph) run(z *tensor.Dense) (*tensor.Dense, error) {
	if !z.Shape().Eq(fg.input.Shape()) {
		return nil, fmt.Errorf("Noise must have shape %v, but got %v", fg.input.Shape(), z.Shape())
	}
	if err := syncShared(fg.shared); err != nil {
		return nil, err
	}
	fg.vm.Reset()
	if err := gorgonia.Let(fg.input, z); err != nil {
		return nil, errors.Wrap(err, "Can't init input value")
	}
	if err := fg.vm.RunAll(); err != nil {
		return nil, errors.Wrap(err, "Can't run VM")
	}
	out, ok := fg.outValue.(*tensor.Dense)
	if !ok {
		return nil, fmt.Errorf("Generator's output must be *tensor.Dense, but got %T", fg.outValue)
	}
	return out.Clone().(*tensor.Dense), nil
}

// GAN Generator and Discriminator trained in alternating phases.
//
// generator - lives on generator phase graph. Its learnables are updated only by optimizers[OptimizerGenerator]
// discriminator - lives on discriminator phase graph. Its learnables are updated only by optimizers[OptimizerDiscriminator]
// genGraph also holds copy of Discriminator. Copy shares values with source network, but no gradients are computed for it
// sampler - produces fake images for discriminator phase. Running it is what detaches fake images from Generator
// preview - decodes fixed validation noise at the end of every epoch
// evalGraph - Discriminator copies without dropout for TestStep. No gradients at all
//
type GAN struct {
	options Options

	generator     *GeneratorNet
	discriminator *DiscriminatorNet

	genGraph    *gorgonia.ExprGraph
	genInput    *gorgonia.Node
	genShared   []sharedNode
	genCostVal  gorgonia.Value
	genScoreVal gorgonia.Value
	genVM       gorgonia.VM

	disGraph   *gorgonia.ExprGraph
	disInput   *gorgonia.Node
	disCostVal gorgonia.Value
	disOutVal  gorgonia.Value
	disVM      gorgonia.VM

	evalGraph      *gorgonia.ExprGraph
	evalInput      *gorgonia.Node
	evalFakeInput  *gorgonia.Node
	evalShared     []sharedNode
	evalDisCostVal gorgonia.Value
	evalGenCostVal gorgonia.Value
	evalOutVal     gorgonia.Value
	evalVM         gorgonia.VM

	sampler *forwardGraph
	preview *forwardGraph

	optimizers []*Optimizer

	noise       *NoiseSampler
	validationZ *tensor.Dense
}

// NewGAN Builds GAN with MNIST Generator and Discriminator
func NewGAN(options Options) (*GAN, error) {
	if err := checkLatentDim(options.LatentDim); err != nil {
		return nil, err
	}
	if options.BatchSize <= 0 {
		return nil, fmt.Errorf("batch size must be positive, but got %d", options.BatchSize)
	}
	if options.NumPreview <= 0 {
		return nil, fmt.Errorf("number of preview samples must be positive, but got %d", options.NumPreview)
	}
	lossFn, err := AdversarialLossByName(options.Loss)
	if err != nil {
		return nil, err
	}

	batchSize := options.BatchSize
	net := &GAN{
		options:  options,
		genGraph: gorgonia.NewGraph(),
		disGraph: gorgonia.NewGraph(),
		noise:    NewNoiseSampler(options.Seed),
	}

	// Discriminator phase: real images first, fake images second
	net.discriminator = DefineDiscriminator(net.disGraph, options.Dropout)
	net.disInput = gorgonia.NewTensor(net.disGraph, gorgonia.Float64, 4, gorgonia.WithShape(ImageShape(2*batchSize)...), gorgonia.WithName("discriminator_input"))
	if err := net.discriminator.Fwd(net.disInput, 2*batchSize); err != nil {
		return nil, err
	}
	disTargetData := make([]float64, 2*batchSize)
	for i := 0; i < batchSize; i++ {
		disTargetData[i] = 1
	}
	disTarget := gorgonia.NewMatrix(net.disGraph, gorgonia.Float64, gorgonia.WithShape(2*batchSize, 1), gorgonia.WithName("discriminator_target"), gorgonia.WithValue(tensor.New(tensor.WithShape(2*batchSize, 1), tensor.WithBacking(disTargetData))))
	// Both halves have the same size, so mean over all samples equals (real_loss + fake_loss) / 2
	disCost, err := lossFn(net.discriminator.Out(), disTarget)
	if err != nil {
		return nil, errors.Wrap(err, "Can't define Discriminator's loss")
	}
	gorgonia.WithName("discriminator_loss")(disCost)
	if _, err = gorgonia.Grad(disCost, net.discriminator.Learnables()...); err != nil {
		return nil, errors.Wrap(err, "Can't define Discriminator's gradients")
	}
	gorgonia.Read(disCost, &net.disCostVal)
	gorgonia.Read(net.discriminator.Out(), &net.disOutVal)

	// Generator phase: D(G(z)) against all-ones target
	net.generator = DefineGenerator(net.genGraph, options.LatentDim)
	net.genInput = gorgonia.NewMatrix(net.genGraph, gorgonia.Float64, gorgonia.WithShape(batchSize, options.LatentDim), gorgonia.WithName("generator_input"))
	if err := net.generator.Fwd(net.genInput, batchSize); err != nil {
		return nil, err
	}
	ganDiscriminator := net.discriminator.cloneOn(net.genGraph, "gan_discriminator")
	if err := ganDiscriminator.Fwd(net.generator.Out(), batchSize); err != nil {
		return nil, errors.Wrap(err, "[GAN]")
	}
	net.genShared = shareLearnables(net.discriminator.Learnables(), ganDiscriminator.Learnables())
	genTarget := gorgonia.NewMatrix(net.genGraph, gorgonia.Float64, gorgonia.WithShape(batchSize, 1), gorgonia.WithName("generator_target"), gorgonia.WithInit(gorgonia.Ones()))
	genCost, err := lossFn(ganDiscriminator.Out(), genTarget)
	if err != nil {
		return nil, errors.Wrap(err, "Can't define Generator's loss")
	}
	gorgonia.WithName("generator_loss")(genCost)
	if _, err = gorgonia.Grad(genCost, net.generator.Learnables()...); err != nil {
		return nil, errors.Wrap(err, "Can't define Generator's gradients")
	}
	gorgonia.Read(genCost, &net.genCostVal)
	gorgonia.Read(ganDiscriminator.Out(), &net.genScoreVal)

	// Evaluation: Discriminator's copies score real+fake images and fake images alone
	net.evalGraph = gorgonia.NewGraph()
	evalDiscriminator := net.discriminator.evalCloneOn(net.evalGraph, "eval_discriminator")
	net.evalInput = gorgonia.NewTensor(net.evalGraph, gorgonia.Float64, 4, gorgonia.WithShape(ImageShape(2*batchSize)...), gorgonia.WithName("eval_input"))
	if err := evalDiscriminator.Fwd(net.evalInput, 2*batchSize); err != nil {
		return nil, errors.Wrap(err, "[Evaluation]")
	}
	net.evalShared = shareLearnables(net.discriminator.Learnables(), evalDiscriminator.Learnables())
	evalDisTarget := gorgonia.NewMatrix(net.evalGraph, gorgonia.Float64, gorgonia.WithShape(2*batchSize, 1), gorgonia.WithName("eval_discriminator_target"), gorgonia.WithValue(tensor.New(tensor.WithShape(2*batchSize, 1), tensor.WithBacking(append([]float64(nil), disTargetData...)))))
	evalDisCost, err := lossFn(evalDiscriminator.Out(), evalDisTarget)
	if err != nil {
		return nil, errors.Wrap(err, "Can't define Discriminator's evaluation loss")
	}
	evalGanDiscriminator := net.discriminator.evalCloneOn(net.evalGraph, "eval_gan_discriminator")
	net.evalFakeInput = gorgonia.NewTensor(net.evalGraph, gorgonia.Float64, 4, gorgonia.WithShape(ImageShape(batchSize)...), gorgonia.WithName("eval_fake_input"))
	if err := evalGanDiscriminator.Fwd(net.evalFakeInput, batchSize); err != nil {
		return nil, errors.Wrap(err, "[Evaluation]")
	}
	net.evalShared = append(net.evalShared, shareLearnables(net.discriminator.Learnables(), evalGanDiscriminator.Learnables())...)
	evalGenTarget := gorgonia.NewMatrix(net.evalGraph, gorgonia.Float64, gorgonia.WithShape(batchSize, 1), gorgonia.WithName("eval_generator_target"), gorgonia.WithInit(gorgonia.Ones()))
	evalGenCost, err := lossFn(evalGanDiscriminator.Out(), evalGenTarget)
	if err != nil {
		return nil, errors.Wrap(err, "Can't define Generator's evaluation loss")
	}
	gorgonia.Read(evalDisCost, &net.evalDisCostVal)
	gorgonia.Read(evalGenCost, &net.evalGenCostVal)
	gorgonia.Read(evalDiscriminator.Out(), &net.evalOutVal)
	net.evalVM = gorgonia.NewTapeMachine(net.evalGraph)

	// Forward only copies of Generator. Clone before any VM binds values
	net.sampler, err = newForwardGraph("sampler", net.generator, batchSize, options.LatentDim)
	if err != nil {
		return nil, err
	}
	net.preview, err = newForwardGraph("preview", net.generator, options.NumPreview, options.LatentDim)
	if err != nil {
		return nil, err
	}

	net.genVM = gorgonia.NewTapeMachine(net.genGraph, gorgonia.BindDualValues(net.generator.Learnables()...))
	net.disVM = gorgonia.NewTapeMachine(net.disGraph, gorgonia.BindDualValues(net.discriminator.Learnables()...))

	net.optimizers = []*Optimizer{
		OptimizerGenerator:     NewOptimizer("generator", newAdam(options), net.generator.Learnables()),
		OptimizerDiscriminator: NewOptimizer("discriminator", newAdam(options), net.discriminator.Learnables()),
	}

	// Same noise for every epoch preview gives visual continuity
	net.validationZ = net.noise.NormRandDense(options.NumPreview, options.LatentDim)
	return net, nil
}

func newAdam(options Options) gorgonia.Solver {
	return gorgonia.NewAdamSolver(gorgonia.WithLearnRate(options.LearningRate), gorgonia.WithBeta1(options.Beta1), gorgonia.WithBeta2(options.Beta2))
}

// Generator Returns generator part
func (net *GAN) Generator() *GeneratorNet {
	return net.generator
}

// Discriminator Returns discriminator part
func (net *GAN) Discriminator() *DiscriminatorNet {
	return net.discriminator
}

// ValidationNoise Returns fixed noise used for epoch previews
func (net *GAN) ValidationNoise() *tensor.Dense {
	return net.validationZ
}

// ConfigureOptimizers Returns optimizers in the order trainer must call them: Generator first, Discriminator second
func (net *GAN) ConfigureOptimizers() []*Optimizer {
	return net.optimizers
}

// TrainingStep Runs forward and backward pass of phase selected by optimizerIdx.
// Gradients are left in dual values of corresponding learnables, so caller must do optimizer's step after it.
func (net *GAN) TrainingStep(batch Batch, batchIdx, optimizerIdx int) (StepOutput, error) {
	if err := batch.check(net.options.BatchSize); err != nil {
		return StepOutput{}, errors.Wrapf(err, "Bad batch #%d", batchIdx)
	}
	z := net.noise.NormRandDense(net.options.BatchSize, net.options.LatentDim)
	switch optimizerIdx {
	case OptimizerGenerator:
		gLoss, _, err := net.generatorPhase(z)
		if err != nil {
			return StepOutput{}, errors.Wrapf(err, "Generator phase failed on batch #%d", batchIdx)
		}
		return StepOutput{Loss: gLoss, Log: map[string]float64{"g_loss": gLoss}}, nil
	case OptimizerDiscriminator:
		dLoss, dReal, dFake, err := net.discriminatorPhase(batch.Images, z)
		if err != nil {
			return StepOutput{}, errors.Wrapf(err, "Discriminator phase failed on batch #%d", batchIdx)
		}
		return StepOutput{Loss: dLoss, Log: map[string]float64{"d_loss": dLoss, "d_real": dReal, "d_fake": dFake}}, nil
	default:
		return StepOutput{}, fmt.Errorf("optimizer index %d is not handled: GAN has %d optimizers", optimizerIdx, len(net.optimizers))
	}
}

// TestStep Evaluates both phases on batch without updating any parameters. Dropout is disabled
func (net *GAN) TestStep(batch Batch, batchIdx int) (map[string]float64, error) {
	if err := batch.check(net.options.BatchSize); err != nil {
		return nil, errors.Wrapf(err, "Bad batch #%d", batchIdx)
	}
	z := net.noise.NormRandDense(net.options.BatchSize, net.options.LatentDim)
	gLoss, dLoss, dReal, dFake, err := net.evalPhase(batch.Images, z)
	if err != nil {
		return nil, errors.Wrapf(err, "Evaluation failed on batch #%d", batchIdx)
	}
	return map[string]float64{
		"g_loss": gLoss,
		"d_loss": dLoss,
		"d_real": dReal,
		"d_fake": dFake,
	}, nil
}

func (net *GAN) evalPhase(realImages, z *tensor.Dense) (gLoss, dLoss, dReal, dFake float64, err error) {
	fake, err := net.sampler.run(z)
	if err != nil {
		return 0, 0, 0, 0, errors.Wrap(err, "Can't generate fake images")
	}
	allSamples, err := tensor.Concat(0, realImages, fake)
	if err != nil {
		return 0, 0, 0, 0, errors.Wrap(err, "Can't concatenate real and fake images")
	}
	if err := syncShared(net.evalShared); err != nil {
		return 0, 0, 0, 0, err
	}
	net.evalVM.Reset()
	if err := gorgonia.Let(net.evalInput, allSamples); err != nil {
		return 0, 0, 0, 0, errors.Wrap(err, "Can't init evaluation input value")
	}
	if err := gorgonia.Let(net.evalFakeInput, fake); err != nil {
		return 0, 0, 0, 0, errors.Wrap(err, "Can't init evaluation fake input value")
	}
	if err := net.evalVM.RunAll(); err != nil {
		return 0, 0, 0, 0, errors.Wrap(err, "Can't run VM for evaluation")
	}
	if gLoss, err = scalarValue(net.evalGenCostVal); err != nil {
		return 0, 0, 0, 0, err
	}
	if dLoss, err = scalarValue(net.evalDisCostVal); err != nil {
		return 0, 0, 0, 0, err
	}
	batchSize := net.options.BatchSize
	if dReal, err = meanValue(net.evalOutVal, 0, batchSize); err != nil {
		return 0, 0, 0, 0, err
	}
	if dFake, err = meanValue(net.evalOutVal, batchSize, 2*batchSize); err != nil {
		return 0, 0, 0, 0, err
	}
	return gLoss, dLoss, dReal, dFake, nil
}

func (net *GAN) generatorPhase(z *tensor.Dense) (float64, float64, error) {
	if err := syncShared(net.genShared); err != nil {
		return 0, 0, err
	}
	net.genVM.Reset()
	if err := gorgonia.Let(net.genInput, z); err != nil {
		return 0, 0, errors.Wrap(err, "Can't init Generator's input value")
	}
	if err := net.genVM.RunAll(); err != nil {
		return 0, 0, errors.Wrap(err, "Can't run VM for Generator phase")
	}
	loss, err := scalarValue(net.genCostVal)
	if err != nil {
		return 0, 0, err
	}
	score, err := meanValue(net.genScoreVal, 0, net.options.BatchSize)
	if err != nil {
		return 0, 0, err
	}
	return loss, score, nil
}

func (net *GAN) discriminatorPhase(realImages, z *tensor.Dense) (float64, float64, float64, error) {
	fake, err := net.sampler.run(z)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "Can't generate fake images")
	}
	allSamples, err := tensor.Concat(0, realImages, fake)
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "Can't concatenate real and fake images")
	}
	net.disVM.Reset()
	if err := gorgonia.Let(net.disInput, allSamples); err != nil {
		return 0, 0, 0, errors.Wrap(err, "Can't init Discriminator's input value")
	}
	if err := net.disVM.RunAll(); err != nil {
		return 0, 0, 0, errors.Wrap(err, "Can't run VM for Discriminator phase")
	}
	loss, err := scalarValue(net.disCostVal)
	if err != nil {
		return 0, 0, 0, err
	}
	batchSize := net.options.BatchSize
	dReal, err := meanValue(net.disOutVal, 0, batchSize)
	if err != nil {
		return 0, 0, 0, err
	}
	dFake, err := meanValue(net.disOutVal, batchSize, 2*batchSize)
	if err != nil {
		return 0, 0, 0, err
	}
	return loss, dReal, dFake, nil
}

// Generate Decodes noise of shape (BatchSize, LatentDim) into images (BatchSize, 1, 28, 28)
func (net *GAN) Generate(z *tensor.Dense) (*tensor.Dense, error) {
	return net.sampler.run(z)
}

// Preview Decodes fixed validation noise into images (NumPreview, 1, 28, 28)
func (net *GAN) Preview() (*tensor.Dense, error) {
	return net.preview.run(net.validationZ)
}

// OnEpochEnd Decodes fixed noise and renders it to image grid. Training state is not touched
func (net *GAN) OnEpochEnd(epoch int) error {
	log.Printf("Epoch %d\n", epoch)
	images, err := net.Preview()
	if err != nil {
		return errors.Wrapf(err, "Can't generate preview for epoch %d", epoch)
	}
	if net.options.SamplesDir == "" {
		return nil
	}
	cols := 3
	if net.options.NumPreview < cols {
		cols = net.options.NumPreview
	}
	rows := int(math.Ceil(float64(net.options.NumPreview) / float64(cols)))
	fname := filepath.Join(net.options.SamplesDir, fmt.Sprintf("epoch_%03d.png", epoch))
	if err := SaveImageGrid(images, rows, cols, "Generated Data", fname); err != nil {
		return errors.Wrapf(err, "Can't save preview for epoch %d", epoch)
	}
	return nil
}

// Close Releases tape machines
func (net *GAN) Close() error {
	for _, vm := range []gorgonia.VM{net.genVM, net.disVM, net.evalVM, net.sampler.vm, net.preview.vm} {
		if vm == nil {
			continue
		}
		if err := vm.Close(); err != nil {
			return errors.Wrap(err, "Can't close VM")
		}
	}
	return nil
}

func scalarValue(v gorgonia.Value) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("value has not been computed yet")
	}
	f, ok := v.Data().(float64)
	if !ok {
		return 0, fmt.Errorf("value must be float64 scalar, but got %T", v.Data())
	}
	return f, nil
}

// meanValue Average of elements in range [start;end) of flat value
func meanValue(v gorgonia.Value, start, end int) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("value has not been computed yet")
	}
	data, ok := v.Data().([]float64)
	if !ok {
		return 0, fmt.Errorf("value must be float64 tensor, but got %T", v.Data())
	}
	if start < 0 || end > len(data) || start >= end {
		return 0, fmt.Errorf("range [%d;%d) is out of bounds for %d elements", start, end, len(data))
	}
	sum := 0.0
	for _, x := range data[start:end] {
		sum += x
	}
	return sum / float64(end-start), nil
}
