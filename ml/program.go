package ml

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

type mode int

const (
	modeTrain mode = iota // mean NLL with gradients, dropout on
	modeEval              // summed NLL, no gradients
	modeTransform         // localizer and sampler only
	modeTheta             // affine parameters only
)

func (m mode) String() string {
	switch m {
	case modeTrain:
		return "train"
	case modeEval:
		return "eval"
	case modeTransform:
		return "transform"
	case modeTheta:
		return "theta"
	}
	return "unknown"
}

type programKey struct {
	mode  mode
	batch int
}

// program is a compiled expression graph for one mode and batch size.
type program struct {
	key        programKey
	g          *G.ExprGraph
	x, y       *G.Node
	out        *G.Node
	cost       *G.Node
	learnables G.Nodes
	vm         G.VM
}

func buildProgram(net *STNet, key programKey, rows, cols int, dropout float64) (*program, error) {
	g := G.NewGraph()
	p := &program{key: key, g: g}
	p.x = G.NewTensor(g, tensor.Float64, 4, G.WithShape(key.batch, 1, rows, cols), G.WithName("x"))

	b := newBinder(g, key.mode == modeTrain, dropout)
	var err error
	switch key.mode {
	case modeTheta:
		p.out, err = net.Loc.Theta(b, p.x)
	case modeTransform:
		p.out, err = net.Loc.Forward(b, p.x)
	default:
		p.out, err = net.Forward(b, p.x)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "build %s graph", key.mode)
	}

	if key.mode == modeTrain || key.mode == modeEval {
		p.y = G.NewMatrix(g, tensor.Float64, G.WithShape(key.batch, numClasses), G.WithName("y"))
		if p.cost, err = nllLoss(p.out, p.y, key.mode == modeTrain); err != nil {
			return nil, errors.Wrapf(err, "build %s loss", key.mode)
		}
	}

	if key.mode == modeTrain {
		p.learnables = b.learnables()
		if _, err = G.Grad(p.cost, p.learnables...); err != nil {
			return nil, errors.Wrap(err, "symbolic gradients")
		}
		p.vm = G.NewTapeMachine(g, G.BindDualValues(p.learnables...))
	} else {
		p.vm = G.NewTapeMachine(g)
	}
	return p, nil
}

// nllLoss is -sum(logp * y), divided by the batch size when mean is set.
func nllLoss(logp, y *G.Node, mean bool) (*G.Node, error) {
	picked, err := G.HadamardProd(logp, y)
	if err != nil {
		return nil, err
	}
	total, err := G.Sum(picked)
	if err != nil {
		return nil, err
	}
	if mean {
		if total, err = G.Div(total, G.NewConstant(float64(logp.Shape()[0]))); err != nil {
			return nil, err
		}
	}
	return G.Neg(total)
}

func oneHot(labels []int) (*tensor.Dense, error) {
	backing := make([]float64, len(labels)*numClasses)
	for i, l := range labels {
		if l < 0 || l >= numClasses {
			return nil, errors.Errorf("label %d out of range", l)
		}
		backing[i*numClasses+l] = 1
	}
	return tensor.New(tensor.WithShape(len(labels), numClasses), tensor.WithBacking(backing)), nil
}

// run binds the inputs and executes the graph once. The caller reads the
// results it needs and then calls reset.
func (p *program) run(images *tensor.Dense, labels []int) error {
	if err := G.Let(p.x, images); err != nil {
		return errors.Wrap(err, "bind images")
	}
	if p.y != nil {
		if labels == nil {
			// inference through an eval graph: the loss is ignored
			labels = make([]int, p.key.batch)
		}
		y, err := oneHot(labels)
		if err != nil {
			return err
		}
		if err := G.Let(p.y, y); err != nil {
			return errors.Wrap(err, "bind labels")
		}
	}
	if err := p.vm.RunAll(); err != nil {
		p.vm.Reset()
		return errors.Wrapf(err, "run %s graph", p.key.mode)
	}
	return nil
}

func (p *program) reset() {
	p.vm.Reset()
}

func (p *program) loss() float64 {
	return p.cost.Value().Data().(float64)
}

// output copies the main output out of the graph.
func (p *program) output() []float64 {
	src := p.out.Value().Data().([]float64)
	dst := make([]float64, len(src))
	copy(dst, src)
	return dst
}

func (p *program) close() error {
	return p.vm.Close()
}
