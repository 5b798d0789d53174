package ml

import (
	"math"
	"math/rand"

	"gorgonia.org/tensor"
)

// Parameter is a named learnable tensor owned by a Stage. Graphs built for
// training, evaluation and transformation all bind the same Value, so an
// optimizer step through any of them is seen by the others.
type Parameter struct {
	Name  string
	Value *tensor.Dense
}

func newParameter(name string, backing []float64, shape ...int) *Parameter {
	return &Parameter{
		Name:  name,
		Value: tensor.New(tensor.WithShape(shape...), tensor.WithBacking(backing)),
	}
}

// uniformParameter draws from U(-1/sqrt(fanIn), 1/sqrt(fanIn)).
func uniformParameter(rng *rand.Rand, name string, fanIn int, shape ...int) *Parameter {
	bound := 1 / math.Sqrt(float64(fanIn))
	backing := make([]float64, tensor.Shape(shape).TotalSize())
	for i := range backing {
		backing[i] = (rng.Float64()*2 - 1) * bound
	}
	return newParameter(name, backing, shape...)
}

func constParameter(name string, values []float64, shape ...int) *Parameter {
	backing := make([]float64, len(values))
	copy(backing, values)
	return newParameter(name, backing, shape...)
}

// convParameters returns a filter [out,in,k,k] and a bias [1,out,1,1].
func convParameters(rng *rand.Rand, name string, in, out, k int) (w, b *Parameter) {
	fanIn := in * k * k
	w = uniformParameter(rng, name+"_w", fanIn, out, in, k, k)
	b = uniformParameter(rng, name+"_b", fanIn, 1, out, 1, 1)
	return w, b
}

// linearParameters returns a weight [in,out] and a bias [1,out].
func linearParameters(rng *rand.Rand, name string, in, out int) (w, b *Parameter) {
	w = uniformParameter(rng, name+"_w", in, in, out)
	b = uniformParameter(rng, name+"_b", in, 1, out)
	return w, b
}

func (p *Parameter) data() []float64 {
	return p.Value.Data().([]float64)
}
