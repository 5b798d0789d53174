package ml

import (
	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// binder places Parameters into one expression graph, creating each node
// at most once.
type binder struct {
	g       *G.ExprGraph
	nodes   map[*Parameter]*G.Node
	order   G.Nodes
	train   bool
	dropout float64
}

func newBinder(g *G.ExprGraph, train bool, dropout float64) *binder {
	return &binder{g: g, nodes: make(map[*Parameter]*G.Node), train: train, dropout: dropout}
}

func (b *binder) node(p *Parameter) *G.Node {
	if n, ok := b.nodes[p]; ok {
		return n
	}
	shape := p.Value.Shape()
	n := G.NewTensor(b.g, tensor.Float64, shape.Dims(),
		G.WithShape(shape.Clone()...),
		G.WithName(p.Name),
		G.WithValue(p.Value),
	)
	b.nodes[p] = n
	b.order = append(b.order, n)
	return n
}

// learnables lists the bound parameter nodes in binding order.
func (b *binder) learnables() G.Nodes {
	return b.order
}

func conv2d(b *binder, x *G.Node, w, bias *Parameter) (*G.Node, error) {
	ws := w.Value.Shape()
	c, err := G.Conv2d(x, b.node(w), tensor.Shape{ws[2], ws[3]}, []int{0, 0}, []int{1, 1}, []int{1, 1})
	if err != nil {
		return nil, errors.Wrapf(err, "%s convolution", w.Name)
	}
	out, err := G.BroadcastAdd(c, b.node(bias), nil, []byte{0, 2, 3})
	return out, errors.Wrapf(err, "%s bias", bias.Name)
}

func maxPoolRelu(x *G.Node) (*G.Node, error) {
	p, err := G.MaxPool2D(x, tensor.Shape{2, 2}, []int{0, 0}, []int{2, 2})
	if err != nil {
		return nil, errors.Wrap(err, "max pooling")
	}
	out, err := G.Rectify(p)
	return out, errors.Wrap(err, "relu")
}

func linear(b *binder, x *G.Node, w, bias *Parameter) (*G.Node, error) {
	xw, err := G.Mul(x, b.node(w))
	if err != nil {
		return nil, errors.Wrapf(err, "%s matmul", w.Name)
	}
	out, err := G.BroadcastAdd(xw, b.node(bias), nil, []byte{0})
	return out, errors.Wrapf(err, "%s bias", bias.Name)
}

func flatten(x *G.Node) (*G.Node, error) {
	shp := x.Shape()
	out, err := G.Reshape(x, tensor.Shape{shp[0], shp.TotalSize() / shp[0]})
	return out, errors.Wrap(err, "flatten")
}

func (b *binder) dropoutActive() bool {
	return b.train && b.dropout > 0
}

// drop zeroes single activations of x with the binder's probability.
func drop(b *binder, x *G.Node) (*G.Node, error) {
	if !b.dropoutActive() {
		return x, nil
	}
	out, err := G.Dropout(x, b.dropout)
	return out, errors.Wrap(err, "dropout")
}

// dropChannels zeroes whole feature maps of x [B,C,H,W] and rescales the
// survivors by 1/(1-p).
func dropChannels(b *binder, x *G.Node) (*G.Node, error) {
	if !b.dropoutActive() {
		return x, nil
	}
	shp := x.Shape()
	noise := G.UniformRandomNode(b.g, tensor.Float64, 0, 1, shp[0], shp[1], 1, 1)
	keep, err := G.Gt(noise, G.NewConstant(b.dropout), true)
	if err != nil {
		return nil, errors.Wrap(err, "channel mask")
	}
	kept, err := G.BroadcastHadamardProd(x, keep, nil, []byte{2, 3})
	if err != nil {
		return nil, errors.Wrap(err, "apply channel mask")
	}
	out, err := G.Mul(kept, G.NewConstant(1/(1-b.dropout)))
	return out, errors.Wrap(err, "rescale channels")
}
