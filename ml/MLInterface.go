package ml

import (
	"context"

	G "gorgonia.org/gorgonia"

	"stn/data"
)

// Stage is one step of the network: it maps its input node to an output
// node in the binder's graph.
type Stage interface {
	Forward(b *binder, x *G.Node) (*G.Node, error)
	Parameters() []*Parameter
}

// Batches is a restartable stream of minibatches, such as a *data.Loader.
type Batches interface {
	Start(ctx context.Context)
	Scan() bool
	Minibatch() data.Batch
	Err() error
	Close()
	Len() int
	Dataset() *data.Dataset
}
