package data

import (
	"context"
	"math/rand"
	"sync"

	"github.com/pkg/errors"
	"gorgonia.org/tensor"
)

// LoaderOptions configures batching of a Dataset.
type LoaderOptions struct {
	BatchSize  int
	Shuffle    bool
	Seed       int64
	NumWorkers int
}

// Batch is a group of normalized images [B,1,H,W] and their labels.
type Batch struct {
	Images *tensor.Dense
	Labels []int
}

func (b Batch) Size() int {
	return len(b.Labels)
}

// Loader streams a Dataset as batches. Each pass is started with Start and
// consumed with Scan/Minibatch; batches are assembled by background workers
// and handed out in order.
type Loader struct {
	ds   *Dataset
	opts LoaderOptions
	rng  *rand.Rand
	lut  [256]float64

	ctx    context.Context
	cancel context.CancelFunc
	out    <-chan Batch
	cur    Batch
	err    error
}

func NewLoader(ds *Dataset, opts LoaderOptions) (*Loader, error) {
	if ds == nil || ds.Len() == 0 {
		return nil, errors.New("loader: empty dataset")
	}
	if opts.BatchSize <= 0 {
		return nil, errors.Errorf("loader: batch size must be > 0, got %d", opts.BatchSize)
	}
	if opts.NumWorkers <= 0 {
		opts.NumWorkers = 1
	}
	l := &Loader{ds: ds, opts: opts, rng: rand.New(rand.NewSource(opts.Seed))}
	for i := range l.lut {
		l.lut[i] = Normalize(byte(i))
	}
	return l, nil
}

func (l *Loader) Dataset() *Dataset {
	return l.ds
}

// Len is the number of batches in one pass.
func (l *Loader) Len() int {
	return (l.ds.Len() + l.opts.BatchSize - 1) / l.opts.BatchSize
}

type batchJob struct {
	id      int
	indices []int
}

type indexedBatch struct {
	id    int
	batch Batch
}

// Start begins a new pass over the dataset, abandoning any pass in flight.
func (l *Loader) Start(ctx context.Context) {
	l.Close()
	ctx, l.cancel = context.WithCancel(ctx)
	l.ctx = ctx
	l.err = nil
	l.cur = Batch{}

	order := make([]int, l.ds.Len())
	if l.opts.Shuffle {
		order = l.rng.Perm(l.ds.Len())
	} else {
		for i := range order {
			order[i] = i
		}
	}

	jobs := make(chan batchJob, l.opts.NumWorkers)
	results := make(chan indexedBatch, l.opts.NumWorkers)
	out := make(chan Batch, l.opts.NumWorkers*2)
	l.out = out

	go produceBatchJobs(ctx, jobs, order, l.opts.BatchSize)

	var wg sync.WaitGroup
	for i := 0; i < l.opts.NumWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				select {
				case <-ctx.Done():
					return
				case results <- indexedBatch{id: job.id, batch: l.assemble(job.indices)}:
				}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	go reorder(ctx, results, out)
}

func produceBatchJobs(ctx context.Context, jobs chan<- batchJob, order []int, size int) {
	defer close(jobs)
	for id, start := 0, 0; start < len(order); id, start = id+1, start+size {
		end := start + size
		if end > len(order) {
			end = len(order)
		}
		select {
		case <-ctx.Done():
			return
		case jobs <- batchJob{id: id, indices: order[start:end]}:
		}
	}
}

// reorder forwards batches to out in id order.
func reorder(ctx context.Context, results <-chan indexedBatch, out chan<- Batch) {
	defer close(out)
	pending := make(map[int]Batch)
	next := 0
	for r := range results {
		pending[r.id] = r.batch
		for {
			b, ok := pending[next]
			if !ok {
				break
			}
			select {
			case <-ctx.Done():
				return
			case out <- b:
			}
			delete(pending, next)
			next++
		}
	}
}

func (l *Loader) assemble(indices []int) Batch {
	size := l.ds.Rows * l.ds.Cols
	backing := make([]float64, len(indices)*size)
	labels := make([]int, len(indices))
	for i, idx := range indices {
		dst := backing[i*size : (i+1)*size]
		for j, px := range l.ds.Images[idx] {
			dst[j] = l.lut[px]
		}
		labels[i] = l.ds.Labels[idx]
	}
	images := tensor.New(
		tensor.WithShape(len(indices), 1, l.ds.Rows, l.ds.Cols),
		tensor.WithBacking(backing),
	)
	return Batch{Images: images, Labels: labels}
}

// Scan advances to the next batch of the current pass.
func (l *Loader) Scan() bool {
	if l.out == nil {
		l.err = errors.New("loader: Scan called before Start")
		return false
	}
	b, ok := <-l.out
	if !ok {
		if err := l.ctx.Err(); err != nil && l.err == nil {
			l.err = err
		}
		return false
	}
	l.cur = b
	return true
}

func (l *Loader) Minibatch() Batch {
	return l.cur
}

func (l *Loader) Err() error {
	return l.err
}

// Close stops the workers of the current pass.
func (l *Loader) Close() {
	if l.cancel != nil {
		l.cancel()
		for range l.out {
		}
		l.cancel = nil
	}
}
