package ml

import (
	"context"
	"encoding/gob"
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"

	"stn/data"
	"stn/util"
)

// Config holds the optimization knobs of a run.
type Config struct {
	LR          float64
	LogInterval int
	Dropout     float64
}

func DefaultConfig() Config {
	return Config{LR: 0.01, LogInterval: 500, Dropout: 0.5}
}

// Validate verifies the config is runnable.
func (c Config) Validate() error {
	if c.LR <= 0 {
		return errors.Errorf("learning rate must be > 0, got %g", c.LR)
	}
	if c.LogInterval <= 0 {
		return errors.Errorf("log interval must be > 0, got %d", c.LogInterval)
	}
	if c.Dropout < 0 || c.Dropout >= 1 {
		return errors.Errorf("dropout must be in [0,1), got %g", c.Dropout)
	}
	return nil
}

// Trainer is the explicit context of a run: the network, its optimizer,
// the device it runs on and where progress lines go. Graphs are compiled
// lazily per mode and batch size and then reused.
type Trainer struct {
	net    *STNet
	cfg    Config
	solver G.Solver
	device Device
	out    io.Writer

	programs map[programKey]*program
}

// TestResult is the outcome of one evaluation pass.
type TestResult struct {
	Loss    float64
	Correct int
	Total   int
}

func (r TestResult) Accuracy() float64 {
	if r.Total == 0 {
		return 0
	}
	return 100 * float64(r.Correct) / float64(r.Total)
}

func MakeTrainer(net *STNet, cfg Config, device Device, out io.Writer) (*Trainer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if out == nil {
		out = io.Discard
	}
	return &Trainer{
		net:      net,
		cfg:      cfg,
		solver:   G.NewVanillaSolver(G.WithLearnRate(cfg.LR)),
		device:   device,
		out:      out,
		programs: make(map[programKey]*program),
	}, nil
}

func (t *Trainer) Net() *STNet {
	return t.net
}

func (t *Trainer) Device() Device {
	return t.device
}

func (t *Trainer) program(m mode, images *tensor.Dense) (*program, error) {
	shp := images.Shape()
	if shp.Dims() != 4 {
		return nil, errors.Errorf("want images [B,1,H,W], got %v", shp)
	}
	key := programKey{mode: m, batch: shp[0]}
	if p, ok := t.programs[key]; ok {
		return p, nil
	}
	util.Debugf("compiling %s graph for batch %d", m, key.batch)
	p, err := buildProgram(t.net, key, shp[2], shp[3], t.cfg.Dropout)
	if err != nil {
		return nil, err
	}
	t.programs[key] = p
	return p, nil
}

// Step applies one SGD update for the batch and returns its mean loss.
func (t *Trainer) Step(b data.Batch) (float64, error) {
	p, err := t.program(modeTrain, b.Images)
	if err != nil {
		return 0, err
	}
	defer p.reset()
	if err := p.run(b.Images, b.Labels); err != nil {
		return 0, err
	}
	loss := p.loss()
	if err := t.solver.Step(G.NodesToValueGrads(p.learnables)); err != nil {
		return 0, errors.Wrap(err, "optimizer step")
	}
	return loss, nil
}

// Train runs one epoch over loader and returns the loss of the last batch.
func (t *Trainer) Train(ctx context.Context, epoch int, loader Batches) (float64, error) {
	loader.Start(ctx)
	defer loader.Close()

	total := loader.Dataset().Len()
	batches := loader.Len()
	var loss float64
	for batchIdx := 0; loader.Scan(); batchIdx++ {
		if err := ctx.Err(); err != nil {
			return loss, err
		}
		b := loader.Minibatch()
		var err error
		if loss, err = t.Step(b); err != nil {
			return loss, errors.Wrapf(err, "epoch %d batch %d", epoch, batchIdx)
		}
		if batchIdx%t.cfg.LogInterval == 0 {
			fmt.Fprintf(t.out, "Train Epoch: %d [%d/%d (%.0f%%)]\tLoss: %.6f\n",
				epoch, batchIdx*b.Size(), total,
				100*float64(batchIdx)/float64(batches), loss)
		}
	}
	return loss, loader.Err()
}

// Test evaluates the network on every batch of loader without touching
// its parameters. Per-batch losses are summed over samples and divided by
// the dataset size once at the end.
func (t *Trainer) Test(ctx context.Context, loader Batches) (TestResult, error) {
	loader.Start(ctx)
	defer loader.Close()

	var sum float64
	correct := 0
	for loader.Scan() {
		if err := ctx.Err(); err != nil {
			return TestResult{}, err
		}
		b := loader.Minibatch()
		p, err := t.program(modeEval, b.Images)
		if err != nil {
			return TestResult{}, err
		}
		if err := p.run(b.Images, b.Labels); err != nil {
			return TestResult{}, err
		}
		sum += p.loss()
		correct += countCorrect(p.output(), b.Labels)
		p.reset()
	}
	if err := loader.Err(); err != nil {
		return TestResult{}, err
	}

	res := TestResult{Total: loader.Dataset().Len(), Correct: correct}
	res.Loss = sum / float64(res.Total)
	fmt.Fprintf(t.out, "\nTest set: Average loss: %.4f, Accuracy: %d/%d (%.0f%%)\n\n",
		res.Loss, res.Correct, res.Total, res.Accuracy())
	return res, nil
}

func argmaxRows(logp []float64) []int {
	preds := make([]int, len(logp)/numClasses)
	for i := range preds {
		preds[i] = floats.MaxIdx(logp[i*numClasses : (i+1)*numClasses])
	}
	return preds
}

func countCorrect(logp []float64, labels []int) int {
	n := 0
	for i, pred := range argmaxRows(logp) {
		if pred == labels[i] {
			n++
		}
	}
	return n
}

func (t *Trainer) infer(m mode, images *tensor.Dense) ([]float64, error) {
	p, err := t.program(m, images)
	if err != nil {
		return nil, err
	}
	defer p.reset()
	if err := p.run(images, nil); err != nil {
		return nil, err
	}
	return p.output(), nil
}

// Transform runs only the spatial transformer on images [B,1,H,W].
func (t *Trainer) Transform(images *tensor.Dense) (*tensor.Dense, error) {
	out, err := t.infer(modeTransform, images)
	if err != nil {
		return nil, err
	}
	return tensor.New(tensor.WithShape(images.Shape().Clone()...), tensor.WithBacking(out)), nil
}

// Theta returns the affine parameters predicted for each image.
func (t *Trainer) Theta(images *tensor.Dense) ([][6]float64, error) {
	out, err := t.infer(modeTheta, images)
	if err != nil {
		return nil, err
	}
	thetas := make([][6]float64, len(out)/6)
	for i := range thetas {
		copy(thetas[i][:], out[i*6:])
	}
	return thetas, nil
}

// Predict returns the most likely class of each image. Dropout is off.
func (t *Trainer) Predict(images *tensor.Dense) ([]int, error) {
	logp, err := t.infer(modeEval, images)
	if err != nil {
		return nil, err
	}
	return argmaxRows(logp), nil
}

// Close releases the compiled graphs.
func (t *Trainer) Close() error {
	var first error
	for k, p := range t.programs {
		if err := p.close(); err != nil && first == nil {
			first = err
		}
		delete(t.programs, k)
	}
	return first
}

// StateDict maps parameter names to their current values.
func (n *STNet) StateDict() map[string]*tensor.Dense {
	states := make(map[string]*tensor.Dense)
	for _, p := range n.Parameters() {
		states[p.Name] = p.Value
	}
	return states
}

// SetStateDict copies states into the parameters in place, so compiled
// graphs keep seeing them.
func (n *STNet) SetStateDict(states map[string]*tensor.Dense) error {
	for _, p := range n.Parameters() {
		src, ok := states[p.Name]
		if !ok {
			return errors.Errorf("state dict has no %s", p.Name)
		}
		if !src.Shape().Eq(p.Value.Shape()) {
			return errors.Errorf("%s: shape %v, want %v", p.Name, src.Shape(), p.Value.Shape())
		}
		backing, ok := src.Data().([]float64)
		if !ok {
			return errors.Errorf("%s: want float64 data, got %v", p.Name, src.Dtype())
		}
		copy(p.data(), backing)
	}
	return nil
}

func SaveModel(net *STNet, modelFn string) error {
	util.Logger.Println("Saving model to", modelFn)
	f, err := os.Create(modelFn)
	if err != nil {
		return errors.Wrap(err, "cannot create file to save model")
	}
	defer f.Close()

	if err := gob.NewEncoder(f).Encode(net.StateDict()); err != nil {
		return errors.Wrap(err, "encode model")
	}
	return f.Close()
}

func LoadModel(modelFn string) (*STNet, error) {
	f, err := os.Open(modelFn)
	if err != nil {
		return nil, errors.Wrap(err, "open model")
	}
	defer f.Close()

	states := make(map[string]*tensor.Dense)
	if err := gob.NewDecoder(f).Decode(&states); err != nil {
		return nil, errors.Wrap(err, "decode model")
	}

	net := MakeSTNet(0)
	if err := net.SetStateDict(states); err != nil {
		return nil, err
	}
	return net, nil
}
