package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"stn/data"
	"stn/ml"
	"stn/util"
	"stn/viz"
)

type trainOptions struct {
	dataDir    string
	epochs     int
	batchSize  int
	testBatch  int
	workers    int
	seed       int64
	trainLimit int
	testLimit  int
	save       string
	out        string
	show       bool
	logDir     string
	cfg        ml.Config
}

func main() {
	cmd := "train"
	args := os.Args[1:]
	if len(args) > 0 && !strings.HasPrefix(args[0], "-") {
		cmd, args = args[0], args[1:]
	}

	var err error
	switch cmd {
	case "train":
		err = runTrain(args)
	case "predict":
		err = runPredict(args)
	default:
		fmt.Fprintf(os.Stderr, "Usage: %s [train|predict] [flags]\n", os.Args[0])
		os.Exit(2)
	}
	if err != nil {
		util.Logger.Fatalf("%s: %v", cmd, err)
	}
}

func runTrain(args []string) error {
	opts := trainOptions{cfg: ml.DefaultConfig()}
	trainCmd := flag.NewFlagSet("train", flag.ExitOnError)
	trainCmd.StringVar(&opts.dataDir, "data", ".", "dataset root, MNIST is downloaded here on first run")
	trainCmd.IntVar(&opts.epochs, "epochs", 20, "number of epochs")
	trainCmd.IntVar(&opts.batchSize, "batch", 64, "training batch size")
	trainCmd.IntVar(&opts.testBatch, "test-batch", 64, "test batch size")
	trainCmd.IntVar(&opts.workers, "workers", 4, "batch assembly workers per loader")
	trainCmd.Int64Var(&opts.seed, "seed", 1, "seed for initialization and shuffling")
	trainCmd.IntVar(&opts.trainLimit, "train-limit", 0, "use only the first N training samples (0 = all)")
	trainCmd.IntVar(&opts.testLimit, "test-limit", 0, "use only the first N test samples (0 = all)")
	trainCmd.StringVar(&opts.save, "save", "", "write the trained model here (gob)")
	trainCmd.StringVar(&opts.out, "out", "stn.png", "write the transformation comparison here")
	trainCmd.BoolVar(&opts.show, "show", false, "display the comparison in a window")
	trainCmd.StringVar(&opts.logDir, "log-dir", ".", "directory for run and plot logs")
	trainCmd.Float64Var(&opts.cfg.LR, "lr", opts.cfg.LR, "learning rate")
	trainCmd.IntVar(&opts.cfg.LogInterval, "log-interval", opts.cfg.LogInterval, "batches between progress lines")
	trainCmd.Float64Var(&opts.cfg.Dropout, "dropout", opts.cfg.Dropout, "dropout probability in the classifier")
	verbose := trainCmd.Bool("v", false, "debug logging")
	trainCmd.Parse(args)
	util.SetDebug(*verbose)
	util.Debug(opts.cfg)

	runID := uuid.New().String()[:8]
	logFile, err := util.InitLogger(opts.logDir, runID)
	if err != nil {
		return err
	}
	defer logFile.Close()
	plotFile, err := util.InitPlotLogger(opts.logDir, runID, "train")
	if err != nil {
		return err
	}
	defer plotFile.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return train(ctx, opts)
}

func train(ctx context.Context, opts trainOptions) error {
	trainSet, err := data.Open(opts.dataDir, data.TrainSource)
	if err != nil {
		return errors.Wrap(err, "training set")
	}
	testSet, err := data.Open(opts.dataDir, data.TestSource)
	if err != nil {
		return errors.Wrap(err, "test set")
	}
	trainSet, testSet = trainSet.Subset(opts.trainLimit), testSet.Subset(opts.testLimit)
	util.Logger.Printf("train=%d test=%d", trainSet.Len(), testSet.Len())

	trainLoader, err := data.NewLoader(trainSet, data.LoaderOptions{
		BatchSize: opts.batchSize, Shuffle: true, Seed: opts.seed, NumWorkers: opts.workers,
	})
	if err != nil {
		return err
	}
	defer trainLoader.Close()
	testLoader, err := data.NewLoader(testSet, data.LoaderOptions{
		BatchSize: opts.testBatch, Shuffle: true, Seed: opts.seed + 1, NumWorkers: opts.workers,
	})
	if err != nil {
		return err
	}
	defer testLoader.Close()

	trainer, err := ml.MakeTrainer(ml.MakeSTNet(opts.seed), opts.cfg, ml.DetectDevice(), os.Stdout)
	if err != nil {
		return err
	}
	defer trainer.Close()
	util.Logger.Println("No CUDA support; running on", trainer.Device())

	for epoch := 1; epoch <= opts.epochs; epoch++ {
		trainLoss, err := trainer.Train(ctx, epoch, trainLoader)
		if err != nil {
			return err
		}
		res, err := trainer.Test(ctx, testLoader)
		if err != nil {
			return err
		}
		util.PlotEpoch(epoch, trainLoss, res.Loss, res.Accuracy())
	}

	if err := visualizeSTN(ctx, trainer, testLoader, viz.RenderOptions{Path: opts.out, Show: opts.show}); err != nil {
		return err
	}
	if opts.out != "" {
		util.Logger.Println("Wrote", opts.out)
	}

	if opts.save != "" {
		return ml.SaveModel(trainer.Net(), opts.save)
	}
	return nil
}

// visualizeSTN renders one test batch next to its transformed version.
func visualizeSTN(ctx context.Context, trainer *ml.Trainer, loader ml.Batches, opts viz.RenderOptions) error {
	inGrid, outGrid, err := comparisonGrids(ctx, trainer, loader)
	if err != nil {
		return err
	}
	return viz.Render(viz.ConvertImage(inGrid), viz.ConvertImage(outGrid), opts)
}

// comparisonGrids lays out the first batch of loader and the same batch
// after the spatial transformer.
func comparisonGrids(ctx context.Context, trainer *ml.Trainer, loader ml.Batches) (in, out viz.Grid, err error) {
	loader.Start(ctx)
	defer loader.Close()
	if !loader.Scan() {
		if err := loader.Err(); err != nil {
			return in, out, err
		}
		return in, out, errors.New("visualize: empty test set")
	}
	batch := loader.Minibatch()

	transformed, err := trainer.Transform(batch.Images)
	if err != nil {
		return in, out, errors.Wrap(err, "visualize")
	}

	shp := batch.Images.Shape()
	n, c, h, w := shp[0], shp[1], shp[2], shp[3]
	if in, err = viz.MakeGrid(batch.Images.Data().([]float64), n, c, h, w, 8, 2); err != nil {
		return in, out, err
	}
	out, err = viz.MakeGrid(transformed.Data().([]float64), n, c, h, w, 8, 2)
	return in, out, err
}

func runPredict(args []string) error {
	predictCmd := flag.NewFlagSet("predict", flag.ExitOnError)
	load := predictCmd.String("load", "stn_model.gob", "the model file")
	predictCmd.Parse(args)

	net, err := ml.LoadModel(*load)
	if err != nil {
		return err
	}
	trainer, err := ml.MakeTrainer(net, ml.DefaultConfig(), ml.DetectDevice(), nil)
	if err != nil {
		return err
	}
	defer trainer.Close()

	for _, in := range predictCmd.Args() {
		for _, pa := range strings.Split(in, ":") {
			fns, err := filepath.Glob(pa)
			if err != nil {
				return errors.Wrapf(err, "bad pattern %q", pa)
			}
			for _, fn := range fns {
				pred, err := trainer.PredictFile(fn)
				if err != nil {
					return err
				}
				fmt.Printf("%s\t%d\n", fn, pred)
			}
		}
	}
	return nil
}
