package util

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/pkg/errors"
)

var PlotLogger *log.Logger = log.New(io.Discard, "", 0)

// InitPlotLogger sends per-epoch metrics for run runID to
// plot_logs_<runID>_<tag>.txt inside dir.
func InitPlotLogger(dir, runID, tag string) (io.Closer, error) {
	fname := fmt.Sprintf("%s/plot_logs_%s_%s.txt", dir, runID, tag)
	file, err := os.Create(fname)
	if err != nil {
		return nil, errors.Wrap(err, "create plot log")
	}
	prefix := fmt.Sprintf("plot_logs_%s_%s: ", runID, tag)
	PlotLogger = log.New(file, prefix, 0)
	return file, nil
}

// PlotEpoch records one train/test cycle.
func PlotEpoch(epoch int, trainLoss, testLoss, accuracy float64) {
	PlotLogger.Printf("epoch=%d train_loss=%.6f test_loss=%.4f accuracy=%.2f",
		epoch, trainLoss, testLoss, accuracy)
}
