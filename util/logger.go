package util

import (
	"fmt"
	"io"
	"log"
	"os"

	"github.com/pkg/errors"
)

var Logger *log.Logger = log.Default()

// InitLogger tees the process log to stderr and stn_<runID>.log in dir.
func InitLogger(dir, runID string) (io.Closer, error) {
	fname := fmt.Sprintf("%s/stn_%s.log", dir, runID)
	file, err := os.Create(fname)
	if err != nil {
		return nil, errors.Wrap(err, "create log file")
	}
	mw := io.MultiWriter(os.Stderr, file)
	Logger = log.New(mw, fmt.Sprintf("[%s] ", runID), log.LstdFlags)
	return file, nil
}
