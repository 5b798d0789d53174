package ml

import (
	"image"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
	"gorgonia.org/tensor"

	"stn/data"
)

// ReadDigit loads an image file as a normalized [1,1,28,28] batch.
// Images of another size are resized first.
func ReadDigit(fn string) (*tensor.Dense, error) {
	img := gocv.IMRead(fn, gocv.IMReadGrayScale)
	if img.Empty() {
		return nil, errors.Errorf("cannot read image %s", fn)
	}
	defer img.Close()

	if img.Rows() != data.ImgSize || img.Cols() != data.ImgSize {
		small := gocv.NewMat()
		defer small.Close()
		gocv.Resize(img, &small, image.Pt(data.ImgSize, data.ImgSize), 0, 0, gocv.InterpolationArea)
		return digitTensor(small.ToBytes()), nil
	}
	return digitTensor(img.ToBytes()), nil
}

func digitTensor(raw []byte) *tensor.Dense {
	backing := make([]float64, len(raw))
	for i, px := range raw {
		backing[i] = data.Normalize(px)
	}
	return tensor.New(tensor.WithShape(1, 1, data.ImgSize, data.ImgSize), tensor.WithBacking(backing))
}

// PredictFile classifies one image file.
func (t *Trainer) PredictFile(fn string) (int, error) {
	x, err := ReadDigit(fn)
	if err != nil {
		return -1, err
	}
	preds, err := t.Predict(x)
	if err != nil {
		return -1, errors.Wrap(err, fn)
	}
	return preds[0], nil
}
