package viz

import (
	"image"
	"image/color"

	"github.com/pkg/errors"
	"gocv.io/x/gocv"
)

const (
	InputTitle       = "Dataset Images"
	TransformedTitle = "Transformed Images"
	windowName       = "Spatial Transformer"
)

// RenderOptions controls how the comparison is produced.
type RenderOptions struct {
	Path  string // PNG output, skipped when empty
	Show  bool   // open a window and wait for a key press
	Scale int    // nearest-neighbour upscaling factor
}

// BGRBytes quantizes im to 8-bit BGR, the pixel order gocv expects.
func BGRBytes(im Image) []byte {
	out := make([]byte, len(im.Pix))
	for i := 0; i < im.H*im.W; i++ {
		for ch := 0; ch < 3; ch++ {
			out[i*3+2-ch] = uint8(clip(im.Pix[i*3+ch])*255 + 0.5)
		}
	}
	return out
}

func panel(im Image, title string, scale int) (gocv.Mat, error) {
	src, err := gocv.NewMatFromBytes(im.H, im.W, gocv.MatTypeCV8UC3, BGRBytes(im))
	if err != nil {
		return gocv.Mat{}, errors.Wrap(err, "image matrix")
	}
	defer src.Close()

	scaled := gocv.NewMat()
	defer scaled.Close()
	gocv.Resize(src, &scaled, image.Point{}, float64(scale), float64(scale), gocv.InterpolationNearestNeighbor)

	framed := gocv.NewMat()
	white := color.RGBA{255, 255, 255, 0}
	gocv.CopyMakeBorder(scaled, &framed, 40, 10, 10, 10, gocv.BorderConstant, white)
	gocv.PutText(&framed, title, image.Pt(10, 28), gocv.FontHersheySimplex, 0.8, color.RGBA{0, 0, 0, 0}, 2)
	return framed, nil
}

// Render draws the input and transformed grids side by side.
func Render(in, out Image, opts RenderOptions) error {
	if in.H != out.H || in.W != out.W {
		return errors.Errorf("render: grids differ in size (%dx%d vs %dx%d)", in.H, in.W, out.H, out.W)
	}
	if opts.Scale <= 0 {
		opts.Scale = 2
	}

	left, err := panel(in, InputTitle, opts.Scale)
	if err != nil {
		return err
	}
	defer left.Close()
	right, err := panel(out, TransformedTitle, opts.Scale)
	if err != nil {
		return err
	}
	defer right.Close()

	both := gocv.NewMat()
	defer both.Close()
	gocv.Hconcat(left, right, &both)

	if opts.Path != "" {
		if ok := gocv.IMWrite(opts.Path, both); !ok {
			return errors.Errorf("render: cannot write %s", opts.Path)
		}
	}
	if opts.Show {
		window := gocv.NewWindow(windowName)
		defer window.Close()
		window.IMShow(both)
		window.WaitKey(0)
	}
	return nil
}
