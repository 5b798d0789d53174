package viz

import (
	"math"

	"github.com/pkg/errors"
)

// Mean and Std undo the display normalization applied to image grids.
var (
	Mean = [3]float64{0.485, 0.456, 0.406}
	Std  = [3]float64{0.229, 0.224, 0.225}
)

// Grid is a CHW image holding a batch tiled row by row.
type Grid struct {
	C, H, W int
	Pix     []float64
}

// MakeGrid tiles n images of shape [c,h,w] into rows of nrow images
// separated by padding pixels of value 0. Single-channel images are
// repeated into three channels.
func MakeGrid(images []float64, n, c, h, w, nrow, padding int) (Grid, error) {
	if n <= 0 || len(images) != n*c*h*w {
		return Grid{}, errors.Errorf("make grid: %d values for %d images of %dx%dx%d", len(images), n, c, h, w)
	}
	if c != 1 && c != 3 {
		return Grid{}, errors.Errorf("make grid: want 1 or 3 channels, got %d", c)
	}
	if nrow <= 0 {
		nrow = 8
	}

	xmaps := nrow
	if n < xmaps {
		xmaps = n
	}
	ymaps := (n + xmaps - 1) / xmaps
	cellH, cellW := h+padding, w+padding
	g := Grid{C: 3, H: ymaps*cellH + padding, W: xmaps*cellW + padding}
	g.Pix = make([]float64, g.C*g.H*g.W)

	for k := 0; k < n; k++ {
		top := (k/xmaps)*cellH + padding
		left := (k%xmaps)*cellW + padding
		for ch := 0; ch < g.C; ch++ {
			srcCh := ch
			if c == 1 {
				srcCh = 0
			}
			src := images[(k*c+srcCh)*h*w:]
			for y := 0; y < h; y++ {
				row := g.Pix[(ch*g.H+top+y)*g.W+left:]
				copy(row[:w], src[y*w:(y+1)*w])
			}
		}
	}
	return g, nil
}

// Image is an HWC picture with three channels in [0,1].
type Image struct {
	H, W int
	Pix  []float64
}

func (im Image) At(y, x, ch int) float64 {
	return im.Pix[(y*im.W+x)*3+ch]
}

// ConvertImage moves the channels last, applies std*x+mean per channel and
// clips the result to [0,1].
func ConvertImage(g Grid) Image {
	im := Image{H: g.H, W: g.W, Pix: make([]float64, g.H*g.W*3)}
	for ch := 0; ch < 3; ch++ {
		plane := g.Pix[ch*g.H*g.W : (ch+1)*g.H*g.W]
		for i, v := range plane {
			im.Pix[i*3+ch] = clip(Std[ch]*v + Mean[ch])
		}
	}
	return im
}

func clip(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
