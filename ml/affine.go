package ml

import (
	"fmt"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

// IdentityTheta is the affine map that leaves an image unchanged, laid
// out row-major as the 2x3 matrix [[1 0 0] [0 1 0]].
var IdentityTheta = []float64{1, 0, 0, 0, 1, 0}

// affineGrid returns the constants that turn theta [B,6] into source pixel
// coordinates. For target pixel p = i*w+j with normalized position
// x = (2j+1)/w-1, y = (2i+1)/h-1:
//
//	srcX(p) = (theta · ax)[p] + (w-1)/2
//	srcY(p) = (theta · ay)[p] + (h-1)/2
//
// ax and ay are [6, h*w]: rows 0-2 of ax (rows 3-5 of ay) hold x, y and 1
// scaled by w/2 (h/2), so the identity theta maps every pixel onto itself.
func affineGrid(h, w int) (ax, ay *tensor.Dense) {
	p := h * w
	axb := make([]float64, 6*p)
	ayb := make([]float64, 6*p)
	sx, sy := float64(w)/2, float64(h)/2
	for i := 0; i < h; i++ {
		y := float64(2*i+1)/float64(h) - 1
		for j := 0; j < w; j++ {
			x := float64(2*j+1)/float64(w) - 1
			k := i*w + j
			axb[0*p+k], axb[1*p+k], axb[2*p+k] = sx*x, sx*y, sx
			ayb[3*p+k], ayb[4*p+k], ayb[5*p+k] = sy*x, sy*y, sy
		}
	}
	ax = tensor.New(tensor.WithShape(6, p), tensor.WithBacking(axb))
	ay = tensor.New(tensor.WithShape(6, p), tensor.WithBacking(ayb))
	return ax, ay
}

func pixelIndices(n int) *tensor.Dense {
	backing := make([]float64, n)
	for i := range backing {
		backing[i] = float64(i)
	}
	return tensor.New(tensor.WithShape(1, n), tensor.WithBacking(backing))
}

// tentWeights gives the bilinear weight of every source pixel along one
// axis for each sampled coordinate: relu(1 - |src - idx|). coords is
// [B, P]; the result is [B, P, n].
func tentWeights(g *G.ExprGraph, coords *G.Node, n int, axis string) (*G.Node, error) {
	shp := coords.Shape()
	bs, p := shp[0], shp[1]
	col, err := G.Reshape(coords, tensor.Shape{bs * p, 1})
	if err != nil {
		return nil, errors.Wrapf(err, "%s coordinates", axis)
	}
	idx := G.NewMatrix(g, tensor.Float64, G.WithShape(1, n),
		G.WithName(fmt.Sprintf("stn_%s_index_%d", axis, bs)), G.WithValue(pixelIndices(n)))
	dist, err := G.BroadcastSub(col, idx, []byte{1}, []byte{0})
	if err != nil {
		return nil, errors.Wrapf(err, "%s distance", axis)
	}
	abs, err := G.Abs(dist)
	if err != nil {
		return nil, err
	}
	neg, err := G.Neg(abs)
	if err != nil {
		return nil, err
	}
	tent, err := G.Add(neg, G.NewConstant(1.0))
	if err != nil {
		return nil, err
	}
	if tent, err = G.Rectify(tent); err != nil {
		return nil, err
	}
	out, err := G.Reshape(tent, tensor.Shape{bs, p, n})
	return out, errors.Wrapf(err, "%s weights", axis)
}

// sampleAffine resamples x [B,1,H,W] through the per-sample affine maps
// theta [B,6] with bilinear interpolation. Source positions outside the
// image read zeros. Every step is a library primitive, so gradients flow
// back into theta.
func sampleAffine(x, theta *G.Node) (*G.Node, error) {
	shp := x.Shape()
	if shp.Dims() != 4 {
		return nil, errors.Errorf("sampleAffine: want [B,C,H,W] input, got %v", shp)
	}
	bs, c, h, w := shp[0], shp[1], shp[2], shp[3]
	if c != 1 {
		return nil, errors.Errorf("sampleAffine: want one channel, got %d", c)
	}
	if ts := theta.Shape(); ts.Dims() != 2 || ts[0] != bs || ts[1] != 6 {
		return nil, errors.Errorf("sampleAffine: want theta [%d,6], got %v", bs, ts)
	}
	g := x.Graph()

	axv, ayv := affineGrid(h, w)
	ax := G.NewMatrix(g, tensor.Float64, G.WithShape(6, h*w),
		G.WithName(fmt.Sprintf("stn_grid_x_%d", bs)), G.WithValue(axv))
	ay := G.NewMatrix(g, tensor.Float64, G.WithShape(6, h*w),
		G.WithName(fmt.Sprintf("stn_grid_y_%d", bs)), G.WithValue(ayv))

	sx, err := G.Mul(theta, ax)
	if err != nil {
		return nil, errors.Wrap(err, "source x")
	}
	if sx, err = G.Add(sx, G.NewConstant(float64(w-1)/2)); err != nil {
		return nil, errors.Wrap(err, "source x offset")
	}
	sy, err := G.Mul(theta, ay)
	if err != nil {
		return nil, errors.Wrap(err, "source y")
	}
	if sy, err = G.Add(sy, G.NewConstant(float64(h-1)/2)); err != nil {
		return nil, errors.Wrap(err, "source y offset")
	}

	wx, err := tentWeights(g, sx, w, "x")
	if err != nil {
		return nil, err
	}
	wy, err := tentWeights(g, sy, h, "y")
	if err != nil {
		return nil, err
	}

	img, err := G.Reshape(x, tensor.Shape{bs, h, w})
	if err != nil {
		return nil, errors.Wrap(err, "flatten channel")
	}
	// rows[b,p,i] = sum_j wx[b,p,j] * img[b,i,j]
	rows, err := G.BatchedMatMul(wx, img, false, true)
	if err != nil {
		return nil, errors.Wrap(err, "interpolate rows")
	}
	mixed, err := G.HadamardProd(wy, rows)
	if err != nil {
		return nil, errors.Wrap(err, "interpolate columns")
	}
	flat, err := G.Sum(mixed, 2)
	if err != nil {
		return nil, errors.Wrap(err, "reduce columns")
	}
	out, err := G.Reshape(flat, tensor.Shape{bs, 1, h, w})
	return out, errors.Wrap(err, "sampled image")
}
