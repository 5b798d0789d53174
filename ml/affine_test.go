package ml

import (
	"math"
	"math/rand"
	"testing"

	G "gorgonia.org/gorgonia"
	"gorgonia.org/tensor"
)

func randomImages(rng *rand.Rand, n, h, w int) *tensor.Dense {
	backing := make([]float64, n*h*w)
	for i := range backing {
		backing[i] = rng.NormFloat64()
	}
	return tensor.New(tensor.WithShape(n, 1, h, w), tensor.WithBacking(backing))
}

func runSampler(t *testing.T, x *tensor.Dense, theta []float64) []float64 {
	t.Helper()
	g := G.NewGraph()
	shp := x.Shape()
	xn := G.NewTensor(g, tensor.Float64, 4, G.WithShape(shp.Clone()...), G.WithName("x"), G.WithValue(x))
	tn := G.NewMatrix(g, tensor.Float64, G.WithShape(shp[0], 6), G.WithName("theta"),
		G.WithValue(tensor.New(tensor.WithShape(shp[0], 6), tensor.WithBacking(theta))))
	out, err := sampleAffine(xn, tn)
	if err != nil {
		t.Fatalf("sampleAffine: %v", err)
	}
	vm := G.NewTapeMachine(g)
	defer vm.Close()
	if err := vm.RunAll(); err != nil {
		t.Fatalf("run: %v", err)
	}
	return out.Value().Data().([]float64)
}

func TestSampleAffineIdentity(t *testing.T) {
	x := randomImages(rand.New(rand.NewSource(1)), 2, 28, 28)
	theta := append(append([]float64{}, IdentityTheta...), IdentityTheta...)
	got := runSampler(t, x, theta)
	for i, want := range x.Data().([]float64) {
		if math.Abs(got[i]-want) > 1e-9 {
			t.Fatalf("pixel %d: got %f, want %f", i, got[i], want)
		}
	}
}

func TestSampleAffineShiftsOnePixel(t *testing.T) {
	const h, w = 6, 8
	x := randomImages(rand.New(rand.NewSource(2)), 1, h, w)
	// a horizontal offset of 2/w in normalized coordinates is one pixel
	theta := []float64{1, 0, 2.0 / w, 0, 1, 0}
	got := runSampler(t, x, theta)
	in := x.Data().([]float64)
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			want := 0.0
			if j+1 < w {
				want = in[i*w+j+1]
			}
			if math.Abs(got[i*w+j]-want) > 1e-9 {
				t.Fatalf("(%d,%d): got %f, want %f", i, j, got[i*w+j], want)
			}
		}
	}
}

func TestSampleAffineInterpolatesHalfway(t *testing.T) {
	const h, w = 4, 4
	backing := make([]float64, h*w)
	for i := 0; i < h; i++ {
		for j := 0; j < w; j++ {
			backing[i*w+j] = float64(j)
		}
	}
	x := tensor.New(tensor.WithShape(1, 1, h, w), tensor.WithBacking(backing))
	theta := []float64{1, 0, 1.0 / w, 0, 1, 0}
	got := runSampler(t, x, theta)
	for i := 0; i < h; i++ {
		for j := 0; j < w-1; j++ {
			if want := float64(j) + 0.5; math.Abs(got[i*w+j]-want) > 1e-9 {
				t.Fatalf("(%d,%d): got %f, want %f", i, j, got[i*w+j], want)
			}
		}
	}
}

func TestSampleAffineRejectsMultiChannel(t *testing.T) {
	g := G.NewGraph()
	x := G.NewTensor(g, tensor.Float64, 4, G.WithShape(2, 3, 8, 8), G.WithName("x"))
	theta := G.NewMatrix(g, tensor.Float64, G.WithShape(2, 6), G.WithName("theta"))
	if _, err := sampleAffine(x, theta); err == nil {
		t.Fatalf("expected an error for a 3-channel input")
	}
}

func TestTransformIsIdentityAtInit(t *testing.T) {
	tr := newTestTrainer(t, MakeSTNet(3), 0.5)
	x := randomImages(rand.New(rand.NewSource(4)), 5, 28, 28)
	y, err := tr.Transform(x)
	if err != nil {
		t.Fatalf("Transform: %v", err)
	}
	if !y.Shape().Eq(x.Shape()) {
		t.Fatalf("shape %v, want %v", y.Shape(), x.Shape())
	}
	got := y.Data().([]float64)
	for i, want := range x.Data().([]float64) {
		if math.Abs(got[i]-want) > 1e-9 {
			t.Fatalf("pixel %d changed: got %f, want %f", i, got[i], want)
		}
	}
}

func TestThetaOnePerImage(t *testing.T) {
	tr := newTestTrainer(t, MakeSTNet(5), 0.5)
	for _, n := range []int{1, 7} {
		thetas, err := tr.Theta(randomImages(rand.New(rand.NewSource(int64(n))), n, 28, 28))
		if err != nil {
			t.Fatalf("Theta: %v", err)
		}
		if len(thetas) != n {
			t.Fatalf("got %d thetas for %d images", len(thetas), n)
		}
		for _, th := range thetas {
			for k, v := range th {
				if math.Abs(v-IdentityTheta[k]) > 1e-12 {
					t.Fatalf("theta %v is not the identity", th)
				}
			}
		}
	}
}
