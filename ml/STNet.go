package ml

import (
	"math/rand"

	"github.com/pkg/errors"
	G "gorgonia.org/gorgonia"
)

const numClasses = 10

// Localizer predicts an affine map per image and resamples the image
// through it.
type Localizer struct {
	Conv1W, Conv1B *Parameter // 1 -> 8, 7x7
	Conv2W, Conv2B *Parameter // 8 -> 10, 5x5
	FC1W, FC1B     *Parameter // 90 -> 32
	FC2W, FC2B     *Parameter // 32 -> 6
}

func newLocalizer(rng *rand.Rand) *Localizer {
	l := &Localizer{}
	l.Conv1W, l.Conv1B = convParameters(rng, "loc_conv1", 1, 8, 7)
	l.Conv2W, l.Conv2B = convParameters(rng, "loc_conv2", 8, 10, 5)
	l.FC1W, l.FC1B = linearParameters(rng, "loc_fc1", 10*3*3, 32)
	// the regressor starts out as the identity transform
	l.FC2W = constParameter("loc_fc2_w", make([]float64, 32*6), 32, 6)
	l.FC2B = constParameter("loc_fc2_b", IdentityTheta, 1, 6)
	return l
}

func (l *Localizer) Parameters() []*Parameter {
	return []*Parameter{l.Conv1W, l.Conv1B, l.Conv2W, l.Conv2B, l.FC1W, l.FC1B, l.FC2W, l.FC2B}
}

// Theta regresses the affine parameters [B,6] for x [B,1,28,28].
func (l *Localizer) Theta(b *binder, x *G.Node) (*G.Node, error) {
	h, err := conv2d(b, x, l.Conv1W, l.Conv1B)
	if err != nil {
		return nil, err
	}
	if h, err = maxPoolRelu(h); err != nil {
		return nil, err
	}
	if h, err = conv2d(b, h, l.Conv2W, l.Conv2B); err != nil {
		return nil, err
	}
	if h, err = maxPoolRelu(h); err != nil {
		return nil, err
	}
	if h, err = flatten(h); err != nil {
		return nil, err
	}
	if h, err = linear(b, h, l.FC1W, l.FC1B); err != nil {
		return nil, err
	}
	if h, err = G.Rectify(h); err != nil {
		return nil, errors.Wrap(err, "loc_fc1 relu")
	}
	return linear(b, h, l.FC2W, l.FC2B)
}

// Forward returns x resampled through its predicted affine map.
func (l *Localizer) Forward(b *binder, x *G.Node) (*G.Node, error) {
	theta, err := l.Theta(b, x)
	if err != nil {
		return nil, err
	}
	return sampleAffine(x, theta)
}

// Classifier maps a normalized image to class log-probabilities.
type Classifier struct {
	Conv1W, Conv1B *Parameter // 1 -> 10, 5x5
	Conv2W, Conv2B *Parameter // 10 -> 20, 5x5
	FC1W, FC1B     *Parameter // 320 -> 50
	FC2W, FC2B     *Parameter // 50 -> 10
}

func newClassifier(rng *rand.Rand) *Classifier {
	c := &Classifier{}
	c.Conv1W, c.Conv1B = convParameters(rng, "conv1", 1, 10, 5)
	c.Conv2W, c.Conv2B = convParameters(rng, "conv2", 10, 20, 5)
	c.FC1W, c.FC1B = linearParameters(rng, "fc1", 320, 50)
	c.FC2W, c.FC2B = linearParameters(rng, "fc2", 50, numClasses)
	return c
}

func (c *Classifier) Parameters() []*Parameter {
	return []*Parameter{c.Conv1W, c.Conv1B, c.Conv2W, c.Conv2B, c.FC1W, c.FC1B, c.FC2W, c.FC2B}
}

func (c *Classifier) Forward(b *binder, x *G.Node) (*G.Node, error) {
	h, err := conv2d(b, x, c.Conv1W, c.Conv1B)
	if err != nil {
		return nil, err
	}
	if h, err = maxPoolRelu(h); err != nil {
		return nil, err
	}
	if h, err = conv2d(b, h, c.Conv2W, c.Conv2B); err != nil {
		return nil, err
	}
	if h, err = dropChannels(b, h); err != nil {
		return nil, err
	}
	if h, err = maxPoolRelu(h); err != nil {
		return nil, err
	}
	if h, err = flatten(h); err != nil {
		return nil, err
	}
	if h, err = linear(b, h, c.FC1W, c.FC1B); err != nil {
		return nil, err
	}
	if h, err = G.Rectify(h); err != nil {
		return nil, errors.Wrap(err, "fc1 relu")
	}
	if h, err = drop(b, h); err != nil {
		return nil, err
	}
	if h, err = linear(b, h, c.FC2W, c.FC2B); err != nil {
		return nil, err
	}
	out, err := G.LogSoftMax(h)
	return out, errors.Wrap(err, "log softmax")
}

// STNet is the spatial transformer followed by the classifier.
type STNet struct {
	Loc *Localizer
	Cls *Classifier
}

// MakeSTNet initializes every parameter from seed.
func MakeSTNet(seed int64) *STNet {
	rng := rand.New(rand.NewSource(seed))
	loc := newLocalizer(rng)
	return &STNet{Loc: loc, Cls: newClassifier(rng)}
}

func (n *STNet) Stages() []Stage {
	return []Stage{n.Loc, n.Cls}
}

func (n *STNet) Parameters() []*Parameter {
	var ps []*Parameter
	for _, s := range n.Stages() {
		ps = append(ps, s.Parameters()...)
	}
	return ps
}

// Forward runs the stages in sequence.
func (n *STNet) Forward(b *binder, x *G.Node) (out *G.Node, err error) {
	out = x
	for _, s := range n.Stages() {
		if out, err = s.Forward(b, out); err != nil {
			return nil, err
		}
	}
	return out, nil
}
