package data

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"
)

const (
	ImgSize    = 28
	NumClasses = 10

	imagesMagic = 2051
	labelsMagic = 2049
)

// Mean and Std are the per-pixel statistics of the MNIST training split.
const (
	Mean = 0.1307
	Std  = 0.3081
)

// RemoteFile is one archive of the dataset with its expected digest.
type RemoteFile struct {
	Name   string
	SHA256 string
}

// Source describes where the archives of a split come from.
type Source struct {
	Mirrors []string
	Images  RemoteFile
	Labels  RemoteFile
}

var DefaultMirrors = []string{
	"https://ossci-datasets.s3.amazonaws.com/mnist/",
	"http://yann.lecun.com/exdb/mnist/",
}

var TrainSource = Source{
	Mirrors: DefaultMirrors,
	Images:  RemoteFile{"train-images-idx3-ubyte.gz", "440fcabf73cc546fa21475e81ea370265605f56be210a4024d2ca8f203523609"},
	Labels:  RemoteFile{"train-labels-idx1-ubyte.gz", "3552534a0a558bbed6aed32b30c495cca23d567ec52cac8be1a0730e8010255c"},
}

var TestSource = Source{
	Mirrors: DefaultMirrors,
	Images:  RemoteFile{"t10k-images-idx3-ubyte.gz", "8d422c7b0a1c1c79245a5bcf07fe86e33eeafee792b84584aec276f5a2dbc4e6"},
	Labels:  RemoteFile{"t10k-labels-idx1-ubyte.gz", "f7ae60f92e00ec6debd23a6088c31dbd2371eca3ffa0defaefb259924204aec6"},
}

// Dataset is an immutable list of labeled images.
type Dataset struct {
	Rows, Cols int
	Images     [][]byte
	Labels     []int
}

func (d *Dataset) Len() int {
	return len(d.Labels)
}

// Subset returns a view over the first n samples.
func (d *Dataset) Subset(n int) *Dataset {
	if n <= 0 || n >= d.Len() {
		return d
	}
	return &Dataset{Rows: d.Rows, Cols: d.Cols, Images: d.Images[:n], Labels: d.Labels[:n]}
}

// RawDir is where the archives of root are kept.
func RawDir(root string) string {
	return filepath.Join(root, "MNIST", "raw")
}

// Open loads the split described by src from root, downloading missing
// archives first.
func Open(root string, src Source) (*Dataset, error) {
	dir := RawDir(root)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create %s", dir)
	}

	for _, rf := range []RemoteFile{src.Images, src.Labels} {
		path := filepath.Join(dir, rf.Name)
		if _, err := os.Stat(path); err == nil {
			continue
		} else if !os.IsNotExist(err) {
			return nil, errors.Wrapf(err, "stat %s", path)
		}
		if err := Download(path, rf, src.Mirrors); err != nil {
			return nil, err
		}
	}

	rawImages, err := readVerified(filepath.Join(dir, src.Images.Name), src.Images.SHA256)
	if err != nil {
		return nil, err
	}
	rawLabels, err := readVerified(filepath.Join(dir, src.Labels.Name), src.Labels.SHA256)
	if err != nil {
		return nil, err
	}
	return Decode(rawImages, rawLabels)
}

func readVerified(path, digest string) ([]byte, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "read %s", path)
	}
	if err := checkDigest(raw, digest); err != nil {
		return nil, errors.Wrap(err, path)
	}
	return raw, nil
}

func checkDigest(raw []byte, digest string) error {
	if digest == "" {
		return nil
	}
	if got := fmt.Sprintf("%x", sha256.Sum256(raw)); got != digest {
		return errors.Errorf("sha256 mismatch: got %s, want %s", got, digest)
	}
	return nil
}

// Decode parses gzipped IDX image and label files.
func Decode(gzImages, gzLabels []byte) (*Dataset, error) {
	imgs, err := gunzip(gzImages)
	if err != nil {
		return nil, errors.Wrap(err, "images")
	}
	lbls, err := gunzip(gzLabels)
	if err != nil {
		return nil, errors.Wrap(err, "labels")
	}

	if len(imgs) < 16 {
		return nil, errors.New("images: short header")
	}
	if magic := binary.BigEndian.Uint32(imgs[0:]); magic != imagesMagic {
		return nil, errors.Errorf("images: bad magic %d", magic)
	}
	n := int(binary.BigEndian.Uint32(imgs[4:]))
	rows := int(binary.BigEndian.Uint32(imgs[8:]))
	cols := int(binary.BigEndian.Uint32(imgs[12:]))
	size := rows * cols
	imgs = imgs[16:]
	if len(imgs) != n*size {
		return nil, errors.Errorf("images: have %d bytes, header says %d", len(imgs), n*size)
	}

	if len(lbls) < 8 {
		return nil, errors.New("labels: short header")
	}
	if magic := binary.BigEndian.Uint32(lbls[0:]); magic != labelsMagic {
		return nil, errors.Errorf("labels: bad magic %d", magic)
	}
	if m := int(binary.BigEndian.Uint32(lbls[4:])); m != n || len(lbls)-8 != n {
		return nil, errors.Errorf("labels: %d labels for %d images", len(lbls)-8, n)
	}
	lbls = lbls[8:]

	ds := &Dataset{Rows: rows, Cols: cols, Images: make([][]byte, n), Labels: make([]int, n)}
	for i := 0; i < n; i++ {
		ds.Images[i] = imgs[i*size : (i+1)*size]
		ds.Labels[i] = int(lbls[i])
	}
	return ds, nil
}

func gunzip(raw []byte) ([]byte, error) {
	zr, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		return nil, err
	}
	defer zr.Close()
	return io.ReadAll(zr)
}

// Normalize maps a raw pixel to the normalized input space.
func Normalize(px byte) float64 {
	return (float64(px)/255 - Mean) / Std
}
