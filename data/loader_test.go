package data

import (
	"context"
	"reflect"
	"testing"
)

// indexedDataset stores each sample's index in its pixels.
func indexedDataset(n int) *Dataset {
	ds := &Dataset{Rows: 2, Cols: 2}
	for i := 0; i < n; i++ {
		ds.Images = append(ds.Images, []byte{byte(i), byte(i), byte(i), byte(i)})
		ds.Labels = append(ds.Labels, i%NumClasses)
	}
	return ds
}

func sampleIDs(b Batch) []int {
	lut := map[float64]int{}
	for i := 0; i < 256; i++ {
		lut[Normalize(byte(i))] = i
	}
	px := b.Images.Data().([]float64)
	ids := make([]int, b.Size())
	for i := range ids {
		ids[i] = lut[px[i*4]]
	}
	return ids
}

func drain(t *testing.T, l *Loader) [][]int {
	t.Helper()
	l.Start(context.Background())
	var batches [][]int
	for l.Scan() {
		b := l.Minibatch()
		if shp := b.Images.Shape(); shp[0] != b.Size() || shp[1] != 1 || shp[2] != 2 || shp[3] != 2 {
			t.Fatalf("batch shape %v for %d labels", shp, b.Size())
		}
		batches = append(batches, sampleIDs(b))
	}
	if err := l.Err(); err != nil {
		t.Fatalf("loader: %v", err)
	}
	return batches
}

func TestLoaderVisitsEverySampleOnce(t *testing.T) {
	l, err := NewLoader(indexedDataset(10), LoaderOptions{BatchSize: 4, Shuffle: true, Seed: 3, NumWorkers: 3})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()
	if l.Len() != 3 {
		t.Fatalf("Len = %d, want 3", l.Len())
	}

	batches := drain(t, l)
	if len(batches) != 3 || len(batches[2]) != 2 {
		t.Fatalf("unexpected batch sizes: %v", batches)
	}
	seen := map[int]bool{}
	for _, b := range batches {
		for _, id := range b {
			if seen[id] {
				t.Fatalf("sample %d seen twice", id)
			}
			seen[id] = true
		}
	}
	if len(seen) != 10 {
		t.Fatalf("saw %d samples, want 10", len(seen))
	}
}

func TestLoaderSequentialWithoutShuffle(t *testing.T) {
	l, err := NewLoader(indexedDataset(5), LoaderOptions{BatchSize: 2, NumWorkers: 4})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()
	want := [][]int{{0, 1}, {2, 3}, {4}}
	if got := drain(t, l); !reflect.DeepEqual(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}
}

func TestLoaderDeterministicPerSeed(t *testing.T) {
	passes := func(seed int64) [][][]int {
		l, err := NewLoader(indexedDataset(40), LoaderOptions{BatchSize: 8, Shuffle: true, Seed: seed, NumWorkers: 4})
		if err != nil {
			t.Fatalf("NewLoader: %v", err)
		}
		defer l.Close()
		return [][][]int{drain(t, l), drain(t, l)}
	}
	a, b := passes(11), passes(11)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("same seed gave different orders")
	}
	if reflect.DeepEqual(a[0], a[1]) {
		t.Fatalf("consecutive passes were not reshuffled")
	}
}

func TestLoaderCancel(t *testing.T) {
	l, err := NewLoader(indexedDataset(100), LoaderOptions{BatchSize: 1, NumWorkers: 2})
	if err != nil {
		t.Fatalf("NewLoader: %v", err)
	}
	defer l.Close()
	ctx, cancel := context.WithCancel(context.Background())
	l.Start(ctx)
	if !l.Scan() {
		t.Fatalf("no first batch: %v", l.Err())
	}
	cancel()
	n := 0
	for l.Scan() {
		n++
	}
	if n >= 99 {
		t.Fatalf("cancelled pass still delivered every batch")
	}
	if l.Err() == nil {
		t.Fatalf("expected the cancellation to be reported")
	}
}

func TestNewLoaderValidates(t *testing.T) {
	if _, err := NewLoader(&Dataset{}, LoaderOptions{BatchSize: 1}); err == nil {
		t.Fatalf("expected empty dataset to be rejected")
	}
	if _, err := NewLoader(indexedDataset(3), LoaderOptions{}); err == nil {
		t.Fatalf("expected zero batch size to be rejected")
	}
}
