package data

import (
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
)

func gzipBytes(t *testing.T, raw []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := gzip.NewWriter(&buf)
	if _, err := zw.Write(raw); err != nil {
		t.Fatalf("gzip: %v", err)
	}
	if err := zw.Close(); err != nil {
		t.Fatalf("gzip close: %v", err)
	}
	return buf.Bytes()
}

// idxFiles builds gzipped IDX archives for n 2x3 images whose pixels all
// equal their index and whose label is index%10.
func idxFiles(t *testing.T, n int, imgMagic uint32) (images, labels []byte) {
	t.Helper()
	img := make([]byte, 16, 16+n*6)
	binary.BigEndian.PutUint32(img[0:], imgMagic)
	binary.BigEndian.PutUint32(img[4:], uint32(n))
	binary.BigEndian.PutUint32(img[8:], 2)
	binary.BigEndian.PutUint32(img[12:], 3)
	lbl := make([]byte, 8, 8+n)
	binary.BigEndian.PutUint32(lbl[0:], labelsMagic)
	binary.BigEndian.PutUint32(lbl[4:], uint32(n))
	for i := 0; i < n; i++ {
		img = append(img, bytes.Repeat([]byte{byte(i)}, 6)...)
		lbl = append(lbl, byte(i%10))
	}
	return gzipBytes(t, img), gzipBytes(t, lbl)
}

func digest(raw []byte) string {
	return fmt.Sprintf("%x", sha256.Sum256(raw))
}

func fastRetries(t *testing.T) {
	t.Helper()
	prev := newBackOff
	newBackOff = func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 3)
	}
	t.Cleanup(func() { newBackOff = prev })
}

func TestDecode(t *testing.T) {
	imgs, lbls := idxFiles(t, 12, imagesMagic)
	ds, err := Decode(imgs, lbls)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if ds.Len() != 12 || ds.Rows != 2 || ds.Cols != 3 {
		t.Fatalf("got %d images of %dx%d", ds.Len(), ds.Rows, ds.Cols)
	}
	if ds.Images[11][5] != 11 || ds.Labels[11] != 1 {
		t.Fatalf("sample 11 decoded as %v / %d", ds.Images[11], ds.Labels[11])
	}
	if sub := ds.Subset(5); sub.Len() != 5 || ds.Subset(0).Len() != 12 {
		t.Fatalf("Subset lengths wrong")
	}
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	imgs, lbls := idxFiles(t, 3, labelsMagic)
	if _, err := Decode(imgs, lbls); err == nil {
		t.Fatalf("expected bad magic to be rejected")
	}
}

func TestDecodeRejectsCountMismatch(t *testing.T) {
	imgs, _ := idxFiles(t, 4, imagesMagic)
	_, lbls := idxFiles(t, 3, imagesMagic)
	if _, err := Decode(imgs, lbls); err == nil {
		t.Fatalf("expected label count mismatch to be rejected")
	}
}

func TestOpenDownloadsWithRetry(t *testing.T) {
	fastRetries(t)
	imgs, lbls := idxFiles(t, 7, imagesMagic)
	files := map[string][]byte{"/imgs.gz": imgs, "/lbls.gz": lbls}

	var mu sync.Mutex
	hits := map[string]int{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		hits[r.URL.Path]++
		first := hits[r.URL.Path] == 1
		mu.Unlock()
		if first {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		w.Write(files[r.URL.Path])
	}))
	defer srv.Close()

	root := t.TempDir()
	src := Source{
		Mirrors: []string{srv.URL + "/"},
		Images:  RemoteFile{"imgs.gz", digest(imgs)},
		Labels:  RemoteFile{"lbls.gz", digest(lbls)},
	}
	ds, err := Open(root, src)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if ds.Len() != 7 {
		t.Fatalf("got %d samples, want 7", ds.Len())
	}
	if hits["/imgs.gz"] != 2 || hits["/lbls.gz"] != 2 {
		t.Fatalf("expected one retry per file, got %v", hits)
	}

	// a second open reads the cached archives
	if _, err := Open(root, src); err != nil {
		t.Fatalf("reopen: %v", err)
	}
	if hits["/imgs.gz"] != 2 {
		t.Fatalf("cached archive was downloaded again")
	}
}

func TestDownloadChecksumMismatchUsesNextMirror(t *testing.T) {
	fastRetries(t)
	good := gzipBytes(t, []byte("payload"))
	var badHits int
	bad := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		badHits++
		w.Write([]byte("tampered"))
	}))
	defer bad.Close()
	ok := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(good)
	}))
	defer ok.Close()

	path := filepath.Join(t.TempDir(), "f.gz")
	err := Download(path, RemoteFile{"f.gz", digest(good)}, []string{bad.URL + "/", ok.URL + "/"})
	if err != nil {
		t.Fatalf("Download: %v", err)
	}
	if badHits != 1 {
		t.Fatalf("checksum mismatch was retried %d times", badHits)
	}
	got, err := os.ReadFile(path)
	if err != nil || !bytes.Equal(got, good) {
		t.Fatalf("downloaded file differs (err=%v)", err)
	}
}

func TestDownloadFailsWhenAllMirrorsFail(t *testing.T) {
	fastRetries(t)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	path := filepath.Join(t.TempDir(), "f.gz")
	if err := Download(path, RemoteFile{Name: "f.gz"}, []string{srv.URL + "/"}); err == nil {
		t.Fatalf("expected an error")
	}
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Fatalf("partial file left behind")
	}
}
