package data

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"

	"stn/util"
)

var httpClient = &http.Client{Timeout: 5 * time.Minute}

// newBackOff builds the retry policy used for one mirror.
var newBackOff = func() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.MaxElapsedTime = 2 * time.Minute
	return b
}

// Download fetches rf into path, trying each mirror in turn. The file is
// only moved into place once its digest matches.
func Download(path string, rf RemoteFile, mirrors []string) error {
	if len(mirrors) == 0 {
		return errors.Errorf("download %s: no mirrors", rf.Name)
	}

	var lastErr error
	for _, mirror := range mirrors {
		url := mirror + rf.Name
		util.Logger.Printf("Downloading %s", url)

		var raw []byte
		err := backoff.Retry(func() error {
			var err error
			raw, err = fetch(url)
			if err != nil {
				util.Debugf("fetch %s: %v", url, err)
				return err
			}
			if err := checkDigest(raw, rf.SHA256); err != nil {
				return backoff.Permanent(err)
			}
			return nil
		}, newBackOff())
		if err != nil {
			lastErr = errors.Wrapf(err, "download %s", url)
			util.Logger.Println(lastErr)
			continue
		}
		return writeAtomic(path, raw)
	}
	return lastErr
}

func fetch(url string) ([]byte, error) {
	resp, err := httpClient.Get(url)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return nil, errors.Errorf("unexpected status %s", resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func writeAtomic(path string, raw []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".*.part")
	if err != nil {
		return errors.Wrap(err, "create temp file")
	}
	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "write %s", tmp.Name())
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return errors.Wrapf(err, "close %s", tmp.Name())
	}
	return errors.Wrap(os.Rename(tmp.Name(), path), "rename download")
}
