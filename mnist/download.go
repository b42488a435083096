package mnist

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/pkg/errors"
)

const (
	TrainImagesFile = "train-images-idx3-ubyte.gz"
	TrainLabelsFile = "train-labels-idx1-ubyte.gz"
	TestImagesFile  = "t10k-images-idx3-ubyte.gz"
	TestLabelsFile  = "t10k-labels-idx1-ubyte.gz"

	downloadRetries = 5
)

var rawFiles = []string{TrainImagesFile, TrainLabelsFile, TestImagesFile, TestLabelsFile}

// Downloader Fetches MNIST archives from mirror
type Downloader struct {
	Mirror string
	Client *http.Client
	// Backoff returns retry policy for single file. Exponential backoff with limited retries is used when nil
	Backoff func() backoff.BackOff
}

// Download Fetches every missing archive into dir
func (d *Downloader) Download(ctx context.Context, dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrapf(err, "Can't create directory '%s'", dir)
	}
	for _, name := range rawFiles {
		target := filepath.Join(dir, name)
		if _, err := os.Stat(target); err == nil {
			continue
		}
		url := strings.TrimSuffix(d.Mirror, "/") + "/" + name
		log.Printf("Downloading %s to %s\n", url, target)
		policy := d.policy()
		err := backoff.RetryNotify(func() error {
			return d.fetch(ctx, url, target)
		}, backoff.WithContext(policy, ctx), func(err error, wait time.Duration) {
			log.Printf("Download of %s failed, retrying in %v: %v\n", url, wait, err)
		})
		if err != nil {
			return errors.Wrapf(err, "Can't download '%s'", url)
		}
	}
	return nil
}

func (d *Downloader) policy() backoff.BackOff {
	if d.Backoff != nil {
		return d.Backoff()
	}
	return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), downloadRetries)
}

func (d *Downloader) fetch(ctx context.Context, url, target string) error {
	client := d.Client
	if client == nil {
		client = http.DefaultClient
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "Can't prepare request"))
	}
	resp, err := client.Do(req)
	if err != nil {
		return errors.Wrap(err, "Can't do request")
	}
	defer resp.Body.Close()
	switch {
	case resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests:
		return fmt.Errorf("mirror responded with status %d", resp.StatusCode)
	case resp.StatusCode != http.StatusOK:
		return backoff.Permanent(fmt.Errorf("mirror responded with status %d", resp.StatusCode))
	}

	// Partial downloads never appear under target name
	tmp, err := os.CreateTemp(filepath.Dir(target), filepath.Base(target)+".part-*")
	if err != nil {
		return backoff.Permanent(errors.Wrap(err, "Can't create temporary file"))
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return errors.Wrap(err, "Can't read response body")
	}
	if err := tmp.Close(); err != nil {
		return backoff.Permanent(errors.Wrap(err, "Can't flush temporary file"))
	}
	if err := os.Rename(tmp.Name(), target); err != nil {
		return backoff.Permanent(errors.Wrapf(err, "Can't move downloaded file to '%s'", target))
	}
	return nil
}
