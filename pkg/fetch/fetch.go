package fetch

import (
	"context"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/outofforest/archive"
	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/kernelget/pkg/source"
)

var (
	// ErrNotFound is returned when the remote definitively reports the
	// resource absent. It is never retried.
	ErrNotFound = errors.New("resource not found")
	// ErrDownloadFailed is returned once retry attempts are exhausted.
	ErrDownloadFailed = errors.New("download failed")
	// ErrIntegrityMismatch is returned when the downloaded bytes do not
	// match the expected checksum. The cache file is removed, nothing
	// left behind after this error may be trusted.
	ErrIntegrityMismatch = errors.New("integrity mismatch")
)

// RetryPolicy bounds the retry loop. Backoff returns the delay before the
// given 1-based attempt is retried.
type RetryPolicy struct {
	MaxAttempts int
	Backoff     func(attempt int) time.Duration
}

// DefaultRetryPolicy retries twice with exponential backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return time.Duration(1<<attempt) * time.Second
		},
	}
}

// Resource is a fetched location sitting in the cache directory.
type Resource struct {
	Location source.Location
	Path     string
	Verified bool
}

// Fetcher downloads locations into a cache directory. Cache files are
// written once and never mutated, a sidecar file records the verified size
// so later runs can skip the network entirely.
type Fetcher struct {
	CacheDir string
	Retry    RetryPolicy
	Client   *http.Client
}

// Fetch retrieves a single location. Transient failures are retried per
// the policy, a definitive remote absence (HTTP 404/410) is not, since
// retrying cannot change a missing-resource outcome. Ambiguous failures
// are treated as retryable rather than as not-found.
func (f Fetcher) Fetch(ctx context.Context, loc source.Location) (Resource, error) {
	log := logger.Get(ctx)
	path := filepath.Join(f.CacheDir, loc.Filename)

	if f.cached(path) {
		log.Info("Using cached file", zap.String("path", path))
		return Resource{Location: loc, Path: path, Verified: loc.Hash != ""}, nil
	}

	var lastErr error
	for attempt := 1; attempt <= f.maxAttempts(); attempt++ {
		log.Info("Downloading file", zap.String("url", loc.URL), zap.Int("attempt", attempt))

		size, err := f.download(ctx, loc, path)
		if err == nil {
			if err := os.WriteFile(sidecarPath(path),
				[]byte(strconv.FormatInt(size, 10)), 0o600); err != nil {
				return Resource{}, errors.WithStack(err)
			}
			return Resource{Location: loc, Path: path, Verified: loc.Hash != ""}, nil
		}
		if errors.Is(err, ErrNotFound) || errors.Is(err, ErrIntegrityMismatch) {
			return Resource{}, err
		}
		lastErr = err

		log.Warn("Download failed", zap.String("url", loc.URL), zap.Error(err))

		if attempt < f.maxAttempts() {
			select {
			case <-ctx.Done():
				return Resource{}, errors.WithStack(ctx.Err())
			case <-time.After(f.backoff(attempt)):
			}
		}
	}

	return Resource{}, errors.Wrapf(ErrDownloadFailed, "%q after %d attempts: %s",
		loc.URL, f.maxAttempts(), lastErr)
}

// cached reports whether the file exists with the size its sidecar claims.
// A file without sidecar is an interrupted download and is fetched again.
func (f Fetcher) cached(path string) bool {
	info, err := os.Stat(path)
	if err != nil || !info.Mode().IsRegular() {
		return false
	}
	raw, err := os.ReadFile(sidecarPath(path))
	if err != nil {
		return false
	}
	size, err := strconv.ParseInt(strings.TrimSpace(string(raw)), 10, 64)
	return err == nil && size == info.Size()
}

func (f Fetcher) download(ctx context.Context, loc source.Location, path string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, loc.URL, nil)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	resp, err := f.client().Do(req)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		return 0, errors.Wrapf(ErrNotFound, "%q: status code %d", loc.URL, resp.StatusCode)
	default:
		return 0, errors.Errorf("unexpected status code %d, url: %q", resp.StatusCode, loc.URL)
	}

	partial := path + ".partial"
	size, err := storeStream(resp.Body, partial, loc.Hash)
	if err != nil {
		if removeErr := os.Remove(partial); removeErr != nil && !os.IsNotExist(removeErr) {
			return 0, errors.WithStack(removeErr)
		}
		if errors.Is(err, ErrIntegrityMismatch) {
			return 0, errors.Wrapf(err, "%q", loc.URL)
		}
		return 0, err
	}

	return size, errors.WithStack(os.Rename(partial, path))
}

func storeStream(r io.Reader, path, hash string) (int64, error) {
	var hr interface {
		io.Reader
		ValidateChecksum() error
	}
	if hash != "" {
		var err error
		hr, err = archive.NewHashingReader(r, hash)
		if err != nil {
			return 0, errors.WithStack(err)
		}
		r = hr
	}

	f, err := os.OpenFile(path, os.O_TRUNC|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return 0, errors.WithStack(err)
	}
	size, err := io.Copy(f, r)
	if err != nil {
		_ = f.Close()
		return 0, errors.WithStack(err)
	}
	if err := f.Close(); err != nil {
		return 0, errors.WithStack(err)
	}
	if hr != nil {
		if err := hr.ValidateChecksum(); err != nil {
			return 0, errors.Wrapf(ErrIntegrityMismatch, "%s", err)
		}
	}
	return size, nil
}

func (f Fetcher) client() *http.Client {
	if f.Client != nil {
		return f.Client
	}
	return http.DefaultClient
}

func (f Fetcher) maxAttempts() int {
	if f.Retry.MaxAttempts > 0 {
		return f.Retry.MaxAttempts
	}
	return DefaultRetryPolicy().MaxAttempts
}

func (f Fetcher) backoff(attempt int) time.Duration {
	if f.Retry.Backoff != nil {
		return f.Retry.Backoff(attempt)
	}
	return DefaultRetryPolicy().Backoff(attempt)
}

func sidecarPath(path string) string {
	return path + ".ok"
}
