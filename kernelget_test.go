package kernelget

import (
	"archive/tar"
	"bytes"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/samber/lo"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"

	"github.com/outofforest/kernelget/pkg/fetch"
	"github.com/outofforest/kernelget/pkg/kabi"
	"github.com/outofforest/kernelget/pkg/ktest"
	"github.com/outofforest/kernelget/pkg/source"
)

func kernelTarXz(t *testing.T, dir string) []byte {
	var buf bytes.Buffer
	xw := lo.Must(xz.NewWriter(&buf))

	tw := tar.NewWriter(xw)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeDir, Name: dir + "/", Mode: 0o700,
	}))
	content := "VERSION = 4\nPATCHLEVEL = 10\nSUBLEVEL = 0\n"
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Typeflag: tar.TypeReg, Name: dir + "/Makefile", Size: int64(len(content)), Mode: 0o600,
	}))
	_, err := tw.Write([]byte(content))
	require.NoError(t, err)
	require.NoError(t, tw.Close())
	require.NoError(t, xw.Close())

	return buf.Bytes()
}

func zeroRetry() fetch.RetryPolicy {
	return fetch.RetryPolicy{
		MaxAttempts: 3,
		Backoff: func(attempt int) time.Duration {
			return 0
		},
	}
}

func TestRunUpstream(t *testing.T) {
	ctx := ktest.Context(t)

	tarball := kernelTarXz(t, "linux-4.10")
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if r.URL.Path != "/v4.x/linux-4.10.tar.xz" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_, _ = w.Write(tarball)
	}))
	t.Cleanup(server.Close)

	outputDir := t.TempDir()
	result, err := Run(ctx, Config{
		Version:   "4.10",
		OutputDir: outputDir,
		CacheDir:  t.TempDir(),
		Source:    source.Config{UpstreamRoot: server.URL},
		Retry:     zeroRetry(),
	})
	require.NoError(t, err)
	require.EqualValues(t, 1, hits.Load())
	require.Equal(t, filepath.Join(outputDir, "linux-4.10"), result.Tree.Dir)
	require.Empty(t, result.KABIPath)

	content, err := os.ReadFile(filepath.Join(result.Tree.Dir, "Makefile"))
	require.NoError(t, err)
	require.Contains(t, string(content), "PATCHLEVEL = 10")

	// No whitelist and no staging leftovers in the output directory.
	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
}

func TestRunReusesCache(t *testing.T) {
	ctx := ktest.Context(t)

	tarball := kernelTarXz(t, "linux-4.10")
	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_, _ = w.Write(tarball)
	}))
	t.Cleanup(server.Close)

	cfg := Config{
		Version:   "4.10",
		OutputDir: t.TempDir(),
		CacheDir:  t.TempDir(),
		Source:    source.Config{UpstreamRoot: server.URL},
		Retry:     zeroRetry(),
	}

	_, err := Run(ctx, cfg)
	require.NoError(t, err)
	require.EqualValues(t, 1, hits.Load())

	cfg.OutputDir = t.TempDir()
	_, err = Run(ctx, cfg)
	require.NoError(t, err)
	require.EqualValues(t, 1, hits.Load())
}

func TestRunMalformedVersion(t *testing.T) {
	ctx := ktest.Context(t)

	_, err := Run(ctx, Config{
		Version:   "not-a-version",
		OutputDir: t.TempDir(),
		CacheDir:  t.TempDir(),
	})
	require.Error(t, err)
}

func TestRunKABIRequestedForUpstream(t *testing.T) {
	ctx := ktest.Context(t)

	tarball := kernelTarXz(t, "linux-4.10")
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write(tarball)
	}))
	t.Cleanup(server.Close)

	_, err := Run(ctx, Config{
		Version:   "4.10",
		OutputDir: t.TempDir(),
		CacheDir:  t.TempDir(),
		KABI:      true,
		Source:    source.Config{UpstreamRoot: server.URL},
		Retry:     zeroRetry(),
	})
	require.ErrorIs(t, err, kabi.ErrUnsupportedForUpstream)
}

func TestRunNotFoundStopsWithoutRetries(t *testing.T) {
	ctx := ktest.Context(t)

	var hits atomic.Int64
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusNotFound)
	}))
	t.Cleanup(server.Close)

	outputDir := t.TempDir()
	_, err := Run(ctx, Config{
		Version:   "4.10",
		OutputDir: outputDir,
		CacheDir:  t.TempDir(),
		Source:    source.Config{UpstreamRoot: server.URL},
		Retry:     zeroRetry(),
	})
	require.ErrorIs(t, err, fetch.ErrNotFound)
	require.EqualValues(t, 1, hits.Load())

	// The failed run must not leave a staging directory behind.
	entries, err := os.ReadDir(outputDir)
	require.NoError(t, err)
	require.Empty(t, entries)
}
