package kernelget

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/outofforest/logger"
	"github.com/outofforest/parallel"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/kernelget/pkg/fetch"
	"github.com/outofforest/kernelget/pkg/kabi"
	"github.com/outofforest/kernelget/pkg/kver"
	"github.com/outofforest/kernelget/pkg/source"
	"github.com/outofforest/kernelget/pkg/unpack"
)

// Config configures a single pipeline run. All process-wide knobs are
// passed explicitly so runs with distinct cache roots do not interfere.
type Config struct {
	Version   string
	OutputDir string
	CacheDir  string
	KABI      bool

	Source      source.Config
	Retry       fetch.RetryPolicy
	Client      *http.Client
	KABIArch    string
	KABITimeout time.Duration
}

// Result is the outcome of a successful run.
type Result struct {
	Tree     unpack.Tree
	KABIPath string
}

// Run resolves, fetches and unpacks the kernel sources described by
// cfg.Version, optionally emitting the KABI whitelist. It short-circuits
// on the first stage failure; a failed run leaves the output directory
// without a tree claiming success, intermediate state goes to a staging
// directory removed on all paths.
func Run(ctx context.Context, cfg Config) (retResult Result, retErr error) {
	log := logger.Get(ctx)

	desc, err := kver.Classify(cfg.Version)
	if err != nil {
		return Result{}, err
	}

	locations, err := source.Locate(desc, sourceConfig(cfg))
	if err != nil {
		return Result{}, err
	}

	if err := os.MkdirAll(cfg.CacheDir, 0o700); err != nil {
		return Result{}, errors.WithStack(err)
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o700); err != nil {
		return Result{}, errors.WithStack(err)
	}

	resources, err := fetchAll(ctx, cfg, locations)
	if err != nil {
		return Result{}, err
	}

	// Staging lives under the output directory so publishing the tree is
	// a rename, not a copy across filesystems.
	stagingDir := filepath.Join(cfg.OutputDir, ".kernelget-"+uuid.NewString())
	if err := os.MkdirAll(stagingDir, 0o700); err != nil {
		return Result{}, errors.WithStack(err)
	}
	defer func() {
		if err := os.RemoveAll(stagingDir); err != nil && retErr == nil {
			retErr = errors.WithStack(err)
		}
	}()

	tree, err := unpack.Unpack(ctx, desc, resources, stagingDir, cfg.OutputDir)
	if err != nil {
		return Result{}, err
	}

	result := Result{Tree: tree}
	if cfg.KABI {
		extractor := kabi.Extractor{Arch: cfg.KABIArch, Timeout: cfg.KABITimeout}
		result.KABIPath, err = extractor.Extract(ctx, tree)
		if err != nil {
			return Result{}, err
		}
	}

	log.Info("Kernel sources prepared",
		zap.String("version", cfg.Version), zap.String("dir", tree.Dir))

	return result, nil
}

// fetchAll downloads all locations concurrently. They are independent
// reads into distinct cache files; unpacking starts only once every one
// of them is present.
func fetchAll(ctx context.Context, cfg Config, locations []source.Location) ([]fetch.Resource, error) {
	fetcher := fetch.Fetcher{
		CacheDir: cfg.CacheDir,
		Retry:    cfg.Retry,
		Client:   cfg.Client,
	}

	resources := make([]fetch.Resource, len(locations))
	err := parallel.Run(ctx, func(ctx context.Context, spawn parallel.SpawnFn) error {
		for i, loc := range locations {
			spawn("fetch-"+loc.Filename, parallel.Continue, func(ctx context.Context) error {
				r, err := fetcher.Fetch(ctx, loc)
				if err != nil {
					return err
				}
				resources[i] = r
				return nil
			})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return resources, nil
}

func sourceConfig(cfg Config) source.Config {
	sc := cfg.Source
	defaults := source.DefaultConfig()
	if sc.UpstreamRoot == "" {
		sc.UpstreamRoot = defaults.UpstreamRoot
	}
	if sc.VaultRoot == "" {
		sc.VaultRoot = defaults.VaultRoot
	}
	return sc
}
