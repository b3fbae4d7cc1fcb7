package main

import (
	"context"
	"os"
	"path/filepath"

	"github.com/outofforest/logger"
	"github.com/outofforest/run"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/outofforest/kernelget"
	"github.com/outofforest/kernelget/pkg/fetch"
	"github.com/outofforest/kernelget/pkg/kabi"
	"github.com/outofforest/kernelget/pkg/kver"
	"github.com/outofforest/kernelget/pkg/source"
	"github.com/outofforest/kernelget/pkg/unpack"
)

// Exit codes, stable part of the CLI contract.
const (
	exitOK        = 0
	exitOther     = 1
	exitVersion   = 2
	exitFetch     = 3
	exitUnpack    = 4
	exitWhitelist = 5
)

func main() {
	run.New().Run(context.Background(), "kernelget", func(ctx context.Context) error {
		if err := rootCmd(ctx).Execute(); err != nil {
			logger.Get(ctx).Error("Error", zap.Error(err))
			os.Exit(exitCode(err))
		}
		return nil
	})
}

func rootCmd(ctx context.Context) *cobra.Command {
	var outputDir, cacheDir, brewRoot string
	var wantKABI bool

	cmd := &cobra.Command{
		Use:   "kernelget VERSION",
		Short: "Download and prepare RHEL-based and upstream Linux kernel sources",
		Long: `Download kernel sources for the given version into the output directory.

Upstream versions (e.g. 4.10, 5.4.87) are fetched from kernel.org, RHEL
versions (e.g. 3.10.0-862.el7) from the CentOS vault as SRPM packages.
With --kabi the vendor KABI whitelist is placed into the source tree as
kabi_whitelist_x86_64 (or kabi_stablelist_x86_64 on newer releases).

Exit codes:
  0  success
  2  malformed or unresolvable version
  3  download failed, resource missing or corrupted
  4  unpacking or patch application failed
  5  KABI whitelist extraction failed
  1  any other error`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cacheDir == "" {
				userCache, err := os.UserCacheDir()
				if err != nil {
					return errors.WithStack(err)
				}
				cacheDir = filepath.Join(userCache, "kernelget")
			}

			_, err := kernelget.Run(ctx, kernelget.Config{
				Version:   args[0],
				OutputDir: outputDir,
				CacheDir:  cacheDir,
				KABI:      wantKABI,
				Source:    source.Config{BrewRoot: brewRoot},
			})
			return err
		},
	}

	cmd.Flags().StringVarP(&outputDir, "output-dir", "o", ".", "directory to place the kernel source tree in")
	cmd.Flags().StringVar(&cacheDir, "cache-dir", "", "download cache directory (defaults to the user cache)")
	cmd.Flags().StringVar(&brewRoot, "brew-root", "", "fetch RHEL SRPMs from this Brew root instead of the CentOS vault")
	cmd.Flags().BoolVar(&wantKABI, "kabi", false, "extract the KABI whitelist into the source tree")

	return cmd
}

func exitCode(err error) int {
	switch {
	case err == nil:
		return exitOK
	case errors.Is(err, kver.ErrMalformed), errors.Is(err, source.ErrUnresolvable):
		return exitVersion
	case errors.Is(err, fetch.ErrNotFound), errors.Is(err, fetch.ErrDownloadFailed),
		errors.Is(err, fetch.ErrIntegrityMismatch):
		return exitFetch
	case errors.Is(err, unpack.ErrPatchApply):
		return exitUnpack
	case errors.Is(err, kabi.ErrUnsupportedForUpstream), errors.Is(err, kabi.ErrBuildTooling),
		errors.Is(err, kabi.ErrWhitelistNotFound):
		return exitWhitelist
	default:
		return exitOther
	}
}
