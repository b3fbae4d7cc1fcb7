package kabi

import (
	"bufio"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/outofforest/libexec"
	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/outofforest/kernelget/pkg/kver"
	"github.com/outofforest/kernelget/pkg/unpack"
)

var (
	// ErrUnsupportedForUpstream is returned when KABI extraction is
	// requested for an upstream kernel. Only vendor kernels carry a
	// stable-symbol list.
	ErrUnsupportedForUpstream = errors.New("KABI whitelist exists only for RHEL kernels")
	// ErrBuildTooling is returned when the invoked tooling exits
	// non-zero or exceeds the timeout.
	ErrBuildTooling = errors.New("build tooling failed")
	// ErrWhitelistNotFound is returned when the tooling succeeds but no
	// whitelist artifact exists for the release.
	ErrWhitelistNotFound = errors.New("KABI whitelist not found")
)

const defaultTimeout = 5 * time.Minute

// Extractor resolves the KABI whitelist shipped with an RHEL kernel SRPM
// and copies it into the source tree. Unarchive builds the command used to
// unpack the whitelist archive; tests inject stubs here the same way
// zero-delay retry policies are injected into the fetcher.
type Extractor struct {
	Arch      string
	Timeout   time.Duration
	Unarchive func(archivePath, destDir string) *exec.Cmd
}

// Extract produces the whitelist file inside tree.Dir and returns its
// path. Symbol order is preserved exactly as shipped, reference lists are
// diffed against it.
func (e Extractor) Extract(ctx context.Context, tree unpack.Tree) (string, error) {
	if tree.Desc.Kind != kver.KindRHEL {
		return "", errors.Wrapf(ErrUnsupportedForUpstream, "%q", tree.Desc.Raw)
	}

	log := logger.Get(ctx)

	// The whitelist may already sit unpacked among the SRPM files.
	for _, name := range e.fileNames() {
		path := filepath.Join(tree.AuxDir, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return e.publish(path, tree.Dir)
		}
	}

	archivePath, err := findArchive(tree)
	if err != nil {
		return "", err
	}

	log.Info("Unpacking KABI whitelists", zap.String("archive", archivePath))

	kabiDir := filepath.Join(tree.AuxDir, "kabi")
	if err := os.MkdirAll(kabiDir, 0o700); err != nil {
		return "", errors.WithStack(err)
	}

	if err := e.unarchive(ctx, archivePath, kabiDir); err != nil {
		return "", err
	}

	listDir, err := resolveListDir(tree, kabiDir)
	if err != nil {
		return "", err
	}

	for _, name := range e.fileNames() {
		path := filepath.Join(listDir, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return e.publish(path, tree.Dir)
		}
	}

	return "", errors.Wrapf(ErrWhitelistNotFound, "no whitelist for arch %q in %q",
		e.arch(), listDir)
}

// findArchive picks the whitelist archive among the SRPM payload files.
// Newer releases renamed whitelists to stablelists.
func findArchive(tree unpack.Tree) (string, error) {
	desc := tree.Desc
	releaseNum, _, _ := strings.Cut(desc.Release, ".")
	baseRelease := desc.Base.Original() + "-" + releaseNum

	candidates := []string{
		"kernel-abi-stablelists-" + baseRelease + ".tar.bz2",
		"kernel-abi-whitelists-" + baseRelease + ".tar.bz2",
		"kernel-abi-whitelists.tar.bz2",
		"kernel-abi-whitelists-" + releaseNum + ".tar.bz2",
		"kernel-abi-stablelists-" + releaseNum + ".tar.bz2",
	}
	for _, name := range candidates {
		path := filepath.Join(tree.AuxDir, name)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	return "", errors.Wrapf(ErrWhitelistNotFound, "no whitelist archive shipped for %q", desc.Raw)
}

func (e Extractor) unarchive(ctx context.Context, archivePath, destDir string) error {
	timeout := e.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	build := e.Unarchive
	if build == nil {
		build = func(archivePath, destDir string) *exec.Cmd {
			return exec.Command("tar", "-xjf", archivePath, "-C", destDir)
		}
	}

	if err := libexec.Exec(ctx, build(archivePath, destDir)); err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Wrapf(ErrBuildTooling, "unpacking %q timed out", archivePath)
		}
		return errors.Wrapf(ErrBuildTooling, "unpacking %q: %s", archivePath, err)
	}
	return nil
}

// resolveListDir finds the directory holding the current release's lists:
// kabi-current when present, otherwise the directory named by
// KABI_CURRENT= in kernel.spec.
func resolveListDir(tree unpack.Tree, kabiDir string) (string, error) {
	current := filepath.Join(kabiDir, "kabi-current")
	if info, err := os.Stat(current); err == nil && info.IsDir() {
		return current, nil
	}

	specPath := filepath.Join(tree.AuxDir, "kernel.spec")
	specF, err := os.Open(specPath)
	if err != nil {
		return "", errors.Wrapf(ErrWhitelistNotFound, "no kabi-current directory and no kernel.spec for %q",
			tree.Desc.Raw)
	}
	defer specF.Close()

	scanner := bufio.NewScanner(specF)
	for scanner.Scan() {
		line := scanner.Text()
		if name, found := strings.CutPrefix(line, "KABI_CURRENT="); found {
			dir := filepath.Join(kabiDir, strings.TrimSpace(name))
			if info, err := os.Stat(dir); err == nil && info.IsDir() {
				return dir, nil
			}
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return "", errors.WithStack(err)
	}

	return "", errors.Wrapf(ErrWhitelistNotFound, "no whitelist directory resolvable for %q",
		tree.Desc.Raw)
}

// publish copies the whitelist into the tree unmodified, the emitted
// symbol order must survive byte for byte.
func (e Extractor) publish(path, treeDir string) (string, error) {
	src, err := os.Open(path)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer src.Close()

	target := filepath.Join(treeDir, filepath.Base(path))
	dst, err := os.OpenFile(target, os.O_TRUNC|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if _, err := io.Copy(dst, src); err != nil {
		_ = dst.Close()
		return "", errors.WithStack(err)
	}
	if err := dst.Close(); err != nil {
		return "", errors.WithStack(err)
	}

	return target, nil
}

func (e Extractor) arch() string {
	if e.Arch != "" {
		return e.Arch
	}
	return "x86_64"
}

func (e Extractor) fileNames() []string {
	return []string{
		"kabi_whitelist_" + e.arch(),
		"kabi_stablelist_" + e.arch(),
	}
}
