package unpack

import (
	"archive/tar"
	"compress/bzip2"
	"compress/gzip"
	"context"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"

	"github.com/outofforest/libexec"
	"github.com/outofforest/logger"
	"github.com/pkg/errors"
	"github.com/sassoftware/go-rpmutils"
	"github.com/ulikunitz/xz"
	"go.uber.org/zap"

	"github.com/outofforest/kernelget/pkg/fetch"
	"github.com/outofforest/kernelget/pkg/kver"
	"github.com/outofforest/kernelget/pkg/source"
)

// ErrPatchApply is returned when a patch does not apply cleanly. It is
// fatal, a rejected patch means the version coordinates do not match the
// tree.
var ErrPatchApply = errors.New("patch does not apply")

// Tree is the unpacked kernel source tree. AuxDir holds the remaining
// SRPM payload files (kernel.spec, config files, KABI archives) and is
// empty for upstream kernels. It lives inside the run's staging directory
// and disappears with it.
type Tree struct {
	Dir    string
	AuxDir string
	Desc   kver.Descriptor
}

// Unpack extracts the fetched resources into outputDir. All intermediate
// state lives in workDir, the finished tree is renamed into outputDir as
// the last step, so a failed run never leaves a partial tree there.
func Unpack(ctx context.Context, desc kver.Descriptor, resources []fetch.Resource,
	workDir, outputDir string) (Tree, error) {
	var archives, srpms, patches []fetch.Resource
	for _, r := range resources {
		switch r.Location.Kind {
		case source.KindArchive:
			archives = append(archives, r)
		case source.KindSRPM:
			srpms = append(srpms, r)
		case source.KindPatch:
			patches = append(patches, r)
		}
	}

	treeStage := filepath.Join(workDir, "tree")
	if err := os.MkdirAll(treeStage, 0o700); err != nil {
		return Tree{}, errors.WithStack(err)
	}

	var auxDir string
	switch desc.Kind {
	case kver.KindRHEL:
		if len(srpms) != 1 {
			return Tree{}, errors.Errorf("expected exactly one SRPM resource, got %d", len(srpms))
		}
		auxDir = filepath.Join(workDir, "srpm")
		if err := extractSRPM(ctx, srpms[0].Path, auxDir); err != nil {
			return Tree{}, err
		}
		tarball, err := findKernelTarball(auxDir, desc)
		if err != nil {
			return Tree{}, err
		}
		if err := extractTar(ctx, tarball, treeStage); err != nil {
			return Tree{}, err
		}
	case kver.KindUpstream:
		if len(archives) != 1 {
			return Tree{}, errors.Errorf("expected exactly one archive resource, got %d", len(archives))
		}
		if err := extractTar(ctx, archives[0].Path, treeStage); err != nil {
			return Tree{}, err
		}
	default:
		return Tree{}, errors.Errorf("unknown kind %q", desc.Kind)
	}

	treePath, err := singleTree(treeStage)
	if err != nil {
		return Tree{}, err
	}

	if err := applyPatches(ctx, treePath, patches, workDir); err != nil {
		return Tree{}, err
	}

	target := filepath.Join(outputDir, filepath.Base(treePath))
	if err := os.RemoveAll(target); err != nil {
		return Tree{}, errors.WithStack(err)
	}
	if err := os.Rename(treePath, target); err != nil {
		return Tree{}, errors.WithStack(err)
	}

	return Tree{Dir: target, AuxDir: auxDir, Desc: desc}, nil
}

// extractSRPM writes the flat SRPM payload into destDir.
func extractSRPM(ctx context.Context, path, destDir string) error {
	logger.Get(ctx).Info("Extracting SRPM", zap.String("path", path))

	if err := os.MkdirAll(destDir, 0o700); err != nil {
		return errors.WithStack(err)
	}

	f, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	rpm, err := rpmutils.ReadRpm(f)
	if err != nil {
		return errors.Wrapf(err, "reading SRPM %q failed", path)
	}
	pReader, err := rpm.PayloadReaderExtended()
	if err != nil {
		return errors.WithStack(err)
	}

loop:
	for {
		fInfo, err := pReader.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			break loop
		default:
			return errors.WithStack(err)
		}

		if pReader.IsLink() {
			continue
		}

		dst, err := os.OpenFile(filepath.Join(destDir, filepath.Base(fInfo.Name())),
			os.O_TRUNC|os.O_WRONLY|os.O_CREATE, 0o600)
		if err != nil {
			return errors.WithStack(err)
		}
		if _, err := io.Copy(dst, pReader); err != nil {
			_ = dst.Close()
			return errors.WithStack(err)
		}
		if err := dst.Close(); err != nil {
			return errors.WithStack(err)
		}
	}

	return nil
}

// findKernelTarball locates the kernel source tarball among the SRPM
// payload files. Old releases ship .tar.bz2 instead of .tar.xz.
func findKernelTarball(auxDir string, desc kver.Descriptor) (string, error) {
	for _, suffix := range []string{".tar.xz", ".tar.bz2", ".tar.gz"} {
		path := filepath.Join(auxDir, "linux-"+desc.Raw+suffix)
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			return path, nil
		}
	}
	matches, err := filepath.Glob(filepath.Join(auxDir, "linux-*.tar.*"))
	if err != nil {
		return "", errors.WithStack(err)
	}
	if len(matches) == 0 {
		return "", errors.Errorf("no kernel tarball found in SRPM payload for %q", desc.Raw)
	}
	sort.Strings(matches)
	return matches[0], nil
}

func extractTar(ctx context.Context, path, destDir string) error {
	logger.Get(ctx).Info("Extracting archive", zap.String("path", path))

	f, err := os.Open(path)
	if err != nil {
		return errors.WithStack(err)
	}
	defer f.Close()

	r, err := decompress(f, path)
	if err != nil {
		return err
	}

	tr := tar.NewReader(r)
loop:
	for {
		hdr, err := tr.Next()
		switch {
		case err == nil:
		case errors.Is(err, io.EOF):
			break loop
		default:
			return errors.Wrapf(err, "reading archive %q failed", path)
		}

		name := filepath.Clean(hdr.Name)
		if filepath.IsAbs(name) || strings.HasPrefix(name, "..") {
			return errors.Errorf("archive %q contains unsafe path %q", path, hdr.Name)
		}
		dst := filepath.Join(destDir, name)

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(dst, hdr.FileInfo().Mode().Perm()); err != nil {
				return errors.WithStack(err)
			}
		case tar.TypeReg:
			if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
				return errors.WithStack(err)
			}
			dstF, err := os.OpenFile(dst, os.O_TRUNC|os.O_WRONLY|os.O_CREATE,
				hdr.FileInfo().Mode().Perm())
			if err != nil {
				return errors.WithStack(err)
			}
			if _, err := io.Copy(dstF, tr); err != nil {
				_ = dstF.Close()
				return errors.WithStack(err)
			}
			if err := dstF.Close(); err != nil {
				return errors.WithStack(err)
			}
		case tar.TypeSymlink:
			if err := os.MkdirAll(filepath.Dir(dst), 0o700); err != nil {
				return errors.WithStack(err)
			}
			if err := os.Symlink(hdr.Linkname, dst); err != nil && !os.IsExist(err) {
				return errors.WithStack(err)
			}
		case tar.TypeLink:
			if err := os.Link(filepath.Join(destDir, filepath.Clean(hdr.Linkname)), dst); err != nil {
				return errors.WithStack(err)
			}
		}
	}

	return nil
}

func decompress(r io.Reader, path string) (io.Reader, error) {
	switch {
	case strings.HasSuffix(path, ".xz"):
		xr, err := xz.NewReader(r)
		return xr, errors.WithStack(err)
	case strings.HasSuffix(path, ".gz"), strings.HasSuffix(path, ".tgz"):
		gr, err := gzip.NewReader(r)
		return gr, errors.WithStack(err)
	case strings.HasSuffix(path, ".bz2"):
		return bzip2.NewReader(r), nil
	default:
		return r, nil
	}
}

// applyPatches applies patch resources in ascending sequence order,
// regardless of the order they were located in.
func applyPatches(ctx context.Context, treePath string, patches []fetch.Resource, workDir string) error {
	log := logger.Get(ctx)

	sorted := append([]fetch.Resource{}, patches...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Location.Sequence < sorted[j].Location.Sequence
	})

	for _, p := range sorted {
		patchPath, err := plainPatch(p.Path, workDir)
		if err != nil {
			return err
		}

		log.Info("Applying patch", zap.String("patch", p.Location.Filename))

		cmd := exec.Command("patch", "-p1", "--batch", "-i", patchPath)
		cmd.Dir = treePath
		if err := libexec.Exec(ctx, cmd); err != nil {
			return errors.Wrapf(ErrPatchApply, "patch %q: %s", p.Location.Filename, err)
		}
	}

	return nil
}

// plainPatch decompresses a patch file if needed and returns an absolute
// path usable from another working directory.
func plainPatch(path, workDir string) (string, error) {
	ext := filepath.Ext(path)
	if ext != ".xz" && ext != ".gz" && ext != ".bz2" {
		return filepath.Abs(path)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", errors.WithStack(err)
	}
	defer f.Close()

	r, err := decompress(f, path)
	if err != nil {
		return "", err
	}

	plain := filepath.Join(workDir, strings.TrimSuffix(filepath.Base(path), ext))
	dst, err := os.OpenFile(plain, os.O_TRUNC|os.O_WRONLY|os.O_CREATE, 0o600)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if _, err := io.Copy(dst, r); err != nil {
		_ = dst.Close()
		return "", errors.WithStack(err)
	}
	if err := dst.Close(); err != nil {
		return "", errors.WithStack(err)
	}

	return filepath.Abs(plain)
}

// singleTree verifies the stage contains exactly one top-level directory
// and returns its path.
func singleTree(stageDir string) (string, error) {
	entries, err := os.ReadDir(stageDir)
	if err != nil {
		return "", errors.WithStack(err)
	}
	if len(entries) != 1 || !entries[0].IsDir() {
		return "", errors.Errorf("expected exactly one top-level source directory, got %d entries",
			len(entries))
	}
	return filepath.Join(stageDir, entries[0].Name()), nil
}
