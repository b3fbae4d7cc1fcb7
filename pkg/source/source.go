package source

import (
	"fmt"
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"

	"github.com/outofforest/kernelget/pkg/kver"
)

// ErrUnresolvable is returned when no construction rule exists for the
// requested version coordinates.
var ErrUnresolvable = errors.New("unresolvable kernel version")

// Kind tells what a remote location contains.
type Kind string

const (
	// KindArchive is a plain kernel source tarball.
	KindArchive Kind = "archive"
	// KindPatch is a single patch to apply on top of the base tree.
	KindPatch Kind = "patch"
	// KindSRPM is a source RPM bundling the base tarball with vendor files.
	KindSRPM Kind = "srpm"
)

// Location is a downloadable resource together with the name it is stored
// under in the cache. Sequence orders patches, ascending. Hash, when set,
// is enforced by the fetcher ("sha256:<hex>").
type Location struct {
	Kind     Kind
	URL      string
	Filename string
	Sequence int
	Hash     string
}

// Config selects the mirrors locations are built against. The Brew root is
// an internal Red Hat build system; when it is configured, RHEL SRPMs are
// located there instead of the public CentOS vault.
type Config struct {
	UpstreamRoot string
	VaultRoot    string
	BrewRoot     string
}

// DefaultConfig returns the public mirror set.
func DefaultConfig() Config {
	return Config{
		UpstreamRoot: "https://www.kernel.org/pub/linux/kernel",
		VaultRoot:    "http://vault.centos.org",
	}
}

// vaultReleases maps a RHEL kernel release to the CentOS release directory
// carrying its SRPM on vault.centos.org.
var vaultReleases = map[string]string{
	"3.10.0-123.el7":  "7.0.1406",
	"3.10.0-229.el7":  "7.1.1503",
	"3.10.0-327.el7":  "7.2.1511",
	"3.10.0-514.el7":  "7.3.1611",
	"3.10.0-693.el7":  "7.4.1708",
	"3.10.0-862.el7":  "7.5.1804",
	"3.10.0-957.el7":  "7.6.1810",
	"3.10.0-1062.el7": "7.7.1908",
	"3.10.0-1127.el7": "7.8.2003",
	"4.18.0-80.el8":   "8.0.1905",
	"4.18.0-147.el8":  "8.1.1911",
	"4.18.0-193.el8":  "8.2.2004",
	"4.18.0-240.el8":  "8.3.2011",
	"4.18.0-305.el8":  "8.4.2105",
	"4.18.0-348.el8":  "8.5.2111",
}

// vaultPatches lists detached patches distributed next to the SRPM for
// release lines which do not ship a pre-patched base tarball. The el7/el8
// lines above all ship pre-patched tarballs, so the table is empty today.
var vaultPatches = map[string][]Location{}

var version3 = semver.MustParse("3.0.0")

// Locate computes the ordered list of remote locations for a descriptor.
// It is a pure mapping, no network access happens here.
func Locate(desc kver.Descriptor, cfg Config) ([]Location, error) {
	switch desc.Kind {
	case kver.KindUpstream:
		return locateUpstream(desc, cfg)
	case kver.KindRHEL:
		return locateRHEL(desc, cfg)
	default:
		return nil, errors.Wrapf(ErrUnresolvable, "unknown kind %q", desc.Kind)
	}
}

func locateUpstream(desc kver.Descriptor, cfg Config) ([]Location, error) {
	// kernel.org keeps pre-3.0 kernels under vMAJOR.MINOR, later ones
	// under vMAJOR.x. The filename uses the raw version: 4.10 is
	// linux-4.10.tar.xz, not linux-4.10.0.tar.xz.
	var dir string
	if desc.Base.LessThan(version3) {
		dir = fmt.Sprintf("v%d.%d", desc.Base.Major(), desc.Base.Minor())
	} else {
		dir = fmt.Sprintf("v%d.x", desc.Base.Major())
	}
	filename := fmt.Sprintf("linux-%s.tar.xz", desc.Raw)

	return []Location{{
		Kind:     KindArchive,
		URL:      fmt.Sprintf("%s/%s/%s", strings.TrimSuffix(cfg.UpstreamRoot, "/"), dir, filename),
		Filename: filename,
	}}, nil
}

func locateRHEL(desc kver.Descriptor, cfg Config) ([]Location, error) {
	rpmName := fmt.Sprintf("kernel-%s.src.rpm", desc.Raw)

	if cfg.BrewRoot != "" {
		return []Location{{
			Kind: KindSRPM,
			URL: fmt.Sprintf("%s/%s/%s/src/%s", strings.TrimSuffix(cfg.BrewRoot, "/"),
				desc.Base.Original(), desc.Release, rpmName),
			Filename: rpmName,
		}}, nil
	}

	release, exists := vaultReleases[desc.Raw]
	if !exists {
		return nil, errors.Wrapf(ErrUnresolvable, "%q is not a known RHEL kernel release", desc.Raw)
	}

	repo := "os"
	if strings.HasSuffix(desc.Release, ".el8") {
		repo = "BaseOS"
	}

	locations := []Location{{
		Kind: KindSRPM,
		URL: fmt.Sprintf("%s/%s/%s/Source/SPackages/%s", strings.TrimSuffix(cfg.VaultRoot, "/"),
			release, repo, rpmName),
		Filename: rpmName,
	}}
	return append(locations, vaultPatches[desc.Raw]...), nil
}
