package kver

import (
	"regexp"

	"github.com/Masterminds/semver/v3"
	"github.com/pkg/errors"
)

// ErrMalformed is returned when a version string matches neither the
// upstream nor the RHEL pattern.
var ErrMalformed = errors.New("malformed kernel version")

// Kind tells which distribution a version string belongs to.
type Kind string

const (
	// KindUpstream is a kernel.org release.
	KindUpstream Kind = "upstream"
	// KindRHEL is a RHEL/CentOS rebuild carrying a distro release suffix.
	KindRHEL Kind = "rhel"
)

// Descriptor is the classified form of a kernel version string.
// Release is set iff Kind is KindRHEL.
type Descriptor struct {
	Kind    Kind
	Base    *semver.Version
	Release string
	Raw     string
}

var (
	upstreamRegex = regexp.MustCompile(`^\d+\.\d+(\.\d+)?$`)
	rhelRegex     = regexp.MustCompile(`^(\d+\.\d+\.\d+)-([0-9][0-9A-Za-z_.]*\.el\d+[0-9A-Za-z_.]*)$`)
)

// Classify parses a raw version string into a Descriptor. The decision is
// made once here, downstream code switches on Descriptor.Kind and never
// re-inspects the raw string. Release segments without a recognizable
// distro tag (elN) are rejected rather than guessed at.
func Classify(raw string) (Descriptor, error) {
	if upstreamRegex.MatchString(raw) {
		base, err := semver.NewVersion(raw)
		if err != nil {
			return Descriptor{}, errors.Wrapf(ErrMalformed, "%q: %s", raw, err)
		}
		return Descriptor{
			Kind: KindUpstream,
			Base: base,
			Raw:  raw,
		}, nil
	}

	if m := rhelRegex.FindStringSubmatch(raw); m != nil {
		base, err := semver.NewVersion(m[1])
		if err != nil {
			return Descriptor{}, errors.Wrapf(ErrMalformed, "%q: %s", raw, err)
		}
		return Descriptor{
			Kind:    KindRHEL,
			Base:    base,
			Release: m[2],
			Raw:     raw,
		}, nil
	}

	return Descriptor{}, errors.Wrapf(ErrMalformed, "%q", raw)
}
