package main

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"

	"github.com/outofforest/kernelget/pkg/fetch"
	"github.com/outofforest/kernelget/pkg/kabi"
	"github.com/outofforest/kernelget/pkg/kver"
	"github.com/outofforest/kernelget/pkg/source"
	"github.com/outofforest/kernelget/pkg/unpack"
)

func TestExitCodes(t *testing.T) {
	require.Equal(t, exitOK, exitCode(nil))
	require.Equal(t, exitVersion, exitCode(errors.Wrap(kver.ErrMalformed, "x")))
	require.Equal(t, exitVersion, exitCode(source.ErrUnresolvable))
	require.Equal(t, exitFetch, exitCode(fetch.ErrNotFound))
	require.Equal(t, exitFetch, exitCode(errors.Wrap(fetch.ErrDownloadFailed, "x")))
	require.Equal(t, exitFetch, exitCode(fetch.ErrIntegrityMismatch))
	require.Equal(t, exitUnpack, exitCode(unpack.ErrPatchApply))
	require.Equal(t, exitWhitelist, exitCode(kabi.ErrUnsupportedForUpstream))
	require.Equal(t, exitWhitelist, exitCode(kabi.ErrBuildTooling))
	require.Equal(t, exitWhitelist, exitCode(kabi.ErrWhitelistNotFound))
	require.Equal(t, exitOther, exitCode(errors.New("boom")))
}
