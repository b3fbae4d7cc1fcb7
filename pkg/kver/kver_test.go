package kver

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassifyRHEL(t *testing.T) {
	for raw, expected := range map[string]Descriptor{
		"3.10.0-862.el7": {
			Kind:    KindRHEL,
			Release: "862.el7",
		},
		"3.10.0-1062.1.2.el7": {
			Kind:    KindRHEL,
			Release: "1062.1.2.el7",
		},
		"4.18.0-348.el8": {
			Kind:    KindRHEL,
			Release: "348.el8",
		},
		"5.14.0-70.13.1.el9_0": {
			Kind:    KindRHEL,
			Release: "70.13.1.el9_0",
		},
	} {
		desc, err := Classify(raw)
		require.NoError(t, err, raw)
		require.Equal(t, expected.Kind, desc.Kind, raw)
		require.Equal(t, expected.Release, desc.Release, raw)
		require.Equal(t, raw, desc.Raw)
	}

	desc, err := Classify("3.10.0-862.el7")
	require.NoError(t, err)
	require.EqualValues(t, 3, desc.Base.Major())
	require.EqualValues(t, 10, desc.Base.Minor())
	require.EqualValues(t, 0, desc.Base.Patch())
}

func TestClassifyUpstream(t *testing.T) {
	desc, err := Classify("4.10")
	require.NoError(t, err)
	require.Equal(t, KindUpstream, desc.Kind)
	require.Empty(t, desc.Release)
	require.EqualValues(t, 4, desc.Base.Major())
	require.EqualValues(t, 10, desc.Base.Minor())
	require.EqualValues(t, 0, desc.Base.Patch())

	desc, err = Classify("5.4.87")
	require.NoError(t, err)
	require.Equal(t, KindUpstream, desc.Kind)
	require.EqualValues(t, 87, desc.Base.Patch())

	desc, err = Classify("2.6.32")
	require.NoError(t, err)
	require.Equal(t, KindUpstream, desc.Kind)
	require.EqualValues(t, 2, desc.Base.Major())
}

func TestClassifyMalformed(t *testing.T) {
	for _, raw := range []string{
		"",
		"not-a-version",
		"4",
		"4.",
		"4.10.1.2",
		"3.10.0-862",
		"3.10.0-862.fc28",
		"3.10-862.el7",
		"v4.10",
		"4.10-rc3",
	} {
		_, err := Classify(raw)
		require.ErrorIs(t, err, ErrMalformed, raw)
	}
}
