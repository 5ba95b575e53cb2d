package eddyhash

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSum64IsDeterministicPerAlgorithm(t *testing.T) {
	for _, alg := range []Algorithm{AlgXXHash3, AlgFNV1a, AlgBlake2b} {
		a := Sum64(alg, 42, []byte("hello"))
		b := Sum64(alg, 42, []byte("hello"))
		require.Equal(t, a, b, "algorithm %d not deterministic", alg)
	}
}

func TestSum64DiffersByKey(t *testing.T) {
	for _, alg := range []Algorithm{AlgXXHash3, AlgFNV1a, AlgBlake2b} {
		a := Sum64(alg, 0, []byte("hello"))
		b := Sum64(alg, 0, []byte("goodbye"))
		require.NotEqual(t, a, b, "algorithm %d collided on distinct keys", alg)
	}
}

func TestSum64DiffersBySeed(t *testing.T) {
	for _, alg := range []Algorithm{AlgXXHash3, AlgFNV1a, AlgBlake2b} {
		a := Sum64(alg, 1, []byte("same"))
		b := Sum64(alg, 2, []byte("same"))
		require.NotEqual(t, a, b, "algorithm %d ignored seed", alg)
	}
}

func TestSum64HandlesEmptyKey(t *testing.T) {
	for _, alg := range []Algorithm{AlgXXHash3, AlgFNV1a, AlgBlake2b} {
		require.NotPanics(t, func() { Sum64(alg, 7, nil) })
	}
}

func TestFromConfigMapsKnownValues(t *testing.T) {
	require.Equal(t, AlgXXHash3, FromConfig(0))
	require.Equal(t, AlgXXHash3, FromConfig(1))
	require.Equal(t, AlgFNV1a, FromConfig(2))
	require.Equal(t, AlgBlake2b, FromConfig(3))
	require.Equal(t, AlgXXHash3, FromConfig(99))
}
