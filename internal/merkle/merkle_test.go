package merkle

import (
	"crypto/sha256"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/tos-network/dbft/types"
)

func leaf(b byte) types.Hash256 {
	var h types.Hash256
	h[0] = b
	return h
}

func TestRootSingleLeaf(t *testing.T) {
	a := leaf(1)
	require.Equal(t, a, Root([]types.Hash256{a}))
}

func TestRootTwoLeaves(t *testing.T) {
	a, b := leaf(1), leaf(2)
	var buf [64]byte
	copy(buf[:32], a[:])
	copy(buf[32:], b[:])
	first := sha256.Sum256(buf[:])
	want := sha256.Sum256(first[:])
	require.Equal(t, types.Hash256(want), Root([]types.Hash256{a, b}))
}

func TestRootOddDuplicatesLast(t *testing.T) {
	a, b, c := leaf(1), leaf(2), leaf(3)
	withDup := Root([]types.Hash256{a, b, c, c})
	odd := Root([]types.Hash256{a, b, c})
	require.Equal(t, withDup, odd)
}

func TestRootEmpty(t *testing.T) {
	require.Equal(t, types.Hash256{}, Root(nil))
}
