// Package merkle computes the transaction Merkle root used in block
// headers (§4.7 step 2). The construction is Neo's: SHA256(SHA256(left ||
// right)) internal nodes, odd tails duplicate the last hash, and a
// single-element tree returns that element unchanged.
//
// Grounded on the tagged pairwise-reduction shape of
// rubin-protocol/clients/go/consensus/merkle.go's merkleRootTagged, adapted
// to Neo's untagged double-SHA256 and duplicate-last-on-odd rule instead of
// rubin's leaf/node domain tags and odd-carry-forward rule.
package merkle

import (
	"crypto/sha256"

	"github.com/tos-network/dbft/types"
)

// Root computes the Merkle root of leaves in order. An empty input returns
// the zero hash; a block may legitimately carry zero transactions, and
// Context.BlockHash and Assemble call Root with whatever tx_hashes the
// PrepareRequest named, including none.
func Root(leaves []types.Hash256) types.Hash256 {
	if len(leaves) == 0 {
		return types.Hash256{}
	}
	level := make([]types.Hash256, len(leaves))
	copy(level, leaves)

	for len(level) > 1 {
		if len(level)%2 == 1 {
			level = append(level, level[len(level)-1])
		}
		next := make([]types.Hash256, len(level)/2)
		var buf [64]byte
		for i := 0; i < len(level); i += 2 {
			copy(buf[:32], level[i][:])
			copy(buf[32:], level[i+1][:])
			next[i/2] = hash256(buf[:])
		}
		level = next
	}
	return level[0]
}

func hash256(b []byte) types.Hash256 {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second
}
