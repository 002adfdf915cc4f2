package consensus

import (
	"fmt"
	"sort"

	"github.com/tos-network/dbft/crypto"
	"github.com/tos-network/dbft/ports"
	"github.com/tos-network/dbft/types"
)

// Registry resolves the ordered validator set for a block height and
// computes the M-of-N NextConsensus script hash (§4.3). It is a thin
// adapter over ports.Registry (the native NEO committee query); this type
// owns only the deterministic multisig-script construction, grounded on
// the teacher's validator.ReadActiveValidators two-phase
// collect-then-sort-then-truncate pattern for deterministic ordering.
type Registry struct {
	backend ports.Registry
}

func NewRegistry(backend ports.Registry) *Registry {
	return &Registry{backend: backend}
}

// ValidatorsFor returns the ordered validator set for height, canonically
// ordered ascending by compressed public key bytes — the registry MUST be
// deterministic for a given snapshot (§4.3); any backend that returns a
// non-canonical order is normalized here so indexing agrees across nodes.
func (r *Registry) ValidatorsFor(snapshot ports.Snapshot, height uint32) ([]types.PublicKey, error) {
	keys, err := r.backend.ValidatorsFor(snapshot, height)
	if err != nil {
		return nil, fmt.Errorf("consensus: validator registry: %w", err)
	}
	if len(keys) == 0 {
		return nil, fmt.Errorf("consensus: validator registry returned an empty set for height %d", height)
	}
	ordered := make([]types.PublicKey, len(keys))
	copy(ordered, keys)
	sort.Slice(ordered, func(i, j int) bool {
		return ordered[i].String() < ordered[j].String()
	})
	return ordered, nil
}

// IndexOf returns the position of pub within validators, or -1.
func IndexOf(validators []types.PublicKey, pub types.PublicKey) int {
	for i, v := range validators {
		if v == pub {
			return i
		}
	}
	return -1
}

// MultisigScriptHash computes the RIPEMD160(SHA256(script)) hash of the
// M-of-N CheckMultisig script for validators, used as NextConsensus (§4.3):
// push M, push each compressed key in canonical order, push N, CheckMultisig.
func MultisigScriptHash(validators []types.PublicKey, m int) types.Hash160 {
	script := BuildMultisigScript(validators, m)
	return crypto.Hash160(script)
}

// Neo VM opcodes used by the multisig verification script. Only the
// handful needed to describe the script shape are named here; this core
// does not execute scripts, only constructs and hashes this one.
const (
	opPushInt = 0x00 // placeholder family: encoded as pushdata-of-length style below
)

// BuildMultisigScript renders the M-of-N CheckMultisig script. The exact
// opcode encoding matches Neo's NEF/manifest convention: small integers are
// pushed with PUSH1..PUSH16 (0x51..0x60) when in range, keys as
// PUSHDATA1-length-prefixed blobs, and the CheckMultisig syscall closes
// the script (§4.3).
func BuildMultisigScript(validators []types.PublicKey, m int) []byte {
	n := len(validators)
	script := make([]byte, 0, 2+n*(2+33)+2+4)
	script = appendPushInt(script, m)
	for _, v := range validators {
		script = append(script, 0x0C, 33) // PUSHDATA1, length 33
		script = append(script, v[:]...)
	}
	script = appendPushInt(script, n)
	// SYSCALL System.Crypto.CheckMultisig
	script = append(script, 0x41)
	script = append(script, []byte("System.Crypto.CheckMultisig")...)
	return script
}

func appendPushInt(script []byte, v int) []byte {
	if v >= 1 && v <= 16 {
		return append(script, byte(0x50+v))
	}
	// PUSHINT8 for larger small values (not expected for realistic N, but
	// keeps the construction total).
	return append(script, 0x00, byte(v))
}
