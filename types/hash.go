// Package types holds the primitive value types shared across the
// consensus core: block/payload hashes, script hashes and compressed
// validator public keys. None of these carry behavior beyond what the
// wire codec and crypto package need.
package types

import (
	"encoding/hex"
	"fmt"
)

// Hash256 is a double-SHA256 digest: a block hash, a transaction hash or a
// PrepareRequest preparation hash.
type Hash256 [32]byte

// BytesToHash256 truncates or zero-pads b into a Hash256, matching the
// teacher's common.BytesToHash convention.
func BytesToHash256(b []byte) Hash256 {
	var h Hash256
	if len(b) > 32 {
		b = b[len(b)-32:]
	}
	copy(h[32-len(b):], b)
	return h
}

func (h Hash256) Bytes() []byte { return h[:] }

func (h Hash256) String() string { return "0x" + hex.EncodeToString(h[:]) }

func (h Hash256) IsZero() bool { return h == Hash256{} }

// Hash160 is a RIPEMD160(SHA256(...)) script hash, e.g. NextConsensus.
type Hash160 [20]byte

func BytesToHash160(b []byte) Hash160 {
	var h Hash160
	if len(b) > 20 {
		b = b[len(b)-20:]
	}
	copy(h[20-len(b):], b)
	return h
}

func (h Hash160) Bytes() []byte { return h[:] }

func (h Hash160) String() string { return "0x" + hex.EncodeToString(h[:]) }

// PublicKey is a compressed secp256r1 point (0x02/0x03 prefix + 32-byte X).
type PublicKey [33]byte

func (p PublicKey) Bytes() []byte { return p[:] }

func (p PublicKey) String() string { return hex.EncodeToString(p[:]) }

// ParsePublicKey validates that b is a well-formed compressed point marker;
// full curve validation happens in package crypto, which owns the ecdsa
// conversion.
func ParsePublicKey(b []byte) (PublicKey, error) {
	var p PublicKey
	if len(b) != 33 {
		return p, fmt.Errorf("types: compressed public key must be 33 bytes, got %d", len(b))
	}
	if b[0] != 0x02 && b[0] != 0x03 {
		return p, fmt.Errorf("types: invalid compressed public key prefix 0x%02x", b[0])
	}
	copy(p[:], b)
	return p, nil
}
