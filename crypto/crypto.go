// Package crypto wraps the secp256r1 (NIST P-256) signing and hashing
// primitives the consensus core depends on (§6 "Cryptography interface").
//
// Neo validator keys are P-256, not the secp256k1/BLS12-381/ed25519 curves
// the rest of the teacher's stack supports for account signing; no
// third-party P-256 implementation appears anywhere in the example corpus,
// so this package is deliberately built on crypto/ecdsa + crypto/elliptic
// (see DESIGN.md).
package crypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"math/big"

	"golang.org/x/crypto/ripemd160" //nolint:staticcheck // matches teacher's hash160 construction

	"github.com/tos-network/dbft/types"
)

var (
	ErrInvalidPublicKey = errors.New("crypto: invalid secp256r1 public key")
	ErrInvalidSignature = errors.New("crypto: malformed signature")
	ErrNoPrivateKey     = errors.New("crypto: node has no validator private key (observer-only)")
)

// KeyPair holds a validator's secp256r1 identity. Private may be nil for an
// observer node (§6 "validator_private_key absent -> observer-only").
type KeyPair struct {
	Private *ecdsa.PrivateKey
	Public  types.PublicKey
}

// GenerateKeyPair creates a new random validator identity, for tests and
// local network bootstrap.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("crypto: generate key: %w", err)
	}
	pub, err := CompressPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// KeyPairFromPrivate builds a KeyPair from a raw 32-byte P-256 scalar.
func KeyPairFromPrivate(raw []byte) (*KeyPair, error) {
	if len(raw) != 32 {
		return nil, fmt.Errorf("%w: private key must be 32 bytes, got %d", ErrInvalidPublicKey, len(raw))
	}
	curve := elliptic.P256()
	d := new(big.Int).SetBytes(raw)
	if d.Sign() <= 0 || d.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("%w: private scalar out of range", ErrInvalidPublicKey)
	}
	x, y := curve.ScalarBaseMult(raw)
	priv := &ecdsa.PrivateKey{
		PublicKey: ecdsa.PublicKey{Curve: curve, X: x, Y: y},
		D:         d,
	}
	pub, err := CompressPublicKey(&priv.PublicKey)
	if err != nil {
		return nil, err
	}
	return &KeyPair{Private: priv, Public: pub}, nil
}

// CompressPublicKey encodes an ecdsa.PublicKey as a 33-byte compressed point.
func CompressPublicKey(pub *ecdsa.PublicKey) (types.PublicKey, error) {
	var out types.PublicKey
	if pub == nil || pub.Curve != elliptic.P256() {
		return out, ErrInvalidPublicKey
	}
	compressed := elliptic.MarshalCompressed(elliptic.P256(), pub.X, pub.Y)
	return types.ParsePublicKey(compressed)
}

// ExpandPublicKey recovers the full ecdsa.PublicKey from its compressed form.
// Grounded on accountsigner.normalizeSecp256r1Pubkey's UnmarshalCompressed use.
func ExpandPublicKey(p types.PublicKey) (*ecdsa.PublicKey, error) {
	x, y := elliptic.UnmarshalCompressed(elliptic.P256(), p[:])
	if x == nil || y == nil {
		return nil, ErrInvalidPublicKey
	}
	return &ecdsa.PublicKey{Curve: elliptic.P256(), X: x, Y: y}, nil
}

// Sign produces a 64-byte [R(32) || S(32)] signature over msg, the wire
// format §4.1 specifies for Commit.signature and every invocation_script.
func Sign(priv *ecdsa.PrivateKey, msg []byte) ([]byte, error) {
	if priv == nil {
		return nil, ErrNoPrivateKey
	}
	if priv.Curve != elliptic.P256() {
		return nil, fmt.Errorf("%w: private key is not on P-256", ErrInvalidPublicKey)
	}
	digest := Hash256(msg)
	r, s, err := ecdsa.Sign(rand.Reader, priv, digest[:])
	if err != nil {
		return nil, fmt.Errorf("crypto: sign: %w", err)
	}
	return encodeRS(r, s)
}

// Verify checks a 64-byte [R || S] signature over msg against pub.
func Verify(pub types.PublicKey, msg, sig []byte) bool {
	if len(sig) != 64 {
		return false
	}
	ecp, err := ExpandPublicKey(pub)
	if err != nil {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	digest := Hash256(msg)
	return ecdsa.Verify(ecp, digest[:], r, s)
}

func encodeRS(r, s *big.Int) ([]byte, error) {
	if r == nil || s == nil || r.Sign() < 0 || s.Sign() < 0 {
		return nil, ErrInvalidSignature
	}
	rb, sb := r.Bytes(), s.Bytes()
	if len(rb) > 32 || len(sb) > 32 {
		return nil, ErrInvalidSignature
	}
	out := make([]byte, 64)
	copy(out[32-len(rb):32], rb)
	copy(out[64-len(sb):], sb)
	return out, nil
}

// Hash256 is SHA-256 applied twice, used for block hashes, preparation
// hashes and the signing digest.
func Hash256(b []byte) types.Hash256 {
	first := sha256.Sum256(b)
	second := sha256.Sum256(first[:])
	return second
}

// Hash160 is RIPEMD160(SHA256(b)), used for NextConsensus and multisig
// script hashes (§4.3).
func Hash160(b []byte) types.Hash160 {
	first := sha256.Sum256(b)
	h := ripemd160.New()
	h.Write(first[:])
	return types.BytesToHash160(h.Sum(nil))
}
