// Package atcrypto signs and verifies repository commits.
//
// A repo's signing key is a P-256 ECDSA keypair. Signatures are the
// low-S-mitigated, fixed-width r||s encoding used throughout AT Protocol,
// ported in idiom (not transcribed) from arroba's util.sign/verify_sig.
package atcrypto

import (
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"errors"
	"fmt"
	"math/big"

	"github.com/wrenfeed/pds/atdata"
)

// ErrBadSignature is the sentinel for a signature that does not verify.
// Verify and VerifyBytes do not return it: they report failure, a
// wrong-length signature, or an object that doesn't encode as false.
var ErrBadSignature = errors.New("atcrypto: signature does not verify")

// curveOrder is the order of the P-256 base point, used for the low-S
// mitigation below.
var curveOrder = elliptic.P256().Params().N

// GenerateKey creates a new P-256 signing key.
func GenerateKey() (*ecdsa.PrivateKey, error) {
	return ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
}

// Sign canonically CBOR-encodes obj, signs the encoding with key, and
// returns the raw 64-byte r||s signature (low-S normalized so that two
// signers never produce a malleable pair for the same message).
//
// obj must not itself contain a signature field; callers attach the
// returned bytes to their own wire structure (see repo.Commit).
func Sign(obj interface{}, key *ecdsa.PrivateKey) ([]byte, error) {
	enc, err := atdata.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("encoding commit for signing: %w", err)
	}
	return SignBytes(enc, key)
}

// SignBytes signs the given bytes directly, e.g. an already-canonicalized
// unsigned commit encoding.
func SignBytes(enc []byte, key *ecdsa.PrivateKey) ([]byte, error) {
	digest := sha256sum(enc)
	r, s, err := ecdsa.Sign(rand.Reader, key, digest)
	if err != nil {
		return nil, fmt.Errorf("ecdsa sign: %w", err)
	}
	s = lowS(s)

	sig := make([]byte, 64)
	r.FillBytes(sig[:32])
	s.FillBytes(sig[32:])
	return sig, nil
}

// Verify reports whether sig is a valid signature of obj's canonical CBOR
// encoding under pub.
func Verify(obj interface{}, sig []byte, pub *ecdsa.PublicKey) bool {
	enc, err := atdata.Marshal(obj)
	if err != nil {
		return false
	}
	return VerifyBytes(enc, sig, pub)
}

// VerifyBytes verifies a raw r||s signature over already-encoded bytes.
func VerifyBytes(enc, sig []byte, pub *ecdsa.PublicKey) bool {
	if len(sig) != 64 {
		return false
	}
	r := new(big.Int).SetBytes(sig[:32])
	s := new(big.Int).SetBytes(sig[32:])
	digest := sha256sum(enc)
	return ecdsa.Verify(pub, digest, r, s)
}

// lowS returns the canonical low-S form of s, mirroring
// arroba.util.apply_low_s_mitigation: if s is in the upper half of the
// curve order, replace it with n - s. Prevents a second, equally valid
// signature for the same message (signature malleability).
func lowS(s *big.Int) *big.Int {
	half := new(big.Int).Rsh(curveOrder, 1)
	if s.Cmp(half) > 0 {
		return new(big.Int).Sub(curveOrder, s)
	}
	return s
}
