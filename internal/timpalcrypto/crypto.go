// Package timpalcrypto provides the cryptographic primitives of the
// consensus core: SHA-256 hashing, secp256k1 ECDSA sign/verify, and
// address derivation.
//
// Grounded on original_source/app/crypto_utils.py for exact semantics
// (secp256k1 curve, double-sha256 address derivation) and on the teacher's
// internal/core/transaction.go for the Go-idiomatic shape of key handling
// and error wrapping, adapted from P256 to secp256k1 per spec.md §4.1.
package timpalcrypto

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"

	"github.com/evokitimpal/timpal/internal/timpalerrors"
)

// PrivateKey wraps a secp256k1 private key.
type PrivateKey struct {
	key *secp256k1.PrivateKey
}

// PublicKey wraps a secp256k1 public key.
type PublicKey struct {
	key *secp256k1.PublicKey
}

// GenerateKeyPair creates a new secp256k1 key pair, grounded on
// crypto_utils.py's generate_keypair.
func GenerateKeyPair() (*PrivateKey, *PublicKey, error) {
	key, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, nil, fmt.Errorf("generate secp256k1 key: %w", err)
	}
	return &PrivateKey{key: key}, &PublicKey{key: key.PubKey()}, nil
}

// PublicKey returns the public key corresponding to priv.
func (priv *PrivateKey) PublicKey() *PublicKey {
	return &PublicKey{key: priv.key.PubKey()}
}

// Bytes returns the raw 32-byte private scalar.
func (priv *PrivateKey) Bytes() []byte {
	return priv.key.Serialize()
}

// PrivateKeyFromBytes parses a 32-byte scalar into a PrivateKey.
func PrivateKeyFromBytes(b []byte) (*PrivateKey, error) {
	if len(b) != 32 {
		return nil, timpalerrors.ErrMalformedPublicKey
	}
	key := secp256k1.PrivKeyFromBytes(b)
	return &PrivateKey{key: key}, nil
}

// Bytes returns the 33-byte compressed public key encoding, matching the
// original's hex-encoded compressed-point convention.
func (pub *PublicKey) Bytes() []byte {
	return pub.key.SerializeCompressed()
}

// Hex returns the compressed public key as lowercase hex.
func (pub *PublicKey) Hex() string {
	return hex.EncodeToString(pub.Bytes())
}

// PublicKeyFromHex parses a compressed secp256k1 public key from hex.
func PublicKeyFromHex(s string) (*PublicKey, error) {
	raw, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", timpalerrors.ErrMalformedPublicKey, err)
	}
	key, err := secp256k1.ParsePubKey(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", timpalerrors.ErrMalformedPublicKey, err)
	}
	return &PublicKey{key: key}, nil
}

// Sha256 hashes data and returns the raw 32-byte digest.
func Sha256(data []byte) [32]byte {
	return sha256.Sum256(data)
}

// Sha256Hex hashes data and returns its lowercase-hex digest, matching
// crypto_utils.py's hash_data.
func Sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Sign signs a message digest with priv and returns the DER-encoded
// signature bytes.
func Sign(priv *PrivateKey, messageHash []byte) []byte {
	sig := ecdsa.Sign(priv.key, messageHash)
	return sig.Serialize()
}

// Verify checks a DER-encoded secp256k1 signature against a public key and
// digest. Per spec.md §4.1, verify returns false on any structural or
// signature error — it never returns an error or panics.
func Verify(pub *PublicKey, messageHash []byte, sig []byte) bool {
	if pub == nil || pub.key == nil || len(sig) == 0 {
		return false
	}
	parsed, err := ecdsa.ParseDERSignature(sig)
	if err != nil {
		return false
	}
	return parsed.Verify(messageHash, pub.key)
}

const addressPrefix = "tmpl"

// DeriveAddress implements derive_address(public_key) = "tmpl" ++
// hex(sha256(sha256(pub)))[:44], grounded on crypto_utils.py's
// derive_address.
func DeriveAddress(pub *PublicKey) string {
	first := sha256.Sum256(pub.Bytes())
	second := sha256.Sum256(first[:])
	return addressPrefix + hex.EncodeToString(second[:])[:44]
}

// IsValidAddress checks the textual shape of an address: "tmpl" prefix
// followed by exactly 44 lowercase hex characters (48 characters total).
func IsValidAddress(address string) bool {
	if len(address) != 48 {
		return false
	}
	if address[:4] != addressPrefix {
		return false
	}
	for i := 4; i < len(address); i++ {
		if c := address[i]; c >= 'A' && c <= 'F' {
			return false
		}
	}
	_, err := hex.DecodeString(address[4:])
	return err == nil
}
