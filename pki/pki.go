// Package pki implements the public-key primitives the core signs and
// verifies commands with: compressed secp256k1 keys, DER signatures, and
// the borsh+SHA-256 message digest every SignedCommand is authorized
// against.
package pki

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/decred/dcrd/dcrec/secp256k1/v4/ecdsa"
	borsh "github.com/near/borsh-go"
)

// PubKeyLen is the size of a compressed secp256k1 point.
const PubKeyLen = 33

// PubKey is a compressed secp256k1 point. Ordering is lexicographic over
// the compressed bytes, matching the Rust PubKey's Ord impl.
type PubKey struct {
	key *secp256k1.PublicKey
}

// NewPubKey wraps an already-decoded key.
func NewPubKey(key *secp256k1.PublicKey) PubKey { return PubKey{key: key} }

// ParsePubKey decodes a 33-byte compressed public key.
func ParsePubKey(compressed []byte) (PubKey, error) {
	if len(compressed) != PubKeyLen {
		return PubKey{}, fmt.Errorf("pki: expected %d-byte compressed key, got %d", PubKeyLen, len(compressed))
	}
	key, err := secp256k1.ParsePubKey(compressed)
	if err != nil {
		return PubKey{}, fmt.Errorf("pki: invalid public key: %w", err)
	}
	return PubKey{key: key}, nil
}

// Array renders the key as the fixed [33]byte the wire format carries.
func (p PubKey) Array() [PubKeyLen]byte {
	var out [PubKeyLen]byte
	if p.key != nil {
		copy(out[:], p.key.SerializeCompressed())
	}
	return out
}

// Bytes returns the 33-byte compressed encoding.
func (p PubKey) Bytes() []byte {
	a := p.Array()
	return a[:]
}

// IsZero reports whether this is the default (unset) value.
func (p PubKey) IsZero() bool { return p.key == nil }

func (p PubKey) String() string { return fmt.Sprintf("%x", p.Bytes()) }

// Equal reports byte-wise equality of the compressed encoding.
func (p PubKey) Equal(o PubKey) bool { return p.Array() == o.Array() }

// Less implements the compressed-bytes ordering used wherever participant
// lists must be in a deterministic order.
func (p PubKey) Less(o PubKey) bool {
	a, b := p.Array(), o.Array()
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Sig is an ECDSA signature, carried on the wire as a DER blob inside a
// borsh Vec<u8> (i.e. a plain length-prefixed byte slice).
type Sig struct {
	sig *ecdsa.Signature
}

// DER returns the DER encoding of the signature, suitable for the wire's
// length-prefixed byte-slice field.
func (s Sig) DER() []byte {
	if s.sig == nil {
		return nil
	}
	return s.sig.Serialize()
}

// ParseSig decodes a DER-encoded signature.
func ParseSig(der []byte) (Sig, error) {
	sig, err := ecdsa.ParseDERSignature(der)
	if err != nil {
		return Sig{}, fmt.Errorf("pki: invalid DER signature: %w", err)
	}
	return Sig{sig: sig}, nil
}

// GenerateKeypair produces a fresh secp256k1 keypair.
func GenerateKeypair() (*secp256k1.PrivateKey, PubKey, error) {
	sk, err := secp256k1.GeneratePrivateKey()
	if err != nil {
		return nil, PubKey{}, fmt.Errorf("pki: generate key: %w", err)
	}
	return sk, PubKey{key: sk.PubKey()}, nil
}

// ToMessage borsh-serializes object and hashes it with SHA-256, producing
// the 32-byte digest that is signed or verified. Any borsh-serializable
// value may be passed, matching the Rust `to_message<T: BorshSerialize>`.
func ToMessage(object any) ([32]byte, error) {
	bytes, err := borsh.Serialize(object)
	if err != nil {
		return [32]byte{}, fmt.Errorf("pki: serialize message: %w", err)
	}
	return sha256.Sum256(bytes), nil
}

// SignMessage signs a 32-byte digest.
func SignMessage(sk *secp256k1.PrivateKey, digest [32]byte) Sig {
	return Sig{sig: ecdsa.Sign(sk, digest[:])}
}

// VerifySignature checks sig against digest under pub.
func VerifySignature(pub PubKey, digest [32]byte, sig Sig) bool {
	if pub.key == nil || sig.sig == nil {
		return false
	}
	return sig.sig.Verify(digest[:], pub.key)
}
