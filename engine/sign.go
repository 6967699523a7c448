package engine

import (
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/kdappio/kdapp/episode"
	"github.com/kdappio/kdapp/pki"
)

// NewSignedCommand builds the SignedCommand variant, signing
// hash(borsh(UnsignedCommand{episode_id, cmd})) with sk. This matches the
// Rust helper `EpisodeMessage::new_signed_command` used throughout the
// engine test suite.
func NewSignedCommand[Command any](id episode.EpisodeId, cmd Command, sk *secp256k1.PrivateKey, pub pki.PubKey) (EpisodeMessage[Command], error) {
	digest, err := pki.ToMessage(canonicalUnsigned(id, cmd))
	if err != nil {
		return EpisodeMessage[Command]{}, fmt.Errorf("engine: hashing unsigned command: %w", err)
	}
	sig := pki.SignMessage(sk, digest)
	return EpisodeMessage[Command]{
		Enum: KindSignedCommand,
		SignedCommand: signedCommandWire[Command]{
			EpisodeId: uint32(id),
			Cmd:       cmd,
			PubKey:    pub.Array(),
			Signature: sig.DER(),
		},
	}, nil
}

// verifySignedCommand checks a SignedCommand's signature against the
// canonical UnsignedCommand bytes, returning the authorizing pubkey.
func verifySignedCommand[Command any](msg EpisodeMessage[Command]) (pki.PubKey, bool, error) {
	pub, err := pki.ParsePubKey(msg.SignedCommand.PubKey[:])
	if err != nil {
		return pki.PubKey{}, false, err
	}
	sig, err := pki.ParseSig(msg.SignedCommand.Signature)
	if err != nil {
		return pki.PubKey{}, false, nil //nolint:nilerr // malformed signature is a verification failure, not a decode error
	}
	digest, err := pki.ToMessage(canonicalUnsigned(episode.EpisodeId(msg.SignedCommand.EpisodeId), msg.SignedCommand.Cmd))
	if err != nil {
		return pki.PubKey{}, false, fmt.Errorf("engine: hashing unsigned command: %w", err)
	}
	return pub, pki.VerifySignature(pub, digest, sig), nil
}
