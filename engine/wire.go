package engine

import (
	borsh "github.com/near/borsh-go"

	"github.com/kdappio/kdapp/episode"
	"github.com/kdappio/kdapp/pki"
)

// Message discriminants, in wire order: NewEpisode=0, SignedCommand=1,
// UnsignedCommand=2.
const (
	KindNewEpisode borsh.Enum = iota
	KindSignedCommand
	KindUnsignedCommand
)

// newEpisodeWire is the NewEpisode variant: episode_id plus an ordered
// participant list establishing the initial authorized set.
type newEpisodeWire struct {
	EpisodeId    uint32
	Participants [][pki.PubKeyLen]byte
}

// unsignedCommandWire doubles as both the UnsignedCommand variant and the
// canonical "unauthorized" struct a SignedCommand's signature is computed
// over: a signature by pubkey over hash(borsh(UnsignedCommand{episode_id, cmd})).
type unsignedCommandWire[Command any] struct {
	EpisodeId uint32
	Cmd       Command
}

// signedCommandWire is the SignedCommand variant.
type signedCommandWire[Command any] struct {
	EpisodeId uint32
	Cmd       Command
	PubKey    [pki.PubKeyLen]byte
	Signature []byte
}

// EpisodeMessage is the on-wire tagged union the engine consumes, encoded
// with the near/borsh-go "Enum-selects-a-field" convention: the Enum
// discriminant byte is written first, followed only by the bytes of the
// variant it names.
type EpisodeMessage[Command any] struct {
	Enum            borsh.Enum `borsh_enum:"true"`
	NewEpisode      newEpisodeWire
	SignedCommand   signedCommandWire[Command]
	UnsignedCommand unsignedCommandWire[Command]
}

// NewEpisodeMessage builds the NewEpisode variant.
func NewEpisodeMessage[Command any](id episode.EpisodeId, participants []pki.PubKey) EpisodeMessage[Command] {
	wire := newEpisodeWire{EpisodeId: uint32(id), Participants: make([][pki.PubKeyLen]byte, len(participants))}
	for i, p := range participants {
		wire.Participants[i] = p.Array()
	}
	return EpisodeMessage[Command]{Enum: KindNewEpisode, NewEpisode: wire}
}

// NewUnsignedCommand builds the UnsignedCommand variant.
func NewUnsignedCommand[Command any](id episode.EpisodeId, cmd Command) EpisodeMessage[Command] {
	return EpisodeMessage[Command]{
		Enum:            KindUnsignedCommand,
		UnsignedCommand: unsignedCommandWire[Command]{EpisodeId: uint32(id), Cmd: cmd},
	}
}

// canonicalUnsigned returns the exact struct a SignedCommand's signature is
// computed over; NewSignedCommand and verifySignedCommand both hash it, so
// signer and verifier digest the same bytes.
func canonicalUnsigned[Command any](id episode.EpisodeId, cmd Command) unsignedCommandWire[Command] {
	return unsignedCommandWire[Command]{EpisodeId: uint32(id), Cmd: cmd}
}

// participantKeys decodes the NewEpisode participant list back into PubKeys.
func (m EpisodeMessage[Command]) participantKeys() ([]pki.PubKey, error) {
	out := make([]pki.PubKey, 0, len(m.NewEpisode.Participants))
	for _, raw := range m.NewEpisode.Participants {
		key, err := pki.ParsePubKey(raw[:])
		if err != nil {
			return nil, err
		}
		out = append(out, key)
	}
	return out, nil
}

// Decode borsh-decodes a full EpisodeMessage from bytes that no longer
// carry the 4-byte routing prefix.
func Decode[Command any](payload []byte) (EpisodeMessage[Command], error) {
	var msg EpisodeMessage[Command]
	if err := borsh.Deserialize(&msg, payload); err != nil {
		return EpisodeMessage[Command]{}, err
	}
	return msg, nil
}

// Encode borsh-encodes the message (without any routing prefix).
func Encode[Command any](msg EpisodeMessage[Command]) ([]byte, error) {
	return borsh.Serialize(msg)
}
