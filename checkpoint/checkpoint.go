// Package checkpoint implements the OKCP on-chain anchor record that binds
// off-chain episode progress to a chain transaction payload.
package checkpoint

import (
	"encoding/binary"
	"fmt"

	"github.com/kdappio/kdapp/episode"
)

// magic is the ASCII prefix identifying an OKCP record.
var magic = [4]byte{'O', 'K', 'C', 'P'}

// RecordVersion is the only OKCP record version this package emits or
// accepts.
const RecordVersion uint8 = 1

// EncodedLen is the exact size of an OKCP record: magic(4) + version(1) +
// episode_id(8) + seq(8) + state_root(32).
const EncodedLen = 4 + 1 + 8 + 8 + 32

// Record anchors one episode's state at a given sequence number.
type Record struct {
	EpisodeId episode.EpisodeId
	Seq       uint64
	StateRoot [32]byte
}

// Encode serializes r to the exact OKCP wire format.
func (r Record) Encode() []byte {
	out := make([]byte, 0, EncodedLen)
	out = append(out, magic[:]...)
	out = append(out, RecordVersion)
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(r.EpisodeId))
	out = append(out, buf[:]...)
	binary.LittleEndian.PutUint64(buf[:], r.Seq)
	out = append(out, buf[:]...)
	out = append(out, r.StateRoot[:]...)
	return out
}

// Decode parses an OKCP record, rejecting anything that isn't exactly
// EncodedLen bytes with the expected magic and version.
func Decode(raw []byte) (Record, error) {
	if len(raw) != EncodedLen {
		return Record{}, fmt.Errorf("checkpoint: expected %d-byte OKCP record, got %d", EncodedLen, len(raw))
	}
	if [4]byte(raw[:4]) != magic {
		return Record{}, fmt.Errorf("checkpoint: missing OKCP magic")
	}
	if raw[4] != RecordVersion {
		return Record{}, fmt.Errorf("checkpoint: unsupported OKCP version %d", raw[4])
	}
	episodeID := binary.LittleEndian.Uint64(raw[5:13])
	seq := binary.LittleEndian.Uint64(raw[13:21])
	var root [32]byte
	copy(root[:], raw[21:53])
	return Record{EpisodeId: episode.EpisodeId(episodeID), Seq: seq, StateRoot: root}, nil
}

// IsCheckpointPayload reports whether raw looks like an OKCP record (i.e.
// has the right length and magic/version), without fully decoding it or
// constructing a Record.
func IsCheckpointPayload(raw []byte) bool {
	return len(raw) == EncodedLen && [4]byte(raw[:4]) == magic && raw[4] == RecordVersion
}
