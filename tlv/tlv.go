// Package tlv implements the off-chain datagram framing used by the router
// and client: version, type, episode id, monotone sequence, state hash,
// payload, and a keyed BLAKE2b MAC.
package tlv

import (
	"encoding/binary"
	"fmt"

	"golang.org/x/crypto/blake2b"
)

// Version is the only TLV wire version this package understands.
const Version uint8 = 1

// MsgType names the TLV message kinds, including the reserved subscription
// types a customer/merchant-style application layers on top of the basic
// New/Cmd/Ack/Close exchange.
type MsgType uint8

const (
	MsgNew MsgType = iota
	MsgCmd
	MsgAck
	MsgClose
	MsgAckClose
	MsgCheckpoint
	MsgHandshake
	MsgSubCharge
	MsgSubChargeAck
	MsgSubDispute
	MsgSubDisputeResolve
)

func (t MsgType) valid() bool { return t <= MsgSubDisputeResolve }

func (t MsgType) String() string {
	switch t {
	case MsgNew:
		return "New"
	case MsgCmd:
		return "Cmd"
	case MsgAck:
		return "Ack"
	case MsgClose:
		return "Close"
	case MsgAckClose:
		return "AckClose"
	case MsgCheckpoint:
		return "Checkpoint"
	case MsgHandshake:
		return "Handshake"
	case MsgSubCharge:
		return "SubCharge"
	case MsgSubChargeAck:
		return "SubChargeAck"
	case MsgSubDispute:
		return "SubDispute"
	case MsgSubDisputeResolve:
		return "SubDisputeResolve"
	default:
		return fmt.Sprintf("MsgType(%d)", uint8(t))
	}
}

// headerLen is the fixed portion before the variable-length payload:
// version(1) + msg_type(1) + script_policy_version(2) + episode_id(8) +
// seq(8) + state_hash(32) + payload_len(2).
const headerLen = 1 + 1 + 2 + 8 + 8 + 32 + 2

// authLen is the trailing MAC width.
const authLen = 32

// MinEncodedLen is the smallest a valid encoded message can be: header plus
// auth, zero-length payload.
const MinEncodedLen = headerLen + authLen

// ScriptPolicyBasic is the only script-policy-version value the basic
// scheme defines.
const ScriptPolicyBasic uint16 = 0

// Message is one TLV datagram.
type Message struct {
	Version             uint8
	Type                MsgType
	ScriptPolicyVersion uint16
	EpisodeId           uint64
	Seq                 uint64
	StateHash           [32]byte
	Payload             []byte
	Auth                [32]byte
}

// bytesForSign returns the header+payload bytes the MAC is computed over,
// i.e. everything except the trailing auth field.
func (m *Message) bytesForSign() []byte {
	out := make([]byte, 0, headerLen+len(m.Payload))
	out = append(out, m.Version, byte(m.Type))
	out = appendUint16(out, m.ScriptPolicyVersion)
	out = appendUint64(out, m.EpisodeId)
	out = appendUint64(out, m.Seq)
	out = append(out, m.StateHash[:]...)
	out = appendUint16(out, uint16(len(m.Payload)))
	out = append(out, m.Payload...)
	return out
}

// Sign computes and stores the keyed MAC over m's header+payload.
func (m *Message) Sign(key []byte) {
	copy(m.Auth[:], mac(key, m.bytesForSign()))
}

// Verify reports whether m's stored Auth matches the MAC computed under key.
func (m *Message) Verify(key []byte) bool {
	return m.Auth == [32]byte(mac(key, m.bytesForSign()))
}

func mac(key, data []byte) []byte {
	h, err := blake2b.New512(nil)
	if err != nil {
		panic(err)
	}
	h.Write(key)
	h.Write(data)
	return h.Sum(nil)[:32]
}

// Encode serializes m to its wire form: bytesForSign followed by Auth.
func (m *Message) Encode() []byte {
	out := m.bytesForSign()
	return append(out, m.Auth[:]...)
}

// Decode parses a wire message, rejecting truncated input, an unknown
// version, or an unknown message type. It does not verify the MAC; callers
// must call Verify with the appropriate per-source key.
func Decode(raw []byte) (*Message, error) {
	if len(raw) < MinEncodedLen {
		return nil, fmt.Errorf("tlv: message too short: %d bytes", len(raw))
	}
	version := raw[0]
	if version != Version {
		return nil, fmt.Errorf("tlv: unsupported version %d", version)
	}
	msgType := MsgType(raw[1])
	if !msgType.valid() {
		return nil, fmt.Errorf("tlv: unknown message type %d", raw[1])
	}
	scriptPolicyVersion := binary.LittleEndian.Uint16(raw[2:4])
	episodeID := binary.LittleEndian.Uint64(raw[4:12])
	seq := binary.LittleEndian.Uint64(raw[12:20])
	var stateHash [32]byte
	copy(stateHash[:], raw[20:52])
	payloadLen := int(binary.LittleEndian.Uint16(raw[52:54]))

	if len(raw) != headerLen+payloadLen+authLen {
		return nil, fmt.Errorf("tlv: payload length mismatch: declared %d, have %d trailing bytes", payloadLen, len(raw)-headerLen-authLen)
	}
	payload := append([]byte(nil), raw[headerLen:headerLen+payloadLen]...)
	var auth [32]byte
	copy(auth[:], raw[headerLen+payloadLen:])

	return &Message{
		Version:             version,
		Type:                msgType,
		ScriptPolicyVersion: scriptPolicyVersion,
		EpisodeId:           episodeID,
		Seq:                 seq,
		StateHash:           stateHash,
		Payload:             payload,
		Auth:                auth,
	}, nil
}

// HashState computes the unkeyed state-hash/root digest used both for a
// message's StateHash field and for OKCP state roots: truncate32(BLAKE2b(bytes)).
func HashState(bytes []byte) [32]byte {
	h, err := blake2b.New512(nil)
	if err != nil {
		panic(err)
	}
	h.Write(bytes)
	var out [32]byte
	copy(out[:], h.Sum(nil)[:32])
	return out
}

func appendUint16(dst []byte, v uint16) []byte {
	return append(dst, byte(v), byte(v>>8))
}

func appendUint64(dst []byte, v uint64) []byte {
	var b [8]byte
	binary.LittleEndian.PutUint64(b[:], v)
	return append(dst, b[:]...)
}
