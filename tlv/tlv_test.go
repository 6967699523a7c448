package tlv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	msg := &Message{
		Version:             Version,
		Type:                MsgCmd,
		ScriptPolicyVersion: ScriptPolicyBasic,
		EpisodeId:           42,
		Seq:                 7,
		StateHash:           HashState([]byte("episode-state")),
		Payload:             []byte("hello episode"),
	}
	key := []byte("per-source-mac-key")
	msg.Sign(key)
	require.True(t, msg.Verify(key))

	decoded, err := Decode(msg.Encode())
	require.NoError(t, err)
	require.Equal(t, msg.Version, decoded.Version)
	require.Equal(t, msg.Type, decoded.Type)
	require.Equal(t, msg.EpisodeId, decoded.EpisodeId)
	require.Equal(t, msg.Seq, decoded.Seq)
	require.Equal(t, msg.StateHash, decoded.StateHash)
	require.Equal(t, msg.Payload, decoded.Payload)
	require.True(t, decoded.Verify(key))
}

func TestVerifyRejectsWrongKey(t *testing.T) {
	msg := &Message{Type: MsgAck, Version: Version}
	msg.Sign([]byte("key-a"))
	require.False(t, msg.Verify([]byte("key-b")))
}

func TestDecodeRejectsTruncated(t *testing.T) {
	_, err := Decode(make([]byte, MinEncodedLen-1))
	require.Error(t, err)
}

func TestDecodeRejectsBadVersion(t *testing.T) {
	msg := &Message{Version: Version + 1, Type: MsgNew}
	raw := msg.Encode()
	_, err := Decode(raw)
	require.Error(t, err)
}

func TestDecodeRejectsUnknownType(t *testing.T) {
	msg := &Message{Version: Version, Type: MsgSubDisputeResolve}
	raw := msg.Encode()
	raw[1] = 255
	_, err := Decode(raw)
	require.Error(t, err)
}

func TestDecodeRejectsLengthMismatch(t *testing.T) {
	msg := &Message{Version: Version, Type: MsgCmd, Payload: []byte("abc")}
	raw := msg.Encode()
	truncated := raw[:len(raw)-1]
	_, err := Decode(truncated)
	require.Error(t, err)
}
