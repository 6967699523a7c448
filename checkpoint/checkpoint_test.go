package checkpoint

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/kdappio/kdapp/episode"
)

// TestOkcpRoundTrip mirrors the reference OKCP round-trip scenario: encode
// (episode_id=42, seq=7, state_root=[0xAB;32]) and decode, expecting exact
// field equality and the literal "OKCP" + 0x01 prefix.
func TestOkcpRoundTrip(t *testing.T) {
	var root [32]byte
	for i := range root {
		root[i] = 0xAB
	}
	rec := Record{EpisodeId: episode.EpisodeId(42), Seq: 7, StateRoot: root}
	encoded := rec.Encode()

	require.Equal(t, []byte("OKCP"), encoded[:4])
	require.Equal(t, byte(1), encoded[4])

	decoded, err := Decode(encoded)
	require.NoError(t, err)
	require.Equal(t, rec, decoded)
	require.True(t, IsCheckpointPayload(encoded))
}

func TestDecodeRejectsWrongLength(t *testing.T) {
	_, err := Decode([]byte("too short"))
	require.Error(t, err)
}

func TestDecodeRejectsBadMagic(t *testing.T) {
	rec := Record{EpisodeId: 1, Seq: 1}
	encoded := rec.Encode()
	encoded[0] = 'X'
	_, err := Decode(encoded)
	require.Error(t, err)
	require.False(t, IsCheckpointPayload(encoded))
}
