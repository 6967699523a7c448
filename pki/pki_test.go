package pki

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSignVerifyRoundTrip(t *testing.T) {
	sk, pub, err := GenerateKeypair()
	require.NoError(t, err)

	digest, err := ToMessage(struct{ Value uint32 }{Value: 42})
	require.NoError(t, err)

	sig := SignMessage(sk, digest)
	require.True(t, VerifySignature(pub, digest, sig))
}

func TestVerifyRejectsWrongKeyOrDigest(t *testing.T) {
	sk, pub, err := GenerateKeypair()
	require.NoError(t, err)
	_, otherPub, err := GenerateKeypair()
	require.NoError(t, err)

	digest, err := ToMessage(struct{ Value uint32 }{Value: 7})
	require.NoError(t, err)
	sig := SignMessage(sk, digest)

	require.False(t, VerifySignature(otherPub, digest, sig))

	otherDigest, err := ToMessage(struct{ Value uint32 }{Value: 8})
	require.NoError(t, err)
	require.False(t, VerifySignature(pub, otherDigest, sig))
}

func TestToMessageIsDeterministic(t *testing.T) {
	a, err := ToMessage(struct{ Value uint32 }{Value: 100})
	require.NoError(t, err)
	b, err := ToMessage(struct{ Value uint32 }{Value: 100})
	require.NoError(t, err)
	require.Equal(t, a, b)

	c, err := ToMessage(struct{ Value uint32 }{Value: 101})
	require.NoError(t, err)
	require.NotEqual(t, a, c)
}

func TestPubKeyParseRoundTrip(t *testing.T) {
	_, pub, err := GenerateKeypair()
	require.NoError(t, err)

	parsed, err := ParsePubKey(pub.Bytes())
	require.NoError(t, err)
	require.True(t, pub.Equal(parsed))
}

func TestParsePubKeyRejectsWrongLength(t *testing.T) {
	_, err := ParsePubKey([]byte{1, 2, 3})
	require.Error(t, err)
}

func TestSigDERRoundTrip(t *testing.T) {
	sk, _, err := GenerateKeypair()
	require.NoError(t, err)
	digest, err := ToMessage(struct{ Value uint32 }{Value: 1})
	require.NoError(t, err)
	sig := SignMessage(sk, digest)

	parsed, err := ParseSig(sig.DER())
	require.NoError(t, err)
	require.Equal(t, sig.DER(), parsed.DER())
}

func TestPubKeyLessIsAntisymmetric(t *testing.T) {
	_, a, err := GenerateKeypair()
	require.NoError(t, err)
	_, b, err := GenerateKeypair()
	require.NoError(t, err)
	if a.Equal(b) {
		t.Skip("generated equal keys, vanishingly unlikely")
	}
	require.NotEqual(t, a.Less(b), b.Less(a))
}
