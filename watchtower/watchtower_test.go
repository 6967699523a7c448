package watchtower

import (
	"net"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"github.com/kdappio/kdapp/checkpoint"
	"github.com/kdappio/kdapp/episode"
	"github.com/kdappio/kdapp/metrics"
	"github.com/kdappio/kdapp/pki"
	"github.com/kdappio/kdapp/tlv"
)

func newTestGuardian(t *testing.T) *Guardian {
	t.Helper()
	sk, _, err := pki.GenerateKeypair()
	require.NoError(t, err)
	reg := metrics.NewRegistry(prometheus.NewRegistry())
	g, err := New(sk, []byte("watchtower-test-key"), reg, "")
	require.NoError(t, err)
	return g
}

// TestRefundSignedAndRecorded mirrors guardian_refund.rs's first scenario:
// a known checkpoint plus an escalation for that episode must produce a
// signature, recorded so a replay can be answered without re-signing.
func TestRefundSignedAndRecorded(t *testing.T) {
	g := newTestGuardian(t)
	id := episode.EpisodeId(7)
	g.state.RecordCheckpoint(id, 3, [32]byte{0xAB})

	sig, ok := g.HandleEscalation(EscalationMsg{EpisodeId: id, Reason: "no response", RefundTx: []byte("refund-tx-bytes")})
	require.True(t, ok)
	require.NotNil(t, sig.DER())

	cached, found := g.state.RefundSignature(id)
	require.True(t, found)
	require.Equal(t, sig.DER(), cached.DER())
}

// TestReplayedEscalationReturnsCachedSignature mirrors the "replay-confirm"
// scenario: handling the same escalation twice must not re-sign or
// double-count the valid-escalation metric.
func TestReplayedEscalationReturnsCachedSignature(t *testing.T) {
	g := newTestGuardian(t)
	id := episode.EpisodeId(9)
	g.state.RecordCheckpoint(id, 1, [32]byte{0xCD})

	msg := EscalationMsg{EpisodeId: id, Reason: "timeout", RefundTx: []byte("refund-tx-bytes")}
	first, ok := g.HandleEscalation(msg)
	require.True(t, ok)

	second, ok := g.HandleEscalation(msg)
	require.True(t, ok)
	require.Equal(t, first.DER(), second.DER())
	require.Equal(t, float64(1), testutil.ToFloat64(g.reg.EscalationsValid))
}

// TestUnknownEpisodeEscalationNotSigned mirrors the "unknown episode" guard:
// a checkpoint that was never observed must never be co-signed.
func TestUnknownEpisodeEscalationNotSigned(t *testing.T) {
	g := newTestGuardian(t)

	sig, ok := g.HandleEscalation(EscalationMsg{EpisodeId: episode.EpisodeId(42), Reason: "dispute", RefundTx: []byte("refund-tx-bytes")})
	require.False(t, ok)
	require.Nil(t, sig.DER())

	_, found := g.state.RefundSignature(episode.EpisodeId(42))
	require.False(t, found)
}

func TestObserveOkcpPayloadRecordsCheckpoint(t *testing.T) {
	g := newTestGuardian(t)
	rec := checkpoint.Record{EpisodeId: episode.EpisodeId(5), Seq: 11, StateRoot: [32]byte{0x01}}
	g.ObserveOkcpPayload(rec.Encode())

	seq, root, ok := g.state.KnownCheckpoint(episode.EpisodeId(5))
	require.True(t, ok)
	require.Equal(t, uint64(11), seq)
	require.Equal(t, rec.StateRoot, root)
}

// TestRecordConfirmOnlyTakesEffectOnce mirrors scenario_b_replay_confirm:
// the first confirm for an (episode_id, seq) is accepted, a replay of the
// identical pair is reported as not first-time, and a new seq is accepted.
// The metric side of a replay is covered by
// TestReplayedDisputeResolveCountsInvalid.
func TestRecordConfirmOnlyTakesEffectOnce(t *testing.T) {
	g := newTestGuardian(t)
	id := episode.EpisodeId(7)

	require.True(t, g.state.RecordConfirm(id, 1))
	require.False(t, g.state.RecordConfirm(id, 1))
	require.True(t, g.state.RecordConfirm(id, 2))
}

// TestReplayedDisputeResolveCountsInvalid drives the same datagram through
// handleDatagram twice, mirroring scenario_b_replay_confirm: the first
// confirm is silent, the replay increments EscalationsInvalid.
func TestReplayedDisputeResolveCountsInvalid(t *testing.T) {
	g := newTestGuardian(t)
	conn, err := net.ListenUDP("udp", &net.UDPAddr{})
	require.NoError(t, err)
	defer conn.Close()
	g.conn = conn

	key := []byte("watchtower-test-key")
	msg := &tlv.Message{Version: tlv.Version, Type: tlv.MsgSubDisputeResolve, EpisodeId: 7, Seq: 1}
	msg.Sign(key)
	raw := msg.Encode()
	src := conn.LocalAddr().(*net.UDPAddr)

	g.handleDatagram(raw, src)
	require.Equal(t, float64(0), testutil.ToFloat64(g.reg.EscalationsInvalid))

	g.handleDatagram(raw, src)
	require.Equal(t, float64(1), testutil.ToFloat64(g.reg.EscalationsInvalid))
}

func TestObserveOkcpPayloadIgnoresGarbage(t *testing.T) {
	g := newTestGuardian(t)
	g.ObserveOkcpPayload([]byte("not an okcp record"))

	_, _, ok := g.state.KnownCheckpoint(episode.EpisodeId(5))
	require.False(t, ok)
}

// TestCheckpointSurvivesRestart mirrors tlvclient's persisted-sequence
// guarantee: a guardian backed by a store must still recognize an episode
// it checkpointed before a prior process exited.
func TestCheckpointSurvivesRestart(t *testing.T) {
	storePath := t.TempDir() + "/checkpoints"
	sk, _, err := pki.GenerateKeypair()
	require.NoError(t, err)
	reg := metrics.NewRegistry(prometheus.NewRegistry())

	g1, err := New(sk, []byte("watchtower-test-key"), reg, storePath)
	require.NoError(t, err)
	id := episode.EpisodeId(3)
	g1.state.RecordCheckpoint(id, 5, [32]byte{0xEE})
	require.NoError(t, g1.Close())

	g2, err := New(sk, []byte("watchtower-test-key"), reg, storePath)
	require.NoError(t, err)
	defer g2.Close()

	seq, root, ok := g2.state.KnownCheckpoint(id)
	require.True(t, ok)
	require.EqualValues(t, 5, seq)
	require.Equal(t, [32]byte{0xEE}, root)
}
