// Package watchtower implements the OKCP-consuming guardian side of the
// checkpoint/anchor protocol: it tracks the latest known
// checkpoint per episode, and only co-signs a dispute escalation's remedy
// once it has observed that episode at the chain's required point — an
// unknown episode is refused, not silently signed.
package watchtower

import (
	"fmt"
	"net"
	"sync"

	"github.com/cockroachdb/pebble"
	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/kdappio/kdapp/checkpoint"
	"github.com/kdappio/kdapp/episode"
	ilog "github.com/kdappio/kdapp/internal/log"
	"github.com/kdappio/kdapp/metrics"
	"github.com/kdappio/kdapp/pki"
	"github.com/kdappio/kdapp/tlv"
)

// checkpointEntry is the latest (seq, state_root) this watchtower has
// observed for one episode.
type checkpointEntry struct {
	seq       uint64
	stateRoot [32]byte
}

// confirmKey identifies one dispute-resolve confirmation.
type confirmKey struct {
	id  episode.EpisodeId
	seq uint64
}

// State is the watchtower's observation of the chain plus whatever it has
// signed in response to escalations, guarded by a mutex since it is
// updated both by the chain-watching goroutine and the TLV listener. When
// backed by a store, checkpoints survive a restart the same way
// tlvclient's sequence counters do: an escalation for an episode this
// process saw checkpointed before its last restart must still be honored.
type State struct {
	mu sync.Mutex

	checkpoints      map[episode.EpisodeId]checkpointEntry
	refundSignatures map[episode.EpisodeId]pki.Sig
	confirmed        map[confirmKey]bool
	store            *pebble.DB
}

// newState builds a State. An empty storePath keeps checkpoints in memory
// only; a non-empty one opens (creating if absent) a pebble database and
// hydrates the in-memory map from whatever it already holds.
func newState(storePath string) (*State, error) {
	s := &State{
		checkpoints:      make(map[episode.EpisodeId]checkpointEntry),
		refundSignatures: make(map[episode.EpisodeId]pki.Sig),
		confirmed:        make(map[confirmKey]bool),
	}
	if storePath == "" {
		return s, nil
	}
	db, err := pebble.Open(storePath, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("watchtower: opening checkpoint store at %s: %w", storePath, err)
	}
	s.store = db
	if err := s.loadFromStore(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func checkpointKey(id episode.EpisodeId) []byte {
	return []byte(fmt.Sprintf("checkpoint/%d", id))
}

func encodeCheckpoint(e checkpointEntry) []byte {
	b := make([]byte, 8+32)
	for i := 0; i < 8; i++ {
		b[i] = byte(e.seq >> (8 * i))
	}
	copy(b[8:], e.stateRoot[:])
	return b
}

func decodeCheckpoint(b []byte) (checkpointEntry, bool) {
	if len(b) != 8+32 {
		return checkpointEntry{}, false
	}
	var e checkpointEntry
	for i := 0; i < 8; i++ {
		e.seq |= uint64(b[i]) << (8 * i)
	}
	copy(e.stateRoot[:], b[8:])
	return e, true
}

func (s *State) loadFromStore() error {
	iter, err := s.store.NewIter(&pebble.IterOptions{LowerBound: []byte("checkpoint/"), UpperBound: []byte("checkpoint0")})
	if err != nil {
		return fmt.Errorf("watchtower: iterating checkpoint store: %w", err)
	}
	defer iter.Close()
	for iter.First(); iter.Valid(); iter.Next() {
		var id uint32
		if _, err := fmt.Sscanf(string(iter.Key()), "checkpoint/%d", &id); err != nil {
			continue
		}
		entry, ok := decodeCheckpoint(iter.Value())
		if !ok {
			continue
		}
		s.checkpoints[episode.EpisodeId(id)] = entry
	}
	return iter.Error()
}

// Close releases the underlying checkpoint store, if one is configured.
func (s *State) Close() error {
	if s.store == nil {
		return nil
	}
	return s.store.Close()
}

// RecordCheckpoint stores the most recent (seq, state_root) observed for an
// episode. Out-of-order checkpoints are dropped: only a strictly greater
// seq replaces the recorded one, matching the engine's "state only moves
// forward except on explicit revert" posture.
func (s *State) RecordCheckpoint(id episode.EpisodeId, seq uint64, stateRoot [32]byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if existing, ok := s.checkpoints[id]; ok && existing.seq >= seq {
		return
	}
	entry := checkpointEntry{seq: seq, stateRoot: stateRoot}
	s.checkpoints[id] = entry
	if s.store != nil {
		if err := s.store.Set(checkpointKey(id), encodeCheckpoint(entry), pebble.Sync); err != nil {
			ilog.Debug("watchtower: failed persisting checkpoint", "episode_id", id, "err", err)
		}
	}
}

// KnownCheckpoint reports the latest recorded (seq, state_root) for id.
func (s *State) KnownCheckpoint(id episode.EpisodeId) (seq uint64, stateRoot [32]byte, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.checkpoints[id]
	return entry.seq, entry.stateRoot, ok
}

// RefundSignature returns a previously recorded refund signature for id, if
// any, so a replayed escalation does not sign twice.
func (s *State) RefundSignature(id episode.EpisodeId) (pki.Sig, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sig, ok := s.refundSignatures[id]
	return sig, ok
}

func (s *State) recordSignature(id episode.EpisodeId, sig pki.Sig) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.refundSignatures[id] = sig
}

// RecordConfirm registers a dispute-resolve confirmation for (id, seq),
// reporting whether this is the first time it has been seen. A replayed
// confirmation of the same pair must not re-update state.
func (s *State) RecordConfirm(id episode.EpisodeId, seq uint64) (firstTime bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := confirmKey{id: id, seq: seq}
	if s.confirmed[key] {
		return false
	}
	s.confirmed[key] = true
	return true
}

// Guardian watches OKCP checkpoints and answers dispute escalations over
// its own TLV port, co-signing a remedy only for episodes it has a
// recorded checkpoint for.
type Guardian struct {
	sk    *secp256k1.PrivateKey
	key   []byte // off-chain TLV MAC key shared with escalating clients
	state *State
	reg   *metrics.Registry
	conn  *net.UDPConn
}

// New constructs a Guardian signing remedies with sk and authenticating its
// TLV port with key. An empty storePath keeps observed checkpoints in
// memory only; a non-empty one persists them so a restarted guardian does
// not forget what it has already confirmed on chain.
func New(sk *secp256k1.PrivateKey, key []byte, reg *metrics.Registry, storePath string) (*Guardian, error) {
	state, err := newState(storePath)
	if err != nil {
		return nil, err
	}
	return &Guardian{sk: sk, key: key, state: state, reg: reg}, nil
}

// State returns the guardian's observation state, for tests and for a
// caller assembling an HTTP status endpoint.
func (g *Guardian) State() *State { return g.state }

// ObserveOkcpPayload decodes an OKCP record and records it, silently
// ignoring payloads that do not decode (the chain watcher may hand this
// every checkpoint-prefixed transaction payload without pre-filtering).
func (g *Guardian) ObserveOkcpPayload(payload []byte) {
	rec, err := checkpoint.Decode(payload)
	if err != nil {
		return
	}
	id := episode.EpisodeId(rec.EpisodeId)
	g.state.RecordCheckpoint(id, rec.Seq, rec.StateRoot)
	if g.reg != nil {
		g.reg.CheckpointsObserved.Inc()
	}
}

// EscalationMsg is a dispute escalation delivered over TLV, payload
// carrying the refund transaction bytes to co-sign.
type EscalationMsg struct {
	EpisodeId episode.EpisodeId
	Reason    string
	RefundTx  []byte
}

// HandleEscalation verifies the escalation references a known checkpoint
// and, only then, signs RefundTx with the guardian's key. Signatures are
// cached per episode: any later escalation for an episode that already has
// one returns that cached signature without re-signing or counting
// metrics, whatever RefundTx it carries.
func (g *Guardian) HandleEscalation(msg EscalationMsg) (pki.Sig, bool) {
	if _, _, known := g.state.KnownCheckpoint(msg.EpisodeId); !known {
		ilog.Debug("watchtower: escalation for unknown episode", "episode_id", msg.EpisodeId, "reason", msg.Reason)
		if g.reg != nil {
			g.reg.EscalationsInvalid.Inc()
		}
		return pki.Sig{}, false
	}
	if sig, ok := g.state.RefundSignature(msg.EpisodeId); ok {
		return sig, true
	}

	digest, err := pki.ToMessage(msg.RefundTx)
	if err != nil {
		ilog.Debug("watchtower: failed hashing refund tx", "episode_id", msg.EpisodeId, "err", err)
		if g.reg != nil {
			g.reg.EscalationsInvalid.Inc()
		}
		return pki.Sig{}, false
	}
	sig := pki.SignMessage(g.sk, digest)
	g.state.recordSignature(msg.EpisodeId, sig)
	if g.reg != nil {
		g.reg.EscalationsValid.Inc()
	}
	ilog.Info("watchtower: co-signed refund", "episode_id", msg.EpisodeId)
	return sig, true
}

// ListenAndServe binds addr and answers Escalate (tlv.MsgSubDispute) and
// Confirm (tlv.MsgSubDisputeResolve) messages, the watchtower's own TLV
// port distinct from the application's router.
func (g *Guardian) ListenAndServe(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	g.conn = conn
	ilog.Info("watchtower: listening", "addr", addr)

	buf := make([]byte, 64*1024)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		g.handleDatagram(append([]byte(nil), buf[:n]...), src)
	}
}

// Close stops ListenAndServe by closing its socket and releases the
// checkpoint store, if one is configured.
func (g *Guardian) Close() error {
	storeErr := g.state.Close()
	if g.conn == nil {
		return storeErr
	}
	if err := g.conn.Close(); err != nil {
		return err
	}
	return storeErr
}

func (g *Guardian) handleDatagram(raw []byte, src *net.UDPAddr) {
	msg, err := tlv.Decode(raw)
	if err != nil {
		ilog.Debug("watchtower: dropping undecodable datagram", "src", src, "err", err)
		return
	}
	if !msg.Verify(g.key) {
		ilog.Debug("watchtower: bad auth", "src", src)
		return
	}

	switch msg.Type {
	case tlv.MsgSubDispute:
		g.HandleEscalation(EscalationMsg{
			EpisodeId: episode.EpisodeId(msg.EpisodeId),
			RefundTx:  msg.Payload,
		})
	case tlv.MsgSubDisputeResolve:
		id := episode.EpisodeId(msg.EpisodeId)
		if g.state.RecordConfirm(id, msg.Seq) {
			ilog.Info("watchtower: dispute confirmed", "episode_id", id, "seq", msg.Seq)
		} else {
			ilog.Debug("watchtower: replayed confirm, not re-updating state", "episode_id", id, "seq", msg.Seq)
			if g.reg != nil {
				g.reg.EscalationsInvalid.Inc()
			}
		}
	default:
		ilog.Debug("watchtower: ignoring message type on dispute port", "src", src, "type", msg.Type)
	}

	ack := &tlv.Message{
		Version:   tlv.Version,
		Type:      tlv.MsgAck,
		EpisodeId: msg.EpisodeId,
		Seq:       msg.Seq,
		StateHash: msg.StateHash,
	}
	ack.Sign(g.key)
	if _, err := g.conn.WriteToUDP(ack.Encode(), src); err != nil {
		ilog.Debug("watchtower: ack send error", "src", src, "err", err)
	}
}
