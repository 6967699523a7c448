// Package router implements the TLV server side: per-source
// handshake, in-order sequencing per episode, idempotent ack replay, and
// forwarding of accepted data messages to an engine as synthetic
// BlkAccepted events.
package router

import (
	"net"
	"sync"
	"time"

	"github.com/kdappio/kdapp/engine"
	ilog "github.com/kdappio/kdapp/internal/log"
	"github.com/kdappio/kdapp/metrics"
	"github.com/kdappio/kdapp/tlv"
)

// EngineSender forwards a synthesized event to the engine processing this
// router's traffic.
type EngineSender interface {
	Send(msg engine.EngineMsg)
}

// CheckpointSender receives decoded Checkpoint payloads, kept off the
// engine's command channel per spec ("Checkpoint is not forwarded as an
// episode message; it may be surfaced on a checkpoint channel").
type CheckpointSender interface {
	SendCheckpoint(episodeID uint64, seq uint64, payload []byte)
}

type ackState struct {
	seq uint64
	ack []byte
}

// Router is a UDP TLV server bound to one address, fanning traffic for all
// episodes it sees into a single engine.
type Router struct {
	conn       *net.UDPConn
	engine     EngineSender
	checkpoint CheckpointSender
	metrics    *metrics.Registry

	mu      sync.Mutex
	lastSeq map[uint64]ackState
	keys    map[string][]byte
}

// New constructs a Router that will forward accepted data messages to eng
// and checkpoint messages to cp (cp may be nil if the deployment does not
// run a watchtower alongside this router).
func New(eng EngineSender, cp CheckpointSender, reg *metrics.Registry) *Router {
	return &Router{
		engine:     eng,
		checkpoint: cp,
		metrics:    reg,
		lastSeq:    make(map[uint64]ackState),
		keys:       make(map[string][]byte),
	}
}

// ListenAndServe binds addr and serves until the connection is closed or an
// unrecoverable socket error occurs.
func (r *Router) ListenAndServe(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return err
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return err
	}
	r.conn = conn
	ilog.Info("router: listening", "addr", addr)

	buf := make([]byte, 64*1024)
	for {
		n, src, err := conn.ReadFromUDP(buf)
		if err != nil {
			return err
		}
		r.handleDatagram(append([]byte(nil), buf[:n]...), src)
	}
}

// Close stops the listen loop by closing the underlying socket.
func (r *Router) Close() error {
	if r.conn == nil {
		return nil
	}
	return r.conn.Close()
}

func (r *Router) handleDatagram(raw []byte, src *net.UDPAddr) {
	msg, err := tlv.Decode(raw)
	if err != nil {
		ilog.Debug("router: dropping undecodable datagram", "src", src, "err", err)
		r.countRejected("decode")
		return
	}

	if msg.Type == tlv.MsgHandshake {
		r.handleHandshake(msg, src)
		return
	}

	key, ok := r.keyFor(src)
	if !ok {
		ilog.Debug("router: message before handshake", "src", src)
		r.countRejected("no_handshake")
		return
	}
	if !msg.Verify(key) {
		ilog.Debug("router: bad auth", "src", src)
		r.countRejected("bad_auth")
		return
	}
	r.countDecoded(msg.Type)

	switch msg.Type {
	case tlv.MsgAck, tlv.MsgAckClose:
		ilog.Debug("router: ignoring ack-type message", "src", src, "type", msg.Type)
		return
	case tlv.MsgHandshake:
		return
	}

	accepted, replay := r.sequence(msg)
	if replay != nil {
		if r.metrics != nil {
			r.metrics.RouterAcksReplayed.Inc()
		}
		r.send(replay, src)
		return
	}
	if !accepted {
		ilog.Debug("router: out-of-order or unknown episode", "src", src, "episode_id", msg.EpisodeId, "seq", msg.Seq, "type", msg.Type)
		r.countRejected("sequence")
		return
	}

	if msg.Type == tlv.MsgCheckpoint {
		if r.checkpoint != nil {
			r.checkpoint.SendCheckpoint(msg.EpisodeId, msg.Seq, msg.Payload)
		}
	} else {
		r.forward(msg)
	}

	ackType := tlv.MsgAck
	if msg.Type == tlv.MsgClose {
		ackType = tlv.MsgAckClose
	}
	ack := r.buildAck(msg, ackType, key)
	ackBytes := ack.Encode()
	r.send(ackBytes, src)

	r.mu.Lock()
	r.lastSeq[msg.EpisodeId] = ackState{seq: msg.Seq, ack: ackBytes}
	r.mu.Unlock()
}

func (r *Router) handleHandshake(msg *tlv.Message, src *net.UDPAddr) {
	key := append([]byte(nil), msg.Payload...)
	r.mu.Lock()
	r.keys[src.String()] = key
	r.mu.Unlock()

	ack := r.buildAck(msg, tlv.MsgAck, key)
	r.send(ack.Encode(), src)
}

func (r *Router) keyFor(src *net.UDPAddr) ([]byte, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key, ok := r.keys[src.String()]
	return key, ok
}

// sequence applies the per-episode ordering rule from: New
// starts a fresh episode at seq 0; Cmd/Close/Checkpoint must be exactly one
// past the last accepted seq. A message matching the *last* accepted seq is
// a retransmit: the caller replays the cached ack instead of reprocessing.
func (r *Router) sequence(msg *tlv.Message) (accepted bool, replay []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	state, known := r.lastSeq[msg.EpisodeId]

	if msg.Type == tlv.MsgNew {
		switch {
		case !known && msg.Seq == 0:
			return true, nil
		case known && msg.Seq == state.seq:
			return false, state.ack
		default:
			return false, nil
		}
	}

	switch {
	case known && msg.Seq == state.seq+1:
		return true, nil
	case known && msg.Seq == state.seq:
		return false, state.ack
	default:
		return false, nil
	}
}

func (r *Router) forward(msg *tlv.Message) {
	event := engine.BlkAccepted(
		[32]byte{}, // accepting_hash: synthesized events carry no real block
		msg.Seq,    // accepting_daa stands in for sequence
		uint64(time.Now().Unix()),
		[]engine.AssociatedTx{{
			TxID:    [32]byte{},
			Payload: msg.Payload,
		}},
	)
	r.engine.Send(event)
}

func (r *Router) buildAck(msg *tlv.Message, ackType tlv.MsgType, key []byte) *tlv.Message {
	ack := &tlv.Message{
		Version:   tlv.Version,
		Type:      ackType,
		EpisodeId: msg.EpisodeId,
		Seq:       msg.Seq,
		StateHash: msg.StateHash,
	}
	ack.Sign(key)
	return ack
}

func (r *Router) send(data []byte, dst *net.UDPAddr) {
	if _, err := r.conn.WriteToUDP(data, dst); err != nil {
		ilog.Debug("router: send error", "dst", dst, "err", err)
	}
}

func (r *Router) countDecoded(t tlv.MsgType) {
	if r.metrics == nil {
		return
	}
	r.metrics.RouterMessagesDecoded.WithLabelValues(t.String()).Inc()
}

func (r *Router) countRejected(reason string) {
	if r.metrics == nil {
		return
	}
	r.metrics.RouterMessagesRejected.WithLabelValues(reason).Inc()
}
