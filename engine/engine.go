// Package engine implements the deterministic, rollback-capable episode
// executor: it consumes an ordered stream of block-accepted/block-reverted
// events and is the sole mutator of the episode map.
package engine

import (
	"github.com/kdappio/kdapp/episode"
	"github.com/kdappio/kdapp/generator"
	ilog "github.com/kdappio/kdapp/internal/log"
	"github.com/kdappio/kdapp/pki"
)

// AssociatedTx is one transaction's worth of work delivered alongside a
// BlkAccepted event: its id, the still-prefixed payload bytes, and
// whatever output/status metadata the source (proxy or router) had on
// hand.
type AssociatedTx struct {
	TxID    [32]byte
	Payload []byte
	Outputs []episode.TxOutputInfo // nil if not supplied
	Status  *episode.TxStatus      // nil if not supplied
}

// EngineMsg is the sum type the engine's channel carries: a newly accepted
// block, a reverted one, or a request to stop.
type EngineMsg struct {
	kind          msgKind
	acceptingHash [32]byte
	acceptingDaa  uint64
	acceptingTime uint64
	txs           []AssociatedTx
}

type msgKind int

const (
	kindBlkAccepted msgKind = iota
	kindBlkReverted
	kindExit
)

// BlkAccepted reports a newly accepted block and the transactions within
// it that matched this engine's prefix, in block order.
func BlkAccepted(acceptingHash [32]byte, acceptingDaa, acceptingTime uint64, txs []AssociatedTx) EngineMsg {
	return EngineMsg{kind: kindBlkAccepted, acceptingHash: acceptingHash, acceptingDaa: acceptingDaa, acceptingTime: acceptingTime, txs: txs}
}

// BlkReverted reports a reorg undoing the block identified by acceptingHash.
func BlkReverted(acceptingHash [32]byte) EngineMsg {
	return EngineMsg{kind: kindBlkReverted, acceptingHash: acceptingHash}
}

// Exit requests the engine loop stop after draining nothing further.
func Exit() EngineMsg { return EngineMsg{kind: kindExit} }

// IsAccepted reports whether msg is a BlkAccepted event.
func (m EngineMsg) IsAccepted() bool { return m.kind == kindBlkAccepted }

// IsReverted reports whether msg is a BlkReverted event.
func (m EngineMsg) IsReverted() bool { return m.kind == kindBlkReverted }

// Txs returns the transactions carried by a BlkAccepted event, nil for any
// other kind. Exposed for consumers (e.g. the watchtower's chain scanner)
// that want to inspect associated payloads without decoding them as
// episode commands.
func (m EngineMsg) Txs() []AssociatedTx { return m.txs }

// ChanSender adapts a send-only EngineMsg channel to the Send method
// callers outside this package (the proxy, the router) use to hand events
// to an engine without depending on the channel type directly.
type ChanSender chan<- EngineMsg

func (c ChanSender) Send(msg EngineMsg) { c <- msg }

// EventHandler is the engine's sole observation surface: pure
// observers invoked synchronously on the engine's own goroutine. They must
// never block on engine progress and must never mutate the episode they
// are handed.
type EventHandler[E episode.Episode[Command, Rollback], Command any, Rollback any] interface {
	OnInitialize(id episode.EpisodeId, ep E)
	OnCommand(id episode.EpisodeId, ep E, cmd Command, authorization *pki.PubKey, metadata *episode.PayloadMetadata)
	OnRollback(id episode.EpisodeId, ep E)
}

type rollbackEntry[E any, Rollback any] struct {
	episodeID  episode.EpisodeId
	isCreation bool
	rollback   Rollback
}

type blockEntry struct {
	acceptingHash [32]byte
	txIDs         [][32]byte
}

// Engine owns the episode map for one (prefix, pattern) routing identity.
// It is single-threaded over its input channel: all mutation of episodes
// happens on the goroutine that calls Start.
type Engine[E episode.Episode[Command, Rollback], Command any, Rollback any] struct {
	prefix   generator.PrefixType
	receiver <-chan EngineMsg
	factory  episode.Factory[E, Command, Rollback]

	episodes    map[episode.EpisodeId]E
	rollbackLog map[[32]byte]rollbackEntry[E, Rollback]
	blockIndex  []blockEntry

	handlers []EventHandler[E, Command, Rollback]
}

// NewEngine constructs an Engine bound to prefix, reading events from
// receiver and constructing new episodes via factory.
func NewEngine[E episode.Episode[Command, Rollback], Command any, Rollback any](
	prefix generator.PrefixType,
	receiver <-chan EngineMsg,
	factory episode.Factory[E, Command, Rollback],
) *Engine[E, Command, Rollback] {
	return &Engine[E, Command, Rollback]{
		prefix:      prefix,
		receiver:    receiver,
		factory:     factory,
		episodes:    make(map[episode.EpisodeId]E),
		rollbackLog: make(map[[32]byte]rollbackEntry[E, Rollback]),
	}
}

// Episode returns the current state of an episode, for callers (e.g. the
// periodic checkpoint submitter) that need a read-only snapshot between
// events. Safe to call only from the engine's own goroutine or after it
// has stopped.
func (e *Engine[E, Command, Rollback]) Episode(id episode.EpisodeId) (E, bool) {
	ep, ok := e.episodes[id]
	return ep, ok
}

// Start runs the engine loop until an Exit message arrives or the channel
// closes. Handlers are registered once, up front, matching the Rust
// `engine.start(vec![handler])` call shape.
func (e *Engine[E, Command, Rollback]) Start(handlers []EventHandler[E, Command, Rollback]) {
	e.handlers = handlers
	for msg := range e.receiver {
		switch msg.kind {
		case kindBlkAccepted:
			e.applyAccepted(msg)
		case kindBlkReverted:
			e.applyReverted(msg.acceptingHash)
		case kindExit:
			return
		}
	}
}

func (e *Engine[E, Command, Rollback]) applyAccepted(msg EngineMsg) {
	committed := make([][32]byte, 0, len(msg.txs))
	for _, tx := range msg.txs {
		if !generator.CheckPayloadHeader(tx.Payload, e.prefix) {
			continue
		}
		stripped := generator.StripPayloadHeader(tx.Payload)
		decoded, err := Decode[Command](stripped)
		if err != nil {
			ilog.Debug("engine: dropping undecodable payload", "tx_id", tx.TxID, "err", err)
			continue
		}
		metadata := &episode.PayloadMetadata{
			AcceptingHash: msg.acceptingHash,
			AcceptingDaa:  msg.acceptingDaa,
			AcceptingTime: msg.acceptingTime,
			TxID:          tx.TxID,
			TxOutputs:     tx.Outputs,
			TxStatus:      tx.Status,
		}
		if e.dispatch(decoded, tx.TxID, metadata) {
			committed = append(committed, tx.TxID)
		}
	}
	e.blockIndex = append(e.blockIndex, blockEntry{acceptingHash: msg.acceptingHash, txIDs: committed})
}

// dispatch applies one decoded message and reports whether a rollback
// entry was recorded (i.e. whether the block index should track this tx).
func (e *Engine[E, Command, Rollback]) dispatch(msg EpisodeMessage[Command], txID [32]byte, metadata *episode.PayloadMetadata) bool {
	switch msg.Enum {
	case KindNewEpisode:
		return e.dispatchNewEpisode(msg, txID, metadata)
	case KindSignedCommand:
		return e.dispatchSignedCommand(msg, txID, metadata)
	case KindUnsignedCommand:
		return e.dispatchUnsignedCommand(msg, txID, metadata)
	default:
		ilog.Debug("engine: dropping message with unknown discriminant", "tx_id", txID)
		return false
	}
}

func (e *Engine[E, Command, Rollback]) dispatchNewEpisode(msg EpisodeMessage[Command], txID [32]byte, metadata *episode.PayloadMetadata) bool {
	id := episode.EpisodeId(msg.NewEpisode.EpisodeId)
	if _, exists := e.episodes[id]; exists {
		// Idempotent re-creation: the chain may replay a NewEpisode tx
		// (e.g. during a proxy resync); the engine silently ignores it.
		return false
	}
	participants, err := msg.participantKeys()
	if err != nil {
		ilog.Debug("engine: dropping NewEpisode with bad participant key", "episode_id", id, "err", err)
		return false
	}
	ep := e.factory(participants, metadata)
	e.episodes[id] = ep
	e.rollbackLog[txID] = rollbackEntry[E, Rollback]{episodeID: id, isCreation: true}
	for _, h := range e.handlers {
		h.OnInitialize(id, ep)
	}
	return true
}

func (e *Engine[E, Command, Rollback]) dispatchSignedCommand(msg EpisodeMessage[Command], txID [32]byte, metadata *episode.PayloadMetadata) bool {
	pub, ok, err := verifySignedCommand(msg)
	if err != nil {
		ilog.Debug("engine: dropping SignedCommand with bad key/signature encoding", "err", err)
		return false
	}
	if !ok {
		ilog.Debug("engine: dropping SignedCommand with invalid signature", "pubkey", pub)
		return false
	}
	id := episode.EpisodeId(msg.SignedCommand.EpisodeId)
	ep, exists := e.episodes[id]
	if !exists {
		ilog.Debug("engine: dropping SignedCommand for unknown episode", "episode_id", id)
		return false
	}
	rollback, cmdErr := ep.Execute(msg.SignedCommand.Cmd, &pub, metadata)
	if cmdErr != nil {
		ilog.Debug("engine: episode rejected SignedCommand", "episode_id", id, "err", cmdErr)
		return false
	}
	e.episodes[id] = ep
	e.rollbackLog[txID] = rollbackEntry[E, Rollback]{episodeID: id, rollback: rollback}
	for _, h := range e.handlers {
		h.OnCommand(id, ep, msg.SignedCommand.Cmd, &pub, metadata)
	}
	return true
}

func (e *Engine[E, Command, Rollback]) dispatchUnsignedCommand(msg EpisodeMessage[Command], txID [32]byte, metadata *episode.PayloadMetadata) bool {
	id := episode.EpisodeId(msg.UnsignedCommand.EpisodeId)
	ep, exists := e.episodes[id]
	if !exists {
		ilog.Debug("engine: dropping UnsignedCommand for unknown episode", "episode_id", id)
		return false
	}
	rollback, cmdErr := ep.Execute(msg.UnsignedCommand.Cmd, nil, metadata)
	if cmdErr != nil {
		ilog.Debug("engine: episode rejected UnsignedCommand", "episode_id", id, "err", cmdErr)
		return false
	}
	e.episodes[id] = ep
	e.rollbackLog[txID] = rollbackEntry[E, Rollback]{episodeID: id, rollback: rollback}
	for _, h := range e.handlers {
		h.OnCommand(id, ep, msg.UnsignedCommand.Cmd, nil, metadata)
	}
	return true
}

func (e *Engine[E, Command, Rollback]) applyReverted(acceptingHash [32]byte) {
	idx := -1
	for i := len(e.blockIndex) - 1; i >= 0; i-- {
		if e.blockIndex[i].acceptingHash == acceptingHash {
			idx = i
			break
		}
	}
	if idx == -1 {
		// Unknown block: a no-op rather than a panic, since a revert for a
		// block this engine never saw (e.g. belonging to a different
		// prefix) is expected.
		return
	}
	block := e.blockIndex[idx]
	e.blockIndex = append(e.blockIndex[:idx], e.blockIndex[idx+1:]...)

	for i := len(block.txIDs) - 1; i >= 0; i-- {
		txID := block.txIDs[i]
		entry, ok := e.rollbackLog[txID]
		if !ok {
			continue
		}
		delete(e.rollbackLog, txID)
		if entry.isCreation {
			ep := e.episodes[entry.episodeID]
			delete(e.episodes, entry.episodeID)
			for _, h := range e.handlers {
				h.OnRollback(entry.episodeID, ep)
			}
			continue
		}
		ep, exists := e.episodes[entry.episodeID]
		if !exists {
			continue
		}
		ep.Rollback(entry.rollback)
		e.episodes[entry.episodeID] = ep
		for _, h := range e.handlers {
			h.OnRollback(entry.episodeID, ep)
		}
	}
}
