// Package episode defines the application-facing contract the engine
// mutates: the Episode state machine interface, the identifiers and
// metadata every call carries, and the sentinel errors Execute may return.
package episode

import (
	"github.com/kdappio/kdapp/pki"
)

// EpisodeId is chosen by the creator and must be globally unique within a
// single application (i.e. within one prefix).
type EpisodeId uint32

// TxOutputInfo mirrors one output of the transaction that carried a
// command, when the caller (proxy or router) can supply it.
type TxOutputInfo struct {
	Value        uint64
	ScriptVersion uint16
	ScriptBytes  []byte // nil if not provided
}

// TxStatus carries confirmation-depth information about the transaction
// that delivered a command, when available.
type TxStatus struct {
	AcceptanceHeight *uint64
	Confirmations    *uint64
	Finality         *bool
}

// PayloadMetadata is passed to every Episode call. On-chain events populate
// it from block fields; TLV router events synthesize deterministic
// stand-ins (accepting_hash=0, tx_id=0, accepting_daa=seq).
type PayloadMetadata struct {
	AcceptingHash [32]byte
	AcceptingDaa  uint64
	AcceptingTime uint64
	TxID          [32]byte
	TxOutputs     []TxOutputInfo // nil if not provided
	TxStatus      *TxStatus      // nil if not provided
}

// Error is the taxonomy of reasons Execute can refuse a command: either an
// authorization failure the engine itself would also catch defensively, or
// an application-defined domain error.
type Error struct {
	Unauthorized bool
	Domain       error // non-nil iff Unauthorized is false
}

func (e *Error) Error() string {
	if e.Unauthorized {
		return "episode: unauthorized"
	}
	if e.Domain != nil {
		return "episode: " + e.Domain.Error()
	}
	return "episode: command rejected"
}

// ErrUnauthorized builds an Error signalling that the supplied
// authorization does not entitle the caller to run the command.
func ErrUnauthorized() *Error { return &Error{Unauthorized: true} }

// ErrDomain wraps an application-defined error.
func ErrDomain(err error) *Error { return &Error{Domain: err} }

// Episode is the application-defined, deterministic state machine the
// engine owns and is the sole mutator of. Command is the wire command
// type; Rollback is the per-command undo token, which must be a plain
// data value (borsh-serializable, holding no references) so the engine
// can persist it across restarts if desired.
//
// Construction (the Rust trait's associated `initialize`) is not part of
// this interface: Go has no associated/static functions, so the engine is
// instead parameterized with a Factory at construction time (see
// engine.NewEngine).
type Episode[Command any, Rollback any] interface {
	// Execute applies cmd, returning a rollback token on success. The
	// episode decides whether authorization == nil (an UnsignedCommand)
	// is acceptable; the engine only ever passes a non-nil authorization
	// for a SignedCommand whose signature already verified.
	Execute(cmd Command, authorization *pki.PubKey, metadata *PayloadMetadata) (Rollback, *Error)

	// Rollback undoes exactly one successful Execute call, in the exact
	// reverse order they were applied. Returns false if the rollback
	// token is inconsistent with current state (a defensive check; the
	// engine treats false the same as true since it has no alternative
	// recourse once a revert is underway).
	Rollback(rollback Rollback) bool
}

// Factory constructs a fresh episode instance for a NewEpisode message,
// standing in for the Rust trait's `initialize(participants, metadata) -> Self`.
type Factory[E Episode[Command, Rollback], Command any, Rollback any] func(participants []pki.PubKey, metadata *PayloadMetadata) E
