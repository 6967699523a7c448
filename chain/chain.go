// Package chain defines the minimal UTXO-chain data model the generator and
// proxy operate on: hashes, outpoints, entries, transactions and addresses,
// plus the node RPC surface the core actually consumes.
package chain

import (
	"context"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/blake2b"
)

// HashSize is the width of a transaction or block identifier.
const HashSize = 32

// Hash is a 256-bit chain identifier (transaction id or block hash).
type Hash [HashSize]byte

func (h Hash) String() string { return hex.EncodeToString(h[:]) }

func (h Hash) IsZero() bool { return h == Hash{} }

// HashFromBytes copies b into a Hash, erroring if the length is wrong.
func HashFromBytes(b []byte) (Hash, error) {
	var h Hash
	if len(b) != HashSize {
		return h, fmt.Errorf("chain: expected %d-byte hash, got %d", HashSize, len(b))
	}
	copy(h[:], b)
	return h, nil
}

// TransactionOutpoint identifies a spendable output.
type TransactionOutpoint struct {
	TransactionID Hash
	Index         uint32
}

// ScriptPublicKey is a versioned locking script, mirroring Kaspa's
// script-version field used for script-policy migrations.
type ScriptPublicKey struct {
	Version uint16
	Script  []byte
}

// UtxoEntry is the spendable value behind an outpoint.
type UtxoEntry struct {
	Amount          uint64
	ScriptPublicKey ScriptPublicKey
	BlockDaaScore   uint64
	IsCoinbase      bool
}

// NewUtxoEntry builds a non-coinbase entry at DAA score 0, the shape the
// generator produces for a transaction's own first output: outpoint(id,0)
// paired with UtxoEntry{value, script, block_daa_score=0, is_coinbase=false}.
func NewUtxoEntry(amount uint64, script ScriptPublicKey) UtxoEntry {
	return UtxoEntry{Amount: amount, ScriptPublicKey: script}
}

// TransactionInput spends one outpoint.
type TransactionInput struct {
	PreviousOutpoint TransactionOutpoint
	SignatureScript  []byte
	Sequence         uint64
}

// TransactionOutput pays value to a locking script.
type TransactionOutput struct {
	Value           uint64
	ScriptPublicKey ScriptPublicKey
}

// Transaction is the framing the generator and proxy exchange. Payload
// carries the prefixed, borsh-encoded EpisodeMessage or OKCP record.
type Transaction struct {
	Version  uint16
	Inputs   []TransactionInput
	Outputs  []TransactionOutput
	LockTime uint64
	Gas      uint64
	Payload  []byte
}

// ID computes the transaction's identifier. Real consensus ids are computed
// by the node and returned via RPC; this local computation exists so the
// generator can grind a payload nonce against a candidate id before ever
// asking the node to accept it, and so tests can exercise check_pattern
// without a live node.
func (tx *Transaction) ID() Hash {
	digest, err := blake2b.New256(nil)
	if err != nil {
		// blake2b.New256 only errors on a bad key length, and nil is
		// always valid; this path is unreachable.
		panic(err)
	}
	for _, in := range tx.Inputs {
		digest.Write(in.PreviousOutpoint.TransactionID[:])
		writeUint32(digest, in.PreviousOutpoint.Index)
		digest.Write(in.SignatureScript)
		writeUint64(digest, in.Sequence)
	}
	for _, out := range tx.Outputs {
		writeUint64(digest, out.Value)
		writeUint16(digest, out.ScriptPublicKey.Version)
		digest.Write(out.ScriptPublicKey.Script)
	}
	writeUint16(digest, tx.Version)
	writeUint64(digest, tx.LockTime)
	writeUint64(digest, tx.Gas)
	digest.Write(tx.Payload)
	var h Hash
	copy(h[:], digest.Sum(nil))
	return h
}

func writeUint16(w io.Writer, v uint16) {
	w.Write([]byte{byte(v), byte(v >> 8)})
}

func writeUint32(w io.Writer, v uint32) {
	w.Write([]byte{byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24)})
}

func writeUint64(w io.Writer, v uint64) {
	b := make([]byte, 8)
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
	w.Write(b)
}

// Address is a payment destination: a script version plus the raw payload
// a P2PK/P2SH-style script commits to.
type Address struct {
	Prefix  string
	Version uint8
	Payload []byte
}

// PayToAddressScript builds the locking script paying addr, version 0
// (the basic scheme's only defined script_policy_version value).
func PayToAddressScript(addr Address) ScriptPublicKey {
	script := make([]byte, 0, len(addr.Payload)+2)
	script = append(script, 0x20, addr.Version)
	script = append(script, addr.Payload...)
	return ScriptPublicKey{Version: 0, Script: script}
}

// AcceptedTransaction is one transaction observed in an accepting block,
// the unit the proxy scans and forwards toward matching engines.
type AcceptedTransaction struct {
	TxID    Hash
	Payload []byte
	Outputs []TransactionOutput
	Status  *TxStatus
}

// TxStatus mirrors episode.TxStatus at the chain boundary, before it is
// translated into the engine's vocabulary.
type TxStatus struct {
	AcceptanceHeight *uint64
	Confirmations    *uint64
	Finality         *bool
}

// AcceptedBlock is one entry in a virtual-chain-from-block response.
type AcceptedBlock struct {
	Hash         Hash
	DaaScore     uint64
	Timestamp    uint64
	Transactions []AcceptedTransaction
}

// VirtualChainChanges is the delta the proxy walks forward, in strict
// "reverted before added" order per spec's reorg-safety invariant.
type VirtualChainChanges struct {
	RemovedChainBlockHashes []Hash
	AddedChainBlocks        []AcceptedBlock
}

// UtxoRecord pairs an outpoint with its entry, as returned by a
// get-UTXOs-by-address query.
type UtxoRecord struct {
	Outpoint TransactionOutpoint
	Entry    UtxoEntry
}

// NodeClient is the only RPC surface the core consumes. Concrete
// implementations (e.g. a Kaspa wRPC client over websockets) live outside
// this package; the core depends only on this interface.
type NodeClient interface {
	// GetVirtualChainFromBlock returns the chain delta since startHash,
	// with full transactions for added blocks when includeTransactions
	// is set.
	GetVirtualChainFromBlock(ctx context.Context, startHash Hash, includeTransactions bool) (VirtualChainChanges, error)

	// GetBlock fetches a single block, optionally with transactions.
	GetBlock(ctx context.Context, hash Hash, includeTransactions bool) (AcceptedBlock, error)

	// SubmitTransaction broadcasts tx and returns its accepted id.
	SubmitTransaction(ctx context.Context, tx *Transaction) (Hash, error)

	// GetUTXOsByAddresses looks up spendable outputs owned by addresses.
	GetUTXOsByAddresses(ctx context.Context, addresses []Address) ([]UtxoRecord, error)
}
