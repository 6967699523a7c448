// Package generator builds transactions that carry framed command payloads
// and whose ids satisfy a per-application bit-pattern marker, and derives
// that marker deterministically from a participant's public key.
package generator

import (
	"crypto/sha256"
	"fmt"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"

	"github.com/kdappio/kdapp/chain"
	"github.com/kdappio/kdapp/metrics"
	"github.com/kdappio/kdapp/pki"
)

// PrefixType is the 4-byte routing marker at the start of every command
// payload.
type PrefixType uint32

// PatternBit is one (bit position, expected bit) constraint checked against
// a 256-bit transaction id.
type PatternBit struct {
	Position uint8
	Bit      uint8
}

// PatternType is the full 10-bit mining-style filter a transaction id must
// satisfy.
type PatternType [10]PatternBit

const routingDomain = "onlyKAS:routing"

// DeriveRoutingIDs derives a PrefixType and PatternType from a public key:
// SHA-256(domain ‖ compressed_pubkey), bytes 0..4 become the prefix, bytes
// 4..14 become bit positions and bytes 14..24 (low bit only) become
// expected bit values.
func DeriveRoutingIDs(pub pki.PubKey) (PrefixType, PatternType) {
	h := sha256.New()
	h.Write([]byte(routingDomain))
	h.Write(pub.Bytes())
	digest := h.Sum(nil)

	prefix := PrefixType(uint32(digest[0]) | uint32(digest[1])<<8 | uint32(digest[2])<<16 | uint32(digest[3])<<24)

	var pattern PatternType
	for i := 0; i < 10; i++ {
		pattern[i] = PatternBit{Position: digest[4+i], Bit: digest[14+i] & 1}
	}
	return prefix, pattern
}

// CheckPattern reports whether id satisfies every (position, bit) pair in
// pattern: bit `position` of id, counting from the least significant bit of
// id[0], must equal the pair's expected bit.
func CheckPattern(id chain.Hash, pattern PatternType) bool {
	for _, p := range pattern {
		byteIdx := p.Position / 8
		if int(byteIdx) >= len(id) {
			return false
		}
		bit := (id[byteIdx] >> (p.Position % 8)) & 1
		if bit != p.Bit {
			return false
		}
	}
	return true
}

// CheckPayloadHeader reports whether payload begins with prefix's
// little-endian bytes.
func CheckPayloadHeader(payload []byte, prefix PrefixType) bool {
	if len(payload) < 4 {
		return false
	}
	return payload[0] == byte(prefix) &&
		payload[1] == byte(prefix>>8) &&
		payload[2] == byte(prefix>>16) &&
		payload[3] == byte(prefix>>24)
}

// StripPayloadHeader removes the 4-byte prefix, returning the borsh tail.
// Callers must have already confirmed CheckPayloadHeader.
func StripPayloadHeader(payload []byte) []byte {
	return payload[4:]
}

// FrameHeader prepends prefix's little-endian bytes to body.
func FrameHeader(prefix PrefixType, body []byte) []byte {
	out := make([]byte, 4+len(body))
	out[0] = byte(prefix)
	out[1] = byte(prefix >> 8)
	out[2] = byte(prefix >> 16)
	out[3] = byte(prefix >> 24)
	copy(out[4:], body)
	return out
}

// nonceFieldLen is the width of the nonce appended after the signature in
// the tx's first input's SignatureScript while grinding for a pattern
// match. The payload itself is never modified, so it still decodes to the
// frame prefix plus borsh body downstream.
const nonceFieldLen = 8

// TransactionGenerator builds framed, pattern-satisfying transactions on
// behalf of one signing identity.
type TransactionGenerator struct {
	signingKey  *secp256k1.PrivateKey
	signingPub  pki.PubKey
	pattern     PatternType
	prefix      PrefixType
	maxAttempts uint64
	reg         *metrics.Registry
}

// DefaultMaxAttempts bounds the nonce grind when the caller does not
// configure one explicitly.
const DefaultMaxAttempts = 1_000_000

// ErrPatternExhausted is returned when no nonce within the generator's
// attempt bound (DefaultMaxAttempts or the WithMaxAttempts value) produces
// a transaction id satisfying the pattern.
type ErrPatternExhausted struct {
	Attempts uint64
}

func (e *ErrPatternExhausted) Error() string {
	return fmt.Sprintf("generator: exhausted %d attempts without matching pattern", e.Attempts)
}

// NewTransactionGenerator builds a generator signing with sk under the
// given pattern and prefix, using DefaultMaxAttempts.
func NewTransactionGenerator(sk *secp256k1.PrivateKey, pattern PatternType, prefix PrefixType) *TransactionGenerator {
	return &TransactionGenerator{
		signingKey:  sk,
		signingPub:  pki.NewPubKey(sk.PubKey()),
		pattern:     pattern,
		prefix:      prefix,
		maxAttempts: DefaultMaxAttempts,
	}
}

// PubKey returns the public key the generator signs with, the identity
// callers derive routing ids from via DeriveRoutingIDs.
func (g *TransactionGenerator) PubKey() pki.PubKey { return g.signingPub }

// WithMaxAttempts returns a copy of g bounded by attempts instead of
// DefaultMaxAttempts.
func (g *TransactionGenerator) WithMaxAttempts(attempts uint64) *TransactionGenerator {
	clone := *g
	clone.maxAttempts = attempts
	return &clone
}

// WithMetrics returns a copy of g that observes the grind cost of every
// built transaction into reg.GenAttempts.
func (g *TransactionGenerator) WithMetrics(reg *metrics.Registry) *TransactionGenerator {
	clone := *g
	clone.reg = reg
	return &clone
}

// BuildCommandTransaction spends utxo, paying entry.Amount-fee to
// recipient, carrying prefix‖payload as its tx payload, and grinds a nonce
// in the signature script until the resulting id satisfies the pattern.
func (g *TransactionGenerator) BuildCommandTransaction(
	utxo chain.UtxoRecord,
	recipient chain.Address,
	payload []byte,
	fee uint64,
) (*chain.Transaction, error) {
	if fee > utxo.Entry.Amount {
		return nil, fmt.Errorf("generator: fee %d exceeds utxo amount %d", fee, utxo.Entry.Amount)
	}
	framed := FrameHeader(g.prefix, payload)
	outScript := chain.PayToAddressScript(recipient)

	for attempt := uint64(0); attempt < g.maxAttempts; attempt++ {
		sigScript := g.signInput(utxo.Outpoint, framed, attempt)
		tx := &chain.Transaction{
			Version: 0,
			Inputs: []chain.TransactionInput{{
				PreviousOutpoint: utxo.Outpoint,
				SignatureScript:  sigScript,
				Sequence:         0,
			}},
			Outputs: []chain.TransactionOutput{{
				Value:           utxo.Entry.Amount - fee,
				ScriptPublicKey: outScript,
			}},
			Payload: framed,
		}
		if CheckPattern(tx.ID(), g.pattern) {
			g.observeAttempts(attempt + 1)
			return tx, nil
		}
	}
	g.observeAttempts(g.maxAttempts)
	return nil, &ErrPatternExhausted{Attempts: g.maxAttempts}
}

func (g *TransactionGenerator) observeAttempts(attempts uint64) {
	if g.reg != nil {
		g.reg.GenAttempts.Observe(float64(attempts))
	}
}

// signInput signs (outpoint ‖ payload ‖ nonce) with the generator's key and
// returns a signature script of signature(DER) ‖ nonce(8, LE). The nonce is
// the field re-signing mutates while grinding for a pattern match.
func (g *TransactionGenerator) signInput(outpoint chain.TransactionOutpoint, payload []byte, nonce uint64) []byte {
	h := sha256.New()
	h.Write(outpoint.TransactionID[:])
	var idxBuf [4]byte
	idxBuf[0], idxBuf[1], idxBuf[2], idxBuf[3] = byte(outpoint.Index), byte(outpoint.Index>>8), byte(outpoint.Index>>16), byte(outpoint.Index>>24)
	h.Write(idxBuf[:])
	h.Write(payload)
	nonceBuf := encodeNonce(nonce)
	h.Write(nonceBuf)
	var digest [32]byte
	copy(digest[:], h.Sum(nil))

	sig := pki.SignMessage(g.signingKey, digest)
	der := sig.DER()
	script := make([]byte, 0, len(der)+nonceFieldLen)
	script = append(script, der...)
	script = append(script, nonceBuf...)
	return script
}

func encodeNonce(nonce uint64) []byte {
	b := make([]byte, nonceFieldLen)
	for i := 0; i < nonceFieldLen; i++ {
		b[i] = byte(nonce >> (8 * i))
	}
	return b
}

// GetFirstOutputUtxo returns the outpoint and entry for tx's own first
// output, the UTXO a chained follow-up command would spend.
func GetFirstOutputUtxo(tx *chain.Transaction) chain.UtxoRecord {
	out := tx.Outputs[0]
	return chain.UtxoRecord{
		Outpoint: chain.TransactionOutpoint{TransactionID: tx.ID(), Index: 0},
		Entry:    chain.NewUtxoEntry(out.Value, out.ScriptPublicKey),
	}
}
