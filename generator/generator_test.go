package generator

import (
	"testing"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/stretchr/testify/require"

	"github.com/kdappio/kdapp/chain"
	"github.com/kdappio/kdapp/pki"
)

func deterministicKey(t *testing.T, seed byte) *secp256k1.PrivateKey {
	t.Helper()
	var raw [32]byte
	for i := range raw {
		raw[i] = seed + byte(i)
	}
	return secp256k1.PrivKeyFromBytes(raw[:])
}

// TestGeneratorBuildsPayloadAndMatchesPattern mirrors the reference
// generator_flow scenario: the all-(0,0) pattern (bit 0 of the id must be
// 0, so the generator has to grind for it), a fixed prefix,
// an UnsignedCommand payload, and assertions that the built transaction
// satisfies the pattern, frames the payload correctly, and pays the
// recipient utxo.amount-fee.
func TestGeneratorBuildsPayloadAndMatchesPattern(t *testing.T) {
	sk := deterministicKey(t, 42)
	pattern := PatternType{} // all (0,0): every tx id's bit 0 must be 0
	prefix := PrefixType(0xA1B2C3D4)

	owner := chain.Address{Prefix: "kaspatest", Version: 0, Payload: []byte("owner-payload-bytes")}
	recipient := chain.Address{Prefix: "kaspatest", Version: 0, Payload: []byte("recipient-payload-bytes")}

	const utxoAmount = uint64(25_000)
	utxo := chain.UtxoRecord{
		Outpoint: chain.TransactionOutpoint{TransactionID: chain.Hash{50}, Index: 0},
		Entry:    chain.NewUtxoEntry(utxoAmount, chain.PayToAddressScript(owner)),
	}

	gen := NewTransactionGenerator(sk, pattern, prefix)
	command := []byte("unsigned-command-payload-stand-in")
	const fee = uint64(500)

	tx, err := gen.BuildCommandTransaction(utxo, recipient, command, fee)
	require.NoError(t, err)

	require.True(t, CheckPattern(tx.ID(), pattern))
	require.True(t, CheckPayloadHeader(tx.Payload, prefix))
	require.Equal(t, command, StripPayloadHeader(tx.Payload))

	require.Len(t, tx.Outputs, 1)
	require.Equal(t, utxoAmount-fee, tx.Outputs[0].Value)
	require.Equal(t, chain.PayToAddressScript(recipient), tx.Outputs[0].ScriptPublicKey)

	first := GetFirstOutputUtxo(tx)
	require.Equal(t, tx.ID(), first.Outpoint.TransactionID)
	require.Equal(t, uint32(0), first.Outpoint.Index)
	require.Equal(t, tx.Outputs[0].Value, first.Entry.Amount)
	require.Equal(t, tx.Outputs[0].ScriptPublicKey, first.Entry.ScriptPublicKey)

	require.Len(t, tx.Inputs, 1)
	require.Equal(t, utxo.Outpoint, tx.Inputs[0].PreviousOutpoint)
}

func TestDeriveRoutingIDsIsDeterministicPerKey(t *testing.T) {
	_, pub, err := pki.GenerateKeypair()
	require.NoError(t, err)

	prefixA, patternA := DeriveRoutingIDs(pub)
	prefixB, patternB := DeriveRoutingIDs(pub)
	require.Equal(t, prefixA, prefixB)
	require.Equal(t, patternA, patternB)

	_, otherPub, err := pki.GenerateKeypair()
	require.NoError(t, err)
	prefixC, _ := DeriveRoutingIDs(otherPub)
	require.NotEqual(t, prefixA, prefixC)
}

func TestCheckPatternRejectsMismatch(t *testing.T) {
	id := chain.Hash{0b00000001}
	pattern := PatternType{{Position: 0, Bit: 0}}
	require.False(t, CheckPattern(id, pattern))
	pattern[0].Bit = 1
	require.True(t, CheckPattern(id, pattern))
}

func TestBuildCommandTransactionRejectsFeeExceedingAmount(t *testing.T) {
	sk := deterministicKey(t, 7)
	gen := NewTransactionGenerator(sk, PatternType{}, PrefixType(1))
	utxo := chain.UtxoRecord{
		Outpoint: chain.TransactionOutpoint{TransactionID: chain.Hash{1}, Index: 0},
		Entry:    chain.NewUtxoEntry(100, chain.ScriptPublicKey{}),
	}
	recipient := chain.Address{Payload: []byte("x")}
	_, err := gen.BuildCommandTransaction(utxo, recipient, []byte("cmd"), 1000)
	require.Error(t, err)
}
