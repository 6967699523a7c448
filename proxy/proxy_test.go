package proxy

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/kdappio/kdapp/chain"
	"github.com/kdappio/kdapp/engine"
	"github.com/kdappio/kdapp/generator"
)

type recordingSender struct {
	mu     sync.Mutex
	events []engine.EngineMsg
}

func (r *recordingSender) Send(msg engine.EngineMsg) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, msg)
}

func (r *recordingSender) snapshot() []engine.EngineMsg {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]engine.EngineMsg(nil), r.events...)
}

type scriptedClient struct {
	mu    sync.Mutex
	calls int
	steps []chain.VirtualChainChanges
}

func (c *scriptedClient) GetVirtualChainFromBlock(ctx context.Context, startHash chain.Hash, includeTransactions bool) (chain.VirtualChainChanges, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.calls >= len(c.steps) {
		return chain.VirtualChainChanges{}, nil
	}
	step := c.steps[c.calls]
	c.calls++
	return step, nil
}

func (c *scriptedClient) GetBlock(ctx context.Context, hash chain.Hash, includeTransactions bool) (chain.AcceptedBlock, error) {
	return chain.AcceptedBlock{}, nil
}

func (c *scriptedClient) SubmitTransaction(ctx context.Context, tx *chain.Transaction) (chain.Hash, error) {
	return chain.Hash{}, nil
}

func (c *scriptedClient) GetUTXOsByAddresses(ctx context.Context, addresses []chain.Address) ([]chain.UtxoRecord, error) {
	return nil, nil
}

type boolExit struct {
	mu   sync.Mutex
	stop bool
}

func (b *boolExit) Load() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.stop
}

func (b *boolExit) set() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.stop = true
}

func matchingPayload(prefix generator.PrefixType) []byte {
	return generator.FrameHeader(prefix, []byte("cmd"))
}

// TestRunListenerEmitsRevertsBeforeForwardsOnReplacementBranch checks the
// reorg-safety invariant: when a step carries both a removed block and new
// blocks on the replacement branch, the revert event must land before any
// forward event for the new branch.
func TestRunListenerEmitsRevertsBeforeForwardsOnReplacementBranch(t *testing.T) {
	prefix := generator.PrefixType(0x11223344)
	var pattern generator.PatternType // all (0,0): matches ids whose bit 0 is 0, as 0xAA and 0xBC below are
	sender := &recordingSender{}

	oldBlockHash := chain.Hash{0x01}
	newBlockHash := chain.Hash{0x02}

	client := &scriptedClient{steps: []chain.VirtualChainChanges{
		{
			AddedChainBlocks: []chain.AcceptedBlock{{
				Hash: oldBlockHash,
				Transactions: []chain.AcceptedTransaction{
					{TxID: chain.Hash{0xAA}, Payload: matchingPayload(prefix)},
				},
			}},
		},
		{
			RemovedChainBlockHashes: []chain.Hash{oldBlockHash},
			AddedChainBlocks: []chain.AcceptedBlock{{
				Hash: newBlockHash,
				Transactions: []chain.AcceptedTransaction{
					{TxID: chain.Hash{0xBC}, Payload: matchingPayload(prefix)},
				},
			}},
		},
	}}

	exit := &boolExit{}
	engines := map[generator.PrefixType]Binding{prefix: {Pattern: pattern, Sender: sender}}

	done := make(chan error, 1)
	go func() { done <- RunListener(context.Background(), client, chain.Hash{}, engines, exit) }()

	require.Eventually(t, func() bool { return len(sender.snapshot()) >= 3 }, 2*time.Second, 5*time.Millisecond)
	exit.set()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("listener did not stop after exit signal")
	}

	events := sender.snapshot()
	require.Len(t, events, 3)
	require.True(t, events[0].IsAccepted())
	require.True(t, events[1].IsReverted())
	require.True(t, events[2].IsAccepted())
}
