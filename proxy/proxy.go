// Package proxy follows a node's virtual selected-parent chain and fans
// matching transaction payloads out to the engines registered for them:
// one registration per (prefix, pattern, engine) triple, reorg-safe
// ordering (reverts strictly before the forward events on the replacement
// branch), and reconnect with backoff on transport errors.
package proxy

import (
	"context"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"golang.org/x/time/rate"

	"github.com/kdappio/kdapp/chain"
	"github.com/kdappio/kdapp/engine"
	"github.com/kdappio/kdapp/episode"
	"github.com/kdappio/kdapp/generator"
	ilog "github.com/kdappio/kdapp/internal/log"
)

// EngineSender forwards a synthesized event to the engine registered for
// one (prefix, pattern) routing identity.
type EngineSender interface {
	Send(msg engine.EngineMsg)
}

// Binding pairs the pattern an engine's prefix was derived with to the
// sender that delivers events to it.
type Binding struct {
	Pattern generator.PatternType
	Sender  EngineSender
}

// pollInterval caps how often an idle listener re-polls the node when the
// previous call returned no new blocks.
const pollInterval = 500 * time.Millisecond

// initialBackoff and maxBackoff bound the reconnect delay after a
// transport error; the delay doubles on each consecutive failure.
const (
	initialBackoff = 200 * time.Millisecond
	maxBackoff     = 30 * time.Second
)

// blockCacheSize bounds the recently-processed-block cache that keeps a
// reconnect's overlapping re-fetch from redelivering transactions the
// engines already saw.
const blockCacheSize = 4096

// ExitSignal is polled between iterations; when it reports true the
// listener stops and RunListener returns.
type ExitSignal interface {
	Load() bool
}

// RunListener follows client's virtual chain forward from startHash
// indefinitely, delivering matching payloads to engines and reverts to
// every registered engine (an engine that never saw the reverted block is
// a no-op on its side; see engine.applyReverted). It returns when exit
// reports true or ctx is cancelled.
func RunListener(
	ctx context.Context,
	client chain.NodeClient,
	startHash chain.Hash,
	engines map[generator.PrefixType]Binding,
	exit ExitSignal,
) error {
	seen, err := lru.New[chain.Hash, struct{}](blockCacheSize)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(rate.Every(pollInterval), 1)
	sink := startHash
	backoff := initialBackoff

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if exit != nil && exit.Load() {
			ilog.Info("proxy: exit signal set, stopping listener")
			return nil
		}

		if err := limiter.Wait(ctx); err != nil {
			return err
		}

		changes, err := client.GetVirtualChainFromBlock(ctx, sink, true)
		if err != nil {
			ilog.Warn("proxy: virtual chain fetch failed, backing off", "sink", sink, "err", err, "backoff", backoff)
			if waitErr := sleepOrDone(ctx, backoff); waitErr != nil {
				return waitErr
			}
			backoff = nextBackoff(backoff)
			continue
		}
		backoff = initialBackoff

		for _, hash := range changes.RemovedChainBlockHashes {
			for _, binding := range engines {
				binding.Sender.Send(engine.BlkReverted(hash))
			}
		}

		for _, block := range changes.AddedChainBlocks {
			if _, dup := seen.Get(block.Hash); dup {
				continue
			}
			seen.Add(block.Hash, struct{}{})
			deliverBlock(block, engines)
			sink = block.Hash
		}
	}
}

// deliverBlock batches block's matching transactions per engine,
// preserving intra-block transaction order, and emits exactly one
// BlkAccepted per engine that matched at least one transaction.
func deliverBlock(block chain.AcceptedBlock, engines map[generator.PrefixType]Binding) {
	batches := make(map[generator.PrefixType][]engine.AssociatedTx, len(engines))

	for _, tx := range block.Transactions {
		for prefix, binding := range engines {
			if !generator.CheckPayloadHeader(tx.Payload, prefix) {
				continue
			}
			if !generator.CheckPattern(tx.TxID, binding.Pattern) {
				continue
			}
			batches[prefix] = append(batches[prefix], toAssociatedTx(tx))
		}
	}

	for prefix, txs := range batches {
		event := engine.BlkAccepted(block.Hash, block.DaaScore, block.Timestamp, txs)
		engines[prefix].Sender.Send(event)
	}
}

func toAssociatedTx(tx chain.AcceptedTransaction) engine.AssociatedTx {
	return engine.AssociatedTx{
		TxID:    tx.TxID,
		Payload: tx.Payload,
		Outputs: convertOutputs(tx.Outputs),
		Status:  convertStatus(tx.Status),
	}
}

func convertOutputs(outs []chain.TransactionOutput) []episode.TxOutputInfo {
	if outs == nil {
		return nil
	}
	out := make([]episode.TxOutputInfo, len(outs))
	for i, o := range outs {
		out[i] = episode.TxOutputInfo{
			Value:         o.Value,
			ScriptVersion: o.ScriptPublicKey.Version,
			ScriptBytes:   o.ScriptPublicKey.Script,
		}
	}
	return out
}

func convertStatus(s *chain.TxStatus) *episode.TxStatus {
	if s == nil {
		return nil
	}
	return &episode.TxStatus{
		AcceptanceHeight: s.AcceptanceHeight,
		Confirmations:    s.Confirmations,
		Finality:         s.Finality,
	}
}

func sleepOrDone(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func nextBackoff(d time.Duration) time.Duration {
	next := d * 2
	if next > maxBackoff {
		return maxBackoff
	}
	return next
}
