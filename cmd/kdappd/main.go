// Command kdappd runs one application's off-chain participant: it tails the
// configured node for transactions matching this application's routing
// identity, feeds them through the deterministic engine, serves the TLV
// transport for clients that prefer direct participation over on-chain
// submission, and periodically anchors episode state with an OKCP
// checkpoint transaction.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/decred/dcrd/dcrec/secp256k1/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/urfave/cli/v2"
	_ "go.uber.org/automaxprocs"
	"golang.org/x/sync/errgroup"

	"github.com/kdappio/kdapp/chain"
	"github.com/kdappio/kdapp/checkpoint"
	"github.com/kdappio/kdapp/engine"
	"github.com/kdappio/kdapp/episode"
	"github.com/kdappio/kdapp/examples/counter"
	"github.com/kdappio/kdapp/generator"
	"github.com/kdappio/kdapp/internal/config"
	ilog "github.com/kdappio/kdapp/internal/log"
	"github.com/kdappio/kdapp/metrics"
	"github.com/kdappio/kdapp/pki"
	"github.com/kdappio/kdapp/proxy"
	"github.com/kdappio/kdapp/router"
	"github.com/kdappio/kdapp/rpcclient"
	"github.com/kdappio/kdapp/tlv"
)

// genesisEpisodeID is the single episode this reference daemon checkpoints;
// the episode itself is created by a NewEpisode message from a client. A
// multi-tenant deployment would instead watch the engine for every
// id it has seen and checkpoint each independently.
const genesisEpisodeID = episode.EpisodeId(1)

var (
	configFlag = &cli.StringFlag{
		Name:     "config",
		Aliases:  []string{"c"},
		Usage:    "path to the TOML configuration file",
		Required: true,
	}
	checkpointIntervalFlag = &cli.DurationFlag{
		Name:  "checkpoint-interval",
		Usage: "how often to anchor episode state with an OKCP transaction",
		Value: 30 * time.Second,
	}
	metricsAddrFlag = &cli.StringFlag{
		Name:  "metrics-addr",
		Usage: "address to serve Prometheus metrics on, empty disables",
		Value: ":9464",
	}
)

func main() {
	app := &cli.App{
		Name:   "kdappd",
		Usage:  "run a kdapp application's off-chain engine, TLV router, and checkpoint submitter",
		Flags:  []cli.Flag{configFlag, checkpointIntervalFlag, metricsAddrFlag},
		Action: run,
	}
	if err := app.Run(os.Args); err != nil {
		ilog.Error("kdappd: fatal", "err", err)
		os.Exit(1)
	}
}

func run(c *cli.Context) error {
	cfg, err := config.Load(c.String(configFlag.Name))
	if err != nil {
		return err
	}

	reg := metrics.NewRegistry(prometheus.DefaultRegisterer)
	if addr := c.String(metricsAddrFlag.Name); addr != "" {
		go serveMetrics(addr)
	}

	keySource := pki.NewKeySource(cfg.KeySource)
	sk, err := keySource.LoadKey()
	if err != nil {
		return fmt.Errorf("kdappd: loading signing key from %s: %w", keySource.Describe(), err)
	}

	client, err := rpcclient.Dial(cfg.WrpcUrl)
	if err != nil {
		return fmt.Errorf("kdappd: connecting to node at %s: %w", cfg.WrpcUrl, err)
	}
	defer client.Close()

	prefix := generator.PrefixType(cfg.Prefix)
	pattern := cfg.PatternType()
	if len(cfg.Pattern) == 0 {
		prefix, pattern = generator.DeriveRoutingIDs(pki.NewPubKey(sk.PubKey()))
	}

	eventCh := make(chan engine.EngineMsg, 256)
	eng := engine.NewEngine[*counter.Episode, counter.Command, counter.Rollback](prefix, eventCh, counter.New)
	handler := &loggingHandler{}

	rtr := router.New(engine.ChanSender(eventCh), nil, reg)
	defer rtr.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	group, groupCtx := errgroup.WithContext(ctx)

	group.Go(func() error {
		eng.Start([]engine.EventHandler[*counter.Episode, counter.Command, counter.Rollback]{handler})
		return nil
	})
	group.Go(func() error {
		<-groupCtx.Done()
		eventCh <- engine.Exit()
		return nil
	})

	group.Go(func() error {
		ilog.Info("kdappd: TLV router listening", "addr", cfg.ListenAddr)
		if err := rtr.ListenAndServe(cfg.ListenAddr); err != nil && groupCtx.Err() == nil {
			return err
		}
		return nil
	})

	exitFlag := &atomicFlag{}
	group.Go(func() error {
		<-groupCtx.Done()
		exitFlag.Set(true)
		return nil
	})
	bindings := map[generator.PrefixType]proxy.Binding{
		prefix: {Pattern: pattern, Sender: engine.ChanSender(eventCh)},
	}
	group.Go(func() error {
		if err := proxy.RunListener(groupCtx, client, chain.Hash{}, bindings, exitFlag); err != nil && groupCtx.Err() == nil {
			return err
		}
		return nil
	})

	group.Go(func() error {
		return submitCheckpoints(groupCtx, client, eng, sk, generator.PrefixType(cfg.CheckpointPrefix), cfg, c.Duration(checkpointIntervalFlag.Name), reg)
	})

	ilog.Info("kdappd: started", "network", cfg.Network, "prefix", prefix, "listen_addr", cfg.ListenAddr)
	if err := group.Wait(); err != nil && groupCtx.Err() == nil {
		return err
	}
	return nil
}

func serveMetrics(addr string) {
	ilog.Info("kdappd: serving metrics", "addr", addr)
	if err := http.ListenAndServe(addr, promhttp.Handler()); err != nil {
		ilog.Warn("kdappd: metrics server stopped", "err", err)
	}
}

// submitCheckpoints periodically snapshots genesisEpisodeID's state and
// anchors it with an OKCP transaction, spending the generator identity's own
// first known UTXO and paying the remainder back to itself.
func submitCheckpoints(
	ctx context.Context,
	client chain.NodeClient,
	eng *engine.Engine[*counter.Episode, counter.Command, counter.Rollback],
	sk *secp256k1.PrivateKey,
	checkpointPrefix generator.PrefixType,
	cfg *config.Config,
	interval time.Duration,
	reg *metrics.Registry,
) error {
	gen := generator.NewTransactionGenerator(sk, generator.PatternType{}, checkpointPrefix).
		WithMaxAttempts(cfg.MaxPatternAttempts).
		WithMetrics(reg)
	selfAddr := chain.Address{Prefix: cfg.Network, Version: 0, Payload: gen.PubKey().Bytes()}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	var seq uint64
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		ep, ok := eng.Episode(genesisEpisodeID)
		if !ok {
			continue
		}
		stateBytes, err := ep.EncodeState()
		if err != nil {
			ilog.Warn("kdappd: encoding episode state failed", "err", err)
			continue
		}
		stateRoot := tlv.HashState(stateBytes)
		seq++
		record := checkpoint.Record{EpisodeId: genesisEpisodeID, Seq: seq, StateRoot: stateRoot}

		utxos, err := client.GetUTXOsByAddresses(ctx, []chain.Address{selfAddr})
		if err != nil || len(utxos) == 0 {
			ilog.Warn("kdappd: no spendable utxo for checkpoint submission", "err", err)
			continue
		}

		tx, err := gen.BuildCommandTransaction(utxos[0], selfAddr, record.Encode(), cfg.Fee)
		if err != nil {
			ilog.Warn("kdappd: building checkpoint transaction failed", "err", err)
			continue
		}
		txID, err := client.SubmitTransaction(ctx, tx)
		if err != nil {
			ilog.Warn("kdappd: submitting checkpoint transaction failed", "err", err)
			continue
		}
		reg.CheckpointsSubmitted.Inc()
		ilog.Info("kdappd: checkpoint submitted", "episode_id", genesisEpisodeID, "seq", seq, "tx_id", txID)
	}
}

// atomicFlag satisfies proxy.ExitSignal.
type atomicFlag struct {
	v atomic.Bool
}

func (f *atomicFlag) Set(v bool) { f.v.Store(v) }
func (f *atomicFlag) Load() bool { return f.v.Load() }

type loggingHandler struct{}

func (h *loggingHandler) OnInitialize(id episode.EpisodeId, ep *counter.Episode) {
	ilog.Info("kdappd: episode initialized", "episode_id", id, "value", ep.Value())
}

func (h *loggingHandler) OnCommand(id episode.EpisodeId, ep *counter.Episode, cmd counter.Command, authorization *pki.PubKey, metadata *episode.PayloadMetadata) {
	ilog.Info("kdappd: command applied", "episode_id", id, "value", ep.Value())
}

func (h *loggingHandler) OnRollback(id episode.EpisodeId, ep *counter.Episode) {
	ilog.Info("kdappd: episode rolled back", "episode_id", id, "value", ep.Value())
}
