// Command authority-node runs one member of a spentbook or mint group.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/zmlAEQ/aequa-quorum/internal/authority"
	"github.com/zmlAEQ/aequa-quorum/internal/client"
	"github.com/zmlAEQ/aequa-quorum/internal/ledger/mint"
	"github.com/zmlAEQ/aequa-quorum/internal/ledger/spentbook"
	"github.com/zmlAEQ/aequa-quorum/internal/monitoring"
	"github.com/zmlAEQ/aequa-quorum/internal/node"
	"github.com/zmlAEQ/aequa-quorum/internal/p2p"
	"github.com/zmlAEQ/aequa-quorum/internal/tss"
	"github.com/zmlAEQ/aequa-quorum/internal/tss/bls"
	"github.com/zmlAEQ/aequa-quorum/pkg/bus"
	"github.com/zmlAEQ/aequa-quorum/pkg/lifecycle"
	"github.com/zmlAEQ/aequa-quorum/pkg/logger"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := Command().ExecuteContext(ctx); err != nil {
		logger.Error(err.Error())
		os.Exit(1)
	}
}

func Command() *cobra.Command {
	c := &cobra.Command{
		Use:           "authority-node",
		Short:         "Runs a spentbook or mint authority node",
		RunE:          runFunc,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	AddFlags(c.Flags())
	return c
}

func runFunc(c *cobra.Command, _ []string) error {
	cfg, err := ParseFlags(c.Flags())
	if err != nil {
		return err
	}
	logger.Init(logger.Config{Level: cfg.LogLevel, File: cfg.LogFile})
	defer logger.Sync()
	ctx := c.Context()

	netCfg := p2p.DefaultNetConfig()
	netCfg.Listen = cfg.Listen
	netCfg.NAT = cfg.NAT
	netCfg.IdentityFile = cfg.Identity
	netCfg.MaxInflight = cfg.MaxInflight
	tr := p2p.NewLibp2pTransport(netCfg)

	ncfg := node.Config{
		QuorumSize:   cfg.Quorum,
		Bootnodes:    cfg.Bootnodes,
		CacheSize:    cfg.CacheSize,
		ApplyRate:    cfg.ApplyRate,
		Bus:          bus.New(256),
		DKGRetryBase: cfg.DKGRetry,
	}
	var mt *mint.Mint
	switch cfg.Role {
	case roleSpentbook:
		j, err := authority.OpenJournal(cfg.Journal)
		if err != nil {
			return err
		}
		ncfg.Processor, ncfg.Journal = spentbook.New(), j
	case roleMint:
		mt = mint.New(spentbookKeys(tr, cfg))
		ncfg.Processor = mt
	}
	n, err := node.New(ncfg, tr)
	if err != nil {
		return err
	}

	m := lifecycle.New()
	m.Add(tss.New(n.Coordinator()))
	m.Add(n)
	m.Add(node.NewReporter(ncfg.Bus))
	if cfg.Monitoring != "" {
		m.Add(monitoring.New(cfg.Monitoring, func() any { return n.Status() }))
	}
	if err := m.StartAll(ctx); err != nil {
		return err
	}
	logger.InfoJ("authority_node", map[string]any{"role": cfg.Role, "peer_id": n.ID().String(), "quorum": cfg.Quorum})
	if mt != nil {
		go func() {
			if _, err := mt.FetchSpentbookKeys(ctx); err != nil {
				logger.WarnJ("authority_node", map[string]any{"op": "fetch_spentbook_keys", "err": err.Error()})
			}
		}()
	}
	<-ctx.Done()
	stopCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return m.StopAll(stopCtx)
}

// spentbookKeys discovers the spentbook group through the node's own
// transport. It runs once the node is started and again on a reissue
// that finds no cached keys.
func spentbookKeys(tr p2p.Transport, cfg Config) mint.KeySource {
	return func(ctx context.Context) (bls.PublicKeySet, error) {
		ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
		defer cancel()
		v, err := client.New(tr, client.CollectAll).WaitReady(ctx, cfg.Spentbook, 1, 500*time.Millisecond, 5)
		if err != nil {
			return bls.PublicKeySet{}, err
		}
		return *v.Keys, nil
	}
}
