// Package poller implements C1, the Node Poller: it concurrently queries
// every enabled node's chaintips/blockchaininfo/peerinfo, tracks
// reachability and IBD state, and (after the reconciler publishes a
// global tip) opens/extends/closes each node's Lag row (spec.md §4.1).
// Concurrency follows the teacher's ChainDataFetcher goroutine-per-
// consumer idiom, generalised to goroutine-per-node via golang.org/x/sync
// errgroup so one hung node can never block the others.
package poller

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/forkscanner/forkscanner/config"
	"github.com/forkscanner/forkscanner/internal/metrics"
	"github.com/forkscanner/forkscanner/internal/work"
	"github.com/forkscanner/forkscanner/log"
	"github.com/forkscanner/forkscanner/node"
	"github.com/forkscanner/forkscanner/notify"
	"github.com/forkscanner/forkscanner/store"
)

var logger = log.NewModuleLogger(log.ModulePoller)

// Client is the subset of node.Client each poll task needs.
type Client interface {
	GetBestBlockHash(ctx context.Context) (string, error)
	GetBlockchainInfo(ctx context.Context) (*node.BlockchainInfo, error)
	GetChainTips(ctx context.Context) ([]node.ChainTip, error)
	GetPeerInfo(ctx context.Context) ([]node.PeerInfo, error)
}

// Result is one node's poll outcome for a tick.
type Result struct {
	NodeID      int64
	Tips        []node.ChainTip
	BestHash    string
	Peers       []node.PeerInfo
	Skipped     bool // unreachable or in IBD; excluded from reconciliation
	Unreachable bool
	IBD         bool
}

// Poller owns reachability/IBD tracking and per-node fan-out.
type Poller struct {
	store   store.Store
	cfg     *config.Config
	feeds   *notify.Feeds
	clients map[int64]Client
}

// New constructs a Poller against st, polling through clients (keyed by
// Node.ID).
func New(st store.Store, cfg *config.Config, feeds *notify.Feeds, clients map[int64]Client) *Poller {
	return &Poller{store: st, cfg: cfg, feeds: feeds, clients: clients}
}

// PollAll runs one tick of C1 across every enabled node (spec.md §4.1).
func (p *Poller) PollAll(ctx context.Context) ([]Result, error) {
	nodes, err := p.store.ListEnabledNodes(ctx)
	if err != nil {
		return nil, err
	}

	results := make([]Result, len(nodes))
	g, gctx := errgroup.WithContext(ctx)
	for i, n := range nodes {
		i, n := i, n
		g.Go(func() error {
			results[i] = p.pollOne(gctx, n)
			return nil
		})
	}
	// Errors from individual nodes are captured in Result, never
	// propagated: a hung node must never abort the tick (spec.md §4.1
	// "partial failure is normal").
	_ = g.Wait()

	var polled, unreachable, ibd int64
	for _, r := range results {
		switch {
		case r.Unreachable:
			unreachable++
		case r.IBD:
			ibd++
		default:
			polled++
		}
	}
	metrics.NodesPolledGauge.Update(polled)
	metrics.NodesUnreachableGauge.Update(unreachable)
	metrics.NodesIBDGauge.Update(ibd)

	return results, nil
}

func (p *Poller) pollOne(ctx context.Context, n *store.Node) Result {
	client, ok := p.clients[n.ID]
	if !ok {
		logger.Warn("no client configured for node", "node", n.ID)
		return Result{NodeID: n.ID, Skipped: true}
	}

	callCtx, cancel := context.WithTimeout(ctx, p.cfg.RpcTimeout)
	defer cancel()

	start := time.Now()
	best, err := client.GetBestBlockHash(callCtx)
	metrics.PollLatencyGauge.Update(time.Since(start).Milliseconds())
	if err != nil {
		now := time.Now()
		logger.Debug("node unreachable", "node", n.ID, "err", err)
		_ = p.store.SetNodeUnreachable(ctx, n.ID, &now)
		return Result{NodeID: n.ID, Skipped: true, Unreachable: true}
	}
	_ = p.store.SetNodeUnreachable(ctx, n.ID, nil)
	_ = p.store.SetNodeLastPolled(ctx, n.ID, time.Now())

	info, err := client.GetBlockchainInfo(callCtx)
	if err == nil && info.Headers-info.Blocks > 10 {
		_ = p.store.SetNodeIBD(ctx, n.ID, true)
		return Result{NodeID: n.ID, BestHash: best, Skipped: true, IBD: true}
	}
	_ = p.store.SetNodeIBD(ctx, n.ID, false)

	g, gctx := errgroup.WithContext(callCtx)
	var tips []node.ChainTip
	var peers []node.PeerInfo

	g.Go(func() error {
		t, err := client.GetChainTips(gctx)
		if err != nil {
			return err
		}
		tips = t
		return nil
	})
	g.Go(func() error {
		pr, err := client.GetPeerInfo(gctx)
		if err != nil {
			return err
		}
		peers = pr
		return nil
	})
	if err := g.Wait(); err != nil {
		logger.Debug("partial poll failure", "node", n.ID, "err", err)
	}

	return Result{NodeID: n.ID, Tips: tips, BestHash: best, Peers: peers}
}

// DetectLag compares each non-skipped node's active chaintip work against
// the global tip and opens/extends/closes its Lag row accordingly
// (spec.md §4.1 "Lag detection"). Returns the set of node IDs currently
// lagging, which the engine uses to recompute the global active tip
// without them. The reconciler's surgery passes do not take this set, so
// lagging nodes still take part in match_children.
func (p *Poller) DetectLag(ctx context.Context, results []Result, globalBlock *store.Block) (map[int64]bool, error) {
	lagging := make(map[int64]bool)
	if globalBlock == nil {
		return lagging, nil
	}

	for _, r := range results {
		if r.Skipped {
			continue
		}
		tip, found, err := p.store.GetActiveChaintip(ctx, r.NodeID)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}
		block, found, err := p.store.GetBlock(ctx, tip.BlockHash)
		if err != nil {
			return nil, err
		}
		if !found {
			continue
		}

		isLagging := work.Less(block.Work, globalBlock.Work) && (globalBlock.Height-block.Height) >= p.cfg.LagBlocks
		now := time.Now()
		if isLagging {
			lagging[r.NodeID] = true
			open, _, err := p.store.GetOpenLag(ctx, r.NodeID)
			if err != nil {
				return nil, err
			}
			if open == nil {
				if err := p.store.OpenLag(ctx, r.NodeID, now); err != nil {
					return nil, err
				}
			} else {
				if err := p.store.ExtendLag(ctx, r.NodeID, now); err != nil {
					return nil, err
				}
			}
		} else {
			if err := p.store.CloseLag(ctx, r.NodeID, now); err != nil {
				return nil, err
			}
		}
	}

	metrics.LaggingNodesGauge.Update(int64(len(lagging)))
	if p.feeds != nil && len(lagging) > 0 {
		var nodes []*store.Node
		for id := range lagging {
			if n, err := p.store.GetNode(ctx, id); err == nil {
				nodes = append(nodes, n)
			}
		}
		p.feeds.LaggingNodes.Send(notify.LaggingNodesEvent{Nodes: nodes})
	}
	return lagging, nil
}
