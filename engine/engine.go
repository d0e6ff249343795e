// Package engine ties C1-C5 into the single-leader periodic tick of
// spec.md §5: poll -> reconcile -> analyse -> classify, with rollback
// invoked from the reconciliation step. Lifecycle (Start/Stop, goroutine-
// per-concern, stopCh/sync.WaitGroup drain) is modeled on the teacher's
// datasync/chaindatafetcher.ChainDataFetcher service shape.
package engine

import (
	"context"
	"sync"
	"time"

	"github.com/forkscanner/forkscanner/config"
	"github.com/forkscanner/forkscanner/doublespend"
	"github.com/forkscanner/forkscanner/internal/metrics"
	"github.com/forkscanner/forkscanner/log"
	"github.com/forkscanner/forkscanner/node"
	"github.com/forkscanner/forkscanner/notify"
	"github.com/forkscanner/forkscanner/poller"
	"github.com/forkscanner/forkscanner/reconciler"
	"github.com/forkscanner/forkscanner/rollback"
	"github.com/forkscanner/forkscanner/staleanalyzer"
	"github.com/forkscanner/forkscanner/store"
	"github.com/forkscanner/forkscanner/store/cache"
)

var logger = log.NewModuleLogger(log.ModuleEngine)

// NodeEndpoints bundles a configured node's primary client, optional
// mirror client, and mirror lock key, as the engine needs them to drive
// both reconciliation and rollback for that node.
type NodeEndpoints struct {
	NodeID    int64
	Primary   *node.Client
	Mirror    *node.Client // nil if the node has no mirror configured
	MirrorKey string
}

// Engine owns the tick loop and every component it orchestrates. It
// implements the Start/Stop part of the teacher's node.Service-shaped contract
// (spec.md §4 [FULL] Engine) even though no generic node host runs it in
// this core.
type Engine struct {
	cfg   *config.Config
	store store.Store
	feeds *notify.Feeds

	poller     *poller.Poller
	reconciler *reconciler.Reconciler
	analyser   *staleanalyzer.Analyser
	classifier *doublespend.Classifier
	rollback   *rollback.Orchestrator

	endpoints map[int64]NodeEndpoints

	stopCh chan struct{}
	wg     sync.WaitGroup

	lastGlobalTip string // block hash last published on feeds.ActiveFork
}

// New wires every component against st/cfg/feeds and the given per-node
// endpoints.
func New(st store.Store, cfg *config.Config, feeds *notify.Feeds, endpoints map[int64]NodeEndpoints) *Engine {
	clients := make(map[int64]poller.Client, len(endpoints))
	for id, ep := range endpoints {
		clients[id] = ep.Primary
	}

	resolve := func(nodeID int64) (doublespend.BlockFetcher, bool) {
		ep, ok := endpoints[nodeID]
		if !ok {
			return nil, false
		}
		return ep.Primary, true
	}

	rec := reconciler.New(st, cfg, feeds)
	if cfg.RedisAddr != "" {
		rec = rec.WithCache(cache.New(cfg.RedisAddr, cfg.PollInterval))
	}

	return &Engine{
		cfg:        cfg,
		store:      st,
		feeds:      feeds,
		poller:     poller.New(st, cfg, feeds, clients),
		reconciler: rec,
		analyser:   staleanalyzer.New(st, cfg, feeds),
		classifier: doublespend.New(st, cfg, resolve),
		rollback:   rollback.New(st, cfg),
		endpoints:  endpoints,
		stopCh:     make(chan struct{}),
	}
}

// Start launches the tick loop in a background goroutine, firing every
// cfg.PollInterval until Stop is called (spec.md §5 "ticks themselves are
// serial").
func (e *Engine) Start(ctx context.Context) error {
	e.wg.Add(1)
	go e.loop(ctx)
	return nil
}

// Stop signals the tick loop to exit and waits for the in-flight tick (if
// any) to finish, mirroring ChainDataFetcher.Stop's drain semantics.
func (e *Engine) Stop() error {
	close(e.stopCh)
	e.wg.Wait()
	return nil
}

func (e *Engine) loop(ctx context.Context) {
	defer e.wg.Done()

	ticker := time.NewTicker(e.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stopCh:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.runTick(ctx)
		}
	}
}

// runTick executes one full C1->C2->C3->C4 pass, with C5 invoked per
// node that needs forced validation (spec.md §5). A tick has an overall
// deadline of 2x the poll interval; on expiry the remaining steps are
// skipped and retried next tick; the store writes made before expiry stay,
// since each store call commits on its own.
func (e *Engine) runTick(ctx context.Context) {
	start := time.Now()
	defer func() {
		metrics.TickDurationGauge.Update(time.Since(start).Milliseconds())
	}()

	tickCtx, cancel := context.WithTimeout(ctx, 2*e.cfg.PollInterval)
	defer cancel()

	results, err := e.poller.PollAll(tickCtx)
	if err != nil {
		logger.Error("poll failed", "err", err)
		metrics.TickErrorCounter.Inc(1)
		return
	}

	for _, r := range results {
		if r.Skipped {
			continue
		}
		if err := e.reconciler.IngestNode(tickCtx, r.NodeID, e.endpoints[r.NodeID].Primary, r.Tips); err != nil {
			logger.Error("ingestion failed", "node", r.NodeID, "err", err)
			metrics.TickErrorCounter.Inc(1)
			continue
		}
	}

	if err := e.reconciler.RunSurgeryPasses(tickCtx); err != nil {
		logger.Error("surgery passes failed", "err", err)
		metrics.TickErrorCounter.Inc(1)
		return
	}

	globalTip, globalBlock, err := e.reconciler.GlobalActiveTip(tickCtx, nil)
	if err != nil {
		logger.Error("global tip computation failed", "err", err)
	}

	lagging, err := e.poller.DetectLag(tickCtx, results, globalBlock)
	if err != nil {
		logger.Error("lag detection failed", "err", err)
	}
	if globalTip != nil && len(lagging) > 0 {
		// Recompute with lagging nodes excluded, per §4.2 "maximising
		// ... across all non-lagging nodes" -- the first pass above
		// needed a provisional global tip before lag could be known.
		globalTip, globalBlock, err = e.reconciler.GlobalActiveTip(tickCtx, lagging)
		if err != nil {
			logger.Error("global tip recomputation failed", "err", err)
		}
	}
	e.publishGlobalTip(globalTip, globalBlock)

	e.runRollbacks(tickCtx, globalBlock)

	if err := e.analyser.Run(tickCtx); err != nil {
		logger.Error("stale analysis failed", "err", err)
		metrics.TickErrorCounter.Inc(1)
		return
	}

	if err := e.classifier.Run(tickCtx); err != nil {
		logger.Error("double-spend classification failed", "err", err)
		metrics.TickErrorCounter.Inc(1)
	}
}

// publishGlobalTip emits the authoritative tip on feeds.ActiveFork when
// it differs from the one last published (spec.md §4.2 "the tip
// maximising (work, height, first_seen_at ascending) ... is published";
// §1 "publishes a single authoritative picture of tip activity"). This is
// the one global signal on "active_fork" -- per-node chaintip changes are
// not independently noteworthy on their own.
func (e *Engine) publishGlobalTip(tip *store.Chaintip, block *store.Block) {
	if tip == nil || block == nil {
		return
	}
	if block.Hash == e.lastGlobalTip {
		return
	}
	e.lastGlobalTip = block.Hash
	if e.feeds != nil {
		e.feeds.ActiveFork.Send(notify.ActiveForkEvent{Tip: tip, Block: block})
	}
}

// runRollbacks invokes C5 for every node whose mirror needs a forced
// validation this tick (spec.md §4.5 trigger), one goroutine per rollback
// target so a slow mirror never blocks another node's rollback; attempts
// on the same mirror wait on the orchestrator's per-mirror lock.
func (e *Engine) runRollbacks(ctx context.Context, globalBlock *store.Block) {
	if globalBlock == nil {
		return
	}
	var wg sync.WaitGroup
	for nodeID, ep := range e.endpoints {
		if ep.Mirror == nil {
			continue
		}
		nodeID, ep := nodeID, ep
		candidates, err := e.reconciler.NeedsRollback(ctx, nodeID, globalBlock.Height)
		if err != nil {
			logger.Error("needs-rollback check failed", "node", nodeID, "err", err)
			continue
		}
		for _, target := range candidates {
			target := target
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := e.rollback.Attempt(ctx, nodeID, ep.MirrorKey, ep.Mirror, ep.Primary, target); err != nil {
					logger.Warn("rollback attempt failed", "node", nodeID, "target", target.BlockHash, "err", err)
				}
			}()
		}
	}
	wg.Wait()
}
