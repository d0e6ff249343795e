// Package reconciler implements C2, the Chain Graph Reconciler: it turns
// one node's raw getchaintips rows into materialised Block/Chaintip rows,
// then runs the match_children/check_parent/match_parent surgery passes
// that stitch every node's view into a single DAG (spec.md §4.2). Modeled
// on the ingest-then-process shape of
// datasync/chaindatafetcher.ChainDataFetcher, generalised from "one chain,
// one consumer" to "many chains, one shared DAG".
package reconciler

import (
	"context"
	"time"

	"github.com/forkscanner/forkscanner/config"
	"github.com/forkscanner/forkscanner/errs"
	"github.com/forkscanner/forkscanner/internal/bchash"
	"github.com/forkscanner/forkscanner/internal/metrics"
	"github.com/forkscanner/forkscanner/internal/work"
	"github.com/forkscanner/forkscanner/log"
	"github.com/forkscanner/forkscanner/node"
	"github.com/forkscanner/forkscanner/notify"
	"github.com/forkscanner/forkscanner/store"
	"github.com/forkscanner/forkscanner/store/cache"
)

var logger = log.NewModuleLogger(log.ModuleReconciler)

// HeaderFetcher is the subset of node.Client the reconciler needs to
// resolve a hash it has not yet materialised. Accepting an interface
// (rather than *node.Client) keeps this package's tests RPC-free, in the
// spirit of the teacher's mocks convention.
type HeaderFetcher interface {
	GetBlockHeader(ctx context.Context, hash string) (*node.BlockHeader, error)
}

// Reconciler owns the DAG ingestion and surgery logic. It holds no
// per-tick state between calls: everything it needs lives in Store, per
// the §9 design note "no in-process cross-tick caches".
type Reconciler struct {
	store store.Store
	cfg   *config.Config
	feeds *notify.Feeds
	cache *cache.AncestorCache // nil disables memoisation
}

// New constructs a Reconciler against st, using cfg's MaxDepth/
// InvalidBlockCheckWindow knobs and publishing through feeds.
func New(st store.Store, cfg *config.Config, feeds *notify.Feeds) *Reconciler {
	return &Reconciler{store: st, cfg: cfg, feeds: feeds}
}

// WithCache attaches a per-tick ancestor-walk cache; the three surgery
// passes call isAncestor repeatedly against overlapping tip sets, and a
// tick with many chaintips otherwise re-walks the same stretch of chain
// once per pass.
func (r *Reconciler) WithCache(c *cache.AncestorCache) *Reconciler {
	r.cache = c
	return r
}

// IngestNode materialises one node's chaintip list for this tick
// (spec.md §4.2 "per-status ingestion"). Errors from individual tips are
// logged and skipped -- a single malformed tip must never abort the
// node's whole ingestion (mirrors C1's "partial failure is normal").
func (r *Reconciler) IngestNode(ctx context.Context, nodeID int64, fetcher HeaderFetcher, tips []node.ChainTip) error {
	maxHeight, err := r.store.MaxHeight(ctx)
	if err != nil {
		return err
	}
	headersFloor := maxHeight - int64(r.cfg.MaxDepth)

	for _, tip := range tips {
		var ingestErr error
		switch tip.Status {
		case node.StatusActive:
			ingestErr = r.ingestActive(ctx, nodeID, fetcher, tip)
		case node.StatusValidFork:
			ingestErr = r.ingestAncestorWalk(ctx, nodeID, fetcher, tip, r.store.MarkValidBy)
		case node.StatusInvalid:
			ingestErr = r.ingestAncestorWalk(ctx, nodeID, fetcher, tip, r.store.MarkInvalidBy)
		case node.StatusValidHeaders, node.StatusHeadersOnly:
			ingestErr = r.ingestHeadersOnly(ctx, nodeID, tip, headersFloor)
		default:
			logger.Warn("unknown chaintip status", "node", nodeID, "status", tip.Status)
			continue
		}
		if ingestErr != nil {
			logger.Debug("tip ingestion skipped", "node", nodeID, "hash", tip.Hash, "status", tip.Status, "err", ingestErr)
		}
		metrics.BlocksIngestedCounter.Inc(1)
	}
	return nil
}

func (r *Reconciler) ingestActive(ctx context.Context, nodeID int64, fetcher HeaderFetcher, tip node.ChainTip) error {
	now := time.Now()

	block, err := r.resolveHeader(ctx, fetcher, tip.Hash)
	if err != nil {
		return err
	}
	if err := r.store.UpsertBlock(ctx, block); err != nil {
		return err
	}
	if err := r.store.MarkValidBy(ctx, tip.Hash, nodeID, now); err != nil {
		return err
	}

	oldActive, hadOld, err := r.store.GetActiveChaintip(ctx, nodeID)
	if err != nil {
		return err
	}

	newTip, err := r.store.UpsertChaintip(ctx, &store.Chaintip{
		NodeID:    nodeID,
		BlockHash: block.Hash,
		Height:    block.Height,
		Status:    store.StatusActive,
		UpdatedAt: now,
	})
	if err != nil {
		return err
	}

	if !hadOld || oldActive.BlockHash != newTip.BlockHash {
		if err := r.store.SetParentChaintip(ctx, newTip.ID, nil); err != nil {
			return err
		}
		if hadOld {
			children, err := r.store.ListChaintipsByParent(ctx, oldActive.ID)
			if err != nil {
				return err
			}
			for _, c := range children {
				if err := r.store.SetParentChaintip(ctx, c.ID, nil); err != nil {
					return err
				}
			}
		}
		// feeds.ActiveFork is published from the engine's tick loop off
		// the single global tip (spec.md §4.2), not per-node here -- a
		// per-node active-tip change is not independently authoritative.
	}
	return nil
}

// markFunc is store.MarkValidBy or store.MarkInvalidBy's signature,
// shared by the valid-fork and invalid ingestion paths since they are
// identical except which table records the judgement (spec.md §4.2).
type markFunc func(ctx context.Context, blockHash string, nodeID int64, at time.Time) error

func (r *Reconciler) ingestAncestorWalk(ctx context.Context, nodeID int64, fetcher HeaderFetcher, tip node.ChainTip, mark markFunc) error {
	now := time.Now()
	var visited []string

	cur := tip.Hash
	for depth := 0; depth <= r.cfg.MaxDepth; depth++ {
		block, found, err := r.store.GetBlock(ctx, cur)
		if err != nil {
			return err
		}
		if !found {
			fetched, ferr := r.resolveHeader(ctx, fetcher, cur)
			if ferr != nil {
				return ferr
			}
			if err := r.store.UpsertBlock(ctx, fetched); err != nil {
				return err
			}
			block = fetched
		}
		if err := mark(ctx, block.Hash, nodeID, now); err != nil {
			return err
		}
		visited = append(visited, block.Hash)

		if block.Connected || block.ParentHash == bchash.ZeroHash.String() {
			for _, h := range visited {
				if err := r.store.SetBlockConnected(ctx, h, true); err != nil {
					return err
				}
			}
			return nil
		}
		cur = block.ParentHash
	}
	// Depth exceeded: abort this tip's reconciliation for the tick, per
	// §4.2's "ancestor walk that would exceed MAX_DEPTH" edge case. The
	// marks already stamped above stand; only the connected propagation
	// is withheld until a future tick resolves it.
	return nil
}

func (r *Reconciler) ingestHeadersOnly(ctx context.Context, nodeID int64, tip node.ChainTip, headersFloor int64) error {
	if tip.Height < headersFloor {
		return nil
	}
	existing, found, err := r.store.GetBlock(ctx, tip.Hash)
	if err != nil {
		return err
	}
	b := &store.Block{Hash: tip.Hash, Height: tip.Height, HeadersOnly: true}
	if found {
		b.ParentHash = existing.ParentHash
		b.Work = existing.Work
		b.Connected = existing.Connected
		b.HeadersOnly = existing.HeadersOnly
	}
	return r.store.UpsertBlock(ctx, b)
}

// resolveHeader fetches a block's header from the node and converts it to
// a store.Block. An RPC error response is returned as errs.BlockNotFound
// and any other failure as errs.MissingParent, rather than the raw RPC
// error. Nothing is stored for a block it cannot fetch: no headers_only
// row is written, and IngestNode logs and skips that tip for this tick.
func (r *Reconciler) resolveHeader(ctx context.Context, fetcher HeaderFetcher, hash string) (*store.Block, error) {
	hdr, err := fetcher.GetBlockHeader(ctx, hash)
	if err != nil {
		if errs.Is(err, errs.KindRpcError) {
			return nil, errs.BlockNotFound("getblockheader: " + hash)
		}
		return nil, errs.MissingParent("getblockheader failed for " + hash)
	}
	return &store.Block{
		Hash:       hdr.Hash,
		Height:     hdr.Height,
		ParentHash: hdr.PreviousHash,
		Work:       hdr.ChainWork,
	}, nil
}

// RunSurgeryPasses runs match_children, check_parent, and match_parent in
// order across every active chaintip (spec.md §4.2). It reloads the
// active-tip list between passes since an earlier pass may have changed
// any tip's parent_chaintip, including ones this pass will visit.
func (r *Reconciler) RunSurgeryPasses(ctx context.Context) error {
	maxHeight, err := r.store.MaxHeight(ctx)
	if err != nil {
		return err
	}
	minHeight := maxHeight - int64(r.cfg.MaxDepth)

	actives, err := r.listActive(ctx)
	if err != nil {
		return err
	}
	for _, self := range actives {
		if err := r.matchChildren(ctx, self, minHeight); err != nil {
			return err
		}
	}

	actives, err = r.listActive(ctx)
	if err != nil {
		return err
	}
	for _, self := range actives {
		if err := r.checkParent(ctx, self, minHeight); err != nil {
			return err
		}
	}

	actives, err = r.listActive(ctx)
	if err != nil {
		return err
	}
	for _, self := range actives {
		if err := r.matchParent(ctx, self, minHeight); err != nil {
			return err
		}
	}

	return r.publishInvalidConsensusSplits(ctx)
}

func (r *Reconciler) listActive(ctx context.Context) ([]*store.Chaintip, error) {
	return r.store.ListChaintips(ctx, store.ChaintipFilter{Status: []store.ChainTipStatus{store.StatusActive}})
}

// matchChildren links every parentless active tip below self to self, if
// self's block descends from it (spec.md §4.2 match_children).
func (r *Reconciler) matchChildren(ctx context.Context, self *store.Chaintip, minHeight int64) error {
	candidates, err := r.store.ListChaintips(ctx, store.ChaintipFilter{
		Status:              []store.ChainTipStatus{store.StatusActive},
		HasMinHeight:        true,
		MinHeight:           minHeight,
		HasParentNullFilter: true,
		ParentChaintipNull:  true,
	})
	if err != nil {
		return err
	}
	for _, c := range candidates {
		if c.ID == self.ID || c.Height >= self.Height {
			continue
		}
		invalid, err := r.store.IsInvalidBy(ctx, c.BlockHash, self.NodeID)
		if err != nil {
			return err
		}
		if invalid {
			continue
		}
		isAncestor, err := r.isAncestor(ctx, self.BlockHash, c.BlockHash, c.Height)
		if err != nil {
			return err
		}
		if isAncestor {
			id := self.ID
			if err := r.store.SetParentChaintip(ctx, c.ID, &id); err != nil {
				return err
			}
			metrics.MatchChildrenCounter.Inc(1)
		}
	}
	return nil
}

// checkParent nulls self's parent_chaintip if the block of any invalid
// chaintip at or above minHeight is an ancestor of self's block (spec.md
// §4.2 check_parent).
func (r *Reconciler) checkParent(ctx context.Context, self *store.Chaintip, minHeight int64) error {
	if self.ParentChaintipID == nil {
		return nil
	}
	invalids, err := r.store.ListChaintips(ctx, store.ChaintipFilter{
		Status:       []store.ChainTipStatus{store.StatusInvalid},
		HasMinHeight: true,
		MinHeight:    minHeight,
	})
	if err != nil {
		return err
	}
	for _, inv := range invalids {
		isAncestor, err := r.isAncestor(ctx, self.BlockHash, inv.BlockHash, inv.Height)
		if err != nil {
			return err
		}
		if isAncestor {
			if err := r.store.SetParentChaintip(ctx, self.ID, nil); err != nil {
				return err
			}
			metrics.CheckParentResetCounter.Inc(1)
			return nil
		}
	}
	return nil
}

// matchParent is match_children's dual: self searches upward for an
// active tip it descends from (spec.md §4.2 match_parent).
func (r *Reconciler) matchParent(ctx context.Context, self *store.Chaintip, minHeight int64) error {
	if self.ParentChaintipID != nil {
		return nil
	}
	candidates, err := r.store.ListChaintips(ctx, store.ChaintipFilter{
		Status:       []store.ChainTipStatus{store.StatusActive},
		HasMinHeight: true,
		MinHeight:    minHeight,
	})
	if err != nil {
		return err
	}
	for _, c := range candidates {
		if c.ID == self.ID || c.Height <= self.Height {
			continue
		}
		invalid, err := r.store.IsInvalidBy(ctx, c.BlockHash, self.NodeID)
		if err != nil {
			return err
		}
		if invalid {
			continue
		}
		isAncestor, err := r.isAncestor(ctx, c.BlockHash, self.BlockHash, self.Height)
		if err != nil {
			return err
		}
		if isAncestor {
			id := c.ID
			if err := r.store.SetParentChaintip(ctx, self.ID, &id); err != nil {
				return err
			}
			metrics.MatchParentCounter.Inc(1)
			return nil
		}
	}
	return nil
}

// isAncestor walks the stored DAG from fromHash down toward genesis,
// stopping as soon as it reaches targetHash (found), or a height at or
// below stopHeight (not found), matching both surgery passes' walk-stop
// rule ("stop walking when ancestor.height <= C'.block.height").
func (r *Reconciler) isAncestor(ctx context.Context, fromHash, targetHash string, stopHeight int64) (bool, error) {
	if r.cache != nil {
		if cached, ok := r.cache.GetIsAncestor(ctx, fromHash, targetHash, stopHeight); ok {
			return cached, nil
		}
	}

	result, err := r.walkAncestor(ctx, fromHash, targetHash, stopHeight)
	if err != nil {
		return false, err
	}
	if r.cache != nil {
		r.cache.SetIsAncestor(ctx, fromHash, targetHash, stopHeight, result)
	}
	return result, nil
}

func (r *Reconciler) walkAncestor(ctx context.Context, fromHash, targetHash string, stopHeight int64) (bool, error) {
	cur := fromHash
	for {
		if cur == targetHash {
			return true, nil
		}
		block, found, err := r.store.GetBlock(ctx, cur)
		if err != nil {
			return false, err
		}
		if !found {
			return false, nil
		}
		if block.Height <= stopHeight {
			return false, nil
		}
		if r.cache != nil {
			r.cache.SetParentHash(ctx, cur, block.ParentHash)
		}
		cur = block.ParentHash
	}
}

// GlobalActiveTip returns the tip maximising (work, height, first_seen_at
// ascending) across every active chaintip whose node is not in lagging
// (spec.md §4.2 "Global active tip").
func (r *Reconciler) GlobalActiveTip(ctx context.Context, lagging map[int64]bool) (*store.Chaintip, *store.Block, error) {
	actives, err := r.listActive(ctx)
	if err != nil {
		return nil, nil, err
	}
	var bestTip *store.Chaintip
	var bestBlock *store.Block
	for _, t := range actives {
		if lagging[t.NodeID] {
			continue
		}
		block, found, err := r.store.GetBlock(ctx, t.BlockHash)
		if err != nil {
			return nil, nil, err
		}
		if !found {
			continue
		}
		if bestBlock == nil || better(block, bestBlock) {
			bestTip, bestBlock = t, block
		}
	}
	return bestTip, bestBlock, nil
}

func better(a, b *store.Block) bool {
	if cmp := work.Compare(a.Work, b.Work); cmp != 0 {
		return cmp > 0
	}
	if a.Height != b.Height {
		return a.Height > b.Height
	}
	return a.FirstSeenAt.Before(b.FirstSeenAt)
}

// publishInvalidConsensusSplits emits invalid_block_checks for every
// (block, earliest invalidating node) pair not already published, within
// the recency window (spec.md §4.2 "Invalid consensus broadcast", §9(d)).
func (r *Reconciler) publishInvalidConsensusSplits(ctx context.Context) error {
	since := time.Now().Add(-r.cfg.InvalidBlockCheckWindow)
	splits, err := r.store.ListConsensusSplits(ctx, since)
	if err != nil {
		return err
	}
	for _, s := range splits {
		if r.feeds != nil {
			r.feeds.InvalidBlockCheck.Send(notify.InvalidBlockCheckEvent{
				BlockHash:                s.BlockHash,
				EarliestInvalidatingNode: s.EarliestInvalidatingNode,
				CreatedAt:                s.EarliestInvalidAt,
			})
		}
		if err := r.store.MarkConsensusSplitPublished(ctx, s.BlockHash); err != nil {
			return err
		}
	}
	return nil
}

// NeedsRollback reports which active mirrors have a valid-headers tip in
// range that has not yet been judged valid or invalid by that node
// (spec.md §4.5 trigger condition), for the engine to hand off to C5.
func (r *Reconciler) NeedsRollback(ctx context.Context, nodeID int64, activeTipHeight int64) ([]*store.Chaintip, error) {
	minHeight := activeTipHeight - int64(r.cfg.MaxDepth)
	candidates, err := r.store.ListChaintips(ctx, store.ChaintipFilter{
		Status:       []store.ChainTipStatus{store.StatusValidHeaders},
		HasMinHeight: true,
		MinHeight:    minHeight,
	})
	if err != nil {
		return nil, err
	}
	var out []*store.Chaintip
	for _, c := range candidates {
		if c.NodeID != nodeID || c.Height > activeTipHeight {
			continue
		}
		valid, err := r.store.IsValidBy(ctx, c.BlockHash, nodeID)
		if err != nil {
			return nil, err
		}
		invalid, err := r.store.IsInvalidBy(ctx, c.BlockHash, nodeID)
		if err != nil {
			return nil, err
		}
		if !valid && !invalid {
			out = append(out, c)
		}
	}
	return out, nil
}
