// Package staleanalyzer implements C3, the Stale/Fork Analyser: it finds
// height collisions, upserts StaleCandidate rows, and rebuilds each
// candidate's branch list from scratch every tick (spec.md §4.3).
package staleanalyzer

import (
	"context"

	"github.com/forkscanner/forkscanner/config"
	"github.com/forkscanner/forkscanner/internal/metrics"
	"github.com/forkscanner/forkscanner/internal/work"
	"github.com/forkscanner/forkscanner/log"
	"github.com/forkscanner/forkscanner/notify"
	"github.com/forkscanner/forkscanner/store"
)

var logger = log.NewModuleLogger(log.ModuleStaleFork)

// Analyser owns candidate detection and branch reconstruction.
type Analyser struct {
	store store.Store
	cfg   *config.Config
	feeds *notify.Feeds
}

// New constructs an Analyser against st.
func New(st store.Store, cfg *config.Config, feeds *notify.Feeds) *Analyser {
	return &Analyser{store: st, cfg: cfg, feeds: feeds}
}

// Run scans for new/ongoing stale candidates and rebuilds every live
// candidate's branch list (spec.md §4.3).
func (a *Analyser) Run(ctx context.Context) error {
	maxHeight, err := a.store.MaxHeight(ctx)
	if err != nil {
		return err
	}

	liveFloor := maxHeight - a.cfg.StaleWindow
	if liveFloor < 0 {
		liveFloor = 0
	}
	liveCeil := maxHeight - 3

	if err := a.detectCandidates(ctx, liveFloor, maxHeight); err != nil {
		return err
	}

	candidates, err := a.store.ListLiveStaleCandidates(ctx, liveFloor, liveCeil)
	if err != nil {
		return err
	}
	metrics.StaleCandidatesGauge.Update(int64(len(candidates)))

	for _, c := range candidates {
		if err := a.rebuildBranches(ctx, c.Height); err != nil {
			return err
		}
	}

	if a.feeds != nil && len(candidates) > 0 {
		a.feeds.ValidationChecks.Send(notify.ValidationChecksEvent{Candidates: candidates})
	}
	return nil
}

// detectCandidates finds heights with >=2 blocks whose prior height has
// exactly one block and no InvalidBy entry at H (spec.md §4.3).
func (a *Analyser) detectCandidates(ctx context.Context, floor, maxHeight int64) error {
	for h := floor; h <= maxHeight; h++ {
		blocksAtH, err := a.store.ListBlocksAtHeight(ctx, h)
		if err != nil {
			return err
		}
		if len(blocksAtH) < 2 {
			continue
		}

		anyInvalid := false
		for _, b := range blocksAtH {
			invalid, err := a.store.ListInvalidByForBlock(ctx, b.Hash)
			if err != nil {
				return err
			}
			if len(invalid) > 0 {
				anyInvalid = true
				break
			}
		}
		if anyInvalid {
			continue
		}

		prior, err := a.store.ListBlocksAtHeight(ctx, h-1)
		if err != nil {
			return err
		}
		if len(prior) != 1 {
			continue
		}

		if _, err := a.store.UpsertStaleCandidate(ctx, h, len(blocksAtH)); err != nil {
			return err
		}

		if a.feeds != nil {
			tips, err := a.store.ListChaintips(ctx, store.ChaintipFilter{HasMinHeight: true, MinHeight: h})
			if err == nil {
				var atHeight []*store.Chaintip
				for _, t := range tips {
					if t.Height == h {
						atHeight = append(atHeight, t)
					}
				}
				if len(atHeight) > 0 {
					a.feeds.Forks.Send(notify.ForksEvent{Height: h, Tips: atHeight})
				}
			}
		}
	}
	return nil
}

// rebuildBranches discards and recomputes every StaleCandidateChild row
// for the candidate at height, walking each root's canonical descendant
// chain (spec.md §4.3 steps 1-3).
func (a *Analyser) rebuildBranches(ctx context.Context, height int64) error {
	if err := a.store.DeleteStaleCandidateChildren(ctx, height); err != nil {
		return err
	}

	roots, err := a.store.ListBlocksAtHeight(ctx, height)
	if err != nil {
		return err
	}

	for _, root := range roots {
		tip, length, err := a.walkCanonicalDescendants(ctx, root)
		if err != nil {
			return err
		}
		err = a.store.InsertStaleCandidateChild(ctx, &store.StaleCandidateChild{
			CandidateHeight: height,
			RootHash:        root.Hash,
			TipHash:         tip.Hash,
			Length:          length,
			Work:            tip.Work,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// walkCanonicalDescendants follows {child | child.parent = current},
// picking the max-work child on ties at each step (spec.md §4.3 step 2).
func (a *Analyser) walkCanonicalDescendants(ctx context.Context, root *store.Block) (*store.Block, int64, error) {
	current := root
	length := int64(1)
	maxHeight, err := a.store.MaxHeight(ctx)
	if err != nil {
		return nil, 0, err
	}

	for h := current.Height + 1; h <= maxHeight; h++ {
		children, err := a.store.ListBlocksAtHeight(ctx, h)
		if err != nil {
			return nil, 0, err
		}
		var best *store.Block
		for _, c := range children {
			if c.ParentHash != current.Hash {
				continue
			}
			if best == nil || work.Greater(c.Work, best.Work) {
				best = c
			}
		}
		if best == nil {
			break
		}
		current = best
		length++
	}
	return current, length, nil
}
