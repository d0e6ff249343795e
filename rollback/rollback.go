// Package rollback implements C5, the Rollback Orchestrator: it drives a
// node's mirror endpoint through invalidateblock/reconsiderblock cycles
// to force re-evaluation of a contested valid-headers tip (spec.md §4.5).
package rollback

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/forkscanner/forkscanner/config"
	"github.com/forkscanner/forkscanner/errs"
	"github.com/forkscanner/forkscanner/internal/metrics"
	"github.com/forkscanner/forkscanner/log"
	"github.com/forkscanner/forkscanner/node"
	"github.com/forkscanner/forkscanner/store"
)

var logger = log.NewModuleLogger(log.ModuleRollback)

// MirrorClient is the subset of node.Client the orchestrator drives
// against a mirror endpoint, plus the two reads it needs of the primary
// endpoint to fetch blocks the mirror lacks.
type MirrorClient interface {
	GetChainTips(ctx context.Context) ([]node.ChainTip, error)
	GetBlockHex(ctx context.Context, hash string) (string, error)
	SubmitBlock(ctx context.Context, blockHex string) error
	InvalidateBlock(ctx context.Context, hash string) error
	ReconsiderBlock(ctx context.Context, hash string) error
	SetNetworkActive(ctx context.Context, active bool) error
}

// PrimaryClient is the subset of node.Client used to source a block the
// mirror doesn't yet have, before submitting it there.
type PrimaryClient interface {
	GetBlockHex(ctx context.Context, hash string) (string, error)
}

// Orchestrator owns the per-mirror exclusive lock set and the
// invalidate/reconsider state machine.
type Orchestrator struct {
	store store.Store
	cfg   *config.Config

	mu     sync.Mutex
	locked map[string]*sync.Mutex // mirror endpoint key -> lock
}

// New constructs an Orchestrator against st.
func New(st store.Store, cfg *config.Config) *Orchestrator {
	return &Orchestrator{store: st, cfg: cfg, locked: make(map[string]*sync.Mutex)}
}

func (o *Orchestrator) lockFor(mirrorKey string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.locked[mirrorKey]
	if !ok {
		l = &sync.Mutex{}
		o.locked[mirrorKey] = l
	}
	return l
}

// Attempt runs the full rollback protocol against target on the given
// node's mirror (spec.md §4.5). mirrorKey identifies the mirror endpoint
// for the process-wide exclusivity lock (host:port is sufficient and is
// what the caller should pass). Only one Attempt may run per mirrorKey at
// a time; a second caller blocks until the first releases the lock.
func (o *Orchestrator) Attempt(ctx context.Context, nodeID int64, mirrorKey string, mirror MirrorClient, primary PrimaryClient, target *store.Chaintip) (err error) {
	lock := o.lockFor(mirrorKey)
	lock.Lock()
	defer lock.Unlock()

	metrics.RollbacksAttemptedCounter.Inc(1)

	if err := ensureMirrorHasBlock(ctx, mirror, primary, target.BlockHash); err != nil {
		return err
	}

	if err := mirror.SetNetworkActive(ctx, false); err != nil {
		return errs.UnableToRollback("setnetworkactive(false) failed", err)
	}
	// §4.5 step 5 / invariant IV_h: network must be re-enabled on every
	// exit path, including panics unwinding through this defer.
	defer func() {
		if rerr := mirror.SetNetworkActive(ctx, true); rerr != nil {
			logger.Error("failed to re-enable mirror network", "node", nodeID, "err", rerr)
		}
	}()

	invalidated, success, abortErr := o.makeActive(ctx, mirror, target)
	if abortErr != nil {
		return abortErr
	}

	tips, err := mirror.GetChainTips(ctx)
	if err != nil {
		return errs.UnableToRollback("failed to re-read mirror tips", err)
	}

	now := time.Now()
	if success && activeTipIs(tips, target.BlockHash) {
		if err := o.store.MarkValidBy(ctx, target.BlockHash, nodeID, now); err != nil {
			return err
		}
		if err := o.undoRollback(ctx, mirror, invalidated); err != nil {
			return err
		}
		metrics.RollbacksSucceededCounter.Inc(1)
		return nil
	}

	if tipHasStatus(tips, target.BlockHash, node.StatusInvalid) {
		if err := o.store.MarkInvalidBy(ctx, target.BlockHash, nodeID, now); err != nil {
			return err
		}
		return nil
	}

	return errs.UnableToRollback(fmt.Sprintf("mirror did not converge on %s", target.BlockHash), nil)
}

func ensureMirrorHasBlock(ctx context.Context, mirror MirrorClient, primary PrimaryClient, hash string) error {
	if _, err := mirror.GetBlockHex(ctx, hash); err == nil {
		return nil
	}
	hex, err := primary.GetBlockHex(ctx, hash)
	if err != nil {
		return errs.UnableToRollback("primary lacks target block", err)
	}
	return mirror.SubmitBlock(ctx, hex)
}

// makeActive loops invalidating blocks on the mirror's path to target,
// giving up once its counter exceeds ROLLBACK_COUNTER_MAX, i.e. after
// ROLLBACK_COUNTER_MAX+1 iterations (spec.md §4.5 step 3).
func (o *Orchestrator) makeActive(ctx context.Context, mirror MirrorClient, target *store.Chaintip) (invalidated []string, success bool, err error) {
	counter := 0
	for counter <= o.cfg.RollbackCounterMax {
		tips, err := mirror.GetChainTips(ctx)
		if err != nil {
			return invalidated, false, errs.UnableToRollback("getchaintips failed", err)
		}
		activeTip := findActive(tips)
		if activeTip == nil {
			return invalidated, false, errs.UnableToRollback("mirror reported no active tip", nil)
		}
		if activeTip.Hash == target.BlockHash {
			return invalidated, true, nil
		}

		list, err := o.branchPointList(ctx, *activeTip, target)
		if err != nil {
			return invalidated, false, err
		}
		if len(list) == 0 {
			return invalidated, false, errs.UnableToRollback("no candidate hashes to invalidate", nil)
		}

		for _, hash := range list {
			if err := mirror.InvalidateBlock(ctx, hash); err != nil {
				return invalidated, false, errs.UnableToRollback("invalidateblock failed: "+hash, err)
			}
			invalidated = append(invalidated, hash)
		}
		counter++
	}
	return invalidated, false, errs.UnableToRollback("rollback counter exceeded max", nil)
}

// branchPointList builds the set of hashes to invalidate this iteration:
// the mirror's current active tip, plus the block of every stored
// chaintip whose parent is target, plus (if target is below the active
// tip) every stored block from the active tip down to just above
// target's height (spec.md §4.5 step 3).
func (o *Orchestrator) branchPointList(ctx context.Context, activeTip node.ChainTip, target *store.Chaintip) ([]string, error) {
	list := []string{activeTip.Hash}

	children, err := o.store.ListChaintips(ctx, store.ChaintipFilter{})
	if err != nil {
		return nil, err
	}
	for _, c := range children {
		b, found, err := o.store.GetBlock(ctx, c.BlockHash)
		if err != nil {
			return nil, err
		}
		if found && b.ParentHash == target.BlockHash {
			list = append(list, c.BlockHash)
		}
	}

	if target.Height < activeTip.Height {
		cur := activeTip.Hash
		for {
			b, found, err := o.store.GetBlock(ctx, cur)
			if err != nil {
				return nil, err
			}
			if !found || b.Height <= target.Height {
				break
			}
			list = append(list, cur)
			cur = b.ParentHash
		}
	}
	return dedupe(list), nil
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, v := range in {
		if !seen[v] {
			seen[v] = true
			out = append(out, v)
		}
	}
	return out
}

// undoRollback reconsiders every hash invalidated during a successful
// make_active, in the order invalidated (spec.md §4.5 step 4, invariant
// IV_g).
func (o *Orchestrator) undoRollback(ctx context.Context, mirror MirrorClient, invalidated []string) error {
	for _, hash := range invalidated {
		if err := mirror.ReconsiderBlock(ctx, hash); err != nil {
			logger.Error("reconsiderblock failed during undo_rollback", "hash", hash, "err", err)
			return errs.UnableToRollback("reconsiderblock failed: "+hash, err)
		}
	}
	return nil
}

func findActive(tips []node.ChainTip) *node.ChainTip {
	for i := range tips {
		if tips[i].Status == node.StatusActive {
			return &tips[i]
		}
	}
	return nil
}

func activeTipIs(tips []node.ChainTip, hash string) bool {
	t := findActive(tips)
	return t != nil && t.Hash == hash
}

func tipHasStatus(tips []node.ChainTip, hash string, status node.ChainTipStatus) bool {
	for _, t := range tips {
		if t.Hash == hash && t.Status == status {
			return true
		}
	}
	return false
}
