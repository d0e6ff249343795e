// Package doublespend implements C4, the Double-Spend/RBF Classifier: it
// hydrates transactions for the two extreme branches of a live stale
// candidate, builds per-branch outpoint maps, and classifies conflicting
// spends as double-spends or replace-by-fee (spec.md §4.4).
package doublespend

import (
	"context"
	"sort"
	"strconv"

	"github.com/forkscanner/forkscanner/config"
	"github.com/forkscanner/forkscanner/errs"
	"github.com/forkscanner/forkscanner/internal/metrics"
	"github.com/forkscanner/forkscanner/internal/work"
	"github.com/forkscanner/forkscanner/log"
	"github.com/forkscanner/forkscanner/node"
	"github.com/forkscanner/forkscanner/store"
)

var logger = log.NewModuleLogger(log.ModuleDoubleSpend)

// BlockFetcher is the subset of node.Client needed to hydrate a branch's
// transactions; keyed per node so the classifier can fetch from whichever
// node first saw a given block (store.Block.FirstSeenBy).
type BlockFetcher interface {
	GetBlock(ctx context.Context, hash string, verbosity int) (*node.Block, error)
}

// NodeResolver maps a Node.ID to the BlockFetcher that talks to it.
type NodeResolver func(nodeID int64) (BlockFetcher, bool)

// Classifier owns branch hydration and conflict classification.
type Classifier struct {
	store   store.Store
	cfg     *config.Config
	resolve NodeResolver
}

// New constructs a Classifier against st, resolving per-block fetchers
// via resolve.
func New(st store.Store, cfg *config.Config, resolve NodeResolver) *Classifier {
	return &Classifier{store: st, cfg: cfg, resolve: resolve}
}

// Run classifies the 3 most recent live stale candidates (spec.md §4.4).
func (c *Classifier) Run(ctx context.Context) error {
	maxHeight, err := c.store.MaxHeight(ctx)
	if err != nil {
		return err
	}
	floor := maxHeight - c.cfg.StaleWindow
	if floor < 0 {
		floor = 0
	}
	candidates, err := c.store.ListLiveStaleCandidates(ctx, floor, maxHeight-3)
	if err != nil {
		return err
	}
	if len(candidates) > 3 {
		candidates = candidates[:3]
	}
	for _, cand := range candidates {
		if err := c.classify(ctx, cand.Height); err != nil {
			logger.Debug("classification skipped", "height", cand.Height, "err", err)
		}
	}
	return nil
}

func (c *Classifier) classify(ctx context.Context, height int64) error {
	if err := c.hydrateBranches(ctx, height); err != nil {
		return err
	}

	children, err := c.store.ListStaleCandidateChildren(ctx, height)
	if err != nil {
		return err
	}
	if len(children) < 2 {
		return nil
	}

	shortest, longest := pickBranches(children)

	shortHashes, err := c.branchBlockHashes(ctx, shortest)
	if err != nil {
		return err
	}
	longHashes, err := c.branchBlockHashes(ctx, longest)
	if err != nil {
		return err
	}

	complete, err := c.branchComplete(ctx, shortHashes)
	if err != nil {
		return err
	}
	if complete {
		complete, err = c.branchComplete(ctx, longHashes)
		if err != nil {
			return err
		}
	}
	if !complete {
		return c.store.SetCandidateMissingTransactions(ctx, height, true)
	}
	if err := c.store.SetCandidateMissingTransactions(ctx, height, false); err != nil {
		return err
	}

	shortTxs, err := c.branchTransactions(ctx, shortHashes)
	if err != nil {
		return err
	}
	longTxs, err := c.branchTransactions(ctx, longHashes)
	if err != nil {
		return err
	}

	if err := c.store.ClearCandidateClassification(ctx, height); err != nil {
		return err
	}

	confirmedTotal := c.confirmedInOneBranch(shortTxs, longTxs, shortest.Length == longest.Length)

	doubleSpent, rbf := classifyConflicts(shortTxs, longTxs)

	var dsTotal, rbfTotal float64
	for _, pair := range doubleSpent {
		if err := c.store.InsertDoubleSpentBy(ctx, &store.DoubleSpentBy{
			CandidateHeight: height, TxID: pair.shortTxID, ByTxID: pair.longTxID,
		}); err != nil {
			return err
		}
		dsTotal += pair.amount
		metrics.DoubleSpendsFoundCounter.Inc(1)
	}
	for _, pair := range rbf {
		if err := c.store.InsertRbfBy(ctx, &store.RbfBy{
			CandidateHeight: height, TxID: pair.shortTxID, ByTxID: pair.longTxID,
		}); err != nil {
			return err
		}
		rbfTotal += pair.amount
		metrics.RBFFoundCounter.Inc(1)
	}

	return c.store.UpdateCandidateTotals(ctx, height, confirmedTotal, dsTotal, rbfTotal)
}

// pickBranches returns the min-length and max-length StaleCandidateChild,
// breaking ties on work (spec.md §4.4 step 2).
func pickBranches(children []*store.StaleCandidateChild) (shortest, longest *store.StaleCandidateChild) {
	shortest, longest = children[0], children[0]
	for _, c := range children[1:] {
		if c.Length < shortest.Length || (c.Length == shortest.Length && work.Less(c.Work, shortest.Work)) {
			shortest = c
		}
		if c.Length > longest.Length || (c.Length == longest.Length && work.Greater(c.Work, longest.Work)) {
			longest = c
		}
	}
	return shortest, longest
}

// branchBlockHashes walks root..tip via parent links, recorded as Blocks
// in the store, to enumerate every block on a branch.
func (c *Classifier) branchBlockHashes(ctx context.Context, branch *store.StaleCandidateChild) ([]string, error) {
	var hashes []string
	cur := branch.TipHash
	for {
		hashes = append([]string{cur}, hashes...)
		if cur == branch.RootHash {
			break
		}
		b, found, err := c.store.GetBlock(ctx, cur)
		if err != nil {
			return nil, err
		}
		if !found {
			break
		}
		cur = b.ParentHash
	}
	return hashes, nil
}

func (c *Classifier) branchComplete(ctx context.Context, hashes []string) (bool, error) {
	for i, h := range hashes {
		if int64(i) >= c.cfg.DoublespendRange+1 {
			break
		}
		b, found, err := c.store.GetBlock(ctx, h)
		if err != nil {
			return false, err
		}
		if !found || b.HeadersOnly {
			return false, nil
		}
		has, err := c.store.HasTransactions(ctx, h)
		if err != nil {
			return false, err
		}
		if !has {
			return false, nil
		}
	}
	return true, nil
}

// hydrateBranches fetches full (verbosity=2) blocks and persists their
// transactions for every block within DOUBLESPEND_RANGE of height that is
// missing a Transaction set (spec.md §4.4 step 1).
func (c *Classifier) hydrateBranches(ctx context.Context, height int64) error {
	children, err := c.store.ListStaleCandidateChildren(ctx, height)
	if err != nil {
		return err
	}
	for _, branch := range children {
		hashes, err := c.branchBlockHashes(ctx, branch)
		if err != nil {
			return err
		}
		for i, hash := range hashes {
			if int64(i) >= c.cfg.DoublespendRange+1 {
				break
			}
			if err := c.hydrateBlock(ctx, hash); err != nil {
				logger.Debug("hydrate skipped", "hash", hash, "err", err)
			}
		}
	}
	return nil
}

func (c *Classifier) hydrateBlock(ctx context.Context, hash string) error {
	b, found, err := c.store.GetBlock(ctx, hash)
	if err != nil {
		return err
	}
	if !found || b.HeadersOnly {
		return errs.BlockNotFound(hash)
	}
	has, err := c.store.HasTransactions(ctx, hash)
	if err != nil {
		return err
	}
	if has {
		return nil
	}

	fetcher, ok := c.resolve(b.FirstSeenBy)
	if !ok {
		return errs.NodeUnreachable("no fetcher for first_seen_by node", nil)
	}
	full, err := fetcher.GetBlock(ctx, hash, 2)
	if err != nil {
		return err
	}

	for _, tx := range full.Tx {
		t := &store.Transaction{
			BlockHash:  hash,
			TxID:       tx.TxID,
			IsCoinbase: tx.IsCoinbase(),
			Hex:        tx.Hex,
		}
		for _, vin := range tx.Vin {
			t.Vin = append(t.Vin, store.TxIn{
				TxID: tx.TxID, PrevTxID: vin.TxID, PrevVout: vin.Vout, IsCoinbase: vin.Coinbase != "",
			})
		}
		for _, vout := range tx.Vout {
			addr := ""
			if len(vout.ScriptPubKey.Addresses) > 0 {
				addr = vout.ScriptPubKey.Addresses[0]
			}
			t.Vout = append(t.Vout, store.TxOut{
				TxID: tx.TxID, N: vout.N, Value: vout.Value, ScriptPubKey: vout.ScriptPubKey.Hex, Address: addr,
			})
			t.Amount += vout.Value
		}
		if err := c.store.UpsertTransaction(ctx, t); err != nil {
			return err
		}
	}
	return nil
}

func (c *Classifier) branchTransactions(ctx context.Context, hashes []string) (map[string]*store.Transaction, error) {
	out := make(map[string]*store.Transaction)
	for _, h := range hashes {
		txs, err := c.store.ListTransactionsForBlock(ctx, h)
		if err != nil {
			return nil, err
		}
		for _, t := range txs {
			out[t.TxID] = t
		}
	}
	return out, nil
}

// confirmedInOneBranch sums amounts for the short branch's txids absent
// from the long branch; when lengths are equal it also adds the long
// branch's txids absent from the short one (spec.md §4.4 step 3, §9(c)).
func (c *Classifier) confirmedInOneBranch(short, long map[string]*store.Transaction, equalLength bool) float64 {
	var total float64
	for txid, t := range short {
		if _, inLong := long[txid]; !inLong {
			total += t.Amount
		}
	}
	if equalLength {
		for txid, t := range long {
			if _, inShort := short[txid]; !inShort {
				total += t.Amount
			}
		}
	}
	return total
}

type conflictPair struct {
	shortTxID string
	longTxID  string
	amount    float64
}

// classifyConflicts builds per-branch outpoint maps and splits conflicting
// spends into double-spend vs RBF pairs (spec.md §4.4 steps 4-6).
func classifyConflicts(short, long map[string]*store.Transaction) (doubleSpent, rbf []conflictPair) {
	shortMap := outpointMap(short)
	longMap := outpointMap(long)

	seen := make(map[string]bool) // dedupe by (shortTxID,longTxID)
	for key, sTx := range shortMap {
		lTx, ok := longMap[key]
		if !ok || lTx.TxID == sTx.TxID {
			continue
		}
		pairKey := sTx.TxID + "|" + lTx.TxID
		if seen[pairKey] {
			continue
		}
		seen[pairKey] = true

		pair := conflictPair{shortTxID: sTx.TxID, longTxID: lTx.TxID, amount: sTx.Amount}
		if isRBF(sTx, lTx) {
			rbf = append(rbf, pair)
		} else {
			doubleSpent = append(doubleSpent, pair)
		}
	}
	return doubleSpent, rbf
}

// outpointMap keys every non-coinbase transaction by each of its inputs'
// "prevtxid:prevvout" (spec.md §4.4 step 4).
func outpointMap(txs map[string]*store.Transaction) map[string]*store.Transaction {
	m := make(map[string]*store.Transaction)
	for _, t := range txs {
		if t.IsCoinbase {
			continue
		}
		for _, in := range t.Vin {
			if in.IsCoinbase {
				continue
			}
			key := in.PrevTxID + ":" + strconv.FormatUint(uint64(in.PrevVout), 10)
			m[key] = t
		}
	}
	return m
}

// isRBF reports whether s and l consume the same outpoints, have the same
// output count, and every output's script_pubkey matches pairwise after
// sorting (spec.md §4.4 step 6).
func isRBF(s, l *store.Transaction) bool {
	if len(s.Vin) != len(l.Vin) || len(s.Vout) != len(l.Vout) {
		return false
	}
	sKeys := inputKeys(s)
	lKeys := inputKeys(l)
	sort.Strings(sKeys)
	sort.Strings(lKeys)
	for i := range sKeys {
		if sKeys[i] != lKeys[i] {
			return false
		}
	}

	sScripts := outputScripts(s)
	lScripts := outputScripts(l)
	sort.Strings(sScripts)
	sort.Strings(lScripts)
	for i := range sScripts {
		if sScripts[i] != lScripts[i] {
			return false
		}
	}
	return true
}

func inputKeys(t *store.Transaction) []string {
	keys := make([]string, 0, len(t.Vin))
	for _, in := range t.Vin {
		keys = append(keys, in.PrevTxID+":"+strconv.FormatUint(uint64(in.PrevVout), 10))
	}
	return keys
}

func outputScripts(t *store.Transaction) []string {
	scripts := make([]string, 0, len(t.Vout))
	for _, out := range t.Vout {
		scripts = append(scripts, out.ScriptPubKey)
	}
	return scripts
}

