// Package memstore is an in-process fake of store.Store used by every
// component's unit tests, in place of the teacher's generated-mock
// convention (datasync/chaindatafetcher/mocks) since the toolchain (and
// thus mockgen) is never invoked here. It implements the full contract
// with plain maps guarded by a mutex -- no transactions to roll back, so
// WithTx just runs fn once against the same store.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/forkscanner/forkscanner/errs"
	"github.com/forkscanner/forkscanner/store"
)

type Store struct {
	mu sync.Mutex

	nodes     map[int64]*store.Node
	blocks    map[string]*store.Block
	chaintips map[int64]*store.Chaintip
	nextTipID int64

	validBy   map[string]map[int64]time.Time // blockHash -> nodeID -> createdAt
	invalidBy map[string]map[int64]time.Time
	consensusPublished map[string]bool

	candidates map[int64]*store.StaleCandidate
	children   map[int64][]*store.StaleCandidateChild // keyed by height

	txs map[string]*store.Transaction // key: blockHash+"|"+txid

	doubleSpent map[int64][]*store.DoubleSpentBy
	rbf         map[int64][]*store.RbfBy

	lags map[int64][]*store.Lag // nodeID -> history, last entry is current

	watched     []*store.WatchedAddress
	txAddresses []*store.TransactionAddress
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		nodes:               make(map[int64]*store.Node),
		blocks:              make(map[string]*store.Block),
		chaintips:           make(map[int64]*store.Chaintip),
		validBy:             make(map[string]map[int64]time.Time),
		invalidBy:           make(map[string]map[int64]time.Time),
		consensusPublished:  make(map[string]bool),
		candidates:          make(map[int64]*store.StaleCandidate),
		children:            make(map[int64][]*store.StaleCandidateChild),
		txs:                 make(map[string]*store.Transaction),
		doubleSpent:         make(map[int64][]*store.DoubleSpentBy),
		rbf:                 make(map[int64][]*store.RbfBy),
		lags:                make(map[int64][]*store.Lag),
	}
}

// SeedNode inserts a Node directly; used by tests to set up fixtures.
func (s *Store) SeedNode(n *store.Node) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *n
	s.nodes[n.ID] = &cp
}

func txKey(blockHash, txid string) string { return blockHash + "|" + txid }

// -- Node --

func (s *Store) ListEnabledNodes(ctx context.Context) ([]*store.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*store.Node, 0, len(s.nodes))
	for _, n := range s.nodes {
		if n.Enabled {
			cp := *n
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) GetNode(ctx context.Context, id int64) (*store.Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[id]
	if !ok {
		return nil, errs.BlockNotFound("node not found")
	}
	cp := *n
	return &cp, nil
}

func (s *Store) SetNodeUnreachable(ctx context.Context, nodeID int64, since *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[nodeID]; ok {
		n.UnreachableSince = since
	}
	return nil
}

func (s *Store) SetMirrorUnreachable(ctx context.Context, nodeID int64, since *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[nodeID]; ok {
		n.MirrorUnreachableSince = since
	}
	return nil
}

func (s *Store) SetNodeIBD(ctx context.Context, nodeID int64, ibd bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[nodeID]; ok {
		n.InitialBlockDownload = ibd
	}
	return nil
}

func (s *Store) SetNodeLastPolled(ctx context.Context, nodeID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if n, ok := s.nodes[nodeID]; ok {
		t := at
		n.LastPolled = &t
	}
	return nil
}

// -- Block --

func (s *Store) GetBlock(ctx context.Context, hash string) (*store.Block, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blocks[hash]
	if !ok {
		return nil, false, nil
	}
	cp := *b
	return &cp, true, nil
}

func (s *Store) UpsertBlock(ctx context.Context, b *store.Block) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	existing, ok := s.blocks[b.Hash]
	cp := *b
	if ok {
		// Preserve connected=true monotonically (§5: "a block once
		// connected=true stays connected").
		if existing.Connected {
			cp.Connected = true
		}
		if existing.FirstSeenAt.Before(cp.FirstSeenAt) || cp.FirstSeenAt.IsZero() {
			cp.FirstSeenAt = existing.FirstSeenAt
			cp.FirstSeenBy = existing.FirstSeenBy
		}
		if !ok || (len(existing.TxIDs) > 0 && len(cp.TxIDs) == 0) {
			cp.TxIDs = existing.TxIDs
			cp.HeadersOnly = existing.HeadersOnly && cp.HeadersOnly
		}
	}
	s.blocks[b.Hash] = &cp
	return nil
}

func (s *Store) SetBlockConnected(ctx context.Context, hash string, connected bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.blocks[hash]; ok {
		if connected || !b.Connected {
			b.Connected = connected
		}
	}
	return nil
}

func (s *Store) ListBlocksAtHeight(ctx context.Context, height int64) ([]*store.Block, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Block
	for _, b := range s.blocks {
		if b.Height == height {
			cp := *b
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Hash < out[j].Hash })
	return out, nil
}

func (s *Store) MaxHeight(ctx context.Context) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var max int64
	for _, b := range s.blocks {
		if b.Height > max {
			max = b.Height
		}
	}
	return max, nil
}

// -- Chaintip --

func (s *Store) UpsertChaintip(ctx context.Context, t *store.Chaintip) (*store.Chaintip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, existing := range s.chaintips {
		if existing.NodeID == t.NodeID && existing.Status == t.Status && t.Status != store.StatusActive {
			// valid-fork/invalid/headers rows accumulate; only active is
			// a true singleton per node (spec.md §3 Chaintip invariant).
			continue
		}
		if existing.NodeID == t.NodeID && existing.Status == store.StatusActive && t.Status == store.StatusActive {
			cp := *existing
			cp.BlockHash = t.BlockHash
			cp.Height = t.Height
			cp.UpdatedAt = t.UpdatedAt
			if existing.BlockHash != t.BlockHash {
				cp.ParentChaintipID = nil
			} else {
				cp.ParentChaintipID = existing.ParentChaintipID
			}
			s.chaintips[cp.ID] = &cp
			out := cp
			return &out, nil
		}
		if existing.NodeID == t.NodeID && existing.Status == t.Status && existing.BlockHash == t.BlockHash {
			cp := *existing
			cp.UpdatedAt = t.UpdatedAt
			s.chaintips[cp.ID] = &cp
			out := cp
			return &out, nil
		}
	}

	s.nextTipID++
	cp := *t
	cp.ID = s.nextTipID
	s.chaintips[cp.ID] = &cp
	out := cp
	return &out, nil
}

func (s *Store) GetActiveChaintip(ctx context.Context, nodeID int64) (*store.Chaintip, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.chaintips {
		if t.NodeID == nodeID && t.Status == store.StatusActive {
			cp := *t
			return &cp, true, nil
		}
	}
	return nil, false, nil
}

func (s *Store) ListChaintips(ctx context.Context, f store.ChaintipFilter) ([]*store.Chaintip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	statusSet := map[store.ChainTipStatus]bool{}
	for _, st := range f.Status {
		statusSet[st] = true
	}

	var out []*store.Chaintip
	for _, t := range s.chaintips {
		if len(f.Status) > 0 && !statusSet[t.Status] {
			continue
		}
		if f.HasMinHeight && t.Height < f.MinHeight {
			continue
		}
		if f.HasParentNullFilter {
			isNull := t.ParentChaintipID == nil
			if isNull != f.ParentChaintipNull {
				continue
			}
		}
		if f.HasExcludeNodeID && t.NodeID == f.ExcludeNodeID {
			continue
		}
		cp := *t
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *Store) SetParentChaintip(ctx context.Context, chaintipID int64, parentID *int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.chaintips[chaintipID]; ok {
		t.ParentChaintipID = parentID
	}
	return nil
}

func (s *Store) ListChaintipsByParent(ctx context.Context, parentChaintipID int64) ([]*store.Chaintip, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Chaintip
	for _, t := range s.chaintips {
		if t.ParentChaintipID != nil && *t.ParentChaintipID == parentChaintipID {
			cp := *t
			out = append(out, &cp)
		}
	}
	return out, nil
}

// -- ValidBy / InvalidBy --

func (s *Store) MarkValidBy(ctx context.Context, blockHash string, nodeID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.validBy[blockHash] == nil {
		s.validBy[blockHash] = map[int64]time.Time{}
	}
	if _, exists := s.validBy[blockHash][nodeID]; !exists {
		s.validBy[blockHash][nodeID] = at
	}
	return nil
}

func (s *Store) MarkInvalidBy(ctx context.Context, blockHash string, nodeID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.invalidBy[blockHash] == nil {
		s.invalidBy[blockHash] = map[int64]time.Time{}
	}
	if _, exists := s.invalidBy[blockHash][nodeID]; !exists {
		s.invalidBy[blockHash][nodeID] = at
	}
	return nil
}

func (s *Store) IsValidBy(ctx context.Context, blockHash string, nodeID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.validBy[blockHash][nodeID]
	return ok, nil
}

func (s *Store) IsInvalidBy(ctx context.Context, blockHash string, nodeID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.invalidBy[blockHash][nodeID]
	return ok, nil
}

func (s *Store) ListInvalidByAtOrAbove(ctx context.Context, minHeight int64) ([]*store.InvalidBy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.InvalidBy
	for hash, byNode := range s.invalidBy {
		b, ok := s.blocks[hash]
		if !ok || b.Height < minHeight {
			continue
		}
		for nodeID, at := range byNode {
			out = append(out, &store.InvalidBy{BlockHash: hash, NodeID: nodeID, CreatedAt: at})
		}
	}
	return out, nil
}

func (s *Store) ListInvalidByForBlock(ctx context.Context, blockHash string) ([]*store.InvalidBy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.InvalidBy
	for nodeID, at := range s.invalidBy[blockHash] {
		out = append(out, &store.InvalidBy{BlockHash: blockHash, NodeID: nodeID, CreatedAt: at})
	}
	return out, nil
}

func (s *Store) ListConsensusSplits(ctx context.Context, since time.Time) ([]store.ConsensusSplit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []store.ConsensusSplit
	for hash, validNodes := range s.validBy {
		if len(validNodes) == 0 {
			continue
		}
		invalidNodes, ok := s.invalidBy[hash]
		if !ok || len(invalidNodes) == 0 {
			continue
		}
		if s.consensusPublished[hash] {
			continue
		}
		var earliestNode int64
		var earliestAt time.Time
		for nodeID, at := range invalidNodes {
			if earliestAt.IsZero() || at.Before(earliestAt) {
				earliestAt = at
				earliestNode = nodeID
			}
		}
		if earliestAt.Before(since) {
			continue
		}
		out = append(out, store.ConsensusSplit{BlockHash: hash, EarliestInvalidatingNode: earliestNode, EarliestInvalidAt: earliestAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BlockHash < out[j].BlockHash })
	return out, nil
}

func (s *Store) MarkConsensusSplitPublished(ctx context.Context, blockHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consensusPublished[blockHash] = true
	return nil
}

// -- StaleCandidate / StaleCandidateChild --

func (s *Store) UpsertStaleCandidate(ctx context.Context, height int64, nChildren int) (*store.StaleCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[height]
	if !ok {
		c = &store.StaleCandidate{Height: height}
		s.candidates[height] = c
	}
	c.NChildren = nChildren
	cp := *c
	return &cp, nil
}

func (s *Store) GetStaleCandidate(ctx context.Context, height int64) (*store.StaleCandidate, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.candidates[height]
	if !ok {
		return nil, false, nil
	}
	cp := *c
	return &cp, true, nil
}

func (s *Store) ListLiveStaleCandidates(ctx context.Context, minHeight, maxHeight int64) ([]*store.StaleCandidate, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.StaleCandidate
	for h, c := range s.candidates {
		if h >= minHeight && h <= maxHeight {
			cp := *c
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Height > out[j].Height })
	return out, nil
}

func (s *Store) DeleteStaleCandidateChildren(ctx context.Context, height int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.children, height)
	return nil
}

func (s *Store) InsertStaleCandidateChild(ctx context.Context, c *store.StaleCandidateChild) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *c
	s.children[c.CandidateHeight] = append(s.children[c.CandidateHeight], &cp)
	return nil
}

func (s *Store) ListStaleCandidateChildren(ctx context.Context, height int64) ([]*store.StaleCandidateChild, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.StaleCandidateChild
	for _, c := range s.children[height] {
		cp := *c
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) SetCandidateMissingTransactions(ctx context.Context, height int64, missing bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.candidates[height]; ok {
		c.MissingTransactions = missing
	}
	return nil
}

func (s *Store) UpdateCandidateTotals(ctx context.Context, height int64, confirmed, doubleSpent, rbf float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if c, ok := s.candidates[height]; ok {
		c.ConfirmedInOneBranchTotal = confirmed
		c.DoubleSpentInOneBranchTotal = doubleSpent
		c.RbfTotal = rbf
		c.HeightProcessed = true
	}
	return nil
}

func (s *Store) ClearCandidateClassification(ctx context.Context, height int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.doubleSpent, height)
	delete(s.rbf, height)
	if c, ok := s.candidates[height]; ok {
		c.ConfirmedInOneBranchTotal = 0
		c.DoubleSpentInOneBranchTotal = 0
		c.RbfTotal = 0
	}
	return nil
}

// -- Transaction --

func (s *Store) GetTransaction(ctx context.Context, blockHash, txid string) (*store.Transaction, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.txs[txKey(blockHash, txid)]
	if !ok {
		return nil, false, nil
	}
	cp := *t
	return &cp, true, nil
}

func (s *Store) UpsertTransaction(ctx context.Context, t *store.Transaction) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *t
	s.txs[txKey(t.BlockHash, t.TxID)] = &cp
	return nil
}

func (s *Store) ListTransactionsForBlock(ctx context.Context, blockHash string) ([]*store.Transaction, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.Transaction
	for _, t := range s.txs {
		if t.BlockHash == blockHash {
			cp := *t
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TxID < out[j].TxID })
	return out, nil
}

func (s *Store) HasTransactions(ctx context.Context, blockHash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.txs {
		if t.BlockHash == blockHash {
			return true, nil
		}
	}
	return false, nil
}

// -- DoubleSpentBy / RbfBy --

func (s *Store) InsertDoubleSpentBy(ctx context.Context, d *store.DoubleSpentBy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *d
	s.doubleSpent[d.CandidateHeight] = append(s.doubleSpent[d.CandidateHeight], &cp)
	return nil
}

func (s *Store) InsertRbfBy(ctx context.Context, r *store.RbfBy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *r
	s.rbf[r.CandidateHeight] = append(s.rbf[r.CandidateHeight], &cp)
	return nil
}

func (s *Store) ListDoubleSpentBy(ctx context.Context, height int64) ([]*store.DoubleSpentBy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.DoubleSpentBy
	for _, d := range s.doubleSpent[height] {
		cp := *d
		out = append(out, &cp)
	}
	return out, nil
}

func (s *Store) ListRbfBy(ctx context.Context, height int64) ([]*store.RbfBy, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.RbfBy
	for _, r := range s.rbf[height] {
		cp := *r
		out = append(out, &cp)
	}
	return out, nil
}

// -- Lag --

func (s *Store) GetOpenLag(ctx context.Context, nodeID int64) (*store.Lag, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.lags[nodeID]
	if len(hist) == 0 {
		return nil, false, nil
	}
	last := hist[len(hist)-1]
	if !last.Open() {
		return nil, false, nil
	}
	cp := *last
	return &cp, true, nil
}

func (s *Store) OpenLag(ctx context.Context, nodeID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.lags[nodeID]
	if len(hist) > 0 && hist[len(hist)-1].Open() {
		return nil
	}
	s.lags[nodeID] = append(hist, &store.Lag{
		ID:        int64(len(hist)) + 1,
		NodeID:    nodeID,
		CreatedAt: at,
		UpdatedAt: at,
	})
	return nil
}

func (s *Store) ExtendLag(ctx context.Context, nodeID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.lags[nodeID]
	if len(hist) == 0 || !hist[len(hist)-1].Open() {
		return nil
	}
	hist[len(hist)-1].UpdatedAt = at
	return nil
}

func (s *Store) CloseLag(ctx context.Context, nodeID int64, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	hist := s.lags[nodeID]
	if len(hist) == 0 || !hist[len(hist)-1].Open() {
		return nil
	}
	t := at
	hist[len(hist)-1].DeletedAt = &t
	hist[len(hist)-1].UpdatedAt = at
	return nil
}

// -- WatchedAddress / TransactionAddress --

func (s *Store) ListWatchedAddresses(ctx context.Context, now time.Time) ([]*store.WatchedAddress, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*store.WatchedAddress
	for _, w := range s.watched {
		if w.WatchUntil.After(now) {
			cp := *w
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (s *Store) InsertTransactionAddress(ctx context.Context, ta *store.TransactionAddress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cp := *ta
	s.txAddresses = append(s.txAddresses, &cp)
	return nil
}

// WithTx runs fn directly against s: memstore has no isolation levels to
// speak of, so there is nothing to retry.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	return fn(ctx, s)
}
