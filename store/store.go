package store

import (
	"context"
	"time"
)

// ChaintipFilter narrows ListChaintips queries; zero value (nil Status,
// MinHeight 0) means "no filter on that field". All surgery-pass queries
// (§4.2) go through this one method so the MIN_HEIGHT floor is applied
// consistently.
type ChaintipFilter struct {
	Status             []ChainTipStatus
	MinHeight          int64
	HasMinHeight       bool
	ParentChaintipNull bool
	HasParentNullFilter bool
	ExcludeNodeID      int64
	HasExcludeNodeID   bool
}

// ConsensusSplit is one (block, earliest invalidating node) pair found by
// the invalid-consensus-broadcast scan (§4.2).
type ConsensusSplit struct {
	BlockHash             string
	EarliestInvalidatingNode int64
	EarliestInvalidAt     time.Time
}

// Store is the full persistence contract every core component depends on.
// The gorm-backed implementation is store/sql.Store; store/memstore.Store
// is an in-process fake used by tests. Each mutating method commits on
// its own: the core components call them directly, outside WithTx, so a
// surgery pass's writes are not grouped into one transaction.
type Store interface {
	// -- Node --
	ListEnabledNodes(ctx context.Context) ([]*Node, error)
	GetNode(ctx context.Context, id int64) (*Node, error)
	SetNodeUnreachable(ctx context.Context, nodeID int64, since *time.Time) error
	SetMirrorUnreachable(ctx context.Context, nodeID int64, since *time.Time) error
	SetNodeIBD(ctx context.Context, nodeID int64, ibd bool) error
	SetNodeLastPolled(ctx context.Context, nodeID int64, at time.Time) error

	// -- Block --
	GetBlock(ctx context.Context, hash string) (*Block, bool, error)
	UpsertBlock(ctx context.Context, b *Block) error
	SetBlockConnected(ctx context.Context, hash string, connected bool) error
	ListBlocksAtHeight(ctx context.Context, height int64) ([]*Block, error)
	MaxHeight(ctx context.Context) (int64, error)

	// -- Chaintip --
	UpsertChaintip(ctx context.Context, t *Chaintip) (*Chaintip, error)
	GetActiveChaintip(ctx context.Context, nodeID int64) (*Chaintip, bool, error)
	ListChaintips(ctx context.Context, f ChaintipFilter) ([]*Chaintip, error)
	SetParentChaintip(ctx context.Context, chaintipID int64, parentID *int64) error
	ListChaintipsByParent(ctx context.Context, parentChaintipID int64) ([]*Chaintip, error)

	// -- ValidBy / InvalidBy --
	MarkValidBy(ctx context.Context, blockHash string, nodeID int64, at time.Time) error
	MarkInvalidBy(ctx context.Context, blockHash string, nodeID int64, at time.Time) error
	IsValidBy(ctx context.Context, blockHash string, nodeID int64) (bool, error)
	IsInvalidBy(ctx context.Context, blockHash string, nodeID int64) (bool, error)
	ListInvalidByAtOrAbove(ctx context.Context, minHeight int64) ([]*InvalidBy, error)
	ListInvalidByForBlock(ctx context.Context, blockHash string) ([]*InvalidBy, error)
	ListConsensusSplits(ctx context.Context, since time.Time) ([]ConsensusSplit, error)
	MarkConsensusSplitPublished(ctx context.Context, blockHash string) error

	// -- StaleCandidate / StaleCandidateChild --
	UpsertStaleCandidate(ctx context.Context, height int64, nChildren int) (*StaleCandidate, error)
	GetStaleCandidate(ctx context.Context, height int64) (*StaleCandidate, bool, error)
	ListLiveStaleCandidates(ctx context.Context, minHeight, maxHeight int64) ([]*StaleCandidate, error)
	DeleteStaleCandidateChildren(ctx context.Context, height int64) error
	InsertStaleCandidateChild(ctx context.Context, c *StaleCandidateChild) error
	ListStaleCandidateChildren(ctx context.Context, height int64) ([]*StaleCandidateChild, error)
	SetCandidateMissingTransactions(ctx context.Context, height int64, missing bool) error
	UpdateCandidateTotals(ctx context.Context, height int64, confirmed, doubleSpent, rbf float64) error
	ClearCandidateClassification(ctx context.Context, height int64) error

	// -- Transaction --
	GetTransaction(ctx context.Context, blockHash, txid string) (*Transaction, bool, error)
	UpsertTransaction(ctx context.Context, t *Transaction) error
	ListTransactionsForBlock(ctx context.Context, blockHash string) ([]*Transaction, error)
	HasTransactions(ctx context.Context, blockHash string) (bool, error)

	// -- DoubleSpentBy / RbfBy --
	InsertDoubleSpentBy(ctx context.Context, d *DoubleSpentBy) error
	InsertRbfBy(ctx context.Context, r *RbfBy) error
	ListDoubleSpentBy(ctx context.Context, height int64) ([]*DoubleSpentBy, error)
	ListRbfBy(ctx context.Context, height int64) ([]*RbfBy, error)

	// -- Lag --
	GetOpenLag(ctx context.Context, nodeID int64) (*Lag, bool, error)
	OpenLag(ctx context.Context, nodeID int64, at time.Time) error
	ExtendLag(ctx context.Context, nodeID int64, at time.Time) error
	CloseLag(ctx context.Context, nodeID int64, at time.Time) error

	// -- WatchedAddress / TransactionAddress --
	ListWatchedAddresses(ctx context.Context, now time.Time) ([]*WatchedAddress, error)
	InsertTransactionAddress(ctx context.Context, ta *TransactionAddress) error

	// WithTx runs fn inside a single transaction, retrying on a storage
	// conflict up to the teacher's retry idiom
	// (datasync/chaindatafetcher.ChainDataFetcher.retryFunc) bound of 3
	// attempts (spec.md §7: "StorageConflict (retry transaction up to 3x)").
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Store) error) error
}
