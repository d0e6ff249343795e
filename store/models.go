// Package store defines the persistent data model of spec.md §3 and the
// Store contract every core component reads and writes through. The gorm-
// backed SQL implementation lives in store/sql; store/memstore is an
// in-process fake used by component tests, grounded in the teacher's own
// test-fake convention (datasync/chaindatafetcher/mocks).
package store

import "time"

// Node is a remote Bitcoin daemon we poll (spec.md §3 "Node").
type Node struct {
	ID                   int64
	Name                 string
	Host                 string
	Port                 int
	User                 string
	Pass                 string
	UseSSL               bool
	Archive              bool
	Enabled              bool
	MirrorHost           string
	MirrorPort           int
	UnreachableSince     *time.Time
	MirrorUnreachableSince *time.Time
	InitialBlockDownload bool
	LastPolled           *time.Time
}

// HasMirror reports whether n has a distinct rollback-probe endpoint.
func (n Node) HasMirror() bool { return n.MirrorHost != "" && n.MirrorPort != 0 }

// Block is a node's view of a block header or full block (spec.md §3
// "Block"). Hash/ParentHash are lowercase big-endian hex, matching
// bitcoind's JSON-RPC wire format.
type Block struct {
	Hash         string
	Height       int64
	ParentHash   string
	Connected    bool
	HeadersOnly  bool
	FirstSeenBy  int64 // Node.ID
	Work         string // big-integer hex, accumulated chainwork
	PoolName     string
	Coinbase     string
	TxIDs        []string
	TotalFee     float64
	FirstSeenAt  time.Time
}

// ChainTipStatus mirrors node.ChainTipStatus but lives in store so this
// package has no import-cycle dependency on the rpc client types.
type ChainTipStatus string

const (
	StatusActive       ChainTipStatus = "active"
	StatusValidFork    ChainTipStatus = "valid-fork"
	StatusValidHeaders ChainTipStatus = "valid-headers"
	StatusHeadersOnly  ChainTipStatus = "headers-only"
	StatusInvalid      ChainTipStatus = "invalid"
)

// Chaintip is a (node, block, status) snapshot taken each poll (spec.md §3
// "Chaintip"). ParentChaintipID is the soft, nullable graph edge the three
// surgery passes maintain; it is never an ownership edge (§9).
type Chaintip struct {
	ID               int64
	NodeID           int64
	BlockHash        string
	Height           int64
	Status           ChainTipStatus
	ParentChaintipID *int64
	ParentBlockHash  string // populated for completeness per §9(b), never read by surgery
	UpdatedAt        time.Time
}

// ValidBy / InvalidBy record which nodes explicitly judged a block valid
// or invalid (spec.md §3).
type ValidBy struct {
	BlockHash string
	NodeID    int64
	CreatedAt time.Time
}

type InvalidBy struct {
	BlockHash string
	NodeID    int64
	CreatedAt time.Time
}

// StaleCandidate is a height where ≥2 blocks exist and the prior height is
// unambiguous (spec.md §3).
type StaleCandidate struct {
	Height                        int64
	NChildren                     int
	ConfirmedInOneBranchTotal     float64
	DoubleSpentInOneBranchTotal   float64
	RbfTotal                      float64
	HeightProcessed               bool
	MissingTransactions           bool
}

// StaleCandidateChild is one fork branch collapsed to root/tip/length
// (spec.md §3); rebuilt from scratch every tick.
type StaleCandidateChild struct {
	CandidateHeight int64
	RootHash        string
	TipHash         string
	Length          int64
	Work            string // accumulated work of the tip, used for tie-breaks
}

// Transaction is loaded on demand for blocks within the double-spend
// window of a stale candidate (spec.md §3).
type Transaction struct {
	BlockHash   string
	TxID        string
	IsCoinbase  bool
	Hex         string
	Amount      float64
	Address     string
	Swept       bool
	Vin         []TxIn
	Vout        []TxOut
}

// TxIn/TxOut are persisted alongside Transaction so the double-spend
// classifier can rebuild outpoint maps and compare output scripts without
// re-parsing Hex.
type TxIn struct {
	TxID        string // owning transaction
	PrevTxID    string
	PrevVout    uint32
	IsCoinbase  bool
}

type TxOut struct {
	TxID         string // owning transaction
	N            uint32
	Value        float64
	ScriptPubKey string
	Address      string
}

// DoubleSpentBy / RbfBy are populated by the classifier (spec.md §3).
type DoubleSpentBy struct {
	CandidateHeight int64
	TxID            string // shortest-branch txid: double_spent_in_one_branch
	ByTxID          string // longest-branch txid that double-spends it
}

type RbfBy struct {
	CandidateHeight int64
	TxID            string // original (shortest-branch) txid
	ByTxID          string // replacement (longest-branch) txid
}

// Lag is an open-ended interval recording a node falling behind the
// global active tip (spec.md §3).
type Lag struct {
	ID        int64
	NodeID    int64
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// Open reports whether this Lag is still active.
func (l Lag) Open() bool { return l.DeletedAt == nil }

// WatchedAddress / TransactionAddress support the out-of-core address
// watcher; the core only reads WatchedAddress and writes
// TransactionAddress hits when hydrating transactions (spec.md §3).
type WatchedAddress struct {
	Address    string
	WatchUntil time.Time
}

type TransactionAddress struct {
	BlockHash    string
	TxID         string
	Sending      bool
	Receiving    bool
	Satoshis     int64
	SendingVout  uint32
	CreatedAt    time.Time
	NotifiedAt   *time.Time
}
