// Package sql is the gorm-backed (jinzhu/gorm) implementation of
// store.Store, modeled on the teacher's storage/database.DBManager in
// spirit (one implementation satisfying a broad persistence interface)
// but relational rather than key-value, since spec.md §6 names literal
// SQL tables and foreign keys. Table names are exactly spec.md §6's; the
// only foreign key Open creates is chaintips.parent_id (ON DELETE SET
// NULL), and no cascade rule is declared on any other table.
package sql

import "time"

// nodeRow is the gorm model for the "nodes" table.
type nodeRow struct {
	ID                     int64 `gorm:"primary_key"`
	Name                   string
	Host                   string
	Port                   int
	User                   string
	Pass                   string
	UseSSL                 bool
	Archive                bool
	Enabled                bool
	MirrorHost             string
	MirrorPort             int
	UnreachableSince       *time.Time
	MirrorUnreachableSince *time.Time
	InitialBlockDownload   bool
	LastPolled             *time.Time
}

func (nodeRow) TableName() string { return "nodes" }

// blockRow is the gorm model for the "blocks" table.
type blockRow struct {
	Hash        string `gorm:"primary_key"`
	Height      int64  `gorm:"index"`
	ParentHash  string `gorm:"index"`
	Connected   bool
	HeadersOnly bool
	FirstSeenBy int64
	Work        string
	PoolName    string
	Coinbase    string
	TxIDs       string // comma-joined; blocks.txids is "binary" per spec, simplified to a delimited string here
	TotalFee    float64
	FirstSeenAt time.Time
}

func (blockRow) TableName() string { return "blocks" }

// chaintipRow is the gorm model for the "chaintips" table. ParentID has
// ON DELETE SET NULL per spec.md §6, the sole soft FK in the schema.
type chaintipRow struct {
	ID              int64 `gorm:"primary_key"`
	NodeID          int64 `gorm:"index"`
	BlockHash       string
	Height          int64 `gorm:"index"`
	Status          string
	ParentID        *int64 `gorm:"index"`
	ParentBlockHash string
	UpdatedAt       time.Time
}

func (chaintipRow) TableName() string { return "chaintips" }

// validByRow / invalidByRow back the "valid_blocks" / "invalid_blocks"
// tables (spec.md §6 literal table names).
type validByRow struct {
	BlockHash string `gorm:"primary_key"`
	NodeID    int64  `gorm:"primary_key"`
	CreatedAt time.Time
}

func (validByRow) TableName() string { return "valid_blocks" }

type invalidByRow struct {
	BlockHash string `gorm:"primary_key"`
	NodeID    int64  `gorm:"primary_key"`
	CreatedAt time.Time
}

func (invalidByRow) TableName() string { return "invalid_blocks" }

// consensusPublishedRow tracks which invalid-consensus splits have
// already been emitted on invalid_block_checks, supplementing the base
// schema so repeated ticks don't re-publish (spec.md §4.2).
type consensusPublishedRow struct {
	BlockHash string `gorm:"primary_key"`
}

func (consensusPublishedRow) TableName() string { return "consensus_published" }

type staleCandidateRow struct {
	Height                      int64 `gorm:"primary_key"`
	NChildren                   int
	ConfirmedInOneBranchTotal   float64
	DoubleSpentInOneBranchTotal float64
	RbfTotal                    float64
	HeightProcessed             bool
	MissingTransactions         bool
}

func (staleCandidateRow) TableName() string { return "stale_candidate" }

type staleCandidateChildRow struct {
	ID              int64 `gorm:"primary_key"`
	CandidateHeight int64 `gorm:"index"`
	RootHash        string
	TipHash         string
	Length          int64
	Work            string
}

func (staleCandidateChildRow) TableName() string { return "stale_candidate_children" }

// transactionRow backs the "transaction" table (singular per spec.md §6).
type transactionRow struct {
	BlockHash  string `gorm:"primary_key"`
	TxID       string `gorm:"primary_key"`
	IsCoinbase bool
	Hex        string
	Amount     float64
	Address    string
	Swept      bool
	VinJSON    string
	VoutJSON   string
}

func (transactionRow) TableName() string { return "transaction" }

type doubleSpentByRow struct {
	ID              int64 `gorm:"primary_key"`
	CandidateHeight int64 `gorm:"index"`
	TxID            string
	ByTxID          string
}

func (doubleSpentByRow) TableName() string { return "double_spent_by" }

type rbfByRow struct {
	ID              int64 `gorm:"primary_key"`
	CandidateHeight int64 `gorm:"index"`
	TxID            string
	ByTxID          string
}

func (rbfByRow) TableName() string { return "rbf_by" }

type lagRow struct {
	ID        int64 `gorm:"primary_key"`
	NodeID    int64 `gorm:"index"`
	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

func (lagRow) TableName() string { return "lags" }

type watchedAddressRow struct {
	Address    string `gorm:"primary_key"`
	WatchUntil time.Time
}

func (watchedAddressRow) TableName() string { return "watched" }

type transactionAddressRow struct {
	ID          int64 `gorm:"primary_key"`
	BlockHash   string
	TxID        string
	Sending     bool
	Receiving   bool
	Satoshis    int64
	SendingVout uint32
	CreatedAt   time.Time
	NotifiedAt  *time.Time
}

func (transactionAddressRow) TableName() string { return "transaction_addresses" }

// Auxiliary out-of-core tables: model stubs only, per SPEC_FULL.md's
// persistence mapping -- the core never writes these, and it does not
// populate blockRow.PoolName.
type poolRow struct {
	ID   int64 `gorm:"primary_key"`
	Name string
}

func (poolRow) TableName() string { return "pool" }

type inflatedBlockRow struct {
	Hash string `gorm:"primary_key"`
}

func (inflatedBlockRow) TableName() string { return "inflated_blocks" }

type txOutsetRow struct {
	Height int64 `gorm:"primary_key"`
}

func (txOutsetRow) TableName() string { return "tx_outsets" }

type blockTemplateRow struct {
	ID int64 `gorm:"primary_key"`
}

func (blockTemplateRow) TableName() string { return "block_templates" }

type feeRateRow struct {
	Height int64 `gorm:"primary_key"`
}

func (feeRateRow) TableName() string { return "fee_rates" }

type softforkRow struct {
	Name string `gorm:"primary_key"`
}

func (softforkRow) TableName() string { return "softforks" }
