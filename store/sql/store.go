package sql

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/jinzhu/gorm"
	_ "github.com/go-sql-driver/mysql"

	"github.com/forkscanner/forkscanner/errs"
	"github.com/forkscanner/forkscanner/log"
	"github.com/forkscanner/forkscanner/store"
)

var logger = log.NewModuleLogger(log.ModuleStore)

// Store is the gorm-backed implementation of store.Store.
type Store struct {
	db *gorm.DB
}

// Open dials dsn (a go-sql-driver/mysql DSN) and returns a ready Store.
// AutoMigrate runs for every table this package owns, the same
// development-time migration approach gorm's own docs recommend; a real
// deployment would run the migrations tooling named out of scope in
// spec.md §1 instead.
func Open(dsn string) (*Store, error) {
	db, err := gorm.Open("mysql", dsn)
	if err != nil {
		return nil, errs.Fatal("failed to open database", err)
	}
	db.AutoMigrate(
		&nodeRow{}, &blockRow{}, &chaintipRow{}, &validByRow{}, &invalidByRow{},
		&consensusPublishedRow{}, &staleCandidateRow{}, &staleCandidateChildRow{},
		&transactionRow{}, &doubleSpentByRow{}, &rbfByRow{}, &lagRow{},
		&watchedAddressRow{}, &transactionAddressRow{},
		&poolRow{}, &inflatedBlockRow{}, &txOutsetRow{}, &blockTemplateRow{}, &feeRateRow{}, &softforkRow{},
	)
	db.Model(&chaintipRow{}).AddForeignKey("parent_id", "chaintips(id)", "SET NULL", "CASCADE")
	return &Store{db: db}, nil
}

func newFromDB(db *gorm.DB) *Store { return &Store{db: db} }

// Close releases the underlying connection pool.
func (s *Store) Close() error { return s.db.Close() }

// -- Node --

func (s *Store) ListEnabledNodes(ctx context.Context) ([]*store.Node, error) {
	var rows []nodeRow
	if err := s.db.Where("enabled = ?", true).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*store.Node, len(rows))
	for i, r := range rows {
		out[i] = nodeFromRow(r)
	}
	return out, nil
}

func (s *Store) GetNode(ctx context.Context, id int64) (*store.Node, error) {
	var r nodeRow
	if err := s.db.First(&r, id).Error; err != nil {
		if gorm.IsRecordNotFoundError(err) {
			return nil, errs.BlockNotFound("node not found")
		}
		return nil, err
	}
	return nodeFromRow(r), nil
}

func (s *Store) SetNodeUnreachable(ctx context.Context, nodeID int64, since *time.Time) error {
	return s.db.Model(&nodeRow{}).Where("id = ?", nodeID).Update("unreachable_since", since).Error
}

func (s *Store) SetMirrorUnreachable(ctx context.Context, nodeID int64, since *time.Time) error {
	return s.db.Model(&nodeRow{}).Where("id = ?", nodeID).Update("mirror_unreachable_since", since).Error
}

func (s *Store) SetNodeIBD(ctx context.Context, nodeID int64, ibd bool) error {
	return s.db.Model(&nodeRow{}).Where("id = ?", nodeID).Update("initial_block_download", ibd).Error
}

func (s *Store) SetNodeLastPolled(ctx context.Context, nodeID int64, at time.Time) error {
	return s.db.Model(&nodeRow{}).Where("id = ?", nodeID).Update("last_polled", at).Error
}

func nodeFromRow(r nodeRow) *store.Node {
	return &store.Node{
		ID: r.ID, Name: r.Name, Host: r.Host, Port: r.Port, User: r.User, Pass: r.Pass,
		UseSSL: r.UseSSL, Archive: r.Archive, Enabled: r.Enabled,
		MirrorHost: r.MirrorHost, MirrorPort: r.MirrorPort,
		UnreachableSince: r.UnreachableSince, MirrorUnreachableSince: r.MirrorUnreachableSince,
		InitialBlockDownload: r.InitialBlockDownload, LastPolled: r.LastPolled,
	}
}

// -- Block --

func (s *Store) GetBlock(ctx context.Context, hash string) (*store.Block, bool, error) {
	var r blockRow
	err := s.db.Where("hash = ?", hash).First(&r).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return blockFromRow(r), true, nil
}

func (s *Store) UpsertBlock(ctx context.Context, b *store.Block) error {
	row := blockToRow(b)
	var existing blockRow
	err := s.db.Where("hash = ?", b.Hash).First(&existing).Error
	if gorm.IsRecordNotFoundError(err) {
		return s.db.Create(&row).Error
	}
	if err != nil {
		return err
	}
	if existing.Connected {
		row.Connected = true
	}
	if !existing.FirstSeenAt.IsZero() {
		row.FirstSeenAt = existing.FirstSeenAt
		row.FirstSeenBy = existing.FirstSeenBy
	}
	if existing.TxIDs != "" && row.TxIDs == "" {
		row.TxIDs = existing.TxIDs
	}
	return s.db.Model(&blockRow{}).Where("hash = ?", b.Hash).Updates(row).Error
}

func (s *Store) SetBlockConnected(ctx context.Context, hash string, connected bool) error {
	if !connected {
		return s.db.Model(&blockRow{}).Where("hash = ? AND connected = ?", hash, false).Update("connected", false).Error
	}
	return s.db.Model(&blockRow{}).Where("hash = ?", hash).Update("connected", true).Error
}

func (s *Store) ListBlocksAtHeight(ctx context.Context, height int64) ([]*store.Block, error) {
	var rows []blockRow
	if err := s.db.Where("height = ?", height).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*store.Block, len(rows))
	for i, r := range rows {
		out[i] = blockFromRow(r)
	}
	return out, nil
}

func (s *Store) MaxHeight(ctx context.Context) (int64, error) {
	var max struct{ Height int64 }
	err := s.db.Model(&blockRow{}).Select("COALESCE(MAX(height), 0) as height").Scan(&max).Error
	return max.Height, err
}

func blockFromRow(r blockRow) *store.Block {
	var txids []string
	if r.TxIDs != "" {
		txids = strings.Split(r.TxIDs, ",")
	}
	return &store.Block{
		Hash: r.Hash, Height: r.Height, ParentHash: r.ParentHash, Connected: r.Connected,
		HeadersOnly: r.HeadersOnly, FirstSeenBy: r.FirstSeenBy, Work: r.Work,
		PoolName: r.PoolName, Coinbase: r.Coinbase, TxIDs: txids, TotalFee: r.TotalFee,
		FirstSeenAt: r.FirstSeenAt,
	}
}

func blockToRow(b *store.Block) blockRow {
	firstSeenAt := b.FirstSeenAt
	if firstSeenAt.IsZero() {
		firstSeenAt = time.Now()
	}
	return blockRow{
		Hash: b.Hash, Height: b.Height, ParentHash: b.ParentHash, Connected: b.Connected,
		HeadersOnly: b.HeadersOnly, FirstSeenBy: b.FirstSeenBy, Work: b.Work,
		PoolName: b.PoolName, Coinbase: b.Coinbase, TxIDs: strings.Join(b.TxIDs, ","),
		TotalFee: b.TotalFee, FirstSeenAt: firstSeenAt,
	}
}

// -- Chaintip --

func (s *Store) UpsertChaintip(ctx context.Context, t *store.Chaintip) (*store.Chaintip, error) {
	if t.Status == store.StatusActive {
		var existing chaintipRow
		err := s.db.Where("node_id = ? AND status = ?", t.NodeID, string(store.StatusActive)).First(&existing).Error
		if err == nil {
			existing.BlockHash = t.BlockHash
			existing.Height = t.Height
			existing.UpdatedAt = t.UpdatedAt
			if err := s.db.Save(&existing).Error; err != nil {
				return nil, err
			}
			return chaintipFromRow(existing), nil
		}
		if !gorm.IsRecordNotFoundError(err) {
			return nil, err
		}
	} else {
		var existing chaintipRow
		err := s.db.Where("node_id = ? AND status = ? AND block_hash = ?", t.NodeID, string(t.Status), t.BlockHash).First(&existing).Error
		if err == nil {
			existing.UpdatedAt = t.UpdatedAt
			if err := s.db.Save(&existing).Error; err != nil {
				return nil, err
			}
			return chaintipFromRow(existing), nil
		}
		if !gorm.IsRecordNotFoundError(err) {
			return nil, err
		}
	}

	row := chaintipToRow(t)
	if err := s.db.Create(&row).Error; err != nil {
		return nil, err
	}
	return chaintipFromRow(row), nil
}

func (s *Store) GetActiveChaintip(ctx context.Context, nodeID int64) (*store.Chaintip, bool, error) {
	var r chaintipRow
	err := s.db.Where("node_id = ? AND status = ?", nodeID, string(store.StatusActive)).First(&r).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return chaintipFromRow(r), true, nil
}

func (s *Store) ListChaintips(ctx context.Context, f store.ChaintipFilter) ([]*store.Chaintip, error) {
	q := s.db.Model(&chaintipRow{})
	if len(f.Status) > 0 {
		statuses := make([]string, len(f.Status))
		for i, st := range f.Status {
			statuses[i] = string(st)
		}
		q = q.Where("status in (?)", statuses)
	}
	if f.HasMinHeight {
		q = q.Where("height >= ?", f.MinHeight)
	}
	if f.HasParentNullFilter {
		if f.ParentChaintipNull {
			q = q.Where("parent_id IS NULL")
		} else {
			q = q.Where("parent_id IS NOT NULL")
		}
	}
	if f.HasExcludeNodeID {
		q = q.Where("node_id <> ?", f.ExcludeNodeID)
	}
	var rows []chaintipRow
	if err := q.Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*store.Chaintip, len(rows))
	for i, r := range rows {
		out[i] = chaintipFromRow(r)
	}
	return out, nil
}

func (s *Store) SetParentChaintip(ctx context.Context, chaintipID int64, parentID *int64) error {
	return s.db.Model(&chaintipRow{}).Where("id = ?", chaintipID).Update("parent_id", parentID).Error
}

func (s *Store) ListChaintipsByParent(ctx context.Context, parentChaintipID int64) ([]*store.Chaintip, error) {
	var rows []chaintipRow
	if err := s.db.Where("parent_id = ?", parentChaintipID).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*store.Chaintip, len(rows))
	for i, r := range rows {
		out[i] = chaintipFromRow(r)
	}
	return out, nil
}

func chaintipFromRow(r chaintipRow) *store.Chaintip {
	return &store.Chaintip{
		ID: r.ID, NodeID: r.NodeID, BlockHash: r.BlockHash, Height: r.Height,
		Status: store.ChainTipStatus(r.Status), ParentChaintipID: r.ParentID,
		ParentBlockHash: r.ParentBlockHash, UpdatedAt: r.UpdatedAt,
	}
}

func chaintipToRow(t *store.Chaintip) chaintipRow {
	return chaintipRow{
		ID: t.ID, NodeID: t.NodeID, BlockHash: t.BlockHash, Height: t.Height,
		Status: string(t.Status), ParentID: t.ParentChaintipID,
		ParentBlockHash: t.ParentBlockHash, UpdatedAt: t.UpdatedAt,
	}
}

// -- ValidBy / InvalidBy --

func (s *Store) MarkValidBy(ctx context.Context, blockHash string, nodeID int64, at time.Time) error {
	row := validByRow{BlockHash: blockHash, NodeID: nodeID, CreatedAt: at}
	if err := s.db.Create(&row).Error; err != nil && !isDuplicateErr(err) {
		return err
	}
	return nil
}

func (s *Store) MarkInvalidBy(ctx context.Context, blockHash string, nodeID int64, at time.Time) error {
	row := invalidByRow{BlockHash: blockHash, NodeID: nodeID, CreatedAt: at}
	if err := s.db.Create(&row).Error; err != nil && !isDuplicateErr(err) {
		return err
	}
	return nil
}

func (s *Store) IsValidBy(ctx context.Context, blockHash string, nodeID int64) (bool, error) {
	var count int
	err := s.db.Model(&validByRow{}).Where("block_hash = ? AND node_id = ?", blockHash, nodeID).Count(&count).Error
	return count > 0, err
}

func (s *Store) IsInvalidBy(ctx context.Context, blockHash string, nodeID int64) (bool, error) {
	var count int
	err := s.db.Model(&invalidByRow{}).Where("block_hash = ? AND node_id = ?", blockHash, nodeID).Count(&count).Error
	return count > 0, err
}

func (s *Store) ListInvalidByAtOrAbove(ctx context.Context, minHeight int64) ([]*store.InvalidBy, error) {
	var rows []invalidByRow
	err := s.db.Table("invalid_blocks").
		Joins("JOIN blocks ON blocks.hash = invalid_blocks.block_hash").
		Where("blocks.height >= ?", minHeight).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*store.InvalidBy, len(rows))
	for i, r := range rows {
		out[i] = &store.InvalidBy{BlockHash: r.BlockHash, NodeID: r.NodeID, CreatedAt: r.CreatedAt}
	}
	return out, nil
}

func (s *Store) ListInvalidByForBlock(ctx context.Context, blockHash string) ([]*store.InvalidBy, error) {
	var rows []invalidByRow
	if err := s.db.Where("block_hash = ?", blockHash).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*store.InvalidBy, len(rows))
	for i, r := range rows {
		out[i] = &store.InvalidBy{BlockHash: r.BlockHash, NodeID: r.NodeID, CreatedAt: r.CreatedAt}
	}
	return out, nil
}

func (s *Store) ListConsensusSplits(ctx context.Context, since time.Time) ([]store.ConsensusSplit, error) {
	var validHashes []string
	if err := s.db.Model(&validByRow{}).Pluck("DISTINCT block_hash", &validHashes).Error; err != nil {
		return nil, err
	}

	var out []store.ConsensusSplit
	for _, hash := range validHashes {
		var invalids []invalidByRow
		if err := s.db.Where("block_hash = ?", hash).Order("created_at asc").Find(&invalids).Error; err != nil {
			return nil, err
		}
		if len(invalids) == 0 {
			continue
		}
		earliest := invalids[0]
		if earliest.CreatedAt.Before(since) {
			continue
		}
		var published consensusPublishedRow
		err := s.db.Where("block_hash = ?", hash).First(&published).Error
		if err == nil {
			continue
		}
		if !gorm.IsRecordNotFoundError(err) {
			return nil, err
		}
		out = append(out, store.ConsensusSplit{
			BlockHash: hash, EarliestInvalidatingNode: earliest.NodeID, EarliestInvalidAt: earliest.CreatedAt,
		})
	}
	return out, nil
}

func (s *Store) MarkConsensusSplitPublished(ctx context.Context, blockHash string) error {
	return s.db.Create(&consensusPublishedRow{BlockHash: blockHash}).Error
}

// -- StaleCandidate / StaleCandidateChild --

func (s *Store) UpsertStaleCandidate(ctx context.Context, height int64, nChildren int) (*store.StaleCandidate, error) {
	var existing staleCandidateRow
	err := s.db.Where("height = ?", height).First(&existing).Error
	if gorm.IsRecordNotFoundError(err) {
		row := staleCandidateRow{Height: height, NChildren: nChildren}
		if err := s.db.Create(&row).Error; err != nil {
			return nil, err
		}
		return staleCandidateFromRow(row), nil
	}
	if err != nil {
		return nil, err
	}
	existing.NChildren = nChildren
	if err := s.db.Save(&existing).Error; err != nil {
		return nil, err
	}
	return staleCandidateFromRow(existing), nil
}

func (s *Store) GetStaleCandidate(ctx context.Context, height int64) (*store.StaleCandidate, bool, error) {
	var r staleCandidateRow
	err := s.db.Where("height = ?", height).First(&r).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return staleCandidateFromRow(r), true, nil
}

func (s *Store) ListLiveStaleCandidates(ctx context.Context, minHeight, maxHeight int64) ([]*store.StaleCandidate, error) {
	var rows []staleCandidateRow
	err := s.db.Where("height >= ? AND height <= ?", minHeight, maxHeight).Order("height desc").Find(&rows).Error
	if err != nil {
		return nil, err
	}
	out := make([]*store.StaleCandidate, len(rows))
	for i, r := range rows {
		out[i] = staleCandidateFromRow(r)
	}
	return out, nil
}

func staleCandidateFromRow(r staleCandidateRow) *store.StaleCandidate {
	return &store.StaleCandidate{
		Height: r.Height, NChildren: r.NChildren,
		ConfirmedInOneBranchTotal: r.ConfirmedInOneBranchTotal, DoubleSpentInOneBranchTotal: r.DoubleSpentInOneBranchTotal,
		RbfTotal: r.RbfTotal, HeightProcessed: r.HeightProcessed, MissingTransactions: r.MissingTransactions,
	}
}

func (s *Store) DeleteStaleCandidateChildren(ctx context.Context, height int64) error {
	return s.db.Where("candidate_height = ?", height).Delete(&staleCandidateChildRow{}).Error
}

func (s *Store) InsertStaleCandidateChild(ctx context.Context, c *store.StaleCandidateChild) error {
	row := staleCandidateChildRow{
		CandidateHeight: c.CandidateHeight, RootHash: c.RootHash, TipHash: c.TipHash, Length: c.Length, Work: c.Work,
	}
	return s.db.Create(&row).Error
}

func (s *Store) ListStaleCandidateChildren(ctx context.Context, height int64) ([]*store.StaleCandidateChild, error) {
	var rows []staleCandidateChildRow
	if err := s.db.Where("candidate_height = ?", height).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*store.StaleCandidateChild, len(rows))
	for i, r := range rows {
		out[i] = &store.StaleCandidateChild{
			CandidateHeight: r.CandidateHeight, RootHash: r.RootHash, TipHash: r.TipHash, Length: r.Length, Work: r.Work,
		}
	}
	return out, nil
}

func (s *Store) SetCandidateMissingTransactions(ctx context.Context, height int64, missing bool) error {
	return s.db.Model(&staleCandidateRow{}).Where("height = ?", height).Update("missing_transactions", missing).Error
}

func (s *Store) UpdateCandidateTotals(ctx context.Context, height int64, confirmed, doubleSpent, rbf float64) error {
	return s.db.Model(&staleCandidateRow{}).Where("height = ?", height).Updates(map[string]interface{}{
		"confirmed_in_one_branch_total":    confirmed,
		"double_spent_in_one_branch_total": doubleSpent,
		"rbf_total":                        rbf,
		"height_processed":                 true,
	}).Error
}

func (s *Store) ClearCandidateClassification(ctx context.Context, height int64) error {
	if err := s.db.Where("candidate_height = ?", height).Delete(&doubleSpentByRow{}).Error; err != nil {
		return err
	}
	if err := s.db.Where("candidate_height = ?", height).Delete(&rbfByRow{}).Error; err != nil {
		return err
	}
	return s.db.Model(&staleCandidateRow{}).Where("height = ?", height).Updates(map[string]interface{}{
		"confirmed_in_one_branch_total": 0, "double_spent_in_one_branch_total": 0, "rbf_total": 0,
	}).Error
}

// -- Transaction --

func (s *Store) GetTransaction(ctx context.Context, blockHash, txid string) (*store.Transaction, bool, error) {
	var r transactionRow
	err := s.db.Where("block_hash = ? AND tx_id = ?", blockHash, txid).First(&r).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return transactionFromRow(r), true, nil
}

func (s *Store) UpsertTransaction(ctx context.Context, t *store.Transaction) error {
	row, err := transactionToRow(t)
	if err != nil {
		return err
	}
	var existing transactionRow
	err = s.db.Where("block_hash = ? AND tx_id = ?", t.BlockHash, t.TxID).First(&existing).Error
	if gorm.IsRecordNotFoundError(err) {
		return s.db.Create(&row).Error
	}
	if err != nil {
		return err
	}
	return s.db.Model(&transactionRow{}).Where("block_hash = ? AND tx_id = ?", t.BlockHash, t.TxID).Updates(row).Error
}

func (s *Store) ListTransactionsForBlock(ctx context.Context, blockHash string) ([]*store.Transaction, error) {
	var rows []transactionRow
	if err := s.db.Where("block_hash = ?", blockHash).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*store.Transaction, len(rows))
	for i, r := range rows {
		out[i] = transactionFromRow(r)
	}
	return out, nil
}

func (s *Store) HasTransactions(ctx context.Context, blockHash string) (bool, error) {
	var count int
	err := s.db.Model(&transactionRow{}).Where("block_hash = ?", blockHash).Count(&count).Error
	return count > 0, err
}

func transactionFromRow(r transactionRow) *store.Transaction {
	t := &store.Transaction{
		BlockHash: r.BlockHash, TxID: r.TxID, IsCoinbase: r.IsCoinbase, Hex: r.Hex,
		Amount: r.Amount, Address: r.Address, Swept: r.Swept,
	}
	_ = json.Unmarshal([]byte(r.VinJSON), &t.Vin)
	_ = json.Unmarshal([]byte(r.VoutJSON), &t.Vout)
	return t
}

func transactionToRow(t *store.Transaction) (transactionRow, error) {
	vin, err := json.Marshal(t.Vin)
	if err != nil {
		return transactionRow{}, err
	}
	vout, err := json.Marshal(t.Vout)
	if err != nil {
		return transactionRow{}, err
	}
	return transactionRow{
		BlockHash: t.BlockHash, TxID: t.TxID, IsCoinbase: t.IsCoinbase, Hex: t.Hex,
		Amount: t.Amount, Address: t.Address, Swept: t.Swept,
		VinJSON: string(vin), VoutJSON: string(vout),
	}, nil
}

// -- DoubleSpentBy / RbfBy --

func (s *Store) InsertDoubleSpentBy(ctx context.Context, d *store.DoubleSpentBy) error {
	return s.db.Create(&doubleSpentByRow{CandidateHeight: d.CandidateHeight, TxID: d.TxID, ByTxID: d.ByTxID}).Error
}

func (s *Store) InsertRbfBy(ctx context.Context, r *store.RbfBy) error {
	return s.db.Create(&rbfByRow{CandidateHeight: r.CandidateHeight, TxID: r.TxID, ByTxID: r.ByTxID}).Error
}

func (s *Store) ListDoubleSpentBy(ctx context.Context, height int64) ([]*store.DoubleSpentBy, error) {
	var rows []doubleSpentByRow
	if err := s.db.Where("candidate_height = ?", height).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*store.DoubleSpentBy, len(rows))
	for i, r := range rows {
		out[i] = &store.DoubleSpentBy{CandidateHeight: r.CandidateHeight, TxID: r.TxID, ByTxID: r.ByTxID}
	}
	return out, nil
}

func (s *Store) ListRbfBy(ctx context.Context, height int64) ([]*store.RbfBy, error) {
	var rows []rbfByRow
	if err := s.db.Where("candidate_height = ?", height).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*store.RbfBy, len(rows))
	for i, r := range rows {
		out[i] = &store.RbfBy{CandidateHeight: r.CandidateHeight, TxID: r.TxID, ByTxID: r.ByTxID}
	}
	return out, nil
}

// -- Lag --

func (s *Store) GetOpenLag(ctx context.Context, nodeID int64) (*store.Lag, bool, error) {
	var r lagRow
	err := s.db.Where("node_id = ? AND deleted_at IS NULL", nodeID).Order("created_at desc").First(&r).Error
	if gorm.IsRecordNotFoundError(err) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return lagFromRow(r), true, nil
}

func (s *Store) OpenLag(ctx context.Context, nodeID int64, at time.Time) error {
	open, found, err := s.GetOpenLag(ctx, nodeID)
	if err != nil {
		return err
	}
	if found {
		_ = open
		return nil
	}
	return s.db.Create(&lagRow{NodeID: nodeID, CreatedAt: at, UpdatedAt: at}).Error
}

func (s *Store) ExtendLag(ctx context.Context, nodeID int64, at time.Time) error {
	return s.db.Model(&lagRow{}).Where("node_id = ? AND deleted_at IS NULL", nodeID).Update("updated_at", at).Error
}

func (s *Store) CloseLag(ctx context.Context, nodeID int64, at time.Time) error {
	return s.db.Model(&lagRow{}).Where("node_id = ? AND deleted_at IS NULL", nodeID).
		Updates(map[string]interface{}{"deleted_at": at, "updated_at": at}).Error
}

func lagFromRow(r lagRow) *store.Lag {
	return &store.Lag{ID: r.ID, NodeID: r.NodeID, CreatedAt: r.CreatedAt, UpdatedAt: r.UpdatedAt, DeletedAt: r.DeletedAt}
}

// -- WatchedAddress / TransactionAddress --

func (s *Store) ListWatchedAddresses(ctx context.Context, now time.Time) ([]*store.WatchedAddress, error) {
	var rows []watchedAddressRow
	if err := s.db.Where("watch_until > ?", now).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]*store.WatchedAddress, len(rows))
	for i, r := range rows {
		out[i] = &store.WatchedAddress{Address: r.Address, WatchUntil: r.WatchUntil}
	}
	return out, nil
}

func (s *Store) InsertTransactionAddress(ctx context.Context, ta *store.TransactionAddress) error {
	row := transactionAddressRow{
		BlockHash: ta.BlockHash, TxID: ta.TxID, Sending: ta.Sending, Receiving: ta.Receiving,
		Satoshis: ta.Satoshis, SendingVout: ta.SendingVout, CreatedAt: ta.CreatedAt, NotifiedAt: ta.NotifiedAt,
	}
	return s.db.Create(&row).Error
}

// WithTx runs fn inside a single gorm transaction, retrying on a
// StorageConflict with at most 3 attempts in all and no delay between
// them, after the teacher's ChainDataFetcher.retryFunc loop idiom.
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Store) error) error {
	const maxAttempts = 3
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		tx := s.db.Begin()
		if tx.Error != nil {
			return tx.Error
		}
		txStore := newFromDB(tx)
		if err := fn(ctx, txStore); err != nil {
			tx.Rollback()
			if errs.Is(err, errs.KindStorageConflict) {
				lastErr = err
				logger.Debug("retrying transaction after storage conflict", "attempt", attempt+1)
				continue
			}
			return err
		}
		if err := tx.Commit().Error; err != nil {
			lastErr = errs.StorageConflict("commit failed", err)
			continue
		}
		return nil
	}
	return lastErr
}

func isDuplicateErr(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "duplicate")
}
