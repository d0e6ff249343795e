package doublespend

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkscanner/forkscanner/config"
	"github.com/forkscanner/forkscanner/node"
	"github.com/forkscanner/forkscanner/store"
	"github.com/forkscanner/forkscanner/store/memstore"
)

func testCfg() *config.Config {
	cfg := config.DefaultConfig
	cfg.DoublespendRange = 30
	return &cfg
}

type fakeFetcher struct {
	blocks map[string]*node.Block
}

func newFakeFetcher() *fakeFetcher { return &fakeFetcher{blocks: map[string]*node.Block{}} }

func (f *fakeFetcher) GetBlock(ctx context.Context, hash string, verbosity int) (*node.Block, error) {
	b, ok := f.blocks[hash]
	if !ok {
		return nil, assertNotFoundErr
	}
	return b, nil
}

type notFoundErr struct{}

func (notFoundErr) Error() string { return "not found" }

var assertNotFoundErr = notFoundErr{}

// setupCandidate seeds a height-10 stale candidate with two branches:
// "short" (root->a) and "long" (root->b->b2), and registers their blocks.
func setupCandidate(t *testing.T, st *memstore.Store, ctx context.Context) {
	t.Helper()
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "root", Height: 9, FirstSeenBy: 1}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "a", ParentHash: "root", Height: 10, Work: "5", FirstSeenBy: 1}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "b", ParentHash: "root", Height: 10, Work: "6", FirstSeenBy: 1}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "b2", ParentHash: "b", Height: 11, Work: "7", FirstSeenBy: 1}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "padding", Height: 20}))

	_, err := st.UpsertStaleCandidate(ctx, 10, 2)
	require.NoError(t, err)
	require.NoError(t, st.InsertStaleCandidateChild(ctx, &store.StaleCandidateChild{CandidateHeight: 10, RootHash: "a", TipHash: "a", Length: 1, Work: "5"}))
	require.NoError(t, st.InsertStaleCandidateChild(ctx, &store.StaleCandidateChild{CandidateHeight: 10, RootHash: "b", TipHash: "b2", Length: 2, Work: "7"}))
}

func blockWithTxs(hash, prevHash string, txs ...node.RawTransaction) *node.Block {
	return &node.Block{BlockHeader: node.BlockHeader{Hash: hash, PreviousHash: prevHash}, Tx: txs}
}

func coinbaseTx(txid string) node.RawTransaction {
	return node.RawTransaction{TxID: txid, Vin: []node.RawVin{{Coinbase: "04deadbeef"}}}
}

func spendTx(txid, prevTxID string, prevVout uint32, scriptHex string) node.RawTransaction {
	return node.RawTransaction{
		TxID: txid,
		Vin:  []node.RawVin{{TxID: prevTxID, Vout: prevVout}},
		Vout: []node.RawVout{{Value: 1.0, N: 0, ScriptPubKey: node.ScriptPubKey{Hex: scriptHex}}},
	}
}

// TestClassifyFindsDoubleSpend exercises spec.md §8 scenario 3: the same
// outpoint is spent by two non-matching transactions on each branch.
func TestClassifyFindsDoubleSpend(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	setupCandidate(t, st, ctx)

	fetcher := newFakeFetcher()
	fetcher.blocks["a"] = blockWithTxs("a", "root", coinbaseTx("cb-a"), spendTx("tx-a", "prevout-tx", 0, "scriptA"))
	fetcher.blocks["b"] = blockWithTxs("b", "root", coinbaseTx("cb-b"), spendTx("tx-b", "prevout-tx", 0, "scriptB"))
	fetcher.blocks["b2"] = blockWithTxs("b2", "b", coinbaseTx("cb-b2"))

	resolve := func(nodeID int64) (BlockFetcher, bool) { return fetcher, true }
	c := New(st, testCfg(), resolve)

	require.NoError(t, c.classify(ctx, 10))

	ds, err := st.ListDoubleSpentBy(ctx, 10)
	require.NoError(t, err)
	require.Len(t, ds, 1)
	assert.Equal(t, "tx-a", ds[0].TxID)
	assert.Equal(t, "tx-b", ds[0].ByTxID)

	rbf, err := st.ListRbfBy(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, rbf)
}

// TestClassifyFindsRBF exercises spec.md §8 scenario 4: the same outpoint is
// spent by transactions with identical output scripts (a fee bump), which
// must be classified as RBF rather than a double-spend.
func TestClassifyFindsRBF(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	setupCandidate(t, st, ctx)

	fetcher := newFakeFetcher()
	fetcher.blocks["a"] = blockWithTxs("a", "root", coinbaseTx("cb-a"), spendTx("tx-a", "prevout-tx", 0, "samescript"))
	fetcher.blocks["b"] = blockWithTxs("b", "root", coinbaseTx("cb-b"), spendTx("tx-b", "prevout-tx", 0, "samescript"))
	fetcher.blocks["b2"] = blockWithTxs("b2", "b", coinbaseTx("cb-b2"))

	resolve := func(nodeID int64) (BlockFetcher, bool) { return fetcher, true }
	c := New(st, testCfg(), resolve)

	require.NoError(t, c.classify(ctx, 10))

	rbf, err := st.ListRbfBy(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rbf, 1)
	assert.Equal(t, "tx-a", rbf[0].TxID)
	assert.Equal(t, "tx-b", rbf[0].ByTxID)

	ds, err := st.ListDoubleSpentBy(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ds)
}

// TestClassifyMarksMissingTransactionsWhenIncomplete ensures classification
// is withheld and missing_transactions is flagged when a branch block
// within DOUBLESPEND_RANGE can't be hydrated (spec.md §4.4 step 1).
func TestClassifyMarksMissingTransactionsWhenIncomplete(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	setupCandidate(t, st, ctx)

	fetcher := newFakeFetcher()
	// "a" is never registered with the fetcher, so hydration fails for it.
	fetcher.blocks["b"] = blockWithTxs("b", "root", coinbaseTx("cb-b"))
	fetcher.blocks["b2"] = blockWithTxs("b2", "b", coinbaseTx("cb-b2"))

	resolve := func(nodeID int64) (BlockFetcher, bool) { return fetcher, true }
	c := New(st, testCfg(), resolve)

	require.NoError(t, c.classify(ctx, 10))

	cand, found, err := st.GetStaleCandidate(ctx, 10)
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, cand.MissingTransactions)

	ds, err := st.ListDoubleSpentBy(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, ds, "classification must not run while transactions are missing")
}

// TestOutpointMapSkipsCoinbase ensures coinbase inputs never participate in
// conflict detection (spec.md §4.4 step 4).
func TestOutpointMapSkipsCoinbase(t *testing.T) {
	txs := map[string]*store.Transaction{
		"cb": {TxID: "cb", IsCoinbase: true, Vin: []store.TxIn{{PrevTxID: "", PrevVout: 0, IsCoinbase: true}}},
	}
	m := outpointMap(txs)
	assert.Empty(t, m)
}
