package reconciler

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkscanner/forkscanner/config"
	"github.com/forkscanner/forkscanner/node"
	"github.com/forkscanner/forkscanner/notify"
	"github.com/forkscanner/forkscanner/store"
	"github.com/forkscanner/forkscanner/store/memstore"
)

var zeroHash = strings.Repeat("0", 64)

type fakeFetcher struct {
	headers map[string]*node.BlockHeader
}

func newFakeFetcher() *fakeFetcher { return &fakeFetcher{headers: map[string]*node.BlockHeader{}} }

func (f *fakeFetcher) add(hash, parent string, height int64, work string) {
	f.headers[hash] = &node.BlockHeader{Hash: hash, Height: height, PreviousHash: parent, ChainWork: work}
}

func (f *fakeFetcher) GetBlockHeader(ctx context.Context, hash string) (*node.BlockHeader, error) {
	h, ok := f.headers[hash]
	if !ok {
		return nil, assertNotFoundErr
	}
	return h, nil
}

var assertNotFoundErr = errUnknownHash{}

type errUnknownHash struct{}

func (errUnknownHash) Error() string { return "unknown hash" }

func testCfg() *config.Config {
	cfg := config.DefaultConfig
	cfg.MaxDepth = 5
	return &cfg
}

// ingestActive no longer publishes feeds.ActiveFork itself -- the global
// tip is computed and published once per tick by the engine, off every
// node's reconciled view rather than any single node's active-tip change
// (spec.md §4.2, §1). That publish path is exercised by
// engine.TestPublishGlobalTipOnlyOnChange; this test covers the store
// mutations ingestActive is still responsible for.
func TestIngestActiveUpdatesChaintipState(t *testing.T) {
	st := memstore.New()
	r := New(st, testCfg(), notify.New())
	ctx := context.Background()

	fetcher := newFakeFetcher()
	fetcher.add("genesis", zeroHash, 0, "1")
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "genesis", ParentHash: zeroHash, Height: 0, Connected: true}))

	fetcher.add("b1", "genesis", 1, "2")
	require.NoError(t, r.IngestNode(ctx, 1, fetcher, []node.ChainTip{{Hash: "b1", Height: 1, Status: node.StatusActive}}))

	tip, found, err := st.GetActiveChaintip(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "b1", tip.BlockHash)

	valid, err := st.IsValidBy(ctx, "b1", 1)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestIngestActiveResetsOldChildrenParent(t *testing.T) {
	st := memstore.New()
	r := New(st, testCfg(), notify.New())
	ctx := context.Background()

	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "a", ParentHash: zeroHash, Height: 1}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "b", ParentHash: "a", Height: 2}))

	oldTip, err := st.UpsertChaintip(ctx, &store.Chaintip{NodeID: 1, BlockHash: "a", Height: 1, Status: store.StatusActive})
	require.NoError(t, err)
	child, err := st.UpsertChaintip(ctx, &store.Chaintip{NodeID: 2, BlockHash: "b", Height: 2, Status: store.StatusActive})
	require.NoError(t, err)
	require.NoError(t, st.SetParentChaintip(ctx, child.ID, &oldTip.ID))

	fetcher := newFakeFetcher()
	fetcher.add("c", "a", 1, "9")
	require.NoError(t, r.IngestNode(ctx, 1, fetcher, []node.ChainTip{{Hash: "c", Height: 1, Status: node.StatusActive}}))

	reloaded, err := st.ListChaintips(ctx, store.ChaintipFilter{})
	require.NoError(t, err)
	for _, c := range reloaded {
		if c.ID == child.ID {
			assert.Nil(t, c.ParentChaintipID, "former active tip's children must have parent_chaintip reset")
		}
	}
}

func TestIngestAncestorWalkPropagatesConnected(t *testing.T) {
	st := memstore.New()
	r := New(st, testCfg(), notify.New())
	ctx := context.Background()

	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "genesis", ParentHash: zeroHash, Height: 0, Connected: true}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "f1", ParentHash: "genesis", Height: 1}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "f2", ParentHash: "f1", Height: 2}))

	fetcher := newFakeFetcher()
	err := r.IngestNode(ctx, 1, fetcher, []node.ChainTip{{Hash: "f2", Height: 2, Status: node.StatusValidFork}})
	require.NoError(t, err)

	b1, found, err := st.GetBlock(ctx, "f1")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, b1.Connected)

	b2, found, err := st.GetBlock(ctx, "f2")
	require.NoError(t, err)
	require.True(t, found)
	assert.True(t, b2.Connected)

	valid, err := st.IsValidBy(ctx, "f2", 1)
	require.NoError(t, err)
	assert.True(t, valid)
}

func TestIngestAncestorWalkStopsAtMaxDepth(t *testing.T) {
	st := memstore.New()
	cfg := testCfg()
	cfg.MaxDepth = 1
	r := New(st, cfg, notify.New())
	ctx := context.Background()

	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "genesis", ParentHash: zeroHash, Height: 0, Connected: true}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "f1", ParentHash: "genesis", Height: 1}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "f2", ParentHash: "f1", Height: 2}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "f3", ParentHash: "f2", Height: 3}))

	err := r.IngestNode(ctx, 1, newFakeFetcher(), []node.ChainTip{{Hash: "f3", Height: 3, Status: node.StatusInvalid}})
	require.NoError(t, err)

	b3, found, err := st.GetBlock(ctx, "f3")
	require.NoError(t, err)
	require.True(t, found)
	assert.False(t, b3.Connected, "depth exceeded: connected propagation withheld this tick")

	invalid, err := st.IsInvalidBy(ctx, "f3", 1)
	require.NoError(t, err)
	assert.True(t, invalid, "marks stamped so far must stand even when depth is exceeded")
}

// TestSurgeryPassesStitchTwoNodeViews exercises match_children directly:
// node 1's active tip is an ancestor of node 2's, and match_children must
// set node 1's parent_chaintip to node 2's chaintip.
func TestSurgeryPassesStitchTwoNodeViews(t *testing.T) {
	st := memstore.New()
	r := New(st, testCfg(), notify.New())
	ctx := context.Background()

	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "genesis", ParentHash: zeroHash, Height: 0}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "a", ParentHash: "genesis", Height: 1}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "b", ParentHash: "a", Height: 2}))

	ancestorTip, err := st.UpsertChaintip(ctx, &store.Chaintip{NodeID: 1, BlockHash: "a", Height: 1, Status: store.StatusActive})
	require.NoError(t, err)
	childTip, err := st.UpsertChaintip(ctx, &store.Chaintip{NodeID: 2, BlockHash: "b", Height: 2, Status: store.StatusActive})
	require.NoError(t, err)

	require.NoError(t, r.RunSurgeryPasses(ctx))

	tips, err := st.ListChaintips(ctx, store.ChaintipFilter{})
	require.NoError(t, err)
	var found bool
	for _, tip := range tips {
		if tip.ID == ancestorTip.ID {
			found = true
			require.NotNil(t, tip.ParentChaintipID)
			assert.Equal(t, childTip.ID, *tip.ParentChaintipID)
		}
	}
	require.True(t, found)
}

func TestCheckParentResetsWhenInvalidBlockOnPath(t *testing.T) {
	st := memstore.New()
	r := New(st, testCfg(), notify.New())
	ctx := context.Background()

	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "genesis", ParentHash: zeroHash, Height: 0}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "a", ParentHash: "genesis", Height: 1}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "bad", ParentHash: "a", Height: 2}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "c", ParentHash: "bad", Height: 3}))

	parent, err := st.UpsertChaintip(ctx, &store.Chaintip{NodeID: 1, BlockHash: "a", Height: 1, Status: store.StatusActive})
	require.NoError(t, err)
	self, err := st.UpsertChaintip(ctx, &store.Chaintip{NodeID: 2, BlockHash: "c", Height: 3, Status: store.StatusActive})
	require.NoError(t, err)
	require.NoError(t, st.SetParentChaintip(ctx, self.ID, &parent.ID))

	_, err = st.UpsertChaintip(ctx, &store.Chaintip{NodeID: 3, BlockHash: "bad", Height: 2, Status: store.StatusInvalid})
	require.NoError(t, err)

	require.NoError(t, r.checkParent(ctx, self, 0))

	reloaded, err := st.ListChaintips(ctx, store.ChaintipFilter{})
	require.NoError(t, err)
	for _, tip := range reloaded {
		if tip.ID == self.ID {
			assert.Nil(t, tip.ParentChaintipID)
		}
	}
}

func TestGlobalActiveTipPrefersWorkThenHeight(t *testing.T) {
	st := memstore.New()
	r := New(st, testCfg(), notify.New())
	ctx := context.Background()

	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "low-work", Height: 10, Work: "5"}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "high-work", Height: 9, Work: "a"}))

	_, err := st.UpsertChaintip(ctx, &store.Chaintip{NodeID: 1, BlockHash: "low-work", Height: 10, Status: store.StatusActive})
	require.NoError(t, err)
	_, err = st.UpsertChaintip(ctx, &store.Chaintip{NodeID: 2, BlockHash: "high-work", Height: 9, Status: store.StatusActive})
	require.NoError(t, err)

	tip, block, err := r.GlobalActiveTip(ctx, nil)
	require.NoError(t, err)
	require.NotNil(t, tip)
	assert.Equal(t, "high-work", block.Hash, "higher chainwork must win even at a lower height")
}

func TestPublishInvalidConsensusSplitsOnlyOnce(t *testing.T) {
	st := memstore.New()
	feeds := notify.New()
	r := New(st, testCfg(), feeds)
	ctx := context.Background()

	ch := make(chan interface{}, 4)
	feeds.InvalidBlockCheck.Subscribe(ch)

	require.NoError(t, st.MarkValidBy(ctx, "split", 1, time.Now()))
	require.NoError(t, st.MarkInvalidBy(ctx, "split", 2, time.Now()))

	require.NoError(t, r.publishInvalidConsensusSplits(ctx))
	require.NoError(t, r.publishInvalidConsensusSplits(ctx))

	assert.Len(t, ch, 1, "a published split must not be re-emitted on a later tick")
}
