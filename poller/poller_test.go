package poller

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkscanner/forkscanner/config"
	"github.com/forkscanner/forkscanner/node"
	"github.com/forkscanner/forkscanner/notify"
	"github.com/forkscanner/forkscanner/store"
	"github.com/forkscanner/forkscanner/store/memstore"
)

func testCfg() *config.Config {
	cfg := config.DefaultConfig
	cfg.LagBlocks = 2
	return &cfg
}

type fakeClient struct {
	bestHash    string
	info        *node.BlockchainInfo
	tips        []node.ChainTip
	peers       []node.PeerInfo
	unreachable bool
}

func (c *fakeClient) GetBestBlockHash(ctx context.Context) (string, error) {
	if c.unreachable {
		return "", assertUnreachable
	}
	return c.bestHash, nil
}

func (c *fakeClient) GetBlockchainInfo(ctx context.Context) (*node.BlockchainInfo, error) {
	return c.info, nil
}

func (c *fakeClient) GetChainTips(ctx context.Context) ([]node.ChainTip, error) { return c.tips, nil }

func (c *fakeClient) GetPeerInfo(ctx context.Context) ([]node.PeerInfo, error) { return c.peers, nil }

type unreachableErr struct{}

func (unreachableErr) Error() string { return "connection refused" }

var assertUnreachable = unreachableErr{}

// TestPollAllSkipsUnreachableNode exercises the reachability probe: a node
// whose getbestblockhash call fails is marked unreachable and excluded from
// reconciliation this tick (spec.md §4.1).
func TestPollAllSkipsUnreachableNode(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	st.SeedNode(&store.Node{ID: 1, Enabled: true})

	client := &fakeClient{unreachable: true}
	p := New(st, testCfg(), notify.New(), map[int64]Client{1: client})

	results, err := p.PollAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].Unreachable)
	assert.True(t, results[0].Skipped)

	n, err := st.GetNode(ctx, 1)
	require.NoError(t, err)
	assert.NotNil(t, n.UnreachableSince)
}

// TestPollAllSkipsNodeInIBD ensures a node still doing initial block
// download is flagged IBD and excluded this tick (spec.md §4.1).
func TestPollAllSkipsNodeInIBD(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	st.SeedNode(&store.Node{ID: 1, Enabled: true})

	client := &fakeClient{
		bestHash: "tip",
		info:     &node.BlockchainInfo{Blocks: 100, Headers: 200},
	}
	p := New(st, testCfg(), notify.New(), map[int64]Client{1: client})

	results, err := p.PollAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].IBD)
	assert.True(t, results[0].Skipped)
}

// TestPollAllReturnsTipsForHealthyNode covers the normal path: a reachable,
// synced node's chaintips/peers are captured and it is not skipped.
func TestPollAllReturnsTipsForHealthyNode(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	st.SeedNode(&store.Node{ID: 1, Enabled: true})

	tips := []node.ChainTip{{Hash: "tip", Height: 100, Status: node.StatusActive}}
	client := &fakeClient{
		bestHash: "tip",
		info:     &node.BlockchainInfo{Blocks: 100, Headers: 100},
		tips:     tips,
		peers:    []node.PeerInfo{{ID: 1, Addr: "peer1"}},
	}
	p := New(st, testCfg(), notify.New(), map[int64]Client{1: client})

	results, err := p.PollAll(ctx)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].Skipped)
	assert.Equal(t, tips, results[0].Tips)
	assert.Len(t, results[0].Peers, 1)
}

// TestDetectLagOpensAndClosesLagRows exercises spec.md §8 scenario 5: a
// node whose active tip is behind the global tip by at least LAG_BLOCKS and
// has less accumulated work gets a Lag row opened, and a caught-up node has
// its Lag row closed.
func TestDetectLagOpensAndClosesLagRows(t *testing.T) {
	st := memstore.New()
	ctx := context.Background()
	feeds := notify.New()
	p := New(st, testCfg(), feeds, map[int64]Client{})

	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "global", Height: 100, Work: "100"}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "behind", Height: 97, Work: "50"}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "caughtup", Height: 100, Work: "100"}))

	st.SeedNode(&store.Node{ID: 1, Enabled: true, Name: "laggy"})
	st.SeedNode(&store.Node{ID: 2, Enabled: true, Name: "synced"})

	_, err := st.UpsertChaintip(ctx, &store.Chaintip{NodeID: 1, BlockHash: "behind", Height: 97, Status: store.StatusActive})
	require.NoError(t, err)
	_, err = st.UpsertChaintip(ctx, &store.Chaintip{NodeID: 2, BlockHash: "caughtup", Height: 100, Status: store.StatusActive})
	require.NoError(t, err)

	globalBlock, found, err := st.GetBlock(ctx, "global")
	require.NoError(t, err)
	require.True(t, found)

	ch := make(chan interface{}, 1)
	feeds.LaggingNodes.Subscribe(ch)

	results := []Result{{NodeID: 1}, {NodeID: 2}}
	lagging, err := p.DetectLag(ctx, results, globalBlock)
	require.NoError(t, err)
	assert.True(t, lagging[1])
	assert.False(t, lagging[2])

	open, found, err := st.GetOpenLag(ctx, 1)
	require.NoError(t, err)
	require.True(t, found)
	assert.NotNil(t, open)

	_, found, err = st.GetOpenLag(ctx, 2)
	require.NoError(t, err)
	assert.False(t, found)

	select {
	case ev := <-ch:
		le, ok := ev.(notify.LaggingNodesEvent)
		require.True(t, ok)
		require.Len(t, le.Nodes, 1)
		assert.Equal(t, int64(1), le.Nodes[0].ID)
	default:
		t.Fatal("expected a lagging_nodes event")
	}
}
