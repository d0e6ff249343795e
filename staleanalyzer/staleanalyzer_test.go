package staleanalyzer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkscanner/forkscanner/config"
	"github.com/forkscanner/forkscanner/notify"
	"github.com/forkscanner/forkscanner/store"
	"github.com/forkscanner/forkscanner/store/memstore"
)

func testCfg() *config.Config {
	cfg := config.DefaultConfig
	cfg.StaleWindow = 100
	return &cfg
}

// TestDetectCandidatesFindsHeightCollision exercises scenario 1 of spec.md
// §8: two blocks at the same height, one unambiguous parent, no InvalidBy
// entries -- a StaleCandidate must be upserted and a ForksEvent published.
func TestDetectCandidatesFindsHeightCollision(t *testing.T) {
	st := memstore.New()
	feeds := notify.New()
	a := New(st, testCfg(), feeds)
	ctx := context.Background()

	ch := make(chan interface{}, 1)
	feeds.Forks.Subscribe(ch)

	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "root", Height: 9, Work: "5"}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "a", ParentHash: "root", Height: 10, Work: "6"}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "b", ParentHash: "root", Height: 10, Work: "7"}))
	_, err := st.UpsertChaintip(ctx, &store.Chaintip{NodeID: 1, BlockHash: "a", Height: 10, Status: store.StatusActive})
	require.NoError(t, err)
	_, err = st.UpsertChaintip(ctx, &store.Chaintip{NodeID: 2, BlockHash: "b", Height: 10, Status: store.StatusActive})
	require.NoError(t, err)

	require.NoError(t, a.detectCandidates(ctx, 0, 10))

	cand, found, err := st.GetStaleCandidate(ctx, 10)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, 2, cand.NChildren)

	select {
	case ev := <-ch:
		fe, ok := ev.(notify.ForksEvent)
		require.True(t, ok)
		assert.Equal(t, int64(10), fe.Height)
	default:
		t.Fatal("expected a forks event to be published")
	}
}

// TestDetectCandidatesSkipsHeightWithInvalidBlock ensures a height with an
// InvalidBy entry never becomes a stale candidate (spec.md §4.3).
func TestDetectCandidatesSkipsHeightWithInvalidBlock(t *testing.T) {
	st := memstore.New()
	a := New(st, testCfg(), notify.New())
	ctx := context.Background()

	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "root", Height: 9}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "a", ParentHash: "root", Height: 10}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "bad", ParentHash: "root", Height: 10}))
	require.NoError(t, st.MarkInvalidBy(ctx, "bad", 1, time.Now()))

	require.NoError(t, a.detectCandidates(ctx, 0, 10))

	_, found, err := st.GetStaleCandidate(ctx, 10)
	require.NoError(t, err)
	assert.False(t, found)
}

// TestDetectCandidatesRequiresUnambiguousPrior ensures a height collision is
// only a stale candidate when the prior height has exactly one block.
func TestDetectCandidatesRequiresUnambiguousPrior(t *testing.T) {
	st := memstore.New()
	a := New(st, testCfg(), notify.New())
	ctx := context.Background()

	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "root1", Height: 9}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "root2", Height: 9}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "a", ParentHash: "root1", Height: 10}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "b", ParentHash: "root2", Height: 10}))

	require.NoError(t, a.detectCandidates(ctx, 0, 10))

	_, found, err := st.GetStaleCandidate(ctx, 10)
	require.NoError(t, err)
	assert.False(t, found, "ambiguous prior height must not seed a candidate")
}

// TestWalkCanonicalDescendantsPicksMaxWorkChild exercises branch
// reconstruction (spec.md §4.3 step 2): at each height, the max-work child
// wins ties, and length/tip accumulate along that path.
func TestWalkCanonicalDescendantsPicksMaxWorkChild(t *testing.T) {
	st := memstore.New()
	a := New(st, testCfg(), notify.New())
	ctx := context.Background()

	root := &store.Block{Hash: "root", Height: 10, Work: "a"}
	require.NoError(t, st.UpsertBlock(ctx, root))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "weak", ParentHash: "root", Height: 11, Work: "b"}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "strong", ParentHash: "root", Height: 11, Work: "c"}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "strong2", ParentHash: "strong", Height: 12, Work: "d"}))

	tip, length, err := a.walkCanonicalDescendants(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, "strong2", tip.Hash)
	assert.Equal(t, int64(3), length)
}

// TestRunRebuildsBranchesForLiveCandidates exercises the full Run() path:
// a detected candidate gets its StaleCandidateChild rows rebuilt and a
// ValidationChecksEvent published.
func TestRunRebuildsBranchesForLiveCandidates(t *testing.T) {
	st := memstore.New()
	feeds := notify.New()
	a := New(st, testCfg(), feeds)
	ctx := context.Background()

	ch := make(chan interface{}, 1)
	feeds.ValidationChecks.Subscribe(ch)

	height := int64(100)
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "root", Height: height - 1}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "a", ParentHash: "root", Height: height, Work: "5"}))
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "b", ParentHash: "root", Height: height, Work: "6"}))
	// Push MaxHeight comfortably past height+3 so the candidate is "live".
	require.NoError(t, st.UpsertBlock(ctx, &store.Block{Hash: "padding", Height: height + 10}))

	require.NoError(t, a.Run(ctx))

	children, err := st.ListStaleCandidateChildren(ctx, height)
	require.NoError(t, err)
	assert.Len(t, children, 2)

	select {
	case ev := <-ch:
		_, ok := ev.(notify.ValidationChecksEvent)
		assert.True(t, ok)
	default:
		t.Fatal("expected a validation_checks event")
	}
}
