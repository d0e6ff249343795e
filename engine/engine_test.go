package engine

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/forkscanner/forkscanner/notify"
	"github.com/forkscanner/forkscanner/store"
)

// publishGlobalTip is the sole place feeds.ActiveFork is sent from (spec.md
// §4.2's single global tip, §1's "single authoritative picture" --
// superseding the old per-node publish inside reconciler.ingestActive).
func TestPublishGlobalTipOnlyOnChange(t *testing.T) {
	feeds := notify.New()
	e := &Engine{feeds: feeds}

	ch := make(chan interface{}, 2)
	feeds.ActiveFork.Subscribe(ch)

	tipA := &store.Chaintip{NodeID: 1, BlockHash: "a", Height: 10}
	blockA := &store.Block{Hash: "a", Height: 10, Work: "1"}
	e.publishGlobalTip(tipA, blockA)

	select {
	case ev := <-ch:
		afe, ok := ev.(notify.ActiveForkEvent)
		require.True(t, ok)
		assert.Equal(t, "a", afe.Block.Hash)
	case <-time.After(time.Second):
		t.Fatal("expected active_fork event on first publish")
	}

	// Same tip again: must not re-publish.
	e.publishGlobalTip(tipA, blockA)
	select {
	case ev := <-ch:
		t.Fatalf("unexpected republish of unchanged global tip: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	tipB := &store.Chaintip{NodeID: 2, BlockHash: "b", Height: 11}
	blockB := &store.Block{Hash: "b", Height: 11, Work: "2"}
	e.publishGlobalTip(tipB, blockB)

	select {
	case ev := <-ch:
		afe, ok := ev.(notify.ActiveForkEvent)
		require.True(t, ok)
		assert.Equal(t, "b", afe.Block.Hash)
	case <-time.After(time.Second):
		t.Fatal("expected active_fork event when the global tip changes")
	}
}

func TestPublishGlobalTipIgnoresNilTip(t *testing.T) {
	feeds := notify.New()
	e := &Engine{feeds: feeds}

	ch := make(chan interface{}, 1)
	feeds.ActiveFork.Subscribe(ch)

	e.publishGlobalTip(nil, nil)

	select {
	case ev := <-ch:
		t.Fatalf("unexpected publish with nil tip/block: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
