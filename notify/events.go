// Package notify defines the payload types published on the six event
// feeds spec.md §6 names, and the two concrete sinks (kafka, ws) that can
// relay an event.Feed to an external subscriber. Every payload is "a JSON
// array of rows matching the corresponding table" per §6; these structs
// are that row shape.
package notify

import (
	"time"

	"github.com/forkscanner/forkscanner/store"
)

// ActiveForkEvent is published on "active_fork" whenever the global
// active tip -- computed by reconciler.GlobalActiveTip and published by
// the engine's tick loop -- changes.
type ActiveForkEvent struct {
	Tip   *store.Chaintip
	Block *store.Block
}

// ForksEvent is published on "forks" on every tick for each height
// detected as a stale candidate that has chaintips at that height,
// carrying those chaintips.
type ForksEvent struct {
	Height int64
	Tips   []*store.Chaintip
}

// ValidationChecksEvent is published on "validation_checks": the live
// stale candidates. It carries no height deltas from the current max
// height.
type ValidationChecksEvent struct {
	Candidates []*store.StaleCandidate
}

// InvalidBlockCheckEvent is published on "invalid_block_checks": one row
// per (block, earliest invalidating node) pair, per spec.md §4.2's
// "invalid consensus broadcast".
type InvalidBlockCheckEvent struct {
	BlockHash                string
	EarliestInvalidatingNode int64
	CreatedAt                time.Time
}

// LaggingNodesEvent is published on "lagging_nodes_checks": every node
// currently behind the global active tip (spec.md §4.1 lag detection).
type LaggingNodesEvent struct {
	Nodes []*store.Node
}

// WatchedAddressEvent is published on "watched_address_checks": newly
// materialised TransactionAddress hits.
type WatchedAddressEvent struct {
	Hits []*store.TransactionAddress
}
