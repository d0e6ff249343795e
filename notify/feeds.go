package notify

import "github.com/forkscanner/forkscanner/event"

// Feeds bundles the six publish channels of spec.md §6, one event.Feed
// per topic, shared by every core component via a single injected value
// (mirrors how ChainDataFetcher holds one blockchain.SubscribeChainEvent
// feed per consumer, generalised here to six).
type Feeds struct {
	ActiveFork        event.Feed
	Forks             event.Feed
	ValidationChecks  event.Feed
	InvalidBlockCheck event.Feed
	LaggingNodes      event.Feed
	WatchedAddress    event.Feed
}

// New returns a ready-to-use, empty Feeds.
func New() *Feeds { return &Feeds{} }
