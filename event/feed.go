// Copyright 2018 The klaytn Authors
// This file is part of the klaytn library.
//
// The klaytn library is free software: you can redistribute it and/or modify
// it under the terms of the GNU Lesser General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
//
// The klaytn library is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE. See the
// GNU Lesser General Public License for more details.
//
// You should have received a copy of the GNU Lesser General Public License
// along with the klaytn library. If not, see <http://www.gnu.org/licenses/>.

// Package event implements the fan-out feed/subscription pattern used
// throughout the engine to publish tick results (forks, stale candidates,
// invalid-block checks, ...) to an arbitrary number of subscribers without
// the publisher blocking on a slow one. Modeled on the
// BlockChain.SubscribeChainEvent(ch) / event.Subscription contract
// consumed by datasync/chaindatafetcher.ChainDataFetcher.
package event

import "sync"

// Subscription represents a stream of events. The carrier channel is
// provided by the caller; Unsubscribe stops further sends and is safe to
// call more than once or concurrently with Feed.Send.
type Subscription interface {
	Unsubscribe()
	Err() <-chan error
}

type feedSub struct {
	feed      *Feed
	adapter   chan interface{}
	ownsAdapt bool
	err       chan error
	once      sync.Once
}

func (s *feedSub) Unsubscribe() {
	s.once.Do(func() {
		s.feed.remove(s)
		if s.ownsAdapt {
			close(s.adapter)
		}
		close(s.err)
	})
}

func (s *feedSub) Err() <-chan error { return s.err }

// Feed implements one-to-many distribution of typed values. The zero value
// is ready to use. All methods are safe for concurrent use, but a Feed must
// not be copied after first use.
type Feed struct {
	mu   sync.Mutex
	subs map[*feedSub]chan interface{}
}

// Subscribe registers a channel to receive future Send values. The element
// type sent into ch must match what Send is called with; this is not
// enforced at compile time, mirroring the reflect-based geth Feed (which
// enforces it at runtime instead).
func (f *Feed) Subscribe(ch interface{}) Subscription {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.subs == nil {
		f.subs = make(map[*feedSub]chan interface{})
	}
	adapter, owns := reflectSend(ch)
	sub := &feedSub{feed: f, adapter: adapter, ownsAdapt: owns, err: make(chan error, 1)}
	f.subs[sub] = adapter
	return sub
}

func (f *Feed) remove(sub *feedSub) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, sub)
}

// Send delivers value to every current subscriber and returns how many
// there were. Like geth's Feed, it blocks until every subscriber's channel
// accepts the value, with no timeout: a subscriber whose channel stays
// full stalls Send, and with it the caller's tick.
func (f *Feed) Send(value interface{}) int {
	f.mu.Lock()
	subs := make([]chan interface{}, 0, len(f.subs))
	for _, ch := range f.subs {
		subs = append(subs, ch)
	}
	f.mu.Unlock()

	for _, ch := range subs {
		ch <- value
	}
	return len(subs)
}

// reflectSend wraps a typed channel (chan T) so Feed can push interface{}
// values into it via a small adapter goroutine. Using a goroutine per
// subscription keeps Feed itself free of reflect.Value Send calls on the
// hot path while still supporting arbitrary event payload types. The bool
// return reports whether the returned channel is an adapter Unsubscribe
// must close (false when ch was already chan interface{} and is returned
// directly, since the caller owns that channel's lifecycle).
func reflectSend(ch interface{}) (chan interface{}, bool) {
	if typed, ok := ch.(chan interface{}); ok {
		return typed, false
	}
	adapter := make(chan interface{}, 1)
	go pump(adapter, ch)
	return adapter, true
}
