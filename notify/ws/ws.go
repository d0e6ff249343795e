// Package ws is a thin JSON-RPC 2.0 WebSocket publish adapter over
// notify.Feeds, using github.com/clevergo/websocket (a small net/http
// Upgrader in the same shape as gorilla's) to exercise the feeds end to
// end. The external JSON-RPC/WebSocket facade itself is out of core
// scope; this is the minimal concrete transport that proves the publish
// contract works.
package ws

import (
	"encoding/json"
	"net/http"
	"sync"

	"github.com/clevergo/websocket"

	"github.com/forkscanner/forkscanner/event"
	"github.com/forkscanner/forkscanner/log"
	"github.com/forkscanner/forkscanner/notify"
)

var logger = log.NewModuleLogger(log.ModuleNotify)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// notification is a JSON-RPC 2.0 notification (no id, per spec) carrying
// one feed's event as params.
type notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// Hub fans every notify.Feeds event out to every currently-connected
// WebSocket client, encoded as a JSON-RPC 2.0 notification whose method
// name is the feed's topic (spec.md §6 names).
type Hub struct {
	mu      sync.Mutex
	clients map[*websocket.Conn]chan []byte
	subs    []event.Subscription
}

// NewHub builds a Hub wired to feeds and starts one relay goroutine per
// feed immediately; call ServeHTTP from an http.Handler to accept
// connections.
func NewHub(feeds *notify.Feeds) *Hub {
	h := &Hub{clients: make(map[*websocket.Conn]chan []byte)}
	h.relay("active_fork", &feeds.ActiveFork)
	h.relay("forks", &feeds.Forks)
	h.relay("validation_checks", &feeds.ValidationChecks)
	h.relay("invalid_block_checks", &feeds.InvalidBlockCheck)
	h.relay("lagging_nodes_checks", &feeds.LaggingNodes)
	h.relay("watched_address_checks", &feeds.WatchedAddress)
	return h
}

func (h *Hub) relay(method string, feed *event.Feed) {
	ch := make(chan interface{}, 16)
	sub := feed.Subscribe(ch)
	h.subs = append(h.subs, sub)

	go func() {
		for ev := range ch {
			data, err := json.Marshal(notification{JSONRPC: "2.0", Method: method, Params: ev})
			if err != nil {
				logger.Error("failed to marshal ws notification", "method", method, "err", err)
				continue
			}
			h.broadcast(data)
		}
	}()
}

func (h *Hub) broadcast(data []byte) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn, out := range h.clients {
		select {
		case out <- data:
		default:
			logger.Warn("dropping slow ws client", "remote", conn.RemoteAddr())
		}
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// connection as a broadcast target until it disconnects.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Error("websocket upgrade failed", "err", err)
		return
	}

	out := make(chan []byte, 16)
	h.mu.Lock()
	h.clients[conn] = out
	h.mu.Unlock()

	go h.writePump(conn, out)
	h.readPump(conn, out)
}

func (h *Hub) writePump(conn *websocket.Conn, out chan []byte) {
	for data := range out {
		if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
			return
		}
	}
}

// readPump blocks discarding inbound frames (this adapter is publish-only)
// until the client disconnects, then deregisters it.
func (h *Hub) readPump(conn *websocket.Conn, out chan []byte) {
	defer h.disconnect(conn, out)
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) disconnect(conn *websocket.Conn, out chan []byte) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
	close(out)
	conn.Close()
}

// Close unsubscribes from every feed, so no further events are relayed.
// The relay goroutines are not ended: Unsubscribe does not close the
// channels they range over.
func (h *Hub) Close() {
	for _, sub := range h.subs {
		sub.Unsubscribe()
	}
}
