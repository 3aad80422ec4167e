package server

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// feedEvent is one admin-feed notification. It is marshaled as JSON and
// broadcast verbatim to every subscriber.
type feedEvent struct {
	Type      string `json:"type"`
	RemoteIP  string `json:"remote_ip,omitempty"`
	User      string `json:"user,omitempty"`
	Operation string `json:"operation,omitempty"`
	Bytes     int64  `json:"bytes,omitempty"`
	Time      string `json:"time"`
}

// adminFeed is a push-only, best-effort broadcaster of session and
// transfer lifecycle events over WebSocket, for an operator dashboard.
// It never blocks the control or data path: a subscriber that falls
// behind misses the events that arrive while its buffer is full, rather
// than being allowed to backpressure the server.
type adminFeed struct {
	upgrader websocket.Upgrader

	mu   sync.Mutex
	subs map[*feedSubscriber]struct{}

	closed bool
}

type feedSubscriber struct {
	conn *websocket.Conn
	send chan feedEvent
}

// subscriberBuffer bounds how many events a slow subscriber can queue;
// further events are dropped for it until the queue has room again.
const subscriberBuffer = 32

func newAdminFeed() *adminFeed {
	return &adminFeed{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
		subs: make(map[*feedSubscriber]struct{}),
	}
}

// ServeHTTP upgrades the request to a WebSocket and registers the
// connection as a subscriber. It is meant to be mounted on an
// operator-only endpoint (e.g. behind a reverse proxy with its own
// authentication); the feed carries no credentials of its own.
func (f *adminFeed) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	sub := &feedSubscriber{conn: conn, send: make(chan feedEvent, subscriberBuffer)}

	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		conn.Close()
		return
	}
	f.subs[sub] = struct{}{}
	f.mu.Unlock()

	go f.writePump(sub)
}

func (f *adminFeed) writePump(sub *feedSubscriber) {
	defer func() {
		f.mu.Lock()
		delete(f.subs, sub)
		f.mu.Unlock()
		sub.conn.Close()
	}()

	for ev := range sub.send {
		_ = sub.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		if err := sub.conn.WriteJSON(ev); err != nil {
			return
		}
	}
}

// publish broadcasts ev to every subscriber, dropping it for any
// subscriber whose send buffer is full rather than blocking.
func (f *adminFeed) publish(ev feedEvent) {
	ev.Time = time.Now().UTC().Format(time.RFC3339Nano)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	for sub := range f.subs {
		select {
		case sub.send <- ev:
		default:
		}
	}
}

func (f *adminFeed) close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for sub := range f.subs {
		close(sub.send)
		delete(f.subs, sub)
	}
}
