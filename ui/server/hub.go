// Portions of this code are:
// Copyright 2013 The Gorilla WebSocket Authors. All rights reserved.
// Use of this source code is governed by a BSD-style
// license that can be found in the LICENSE file.

package server

import "context"

// hub maintains the set of active connections and broadcasts messages to
// them.
type hub struct {
	// Registered connections.
	connections map[*connection]bool
	// Inbound messages to broadcast.
	broadcast chan []byte
	// Register requests from the connections.
	register chan *connection
	// Unregister requests from connections.
	unregister chan *connection
	// Messages for a single connection.
	replies chan reply
	// Closed by start.
	started chan struct{}
	// Closed when run returns.
	done chan struct{}
}

// reply is a message for a single connection.
type reply struct {
	c *connection
	m []byte
}

func newHub() *hub {
	return &hub{
		connections: make(map[*connection]bool),
		broadcast:   make(chan []byte),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		replies:     make(chan reply),
		started:     make(chan struct{}),
		done:        make(chan struct{}),
	}
}

// start marks the hub as running and runs it in the background until ctx
// is canceled. It must be called at most once.
func (h *hub) start(ctx context.Context) {
	close(h.started)
	go h.run(ctx)
}

func (h *hub) run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case c := <-h.register:
			h.connections[c] = true
		case c := <-h.unregister:
			if _, ok := h.connections[c]; ok {
				delete(h.connections, c)
				close(c.send)
			}
		case r := <-h.replies:
			if h.connections[r.c] {
				select {
				case r.c.send <- r.m:
				default:
				}
			}
		case m := <-h.broadcast:
			for c := range h.connections {
				select {
				case c.send <- m:
				default:
					// Slow client
					delete(h.connections, c)
					close(c.send)
				}
			}
		case <-ctx.Done():
			for c := range h.connections {
				delete(h.connections, c)
				close(c.send)
			}
			return
		}
	}
}

// publish sends a message to all connections. It gives up when ctx is
// canceled.
func (h *hub) publish(ctx context.Context, m []byte) {
	select {
	case h.broadcast <- m:
	case <-ctx.Done():
	case <-h.done:
	}
}

// send sends a message to c only. It reports false if the hub has stopped.
func (h *hub) send(c *connection, m []byte) bool {
	select {
	case h.replies <- reply{c: c, m: m}:
		return true
	case <-h.done:
		return false
	}
}

// running reports whether the hub has been started and not yet stopped.
func (h *hub) running() bool {
	select {
	case <-h.done:
		return false
	default:
	}
	select {
	case <-h.started:
		return true
	default:
		return false
	}
}

func (h *hub) add(c *connection) bool {
	select {
	case h.register <- c:
		return true
	case <-h.done:
		return false
	}
}

func (h *hub) remove(c *connection) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}
