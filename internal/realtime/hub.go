package realtime

import (
	"sync"

	"github.com/gorilla/websocket"
)

// Hub fans saga phase frames out to the connected watch sockets. A single
// goroutine owns all writes; registration, teardown and broadcast go through
// channels so callers never touch a connection concurrently.
type Hub struct {
	connections map[*websocket.Conn]struct{}
	Register    chan *websocket.Conn
	Unregister  chan *websocket.Conn
	Broadcast   chan []byte
	stop        chan struct{}
	stopOnce    sync.Once
	mu          sync.Mutex
}

// NewHub constructs a Hub. The broadcast channel is buffered so a burst of
// phase changes does not immediately drop frames.
func NewHub() *Hub {
	return &Hub{
		connections: make(map[*websocket.Conn]struct{}),
		Register:    make(chan *websocket.Conn),
		Unregister:  make(chan *websocket.Conn),
		Broadcast:   make(chan []byte, 64),
		stop:        make(chan struct{}),
	}
}

// Run processes register, unregister and broadcast events until Stop. A
// connection that fails a write is dropped and closed on the spot.
func (h *Hub) Run() {
	for {
		select {
		case conn := <-h.Register:
			h.mu.Lock()
			h.connections[conn] = struct{}{}
			h.mu.Unlock()
		case conn := <-h.Unregister:
			h.mu.Lock()
			delete(h.connections, conn)
			h.mu.Unlock()
			conn.Close()
		case msg := <-h.Broadcast:
			h.mu.Lock()
			for conn := range h.connections {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.connections, conn)
				}
			}
			h.mu.Unlock()
		case <-h.stop:
			h.mu.Lock()
			for conn := range h.connections {
				conn.Close()
				delete(h.connections, conn)
			}
			h.mu.Unlock()
			return
		}
	}
}

// Stop terminates the run loop and closes every connected socket. Safe to call
// more than once.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
}

// Add hands a connection to the run loop. Once the hub is stopped the
// connection is closed instead; the caller never blocks on a dead loop.
func (h *Hub) Add(conn *websocket.Conn) {
	select {
	case h.Register <- conn:
	case <-h.stop:
		conn.Close()
	}
}

// Drop unregisters and closes a connection, directly when the run loop has
// already stopped.
func (h *Hub) Drop(conn *websocket.Conn) {
	select {
	case h.Unregister <- conn:
	case <-h.stop:
		conn.Close()
	}
}

// ClientCount reports the number of connected sockets (for testing/inspection).
func (h *Hub) ClientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.connections)
}
