// Package conntrack provides a small thread-safe registry of active
// connections shared by every listener (SOCKS5, HTTP proxy, reverse
// proxy) for connection counting and bulk close on shutdown.
package conntrack

import (
	"io"
	"sync"
	"sync/atomic"
)

// Closer combines io.Closer with comparable for map key usage.
type Closer interface {
	comparable
	io.Closer
}

// Tracker manages active connections with thread-safe tracking and counting.
type Tracker[T Closer] struct {
	mu          sync.Mutex
	connections map[T]struct{}
	connCount   atomic.Int64
}

// New creates a new connection tracker.
func New[T Closer]() *Tracker[T] {
	return &Tracker[T]{
		connections: make(map[T]struct{}),
	}
}

// Add registers a connection for tracking.
func (t *Tracker[T]) Add(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.connections[conn] = struct{}{}
	t.connCount.Add(1)
}

// Remove unregisters a connection from tracking.
// Safe to call multiple times for the same connection.
func (t *Tracker[T]) Remove(conn T) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, exists := t.connections[conn]; exists {
		delete(t.connections, conn)
		t.connCount.Add(-1)
	}
}

// Count returns the number of active connections.
func (t *Tracker[T]) Count() int64 {
	return t.connCount.Load()
}

// CloseAll closes all tracked connections and resets the tracker state.
func (t *Tracker[T]) CloseAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	for conn := range t.connections {
		conn.Close()
	}
	// Clear the map and reset counter to prevent stale references
	// and counter inconsistency if Remove() is called after CloseAll().
	t.connections = make(map[T]struct{})
	t.connCount.Store(0)
}
