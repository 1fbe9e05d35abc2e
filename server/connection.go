package server

import (
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws/wsutil"
)

var connSeq atomic.Uint64

// Connection is one live WebSocket client.
type Connection struct {
	// ID uniquely identifies this connection.
	ID string

	// Identity is the authenticated caller.
	Identity *Identity

	// ConnectedAt records when the connection was established.
	ConnectedAt time.Time

	conn    net.Conn
	writeMu sync.Mutex
}

func newConnection(conn net.Conn, identity *Identity) *Connection {
	return &Connection{
		ID:          "ws-" + strconv.FormatUint(connSeq.Add(1), 10),
		Identity:    identity,
		ConnectedAt: time.Now().UTC(),
		conn:        conn,
	}
}

// write sends one binary message. Handlers run concurrently, so writes
// are serialized per connection.
func (c *Connection) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerBinary(c.conn, data)
}

func (c *Connection) close() error { return c.conn.Close() }

// ConnectionManager tracks live connections.
type ConnectionManager struct {
	mu    sync.RWMutex
	conns map[string]*Connection
}

// NewConnectionManager creates an empty connection manager.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		conns: make(map[string]*Connection),
	}
}

// Add registers a connection.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.conns[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove unregisters a connection.
func (cm *ConnectionManager) Remove(connID string) {
	cm.mu.Lock()
	delete(cm.conns, connID)
	cm.mu.Unlock()
}

// Count returns the number of live connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.conns)
}

// All returns a snapshot of all connections.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	out := make([]*Connection, 0, len(cm.conns))
	for _, c := range cm.conns {
		out = append(out, c)
	}
	return out
}
