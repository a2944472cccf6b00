package ws

import (
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gobwas/ws"
	"github.com/gobwas/ws/wsutil"

	"github.com/pairlink/chat-app/internal/identity"
)

// Connection represents a single WebSocket client session with its
// associated metadata and a write mutex for serializing outbound frames.
// A user may hold several Connections at once (phone + desktop).
type Connection struct {
	ID         string        // session ID (UUID)
	UserID     string        // authenticated user
	Role       identity.Role // sponsor or subject
	Conn       net.Conn      // underlying TCP connection
	Fd         int           // file descriptor for epoll lookups
	CreatedAt  time.Time     // when the connection was established
	lastPing   int64         // unix nanos of the last client activity, accessed atomically
	writeMu    sync.Mutex    // serializes writes to this connection
	processing int32         // atomic flag: 0 = idle, 1 = being read by handleConn
}

// TouchPing records client activity now. Called from read workers while the
// heartbeat sweep reads LastPing concurrently, hence the atomic.
func (c *Connection) TouchPing() {
	atomic.StoreInt64(&c.lastPing, time.Now().UnixNano())
}

// LastPing returns the time of the last recorded client activity.
func (c *Connection) LastPing() time.Time {
	return time.Unix(0, atomic.LoadInt64(&c.lastPing))
}

// WriteMessage sends a WebSocket text frame to this connection. The write
// mutex ensures that concurrent goroutines do not interleave frame bytes.
func (c *Connection) WriteMessage(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return wsutil.WriteServerMessage(c.Conn, ws.OpText, data)
}

// Close closes the underlying network connection.
func (c *Connection) Close() error {
	return c.Conn.Close()
}

// ConnectionManager is a thread-safe registry that maps session IDs, file
// descriptors and user IDs to their respective Connection objects. It
// supports O(1) lookups by session ID and fd, and per-user fanout across
// all of a user's live sessions.
type ConnectionManager struct {
	mu     sync.RWMutex
	byID   map[string]*Connection            // session_id -> Connection
	byFd   map[int]*Connection               // fd -> Connection
	byUser map[string]map[string]*Connection // user_id -> session_id -> Connection
}

// NewConnectionManager creates an empty ConnectionManager ready for use.
func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{
		byID:   make(map[string]*Connection),
		byFd:   make(map[int]*Connection),
		byUser: make(map[string]map[string]*Connection),
	}
}

// Add registers a new connection in the ID, fd and user lookup maps.
func (cm *ConnectionManager) Add(conn *Connection) {
	cm.mu.Lock()
	cm.byID[conn.ID] = conn
	cm.byFd[conn.Fd] = conn
	sessions, ok := cm.byUser[conn.UserID]
	if !ok {
		sessions = make(map[string]*Connection)
		cm.byUser[conn.UserID] = sessions
	}
	sessions[conn.ID] = conn
	cm.mu.Unlock()
}

// Remove removes a connection by session ID, closes the underlying network
// connection, and removes it from all lookup maps. Returns true if the
// connection was found and removed, false if it was already gone.
func (cm *ConnectionManager) Remove(id string) bool {
	cm.mu.Lock()
	conn, ok := cm.byID[id]
	if ok {
		delete(cm.byID, id)
		delete(cm.byFd, conn.Fd)
		if sessions := cm.byUser[conn.UserID]; sessions != nil {
			delete(sessions, id)
			if len(sessions) == 0 {
				delete(cm.byUser, conn.UserID)
			}
		}
	}
	cm.mu.Unlock()

	if ok {
		conn.Close()
	}
	return ok
}

// Get returns the connection for the given session ID, or nil if not found.
func (cm *ConnectionManager) Get(id string) *Connection {
	cm.mu.RLock()
	conn := cm.byID[id]
	cm.mu.RUnlock()
	return conn
}

// GetByFd returns the connection for the given file descriptor, or nil if
// not found.
func (cm *ConnectionManager) GetByFd(fd int) *Connection {
	cm.mu.RLock()
	conn := cm.byFd[fd]
	cm.mu.RUnlock()
	return conn
}

// GetByConn returns the connection for the given net.Conn by extracting
// its file descriptor. Returns nil if not found.
func (cm *ConnectionManager) GetByConn(c net.Conn) *Connection {
	fd := socketFD(c)
	return cm.GetByFd(fd)
}

// UserSessions returns a snapshot of all live connections for the given
// user, or nil if the user has no sessions on this instance.
func (cm *ConnectionManager) UserSessions(userID string) []*Connection {
	cm.mu.RLock()
	sessions := cm.byUser[userID]
	conns := make([]*Connection, 0, len(sessions))
	for _, conn := range sessions {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}

// SendToUser writes a text frame to every live session of the given user.
// Errors on individual sessions are ignored; failed connections will be
// cleaned up by the epoll event loop when the next read fails.
func (cm *ConnectionManager) SendToUser(userID string, msg []byte) {
	for _, conn := range cm.UserSessions(userID) {
		_ = conn.WriteMessage(msg)
	}
}

// Count returns the current number of active connections.
func (cm *ConnectionManager) Count() int {
	cm.mu.RLock()
	n := len(cm.byID)
	cm.mu.RUnlock()
	return n
}

// All returns a snapshot of all current connections. The returned slice is
// safe to iterate without holding the lock.
func (cm *ConnectionManager) All() []*Connection {
	cm.mu.RLock()
	conns := make([]*Connection, 0, len(cm.byID))
	for _, conn := range cm.byID {
		conns = append(conns, conn)
	}
	cm.mu.RUnlock()
	return conns
}
