// Package connection keeps track of the live WebSocket connections bound to
// Bayeux sessions.
package connection

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
)

const writeTimeout = 10 * time.Second

// Connection wraps a WebSocket connection. Writes are serialised, as the
// underlying connection supports a single concurrent writer.
type Connection struct {
	Conn   *websocket.Conn
	ConnID string

	mu     sync.Mutex
	closed bool
}

func NewConnection(conn *websocket.Conn, connID string) *Connection {
	return &Connection{Conn: conn, ConnID: connID}
}

// Close closes the connection once. Later calls are no-ops.
func (c *Connection) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.Conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = c.Conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return c.Conn.Close()
}

// ConnectionManager maps session ids to their connections.
type ConnectionManager struct {
	connections sync.Map
}

func NewConnectionManager() *ConnectionManager {
	return &ConnectionManager{}
}

// AddConnection binds conn to sessionID. A connection previously bound to
// the same session is closed.
func (cm *ConnectionManager) AddConnection(sessionID string, conn *Connection) {
	if previous, loaded := cm.connections.Swap(sessionID, conn); loaded && previous.(*Connection) != conn {
		_ = previous.(*Connection).Close()
	}
	logger.DebugF("[%s] Bound to connection %s", sessionID, conn.ConnID)
}

// RemoveConnection unbinds sessionID if it is still bound to conn.
func (cm *ConnectionManager) RemoveConnection(sessionID string, conn *Connection) {
	if cm.connections.CompareAndDelete(sessionID, conn) {
		logger.DebugF("[%s] Unbound from connection %s", sessionID, conn.ConnID)
	}
}

func (cm *ConnectionManager) GetConnection(sessionID string) (*Connection, bool) {
	if value, ok := cm.connections.Load(sessionID); ok {
		return value.(*Connection), true
	}
	return nil, false
}

func (cm *ConnectionManager) Len() int {
	n := 0
	cm.connections.Range(func(_, _ any) bool {
		n++
		return true
	})
	return n
}

// Invoke closes every connection on shutdown.
func (cm *ConnectionManager) Invoke(_ context.Context) error {
	var errs []error
	cm.connections.Range(func(key, value any) bool {
		cm.connections.Delete(key)
		if err := value.(*Connection).Close(); err != nil && !IsNetClosedError(err) {
			errs = append(errs, err)
		}
		return true
	})
	return errors.Join(errs...)
}

func IsNetClosedError(err error) bool {
	if errors.Is(err, net.ErrClosed) || errors.Is(err, websocket.ErrCloseSent) || errors.Is(err, ErrConnectionClosed) {
		return true
	}
	var opErr *net.OpError
	ok := errors.As(err, &opErr)
	return ok && opErr.Timeout()
}

func HandleReadError(connID string, err error) {
	switch {
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		logger.InfoF("[%s] Client close connection", connID)
	case IsNetClosedError(err):
		logger.DebugF("[%s] Connection closed by server", connID)
	case os.IsTimeout(err):
		logger.WarnF("[%s] Reading timeout", connID)
	default:
		logger.ErrorF("[%s] Error occured while reading frame, details: %v", connID, err)
	}
}
