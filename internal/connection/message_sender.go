package connection

import (
	"errors"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
)

var ErrConnectionClosed = errors.New("connection closed")

// MessageSender sends an encoded batch of messages to a session.
type MessageSender interface {
	SendMessage(sessionID string, data []byte) error
}

// SendMessage sends data to the connection bound to sessionID. Sessions
// without a connection are skipped.
func (cm *ConnectionManager) SendMessage(sessionID string, data []byte) error {
	conn, ok := cm.GetConnection(sessionID)
	if !ok {
		return nil
	}
	return conn.Send(data)
}

// Send writes data as one text frame.
func (c *Connection) Send(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrConnectionClosed
	}
	_ = c.Conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := c.Conn.WriteMessage(websocket.TextMessage, data); err != nil {
		logger.ErrorF("[%s] Fail to send data, details: %v", c.ConnID, err)
		return err
	}
	logger.DebugF("[%s] Send %d bytes to client", c.ConnID, len(data))
	return nil
}

var _ MessageSender = (*ConnectionManager)(nil)
