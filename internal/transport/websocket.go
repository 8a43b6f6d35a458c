package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/bayeux"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/connection"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

const WebSocketName = "websocket"

// WebSocket serves Bayeux over a WebSocket connection. Queued messages are
// pushed as soon as they are scheduled; with metaConnectDeliverOnly they
// wait for the held /meta/connect reply instead.
type WebSocket struct {
	bayeux.BaseTransport
	server      *bayeux.Server
	connections *connection.ConnectionManager
	upgrader    websocket.Upgrader
}

func NewWebSocket(server *bayeux.Server, opts bayeux.Options, connections *connection.ConnectionManager) *WebSocket {
	return &WebSocket{
		BaseTransport: bayeux.NewBaseTransport(WebSocketName, opts),
		server:        server,
		connections:   connections,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (t *WebSocket) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := t.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.WarnF("[%s] Fail to upgrade connection, details: %v", r.RemoteAddr, err)
		return
	}
	conn.SetReadLimit(maxRequestBody)

	ctx, cancel := context.WithCancel(context.Background())
	c := &wsConnection{
		transport: t,
		conn:      connection.NewConnection(conn, r.RemoteAddr),
		wake:      make(chan struct{}, 1),
		resume:    make(chan struct{}, 1),
		ctx:       ctx,
		cancel:    cancel,
	}
	logger.DebugF("[%s] WebSocket connection opened", r.RemoteAddr)
	go c.writeLoop()
	c.readLoop()
}

// wsConnection is the per connection state and the persistent scheduler of
// the session bound to it.
type wsConnection struct {
	transport *WebSocket
	conn      *connection.Connection
	wake      chan struct{}
	resume    chan struct{}
	ctx       context.Context
	cancel    context.CancelFunc

	mu        sync.Mutex
	session   *bayeux.ServerSession
	held      *protocol.Message
	heldTimer *time.Timer
	handling  bool
	closing   bool
}

func (c *wsConnection) Schedule() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// Cancel is called when the session drops this connection, either for a
// newer one or because the session was removed.
func (c *wsConnection) Cancel() {
	c.mu.Lock()
	session := c.session
	removed := session != nil && session.IsRemoved()
	deferred := removed && c.handling
	if deferred {
		// replies of the request being handled still go out first
		c.closing = true
	}
	c.mu.Unlock()
	if !removed {
		return
	}
	c.releaseHeld()
	if !deferred {
		c.close()
	}
}

func (c *wsConnection) close() {
	c.mu.Lock()
	c.takeHeldLocked()
	c.mu.Unlock()
	c.cancel()
	_ = c.conn.Close()
}

func (c *wsConnection) currentSession() *bayeux.ServerSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session
}

func (c *wsConnection) bind(session *bayeux.ServerSession) {
	c.mu.Lock()
	c.session = session
	c.mu.Unlock()
	c.transport.connections.AddConnection(session.ID(), c.conn)
	session.SetScheduler(c)
}

func (c *wsConnection) readLoop() {
	defer func() {
		c.close()
		if session := c.currentSession(); session != nil {
			c.transport.connections.RemoveConnection(session.ID(), c.conn)
			if session.ClearScheduler(c) {
				// the session now expires unless the client reconnects in time
				session.StartIntervalTimeout(c.transport)
			}
		}
	}()

	for {
		_, data, err := c.conn.Conn.ReadMessage()
		if err != nil {
			connection.HandleReadError(c.conn.ConnID, err)
			return
		}
		messages, err := Parse(data)
		if err != nil {
			logger.WarnF("[%s] %v", c.conn.ConnID, err)
			continue
		}
		c.handle(messages)
	}
}

func (c *wsConnection) handle(messages []*protocol.Message) {
	c.mu.Lock()
	c.handling = true
	session := c.session
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.handling = false
		closing := c.closing
		c.mu.Unlock()
		if closing {
			c.close()
		}
	}()

	ctx := bayeux.WithTransport(c.ctx, c.transport)
	if session != nil {
		session.StartBatch()
		defer session.EndBatch()
	}

	var replies []*protocol.Message
	connected := false
	for _, message := range messages {
		target := session
		if target == nil && message.ClientID() != "" {
			target = c.transport.server.Session(message.ClientID())
		}
		reply, err := c.transport.server.Handle(ctx, target, message)
		if err != nil {
			logger.ErrorF("[%s] Fail to handle message on %s, details: %v", c.conn.ConnID, message.Channel(), err)
			continue
		}
		if reply == nil {
			continue
		}

		switch message.Channel() {
		case protocol.MetaHandshake:
			if reply.IsSuccessful() {
				if bound := c.transport.server.Session(reply.ClientID()); bound != nil {
					c.bind(bound)
					session = bound
				}
			}
		case protocol.MetaConnect:
			if target != nil && target != session && reply.IsSuccessful() {
				// reconnect of a session handshaken over another connection
				c.bind(target)
				session = target
			}
			if session != nil && reply.IsSuccessful() && c.holdConnect(session, reply) {
				continue
			}
			connected = true
		}
		replies = append(replies, reply)
	}

	if len(replies) == 0 {
		return
	}
	var queued []*protocol.Message
	if connected && session != nil {
		queued = session.TakeQueue()
		session.StartIntervalTimeout(c.transport)
	}
	c.send(append(queued, replies...))
}

// holdConnect parks reply until the timeout elapses or, with
// metaConnectDeliverOnly, until messages are queued. It returns false when
// the reply must be sent right away.
func (c *wsConnection) holdConnect(session *bayeux.ServerSession, reply *protocol.Message) bool {
	timeout := session.CalculateTimeout(c.transport.Timeout())
	if timeout <= 0 {
		return false
	}
	if session.MetaConnectDeliverOnly() && session.QueueLen() > 0 {
		return false
	}

	c.releaseHeld()
	c.mu.Lock()
	c.held = reply
	c.heldTimer = time.AfterFunc(timeout, func() {
		select {
		case c.resume <- struct{}{}:
		default:
		}
	})
	c.mu.Unlock()
	return true
}

// releaseHeld sends a previously held connect reply, if any.
func (c *wsConnection) releaseHeld() {
	c.mu.Lock()
	held := c.takeHeldLocked()
	session := c.session
	c.mu.Unlock()
	if held != nil {
		if session != nil {
			session.StartIntervalTimeout(c.transport)
		}
		c.send([]*protocol.Message{held})
	}
}

func (c *wsConnection) takeHeldLocked() *protocol.Message {
	held := c.held
	c.held = nil
	if c.heldTimer != nil {
		c.heldTimer.Stop()
		c.heldTimer = nil
	}
	return held
}

func (c *wsConnection) writeLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.wake:
			c.flush(false)
		case <-c.resume:
			c.flush(true)
		}
	}
}

// flush writes the session queue. When resuming, or when the session only
// delivers with connect replies, the held connect reply goes along.
func (c *wsConnection) flush(resume bool) {
	c.mu.Lock()
	session := c.session
	if session == nil {
		c.mu.Unlock()
		return
	}
	deliverOnly := session.MetaConnectDeliverOnly()
	if deliverOnly && c.held == nil && !resume {
		c.mu.Unlock()
		return
	}
	var reply *protocol.Message
	if resume || deliverOnly {
		reply = c.takeHeldLocked()
	}
	c.mu.Unlock()

	messages := session.TakeQueue()
	if reply != nil {
		messages = append(messages, reply)
	}
	if len(messages) == 0 {
		return
	}
	data, err := Generate(messages)
	if err != nil {
		logger.ErrorF("[%s] %v", session.ID(), err)
		return
	}
	if reply != nil {
		session.StartIntervalTimeout(c.transport)
	}
	if err := c.transport.connections.SendMessage(session.ID(), data); err != nil {
		logger.WarnF("[%s] Fail to deliver %d messages, details: %v", session.ID(), len(messages), err)
	}
}

func (c *wsConnection) send(messages []*protocol.Message) {
	data, err := Generate(messages)
	if err != nil {
		logger.ErrorF("[%s] %v", c.conn.ConnID, err)
		return
	}
	if err := c.conn.Send(data); err != nil && !connection.IsNetClosedError(err) {
		logger.WarnF("[%s] Fail to send replies, details: %v", c.conn.ConnID, err)
	}
}
