package bayeux

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

// sweepPasses is how many consecutive sweeps an idle channel survives.
const sweepPasses = 3

type listenerEntry struct {
	listener Listener
	weak     bool
}

// ServerChannel is a named routing point. Channels are created on demand by
// the server and removed by the sweeper once they carry no state.
type ServerChannel struct {
	server      *Server
	id          *protocol.ChannelID
	initialized chan struct{}
	removed     atomic.Bool
	passes      atomic.Int32

	mu          sync.RWMutex
	subscribers map[*ServerSession]struct{}
	listeners   []listenerEntry
	authorizers []Authorizer
	children    map[string]struct{}
	lazy        bool
	persistent  bool
}

func newServerChannel(server *Server, id *protocol.ChannelID) *ServerChannel {
	return &ServerChannel{
		server:      server,
		id:          id,
		initialized: make(chan struct{}),
		subscribers: make(map[*ServerSession]struct{}),
		children:    make(map[string]struct{}),
	}
}

func (c *ServerChannel) ID() *protocol.ChannelID {
	return c.id
}

func (c *ServerChannel) Name() string {
	return c.id.String()
}

func (c *ServerChannel) String() string {
	return c.id.String()
}

func (c *ServerChannel) IsMeta() bool {
	return c.id.IsMeta()
}

func (c *ServerChannel) IsService() bool {
	return c.id.IsService()
}

func (c *ServerChannel) IsBroadcast() bool {
	return c.id.IsBroadcast()
}

func (c *ServerChannel) IsWild() bool {
	return c.id.IsWild()
}

func (c *ServerChannel) IsLazy() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lazy
}

// SetLazy marks messages published here as lazy.
func (c *ServerChannel) SetLazy(lazy bool) {
	c.mu.Lock()
	c.lazy = lazy
	c.mu.Unlock()
	c.passes.Store(0)
}

func (c *ServerChannel) IsPersistent() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.persistent
}

// SetPersistent exempts the channel from sweeping.
func (c *ServerChannel) SetPersistent(persistent bool) {
	c.mu.Lock()
	c.persistent = persistent
	c.mu.Unlock()
	c.passes.Store(0)
}

func (c *ServerChannel) IsRemoved() bool {
	return c.removed.Load()
}

// Parent returns the parent channel, or nil at top level or when the parent
// does not exist.
func (c *ServerChannel) Parent() *ServerChannel {
	parent := c.id.Parent()
	if parent == "" {
		return nil
	}
	return c.server.Channel(parent)
}

// Children returns the names of the existing child channels.
func (c *ServerChannel) Children() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	children := make([]string, 0, len(c.children))
	for name := range c.children {
		children = append(children, name)
	}
	return children
}

func (c *ServerChannel) addChild(name string) {
	c.mu.Lock()
	c.children[name] = struct{}{}
	c.mu.Unlock()
	c.passes.Store(0)
}

func (c *ServerChannel) removeChild(name string) {
	c.mu.Lock()
	delete(c.children, name)
	c.mu.Unlock()
}

func (c *ServerChannel) Subscribers() []*ServerSession {
	c.mu.RLock()
	defer c.mu.RUnlock()
	subscribers := make([]*ServerSession, 0, len(c.subscribers))
	for session := range c.subscribers {
		subscribers = append(subscribers, session)
	}
	return subscribers
}

func (c *ServerChannel) IsSubscribed(session *ServerSession) bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	_, ok := c.subscribers[session]
	return ok
}

// AddListener attaches a MessageListener and/or SubscriptionListener.
func (c *ServerChannel) AddListener(listener Listener) {
	c.addListener(listener, false)
}

// AddWeakListener attaches a listener that does not keep the channel alive.
func (c *ServerChannel) AddWeakListener(listener Listener) {
	c.addListener(listener, true)
}

func (c *ServerChannel) addListener(listener Listener, weak bool) {
	c.mu.Lock()
	c.listeners = append(c.listeners, listenerEntry{listener: listener, weak: weak})
	c.mu.Unlock()
	c.passes.Store(0)
}

func (c *ServerChannel) RemoveListener(listener Listener) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, entry := range c.listeners {
		if sameValue(entry.listener, listener) {
			c.listeners = append(c.listeners[:i], c.listeners[i+1:]...)
			return
		}
	}
}

func (c *ServerChannel) Listeners() []Listener {
	c.mu.RLock()
	defer c.mu.RUnlock()
	listeners := make([]Listener, 0, len(c.listeners))
	for _, entry := range c.listeners {
		listeners = append(listeners, entry.listener)
	}
	return listeners
}

func (c *ServerChannel) AddAuthorizer(authorizer Authorizer) {
	c.mu.Lock()
	c.authorizers = append(c.authorizers, authorizer)
	c.mu.Unlock()
	c.passes.Store(0)
}

func (c *ServerChannel) RemoveAuthorizer(authorizer Authorizer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, a := range c.authorizers {
		if sameValue(a, authorizer) {
			c.authorizers = append(c.authorizers[:i], c.authorizers[i+1:]...)
			return
		}
	}
}

func (c *ServerChannel) Authorizers() []Authorizer {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]Authorizer(nil), c.authorizers...)
}

// Subscribe adds session as subscriber. It returns false if the session is
// not handshaken or the channel has been removed.
func (c *ServerChannel) Subscribe(session *ServerSession) bool {
	return c.subscribe(session, nil)
}

func (c *ServerChannel) subscribe(session *ServerSession, message *protocol.Message) bool {
	if !session.IsHandshaken() {
		return false
	}

	// the sweeper decides and marks removal under the same lock
	c.mu.Lock()
	if c.IsRemoved() {
		c.mu.Unlock()
		return false
	}
	c.passes.Store(0)
	_, already := c.subscribers[session]
	c.subscribers[session] = struct{}{}
	c.mu.Unlock()

	if already {
		return true
	}
	session.subscribedTo(c)
	c.notifySubscription(session, message, true)
	return true
}

func (c *ServerChannel) Unsubscribe(session *ServerSession) bool {
	return c.unsubscribe(session, nil)
}

func (c *ServerChannel) unsubscribe(session *ServerSession, message *protocol.Message) bool {
	c.mu.Lock()
	_, ok := c.subscribers[session]
	delete(c.subscribers, session)
	c.mu.Unlock()

	if !ok {
		return false
	}
	session.unsubscribedFrom(c)
	c.notifySubscription(session, message, false)
	return true
}

func (c *ServerChannel) notifySubscription(session *ServerSession, message *protocol.Message, subscribed bool) {
	for _, listener := range c.Listeners() {
		if l, ok := listener.(SubscriptionListener); ok {
			c.invokeSubscriptionListener(l, session, message, subscribed)
		}
	}
	for _, listener := range c.server.Listeners() {
		if l, ok := listener.(SubscriptionListener); ok {
			c.invokeSubscriptionListener(l, session, message, subscribed)
		}
	}
}

func (c *ServerChannel) invokeSubscriptionListener(l SubscriptionListener, session *ServerSession, message *protocol.Message, subscribed bool) {
	safely(fmt.Sprintf("subscription listener %T", l), func() {
		if subscribed {
			l.Subscribed(session, c, message)
		} else {
			l.Unsubscribed(session, c, message)
		}
	})
}

// notifyMessageListeners returns false as soon as one listener rejects the
// message.
func (c *ServerChannel) notifyMessageListeners(from *ServerSession, message *protocol.Message) bool {
	for _, listener := range c.Listeners() {
		l, ok := listener.(MessageListener)
		if !ok {
			continue
		}
		accepted := safeBool(fmt.Sprintf("message listener %T", l), true, func() bool {
			return l.OnMessage(from, c, message)
		})
		if !accepted {
			return false
		}
	}
	return true
}

// Publish sends data from the given session to this channel without
// authorization checks.
func (c *ServerChannel) Publish(from *ServerSession, data any) error {
	if c.IsWild() {
		return fmt.Errorf("%w: cannot publish to %s", protocol.ErrInvalidChannel, c.Name())
	}
	message := protocol.NewMessage()
	_ = message.SetChannel(c.Name())
	_ = message.SetData(data)
	_, err := c.server.publish(context.Background(), from, c, message)
	return err
}

// Remove removes the channel with its children and unsubscribes everybody.
// Returns false if it was already removed.
func (c *ServerChannel) Remove() bool {
	return c.server.removeChannel(c)
}

// sweepableLocked reports whether the channel carries no state worth keeping.
// Callers hold c.mu.
func (c *ServerChannel) sweepableLocked() bool {
	// any channel with children stays, not only wild ones: a parent must
	// outlive its children
	if c.persistent || len(c.subscribers) > 0 || len(c.authorizers) > 0 || len(c.children) > 0 {
		return false
	}
	for _, entry := range c.listeners {
		if !entry.weak {
			return false
		}
	}
	return true
}

func (c *ServerChannel) sweep() {
	for _, session := range c.Subscribers() {
		if !session.IsHandshaken() {
			c.Unsubscribe(session)
		}
	}

	c.mu.Lock()
	if !c.sweepableLocked() {
		c.mu.Unlock()
		c.passes.Store(0)
		return
	}
	if c.passes.Add(1) < sweepPasses {
		c.mu.Unlock()
		return
	}
	swept := c.removed.CompareAndSwap(false, true)
	c.mu.Unlock()

	if swept {
		logger.DebugF("[%s] Sweeping idle channel", c.Name())
		c.server.dropChannel(c)
	}
}
