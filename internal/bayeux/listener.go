package bayeux

import (
	"reflect"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

// Listener is any of the listener interfaces below. A value may implement
// several of them; each registry only notifies the kinds it knows about.
type Listener interface{}

// ChannelListener is notified when channels are added to or removed from the
// server.
type ChannelListener interface {
	ChannelAdded(channel *ServerChannel)
	ChannelRemoved(channel *ServerChannel)
}

// ChannelInitializer configures a freshly created channel before any other
// goroutine can observe it.
type ChannelInitializer interface {
	ConfigureChannel(channel *ServerChannel)
}

type ChannelInitializerFunc func(channel *ServerChannel)

func (f ChannelInitializerFunc) ConfigureChannel(channel *ServerChannel) {
	f(channel)
}

// SessionListener is notified when sessions join or leave the server.
type SessionListener interface {
	SessionAdded(session *ServerSession, message *protocol.Message)
	SessionRemoved(session *ServerSession, timedOut bool)
}

// SubscriptionListener is notified of subscription changes. It can be added
// to the server (all channels) or to a single channel. message is nil when
// the change was not triggered by a client message.
type SubscriptionListener interface {
	Subscribed(session *ServerSession, channel *ServerChannel, message *protocol.Message)
	Unsubscribed(session *ServerSession, channel *ServerChannel, message *protocol.Message)
}

// MessageListener observes messages published to a channel. Returning false
// drops the message.
type MessageListener interface {
	OnMessage(from *ServerSession, channel *ServerChannel, message *protocol.Message) bool
}

type MessageListenerFunc func(from *ServerSession, channel *ServerChannel, message *protocol.Message) bool

func (f MessageListenerFunc) OnMessage(from *ServerSession, channel *ServerChannel, message *protocol.Message) bool {
	return f(from, channel, message)
}

// SessionRemovedListener is attached to a session and told when it goes away.
type SessionRemovedListener interface {
	Removed(session *ServerSession, timedOut bool)
}

// MaxQueueListener decides whether a message may be queued once the session
// queue reached its limit.
type MaxQueueListener interface {
	QueueMaxed(session *ServerSession, from *ServerSession, message *protocol.Message) bool
}

// QueueListener is told about every message queued for the session.
type QueueListener interface {
	Queued(session *ServerSession, from *ServerSession, message *protocol.Message)
}

// safely runs a user callback; a panic is logged and swallowed.
func safely(what string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("Exception while invoking %s: %v", what, r)
		}
	}()
	fn()
}

// safeBool runs a user callback returning a verdict; a panic yields fallback.
func safeBool(what string, fallback bool, fn func() bool) (result bool) {
	result = fallback
	defer func() {
		if r := recover(); r != nil {
			logger.ErrorF("Exception while invoking %s: %v", what, r)
			result = fallback
		}
	}()
	return fn()
}

// sameValue compares registrations without panicking on func values, which
// never compare equal.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == b
	}
	t := reflect.TypeOf(a)
	if t != reflect.TypeOf(b) || !t.Comparable() {
		return false
	}
	return a == b
}
