package bayeux

import (
	"context"
	"fmt"
	"sync"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

// MessageHandler receives the messages a LocalSession subscription matches.
type MessageHandler func(message *protocol.Message)

type localSubscription struct {
	id      *protocol.ChannelID
	handler MessageHandler
}

// LocalSession is an in-process client. Its requests take the same Handle
// path as remote ones and deliveries are dispatched synchronously to the
// handlers registered per channel.
type LocalSession struct {
	server  *Server
	session *ServerSession

	mu       sync.RWMutex
	handlers map[string][]localSubscription
}

// NewLocalSession creates a local session whose id starts with idHint.
func (s *Server) NewLocalSession(idHint string) *LocalSession {
	local := &LocalSession{
		server:   s,
		session:  newServerSession(s, "L:"+idHint+"_"+s.newSessionID(), true),
		handlers: make(map[string][]localSubscription),
	}
	local.session.localReceiver = local.receive
	return local
}

func (l *LocalSession) ID() string {
	return l.session.ID()
}

// ServerSession returns the server side counterpart of this session.
func (l *LocalSession) ServerSession() *ServerSession {
	return l.session
}

func (l *LocalSession) IsHandshaken() bool {
	return l.session.IsHandshaken()
}

func (l *LocalSession) Handshake(ctx context.Context) error {
	_, err := l.request(ctx, protocol.MetaHandshake, nil)
	return err
}

// Subscribe subscribes to channel and routes matching messages to handler.
func (l *LocalSession) Subscribe(ctx context.Context, channel string, handler MessageHandler) error {
	id, err := l.server.ChannelID(channel)
	if err != nil {
		return err
	}
	if _, err := l.request(ctx, protocol.MetaSubscribe, func(m *protocol.Message) {
		_ = m.Set(protocol.SubscriptionField, channel)
	}); err != nil {
		return err
	}
	l.mu.Lock()
	l.handlers[id.String()] = append(l.handlers[id.String()], localSubscription{id: id, handler: handler})
	l.mu.Unlock()
	return nil
}

func (l *LocalSession) Unsubscribe(ctx context.Context, channel string) error {
	id, err := l.server.ChannelID(channel)
	if err != nil {
		return err
	}
	if _, err := l.request(ctx, protocol.MetaUnsubscribe, func(m *protocol.Message) {
		_ = m.Set(protocol.SubscriptionField, id.String())
	}); err != nil {
		return err
	}
	l.mu.Lock()
	delete(l.handlers, id.String())
	l.mu.Unlock()
	return nil
}

// Publish publishes data to channel through the full authorization path.
func (l *LocalSession) Publish(ctx context.Context, channel string, data any) error {
	message := protocol.NewMessage()
	_ = message.SetChannel(channel)
	_ = message.SetClientID(l.session.ID())
	_ = message.SetData(data)
	_, err := l.handle(ctx, message)
	return err
}

func (l *LocalSession) Disconnect(ctx context.Context) error {
	_, err := l.request(ctx, protocol.MetaDisconnect, nil)
	l.mu.Lock()
	l.handlers = make(map[string][]localSubscription)
	l.mu.Unlock()
	return err
}

func (l *LocalSession) request(ctx context.Context, channel string, build func(m *protocol.Message)) (*protocol.Message, error) {
	message := protocol.NewMessage()
	_ = message.SetChannel(channel)
	_ = message.SetClientID(l.session.ID())
	if build != nil {
		build(message)
	}
	return l.handle(ctx, message)
}

func (l *LocalSession) handle(ctx context.Context, message *protocol.Message) (*protocol.Message, error) {
	reply, err := l.server.Handle(ctx, l.session, message)
	if err != nil {
		return nil, err
	}
	if reply == nil {
		return nil, fmt.Errorf("%w: reply to %s suppressed", ErrRequestFailed, message.Channel())
	}
	if !reply.IsSuccessful() {
		return reply, fmt.Errorf("%w: %s %s", ErrRequestFailed, message.Channel(), reply.ErrorString())
	}
	return reply, nil
}

func (l *LocalSession) receive(message *protocol.Message) {
	id, err := l.server.ChannelID(message.Channel())
	if err != nil {
		return
	}
	var matched []MessageHandler
	l.mu.RLock()
	for _, subscriptions := range l.handlers {
		for _, subscription := range subscriptions {
			if subscription.id.Matches(id) {
				matched = append(matched, subscription.handler)
			}
		}
	}
	l.mu.RUnlock()

	for _, handler := range matched {
		safely("local session handler", func() { handler(message) })
	}
}
