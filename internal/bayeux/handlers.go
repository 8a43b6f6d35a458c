package bayeux

import (
	"context"
	"fmt"
	"time"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

func (s *Server) handleHandshake(ctx context.Context, session *ServerSession, message *protocol.Message) {
	reply := message.Associated()
	transport := TransportFromContext(ctx)

	if policy := s.SecurityPolicy(); policy != nil {
		allowed := safeBool(fmt.Sprintf("security policy %T", policy), false, func() bool {
			return policy.CanHandshake(s, session, message)
		})
		if !allowed {
			logger.InfoF("[%s] Handshake denied by security policy", session)
			setError(reply, protocol.CodeForbidden, ReasonSecurityPolicy, "handshake denied")
			advice, _ := reply.GetAdvice(true)
			if _, ok := advice[protocol.ReconnectField]; !ok {
				advice[protocol.ReconnectField] = protocol.ReconnectNone
			}
			return
		}
	}

	session.handshake(transport)
	s.addSession(session, message)

	_ = reply.SetSuccessful(true)
	_ = reply.SetClientID(session.ID())
	_ = reply.Set(protocol.VersionField, protocol.BayeuxVersion)
	_ = reply.Set(protocol.MinimumVersionField, protocol.MinimumVersion)
	_ = reply.Set(protocol.SupportedConnectionTypesField, s.AllowedTransports())

	advice := session.TakeAdvice(transport)
	if advice == nil {
		advice = map[string]any{protocol.ReconnectField: protocol.ReconnectRetry}
	}
	_ = reply.Set(protocol.AdviceField, advice)
	logger.InfoF("[%s] Handshake successful", session.ID())
}

func (s *Server) handleConnect(ctx context.Context, session *ServerSession, message *protocol.Message) {
	reply := message.Associated()
	if !session.IsHandshaken() {
		unknownSession(reply)
		return
	}

	timeout, interval := unset, unset
	if advice := message.Advice(); advice != nil {
		if ms, ok := protocol.NumberValue(advice[protocol.TimeoutField]); ok {
			timeout = time.Duration(ms) * time.Millisecond
		}
		if ms, ok := protocol.NumberValue(advice[protocol.IntervalField]); ok {
			interval = time.Duration(ms) * time.Millisecond
		}
	}
	if session.updateTransient(timeout, interval) {
		session.ReAdvise()
	}

	session.connect()
	_ = reply.SetSuccessful(true)
	if advice := session.TakeAdvice(TransportFromContext(ctx)); advice != nil {
		_ = reply.Set(protocol.AdviceField, advice)
	}
}

func (s *Server) handleSubscribe(_ context.Context, session *ServerSession, message *protocol.Message) {
	reply := message.Associated()
	names, ok := message.Subscriptions()
	if !ok {
		setError(reply, protocol.CodeForbidden, "", "subscription missing")
		return
	}
	_ = reply.Set(protocol.SubscriptionField, message.Get(protocol.SubscriptionField))

	for _, name := range names {
		id, err := s.ChannelID(name)
		if err != nil {
			setError(reply, protocol.CodeBadRequest, "", "invalid channel")
			return
		}

		channel := s.Channel(name)
		if channel == nil {
			if result := s.authorize(OperationCreate, session, message, id, nil); result.IsDenied() {
				denied(reply, OperationCreate, result)
				return
			}
			channel, _, err = s.CreateChannelIfAbsent(name)
			if err != nil {
				setError(reply, protocol.CodeBadRequest, "", "invalid channel")
				return
			}
		}

		if result := s.authorize(OperationSubscribe, session, message, id, channel); result.IsDenied() {
			denied(reply, OperationSubscribe, result)
			return
		}

		// meta and service channels are only really subscribed by local sessions
		if session.IsLocal() || channel.IsBroadcast() {
			if !channel.subscribe(session, message) {
				setError(reply, protocol.CodeForbidden, "", "subscribe failed")
				return
			}
			logger.DebugF("[%s] Subscribed to %s", session.ID(), name)
		}
	}
	_ = reply.SetSuccessful(true)
}

func (s *Server) handleUnsubscribe(_ context.Context, session *ServerSession, message *protocol.Message) {
	reply := message.Associated()
	names, ok := message.Subscriptions()
	if !ok {
		setError(reply, protocol.CodeForbidden, "", "subscription missing")
		return
	}
	_ = reply.Set(protocol.SubscriptionField, message.Get(protocol.SubscriptionField))

	for _, name := range names {
		channel := s.Channel(name)
		if channel == nil {
			setError(reply, protocol.CodeBadRequest, "", "channel missing")
			return
		}
		if session.IsLocal() || channel.IsBroadcast() {
			channel.unsubscribe(session, message)
			logger.DebugF("[%s] Unsubscribed from %s", session.ID(), name)
		}
	}
	_ = reply.SetSuccessful(true)
}

func (s *Server) handleDisconnect(_ context.Context, session *ServerSession, message *protocol.Message) {
	reply := message.Associated()
	s.RemoveSession(session, false)
	session.Flush()
	_ = reply.SetSuccessful(true)
	logger.InfoF("[%s] Disconnected", session.ID())
}
