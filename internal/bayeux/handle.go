package bayeux

import (
	"context"
	"fmt"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

// Handle processes one inbound message for session, which is nil for a
// client that has no session yet. The returned reply is nil when an
// extension suppressed it. The error is reserved for misuse such as handing
// in a frozen message; protocol failures are reported in the reply.
//
// The transport carrying the request, if any, is taken from ctx (see
// WithTransport).
func (s *Server) Handle(ctx context.Context, session *ServerSession, message *protocol.Message) (*protocol.Message, error) {
	if message.Frozen() {
		return nil, fmt.Errorf("cannot handle message on %s: %w", message.Channel(), protocol.ErrImmutable)
	}
	reply := createReply(message)

	if !s.extendReceive(session, message) {
		setError(reply, protocol.CodeNotFound, "", "message deleted")
		return s.extendReply(session, reply), nil
	}

	name := message.Channel()
	if name == "" {
		setError(reply, protocol.CodeBadRequest, "", "channel missing")
		return s.extendReply(session, reply), nil
	}
	id, err := s.ChannelID(name)
	if err != nil {
		setError(reply, protocol.CodeBadRequest, "", "invalid channel")
		return s.extendReply(session, reply), nil
	}

	if session == nil && name == protocol.MetaHandshake {
		session = s.newSession()
	}
	if session == nil || (!session.IsHandshaken() && name != protocol.MetaHandshake) {
		unknownSession(reply)
		return s.extendReply(session, reply), nil
	}

	channel := s.Channel(name)
	if channel == nil {
		if id.IsMeta() {
			setError(reply, protocol.CodeBadRequest, "", "unknown meta channel")
			return s.extendReply(session, reply), nil
		}
		if id.IsWild() {
			setError(reply, protocol.CodeBadRequest, "", "cannot publish to wild channel")
			return s.extendReply(session, reply), nil
		}
		if result := s.authorize(OperationCreate, session, message, id, nil); result.IsDenied() {
			denied(reply, OperationCreate, result)
			return s.extendReply(session, reply), nil
		}
		channel, _, err = s.CreateChannelIfAbsent(name)
		if err != nil {
			setError(reply, protocol.CodeBadRequest, "", "invalid channel")
			return s.extendReply(session, reply), nil
		}
	}

	if channel.IsMeta() {
		delivered, err := s.publish(ctx, session, channel, message)
		if err != nil {
			return nil, err
		}
		if !delivered {
			setError(reply, protocol.CodeNotFound, "", "message deleted")
		}
		return s.extendReply(session, reply), nil
	}

	if channel.IsWild() {
		setError(reply, protocol.CodeBadRequest, "", "cannot publish to wild channel")
		return s.extendReply(session, reply), nil
	}
	if result := s.authorize(OperationPublish, session, message, id, channel); result.IsDenied() {
		denied(reply, OperationPublish, result)
		return s.extendReply(session, reply), nil
	}
	_ = reply.SetSuccessful(true)
	delivered, err := s.publish(ctx, session, channel, message)
	if err != nil {
		return nil, err
	}
	if !delivered {
		setError(reply, protocol.CodeNotFound, "", "message deleted")
	}
	return s.extendReply(session, reply), nil
}

// createReply builds the reply for request and links the two.
func createReply(request *protocol.Message) *protocol.Message {
	reply := protocol.NewMessage()
	_ = reply.SetChannel(request.Channel())
	if id := request.Get(protocol.IDField); id != nil {
		_ = reply.Set(protocol.IDField, id)
	}
	request.SetAssociated(reply)
	reply.SetAssociated(request)
	return reply
}

func setError(reply *protocol.Message, code int, sub string, description string) {
	_ = reply.SetSuccessful(false)
	_ = reply.SetError(protocol.NewError(code, sub, description))
}

func denied(reply *protocol.Message, op Operation, result Result) {
	setError(reply, protocol.CodeForbidden, result.Reason(), op.String()+" denied")
}

func unknownSession(reply *protocol.Message) {
	setError(reply, protocol.CodeUnknownClient, "", "Unknown client")
	_ = reply.Set(protocol.AdviceField, map[string]any{
		protocol.ReconnectField: protocol.ReconnectHandshake,
		protocol.IntervalField:  int64(0),
	})
}

// extendReceive runs server receive extensions then the session ones, in
// registration order.
func (s *Server) extendReceive(session *ServerSession, message *protocol.Message) bool {
	for _, extension := range s.Extensions() {
		what := fmt.Sprintf("extension %T", extension)
		var ok bool
		if message.IsMeta() {
			ok = safeBool(what, true, func() bool { return extension.ReceiveMeta(session, message) })
		} else {
			ok = safeBool(what, true, func() bool { return extension.Receive(session, message) })
		}
		if !ok {
			return false
		}
	}
	if session != nil {
		return session.extendReceive(message)
	}
	return true
}

// extendSend runs the server send extensions in reverse registration order.
func (s *Server) extendSend(from *ServerSession, to *ServerSession, message *protocol.Message) bool {
	extensions := s.Extensions()
	for i := len(extensions) - 1; i >= 0; i-- {
		extension := extensions[i]
		what := fmt.Sprintf("extension %T", extension)
		var ok bool
		if message.IsMeta() {
			ok = safeBool(what, true, func() bool { return extension.SendMeta(to, message) })
		} else {
			ok = safeBool(what, true, func() bool { return extension.Send(from, to, message) })
		}
		if !ok {
			return false
		}
	}
	return true
}

// extendReply passes reply through the session and server send extensions.
func (s *Server) extendReply(session *ServerSession, reply *protocol.Message) *protocol.Message {
	if session != nil {
		return session.extendSend(session, reply)
	}
	if !s.extendSend(nil, nil, reply) {
		return nil
	}
	return reply
}

// publish runs the message listeners of the wild channels matching channel
// and of channel itself, freezes the message, delivers it once to every
// subscriber of a broadcast channel and, for meta channels, invokes the meta
// handler. It returns false when a listener dropped the message.
func (s *Server) publish(ctx context.Context, from *ServerSession, channel *ServerChannel, message *protocol.Message) (bool, error) {
	if message.Frozen() {
		return false, fmt.Errorf("cannot publish to %s: %w", channel.Name(), protocol.ErrImmutable)
	}

	if !channel.IsMeta() && (channel.IsLazy() || s.hasLazyAncestor(channel.ID())) {
		_ = message.SetLazy(true)
	}

	wilds := make([]*ServerChannel, 0, channel.ID().Depth()+1)
	for _, name := range channel.ID().Wilds() {
		if wild := s.Channel(name); wild != nil {
			wilds = append(wilds, wild)
		}
	}
	for _, wild := range wilds {
		if !wild.notifyMessageListeners(from, message) {
			return false, nil
		}
	}
	if !channel.notifyMessageListeners(from, message) {
		return false, nil
	}

	if _, err := message.Freeze(); err != nil {
		return false, err
	}

	if channel.IsBroadcast() {
		delivered := make(map[*ServerSession]struct{})
		for _, c := range append(wilds, channel) {
			for _, session := range c.Subscribers() {
				if _, ok := delivered[session]; ok {
					continue
				}
				delivered[session] = struct{}{}
				session.deliver(from, message)
			}
		}
	}

	if channel.IsMeta() {
		if handler, ok := s.handlers[channel.Name()]; ok {
			handler(ctx, from, message)
		}
	}
	return true, nil
}

func (s *Server) hasLazyAncestor(id *protocol.ChannelID) bool {
	for name := id.Parent(); name != ""; {
		if parent := s.Channel(name); parent != nil && parent.IsLazy() {
			return true
		}
		parentID, err := s.ChannelID(name)
		if err != nil {
			return false
		}
		name = parentID.Parent()
	}
	return false
}

// authorize consults the security policy, then the authorizers of the wild
// channels matching id (most specific first) and of the channel itself.
// A denial wins immediately. When authorizers were consulted but none
// granted, the operation is denied.
func (s *Server) authorize(op Operation, session *ServerSession, message *protocol.Message, id *protocol.ChannelID, channel *ServerChannel) Result {
	if policy := s.SecurityPolicy(); policy != nil {
		what := fmt.Sprintf("security policy %T", policy)
		var allowed bool
		switch op {
		case OperationCreate:
			allowed = safeBool(what, false, func() bool { return policy.CanCreate(s, session, id.String(), message) })
		case OperationSubscribe:
			allowed = safeBool(what, false, func() bool { return policy.CanSubscribe(s, session, channel, message) })
		case OperationPublish:
			allowed = safeBool(what, false, func() bool { return policy.CanPublish(s, session, channel, message) })
		}
		if !allowed {
			logger.DebugF("[%s] %s on %s denied by security policy", session, op, id)
			return Denied(ReasonSecurityPolicy)
		}
	}

	chain := make([]*ServerChannel, 0, id.Depth()+2)
	for _, name := range id.Wilds() {
		if c := s.Channel(name); c != nil {
			chain = append(chain, c)
		}
	}
	if c := s.Channel(id.String()); c != nil {
		chain = append(chain, c)
	}

	called, granted := false, false
	for _, c := range chain {
		for _, authorizer := range c.Authorizers() {
			called = true
			result := Ignored
			safely(fmt.Sprintf("authorizer %T", authorizer), func() {
				result = authorizer.Authorize(op, id, session, message)
			})
			if result.IsDenied() {
				logger.DebugF("[%s] %s on %s denied by authorizer on %s: %s", session, op, id, c, result.Reason())
				return result
			}
			if result.IsGranted() {
				granted = true
			}
		}
	}
	if !called || granted {
		return Granted
	}
	return Denied(ReasonNotGranting)
}
