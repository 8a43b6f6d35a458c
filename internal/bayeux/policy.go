package bayeux

import (
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

// SecurityPolicy is the global gate consulted before any channel authorizer.
type SecurityPolicy interface {
	CanHandshake(server *Server, session *ServerSession, message *protocol.Message) bool
	CanCreate(server *Server, session *ServerSession, channel string, message *protocol.Message) bool
	CanSubscribe(server *Server, session *ServerSession, channel *ServerChannel, message *protocol.Message) bool
	CanPublish(server *Server, session *ServerSession, channel *ServerChannel, message *protocol.Message) bool
}

// DefaultSecurityPolicy lets anyone handshake but keeps remote sessions away
// from creating, subscribing or publishing to meta channels.
type DefaultSecurityPolicy struct{}

func (DefaultSecurityPolicy) CanHandshake(_ *Server, _ *ServerSession, _ *protocol.Message) bool {
	return true
}

func (DefaultSecurityPolicy) CanCreate(_ *Server, session *ServerSession, channel string, _ *protocol.Message) bool {
	return session != nil && (session.IsLocal() || !protocol.IsMetaChannel(channel))
}

func (DefaultSecurityPolicy) CanSubscribe(_ *Server, session *ServerSession, channel *ServerChannel, _ *protocol.Message) bool {
	return session != nil && (session.IsLocal() || !channel.IsMeta())
}

func (DefaultSecurityPolicy) CanPublish(_ *Server, session *ServerSession, channel *ServerChannel, _ *protocol.Message) bool {
	return session != nil && session.IsHandshaken() && !channel.IsMeta()
}

var _ SecurityPolicy = DefaultSecurityPolicy{}
