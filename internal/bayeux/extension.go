package bayeux

import (
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

// Extension intercepts every message crossing the server. Receive runs in
// registration order, Send in reverse order. Returning false deletes the
// message.
type Extension interface {
	Receive(from *ServerSession, message *protocol.Message) bool
	ReceiveMeta(from *ServerSession, message *protocol.Message) bool
	Send(from *ServerSession, to *ServerSession, message *protocol.Message) bool
	SendMeta(to *ServerSession, message *protocol.Message) bool
}

// SessionExtension intercepts messages of a single session. Send may return
// a replacement message, or nil to suppress delivery.
type SessionExtension interface {
	Receive(session *ServerSession, message *protocol.Message) bool
	ReceiveMeta(session *ServerSession, message *protocol.Message) bool
	Send(session *ServerSession, message *protocol.Message) *protocol.Message
	SendMeta(session *ServerSession, message *protocol.Message) bool
}

// ExtensionAdapter lets implementations override only the hooks they need.
type ExtensionAdapter struct{}

func (ExtensionAdapter) Receive(*ServerSession, *protocol.Message) bool { return true }

func (ExtensionAdapter) ReceiveMeta(*ServerSession, *protocol.Message) bool { return true }

func (ExtensionAdapter) Send(*ServerSession, *ServerSession, *protocol.Message) bool { return true }

func (ExtensionAdapter) SendMeta(*ServerSession, *protocol.Message) bool { return true }

type SessionExtensionAdapter struct{}

func (SessionExtensionAdapter) Receive(*ServerSession, *protocol.Message) bool { return true }

func (SessionExtensionAdapter) ReceiveMeta(*ServerSession, *protocol.Message) bool { return true }

func (SessionExtensionAdapter) Send(_ *ServerSession, message *protocol.Message) *protocol.Message {
	return message
}

func (SessionExtensionAdapter) SendMeta(*ServerSession, *protocol.Message) bool { return true }

var (
	_ Extension        = ExtensionAdapter{}
	_ SessionExtension = SessionExtensionAdapter{}
)
