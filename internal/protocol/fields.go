// Package protocol defines the Bayeux wire vocabulary: channel ids, messages and
// the well-known field names and constants shared by the server and transports.
package protocol

// Well-known message fields
const (
	ChannelField                  = "channel"
	ClientIDField                 = "clientId"
	DataField                     = "data"
	IDField                       = "id"
	ErrorField                    = "error"
	TimestampField                = "timestamp"
	TransportField                = "transport"
	AdviceField                   = "advice"
	SuccessfulField               = "successful"
	SubscriptionField             = "subscription"
	ExtField                      = "ext"
	ConnectionTypeField           = "connectionType"
	VersionField                  = "version"
	MinimumVersionField           = "minimumVersion"
	SupportedConnectionTypesField = "supportedConnectionTypes"
	ReconnectField                = "reconnect"
	IntervalField                 = "interval"
	TimeoutField                  = "timeout"
)

// Advice reconnect values
const (
	ReconnectRetry     = "retry"
	ReconnectHandshake = "handshake"
	ReconnectNone      = "none"
)

// Meta channels
const (
	MetaPrefix    = "/meta/"
	ServicePrefix = "/service/"

	MetaHandshake   = "/meta/handshake"
	MetaConnect     = "/meta/connect"
	MetaSubscribe   = "/meta/subscribe"
	MetaUnsubscribe = "/meta/unsubscribe"
	MetaDisconnect  = "/meta/disconnect"
)

// MetaChannels lists the protocol control channels in handshake order.
var MetaChannels = []string{MetaHandshake, MetaConnect, MetaSubscribe, MetaUnsubscribe, MetaDisconnect}

const (
	BayeuxVersion  = "1.0"
	MinimumVersion = "1.0"
)
