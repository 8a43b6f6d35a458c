package bayeux

import (
	"context"
	"time"
)

// Transport supplies the per-transport defaults the engine needs. The
// network side lives in the transport package.
type Transport interface {
	Name() string
	Timeout() time.Duration
	Interval() time.Duration
	MaxInterval() time.Duration
	MaxLazyTimeout() time.Duration
	MetaConnectDeliverOnly() bool
}

// TransportSweeper is implemented by transports that hold state needing
// periodic cleanup.
type TransportSweeper interface {
	Sweep(now time.Time)
}

// BaseTransport implements every Transport method but Name from Options and
// is meant to be embedded.
type BaseTransport struct {
	name string
	opts Options
}

func NewBaseTransport(name string, opts Options) BaseTransport {
	opts.applyDefaults()
	return BaseTransport{name: name, opts: opts}
}

func (t BaseTransport) Name() string { return t.name }

func (t BaseTransport) Timeout() time.Duration { return t.opts.Timeout }

func (t BaseTransport) Interval() time.Duration { return t.opts.Interval }

func (t BaseTransport) MaxInterval() time.Duration { return t.opts.MaxInterval }

func (t BaseTransport) MaxLazyTimeout() time.Duration { return t.opts.MaxLazyTimeout }

func (t BaseTransport) MetaConnectDeliverOnly() bool { return t.opts.MetaConnectDeliverOnly }

type transportKey struct{}

// WithTransport records the transport carrying the current request.
func WithTransport(ctx context.Context, transport Transport) context.Context {
	return context.WithValue(ctx, transportKey{}, transport)
}

// TransportFromContext returns the transport of the current request, or nil
// for in-process requests.
func TransportFromContext(ctx context.Context) Transport {
	if ctx == nil {
		return nil
	}
	transport, _ := ctx.Value(transportKey{}).(Transport)
	return transport
}
