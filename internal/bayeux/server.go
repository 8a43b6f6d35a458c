package bayeux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

const channelIDCacheSize = 1024

// Options holds the transport-wide defaults and the sweeper cadence.
type Options struct {
	Timeout                time.Duration
	Interval               time.Duration
	MaxInterval            time.Duration
	MaxLazyTimeout         time.Duration
	MetaConnectDeliverOnly bool
	// MaxQueue <= 0 disables the queue limit
	MaxQueue int
	// MaxServerInterval > 0 expires sessions holding a connect for too long
	MaxServerInterval time.Duration
	TickInterval      time.Duration
	SweepInterval     time.Duration
}

func DefaultOptions() Options {
	return Options{
		Timeout:        30 * time.Second,
		Interval:       0,
		MaxInterval:    10 * time.Second,
		MaxLazyTimeout: 5 * time.Second,
		MaxQueue:       -1,
		TickInterval:   97 * time.Millisecond,
		SweepInterval:  997 * time.Millisecond,
	}
}

func (o *Options) applyDefaults() {
	defaults := DefaultOptions()
	if o.Timeout <= 0 {
		o.Timeout = defaults.Timeout
	}
	if o.Interval < 0 {
		o.Interval = defaults.Interval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = defaults.MaxInterval
	}
	if o.MaxLazyTimeout < 0 {
		o.MaxLazyTimeout = defaults.MaxLazyTimeout
	}
	if o.TickInterval <= 0 {
		o.TickInterval = defaults.TickInterval
	}
	if o.SweepInterval <= 0 {
		o.SweepInterval = defaults.SweepInterval
	}
}

type metaHandler func(ctx context.Context, session *ServerSession, message *protocol.Message)

// Server routes Bayeux messages between sessions and channels. All methods
// are safe for concurrent use.
type Server struct {
	opts     Options
	ids      *lru.Cache[string, *protocol.ChannelID]
	channels sync.Map
	sessions sync.Map
	handlers map[string]metaHandler

	mu         sync.RWMutex
	extensions []Extension
	listeners  []Listener
	transports []Transport
	allowed    []string
	policy     SecurityPolicy

	runMu  sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}
}

func New(opts Options) *Server {
	opts.applyDefaults()
	ids, _ := lru.New[string, *protocol.ChannelID](channelIDCacheSize)
	s := &Server{
		opts: opts,
		ids:  ids,
	}
	s.handlers = map[string]metaHandler{
		protocol.MetaHandshake:   s.handleHandshake,
		protocol.MetaConnect:     s.handleConnect,
		protocol.MetaSubscribe:   s.handleSubscribe,
		protocol.MetaUnsubscribe: s.handleUnsubscribe,
		protocol.MetaDisconnect:  s.handleDisconnect,
	}
	persistent := ChannelInitializerFunc(func(channel *ServerChannel) {
		channel.SetPersistent(true)
	})
	for _, name := range protocol.MetaChannels {
		_, _, _ = s.CreateChannelIfAbsent(name, persistent)
	}
	return s
}

func (s *Server) Options() Options {
	return s.opts
}

// Start validates the transport setup and launches the sweeper. It fails
// with ErrNoTransports when no allowed transport is registered.
func (s *Server) Start(ctx context.Context) error {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel != nil {
		return ErrAlreadyStarted
	}
	allowed := s.AllowedTransports()
	if len(allowed) == 0 {
		return ErrNoTransports
	}

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	sweeper := NewSweeper(s, s.opts.TickInterval, s.opts.SweepInterval)
	go func() {
		defer close(done)
		sweeper.Run(runCtx)
	}()
	s.cancel = cancel
	s.done = done
	logger.InfoF("Bayeux server started with transports %v", allowed)
	return nil
}

// Stop halts the sweeper and cancels every pending scheduler.
func (s *Server) Stop() {
	s.runMu.Lock()
	defer s.runMu.Unlock()
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
	s.cancel = nil
	s.done = nil

	for _, session := range s.Sessions() {
		session.SetScheduler(nil)
	}
	logger.InfoF("Bayeux server stopped")
}

func (s *Server) Invoke(_ context.Context) error {
	s.Stop()
	return nil
}

// AddTransport registers a transport. Unless SetAllowedTransports was called
// every registered transport is allowed.
func (s *Server) AddTransport(transport Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.transports = append(s.transports, transport)
}

func (s *Server) Transport(name string) Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, transport := range s.transports {
		if transport.Name() == name {
			return transport
		}
	}
	return nil
}

func (s *Server) Transports() []Transport {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Transport(nil), s.transports...)
}

func (s *Server) SetAllowedTransports(names ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.allowed = append([]string{}, names...)
}

// AllowedTransports returns the names of the registered transports clients
// may use, in preference order.
func (s *Server) AllowedTransports() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.transports))
	if s.allowed == nil {
		for _, transport := range s.transports {
			names = append(names, transport.Name())
		}
		return names
	}
	for _, name := range s.allowed {
		for _, transport := range s.transports {
			if transport.Name() == name {
				names = append(names, name)
				break
			}
		}
	}
	return names
}

func (s *Server) SetSecurityPolicy(policy SecurityPolicy) {
	s.mu.Lock()
	s.policy = policy
	s.mu.Unlock()
}

func (s *Server) SecurityPolicy() SecurityPolicy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policy
}

func (s *Server) AddExtension(extension Extension) {
	s.mu.Lock()
	s.extensions = append(s.extensions, extension)
	s.mu.Unlock()
}

func (s *Server) RemoveExtension(extension Extension) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, e := range s.extensions {
		if sameValue(e, extension) {
			s.extensions = append(s.extensions[:i], s.extensions[i+1:]...)
			return
		}
	}
}

func (s *Server) Extensions() []Extension {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Extension(nil), s.extensions...)
}

// AddListener registers a ChannelListener, ChannelInitializer,
// SessionListener and/or SubscriptionListener.
func (s *Server) AddListener(listener Listener) {
	s.mu.Lock()
	s.listeners = append(s.listeners, listener)
	s.mu.Unlock()
}

func (s *Server) RemoveListener(listener Listener) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, l := range s.listeners {
		if sameValue(l, listener) {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *Server) Listeners() []Listener {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]Listener(nil), s.listeners...)
}

func (s *Server) newSessionID() string {
	return uuid.NewString()
}

func (s *Server) newSession() *ServerSession {
	return newServerSession(s, s.newSessionID(), false)
}

func (s *Server) Session(id string) *ServerSession {
	value, ok := s.sessions.Load(id)
	if !ok {
		return nil
	}
	return value.(*ServerSession)
}

func (s *Server) Sessions() []*ServerSession {
	var sessions []*ServerSession
	s.sessions.Range(func(_, value any) bool {
		sessions = append(sessions, value.(*ServerSession))
		return true
	})
	return sessions
}

func (s *Server) addSession(session *ServerSession, message *protocol.Message) {
	s.sessions.Store(session.ID(), session)
	logger.DebugF("[%s] Session added", session.ID())
	for _, listener := range s.Listeners() {
		if l, ok := listener.(SessionListener); ok {
			safely(fmt.Sprintf("session listener %T", l), func() { l.SessionAdded(session, message) })
		}
	}
}

// RemoveSession unregisters session and tears it down. It returns whether
// the session was connected; false as well if it was not registered.
func (s *Server) RemoveSession(session *ServerSession, timedOut bool) bool {
	if !s.sessions.CompareAndDelete(session.ID(), session) {
		return false
	}
	connected := session.removedFromServer(timedOut)
	logger.DebugF("[%s] Session removed, timed out: %v", session.ID(), timedOut)
	for _, listener := range s.Listeners() {
		if l, ok := listener.(SessionListener); ok {
			safely(fmt.Sprintf("session listener %T", l), func() { l.SessionRemoved(session, timedOut) })
		}
	}
	return connected
}

// Publish sends data to the named channel on behalf of from, creating the
// channel when needed. No authorization is applied.
func (s *Server) Publish(from *ServerSession, channel string, data any) error {
	c, _, err := s.CreateChannelIfAbsent(channel)
	if err != nil {
		return err
	}
	return c.Publish(from, data)
}

// Sweep runs one expiry pass over channels, sessions and transports.
func (s *Server) Sweep(now time.Time) {
	for _, channel := range s.Channels() {
		channel.sweep()
	}
	for _, session := range s.Sessions() {
		session.Sweep(now)
	}
	for _, transport := range s.Transports() {
		if sweeper, ok := transport.(TransportSweeper); ok {
			safely(fmt.Sprintf("transport sweep %s", transport.Name()), func() { sweeper.Sweep(now) })
		}
	}
}
