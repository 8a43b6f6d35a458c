package bayeux

import (
	"fmt"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

// unset marks a timeout or interval that was never configured.
const unset time.Duration = -1

// ServerSession is the server side handle of one client. Its queue and
// scheduler slot are guarded by a single mutex; listeners and extensions are
// always invoked with the mutex released.
type ServerSession struct {
	server  *Server
	id      string
	local   bool
	created time.Time

	mu                     sync.Mutex
	queue                  []*protocol.Message
	batch                  int
	scheduler              Scheduler
	lazyTimer              *time.Timer
	handshaken             bool
	connected              bool
	removed                bool
	subscriptions          map[*ServerChannel]struct{}
	timeout                time.Duration
	interval               time.Duration
	maxInterval            time.Duration
	transientTimeout       time.Duration
	transientInterval      time.Duration
	maxQueue               int
	maxLazyTimeout         time.Duration
	metaConnectDeliverOnly bool
	connectTimestamp       time.Time
	intervalTimestamp      time.Time
	advisedTransport       Transport
	userAgent              string
	localReceiver          func(message *protocol.Message)

	hooksMu    sync.RWMutex
	extensions []SessionExtension
	listeners  []Listener
}

func newServerSession(server *Server, id string, local bool) *ServerSession {
	now := time.Now()
	return &ServerSession{
		server:                 server,
		id:                     id,
		local:                  local,
		created:                now,
		subscriptions:          make(map[*ServerChannel]struct{}),
		timeout:                unset,
		interval:               unset,
		maxInterval:            unset,
		transientTimeout:       unset,
		transientInterval:      unset,
		maxQueue:               server.opts.MaxQueue,
		maxLazyTimeout:         server.opts.MaxLazyTimeout,
		metaConnectDeliverOnly: server.opts.MetaConnectDeliverOnly,
		connectTimestamp:       now,
	}
}

func (s *ServerSession) ID() string {
	return s.id
}

func (s *ServerSession) String() string {
	if s == nil {
		return "<nil>"
	}
	return s.id
}

func (s *ServerSession) IsLocal() bool {
	return s.local
}

func (s *ServerSession) Created() time.Time {
	return s.created
}

func (s *ServerSession) IsHandshaken() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handshaken
}

func (s *ServerSession) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func (s *ServerSession) UserAgent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userAgent
}

func (s *ServerSession) SetUserAgent(userAgent string) {
	s.mu.Lock()
	s.userAgent = userAgent
	s.mu.Unlock()
}

func (s *ServerSession) handshake(transport Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handshaken = true
	s.connectTimestamp = time.Now()
	if transport != nil {
		s.maxLazyTimeout = transport.MaxLazyTimeout()
		s.metaConnectDeliverOnly = transport.MetaConnectDeliverOnly()
	}
}

func (s *ServerSession) connect() {
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.CancelIntervalTimeout()
}

func (s *ServerSession) AddExtension(extension SessionExtension) {
	s.hooksMu.Lock()
	s.extensions = append(s.extensions, extension)
	s.hooksMu.Unlock()
}

func (s *ServerSession) RemoveExtension(extension SessionExtension) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	for i, e := range s.extensions {
		if sameValue(e, extension) {
			s.extensions = append(s.extensions[:i], s.extensions[i+1:]...)
			return
		}
	}
}

func (s *ServerSession) Extensions() []SessionExtension {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	return append([]SessionExtension(nil), s.extensions...)
}

// AddListener attaches a SessionRemovedListener, MaxQueueListener and/or
// QueueListener.
func (s *ServerSession) AddListener(listener Listener) {
	s.hooksMu.Lock()
	s.listeners = append(s.listeners, listener)
	s.hooksMu.Unlock()
}

func (s *ServerSession) RemoveListener(listener Listener) {
	s.hooksMu.Lock()
	defer s.hooksMu.Unlock()
	for i, l := range s.listeners {
		if sameValue(l, listener) {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

func (s *ServerSession) Listeners() []Listener {
	s.hooksMu.RLock()
	defer s.hooksMu.RUnlock()
	return append([]Listener(nil), s.listeners...)
}

// Subscriptions returns the channels the session is subscribed to.
func (s *ServerSession) Subscriptions() []*ServerChannel {
	s.mu.Lock()
	defer s.mu.Unlock()
	channels := make([]*ServerChannel, 0, len(s.subscriptions))
	for channel := range s.subscriptions {
		channels = append(channels, channel)
	}
	return channels
}

func (s *ServerSession) subscribedTo(channel *ServerChannel) {
	s.mu.Lock()
	s.subscriptions[channel] = struct{}{}
	s.mu.Unlock()
}

func (s *ServerSession) unsubscribedFrom(channel *ServerChannel) {
	s.mu.Lock()
	delete(s.subscriptions, channel)
	s.mu.Unlock()
}

// Timeout returns the configured timeout, or -1 when unset.
func (s *ServerSession) Timeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timeout
}

func (s *ServerSession) SetTimeout(timeout time.Duration) {
	s.mu.Lock()
	s.timeout = timeout
	s.mu.Unlock()
}

// Interval returns the configured interval, or -1 when unset.
func (s *ServerSession) Interval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.interval
}

func (s *ServerSession) SetInterval(interval time.Duration) {
	s.mu.Lock()
	s.interval = interval
	s.mu.Unlock()
}

// MaxInterval returns the configured max interval, or -1 when unset.
func (s *ServerSession) MaxInterval() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxInterval
}

func (s *ServerSession) SetMaxInterval(maxInterval time.Duration) {
	s.mu.Lock()
	s.maxInterval = maxInterval
	s.mu.Unlock()
}

func (s *ServerSession) MaxQueue() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxQueue
}

// SetMaxQueue sets the queue size above which MaxQueueListeners are asked
// before queuing. Non positive values disable the check.
func (s *ServerSession) SetMaxQueue(maxQueue int) {
	s.mu.Lock()
	s.maxQueue = maxQueue
	s.mu.Unlock()
}

func (s *ServerSession) MaxLazyTimeout() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxLazyTimeout
}

func (s *ServerSession) SetMaxLazyTimeout(timeout time.Duration) {
	s.mu.Lock()
	s.maxLazyTimeout = timeout
	s.mu.Unlock()
}

func (s *ServerSession) MetaConnectDeliverOnly() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.metaConnectDeliverOnly
}

func (s *ServerSession) SetMetaConnectDeliverOnly(deliverOnly bool) {
	s.mu.Lock()
	s.metaConnectDeliverOnly = deliverOnly
	s.mu.Unlock()
}

// CalculateTimeout resolves the effective timeout: the value the client asked
// for in its last connect, then the configured one, then defaultTimeout.
func (s *ServerSession) CalculateTimeout(defaultTimeout time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calculateTimeoutLocked(defaultTimeout)
}

func (s *ServerSession) calculateTimeoutLocked(defaultTimeout time.Duration) time.Duration {
	if s.transientTimeout >= 0 {
		return s.transientTimeout
	}
	if s.timeout >= 0 {
		return s.timeout
	}
	return defaultTimeout
}

// CalculateInterval resolves the effective interval the same way as
// CalculateTimeout.
func (s *ServerSession) CalculateInterval(defaultInterval time.Duration) time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calculateIntervalLocked(defaultInterval)
}

func (s *ServerSession) calculateIntervalLocked(defaultInterval time.Duration) time.Duration {
	if s.transientInterval >= 0 {
		return s.transientInterval
	}
	if s.interval >= 0 {
		return s.interval
	}
	return defaultInterval
}

// updateTransient stores the client requested timeout and interval, unset
// when the client did not ask. It reports whether anything changed.
func (s *ServerSession) updateTransient(timeout, interval time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	changed := timeout != s.transientTimeout || interval != s.transientInterval
	s.transientTimeout = timeout
	s.transientInterval = interval
	return changed
}

// StartIntervalTimeout arms the expiry deadline once a reply left through the
// transport: the client must come back within interval + maxInterval.
func (s *ServerSession) StartIntervalTimeout(transport Transport) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var interval, maxInterval time.Duration
	if transport != nil {
		interval = s.calculateIntervalLocked(transport.Interval())
		maxInterval = transport.MaxInterval()
	} else {
		interval = s.calculateIntervalLocked(s.server.opts.Interval)
		maxInterval = s.server.opts.MaxInterval
	}
	if s.maxInterval >= 0 {
		maxInterval = s.maxInterval
	}
	s.intervalTimestamp = time.Now().Add(interval + maxInterval)
}

// CancelIntervalTimeout clears the deadline while the client holds a connect
// open.
func (s *ServerSession) CancelIntervalTimeout() {
	s.mu.Lock()
	s.connectTimestamp = time.Now()
	s.intervalTimestamp = time.Time{}
	s.mu.Unlock()
}

// IntervalDeadline returns the current expiry deadline, zero if none.
func (s *ServerSession) IntervalDeadline() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.intervalTimestamp
}

// TakeAdvice returns advice to attach to a reply if the session has not yet
// been advised for this transport.
func (s *ServerSession) TakeAdvice(transport Transport) map[string]any {
	if transport == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.advisedTransport == transport {
		return nil
	}
	s.advisedTransport = transport
	return map[string]any{
		protocol.ReconnectField: protocol.ReconnectRetry,
		protocol.IntervalField:  s.calculateIntervalLocked(transport.Interval()).Milliseconds(),
		protocol.TimeoutField:   s.calculateTimeoutLocked(transport.Timeout()).Milliseconds(),
	}
}

// ReAdvise forces fresh advice on the next reply.
func (s *ServerSession) ReAdvise() {
	s.mu.Lock()
	s.advisedTransport = nil
	s.mu.Unlock()
}

// StartBatch defers flushing until the matching EndBatch.
func (s *ServerSession) StartBatch() {
	s.mu.Lock()
	s.batch++
	s.mu.Unlock()
}

// EndBatch closes one batch level. At depth zero a non empty queue is flushed
// and true is returned.
func (s *ServerSession) EndBatch() bool {
	s.mu.Lock()
	if s.batch > 0 {
		s.batch--
	}
	flush := s.batch == 0 && len(s.queue) > 0
	s.mu.Unlock()
	if flush {
		s.Flush()
	}
	return flush
}

// Batch runs fn inside a batch.
func (s *ServerSession) Batch(fn func()) {
	s.StartBatch()
	defer s.EndBatch()
	fn()
}

// Queue returns a snapshot of the queued messages.
func (s *ServerSession) Queue() []*protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*protocol.Message(nil), s.queue...)
}

func (s *ServerSession) QueueLen() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queue)
}

// TakeQueue drains the queue.
func (s *ServerSession) TakeQueue() []*protocol.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	queue := s.queue
	s.queue = nil
	return queue
}

// Deliver sends data on channel to this session only, bypassing channels.
func (s *ServerSession) Deliver(from *ServerSession, channel string, data any) error {
	message := protocol.NewMessage()
	_ = message.SetChannel(channel)
	_ = message.SetData(data)
	return s.DeliverMessage(from, message)
}

// DeliverMessage freezes message if needed and delivers it to this session.
func (s *ServerSession) DeliverMessage(from *ServerSession, message *protocol.Message) error {
	if !message.Frozen() {
		if _, err := message.Freeze(); err != nil {
			return err
		}
	}
	s.deliver(from, message)
	return nil
}

func (s *ServerSession) deliver(from *ServerSession, message *protocol.Message) {
	message = s.extendSend(from, message)
	if message == nil {
		return
	}

	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return
	}
	maxed := s.maxQueue > 0 && len(s.queue) >= s.maxQueue
	s.mu.Unlock()

	if maxed && !s.notifyQueueMaxed(from, message) {
		logger.DebugF("[%s] Queue full, message on %s discarded", s.id, message.Channel())
		return
	}

	s.mu.Lock()
	s.queue = append(s.queue, message)
	batching := s.batch > 0
	s.mu.Unlock()

	s.notifyQueued(from, message)

	if batching {
		return
	}
	if message.IsLazy() {
		s.flushLazy()
	} else {
		s.Flush()
	}
}

// extendSend runs the session send extensions and then the server ones,
// both in reverse registration order.
func (s *ServerSession) extendSend(from *ServerSession, message *protocol.Message) *protocol.Message {
	extensions := s.Extensions()
	for i := len(extensions) - 1; i >= 0; i-- {
		extension := extensions[i]
		what := fmt.Sprintf("session extension %T", extension)
		if message.IsMeta() {
			if !safeBool(what, true, func() bool { return extension.SendMeta(s, message) }) {
				return nil
			}
			continue
		}
		current := message
		safely(what, func() { current = extension.Send(s, current) })
		if current == nil {
			return nil
		}
		message = current
	}

	if !s.server.extendSend(from, s, message) {
		return nil
	}
	return message
}

// extendReceive runs the session receive extensions in registration order.
func (s *ServerSession) extendReceive(message *protocol.Message) bool {
	for _, extension := range s.Extensions() {
		what := fmt.Sprintf("session extension %T", extension)
		var ok bool
		if message.IsMeta() {
			ok = safeBool(what, true, func() bool { return extension.ReceiveMeta(s, message) })
		} else {
			ok = safeBool(what, true, func() bool { return extension.Receive(s, message) })
		}
		if !ok {
			return false
		}
	}
	return true
}

func (s *ServerSession) notifyQueueMaxed(from *ServerSession, message *protocol.Message) bool {
	for _, listener := range s.Listeners() {
		l, ok := listener.(MaxQueueListener)
		if !ok {
			continue
		}
		if !safeBool(fmt.Sprintf("max queue listener %T", l), true, func() bool {
			return l.QueueMaxed(s, from, message)
		}) {
			return false
		}
	}
	return true
}

func (s *ServerSession) notifyQueued(from *ServerSession, message *protocol.Message) {
	for _, listener := range s.Listeners() {
		if l, ok := listener.(QueueListener); ok {
			safely(fmt.Sprintf("queue listener %T", l), func() { l.Queued(s, from, message) })
		}
	}
}

// SetScheduler installs the scheduler able to flush this session. The
// previous scheduler, if any, is cancelled. When non lazy messages are
// already queued outside a batch the new scheduler is scheduled right away.
func (s *ServerSession) SetScheduler(scheduler Scheduler) {
	s.mu.Lock()
	previous := s.scheduler
	if s.removed {
		s.scheduler = nil
		s.mu.Unlock()
		if previous != nil {
			previous.Cancel()
		}
		if scheduler != nil {
			scheduler.Cancel()
		}
		return
	}
	s.scheduler = scheduler
	schedule := scheduler != nil && s.batch == 0 && s.hasNonLazyLocked()
	if schedule && isOneTime(scheduler) {
		s.scheduler = nil
	}
	s.mu.Unlock()

	if previous != nil && previous != scheduler {
		previous.Cancel()
	}
	if schedule {
		scheduler.Schedule()
	}
}

// ClearScheduler removes scheduler if it is still the installed one, without
// cancelling it.
func (s *ServerSession) ClearScheduler(scheduler Scheduler) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.scheduler != scheduler {
		return false
	}
	s.scheduler = nil
	return true
}

func (s *ServerSession) hasNonLazyLocked() bool {
	for _, message := range s.queue {
		if !message.IsLazy() {
			return true
		}
	}
	return false
}

// Flush hands the queue to the installed scheduler. Local sessions without a
// scheduler receive the queued messages directly.
func (s *ServerSession) Flush() {
	s.mu.Lock()
	if s.lazyTimer != nil {
		s.lazyTimer.Stop()
		s.lazyTimer = nil
	}
	scheduler := s.scheduler
	if scheduler != nil {
		if isOneTime(scheduler) {
			s.scheduler = nil
		}
		s.mu.Unlock()
		scheduler.Schedule()
		return
	}
	receiver := s.localReceiver
	if !s.local || receiver == nil {
		s.mu.Unlock()
		return
	}
	queue := s.queue
	s.queue = nil
	s.mu.Unlock()

	for _, message := range queue {
		safely("local session receiver", func() { receiver(message) })
	}
}

func (s *ServerSession) flushLazy() {
	s.mu.Lock()
	wait := s.maxLazyTimeout
	if wait <= 0 {
		s.mu.Unlock()
		s.Flush()
		return
	}
	if s.lazyTimer == nil {
		s.lazyTimer = time.AfterFunc(wait, s.lazyExpired)
	}
	s.mu.Unlock()
}

func (s *ServerSession) lazyExpired() {
	s.mu.Lock()
	s.lazyTimer = nil
	s.mu.Unlock()
	s.Flush()
}

// Sweep removes the session if its interval deadline passed or, while a
// connect is held, if it outlived the server's max interval. Local sessions
// never expire.
func (s *ServerSession) Sweep(now time.Time) {
	if s.local {
		return
	}
	s.mu.Lock()
	var expired bool
	if s.intervalTimestamp.IsZero() {
		maxServerInterval := s.server.opts.MaxServerInterval
		expired = maxServerInterval > 0 && now.After(s.connectTimestamp.Add(maxServerInterval))
	} else {
		expired = now.After(s.intervalTimestamp)
	}
	s.mu.Unlock()

	if expired {
		logger.InfoF("[%s] Session expired", s.id)
		s.server.RemoveSession(s, true)
	}
}

// Disconnect removes the session from the server and flushes whatever is
// still queued.
func (s *ServerSession) Disconnect() {
	s.server.RemoveSession(s, false)
	s.Flush()
}

func (s *ServerSession) IsRemoved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removed
}

// removedFromServer tears the session down. It returns whether the session was
// connected.
func (s *ServerSession) removedFromServer(timedOut bool) bool {
	s.mu.Lock()
	if s.removed {
		s.mu.Unlock()
		return false
	}
	s.removed = true
	connected := s.connected
	s.connected = false
	s.handshaken = false
	scheduler := s.scheduler
	s.scheduler = nil
	if s.lazyTimer != nil {
		s.lazyTimer.Stop()
		s.lazyTimer = nil
	}
	channels := make([]*ServerChannel, 0, len(s.subscriptions))
	for channel := range s.subscriptions {
		channels = append(channels, channel)
	}
	s.mu.Unlock()

	if scheduler != nil {
		scheduler.Cancel()
	}
	for _, channel := range channels {
		channel.Unsubscribe(s)
	}
	for _, listener := range s.Listeners() {
		if l, ok := listener.(SessionRemovedListener); ok {
			safely(fmt.Sprintf("session removed listener %T", l), func() { l.Removed(s, timedOut) })
		}
	}
	return connected
}
