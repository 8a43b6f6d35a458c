package server

import (
	"context"
	"sync"
	"time"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/bayeux"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/database"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

const storeOperationTimeout = 5 * time.Second

type recordOp int

const (
	opAdd recordOp = iota
	opRemove
	opSubscribe
	opUnsubscribe
)

type recordEvent struct {
	op       recordOp
	clientID string
	local    bool
	channel  string
}

// SessionRecorder mirrors session lifecycle and subscription changes into a
// SessionStore. Listener callbacks only append to a queue; one worker
// goroutine owns the records and talks to the store, so events of a session
// are applied in the order they happened.
type SessionRecorder struct {
	store database.SessionStore

	mu      sync.Mutex
	pending []recordEvent
	stopped bool

	wake      chan struct{}
	stop      chan struct{}
	done      chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once

	// owned by the worker
	records map[string]*database.SessionRecord
}

func NewSessionRecorder(store database.SessionStore) *SessionRecorder {
	return &SessionRecorder{
		store:   store,
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
		records: make(map[string]*database.SessionRecord),
	}
}

func (r *SessionRecorder) Start() {
	r.startOnce.Do(func() { go r.run() })
}

// Invoke stops the worker once the queued events are written.
func (r *SessionRecorder) Invoke(ctx context.Context) error {
	r.stopOnce.Do(func() {
		r.mu.Lock()
		r.stopped = true
		r.mu.Unlock()
		close(r.stop)
	})
	// never started: nothing will drain the queue
	r.startOnce.Do(func() { close(r.done) })
	select {
	case <-r.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (r *SessionRecorder) SessionAdded(session *bayeux.ServerSession, _ *protocol.Message) {
	r.enqueue(recordEvent{op: opAdd, clientID: session.ID(), local: session.IsLocal()})
}

func (r *SessionRecorder) SessionRemoved(session *bayeux.ServerSession, _ bool) {
	r.enqueue(recordEvent{op: opRemove, clientID: session.ID()})
}

func (r *SessionRecorder) Subscribed(session *bayeux.ServerSession, channel *bayeux.ServerChannel, _ *protocol.Message) {
	r.enqueue(recordEvent{op: opSubscribe, clientID: session.ID(), channel: channel.Name()})
}

func (r *SessionRecorder) Unsubscribed(session *bayeux.ServerSession, channel *bayeux.ServerChannel, _ *protocol.Message) {
	r.enqueue(recordEvent{op: opUnsubscribe, clientID: session.ID(), channel: channel.Name()})
}

func (r *SessionRecorder) enqueue(event recordEvent) {
	r.mu.Lock()
	if r.stopped {
		r.mu.Unlock()
		return
	}
	r.pending = append(r.pending, event)
	r.mu.Unlock()
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

func (r *SessionRecorder) take() []recordEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	events := r.pending
	r.pending = nil
	return events
}

func (r *SessionRecorder) run() {
	defer close(r.done)
	for {
		select {
		case <-r.wake:
			r.apply(r.take())
		case <-r.stop:
			r.apply(r.take())
			return
		}
	}
}

func (r *SessionRecorder) apply(events []recordEvent) {
	for _, event := range events {
		r.applyOne(event)
	}
}

func (r *SessionRecorder) applyOne(event recordEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), storeOperationTimeout)
	defer cancel()

	var err error
	switch event.op {
	case opAdd:
		record := database.NewSessionRecord(event.clientID, event.local)
		r.records[event.clientID] = record
		err = r.store.Save(ctx, record)
	case opRemove:
		delete(r.records, event.clientID)
		err = r.store.Delete(ctx, event.clientID)
	case opSubscribe, opUnsubscribe:
		record, ok := r.records[event.clientID]
		if !ok {
			return
		}
		if event.op == opSubscribe {
			record.AddSubscription(event.channel)
		} else {
			record.RemoveSubscription(event.channel)
		}
		err = r.store.Save(ctx, record)
	}
	if err != nil {
		logger.WarnF("[%s] Fail to record session change, details: %v", event.clientID, err)
	}
}

var (
	_ bayeux.SessionListener      = (*SessionRecorder)(nil)
	_ bayeux.SubscriptionListener = (*SessionRecorder)(nil)
)
