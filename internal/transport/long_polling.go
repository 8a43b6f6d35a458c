package transport

import (
	"context"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/bayeux"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

const (
	LongPollingName = "long-polling"

	maxRequestBody = 1 << 20
)

// LongPolling serves Bayeux over plain HTTP POSTs. A /meta/connect with an
// empty queue is held until a message arrives or the timeout elapses.
type LongPolling struct {
	bayeux.BaseTransport
	server *bayeux.Server
}

func NewLongPolling(server *bayeux.Server, opts bayeux.Options) *LongPolling {
	return &LongPolling{
		BaseTransport: bayeux.NewBaseTransport(LongPollingName, opts),
		server:        server,
	}
}

// pollScheduler wakes the request holding a /meta/connect. It serves one
// flush only.
type pollScheduler struct {
	wake      chan struct{}
	once      sync.Once
	cancelled atomic.Bool
}

func newPollScheduler() *pollScheduler {
	return &pollScheduler{wake: make(chan struct{})}
}

func (p *pollScheduler) Schedule() {
	p.once.Do(func() { close(p.wake) })
}

func (p *pollScheduler) Cancel() {
	p.cancelled.Store(true)
	p.Schedule()
}

func (p *pollScheduler) OneTime() bool {
	return true
}

func (t *LongPolling) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := readBody(r)
	if err != nil {
		logger.WarnF("[%s] Fail to read request body, details: %v", r.RemoteAddr, err)
		http.Error(w, "unreadable body", http.StatusBadRequest)
		return
	}
	messages, err := Parse(body)
	if err != nil {
		logger.WarnF("[%s] %v", r.RemoteAddr, err)
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := bayeux.WithTransport(r.Context(), t)
	replies, session, connect, handshook := t.handleMessages(ctx, messages)

	var queued []*protocol.Message
	if session != nil {
		if connect != nil && connect.IsSuccessful() {
			t.hold(r.Context(), session, connect)
		}
		queued = session.TakeQueue()
	}

	data, err := Generate(append(queued, replies...))
	if err != nil {
		logger.ErrorF("[%s] %v", r.RemoteAddr, err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	// a fresh session must come back within the interval even if it never
	// connects
	if session != nil && (connect != nil || handshook) {
		session.StartIntervalTimeout(t)
	}
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	if _, err := w.Write(data); err != nil {
		logger.WarnF("[%s] Fail to send response, details: %v", r.RemoteAddr, err)
	}
}

// handleMessages runs every message of the request through the server inside
// one batch. It returns the replies, the session the request belongs to, the
// /meta/connect reply, if any, and whether the request handshook the session.
func (t *LongPolling) handleMessages(ctx context.Context, messages []*protocol.Message) ([]*protocol.Message, *bayeux.ServerSession, *protocol.Message, bool) {
	var (
		replies   []*protocol.Message
		session   *bayeux.ServerSession
		connect   *protocol.Message
		handshook bool
	)
	for _, message := range messages {
		if session == nil && message.ClientID() != "" {
			session = t.server.Session(message.ClientID())
			if session != nil {
				session.StartBatch()
				defer session.EndBatch()
			}
		}

		reply, err := t.server.Handle(ctx, session, message)
		if err != nil {
			logger.ErrorF("[%s] Fail to handle message on %s, details: %v", session, message.Channel(), err)
			continue
		}
		if reply == nil {
			continue
		}
		if session == nil && message.Channel() == protocol.MetaHandshake && reply.IsSuccessful() {
			session = t.server.Session(reply.ClientID())
			handshook = session != nil
		}
		if message.Channel() == protocol.MetaConnect {
			connect = reply
		}
		replies = append(replies, reply)
	}
	return replies, session, connect, handshook
}

// hold parks the request until the session has something to send, the
// timeout elapses or the client goes away.
func (t *LongPolling) hold(ctx context.Context, session *bayeux.ServerSession, reply *protocol.Message) {
	timeout := session.CalculateTimeout(t.Timeout())
	if timeout <= 0 {
		return
	}

	// schedules right away when messages are already queued
	scheduler := newPollScheduler()
	session.SetScheduler(scheduler)

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-scheduler.wake:
	case <-timer.C:
	case <-ctx.Done():
	}
	session.ClearScheduler(scheduler)

	if scheduler.cancelled.Load() && session.IsRemoved() {
		_ = reply.SetSuccessful(false)
		_ = reply.SetError(protocol.NewError(protocol.CodeUnknownClient, "", "Unknown client"))
		_ = reply.Set(protocol.AdviceField, map[string]any{
			protocol.ReconnectField: protocol.ReconnectHandshake,
			protocol.IntervalField:  int64(0),
		})
	}
}

func readBody(r *http.Request) ([]byte, error) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "application/x-www-form-urlencoded") {
		if err := r.ParseForm(); err != nil {
			return nil, err
		}
		return []byte(r.PostForm.Get("message")), nil
	}
	return io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
}
