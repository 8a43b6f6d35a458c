package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/bayeux"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/config"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/connection"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/database"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/logger"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/transport"
)

var ErrNotStarted = errors.New("server is not started")

// Server hosts the Bayeux engine over HTTP. Long-polling and WebSocket
// share the configured path; the status snapshot lives at <path>/status.
type Server struct {
	config      *config.Config
	bayeux      *bayeux.Server
	connections *connection.ConnectionManager
	recorder    *SessionRecorder
	longPolling *transport.LongPolling
	webSocket   *transport.WebSocket
	handler     http.Handler
	started     time.Time

	mu         sync.Mutex
	httpServer *http.Server
	listener   net.Listener
	serveDone  chan struct{}
}

// New builds the engine from cfg. A nil store disables session recording.
func New(cfg *config.Config, store database.SessionStore) *Server {
	opts := cfg.Bayeux.Options()
	engine := bayeux.New(opts)
	engine.SetSecurityPolicy(bayeux.DefaultSecurityPolicy{})

	s := &Server{
		config:      cfg,
		bayeux:      engine,
		connections: connection.NewConnectionManager(),
		started:     time.Now(),
	}
	for _, name := range cfg.AllowedTransports {
		switch name {
		case config.TransportLongPolling:
			s.longPolling = transport.NewLongPolling(engine, opts)
			engine.AddTransport(s.longPolling)
		case config.TransportWebSocket:
			s.webSocket = transport.NewWebSocket(engine, opts, s.connections)
			engine.AddTransport(s.webSocket)
		}
	}
	engine.SetAllowedTransports(cfg.AllowedTransports...)

	if store != nil {
		s.recorder = NewSessionRecorder(store)
		engine.AddListener(s.recorder)
	}

	path := strings.TrimSuffix(cfg.Path, "/")
	mux := http.NewServeMux()
	mux.HandleFunc(path+"/status", s.statusHandler)
	mux.HandleFunc(path+"/", s.bayeuxHandler)
	if path != "" {
		mux.HandleFunc(path, s.bayeuxHandler)
	}
	s.handler = mux
	return s
}

func (s *Server) Bayeux() *bayeux.Server {
	return s.bayeux
}

func (s *Server) Handler() http.Handler {
	return s.handler
}

// bayeuxHandler sends upgrade requests to the WebSocket transport and
// everything else to long-polling.
func (s *Server) bayeuxHandler(w http.ResponseWriter, r *http.Request) {
	if websocket.IsWebSocketUpgrade(r) {
		if s.webSocket == nil {
			http.Error(w, "websocket transport disabled", http.StatusBadRequest)
			return
		}
		s.webSocket.ServeHTTP(w, r)
		return
	}
	if s.longPolling == nil {
		http.Error(w, "long-polling transport disabled", http.StatusBadRequest)
		return
	}
	s.longPolling.ServeHTTP(w, r)
}

// Start launches the engine and the recorder, then serves HTTP on the
// configured address in the background.
func (s *Server) Start(ctx context.Context) error {
	if err := s.bayeux.Start(ctx); err != nil {
		return err
	}
	if s.recorder != nil {
		s.recorder.Start()
	}

	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		s.bayeux.Stop()
		return fmt.Errorf("error occured while listening on %s: %w", s.config.Listen, err)
	}
	httpServer := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	done := make(chan struct{})

	s.mu.Lock()
	s.httpServer = httpServer
	s.listener = ln
	s.serveDone = done
	s.mu.Unlock()

	logger.InfoF("Bayeux Server Listen On %s%s", ln.Addr().String(), s.config.Path)
	go func() {
		defer close(done)
		if err := httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.ErrorF("HTTP server stopped, details: %v", err)
		}
	}()
	return nil
}

// Addr is the bound address once started.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Invoke shuts the server down: the engine first so held connects return,
// then HTTP, open WebSockets and finally the recorder queue.
func (s *Server) Invoke(ctx context.Context) error {
	s.mu.Lock()
	httpServer := s.httpServer
	done := s.serveDone
	s.httpServer = nil
	s.mu.Unlock()
	if httpServer == nil {
		return ErrNotStarted
	}

	s.bayeux.Stop()
	var errs []error
	if err := httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("http shutdown: %w", err))
	}
	<-done
	if err := s.connections.Invoke(ctx); err != nil {
		errs = append(errs, fmt.Errorf("closing websockets: %w", err))
	}
	if s.recorder != nil {
		if err := s.recorder.Invoke(ctx); err != nil {
			errs = append(errs, fmt.Errorf("draining session recorder: %w", err))
		}
	}
	logger.InfoF("Bayeux server offline")
	return errors.Join(errs...)
}
