package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/config"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/database"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
	"go.uber.org/goleak"
)

func testConfig() *config.Config {
	cfg := config.Default()
	cfg.Listen = "127.0.0.1:0"
	cfg.Bayeux.Timeout = config.Duration(200 * time.Millisecond)
	return cfg
}

func startServer(t *testing.T, cfg *config.Config, store database.SessionStore) (*Server, string) {
	t.Helper()
	s := New(cfg, store)
	if err := s.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	return s, "http://" + s.Addr().String() + cfg.Path
}

func stopServer(t *testing.T, s *Server) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Invoke(ctx); err != nil {
		t.Errorf("shutdown failed: %v", err)
	}
}

func postJSON(t *testing.T, client *http.Client, url string, body string) []map[string]any {
	t.Helper()
	resp, err := client.Post(url, "application/json", strings.NewReader(body))
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("unexpected status %d: %s", resp.StatusCode, data)
	}
	var messages []map[string]any
	if err := json.Unmarshal(data, &messages); err != nil {
		t.Fatalf("invalid response %s: %v", data, err)
	}
	return messages
}

func eventually(t *testing.T, what string, check func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !check() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestServerLongPollingAndRecorder(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := database.NewMemoryStore()
	s, url := startServer(t, testConfig(), store)
	client := &http.Client{Transport: &http.Transport{}}
	defer client.CloseIdleConnections()

	replies := postJSON(t, client, url, `[{"channel":"/meta/handshake","version":"1.0","supportedConnectionTypes":["long-polling"]}]`)
	if len(replies) != 1 || replies[0]["successful"] != true {
		t.Fatalf("unexpected handshake replies %v", replies)
	}
	clientID := replies[0]["clientId"].(string)

	replies = postJSON(t, client, url, `[{"channel":"/meta/subscribe","clientId":"`+clientID+`","subscription":"/chat/room"}]`)
	if replies[0]["successful"] != true {
		t.Fatalf("subscribe failed: %v", replies)
	}

	ctx := context.Background()
	eventually(t, "the subscription record", func() bool {
		record, err := store.Get(ctx, clientID)
		return err == nil && len(record.Subscriptions) == 1 && record.Subscriptions[0] == "/chat/room"
	})

	replies = postJSON(t, client, url, `[{"channel":"/meta/disconnect","clientId":"`+clientID+`"}]`)
	if replies[0]["successful"] != true {
		t.Fatalf("disconnect failed: %v", replies)
	}
	eventually(t, "the record removal", func() bool {
		_, err := store.Get(ctx, clientID)
		return errors.Is(err, database.ErrSessionNotFound)
	})

	client.CloseIdleConnections()
	stopServer(t, s)
}

func TestServerWebSocketOnSamePath(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, url := startServer(t, testConfig(), nil)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}

	handshake := `[{"channel":"/meta/handshake","version":"1.0","supportedConnectionTypes":["websocket"]}]`
	if err := conn.WriteMessage(websocket.TextMessage, []byte(handshake)); err != nil {
		t.Fatal(err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatal(err)
	}
	var replies []map[string]any
	if err := json.Unmarshal(data, &replies); err != nil {
		t.Fatal(err)
	}
	if len(replies) != 1 || replies[0]["successful"] != true {
		t.Fatalf("unexpected handshake replies %v", replies)
	}

	stopServer(t, s)
	// shutdown closes the socket
	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Error("websocket still open after shutdown")
	}
	_ = conn.Close()
}

func TestServerStatus(t *testing.T) {
	s := New(testConfig(), nil)
	ctx := context.Background()
	local := s.Bayeux().NewLocalSession("status")
	if err := local.Handshake(ctx); err != nil {
		t.Fatal(err)
	}
	if err := local.Subscribe(ctx, "/news", func(*protocol.Message) {}); err != nil {
		t.Fatal(err)
	}

	status := s.Status()
	if status.Status != "OK" {
		t.Errorf("unexpected status %q", status.Status)
	}
	if len(status.Transports) != 2 {
		t.Errorf("unexpected transports %v", status.Transports)
	}
	if len(status.Sessions) != 1 || !status.Sessions[0].Local || strings.Join(status.Sessions[0].Subscriptions, ",") != "/news" {
		t.Errorf("unexpected sessions %+v", status.Sessions)
	}
	found := false
	for _, channel := range status.Channels {
		if channel.Name == "/news" {
			found = channel.Subscribers == 1
		}
	}
	if !found {
		t.Errorf("/news missing from %+v", status.Channels)
	}
}

func TestServerRouting(t *testing.T) {
	cfg := testConfig()
	cfg.AllowedTransports = []string{config.TransportWebSocket}
	s, url := startServer(t, cfg, nil)
	defer stopServer(t, s)
	client := &http.Client{Transport: &http.Transport{}}
	defer client.CloseIdleConnections()

	tests := []struct {
		name   string
		method string
		url    string
		status int
	}{
		{"status", http.MethodGet, url + "/status", http.StatusOK},
		{"status post", http.MethodPost, url + "/status", http.StatusMethodNotAllowed},
		{"long-polling disabled", http.MethodPost, url, http.StatusBadRequest},
		{"outside path", http.MethodGet, strings.TrimSuffix(url, cfg.Path) + "/other", http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, tt.url, strings.NewReader("[]"))
			resp, err := client.Do(req)
			if err != nil {
				t.Fatal(err)
			}
			resp.Body.Close()
			if resp.StatusCode != tt.status {
				t.Errorf("expected status %d, got %d", tt.status, resp.StatusCode)
			}
		})
	}
}

func TestServerInvokeBeforeStart(t *testing.T) {
	s := New(testConfig(), nil)
	if err := s.Invoke(context.Background()); !errors.Is(err, ErrNotStarted) {
		t.Errorf("expected ErrNotStarted, got %v", err)
	}
}
