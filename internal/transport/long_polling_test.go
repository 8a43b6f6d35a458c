package transport

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/life-stream-dev/life-stream-go-bayeux/internal/bayeux"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
	"go.uber.org/goleak"
)

func newLongPollingServer(t *testing.T, timeout time.Duration) (*bayeux.Server, *httptest.Server) {
	t.Helper()
	opts := bayeux.DefaultOptions()
	opts.Timeout = timeout
	s := bayeux.New(opts)
	transport := NewLongPolling(s, opts)
	s.AddTransport(transport)
	srv := httptest.NewServer(transport)
	t.Cleanup(srv.Close)
	return s, srv
}

func post(t *testing.T, srv *httptest.Server, body string) []map[string]any {
	t.Helper()
	resp, err := srv.Client().Post(srv.URL, "application/json", strings.NewReader(body))
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

func longPollingHandshake(t *testing.T, srv *httptest.Server) string {
	t.Helper()
	replies := post(t, srv, `[{"channel":"/meta/handshake","version":"1.0","supportedConnectionTypes":["long-polling"]}]`)
	if len(replies) != 1 || replies[0]["successful"] != true {
		t.Fatalf("unexpected handshake replies %v", replies)
	}
	types, _ := replies[0]["supportedConnectionTypes"].([]any)
	if len(types) != 1 || types[0] != LongPollingName {
		t.Errorf("unexpected connection types %v", replies[0]["supportedConnectionTypes"])
	}
	return replies[0]["clientId"].(string)
}

func TestLongPollingConnectWaitsForMessage(t *testing.T) {
	s, srv := newLongPollingServer(t, 5*time.Second)
	clientID := longPollingHandshake(t, srv)

	replies := post(t, srv, `[{"channel":"/meta/subscribe","clientId":"`+clientID+`","subscription":"/foo"}]`)
	if replies[0]["successful"] != true {
		t.Fatalf("subscribe failed: %v", replies)
	}

	go func() {
		time.Sleep(50 * time.Millisecond)
		_ = s.Publish(nil, "/foo", "hello")
	}()

	start := time.Now()
	replies = post(t, srv, `[{"channel":"/meta/connect","clientId":"`+clientID+`","connectionType":"long-polling"}]`)
	if time.Since(start) > 4*time.Second {
		t.Fatal("connect was not resumed by the publication")
	}
	if len(replies) != 2 {
		t.Fatalf("expected the message and the connect reply, got %v", replies)
	}
	if replies[0]["channel"] != "/foo" || replies[0]["data"] != "hello" {
		t.Errorf("unexpected message %v", replies[0])
	}
	if replies[1]["channel"] != protocol.MetaConnect || replies[1]["successful"] != true {
		t.Errorf("unexpected connect reply %v", replies[1])
	}

	session := s.Session(clientID)
	if session.IntervalDeadline().IsZero() {
		t.Error("interval timeout not started after the connect reply")
	}
}

func TestLongPollingConnectTimesOut(t *testing.T) {
	defer goleak.VerifyNone(t)

	s, srv := newLongPollingServer(t, 50*time.Millisecond)
	clientID := longPollingHandshake(t, srv)

	start := time.Now()
	replies := post(t, srv, `{"channel":"/meta/connect","clientId":"`+clientID+`","connectionType":"long-polling"}`)
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("connect returned after %s, before the timeout", elapsed)
	}
	if len(replies) != 1 || replies[0]["successful"] != true {
		t.Fatalf("unexpected replies %v", replies)
	}
	if s.Session(clientID).QueueLen() != 0 {
		t.Error("queue not drained")
	}
	srv.Close()
}

func TestLongPollingDisconnectResumesHeldConnect(t *testing.T) {
	s, srv := newLongPollingServer(t, 5*time.Second)
	clientID := longPollingHandshake(t, srv)

	done := make(chan []map[string]any, 1)
	go func() {
		done <- post(t, srv, `[{"channel":"/meta/connect","clientId":"`+clientID+`"}]`)
	}()
	time.Sleep(50 * time.Millisecond)
	s.Session(clientID).Disconnect()

	select {
	case replies := <-done:
		if len(replies) != 1 || replies[0]["successful"] != false {
			t.Fatalf("expected a failed connect reply, got %v", replies)
		}
		if !strings.HasPrefix(replies[0]["error"].(string), "402:") {
			t.Errorf("unexpected error %v", replies[0]["error"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("held connect not resumed on disconnect")
	}
}

func TestLongPollingUnknownClient(t *testing.T) {
	_, srv := newLongPollingServer(t, time.Second)
	replies := post(t, srv, `[{"channel":"/meta/connect","clientId":"nobody"}]`)
	if len(replies) != 1 || replies[0]["successful"] != false {
		t.Fatalf("unexpected replies %v", replies)
	}
	advice, _ := replies[0]["advice"].(map[string]any)
	if advice[protocol.ReconnectField] != protocol.ReconnectHandshake {
		t.Errorf("unexpected advice %v", advice)
	}
}

func TestLongPollingFormEncoded(t *testing.T) {
	_, srv := newLongPollingServer(t, time.Second)
	form := url.Values{"message": {`[{"channel":"/meta/handshake","version":"1.0"}]`}}
	resp, err := srv.Client().PostForm(srv.URL, form)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	var replies []map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&replies); err != nil {
		t.Fatal(err)
	}
	if len(replies) != 1 || replies[0]["successful"] != true {
		t.Errorf("unexpected replies %v", replies)
	}
}

func TestLongPollingRejectsBadRequests(t *testing.T) {
	_, srv := newLongPollingServer(t, time.Second)

	tests := []struct {
		name   string
		method string
		body   string
		status int
	}{
		{"get", http.MethodGet, "", http.StatusMethodNotAllowed},
		{"malformed", http.MethodPost, "{", http.StatusBadRequest},
		{"empty", http.MethodPost, "", http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _ := http.NewRequest(tt.method, srv.URL, strings.NewReader(tt.body))
			resp, err := srv.Client().Do(req)
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

func TestLongPollingHandshakeWithoutConnectExpires(t *testing.T) {
	s, srv := newLongPollingServer(t, 5*time.Second)
	clientID := longPollingHandshake(t, srv)

	session := s.Session(clientID)
	if session == nil {
		t.Fatal("session not registered")
	}
	if session.IntervalDeadline().IsZero() {
		t.Fatal("handshake reply armed no expiry deadline")
	}

	s.Sweep(time.Now().Add(24 * time.Hour))
	if s.Session(clientID) != nil {
		t.Error("session that never connected survived the sweep")
	}
}
