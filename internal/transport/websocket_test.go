package transport

import (
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/bayeux"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/connection"
	"github.com/life-stream-dev/life-stream-go-bayeux/internal/protocol"
)

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func newWebSocketServer(t *testing.T, deliverOnly bool) (*bayeux.Server, *connection.ConnectionManager, *wsClient) {
	t.Helper()
	opts := bayeux.DefaultOptions()
	opts.Timeout = 5 * time.Second
	opts.MetaConnectDeliverOnly = deliverOnly
	s := bayeux.New(opts)
	connections := connection.NewConnectionManager()
	transport := NewWebSocket(s, opts, connections)
	s.AddTransport(transport)

	srv := httptest.NewServer(transport)
	t.Cleanup(srv.Close)
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(srv.URL, "http"), nil)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return s, connections, &wsClient{t: t, conn: conn}
}

func (c *wsClient) send(body string) {
	c.t.Helper()
	if err := c.conn.WriteMessage(websocket.TextMessage, []byte(body)); err != nil {
		c.t.Fatal(err)
	}
}

func (c *wsClient) receive() []*protocol.Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatal(err)
	}
	messages, err := Parse(data)
	if err != nil {
		c.t.Fatal(err)
	}
	return messages
}

func (c *wsClient) handshake() string {
	c.t.Helper()
	c.send(`[{"channel":"/meta/handshake","version":"1.0","supportedConnectionTypes":["websocket"]}]`)
	replies := c.receive()
	if len(replies) != 1 || !replies[0].IsSuccessful() {
		c.t.Fatalf("unexpected handshake replies %v", replies)
	}
	return replies[0].ClientID()
}

func (c *wsClient) subscribe(clientID string, channel string) {
	c.t.Helper()
	c.send(`[{"channel":"/meta/subscribe","clientId":"` + clientID + `","subscription":"` + channel + `"}]`)
	if replies := c.receive(); !replies[0].IsSuccessful() {
		c.t.Fatalf("subscribe failed: %v", replies)
	}
}

func TestWebSocketPushesMessages(t *testing.T) {
	s, connections, client := newWebSocketServer(t, false)
	clientID := client.handshake()
	if _, ok := connections.GetConnection(clientID); !ok {
		t.Fatal("connection not bound to the session")
	}
	client.subscribe(clientID, "/chat/*")

	// held connect: the publication goes out without it
	client.send(`[{"channel":"/meta/connect","clientId":"` + clientID + `","connectionType":"websocket"}]`)
	time.Sleep(50 * time.Millisecond)
	if err := s.Publish(nil, "/chat/room", "hi"); err != nil {
		t.Fatal(err)
	}
	messages := client.receive()
	if len(messages) != 1 || messages[0].Channel() != "/chat/room" || messages[0].Data() != "hi" {
		t.Fatalf("unexpected push %v", messages)
	}
}

func TestWebSocketDeliverOnlyWithConnect(t *testing.T) {
	s, _, client := newWebSocketServer(t, true)
	clientID := client.handshake()
	client.subscribe(clientID, "/news")
	session := s.Session(clientID)
	if !session.MetaConnectDeliverOnly() {
		t.Fatal("transport setting not applied to the session")
	}

	client.send(`[{"channel":"/meta/connect","clientId":"` + clientID + `","connectionType":"websocket"}]`)
	time.Sleep(50 * time.Millisecond)
	if err := s.Publish(nil, "/news", "extra"); err != nil {
		t.Fatal(err)
	}
	messages := client.receive()
	if len(messages) != 2 {
		t.Fatalf("expected the message with the connect reply, got %v", messages)
	}
	if messages[0].Channel() != "/news" || messages[1].Channel() != protocol.MetaConnect || !messages[1].IsSuccessful() {
		t.Errorf("unexpected batch %v", messages)
	}
	if session.IntervalDeadline().IsZero() {
		t.Error("interval timeout not started after the connect reply")
	}
}

func TestWebSocketDisconnectClosesConnection(t *testing.T) {
	s, connections, client := newWebSocketServer(t, false)
	clientID := client.handshake()

	client.send(`[{"channel":"/meta/disconnect","clientId":"` + clientID + `"}]`)
	replies := client.receive()
	if len(replies) != 1 || replies[0].Channel() != protocol.MetaDisconnect || !replies[0].IsSuccessful() {
		t.Fatalf("unexpected disconnect replies %v", replies)
	}
	if s.Session(clientID) != nil {
		t.Error("session still registered")
	}

	_ = client.conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	if _, _, err := client.conn.ReadMessage(); err == nil {
		t.Fatal("connection left open after disconnect")
	}
	deadline := time.Now().Add(time.Second)
	for connections.Len() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if connections.Len() != 0 {
		t.Error("connection still registered")
	}
}

func TestWebSocketCloseStartsIntervalTimeout(t *testing.T) {
	s, _, client := newWebSocketServer(t, false)
	clientID := client.handshake()
	session := s.Session(clientID)

	_ = client.conn.Close()
	deadline := time.Now().Add(2 * time.Second)
	for session.IntervalDeadline().IsZero() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if session.IntervalDeadline().IsZero() {
		t.Fatal("closing the connection did not arm the session expiry")
	}
}
