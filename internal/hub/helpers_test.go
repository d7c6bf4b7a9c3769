package hub

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/sysm/internal/protocol"
	"github.com/markus-barta/sysm/internal/status"
	"github.com/rs/zerolog"
)

// TestServer runs a real hub server on a loopback listener.
type TestServer struct {
	t      *testing.T
	Hub    *Hub
	server *httptest.Server
}

// newServerApp creates application A with services web and db on the real clock.
func newServerApp(t *testing.T) *status.Application {
	t.Helper()
	app, err := status.New(context.Background(), status.Config{
		ID:           "A",
		Name:         "Application A",
		Token:        testToken,
		StaleTimeout: 2 * time.Second,
		Services:     []status.ServiceConfig{{ID: "web"}, {ID: "db"}},
	}, nopStore{}, nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}
	return app
}

// NewTestServer creates a server for application A with services web and db.
func NewTestServer(t *testing.T, opts Options, srvOpts ServerOptions) *TestServer {
	t.Helper()
	h := NewHub([]*status.Application{newServerApp(t)}, opts, zerolog.Nop())
	srv := NewServer(h, srvOpts, zerolog.Nop())
	ts := &TestServer{t: t, Hub: h, server: httptest.NewServer(srv.Router())}
	t.Cleanup(ts.Close)
	return ts
}

// URL returns the HTTP base URL.
func (s *TestServer) URL() string {
	return s.server.URL
}

// WSURL returns the WebSocket URL.
func (s *TestServer) WSURL() string {
	return "ws" + strings.TrimPrefix(s.server.URL, "http") + "/ws"
}

// Close shuts down the server and its connections.
func (s *TestServer) Close() {
	s.Hub.CloseAll()
	s.server.Close()
}

// TestConn is a client side websocket connection.
type TestConn struct {
	t    *testing.T
	conn *websocket.Conn
}

// Dial connects to the server and consumes auth_required.
func (s *TestServer) Dial() *TestConn {
	s.t.Helper()
	return dialURL(s.t, s.WSURL(), nil)
}

// DialWithHeader is Dial with extra handshake headers.
func (s *TestServer) DialWithHeader(header http.Header) *TestConn {
	s.t.Helper()
	return dialURL(s.t, s.WSURL(), header)
}

func dialURL(t *testing.T, url string, header http.Header) *TestConn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(url, header)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	c := &TestConn{t: t, conn: conn}
	t.Cleanup(func() { _ = conn.Close() })

	if msg := c.Read(); msg.Type != protocol.TypeAuthRequired {
		t.Fatalf("first message = %q, want auth_required", msg.Type)
	}
	return c
}

// Send writes v as a JSON text frame.
func (c *TestConn) Send(v any) {
	c.t.Helper()
	data, err := json.Marshal(v)
	if err != nil {
		c.t.Fatal(err)
	}
	if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		c.t.Fatalf("write: %v", err)
	}
}

// Read waits for the next message.
func (c *TestConn) Read() protocol.Message {
	c.t.Helper()
	_ = c.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := c.conn.ReadMessage()
	if err != nil {
		c.t.Fatalf("read: %v", err)
	}
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.t.Fatalf("invalid message %s: %v", data, err)
	}
	return msg
}

// Auth authenticates and expects success.
func (c *TestConn) Auth(appID, token string) {
	c.t.Helper()
	c.Send(protocol.NewAuth(appID, token))
	if msg := c.Read(); msg.Type != protocol.TypeAuthSuccess {
		c.t.Fatalf("auth reply = %s{%q}", msg.Type, msg.Text())
	}
}

// ReadState waits for a change message and decodes its state.
func (c *TestConn) ReadState() status.State {
	c.t.Helper()
	msg := c.Read()
	if msg.Type != protocol.TypeChange {
		c.t.Fatalf("message type = %q, want change", msg.Type)
	}
	var st status.State
	if err := msg.ParsePayload(&st); err != nil {
		c.t.Fatal(err)
	}
	return st
}

// WaitClosed reports whether the server closes the connection within timeout.
func (c *TestConn) WaitClosed(timeout time.Duration) bool {
	_ = c.conn.SetReadDeadline(time.Now().Add(timeout))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			var ne net.Error
			return !(errors.As(err, &ne) && ne.Timeout())
		}
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	if v != nil {
		if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
			t.Fatalf("decode %s: %v", url, err)
		}
	}
	return resp.StatusCode
}

func getPage(t *testing.T, url string) (code int, contentType, body string) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatal(err)
	}
	defer func() { _ = resp.Body.Close() }()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp.StatusCode, resp.Header.Get("Content-Type"), string(data)
}
