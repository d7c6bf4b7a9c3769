package hub

import (
	"context"
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

func TestServer_PublisherToListener(t *testing.T) {
	ts := NewTestServer(t, Options{}, ServerOptions{})

	listener := ts.Dial()
	listener.Auth("A", "")
	listener.Send(protocol.Message{Type: protocol.TypeSubscribe})
	initial := listener.ReadState()
	if initial.ID != "A" || initial.Online || len(initial.Services) != 2 {
		t.Fatalf("initial state = %+v", initial)
	}

	publisher := ts.Dial()
	publisher.Auth("A", testToken)
	publisher.Send(statusMsg(t, protocol.ServiceStatus{ID: "web", Online: true, Status: "OK", Attributes: map[string]any{"load": 0.5}}))

	st := listener.ReadState()
	web, _ := st.Service("web")
	db, _ := st.Service("db")
	if st.Online || !web.Online || db.Online {
		t.Errorf("after web online: %+v", st)
	}
	if web.Attributes != nil {
		t.Error("listener received attributes")
	}

	publisher.Send(statusMsg(t, protocol.ServiceStatus{ID: "db", Online: true, Status: "OK"}))
	if st := listener.ReadState(); !st.Online {
		t.Errorf("after db online: %+v", st)
	}

	// second publisher is turned away
	intruder := ts.Dial()
	intruder.Send(protocol.NewAuth("A", testToken))
	if msg := intruder.Read(); msg.Type != protocol.TypeAuthFailed || msg.Text() != protocol.ReasonAlreadyConnected {
		t.Errorf("second publisher got %s{%q}", msg.Type, msg.Text())
	}

	// listener cannot write
	listener.Send(statusMsg(t, protocol.ServiceStatus{ID: "web", Online: false}))
	if msg := listener.Read(); msg.Type != protocol.TypeForbidden || msg.Text() != protocol.ReasonNoWritePermission {
		t.Errorf("listener write got %s{%q}", msg.Type, msg.Text())
	}

	// publisher leaves: application goes offline right away
	_ = publisher.conn.Close()
	st = listener.ReadState()
	if st.Online {
		t.Error("application still online after publisher disconnect")
	}
	for _, svc := range st.Services {
		if svc.Status != status.OfflineStatus {
			t.Errorf("service %s status = %q", svc.ID, svc.Status)
		}
	}
}

func TestServer_AuthTimeout(t *testing.T) {
	ts := NewTestServer(t, Options{AuthTimeout: 100 * time.Millisecond}, ServerOptions{})
	c := ts.Dial()
	if !c.WaitClosed(2 * time.Second) {
		t.Error("server did not close an unauthenticated connection")
	}

	authed := ts.Dial()
	authed.Auth("A", "")
	if authed.WaitClosed(300 * time.Millisecond) {
		t.Error("authenticated connection was closed")
	}
}

func TestServer_API(t *testing.T) {
	ts := NewTestServer(t, Options{}, ServerOptions{})
	ts.Hub.Application("A").SetState([]status.ServiceUpdate{{ID: "web", Online: true, Status: "OK", Attributes: map[string]any{"secret": "x"}}})

	var health map[string]any
	if code := getJSON(t, ts.URL()+"/health", &health); code != http.StatusOK || health["status"] != "ok" {
		t.Errorf("/health = %d %v", code, health)
	}

	var apps []status.State
	if code := getJSON(t, ts.URL()+"/api/apps", &apps); code != http.StatusOK || len(apps) != 1 {
		t.Fatalf("/api/apps = %d %+v", code, apps)
	}

	var app status.State
	if code := getJSON(t, ts.URL()+"/api/apps/A", &app); code != http.StatusOK {
		t.Fatalf("/api/apps/A = %d", code)
	}
	web, _ := app.Service("web")
	if !web.Online || web.Attributes != nil {
		t.Errorf("web = %+v", web)
	}

	var notFound map[string]string
	if code := getJSON(t, ts.URL()+"/api/apps/Z", &notFound); code != http.StatusNotFound || notFound["error"] != protocol.ReasonUnknownApp {
		t.Errorf("/api/apps/Z = %d %v", code, notFound)
	}
}

func TestServer_SecurityHeaders(t *testing.T) {
	ts := NewTestServer(t, Options{}, ServerOptions{})
	resp, err := http.Get(ts.URL() + "/health")
	if err != nil {
		t.Fatal(err)
	}
	_ = resp.Body.Close()
	if got := resp.Header.Get("X-Frame-Options"); got != "DENY" {
		t.Errorf("X-Frame-Options = %q", got)
	}
}

func TestCheckOrigin(t *testing.T) {
	tests := []struct {
		name    string
		allowed []string
		origin  string
		host    string
		want    bool
	}{
		{"no origin header", nil, "", "sysm.local", true},
		{"same host", nil, "http://sysm.local", "sysm.local", true},
		{"other host", nil, "http://evil.example", "sysm.local", false},
		{"allow list hit", []string{"https://status.example.com/"}, "https://status.example.com", "sysm.local", true},
		{"allow list miss", []string{"https://status.example.com"}, "http://sysm.local", "sysm.local", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewServer(NewHub(nil, Options{}, zerolog.Nop()), ServerOptions{AllowedOrigins: tt.allowed}, zerolog.Nop())
			r := httptest.NewRequest(http.MethodGet, "/ws", nil)
			r.Host = tt.host
			if tt.origin != "" {
				r.Header.Set("Origin", tt.origin)
			}
			if got := s.checkOrigin(r); got != tt.want {
				t.Errorf("checkOrigin() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestServer_RejectsForeignOrigin(t *testing.T) {
	ts := NewTestServer(t, Options{}, ServerOptions{AllowedOrigins: []string{"https://status.example.com"}})
	header := http.Header{"Origin": []string{"https://evil.example"}}
	_, resp, err := websocket.DefaultDialer.Dial(ts.WSURL(), header)
	if err == nil {
		t.Fatal("dial with a foreign origin should fail")
	}
	if resp == nil || resp.StatusCode != http.StatusForbidden {
		t.Errorf("response = %v", resp)
	}
}

func TestServer_RunShutsDownOnCancel(t *testing.T) {
	h := NewHub(nil, Options{}, zerolog.Nop())
	s := NewServer(h, ServerOptions{}, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	url := "http://" + ln.Addr().String() + "/health"
	deadline := time.Now().Add(2 * time.Second)
	for {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("server never came up: %v", err)
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}
}

func TestServer_StatusPage(t *testing.T) {
	ts := NewTestServer(t, Options{}, ServerOptions{})
	ts.Hub.Application("A").SetState([]status.ServiceUpdate{
		{ID: "web", Online: true, Status: "OK", Attributes: map[string]any{"secret": "hunter2"}},
	})

	code, ctype, body := getPage(t, ts.URL()+"/apps/A")
	if code != http.StatusOK {
		t.Fatalf("/apps/A = %d", code)
	}
	if !strings.HasPrefix(ctype, "text/html") {
		t.Errorf("Content-Type = %q", ctype)
	}
	for _, want := range []string{
		"<title>Application A</title>",
		`data-app-id="A"`,
		`<tr id="service-web">`,
		`<td class="service-status">OK</td>`,
		`<span class="badge online">online</span>`,
		`<pre id="state-json">`,
	} {
		if !strings.Contains(body, want) {
			t.Errorf("page is missing %s", want)
		}
	}
	if strings.Contains(body, "hunter2") {
		t.Error("page leaks service attributes")
	}

	code, _, body = getPage(t, ts.URL()+"/apps/Z")
	if code != http.StatusNotFound || !strings.Contains(body, "<code>Z</code>") {
		t.Errorf("/apps/Z = %d %s", code, body)
	}
	code, _, body = getPage(t, ts.URL()+"/nope")
	if code != http.StatusNotFound || !strings.Contains(body, "The page was not found.") {
		t.Errorf("/nope = %d %s", code, body)
	}
}

func TestServer_StatusPageEscapes(t *testing.T) {
	ts := NewTestServer(t, Options{}, ServerOptions{})
	ts.Hub.Application("A").SetState([]status.ServiceUpdate{
		{ID: "web", Online: true, Status: "<script>alert(1)</script>"},
	})

	_, _, body := getPage(t, ts.URL()+"/apps/A")
	if strings.Contains(body, "<script>alert(1)</script>") {
		t.Error("status text is not escaped")
	}
}

func TestServer_ThrottleIgnoresForwardedFor(t *testing.T) {
	ts := NewTestServer(t, Options{MaxAuthFailures: 2}, ServerOptions{})
	wrong := "wrong"
	guess := protocol.Message{Type: protocol.TypeAuth, AppID: "A", AccessToken: &wrong}

	for i, ip := range []string{"203.0.113.1", "203.0.113.2"} {
		c := ts.DialWithHeader(http.Header{"X-Forwarded-For": []string{ip}})
		c.Send(guess)
		if msg := c.Read(); msg.Type != protocol.TypeAuthFailed {
			t.Fatalf("guess %d = %s", i, msg.Type)
		}
	}

	c := ts.DialWithHeader(http.Header{"X-Forwarded-For": []string{"203.0.113.3"}})
	c.Send(protocol.NewAuth("A", testToken))
	msg := c.Read()
	if msg.Type != protocol.TypeAuthFailed || msg.Text() != protocol.ReasonInvalidCredentials {
		t.Errorf("rotated X-Forwarded-For got %s{%q}, want throttled", msg.Type, msg.Text())
	}
}

func TestServer_ShutdownWaitsForPublisherDisconnect(t *testing.T) {
	app := newServerApp(t)
	h := NewHub([]*status.Application{app}, Options{}, zerolog.Nop())
	s := NewServer(h, ServerOptions{}, zerolog.Nop())

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, ln) }()

	pub := dialURL(t, "ws://"+ln.Addr().String()+"/ws", nil)
	pub.Auth("A", testToken)
	pub.Send(statusMsg(t,
		protocol.ServiceStatus{ID: "web", Online: true, Status: "OK"},
		protocol.ServiceStatus{ID: "db", Online: true, Status: "OK"},
	))
	deadline := time.Now().Add(2 * time.Second)
	for !app.State(false).Online {
		if time.Now().After(deadline) {
			t.Fatal("application never came online")
		}
		time.Sleep(10 * time.Millisecond)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Serve() did not return after cancel")
	}

	// the publisher's disconnect is fully applied once Serve returns
	if app.State(false).Online {
		t.Error("application still online after shutdown")
	}
	if got := h.Stats().Clients; got != 0 {
		t.Errorf("clients after shutdown = %d", got)
	}
}
