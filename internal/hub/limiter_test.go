package hub

import (
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/sysm/internal/protocol"
)

func TestFailureLimiter(t *testing.T) {
	clk := clockwork.NewFakeClock()
	l := newFailureLimiter(clk, 3, time.Minute)

	for i := 0; i < 3; i++ {
		if l.Blocked("10.0.0.1") {
			t.Fatalf("blocked after %d failures", i)
		}
		l.Fail("10.0.0.1")
	}
	if !l.Blocked("10.0.0.1") {
		t.Fatal("not blocked after reaching the limit")
	}
	if l.Blocked("10.0.0.2") {
		t.Error("limit must be per host")
	}

	clk.Advance(time.Minute + time.Second)
	if l.Blocked("10.0.0.1") {
		t.Error("still blocked after the window passed")
	}

	l.Fail("10.0.0.1")
	l.Fail("10.0.0.1")
	l.Reset("10.0.0.1")
	l.Fail("10.0.0.1")
	l.Fail("10.0.0.1")
	if l.Blocked("10.0.0.1") {
		t.Error("Reset did not clear earlier failures")
	}
}

func TestAuthThrottlesTokenGuesses(t *testing.T) {
	h, clk := newTestHub(t)
	wrong := "wrong"
	guess := protocol.Message{Type: protocol.TypeAuth, AppID: "A", AccessToken: &wrong}

	c := connect(t, h)
	for i := 0; i < DefaultMaxAuthFailures; i++ {
		send(t, c, guess)
		expectText(t, c, protocol.TypeAuthFailed, protocol.ReasonInvalidCredentials)
	}

	// the right token is rejected while the host is throttled
	send(t, c, protocol.NewAuth("A", testToken))
	expectText(t, c, protocol.TypeAuthFailed, protocol.ReasonInvalidCredentials)
	if h.HasPublisher("A") {
		t.Fatal("throttled client claimed the publisher slot")
	}

	// listeners are not affected
	send(t, c, protocol.NewAuth("A", ""))
	if msg := next(t, c); msg.Type != protocol.TypeAuthSuccess {
		t.Fatalf("listener auth = %s{%q}", msg.Type, msg.Text())
	}

	clk.Advance(DefaultAuthFailureWindow + time.Second)
	p := connect(t, h)
	send(t, p, protocol.NewAuth("A", testToken))
	if msg := next(t, p); msg.Type != protocol.TypeAuthSuccess {
		t.Fatalf("auth after window = %s{%q}", msg.Type, msg.Text())
	}
}
