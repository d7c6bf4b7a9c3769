package hub

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/sysm/internal/protocol"
	"github.com/markus-barta/sysm/internal/status"
	"github.com/rs/zerolog"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 512 * 1024

	sendBufferSize = 256
)

// Role is what an authenticated connection may do. It is fixed once set.
type Role int

const (
	RoleNone Role = iota
	RoleListener
	RolePublisher
)

func (r Role) String() string {
	switch r {
	case RoleListener:
		return "listener"
	case RolePublisher:
		return "publisher"
	default:
		return "unauthenticated"
	}
}

// Client is one websocket connection.
type Client struct {
	id     string
	hub    *Hub
	conn   *websocket.Conn // nil when driven directly in tests
	remote string          // host part of the peer address
	log    zerolog.Logger

	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once

	mu          sync.Mutex
	role        Role
	app         *status.Application
	authTimer   clockwork.Timer
	authorizing bool // an auth request is being checked
	authExpired bool // the auth deadline passed while authorizing
}

func newClient(h *Hub, conn *websocket.Conn, remote string) *Client {
	id := uuid.NewString()
	return &Client{
		id:     id,
		hub:    h,
		conn:   conn,
		remote: remote,
		log:    h.log.With().Str("client", id).Logger(),
		send:   make(chan []byte, sendBufferSize),
		done:   make(chan struct{}),
	}
}

// ID returns the connection id.
func (c *Client) ID() string { return c.id }

// Role returns the connection's role.
func (c *Client) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

func (c *Client) binding() (*status.Application, Role) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.app, c.role
}

// start registers the client, asks for authentication and arms the auth timer.
func (c *Client) start() {
	c.hub.register(c)
	c.reply(&protocol.Message{Type: protocol.TypeAuthRequired, Payload: json.RawMessage(`{}`)})

	c.mu.Lock()
	c.authTimer = c.hub.clock.AfterFunc(c.hub.authTimeout, c.authDeadline)
	c.mu.Unlock()
}

// authDeadline closes the connection if it is still unauthenticated. An
// auth request in flight decides for itself once it is done.
func (c *Client) authDeadline() {
	c.mu.Lock()
	if c.role != RoleNone {
		c.mu.Unlock()
		return
	}
	if c.authorizing {
		c.authExpired = true
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.closeUnauthenticated()
}

func (c *Client) closeUnauthenticated() {
	c.log.Info().Dur("timeout", c.hub.authTimeout).Msg("authentication timed out, closing connection")
	c.Close()
}

func (c *Client) beginAuth() {
	c.mu.Lock()
	c.authorizing = true
	c.mu.Unlock()
}

// endAuth closes the connection when the deadline passed during a failed
// auth request.
func (c *Client) endAuth() {
	c.mu.Lock()
	c.authorizing = false
	expired := c.authExpired && c.role == RoleNone
	c.mu.Unlock()
	if expired {
		c.closeUnauthenticated()
	}
}

// Close closes the connection. It is safe to call more than once.
func (c *Client) Close() {
	c.closeOnce.Do(func() {
		close(c.done)
		c.mu.Lock()
		if c.authTimer != nil {
			c.authTimer.Stop()
		}
		c.mu.Unlock()
		if c.conn != nil {
			_ = c.conn.Close()
		}
	})
}

// Done is closed once the connection is closed.
func (c *Client) Done() <-chan struct{} { return c.done }

// enqueue hands data to the write pump without blocking. It reports false
// when the send buffer is full; data for a closed client is discarded.
func (c *Client) enqueue(data []byte) bool {
	select {
	case <-c.done:
		return true
	default:
	}
	select {
	case c.send <- data:
		return true
	default:
		return false
	}
}

func (c *Client) reply(msg *protocol.Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Error().Err(err).Str("type", msg.Type).Msg("failed to encode message")
		return
	}
	if !c.enqueue(data) {
		c.log.Warn().Str("type", msg.Type).Msg("client send buffer full, dropping reply")
	}
}

func (c *Client) fail(msgType, reason string) {
	c.reply(protocol.NewTextMessage(msgType, reason))
}

// handleMessage runs one inbound message through the connection's state machine.
func (c *Client) handleMessage(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		c.log.Warn().Err(err).Msg("failed to parse message")
		c.fail(protocol.TypeError, protocol.ReasonMalformed)
		return
	}

	role := c.Role()

	switch msg.Type {
	case protocol.TypeAuth:
		if role != RoleNone {
			c.log.Debug().Str("role", role.String()).Msg("already authorized, ignoring auth")
			return
		}
		c.handleAuth(&msg)

	case protocol.TypeSubscribe:
		if role == RoleNone {
			c.log.Debug().Msg("ignoring subscribe before auth")
			return
		}
		c.hub.Subscribe(c)

	case protocol.TypeStatus:
		switch role {
		case RoleNone:
			c.log.Debug().Msg("ignoring status before auth")
		case RoleListener:
			c.fail(protocol.TypeForbidden, protocol.ReasonNoWritePermission)
		case RolePublisher:
			c.handleStatus(&msg)
		}

	default:
		c.log.Warn().Str("type", msg.Type).Msg("unknown message type")
	}
}

func (c *Client) handleAuth(msg *protocol.Message) {
	c.beginAuth()
	defer c.endAuth()

	appID, token := msg.AppID, msg.AccessToken
	if appID == "" {
		var p protocol.AuthPayload
		if err := msg.ParsePayload(&p); err == nil {
			appID = p.AppID
			if token == nil {
				token = p.AccessToken
			}
		}
	}

	if appID == "" {
		c.fail(protocol.TypeAuthFailed, protocol.ReasonAppIDRequired)
		return
	}

	app := c.hub.Application(appID)
	if app == nil {
		c.log.Info().Str("app", appID).Msg("auth for unknown application")
		c.fail(protocol.TypeAuthFailed, protocol.ReasonUnknownApp)
		return
	}

	role := RoleListener
	if token != nil {
		limiter := c.hub.limiter
		if limiter.Blocked(c.remote) {
			c.log.Warn().Str("app", appID).Str("remote", c.remote).Msg("too many failed token checks, rejecting")
			c.fail(protocol.TypeAuthFailed, protocol.ReasonInvalidCredentials)
			return
		}
		if _, err := c.hub.ClaimPublisher(appID, *token, c); err != nil {
			if errors.Is(err, ErrInvalidCredentials) {
				limiter.Fail(c.remote)
			}
			c.log.Info().Err(err).Str("app", appID).Msg("publisher rejected")
			c.fail(protocol.TypeAuthFailed, err.Error())
			return
		}
		limiter.Reset(c.remote)
		role = RolePublisher
	}

	c.mu.Lock()
	if c.authTimer != nil {
		c.authTimer.Stop()
	}
	c.role = role
	c.app = app
	c.mu.Unlock()

	c.reply(&protocol.Message{Type: protocol.TypeAuthSuccess, Payload: json.RawMessage(`{}`)})
	c.log.Info().Str("app", appID).Str("role", role.String()).Msg("client authorized")
}

func (c *Client) handleStatus(msg *protocol.Message) {
	var p protocol.StatusPayload
	if err := msg.ParsePayload(&p); err != nil {
		c.log.Warn().Err(err).Msg("failed to parse status payload")
		c.fail(protocol.TypeError, protocol.ReasonMalformed)
		return
	}
	raw := p.Services
	if raw == nil {
		raw = msg.Services
	}

	updates, skipped := status.ParseUpdates(raw)
	if skipped > 0 {
		c.log.Warn().Int("skipped", skipped).Msg("ignoring malformed service entries")
	}

	app, _ := c.binding()
	app.SetState(updates)
}

// readPump reads messages from the WebSocket connection.
func (c *Client) readPump() {
	defer func() {
		c.hub.Remove(c)
		c.Close()
		c.hub.pumps.Done()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				c.log.Error().Err(err).Msg("read error")
			}
			return
		}

		// Reset read deadline on any received message
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		c.handleMessage(data)
	}
}

// writePump pumps messages to the WebSocket connection.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}

		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
			return
		}
	}
}
