// Package publisher is the client side of the sysm websocket protocol. It
// is used by producers pushing service status and by listeners following
// an application's state.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/markus-barta/sysm/internal/protocol"
	"github.com/markus-barta/sysm/internal/status"
	"github.com/rs/zerolog"
)

// Connection parameters
const (
	pingInterval     = 30 * time.Second
	pongWait         = 45 * time.Second
	writeWait        = 10 * time.Second
	handshakeTimeout = 10 * time.Second
	closeGracePeriod = time.Second
)

// ErrClosed is returned once the connection is gone.
var ErrClosed = errors.New("connection closed")

// AuthError is an auth_failed reply from the server.
type AuthError struct {
	Reason string
}

func (e *AuthError) Error() string {
	return "authentication failed: " + e.Reason
}

// Permanent reports whether retrying with the same credentials is pointless.
// An occupied publisher slot frees up once the other publisher leaves.
func (e *AuthError) Permanent() bool {
	return e.Reason != protocol.ReasonAlreadyConnected
}

// Client is one connection to a sysm server.
type Client struct {
	conn *websocket.Conn
	log  zerolog.Logger

	writeMu   sync.Mutex
	messages  chan *protocol.Message
	done      chan struct{} // closed when the read loop exits
	closing   chan struct{} // closed by Close
	closeOnce sync.Once
	err       error
}

// Dial connects to the websocket endpoint at url and waits for the server's
// auth_required greeting.
func Dial(ctx context.Context, url string, log zerolog.Logger) (*Client, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	conn, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", url, err)
	}

	c := &Client{
		conn:     conn,
		log:      log.With().Str("component", "publisher").Logger(),
		messages: make(chan *protocol.Message, 100),
		done:     make(chan struct{}),
		closing:  make(chan struct{}),
	}

	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	go c.readLoop()
	go c.pingLoop()

	msg, err := c.Next(ctx)
	if err != nil {
		_ = c.Close()
		return nil, err
	}
	if msg.Type != protocol.TypeAuthRequired {
		_ = c.Close()
		return nil, fmt.Errorf("unexpected greeting %q", msg.Type)
	}
	return c, nil
}

// readLoop reads messages from the WebSocket.
func (c *Client) readLoop() {
	defer close(c.done)

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Error().Err(err).Msg("read error")
			}
			c.err = err
			return
		}
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))

		var msg protocol.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Error().Err(err).Str("data", string(data)).Msg("failed to parse message")
			continue
		}

		c.log.Debug().Str("type", msg.Type).Msg("received message")
		select {
		case c.messages <- &msg:
		case <-c.closing:
			return
		}
	}
}

// pingLoop sends periodic pings.
func (c *Client) pingLoop() {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.writeMu.Lock()
			err := c.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait))
			c.writeMu.Unlock()
			if err != nil {
				c.log.Debug().Err(err).Msg("ping failed")
				return
			}
		}
	}
}

// Next returns the next message from the server. Messages already received
// are returned even after the connection went away.
func (c *Client) Next(ctx context.Context) (*protocol.Message, error) {
	select {
	case msg := <-c.messages:
		return msg, nil
	default:
	}
	select {
	case msg := <-c.messages:
		return msg, nil
	case <-c.done:
		select {
		case msg := <-c.messages:
			return msg, nil
		default:
		}
		if c.err != nil {
			return nil, fmt.Errorf("%w: %v", ErrClosed, c.err)
		}
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Done is closed when the connection is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Authenticate sends an auth request and waits for the verdict. An empty
// token authenticates as listener.
func (c *Client) Authenticate(ctx context.Context, appID, token string) error {
	if err := c.send(protocol.NewAuth(appID, token)); err != nil {
		return err
	}
	for {
		msg, err := c.Next(ctx)
		if err != nil {
			return err
		}
		switch msg.Type {
		case protocol.TypeAuthSuccess:
			return nil
		case protocol.TypeAuthFailed:
			return &AuthError{Reason: msg.Text()}
		default:
			c.log.Debug().Str("type", msg.Type).Msg("ignoring message while authenticating")
		}
	}
}

// Subscribe asks for the application's state changes. The current state
// arrives as the first change message.
func (c *Client) Subscribe() error {
	return c.send(&protocol.Message{Type: protocol.TypeSubscribe, Payload: json.RawMessage(`{}`)})
}

// SendStatus pushes a batch of service updates.
func (c *Client) SendStatus(services []protocol.ServiceStatus) error {
	msg, err := protocol.NewStatus(services)
	if err != nil {
		return err
	}
	return c.send(msg)
}

func (c *Client) send(msg *protocol.Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteMessage(websocket.TextMessage, data)
}

// Close closes the connection gracefully.
func (c *Client) Close() error {
	c.closeOnce.Do(func() { close(c.closing) })

	c.writeMu.Lock()
	err := c.conn.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "shutdown"),
		time.Now().Add(closeGracePeriod),
	)
	c.writeMu.Unlock()
	if err != nil {
		return c.conn.Close()
	}

	// Wait briefly for close acknowledgment
	select {
	case <-c.done:
	case <-time.After(closeGracePeriod):
	}
	return c.conn.Close()
}

// DecodeState decodes the state carried by a change message.
func DecodeState(msg *protocol.Message) (status.State, error) {
	var st status.State
	if msg.Type != protocol.TypeChange {
		return st, fmt.Errorf("not a change message: %q", msg.Type)
	}
	if err := msg.ParsePayload(&st); err != nil {
		return st, fmt.Errorf("decode state: %w", err)
	}
	return st, nil
}
