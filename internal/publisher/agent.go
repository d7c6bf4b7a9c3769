package publisher

import (
	"context"
	"errors"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/markus-barta/sysm/internal/protocol"
	"github.com/markus-barta/sysm/internal/status"
	"github.com/rs/zerolog"
)

const (
	// DefaultInterval is how often the agent re-sends its status. It has to
	// stay below the server's update interval for the application.
	DefaultInterval = 2 * time.Second

	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
)

// Source produces the current service status on every push.
type Source func() ([]protocol.ServiceStatus, error)

// AgentConfig configures an Agent.
type AgentConfig struct {
	URL      string
	AppID    string
	Token    string
	Interval time.Duration
	Clock    clockwork.Clock
}

// Agent keeps a publisher connection alive and pushes the source's status
// on connect and then every interval, which doubles as the heartbeat that
// keeps the application from going stale.
type Agent struct {
	cfg    AgentConfig
	source Source
	log    zerolog.Logger

	backoff time.Duration
}

// NewAgent creates an agent.
func NewAgent(cfg AgentConfig, source Source, log zerolog.Logger) *Agent {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	return &Agent{
		cfg:     cfg,
		source:  source,
		log:     log.With().Str("component", "agent").Str("app", cfg.AppID).Logger(),
		backoff: initialBackoff,
	}
}

// Run pushes status until ctx is canceled, reconnecting with exponential
// backoff. It returns early only when the server rejects the credentials.
func (a *Agent) Run(ctx context.Context) error {
	a.log.Info().Str("url", a.cfg.URL).Dur("interval", a.cfg.Interval).Msg("starting agent")

	for {
		err := a.session(ctx)
		if ctx.Err() != nil {
			a.log.Info().Msg("agent stopped")
			return nil
		}

		var authErr *AuthError
		if errors.As(err, &authErr) && authErr.Permanent() {
			return err
		}

		a.log.Error().Err(err).Dur("backoff", a.backoff).Msg("connection lost, retrying")
		waitBackoff(ctx, a.cfg.Clock, &a.backoff)
	}
}

func (a *Agent) session(ctx context.Context) error {
	c, err := Dial(ctx, a.cfg.URL, a.log)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := c.Authenticate(ctx, a.cfg.AppID, a.cfg.Token); err != nil {
		return err
	}
	a.log.Info().Msg("authenticated as publisher")
	a.backoff = initialBackoff

	if err := a.push(c); err != nil {
		return err
	}

	ticker := a.cfg.Clock.NewTicker(a.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.Done():
			return ErrClosed
		case <-ticker.Chan():
			if err := a.push(c); err != nil {
				return err
			}
		case msg := <-c.messages:
			switch msg.Type {
			case protocol.TypeForbidden, protocol.TypeError:
				a.log.Warn().Str("type", msg.Type).Str("message", msg.Text()).Msg("server rejected message")
			default:
				a.log.Debug().Str("type", msg.Type).Msg("ignoring message")
			}
		}
	}
}

func (a *Agent) push(c *Client) error {
	services, err := a.source()
	if err != nil {
		// keep the connection, the next tick may succeed
		a.log.Error().Err(err).Msg("failed to read service status")
		return nil
	}
	if err := c.SendStatus(services); err != nil {
		return err
	}
	a.log.Debug().Int("services", len(services)).Msg("status sent")
	return nil
}

// Watch follows an application as listener and calls fn for every state it
// receives, starting with the current one. It reconnects until ctx is
// canceled and returns early only when the application is unknown.
func Watch(ctx context.Context, url, appID string, clk clockwork.Clock, log zerolog.Logger, fn func(status.State)) error {
	if clk == nil {
		clk = clockwork.NewRealClock()
	}
	log = log.With().Str("component", "watch").Str("app", appID).Logger()
	backoff := initialBackoff

	for {
		err := watchSession(ctx, url, appID, log, &backoff, fn)
		if ctx.Err() != nil {
			return nil
		}
		var authErr *AuthError
		if errors.As(err, &authErr) {
			return err
		}
		log.Error().Err(err).Dur("backoff", backoff).Msg("connection lost, retrying")
		waitBackoff(ctx, clk, &backoff)
	}
}

func watchSession(ctx context.Context, url, appID string, log zerolog.Logger, backoff *time.Duration, fn func(status.State)) error {
	c, err := Dial(ctx, url, log)
	if err != nil {
		return err
	}
	defer func() { _ = c.Close() }()

	if err := c.Authenticate(ctx, appID, ""); err != nil {
		return err
	}
	if err := c.Subscribe(); err != nil {
		return err
	}
	*backoff = initialBackoff

	for {
		msg, err := c.Next(ctx)
		if err != nil {
			return err
		}
		if msg.Type != protocol.TypeChange {
			log.Debug().Str("type", msg.Type).Msg("ignoring message")
			continue
		}
		st, err := DecodeState(msg)
		if err != nil {
			log.Warn().Err(err).Msg("bad change message")
			continue
		}
		fn(st)
	}
}

// waitBackoff waits for the current backoff duration and doubles it.
func waitBackoff(ctx context.Context, clk clockwork.Clock, backoff *time.Duration) {
	timer := clk.NewTimer(*backoff)
	defer timer.Stop()

	select {
	case <-ctx.Done():
	case <-timer.Chan():
	}

	*backoff *= 2
	if *backoff > maxBackoff {
		*backoff = maxBackoff
	}
}
