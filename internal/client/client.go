// Package client is the viewer-side transport: it holds the WebSocket to
// the room gateway, keeps the latency estimate warm with periodic probes,
// and reconnects with capped exponential backoff. On every (re)connect the
// server replies with a full sync snapshot, so the engine always restarts
// from fresh authoritative state instead of whatever it remembered.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/watchroom/watchroom/internal/latency"
	"github.com/watchroom/watchroom/internal/protocol"
)

// ErrReconnectExhausted is returned by Run when the reconnect attempt
// budget is used up.
var ErrReconnectExhausted = errors.New("reconnect attempts exhausted")

// Config holds client connection settings.
type Config struct {
	// ServerAddr is the gateway host:port.
	ServerAddr string
	RoomID     string
	Identity   string

	PingInterval         time.Duration
	ReconnectInitial     time.Duration
	ReconnectMax         time.Duration
	MaxReconnectAttempts int
}

// DefaultConfig returns production connection settings.
func DefaultConfig() Config {
	return Config{
		PingInterval:         10 * time.Second,
		ReconnectInitial:     time.Second,
		ReconnectMax:         30 * time.Second,
		MaxReconnectAttempts: 10,
	}
}

// Client is one viewer's connection to a room.
type Client struct {
	cfg       Config
	clock     clockwork.Clock
	estimator *latency.Estimator
	logger    zerolog.Logger

	// Handlers are invoked from the read loop. Nil handlers are skipped.
	OnSync      func(protocol.SyncPayload)
	OnCommand   func(t protocol.MessageType, position float64)
	OnHeartbeat func(protocol.HeartbeatPayload)
	OnEnvelope  func(protocol.Envelope)

	mu      sync.Mutex
	writeMu sync.Mutex
	conn    *websocket.Conn
}

// New creates a client. clock may be nil for the real clock.
func New(cfg Config, clock clockwork.Clock, logger zerolog.Logger) *Client {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Client{
		cfg:       cfg,
		clock:     clock,
		estimator: latency.NewEstimator(),
		logger:    logger,
	}
}

// Estimator exposes the connection's latency estimate for the drift
// correction engine.
func (c *Client) Estimator() *latency.Estimator {
	return c.estimator
}

// Run connects and pumps messages until ctx is done or reconnection is
// exhausted. Backoff between attempts strictly increases up to the cap
// and resets only once a connection is established.
func (c *Client) Run(ctx context.Context) error {
	backoff := Backoff{
		Initial:     c.cfg.ReconnectInitial,
		Max:         c.cfg.ReconnectMax,
		MaxAttempts: c.cfg.MaxReconnectAttempts,
	}

	for {
		err := c.runConnection(ctx, &backoff)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn().Err(err).Msg("connection lost")

		delay, ok := backoff.Next()
		if !ok {
			return ErrReconnectExhausted
		}
		c.logger.Info().Dur("delay", delay).Int("attempt", backoff.Attempts()).Msg("reconnecting")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-c.clock.After(delay):
		}
	}
}

func (c *Client) runConnection(ctx context.Context, backoff *Backoff) error {
	u := url.URL{
		Scheme:   "ws",
		Host:     c.cfg.ServerAddr,
		Path:     "/ws/" + c.cfg.RoomID,
		RawQuery: url.Values{"user": {c.cfg.Identity}}.Encode(),
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return fmt.Errorf("dial %s: %w", u.String(), err)
	}
	backoff.Reset()
	c.logger.Info().Str("url", u.String()).Msg("connected")

	c.mu.Lock()
	c.conn = conn
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.conn = nil
		c.mu.Unlock()
		conn.Close()
	}()

	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go c.pingLoop(connCtx)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read: %w", err)
		}
		c.dispatch(data)
	}
}

// pingLoop sends latency probes for the lifetime of one connection.
func (c *Client) pingLoop(ctx context.Context) {
	ticker := c.clock.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	// First probe immediately so the estimate seeds before the first
	// heartbeat needs it.
	c.sendPing()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			c.sendPing()
		}
	}
}

func (c *Client) sendPing() {
	env := protocol.MustEnvelope(protocol.TypePing, protocol.PingPayload{
		ClientTime: time.Now().UnixMilli(),
	})
	if err := c.Send(env); err != nil {
		c.logger.Debug().Err(err).Msg("ping send failed")
	}
}

func (c *Client) dispatch(data []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		c.logger.Warn().Msg("invalid message from server, ignoring")
		return
	}

	switch env.Type {
	case protocol.TypePong:
		var p protocol.PongPayload
		if err := env.Decode(&p); err == nil {
			c.estimator.ObserveEcho(p.ClientTime, time.Now().UnixMilli())
		}

	case protocol.TypeSync:
		var p protocol.SyncPayload
		if err := env.Decode(&p); err == nil && c.OnSync != nil {
			c.OnSync(p)
		}

	case protocol.TypePlay, protocol.TypePause, protocol.TypeSeek:
		var p protocol.TimestampPayload
		if err := env.Decode(&p); err == nil && c.OnCommand != nil {
			c.OnCommand(env.Type, p.Timestamp)
		}

	case protocol.TypeHeartbeat:
		var p protocol.HeartbeatPayload
		if err := env.Decode(&p); err == nil && c.OnHeartbeat != nil {
			c.OnHeartbeat(p)
		}

	default:
		if c.OnEnvelope != nil {
			c.OnEnvelope(env)
		}
	}
}

// Send writes one envelope. Writes are serialized; the websocket permits
// only one concurrent writer.
func (c *Client) Send(env protocol.Envelope) error {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return errors.New("not connected")
	}

	data, err := env.Encode()
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// SendPlay reports a local play action to the room.
func (c *Client) SendPlay(position float64) error {
	return c.Send(protocol.MustEnvelope(protocol.TypePlay, protocol.TimestampPayload{Timestamp: position}))
}

// SendPause reports a local pause action to the room.
func (c *Client) SendPause(position float64) error {
	return c.Send(protocol.MustEnvelope(protocol.TypePause, protocol.TimestampPayload{Timestamp: position}))
}

// SendSeek reports a local seek to the room.
func (c *Client) SendSeek(position float64) error {
	return c.Send(protocol.MustEnvelope(protocol.TypeSeek, protocol.TimestampPayload{Timestamp: position}))
}

// SendMediaEnded tells the room the current item finished locally.
func (c *Client) SendMediaEnded() error {
	return c.Send(protocol.Envelope{Type: protocol.TypeMediaEnded})
}
