// Package relay fans room broadcasts out across server instances over
// NATS, so viewers of one room connected to different nodes still share
// one timeline. Core pub/sub is used rather than JetStream: commands and
// heartbeats are ephemeral realtime traffic, and replaying a stale
// position to a late subscriber would actively desynchronize it.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
	"github.com/watchroom/watchroom/internal/protocol"
	"github.com/watchroom/watchroom/internal/room"
)

// Config holds NATS relay configuration.
type Config struct {
	URL           string
	SubjectPrefix string
	MaxReconnects int
	ReconnectWait time.Duration
}

// DefaultConfig returns the default relay configuration.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		SubjectPrefix: "room.events",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// envelope is the cross-node wire format. NodeID lets a node skip its own
// publishes when they echo back.
type envelope struct {
	NodeID  string            `json:"node_id"`
	RoomID  string            `json:"room_id"`
	Message protocol.Envelope `json:"message"`
}

// Applier folds a mutation that originated on another node into the local
// room authority, without broadcasting it again.
type Applier interface {
	ApplyRemote(ctx context.Context, roomID string, env protocol.Envelope) error
}

// Relay publishes local room broadcasts and replays remote ones into the
// local connection manager and room authority.
type Relay struct {
	nc      *nats.Conn
	cfg     Config
	nodeID  string
	local   room.Presence
	applier Applier
	sub     *nats.Subscription
}

// New connects to NATS. local is the node's own presence (the gateway
// connection manager) that remote messages are delivered to.
func New(cfg Config, local room.Presence) (*Relay, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("nats disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats: %w", err)
	}

	return &Relay{
		nc:     nc,
		cfg:    cfg,
		nodeID: uuid.NewString(),
		local:  local,
	}, nil
}

// SetApplier wires in the coordinator that remote mutations are applied
// to. Must be called before Start.
func (r *Relay) SetApplier(a Applier) {
	r.applier = a
}

// Start subscribes to the room event subject. Remote broadcasts are
// applied to the local authority and replayed to local viewers until
// Stop is called.
func (r *Relay) Start() error {
	subject := r.cfg.SubjectPrefix + ".>"
	sub, err := r.nc.Subscribe(subject, r.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	r.sub = sub

	log.Info().Str("subject", subject).Str("node_id", r.nodeID).Msg("relay started")
	return nil
}

func (r *Relay) handleMessage(msg *nats.Msg) {
	var env envelope
	if err := json.Unmarshal(msg.Data, &env); err != nil {
		log.Warn().Err(err).Str("subject", msg.Subject).Msg("bad relay message")
		return
	}
	if env.NodeID == r.nodeID {
		return
	}
	// Fold the mutation into the local authority first, so a viewer
	// joining this node right after sees the same timeline the
	// originating node broadcast.
	if r.applier != nil {
		if err := r.applier.ApplyRemote(context.Background(), env.RoomID, env.Message); err != nil {
			log.Warn().Err(err).
				Str("room_id", env.RoomID).
				Str("type", string(env.Message.Type)).
				Msg("failed to apply remote mutation")
		}
	}
	// Exclusions are node-local connection ids; a remote message excludes
	// nobody here.
	r.local.Broadcast(env.RoomID, env.Message, "")
}

// Publish sends a room broadcast to the other nodes.
func (r *Relay) Publish(roomID string, message protocol.Envelope) {
	data, err := json.Marshal(envelope{NodeID: r.nodeID, RoomID: roomID, Message: message})
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal relay envelope")
		return
	}
	subject := r.cfg.SubjectPrefix + "." + roomID
	if err := r.nc.Publish(subject, data); err != nil {
		log.Warn().Err(err).Str("subject", subject).Msg("failed to publish relay message")
	}
}

// Stop closes the NATS connection.
func (r *Relay) Stop() error {
	if r.sub != nil {
		r.sub.Unsubscribe()
	}
	if r.nc != nil {
		r.nc.Close()
	}
	log.Info().Msg("relay stopped")
	return nil
}

// presence decorates a local presence so every broadcast is also published
// to the other nodes. Membership queries stay node-local.
type presence struct {
	room.Presence
	relay *Relay
}

// WrapPresence returns a room.Presence whose broadcasts also go through
// the relay.
func WrapPresence(local room.Presence, r *Relay) room.Presence {
	return &presence{Presence: local, relay: r}
}

func (p *presence) Broadcast(roomID string, env protocol.Envelope, exclude string) {
	p.Presence.Broadcast(roomID, env, exclude)
	// Heartbeats are derived from the shared authority; every node emits
	// its own, so relaying them would double the rate clients see.
	if env.Type == protocol.TypeHeartbeat {
		return
	}
	p.relay.Publish(roomID, env)
}
