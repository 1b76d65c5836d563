package gateway

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
	"github.com/watchroom/watchroom/internal/protocol"
	"github.com/watchroom/watchroom/internal/room"
)

// ConnectionManager owns every WebSocket connection, grouped by room. It
// implements room.Presence for the coordinator.
type ConnectionManager struct {
	roomConnections map[string]map[*Connection]bool
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig
	coord    *room.Coordinator

	broadcastCh chan broadcastMessage
}

// Connection represents one WebSocket connection to a viewer.
type Connection struct {
	ID       string
	Identity string
	RoomID   string
	Conn     *websocket.Conn
	Send     chan []byte
	Manager  *ConnectionManager

	// done is closed exactly once, by unregisterConnection. Send is never
	// closed: the broadcast pump and the read pump both send on it
	// concurrently with disconnects, so it has no safe closing point.
	done chan struct{}

	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds configuration for WebSocket connections.
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

type broadcastMessage struct {
	RoomID  string
	Data    []byte
	Exclude string
}

// DefaultConnectionConfig returns default WebSocket configuration.
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  64 * 1024,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			return true
		},
	}
}

// NewConnectionManager creates a connection manager. The coordinator is
// attached afterwards with SetCoordinator since each side needs the other.
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		roomConnections: make(map[string]map[*Connection]bool),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config:      config,
		broadcastCh: make(chan broadcastMessage, 1000),
	}
}

// SetCoordinator wires in the room coordinator that inbound messages are
// dispatched to.
func (cm *ConnectionManager) SetCoordinator(coord *room.Coordinator) {
	cm.coord = coord
}

// Start processes queued broadcasts until ctx is cancelled.
func (cm *ConnectionManager) Start(ctx context.Context) {
	log.Info().Msg("connection manager started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("connection manager shutting down")
			return
		case message := <-cm.broadcastCh:
			cm.handleBroadcast(message)
		}
	}
}

// Broadcast implements room.Presence. Messages are queued so a slow
// consumer never blocks the coordinator's mutation path.
func (cm *ConnectionManager) Broadcast(roomID string, env protocol.Envelope, exclude string) {
	data, err := env.Encode()
	if err != nil {
		log.Error().Err(err).Str("type", string(env.Type)).Msg("failed to encode broadcast")
		return
	}
	select {
	case cm.broadcastCh <- broadcastMessage{RoomID: roomID, Data: data, Exclude: exclude}:
	default:
		log.Warn().Str("room_id", roomID).Msg("broadcast channel full, dropping message")
	}
}

// Members implements room.Presence: the sorted, de-duplicated identities
// of the room's live connections.
func (cm *ConnectionManager) Members(roomID string) []protocol.Member {
	cm.mu.RLock()
	defer cm.mu.RUnlock()

	seen := make(map[string]bool)
	for conn := range cm.roomConnections[roomID] {
		seen[conn.Identity] = true
	}
	names := make([]string, 0, len(seen))
	for name := range seen {
		names = append(names, name)
	}
	sort.Strings(names)

	members := make([]protocol.Member, len(names))
	for i, name := range names {
		members[i] = protocol.Member{Name: name}
	}
	return members
}

// ActiveCount implements room.Presence.
func (cm *ConnectionManager) ActiveCount(roomID string) int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.roomConnections[roomID])
}

// UpgradeConnection upgrades an HTTP request to a WebSocket, registers the
// viewer in the room, sends them the authoritative sync snapshot, and
// announces the join.
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, identity, roomID string) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		Identity:    identity,
		RoomID:      roomID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		done:        make(chan struct{}),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.registerConnection(connection)

	// Room creation and role assignment are atomic inside Ensure; the
	// snapshot it returns is consistent with the state everyone else sees.
	snap := cm.coord.Ensure(r.Context(), roomID, identity)
	members := cm.Members(roomID)

	syncEnv, err := protocol.NewEnvelope(protocol.TypeSync, snap.SyncPayload(identity, members))
	if err != nil {
		cm.dropConnection(connection)
		return fmt.Errorf("failed to encode sync payload: %w", err)
	}
	data, _ := syncEnv.Encode()
	connection.Send <- data

	cm.Broadcast(roomID, protocol.MustEnvelope(protocol.TypeUserJoined, protocol.MemberEventPayload{
		User:    identity,
		Members: members,
	}), "")

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("identity", identity).
		Str("room_id", roomID).
		Msg("websocket connection established")
	return nil
}

func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	if cm.roomConnections[conn.RoomID] == nil {
		cm.roomConnections[conn.RoomID] = make(map[*Connection]bool)
	}
	cm.roomConnections[conn.RoomID][conn] = true
}

// unregisterConnection removes a connection and closes its done channel,
// telling the write pump to exit. Returns true if it was still registered
// (guards the double-unregister from read and write pumps).
func (cm *ConnectionManager) unregisterConnection(conn *Connection) bool {
	cm.mu.Lock()
	defer cm.mu.Unlock()

	connections, exists := cm.roomConnections[conn.RoomID]
	if !exists {
		return false
	}
	if _, exists := connections[conn]; !exists {
		return false
	}
	delete(connections, conn)
	close(conn.done)
	if len(connections) == 0 {
		delete(cm.roomConnections, conn.RoomID)
	}

	log.Info().
		Str("connection_id", conn.ID).
		Str("identity", conn.Identity).
		Str("room_id", conn.RoomID).
		Msg("connection unregistered")
	return true
}

// dropConnection unregisters a connection and tells the rest of the room,
// so member lists stay consistent after a mid-broadcast failure or a
// normal disconnect.
func (cm *ConnectionManager) dropConnection(conn *Connection) {
	if !cm.unregisterConnection(conn) {
		return
	}
	conn.Conn.Close()

	if cm.ActiveCount(conn.RoomID) == 0 {
		cm.coord.MarkEmpty(context.Background(), conn.RoomID)
		return
	}
	cm.Broadcast(conn.RoomID, protocol.MustEnvelope(protocol.TypeUserLeft, protocol.MemberEventPayload{
		User:    conn.Identity,
		Members: cm.Members(conn.RoomID),
	}), "")
}

// handleBroadcast fans one message out to a room. A failed send marks that
// connection dead and removes it, but never aborts delivery to the rest.
func (cm *ConnectionManager) handleBroadcast(message broadcastMessage) {
	cm.mu.RLock()
	connections, exists := cm.roomConnections[message.RoomID]
	if !exists {
		cm.mu.RUnlock()
		return
	}
	targets := make([]*Connection, 0, len(connections))
	for conn := range connections {
		if message.Exclude != "" && conn.ID == message.Exclude {
			continue
		}
		targets = append(targets, conn)
	}
	cm.mu.RUnlock()

	var dead []*Connection
	for _, conn := range targets {
		select {
		case <-conn.done:
			// Lost a race with a disconnect; the connection is already
			// unregistered.
		case conn.Send <- message.Data:
		default:
			log.Warn().
				Str("connection_id", conn.ID).
				Str("identity", conn.Identity).
				Msg("connection send buffer full, dropping connection")
			dead = append(dead, conn)
		}
	}
	for _, conn := range dead {
		cm.dropConnection(conn)
	}
}

// Stats summarizes active connections for the stats endpoint.
func (cm *ConnectionManager) Stats() (totalConnections, activeRooms int) {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	for _, connections := range cm.roomConnections {
		totalConnections += len(connections)
	}
	return totalConnections, len(cm.roomConnections)
}

// writePump sends queued messages and keepalive pings to the socket.
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Manager.dropConnection(c)
	}()

	for {
		select {
		case <-c.done:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("failed to write message")
				return
			}
		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump reads inbound messages and dispatches them.
func (c *Connection) readPump() {
	defer c.Manager.dropConnection(c)

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Str("connection_id", c.ID).Msg("unexpected websocket close")
			}
			break
		}
		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

func (c *Connection) sendEnvelope(env protocol.Envelope) {
	data, err := env.Encode()
	if err != nil {
		return
	}
	select {
	case <-c.done:
	case c.Send <- data:
	default:
	}
}

func (c *Connection) Close() {
	c.Conn.Close()
}
