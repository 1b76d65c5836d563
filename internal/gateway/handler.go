package gateway

import (
	"encoding/json"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/watchroom/watchroom/internal/room"
)

// identityHeader is set by an authenticating reverse proxy in front of the
// server. The user query parameter is the unauthenticated fallback.
const identityHeader = "X-Authenticated-User"

// WebSocketHandler handles WebSocket upgrade requests for room connections.
type WebSocketHandler struct {
	connectionManager *ConnectionManager
	coord             *room.Coordinator
}

// NewWebSocketHandler creates a new WebSocket handler.
func NewWebSocketHandler(cm *ConnectionManager, coord *room.Coordinator) *WebSocketHandler {
	return &WebSocketHandler{connectionManager: cm, coord: coord}
}

// HandleRoomConnection upgrades a request on /ws/{room_id}.
func (h *WebSocketHandler) HandleRoomConnection(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("room_id")
	if roomID == "" {
		http.Error(w, "room_id is required", http.StatusBadRequest)
		return
	}

	identity := r.Header.Get(identityHeader)
	if identity == "" {
		identity = r.URL.Query().Get("user")
	}
	if identity == "" {
		identity = "Guest"
	}

	if err := h.connectionManager.UpgradeConnection(w, r, identity, roomID); err != nil {
		log.Error().
			Err(err).
			Str("room_id", roomID).
			Str("identity", identity).
			Msg("failed to upgrade websocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
	}
}

// HandleRoomDirectory lists active rooms for the lobby.
func (h *WebSocketHandler) HandleRoomDirectory(w http.ResponseWriter, r *http.Request) {
	rooms := h.coord.Directory()
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(rooms); err != nil {
		log.Error().Err(err).Msg("failed to encode room directory")
	}
}

// HandleConnectionStats reports connection counts.
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	total, rooms := h.connectionManager.Stats()
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]int{
		"total_connections": total,
		"active_rooms":      rooms,
	})
}

// RegisterRoutes registers the gateway's HTTP routes.
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/{room_id}", h.HandleRoomConnection)
	mux.HandleFunc("/api/rooms", h.HandleRoomDirectory)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
