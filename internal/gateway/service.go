package gateway

import (
	"context"
	"net/http"

	"github.com/rs/zerolog/log"
	"github.com/watchroom/watchroom/internal/room"
)

// Service ties the connection manager, the room coordinator and the HTTP
// surface together.
type Service struct {
	connectionManager *ConnectionManager
	coord             *room.Coordinator
	wsHandler         *WebSocketHandler
}

// NewService creates the gateway service. The connection manager must
// already have its coordinator attached.
func NewService(cm *ConnectionManager, coord *room.Coordinator) *Service {
	return &Service{
		connectionManager: cm,
		coord:             coord,
		wsHandler:         NewWebSocketHandler(cm, coord),
	}
}

// Start runs the broadcast pump and the coordinator loops until ctx is
// cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting gateway service")

	go s.connectionManager.Start(ctx)
	go s.coord.Run(ctx)

	<-ctx.Done()
	log.Info().Msg("gateway service stopped")
	return nil
}

// RegisterRoutes registers the gateway's HTTP routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.wsHandler.RegisterRoutes(mux)
	log.Info().Msg("gateway routes registered")
}
