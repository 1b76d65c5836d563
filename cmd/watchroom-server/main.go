package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/cors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/watchroom/watchroom/internal/config"
	"github.com/watchroom/watchroom/internal/gateway"
	"github.com/watchroom/watchroom/internal/relay"
	"github.com/watchroom/watchroom/internal/room"
	"github.com/watchroom/watchroom/internal/roomstore"
)

func main() {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg, err := config.Load(getEnv("CONFIG_FILE", "config.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		log.Fatal().Err(err).Msg("server exited")
	}
}

func run(ctx context.Context, cfg config.Config) error {
	cm := gateway.NewConnectionManager(gateway.DefaultConnectionConfig())

	var presence room.Presence = cm
	var r *relay.Relay
	if cfg.NATS.Enabled {
		relayCfg := relay.DefaultConfig()
		relayCfg.URL = cfg.NATS.URL
		var err error
		r, err = relay.New(relayCfg, cm)
		if err != nil {
			return err
		}
		defer func() {
			if err := r.Stop(); err != nil {
				log.Warn().Err(err).Msg("relay shutdown error")
			}
		}()
		presence = relay.WrapPresence(cm, r)
		log.Info().Str("url", cfg.NATS.URL).Msg("cross-node relay enabled")
	}

	var store room.Store
	if cfg.Database.Enabled {
		pg, err := roomstore.NewPostgresStore(ctx, cfg.Database.DSN())
		if err != nil {
			return err
		}
		defer pg.Close()
		store = pg
		log.Info().Str("host", cfg.Database.Host).Msg("room persistence enabled")
	}

	coordCfg := room.Config{
		HeartbeatInterval: cfg.Room.HeartbeatInterval(),
		CleanupInterval:   cfg.Room.CleanupInterval(),
		EmptyRoomTTL:      cfg.Room.EmptyRoomTTL(),
	}
	coord := room.NewCoordinator(coordCfg, presence, store, nil)
	if store != nil {
		if err := coord.Restore(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to restore persisted rooms")
		}
	}
	cm.SetCoordinator(coord)

	// Subscribe only once the coordinator can absorb remote mutations.
	if r != nil {
		r.SetApplier(coord)
		if err := r.Start(); err != nil {
			return err
		}
	}

	svc := gateway.NewService(cm, coord)

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte("OK")); err != nil {
			log.Warn().Err(err).Msg("failed to write health check response")
		}
	})

	c := cors.New(cors.Options{
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
			http.MethodPost,
		},
		AllowedOrigins: []string{"*"},
		AllowedHeaders: []string{"*"},
	})

	server := &http.Server{
		Addr:    cfg.Server.Addr,
		Handler: c.Handler(mux),
	}

	go func() {
		if err := svc.Start(ctx); err != nil {
			log.Error().Err(err).Msg("gateway service stopped")
		}
	}()

	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", cfg.Server.Addr).Msg("listening")
		errCh <- server.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
