// watchroom-client is a headless reference viewer. It joins a room over
// the gateway WebSocket, runs the drift correction engine against a
// simulated playback element, and drives the dual-stream sync engine
// whenever the room plays a split audio/video item. Useful for soak
// testing a server without any real players attached.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/watchroom/watchroom/internal/client"
	"github.com/watchroom/watchroom/internal/media"
	"github.com/watchroom/watchroom/internal/player"
	"github.com/watchroom/watchroom/internal/protocol"
)

func main() {
	var (
		serverAddr = flag.String("server", "localhost:8080", "gateway host:port")
		roomID     = flag.String("room", "lobby", "room to join")
		name       = flag.String("name", "headless", "display name")
		verbose    = flag.Bool("v", false, "debug logging")
	)
	flag.Parse()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	if *verbose {
		zerolog.SetGlobalLevel(zerolog.DebugLevel)
	} else {
		zerolog.SetGlobalLevel(zerolog.InfoLevel)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	clock := clockwork.NewRealClock()

	cfg := client.DefaultConfig()
	cfg.ServerAddr = *serverAddr
	cfg.RoomID = *roomID
	cfg.Identity = *name
	cl := client.New(cfg, clock, log.Logger)

	primary := player.NewSerialElement(player.NewSimElement(clock))
	secondary := player.NewSerialElement(player.NewSimElement(clock))

	corrector := player.NewDriftCorrector(player.DefaultDriftConfig(), primary, cl.Estimator(), log.Logger)

	dual := player.NewDualStreamSync(player.DefaultDualStreamConfig(), primary, secondary, clock, log.Logger)
	dual.Notify = func(msg string) {
		log.Warn().Str("notice", msg).Msg("sync health degraded")
	}
	// While a heavy resync is in flight the room heartbeat must not fight
	// it for control of the primary element.
	corrector.SetHold(dual.Syncing)

	var dualActive atomic.Bool

	applyMedia := func(item *media.Item) {
		if item == nil {
			primary.Pause()
			secondary.Pause()
			dualActive.Store(false)
			return
		}
		corrector.SetLive(item.IsLive)
		dualActive.Store(item.Dual())
		dual.Reset()
		if !item.Dual() {
			secondary.Pause()
		}
		log.Info().
			Str("title", item.Title).
			Str("stream_type", string(item.StreamType)).
			Bool("live", item.IsLive).
			Msg("now playing")
	}

	cl.OnSync = func(s protocol.SyncPayload) {
		applyMedia(s.Media)
		primary.Seek(s.Timestamp)
		if dualActive.Load() {
			secondary.Seek(s.Timestamp)
		}
		if s.IsPlaying {
			if err := primary.Play(ctx); err != nil {
				log.Warn().Err(err).Msg("primary play failed")
			}
			if dualActive.Load() {
				if err := secondary.Play(ctx); err != nil {
					log.Warn().Err(err).Msg("secondary play failed")
				}
			}
		} else {
			primary.Pause()
			secondary.Pause()
		}
		log.Info().
			Str("room", cfg.RoomID).
			Int("members", len(s.Members)).
			Float64("position", s.Timestamp).
			Bool("playing", s.IsPlaying).
			Msg("synced")
	}

	cl.OnCommand = func(t protocol.MessageType, position float64) {
		if err := corrector.HandleCommand(ctx, t, position); err != nil {
			log.Warn().Err(err).Str("type", string(t)).Msg("command failed")
		}
	}

	cl.OnHeartbeat = func(hb protocol.HeartbeatPayload) {
		correction := corrector.HandleHeartbeat(ctx, hb)
		if correction != player.CorrectionNone {
			log.Debug().
				Stringer("correction", correction).
				Float64("drift", corrector.LastDrift()).
				Msg("drift corrected")
		}
	}

	cl.OnEnvelope = func(env protocol.Envelope) {
		switch env.Type {
		case protocol.TypeSetMedia:
			var p protocol.SetMediaPayload
			if err := env.Decode(&p); err != nil {
				log.Warn().Err(err).Msg("bad set_media payload")
				return
			}
			applyMedia(p.Media)
			primary.Seek(0)
			if dualActive.Load() {
				secondary.Seek(0)
			}
			if err := primary.Play(ctx); err != nil {
				log.Warn().Err(err).Msg("primary play failed")
			}
			if dualActive.Load() {
				if err := secondary.Play(ctx); err != nil {
					log.Warn().Err(err).Msg("secondary play failed")
				}
			}
		default:
			log.Debug().Str("type", string(env.Type)).Msg("unhandled message")
		}
	}

	// The dual-stream engine only runs while a split-stream item plays; for
	// single streams the secondary is parked and must be left alone.
	go func() {
		ticker := time.NewTicker(player.DefaultDualStreamConfig().TickInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if dualActive.Load() {
					dual.Tick(ctx)
				}
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				rtt, samples := cl.Estimator().Stats()
				log.Info().
					Float64("position", primary.CurrentTime()).
					Float64("rate", primary.Rate()).
					Dur("latency", cl.Estimator().Latency()).
					Dur("last_rtt", rtt).
					Int("samples", samples).
					Stringer("health", dual.Health()).
					Msg("status")
			}
		}
	}()

	if err := cl.Run(ctx); err != nil && ctx.Err() == nil {
		log.Fatal().Err(err).Msg("client exited")
	}
}
