package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	router "github.com/dkeye/voiceroom/internal/adapters/http"
	"github.com/dkeye/voiceroom/internal/adapters/rtc"
	sig "github.com/dkeye/voiceroom/internal/adapters/signal"
	"github.com/dkeye/voiceroom/internal/app"
	"github.com/dkeye/voiceroom/internal/app/session"
	"github.com/dkeye/voiceroom/internal/config"
	"github.com/dkeye/voiceroom/internal/media"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	// Logger first so config.Load can use it.
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogger(cfg.Log)

	engine := rtc.NewEngine(rtc.Config{
		ICEServers:       cfg.Media.WebRTC.ICEServers,
		AnnouncedIP:      cfg.Media.WebRTC.AnnouncedIP,
		UDPPortMin:       cfg.Media.WebRTC.UDPPortMin,
		UDPPortMax:       cfg.Media.WebRTC.UDPPortMax,
		ICELite:          cfg.Media.WebRTC.ICELite,
		PlainListenIP:    cfg.Media.Plain.ListenIP,
		PlainAnnouncedIP: cfg.Media.Plain.AnnouncedIP,
	})
	registry := app.NewRegistry(engine, app.RegistryOptions{
		MediaCodecs: cfg.MediaCodecs(),
		Room: session.Options{
			RequestTimeout: cfg.Signal.RequestTimeout,
			AudioLevel: media.AudioLevelObserverOptions{
				MaxEntries: cfg.Media.AudioLevel.MaxEntries,
				Threshold:  cfg.Media.AudioLevel.Threshold,
				Interval:   cfg.Media.AudioLevel.Interval,
			},
			MaxIncomingBitrate: cfg.Media.WebRTC.MaxIncomingBitrate,
		},
	})
	signals := sig.NewServer(registry, app.SimplePolicy{}, sig.Options{
		SendBuffer:   cfg.Signal.SendBuffer,
		ReadLimit:    cfg.ReadLimit,
		PingPeriod:   cfg.PingPeriod,
		RateLimit:    cfg.Signal.RateLimit,
		RateInterval: cfg.Signal.RateInterval,
	})

	r := router.SetupRouter(ctx, cfg, registry, signals)
	addr := fmt.Sprintf(":%d", cfg.Port)

	srv := &http.Server{
		Addr:    addr,
		Handler: r,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("Voice server started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("server error")
			cancel()
		}
	}()

	if cfg.Room.StatusInterval > 0 {
		go logStatus(ctx, registry, cfg.Room.StatusInterval)
	}

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}
	if err := registry.Close(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("rooms did not close in time")
	}
	engine.Close()
	log.Info().Msg("Server exited gracefully")
}

func setupLogger(cfg config.LogConfig) {
	if !cfg.Pretty {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
	}
	level, err := zerolog.ParseLevel(cfg.Level)
	if err != nil {
		log.Warn().Str("level", cfg.Level).Msg("unknown log level, keeping info")
		return
	}
	zerolog.SetGlobalLevel(level)
}

func logStatus(ctx context.Context, registry *app.Registry, every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, st := range registry.List() {
				log.Info().
					Str("module", "app.registry").
					Str("room", string(st.ID)).
					Int("peers", len(st.Peers)).
					Int("broadcasters", len(st.Broadcasters)).
					Dur("age", time.Since(st.CreatedAt)).
					Msg("room status")
			}
		}
	}
}
