package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/dkeye/Interview/internal/adapters"
	"github.com/dkeye/Interview/internal/adapters/backend"
	"github.com/dkeye/Interview/internal/adapters/hosted"
	router "github.com/dkeye/Interview/internal/adapters/http"
	"github.com/dkeye/Interview/internal/adapters/rtc"
	"github.com/dkeye/Interview/internal/adapters/signal"
	"github.com/dkeye/Interview/internal/app"
	"github.com/dkeye/Interview/internal/app/metrics"
	"github.com/dkeye/Interview/internal/app/orch"
	"github.com/dkeye/Interview/internal/app/relay"
	"github.com/dkeye/Interview/internal/app/turn"
	"github.com/dkeye/Interview/internal/config"
	"github.com/dkeye/Interview/internal/core"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 5 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the control API and session orchestration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve(cmd.Context(), cfg)
	},
}

func mediaSources(cfg *config.Config) rtc.Sources {
	return rtc.Sources{
		VideoFile:  cfg.Media.VideoFile,
		AudioFile:  cfg.Media.AudioFile,
		ScreenFile: cfg.Media.ScreenFile,
	}
}

func signalDialer(cfg *config.Config, m *metrics.Metrics) core.SignalDialer {
	s := cfg.Signaling
	if s.Driver == "mqtt" {
		return &signal.MQTTDialer{
			Broker:      s.URL,
			TopicPrefix: "interviewd",
			Attempts:    s.ReconnectAttempts,
			MaxDelay:    s.ReconnectMaxDelay,
			Metrics:     m,
		}
	}
	return &signal.Dialer{
		URL:        s.URL,
		PingPeriod: s.PingPeriod,
		Attempts:   s.ReconnectAttempts,
		BaseDelay:  s.ReconnectBaseDelay,
		MaxDelay:   s.ReconnectMaxDelay,
		Metrics:    m,
	}
}

// signalRelay hosts the websocket relay in-process for the ws driver.
func signalRelay(cfg *config.Config) *signal.Relay {
	if cfg.Signaling.Driver != "ws" {
		return nil
	}
	var auth signal.Authenticator = signal.AllowAll
	if cfg.Signaling.Token != "" {
		auth = signal.SharedSecret(cfg.Signaling.Token)
	}
	return signal.NewRelay(signal.RelayOptions{
		PingPeriod:   cfg.Signaling.PingPeriod,
		RateLimit:    cfg.Signaling.RateLimit,
		RateInterval: time.Second,
		Auth:         auth,
	})
}

func serve(ctx context.Context, cfg *config.Config) error {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	m := metrics.New(reg)

	hostedCfg := hosted.Config{URL: cfg.Hosted.URL, APIKey: cfg.Hosted.APIKey, APISecret: cfg.Hosted.APISecret}
	if !hostedCfg.Configured() {
		log.Warn().Msg("hosted media not configured, direct failures will end sessions")
	}
	factory, err := adapters.NewTransportFactory(cfg.Media.ICEServers, mediaSources(cfg), hostedCfg)
	if err != nil {
		return fmt.Errorf("webrtc: %w", err)
	}
	client := backend.New(cfg.Backend.URL, cfg.Backend.Token, cfg.Backend.Timeout)
	hub := router.NewHub()
	clk := clock.New()

	o := &orch.Orchestrator{
		Registry:    app.NewRegistry(),
		Signal:      signalDialer(cfg, m),
		Backend:     client,
		Transports:  factory,
		Provisioner: hosted.NewProvisioner(hostedCfg),
		Relays:      relay.NewManager(rtc.Sinks(m, cfg.Media.RecordDir)),
		Policy:      app.SimplePolicy{},
		Events:      hub,
		Metrics:     m,
		Clock:       clk,
		Timeouts: orch.Timeouts{
			Negotiation:   cfg.Media.NegotiationTimeout,
			HostedConnect: cfg.Hosted.ConnectTimeout,
			Teardown:      shutdownTimeout,
		},
		Constraints: core.Constraints{Audio: cfg.Media.Audio, Video: cfg.Media.Video},
	}

	r := router.SetupRouter(ctx, cfg, router.Deps{
		Orch:           o,
		LiveAI:         client,
		Hub:            hub,
		Relay:          signalRelay(cfg),
		Gatherer:       reg,
		SignalToken:    cfg.Signaling.Token,
		Turn:           turn.Options{Clock: clk, Metrics: m, GraceDelay: cfg.Turn.GraceDelay},
		WordsPerMinute: cfg.Turn.WordsPerMinute,
	})
	addr := fmt.Sprintf(":%d", cfg.Port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Str("signaling", cfg.Signaling.Driver).Msg("interviewd started")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if err != nil {
			return fmt.Errorf("server error: %w", err)
		}
	}
	log.Info().Msg("shutting down")
	o.Registry.CancelAll()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	log.Info().Msg("server exited gracefully")
	return nil
}
