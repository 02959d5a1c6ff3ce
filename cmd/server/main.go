package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/transcript-relay/internal/audio"
	"github.com/lexiqai/transcript-relay/internal/backend"
	"github.com/lexiqai/transcript-relay/internal/config"
	"github.com/lexiqai/transcript-relay/internal/observability"
	"github.com/lexiqai/transcript-relay/internal/relay"
	"github.com/lexiqai/transcript-relay/internal/resilience"
	"github.com/lexiqai/transcript-relay/internal/transcoder"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		// Use fmt for fatal errors before logger is initialized
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	// Initialize structured logger
	observability.InitLogger(cfg.LogLevel, cfg.LogPretty)
	logger := observability.GetLogger()

	logger.Info().
		Str("addr", cfg.ListenAddr()).
		Str("transcoder", cfg.TranscoderPath).
		Str("backend_kind", cfg.BackendKind).
		Str("backend_addr", cfg.BackendAddr).
		Int("max_sessions", cfg.MaxSessions).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Transcript relay starting")

	breaker := resilience.NewCircuitBreaker(
		"transcription_backend",
		cfg.CircuitBreakerMaxFailures,
		cfg.BreakerResetTimeout(),
	)
	dialer := backend.NewGuardedDialer(newBackendDialer(cfg), breaker)

	newTranscoder := func() relay.Transcoder {
		return transcoder.New(transcoder.Config{
			Path: cfg.TranscoderPath,
			Args: cfg.TranscoderArgs,
		})
	}

	relayServer := relay.NewServer(dialer, newTranscoder, relay.ServerConfig{
		MaxSessions:   cfg.MaxSessions,
		MaxFrameBytes: cfg.MaxFrameBytes,
		WriteTimeout:  cfg.ClientWriteTimeout(),
		Session: relay.SessionConfig{
			PCMReadSize:  cfg.PCMReadSize,
			DrainTimeout: cfg.SessionDrainTimeout(),
			VAD: &audio.VADConfig{
				EnergyThreshold: cfg.VADEnergyThreshold,
				SilenceFrames:   cfg.VADSilenceFrames,
				FrameSize:       audio.DefaultVADConfig().FrameSize,
			},
		},
	})

	mux := http.NewServeMux()

	// Audio clients connect to the root path; /ws is accepted as an alias
	mux.Handle("/", relayServer)
	mux.Handle("/ws", relayServer)

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler(relayServer.Registry().Len))

	// Readiness: the transcoder must be launchable and the backend reachable
	transcoderCheck := func(ctx context.Context) error {
		_, err := exec.LookPath(cfg.TranscoderPath)
		return err
	}
	backendCheck := func(ctx context.Context) error {
		return dialer.Probe(ctx)
	}
	mux.HandleFunc("/ready", observability.ReadinessHandler(
		observability.DependencyCheck{Name: "transcoder", Check: transcoderCheck},
		observability.DependencyCheck{Name: "backend", Check: backendCheck},
	))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// No read/write timeouts: relay connections are long-lived WebSockets
	server := &http.Server{
		Addr:              cfg.ListenAddr(),
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("addr", cfg.ListenAddr()).
			Str("endpoint", fmt.Sprintf("ws://%s/", cfg.ListenAddr())).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	logger.Info().Int("sessions", relayServer.Registry().Len()).Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Shutdown does not wait for hijacked WebSocket connections
	relayServer.Close()
	sessionsDone := make(chan struct{})
	go func() {
		relayServer.Wait()
		close(sessionsDone)
	}()
	select {
	case <-sessionsDone:
	case <-ctx.Done():
		logger.Warn().Msg("Sessions still open at shutdown deadline")
	}

	logger.Info().Msg("Server exited gracefully")
}

func newBackendDialer(cfg *config.Config) backend.Dialer {
	switch cfg.BackendKind {
	case config.BackendDeepgram:
		return &backend.DeepgramDialer{
			APIKey:   cfg.DeepgramAPIKey,
			Model:    cfg.DeepgramModel,
			Language: cfg.DeepgramLanguage,
		}
	default:
		return &backend.TCPDialer{
			Addr:     cfg.BackendAddr,
			Timeout:  cfg.DialTimeout(),
			ReadSize: cfg.TextReadSize,
		}
	}
}
