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

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/lexiqai/session-recorder/internal/api"
	"github.com/lexiqai/session-recorder/internal/audio"
	"github.com/lexiqai/session-recorder/internal/config"
	"github.com/lexiqai/session-recorder/internal/ingest"
	"github.com/lexiqai/session-recorder/internal/observability"
	"github.com/lexiqai/session-recorder/internal/resilience"
	"github.com/lexiqai/session-recorder/internal/secure"
	"github.com/lexiqai/session-recorder/internal/session"
	"github.com/lexiqai/session-recorder/internal/store"
	"github.com/lexiqai/session-recorder/internal/stt"
	"github.com/lexiqai/session-recorder/internal/summary"
	"github.com/lexiqai/session-recorder/internal/webhook"
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
		Str("port", cfg.Port).
		Str("stt_provider", cfg.STTProvider).
		Str("key_store", cfg.KeyStore).
		Str("data_dir", cfg.DataDir).
		Int("sample_rate", cfg.SampleRate).
		Dur("segment_duration", cfg.SegmentDuration).
		Str("log_level", cfg.LogLevel).
		Bool("metrics_enabled", cfg.MetricsEnabled).
		Msg("Session Recorder starting")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Encryption key and segment storage
	keys := secure.NewKeyProvider(newKeyStore(cfg), cfg.KeyLossPolicy == config.KeyLossRegenerate, observability.Component("keystore"))
	if err := keys.Check(); err != nil {
		logger.Fatal().Err(err).Msg("Encryption key unavailable")
	}
	cipher := secure.NewChunkCipher(keys)

	segments, err := audio.NewSegmentStore(cfg.SegmentDir())
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to create segment store")
	}
	logger.Info().
		Str("segment_dir", segments.Dir()).
		Bool("retain_failed", cfg.RetainFailedSegments).
		Msg("Sealed segments stored on disk")

	// Capture engine reads raw PCM from stdin or a websocket producer
	var input audio.Input
	var streamInput *ingest.StreamInput
	if cfg.AudioSource == config.AudioSourceWebSocket {
		streamInput = ingest.NewStreamInput(cfg.SampleRate)
		input = streamInput
	} else {
		input = audio.NewReaderInput(os.Stdin, cfg.InputBufferSize)
	}
	vad := audio.DefaultVADConfig(cfg.SampleRate)
	vad.EnergyThreshold = cfg.VADEnergyThreshold
	vad.SilenceFrames = cfg.VADSilenceFrames

	engine := audio.NewEngine(audio.EngineConfig{
		SampleRate:          cfg.SampleRate,
		BufferSize:          cfg.AudioBufferSize,
		SegmentDuration:     cfg.SegmentDuration,
		SealTrailingSegment: cfg.SealTrailingSegment,
		SkipSilentSegments:  cfg.SkipSilentSegments,
		VAD:                 vad,
		Reconnect: &resilience.ReconnectConfig{
			MaxAttempts: cfg.ReconnectMaxAttempts,
			Backoff:     time.Duration(cfg.ReconnectBackoff) * time.Millisecond,
			Multiplier:  2.0,
			MaxBackoff:  5 * time.Second,
		},
	}, input, cipher, segments)

	// Transcription client with fallback
	grpcHealth := observability.NewGRPCHealth()
	failures := resilience.NewFailureCounter("transcription", cfg.FailureThreshold)
	failures.OnStateChange(func(from, to resilience.HealthState, n int) {
		observability.UpdateFailureState(int(to), n)
		grpcHealth.SetRemoteServing(to != resilience.StateFallback)
		logger.Warn().
			Str("from", from.String()).
			Str("to", to.String()).
			Int("consecutive_failures", n).
			Msg("Transcription health changed")
	})

	recognizer := stt.NewLocalRecognizer(cfg, cipher)
	if err := recognizer.Check(); err != nil {
		logger.Warn().Err(err).Msg("Fallback recognizer not available; segments will be lost once remote transcription fails")
	}

	client := stt.NewClient(newRemote(cfg), recognizer, cipher, &resilience.RetryConfig{
		MaxRetries:        cfg.RetryMaxAttempts,
		InitialBackoff:    time.Duration(cfg.RetryInitialBackoff) * time.Millisecond,
		MaxBackoff:        time.Duration(cfg.RetryMaxBackoff) * time.Millisecond,
		BackoffMultiplier: 2.0,
	}, failures)

	// Collaborators
	var summarizer summary.Summarizer = summary.Unavailable{}
	if cfg.OpenAIAPIKey != "" {
		summarizer = summary.NewOpenAISummarizer(cfg)
	} else {
		logger.Warn().Msg("OPENAI_API_KEY not set, sessions will not be summarized")
	}

	opts := session.Options{
		StopDrainTimeout:     cfg.StopDrainTimeout,
		RetainFailedSegments: cfg.RetainFailedSegments,
		Segments:             segments,
		DeliveryTimeout:      cfg.RemoteTimeout,
	}

	var repo store.Repository
	if cfg.DatabaseURL != "" {
		repo, err = store.Open(ctx, cfg.DatabaseURL)
		if err != nil {
			logger.Fatal().Err(err).Msg("Failed to open session database")
		}
		defer repo.Close()
		opts.Repository = repo
		logger.Info().Bool("postgres", cfg.UsesPostgres()).Msg("Session persistence enabled")
	}
	if cfg.TranscriptWebhookURL != "" {
		opts.Notifier = webhook.NewHTTPSender(cfg.TranscriptWebhookURL, cfg.RemoteTimeout)
	}

	aggregator := session.NewAggregator(engine, client, summarizer, opts)

	// Create HTTP server
	mux := http.NewServeMux()

	var archive api.Archive
	if repo != nil {
		archive = repo
	}
	apiServer := api.NewServer(aggregator, archive)
	apiServer.AddStatus("capture", func() any {
		st := engine.Stats()
		out := map[string]any{
			"state":           st.State.String(),
			"session_id":      st.SessionID,
			"speaking":        st.Speaking,
			"segments_sealed": st.SegmentsSealed,
			"seal_failures":   st.SealFailures,
			"dropped_bytes":   st.DroppedBytes,
		}
		if st.SessionID != "" {
			if files, err := segments.List(st.SessionID); err == nil {
				out["segments_on_disk"] = len(files)
			}
		}
		return out
	})
	apiServer.AddStatus("transcription", func() any {
		state, n, ok, failed := failures.GetStats()
		return map[string]any{
			"state":                state.String(),
			"consecutive_failures": n,
			"threshold":            failures.Threshold(),
			"success_total":        ok,
			"failure_total":        failed,
		}
	})
	apiServer.Register(mux)
	if streamInput != nil {
		mux.HandleFunc("GET /audio/stream", streamInput.HandleWS)
		apiServer.AddStatus("audio_stream", func() any {
			received, discarded := streamInput.Stats()
			return map[string]any{
				"connected":       streamInput.Connected(),
				"received_bytes":  received,
				"discarded_bytes": discarded,
			}
		})
		logger.Info().Msg("Accepting audio producers at /audio/stream")
	}

	// Health check endpoint
	mux.HandleFunc("/health", observability.HealthCheckHandler())
	mux.HandleFunc("/ready", observability.ReadinessHandler(readinessChecks(keys, recognizer, repo, failures)))

	// Metrics endpoint (Prometheus)
	if cfg.MetricsEnabled {
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info().Msg("Prometheus metrics enabled at /metrics")
	}

	// Stop waits for in-flight transcriptions, so writes may take as long as the drain
	server := &http.Server{
		Addr:         fmt.Sprintf(":%s", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: cfg.StopDrainTimeout + cfg.RemoteTimeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in a goroutine
	go func() {
		logger.Info().
			Str("port", cfg.Port).
			Str("live_feed", fmt.Sprintf("ws://localhost:%s/sessions/live", cfg.Port)).
			Msg("Server listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Fatal().Err(err).Msg("Server failed to start")
		}
	}()

	if cfg.GRPCHealthPort != "" {
		go func() {
			logger.Info().Str("port", cfg.GRPCHealthPort).Msg("gRPC health server listening")
			if err := grpcHealth.Serve(cfg.GRPCHealthPort); err != nil {
				logger.Error().Err(err).Msg("gRPC health server stopped")
			}
		}()
	}

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	logger.Info().Msg("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.StopDrainTimeout+30*time.Second)
	defer cancel()

	// A session still recording is stopped so its transcript is kept
	if rs, err := aggregator.Stop(shutdownCtx); err == nil {
		logger.Info().Str("session_id", rs.ID).Msg("Active session stopped on shutdown")
	}

	apiServer.Hub().Close()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("Server forced to shutdown")
	}
	grpcHealth.Stop()

	engine.Close()
	aggregator.Close()

	logger.Info().Msg("Server exited gracefully")
}

func newKeyStore(cfg *config.Config) secure.KeyStore {
	if cfg.KeyStore == config.KeyStoreFile {
		return secure.NewFileStore(cfg.KeyFilePath())
	}
	return secure.NewKeyringStore()
}

func newRemote(cfg *config.Config) stt.RemoteTranscriber {
	if cfg.STTProvider == config.ProviderDeepgram {
		return stt.NewDeepgramClient(cfg)
	}
	return stt.NewWhisperClient(cfg)
}

func readinessChecks(keys *secure.KeyProvider, recognizer *stt.LocalRecognizer, repo store.Repository, failures *resilience.FailureCounter) map[string]observability.HealthCheckFunc {
	checks := map[string]observability.HealthCheckFunc{
		"key_store": func(ctx context.Context) (bool, error) {
			if err := keys.Check(); err != nil {
				return false, err
			}
			return true, nil
		},
		// Ready even in fallback as long as something can transcribe
		"transcription": func(ctx context.Context) (bool, error) {
			if failures.State() != resilience.StateFallback {
				return true, nil
			}
			if err := recognizer.Check(); err != nil {
				return false, fmt.Errorf("remote transcription failing and fallback unavailable: %w", err)
			}
			return true, nil
		},
	}
	if repo != nil {
		checks["database"] = func(ctx context.Context) (bool, error) {
			if err := repo.Ping(ctx); err != nil {
				return false, err
			}
			return true, nil
		}
	}
	return checks
}
