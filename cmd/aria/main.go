package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aria-voice/aria/internal/config"
	"github.com/aria-voice/aria/internal/gateway"
	"github.com/aria-voice/aria/internal/llm"
	"github.com/aria-voice/aria/internal/observability"
	"github.com/aria-voice/aria/internal/pool"
	"github.com/aria-voice/aria/internal/session"
	"github.com/aria-voice/aria/internal/stt"
	"github.com/aria-voice/aria/internal/transcript"
	"github.com/aria-voice/aria/internal/tts"
	"github.com/aria-voice/aria/internal/voice"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()
	store, err := transcript.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("transcript store init failed: %v", err)
	}
	defer store.Close()

	sessions := session.NewManager(cfg.ConnectionTimeout)
	sessions.SetExpireHook(func(_ *session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(sessions.ActiveCount()))
	})

	connPool := pool.New(pool.Config{
		MaxConnections:      cfg.MaxConnections,
		AdmissionsPerSecond: cfg.AdmissionsPerSecond,
		HeartbeatInterval:   cfg.HeartbeatInterval,
		ConnectionTimeout:   cfg.ConnectionTimeout,
	})

	providers := gateway.Providers{
		NewSTT: func(ctx context.Context, opts stt.OpenOptions, cbs stt.Callbacks) (voice.AudioSink, error) {
			client := stt.NewClient(stt.Config{
				APIKey:           cfg.DeepgramAPIKey,
				BaseURL:          cfg.DeepgramBaseURL,
				Model:            cfg.STTModel,
				Language:         cfg.STTLanguage,
				DisableReconnect: cfg.STTDisableReconnect,
				MaxReconnects:    cfg.MaxReconnectAttempts,
			}, opts, cbs)
			client.Open(ctx)
			return client, nil
		},
		LLM: llm.NewClient(llm.Config{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.LLMModel,
		}),
		TTS: &voice.ElevenLabsTTS{Client: tts.NewClient(tts.Config{
			APIKey:          cfg.ElevenLabsAPIKey,
			BaseURL:         cfg.ElevenLabsBaseURL,
			OutputFormat:    cfg.TTSOutputFormat,
			OptimizeLatency: cfg.TTSOptimizeLatency,
			MaxReconnects:   cfg.MaxReconnectAttempts,
		})},
	}

	srv := gateway.New(cfg, sessions, connPool, providers, store, metrics)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: srv.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	sessions.StartJanitor(runCtx, 5*time.Second)
	go connPool.Run(runCtx)

	go func() {
		log.Printf("server listening on %s", cfg.BindAddr)
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatalf("listen error: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Printf("shutdown signal received")

	connPool.Shutdown()
	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
