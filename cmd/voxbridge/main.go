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

	"github.com/ebalsamo/voxbridge/internal/backend"
	"github.com/ebalsamo/voxbridge/internal/config"
	"github.com/ebalsamo/voxbridge/internal/gateway"
	"github.com/ebalsamo/voxbridge/internal/httpapi"
	"github.com/ebalsamo/voxbridge/internal/observability"
	"github.com/ebalsamo/voxbridge/internal/session"
	"github.com/ebalsamo/voxbridge/internal/transcript"
	"github.com/ebalsamo/voxbridge/internal/vad"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	var transcripts transcript.Store = transcript.NewInMemoryStore()
	if cfg.DatabaseURL != "" {
		pg, err := transcript.NewPostgresStore(context.Background(), cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("transcript store init failed: %v", err)
		}
		transcripts = pg
		log.Printf("transcripts persisted to postgres")
	}
	defer transcripts.Close()

	registry := session.NewRegistry(cfg.SessionTimeout)
	registry.SetExpireHook(func(*session.Session) {
		metrics.SessionEvents.WithLabelValues("expired").Inc()
		metrics.ActiveSessions.Set(float64(registry.Count()))
	})

	completion := backend.NewCompletionClient(cfg.LLMAPIURL, cfg.LLMAPIKey, cfg.ServiceTimeout)

	gw := gateway.New(cfg, registry, completion, metrics, transcripts, func() vad.Detector {
		return vad.NewAfterSilence(800 * time.Millisecond)
	})
	defer gw.Close()

	api := httpapi.New(registry, gw)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	registry.StartSweeper(runCtx, cfg.SweepInterval)

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

	runCancel()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
		_ = httpServer.Close()
	}

	log.Printf("shutdown complete")
}
