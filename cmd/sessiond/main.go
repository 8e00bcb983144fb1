package main

import (
	"context"
	"errors"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/antoniostano/sessiond/internal/capacity"
	"github.com/antoniostano/sessiond/internal/config"
	"github.com/antoniostano/sessiond/internal/httpapi"
	"github.com/antoniostano/sessiond/internal/keystore"
	"github.com/antoniostano/sessiond/internal/modelcache"
	"github.com/antoniostano/sessiond/internal/observability"
	"github.com/antoniostano/sessiond/internal/proxyrouter"
	"github.com/antoniostano/sessiond/internal/session"
	"github.com/antoniostano/sessiond/internal/settings"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}

	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	ctx := context.Background()

	var (
		store         session.Store
		settingsStore settings.Store
	)
	if cfg.DatabaseURL != "" {
		pg, err := session.NewPostgresStore(ctx, cfg.DatabaseURL)
		if err != nil {
			log.Fatalf("session store init failed: %v", err)
		}
		defer pg.Close()
		store = pg
		settingsStore = settings.NewPostgres(pg.Pool())
		log.Printf("session store: postgres")
	} else {
		store = session.NewMemoryStore()
		settingsStore = settings.NewMemory()
		log.Printf("session store: in-memory (set DATABASE_URL for persistence)")
	}

	keys := keystore.NewStatic(cfg.FallbackConsumerKey)

	proxy := proxyrouter.New(proxyrouter.Config{
		BaseURL:          cfg.RouterBaseURL,
		Username:         cfg.RouterUsername,
		Password:         cfg.RouterPassword,
		RetryAttempts:    cfg.RouterRetryAttempts,
		RetryBackoff:     cfg.RouterRetryBackoff,
		CatalogTimeout:   cfg.CatalogTimeout,
		InferenceTimeout: cfg.InferenceTimeout,
	}, metrics)
	defer proxy.Close()

	models := modelcache.New(proxy, cfg.CatalogTTL, metrics)

	lifecycle := session.NewService(store, proxy, keys, cfg.SessionDuration, cfg.SettleDelay, metrics)

	events := httpapi.NewEventHub()
	lifecycle.SetNotify(events.Publish)

	router := capacity.NewRouter(lifecycle, store, models, settingsStore, cfg.IdleQuiescence, cfg.CapacityInterval, metrics)

	api := httpapi.New(cfg, router, lifecycle, store, proxy, models, keys, metrics, events)
	httpServer := &http.Server{
		Addr:    cfg.BindAddr,
		Handler: api.Router(),
	}

	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	router.Start(runCtx)

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
