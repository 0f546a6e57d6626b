package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"media-thumbnailer/internal/engine"
	"media-thumbnailer/internal/generator"
	"media-thumbnailer/internal/handlers"
	"media-thumbnailer/internal/logging"
	"media-thumbnailer/internal/memory"
	"media-thumbnailer/internal/middleware"
	"media-thumbnailer/internal/startup"
	"media-thumbnailer/internal/store"

	"github.com/gorilla/mux"
)

func main() {
	startTime := time.Now()

	// Load configuration
	config, err := startup.LoadConfig()
	if err != nil {
		startup.LogFatal("Configuration error: %v", err)
	}

	// Initialize the persistent index
	st, err := store.New(context.Background(), config.DatabasePath)
	if err != nil {
		startup.LogFatal("Failed to initialize thumbnail store: %v", err)
	}
	defer st.Close()

	// Build the pipeline
	engineCfg := config.Engine.Normalize()
	startup.LogEngineInit(engineCfg)

	dec := generator.NewWebPDecoder(generator.DefaultConfig())
	broker := handlers.NewEventBroker()
	svc := engine.NewService(engineCfg, st, dec, broker)

	memCfg := memory.DefaultConfig()
	memCfg.MemoryLimitBytes = int64(config.MemoryLimitMB) << 20
	monitor := memory.NewMonitor(memCfg)
	monitor.Start()
	svc.SetThrottler(monitor)

	svc.Start(context.Background())

	// Periodic store maintenance
	if config.StoreCleanupAge > 0 {
		go runStoreCleanup(st, config.StoreCleanupAge)
	}

	// Initialize handlers and router
	h := handlers.New(svc, broker, config)
	router := mux.NewRouter()
	h.RegisterRoutes(router)

	// Metrics on a separate listener so scrapes never compete with
	// thumbnail delivery
	if config.MetricsEnabled {
		go serveMetrics(h, config.MetricsPort)
	}

	// Apply middleware
	loggingConfig := middleware.DefaultLoggingConfig()
	loggingConfig.LogHealthChecks = config.LogHealthChecks
	handler := middleware.Metrics(middleware.DefaultMetricsConfig())(router)
	handler = middleware.Logger(loggingConfig)(handler)

	srv := &http.Server{
		Addr:        ":" + config.Port,
		Handler:     handler,
		ReadTimeout: 15 * time.Second,
		// SSE connections stay open indefinitely
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	go handleShutdown(srv, svc, monitor)

	startup.LogServerStarted(config.Port, time.Since(startTime))
	if err := srv.ListenAndServe(); err != http.ErrServerClosed {
		startup.LogFatal("Server error: %v", err)
	}
}

func serveMetrics(h *handlers.Handlers, port string) {
	metricsMux := http.NewServeMux()
	metricsMux.Handle("/metrics", h.MetricsHandler())
	logging.Info("Metrics listening on :%s", port)
	if err := http.ListenAndServe(":"+port, metricsMux); err != nil {
		logging.Error("Metrics server error: %v", err)
	}
}

func runStoreCleanup(st *store.Store, maxAge time.Duration) {
	ticker := time.NewTicker(6 * time.Hour)
	defer ticker.Stop()
	for range ticker.C {
		// Folder records are cheap to keep and expensive to rebuild
		removed, err := st.CleanupExpired(context.Background(), maxAge, true)
		if err != nil {
			logging.Warn("Store cleanup failed: %v", err)
			continue
		}
		if removed > 0 {
			logging.Info("Store cleanup removed %d expired thumbnails", removed)
		}
	}
}

func handleShutdown(srv *http.Server, svc *engine.Service, monitor *memory.Monitor) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigChan

	startup.LogShutdownInitiated(sig.String())

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	startup.LogShutdownStep("Shutting down HTTP server")
	if err := srv.Shutdown(ctx); err != nil {
		logging.Warn("Server shutdown error: %v", err)
	}

	startup.LogShutdownStep("Draining thumbnail engine")
	svc.Stop(ctx)
	monitor.Stop()

	startup.LogShutdownComplete()
}
