package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/panjf2000/ants/v2"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"iptv-tuner/work/cache"
	"iptv-tuner/work/client"
	"iptv-tuner/work/config"
	"iptv-tuner/work/epg"
	"iptv-tuner/work/fallback"
	"iptv-tuner/work/handlers"
	"iptv-tuner/work/journal"
	"iptv-tuner/work/logger"
	"iptv-tuner/work/middleware"
	"iptv-tuner/work/playlist"
	"iptv-tuner/work/relay"
	"iptv-tuner/work/session"
	"iptv-tuner/work/tuner"
)

var (
	Version = "v0.1.0" // default version
)

// logLevelFor maps the debug flag onto the logger level.
func logLevelFor(cfg *config.Config) string {
	if cfg.Debug {
		return "DEBUG"
	}
	return "INFO"
}

// our main app worker
func main() {

	// load our config
	cfg := config.LoadConfig()
	logger.SetLogLevel(logLevelFor(cfg))

	// worker pool for background jobs (playlist refresh, journal writes)
	workerPool, err := ants.NewPool(cfg.WorkerThreads, ants.WithPreAlloc(true))
	if err != nil {
		logger.Error("Failed to create worker pool: %v", err)
		os.Exit(1)
	}
	defer workerPool.Release()

	// upstream HTTP client with the configured identity headers
	httpClient := client.NewHeaderSettingClient(config.LoadConfig)

	// fallback clip must be ready before the first tune request; without it a
	// broken upstream would leave clients with nothing to watch
	fallbackSource := fallback.New()
	if err := fallbackSource.Initialize(context.Background(), cfg.FallbackFile); err != nil {
		logger.Error("Failed to initialize fallback source: %v", err)
		os.Exit(1)
	}

	// optional session journal
	var sessionJournal *journal.Journal
	if cfg.JournalPath != "" {
		sessionJournal, err = journal.Open(cfg.JournalPath, workerPool)
		if err != nil {
			logger.Warn("Session journal disabled: %v", err)
			sessionJournal = nil
		} else {
			defer sessionJournal.Close()
		}
	}

	// channel store and initial playlist load
	store := playlist.NewStore()
	if _, err := store.Refresh(httpClient, cfg); err != nil {
		logger.Warn("Initial playlist load failed: %v", err)
	}

	// the session manager owns the single upstream slot; the relay pumps it
	var recorder session.Recorder
	if sessionJournal != nil {
		recorder = sessionJournal
	}
	manager := session.NewManager(config.LoadConfig, httpClient, store, fallbackSource, recorder)
	relayEngine := relay.NewEngine(config.LoadConfig)

	// caches for the rendered surfaces
	lineupCache := cache.NewCache(cfg.CacheDuration)
	epgCache := cache.NewEPGCache(cfg.CacheDuration)
	defer epgCache.Close()

	app := &tuner.Tuner{
		CfgFn:      config.LoadConfig,
		Store:      store,
		Manager:    manager,
		Relay:      relayEngine,
		EPG:        epg.NewGenerator(epgCache),
		Cache:      lineupCache,
		Journal:    sessionJournal,
		Fallback:   fallbackSource,
		HTTPClient: httpClient,
		Pool:       workerPool,
		StartedAt:  time.Now(),
	}

	// periodic playlist refresh
	refreshStop := make(chan struct{})
	go refreshLoop(app, refreshStop)
	defer close(refreshStop)

	// Setup HTTP routes
	router := mux.NewRouter()

	// HDHomeRun emulation surface
	router.HandleFunc("/discover.json", middleware.Gzip(handlers.HandleDiscover(app))).Methods("GET")
	router.HandleFunc("/lineup.json", middleware.Gzip(handlers.HandleLineup(app))).Methods("GET")
	router.HandleFunc("/lineup_status.json", middleware.Gzip(handlers.HandleLineupStatus(app))).Methods("GET")
	router.HandleFunc("/lineup.post", handlers.HandleLineupPost(app)).Methods("GET", "POST")
	router.HandleFunc("/epg.xml", middleware.Gzip(handlers.HandleGuide(app))).Methods("GET")

	// stream endpoint is never compressed; the relay needs raw flushes
	router.HandleFunc("/stream/{channelID}", handlers.HandleStream(app)).Methods("GET")

	router.HandleFunc("/health", handlers.HandleHealth(app)).Methods("GET")
	router.Handle("/metrics", promhttp.Handler()).Methods("GET")

	// management API
	setupAdminRoutes(router, app)

	addr := fmt.Sprintf(":%d", cfg.Port)
	server := &http.Server{
		Addr:    addr,
		Handler: router,
		// no write timeout: stream responses are open-ended
		ReadHeaderTimeout: 10 * time.Second,
	}

	// show info
	logger.Info("Starting IPTV Tuner %s", Version)
	logger.Info("Server configuration:")
	logger.Info("  - Base URL: %s", cfg.BaseURL)
	logger.Info("  - Listen Addr: %s", addr)
	logger.Info("  - Channels Loaded: %d", store.Count())
	logger.Info("  - Kill-Switch Delay: %s", cfg.KillSwitchDelay)
	logger.Info("  - Read Timeout: %s", cfg.ReadTimeout)
	logger.Info("  - Update Interval: %s", cfg.UpdateInterval)
	logger.Info("  - Worker Threads: %d", cfg.WorkerThreads)
	logger.Info("  - Cache Enabled: %v", cfg.CacheEnabled)
	logger.Info("  - Journal Enabled: %v", sessionJournal != nil)
	logger.Info("  - Debug Enabled: %v", cfg.Debug)
	logger.Info("  - URL Obfuscation: %v", cfg.ObfuscateUrls)

	// serve until signaled
	errChan := make(chan error, 1)
	go func() {
		errChan <- server.ListenAndServe()
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errChan:
		if err != nil && err != http.ErrServerClosed {
			logger.Error("Server failed: %v", err)
			os.Exit(1)
		}
	case sig := <-sigChan:
		logger.Info("Received %s, shutting down", sig)
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Warn("Graceful shutdown failed: %v", err)
		}
	}
}

// refreshLoop reloads the playlist on the configured interval until stopped.
// The interval is re-read every cycle so settings changes take effect without
// a restart.
func refreshLoop(app *tuner.Tuner, stop <-chan struct{}) {
	for {
		interval := app.CfgFn().UpdateInterval
		select {
		case <-time.After(interval):
			logger.Debug("{main - refreshLoop} Periodic playlist refresh starting")
			if count, err := app.RefreshPlaylist(); err != nil {
				logger.Error("{main - refreshLoop} Playlist refresh failed: %v", err)
			} else {
				logger.Info("{main - refreshLoop} Playlist refreshed: %d channels", count)
			}
		case <-stop:
			return
		}
	}
}

// setupAdminRoutes registers the management API.
func setupAdminRoutes(router *mux.Router, app *tuner.Tuner) {
	router.HandleFunc("/api/stats", middleware.Gzip(handleStats(app))).Methods("GET")
	router.HandleFunc("/api/settings", middleware.Gzip(handleGetSettings(app))).Methods("GET")
	router.HandleFunc("/api/settings", handleUpdateSettings(app)).Methods("POST")
	router.HandleFunc("/api/categories", middleware.Gzip(handleCategories(app))).Methods("GET")
	router.HandleFunc("/api/refresh", handleRefresh(app)).Methods("POST")
	router.HandleFunc("/api/sessions", middleware.Gzip(handleSessions(app))).Methods("GET")
}
