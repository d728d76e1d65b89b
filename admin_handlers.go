package main

import (
	"encoding/json"
	"net/http"
	"runtime"
	"slices"
	"time"

	"iptv-tuner/work/config"
	"iptv-tuner/work/logger"
	"iptv-tuner/work/tuner"
	"iptv-tuner/work/utils"
)

// StatsResponse carries operational metrics for the management API, covering
// the lineup, the relay, and process-level resource usage.
type StatsResponse struct {
	TotalChannels  int    `json:"totalChannels"`
	Categories     int    `json:"categories"`
	ActiveSessions int    `json:"activeSessions"`
	Generation     uint64 `json:"generation"`
	UpstreamOpen   bool   `json:"upstreamOpen"`
	FallbackReady  bool   `json:"fallbackReady"`
	Uptime         string `json:"uptime"`
	MemoryUsage    string `json:"memoryUsage"`
	WorkerThreads  int    `json:"workerThreads"`
	GoRoutines     int    `json:"goRoutines"`
}

// SettingsResponse is the editable settings view returned by GET /api/settings.
// Durations travel as strings ("1s", "12h") to match the settings file.
type SettingsResponse struct {
	BaseURL            string   `json:"baseURL"`
	M3UURL             string   `json:"m3uURL"`
	SelectedCategories []string `json:"selectedCategories"`
	UpdateInterval     string   `json:"updateInterval"`
	KillSwitchDelay    string   `json:"killSwitchDelay"`
	ReadTimeout        string   `json:"readTimeout"`
	UserAgent          string   `json:"userAgent"`
	DeviceName         string   `json:"deviceName"`
	FallbackOnConnect  bool     `json:"fallbackOnConnect"`
	CacheEnabled       bool     `json:"cacheEnabled"`
	Debug              bool     `json:"debug"`
	ObfuscateUrls      bool     `json:"obfuscateUrls"`
}

// SettingsUpdate is the PATCH-style body accepted by POST /api/settings; only
// the fields present are applied.
type SettingsUpdate struct {
	BaseURL            *string   `json:"baseURL"`
	M3UURL             *string   `json:"m3uURL"`
	SelectedCategories *[]string `json:"selectedCategories"`
	UpdateInterval     *string   `json:"updateInterval"`
	KillSwitchDelay    *string   `json:"killSwitchDelay"`
	ReadTimeout        *string   `json:"readTimeout"`
	UserAgent          *string   `json:"userAgent"`
	DeviceName         *string   `json:"deviceName"`
	FallbackOnConnect  *bool     `json:"fallbackOnConnect"`
	CacheEnabled       *bool     `json:"cacheEnabled"`
	Debug              *bool     `json:"debug"`
	ObfuscateUrls      *bool     `json:"obfuscateUrls"`
}

// handleStats serves GET /api/stats.
func handleStats(t *tuner.Tuner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var mem runtime.MemStats
		runtime.ReadMemStats(&mem)

		cfg := t.CfgFn()
		resp := StatsResponse{
			TotalChannels:  t.Store.Count(),
			Categories:     len(t.Store.Categories()),
			ActiveSessions: len(t.Manager.Snapshots()),
			Generation:     t.Manager.CurrentGeneration(),
			UpstreamOpen:   t.Manager.UpstreamOpen(),
			FallbackReady:  t.Fallback.Available(),
			Uptime:         time.Since(t.StartedAt).Round(time.Second).String(),
			MemoryUsage:    utils.FormatBytes(int64(mem.Alloc)),
			WorkerThreads:  cfg.WorkerThreads,
			GoRoutines:     runtime.NumGoroutine(),
		}
		writeJSON(w, resp)
	}
}

// handleGetSettings serves GET /api/settings.
func handleGetSettings(t *tuner.Tuner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := t.CfgFn()
		writeJSON(w, SettingsResponse{
			BaseURL:            cfg.BaseURL,
			M3UURL:             utils.LogURL(cfg, cfg.M3UURL),
			SelectedCategories: cfg.SelectedCategories,
			UpdateInterval:     cfg.UpdateInterval.String(),
			KillSwitchDelay:    cfg.KillSwitchDelay.String(),
			ReadTimeout:        cfg.ReadTimeout.String(),
			UserAgent:          cfg.UserAgent,
			DeviceName:         cfg.DeviceName,
			FallbackOnConnect:  cfg.FallbackOnConnect,
			CacheEnabled:       cfg.CacheEnabled,
			Debug:              cfg.Debug,
			ObfuscateUrls:      cfg.ObfuscateUrls,
		})
	}
}

// handleUpdateSettings serves POST /api/settings: applies the update, persists
// it, and refreshes the playlist when the source or the category filter
// changed. Relay timing knobs are clamped by the config layer.
func handleUpdateSettings(t *tuner.Tuner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var update SettingsUpdate
		if err := json.NewDecoder(r.Body).Decode(&update); err != nil {
			http.Error(w, "invalid settings payload", http.StatusBadRequest)
			return
		}

		prev := t.CfgFn()
		prevM3U := prev.M3UURL
		prevCategories := slices.Clone(prev.SelectedCategories)

		cfg, err := config.Update(func(c *config.Config) {
			applySettings(c, &update)
		})
		if err != nil {
			logger.Error("{admin - handleUpdateSettings} Failed to save settings: %v", err)
			http.Error(w, "failed to save settings", http.StatusInternalServerError)
			return
		}

		logger.SetLogLevel(logLevelFor(cfg))

		if cfg.M3UURL != prevM3U || !slices.Equal(cfg.SelectedCategories, prevCategories) {
			submitRefresh(t)
		}

		writeJSON(w, map[string]string{"status": "saved"})
	}
}

// applySettings copies the non-nil update fields onto the config.
func applySettings(c *config.Config, update *SettingsUpdate) {
	if update.BaseURL != nil {
		c.BaseURL = *update.BaseURL
	}
	if update.M3UURL != nil {
		c.M3UURL = *update.M3UURL
	}
	if update.SelectedCategories != nil {
		c.SelectedCategories = *update.SelectedCategories
	}
	if update.UpdateInterval != nil {
		if d, err := time.ParseDuration(*update.UpdateInterval); err == nil {
			c.UpdateInterval = d
		}
	}
	if update.KillSwitchDelay != nil {
		if d, err := time.ParseDuration(*update.KillSwitchDelay); err == nil {
			c.KillSwitchDelay = d
		}
	}
	if update.ReadTimeout != nil {
		if d, err := time.ParseDuration(*update.ReadTimeout); err == nil {
			c.ReadTimeout = d
		}
	}
	if update.UserAgent != nil {
		c.UserAgent = *update.UserAgent
	}
	if update.DeviceName != nil {
		c.DeviceName = *update.DeviceName
	}
	if update.FallbackOnConnect != nil {
		c.FallbackOnConnect = *update.FallbackOnConnect
	}
	if update.CacheEnabled != nil {
		c.CacheEnabled = *update.CacheEnabled
	}
	if update.Debug != nil {
		c.Debug = *update.Debug
	}
	if update.ObfuscateUrls != nil {
		c.ObfuscateUrls = *update.ObfuscateUrls
	}
}

// handleCategories serves GET /api/categories: every group title found in the
// playlist plus which ones are currently selected.
func handleCategories(t *tuner.Tuner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		cfg := t.CfgFn()
		writeJSON(w, map[string]any{
			"available": t.Store.Categories(),
			"selected":  cfg.SelectedCategories,
		})
	}
}

// handleRefresh serves POST /api/refresh: reload the playlist now. After the
// reload, selected categories that disappeared from the playlist are pruned
// from the settings so the filter never silently hides every channel.
func handleRefresh(t *tuner.Tuner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		count, err := t.RefreshPlaylist()
		if err != nil {
			logger.Error("{admin - handleRefresh} Playlist refresh failed: %v", err)
			http.Error(w, "refresh failed", http.StatusBadGateway)
			return
		}

		cfg := t.CfgFn()
		if valid, removed := t.Store.PruneSelectedCategories(cfg.SelectedCategories); removed > 0 {
			logger.Info("{admin - handleRefresh} Pruned %d orphaned categories from settings", removed)
			if _, err := config.Update(func(c *config.Config) { c.SelectedCategories = valid }); err != nil {
				logger.Warn("{admin - handleRefresh} Could not persist pruned categories: %v", err)
			}
		}

		writeJSON(w, map[string]any{"status": "refreshed", "channels": count})
	}
}

// handleSessions serves GET /api/sessions: the live session snapshots plus
// the most recent journal events when the journal is enabled.
func handleSessions(t *tuner.Tuner) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := map[string]any{
			"generation": t.Manager.CurrentGeneration(),
			"live":       t.Manager.Snapshots(),
		}

		if t.Journal != nil {
			events, err := t.Journal.Recent(100)
			if err != nil {
				logger.Warn("{admin - handleSessions} Failed to read journal: %v", err)
			} else {
				resp["recent"] = events
			}
		}

		writeJSON(w, resp)
	}
}

// submitRefresh runs a playlist refresh on the worker pool, inline when the
// pool is saturated.
func submitRefresh(t *tuner.Tuner) {
	job := func() {
		if _, err := t.RefreshPlaylist(); err != nil {
			logger.Error("{admin - submitRefresh} Playlist refresh failed: %v", err)
		}
	}
	if t.Pool == nil || t.Pool.Submit(job) != nil {
		job()
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{admin - writeJSON} Failed to encode response: %v", err)
	}
}
