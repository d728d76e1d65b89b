package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"iptv-tuner/work/logger"
)

// Config holds all application configuration values for the IPTV tuner.
// It covers the playlist source, the kill-switch stream relay parameters,
// and the HDHomeRun device identity presented to media-server clients.
type Config struct {
	BaseURL            string        `json:"baseURL"`            // Base URL advertised in discover.json and lineup URLs
	Port               int           `json:"port"`               // HTTP listen port
	M3UURL             string        `json:"m3uURL"`             // URL of the upstream M3U playlist
	SelectedCategories []string      `json:"selectedCategories"` // group-title values to include (empty = all)
	UpdateInterval     time.Duration `json:"updateInterval"`     // interval between playlist refreshes
	KillSwitchDelay    time.Duration `json:"killSwitchDelay"`    // settle delay between closing one upstream and opening the next
	ReadTimeout        time.Duration `json:"readTimeout"`        // per-chunk stall timeout on upstream reads
	UserAgent          string        `json:"userAgent"`          // User-Agent sent on all upstream requests
	DeviceID           string        `json:"deviceID"`           // HDHomeRun device id
	DeviceName         string        `json:"deviceName"`         // HDHomeRun friendly name
	FallbackFile       string        `json:"fallbackFile"`       // optional pre-rendered MPEG-TS clip for the fallback source
	FallbackOnConnect  bool          `json:"fallbackOnConnect"`  // serve fallback (instead of an HTTP error) when the very first connect fails
	WorkerThreads      int           `json:"workerThreads"`      // size of the background worker pool
	ConnectRatePerSec  int           `json:"connectRatePerSec"`  // upstream connect attempts allowed per second
	CacheEnabled       bool          `json:"cacheEnabled"`       // cache generated lineup/EPG output
	CacheDuration      time.Duration `json:"cacheDuration"`      // lifetime of cached lineup/EPG output
	JournalPath        string        `json:"journalPath"`        // SQLite session journal path ("" = disabled)
	Debug              bool          `json:"debug"`              // enable debug logging
	ObfuscateUrls      bool          `json:"obfuscateUrls"`      // obfuscate upstream URLs in log output
}

// ConfigFile is the on-disk JSON shape of Config. Duration fields are stored
// as strings (e.g. "1s", "12h") and parsed on load.
type ConfigFile struct {
	BaseURL            string   `json:"baseURL"`
	Port               int      `json:"port"`
	M3UURL             string   `json:"m3uURL"`
	SelectedCategories []string `json:"selectedCategories"`
	UpdateInterval     string   `json:"updateInterval"`
	KillSwitchDelay    string   `json:"killSwitchDelay"`
	ReadTimeout        string   `json:"readTimeout"`
	UserAgent          string   `json:"userAgent"`
	DeviceID           string   `json:"deviceID"`
	DeviceName         string   `json:"deviceName"`
	FallbackFile       string   `json:"fallbackFile"`
	FallbackOnConnect  *bool    `json:"fallbackOnConnect,omitempty"`
	WorkerThreads      int      `json:"workerThreads"`
	ConnectRatePerSec  int      `json:"connectRatePerSec"`
	CacheEnabled       bool     `json:"cacheEnabled"`
	CacheDuration      string   `json:"cacheDuration"`
	JournalPath        string   `json:"journalPath"`
	Debug              bool     `json:"debug"`
	ObfuscateUrls      bool     `json:"obfuscateUrls"`
}

// clamp ranges for the relay timing knobs
const (
	MinKillSwitchDelay = 200 * time.Millisecond
	MaxKillSwitchDelay = 3000 * time.Millisecond
	MinReadTimeout     = 10 * time.Second
	MaxReadTimeout     = 60 * time.Second
)

var (
	configCache *Config      // cached configuration instance (singleton)
	configMutex sync.RWMutex // protects configCache
)

// Path returns the settings file location, honoring the CONFIG_PATH override.
func Path() string {
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "/settings/config.json"
}

// LoadConfig loads the configuration from file or returns the cached instance.
//
// Process:
//   - Uses double-checked locking to avoid redundant reloads.
//   - Attempts to load from the settings path (CONFIG_PATH or /settings/config.json).
//   - Falls back to default config if the file is missing or invalid, and
//     writes the defaults back out so the management API has a file to edit.
//   - Runs validation to clamp relay timings into their safe ranges.
func LoadConfig() *Config {
	configMutex.RLock()
	if configCache != nil {
		defer configMutex.RUnlock()
		return configCache
	}
	configMutex.RUnlock()

	configMutex.Lock()
	defer configMutex.Unlock()

	// double-check under write lock
	if configCache != nil {
		return configCache
	}

	configPath := Path()
	cfg, err := loadFromFile(configPath)
	if err != nil {
		logger.Warn("{config - LoadConfig} Failed to load config from %s: %v", configPath, err)
		logger.Warn("{config - LoadConfig} Falling back to default configuration")
		cfg = getDefaultConfig()
		if saveErr := saveUnlocked(cfg, configPath); saveErr != nil {
			logger.Warn("{config - LoadConfig} Could not persist default config: %v", saveErr)
		}
	}

	validateAndSetDefaults(cfg)
	configCache = cfg

	if cfg.Debug {
		logger.Debug("{config - LoadConfig} Configuration loaded:")
		logger.Debug("{config - LoadConfig}   M3U URL configured: %v", cfg.M3UURL != "")
		logger.Debug("{config - LoadConfig}   Kill-switch delay: %s", cfg.KillSwitchDelay)
		logger.Debug("{config - LoadConfig}   Read timeout: %s", cfg.ReadTimeout)
		logger.Debug("{config - LoadConfig}   Update interval: %s", cfg.UpdateInterval)
		logger.Debug("{config - LoadConfig}   Selected categories: %d", len(cfg.SelectedCategories))
	}

	return cfg
}

// ClearConfigCache drops the cached configuration so the next LoadConfig
// re-reads the settings file. Used by the management API after updates.
func ClearConfigCache() {
	configMutex.Lock()
	defer configMutex.Unlock()
	configCache = nil
}

// Update applies the given mutation to a copy of the current configuration,
// persists the result to disk, and swaps the cached instance to the copy.
// Instances handed out earlier by LoadConfig are never written to again, so
// goroutines reading their fields without the config lock stay race free;
// they pick up the new snapshot on their next LoadConfig call. The mutation
// runs under the config write lock, so it must not call back into this
// package.
func Update(mutate func(*Config)) (*Config, error) {
	configMutex.Lock()
	defer configMutex.Unlock()

	base := configCache
	if base == nil {
		loaded, err := loadFromFile(Path())
		if err != nil {
			loaded = getDefaultConfig()
		}
		base = loaded
	}

	next := base.clone()
	mutate(next)
	validateAndSetDefaults(next)

	if err := saveUnlocked(next, Path()); err != nil {
		return nil, fmt.Errorf("failed to save config: %w", err)
	}

	configCache = next
	return next, nil
}

// clone returns a deep copy; SelectedCategories is the only reference field.
func (c *Config) clone() *Config {
	dup := *c
	dup.SelectedCategories = slices.Clone(c.SelectedCategories)
	return &dup
}

// loadFromFile reads and parses the configuration from a JSON file.
func loadFromFile(path string) (*Config, error) {

	// read from the file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	// unmarshal the config file
	var cf ConfigFile
	if err := json.Unmarshal(data, &cf); err != nil {
		return nil, fmt.Errorf("failed to parse config JSON: %w", err)
	}

	// convert to our settings
	return convertFromFile(&cf)
}

// convertFromFile converts a ConfigFile into a runtime Config, parsing all
// duration strings. Unparseable durations fall back to zero and are filled
// in later by validateAndSetDefaults.
func convertFromFile(cf *ConfigFile) (*Config, error) {
	cfg := &Config{
		BaseURL:            cf.BaseURL,
		Port:               cf.Port,
		M3UURL:             cf.M3UURL,
		SelectedCategories: cf.SelectedCategories,
		UserAgent:          cf.UserAgent,
		DeviceID:           cf.DeviceID,
		DeviceName:         cf.DeviceName,
		FallbackFile:       cf.FallbackFile,
		FallbackOnConnect:  true,
		WorkerThreads:      cf.WorkerThreads,
		ConnectRatePerSec:  cf.ConnectRatePerSec,
		CacheEnabled:       cf.CacheEnabled,
		JournalPath:        cf.JournalPath,
		Debug:              cf.Debug,
		ObfuscateUrls:      cf.ObfuscateUrls,
	}

	if cf.FallbackOnConnect != nil {
		cfg.FallbackOnConnect = *cf.FallbackOnConnect
	}

	cfg.UpdateInterval = parseDuration(cf.UpdateInterval, "updateInterval")
	cfg.KillSwitchDelay = parseDuration(cf.KillSwitchDelay, "killSwitchDelay")
	cfg.ReadTimeout = parseDuration(cf.ReadTimeout, "readTimeout")
	cfg.CacheDuration = parseDuration(cf.CacheDuration, "cacheDuration")

	return cfg, nil
}

// parseDuration parses a duration string, logging and returning zero when the
// value is empty or invalid so defaults can take over.
func parseDuration(value, field string) time.Duration {
	if value == "" {
		return 0
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		logger.Warn("{config - parseDuration} Invalid duration for %s: %q (%v)", field, value, err)
		return 0
	}
	return d
}

// getDefaultConfig returns the default configuration matching a stock install.
func getDefaultConfig() *Config {
	return &Config{
		Port:              5004,
		UpdateInterval:    12 * time.Hour,
		KillSwitchDelay:   1000 * time.Millisecond,
		ReadTimeout:       30 * time.Second,
		UserAgent:         "VLC/3.0.18 LibVLC/3.0.18",
		DeviceID:          "12345678",
		DeviceName:        "IPTV Tuner",
		FallbackOnConnect: true,
		WorkerThreads:     4,
		ConnectRatePerSec: 2,
		CacheEnabled:      true,
		CacheDuration:     5 * time.Minute,
	}
}

// validateAndSetDefaults fills in missing values and clamps the relay timing
// knobs into their supported ranges.
func validateAndSetDefaults(cfg *Config) {
	def := getDefaultConfig()

	if cfg.Port <= 0 || cfg.Port > 65535 {
		cfg.Port = def.Port
	}
	if cfg.BaseURL == "" {
		if env := os.Getenv("BASE_URL"); env != "" {
			cfg.BaseURL = env
		} else {
			cfg.BaseURL = fmt.Sprintf("http://localhost:%d", cfg.Port)
		}
	}
	if cfg.UpdateInterval <= 0 {
		cfg.UpdateInterval = def.UpdateInterval
	}
	if cfg.KillSwitchDelay <= 0 {
		cfg.KillSwitchDelay = def.KillSwitchDelay
	}
	if cfg.KillSwitchDelay < MinKillSwitchDelay {
		cfg.KillSwitchDelay = MinKillSwitchDelay
	}
	if cfg.KillSwitchDelay > MaxKillSwitchDelay {
		cfg.KillSwitchDelay = MaxKillSwitchDelay
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = def.ReadTimeout
	}
	if cfg.ReadTimeout < MinReadTimeout {
		cfg.ReadTimeout = MinReadTimeout
	}
	if cfg.ReadTimeout > MaxReadTimeout {
		cfg.ReadTimeout = MaxReadTimeout
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = def.UserAgent
	}
	if cfg.DeviceID == "" {
		cfg.DeviceID = def.DeviceID
	}
	if cfg.DeviceName == "" {
		cfg.DeviceName = def.DeviceName
	}
	if cfg.WorkerThreads <= 0 {
		cfg.WorkerThreads = def.WorkerThreads
	}
	if cfg.ConnectRatePerSec <= 0 {
		cfg.ConnectRatePerSec = def.ConnectRatePerSec
	}
	if cfg.CacheDuration <= 0 {
		cfg.CacheDuration = def.CacheDuration
	}
}

// saveUnlocked writes the configuration as JSON; caller must hold configMutex.
func saveUnlocked(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create settings directory: %w", err)
	}

	cf := ConfigFile{
		BaseURL:            cfg.BaseURL,
		Port:               cfg.Port,
		M3UURL:             cfg.M3UURL,
		SelectedCategories: cfg.SelectedCategories,
		UpdateInterval:     cfg.UpdateInterval.String(),
		KillSwitchDelay:    cfg.KillSwitchDelay.String(),
		ReadTimeout:        cfg.ReadTimeout.String(),
		UserAgent:          cfg.UserAgent,
		DeviceID:           cfg.DeviceID,
		DeviceName:         cfg.DeviceName,
		FallbackFile:       cfg.FallbackFile,
		FallbackOnConnect:  &cfg.FallbackOnConnect,
		WorkerThreads:      cfg.WorkerThreads,
		ConnectRatePerSec:  cfg.ConnectRatePerSec,
		CacheEnabled:       cfg.CacheEnabled,
		CacheDuration:      cfg.CacheDuration.String(),
		JournalPath:        cfg.JournalPath,
		Debug:              cfg.Debug,
		ObfuscateUrls:      cfg.ObfuscateUrls,
	}

	data, err := json.MarshalIndent(&cf, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return os.WriteFile(path, data, 0644)
}
