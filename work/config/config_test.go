package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func useTempConfig(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.json")
	t.Setenv("CONFIG_PATH", path)
	ClearConfigCache()
	t.Cleanup(ClearConfigCache)
	return path
}

func TestLoadConfigDefaultsWhenFileMissing(t *testing.T) {
	path := useTempConfig(t)

	cfg := LoadConfig()
	assert.Equal(t, 5004, cfg.Port)
	assert.Equal(t, 1000*time.Millisecond, cfg.KillSwitchDelay)
	assert.Equal(t, 30*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 12*time.Hour, cfg.UpdateInterval)
	assert.Equal(t, "VLC/3.0.18 LibVLC/3.0.18", cfg.UserAgent)
	assert.Equal(t, "12345678", cfg.DeviceID)
	assert.Equal(t, "IPTV Tuner", cfg.DeviceName)
	assert.True(t, cfg.FallbackOnConnect)

	// defaults are written back so the management API has a file to edit
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestLoadConfigClampsRelayTimings(t *testing.T) {
	path := useTempConfig(t)

	file := ConfigFile{
		KillSwitchDelay: "50ms", // below the floor
		ReadTimeout:     "5m",   // above the ceiling
	}
	data, err := json.Marshal(&file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg := LoadConfig()
	assert.Equal(t, MinKillSwitchDelay, cfg.KillSwitchDelay)
	assert.Equal(t, MaxReadTimeout, cfg.ReadTimeout)
}

func TestLoadConfigParsesDurationStrings(t *testing.T) {
	path := useTempConfig(t)

	file := ConfigFile{
		KillSwitchDelay: "1500ms",
		ReadTimeout:     "45s",
		UpdateInterval:  "6h",
	}
	data, err := json.Marshal(&file)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, data, 0644))

	cfg := LoadConfig()
	assert.Equal(t, 1500*time.Millisecond, cfg.KillSwitchDelay)
	assert.Equal(t, 45*time.Second, cfg.ReadTimeout)
	assert.Equal(t, 6*time.Hour, cfg.UpdateInterval)
}

func TestLoadConfigInvalidDurationFallsBackToDefault(t *testing.T) {
	path := useTempConfig(t)

	require.NoError(t, os.WriteFile(path, []byte(`{"killSwitchDelay":"banana"}`), 0644))

	cfg := LoadConfig()
	assert.Equal(t, 1000*time.Millisecond, cfg.KillSwitchDelay)
}

func TestUpdatePersistsAndReloads(t *testing.T) {
	path := useTempConfig(t)
	LoadConfig()

	updated, err := Update(func(c *Config) {
		c.M3UURL = "http://example.com/playlist.m3u"
		c.KillSwitchDelay = 2 * time.Second
		c.SelectedCategories = []string{"News", "Sports"}
	})
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, updated.KillSwitchDelay)

	// a cold load must see the persisted values
	ClearConfigCache()
	cfg := LoadConfig()
	assert.Equal(t, "http://example.com/playlist.m3u", cfg.M3UURL)
	assert.Equal(t, 2*time.Second, cfg.KillSwitchDelay)
	assert.Equal(t, []string{"News", "Sports"}, cfg.SelectedCategories)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var file ConfigFile
	require.NoError(t, json.Unmarshal(data, &file))
	assert.Equal(t, "2s", file.KillSwitchDelay)
}

func TestUpdateClampsOutOfRangeValues(t *testing.T) {
	useTempConfig(t)
	LoadConfig()

	updated, err := Update(func(c *Config) {
		c.KillSwitchDelay = 10 * time.Second
		c.ReadTimeout = time.Second
	})
	require.NoError(t, err)
	assert.Equal(t, MaxKillSwitchDelay, updated.KillSwitchDelay)
	assert.Equal(t, MinReadTimeout, updated.ReadTimeout)
}

func TestUpdateLeavesEarlierSnapshotsUntouched(t *testing.T) {
	useTempConfig(t)

	before := LoadConfig()
	beforeDelay := before.KillSwitchDelay
	beforeCategories := before.SelectedCategories

	updated, err := Update(func(c *Config) {
		c.KillSwitchDelay = 2 * time.Second
		c.SelectedCategories = []string{"News"}
	})
	require.NoError(t, err)

	// Update swaps in a fresh instance; the one handed out earlier must not
	// change under the feet of goroutines still reading it
	assert.NotSame(t, before, updated)
	assert.Equal(t, beforeDelay, before.KillSwitchDelay)
	assert.Equal(t, beforeCategories, before.SelectedCategories)

	// new readers see the updated snapshot
	assert.Same(t, updated, LoadConfig())
	assert.Equal(t, 2*time.Second, LoadConfig().KillSwitchDelay)
}

func TestUpdateConcurrentWithSnapshotReads(t *testing.T) {
	useTempConfig(t)
	snapshot := LoadConfig()

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < 50; i++ {
			_, err := Update(func(c *Config) {
				c.DeviceName = "Renamed Tuner"
				c.SelectedCategories = []string{"News", "Sports"}
			})
			if err != nil {
				t.Error(err)
				return
			}
		}
	}()

	// reads on the old snapshot must never observe the updates in flight
	for {
		select {
		case <-done:
			return
		default:
		}
		assert.Equal(t, "IPTV Tuner", snapshot.DeviceName)
		assert.Empty(t, snapshot.SelectedCategories)
	}
}

func TestLoadConfigCachesInstance(t *testing.T) {
	useTempConfig(t)

	first := LoadConfig()
	second := LoadConfig()
	assert.Same(t, first, second)
}
