package tuner

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"iptv-tuner/work/cache"
	"iptv-tuner/work/client"
	"iptv-tuner/work/config"
	"iptv-tuner/work/epg"
	"iptv-tuner/work/fallback"
	"iptv-tuner/work/playlist"
	"iptv-tuner/work/relay"
	"iptv-tuner/work/session"
	"iptv-tuner/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestTuner(t *testing.T) *Tuner {
	t.Helper()
	cfg := &config.Config{
		BaseURL:           "http://tuner.local:5004",
		Port:              5004,
		KillSwitchDelay:   250 * time.Millisecond,
		ReadTimeout:       30 * time.Second,
		UserAgent:         "test-agent",
		DeviceID:          "12345678",
		DeviceName:        "IPTV Tuner",
		FallbackOnConnect: true,
		ConnectRatePerSec: 100,
		CacheEnabled:      true,
		CacheDuration:     time.Minute,
	}
	cfgFn := func() *config.Config { return cfg }

	store := playlist.NewStore()
	store.Replace([]*types.Channel{
		{ID: "ch1", Name: "News Channel", URL: "http://up/news", GroupTitle: "News", GuideNumber: "1"},
		{ID: "ch2", Name: "Sports One", URL: "http://up/sports", GroupTitle: "Sports", GuideNumber: "2"},
	}, []string{"News", "Sports"})

	fb := fallback.New()
	fb.SetClip([]byte("FALLBACK-CLIP"))

	httpClient := client.NewHeaderSettingClient(cfgFn)
	mgr := session.NewManager(cfgFn, httpClient, store, fb, nil)

	return &Tuner{
		CfgFn:      cfgFn,
		Store:      store,
		Manager:    mgr,
		Relay:      relay.NewEngine(cfgFn),
		EPG:        epg.NewGenerator(nil),
		Cache:      cache.NewCache(time.Minute),
		Fallback:   fb,
		HTTPClient: httpClient,
		StartedAt:  time.Now(),
	}
}

func TestDiscoverDocument(t *testing.T) {
	app := newTestTuner(t)

	rr := httptest.NewRecorder()
	app.Discover(rr, httptest.NewRequest(http.MethodGet, "/discover.json", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var doc map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &doc))

	assert.Equal(t, "IPTV Tuner", doc["FriendlyName"])
	assert.Equal(t, "Silicondust", doc["Manufacturer"])
	assert.Equal(t, "HDHR4-2US", doc["ModelNumber"])
	assert.Equal(t, "hdhomerun4_atsc", doc["FirmwareName"])
	assert.Equal(t, "12345678", doc["DeviceID"])
	assert.Equal(t, "http://tuner.local:5004", doc["BaseURL"])
	assert.Equal(t, "http://tuner.local:5004/lineup.json", doc["LineupURL"])
	assert.Equal(t, float64(1), doc["TunerCount"])
}

func TestLineupDocument(t *testing.T) {
	app := newTestTuner(t)

	rr := httptest.NewRecorder()
	app.Lineup(rr, httptest.NewRequest(http.MethodGet, "/lineup.json", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	var lineup []map[string]string
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &lineup))

	require.Len(t, lineup, 2)
	assert.Equal(t, "1", lineup[0]["GuideNumber"])
	assert.Equal(t, "1 News Channel", lineup[0]["GuideName"])
	assert.Equal(t, "http://tuner.local:5004/stream/ch1", lineup[0]["URL"])
	assert.Equal(t, "http://tuner.local:5004/stream/ch2", lineup[1]["URL"])
}

func TestLineupServedFromCache(t *testing.T) {
	app := newTestTuner(t)

	rr := httptest.NewRecorder()
	app.Lineup(rr, httptest.NewRequest(http.MethodGet, "/lineup.json", nil))
	firstBody := rr.Body.String()

	// drop a channel without invalidating; the cached copy must still serve
	app.Store.Replace(nil, nil)

	rr = httptest.NewRecorder()
	app.Lineup(rr, httptest.NewRequest(http.MethodGet, "/lineup.json", nil))
	assert.Equal(t, firstBody, rr.Body.String())
}

func TestLineupStatusDocument(t *testing.T) {
	app := newTestTuner(t)

	rr := httptest.NewRecorder()
	app.LineupStatus(rr, httptest.NewRequest(http.MethodGet, "/lineup_status.json", nil))

	var status map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &status))
	assert.Equal(t, float64(0), status["ScanInProgress"])
	assert.Equal(t, "Cable", status["Source"])
}

func TestGuideDocument(t *testing.T) {
	app := newTestTuner(t)

	rr := httptest.NewRecorder()
	app.Guide(rr, httptest.NewRequest(http.MethodGet, "/epg.xml", nil))

	require.Equal(t, http.StatusOK, rr.Code)
	assert.Equal(t, "application/xml; charset=utf-8", rr.Header().Get("Content-Type"))
	assert.NotEmpty(t, rr.Header().Get("ETag"))
	assert.Contains(t, rr.Body.String(), `channel id="ch1"`)
}

func TestHealthDocument(t *testing.T) {
	app := newTestTuner(t)

	rr := httptest.NewRecorder()
	app.Health(rr, httptest.NewRequest(http.MethodGet, "/health", nil))

	var health map[string]any
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &health))
	assert.Equal(t, "ok", health["status"])
	assert.Equal(t, float64(2), health["channels"])
	assert.Equal(t, true, health["fallbackReady"])
	assert.Equal(t, false, health["upstreamOpen"])
}
