package tuner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"iptv-tuner/work/cache"
	"iptv-tuner/work/client"
	"iptv-tuner/work/config"
	"iptv-tuner/work/epg"
	"iptv-tuner/work/fallback"
	"iptv-tuner/work/journal"
	"iptv-tuner/work/logger"
	"iptv-tuner/work/playlist"
	"iptv-tuner/work/relay"
	"iptv-tuner/work/session"

	"github.com/panjf2000/ants/v2"
)

// Tuner wires the tuner's components together and implements the HDHomeRun
// emulation surface that media servers (Plex, Jellyfin, Emby) discover and
// tune against. The handlers package exposes these methods on the router.
type Tuner struct {
	CfgFn      func() *config.Config
	Store      *playlist.Store
	Manager    *session.Manager
	Relay      *relay.Engine
	EPG        *epg.Generator
	Cache      *cache.Cache
	Journal    *journal.Journal // may be nil
	Fallback   *fallback.Source
	HTTPClient *client.HeaderSettingClient
	Pool       *ants.Pool
	StartedAt  time.Time
}

// discoverInfo is the HDHomeRun discovery document. The model and firmware
// fields advertise a real tuner model so media servers accept the device.
type discoverInfo struct {
	FriendlyName    string `json:"FriendlyName"`
	Manufacturer    string `json:"Manufacturer"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
	TunerCount      int    `json:"TunerCount"`
}

// lineupEntry is one channel in the HDHomeRun lineup document.
type lineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

// Discover serves /discover.json.
func (t *Tuner) Discover(w http.ResponseWriter, r *http.Request) {
	cfg := t.CfgFn()
	info := discoverInfo{
		FriendlyName:    cfg.DeviceName,
		Manufacturer:    "Silicondust",
		ModelNumber:     "HDHR4-2US",
		FirmwareName:    "hdhomerun4_atsc",
		FirmwareVersion: "20190621",
		DeviceID:        cfg.DeviceID,
		DeviceAuth:      "test1234",
		BaseURL:         cfg.BaseURL,
		LineupURL:       cfg.BaseURL + "/lineup.json",
		// one tuner: the relay holds exactly one upstream connection
		TunerCount: 1,
	}
	writeJSON(w, info)
}

// Lineup serves /lineup.json, rendering (and caching) the channel list.
func (t *Tuner) Lineup(w http.ResponseWriter, r *http.Request) {
	cfg := t.CfgFn()

	if cfg.CacheEnabled && t.Cache != nil {
		if cached, ok := t.Cache.GetLineup("lineup"); ok {
			w.Header().Set("Content-Type", "application/json")
			w.Write([]byte(cached))
			return
		}
	}

	channels := t.Store.All()
	lineup := make([]lineupEntry, 0, len(channels))
	for _, ch := range channels {
		lineup = append(lineup, lineupEntry{
			GuideNumber: ch.GuideNumber,
			GuideName:   fmt.Sprintf("%s %s", ch.GuideNumber, ch.Name),
			URL:         fmt.Sprintf("%s/stream/%s", cfg.BaseURL, ch.ID),
		})
	}

	data, err := json.Marshal(lineup)
	if err != nil {
		http.Error(w, "failed to render lineup", http.StatusInternalServerError)
		return
	}
	if cfg.CacheEnabled && t.Cache != nil {
		t.Cache.SetLineup("lineup", string(data))
	}

	w.Header().Set("Content-Type", "application/json")
	w.Write(data)
}

// LineupStatus serves /lineup_status.json; no scan is ever in progress since
// the lineup comes from the playlist, not RF scanning.
func (t *Tuner) LineupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"ScanInProgress": 0,
		"ScanPossible":   1,
		"Source":         "Cable",
		"SourceList":     []string{"Cable"},
	})
}

// LineupPost accepts the scan-control POST some servers issue and ignores it.
func (t *Tuner) LineupPost(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
}

// Guide serves /epg.xml with caching headers so media servers poll cheaply.
func (t *Tuner) Guide(w http.ResponseWriter, r *http.Request) {
	doc, err := t.EPG.Generate(t.Store.All())
	if err != nil {
		logger.Error("{tuner - Guide} Failed to generate XMLTV: %v", err)
		http.Error(w, "failed to generate guide", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/xml; charset=utf-8")
	w.Header().Set("Cache-Control", "max-age=300")
	w.Header().Set("Last-Modified", time.Now().UTC().Format(http.TimeFormat))
	w.Header().Set("ETag", fmt.Sprintf(`"%d-%d"`, t.Store.Count(), len(doc)))
	w.Write([]byte(doc))
}

// Stream serves /stream/{channelID}: request a session (running the
// kill-switch protocol) and relay it until the client goes away. Resolution
// and connect failures normally still produce a 200 carrying fallback video;
// an HTTP error escapes only when fallback-on-connect is disabled or the
// fallback source itself is broken.
func (t *Tuner) Stream(w http.ResponseWriter, r *http.Request, channelID string) {
	logger.Info("{tuner - Stream} Tune request for %s from %s", channelID, r.RemoteAddr)

	h, err := t.Manager.RequestStream(r.Context(), channelID)
	if err != nil {
		switch {
		case errors.Is(err, session.ErrSuperseded):
			// a newer request owns the slot; drop this client quietly
			logger.Debug("{tuner - Stream} Request for %s superseded before streaming", channelID)
		case errors.Is(err, context.Canceled):
			logger.Debug("{tuner - Stream} Client %s gone before streaming", r.RemoteAddr)
		case errors.Is(err, playlist.ErrChannelNotFound):
			http.Error(w, "channel not found", http.StatusNotFound)
		default:
			logger.Error("{tuner - Stream} Cannot start stream for %s: %v", channelID, err)
			http.Error(w, "stream unavailable", http.StatusServiceUnavailable)
		}
		return
	}

	t.Relay.Serve(w, r, h)
}

// Health serves /health with the live relay state for diagnostics.
func (t *Tuner) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"status":        "ok",
		"uptimeSeconds": int(time.Since(t.StartedAt).Seconds()),
		"channels":      t.Store.Count(),
		"generation":    t.Manager.CurrentGeneration(),
		"upstreamOpen":  t.Manager.UpstreamOpen(),
		"fallbackReady": t.Fallback.Available(),
		"sessions":      t.Manager.Snapshots(),
	})
}

// RefreshPlaylist reloads the channel lineup and invalidates derived caches.
func (t *Tuner) RefreshPlaylist() (int, error) {
	cfg := t.CfgFn()
	count, err := t.Store.Refresh(t.HTTPClient, cfg)
	if err != nil {
		return 0, err
	}

	if t.Cache != nil {
		t.Cache.Invalidate()
	}
	t.EPG.Invalidate()
	return count, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("{tuner - writeJSON} Failed to encode response: %v", err)
	}
}
