package playlist

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"iptv-tuner/work/client"
	"iptv-tuner/work/config"
	"iptv-tuner/work/logger"
	"iptv-tuner/work/types"
	"iptv-tuner/work/utils"

	"github.com/puzpuzpuz/xsync/v3"
)

// ErrChannelNotFound is returned by Resolve when no channel matches the id.
var ErrChannelNotFound = errors.New("channel not found")

// Store holds the current channel set parsed from the M3U playlist and acts
// as the channel resolver for the session manager: Resolve maps a channel id
// to the upstream URL and request headers. Refresh replaces the whole set
// atomically so in-flight resolutions always see a consistent lineup.
type Store struct {
	channels   *xsync.MapOf[string, *types.Channel] // channel id -> channel
	mu         sync.RWMutex                         // protects order and categories
	order      []string                             // channel ids in playlist order
	categories []string                             // sorted unique group titles
}

// NewStore creates an empty channel store.
func NewStore() *Store {
	return &Store{
		channels: xsync.NewMapOf[string, *types.Channel](),
	}
}

// Resolve looks up a channel and returns its upstream URL plus the request
// headers the upstream expects. The headers map is owned by the caller.
func (s *Store) Resolve(channelID string) (string, http.Header, error) {
	ch, ok := s.channels.Load(channelID)
	if !ok {
		// fall back to a sanitized-name scan so /stream/<safe name> works too
		if byName := s.findBySafeName(channelID); byName != nil {
			ch = byName
		} else {
			return "", nil, fmt.Errorf("%w: %s", ErrChannelNotFound, channelID)
		}
	}

	headers := http.Header{}
	return ch.URL, headers, nil
}

// Get returns the channel for an id, or nil.
func (s *Store) Get(channelID string) *types.Channel {
	ch, ok := s.channels.Load(channelID)
	if !ok {
		return s.findBySafeName(channelID)
	}
	return ch
}

// findBySafeName scans the lineup comparing sanitized channel names.
func (s *Store) findBySafeName(safeName string) *types.Channel {
	var found *types.Channel
	s.channels.Range(func(_ string, ch *types.Channel) bool {
		if utils.SanitizeChannelID(ch.Name) == safeName {
			found = ch
			return false
		}
		return true
	})
	return found
}

// All returns the channels in playlist order.
func (s *Store) All() []*types.Channel {
	s.mu.RLock()
	order := make([]string, len(s.order))
	copy(order, s.order)
	s.mu.RUnlock()

	out := make([]*types.Channel, 0, len(order))
	for _, id := range order {
		if ch, ok := s.channels.Load(id); ok {
			out = append(out, ch)
		}
	}
	return out
}

// Count returns the number of loaded channels.
func (s *Store) Count() int {
	return s.channels.Size()
}

// Categories returns the sorted unique group titles discovered by the most
// recent parse, before any category filter was applied.
func (s *Store) Categories() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, len(s.categories))
	copy(out, s.categories)
	return out
}

// Replace swaps in a new channel set and category inventory. New entries are
// stored before stale ones are deleted so concurrent resolutions never hit an
// empty map mid-refresh.
func (s *Store) Replace(channels []*types.Channel, allCategories []string) {
	keep := make(map[string]bool, len(channels))
	order := make([]string, 0, len(channels))
	for _, ch := range channels {
		s.channels.Store(ch.ID, ch)
		keep[ch.ID] = true
		order = append(order, ch.ID)
	}

	s.channels.Range(func(id string, _ *types.Channel) bool {
		if !keep[id] {
			s.channels.Delete(id)
		}
		return true
	})

	s.mu.Lock()
	s.order = order
	s.categories = allCategories
	s.mu.Unlock()
}

// Refresh downloads the configured M3U playlist, parses it, applies the
// category filter, and replaces the store contents. Returns the number of
// channels loaded after filtering.
func (s *Store) Refresh(httpClient *client.HeaderSettingClient, cfg *config.Config) (int, error) {
	if cfg.M3UURL == "" {
		logger.Warn("{playlist - Refresh} M3U URL not configured, skipping refresh")
		s.Replace(nil, nil)
		return 0, nil
	}

	logger.Info("{playlist - Refresh} Downloading M3U from: %s", utils.LogURL(cfg, cfg.M3UURL))

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.M3UURL, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to create playlist request: %w", err)
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return 0, fmt.Errorf("failed to download playlist: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("playlist download returned HTTP %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, fmt.Errorf("failed to read playlist body: %w", err)
	}

	logger.Debug("{playlist - Refresh} Downloaded %d bytes, parsing", len(body))

	parsed := ParseM3U(string(body), cfg.M3UURL)

	// category inventory covers the unfiltered parse
	seen := make(map[string]bool)
	var categories []string
	for _, ch := range parsed {
		if !seen[ch.GroupTitle] {
			seen[ch.GroupTitle] = true
			categories = append(categories, ch.GroupTitle)
		}
	}
	sort.Strings(categories)

	filtered := FilterByCategories(parsed, cfg.SelectedCategories)
	s.Replace(filtered, categories)

	if len(cfg.SelectedCategories) > 0 {
		logger.Info("{playlist - Refresh} Loaded %d/%d channels (%d categories selected)",
			len(filtered), len(parsed), len(cfg.SelectedCategories))
	} else {
		logger.Info("{playlist - Refresh} Loaded %d channels (no category filter)", len(filtered))
	}

	return len(filtered), nil
}

// PruneSelectedCategories drops selected categories that no longer exist in
// the playlist, returning the cleaned list and how many were removed.
func (s *Store) PruneSelectedCategories(selected []string) ([]string, int) {
	available := make(map[string]bool)
	for _, c := range s.Categories() {
		available[c] = true
	}

	valid := make([]string, 0, len(selected))
	for _, c := range selected {
		if available[c] {
			valid = append(valid, c)
		}
	}
	return valid, len(selected) - len(valid)
}
