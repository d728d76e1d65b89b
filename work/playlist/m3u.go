package playlist

import (
	"bufio"
	"fmt"
	"strconv"
	"strings"

	"iptv-tuner/work/types"

	"github.com/grafana/regexp"
	"github.com/grafov/m3u8"
)

// regex patterns for extracting individual EXTINF attributes
var (
	tvgNamePattern    = regexp.MustCompile(`(?i)tvg-name="([^"]*)"`)
	tvgLogoPattern    = regexp.MustCompile(`(?i)tvg-logo="([^"]*)"`)
	tvgIDPattern      = regexp.MustCompile(`(?i)tvg-id="([^"]*)"`)
	groupTitlePattern = regexp.MustCompile(`(?i)group-title="([^"]*)"`)
)

// ParseM3U parses M3U playlist content into channels. IPTV provider lists are
// EXTINF media lists carrying tvg-* attributes, which the scanner parser below
// extracts directly. When the document is an HLS master playlist instead, it
// is decoded with grafov/m3u8 and each variant becomes its own channel.
func ParseM3U(content string, baseURL string) []*types.Channel {
	if strings.Contains(content, "#EXT-X-STREAM-INF") {
		return parseMasterPlaylist(content, baseURL)
	}
	return parseEXTINFList(content)
}

// parseEXTINFList walks the playlist line by line, pairing each EXTINF line
// with the next non-comment line as the stream URL.
func parseEXTINFList(content string) []*types.Channel {
	var channels []*types.Channel
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	var pendingLine string
	counter := 1

	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if strings.HasPrefix(line, "#EXTINF") {
			pendingLine = line
			continue
		}
		if strings.HasPrefix(line, "#") {
			continue
		}
		if pendingLine == "" {
			continue
		}

		ch := channelFromEXTINF(pendingLine, line, counter)
		channels = append(channels, ch)
		pendingLine = ""
		counter++
	}

	return channels
}

// channelFromEXTINF builds a channel from one EXTINF line and its URL.
func channelFromEXTINF(extinf, url string, counter int) *types.Channel {
	tvgName := firstGroup(tvgNamePattern, extinf)
	tvgLogo := firstGroup(tvgLogoPattern, extinf)
	tvgID := firstGroup(tvgIDPattern, extinf)
	groupTitle := firstGroup(groupTitlePattern, extinf)
	if groupTitle == "" {
		groupTitle = "Uncategorized"
	}

	name := displayName(extinf)
	if name == "" || strings.Contains(name, "tvg-") || strings.Contains(name, "=\"") {
		name = tvgName
	}
	if name == "" {
		name = fmt.Sprintf("Channel %d", counter)
	}
	if tvgName == "" {
		tvgName = name
	}

	attrs := map[string]string{}
	if tvgID != "" {
		attrs["tvg-id"] = tvgID
	}

	return &types.Channel{
		ID:          fmt.Sprintf("ch%d", counter),
		Name:        name,
		URL:         url,
		GroupTitle:  groupTitle,
		TVGName:     tvgName,
		TVGLogo:     tvgLogo,
		GuideNumber: strconv.Itoa(counter),
		Attributes:  attrs,
	}
}

// displayName extracts the channel name after the last comma outside quotes.
func displayName(extinf string) string {
	line := strings.TrimPrefix(extinf, "#EXTINF:")

	lastComma := -1
	inQuotes := false
	for i := len(line) - 1; i >= 0; i-- {
		if line[i] == '"' {
			inQuotes = !inQuotes
		} else if line[i] == ',' && !inQuotes {
			lastComma = i
			break
		}
	}
	if lastComma == -1 {
		return ""
	}
	return strings.TrimSpace(line[lastComma+1:])
}

func firstGroup(re *regexp.Regexp, s string) string {
	m := re.FindStringSubmatch(s)
	if len(m) < 2 {
		return ""
	}
	return m[1]
}

// parseMasterPlaylist decodes an HLS master playlist and exposes each variant
// as a channel, named by resolution or bandwidth when the variant is unnamed.
func parseMasterPlaylist(content, baseURL string) []*types.Channel {
	playlist, listType, err := m3u8.DecodeFrom(strings.NewReader(content), true)
	if err != nil || listType != m3u8.MASTER {
		return nil
	}

	masterpl := playlist.(*m3u8.MasterPlaylist)
	var channels []*types.Channel
	counter := 1
	for _, variant := range masterpl.Variants {
		if variant == nil {
			break
		}

		name := variant.Name
		if name == "" && variant.Resolution != "" {
			name = fmt.Sprintf("Stream %s", variant.Resolution)
		} else if name == "" {
			name = fmt.Sprintf("Stream %d", variant.Bandwidth)
		}

		uri := variant.URI
		if !strings.HasPrefix(uri, "http://") && !strings.HasPrefix(uri, "https://") {
			uri = resolveRelative(baseURL, uri)
		}

		channels = append(channels, &types.Channel{
			ID:          fmt.Sprintf("ch%d", counter),
			Name:        name,
			URL:         uri,
			GroupTitle:  "Uncategorized",
			TVGName:     name,
			GuideNumber: strconv.Itoa(counter),
			Attributes:  map[string]string{},
		})
		counter++
	}

	return channels
}

// resolveRelative joins a variant URI onto the playlist's base URL.
func resolveRelative(baseURL, uri string) string {
	idx := strings.LastIndex(baseURL, "/")
	if idx == -1 {
		return uri
	}
	return baseURL[:idx+1] + uri
}

// FilterByCategories returns only the channels whose group matches one of the
// selected categories. An empty selection keeps everything.
func FilterByCategories(channels []*types.Channel, selected []string) []*types.Channel {
	if len(selected) == 0 {
		return channels
	}

	want := make(map[string]bool, len(selected))
	for _, c := range selected {
		want[strings.ToLower(c)] = true
	}

	filtered := make([]*types.Channel, 0, len(channels))
	for _, ch := range channels {
		if want[strings.ToLower(ch.GroupTitle)] {
			filtered = append(filtered, ch)
		}
	}
	return filtered
}
