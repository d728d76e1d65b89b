package epg

import (
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"iptv-tuner/work/cache"
	"iptv-tuner/work/types"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleChannels() []*types.Channel {
	return []*types.Channel{
		{ID: "ch1", Name: "News Channel", GuideNumber: "1", TVGLogo: "http://logo/news.png"},
		{ID: "ch2", Name: "Sports One", GuideNumber: "2"},
	}
}

func TestGenerateProducesValidXMLTV(t *testing.T) {
	g := NewGenerator(nil)

	doc, err := g.Generate(sampleChannels())
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(doc, xml.Header))

	var parsed struct {
		XMLName  xml.Name `xml:"tv"`
		Channels []struct {
			ID           string   `xml:"id,attr"`
			DisplayNames []string `xml:"display-name"`
			Icon         *struct {
				Src string `xml:"src,attr"`
			} `xml:"icon"`
		} `xml:"channel"`
		Programmes []struct {
			Start     string `xml:"start,attr"`
			Stop      string `xml:"stop,attr"`
			ChannelID string `xml:"channel,attr"`
			Title     string `xml:"title"`
		} `xml:"programme"`
	}
	require.NoError(t, xml.Unmarshal([]byte(doc), &parsed))

	require.Len(t, parsed.Channels, 2)
	assert.Equal(t, "ch1", parsed.Channels[0].ID)
	// numbered display name first so guide numbers map in media servers
	assert.Equal(t, []string{"1 News Channel", "News Channel"}, parsed.Channels[0].DisplayNames)
	require.NotNil(t, parsed.Channels[0].Icon)
	assert.Equal(t, "http://logo/news.png", parsed.Channels[0].Icon.Src)
	assert.Nil(t, parsed.Channels[1].Icon)

	// 24 hours of placeholder blocks per channel
	require.Len(t, parsed.Programmes, 2*24/programmeSlotHours)
	first := parsed.Programmes[0]
	assert.Equal(t, "ch1", first.ChannelID)
	assert.Equal(t, "News Channel", first.Title)

	start, err := time.Parse(xmltvTimeLayout, first.Start)
	require.NoError(t, err)
	stop, err := time.Parse(xmltvTimeLayout, first.Stop)
	require.NoError(t, err)
	assert.Equal(t, time.Duration(programmeSlotHours)*time.Hour, stop.Sub(start))
}

func TestGenerateUsesCache(t *testing.T) {
	epgCache := cache.NewEPGCache(time.Minute)
	defer epgCache.Close()
	g := NewGenerator(epgCache)

	first, err := g.Generate(sampleChannels())
	require.NoError(t, err)

	// a second call with a different lineup still serves the cached copy
	second, err := g.Generate(nil)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	// until invalidated
	g.Invalidate()
	third, err := g.Generate(nil)
	require.NoError(t, err)
	assert.NotEqual(t, first, third)
}

func TestGenerateEmptyLineup(t *testing.T) {
	g := NewGenerator(nil)

	doc, err := g.Generate(nil)
	require.NoError(t, err)
	assert.Contains(t, doc, "<tv")
	assert.NotContains(t, doc, "<programme")
}
