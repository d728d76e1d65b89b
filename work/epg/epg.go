package epg

import (
	"encoding/xml"
	"fmt"
	"time"

	"iptv-tuner/work/cache"
	"iptv-tuner/work/logger"
	"iptv-tuner/work/types"
)

// xmltvTimeLayout is the XMLTV timestamp format, always emitted in UTC.
const xmltvTimeLayout = "20060102150405 +0000"

// programmeSlotHours is the length of each placeholder programme block.
const programmeSlotHours = 4

type tvDoc struct {
	XMLName       xml.Name      `xml:"tv"`
	GeneratorName string        `xml:"generator-info-name,attr"`
	Channels      []tvChannel   `xml:"channel"`
	Programmes    []tvProgramme `xml:"programme"`
}

type tvChannel struct {
	ChannelID    string   `xml:"id,attr"`
	DisplayNames []string `xml:"display-name"`
	Icon         *tvIcon  `xml:"icon,omitempty"`
}

type tvIcon struct {
	Src string `xml:"src,attr"`
}

type tvProgramme struct {
	Start     string `xml:"start,attr"`
	Stop      string `xml:"stop,attr"`
	ChannelID string `xml:"channel,attr"`
	Title     string `xml:"title"`
	Desc      string `xml:"desc"`
}

// Generator renders the XMLTV guide for the current lineup. Real programme
// data is not available from a bare M3U, so each channel gets rolling
// placeholder blocks carrying its own name; DVR frontends need the blocks to
// exist before they will show the channel as tunable.
type Generator struct {
	cache *cache.EPGCache
}

func NewGenerator(epgCache *cache.EPGCache) *Generator {
	return &Generator{cache: epgCache}
}

// Generate returns the XMLTV document for the given channels, serving from
// cache when a fresh copy exists.
func (g *Generator) Generate(channels []*types.Channel) (string, error) {
	if g.cache != nil {
		if doc, ok := g.cache.Get(); ok {
			logger.Debug("{epg - Generate} Serving cached XMLTV document (%d bytes)", len(doc))
			return doc, nil
		}
	}

	doc := g.render(channels, time.Now().UTC())
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal XMLTV document: %w", err)
	}

	result := xml.Header + string(out)
	if g.cache != nil {
		g.cache.Set(result)
	}
	logger.Debug("{epg - Generate} Rendered XMLTV for %d channels (%d bytes)", len(channels), len(result))
	return result, nil
}

// Invalidate drops the cached document, called after a playlist refresh.
func (g *Generator) Invalidate() {
	if g.cache != nil {
		g.cache.Clear()
	}
}

// render builds the document: one channel element per lineup entry and 24
// hours of placeholder programme blocks starting from the top of the current
// slot.
func (g *Generator) render(channels []*types.Channel, now time.Time) tvDoc {
	doc := tvDoc{GeneratorName: "iptv-tuner"}

	// align the first block so guide boundaries are stable across requests
	slotStart := now.Truncate(programmeSlotHours * time.Hour)

	for _, ch := range channels {
		entry := tvChannel{
			ChannelID: ch.ID,
			// the numbered variant first so Plex/Jellyfin map guide numbers
			DisplayNames: []string{
				fmt.Sprintf("%s %s", ch.GuideNumber, ch.Name),
				ch.Name,
			},
		}
		if ch.TVGLogo != "" {
			entry.Icon = &tvIcon{Src: ch.TVGLogo}
		}
		doc.Channels = append(doc.Channels, entry)

		for slot := 0; slot < 24/programmeSlotHours; slot++ {
			start := slotStart.Add(time.Duration(slot) * programmeSlotHours * time.Hour)
			stop := start.Add(programmeSlotHours * time.Hour)
			doc.Programmes = append(doc.Programmes, tvProgramme{
				Start:     start.Format(xmltvTimeLayout),
				Stop:      stop.Format(xmltvTimeLayout),
				ChannelID: ch.ID,
				Title:     ch.Name,
				Desc:      fmt.Sprintf("Live stream: %s", ch.Name),
			})
		}
	}

	return doc
}
