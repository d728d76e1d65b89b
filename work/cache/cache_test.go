package cache

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLineupCacheRoundTrip(t *testing.T) {
	c := NewCache(time.Minute)

	_, ok := c.GetLineup("lineup")
	assert.False(t, ok)

	c.SetLineup("lineup", `[{"GuideNumber":"1"}]`)
	got, ok := c.GetLineup("lineup")
	assert.True(t, ok)
	assert.Equal(t, `[{"GuideNumber":"1"}]`, got)
}

func TestLineupCacheExpires(t *testing.T) {
	c := NewCache(10 * time.Millisecond)

	c.SetLineup("lineup", "data")
	time.Sleep(30 * time.Millisecond)

	_, ok := c.GetLineup("lineup")
	assert.False(t, ok)
}

func TestInvalidateDropsEntries(t *testing.T) {
	c := NewCache(time.Minute)

	c.SetLineup("lineup", "data")
	c.Invalidate()

	_, ok := c.GetLineup("lineup")
	assert.False(t, ok)
}

func TestEPGCacheRoundTrip(t *testing.T) {
	ec := NewEPGCache(time.Minute)
	defer ec.Close()

	_, ok := ec.Get()
	assert.False(t, ok)

	ec.Set("<tv></tv>")
	got, ok := ec.Get()
	assert.True(t, ok)
	assert.Equal(t, "<tv></tv>", got)

	ec.Clear()
	_, ok = ec.Get()
	assert.False(t, ok)
}
