package relay

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"iptv-tuner/work/client"
	"iptv-tuner/work/config"
	"iptv-tuner/work/fallback"
	"iptv-tuner/work/playlist"
	"iptv-tuner/work/session"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var fallbackClip = bytes.Repeat([]byte("FALLBACK"), 512)

// staticResolver maps every channel id to one URL.
type staticResolver struct{ url string }

func (sr *staticResolver) Resolve(channelID string) (string, http.Header, error) {
	if sr.url == "" {
		return "", nil, fmt.Errorf("%w: %s", playlist.ErrChannelNotFound, channelID)
	}
	return sr.url, http.Header{}, nil
}

func testConfig() *config.Config {
	return &config.Config{
		KillSwitchDelay:   250 * time.Millisecond,
		ReadTimeout:       300 * time.Millisecond,
		UserAgent:         "test-agent",
		FallbackOnConnect: true,
		ConnectRatePerSec: 100,
	}
}

// newStack builds a manager plus relay engine against the given upstream URL
// and returns a tuner-style stream endpoint server.
func newStack(t *testing.T, cfg *config.Config, upstreamURL string) (*session.Manager, *httptest.Server) {
	t.Helper()
	cfgFn := func() *config.Config { return cfg }

	fb := fallback.New()
	fb.SetClip(fallbackClip)

	mgr := session.NewManager(cfgFn, client.NewHeaderSettingClient(cfgFn), &staticResolver{url: upstreamURL}, fb, nil)
	engine := NewEngine(cfgFn)

	endpoint := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		h, err := mgr.RequestStream(r.Context(), "ch1")
		if err != nil {
			http.Error(w, "unavailable", http.StatusServiceUnavailable)
			return
		}
		engine.Serve(w, r, h)
	}))
	t.Cleanup(endpoint.Close)

	return mgr, endpoint
}

// readUntil reads from r until the want pattern appears or the deadline hits.
func readUntil(t *testing.T, r io.Reader, want []byte, deadline time.Duration) []byte {
	t.Helper()
	var got bytes.Buffer
	buf := make([]byte, 4096)
	timeout := time.After(deadline)

	for {
		select {
		case <-timeout:
			t.Fatalf("pattern not seen within %s (read %d bytes)", deadline, got.Len())
		default:
		}

		n, err := r.Read(buf)
		if n > 0 {
			got.Write(buf[:n])
			if bytes.Contains(got.Bytes(), want) {
				return got.Bytes()
			}
		}
		if err != nil {
			t.Fatalf("stream ended before pattern: %v (read %d bytes)", err, got.Len())
		}
	}
}

func TestStallSwitchesToFallbackWithoutBreakingClient(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(bytes.Repeat([]byte("UPSTREAM"), 16))
		w.(http.Flusher).Flush()
		// stop producing bytes without closing; the watchdog must fire
		<-r.Context().Done()
	}))
	defer upstream.Close()

	cfg := testConfig()
	mgr, endpoint := newStack(t, cfg, upstream.URL)

	resp, err := http.Get(endpoint.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "video/mpeg", resp.Header.Get("Content-Type"))

	// upstream bytes arrive first, then fallback bytes on the same response
	got := readUntil(t, resp.Body, []byte("FALLBACK"), 5*time.Second)
	assert.Contains(t, string(got), "UPSTREAM")

	// upstream connection must be gone once the relay switched
	require.Eventually(t, mgrUpstreamClosed(mgr), 2*time.Second, 20*time.Millisecond)
}

func TestUpstreamEOFSwitchesToFallback(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write(bytes.Repeat([]byte("UPSTREAM"), 16))
		// return immediately; the client sees a clean EOF
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.ReadTimeout = 30 * time.Second // EOF path, not the watchdog
	_, endpoint := newStack(t, cfg, upstream.URL)

	resp, err := http.Get(endpoint.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	got := readUntil(t, resp.Body, []byte("FALLBACK"), 5*time.Second)
	assert.Contains(t, string(got), "UPSTREAM")
}

func TestResolveFailureStreamsFallbackWithOK(t *testing.T) {
	cfg := testConfig()
	_, endpoint := newStack(t, cfg, "")

	resp, err := http.Get(endpoint.URL)
	require.NoError(t, err)
	defer resp.Body.Close()

	// no protocol-level error: the client gets 200 and fallback video
	require.Equal(t, http.StatusOK, resp.StatusCode)
	readUntil(t, resp.Body, []byte("FALLBACK"), 5*time.Second)
}

func TestClientDisconnectReleasesSession(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		flusher := w.(http.Flusher)
		for {
			if _, err := w.Write(make([]byte, 188)); err != nil {
				return
			}
			flusher.Flush()
			select {
			case <-r.Context().Done():
				return
			case <-time.After(10 * time.Millisecond):
			}
		}
	}))
	defer upstream.Close()

	cfg := testConfig()
	cfg.ReadTimeout = 30 * time.Second
	mgr, endpoint := newStack(t, cfg, upstream.URL)

	ctx, cancel := context.WithCancel(context.Background())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint.URL, nil)
	require.NoError(t, err)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)

	buf := make([]byte, 1024)
	_, err = resp.Body.Read(buf)
	require.NoError(t, err)

	// simulate the player going away mid-stream
	cancel()
	resp.Body.Close()

	require.Eventually(t, func() bool {
		return !mgr.UpstreamOpen() && len(mgr.Snapshots()) == 0
	}, 5*time.Second, 20*time.Millisecond, "session not released after client disconnect")
}

func mgrUpstreamClosed(mgr *session.Manager) func() bool {
	return func() bool { return !mgr.UpstreamOpen() }
}
