package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"iptv-tuner/work/client"
	"iptv-tuner/work/config"
	"iptv-tuner/work/fallback"
	"iptv-tuner/work/logger"
	"iptv-tuner/work/metrics"
	"iptv-tuner/work/types"
	"iptv-tuner/work/utils"

	"github.com/google/uuid"
	"github.com/puzpuzpuz/xsync/v3"
	"go.uber.org/ratelimit"
)

// ErrSuperseded is returned when a newer stream request advanced the
// generation before this one completed its upstream connect. The caller
// should abandon the request silently; a newer session owns the slot.
var ErrSuperseded = errors.New("stream request superseded by newer generation")

// UpstreamError wraps a failed upstream connect attempt.
type UpstreamError struct {
	URL    string
	Status int
	Err    error
}

func (e *UpstreamError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("upstream connect failed: %v", e.Err)
	}
	return fmt.Sprintf("upstream returned HTTP %d", e.Status)
}

func (e *UpstreamError) Unwrap() error { return e.Err }

// Resolver maps a channel id to its upstream URL and request headers.
// The playlist store implements this.
type Resolver interface {
	Resolve(channelID string) (string, http.Header, error)
}

// Recorder receives session lifecycle events for the diagnostics journal.
type Recorder interface {
	Record(sessionID, channelID, event, detail string)
}

// upstreamConn is the single owned upstream connection. Only the manager,
// under its mutex, may install or close one.
type upstreamConn struct {
	generation uint64
	body       io.ReadCloser
	cancel     context.CancelFunc
}

func (u *upstreamConn) close() {
	u.cancel()
	u.body.Close()
}

// Manager is the single-writer authority over the one upstream connection.
// All generation transitions - increment, upstream open, upstream close -
// happen under its mutex, which makes the kill-switch protocol atomic with
// respect to overlapping client requests.
type Manager struct {
	mu           sync.Mutex
	generation   uint64
	active       *upstreamConn
	lastClosedAt time.Time // when the most recent upstream connection was closed

	httpClient *client.HeaderSettingClient
	resolver   Resolver
	fallback   *fallback.Source
	limiter    ratelimit.Limiter
	journal    Recorder // may be nil
	cfgFn      func() *config.Config

	sessions *xsync.MapOf[string, *types.Session] // live sessions by id
}

// NewManager wires the session manager. cfgFn is called on every request so
// settings changes (kill-switch delay, read timeout) apply without restart.
func NewManager(cfgFn func() *config.Config, httpClient *client.HeaderSettingClient, resolver Resolver, fb *fallback.Source, journal Recorder) *Manager {
	cfg := cfgFn()
	return &Manager{
		httpClient: httpClient,
		resolver:   resolver,
		fallback:   fb,
		limiter:    ratelimit.New(cfg.ConnectRatePerSec),
		journal:    journal,
		cfgFn:      cfgFn,
		sessions:   xsync.NewMapOf[string, *types.Session](),
	}
}

// record forwards an event to the journal when one is attached.
func (m *Manager) record(sess *types.Session, event, detail string) {
	if m.journal != nil {
		m.journal.Record(sess.ID, sess.ChannelID, event, detail)
	}
}

// RequestStream runs the kill-switch protocol for a new client request:
// advance the generation, terminate any prior upstream connection, wait the
// settle delay, resolve the channel, and open the new upstream tagged with
// the granted generation. If a still-newer request advanced the generation
// while this one was connecting, the freshly opened connection is closed
// and ErrSuperseded is returned.
//
// Resolution and connect failures do not fail the request: when fallback-on-
// connect is enabled (the default) the returned handle feeds from the
// fallback clip instead, so the client still receives a watchable stream.
func (m *Manager) RequestStream(ctx context.Context, channelID string) (*Handle, error) {
	cfg := m.cfgFn()
	sess := types.NewSession(uuid.NewString(), channelID, 0)

	// advance the generation and terminate the prior upstream under the lock
	m.mu.Lock()
	m.generation++
	gen := m.generation
	sess.Generation = gen
	prior := m.active
	m.active = nil
	if prior != nil {
		prior.close()
		m.lastClosedAt = time.Now()
	}
	// the settle wait is measured from the most recent upstream close, not
	// from this request's own termination: a request arriving while another
	// one is still sleeping its settle delay must wait out the remainder too,
	// or the provider would see a connect inside the delay window
	var wait time.Duration
	if !m.lastClosedAt.IsZero() {
		wait = cfg.KillSwitchDelay - time.Since(m.lastClosedAt)
	}
	m.mu.Unlock()

	metrics.Generation.Set(float64(gen))
	m.record(sess, "request", fmt.Sprintf("generation %d", gen))

	if prior != nil {
		logger.Info("{session - RequestStream} Kill switch: terminated generation %d for generation %d", prior.generation, gen)
	}

	if wait > 0 {
		// let the provider register the closed connection before we consume
		// another slot
		select {
		case <-time.After(wait):
			logger.Debug("{session - RequestStream} Waited %s after last upstream close", wait)
		case <-ctx.Done():
			sess.SetState(types.StateClosed)
			return nil, ctx.Err()
		}
	}

	url, headers, err := m.resolver.Resolve(channelID)
	if err != nil {
		logger.Warn("{session - RequestStream} Resolution failed for %s: %v", channelID, err)
		m.record(sess, "resolve_failed", err.Error())
		if cfg.FallbackOnConnect {
			return m.fallbackHandle(sess, gen, "resolve")
		}
		sess.SetState(types.StateClosed)
		return nil, err
	}

	// pace upstream connects so a flapping client cannot hammer the provider
	m.limiter.Take()

	upCtx, upCancel := context.WithCancel(context.Background())
	resp, err := m.connect(upCtx, url, headers)
	if err != nil {
		upCancel()
		metrics.UpstreamConnects.WithLabelValues("error").Inc()
		logger.Warn("{session - RequestStream} Upstream connect failed for %s: %v", utils.LogURL(cfg, url), err)
		m.record(sess, "connect_failed", err.Error())
		if cfg.FallbackOnConnect {
			return m.fallbackHandle(sess, gen, "connect")
		}
		sess.SetState(types.StateClosed)
		return nil, err
	}

	// check-after-complete: a newer request may have advanced the generation
	// while the connect was in flight
	m.mu.Lock()
	if m.generation != gen {
		m.mu.Unlock()
		upCancel()
		resp.Body.Close()
		metrics.UpstreamConnects.WithLabelValues("superseded").Inc()
		metrics.Supersessions.Inc()
		logger.Info("{session - RequestStream} Generation %d superseded during connect (current %d)", gen, m.CurrentGeneration())
		m.record(sess, "superseded", "")
		sess.SetState(types.StateClosed)
		return nil, ErrSuperseded
	}
	m.active = &upstreamConn{generation: gen, body: resp.Body, cancel: upCancel}
	m.mu.Unlock()

	metrics.UpstreamConnects.WithLabelValues("ok").Inc()
	metrics.ActiveSessions.Inc()
	sess.SetState(types.StateStreaming)
	sess.SetSource(types.SourceUpstream)
	m.sessions.Store(sess.ID, sess)
	m.record(sess, "streaming", fmt.Sprintf("content-type %s", resp.Header.Get("Content-Type")))
	logger.Info("{session - RequestStream} Streaming generation %d: %s", gen, utils.LogURL(cfg, url))

	return &Handle{
		manager:        m,
		session:        sess,
		generation:     gen,
		src:            resp.Body,
		kind:           types.SourceUpstream,
		cancelUpstream: upCancel,
	}, nil
}

// connect opens the upstream request on the given context.
func (m *Manager) connect(ctx context.Context, url string, headers http.Header) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, &UpstreamError{URL: url, Err: err}
	}
	for key, values := range headers {
		for _, v := range values {
			req.Header.Add(key, v)
		}
	}

	resp, err := m.httpClient.Do(req)
	if err != nil {
		return nil, &UpstreamError{URL: url, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		resp.Body.Close()
		return nil, &UpstreamError{URL: url, Status: resp.StatusCode}
	}
	return resp, nil
}

// fallbackHandle builds a handle that serves the fallback clip from the start,
// used when resolution or the initial connect fails before any byte was sent.
func (m *Manager) fallbackHandle(sess *types.Session, gen uint64, reason string) (*Handle, error) {
	fb, err := m.fallback.Open()
	if err != nil {
		sess.SetState(types.StateClosed)
		return nil, fmt.Errorf("fallback unavailable: %w", err)
	}

	metrics.ActiveSessions.Inc()
	metrics.FallbackActivations.WithLabelValues(sess.ChannelID, reason).Inc()
	sess.SetState(types.StateStreaming)
	sess.SetSource(types.SourceFallback)
	m.sessions.Store(sess.ID, sess)
	m.record(sess, "fallback", reason)
	logger.Info("{session - fallbackHandle} Serving fallback for %s (reason: %s)", sess.ChannelID, reason)

	return &Handle{
		manager:    m,
		session:    sess,
		generation: gen,
		src:        fb,
		kind:       types.SourceFallback,
	}, nil
}

// reportFailure handles an upstream read failure or stall from the relay. If
// the handle's generation is still current, the upstream connection is closed
// and a fallback reader is installed on the handle; the client-facing stream
// is never interrupted. If a newer generation owns the slot, ErrSuperseded is
// returned and the relay should terminate.
func (m *Manager) reportFailure(h *Handle, reason string) (io.ReadCloser, error) {
	m.mu.Lock()
	if m.generation != h.generation {
		m.mu.Unlock()
		metrics.Supersessions.Inc()
		m.record(h.session, "superseded", reason)
		return nil, ErrSuperseded
	}
	if m.active != nil && m.active.generation == h.generation {
		m.active.close()
		m.active = nil
		m.lastClosedAt = time.Now()
	}
	m.mu.Unlock()

	h.session.SetState(types.StateFallingBack)
	metrics.FallbackActivations.WithLabelValues(h.session.ChannelID, reason).Inc()
	m.record(h.session, "fallback", reason)
	logger.Info("{session - reportFailure} Generation %d switching to fallback (reason: %s)", h.generation, reason)

	fb, err := m.fallback.Open()
	if err != nil {
		return nil, fmt.Errorf("fallback unavailable: %w", err)
	}

	h.swap(fb, types.SourceFallback)
	h.session.SetSource(types.SourceFallback)
	h.session.SetState(types.StateStreaming)
	return fb, nil
}

// release tears down a session on client disconnect or explicit close. The
// upstream connection is closed only when this handle's generation still owns
// it, so a released stale handle never kills a newer session's upstream.
func (m *Manager) release(h *Handle) {
	m.mu.Lock()
	if m.active != nil && m.active.generation == h.generation {
		m.active.close()
		m.active = nil
		m.lastClosedAt = time.Now()
	}
	m.mu.Unlock()

	h.closeSource()
	if h.session.State() != types.StateClosed {
		h.session.SetState(types.StateClosed)
		metrics.ActiveSessions.Dec()
		m.record(h.session, "closed", "")
		logger.Debug("{session - release} Released generation %d (%s)", h.generation, h.session.ID)
	}
	m.sessions.Delete(h.session.ID)
}

// CurrentGeneration returns the latest granted generation.
func (m *Manager) CurrentGeneration() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.generation
}

// UpstreamOpen reports whether an upstream connection is currently held.
func (m *Manager) UpstreamOpen() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.active != nil
}

// Snapshots returns the live sessions for the health and diagnostics APIs.
func (m *Manager) Snapshots() []types.SessionSnapshot {
	var out []types.SessionSnapshot
	m.sessions.Range(func(_ string, sess *types.Session) bool {
		out = append(out, sess.Snapshot())
		return true
	})
	return out
}
