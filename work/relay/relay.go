package relay

import (
	"errors"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"iptv-tuner/work/buffer"
	"iptv-tuner/work/config"
	"iptv-tuner/work/logger"
	"iptv-tuner/work/metrics"
	"iptv-tuner/work/session"
	"iptv-tuner/work/types"
	"iptv-tuner/work/utils"
)

// fallbackByteRate matches the 2 Mbit/s mux rate the fallback clip is
// rendered with.
const fallbackByteRate = 256 * 1024

// Engine pumps bytes from a session's current source to the client in fixed
// chunks, flushing after each one. It owns the stall watchdog for upstream
// reads and drives the switch to fallback on stall, EOF, or read error. The
// client-facing connection stays open across all of those transitions; the
// only things that end a relay are the client going away, supersession by a
// newer generation, or the fallback source itself failing.
type Engine struct {
	cfgFn func() *config.Config
	pool  *buffer.Pool
}

// NewEngine creates a relay engine. cfgFn supplies the current config so a
// changed read timeout applies to sessions started after the change.
func NewEngine(cfgFn func() *config.Config) *Engine {
	return &Engine{
		cfgFn: cfgFn,
		pool:  buffer.NewPool(),
	}
}

// Serve relays the session to the client until the client disconnects or the
// session ends. Headers must not have been written yet. Release is always
// called before returning, so no upstream connection outlives its client.
func (e *Engine) Serve(w http.ResponseWriter, r *http.Request, h *session.Handle) {
	defer h.Release()

	cfg := e.cfgFn()
	sess := h.Session()

	w.Header().Set("Content-Type", "video/mpeg")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")
	w.WriteHeader(http.StatusOK)

	flusher, canFlush := w.(http.Flusher)
	if canFlush {
		flusher.Flush()
	}

	// the watchdog breaks a blocked upstream read by canceling its request
	// context; the read then errors out and the stalled flag tells us why
	var stalled atomic.Bool
	watchdog := time.AfterFunc(cfg.ReadTimeout, func() {
		stalled.Store(true)
		logger.Warn("{relay - Serve} Stall detected on %s (no bytes for %s)", sess.ChannelID, cfg.ReadTimeout)
		h.CancelUpstream()
	})
	defer watchdog.Stop()
	if _, kind := h.Source(); kind == types.SourceFallback {
		// fallback-only session, nothing upstream to watch
		watchdog.Stop()
	}

	// client disconnects surface as write errors, but a disconnect during a
	// blocked upstream read would otherwise hold the connection until the
	// watchdog fires; canceling directly frees it immediately
	var clientGone atomic.Bool
	clientDone := r.Context().Done()
	watcherStop := make(chan struct{})
	defer close(watcherStop)
	go func() {
		select {
		case <-clientDone:
			clientGone.Store(true)
			h.CancelUpstream()
		case <-watcherStop:
		}
	}()

	buf := e.pool.Get()
	defer e.pool.Put(buf)

	var relayed int64
	for {
		src, kind := h.Source()
		if src == nil {
			return
		}

		n, err := src.Read(buf.B)
		if n > 0 {
			if _, werr := w.Write(buf.B[:n]); werr != nil {
				logger.Debug("{relay - Serve} Client disconnected on %s after %s", sess.ChannelID, utils.FormatBytes(relayed))
				return
			}
			if canFlush {
				flusher.Flush()
			}

			sess.TouchByte(n)
			relayed += int64(n)
			metrics.BytesRelayed.WithLabelValues(kind.String()).Add(float64(n))
			if kind == types.SourceUpstream {
				watchdog.Reset(cfg.ReadTimeout)
			} else {
				// the in-memory clip reads at memory speed; pace it to its mux
				// rate so the client is fed real time, not flooded
				time.Sleep(time.Duration(n) * time.Second / fallbackByteRate)
			}
		}

		if err == nil {
			continue
		}

		if clientGone.Load() {
			logger.Debug("{relay - Serve} Client disconnected on %s after %s", sess.ChannelID, utils.FormatBytes(relayed))
			return
		}

		if kind == types.SourceFallback {
			// the looping clip never EOFs, so any error here is fatal
			logger.Error("{relay - Serve} Fallback read failed on %s: %v", sess.ChannelID, err)
			return
		}

		reason := classify(err, &stalled)
		if reason == "stall" {
			sess.SetState(types.StateStalled)
			metrics.Stalls.WithLabelValues(sess.ChannelID).Inc()
		}
		watchdog.Stop()

		if ferr := h.FallBack(reason); ferr != nil {
			if errors.Is(ferr, session.ErrSuperseded) {
				logger.Debug("{relay - Serve} Generation %d superseded, closing client", h.Generation())
			} else {
				logger.Error("{relay - Serve} Cannot switch %s to fallback: %v", sess.ChannelID, ferr)
			}
			return
		}
		logger.Info("{relay - Serve} Switched %s to fallback after %s (reason: %s)",
			sess.ChannelID, utils.FormatBytes(relayed), reason)
	}
}

// classify maps an upstream read error to a fallback reason label.
func classify(err error, stalled *atomic.Bool) string {
	switch {
	case stalled.Load():
		return "stall"
	case errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF):
		// a live stream ending early is indistinguishable from a stall to the
		// viewer, so it gets the same treatment
		return "eof"
	default:
		return "error"
	}
}
