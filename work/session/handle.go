package session

import (
	"io"
	"sync"

	"iptv-tuner/work/types"
)

// Handle is the relay's view of one client session. It carries the current
// byte source (upstream body, later possibly the fallback reader) and the
// generation this session was granted. The source can be swapped mid-stream
// by FallBack without the client connection ever noticing.
type Handle struct {
	manager    *Manager
	session    *types.Session
	generation uint64

	mu             sync.Mutex
	src            io.ReadCloser
	kind           types.SourceKind
	cancelUpstream func() // nil once the source is the fallback clip
	released       bool
}

// Session exposes the session record for health and journal reporting.
func (h *Handle) Session() *types.Session { return h.session }

// Generation returns the kill-switch generation granted to this session.
func (h *Handle) Generation() uint64 { return h.generation }

// Source returns the current byte source and its kind.
func (h *Handle) Source() (io.Reader, types.SourceKind) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.src, h.kind
}

// CancelUpstream aborts an in-flight upstream read. The stall watchdog uses
// this to break a blocked Read; it is a no-op once the source is the fallback.
func (h *Handle) CancelUpstream() {
	h.mu.Lock()
	cancel := h.cancelUpstream
	h.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// swap installs a new source, closing the old one.
func (h *Handle) swap(src io.ReadCloser, kind types.SourceKind) {
	h.mu.Lock()
	old := h.src
	h.src = src
	h.kind = kind
	h.cancelUpstream = nil
	h.mu.Unlock()

	if old != nil {
		old.Close()
	}
}

// closeSource closes the current source without replacing it.
func (h *Handle) closeSource() {
	h.mu.Lock()
	src := h.src
	h.src = nil
	h.mu.Unlock()

	if src != nil {
		src.Close()
	}
}

// FallBack reports an upstream failure and switches this handle to the
// fallback clip. It returns ErrSuperseded when a newer generation owns the
// upstream slot, in which case the relay must stop serving this client.
func (h *Handle) FallBack(reason string) error {
	_, err := h.manager.reportFailure(h, reason)
	return err
}

// Release closes the session. Safe to call more than once; the relay calls it
// unconditionally when the client goes away.
func (h *Handle) Release() {
	h.mu.Lock()
	if h.released {
		h.mu.Unlock()
		return
	}
	h.released = true
	h.mu.Unlock()

	h.manager.release(h)
}
