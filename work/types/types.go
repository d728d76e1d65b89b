package types

import (
	"sync/atomic"
	"time"
)

// SourceKind identifies which byte source is currently feeding a relay:
// the live upstream connection or the looped fallback clip.
type SourceKind int32

const (
	SourceUpstream SourceKind = iota // live provider connection
	SourceFallback                   // looped "stream not available" clip
)

// String returns the human readable name of the source kind.
func (k SourceKind) String() string {
	if k == SourceFallback {
		return "Fallback"
	}
	return "Upstream"
}

// SessionState tracks a stream session through its lifecycle. Transitions are
// driven by the session manager and the relay engine; the values are exposed
// read-only through the health endpoint and the session journal.
type SessionState int32

const (
	StateConnecting  SessionState = iota // resolving and opening the upstream
	StateStreaming                       // bytes flowing from the upstream
	StateStalled                         // upstream stopped producing within the read timeout
	StateFallingBack                     // switching the relay to the fallback source
	StateClosed                          // torn down (client disconnect or superseded)
)

// String returns the state name used in logs, the journal, and the health API.
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "Connecting"
	case StateStreaming:
		return "Streaming"
	case StateStalled:
		return "Stalled"
	case StateFallingBack:
		return "FallingBack"
	case StateClosed:
		return "Closed"
	default:
		return "Unknown"
	}
}

// Channel represents a single IPTV channel parsed from the M3U playlist.
// The ID is the URL-safe identifier used in /stream/{id} paths and as the
// XMLTV channel id; the URL is the upstream address the resolver hands to
// the session manager.
type Channel struct {
	ID          string            // URL-safe channel identifier
	Name        string            // display name from the EXTINF line
	URL         string            // upstream stream URL
	GroupTitle  string            // category from group-title
	TVGName     string            // tvg-name attribute
	TVGLogo     string            // tvg-logo attribute
	GuideNumber string            // lineup guide number
	Attributes  map[string]string // remaining EXTINF attributes
}

// Session is one client-visible streaming lifecycle, from stream request to
// disconnect or supersession. State, source kind, and byte progress are
// atomics because the relay loop, the session manager, and the diagnostics
// endpoints touch them from different goroutines.
type Session struct {
	ID         string // opaque session identifier, unique per client request
	ChannelID  string // requested channel
	Generation uint64 // kill-switch generation this session was granted
	StartedAt  time.Time

	state      atomic.Int32
	sourceKind atomic.Int32
	lastByte   atomic.Int64 // unix nanos of the most recent relayed chunk
	bytesOut   atomic.Int64 // total bytes written to the client
}

// NewSession creates a session in the Connecting state.
func NewSession(id, channelID string, generation uint64) *Session {
	s := &Session{
		ID:         id,
		ChannelID:  channelID,
		Generation: generation,
		StartedAt:  time.Now(),
	}
	s.state.Store(int32(StateConnecting))
	s.sourceKind.Store(int32(SourceUpstream))
	s.lastByte.Store(s.StartedAt.UnixNano())
	return s
}

// SetState records a lifecycle transition.
func (s *Session) SetState(state SessionState) {
	s.state.Store(int32(state))
}

// State returns the current lifecycle state.
func (s *Session) State() SessionState {
	return SessionState(s.state.Load())
}

// SetSource records which byte source currently feeds the relay.
func (s *Session) SetSource(kind SourceKind) {
	s.sourceKind.Store(int32(kind))
}

// Source returns the byte source currently feeding the relay.
func (s *Session) Source() SourceKind {
	return SourceKind(s.sourceKind.Load())
}

// TouchByte records forward progress of n relayed bytes.
func (s *Session) TouchByte(n int) {
	s.lastByte.Store(time.Now().UnixNano())
	s.bytesOut.Add(int64(n))
}

// LastByteAt returns the time of the most recent relayed chunk.
func (s *Session) LastByteAt() time.Time {
	return time.Unix(0, s.lastByte.Load())
}

// BytesRelayed returns the total bytes written to the client so far.
func (s *Session) BytesRelayed() int64 {
	return s.bytesOut.Load()
}

// SessionSnapshot is the JSON shape of a session exposed through the health
// and diagnostics endpoints.
type SessionSnapshot struct {
	SessionID    string    `json:"sessionID"`
	ChannelID    string    `json:"channelID"`
	State        string    `json:"state"`
	SourceKind   string    `json:"sourceKind"`
	Generation   uint64    `json:"generation"`
	StartedAt    time.Time `json:"startedAt"`
	LastByteAt   time.Time `json:"lastByteAt"`
	BytesRelayed int64     `json:"bytesRelayed"`
}

// Snapshot captures the current session state for diagnostics.
func (s *Session) Snapshot() SessionSnapshot {
	return SessionSnapshot{
		SessionID:    s.ID,
		ChannelID:    s.ChannelID,
		State:        s.State().String(),
		SourceKind:   s.Source().String(),
		Generation:   s.Generation,
		StartedAt:    s.StartedAt,
		LastByteAt:   s.LastByteAt(),
		BytesRelayed: s.BytesRelayed(),
	}
}
