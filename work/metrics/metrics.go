package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ActiveSessions tracks the number of client sessions currently being relayed.
// This metric is a gauge, rising and falling as clients tune and disconnect.
var ActiveSessions = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iptv_tuner_active_sessions",
	Help: "Number of active relay sessions",
})

// BytesRelayed tracks the total number of bytes relayed to clients, labeled
// by the byte source ("Upstream" or "Fallback"). Counter, only increases.
var BytesRelayed = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_tuner_bytes_relayed",
	Help: "Total bytes relayed to clients",
}, []string{"source"})

// Stalls counts upstream stall detections per channel.
var Stalls = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_tuner_stalls_total",
	Help: "Number of upstream stalls detected",
}, []string{"channel"})

// FallbackActivations counts switches to the fallback source per channel,
// labeled with the reason ("resolve", "connect", "stall", "eof").
var FallbackActivations = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_tuner_fallback_activations_total",
	Help: "Number of switches to the fallback source",
}, []string{"channel", "reason"})

// Supersessions counts stream requests abandoned because a newer generation
// arrived before their upstream connect completed.
var Supersessions = promauto.NewCounter(prometheus.CounterOpts{
	Name: "iptv_tuner_supersessions_total",
	Help: "Number of stream requests superseded by newer requests",
})

// Generation exposes the current kill-switch generation for diagnostics.
var Generation = promauto.NewGauge(prometheus.GaugeOpts{
	Name: "iptv_tuner_generation",
	Help: "Current kill-switch generation counter",
})

// UpstreamConnects counts upstream connection attempts labeled by outcome
// ("ok", "error", "superseded").
var UpstreamConnects = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "iptv_tuner_upstream_connects_total",
	Help: "Upstream connection attempts by outcome",
}, []string{"outcome"})
