// Package metrics exposes the broker's Prometheus instrumentation,
// following the h3ws2h1ws proxy's pattern of package-level collectors
// registered in init() and served over promhttp.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	ServerSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "filetunnel_server_sessions",
		Help: "Currently connected content-server WebSocket sessions.",
	})
	ClientSessions = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "filetunnel_client_sessions",
		Help: "Currently tracked client reply-waiting sessions.",
	})
	RequestsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filetunnel_client_requests_total",
		Help: "Client data requests by outcome.",
	}, []string{"outcome"}) // ok, offline, timeout, gone, bad_gateway, bad_request
	FramesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filetunnel_frames_total",
		Help: "WebSocket frames exchanged with content servers by direction and type.",
	}, []string{"dir", "type"}) // dir: in/out, type: text/binary
	BytesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "filetunnel_bytes_total",
		Help: "Payload bytes exchanged with content servers by direction, pre-compression.",
	}, []string{"dir"}) // in/out
	MalformedFramesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filetunnel_malformed_frames_total",
		Help: "Frames dropped for failing to decode or decompress.",
	})
	ClientSessionsExpiredTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filetunnel_client_sessions_expired_total",
		Help: "Client sessions evicted by the janitor sweep.",
	})
	ServerKeyConflictsTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "filetunnel_server_key_conflicts_total",
		Help: "Server WebSocket upgrades rejected for an already-live server key.",
	})
)

func init() {
	prometheus.MustRegister(
		ServerSessions, ClientSessions, RequestsTotal, FramesTotal,
		BytesTotal, MalformedFramesTotal, ClientSessionsExpiredTotal,
		ServerKeyConflictsTotal,
	)
}

// Handler returns the promhttp handler to mount at /metrics.
func Handler() http.Handler {
	return promhttp.Handler()
}
