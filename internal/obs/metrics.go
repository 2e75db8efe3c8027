// Package obs holds the proxy's Prometheus metrics.
package obs

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	ActiveSessions      = promauto.NewGauge(prometheus.GaugeOpts{Name: "tapproxy_active_sessions", Help: "Sessions currently open"})
	SessionsTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tapproxy_sessions_total", Help: "Sessions by protocol mode"}, []string{"mode"})
	SessionErrorsTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tapproxy_session_errors_total", Help: "Session and copier failures by kind"}, []string{"kind"})
	BytesForwardedTotal = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tapproxy_bytes_forwarded_total", Help: "Bytes forwarded by direction"}, []string{"direction"})
	MessagesTotal       = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tapproxy_messages_observed_total", Help: "Reassembled messages sent to the observer"}, []string{"direction"})
	ObservationDropped  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tapproxy_observation_dropped_bytes_total", Help: "Bytes forwarded but skipped by observation"}, []string{"direction"})
	CertificateLookups  = promauto.NewCounterVec(prometheus.CounterOpts{Name: "tapproxy_certificate_lookups_total", Help: "Leaf certificate lookups by result"}, []string{"result"})
	SessionDurationSecs = promauto.NewHistogram(prometheus.HistogramOpts{Name: "tapproxy_session_duration_seconds", Help: "Session lifetime seconds", Buckets: prometheus.ExponentialBuckets(0.01, 2, 16)})
	LiveSubscribers     = promauto.NewGauge(prometheus.GaugeOpts{Name: "tapproxy_live_subscribers", Help: "Connected live feed subscribers"})
)
