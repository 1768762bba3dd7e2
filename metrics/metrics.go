// Package metrics holds the Prometheus collectors for publishing, watching, and serving records.
//
// A nil *Metrics is valid and records nothing.
package metrics

import (
	"bufio"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Delivery results.
const (
	Verified = "verified"
	Rejected = "rejected"
	Absent   = "absent"
)

// Collection event kinds.
const (
	Upsert    = "upsert"
	Tombstone = "tombstone"
)

// Metrics is a set of collectors registered on one prometheus.Registerer.
type Metrics struct {
	Published         prometheus.Counter
	Deliveries        *prometheus.CounterVec
	IntegrityFailures prometheus.Counter
	Watchers          prometheus.Gauge
	Collections       prometheus.Gauge
	CollectionEvents  *prometheus.CounterVec
	Removed           prometheus.Counter

	HTTPRequests *prometheus.CounterVec
	HTTPDuration *prometheus.HistogramVec
}

// New creates the collectors and registers them on reg.
// A nil reg means prometheus.DefaultRegisterer.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Metrics{
		Published: f.NewCounter(prometheus.CounterOpts{
			Name: "dist_records_published_total",
			Help: "Records published.",
		}),
		Deliveries: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dist_record_deliveries_total",
			Help: "Record deliveries to watchers, by verification result.",
		}, []string{"result"}),
		IntegrityFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "dist_integrity_failures_total",
			Help: "Records whose content did not hash to their address.",
		}),
		Watchers: f.NewGauge(prometheus.GaugeOpts{
			Name: "dist_watchers_active",
			Help: "Open record watchers.",
		}),
		Collections: f.NewGauge(prometheus.GaugeOpts{
			Name: "dist_collections_attached",
			Help: "Attached collection subscriptions.",
		}),
		CollectionEvents: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dist_collection_events_total",
			Help: "Index events applied by attached collections, by kind.",
		}, []string{"kind"}),
		Removed: f.NewCounter(prometheus.CounterOpts{
			Name: "dist_index_removals_total",
			Help: "Entries removed from private indexes.",
		}),
		HTTPRequests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "dist_http_requests_total",
			Help: "HTTP requests, by method, route, and status.",
		}, []string{"method", "route", "status"}),
		HTTPDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "dist_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route"}),
	}
}

// RecordPublished counts one publication.
func (m *Metrics) RecordPublished() {
	if m == nil {
		return
	}
	m.Published.Inc()
}

// RecordDelivery counts one delivery to a watcher with the given result.
// Rejected deliveries are also integrity failures.
func (m *Metrics) RecordDelivery(result string) {
	if m == nil {
		return
	}
	m.Deliveries.WithLabelValues(result).Inc()
	if result == Rejected {
		m.IntegrityFailures.Inc()
	}
}

// RecordIntegrityFailure counts a verification failure outside of a watcher.
func (m *Metrics) RecordIntegrityFailure() {
	if m == nil {
		return
	}
	m.IntegrityFailures.Inc()
}

// WatcherOpened and WatcherClosed track the number of open watchers.
func (m *Metrics) WatcherOpened() {
	if m == nil {
		return
	}
	m.Watchers.Inc()
}

func (m *Metrics) WatcherClosed() {
	if m == nil {
		return
	}
	m.Watchers.Dec()
}

// CollectionAttached and CollectionDetached track the number of attached collections.
func (m *Metrics) CollectionAttached() {
	if m == nil {
		return
	}
	m.Collections.Inc()
}

func (m *Metrics) CollectionDetached() {
	if m == nil {
		return
	}
	m.Collections.Dec()
}

// RecordCollectionEvent counts one index event of the given kind
// applied by a collection.
func (m *Metrics) RecordCollectionEvent(kind string) {
	if m == nil {
		return
	}
	m.CollectionEvents.WithLabelValues(kind).Inc()
}

// RecordRemoval counts one index-entry removal.
func (m *Metrics) RecordRemoval() {
	if m == nil {
		return
	}
	m.Removed.Inc()
}

// Middleware returns HTTP middleware recording request counts and durations.
// The route label comes from route(r),
// which should return a pattern rather than a raw path
// to keep label cardinality bounded.
func (m *Metrics) Middleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if m == nil {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(wrapped, r)

			label := route(r)
			m.HTTPRequests.WithLabelValues(r.Method, label, strconv.Itoa(wrapped.status)).Inc()
			m.HTTPDuration.WithLabelValues(r.Method, label).Observe(time.Since(start).Seconds())
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

// Hijack lets websocket upgrades through.
func (w *statusWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	w.status = http.StatusSwitchingProtocols
	return h.Hijack()
}
