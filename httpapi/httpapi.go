// Package httpapi is an HTTP gateway to a graph store of records.
//
// Routes:
//
//	POST   /records                   publish; body {"description":..., "files":[...]}
//	GET    /records/{address}         fetch a verified record
//	GET    /records/{address}/watch   websocket stream of verified deliveries
//	GET    /me/records                the gateway identity's index
//	GET    /me/records/watch          websocket stream of index views
//	DELETE /me/records/{address}      remove an entry from the index
//	GET    /metrics                   Prometheus exposition
//
// A record that fails verification is reported exactly as a missing one (404).
package httpapi

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/bobg/dist"
	"github.com/bobg/dist/collection"
	"github.com/bobg/dist/graph"
	"github.com/bobg/dist/metrics"
	"github.com/bobg/dist/records"
)

// DefaultMaxBody is the default limit on the size of a publish request.
const DefaultMaxBody = 4 << 20

// Server is the gateway. It is an http.Handler.
type Server struct {
	g       *graph.Graph
	svc     *records.Service
	logger  *zap.Logger
	metrics *metrics.Metrics
	gather  prometheus.Gatherer
	maxBody int64

	upgrader websocket.Upgrader
	router   chi.Router
}

// Option is an option to New.
type Option func(*Server)

// WithLogger sets the logger of a Server.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Server) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithMetrics sets the metrics of a Server
// and the gatherer exposed on /metrics.
// Without it, /metrics serves prometheus.DefaultGatherer.
func WithMetrics(m *metrics.Metrics, gather prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = m
		if gather != nil {
			s.gather = gather
		}
	}
}

// WithMaxBody sets the limit on the size of a publish request.
func WithMaxBody(n int64) Option {
	return func(s *Server) {
		s.maxBody = n
	}
}

// New produces a Server publishing and watching records through svc.
// The index routes use svc's identity and read g directly.
func New(g *graph.Graph, svc *records.Service, opts ...Option) *Server {
	s := &Server{
		g:       g,
		svc:     svc,
		logger:  zap.NewNop(),
		gather:  prometheus.DefaultGatherer,
		maxBody: DefaultMaxBody,
	}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(s.metrics.Middleware(routePattern))

	r.Post("/records", s.handlePublish)
	r.Get("/records/{address}", s.handleGet)
	r.Get("/records/{address}/watch", s.handleWatch)
	r.Get("/me/records", s.handleIndex)
	r.Get("/me/records/watch", s.handleWatchIndex)
	r.Delete("/me/records/{address}", s.handleRemove)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(s.gather, promhttp.HandlerOpts{}))

	s.router = r
	return s
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// Valid only after routing.
func routePattern(r *http.Request) string {
	if rctx := chi.RouteContext(r.Context()); rctx != nil {
		if p := rctx.RoutePattern(); p != "" {
			return p
		}
	}
	return "unmatched"
}

type publishRequest struct {
	Description string      `json:"description"`
	Files       []dist.File `json:"files"`
}

type publishResponse struct {
	Address dist.Address `json:"address"`
}

func (s *Server) handlePublish(w http.ResponseWriter, r *http.Request) {
	var req publishRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.maxBody))
	if err := dec.Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, errors.Wrap(err, "decoding request"))
		return
	}

	addr, err := s.svc.Publish(r.Context(), req.Description, req.Files)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusCreated, publishResponse{Address: addr})
}

func (s *Server) handleGet(w http.ResponseWriter, r *http.Request) {
	rec, err := s.svc.Get(r.Context(), dist.Address(chi.URLParam(r, "address")))
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	s.writeJSON(w, http.StatusOK, rec)
}

type indexResponse struct {
	Alias   string            `json:"alias"`
	Pub     string            `json:"pub"`
	Entries []dist.IndexEntry `json:"entries"`
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	id := s.svc.Identity()
	entries, err := collection.Load(r.Context(), s.g.Backend(), id)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	if entries == nil {
		entries = []dist.IndexEntry{}
	}
	s.writeJSON(w, http.StatusOK, indexResponse{Alias: id.Alias, Pub: id.Pub, Entries: entries})
}

func (s *Server) handleRemove(w http.ResponseWriter, r *http.Request) {
	err := collection.Remove(r.Context(), s.g, s.svc.Identity(), dist.Address(chi.URLParam(r, "address")), s.metrics)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, dist.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, dist.ErrInvalidAddress), errors.Is(err, dist.ErrInvalidFile):
		return http.StatusBadRequest
	case errors.Is(err, dist.ErrNotReady):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= 500 {
		s.logger.Error("serving request", zap.Int("status", status), zap.Error(err))
	}
	msg := err.Error()
	if status == http.StatusNotFound {
		// No hint of whether the record was never published or was tampered with.
		msg = dist.ErrNotFound.Error()
	}
	s.writeJSON(w, status, errorResponse{Error: msg})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Debug("writing response", zap.Error(err))
	}
}
