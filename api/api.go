// Package api serves the HTTP surface of the server process: liveness,
// prometheus metrics, the state of the renewal scheduler and, when
// configured, the CA, certificate, CSR and artifact routes under /api/v1.
package api

import (
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/jmcleod/ironpki/internal/metrics"
	"github.com/jmcleod/ironpki/model"
	"github.com/jmcleod/ironpki/renewal"
)

// RenewalStatus is the view of the scheduler exposed at /renewal.
type RenewalStatus interface {
	LastReport() (renewal.SweepReport, bool)
	NextRun() (time.Time, error)
	State(cert model.Certificate) model.State
}

// API holds the dependencies needed by the ops handlers.
type API struct {
	gatherer  prometheus.Gatherer
	renewal   RenewalStatus
	lifecycle *Lifecycle
	logger    *slog.Logger
	draining  atomic.Bool
}

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger used for request logs.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// New creates a new API instance.
func New(gatherer prometheus.Gatherer, status RenewalStatus, opts ...Option) *API {
	a := &API{
		gatherer: gatherer,
		renewal:  status,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Drain makes /health report 503 so load balancers stop routing here
// before shutdown.
func (a *API) Drain() {
	a.draining.Store(true)
}

// Router returns a chi.Router with all ops routes mounted.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(a.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(SecurityHeaders)

	r.Get("/health", a.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler(a.gatherer))
	r.Get("/renewal", a.Renewal)
	if a.lifecycle != nil {
		r.Route("/api/v1", a.lifecycleRoutes)
	}
	return r
}

// HealthResponse is the body of /health.
type HealthResponse struct {
	Status string `json:"status"`
}

func (a *API) Health(w http.ResponseWriter, r *http.Request) {
	if a.draining.Load() {
		writeJSON(w, http.StatusServiceUnavailable, HealthResponse{Status: "shutting_down"})
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
}

// RenewalResponse is the body of /renewal. LastReport is nil until the
// first sweep finishes.
type RenewalResponse struct {
	LastReport *renewal.SweepReport `json:"last_report"`
	NextRun    *time.Time           `json:"next_run,omitempty"`
}

func (a *API) Renewal(w http.ResponseWriter, r *http.Request) {
	if a.renewal == nil {
		writeError(w, http.StatusServiceUnavailable, "renewal scheduler not configured")
		return
	}
	var resp RenewalResponse
	if report, ok := a.renewal.LastReport(); ok {
		resp.LastReport = &report
	}
	if next, err := a.renewal.NextRun(); err == nil && !next.IsZero() {
		resp.NextRun = &next
	}
	writeJSON(w, http.StatusOK, resp)
}

// requestLogger logs one line per request through slog.
func (a *API) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		a.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"bytes", ww.BytesWritten(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
