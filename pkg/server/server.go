// Package server exposes the leadership status of the process over HTTP.
package server

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	otelchimetric "github.com/riandyrn/otelchi/metric"

	"github.com/kalbasit/dbleader/pkg/lock"
)

const (
	routeIndex   = "/"
	routeActive  = "/active"
	routeLeader  = "/leader"
	routeMetrics = "/metrics"
	routeHealthz = "/healthz"

	contentType     = "Content-Type"
	contentTypeJSON = "application/json"

	tracerName = "github.com/kalbasit/dbleader/pkg/server"
)

// Status reports the leadership of this process. *lock.Manager implements it.
type Status interface {
	IsActive() bool
	State() lock.State
}

// LeaderSource reports the instance announced as active across the fleet.
type LeaderSource interface {
	Leader(ctx context.Context) (string, error)
}

// Server represents the status HTTP server.
type Server struct {
	instanceID string
	status     Status
	router     *chi.Mux

	gatherer prometheus.Gatherer
	leaders  LeaderSource
}

// New returns a new server reporting status as instanceID.
func New(instanceID string, status Status) *Server {
	s := &Server{
		instanceID: instanceID,
		status:     status,
	}

	s.createRouter()

	return s
}

// SetPrometheusGatherer enables the /metrics endpoint.
func (s *Server) SetPrometheusGatherer(g prometheus.Gatherer) { s.gatherer = g }

// SetLeaderSource enables the /leader endpoint.
func (s *Server) SetLeaderSource(ls LeaderSource) { s.leaders = ls }

// ServeHTTP implements http.Handler and turns the Server type into a handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func (s *Server) createRouter() {
	s.router = chi.NewRouter()

	baseCfg := otelchimetric.NewBaseConfig(
		tracerName,
		otelchimetric.WithMeterProvider(otel.GetMeterProvider()),
	)

	s.router.Use(middleware.Heartbeat(routeHealthz))
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(
		otelchi.Middleware(tracerName, otelchi.WithChiRoutes(s.router)),
		otelchimetric.NewRequestDurationMillis(baseCfg),
		otelchimetric.NewRequestInFlight(baseCfg),
		otelchimetric.NewResponseSizeBytes(baseCfg),
	)
	s.router.Use(requestLogger)

	s.router.Get(routeIndex, s.getIndex)
	s.router.Get(routeActive, s.getActive)
	s.router.Get(routeLeader, s.getLeader)
	s.router.Get(routeMetrics, s.getMetrics)
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		startedAt := time.Now()

		log := zerolog.Ctx(r.Context()).With().
			Str("method", r.Method).
			Str("request-uri", r.RequestURI).
			Str("from", r.RemoteAddr).
			Logger()

		if sc := trace.SpanFromContext(r.Context()).SpanContext(); sc.IsValid() {
			log = log.With().
				Str("trace-id", sc.TraceID().String()).
				Str("span-id", sc.SpanID().String()).
				Logger()
		}

		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		defer func() {
			// status probes are polled constantly.
			log.Debug().
				Int("status", ww.Status()).
				Int("bytes", ww.BytesWritten()).
				Dur("elapsed", time.Since(startedAt)).
				Msg("handled request")
		}()

		r = r.WithContext(log.WithContext(r.Context()))

		next.ServeHTTP(ww, r)
	})
}

type statusResponse struct {
	Instance string `json:"instance"`
	Active   bool   `json:"active"`
	State    string `json:"state"`
}

func (s *Server) currentStatus() statusResponse {
	return statusResponse{
		Instance: s.instanceID,
		Active:   s.status.IsActive(),
		State:    s.status.State().String(),
	}
}

func (s *Server) getIndex(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, r, http.StatusOK, s.currentStatus())
}

// getActive answers 200 on the active instance and 503 everywhere else, so it
// can be used as a load balancer health check.
func (s *Server) getActive(w http.ResponseWriter, r *http.Request) {
	body := s.currentStatus()

	code := http.StatusOK
	if !body.Active {
		code = http.StatusServiceUnavailable
	}

	writeJSON(w, r, code, body)
}

func (s *Server) getLeader(w http.ResponseWriter, r *http.Request) {
	if s.leaders == nil {
		http.NotFound(w, r)

		return
	}

	leader, err := s.leaders.Leader(r.Context())
	if err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error looking up the leader")

		http.Error(w, http.StatusText(http.StatusBadGateway), http.StatusBadGateway)

		return
	}

	writeJSON(w, r, http.StatusOK, struct {
		Leader string `json:"leader"`
	}{Leader: leader})
}

func (s *Server) getMetrics(w http.ResponseWriter, r *http.Request) {
	if s.gatherer == nil {
		http.NotFound(w, r)

		return
	}

	promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}).ServeHTTP(w, r)
}

func writeJSON(w http.ResponseWriter, r *http.Request, code int, body any) {
	w.Header().Set(contentType, contentTypeJSON)
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(body); err != nil {
		zerolog.Ctx(r.Context()).
			Error().
			Err(err).
			Msg("error writing the response")
	}
}
