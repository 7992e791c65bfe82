// Package adminhttp serves lockd's admin surface: liveness, Prometheus
// metrics, and a read-only view of the lock registry. It never touches the
// serialization domain directly — Registry.Show and Registry.Snapshot take
// their own snapshot lock, so this package can call them from its own
// goroutine.
package adminhttp

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	promclient "github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/riandyrn/otelchi"
	"github.com/rs/zerolog"

	"github.com/mistborn/lockd/pkg/lock"
	"github.com/mistborn/lockd/pkg/oidc"
	"github.com/mistborn/lockd/pkg/protocol"
)

const (
	routeHealthz = "/healthz"
	routeMetrics = "/metrics"
	routeLocks   = "/locks"
)

// Server is the admin HTTP surface.
type Server struct {
	serverID uuid.UUID
	registry *lock.Registry
	logger   zerolog.Logger
	router   *chi.Mux
}

// New returns a Server backed by registry. serverID is echoed on
// /healthz so an operator watching a load balancer can tell which lockd
// process (or which run of the same one, across a restart) answered.
// gatherer is the Prometheus registry /metrics serves from; it is nil
// when Prometheus export is disabled, in which case /metrics answers 404.
// verifier is nil when OIDC protection of /locks is disabled.
func New(
	logger zerolog.Logger,
	serverID uuid.UUID,
	registry *lock.Registry,
	gatherer promclient.Gatherer,
	verifier *oidc.Verifier,
) Server {
	s := Server{
		serverID: serverID,
		registry: registry,
		logger:   logger,
	}

	s.router = createRouter(s, gatherer, verifier)

	return s
}

// ServeHTTP implements http.Handler.
func (s Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.router.ServeHTTP(w, r) }

func createRouter(s Server, gatherer promclient.Gatherer, verifier *oidc.Verifier) *chi.Mux {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(otelchi.Middleware("lockd-admin"))
	router.Use(requestLogger(s.logger))
	router.Use(middleware.Recoverer)

	router.Get(routeHealthz, s.getHealthz)

	if gatherer != nil {
		router.Handle(routeMetrics, promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	if verifier != nil {
		router.With(verifier.Middleware()).Get(routeLocks, s.getLocks)
	} else {
		router.Get(routeLocks, s.getLocks)
	}

	return router
}

func requestLogger(logger zerolog.Logger) func(handler http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		fn := func(w http.ResponseWriter, r *http.Request) {
			startedAt := time.Now()
			reqID := middleware.GetReqID(r.Context())

			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

			defer func() {
				logger.Info().
					Str("method", r.Method).
					Str("uri", r.RequestURI).
					Int("status", ww.Status()).
					Dur("elapsed", time.Since(startedAt)).
					Str("from", r.RemoteAddr).
					Str("reqID", reqID).
					Int("bytes", ww.BytesWritten()).
					Msg("admin http request")
			}()

			next.ServeHTTP(ww, r)
		}

		return http.HandlerFunc(fn)
	}
}

func (s Server) getHealthz(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("ok " + s.serverID.String())); err != nil {
		s.logger.Error().Err(err).Msg("error writing healthz response")
	}
}

func (s Server) getLocks(w http.ResponseWriter, r *http.Request) {
	entries := s.registry.Show()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(protocol.EncodeShow(entries, "")); err != nil {
		s.logger.Error().Err(err).Msg("error writing locks response")
	}
}
