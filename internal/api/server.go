// Package api serves the HTTP control surface: health, dialplan and
// channel inspection, call origination, and the prometheus scrape endpoint.
package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/flowpbx/pbxcore/internal/api/middleware"
	"github.com/flowpbx/pbxcore/internal/dialplan"
	"github.com/flowpbx/pbxcore/internal/pbx"
)

// Server holds HTTP handler dependencies and the chi router.
type Server struct {
	router    *chi.Mux
	engine    *pbx.Engine
	dp        *dialplan.Dialplan
	gatherer  prometheus.Gatherer
	secret    []byte
	startTime time.Time
	logger    *slog.Logger
}

// NewServer creates the HTTP handler with all routes mounted. A nil
// gatherer leaves /metrics unmounted. Requests that originate or move
// calls need a bearer token signed with secret; an empty secret refuses
// them all.
func NewServer(engine *pbx.Engine, gatherer prometheus.Gatherer, secret []byte, startTime time.Time, logger *slog.Logger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		engine:    engine,
		dp:        engine.Dialplan(),
		gatherer:  gatherer,
		secret:    secret,
		startTime: startTime,
		logger:    logger.With("subsystem", "api"),
	}
	s.routes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) routes() {
	r := s.router

	r.Use(chimw.RequestID)
	r.Use(chimw.RealIP)
	r.Use(middleware.Logger(s.logger))
	r.Use(middleware.Recover(s.logger))

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)

		r.Get("/dialplan", s.handleListContexts)
		r.Get("/dialplan/{context}", s.handleGetContext)
		r.Get("/hints", s.handleListHints)
		r.Get("/actions", s.handleListActions)

		r.Route("/channels", func(r chi.Router) {
			r.Get("/", s.handleListChannels)
			r.Group(func(r chi.Router) {
				r.Use(middleware.RequireAuth(s.secret, s.logger))
				r.Post("/", s.handleOriginate)
				r.Post("/{name}/goto", s.handleChannelGoto)
			})
		})
	})

	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "not found")
	})
}

type healthResponse struct {
	Status      string `json:"status"`
	ActiveCalls int    `json:"active_calls"`
	Contexts    int    `json:"contexts"`
	Hints       int    `json:"hints"`
	UptimeSec   int64  `json:"uptime_sec"`
}

// handleHealth returns basic health status.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:      "ok",
		ActiveCalls: s.engine.ActiveCalls(),
		Contexts:    len(s.dp.ContextNames()),
		Hints:       s.dp.Hints().Len(),
		UptimeSec:   int64(time.Since(s.startTime).Seconds()),
	})
}
