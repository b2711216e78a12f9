package keeper

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"rescuekeeper/services/keeper/history"
)

const recentHistoryLimit = 20

// RecentHistory lists the latest recorded attempts.
type RecentHistory interface {
	Recent(ctx context.Context, limit int) ([]history.Record, error)
}

// AdminDeps wires the admin API. Auth guards /status, /pause and /resume;
// when nil those routes are not mounted.
type AdminDeps struct {
	Orchestrator *Orchestrator
	Runner       *Runner
	History      RecentHistory
	Auth         *Authenticator
	Metrics      http.Handler
	Logger       *slog.Logger
}

// AdminServer exposes HTTP endpoints for operator controls.
type AdminServer struct {
	deps   AdminDeps
	router http.Handler
}

// Status is the payload served by /status.
type Status struct {
	Paused    bool             `json:"paused"`
	Users     []statusUser     `json:"users"`
	Runner    Stats            `json:"runner"`
	LastCycle *CycleResult     `json:"last_cycle,omitempty"`
	Recent    []history.Record `json:"recent,omitempty"`
}

type statusUser struct {
	Address string `json:"address"`
	Name    string `json:"name,omitempty"`
}

// NewAdminServer constructs the admin router.
func NewAdminServer(deps AdminDeps) *AdminServer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = promhttp.Handler()
	}
	s := &AdminServer{deps: deps}
	s.router = otelhttp.NewHandler(s.buildRouter(), "keeper.admin")
	return s
}

// ServeHTTP implements http.Handler.
func (s *AdminServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *AdminServer) buildRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	r.Method(http.MethodGet, "/metrics", s.deps.Metrics)

	if s.deps.Auth != nil && s.deps.Orchestrator != nil {
		r.Group(func(protected chi.Router) {
			protected.Use(s.deps.Auth.Middleware)
			protected.Get("/status", s.handleStatus)
			protected.Post("/pause", s.handlePause)
			protected.Post("/resume", s.handleResume)
		})
	}
	return r
}

func (s *AdminServer) handlePause(w http.ResponseWriter, r *http.Request) {
	s.deps.Orchestrator.Pause()
	s.deps.Logger.Warn("pause requested via admin api", slog.String("request_id", chimw.GetReqID(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleResume(w http.ResponseWriter, r *http.Request) {
	s.deps.Orchestrator.Resume()
	s.deps.Logger.Info("resume requested via admin api", slog.String("request_id", chimw.GetReqID(r.Context())))
	w.WriteHeader(http.StatusNoContent)
}

func (s *AdminServer) handleStatus(w http.ResponseWriter, r *http.Request) {
	status := Status{Paused: s.deps.Orchestrator.Paused()}
	for _, u := range s.deps.Orchestrator.Users() {
		status.Users = append(status.Users, statusUser{Address: u.Address.Hex(), Name: u.Name})
	}
	if s.deps.Runner != nil {
		status.Runner = s.deps.Runner.Snapshot()
	}
	if last, ok := s.deps.Orchestrator.LastCycle(); ok {
		status.LastCycle = &last
	}
	if s.deps.History != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		recent, err := s.deps.History.Recent(ctx, recentHistoryLimit)
		cancel()
		if err != nil {
			s.deps.Logger.Warn("history read failed", slog.String("error", err.Error()))
		} else {
			status.Recent = recent
		}
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(status)
}
