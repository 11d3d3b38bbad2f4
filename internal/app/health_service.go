package app

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/dokzlo13/dsbridge/internal/accessory"
	"github.com/dokzlo13/dsbridge/internal/config"
	"github.com/dokzlo13/dsbridge/internal/metrics"
)

// ReadinessFunc reports whether the daemon is ready, with a short reason
// when it is not.
type ReadinessFunc func() (bool, string)

// HealthService provides HTTP health, readiness and metrics endpoints.
type HealthService struct {
	cfg         *config.Config
	ready       ReadinessFunc
	accessories func() []accessory.Accessory
	server      *http.Server
}

// NewHealthService creates a new HealthService.
func NewHealthService(cfg *config.Config, ready ReadinessFunc, accessories func() []accessory.Accessory) *HealthService {
	return &HealthService{
		cfg:         cfg,
		ready:       ready,
		accessories: accessories,
	}
}

// Start begins the health check server if enabled.
func (s *HealthService) Start(ctx context.Context) {
	if !s.cfg.Healthcheck.Enabled {
		return
	}

	go s.run(ctx)
}

// Router builds the health check routes.
func (s *HealthService) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
	})

	r.Get("/ready", func(w http.ResponseWriter, r *http.Request) {
		if ok, reason := s.ready(); !ok {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "not ready", "reason": reason})
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
	})

	r.Get("/accessories", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, accessoryViews(s.accessories()))
	})

	r.Handle("/metrics", metrics.Handler())

	return r
}

func (s *HealthService) run(ctx context.Context) {
	addr := fmt.Sprintf("%s:%d", s.cfg.Healthcheck.Host, s.cfg.Healthcheck.Port)

	s.server = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	log.Info().Str("addr", addr).Msg("Starting health check server")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout.Duration())
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Msg("Health check server shutdown error")
		}
	}()

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.Error().Err(err).Msg("Health check server error")
	}
}

type accessoryView struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Kind  accessory.Kind  `json:"kind"`
	Known bool            `json:"known"`
	State accessory.State `json:"state"`
}

func accessoryViews(accessories []accessory.Accessory) []accessoryView {
	views := make([]accessoryView, 0, len(accessories))
	for _, acc := range accessories {
		state, known := acc.State()
		views = append(views, accessoryView{
			ID:    acc.DeviceID(),
			Name:  acc.Name(),
			Kind:  acc.Kind(),
			Known: known,
			State: state,
		})
	}
	return views
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v) //nolint:errcheck
}
