package gateway

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polisai/polis-aggregator/internal/governance"
	"github.com/polisai/polis-aggregator/pkg/config"
	"github.com/polisai/polis-aggregator/pkg/domain"
	"github.com/polisai/polis-aggregator/pkg/engine"
	"github.com/polisai/polis-aggregator/pkg/storage"
)

// ConfigRegistry is the registry surface managed by the admin API.
type ConfigRegistry interface {
	Put(ctx context.Context, doc *config.Document) (*engine.Pipeline, error)
	Delete(ids ...string) int
	Get(id string) (*engine.Pipeline, bool)
	List() []domain.ConfigMeta
	Len() int
	Generation() uint64
}

// Reloader triggers and reports full config resyncs.
type Reloader interface {
	Resync(ctx context.Context) error
	Status() (time.Time, error)
}

// BreakerReporter exposes circuit breaker state.
type BreakerReporter interface {
	Stats() []governance.BreakerStats
}

// AdminConfig wires the admin API. Only Registry is required.
type AdminConfig struct {
	Registry ConfigRegistry
	// Store persists accepted documents so they survive a resync.
	Store storage.ConfigStore
	// Publisher broadcasts accepted changes to peer instances.
	Publisher config.ChangePublisher
	Reloader  Reloader
	Breakers  BreakerReporter
	Metrics   prometheus.Gatherer
	Logger    *slog.Logger
}

type adminAPI struct {
	cfg    AdminConfig
	logger *slog.Logger
}

type healthResponse struct {
	Status     string `json:"status"`
	Configs    int    `json:"configs"`
	Generation uint64 `json:"generation"`
	LastSync   string `json:"lastSync,omitempty"`
	SyncError  string `json:"syncError,omitempty"`
}

// NewAdminRouter builds the admin API:
//
//	GET    /healthz
//	GET    /configs
//	GET    /configs/{id}
//	PUT    /configs         body: one aggregation document (YAML or JSON)
//	DELETE /configs/{id}
//	POST   /reload
//	GET    /breakers
//	GET    /metrics
func NewAdminRouter(cfg AdminConfig) (http.Handler, error) {
	if cfg.Registry == nil {
		return nil, errors.New("admin: registry is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	api := &adminAPI{cfg: cfg, logger: logger}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(AccessLog(logger))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", api.health)
	r.Route("/configs", func(r chi.Router) {
		r.Get("/", api.listConfigs)
		r.Put("/", api.putConfig)
		r.Get("/{id}", api.getConfig)
		r.Delete("/{id}", api.deleteConfig)
	})
	r.Post("/reload", api.reload)
	r.Get("/breakers", api.breakers)
	if cfg.Metrics != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}
	return r, nil
}

func (a *adminAPI) health(w http.ResponseWriter, _ *http.Request) {
	resp := healthResponse{
		Status:     "ok",
		Configs:    a.cfg.Registry.Len(),
		Generation: a.cfg.Registry.Generation(),
	}
	if a.cfg.Reloader != nil {
		at, err := a.cfg.Reloader.Status()
		if !at.IsZero() {
			resp.LastSync = at.UTC().Format(time.RFC3339)
		}
		if err != nil {
			resp.Status = "degraded"
			resp.SyncError = err.Error()
		}
	}
	writeJSON(w, a.logger, http.StatusOK, resp)
}

func (a *adminAPI) listConfigs(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, a.logger, http.StatusOK, a.cfg.Registry.List())
}

func (a *adminAPI) getConfig(w http.ResponseWriter, r *http.Request) {
	p, ok := a.cfg.Registry.Get(chi.URLParam(r, "id"))
	if !ok {
		writeError(r.Context(), w, a.logger, domain.ErrPipelineNotFound)
		return
	}
	writeJSON(w, a.logger, http.StatusOK, p.Meta())
}

func (a *adminAPI) putConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	data, err := io.ReadAll(io.LimitReader(r.Body, defaultMaxBodyBytes))
	if err != nil {
		writeError(ctx, w, a.logger, fmt.Errorf("%w: read body: %v", domain.ErrConfigInvalid, err))
		return
	}
	doc, err := config.ParseDocument(data)
	if err != nil {
		writeError(ctx, w, a.logger, err)
		return
	}
	p, err := a.cfg.Registry.Put(ctx, doc)
	if err != nil {
		writeError(ctx, w, a.logger, err)
		return
	}

	if a.cfg.Store != nil {
		rec := storage.Record{Key: p.Key(), ID: p.Meta().ID, Document: data}
		if err := a.cfg.Store.Put(ctx, rec); err != nil {
			a.logger.Error("failed to persist config", "config_id", rec.ID, "resource_key", rec.Key.String(), "error", err)
			writeError(ctx, w, a.logger, err)
			return
		}
	}
	if a.cfg.Publisher != nil {
		if err := a.cfg.Publisher.Publish(ctx, config.ChangeEvent{Type: config.ChangePut, Documents: []string{string(data)}}); err != nil {
			a.logger.Warn("failed to publish config change", "config_id", p.Meta().ID, "error", err)
		}
	}
	writeJSON(w, a.logger, http.StatusOK, p.Meta())
}

func (a *adminAPI) deleteConfig(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := chi.URLParam(r, "id")

	removed := a.cfg.Registry.Delete(id)
	if a.cfg.Store != nil {
		n, err := a.cfg.Store.Delete(ctx, id)
		if err != nil {
			a.logger.Error("failed to delete stored config", "config_id", id, "error", err)
			writeError(ctx, w, a.logger, err)
			return
		}
		removed = max(removed, n)
	}
	if removed == 0 {
		writeError(ctx, w, a.logger, domain.ErrPipelineNotFound)
		return
	}
	if a.cfg.Publisher != nil {
		if err := a.cfg.Publisher.Publish(ctx, config.ChangeEvent{Type: config.ChangeDelete, IDs: []string{id}}); err != nil {
			a.logger.Warn("failed to publish config change", "config_id", id, "error", err)
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *adminAPI) reload(w http.ResponseWriter, r *http.Request) {
	if a.cfg.Reloader == nil {
		writeJSON(w, a.logger, http.StatusNotImplemented, domain.ErrorResponse{
			Code:    "RELOAD_UNAVAILABLE",
			Message: "no config source configured",
			TraceID: traceIDFrom(r.Context()),
		})
		return
	}
	if err := a.cfg.Reloader.Resync(r.Context()); err != nil {
		writeError(r.Context(), w, a.logger, err)
		return
	}
	writeJSON(w, a.logger, http.StatusOK, map[string]any{
		"configs":    a.cfg.Registry.Len(),
		"generation": a.cfg.Registry.Generation(),
	})
}

func (a *adminAPI) breakers(w http.ResponseWriter, _ *http.Request) {
	stats := []governance.BreakerStats{}
	if a.cfg.Breakers != nil {
		stats = a.cfg.Breakers.Stats()
	}
	writeJSON(w, a.logger, http.StatusOK, stats)
}
