package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"github.com/gatehouse-io/gatehouse/internal/features"
	"github.com/gatehouse-io/gatehouse/internal/gate"
	"github.com/gatehouse-io/gatehouse/internal/observability"
	"github.com/gatehouse-io/gatehouse/internal/permissions"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger             *slog.Logger
	Config             *Config
	FeaturesHandler    *features.Handler
	PermissionsHandler *permissions.Handler
	GateHandler        *gate.Handler
	Metrics            *observability.Metrics
}

// NewRouter constructs the chi.Router with gatehouse defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	if params.FeaturesHandler != nil {
		r.Route("/features", params.FeaturesHandler.MountRoutes)
	}
	if params.PermissionsHandler != nil {
		r.Route("/admin", params.PermissionsHandler.MountRoutes)
	}
	if params.GateHandler != nil {
		r.Route("/user", params.GateHandler.MountRoutes)
	}
	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
