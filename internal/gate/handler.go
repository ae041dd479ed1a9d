package gate

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/gatehouse-io/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Handler serves the current-user access endpoints.
type Handler struct {
	logger *slog.Logger
	gate   *Gate
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, gate *Gate) *Handler {
	return &Handler{logger: logger, gate: gate}
}

// MountRoutes registers the current-user routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/permissions", h.userPermissions)
}

type appResponse struct {
	ID   int64  `json:"id"`
	Slug string `json:"slug"`
	Name string `json:"name"`
}

type effectivePermissionResponse struct {
	App       appResponse `json:"app"`
	GrantedAt *time.Time  `json:"granted_at,omitempty"`
	Source    string      `json:"source"`
}

func (h *Handler) userPermissions(w http.ResponseWriter, r *http.Request) {
	id := shared.IdentityFromContext(r.Context())
	perms, err := h.gate.EffectiveAccess(r.Context(), id, r.URL.Query().Get("app"))
	if err != nil {
		h.logger.Error("effective access", slog.Int64("user_id", id.UserID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]effectivePermissionResponse, 0, len(perms))
	for _, perm := range perms {
		out = append(out, effectivePermissionResponse{
			App:       appResponse{ID: perm.App.ID, Slug: perm.App.Slug, Name: perm.App.Name},
			GrantedAt: perm.GrantedAt,
			Source:    perm.Source,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}
