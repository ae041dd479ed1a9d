package features

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/gatehouse-io/gatehouse/internal/platform/httpx"
	"github.com/gatehouse-io/gatehouse/internal/shared"
)

// Handler wires the feature flag HTTP endpoints.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	admin     func(http.Handler) http.Handler
}

// NewHandler constructs a Handler. The admin middleware guards the
// catalog and override management routes.
func NewHandler(logger *slog.Logger, service *Service, admin func(http.Handler) http.Handler) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
		admin:     admin,
	}
}

// MountRoutes registers feature routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Get("/", h.sessionFeatures)
	r.Get("/list", h.listForUser)
	r.Group(func(r chi.Router) {
		r.Use(h.admin)
		r.Get("/all", h.listAll)
		r.Get("/config/{key}", h.getConfig)
		r.Put("/config/{key}", h.updateConfig)
		r.Get("/user/{id}/overrides", h.listOverrides)
		r.Put("/user/{id}/overrides", h.putOverrides)
		r.Delete("/user/{id}/overrides", h.deleteOverrides)
	})
}

type sessionFeaturesResponse struct {
	Features map[Key]bool `json:"features"`
	User     *int64       `json:"user"`
}

func (h *Handler) sessionFeatures(w http.ResponseWriter, r *http.Request) {
	id := shared.IdentityFromContext(r.Context())
	resp := sessionFeaturesResponse{Features: h.service.FeatureMap(r.Context(), id)}
	if !id.Anonymous {
		resp.User = &id.UserID
	}
	httpx.JSON(w, http.StatusOK, resp)
}

type userFlagResponse struct {
	FeatureKey  Key    `json:"feature_key"`
	DisplayName string `json:"display_name"`
	Description string `json:"description"`
	IsEnabled   bool   `json:"is_enabled"`
}

func (h *Handler) listForUser(w http.ResponseWriter, r *http.Request) {
	id := shared.IdentityFromContext(r.Context())
	entries := h.service.UserCatalog(r.Context(), id)
	out := make([]userFlagResponse, 0, len(entries))
	for _, entry := range entries {
		out = append(out, userFlagResponse{
			FeatureKey:  entry.Flag.Key,
			DisplayName: entry.Flag.DisplayName,
			Description: entry.Flag.Description,
			IsEnabled:   entry.Enabled,
		})
	}
	httpx.JSON(w, http.StatusOK, out)
}

type flagResponse struct {
	FeatureKey        Key       `json:"feature_key"`
	DisplayName       string    `json:"display_name"`
	Description       string    `json:"description"`
	DefaultEnabled    bool      `json:"default_enabled"`
	RolloutPercentage int       `json:"rollout_percentage"`
	UpdatedAt         time.Time `json:"updated_at"`
}

func toFlagResponse(flag Flag) flagResponse {
	return flagResponse{
		FeatureKey:        flag.Key,
		DisplayName:       flag.DisplayName,
		Description:       flag.Description,
		DefaultEnabled:    flag.DefaultEnabled,
		RolloutPercentage: flag.RolloutPercentage,
		UpdatedAt:         flag.UpdatedAt,
	}
}

func (h *Handler) listAll(w http.ResponseWriter, r *http.Request) {
	flags, err := h.service.AllFlags(r.Context())
	if err != nil {
		h.logger.Error("list flags", slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]flagResponse, 0, len(flags))
	for _, flag := range flags {
		out = append(out, toFlagResponse(flag))
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getConfig(w http.ResponseWriter, r *http.Request) {
	flag, err := h.service.GetFlag(r.Context(), chi.URLParam(r, "key"))
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toFlagResponse(*flag))
}

type flagConfigRequest struct {
	DisplayName       *string `json:"display_name"`
	Description       *string `json:"description"`
	DefaultEnabled    *bool   `json:"default_enabled"`
	RolloutPercentage *int    `json:"rollout_percentage" validate:"omitempty,min=0,max=100"`
}

func (h *Handler) updateConfig(w http.ResponseWriter, r *http.Request) {
	var req flagConfigRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}
	actor := shared.IdentityFromContext(r.Context())
	flag, err := h.service.UpdateFlag(r.Context(), actor, chi.URLParam(r, "key"), FlagUpdate{
		DisplayName:       req.DisplayName,
		Description:       req.Description,
		DefaultEnabled:    req.DefaultEnabled,
		RolloutPercentage: req.RolloutPercentage,
	})
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, toFlagResponse(*flag))
}

type overrideResponse struct {
	FeatureKey Key       `json:"feature_key"`
	Enabled    bool      `json:"enabled"`
	SetAt      time.Time `json:"set_at"`
}

func (h *Handler) listOverrides(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}
	overrides, err := h.service.Overrides(r.Context(), userID)
	if err != nil {
		h.logger.Error("list overrides", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]overrideResponse, 0, len(overrides))
	for _, ov := range overrides {
		out = append(out, overrideResponse{FeatureKey: ov.Key, Enabled: ov.Enabled, SetAt: ov.SetAt})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) putOverrides(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}
	var values map[string]bool
	if err := httpx.DecodeJSON(r, &values); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "expected a feature_key to enabled map")
		return
	}
	if len(values) == 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "override map is empty")
		return
	}
	actor := shared.IdentityFromContext(r.Context())
	if err := h.service.BulkSetOverrides(r.Context(), actor, userID, values); err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"updated": len(values)})
}

func (h *Handler) deleteOverrides(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}
	actor := shared.IdentityFromContext(r.Context())
	if key := r.URL.Query().Get("key"); key != "" {
		if err := h.service.ClearOverride(r.Context(), actor, userID, key); err != nil {
			httpx.RespondError(w, err)
			return
		}
	} else if err := h.service.ClearAllOverrides(r.Context(), actor, userID); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) userIDParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	userID, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "user id must be a positive integer")
		return 0, false
	}
	return userID, true
}
