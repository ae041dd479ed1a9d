package permissions

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

// Handler wires the admin permission endpoints. Every route here is
// admin-only.
type Handler struct {
	logger    *slog.Logger
	service   *Service
	validator *validator.Validate
	admin     func(http.Handler) http.Handler
}

// NewHandler constructs a Handler instance.
func NewHandler(logger *slog.Logger, service *Service, admin func(http.Handler) http.Handler) *Handler {
	return &Handler{
		logger:    logger,
		service:   service,
		validator: validator.New(),
		admin:     admin,
	}
}

// MountRoutes registers admin permission routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Use(h.admin)
	r.Get("/permission-groups", h.listGroups)
	r.Get("/users/{id}/permission-group", h.getUserGroup)
	r.Put("/users/{id}/permission-group", h.setUserGroup)
	r.Get("/permissions", h.listGrants)
	r.Post("/permissions", h.grant)
	r.Delete("/permissions", h.revoke)
}

type groupResponse struct {
	Key             GroupKey `json:"key"`
	DisplayName     string   `json:"display_name"`
	DefaultAppSlugs []string `json:"default_app_slugs"`
}

func (h *Handler) listGroups(w http.ResponseWriter, r *http.Request) {
	groups := h.service.Groups()
	out := make([]groupResponse, 0, len(groups))
	for _, g := range groups {
		out = append(out, groupResponse{Key: g.Key, DisplayName: g.DisplayName, DefaultAppSlugs: g.DefaultAppSlugs})
	}
	httpx.JSON(w, http.StatusOK, out)
}

func (h *Handler) getUserGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}
	group, err := h.service.UserGroup(r.Context(), userID)
	if err != nil {
		httpx.RespondError(w, err)
		return
	}
	httpx.JSON(w, http.StatusOK, groupResponse{Key: group.Key, DisplayName: group.DisplayName, DefaultAppSlugs: group.DefaultAppSlugs})
}

type setGroupRequest struct {
	Group string `json:"group" validate:"required"`
}

func (h *Handler) setUserGroup(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.userIDParam(w, r)
	if !ok {
		return
	}
	var req setGroupRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}
	actor := shared.IdentityFromContext(r.Context())
	if err := h.service.SetGroup(r.Context(), actor, userID, req.Group); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type grantResponse struct {
	UserID    int64      `json:"user_id"`
	AppID     int64      `json:"app_id"`
	GrantedBy *int64     `json:"granted_by"`
	GrantedAt time.Time  `json:"granted_at"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

func (h *Handler) listGrants(w http.ResponseWriter, r *http.Request) {
	userID, err := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	if err != nil || userID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "user_id query parameter is required")
		return
	}
	grants, err := h.service.DirectGrants(r.Context(), userID)
	if err != nil {
		h.logger.Error("list grants", slog.Int64("user_id", userID), slog.Any("error", err))
		httpx.RespondError(w, err)
		return
	}
	out := make([]grantResponse, 0, len(grants))
	for _, g := range grants {
		out = append(out, grantResponse{UserID: g.UserID, AppID: g.AppID, GrantedBy: g.GrantedBy, GrantedAt: g.GrantedAt, ExpiresAt: g.ExpiresAt})
	}
	httpx.JSON(w, http.StatusOK, out)
}

type grantRequest struct {
	UserID    int64      `json:"user_id" validate:"required,gt=0"`
	AppID     int64      `json:"app_id" validate:"required,gt=0"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (h *Handler) grant(w http.ResponseWriter, r *http.Request) {
	var req grantRequest
	if err := httpx.DecodeJSON(r, &req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "malformed request body")
		return
	}
	if err := h.validator.Struct(req); err != nil {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", err.Error())
		return
	}
	actor := shared.IdentityFromContext(r.Context())
	if err := h.service.Grant(r.Context(), actor, req.UserID, req.AppID, req.ExpiresAt); err != nil {
		httpx.RespondError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) revoke(w http.ResponseWriter, r *http.Request) {
	userID, err1 := strconv.ParseInt(r.URL.Query().Get("user_id"), 10, 64)
	appID, err2 := strconv.ParseInt(r.URL.Query().Get("app_id"), 10, 64)
	if err1 != nil || err2 != nil || userID <= 0 || appID <= 0 {
		httpx.Problem(w, http.StatusBadRequest, "Invalid Argument", "user_id and app_id query parameters are required")
		return
	}
	actor := shared.IdentityFromContext(r.Context())
	if err := h.service.Revoke(r.Context(), actor, userID, appID); err != nil {
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
