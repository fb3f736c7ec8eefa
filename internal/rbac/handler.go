package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"golang.org/x/sync/errgroup"

	"github.com/odyssey-erp/odyssey-rbac/internal/platform/httpx"
	"github.com/odyssey-erp/odyssey-rbac/internal/shared"
)

// Handler exposes the catalog, grants and assignments as a JSON admin API.
type Handler struct {
	logger  *slog.Logger
	manager *Manager
	engine  *Engine
	rbac    Middleware
}

// NewHandler builds Handler instance.
func NewHandler(logger *slog.Logger, manager *Manager, engine *Engine, rbac Middleware) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, manager: manager, engine: engine, rbac: rbac}
}

// MountRoutes registers RBAC routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.Authenticated())
		r.Get("/me/permissions", h.myPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePermission(PermPermissionsView))
		r.Get("/permissions", h.listPermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePermission(PermPermissionsManage))
		r.Post("/permissions", h.createPermission)
		r.Patch("/permissions/{id}", h.updatePermission)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePermission(PermRolesView))
		r.Get("/roles", h.listRoles)
		r.Get("/roles/{id}", h.getRole)
		r.Get("/roles/{id}/permissions", h.listRolePermissions)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequirePermission(PermRolesManage))
		r.Post("/roles", h.createRole)
		r.Put("/roles/{id}", h.updateRole)
		r.Delete("/roles/{id}", h.deleteRole)
		r.Put("/roles/{id}/permissions", h.setRolePermissions)
		r.Post("/actors/{actorID}/roles", h.assignRole)
		r.Delete("/actors/{actorID}/roles/{roleID}", h.revokeRole)
	})
	r.Group(func(r chi.Router) {
		r.Use(h.rbac.RequireAny(PermUsersView, PermRolesView))
		r.Get("/actors/{actorID}", h.actorAccess)
		r.Get("/actors/{actorID}/assignments", h.listAssignments)
	})
}

type permissionPatch struct {
	IsActive *bool `json:"is_active"`
}

type rolePermissionsBody struct {
	PermissionIDs []int64 `json:"permission_ids"`
}

type assignBody struct {
	RoleID    int64      `json:"role_id"`
	ExpiresAt *time.Time `json:"expires_at"`
}

// ActorAccess is the materialised view of what an actor may do.
type ActorAccess struct {
	ActorID      int64            `json:"actor_id"`
	IsSuperAdmin bool             `json:"is_super_admin"`
	Roles        []RoleAssignment `json:"roles"`
	Permissions  []Permission     `json:"permissions"`
}

func (h *Handler) myPermissions(w http.ResponseWriter, r *http.Request) {
	access, err := h.loadAccess(r.Context(), shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, access)
}

func (h *Handler) actorAccess(w http.ResponseWriter, r *http.Request) {
	actorID, err := pathID(r, "actorID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	access, err := h.loadAccess(r.Context(), actorID)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, access)
}

func (h *Handler) loadAccess(ctx context.Context, actorID int64) (ActorAccess, error) {
	access := ActorAccess{ActorID: actorID}
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		roles, err := h.engine.GetUserRoles(ctx, actorID)
		access.Roles = roles
		return err
	})
	g.Go(func() error {
		perms, err := h.engine.GetUserPermissions(ctx, actorID)
		access.Permissions = perms
		return err
	})
	if err := g.Wait(); err != nil {
		return ActorAccess{}, err
	}
	for _, ra := range access.Roles {
		if ra.Role.Name == RoleSuperAdmin {
			access.IsSuperAdmin = true
			break
		}
	}
	return access, nil
}

func (h *Handler) listAssignments(w http.ResponseWriter, r *http.Request) {
	actorID, err := pathID(r, "actorID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	includeRevoked, _ := strconv.ParseBool(r.URL.Query().Get("include_revoked"))
	out, err := h.manager.ListAssignments(r.Context(), actorID, includeRevoked)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"assignments": out})
}

func (h *Handler) listPermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.manager.ListPermissions(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var in CreatePermissionInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	perm, err := h.manager.CreatePermission(r.Context(), in, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, perm)
}

func (h *Handler) updatePermission(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body permissionPatch
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if body.IsActive == nil {
		h.fail(w, r, fmt.Errorf("%w: is_active required", ErrValidation))
		return
	}
	perm, err := h.manager.SetPermissionActive(r.Context(), id, *body.IsActive, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, perm)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.manager.ListRoles(r.Context())
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	role, err := h.manager.GetRole(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var in CreateRoleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.manager.CreateRole(r.Context(), in, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, role)
}

func (h *Handler) updateRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var in UpdateRoleInput
	if err := httpx.DecodeJSON(r, &in); err != nil {
		httpx.RespondError(w, err)
		return
	}
	role, err := h.manager.UpdateRole(r.Context(), id, in, shared.ActorFromContext(r.Context()))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, role)
}

func (h *Handler) deleteRole(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.manager.DeleteRole(r.Context(), id, shared.ActorFromContext(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) listRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	perms, err := h.manager.ListRolePermissions(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) setRolePermissions(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body rolePermissionsBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	if err := h.manager.SetRolePermissions(r.Context(), id, body.PermissionIDs, shared.ActorFromContext(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	perms, err := h.manager.ListRolePermissions(r.Context(), id)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusOK, map[string]any{"permissions": perms})
}

func (h *Handler) assignRole(w http.ResponseWriter, r *http.Request) {
	actorID, err := pathID(r, "actorID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	var body assignBody
	if err := httpx.DecodeJSON(r, &body); err != nil {
		httpx.RespondError(w, err)
		return
	}
	in := AssignRoleInput{ActorID: actorID, RoleID: body.RoleID, ExpiresAt: body.ExpiresAt}
	if by := shared.ActorFromContext(r.Context()); by > 0 {
		in.AssignedBy = &by
	}
	assignment, err := h.manager.AssignRole(r.Context(), in)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	httpx.JSON(w, http.StatusCreated, assignment)
}

func (h *Handler) revokeRole(w http.ResponseWriter, r *http.Request) {
	actorID, err := pathID(r, "actorID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	roleID, err := pathID(r, "roleID")
	if err != nil {
		h.fail(w, r, err)
		return
	}
	if err := h.manager.RevokeRole(r.Context(), actorID, roleID, shared.ActorFromContext(r.Context())); err != nil {
		h.fail(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) fail(w http.ResponseWriter, r *http.Request, err error) {
	h.logger.Warn("rbac request failed", slog.String("path", r.URL.Path), slog.Any("error", err))
	writeError(w, err)
}

func pathID(r *http.Request, key string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, key), 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("%w: invalid %s", ErrValidation, key)
	}
	return id, nil
}
