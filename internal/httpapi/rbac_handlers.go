package httpapi

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"pantrykit.org/internal/audit"
	"pantrykit.org/internal/auth"
)

type createRoleRequest struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description"`
	ParentID    string   `json:"parent_id"`
	Permissions []string `json:"permissions"`
	Priority    int      `json:"priority"`
}

type updateRoleRequest struct {
	Name        *string   `json:"name"`
	Description *string   `json:"description"`
	ParentID    *string   `json:"parent_id"`
	Permissions *[]string `json:"permissions"`
	Priority    *int      `json:"priority"`
}

type createAssignmentRequest struct {
	UserID    string     `json:"user_id"`
	RoleID    string     `json:"role_id"`
	ExpiresAt *time.Time `json:"expires_at"`
}

func (a *API) handleListRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := a.svc.Roles().ListRoles(r.Context(), auth.TenantFromContext(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if roles == nil {
		roles = []*auth.Role{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"roles": roles})
}

func (a *API) handleCreateRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	perms, err := auth.ParsePermissions(req.Permissions)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	role := &auth.Role{
		ID:          strings.TrimSpace(req.ID),
		TenantID:    auth.TenantFromContext(r.Context()),
		Name:        req.Name,
		Description: strings.TrimSpace(req.Description),
		ParentID:    strings.TrimSpace(req.ParentID),
		Permissions: perms,
		Priority:    req.Priority,
	}
	if err := a.svc.Roles().CreateRole(r.Context(), role); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRoleCreated, map[string]any{
		"role_id":   role.ID,
		"parent_id": role.ParentID,
	})
	writeJSON(w, http.StatusCreated, role)
}

func (a *API) handleUpdateRole(w http.ResponseWriter, r *http.Request) {
	var req updateRoleRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	upd := auth.RoleUpdate{
		Name:        req.Name,
		Description: req.Description,
		ParentID:    req.ParentID,
		Priority:    req.Priority,
	}
	if req.Permissions != nil {
		perms, err := auth.ParsePermissions(*req.Permissions)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if perms == nil {
			perms = []auth.Permission{}
		}
		upd.Permissions = perms
	}
	roleID := mux.Vars(r)["role"]
	role, err := a.svc.Roles().UpdateRole(r.Context(), auth.TenantFromContext(r.Context()), roleID, upd)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRoleUpdated, map[string]any{
		"role_id":   role.ID,
		"parent_id": role.ParentID,
	})
	writeJSON(w, http.StatusOK, role)
}

func (a *API) handleCreateAssignment(w http.ResponseWriter, r *http.Request) {
	var req createAssignmentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	actor, _ := auth.UserIDFromContext(r.Context())
	asg, err := a.svc.AssignRole(r.Context(), auth.RoleAssignment{
		UserID:     req.UserID,
		RoleID:     req.RoleID,
		TenantID:   auth.TenantFromContext(r.Context()),
		AssignedBy: actor,
		ExpiresAt:  req.ExpiresAt,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventAssignmentCreated, map[string]any{
		"assignment_id": asg.ID,
		"subject_id":    asg.UserID,
		"role_id":       asg.RoleID,
	})
	writeJSON(w, http.StatusCreated, asg)
}

func (a *API) handleRevokeAssignment(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["assignment"]
	if err := a.svc.RevokeAssignment(r.Context(), auth.TenantFromContext(r.Context()), id); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventAssignmentRevoked, map[string]any{"assignment_id": id})
	w.WriteHeader(http.StatusNoContent)
}
