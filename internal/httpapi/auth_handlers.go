package httpapi

import (
	"net/http"
	"strings"

	"pantrykit.org/internal/audit"
	"pantrykit.org/internal/auth"
)

type registerRequest struct {
	Email       string `json:"email"`
	Password    string `json:"password"`
	DisplayName string `json:"display_name"`
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

type verifyEmailRequest struct {
	Token string `json:"token"`
}

type checkRequest struct {
	AccessToken string `json:"access_token"`
	Permission  string `json:"permission"`
	TenantID    string `json:"tenant_id"`
}

type meResponse struct {
	UserID        string            `json:"user_id"`
	Email         string            `json:"email"`
	DisplayName   string            `json:"display_name,omitempty"`
	Status        auth.UserStatus   `json:"status"`
	EmailVerified bool              `json:"email_verified"`
	TenantID      string            `json:"tenant_id,omitempty"`
	Permissions   []auth.Permission `json:"permissions"`
}

func (a *API) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	// tenant membership is granted through assignments, never at signup
	pair, err := a.svc.Register(r.Context(), auth.Profile{
		Email:       req.Email,
		Password:    req.Password,
		DisplayName: req.DisplayName,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	ctx := auth.ContextWithPrincipal(r.Context(), auth.Principal{UserID: pair.UserID})
	_ = audit.LogEvent(ctx, audit.EventRegister, nil)
	writeJSON(w, http.StatusCreated, pair)
}

func (a *API) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	pair, err := a.svc.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		_ = audit.LogEvent(r.Context(), audit.EventLogin, map[string]any{
			"outcome": "failure",
			"code":    auth.KindOf(err),
		})
		writeServiceError(w, r, err)
		return
	}
	ctx := auth.ContextWithPrincipal(r.Context(), auth.Principal{UserID: pair.UserID})
	_ = audit.LogEvent(ctx, audit.EventLogin, map[string]any{"outcome": "success"})
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	pair, err := a.svc.Refresh(r.Context(), req.RefreshToken)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, pair)
}

func (a *API) handleVerifyEmail(w http.ResponseWriter, r *http.Request) {
	var req verifyEmailRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	ok, err := a.svc.VerifyEmail(r.Context(), req.Token)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if ok {
		_ = audit.LogEvent(r.Context(), audit.EventEmailVerified, nil)
	}
	writeJSON(w, http.StatusOK, map[string]bool{"verified": ok})
}

func (a *API) handleLogout(w http.ResponseWriter, r *http.Request) {
	var req refreshRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	if err := a.svc.Logout(r.Context(), req.RefreshToken); err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventLogout, nil)
	w.WriteHeader(http.StatusNoContent)
}

// handleAuthzCheck answers a decision for the token in the body or, when the
// body carries none, for the caller's bearer token.
func (a *API) handleAuthzCheck(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if err := decodeJSON(w, r, &req); err != nil {
		badRequest(w, r, err)
		return
	}
	token := strings.TrimSpace(req.AccessToken)
	if token == "" {
		token, _ = extractBearerToken(r.Header.Get(authHeader))
	}
	tenant := strings.TrimSpace(req.TenantID)
	if tenant == "" {
		tenant = auth.TenantFromContext(r.Context())
	}
	perm := auth.Permission(strings.TrimSpace(req.Permission))
	if perm == "" {
		writeError(w, r, http.StatusBadRequest, auth.KindInvalidInput, "permission is required")
		return
	}

	verdict, err := a.svc.Authorize(r.Context(), token, perm, tenant)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	code := http.StatusOK
	switch verdict.Decision {
	case auth.Unauthorized:
		code = http.StatusUnauthorized
	case auth.Forbidden:
		code = http.StatusForbidden
	}
	writeJSON(w, code, verdict)
}

func (a *API) handleMe(w http.ResponseWriter, r *http.Request) {
	p, _ := auth.PrincipalFromContext(r.Context())
	user, err := a.svc.User(r.Context(), p.UserID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	resolved, err := a.svc.Principal(r.Context(), p.UserID, p.TenantID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, meResponse{
		UserID:        user.ID,
		Email:         user.Email,
		DisplayName:   user.DisplayName,
		Status:        user.Status,
		EmailVerified: user.EmailVerifiedAt != nil,
		TenantID:      p.TenantID,
		Permissions:   resolved.Permissions.Sorted(),
	})
}

func (a *API) handleRevokeAll(w http.ResponseWriter, r *http.Request) {
	userID, _ := auth.UserIDFromContext(r.Context())
	n, err := a.svc.RevokeAll(r.Context(), userID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	_ = audit.LogEvent(r.Context(), audit.EventRevokeAll, map[string]any{"revoked": n})
	writeJSON(w, http.StatusOK, map[string]int64{"revoked": n})
}
