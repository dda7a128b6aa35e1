package httpapi

import (
	"errors"
	"net/http"

	"pantrykit.org/internal/audit"
	"pantrykit.org/internal/auth"
	"pantrykit.org/internal/obs"
)

type errorBody struct {
	Error     errorDetail `json:"error"`
	RequestID string      `json:"request_id,omitempty"`
}

type errorDetail struct {
	Code    auth.Kind `json:"code"`
	Message string    `json:"message"`
}

var kindStatus = map[auth.Kind]int{
	auth.KindInvalidCredentials:    http.StatusUnauthorized,
	auth.KindAccountLocked:         http.StatusLocked,
	auth.KindEmailTaken:            http.StatusConflict,
	auth.KindTokenInvalid:          http.StatusUnauthorized,
	auth.KindUnauthorized:          http.StatusUnauthorized,
	auth.KindForbidden:             http.StatusForbidden,
	auth.KindDependencyUnavailable: http.StatusServiceUnavailable,
	auth.KindInvalidInput:          http.StatusBadRequest,
	auth.KindNotFound:              http.StatusNotFound,
	auth.KindConflict:              http.StatusConflict,
	auth.KindInternal:              http.StatusInternalServerError,
}

var kindMessage = map[auth.Kind]string{
	auth.KindInvalidCredentials:    "invalid email or password",
	auth.KindAccountLocked:         "account temporarily locked",
	auth.KindEmailTaken:            "email already registered",
	auth.KindTokenInvalid:          "token is invalid or expired",
	auth.KindUnauthorized:          "authentication required",
	auth.KindForbidden:             "permission denied",
	auth.KindDependencyUnavailable: "service temporarily unavailable",
	auth.KindInvalidInput:          "invalid input",
	auth.KindNotFound:              "resource not found",
	auth.KindConflict:              "resource conflict",
	auth.KindInternal:              "internal error",
}

func writeError(w http.ResponseWriter, r *http.Request, code int, kind auth.Kind, msg string) {
	if code == http.StatusUnauthorized {
		w.Header().Set("WWW-Authenticate", `Bearer realm="pantrykit"`)
	}
	writeJSON(w, code, errorBody{
		Error:     errorDetail{Code: kind, Message: msg},
		RequestID: RequestIDFromContext(r.Context()),
	})
}

// writeServiceError maps a core error onto its status and stable code.
// Only validation messages are echoed; everything else gets a generic text.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	kind := auth.KindOf(err)
	code, ok := kindStatus[kind]
	if !ok {
		kind, code = auth.KindInternal, http.StatusInternalServerError
	}
	msg := kindMessage[kind]
	switch kind {
	case auth.KindInvalidInput:
		if public, ok := auth.PublicMessage(err); ok {
			msg = public
		} else {
			obs.Component("http").WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Debug("store rejected input")
		}
	case auth.KindDependencyUnavailable:
		w.Header().Set("Retry-After", "1")
		obs.Component("http").WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Warn("dependency unavailable")
	case auth.KindInternal:
		obs.Component("http").WithError(err).WithField("request_id", RequestIDFromContext(r.Context())).Error("unhandled error")
	}
	writeError(w, r, code, kind, msg)
}

func badRequest(w http.ResponseWriter, r *http.Request, err error) {
	var tooLarge *http.MaxBytesError
	if errors.As(err, &tooLarge) {
		writeError(w, r, http.StatusRequestEntityTooLarge, auth.KindInvalidInput, "request body too large")
		return
	}
	writeError(w, r, http.StatusBadRequest, auth.KindInvalidInput, err.Error())
}

// RequestIDFromContext returns the id assigned by the RequestID middleware.
var RequestIDFromContext = audit.RequestIDFromContext
