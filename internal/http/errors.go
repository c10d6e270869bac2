package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/example/ride-dispatch/internal/apperr"
)

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func statusFor(kind apperr.Kind) int {
	switch kind {
	case apperr.KindInvalid:
		return http.StatusBadRequest
	case apperr.KindUnauthorized:
		return http.StatusForbidden
	case apperr.KindNotFound:
		return http.StatusNotFound
	case apperr.KindConflict:
		return http.StatusConflict
	case apperr.KindTransient:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// writeError maps the error taxonomy onto HTTP. The wrapped cause is only
// exposed in debug mode.
func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	kind := apperr.KindOf(err)
	status := statusFor(kind)
	resp := errorResponse{Error: string(kind), Message: apperr.Reason(err)}
	if s.debug {
		if cause := errors.Unwrap(err); cause != nil {
			resp.Detail = cause.Error()
		} else if kind == apperr.KindInternal {
			resp.Detail = err.Error()
		}
	}
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed", "route", routeTemplate(r), "kind", kind, "err", err)
	}
	writeJSON(w, status, resp)
}

func (s *Server) writeUnauthenticated(w http.ResponseWriter, err error) {
	resp := errorResponse{Error: "unauthenticated", Message: "missing or invalid credential"}
	if s.debug {
		resp.Detail = err.Error()
	}
	writeJSON(w, http.StatusUnauthorized, resp)
}
