package policy

import (
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/meridian-suite/meridian/internal/shared"
)

// Middleware wires authorization checks into HTTP handlers. The principal is
// taken from the session established by the external auth layer.
type Middleware struct {
	Service *Service
	Logger  *slog.Logger
}

// RequireAccess ensures the current principal holds the model-access grant
// for the operation before the request proceeds.
func (m Middleware) RequireAccess(model string, op Operation) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			principalID, ok := m.CurrentPrincipalID(r)
			if !ok {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			allowed, err := m.Service.CheckModelAccess(r.Context(), principalID, model, op)
			if err != nil {
				if m.Logger != nil {
					m.Logger.Error("policy require access", slog.String("model", model), slog.Any("error", err))
				}
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
				return
			}
			if !allowed {
				http.Error(w, http.StatusText(http.StatusForbidden), http.StatusForbidden)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// CurrentPrincipalID extracts the authenticated principal from the request
// session.
func (m Middleware) CurrentPrincipalID(r *http.Request) (int64, bool) {
	sess := shared.SessionFromContext(r.Context())
	if sess == nil {
		return 0, false
	}
	raw := strings.TrimSpace(sess.User())
	if raw == "" {
		return 0, false
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		if m.Logger != nil {
			m.Logger.Error("policy parse principal id", slog.String("value", raw))
		}
		return 0, false
	}
	return id, true
}
