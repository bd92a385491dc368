package auth

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
)

type contextKey string

const sessionIDKey contextKey = "sessionID"

// RequireSession admits a request only if it carries a valid token for the
// session named by the {id} route parameter. The token is read from the
// Authorization header or, for websocket upgrades where browsers cannot set
// headers, from the token query parameter.
func RequireSession(tokens *TokenService) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			raw := extractToken(r)
			if raw == "" {
				deny(w, http.StatusUnauthorized, "unauthorized", "a session token is required")
				return
			}
			sessionID, err := tokens.Validate(raw)
			if err != nil {
				deny(w, http.StatusUnauthorized, "unauthorized", "session token is invalid or expired")
				return
			}
			if id := chi.URLParam(r, "id"); id != "" && id != sessionID {
				deny(w, http.StatusForbidden, "forbidden", "token was issued for another session")
				return
			}

			ctx := context.WithValue(r.Context(), sessionIDKey, sessionID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// SessionIDFromContext returns the session the request was authorized for.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok && id != ""
}

func extractToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, ok := strings.Cut(h, " ")
		if ok && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	return r.URL.Query().Get("token")
}

func deny(w http.ResponseWriter, status int, kind, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": kind, "message": message})
}
