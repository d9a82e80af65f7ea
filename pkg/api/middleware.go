package api

import (
	"context"
	"net/http"
	"time"

	"github.com/ethpandaops/badgeoor/pkg/api/store"
)

type contextKey string

const sessionContextKey contextKey = "session"

// sessionTouchInterval throttles LastActiveAt updates.
const sessionTouchInterval = 5 * time.Minute

// requestLogger logs incoming HTTP requests.
func (s *server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)

		s.log.WithField("method", r.Method).
			WithField("path", r.URL.Path).
			WithField("remote", r.RemoteAddr).
			WithField("duration", time.Since(start)).
			Debug("Request handled")
	})
}

// loadSession resolves the session cookie, if any, and injects the
// session into the request context. Requests without a valid session
// pass through untouched; handlers decide whether one is required.
func (s *server) loadSession(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(s.cfg.Session.CookieName)
		if err != nil || cookie.Value == "" {
			next.ServeHTTP(w, r)

			return
		}

		session, err := s.store.GetSessionByToken(r.Context(), cookie.Value)
		if err != nil {
			next.ServeHTTP(w, r)

			return
		}

		now := s.now().UTC()

		if now.After(session.ExpiresAt) {
			if err := s.store.DeleteSession(r.Context(), cookie.Value); err != nil {
				s.log.WithError(err).Warn("Failed to delete expired session")
			}

			next.ServeHTTP(w, r)

			return
		}

		if session.LastActiveAt == nil ||
			now.Sub(*session.LastActiveAt) > sessionTouchInterval {
			if err := s.store.UpdateSessionLastActive(
				r.Context(), session.ID, now,
			); err != nil {
				s.log.WithError(err).
					Warn("Failed to update session last active")
			}
		}

		ctx := context.WithValue(r.Context(), sessionContextKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// sessionFromContext extracts the launch session from the request context.
func sessionFromContext(ctx context.Context) *store.Session {
	session, _ := ctx.Value(sessionContextKey).(*store.Session)

	return session
}

// requireSession returns the request's session or a session error.
func requireSession(r *http.Request) (*store.Session, error) {
	session := sessionFromContext(r.Context())
	if session == nil {
		return nil, newError(kindSession, "Invalid user session", nil)
	}

	return session, nil
}
