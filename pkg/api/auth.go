package api

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strings"

	"github.com/ethpandaops/badgeoor/pkg/api/store"
	"github.com/ethpandaops/badgeoor/pkg/badge"
)

const (
	sessionTokenBytes = 32
	oauthStateBytes   = 16
)

// generateToken returns n random bytes, hex encoded.
func generateToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating random bytes: %w", err)
	}

	return hex.EncodeToString(b), nil
}

// generateSessionToken creates a cryptographically random session token.
func generateSessionToken() (string, error) {
	return generateToken(sessionTokenBytes)
}

// generateOAuthState creates the state parameter bound to a session
// during the Canvas authorization redirect.
func generateOAuthState() (string, error) {
	return generateToken(oauthStateBytes)
}

// setSessionCookie attaches session to the response. Secure cookies are
// sent with SameSite=None so they survive the cross-site launch iframe.
func (s *server) setSessionCookie(w http.ResponseWriter, session *store.Session) {
	cookie := &http.Cookie{
		Name:     s.cfg.Session.CookieName,
		Value:    session.Token,
		Path:     "/",
		Expires:  session.ExpiresAt,
		HttpOnly: true,
		Secure:   s.cfg.Session.SecureCookies,
		SameSite: http.SameSiteLaxMode,
	}

	if cookie.Secure {
		cookie.SameSite = http.SameSiteNoneMode
	}

	http.SetCookie(w, cookie)
}

// newSession persists a session for a verified launch and sets its cookie.
func (s *server) newSession(
	w http.ResponseWriter,
	r *http.Request,
	session *store.Session,
) error {
	token, err := generateSessionToken()
	if err != nil {
		return err
	}

	now := s.now().UTC()

	session.Token = token
	session.ExpiresAt = now.Add(s.cfg.SessionTTL())
	session.LastActiveAt = &now

	if err := s.store.CreateSession(r.Context(), session); err != nil {
		return fmt.Errorf("creating session: %w", err)
	}

	s.setSessionCookie(w, session)

	return nil
}

// baseURL is the externally visible scheme and host of the server.
func (s *server) baseURL(r *http.Request) string {
	if s.cfg.Server.PublicURL != "" {
		return strings.TrimRight(s.cfg.Server.PublicURL, "/")
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}

	return scheme + "://" + r.Host
}

// requestURL is the absolute URL of r as the client addressed it, used
// as the signed launch URL.
func (s *server) requestURL(r *http.Request) string {
	return s.baseURL(r) + r.URL.RequestURI()
}

func (s *server) oauthRedirectURI(r *http.Request) string {
	return s.baseURL(r) + "/oauth_success"
}

// issuerFor returns the issuer block of assertions, taking the origin from
// the request when none is configured.
func (s *server) issuerFor(r *http.Request) badge.Issuer {
	issuer := s.issuer
	if issuer.Origin == "" {
		issuer.Origin = s.baseURL(r)
	}

	return issuer
}
