package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/ethpandaops/badgeoor/pkg/api/store"
	"github.com/ethpandaops/badgeoor/pkg/badge"
	"github.com/go-chi/chi/v5"
)

// forwardedParams are forwarded by tool_redirect besides custom_*.
var forwardedParams = map[string]struct{}{
	"launch_presentation_return_url": {},
	"selection_directive":            {},
}

// writeJSON encodes v as JSON and writes it to w.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "encoding response", http.StatusInternalServerError)
	}
}

func badgeCheckPath(courseID, userID string) string {
	return "/badge_check/" + url.PathEscape(courseID) + "/" + url.PathEscape(userID)
}

func assertionPath(courseID, userID, nonce string) string {
	return "/badges/" + url.PathEscape(courseID) + "/" + url.PathEscape(userID) +
		"/" + url.PathEscape(nonce)
}

// handleIndex sends visitors to the static landing page.
func (s *server) handleIndex(w http.ResponseWriter, r *http.Request) {
	http.Redirect(w, r, "/index.html", http.StatusFound)
}

// handleAssertion serves the public Open Badges assertion. The nonce in
// the path is the only credential.
func (s *server) handleAssertion(w http.ResponseWriter, r *http.Request) {
	courseID := chi.URLParam(r, "courseID")
	userID := chi.URLParam(r, "userID")
	code := chi.URLParam(r, "code")

	b, err := s.store.GetBadgeByNonce(r.Context(), courseID, userID, code)
	if err != nil {
		if !errors.Is(err, store.ErrNotFound) {
			s.log.WithError(err).Error("Failed to look up badge")
		}

		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte("Not Found"))

		return
	}

	writeJSON(w, http.StatusOK, badge.NewAssertion(b, s.issuerFor(r)))
}

// handleToolRedirect forwards the custom launch parameters and the
// presentation parameters onto url.
func (s *server) handleToolRedirect(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return newError(kindValidation, "Invalid redirect request", err)
	}

	target := r.Form.Get("url")
	if target == "" {
		return newError(kindValidation, "Missing redirect url", nil)
	}

	u, err := url.Parse(target)
	if err != nil || (u.Scheme != "" && u.Scheme != "http" && u.Scheme != "https") {
		return newError(kindValidation, "Invalid redirect url", err)
	}

	http.Redirect(w, r, forwardURL(target, r.Form), http.StatusSeeOther)

	return nil
}

// forwardURL appends the forwardable entries of params to target in key
// order.
func forwardURL(target string, params url.Values) string {
	keys := make([]string, 0, len(params))

	for k := range params {
		_, ok := forwardedParams[k]
		if ok || strings.HasPrefix(k, "custom_") {
			keys = append(keys, k)
		}
	}

	if len(keys) == 0 {
		return target
	}

	sort.Strings(keys)

	args := make([]string, 0, len(keys))

	for _, k := range keys {
		for _, v := range params[k] {
			args = append(args, url.QueryEscape(k)+"="+url.QueryEscape(v))
		}
	}

	sep := "?"
	if strings.Contains(target, "?") {
		sep = "&"
	}

	return target + sep + strings.Join(args, "&")
}

// handleAsset serves any unmatched GET from the configured asset storage.
func (s *server) handleAsset(w http.ResponseWriter, r *http.Request) {
	if s.assets == nil || (r.Method != http.MethodGet && r.Method != http.MethodHead) {
		s.renderMessage(w, http.StatusNotFound, "Not Found")

		return
	}

	name := strings.TrimPrefix(r.URL.Path, "/")

	if err := s.assets.serveAsset(w, r, name); err != nil {
		s.log.WithField("asset", name).WithError(err).Debug("Asset not served")
		s.renderMessage(w, http.StatusNotFound, "Not Found")
	}
}
