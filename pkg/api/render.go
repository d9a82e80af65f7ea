package api

import (
	"bytes"
	"embed"
	"html/template"
	"net/http"
	"strconv"

	"github.com/ethpandaops/badgeoor/pkg/badge"
)

const pageTitle = "Canvabadges"

//go:embed templates/*.html
var templateFS embed.FS

func parseTemplates() (*template.Template, error) {
	return template.ParseFS(templateFS, "templates/*.html")
}

// pageView is the data behind every HTML page.
type pageView struct {
	Title    string
	BarWidth int
	Heading  string
	Check    *checkView
	Settings *settingsView
}

// checkView is the progress section of the badge-check page.
type checkView struct {
	Image      string
	Earned     bool
	MinPercent string
	Score      string
	Style      string
	TickOffset int
	BarPercent int
	ClaimURL   string
}

// settingsView is the badge settings form shown to editors.
type settingsView struct {
	Action      string
	Image       string
	Name        string
	Description string
	MinPercent  string
}

func newCheckView(settings *badge.Settings, progress badge.Progress, claimURL string) *checkView {
	return &checkView{
		Image:      settings.BadgeURL,
		Earned:     progress.Earned,
		MinPercent: formatPercent(progress.MinPercent),
		Score:      formatPercent(progress.Score),
		Style:      progress.Style(),
		TickOffset: progress.TickOffset(),
		BarPercent: progress.BarPercent(),
		ClaimURL:   claimURL,
	}
}

func formatPercent(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}

// render writes the page with the given status. The page is rendered to
// a buffer first so a template failure never leaves a half-written body.
func (s *server) render(w http.ResponseWriter, status int, view *pageView) {
	view.Title = pageTitle
	view.BarWidth = badge.ProgressBarWidth

	var buf bytes.Buffer
	if err := s.templates.ExecuteTemplate(&buf, "page", view); err != nil {
		s.log.WithError(err).Error("Failed to render page")
		http.Error(w, "rendering page", http.StatusInternalServerError)

		return
	}

	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)

	if _, err := buf.WriteTo(w); err != nil {
		s.log.WithError(err).Debug("Failed to write page")
	}
}

// renderMessage renders a page carrying only a heading.
func (s *server) renderMessage(w http.ResponseWriter, status int, message string) {
	s.render(w, status, &pageView{Heading: message})
}

func (s *server) renderError(w http.ResponseWriter, err *appError) {
	s.renderMessage(w, err.kind.status(), err.message)
}
