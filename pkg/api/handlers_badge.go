package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/ethpandaops/badgeoor/pkg/api/store"
	"github.com/ethpandaops/badgeoor/pkg/badge"
	"github.com/ethpandaops/badgeoor/pkg/canvas"
	"github.com/go-chi/chi/v5"
)

const missingEmailHeading = "Canvas did not share your email address, so this badge cannot be issued"

// authorizePath checks that the session was opened for the course and
// user named in the path.
func authorizePath(r *http.Request) (*store.Session, error) {
	courseID := chi.URLParam(r, "courseID")
	userID := chi.URLParam(r, "userID")

	session := sessionFromContext(r.Context())
	if session == nil || session.CourseID != courseID || session.UserID != userID {
		return nil, newError(kindAuthorization, "Invalid tool load", nil)
	}

	return session, nil
}

// loadSettings returns the course's badge settings, zero when the course
// has none yet.
func (s *server) loadSettings(r *http.Request, courseID string) (*badge.Settings, error) {
	courseCfg, err := s.store.GetCourseConfig(r.Context(), courseID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return &badge.Settings{}, nil
		}

		return nil, fmt.Errorf("loading course config: %w", err)
	}

	settings, err := badge.ParseSettings(courseCfg.Settings)
	if err != nil {
		return nil, fmt.Errorf("course %s: %w", courseID, err)
	}

	return settings, nil
}

func (s *server) newSettingsView(session *store.Session, settings *badge.Settings) *settingsView {
	view := &settingsView{
		Action:      badgeCheckPath(session.CourseID, session.UserID) + "/settings",
		Image:       s.cfg.Badge.DefaultImage,
		Name:        settings.Name,
		Description: settings.Description,
	}

	if settings.MinPercent != nil {
		view.MinPercent = formatPercent(*settings.MinPercent)
	}

	return view
}

// handleBadgeCheck compares the student's score with the course threshold,
// issues the badge the first time it is met and renders the result.
func (s *server) handleBadgeCheck(w http.ResponseWriter, r *http.Request) error {
	session, err := authorizePath(r)
	if err != nil {
		return err
	}

	ctx := r.Context()
	courseID, userID := session.CourseID, session.UserID

	userCfg, err := s.store.GetUserConfig(ctx, userID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(kindSession, "Invalid user session", err)
		}

		return fmt.Errorf("loading user config: %w", err)
	}

	settings, err := s.loadSettings(r, courseID)
	if err != nil {
		return err
	}

	view := &pageView{}
	if session.EditPrivileges {
		view.Settings = s.newSettingsView(session, settings)
	}

	if !settings.Configured() {
		if !session.EditPrivileges {
			view.Heading = "Your teacher hasn't set up this badge yet"
		}

		s.render(w, http.StatusOK, view)

		return nil
	}

	enrollments, err := s.canvas.CourseEnrollments(ctx, userCfg.Host, userCfg.AccessToken, courseID)
	if err != nil {
		return newError(kindUpstream, "Error retrieving course scores", err)
	}

	student, ok := canvas.FindStudent(enrollments, userID)
	if !ok {
		view.Heading = "You are not a student in this course"
		s.render(w, http.StatusOK, view)

		return nil
	}

	progress := badge.Progress{
		Score:      student.Score(),
		MinPercent: settings.Threshold(),
	}

	issued, err := s.store.GetBadge(ctx, courseID, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return fmt.Errorf("loading badge: %w", err)
	}

	if issued == nil && progress.Qualifies() {
		// The recipient is the hashed email, so none can be issued without it.
		if session.Email == "" {
			view.Heading = missingEmailHeading
		} else {
			issued, err = s.issueBadge(r, session, settings)
			if err != nil {
				return err
			}
		}
	}

	var claimURL string

	if issued != nil {
		progress.Earned = true
		claimURL = s.baseURL(r) + assertionPath(courseID, userID, issued.Nonce)
	}

	view.Check = newCheckView(settings, progress, claimURL)
	s.render(w, http.StatusOK, view)

	return nil
}

// issueBadge creates the session user's badge unless a concurrent request
// got there first, in which case the existing badge is returned.
func (s *server) issueBadge(
	r *http.Request,
	session *store.Session,
	settings *badge.Settings,
) (*store.Badge, error) {
	candidate, err := badge.Issue(
		session.CourseID, session.UserID, session.Email, settings, s.now(),
	)
	if err != nil {
		return nil, fmt.Errorf("building badge: %w", err)
	}

	stored, created, err := s.store.CreateBadgeIfAbsent(r.Context(), candidate)
	if err != nil {
		return nil, fmt.Errorf("storing badge: %w", err)
	}

	if created {
		s.log.WithField("course_id", session.CourseID).
			WithField("user_id", session.UserID).
			Info("Badge issued")
	}

	return stored, nil
}

// handleSettings saves the course badge settings submitted by an editor.
func (s *server) handleSettings(w http.ResponseWriter, r *http.Request) error {
	session, err := authorizePath(r)
	if err != nil {
		return err
	}

	if !session.EditPrivileges {
		return newError(kindAuthorization, "You can't edit this", nil)
	}

	if err := r.ParseForm(); err != nil {
		return newError(kindValidation, "Invalid settings form", err)
	}

	settings, err := badge.NewSettings(
		s.cfg.Badge.DefaultImage,
		r.PostForm.Get("badge_name"),
		r.PostForm.Get("badge_description"),
		r.PostForm.Get("min_percent"),
	)
	if err != nil {
		if errors.Is(err, badge.ErrInvalidSettings) {
			return newError(kindValidation, err.Error(), err)
		}

		return err
	}

	raw, err := settings.Encode()
	if err != nil {
		return err
	}

	if err := s.store.UpsertCourseConfig(r.Context(), &store.CourseConfig{
		CourseID: session.CourseID,
		Settings: raw,
	}); err != nil {
		return fmt.Errorf("saving course settings: %w", err)
	}

	s.log.WithField("course_id", session.CourseID).
		WithField("min_percent", settings.Threshold()).
		Info("Badge settings updated")

	http.Redirect(w, r, badgeCheckPath(session.CourseID, session.UserID), http.StatusSeeOther)

	return nil
}
