package api

import (
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"

	"github.com/ethpandaops/badgeoor/pkg/api/store"
	"github.com/ethpandaops/badgeoor/pkg/lti"
)

// handleLaunch verifies an LTI launch, opens a session for it and sends
// the user either to the badge-check page or through Canvas OAuth.
func (s *server) handleLaunch(w http.ResponseWriter, r *http.Request) error {
	if err := r.ParseForm(); err != nil {
		return newError(kindValidation, "Invalid tool launch", err)
	}

	ctx := r.Context()
	key := r.Form.Get(lti.ParamConsumerKey)

	consumer, err := s.store.GetExternalConfig(ctx, store.ConfigTypeLTI, key)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return newError(kindConfiguration, "Unknown tool consumer",
				fmt.Errorf("consumer %q: %w", key, err))
		}

		return fmt.Errorf("looking up consumer: %w", err)
	}

	launch, err := lti.ParseLaunch(r.Form)
	if err != nil {
		return newError(kindValidation,
			"Course must be a Canvas course, and launched with public permission settings", err)
	}

	if err := s.verifier.Verify(ctx, &lti.Request{
		Method: r.Method,
		URL:    s.requestURL(r),
		Params: r.PostForm,
	}, consumer.SharedSecret); err != nil {
		if errors.Is(err, lti.ErrInvalidSignature) ||
			errors.Is(err, lti.ErrMissingSignature) ||
			errors.Is(err, lti.ErrUnsupportedMethod) ||
			errors.Is(err, lti.ErrStaleTimestamp) ||
			errors.Is(err, lti.ErrReplayedNonce) {
			return newError(kindAuthentication, "Invalid tool launch", err)
		}

		return fmt.Errorf("verifying launch: %w", err)
	}

	session := &store.Session{
		CourseID:       launch.CourseID,
		UserID:         launch.UserID,
		Email:          launch.Email,
		EditPrivileges: launch.EditPrivileges,
	}

	log := s.log.WithField("course_id", launch.CourseID).
		WithField("user_id", launch.UserID)

	_, err = s.store.GetUserConfig(ctx, launch.UserID)

	switch {
	case err == nil:
		if err := s.newSession(w, r, session); err != nil {
			return err
		}

		log.Debug("Launch accepted, token on file")

		http.Redirect(w, r, badgeCheckPath(launch.CourseID, launch.UserID), http.StatusSeeOther)

		return nil
	case errors.Is(err, store.ErrNotFound):
		// Continue into the OAuth dance below.
	default:
		return fmt.Errorf("looking up user config: %w", err)
	}

	host := lti.HostFromGUID(launch.InstanceGUID)
	if host == "" {
		host = s.cfg.Canvas.DefaultHost
	}

	state, err := generateOAuthState()
	if err != nil {
		return err
	}

	session.APIHost = host
	session.OAuthState = state

	if err := s.newSession(w, r, session); err != nil {
		return err
	}

	log.WithField("host", host).Debug("Launch accepted, starting OAuth")

	http.Redirect(w, r,
		s.canvas.AuthorizeURL(host, s.oauthRedirectURI(r), state),
		http.StatusSeeOther,
	)

	return nil
}

// handleOAuthSuccess completes the Canvas OAuth dance and stores the
// user's access token.
func (s *server) handleOAuthSuccess(w http.ResponseWriter, r *http.Request) error {
	session, err := requireSession(r)
	if err != nil {
		return err
	}

	query := r.URL.Query()

	if session.OAuthState == "" ||
		subtle.ConstantTimeCompare([]byte(query.Get("state")), []byte(session.OAuthState)) != 1 {
		return newError(kindAuthentication, "Invalid OAuth state", nil)
	}

	code := query.Get("code")
	if code == "" {
		return newError(kindValidation, "Error retrieving access token",
			fmt.Errorf("authorization denied: %s", query.Get("error")))
	}

	host := session.APIHost
	if host == "" {
		host = s.cfg.Canvas.DefaultHost
	}

	ctx := r.Context()

	token, err := s.canvas.ExchangeCode(ctx, host, s.oauthRedirectURI(r), code)
	if err != nil {
		return newError(kindUpstream, "Error retrieving access token", err)
	}

	if err := s.store.UpsertUserConfig(ctx, &store.UserConfig{
		UserID:      session.UserID,
		AccessToken: token,
		Host:        host,
	}); err != nil {
		return fmt.Errorf("saving access token: %w", err)
	}

	// The state is single use.
	session.OAuthState = ""

	if err := s.store.UpdateSession(ctx, session); err != nil {
		return fmt.Errorf("clearing oauth state: %w", err)
	}

	s.log.WithField("user_id", session.UserID).
		WithField("host", host).
		Info("Stored Canvas access token")

	http.Redirect(w, r, badgeCheckPath(session.CourseID, session.UserID), http.StatusFound)

	return nil
}
