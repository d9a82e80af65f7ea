// Package canvas talks to the Canvas LMS: the OAuth2 authorization code
// exchange and the course scores API.
package canvas

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/oauth2"
)

const (
	authorizePath = "/login/oauth2/auth"
	tokenPath     = "/login/oauth2/token"
	coursePath    = "/api/v1/courses/%s"

	// EnrollmentTypeStudent is the enrollment type of a student.
	EnrollmentTypeStudent = "student"

	maxErrorBody = 512
)

// ErrUnexpectedResponse is returned when Canvas answers with a payload
// that lacks the fields this client depends on.
var ErrUnexpectedResponse = errors.New("unexpected canvas response")

// Client is a Canvas API client bound to one developer key. The Canvas
// host is supplied per call since users arrive from different instances.
type Client interface {
	AuthorizeURL(host, redirectURI, state string) string
	ExchangeCode(ctx context.Context, host, redirectURI, code string) (string, error)
	CourseEnrollments(ctx context.Context, host, accessToken, courseID string) ([]Enrollment, error)
}

// Compile-time interface check.
var _ Client = (*client)(nil)

// Options configures a Client.
type Options struct {
	ClientID     string
	ClientSecret string
	// Scheme is "https" unless talking to a local test instance.
	Scheme  string
	Timeout time.Duration
	// HTTPClient overrides the default client built from Timeout.
	HTTPClient *http.Client
}

type client struct {
	log        logrus.FieldLogger
	opts       Options
	httpClient *http.Client
}

// NewClient creates a new Canvas client.
func NewClient(log logrus.FieldLogger, opts Options) Client {
	if opts.Scheme == "" {
		opts.Scheme = "https"
	}

	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: opts.Timeout}
	}

	return &client{
		log:        log.WithField("component", "canvas"),
		opts:       opts,
		httpClient: httpClient,
	}
}

// Enrollment is a course enrollment as returned with include[]=total_scores.
type Enrollment struct {
	Type               string      `json:"type"`
	UserID             json.Number `json:"user_id,omitempty"`
	ComputedFinalScore *float64    `json:"computed_final_score"`
}

// Score returns the computed final score, treating a missing score as 0.
func (e *Enrollment) Score() float64 {
	if e.ComputedFinalScore == nil {
		return 0
	}

	return *e.ComputedFinalScore
}

// FindStudent returns the first student enrollment for userID. Canvas
// scopes the course enrollments to the token owner, so enrollments that
// omit user_id are accepted.
func FindStudent(enrollments []Enrollment, userID string) (*Enrollment, bool) {
	for i := range enrollments {
		e := &enrollments[i]

		if e.Type != EnrollmentTypeStudent {
			continue
		}

		if e.UserID != "" && e.UserID.String() != userID {
			continue
		}

		return e, true
	}

	return nil, false
}

func (c *client) baseURL(host string) string {
	return c.opts.Scheme + "://" + host
}

func (c *client) oauthConfig(host, redirectURI string) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     c.opts.ClientID,
		ClientSecret: c.opts.ClientSecret,
		RedirectURL:  redirectURI,
		Endpoint: oauth2.Endpoint{
			AuthURL:   c.baseURL(host) + authorizePath,
			TokenURL:  c.baseURL(host) + tokenPath,
			AuthStyle: oauth2.AuthStyleInParams,
		},
	}
}

// AuthorizeURL returns the Canvas authorization page the user is sent to.
func (c *client) AuthorizeURL(host, redirectURI, state string) string {
	return c.oauthConfig(host, redirectURI).AuthCodeURL(state)
}

// ExchangeCode trades an authorization code for an access token with a
// single request to the Canvas token endpoint.
func (c *client) ExchangeCode(
	ctx context.Context,
	host, redirectURI, code string,
) (string, error) {
	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)

	token, err := c.oauthConfig(host, redirectURI).Exchange(ctx, code)
	if err != nil {
		return "", fmt.Errorf("exchanging code with %s: %w", host, err)
	}

	if token.AccessToken == "" {
		return "", fmt.Errorf("%w: token response has no access_token", ErrUnexpectedResponse)
	}

	return token.AccessToken, nil
}

// CourseEnrollments fetches the caller's enrollments in courseID along
// with their total scores.
func (c *client) CourseEnrollments(
	ctx context.Context,
	host, accessToken, courseID string,
) ([]Enrollment, error) {
	endpoint := c.baseURL(host) + fmt.Sprintf(coursePath, url.PathEscape(courseID)) +
		"?" + url.Values{"include[]": {"total_scores"}}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating course request: %w", err)
	}

	req.Header.Set("Accept", "application/json")

	ctx = context.WithValue(ctx, oauth2.HTTPClient, c.httpClient)
	httpClient := oauth2.NewClient(ctx, oauth2.StaticTokenSource(&oauth2.Token{
		AccessToken: accessToken,
		TokenType:   "Bearer",
	}))

	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching course %s: %w", courseID, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))

		return nil, fmt.Errorf(
			"fetching course %s: status %d: %s",
			courseID, resp.StatusCode, string(body),
		)
	}

	var course struct {
		Enrollments *[]Enrollment `json:"enrollments"`
	}

	if err := json.NewDecoder(resp.Body).Decode(&course); err != nil {
		return nil, fmt.Errorf("decoding course %s: %w", courseID, err)
	}

	if course.Enrollments == nil {
		return nil, fmt.Errorf("%w: course %s has no enrollments field", ErrUnexpectedResponse, courseID)
	}

	c.log.WithField("course_id", courseID).
		WithField("enrollments", len(*course.Enrollments)).
		Debug("Fetched course enrollments")

	return *course.Enrollments, nil
}
