package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ethpandaops/badgeoor/pkg/api/store"
	"github.com/ethpandaops/badgeoor/pkg/badge"
	"github.com/ethpandaops/badgeoor/pkg/canvas"
	"github.com/ethpandaops/badgeoor/pkg/config"
	"github.com/ethpandaops/badgeoor/pkg/lti"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testConsumerKey = "consumer"
	testSecret      = "secret"
	testCourseID    = "7"
	testUserID      = "42"
	testEmail       = "student@example.edu"
	testCanvasHost  = "canvas.test"
)

// fakeCanvas is a Canvas instance answering the token and course APIs.
type fakeCanvas struct {
	mu         sync.Mutex
	token      string
	score      *float64
	enrollment string
	courseFail bool

	tokenCalls  atomic.Int32
	courseCalls atomic.Int32
}

func (f *fakeCanvas) setScore(score float64) {
	f.configure(func(f *fakeCanvas) { f.score = &score })
}

func (f *fakeCanvas) configure(fn func(*fakeCanvas)) {
	f.mu.Lock()
	defer f.mu.Unlock()

	fn(f)
}

func (f *fakeCanvas) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch {
	case r.Method == http.MethodPost && r.URL.Path == "/login/oauth2/token":
		f.tokenCalls.Add(1)

		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"access_token":"`+f.token+`","token_type":"Bearer"}`)
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/courses/"+testCourseID:
		f.courseCalls.Add(1)

		if f.courseFail || r.Header.Get("Authorization") != "Bearer "+f.token {
			w.WriteHeader(http.StatusInternalServerError)

			return
		}

		enrollment := map[string]any{
			"type":    f.enrollment,
			"user_id": 42,
		}

		if f.score != nil {
			enrollment["computed_final_score"] = *f.score
		}

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":          7,
			"enrollments": []any{enrollment},
		})
	default:
		http.NotFound(w, r)
	}
}

// rewriteTransport sends every request to target, whatever host it names.
type rewriteTransport struct {
	target *url.URL
}

func (t rewriteTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	req = req.Clone(req.Context())
	req.URL.Scheme = t.target.Scheme
	req.URL.Host = t.target.Host

	return http.DefaultTransport.RoundTrip(req)
}

type testEnv struct {
	srv    *server
	store  store.Store
	canvas *fakeCanvas
	ts     *httptest.Server
	client *http.Client
}

func testConfig() *config.Config {
	return &config.Config{
		Server: config.ServerConfig{Listen: ":0"},
		Session: config.SessionConfig{
			TTL:             "2h",
			CookieName:      config.DefaultSessionCookie,
			CleanupInterval: "15m",
		},
		Canvas: config.CanvasConfig{
			DefaultHost: config.DefaultCanvasHost,
			Scheme:      "http",
			Timeout:     "5s",
		},
		LTI: config.LTIConfig{
			TimestampWindow: "5m",
			Consumers: []config.LTIConsumer{
				{Key: testConsumerKey, Secret: testSecret},
			},
		},
		Issuer: config.IssuerConfig{
			Name:    "Canvabadges",
			Org:     "Instructure, Inc.",
			Contact: "support@instructure.com",
		},
		Badge: config.BadgeConfig{DefaultImage: config.DefaultBadgeImage},
	}
}

func newTestEnv(t *testing.T, mutate ...func(*config.Config)) *testEnv {
	t.Helper()

	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := testConfig()
	for _, m := range mutate {
		m(cfg)
	}

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))

	fake := &fakeCanvas{token: "tok123", enrollment: canvas.EnrollmentTypeStudent}
	canvasServer := httptest.NewServer(fake)
	t.Cleanup(canvasServer.Close)

	target, err := url.Parse(canvasServer.URL)
	require.NoError(t, err)

	canvasClient := canvas.NewClient(log, canvas.Options{
		ClientID:     "client-id",
		ClientSecret: "client-secret",
		Scheme:       "http",
		HTTPClient:   &http.Client{Transport: rewriteTransport{target: target}},
	})

	srv, ok := NewServer(log, cfg, WithStore(st), WithCanvasClient(canvasClient)).(*server)
	require.True(t, ok)
	require.NoError(t, srv.prepare(context.Background()))

	ts := httptest.NewServer(srv.handler)
	t.Cleanup(func() {
		ts.Close()
		_ = st.Stop()
	})

	return &testEnv{
		srv:    srv,
		store:  st,
		canvas: fake,
		ts:     ts,
		client: newBrowser(t),
	}
}

// newBrowser returns a client that keeps cookies and does not follow
// redirects.
func newBrowser(t *testing.T) *http.Client {
	t.Helper()

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)

	return &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
}

var nonceCounter atomic.Int64

func (e *testEnv) launchParams(t *testing.T, roles string) url.Values {
	t.Helper()

	params := url.Values{
		lti.ParamConsumerKey:     {testConsumerKey},
		lti.ParamSignatureMethod: {lti.SignatureMethodHMACSHA1},
		lti.ParamTimestamp:       {strconv.FormatInt(time.Now().Unix(), 10)},
		lti.ParamNonce:           {"nonce-" + strconv.FormatInt(nonceCounter.Add(1), 10)},
		lti.ParamVersion:         {"1.0"},
		lti.ParamUserID:          {testUserID},
		lti.ParamCourseID:        {testCourseID},
		lti.ParamInstanceGUID:    {"abc123." + testCanvasHost},
		lti.ParamRoles:           {roles},
		lti.ParamEmail:           {testEmail},
		"lti_message_type":       {"basic-lti-launch-request"},
	}

	return params
}

func sign(t *testing.T, rawURL string, params url.Values, secret string) url.Values {
	t.Helper()

	sig, err := lti.Sign(http.MethodPost, rawURL, params, secret)
	require.NoError(t, err)

	params.Set(lti.ParamSignature, sig)

	return params
}

func (e *testEnv) launch(t *testing.T, roles string) *http.Response {
	t.Helper()

	launchURL := e.ts.URL + "/badge_check"
	params := sign(t, launchURL, e.launchParams(t, roles), testSecret)

	resp, err := e.client.PostForm(launchURL, params)
	require.NoError(t, err)

	t.Cleanup(func() { _ = resp.Body.Close() })

	return resp
}

func (e *testEnv) get(t *testing.T, path string) (*http.Response, string) {
	t.Helper()

	resp, err := e.client.Get(e.ts.URL + path)
	require.NoError(t, err)

	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	return resp, string(body)
}

func (e *testEnv) seedUserConfig(t *testing.T) {
	t.Helper()

	require.NoError(t, e.store.UpsertUserConfig(context.Background(), &store.UserConfig{
		UserID:      testUserID,
		AccessToken: "tok123",
		Host:        testCanvasHost,
	}))
}

func (e *testEnv) seedSettings(t *testing.T, minPercent string) {
	t.Helper()

	settings, err := badge.NewSettings(config.DefaultBadgeImage, "Finisher", "Finished the course", minPercent)
	require.NoError(t, err)

	raw, err := settings.Encode()
	require.NoError(t, err)

	require.NoError(t, e.store.UpsertCourseConfig(context.Background(), &store.CourseConfig{
		CourseID: testCourseID,
		Settings: raw,
	}))
}

func checkPath() string {
	return "/badge_check/" + testCourseID + "/" + testUserID
}

func TestLaunch_OAuthDanceStoresToken(t *testing.T) {
	env := newTestEnv(t)

	resp := env.launch(t, "Learner")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	authURL, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, testCanvasHost, authURL.Host)
	assert.Equal(t, "/login/oauth2/auth", authURL.Path)
	assert.Equal(t, "client-id", authURL.Query().Get("client_id"))
	assert.Equal(t, "code", authURL.Query().Get("response_type"))
	assert.Equal(t, env.ts.URL+"/oauth_success", authURL.Query().Get("redirect_uri"))

	state := authURL.Query().Get("state")
	require.NotEmpty(t, state)

	resp, _ = env.get(t, "/oauth_success?code=abc&state="+url.QueryEscape(state))
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, checkPath(), resp.Header.Get("Location"))
	assert.Equal(t, int32(1), env.canvas.tokenCalls.Load())

	userCfg, err := env.store.GetUserConfig(context.Background(), testUserID)
	require.NoError(t, err)
	assert.Equal(t, "tok123", userCfg.AccessToken)
	assert.Equal(t, testCanvasHost, userCfg.Host)

	// The state cannot be used twice.
	resp, _ = env.get(t, "/oauth_success?code=abc&state="+url.QueryEscape(state))
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestLaunch_TokenOnFileRedirectsToCheck(t *testing.T) {
	env := newTestEnv(t)
	env.seedUserConfig(t)

	resp := env.launch(t, "Learner")
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t, checkPath(), resp.Header.Get("Location"))

	cookies := env.client.Jar.Cookies(mustParse(t, env.ts.URL))
	require.Len(t, cookies, 1)
	assert.Equal(t, config.DefaultSessionCookie, cookies[0].Name)

	session, err := env.store.GetSessionByToken(context.Background(), cookies[0].Value)
	require.NoError(t, err)
	assert.Equal(t, testCourseID, session.CourseID)
	assert.Equal(t, testUserID, session.UserID)
	assert.Equal(t, testEmail, session.Email)
	assert.False(t, session.EditPrivileges)
}

func TestLaunch_Rejections(t *testing.T) {
	env := newTestEnv(t)
	launchURL := env.ts.URL + "/badge_check"

	tests := []struct {
		name   string
		params func() url.Values
		status int
	}{
		{
			name: "unknown consumer",
			params: func() url.Values {
				p := env.launchParams(t, "Learner")
				p.Set(lti.ParamConsumerKey, "nobody")

				return sign(t, launchURL, p, testSecret)
			},
			status: http.StatusBadRequest,
		},
		{
			name: "missing course id",
			params: func() url.Values {
				p := env.launchParams(t, "Learner")
				p.Del(lti.ParamCourseID)

				return sign(t, launchURL, p, testSecret)
			},
			status: http.StatusBadRequest,
		},
		{
			name: "wrong secret",
			params: func() url.Values {
				return sign(t, launchURL, env.launchParams(t, "Learner"), "not-the-secret")
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "tampered parameter",
			params: func() url.Values {
				p := sign(t, launchURL, env.launchParams(t, "Learner"), testSecret)
				p.Set(lti.ParamRoles, "Instructor")

				return p
			},
			status: http.StatusUnauthorized,
		},
		{
			name: "stale timestamp",
			params: func() url.Values {
				p := env.launchParams(t, "Learner")
				p.Set(lti.ParamTimestamp, strconv.FormatInt(time.Now().Add(-time.Hour).Unix(), 10))

				return sign(t, launchURL, p, testSecret)
			},
			status: http.StatusUnauthorized,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, err := env.client.PostForm(launchURL, tt.params())
			require.NoError(t, err)

			defer func() { _ = resp.Body.Close() }()

			assert.Equal(t, tt.status, resp.StatusCode)
			assert.Empty(t, env.client.Jar.Cookies(mustParse(t, env.ts.URL)))
		})
	}
}

func TestLaunch_ReplayRejected(t *testing.T) {
	env := newTestEnv(t)
	env.seedUserConfig(t)

	launchURL := env.ts.URL + "/badge_check"
	params := sign(t, launchURL, env.launchParams(t, "Learner"), testSecret)

	first, err := env.client.PostForm(launchURL, params)
	require.NoError(t, err)

	_ = first.Body.Close()
	require.Equal(t, http.StatusSeeOther, first.StatusCode)

	second, err := env.client.PostForm(launchURL, params)
	require.NoError(t, err)

	_ = second.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, second.StatusCode)
}

func TestOAuthSuccess_Rejections(t *testing.T) {
	t.Run("no session", func(t *testing.T) {
		env := newTestEnv(t)

		resp, _ := env.get(t, "/oauth_success?code=abc&state=x")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, int32(0), env.canvas.tokenCalls.Load())
	})

	t.Run("state mismatch", func(t *testing.T) {
		env := newTestEnv(t)
		env.launch(t, "Learner")

		resp, _ := env.get(t, "/oauth_success?code=abc&state=forged")
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Equal(t, int32(0), env.canvas.tokenCalls.Load())
	})

	t.Run("token response without access_token", func(t *testing.T) {
		env := newTestEnv(t)
		env.canvas.configure(func(f *fakeCanvas) { f.token = "" })

		resp := env.launch(t, "Learner")
		authURL := mustParse(t, resp.Header.Get("Location"))

		resp, _ = env.get(t, "/oauth_success?code=abc&state="+url.QueryEscape(authURL.Query().Get("state")))
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)

		_, err := env.store.GetUserConfig(context.Background(), testUserID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})
}

func TestBadgeCheck_IssuesBadgeOnce(t *testing.T) {
	env := newTestEnv(t)
	env.seedUserConfig(t)
	env.seedSettings(t, "80")
	env.canvas.setScore(85.0)

	env.launch(t, "Learner")

	resp, body := env.get(t, checkPath())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "You've earned this badge!")
	assert.Contains(t, body, "progress-success")
	assert.Contains(t, body, `id="redeem"`)
	assert.Contains(t, body, "left: 240px;")
	assert.Contains(t, body, "width: 85%;")

	issued, err := env.store.GetBadge(context.Background(), testCourseID, testUserID)
	require.NoError(t, err)
	assert.Equal(t, "Finisher", issued.Name)
	assert.Equal(t, "Finished the course", issued.Description)
	assert.Equal(t, badge.Recipient(testEmail, issued.Salt), issued.Recipient)
	assert.Contains(t, body, env.ts.URL+assertionPath(testCourseID, testUserID, issued.Nonce))

	// A later visit shows the same badge, even after the score drops.
	env.canvas.setScore(10)

	resp, body = env.get(t, checkPath())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "progress-success")
	assert.Contains(t, body, issued.Nonce)

	again, err := env.store.GetBadge(context.Background(), testCourseID, testUserID)
	require.NoError(t, err)
	assert.Equal(t, issued.ID, again.ID)
	assert.Equal(t, issued.Nonce, again.Nonce)
	assert.Equal(t, issued.Salt, again.Salt)
}

func TestBadgeCheck_NoEmailSkipsIssuance(t *testing.T) {
	env := newTestEnv(t)
	env.seedUserConfig(t)
	env.seedSettings(t, "80")
	env.canvas.setScore(95.0)

	launchURL := env.ts.URL + "/badge_check"
	params := env.launchParams(t, "Learner")
	params.Del(lti.ParamEmail)

	resp, err := env.client.PostForm(launchURL, sign(t, launchURL, params, testSecret))
	require.NoError(t, err)
	_ = resp.Body.Close()
	require.Equal(t, http.StatusSeeOther, resp.StatusCode)

	resp, body := env.get(t, checkPath())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, missingEmailHeading)
	assert.Contains(t, body, "progress-danger")
	assert.NotContains(t, body, `id="redeem"`)

	_, err = env.store.GetBadge(context.Background(), testCourseID, testUserID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBadgeCheck_BelowThreshold(t *testing.T) {
	env := newTestEnv(t)
	env.seedUserConfig(t)
	env.seedSettings(t, "80")
	env.canvas.setScore(60.0)

	env.launch(t, "Learner")

	resp, body := env.get(t, checkPath())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "progress-danger")
	assert.Contains(t, body, "you only have 60%")
	assert.NotContains(t, body, `id="redeem"`)
	assert.NotContains(t, body, "Save Badge Settings")

	_, err := env.store.GetBadge(context.Background(), testCourseID, testUserID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestBadgeCheck_MissingScoreCountsAsZero(t *testing.T) {
	env := newTestEnv(t)
	env.seedUserConfig(t)
	env.seedSettings(t, "0")

	env.launch(t, "Learner")

	resp, body := env.get(t, checkPath())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, `id="redeem"`)
}

func TestBadgeCheck_PathMismatch(t *testing.T) {
	env := newTestEnv(t)
	env.seedUserConfig(t)
	env.seedSettings(t, "80")
	env.canvas.setScore(95)

	tests := []struct {
		name     string
		path     string
		launched bool
	}{
		{name: "other course", path: "/badge_check/8/" + testUserID, launched: true},
		{name: "other user", path: "/badge_check/" + testCourseID + "/43", launched: true},
		{name: "no session", path: checkPath(), launched: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env.client = newBrowser(t)
			if tt.launched {
				env.launch(t, "Instructor")
			}

			resp, _ := env.get(t, tt.path)
			assert.Equal(t, http.StatusForbidden, resp.StatusCode)

			form := url.Values{"min_percent": {"10"}}
			post, err := env.client.PostForm(env.ts.URL+tt.path+"/settings", form)
			require.NoError(t, err)

			_ = post.Body.Close()
			assert.Equal(t, http.StatusForbidden, post.StatusCode)
		})
	}

	_, err := env.store.GetBadge(context.Background(), testCourseID, testUserID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Equal(t, int32(0), env.canvas.courseCalls.Load())
}

func TestBadgeCheck_Unconfigured(t *testing.T) {
	env := newTestEnv(t)
	env.seedUserConfig(t)

	t.Run("student sees message", func(t *testing.T) {
		env.client = newBrowser(t)
		env.launch(t, "Learner")

		resp, body := env.get(t, checkPath())
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "set up this badge yet")
		assert.NotContains(t, body, "Save Badge Settings")
	})

	t.Run("instructor sees form", func(t *testing.T) {
		env.client = newBrowser(t)
		env.launch(t, "urn:lti:role:ims/lis/Instructor")

		resp, body := env.get(t, checkPath())
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, body, "Save Badge Settings")
		assert.Contains(t, body, "Final grade cutoff")
		assert.Contains(t, body, `action="`+checkPath()+`/settings"`)
	})

	assert.Equal(t, int32(0), env.canvas.courseCalls.Load())
}

func TestBadgeCheck_NotAStudent(t *testing.T) {
	env := newTestEnv(t)
	env.seedUserConfig(t)
	env.seedSettings(t, "80")
	env.canvas.configure(func(f *fakeCanvas) { f.enrollment = "teacher" })

	env.launch(t, "Instructor")

	resp, body := env.get(t, checkPath())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, body, "You are not a student in this course")
	assert.Contains(t, body, "Save Badge Settings")
}

func TestBadgeCheck_Errors(t *testing.T) {
	t.Run("no token on file", func(t *testing.T) {
		env := newTestEnv(t)
		env.launch(t, "Learner")

		resp, body := env.get(t, checkPath())
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
		assert.Contains(t, body, "Invalid user session")
	})

	t.Run("grades api failure", func(t *testing.T) {
		env := newTestEnv(t)
		env.seedUserConfig(t)
		env.seedSettings(t, "80")
		env.canvas.configure(func(f *fakeCanvas) { f.courseFail = true })

		env.launch(t, "Learner")

		resp, _ := env.get(t, checkPath())
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
		assert.Equal(t, int32(1), env.canvas.courseCalls.Load())
	})
}

func TestSettings_Update(t *testing.T) {
	env := newTestEnv(t)
	env.seedUserConfig(t)

	post := func(t *testing.T, form url.Values) *http.Response {
		t.Helper()

		resp, err := env.client.PostForm(env.ts.URL+checkPath()+"/settings", form)
		require.NoError(t, err)

		_ = resp.Body.Close()

		return resp
	}

	valid := url.Values{
		"badge_name":        {"Finisher"},
		"badge_description": {"Finished the course"},
		"min_percent":       {"75.5"},
	}

	t.Run("student is refused", func(t *testing.T) {
		env.client = newBrowser(t)
		env.launch(t, "Learner")

		resp := post(t, valid)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)

		_, err := env.store.GetCourseConfig(context.Background(), testCourseID)
		assert.ErrorIs(t, err, store.ErrNotFound)
	})

	t.Run("instructor saves", func(t *testing.T) {
		env.client = newBrowser(t)
		env.launch(t, "Instructor")

		resp := post(t, valid)
		require.Equal(t, http.StatusSeeOther, resp.StatusCode)
		assert.Equal(t, checkPath(), resp.Header.Get("Location"))

		courseCfg, err := env.store.GetCourseConfig(context.Background(), testCourseID)
		require.NoError(t, err)

		settings, err := badge.ParseSettings(courseCfg.Settings)
		require.NoError(t, err)
		assert.Equal(t, badge.SettingsVersion, settings.Version)
		assert.Equal(t, config.DefaultBadgeImage, settings.BadgeURL)
		assert.Equal(t, "Finisher", settings.Name)
		assert.Equal(t, "Finished the course", settings.Description)
		assert.InDelta(t, 75.5, settings.Threshold(), 0.0001)
	})

	t.Run("invalid threshold is rejected", func(t *testing.T) {
		env.client = newBrowser(t)
		env.launch(t, "ContentDeveloper")

		for _, v := range []string{"150", "-5", "NaN", "abc", ""} {
			form := url.Values{"badge_name": {"x"}, "min_percent": {v}}

			resp := post(t, form)
			assert.Equal(t, http.StatusBadRequest, resp.StatusCode, v)
		}

		courseCfg, err := env.store.GetCourseConfig(context.Background(), testCourseID)
		require.NoError(t, err)

		settings, err := badge.ParseSettings(courseCfg.Settings)
		require.NoError(t, err)
		assert.InDelta(t, 75.5, settings.Threshold(), 0.0001)
	})
}

func TestAssertion(t *testing.T) {
	env := newTestEnv(t)

	issued, err := badge.Issue(testCourseID, testUserID, testEmail, &badge.Settings{
		BadgeURL:    config.DefaultBadgeImage,
		Name:        "Finisher",
		Description: "Finished the course",
	}, time.Date(2026, 3, 14, 10, 0, 0, 0, time.UTC))
	require.NoError(t, err)

	_, created, err := env.store.CreateBadgeIfAbsent(context.Background(), issued)
	require.NoError(t, err)
	require.True(t, created)

	t.Run("match", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodGet,
			env.ts.URL+assertionPath(testCourseID, testUserID, issued.Nonce), nil)
		require.NoError(t, err)
		req.Header.Set("Origin", "https://backpack.example.org")

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)

		defer func() { _ = resp.Body.Close() }()

		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

		var doc map[string]any
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&doc))

		assert.Equal(t, issued.Recipient, doc["recipient"])
		assert.Equal(t, issued.Salt, doc["salt"])
		assert.Equal(t, "2026-03-14", doc["issued_on"])

		b, ok := doc["badge"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, "0.5.0", b["version"])
		assert.Equal(t, "Finisher", b["name"])
		assert.Equal(t, env.ts.URL+config.DefaultBadgeImage, b["image"])
		assert.Equal(t, "Finished the course", b["description"])

		issuer, ok := b["issuer"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, env.ts.URL, issuer["origin"])
		assert.Equal(t, "Canvabadges", issuer["name"])
		assert.Equal(t, "Instructure, Inc.", issuer["org"])
		assert.Equal(t, "support@instructure.com", issuer["contact"])
	})

	mismatches := []struct {
		name string
		path string
	}{
		{name: "course", path: assertionPath("8", testUserID, issued.Nonce)},
		{name: "user", path: assertionPath(testCourseID, "43", issued.Nonce)},
		{name: "nonce", path: assertionPath(testCourseID, testUserID, issued.Nonce+"0")},
	}

	for _, tt := range mismatches {
		t.Run("wrong "+tt.name, func(t *testing.T) {
			resp, body := env.get(t, tt.path)
			assert.Equal(t, http.StatusNotFound, resp.StatusCode)
			assert.Equal(t, "Not Found", body)
		})
	}
}

func TestToolRedirect(t *testing.T) {
	env := newTestEnv(t)

	form := url.Values{
		"url":                            {"https://lms.example.com/return?x=1"},
		"custom_b":                       {"two words"},
		"custom_a":                       {"1"},
		"launch_presentation_return_url": {"https://lms.example.com/done"},
		"selection_directive":            {"embed_content"},
		"oauth_signature":                {"dropped"},
		"other":                          {"dropped"},
	}

	resp, err := env.client.PostForm(env.ts.URL+"/tool_redirect", form)
	require.NoError(t, err)

	_ = resp.Body.Close()

	require.Equal(t, http.StatusSeeOther, resp.StatusCode)
	assert.Equal(t,
		"https://lms.example.com/return?x=1&custom_a=1&custom_b=two+words"+
			"&launch_presentation_return_url=https%3A%2F%2Flms.example.com%2Fdone"+
			"&selection_directive=embed_content",
		resp.Header.Get("Location"),
	)

	t.Run("missing url", func(t *testing.T) {
		resp, err := env.client.PostForm(env.ts.URL+"/tool_redirect", url.Values{"custom_a": {"1"}})
		require.NoError(t, err)

		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestForwardURL(t *testing.T) {
	tests := []struct {
		name   string
		target string
		params url.Values
		want   string
	}{
		{
			name:   "no query",
			target: "https://example.com/a",
			params: url.Values{"custom_x": {"1"}},
			want:   "https://example.com/a?custom_x=1",
		},
		{
			name:   "existing query",
			target: "https://example.com/a?b=2",
			params: url.Values{"custom_x": {"1"}},
			want:   "https://example.com/a?b=2&custom_x=1",
		},
		{
			name:   "nothing to forward",
			target: "https://example.com/a",
			params: url.Values{"url": {"https://example.com/a"}},
			want:   "https://example.com/a",
		},
		{
			name:   "escaped key and value",
			target: "/local",
			params: url.Values{"custom_a&b": {"x=y"}},
			want:   "/local?custom_a%26b=x%3Dy",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, forwardURL(tt.target, tt.params))
		})
	}
}

func TestIndexAndHealth(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.get(t, "/")
	assert.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, "/index.html", resp.Header.Get("Location"))

	resp, body := env.get(t, "/healthz")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var result map[string]any
	require.NoError(t, json.Unmarshal([]byte(body), &result))
	assert.Equal(t, "OK", result["status"])

	// Without an asset backend unknown paths are plain 404 pages.
	resp, _ = env.get(t, "/index.html")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestRateLimit(t *testing.T) {
	env := newTestEnv(t, func(cfg *config.Config) {
		cfg.Server.RateLimit = config.RateLimitConfig{
			Enabled: true,
			Launch:  config.RateLimitTier{RequestsPerMinute: 60},
			Public:  config.RateLimitTier{RequestsPerMinute: 2},
		}
	})

	statuses := make([]int, 0, 3)

	for k := 0; k < 3; k++ {
		resp, _ := env.get(t, "/badges/1/2/3")
		statuses = append(statuses, resp.StatusCode)
	}

	assert.Equal(t, []int{
		http.StatusNotFound,
		http.StatusNotFound,
		http.StatusTooManyRequests,
	}, statuses)
}

func TestCleanup_PrunesExpired(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	require.NoError(t, env.store.CreateSession(ctx, &store.Session{
		Token:     "stale",
		CourseID:  testCourseID,
		UserID:    testUserID,
		ExpiresAt: time.Now().UTC().Add(-time.Minute),
	}))

	fresh, err := env.store.UseLaunchNonce(ctx, testConsumerKey, "old", time.Now().Add(-time.Minute))
	require.NoError(t, err)
	require.True(t, fresh)

	env.srv.cleanup(ctx)

	_, err = env.store.GetSessionByToken(ctx, "stale")
	assert.ErrorIs(t, err, store.ErrNotFound)

	fresh, err = env.store.UseLaunchNonce(ctx, testConsumerKey, "old", time.Now().Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, fresh)
}

func TestExpiredSessionIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	env.seedUserConfig(t)

	env.launch(t, "Learner")

	cookies := env.client.Jar.Cookies(mustParse(t, env.ts.URL))
	require.Len(t, cookies, 1)

	ctx := context.Background()

	session, err := env.store.GetSessionByToken(ctx, cookies[0].Value)
	require.NoError(t, err)

	session.ExpiresAt = time.Now().UTC().Add(-time.Minute)
	require.NoError(t, env.store.UpdateSession(ctx, session))

	resp, _ := env.get(t, checkPath())
	assert.Equal(t, http.StatusForbidden, resp.StatusCode)

	// The expired session is removed on first sight.
	_, err = env.store.GetSessionByToken(ctx, cookies[0].Value)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func mustParse(t *testing.T, raw string) *url.URL {
	t.Helper()

	u, err := url.Parse(raw)
	require.NoError(t, err)

	return u
}

func TestErrorKindStatus(t *testing.T) {
	tests := []struct {
		kind   errorKind
		status int
	}{
		{kindConfiguration, http.StatusBadRequest},
		{kindValidation, http.StatusBadRequest},
		{kindAuthentication, http.StatusUnauthorized},
		{kindAuthorization, http.StatusForbidden},
		{kindSession, http.StatusUnauthorized},
		{kindUpstream, http.StatusBadGateway},
		{kindNotFound, http.StatusNotFound},
		{kindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.kind.String(), func(t *testing.T) {
			assert.Equal(t, tt.status, tt.kind.status())
		})
	}

	wrapped := classify(fmt.Errorf("handler: %w", newError(kindUpstream, "boom", nil)))
	assert.Equal(t, kindUpstream, wrapped.kind)
	assert.Equal(t, "boom", wrapped.message)
	assert.True(t, strings.HasPrefix(classify(io.EOF).Error(), "internal"))
}

func TestServer_ReportsServeFailure(t *testing.T) {
	log := logrus.New()
	log.SetOutput(io.Discard)

	cfg := testConfig()
	cfg.Server.Listen = "127.0.0.1:0"

	st := store.NewStore(log, &config.DatabaseConfig{
		Driver: "sqlite",
		SQLite: config.SQLiteDatabaseConfig{Path: ":memory:"},
	})
	require.NoError(t, st.Start(context.Background()))

	srv, ok := NewServer(log, cfg,
		WithStore(st),
		WithCanvasClient(canvas.NewClient(log, canvas.Options{
			ClientID:     "client-id",
			ClientSecret: "client-secret",
			Scheme:       "http",
		})),
	).(*server)
	require.True(t, ok)
	require.NoError(t, srv.Start(context.Background()))

	// Pulling the listener away makes Serve fail while the process runs.
	require.NoError(t, srv.listener.Close())

	select {
	case err := <-srv.Errors():
		require.Error(t, err)
		assert.Contains(t, err.Error(), "serving http")
	case <-time.After(5 * time.Second):
		t.Fatal("serve failure was not reported")
	}

	require.NoError(t, srv.Stop())
}
