package lti

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mrjones/oauth"
	"github.com/sirupsen/logrus"
)

// Verification failures. All of them mean the launch must be rejected.
var (
	ErrMissingSignature  = errors.New("launch is not signed")
	ErrUnsupportedMethod = errors.New("unsupported signature method")
	ErrInvalidSignature  = errors.New("invalid launch signature")
	ErrStaleTimestamp    = errors.New("launch timestamp outside the accepted window")
	ErrReplayedNonce     = errors.New("launch nonce already used")
)

// NonceStore records launch nonces. UseLaunchNonce returns false when the
// nonce was already recorded for the consumer.
type NonceStore interface {
	UseLaunchNonce(ctx context.Context, consumerKey, nonce string, expiresAt time.Time) (bool, error)
}

// Request is the part of an inbound launch that is covered by its signature.
type Request struct {
	Method string
	// URL is the absolute URL the consumer posted to, including any query.
	URL    string
	Params url.Values
}

// Verifier decides whether a launch was signed with the consumer's secret.
type Verifier interface {
	Verify(ctx context.Context, req *Request, consumerSecret string) error
}

// Compile-time interface check.
var _ Verifier = (*oauthVerifier)(nil)

type oauthVerifier struct {
	log    logrus.FieldLogger
	window time.Duration
	nonces NonceStore
	now    func() time.Time
}

// Option customises a Verifier.
type Option func(*oauthVerifier)

// WithClock overrides the time source used for the timestamp check.
func WithClock(now func() time.Time) Option {
	return func(v *oauthVerifier) {
		v.now = now
	}
}

// NewVerifier returns an OAuth 1.0a HMAC-SHA1 launch verifier. Timestamps
// further than window from now are rejected. When nonces is non-nil every
// accepted nonce is recorded and replays are rejected.
func NewVerifier(
	log logrus.FieldLogger,
	window time.Duration,
	nonces NonceStore,
	opts ...Option,
) Verifier {
	v := &oauthVerifier{
		log:    log.WithField("component", "lti-verifier"),
		window: window,
		nonces: nonces,
		now:    time.Now,
	}

	for _, opt := range opts {
		opt(v)
	}

	return v
}

// Verify checks the signature, timestamp and nonce of req.
func (v *oauthVerifier) Verify(
	ctx context.Context,
	req *Request,
	consumerSecret string,
) error {
	signature := req.Params.Get(ParamSignature)
	if signature == "" {
		return ErrMissingSignature
	}

	if method := req.Params.Get(ParamSignatureMethod); method != SignatureMethodHMACSHA1 {
		return fmt.Errorf("%w: %q", ErrUnsupportedMethod, method)
	}

	ts, err := strconv.ParseInt(req.Params.Get(ParamTimestamp), 10, 64)
	if err != nil {
		return fmt.Errorf("%w: unparseable timestamp", ErrStaleTimestamp)
	}

	issued := time.Unix(ts, 0)

	skew := v.now().Sub(issued)
	if skew < 0 {
		skew = -skew
	}

	if skew > v.window {
		return ErrStaleTimestamp
	}

	if err := v.checkSignature(ctx, req, consumerSecret); err != nil {
		v.log.WithField("consumer_key", req.Params.Get(ParamConsumerKey)).
			WithError(err).
			Debug("Launch signature mismatch")

		return err
	}

	if v.nonces == nil {
		return nil
	}

	nonce := req.Params.Get(ParamNonce)
	if nonce == "" {
		return fmt.Errorf("%w: empty nonce", ErrReplayedNonce)
	}

	fresh, err := v.nonces.UseLaunchNonce(
		ctx, req.Params.Get(ParamConsumerKey), nonce, issued.Add(v.window),
	)
	if err != nil {
		return fmt.Errorf("recording nonce: %w", err)
	}

	if !fresh {
		return ErrReplayedNonce
	}

	return nil
}

// checkSignature replays req as a form POST against an OAuth provider
// that knows only this consumer. The provider's own clock check is off;
// the window above applies instead.
func (v *oauthVerifier) checkSignature(
	ctx context.Context,
	req *Request,
	consumerSecret string,
) error {
	httpReq, err := formRequest(ctx, req)
	if err != nil {
		return err
	}

	provider := oauth.NewProvider(func(key string, _ map[string]string) (*oauth.Consumer, error) {
		return oauth.NewConsumer(key, consumerSecret, oauth.ServiceProvider{
			IgnoreTimestamp: true,
		}), nil
	})

	if _, err := provider.IsAuthorized(httpReq); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidSignature, err)
	}

	return nil
}

// formRequest rebuilds the launch with a normalized absolute URL and every
// signed parameter, query ones included, in a form-encoded body.
func formRequest(ctx context.Context, req *Request) (*http.Request, error) {
	u, err := url.Parse(req.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing launch url: %w", err)
	}

	if u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("launch url %q must be absolute", req.URL)
	}

	params := make(url.Values, len(req.Params))

	for k, vs := range u.Query() {
		params[k] = append(params[k], vs...)
	}

	for k, vs := range req.Params {
		params[k] = append(params[k], vs...)
	}

	httpReq, err := http.NewRequestWithContext(
		ctx, strings.ToUpper(req.Method), normalizeURL(u), strings.NewReader(params.Encode()),
	)
	if err != nil {
		return nil, fmt.Errorf("building launch request: %w", err)
	}

	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	return httpReq, nil
}
