package api

import (
	"errors"
	"net/http"
)

// errorKind classifies request failures. Every kind is terminal for the
// request that hit it.
type errorKind int

const (
	kindInternal errorKind = iota
	kindConfiguration
	kindValidation
	kindAuthentication
	kindAuthorization
	kindSession
	kindUpstream
	kindNotFound
)

func (k errorKind) String() string {
	switch k {
	case kindConfiguration:
		return "configuration"
	case kindValidation:
		return "validation"
	case kindAuthentication:
		return "authentication"
	case kindAuthorization:
		return "authorization"
	case kindSession:
		return "session"
	case kindUpstream:
		return "upstream"
	case kindNotFound:
		return "not_found"
	default:
		return "internal"
	}
}

// status maps a kind onto the HTTP status of its error page.
func (k errorKind) status() int {
	switch k {
	case kindConfiguration, kindValidation:
		return http.StatusBadRequest
	case kindAuthentication, kindSession:
		return http.StatusUnauthorized
	case kindAuthorization:
		return http.StatusForbidden
	case kindUpstream:
		return http.StatusBadGateway
	case kindNotFound:
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

// appError is a classified failure. message is shown to the user; err,
// when set, is only logged.
type appError struct {
	kind    errorKind
	message string
	err     error
}

func (e *appError) Error() string {
	if e.err != nil {
		return e.kind.String() + ": " + e.message + ": " + e.err.Error()
	}

	return e.kind.String() + ": " + e.message
}

func (e *appError) Unwrap() error {
	return e.err
}

func newError(kind errorKind, message string, err error) *appError {
	return &appError{kind: kind, message: message, err: err}
}

// classify returns the appError in err's chain, or wraps err as internal.
func classify(err error) *appError {
	var appErr *appError
	if errors.As(err, &appErr) {
		return appErr
	}

	return newError(kindInternal, "Something went wrong", err)
}

// handlerFunc is an HTTP handler that reports failure by returning an
// error instead of writing a response.
type handlerFunc func(w http.ResponseWriter, r *http.Request) error

// handle adapts h into an http.HandlerFunc that renders returned errors
// as an error page.
func (s *server) handle(h handlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		err := h(w, r)
		if err == nil {
			return
		}

		appErr := classify(err)

		entry := s.log.WithField("kind", appErr.kind.String()).
			WithField("path", r.URL.Path).
			WithError(err)

		if appErr.kind == kindInternal || appErr.kind == kindUpstream {
			entry.Error("Request failed")
		} else {
			entry.Debug("Request rejected")
		}

		s.renderError(w, appErr)
	}
}
