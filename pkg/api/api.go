package api

import (
	"context"
	"errors"
	"fmt"
	"html/template"
	"net"
	"net/http"
	"time"

	"github.com/ethpandaops/badgeoor/pkg/api/store"
	"github.com/ethpandaops/badgeoor/pkg/badge"
	"github.com/ethpandaops/badgeoor/pkg/canvas"
	"github.com/ethpandaops/badgeoor/pkg/config"
	"github.com/ethpandaops/badgeoor/pkg/lti"
	"github.com/hellofresh/health-go/v5"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

// Server exposes the HTTP server lifecycle.
type Server interface {
	Start(ctx context.Context) error
	Stop() error
	// Errors delivers a failure of the HTTP server after Start returned.
	Errors() <-chan error
}

// Compile-time interface check.
var _ Server = (*server)(nil)

// Option customises a Server.
type Option func(*server)

// WithStore makes the server use st instead of opening the configured
// database.
func WithStore(st store.Store) Option {
	return func(s *server) {
		s.store = st
	}
}

// WithCanvasClient overrides the Canvas client built from config.
func WithCanvasClient(c canvas.Client) Option {
	return func(s *server) {
		s.canvas = c
	}
}

type server struct {
	log        logrus.FieldLogger
	cfg        *config.Config
	store      store.Store
	canvas     canvas.Client
	verifier   lti.Verifier
	issuer     badge.Issuer
	templates  *template.Template
	health     *health.Health
	assets     assetBackend
	handler    http.Handler
	httpServer *http.Server
	listener   net.Listener
	errCh      chan error
	cancel     context.CancelFunc
	group      *errgroup.Group
	now        func() time.Time
}

// NewServer creates a new badge server.
func NewServer(
	log logrus.FieldLogger,
	cfg *config.Config,
	opts ...Option,
) Server {
	s := &server{
		log: log.WithField("component", "api"),
		cfg: cfg,
		issuer: badge.Issuer{
			Origin:  cfg.Issuer.Origin,
			Name:    cfg.Issuer.Name,
			Org:     cfg.Issuer.Org,
			Contact: cfg.Issuer.Contact,
		},
		now:   time.Now,
		errCh: make(chan error, 1),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

// prepare opens the store, seeds it from config and builds the router.
// Nothing is listening yet when it returns.
func (s *server) prepare(ctx context.Context) error {
	if s.store == nil {
		s.store = store.NewStore(s.log, &s.cfg.Database)
		if err := s.store.Start(ctx); err != nil {
			return fmt.Errorf("starting store: %w", err)
		}
	}

	if err := s.store.SeedConsumers(ctx, s.cfg.LTI.Consumers); err != nil {
		return fmt.Errorf("seeding consumers: %w", err)
	}

	if err := s.store.SeedCanvasOAuth(
		ctx, s.cfg.Canvas.ClientID, s.cfg.Canvas.ClientSecret,
	); err != nil {
		return fmt.Errorf("seeding canvas developer key: %w", err)
	}

	// The developer key is read once; rotating it needs a restart.
	if s.canvas == nil {
		devKey, err := s.store.GetExternalConfigByType(ctx, store.ConfigTypeCanvasOAuth)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("no canvas developer key configured (canvas.client_id)")
			}

			return fmt.Errorf("loading canvas developer key: %w", err)
		}

		s.canvas = canvas.NewClient(s.log, canvas.Options{
			ClientID:     devKey.Value,
			ClientSecret: devKey.SharedSecret,
			Scheme:       s.cfg.Canvas.Scheme,
			Timeout:      s.cfg.CanvasTimeout(),
		})
	}

	s.verifier = lti.NewVerifier(s.log, s.cfg.TimestampWindow(), s.store)

	tmpl, err := parseTemplates()
	if err != nil {
		return fmt.Errorf("parsing templates: %w", err)
	}

	s.templates = tmpl

	h, err := newHealth(s.store)
	if err != nil {
		return fmt.Errorf("initializing health checks: %w", err)
	}

	s.health = h

	assets, err := newAssetBackend(s.log, &s.cfg.Storage)
	if err != nil {
		return fmt.Errorf("initializing asset storage: %w", err)
	}

	s.assets = assets

	s.handler = s.buildRouter()

	return nil
}

// Start prepares the server, binds the listener and serves in the
// background together with the session janitor.
func (s *server) Start(ctx context.Context) error {
	if err := s.prepare(ctx); err != nil {
		return err
	}

	s.httpServer = &http.Server{
		Addr:              s.cfg.Server.Listen,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	// Bind the listener synchronously so we fail fast on port conflicts.
	ln, err := net.Listen("tcp", s.cfg.Server.Listen)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.cfg.Server.Listen, err)
	}

	s.listener = ln

	runCtx, cancel := context.WithCancel(context.Background())
	s.cancel = cancel

	g, gCtx := errgroup.WithContext(runCtx)
	s.group = g

	g.Go(func() error {
		s.runJanitor(gCtx, s.cfg.SessionCleanupInterval())

		return nil
	})

	g.Go(func() error {
		s.log.WithField("listen", s.cfg.Server.Listen).
			Info("Badge server starting")

		if err := s.httpServer.Serve(ln); err != nil &&
			!errors.Is(err, http.ErrServerClosed) {
			err = fmt.Errorf("serving http: %w", err)

			select {
			case s.errCh <- err:
			default:
			}

			return err
		}

		return nil
	})

	return nil
}

// Errors returns the channel on which a serve failure is reported.
func (s *server) Errors() <-chan error {
	return s.errCh
}

// Stop gracefully shuts down the HTTP server and closes the store.
func (s *server) Stop() error {
	if s.httpServer != nil {
		ctx, cancel := context.WithTimeout(
			context.Background(), shutdownTimeout,
		)
		defer cancel()

		if err := s.httpServer.Shutdown(ctx); err != nil {
			s.log.WithError(err).Warn("HTTP server shutdown error")
		}
	}

	if s.cancel != nil {
		s.cancel()
	}

	if s.group != nil {
		if err := s.group.Wait(); err != nil {
			s.log.WithError(err).Error("HTTP server error")
		}
	}

	if s.store != nil {
		if err := s.store.Stop(); err != nil {
			return fmt.Errorf("stopping store: %w", err)
		}
	}

	s.log.Info("Badge server stopped")

	return nil
}

// runJanitor prunes expired sessions and launch nonces until ctx ends.
func (s *server) runJanitor(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.cleanup(ctx)
		case <-ctx.Done():
			return
		}
	}
}

func (s *server) cleanup(ctx context.Context) {
	sessions, err := s.store.DeleteExpiredSessions(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to clean expired sessions")
	}

	nonces, err := s.store.DeleteExpiredLaunchNonces(ctx)
	if err != nil {
		s.log.WithError(err).Warn("Failed to clean expired launch nonces")
	}

	if sessions > 0 || nonces > 0 {
		s.log.WithField("sessions", sessions).
			WithField("nonces", nonces).
			Debug("Pruned expired records")
	}
}
