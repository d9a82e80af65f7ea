package api

import (
	"context"
	"net/http"
	"time"

	"github.com/hellofresh/health-go/v5"
)

const healthCheckTimeout = 2 * time.Second

// pinger is the part of the store the health check needs.
type pinger interface {
	Ping(ctx context.Context) error
}

func newHealth(db pinger) (*health.Health, error) {
	return health.New(
		health.WithComponent(health.Component{
			Name:    "badgeoor",
			Version: "v1",
		}),
		health.WithChecks(health.Config{
			Name:    "database",
			Timeout: healthCheckTimeout,
			Check:   db.Ping,
		}),
	)
}

// handleHealth reports component health, answering 503 when any check
// fails.
func (s *server) handleHealth(w http.ResponseWriter, r *http.Request) {
	result := s.health.Measure(r.Context())

	status := http.StatusOK
	if result.Status != health.StatusOK {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, result)
}
