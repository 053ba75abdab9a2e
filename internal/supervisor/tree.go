// Package supervisor runs the long-lived parts of aisd under a suture
// tree: the ingestion layer (NATS feed, retention sweeper) and the API
// layer (HTTP server). A crash in one layer is restarted without taking
// down the other.
package supervisor

import (
	"context"
	"time"

	"github.com/thejerf/suture/v4"

	"ais_store/internal/logging"
)

// TreeConfig holds supervisor tree configuration.
type TreeConfig struct {
	// FailureThreshold is the number of failures before entering backoff.
	FailureThreshold float64

	// FailureDecay is the rate at which failures decay in seconds.
	FailureDecay float64

	FailureBackoff  time.Duration
	ShutdownTimeout time.Duration
}

// DefaultTreeConfig returns suture's own defaults.
func DefaultTreeConfig() TreeConfig {
	return TreeConfig{
		FailureThreshold: 5.0,
		FailureDecay:     30.0,
		FailureBackoff:   15 * time.Second,
		ShutdownTimeout:  10 * time.Second,
	}
}

// Tree is the root supervisor with one child per layer.
type Tree struct {
	root      *suture.Supervisor
	ingestion *suture.Supervisor
	api       *suture.Supervisor
}

// NewTree builds the tree. Zero config fields take the defaults.
func NewTree(config TreeConfig) *Tree {
	def := DefaultTreeConfig()
	if config.FailureThreshold == 0 {
		config.FailureThreshold = def.FailureThreshold
	}
	if config.FailureDecay == 0 {
		config.FailureDecay = def.FailureDecay
	}
	if config.FailureBackoff == 0 {
		config.FailureBackoff = def.FailureBackoff
	}
	if config.ShutdownTimeout == 0 {
		config.ShutdownTimeout = def.ShutdownTimeout
	}

	childSpec := suture.Spec{
		FailureThreshold: config.FailureThreshold,
		FailureDecay:     config.FailureDecay,
		FailureBackoff:   config.FailureBackoff,
		Timeout:          config.ShutdownTimeout,
	}
	rootSpec := childSpec
	rootSpec.EventHook = logEvent

	root := suture.New("aisd", rootSpec)
	ingestion := suture.New("ingestion-layer", childSpec)
	api := suture.New("api-layer", childSpec)
	root.Add(ingestion)
	root.Add(api)

	return &Tree{root: root, ingestion: ingestion, api: api}
}

func logEvent(e suture.Event) {
	logging.Warn().Fields(e.Map()).Msg(e.String())
}

// AddIngestionService adds a feed or sweeper service.
func (t *Tree) AddIngestionService(svc suture.Service) suture.ServiceToken {
	return t.ingestion.Add(svc)
}

// AddAPIService adds the HTTP server.
func (t *Tree) AddAPIService(svc suture.Service) suture.ServiceToken {
	return t.api.Add(svc)
}

// Serve blocks until ctx is canceled.
func (t *Tree) Serve(ctx context.Context) error {
	return t.root.Serve(ctx)
}

// ServeBackground starts the tree in a goroutine.
func (t *Tree) ServeBackground(ctx context.Context) <-chan error {
	return t.root.ServeBackground(ctx)
}

// UnstoppedServiceReport lists services that missed the shutdown timeout.
func (t *Tree) UnstoppedServiceReport() ([]suture.UnstoppedService, error) {
	return t.root.UnstoppedServiceReport()
}
