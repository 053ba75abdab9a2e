// Package feed ingests AIS payloads published on a NATS subject. Every
// NATS message body is one ingestion payload: a message object or an
// array of them.
package feed

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"

	"ais_store/internal/dao"
	"ais_store/internal/logging"
)

// DefaultSubject is the subject AIS payloads are published on.
const DefaultSubject = "ais.messages"

// Ingester stores a raw payload and returns the number of rows added.
type Ingester interface {
	InsertMessages(ctx context.Context, payload []byte) (int64, error)
}

// Config holds the NATS subscription settings.
type Config struct {
	URL     string
	Subject string
	// Queue, when set, load-balances the subject across aisd instances.
	Queue string
	// DrainTimeout bounds how long pending messages are processed on
	// shutdown.
	DrainTimeout time.Duration
}

// Reply is sent back when a payload is published with a reply subject.
// Count is -1 for a malformed payload.
type Reply struct {
	Count int64  `json:"count"`
	Error string `json:"error,omitempty"`
}

// Subscriber is a suture service that feeds NATS messages to an Ingester.
type Subscriber struct {
	cfg      Config
	ingester Ingester

	readyOnce sync.Once
	ready     chan struct{}
}

func NewSubscriber(cfg Config, ingester Ingester) *Subscriber {
	if cfg.Subject == "" {
		cfg.Subject = DefaultSubject
	}
	if cfg.DrainTimeout <= 0 {
		cfg.DrainTimeout = 10 * time.Second
	}
	return &Subscriber{cfg: cfg, ingester: ingester, ready: make(chan struct{})}
}

// Ready is closed once the first subscription is registered with the
// server.
func (s *Subscriber) Ready() <-chan struct{} {
	return s.ready
}

// Serve connects, subscribes and blocks until ctx is canceled. On
// shutdown the connection is drained so in-flight payloads are stored.
func (s *Subscriber) Serve(ctx context.Context) error {
	var closeOnce sync.Once
	closed := make(chan struct{})

	nc, err := nats.Connect(s.cfg.URL,
		nats.Name("aisd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(time.Second),
		nats.ClosedHandler(func(*nats.Conn) { closeOnce.Do(func() { close(closed) }) }),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				logging.Warn().Err(err).Msg("nats disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logging.Info().Str("url", nc.ConnectedUrl()).Msg("nats reconnected")
		}),
	)
	if err != nil {
		return fmt.Errorf("connect to NATS: %w", err)
	}
	defer nc.Close()

	// Handlers keep running while the connection drains after ctx ends.
	handlerCtx := context.WithoutCancel(ctx)
	handler := func(m *nats.Msg) { s.handle(handlerCtx, m) }

	if s.cfg.Queue != "" {
		_, err = nc.QueueSubscribe(s.cfg.Subject, s.cfg.Queue, handler)
	} else {
		_, err = nc.Subscribe(s.cfg.Subject, handler)
	}
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", s.cfg.Subject, err)
	}
	if err := nc.Flush(); err != nil {
		return fmt.Errorf("flush subscription: %w", err)
	}

	logging.Info().Str("subject", s.cfg.Subject).Str("queue", s.cfg.Queue).Msg("nats feed subscribed")
	s.readyOnce.Do(func() { close(s.ready) })

	select {
	case <-ctx.Done():
	case <-closed:
		return fmt.Errorf("nats connection closed")
	}

	if err := nc.Drain(); err != nil {
		logging.Warn().Err(err).Msg("nats drain failed")
		return ctx.Err()
	}
	select {
	case <-closed:
	case <-time.After(s.cfg.DrainTimeout):
		logging.Warn().Dur("timeout", s.cfg.DrainTimeout).Msg("nats drain timed out")
	}
	return ctx.Err()
}

func (s *Subscriber) handle(ctx context.Context, m *nats.Msg) {
	count, err := dao.LegacyCount(s.ingester.InsertMessages(ctx, m.Data))

	reply := Reply{Count: count}
	switch {
	case err != nil:
		reply.Error = err.Error()
		logging.Err(err).Str("subject", m.Subject).Msg("ingest from nats failed")
	case count < 0:
		reply.Error = "malformed payload"
	}

	if m.Reply == "" {
		return
	}
	body, err := json.Marshal(reply)
	if err != nil {
		logging.Err(err).Msg("encode nats reply")
		return
	}
	if err := m.Respond(body); err != nil {
		logging.Warn().Err(err).Str("subject", m.Subject).Msg("nats reply failed")
	}
}

func (s *Subscriber) String() string {
	return "nats-feed"
}
