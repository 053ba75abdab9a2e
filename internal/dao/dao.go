// Package dao is the entry point of the AIS store: it normalizes ingestion
// payloads, writes them through a scoped connection, sweeps expired rows
// and answers the position, vessel and port queries.
package dao

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"ais_store/internal/ais"
	"ais_store/internal/logging"
	"ais_store/internal/metrics"
	"ais_store/internal/storage"
	"ais_store/internal/tiles"
)

// DefaultWindow is how long messages are retained.
const DefaultWindow = 5 * time.Minute

// TrackLength is the number of positions returned by LastFivePositions.
const TrackLength = 5

// Archiver mirrors committed batches to long-term history.
type Archiver interface {
	ArchiveMessages(ctx context.Context, batchID uuid.UUID, msgs []ais.Message) error
}

// MessageDAO acquires exactly one connection per call and releases it on
// every exit path.
type MessageDAO struct {
	connector storage.Connector
	clock     func() time.Time
	window    time.Duration
	resolver  tiles.Resolver
	archive   Archiver
	source    string
}

// Option configures a MessageDAO.
type Option func(*MessageDAO)

// WithClock replaces time.Now as the reference for the retention cutoff.
func WithClock(clock func() time.Time) Option {
	return func(d *MessageDAO) { d.clock = clock }
}

// WithWindow sets the retention window.
func WithWindow(window time.Duration) Option {
	return func(d *MessageDAO) { d.window = window }
}

// WithTiles resolves tile keys for position reports that carry none.
func WithTiles(r tiles.Resolver) Option {
	return func(d *MessageDAO) { d.resolver = r }
}

// WithArchive mirrors every committed batch to a.
func WithArchive(a Archiver) Option {
	return func(d *MessageDAO) { d.archive = a }
}

// WithSource labels ingestion metrics and logs ("http", "nats", "cli").
func WithSource(source string) Option {
	return func(d *MessageDAO) { d.source = source }
}

// New creates a MessageDAO over connector.
func New(connector storage.Connector, opts ...Option) *MessageDAO {
	d := &MessageDAO{
		connector: connector,
		clock:     time.Now,
		window:    DefaultWindow,
		source:    "api",
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// With returns a copy of d with additional options applied. The copy
// shares the connector.
func (d *MessageDAO) With(opts ...Option) *MessageDAO {
	c := *d
	for _, opt := range opts {
		opt(&c)
	}
	return &c
}

// Window returns the retention window.
func (d *MessageDAO) Window() time.Duration {
	return d.window
}

func withConn[T any](ctx context.Context, d *MessageDAO, op string, fn func(storage.Conn) (T, error)) (result T, err error) {
	start := time.Now()
	defer func() { metrics.ObserveOperation(op, start, err) }()

	conn, err := d.connector.Connect(ctx)
	if err != nil {
		return result, err
	}
	defer func() { _ = conn.Close() }()

	return fn(conn)
}

// InsertMessages normalizes payload and stores every message in one
// transaction. It returns the number of message rows added; duplicates of
// an already stored message add nothing. A payload that cannot be
// normalized returns (0, ais.ErrMalformedPayload) without touching the
// store.
func (d *MessageDAO) InsertMessages(ctx context.Context, payload []byte) (int64, error) {
	msgs, err := ais.Normalize(payload)
	if err != nil {
		metrics.IngestBatches.WithLabelValues(d.source, "malformed").Inc()
		logging.Warn().Err(err).Str("source", d.source).Msg("rejected malformed payload")
		return 0, err
	}
	tiles.Apply(d.resolver, msgs)

	stored, err := withConn(ctx, d, "insert_messages", func(conn storage.Conn) ([]ais.Message, error) {
		return conn.InsertMessages(ctx, msgs)
	})
	if err != nil {
		metrics.IngestBatches.WithLabelValues(d.source, "error").Inc()
		return 0, fmt.Errorf("insert messages: %w", err)
	}

	added := int64(len(stored))
	batchID := uuid.New()
	metrics.IngestBatches.WithLabelValues(d.source, "ok").Inc()
	metrics.MessagesIngested.WithLabelValues(d.source).Add(float64(added))
	logging.Debug().
		Str("batch", batchID.String()).
		Str("source", d.source).
		Int("received", len(msgs)).
		Int64("inserted", added).
		Msg("batch stored")

	// Only rows new to the store are archived.
	if d.archive != nil && len(stored) > 0 {
		if err := d.archive.ArchiveMessages(ctx, batchID, stored); err != nil {
			metrics.ArchiveFailures.Inc()
			logging.Warn().Err(err).Str("batch", batchID.String()).Msg("archive batch failed")
		}
	}
	return added, nil
}

// DeleteExpired removes messages older than the retention window, with
// their extension rows, and returns the number of messages removed.
func (d *MessageDAO) DeleteExpired(ctx context.Context) (int64, error) {
	cutoff := d.clock().Add(-d.window)
	deleted, err := withConn(ctx, d, "delete_expired", func(conn storage.Conn) (int64, error) {
		return conn.DeleteBefore(ctx, cutoff)
	})
	if err != nil {
		return 0, fmt.Errorf("delete expired: %w", err)
	}
	metrics.MessagesDeleted.Add(float64(deleted))
	logging.Debug().Time("cutoff", cutoff).Int64("deleted", deleted).Msg("expired messages deleted")
	return deleted, nil
}

// RecentPositions returns the latest position of every vessel, newest
// first.
func (d *MessageDAO) RecentPositions(ctx context.Context) ([]storage.VesselPosition, error) {
	return withConn(ctx, d, "recent_positions", func(conn storage.Conn) ([]storage.VesselPosition, error) {
		return conn.RecentPositions(ctx)
	})
}

// RecentPositionByMMSI returns at most one row: the vessel's latest fix.
func (d *MessageDAO) RecentPositionByMMSI(ctx context.Context, mmsi int64) ([]storage.VesselFix, error) {
	if err := positive("mmsi", mmsi); err != nil {
		return nil, err
	}
	return withConn(ctx, d, "recent_position_by_mmsi", func(conn storage.Conn) ([]storage.VesselFix, error) {
		return conn.RecentPositionByMMSI(ctx, mmsi)
	})
}

// PermanentInfo returns the registry rows matching both keys, each with
// the vessel's most recent position when one is retained.
func (d *MessageDAO) PermanentInfo(ctx context.Context, mmsi, imo int64) ([]storage.VesselInfo, error) {
	if err := positive("mmsi", mmsi); err != nil {
		return nil, err
	}
	if err := positive("imo", imo); err != nil {
		return nil, err
	}
	return withConn(ctx, d, "permanent_info", func(conn storage.Conn) ([]storage.VesselInfo, error) {
		return conn.PermanentInfo(ctx, mmsi, imo)
	})
}

// RecentPositionsInTile returns the latest fix of every vessel whose
// latest report lies in tile at any zoom level.
func (d *MessageDAO) RecentPositionsInTile(ctx context.Context, tile int64) ([]storage.VesselFix, error) {
	if err := positive("tile", tile); err != nil {
		return nil, err
	}
	return withConn(ctx, d, "recent_positions_in_tile", func(conn storage.Conn) ([]storage.VesselFix, error) {
		return conn.RecentPositionsInTile(ctx, tile)
	})
}

func (d *MessageDAO) PortsByName(ctx context.Context, name, country string) ([]storage.Port, error) {
	return withConn(ctx, d, "ports_by_name", func(conn storage.Conn) ([]storage.Port, error) {
		return conn.PortsByName(ctx, name, country)
	})
}

// RecentPositionsAtPort returns the latest fixes in the finest tile of the
// named port.
func (d *MessageDAO) RecentPositionsAtPort(ctx context.Context, name, country string) ([]storage.VesselFix, error) {
	return withConn(ctx, d, "recent_positions_at_port", func(conn storage.Conn) ([]storage.VesselFix, error) {
		return conn.RecentPositionsAtPort(ctx, name, country)
	})
}

// LastFivePositions returns up to five newest positions of a vessel. An
// unknown vessel yields an empty track, not an error.
func (d *MessageDAO) LastFivePositions(ctx context.Context, mmsi int64) (storage.VesselTrack, error) {
	if err := positive("mmsi", mmsi); err != nil {
		return storage.VesselTrack{}, err
	}
	return withConn(ctx, d, "last_five_positions", func(conn storage.Conn) (storage.VesselTrack, error) {
		return conn.LastPositions(ctx, mmsi, TrackLength)
	})
}

func (d *MessageDAO) UpsertVessels(ctx context.Context, vessels []storage.Vessel) (int64, error) {
	return withConn(ctx, d, "upsert_vessels", func(conn storage.Conn) (int64, error) {
		return conn.UpsertVessels(ctx, vessels)
	})
}

func (d *MessageDAO) UpsertPorts(ctx context.Context, ports []storage.PortRecord) (int64, error) {
	return withConn(ctx, d, "upsert_ports", func(conn storage.Conn) (int64, error) {
		return conn.UpsertPorts(ctx, ports)
	})
}

func (d *MessageDAO) Stats(ctx context.Context) (storage.Stats, error) {
	return withConn(ctx, d, "stats", func(conn storage.Conn) (storage.Stats, error) {
		return conn.Stats(ctx)
	})
}

func positive(name string, v int64) error {
	if v <= 0 {
		return fmt.Errorf("%w: %s must be positive, got %d", storage.ErrInvalidArgument, name, v)
	}
	return nil
}

func parsePositive(name, s string) (int64, error) {
	v, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("%w: %s %q is not an integer", storage.ErrInvalidArgument, name, s)
	}
	if err := positive(name, v); err != nil {
		return 0, err
	}
	return v, nil
}

// ParseMMSI parses a positive MMSI.
func ParseMMSI(s string) (int64, error) { return parsePositive("mmsi", s) }

// ParseIMO parses a positive IMO number.
func ParseIMO(s string) (int64, error) { return parsePositive("imo", s) }

// ParseTileID parses a positive tile key.
func ParseTileID(s string) (int64, error) { return parsePositive("tile", s) }

// LegacyCount maps a malformed payload to the count -1 for callers that
// report ingestion results as a single integer. Other errors pass through.
func LegacyCount(n int64, err error) (int64, error) {
	if errors.Is(err, ais.ErrMalformedPayload) {
		return -1, nil
	}
	return n, err
}
