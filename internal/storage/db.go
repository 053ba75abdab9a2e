// Package storage persists normalized AIS messages and answers the
// position, vessel and port queries over them.
package storage

import (
	"context"
	"fmt"
	"time"

	"ais_store/internal/ais"
)

// Connector hands out one scoped connection per call. Callers must Close
// the returned Conn on every exit path.
type Connector interface {
	Connect(ctx context.Context) (Conn, error)
}

// Conn is a single acquired connection to the relational store.
type Conn interface {
	// InsertMessages writes the batch in one transaction and returns the
	// messages that were added, in input order. Duplicates of the natural
	// key (mmsi, ts, msg_type) are skipped and not returned.
	InsertMessages(ctx context.Context, msgs []ais.Message) ([]ais.Message, error)

	// DeleteBefore removes messages older than cutoff together with their
	// extension rows and returns the number of messages removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)

	RecentPositions(ctx context.Context) ([]VesselPosition, error)
	RecentPositionByMMSI(ctx context.Context, mmsi int64) ([]VesselFix, error)
	PermanentInfo(ctx context.Context, mmsi, imo int64) ([]VesselInfo, error)
	RecentPositionsInTile(ctx context.Context, tile int64) ([]VesselFix, error)
	PortsByName(ctx context.Context, name, country string) ([]Port, error)
	RecentPositionsAtPort(ctx context.Context, name, country string) ([]VesselFix, error)
	LastPositions(ctx context.Context, mmsi int64, limit int) (VesselTrack, error)

	UpsertVessels(ctx context.Context, vessels []Vessel) (int64, error)
	UpsertPorts(ctx context.Context, ports []PortRecord) (int64, error)
	Stats(ctx context.Context) (Stats, error)

	Close() error
}

// Store is a Connector that owns its pool and can create its schema.
type Store interface {
	Connector
	CreateSchema(ctx context.Context) error
	Close() error
}

// Config holds database connection settings. When SQLitePath is set the
// embedded SQLite store is used instead of PostgreSQL.
type Config struct {
	SQLitePath string
	Postgres   PostgresConfig
	ClickHouse ClickHouseConfig
}

// DefaultConfig returns a configuration with default local development settings.
func DefaultConfig() Config {
	return Config{
		ClickHouse: ClickHouseConfig{
			Host:     "localhost",
			Port:     9000,
			Database: "ais",
			User:     "default",
			Password: "",
		},
		Postgres: PostgresConfig{
			Host:     "localhost",
			Port:     5432,
			Database: "ais",
			User:     "ais",
			Password: "ais",
		},
	}
}

// Open opens the configured relational store.
func Open(ctx context.Context, cfg Config) (Store, error) {
	if cfg.SQLitePath != "" {
		db, err := OpenSQLite(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("sqlite: %w", err)
		}
		return db, nil
	}

	pg, err := OpenPostgres(ctx, cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("postgres: %w", err)
	}
	return pg, nil
}

// VesselPosition is the latest fix of one vessel.
type VesselPosition struct {
	MMSI      int64   `json:"mmsi"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// VesselFix is a position joined with the vessel registry. IMO is nil
// when no registry row exists for the MMSI.
type VesselFix struct {
	MMSI      int64   `json:"mmsi"`
	IMO       *int64  `json:"imo"`
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// VesselInfo is a registry row with the vessel's most recent position, if
// one is still retained.
type VesselInfo struct {
	MMSI      int64    `json:"mmsi"`
	IMO       int64    `json:"imo"`
	Name      *string  `json:"name"`
	Latitude  *float64 `json:"latitude"`
	Longitude *float64 `json:"longitude"`
}

// Port is the query shape of a port registry row.
type Port struct {
	ID        int64   `json:"id"`
	LoCode    *string `json:"locode"`
	Name      string  `json:"name"`
	Country   string  `json:"country"`
	Longitude float64 `json:"longitude"`
	Latitude  float64 `json:"latitude"`
	MapView2  *int64  `json:"mapview2_id"`
	MapView3  *int64  `json:"mapview3_id"`
}

// PortRecord is a full port registry row as loaded into the store.
type PortRecord struct {
	ID        int64
	LoCode    *string
	Name      string
	Country   string
	Longitude float64
	Latitude  float64
	MapView1  *int64
	MapView2  *int64
	MapView3  *int64
}

// Vessel is a registry row keyed by IMO.
type Vessel struct {
	IMO        int64
	MMSI       int64
	Name       *string
	CallSign   *string
	VesselType *string
	Flag       *string
	Length     *float64
	Breadth    *float64
}

// Coordinate is a single latitude/longitude pair.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// VesselTrack bundles a vessel's newest positions with its IMO.
type VesselTrack struct {
	MMSI      int64        `json:"mmsi"`
	IMO       *int64       `json:"imo"`
	Positions []Coordinate `json:"positions"`
}

// Stats holds row counts of the store.
type Stats struct {
	Messages        int64 `json:"messages"`
	StaticData      int64 `json:"static_data"`
	PositionReports int64 `json:"position_reports"`
	OrphanedStatic  int64 `json:"orphaned_static_data"`
	OrphanedReports int64 `json:"orphaned_position_reports"`
	Vessels         int64 `json:"vessels"`
	Ports           int64 `json:"ports"`
}
