package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
	"github.com/google/uuid"

	"ais_store/internal/ais"
)

// ClickHouseConfig holds ClickHouse connection settings.
type ClickHouseConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// ClickHouseDB is the append-only history archive. Rows are never swept by
// the retention window.
type ClickHouseDB struct {
	conn driver.Conn
}

// OpenClickHouse opens a connection to ClickHouse.
func OpenClickHouse(ctx context.Context, cfg ClickHouseConfig) (*ClickHouseDB, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{fmt.Sprintf("%s:%d", cfg.Host, cfg.Port)},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.User,
			Password: cfg.Password,
		},
		Settings: clickhouse.Settings{
			"max_execution_time": 60,
		},
		DialTimeout:     10 * time.Second,
		MaxOpenConns:    10,
		MaxIdleConns:    5,
		ConnMaxLifetime: time.Hour,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: open clickhouse: %w", ErrConnectionFailed, err)
	}

	// Test the connection.
	if err := conn.Ping(ctx); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("%w: ping clickhouse: %w", ErrConnectionFailed, err)
	}

	return &ClickHouseDB{conn: conn}, nil
}

// Close closes the ClickHouse connection.
func (d *ClickHouseDB) Close() error {
	return d.conn.Close()
}

// CreateSchema creates the ClickHouse tables.
func (d *ClickHouseDB) CreateSchema(ctx context.Context) error {
	err := d.conn.Exec(ctx, `CREATE TABLE IF NOT EXISTS ais_message_history (
		batch_id        UUID,
		ts              DateTime64(3, 'UTC'),
		mmsi            Int64,
		class           LowCardinality(String),
		msg_type        LowCardinality(String),
		imo             Nullable(Int64),
		call_sign       Nullable(String),
		destination     Nullable(String),
		name            Nullable(String),
		vessel_type     Nullable(String),
		latitude        Nullable(Float64),
		longitude       Nullable(Float64),
		nav_status      LowCardinality(Nullable(String)),
		rot             Nullable(Float64),
		sog             Nullable(Float64),
		cog             Nullable(Float64),
		heading         Nullable(Float64),
		mapview1_id     Nullable(Int64),
		mapview2_id     Nullable(Int64),
		mapview3_id     Nullable(Int64),
		archived_at     DateTime64(3) DEFAULT now64(3)
	)
	ENGINE = MergeTree()
	PARTITION BY toYYYYMM(ts)
	ORDER BY (msg_type, mmsi, ts)
	SETTINGS index_granularity = 8192`)
	if err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// ArchiveMessages appends a committed batch to the history table.
func (d *ClickHouseDB) ArchiveMessages(ctx context.Context, batchID uuid.UUID, msgs []ais.Message) error {
	if len(msgs) == 0 {
		return nil
	}

	batch, err := d.conn.PrepareBatch(ctx, `
		INSERT INTO ais_message_history (batch_id, ts, mmsi, class, msg_type, imo, call_sign, destination, name,
			vessel_type, latitude, longitude, nav_status, rot, sog, cog, heading, mapview1_id, mapview2_id, mapview3_id)
	`)
	if err != nil {
		return fmt.Errorf("prepare batch: %w", err)
	}

	for _, m := range msgs {
		row := historyRow(m)
		err := batch.Append(batchID, m.Timestamp.UTC(), m.MMSI, m.Class, string(m.Type),
			row.imo, row.callSign, row.destination, row.name, row.vesselType,
			row.latitude, row.longitude, row.status, row.rot, row.sog, row.cog, row.heading,
			row.mapView1, row.mapView2, row.mapView3)
		if err != nil {
			_ = batch.Abort()
			return fmt.Errorf("append to batch: %w", err)
		}
	}

	if err := batch.Send(); err != nil {
		return fmt.Errorf("send batch: %w", err)
	}
	return nil
}

// HistoryPoint is an archived position of a vessel.
type HistoryPoint struct {
	Timestamp time.Time `json:"ts"`
	Latitude  float64   `json:"latitude"`
	Longitude float64   `json:"longitude"`
}

// PositionHistory returns archived positions of one vessel since the given
// instant, newest first.
func (d *ClickHouseDB) PositionHistory(ctx context.Context, mmsi int64, since time.Time, limit int) ([]HistoryPoint, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.conn.Query(ctx, `
		SELECT ts, assumeNotNull(latitude), assumeNotNull(longitude)
		FROM ais_message_history
		WHERE msg_type = 'position_report' AND mmsi = ? AND ts >= ?
		ORDER BY ts DESC
		LIMIT ?
	`, mmsi, since.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("query history: %w", err)
	}
	defer rows.Close()

	points := []HistoryPoint{}
	for rows.Next() {
		var p HistoryPoint
		if err := rows.Scan(&p.Timestamp, &p.Latitude, &p.Longitude); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		points = append(points, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return points, nil
}

type historyColumns struct {
	imo                          *int64
	callSign, destination, name  *string
	vesselType, status           *string
	latitude, longitude          *float64
	rot, sog, cog, heading       *float64
	mapView1, mapView2, mapView3 *int64
}

func historyRow(m ais.Message) historyColumns {
	var c historyColumns
	if s := m.Static; s != nil {
		c.imo, c.callSign, c.destination, c.name, c.vesselType = s.IMO, s.CallSign, s.Destination, s.Name, s.VesselType
	}
	if p := m.Position; p != nil {
		status := p.Status
		lat, lon, rot, sog, cog, heading := p.Latitude, p.Longitude, p.RoT, p.SoG, p.CoG, p.Heading
		c.status = &status
		c.latitude, c.longitude = &lat, &lon
		c.rot, c.sog, c.cog, c.heading = &rot, &sog, &cog, &heading
		c.mapView1, c.mapView2, c.mapView3 = p.MapView1, p.MapView2, p.MapView3
	}
	return c
}
