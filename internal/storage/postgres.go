package storage

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"ais_store/internal/ais"
)

// PostgresConfig holds PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string
	Port     int
	Database string
	User     string
	Password string
}

// PostgresDB wraps a PostgreSQL connection pool and hands out scoped
// connections from it.
type PostgresDB struct {
	pool *pgxpool.Pool
}

// OpenPostgres opens a connection pool to PostgreSQL. Connection failures
// are classified as ErrAuthenticationFailed, ErrDatabaseNotFound or
// ErrConnectionFailed.
func OpenPostgres(ctx context.Context, cfg PostgresConfig) (*PostgresDB, error) {
	poolCfg, err := pgxpool.ParseConfig(postgresURL(cfg))
	if err != nil {
		return nil, fmt.Errorf("%w: parse postgres config: %w", ErrConnectionFailed, err)
	}

	poolCfg.MaxConns = 10
	poolCfg.MinConns = 2
	poolCfg.MaxConnLifetime = time.Hour
	poolCfg.MaxConnIdleTime = 30 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, classifyPostgresError(err)
	}

	// Test the connection.
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, classifyPostgresError(err)
	}

	return &PostgresDB{pool: pool}, nil
}

// postgresURL builds the connection URL with every component escaped.
func postgresURL(cfg PostgresConfig) string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(cfg.User, cfg.Password),
		Host:     net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		Path:     "/" + cfg.Database,
		RawQuery: "sslmode=disable",
	}
	return u.String()
}

// Close closes the PostgreSQL connection pool.
func (d *PostgresDB) Close() error {
	d.pool.Close()
	return nil
}

// Connect acquires one connection from the pool.
func (d *PostgresDB) Connect(ctx context.Context) (Conn, error) {
	c, err := d.pool.Acquire(ctx)
	if err != nil {
		return nil, classifyPostgresError(err)
	}
	pc := &pgConn{conn: c}
	pc.reader = reader{bind: rebindDollar, query: pc.runQuery}
	return pc, nil
}

// CreateSchema creates the PostgreSQL tables.
func (d *PostgresDB) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ais_message (
		id          BIGSERIAL PRIMARY KEY,
		ts          TIMESTAMPTZ NOT NULL,
		mmsi        BIGINT NOT NULL,
		class       TEXT NOT NULL,
		msg_type    TEXT NOT NULL CHECK (msg_type IN ('static_data', 'position_report')),
		UNIQUE (mmsi, ts, msg_type)
	);

	CREATE INDEX IF NOT EXISTS idx_ais_message_ts ON ais_message(ts);
	CREATE INDEX IF NOT EXISTS idx_ais_message_mmsi_ts ON ais_message(mmsi, ts DESC);

	CREATE TABLE IF NOT EXISTS static_data (
		ais_message_id  BIGINT PRIMARY KEY REFERENCES ais_message(id) ON DELETE CASCADE,
		imo             BIGINT,
		call_sign       TEXT,
		destination     TEXT,
		name            TEXT,
		vessel_type     TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_static_data_imo ON static_data(imo);

	CREATE TABLE IF NOT EXISTS position_report (
		ais_message_id  BIGINT PRIMARY KEY REFERENCES ais_message(id) ON DELETE CASCADE,
		latitude        DOUBLE PRECISION NOT NULL,
		longitude       DOUBLE PRECISION NOT NULL,
		nav_status      TEXT NOT NULL,
		rot             DOUBLE PRECISION NOT NULL,
		sog             DOUBLE PRECISION NOT NULL,
		cog             DOUBLE PRECISION NOT NULL,
		heading         DOUBLE PRECISION NOT NULL,
		mapview1_id     BIGINT,
		mapview2_id     BIGINT,
		mapview3_id     BIGINT
	);

	CREATE INDEX IF NOT EXISTS idx_position_report_mapview1 ON position_report(mapview1_id);
	CREATE INDEX IF NOT EXISTS idx_position_report_mapview2 ON position_report(mapview2_id);
	CREATE INDEX IF NOT EXISTS idx_position_report_mapview3 ON position_report(mapview3_id);

	-- Reference data: vessel registry
	CREATE TABLE IF NOT EXISTS vessel (
		imo             BIGINT PRIMARY KEY,
		mmsi            BIGINT NOT NULL,
		name            TEXT,
		call_sign       TEXT,
		vessel_type     TEXT,
		flag            TEXT,
		length          DOUBLE PRECISION,
		breadth         DOUBLE PRECISION
	);

	CREATE INDEX IF NOT EXISTS idx_vessel_mmsi ON vessel(mmsi);

	-- Reference data: ports
	CREATE TABLE IF NOT EXISTS port (
		id              BIGINT PRIMARY KEY,
		locode          TEXT,
		name            TEXT NOT NULL,
		country         TEXT NOT NULL,
		longitude       DOUBLE PRECISION NOT NULL,
		latitude        DOUBLE PRECISION NOT NULL,
		mapview1_id     BIGINT,
		mapview2_id     BIGINT,
		mapview3_id     BIGINT
	);

	CREATE INDEX IF NOT EXISTS idx_port_name_country ON port(name, country);
	`

	if _, err := d.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	return nil
}

// pgConn is a pooled connection held for the duration of one call.
type pgConn struct {
	reader
	conn *pgxpool.Conn
}

func (c *pgConn) runQuery(ctx context.Context, q string, args ...any) (rowScanner, func(), error) {
	rows, err := c.conn.Query(ctx, q, args...)
	if err != nil {
		return nil, nil, err
	}
	return rows, rows.Close, nil
}

// Close returns the connection to the pool.
func (c *pgConn) Close() error {
	c.conn.Release()
	return nil
}

const (
	pgInsertMessage = `
		INSERT INTO ais_message (ts, mmsi, class, msg_type)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (mmsi, ts, msg_type) DO NOTHING
		RETURNING id`

	pgInsertStatic = `
		INSERT INTO static_data (ais_message_id, imo, call_sign, destination, name, vessel_type)
		VALUES ($1, $2, $3, $4, $5, $6)`

	pgInsertPosition = `
		INSERT INTO position_report (ais_message_id, latitude, longitude, nav_status, rot, sog, cog, heading,
			mapview1_id, mapview2_id, mapview3_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
)

// InsertMessages writes each message row followed by its extension row in
// a single transaction.
func (c *pgConn) InsertMessages(ctx context.Context, msgs []ais.Message) ([]ais.Message, error) {
	tx, err := c.conn.Begin(ctx)
	if err != nil {
		return nil, persistenceError("begin transaction", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	added := make([]ais.Message, 0, len(msgs))
	for i := range msgs {
		m := &msgs[i]
		id, n, err := pgInsertHeader(ctx, tx, m)
		if err != nil {
			return nil, persistenceError(fmt.Sprintf("insert message %d", i), err)
		}
		if n == 0 {
			continue
		}
		added = append(added, *m)

		switch m.Type {
		case ais.TypeStaticData:
			s := m.Static
			_, err = tx.Exec(ctx, pgInsertStatic, id, s.IMO, s.CallSign, s.Destination, s.Name, s.VesselType)
		case ais.TypePositionReport:
			p := m.Position
			_, err = tx.Exec(ctx, pgInsertPosition, id, p.Latitude, p.Longitude, p.Status,
				p.RoT, p.SoG, p.CoG, p.Heading, p.MapView1, p.MapView2, p.MapView3)
		}
		if err != nil {
			return nil, persistenceError(fmt.Sprintf("insert %s %d", m.Type, i), err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, persistenceError("commit", err)
	}
	return added, nil
}

// pgInsertHeader inserts the message row and reports its id along with the
// rows affected. A natural key conflict affects zero rows.
func pgInsertHeader(ctx context.Context, tx pgx.Tx, m *ais.Message) (int64, int64, error) {
	rows, err := tx.Query(ctx, pgInsertMessage, m.Timestamp.UTC(), m.MMSI, m.Class, string(m.Type))
	if err != nil {
		return 0, 0, err
	}
	var id int64
	for rows.Next() {
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, err
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}
	return id, rows.CommandTag().RowsAffected(), nil
}

// DeleteBefore relies on ON DELETE CASCADE to remove extension rows in the
// same statement.
func (c *pgConn) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := c.conn.Exec(ctx, `DELETE FROM ais_message WHERE ts < $1`, cutoff.UTC())
	if err != nil {
		return 0, persistenceError("delete expired messages", err)
	}
	return tag.RowsAffected(), nil
}

func (c *pgConn) UpsertVessels(ctx context.Context, vessels []Vessel) (int64, error) {
	q := rebindDollar(qUpsertVessel)
	return pgInTx(ctx, c.conn, "upsert vessels", func(tx pgx.Tx) (int64, error) {
		var n int64
		for _, v := range vessels {
			tag, err := tx.Exec(ctx, q, v.IMO, v.MMSI, v.Name, v.CallSign, v.VesselType, v.Flag, v.Length, v.Breadth)
			if err != nil {
				return 0, err
			}
			n += tag.RowsAffected()
		}
		return n, nil
	})
}

func (c *pgConn) UpsertPorts(ctx context.Context, ports []PortRecord) (int64, error) {
	q := rebindDollar(qUpsertPort)
	return pgInTx(ctx, c.conn, "upsert ports", func(tx pgx.Tx) (int64, error) {
		var n int64
		for _, p := range ports {
			tag, err := tx.Exec(ctx, q, p.ID, p.LoCode, p.Name, p.Country, p.Longitude, p.Latitude,
				p.MapView1, p.MapView2, p.MapView3)
			if err != nil {
				return 0, err
			}
			n += tag.RowsAffected()
		}
		return n, nil
	})
}

func pgInTx(ctx context.Context, conn *pgxpool.Conn, op string, fn func(pgx.Tx) (int64, error)) (int64, error) {
	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, persistenceError(op, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	n, err := fn(tx)
	if err != nil {
		return 0, persistenceError(op, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, persistenceError(op, err)
	}
	return n, nil
}
