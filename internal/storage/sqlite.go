package storage

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"ais_store/internal/ais"
)

// SQLiteDB wraps an embedded SQLite database. Timestamps are stored as
// fixed-width UTC text so they order lexicographically.
type SQLiteDB struct {
	db *sql.DB
}

// OpenSQLite opens or creates a SQLite database at the given path and
// creates the schema.
func OpenSQLite(ctx context.Context, path string) (*SQLiteDB, error) {
	if path != ":memory:" && !strings.HasPrefix(path, "file:") {
		if _, err := os.Stat(filepath.Dir(path)); err != nil {
			return nil, classifySQLiteError(err)
		}
	}

	// Pragmas go in the DSN so every pooled connection gets them.
	dsn := path + "?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, classifySQLiteError(err)
	}
	if path == ":memory:" {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, classifySQLiteError(err)
	}

	d := &SQLiteDB{db: db}
	if err := d.CreateSchema(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}
	return d, nil
}

// Close closes the database.
func (d *SQLiteDB) Close() error {
	return d.db.Close()
}

// Connect takes one connection from the database/sql pool.
func (d *SQLiteDB) Connect(ctx context.Context) (Conn, error) {
	c, err := d.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}
	sc := &sqliteConn{conn: c}
	sc.reader = reader{bind: func(q string) string { return q }, query: sc.runQuery}
	return sc, nil
}

// CreateSchema creates the database tables and indices.
func (d *SQLiteDB) CreateSchema(ctx context.Context) error {
	schema := `
	CREATE TABLE IF NOT EXISTS ais_message (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		ts TEXT NOT NULL,
		mmsi INTEGER NOT NULL,
		class TEXT NOT NULL,
		msg_type TEXT NOT NULL CHECK (msg_type IN ('static_data', 'position_report')),
		UNIQUE (mmsi, ts, msg_type)
	);

	CREATE INDEX IF NOT EXISTS idx_ais_message_ts ON ais_message(ts);
	CREATE INDEX IF NOT EXISTS idx_ais_message_mmsi_ts ON ais_message(mmsi, ts);

	CREATE TABLE IF NOT EXISTS static_data (
		ais_message_id INTEGER PRIMARY KEY REFERENCES ais_message(id) ON DELETE CASCADE,
		imo INTEGER,
		call_sign TEXT,
		destination TEXT,
		name TEXT,
		vessel_type TEXT
	);

	CREATE TABLE IF NOT EXISTS position_report (
		ais_message_id INTEGER PRIMARY KEY REFERENCES ais_message(id) ON DELETE CASCADE,
		latitude REAL NOT NULL,
		longitude REAL NOT NULL,
		nav_status TEXT NOT NULL,
		rot REAL NOT NULL,
		sog REAL NOT NULL,
		cog REAL NOT NULL,
		heading REAL NOT NULL,
		mapview1_id INTEGER,
		mapview2_id INTEGER,
		mapview3_id INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_position_report_mapview1 ON position_report(mapview1_id);
	CREATE INDEX IF NOT EXISTS idx_position_report_mapview2 ON position_report(mapview2_id);
	CREATE INDEX IF NOT EXISTS idx_position_report_mapview3 ON position_report(mapview3_id);

	CREATE TABLE IF NOT EXISTS vessel (
		imo INTEGER PRIMARY KEY,
		mmsi INTEGER NOT NULL,
		name TEXT,
		call_sign TEXT,
		vessel_type TEXT,
		flag TEXT,
		length REAL,
		breadth REAL
	);

	CREATE INDEX IF NOT EXISTS idx_vessel_mmsi ON vessel(mmsi);

	CREATE TABLE IF NOT EXISTS port (
		id INTEGER PRIMARY KEY,
		locode TEXT,
		name TEXT NOT NULL,
		country TEXT NOT NULL,
		longitude REAL NOT NULL,
		latitude REAL NOT NULL,
		mapview1_id INTEGER,
		mapview2_id INTEGER,
		mapview3_id INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_port_name_country ON port(name, country);
	`

	if _, err := d.db.ExecContext(ctx, schema); err != nil {
		return err
	}
	return nil
}

// sqliteTime formats an instant the way ais_message.ts stores it. The
// value is truncated to microseconds, the resolution of a PostgreSQL
// timestamptz written through pgx.
func sqliteTime(t time.Time) string {
	return t.UTC().Truncate(time.Microsecond).Format(ais.TimeLayout)
}

type sqliteConn struct {
	reader
	conn *sql.Conn
}

func (c *sqliteConn) runQuery(ctx context.Context, q string, args ...any) (rowScanner, func(), error) {
	rows, err := c.conn.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, nil, err
	}
	return rows, func() { _ = rows.Close() }, nil
}

// Close returns the connection to the pool.
func (c *sqliteConn) Close() error {
	return c.conn.Close()
}

func inTx[T any](ctx context.Context, c *sqliteConn, op string, fn func(*sql.Tx) (T, error)) (T, error) {
	var zero T
	tx, err := c.conn.BeginTx(ctx, nil)
	if err != nil {
		return zero, persistenceError(op, err)
	}
	defer func() { _ = tx.Rollback() }()

	v, err := fn(tx)
	if err != nil {
		return zero, persistenceError(op, err)
	}
	if err := tx.Commit(); err != nil {
		return zero, persistenceError(op, err)
	}
	return v, nil
}

// InsertMessages writes each message row followed by its extension row in
// a single transaction.
func (c *sqliteConn) InsertMessages(ctx context.Context, msgs []ais.Message) ([]ais.Message, error) {
	return inTx(ctx, c, "insert messages", func(tx *sql.Tx) ([]ais.Message, error) {
		added := make([]ais.Message, 0, len(msgs))
		for i := range msgs {
			m := &msgs[i]
			res, err := tx.ExecContext(ctx, `
				INSERT INTO ais_message (ts, mmsi, class, msg_type)
				VALUES (?, ?, ?, ?)
				ON CONFLICT (mmsi, ts, msg_type) DO NOTHING
			`, sqliteTime(m.Timestamp), m.MMSI, m.Class, string(m.Type))
			if err != nil {
				return nil, fmt.Errorf("insert message %d: %w", i, err)
			}
			n, err := res.RowsAffected()
			if err != nil {
				return nil, fmt.Errorf("rows affected: %w", err)
			}
			if n == 0 {
				continue
			}
			id, err := res.LastInsertId()
			if err != nil {
				return nil, fmt.Errorf("last insert id: %w", err)
			}
			added = append(added, *m)

			switch m.Type {
			case ais.TypeStaticData:
				s := m.Static
				_, err = tx.ExecContext(ctx, `
					INSERT INTO static_data (ais_message_id, imo, call_sign, destination, name, vessel_type)
					VALUES (?, ?, ?, ?, ?, ?)
				`, id, s.IMO, s.CallSign, s.Destination, s.Name, s.VesselType)
			case ais.TypePositionReport:
				p := m.Position
				_, err = tx.ExecContext(ctx, `
					INSERT INTO position_report (ais_message_id, latitude, longitude, nav_status, rot, sog, cog, heading,
						mapview1_id, mapview2_id, mapview3_id)
					VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
				`, id, p.Latitude, p.Longitude, p.Status, p.RoT, p.SoG, p.CoG, p.Heading,
					p.MapView1, p.MapView2, p.MapView3)
			}
			if err != nil {
				return nil, fmt.Errorf("insert %s %d: %w", m.Type, i, err)
			}
		}
		return added, nil
	})
}

// DeleteBefore removes extension rows first and then their messages, all
// in one transaction, so no orphan can survive even without FK enforcement.
func (c *sqliteConn) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := sqliteTime(cutoff)
	return inTx(ctx, c, "delete expired messages", func(tx *sql.Tx) (int64, error) {
		for _, q := range []string{
			`DELETE FROM static_data WHERE ais_message_id IN (SELECT id FROM ais_message WHERE ts < ?)`,
			`DELETE FROM position_report WHERE ais_message_id IN (SELECT id FROM ais_message WHERE ts < ?)`,
		} {
			if _, err := tx.ExecContext(ctx, q, ts); err != nil {
				return 0, err
			}
		}
		res, err := tx.ExecContext(ctx, `DELETE FROM ais_message WHERE ts < ?`, ts)
		if err != nil {
			return 0, err
		}
		return res.RowsAffected()
	})
}

func (c *sqliteConn) UpsertVessels(ctx context.Context, vessels []Vessel) (int64, error) {
	return inTx(ctx, c, "upsert vessels", func(tx *sql.Tx) (int64, error) {
		var n int64
		for _, v := range vessels {
			res, err := tx.ExecContext(ctx, qUpsertVessel,
				v.IMO, v.MMSI, v.Name, v.CallSign, v.VesselType, v.Flag, v.Length, v.Breadth)
			if err != nil {
				return 0, err
			}
			affected, _ := res.RowsAffected()
			n += affected
		}
		return n, nil
	})
}

func (c *sqliteConn) UpsertPorts(ctx context.Context, ports []PortRecord) (int64, error) {
	return inTx(ctx, c, "upsert ports", func(tx *sql.Tx) (int64, error) {
		var n int64
		for _, p := range ports {
			res, err := tx.ExecContext(ctx, qUpsertPort,
				p.ID, p.LoCode, p.Name, p.Country, p.Longitude, p.Latitude, p.MapView1, p.MapView2, p.MapView3)
			if err != nil {
				return 0, err
			}
			affected, _ := res.RowsAffected()
			n += affected
		}
		return n, nil
	})
}
