package storage

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// The read queries are shared by both backends. They are written with "?"
// placeholders and rebound to "$n" for PostgreSQL.

// latestPositionsCTE ranks each vessel's position reports newest first.
const latestPositionsCTE = `
	latest AS (
		SELECT m.mmsi, m.ts, p.latitude, p.longitude,
			p.mapview1_id, p.mapview2_id, p.mapview3_id,
			ROW_NUMBER() OVER (PARTITION BY m.mmsi ORDER BY m.ts DESC, m.id DESC) AS rn
		FROM ais_message m
		JOIN position_report p ON p.ais_message_id = m.id
	)`

const (
	qRecentPositions = `
	WITH ` + latestPositionsCTE + `
	SELECT mmsi, latitude, longitude
	FROM latest
	WHERE rn = 1
	ORDER BY ts DESC, mmsi`

	qRecentPositionByMMSI = `
	SELECT m.mmsi, v.imo, p.latitude, p.longitude
	FROM ais_message m
	JOIN position_report p ON p.ais_message_id = m.id
	LEFT JOIN vessel v ON v.mmsi = m.mmsi
	WHERE m.mmsi = ?
	ORDER BY m.ts DESC, m.id DESC, v.imo
	LIMIT 1`

	qPermanentInfo = `
	WITH ` + latestPositionsCTE + `
	SELECT v.mmsi, v.imo, v.name, l.latitude, l.longitude
	FROM vessel v
	LEFT JOIN latest l ON l.mmsi = v.mmsi AND l.rn = 1
	WHERE v.mmsi = ? AND v.imo = ?
	ORDER BY v.imo`

	qRecentPositionsInTile = `
	WITH ` + latestPositionsCTE + `
	SELECT l.mmsi, v.imo, l.latitude, l.longitude
	FROM latest l
	LEFT JOIN vessel v ON v.mmsi = l.mmsi
	WHERE l.rn = 1 AND (l.mapview1_id = ? OR l.mapview2_id = ? OR l.mapview3_id = ?)
	ORDER BY l.ts DESC, l.mmsi, v.imo`

	qPortsByName = `
	SELECT id, locode, name, country, longitude, latitude, mapview2_id, mapview3_id
	FROM port
	WHERE name = ? AND country = ?
	ORDER BY id`

	qRecentPositionsAtPort = `
	WITH port_tile AS (
		SELECT mapview3_id FROM port
		WHERE name = ? AND country = ?
		ORDER BY id
		LIMIT 1
	), ` + latestPositionsCTE + `
	SELECT l.mmsi, v.imo, l.latitude, l.longitude
	FROM latest l
	JOIN port_tile pt ON l.mapview3_id = pt.mapview3_id
	LEFT JOIN vessel v ON v.mmsi = l.mmsi
	WHERE l.rn = 1
	ORDER BY l.ts DESC, l.mmsi, v.imo`

	qLastPositions = `
	SELECT p.latitude, p.longitude
	FROM ais_message m
	JOIN position_report p ON p.ais_message_id = m.id
	WHERE m.mmsi = ?
	ORDER BY m.ts DESC, m.id DESC
	LIMIT ?`

	qVesselIMO = `SELECT MIN(imo) FROM vessel WHERE mmsi = ?`

	qStats = `
	SELECT
		(SELECT COUNT(*) FROM ais_message),
		(SELECT COUNT(*) FROM static_data),
		(SELECT COUNT(*) FROM position_report),
		(SELECT COUNT(*) FROM static_data s
			LEFT JOIN ais_message m ON m.id = s.ais_message_id WHERE m.id IS NULL),
		(SELECT COUNT(*) FROM position_report p
			LEFT JOIN ais_message m ON m.id = p.ais_message_id WHERE m.id IS NULL),
		(SELECT COUNT(*) FROM vessel),
		(SELECT COUNT(*) FROM port)`

	qUpsertVessel = `
	INSERT INTO vessel (imo, mmsi, name, call_sign, vessel_type, flag, length, breadth)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (imo) DO UPDATE SET
		mmsi = excluded.mmsi,
		name = excluded.name,
		call_sign = excluded.call_sign,
		vessel_type = excluded.vessel_type,
		flag = excluded.flag,
		length = excluded.length,
		breadth = excluded.breadth`

	qUpsertPort = `
	INSERT INTO port (id, locode, name, country, longitude, latitude, mapview1_id, mapview2_id, mapview3_id)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT (id) DO UPDATE SET
		locode = excluded.locode,
		name = excluded.name,
		country = excluded.country,
		longitude = excluded.longitude,
		latitude = excluded.latitude,
		mapview1_id = excluded.mapview1_id,
		mapview2_id = excluded.mapview2_id,
		mapview3_id = excluded.mapview3_id`
)

// rebindDollar rewrites "?" placeholders as "$1", "$2", ...
func rebindDollar(q string) string {
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// rowScanner is the subset of pgx.Rows and *sql.Rows the readers need.
type rowScanner interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
}

type queryFunc func(ctx context.Context, q string, args ...any) (rowScanner, func(), error)

// reader implements the read side of Conn on top of a backend query func.
type reader struct {
	bind  func(string) string
	query queryFunc
}

func collect[T any](rows rowScanner, scan func(rowScanner) (T, error)) ([]T, error) {
	out := []T{}
	for rows.Next() {
		v, err := scan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		out = append(out, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}
	return out, nil
}

func selectAll[T any](ctx context.Context, r reader, scan func(rowScanner) (T, error), q string, args ...any) ([]T, error) {
	rows, closeRows, err := r.query(ctx, r.bind(q), args...)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}
	defer closeRows()
	return collect(rows, scan)
}

func scanVesselPosition(r rowScanner) (VesselPosition, error) {
	var p VesselPosition
	err := r.Scan(&p.MMSI, &p.Latitude, &p.Longitude)
	return p, err
}

func scanVesselFix(r rowScanner) (VesselFix, error) {
	var f VesselFix
	err := r.Scan(&f.MMSI, &f.IMO, &f.Latitude, &f.Longitude)
	return f, err
}

func scanVesselInfo(r rowScanner) (VesselInfo, error) {
	var v VesselInfo
	err := r.Scan(&v.MMSI, &v.IMO, &v.Name, &v.Latitude, &v.Longitude)
	return v, err
}

func scanPort(r rowScanner) (Port, error) {
	var p Port
	err := r.Scan(&p.ID, &p.LoCode, &p.Name, &p.Country, &p.Longitude, &p.Latitude, &p.MapView2, &p.MapView3)
	return p, err
}

func scanCoordinate(r rowScanner) (Coordinate, error) {
	var c Coordinate
	err := r.Scan(&c.Latitude, &c.Longitude)
	return c, err
}

func (r reader) RecentPositions(ctx context.Context) ([]VesselPosition, error) {
	return selectAll(ctx, r, scanVesselPosition, qRecentPositions)
}

func (r reader) RecentPositionByMMSI(ctx context.Context, mmsi int64) ([]VesselFix, error) {
	return selectAll(ctx, r, scanVesselFix, qRecentPositionByMMSI, mmsi)
}

func (r reader) PermanentInfo(ctx context.Context, mmsi, imo int64) ([]VesselInfo, error) {
	return selectAll(ctx, r, scanVesselInfo, qPermanentInfo, mmsi, imo)
}

func (r reader) RecentPositionsInTile(ctx context.Context, tile int64) ([]VesselFix, error) {
	return selectAll(ctx, r, scanVesselFix, qRecentPositionsInTile, tile, tile, tile)
}

func (r reader) PortsByName(ctx context.Context, name, country string) ([]Port, error) {
	return selectAll(ctx, r, scanPort, qPortsByName, name, country)
}

func (r reader) RecentPositionsAtPort(ctx context.Context, name, country string) ([]VesselFix, error) {
	return selectAll(ctx, r, scanVesselFix, qRecentPositionsAtPort, name, country)
}

func (r reader) LastPositions(ctx context.Context, mmsi int64, limit int) (VesselTrack, error) {
	positions, err := selectAll(ctx, r, scanCoordinate, qLastPositions, mmsi, limit)
	if err != nil {
		return VesselTrack{}, err
	}
	imos, err := selectAll(ctx, r, func(rs rowScanner) (*int64, error) {
		var imo *int64
		err := rs.Scan(&imo)
		return imo, err
	}, qVesselIMO, mmsi)
	if err != nil {
		return VesselTrack{}, err
	}

	track := VesselTrack{MMSI: mmsi, Positions: positions}
	if len(imos) > 0 {
		track.IMO = imos[0]
	}
	return track, nil
}

func (r reader) Stats(ctx context.Context) (Stats, error) {
	rows, err := selectAll(ctx, r, func(rs rowScanner) (Stats, error) {
		var s Stats
		err := rs.Scan(&s.Messages, &s.StaticData, &s.PositionReports,
			&s.OrphanedStatic, &s.OrphanedReports, &s.Vessels, &s.Ports)
		return s, err
	}, qStats)
	if err != nil {
		return Stats{}, err
	}
	if len(rows) == 0 {
		return Stats{}, nil
	}
	return rows[0], nil
}
