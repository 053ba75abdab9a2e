package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ais_store/internal/ais"
)

// The suite runs against every backend. newStore must return an empty store.
type storeFactory func(t *testing.T) Store

var base = time.Date(2020, 11, 18, 12, 0, 0, 0, time.UTC)

func i64(v int64) *int64     { return &v }
func str(s string) *string   { return &s }
func f64(v float64) *float64 { return &v }

func posMsg(mmsi int64, ts time.Time, lat, lon float64, tiles ...int64) ais.Message {
	p := &ais.PositionReport{
		Latitude:  lat,
		Longitude: lon,
		Status:    "Under way using engine",
		CoG:       298.7,
		Heading:   203,
	}
	keys := []**int64{&p.MapView1, &p.MapView2, &p.MapView3}
	for i, tile := range tiles {
		if i < len(keys) && tile != 0 {
			*keys[i] = i64(tile)
		}
	}
	return ais.Message{Timestamp: ts, Class: "Class A", MMSI: mmsi, Type: ais.TypePositionReport, Position: p}
}

func staticMsg(mmsi int64, ts time.Time, imo *int64) ais.Message {
	return ais.Message{
		Timestamp: ts,
		Class:     "AtoN",
		MMSI:      mmsi,
		Type:      ais.TypeStaticData,
		Static:    &ais.StaticData{IMO: imo, Name: str("WIND FARM BALTIC1NW")},
	}
}

func connect(t *testing.T, s Store) Conn {
	t.Helper()
	c, err := s.Connect(context.Background())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func runConnSuite(t *testing.T, newStore storeFactory) {
	ctx := context.Background()

	t.Run("insert batch counts rows by type", func(t *testing.T) {
		c := connect(t, newStore(t))
		msgs := []ais.Message{
			staticMsg(992111840, base, nil),
			posMsg(219005465, base, 54.572602, 11.929218),
			posMsg(257961000, base, 55.00316, 12.809015),
			staticMsg(992111923, base, nil),
			posMsg(257385000, base, 55.219403, 13.127725),
			posMsg(376503000, base, 54.519373, 11.47914),
		}

		added, err := c.InsertMessages(ctx, msgs)
		require.NoError(t, err)
		assert.Equal(t, msgs, added)

		st, err := c.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(6), st.Messages)
		assert.Equal(t, int64(2), st.StaticData)
		assert.Equal(t, int64(4), st.PositionReports)
	})

	t.Run("duplicate natural key is ignored", func(t *testing.T) {
		c := connect(t, newStore(t))
		msgs := []ais.Message{posMsg(219005465, base, 54.5, 11.9), staticMsg(219005465, base, i64(9231535))}

		added, err := c.InsertMessages(ctx, msgs)
		require.NoError(t, err)
		assert.Len(t, added, 2)

		added, err = c.InsertMessages(ctx, msgs)
		require.NoError(t, err)
		assert.Empty(t, added)

		st, err := c.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), st.Messages)
		assert.Equal(t, int64(1), st.StaticData)
		assert.Equal(t, int64(1), st.PositionReports)
	})

	t.Run("sub-millisecond timestamps stay distinct", func(t *testing.T) {
		c := connect(t, newStore(t))
		first := posMsg(219005465, base.Add(100*time.Microsecond), 54.5, 11.9)
		second := posMsg(219005465, base.Add(900*time.Microsecond), 54.6, 12.0)

		added, err := c.InsertMessages(ctx, []ais.Message{first, second})
		require.NoError(t, err)
		assert.Len(t, added, 2)

		fixes, err := c.RecentPositionByMMSI(ctx, 219005465)
		require.NoError(t, err)
		require.Len(t, fixes, 1)
		assert.Equal(t, 54.6, fixes[0].Latitude)

		deleted, err := c.DeleteBefore(ctx, base.Add(500*time.Microsecond))
		require.NoError(t, err)
		assert.Equal(t, int64(1), deleted)
	})

	t.Run("coordinates round trip at full precision", func(t *testing.T) {
		c := connect(t, newStore(t))
		_, err := c.InsertMessages(ctx, []ais.Message{posMsg(219005465, base, 54.572602, 11.929218)})
		require.NoError(t, err)

		fixes, err := c.RecentPositionByMMSI(ctx, 219005465)
		require.NoError(t, err)
		require.Len(t, fixes, 1)
		assert.Equal(t, 54.572602, fixes[0].Latitude)
		assert.Equal(t, 11.929218, fixes[0].Longitude)
		assert.Nil(t, fixes[0].IMO)
	})

	t.Run("delete before cutoff cascades", func(t *testing.T) {
		c := connect(t, newStore(t))
		msgs := []ais.Message{
			staticMsg(992111840, base.Add(-time.Hour), nil),
			posMsg(219005465, base.Add(-10*time.Minute), 54.5, 11.9),
			posMsg(257961000, base.Add(-6*time.Minute), 55.0, 12.8),
			posMsg(257961000, base.Add(-time.Minute), 55.1, 12.9),
			staticMsg(257961000, base, i64(9080132)),
		}
		_, err := c.InsertMessages(ctx, msgs)
		require.NoError(t, err)

		cutoff := base.Add(-5 * time.Minute)
		n, err := c.DeleteBefore(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(3), n)

		st, err := c.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(2), st.Messages)
		assert.Equal(t, int64(1), st.StaticData)
		assert.Equal(t, int64(1), st.PositionReports)
		assert.Zero(t, st.OrphanedStatic)
		assert.Zero(t, st.OrphanedReports)

		n, err = c.DeleteBefore(ctx, cutoff)
		require.NoError(t, err)
		assert.Equal(t, int64(0), n)
	})

	t.Run("recent positions keep the latest report per vessel", func(t *testing.T) {
		c := connect(t, newStore(t))
		_, err := c.InsertMessages(ctx, []ais.Message{
			posMsg(219024178, base.Add(-3*time.Minute), 54.0, 11.0),
			posMsg(219024178, base, 54.571808, 11.928697),
			posMsg(219015362, base.Add(-time.Minute), 57.120712, 8.599567),
			posMsg(219000001, base.Add(-time.Minute), 56.0, 9.0),
			staticMsg(219099999, base.Add(time.Minute), nil),
		})
		require.NoError(t, err)

		got, err := c.RecentPositions(ctx)
		require.NoError(t, err)
		assert.Equal(t, []VesselPosition{
			{MMSI: 219024178, Latitude: 54.571808, Longitude: 11.928697},
			{MMSI: 219000001, Latitude: 56.0, Longitude: 9.0},
			{MMSI: 219015362, Latitude: 57.120712, Longitude: 8.599567},
		}, got)
	})

	t.Run("unmatched lookups return empty results", func(t *testing.T) {
		c := connect(t, newStore(t))

		fixes, err := c.RecentPositionByMMSI(ctx, 1)
		require.NoError(t, err)
		assert.NotNil(t, fixes)
		assert.Empty(t, fixes)

		ports, err := c.PortsByName(ctx, "Atlantis", "Nowhere")
		require.NoError(t, err)
		assert.NotNil(t, ports)
		assert.Empty(t, ports)

		info, err := c.PermanentInfo(ctx, 1, 2)
		require.NoError(t, err)
		assert.Empty(t, info)

		atPort, err := c.RecentPositionsAtPort(ctx, "Atlantis", "Nowhere")
		require.NoError(t, err)
		assert.Empty(t, atPort)

		track, err := c.LastPositions(ctx, 1, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(1), track.MMSI)
		assert.Nil(t, track.IMO)
		assert.Empty(t, track.Positions)
	})

	t.Run("vessel registry joins", func(t *testing.T) {
		c := connect(t, newStore(t))
		_, err := c.UpsertVessels(ctx, []Vessel{
			{IMO: 8214358, MMSI: 304858000, Name: str("St.Pauli"), Flag: str("Antigua Barbuda"), Length: f64(88)},
			{IMO: 9231535, MMSI: 219000999, Name: str("Idle Vessel")},
		})
		require.NoError(t, err)
		_, err = c.InsertMessages(ctx, []ais.Message{
			posMsg(304858000, base.Add(-time.Minute), 55.2, 13.3),
			posMsg(304858000, base, 55.21829, 13.372545),
		})
		require.NoError(t, err)

		fixes, err := c.RecentPositionByMMSI(ctx, 304858000)
		require.NoError(t, err)
		require.Len(t, fixes, 1)
		assert.Equal(t, VesselFix{MMSI: 304858000, IMO: i64(8214358), Latitude: 55.21829, Longitude: 13.372545}, fixes[0])

		info, err := c.PermanentInfo(ctx, 304858000, 8214358)
		require.NoError(t, err)
		require.Len(t, info, 1)
		assert.Equal(t, VesselInfo{
			MMSI: 304858000, IMO: 8214358, Name: str("St.Pauli"),
			Latitude: f64(55.21829), Longitude: f64(13.372545),
		}, info[0])

		info, err = c.PermanentInfo(ctx, 219000999, 9231535)
		require.NoError(t, err)
		require.Len(t, info, 1)
		assert.Nil(t, info[0].Latitude)
		assert.Nil(t, info[0].Longitude)

		info, err = c.PermanentInfo(ctx, 304858000, 9231535)
		require.NoError(t, err)
		assert.Empty(t, info)
	})

	t.Run("tile query matches any slot of the latest report", func(t *testing.T) {
		c := connect(t, newStore(t))
		const tile = 5139
		_, err := c.UpsertVessels(ctx, []Vessel{
			{IMO: 4026519, MMSI: 220043000},
			{IMO: 8996413, MMSI: 220043000},
		})
		require.NoError(t, err)
		_, err = c.InsertMessages(ctx, []ais.Message{
			// latest report in tile via slot 1
			posMsg(220043000, base.Add(-2*time.Minute), 57.0, 8.5, 1, 9999),
			posMsg(220043000, base, 57.120583, 8.599218, tile, 51391, 513912),
			// latest report in tile via slot 3
			posMsg(219000647, base.Add(-time.Minute), 55.04231, 9.423348, 1, 5331, tile),
			// only an older report is in the tile
			posMsg(257961000, base.Add(-3*time.Minute), 55.0, 12.8, tile),
			posMsg(257961000, base.Add(-30*time.Second), 55.1, 12.9, 1, 5332),
		})
		require.NoError(t, err)

		got, err := c.RecentPositionsInTile(ctx, tile)
		require.NoError(t, err)
		assert.Equal(t, []VesselFix{
			{MMSI: 220043000, IMO: i64(4026519), Latitude: 57.120583, Longitude: 8.599218},
			{MMSI: 220043000, IMO: i64(8996413), Latitude: 57.120583, Longitude: 8.599218},
			{MMSI: 219000647, IMO: nil, Latitude: 55.04231, Longitude: 9.423348},
		}, got)

		got, err = c.RecentPositionsInTile(ctx, 424242)
		require.NoError(t, err)
		assert.Empty(t, got)
	})

	t.Run("ports by name and positions at port", func(t *testing.T) {
		c := connect(t, newStore(t))
		_, err := c.UpsertPorts(ctx, []PortRecord{
			{ID: 4970, Name: "Nyborg", Country: "Denmark", Longitude: 10.790833, Latitude: 55.306944,
				MapView1: i64(1), MapView2: i64(5331), MapView3: i64(53312)},
			{ID: 381, LoCode: str("DKNBG"), Name: "Nyborg", Country: "Denmark", Longitude: 10.810833, Latitude: 55.298889,
				MapView1: i64(1), MapView2: i64(5331), MapView3: i64(53312)},
			{ID: 120, LoCode: str("DKAAB"), Name: "Aabenraa", Country: "Denmark", Longitude: 9.4288, Latitude: 55.0442,
				MapView1: i64(1), MapView2: i64(5237), MapView3: i64(52373)},
		})
		require.NoError(t, err)

		ports, err := c.PortsByName(ctx, "Nyborg", "Denmark")
		require.NoError(t, err)
		assert.Equal(t, []Port{
			{ID: 381, LoCode: str("DKNBG"), Name: "Nyborg", Country: "Denmark", Longitude: 10.810833, Latitude: 55.298889,
				MapView2: i64(5331), MapView3: i64(53312)},
			{ID: 4970, Name: "Nyborg", Country: "Denmark", Longitude: 10.790833, Latitude: 55.306944,
				MapView2: i64(5331), MapView3: i64(53312)},
		}, ports)

		ports, err = c.PortsByName(ctx, "Nyborg", "Sweden")
		require.NoError(t, err)
		assert.Empty(t, ports)

		_, err = c.UpsertVessels(ctx, []Vessel{{IMO: 9080132, MMSI: 219000647}})
		require.NoError(t, err)
		_, err = c.InsertMessages(ctx, []ais.Message{
			posMsg(219000647, base, 55.04231, 9.423348, 1, 5237, 52373),
			posMsg(219000648, base.Add(-time.Minute), 55.3, 10.8, 1, 5331, 53312),
		})
		require.NoError(t, err)

		got, err := c.RecentPositionsAtPort(ctx, "Aabenraa", "Denmark")
		require.NoError(t, err)
		assert.Equal(t, []VesselFix{{MMSI: 219000647, IMO: i64(9080132), Latitude: 55.04231, Longitude: 9.423348}}, got)

		got, err = c.RecentPositionsAtPort(ctx, "Nyborg", "Denmark")
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, int64(219000648), got[0].MMSI)
	})

	t.Run("last positions bundle imo and newest five", func(t *testing.T) {
		c := connect(t, newStore(t))
		_, err := c.UpsertVessels(ctx, []Vessel{{IMO: 9231535, MMSI: 304858000}})
		require.NoError(t, err)

		var msgs []ais.Message
		for i := 0; i < 7; i++ {
			msgs = append(msgs, posMsg(304858000, base.Add(time.Duration(i)*time.Minute), 55+float64(i)/10, 13))
		}
		_, err = c.InsertMessages(ctx, msgs)
		require.NoError(t, err)

		track, err := c.LastPositions(ctx, 304858000, 5)
		require.NoError(t, err)
		assert.Equal(t, int64(304858000), track.MMSI)
		require.NotNil(t, track.IMO)
		assert.Equal(t, int64(9231535), *track.IMO)
		require.Len(t, track.Positions, 5)
		assert.Equal(t, Coordinate{Latitude: msgs[6].Position.Latitude, Longitude: 13}, track.Positions[0])
		assert.Equal(t, Coordinate{Latitude: msgs[2].Position.Latitude, Longitude: 13}, track.Positions[4])
	})
}
