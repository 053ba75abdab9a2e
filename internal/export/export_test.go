package export

import (
	"bytes"
	"encoding/xml"
	"strings"
	"testing"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"ais_store/internal/storage"
)

var positions = []storage.VesselPosition{
	{MMSI: 219005465, Latitude: 54.572602, Longitude: 11.929218},
	{MMSI: 257961000, Latitude: 55.00316, Longitude: 12.809015},
}

func TestWriteKML(t *testing.T) {
	var buf bytes.Buffer
	generated := time.Date(2020, 11, 18, 12, 0, 0, 0, time.UTC)
	require.NoError(t, WriteKML(&buf, positions, generated))

	out := buf.String()
	assert.True(t, strings.HasPrefix(out, xml.Header))
	assert.Contains(t, out, "<coordinates>11.929218,54.572602,0</coordinates>")
	assert.Contains(t, out, "2020-11-18 12:00:00")

	var doc KML
	require.NoError(t, xml.Unmarshal([]byte(strings.TrimPrefix(out, xml.Header)), &doc))
	require.Len(t, doc.Document.Placemarks, 2)
	assert.Equal(t, "257961000", doc.Document.Placemarks[1].Name)
}

func TestWriteGeoJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteGeoJSON(&buf, positions))

	fc, err := geojson.UnmarshalFeatureCollection(buf.Bytes())
	require.NoError(t, err)
	require.Len(t, fc.Features, 2)

	p, ok := fc.Features[0].Geometry.(orb.Point)
	require.True(t, ok)
	assert.Equal(t, 11.929218, p.Lon())
	assert.Equal(t, 54.572602, p.Lat())
	assert.Equal(t, float64(219005465), fc.Features[0].Properties["mmsi"])
}

func TestTrackGeoJSON(t *testing.T) {
	imo := int64(9231535)
	f := TrackGeoJSON(storage.VesselTrack{
		MMSI: 219005465,
		IMO:  &imo,
		Positions: []storage.Coordinate{
			{Latitude: 54.6, Longitude: 11.9},
			{Latitude: 54.5, Longitude: 11.8},
		},
	})

	line, ok := f.Geometry.(orb.LineString)
	require.True(t, ok)
	require.Len(t, line, 2)
	assert.Equal(t, orb.Point{11.8, 54.5}, line[0])
	assert.Equal(t, imo, f.Properties["imo"])
}
