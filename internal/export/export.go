// Package export renders vessel positions as KML or GeoJSON for viewing
// in Google Earth, QGIS and other mapping applications.
package export

import (
	"encoding/xml"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"

	"ais_store/internal/storage"
)

// KML structures follow the KML 2.2 reference:
// https://developers.google.com/kml/documentation/kmlreference

// KML is the root element of a KML document.
type KML struct {
	XMLName   xml.Name `xml:"kml"`
	Namespace string   `xml:"xmlns,attr"`
	Document  Document `xml:"Document"`
}

type Document struct {
	Name        string      `xml:"name"`
	Description string      `xml:"description,omitempty"`
	Styles      []Style     `xml:"Style,omitempty"`
	Placemarks  []Placemark `xml:"Placemark"`
}

type Style struct {
	ID        string    `xml:"id,attr"`
	IconStyle IconStyle `xml:"IconStyle"`
}

type IconStyle struct {
	Scale float64 `xml:"scale,omitempty"`
	Icon  Icon    `xml:"Icon"`
}

type Icon struct {
	Href string `xml:"href"`
}

type Placemark struct {
	Name         string        `xml:"name"`
	StyleURL     string        `xml:"styleUrl,omitempty"`
	Point        Point         `xml:"Point"`
	ExtendedData *ExtendedData `xml:"ExtendedData,omitempty"`
}

// Point holds "lon,lat,altitude".
type Point struct {
	Coordinates string `xml:"coordinates"`
}

type ExtendedData struct {
	Data []Data `xml:"Data"`
}

type Data struct {
	Name  string `xml:"name,attr"`
	Value string `xml:"value"`
}

// PositionsKML builds a document with one placemark per vessel.
func PositionsKML(positions []storage.VesselPosition, generated time.Time) KML {
	placemarks := make([]Placemark, len(positions))
	for i, p := range positions {
		mmsi := strconv.FormatInt(p.MMSI, 10)
		placemarks[i] = Placemark{
			Name:     mmsi,
			StyleURL: "#vesselStyle",
			Point: Point{
				Coordinates: fmt.Sprintf("%.6f,%.6f,0", p.Longitude, p.Latitude),
			},
			ExtendedData: &ExtendedData{
				Data: []Data{{Name: "mmsi", Value: mmsi}},
			},
		}
	}

	return KML{
		Namespace: "http://www.opengis.net/kml/2.2",
		Document: Document{
			Name:        "AIS Vessel Positions",
			Description: fmt.Sprintf("Latest reported position of %d vessels. Generated %s.", len(positions), generated.UTC().Format("2006-01-02 15:04:05")),
			Styles: []Style{{
				ID: "vesselStyle",
				IconStyle: IconStyle{
					Scale: 0.8,
					Icon:  Icon{Href: "http://maps.google.com/mapfiles/kml/shapes/sailing.png"},
				},
			}},
			Placemarks: placemarks,
		},
	}
}

// WriteKML writes the positions as an indented KML document.
func WriteKML(w io.Writer, positions []storage.VesselPosition, generated time.Time) error {
	data, err := xml.MarshalIndent(PositionsKML(positions, generated), "", "  ")
	if err != nil {
		return fmt.Errorf("marshal kml: %w", err)
	}
	if _, err := io.WriteString(w, xml.Header); err != nil {
		return err
	}
	if _, err := w.Write(append(data, '\n')); err != nil {
		return err
	}
	return nil
}

// PositionsGeoJSON builds a feature collection of points with the MMSI
// as a property.
func PositionsGeoJSON(positions []storage.VesselPosition) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, p := range positions {
		f := geojson.NewFeature(orb.Point{p.Longitude, p.Latitude})
		f.Properties["mmsi"] = p.MMSI
		fc.Append(f)
	}
	return fc
}

// TrackGeoJSON renders a vessel track as a line string, oldest fix first.
func TrackGeoJSON(track storage.VesselTrack) *geojson.Feature {
	line := make(orb.LineString, 0, len(track.Positions))
	for i := len(track.Positions) - 1; i >= 0; i-- {
		c := track.Positions[i]
		line = append(line, orb.Point{c.Longitude, c.Latitude})
	}
	f := geojson.NewFeature(line)
	f.Properties["mmsi"] = track.MMSI
	if track.IMO != nil {
		f.Properties["imo"] = *track.IMO
	}
	return f
}

// WriteGeoJSON writes the positions as a GeoJSON feature collection.
func WriteGeoJSON(w io.Writer, positions []storage.VesselPosition) error {
	data, err := PositionsGeoJSON(positions).MarshalJSON()
	if err != nil {
		return fmt.Errorf("marshal geojson: %w", err)
	}
	_, err = w.Write(append(data, '\n'))
	return err
}
