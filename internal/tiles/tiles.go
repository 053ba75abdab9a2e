// Package tiles assigns position reports to the three map tiles used for
// spatial bucket lookups.
package tiles

import (
	"fmt"
	"math"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"

	"ais_store/internal/ais"
)

// MaxZoom is the deepest zoom whose x/y fit the 24-bit key fields.
const MaxZoom = 24

// DefaultZooms are the zoom levels behind MapView1, MapView2 and MapView3.
var DefaultZooms = [3]uint32{6, 9, 12}

// Resolver computes the tile keys of a coordinate. A nil key means the
// coordinate has no tile at that level.
type Resolver interface {
	Resolve(lat, lon float64) [3]*int64
}

// Key packs a web mercator tile into a positive integer:
// zoom in bits 48..55, x in bits 24..47, y in bits 0..23.
func Key(t maptile.Tile) int64 {
	return int64(t.Z)<<48 | int64(t.X)<<24 | int64(t.Y)
}

// FromKey unpacks a tile key. It reports false for keys that do not
// describe a valid tile.
func FromKey(k int64) (maptile.Tile, bool) {
	if k <= 0 {
		return maptile.Tile{}, false
	}
	z := maptile.Zoom(k >> 48)
	t := maptile.New(uint32(k>>24&0xFFFFFF), uint32(k&0xFFFFFF), z)
	if z == 0 || z > MaxZoom || !t.Valid() {
		return maptile.Tile{}, false
	}
	return t, true
}

// MapTileResolver resolves web mercator tiles at three zoom levels.
type MapTileResolver struct {
	zooms [3]maptile.Zoom
}

// NewMapTileResolver validates the zoom levels, each in 1..MaxZoom.
func NewMapTileResolver(zooms [3]uint32) (*MapTileResolver, error) {
	r := &MapTileResolver{}
	for i, z := range zooms {
		if z == 0 || z > MaxZoom {
			return nil, fmt.Errorf("zoom %d out of range 1..%d", z, MaxZoom)
		}
		r.zooms[i] = maptile.Zoom(z)
	}
	return r, nil
}

// Resolve returns the keys of the tiles containing the coordinate.
// Coordinates outside WGS84 bounds get no keys.
func (r *MapTileResolver) Resolve(lat, lon float64) [3]*int64 {
	var keys [3]*int64
	if math.IsNaN(lat) || math.IsNaN(lon) || lat < -90 || lat > 90 || lon < -180 || lon > 180 {
		return keys
	}
	for i, z := range r.zooms {
		t := maptile.At(orb.Point{lon, lat}, z)
		// The antimeridian lands one past the last column.
		if limit := uint32(1) << uint32(z); t.X >= limit {
			t.X = limit - 1
		}
		if !t.Valid() {
			continue
		}
		k := Key(t)
		keys[i] = &k
	}
	return keys
}

// Bound returns the geographic bound of a tile key.
func Bound(k int64) (orb.Bound, bool) {
	t, ok := FromKey(k)
	if !ok {
		return orb.Bound{}, false
	}
	return t.Bound(), true
}

// Apply fills in the MapView keys of every position report that has none.
func Apply(r Resolver, msgs []ais.Message) {
	if r == nil {
		return
	}
	for i := range msgs {
		p := msgs[i].Position
		if p == nil || p.MapView1 != nil || p.MapView2 != nil || p.MapView3 != nil {
			continue
		}
		keys := r.Resolve(p.Latitude, p.Longitude)
		p.MapView1, p.MapView2, p.MapView3 = keys[0], keys[1], keys[2]
	}
}
