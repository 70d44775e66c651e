package stactiler

import (
	"fmt"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
	"github.com/paulmach/orb/project"
)

// TileMatrixSet identifies the tile pyramid used to address raster regions
// by (zoom, column, row). Tile addressing math is delegated to orb/maptile.
type TileMatrixSet struct {
	ID      string // e.g. "WebMercatorQuad"
	MinZoom int
	MaxZoom int
}

// WebMercatorQuad returns the default spherical-mercator tile matrix set.
func WebMercatorQuad() TileMatrixSet {
	return TileMatrixSet{ID: "WebMercatorQuad", MinZoom: 0, MaxZoom: 24}
}

// Valid reports whether (z, x, y) addresses a tile inside the matrix set.
func (t TileMatrixSet) Valid(x, y, z int) error {
	if z < t.MinZoom || z > t.MaxZoom {
		return fmt.Errorf("stactiler: zoom %d outside [%d, %d] for %s", z, t.MinZoom, t.MaxZoom, t.ID)
	}
	n := 1 << uint(z)
	if x < 0 || y < 0 || x >= n || y >= n {
		return fmt.Errorf("stactiler: tile %d/%d/%d outside matrix %s", z, x, y, t.ID)
	}
	return nil
}

// TileBounds returns the WGS84 bounds of a tile.
func (t TileMatrixSet) TileBounds(x, y, z int) (orb.Bound, error) {
	if err := t.Valid(x, y, z); err != nil {
		return orb.Bound{}, err
	}
	return maptile.New(uint32(x), uint32(y), maptile.Zoom(z)).Bound(), nil
}

// TileMercatorBounds returns the spherical-mercator (EPSG:3857) bounds of a
// tile.
func (t TileMatrixSet) TileMercatorBounds(x, y, z int) (orb.Bound, error) {
	b, err := t.TileBounds(x, y, z)
	if err != nil {
		return orb.Bound{}, err
	}
	return orb.Bound{
		Min: project.WGS84.ToMercator(b.Min),
		Max: project.WGS84.ToMercator(b.Max),
	}, nil
}
