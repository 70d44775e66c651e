// Package stactiler reads raster assets referenced by a SpatioTemporal Asset
// Catalog (STAC) item. It selects assets by name or media type, opens one
// reader per selected asset, and assembles tile/part/preview/point reads into
// a combined multi-band result, optionally reduced through a band-math
// expression.
package stactiler

import (
	"errors"
)

// Common errors returned by this package.
var (
	ErrNoSource            = errors.New("stactiler: either a path or an item is required")
	ErrNoAssets            = errors.New("stactiler: no asset matches the current filters")
	ErrInvalidAsset        = errors.New("stactiler: not a valid asset name")
	ErrMissingAssets       = errors.New("stactiler: assets must be provided via the Assets or Expression option")
	ErrAssetsAndExpression = errors.New("stactiler: Assets and Expression options are mutually exclusive")
	ErrInvalidExpression   = errors.New("stactiler: invalid band math expression")
	ErrNoOpener            = errors.New("stactiler: no asset opener configured")
	ErrClosed              = errors.New("stactiler: reader is closed")
)

// DefaultValidTypes lists the asset media types selected when no type filter
// is given. Assets with other types (thumbnails, XML metadata, ...) are
// skipped.
func DefaultValidTypes() []string {
	return []string{
		"image/tiff; application=geotiff",
		"image/tiff; application=geotiff; profile=cloud-optimized",
		"image/vnd.stac.geotiff; cloud-optimized=true",
		"image/tiff",
		"image/x.geotiff",
		"image/jp2",
		"application/x-hdf5",
		"application/x-hdf",
	}
}

// Options configures a Reader.
type Options struct {
	TMS               *TileMatrixSet // Tile matrix set (default: WebMercatorQuad)
	MinZoom           int            // Minimum zoom (default: TMS minzoom)
	MaxZoom           int            // Maximum zoom; 0 means TMS maxzoom
	IncludeAssets     []string       // Only accept these asset names
	ExcludeAssets     []string       // Reject these asset names
	IncludeAssetTypes []string       // Only accept these media types (default: DefaultValidTypes)
	ExcludeAssetTypes []string       // Reject these media types
	MaxWorkers        int            // Concurrent asset reads; 0 honors MAX_THREADS or NumCPU*5
	Open              AssetOpener    // Per-asset reader constructor (required for read calls)
	Fetch             FetchFunc      // Item fetcher (default: FetchDocument)
}

// DefaultOptions returns the default Reader options. The Open field must
// still be set before any read operation; see the cogreader package for the
// grid-backed implementation.
func DefaultOptions() *Options {
	return &Options{
		IncludeAssetTypes: DefaultValidTypes(),
	}
}

// ReadOptions configures a single Tile, Part, Preview or Point call. Exactly
// one of Assets or Expression must be set.
type ReadOptions struct {
	Assets     []string // Asset names to read
	Expression string   // Band math expression over asset names, e.g. "B08/B04"
	TileSize   int      // Tile only; 0 means 256
	MaxSize    int      // Part/Preview only; 0 means 1024, negative means native resolution
}

// StatsOptions configures a Stats or Metadata call.
type StatsOptions struct {
	Assets []string // Asset names; empty means the full selection
	Pmin   float64  // Lower percentile cut; 0 means 5
	Pmax   float64  // Upper percentile cut; 0 means 95
}
