// Package cogreader implements stactiler.AssetReader for cloud-hosted raster
// grids: snappy-compressed int16 pixel blocks with a JSON sidecar describing
// geotransform, projection and value range. Reprojection and resampling are
// delegated to the terrascope raster libraries.
package cogreader

import (
	"context"
	"fmt"
	"image"
	"math"
	"sync"

	"github.com/paulmach/orb"
	"github.com/terrascope/geometry"
	"github.com/terrascope/proj4go"
	"github.com/terrascope/raster"
	"github.com/terrascope/scimage"

	"github.com/geotiler/stactiler"
)

const (
	webMerc    = "+proj=merc +a=6378137 +b=6378137 +lat_ts=0.0 +lon_0=0.0 +x_0=0.0 +y_0=0 +k=1.0 +units=m +nadgrids=@null +wktext  +no_defs"
	geographic = "+proj=longlat +ellps=WGS84 +datum=WGS84 +no_defs"

	// Spherical mercator ground resolution at zoom 0 for 256px tiles.
	zoomZeroRes = 156543.03392804097
)

// Reader reads one grid asset. It implements stactiler.AssetReader.
type Reader struct {
	href string
	tms  stactiler.TileMatrixSet
	meta gridMeta

	mu     sync.Mutex
	img    *scimage.GrayS16
	closed bool
}

// Open reads the sidecar metadata for href and returns a Reader. The pixel
// payload itself is fetched lazily on the first read operation. Open matches
// the stactiler.AssetOpener signature.
func Open(ctx context.Context, href string, tms stactiler.TileMatrixSet) (stactiler.AssetReader, error) {
	meta, err := fetchMeta(ctx, href)
	if err != nil {
		return nil, err
	}
	return &Reader{href: href, tms: tms, meta: meta}, nil
}

// Close drops the decoded pixel payload.
func (r *Reader) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.img = nil
	r.closed = true
	return nil
}

// grid returns the decoded source image, fetching it on first use.
func (r *Reader) grid(ctx context.Context) (*scimage.GrayS16, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, fmt.Errorf("cogreader: %s: reader is closed", r.href)
	}
	if r.img != nil {
		return r.img, nil
	}

	img, err := fetchGrid(ctx, r.href, r.meta)
	if err != nil {
		return nil, err
	}
	r.img = img
	return img, nil
}

// coverage returns the source footprint in its native projection.
func (r *Reader) coverage() proj4go.Coverage {
	gt := r.meta.Geotransform
	x0 := gt[0]
	y1 := gt[3]
	x1 := x0 + float64(r.meta.XSize)*gt[1]
	y0 := y1 + float64(r.meta.YSize)*gt[5]
	return proj4go.Coverage{BoundingBox: geometry.BBox(x0, y0, x1, y1), Proj4: r.meta.Proj4}
}

// warpTo reprojects the source grid onto a w x h destination coverage and
// converts the result to the stactiler pixel model.
func (r *Reader) warpTo(ctx context.Context, bbox geometry.BoundingBox, proj string, w, h int) (*stactiler.ImageData, error) {
	src, err := r.grid(ctx)
	if err != nil {
		return nil, err
	}

	nodata := int16(r.meta.NoData)
	dstImg := scimage.NewGrayS16(image.Rect(0, 0, w, h), int16(r.meta.MinVal), int16(r.meta.MaxVal), nodata)
	for i := range dstImg.Pix {
		dstImg.Pix[i] = nodata
	}

	dst := &raster.Raster{Image: dstImg, Coverage: proj4go.Coverage{BoundingBox: bbox, Proj4: proj}}
	in := &raster.Raster{Image: src, Coverage: r.coverage()}
	dst.Warp(in)

	return toImageData(dstImg, w, h, nodata), nil
}

// Tile reads a map tile at (x, y, z) in the reader's tile matrix set.
func (r *Reader) Tile(ctx context.Context, x, y, z, tilesize int) (*stactiler.ImageData, error) {
	if tilesize <= 0 {
		tilesize = 256
	}
	b, err := r.tms.TileMercatorBounds(x, y, z)
	if err != nil {
		return nil, err
	}
	bbox := geometry.BBox(b.Min[0], b.Min[1], b.Max[0], b.Max[1])
	return r.warpTo(ctx, bbox, webMerc, tilesize, tilesize)
}

// Part reads an arbitrary WGS84 bounding box, capped at maxSize pixels on
// the longest side. maxSize 0 reads at native resolution.
func (r *Reader) Part(ctx context.Context, bbox orb.Bound, maxSize int) (*stactiler.ImageData, error) {
	geog, err := r.geographicCoverage()
	if err != nil {
		return nil, err
	}

	// Native geographic resolution of the source.
	resX := (geog.BoundingBox.Max.X - geog.BoundingBox.Min.X) / float64(r.meta.XSize)
	resY := (geog.BoundingBox.Max.Y - geog.BoundingBox.Min.Y) / float64(r.meta.YSize)

	w := int(math.Round((bbox.Max[0] - bbox.Min[0]) / resX))
	h := int(math.Round((bbox.Max[1] - bbox.Min[1]) / resY))
	if w < 1 {
		w = 1
	}
	if h < 1 {
		h = 1
	}
	w, h = capSize(w, h, maxSize)

	dst := geometry.BBox(bbox.Min[0], bbox.Min[1], bbox.Max[0], bbox.Max[1])
	return r.warpTo(ctx, dst, geographic, w, h)
}

// Preview reads the whole source footprint, capped at maxSize pixels on the
// longest side.
func (r *Reader) Preview(ctx context.Context, maxSize int) (*stactiler.ImageData, error) {
	w, h := capSize(r.meta.XSize, r.meta.YSize, maxSize)
	cov := r.coverage()
	return r.warpTo(ctx, cov.BoundingBox, r.meta.Proj4, w, h)
}

// Point reads the pixel value under a WGS84 coordinate.
func (r *Reader) Point(ctx context.Context, lon, lat float64) ([]float64, error) {
	src, err := r.grid(ctx)
	if err != nil {
		return nil, err
	}

	pts := []geometry.Point{{X: lon, Y: lat}}
	if r.meta.Proj4 != geographic {
		proj4go.Forwards(r.meta.Proj4, pts)
	}

	gt := r.meta.Geotransform
	px := int(math.Floor((pts[0].X - gt[0]) / gt[1]))
	py := int(math.Floor((pts[0].Y - gt[3]) / gt[5]))
	if px < 0 || py < 0 || px >= r.meta.XSize || py >= r.meta.YSize {
		return nil, fmt.Errorf("cogreader: point (%f, %f) outside %s", lon, lat, r.href)
	}

	return []float64{float64(src.Pix[py*src.Stride+px])}, nil
}

// Info reports the source footprint, zoom range and band layout.
func (r *Reader) Info(ctx context.Context) (*stactiler.Info, error) {
	geog, err := r.geographicCoverage()
	if err != nil {
		return nil, err
	}
	b := geog.BoundingBox

	minZoom, maxZoom := r.zoomRange()

	nodataType := "None"
	if r.meta.NoData != 0 || r.meta.MinVal <= 0 {
		nodataType = "Nodata"
	}

	return &stactiler.Info{
		Bounds:           [4]float64{b.Min.X, b.Min.Y, b.Max.X, b.Max.Y},
		Center:           [3]float64{(b.Min.X + b.Max.X) / 2, (b.Min.Y + b.Max.Y) / 2, float64(minZoom)},
		MinZoom:          minZoom,
		MaxZoom:          maxZoom,
		BandMetadata:     []stactiler.BandMetadata{{"description": r.meta.Description}},
		BandDescriptions: []string{"band1"},
		DType:            "int16",
		ColorInterp:      []string{"gray"},
		NodataType:       nodataType,
	}, nil
}

// geographicCoverage returns the source footprint in WGS84.
func (r *Reader) geographicCoverage() (proj4go.Coverage, error) {
	cov := r.coverage()
	if r.meta.Proj4 == geographic {
		return cov, nil
	}
	out, err := cov.Transform(geographic)
	if err != nil {
		return proj4go.Coverage{}, fmt.Errorf("cogreader: reprojecting bounds of %s: %w", r.href, err)
	}
	return out, nil
}

// zoomRange estimates usable tile zooms from the native mercator resolution,
// clamped to the tile matrix set.
func (r *Reader) zoomRange() (minZoom, maxZoom int) {
	minZoom, maxZoom = r.tms.MinZoom, r.tms.MaxZoom

	cov := r.coverage()
	merc := cov
	if r.meta.Proj4 != webMerc {
		out, err := cov.Transform(webMerc)
		if err != nil {
			return minZoom, maxZoom
		}
		merc = out
	}

	width := merc.BoundingBox.Max.X - merc.BoundingBox.Min.X
	height := merc.BoundingBox.Max.Y - merc.BoundingBox.Min.Y
	res := width / float64(r.meta.XSize)

	// Highest zoom whose tile resolution still exceeds the native
	// resolution, and lowest zoom where the footprint fits one tile.
	for z := r.tms.MinZoom; z <= r.tms.MaxZoom; z++ {
		zres := zoomZeroRes / float64(int(1)<<uint(z))
		if zres*256 >= math.Max(width, height) {
			minZoom = z
		}
		if zres >= res {
			maxZoom = z
		}
	}
	if maxZoom < minZoom {
		maxZoom = minZoom
	}
	return minZoom, maxZoom
}

// toImageData converts a warped grid to the stactiler pixel model, masking
// nodata pixels.
func toImageData(img *scimage.GrayS16, w, h int, nodata int16) *stactiler.ImageData {
	size := w * h
	pixels := make([]float64, size)
	mask := make([]uint8, size)
	for i, v := range img.Pix[:size] {
		pixels[i] = float64(v)
		if v != nodata {
			mask[i] = 255
		}
	}
	return &stactiler.ImageData{
		Width:  w,
		Height: h,
		Bands:  []stactiler.Band{{Name: "b1", Pixels: pixels}},
		Mask:   mask,
	}
}

// capSize scales (w, h) down so the longest side is at most maxSize,
// preserving aspect. maxSize 0 means no cap.
func capSize(w, h, maxSize int) (int, int) {
	if maxSize <= 0 {
		return w, h
	}
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxSize {
		return w, h
	}
	scale := float64(maxSize) / float64(longest)
	w = int(math.Max(1, math.Round(float64(w)*scale)))
	h = int(math.Max(1, math.Round(float64(h)*scale)))
	return w, h
}
