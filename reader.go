package stactiler

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strconv"
	"sync"

	"github.com/paulmach/orb"
	"golang.org/x/sync/errgroup"
)

// AssetReader reads one raster asset. Implementations own the raster
// decoding, reprojection and resampling; the Reader only fans calls out and
// assembles results. The cogreader package provides the grid-backed
// implementation.
type AssetReader interface {
	Tile(ctx context.Context, x, y, z, tilesize int) (*ImageData, error)
	Part(ctx context.Context, bbox orb.Bound, maxSize int) (*ImageData, error)
	Preview(ctx context.Context, maxSize int) (*ImageData, error)
	Point(ctx context.Context, lon, lat float64) ([]float64, error)
	Info(ctx context.Context) (*Info, error)
	Stats(ctx context.Context, pmin, pmax float64) ([]BandStatistics, error)
	Close() error
}

// AssetOpener constructs an AssetReader for an asset href.
type AssetOpener func(ctx context.Context, href string, tms TileMatrixSet) (AssetReader, error)

// Reader reads raster assets referenced by a STAC item.
//
//	r, err := stactiler.Open(ctx, "item.json", &stactiler.Options{Open: cogreader.Open})
//	if err != nil { ... }
//	defer r.Close()
//	tile, err := r.Tile(ctx, 289, 207, 9, &stactiler.ReadOptions{Assets: []string{"B01"}})
type Reader struct {
	item    *Item
	tms     TileMatrixSet
	minZoom int
	maxZoom int
	assets  []string // resolved selection, document order
	open    AssetOpener
	workers int

	mu      sync.Mutex
	readers map[string]*readerEntry
	closed  bool
}

// readerEntry holds one lazily opened AssetReader. The once gate keeps
// concurrent first reads from opening the same asset twice without holding
// the Reader lock across the open call.
type readerEntry struct {
	once sync.Once
	ar   AssetReader
	err  error
}

// Open fetches a STAC item from a local path, an http(s) URL or a gs://
// object and returns a Reader over its assets.
func Open(ctx context.Context, path string, opts *Options) (*Reader, error) {
	if path == "" {
		return nil, ErrNoSource
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	fetch := opts.Fetch
	if fetch == nil {
		fetch = FetchDocument
	}
	data, err := fetch(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("stactiler: fetching %s: %w", path, err)
	}
	item, err := ParseItem(data)
	if err != nil {
		return nil, err
	}

	return New(item, opts)
}

// New returns a Reader over an already-parsed item.
func New(item *Item, opts *Options) (*Reader, error) {
	if item == nil {
		return nil, ErrNoSource
	}
	if opts == nil {
		opts = DefaultOptions()
	}

	tms := WebMercatorQuad()
	if opts.TMS != nil {
		tms = *opts.TMS
	}
	minZoom := opts.MinZoom
	if minZoom < tms.MinZoom {
		minZoom = tms.MinZoom
	}
	maxZoom := opts.MaxZoom
	if maxZoom == 0 || maxZoom > tms.MaxZoom {
		maxZoom = tms.MaxZoom
	}

	selection := selectAssets(item, opts)
	if len(selection) == 0 {
		return nil, ErrNoAssets
	}

	return &Reader{
		item:    item,
		tms:     tms,
		minZoom: minZoom,
		maxZoom: maxZoom,
		assets:  selection,
		open:    opts.Open,
		workers: maxWorkers(opts.MaxWorkers),
		readers: make(map[string]*readerEntry),
	}, nil
}

// selectAssets filters the item's assets by name and media type, keeping
// document order.
func selectAssets(item *Item, opts *Options) []string {
	include := toSet(opts.IncludeAssets)
	exclude := toSet(opts.ExcludeAssets)
	includeTypes := toSet(opts.IncludeAssetTypes)
	excludeTypes := toSet(opts.ExcludeAssetTypes)

	var selection []string
	for _, name := range item.AssetNames() {
		asset := item.Assets[name]

		if exclude[name] || (include != nil && !include[name]) {
			continue
		}
		if excludeTypes[asset.Type] || (includeTypes != nil && !includeTypes[asset.Type]) {
			continue
		}
		selection = append(selection, name)
	}
	return selection
}

func toSet(values []string) map[string]bool {
	if values == nil {
		return nil
	}
	set := make(map[string]bool, len(values))
	for _, v := range values {
		set[v] = true
	}
	return set
}

// maxWorkers resolves the fan-out width: explicit option, then the
// MAX_THREADS environment variable, then NumCPU*5.
func maxWorkers(n int) int {
	if n > 0 {
		return n
	}
	if env := os.Getenv("MAX_THREADS"); env != "" {
		if v, err := strconv.Atoi(env); err == nil && v > 0 {
			return v
		}
	}
	return runtime.NumCPU() * 5
}

// Item returns the underlying STAC item.
func (r *Reader) Item() *Item { return r.item }

// TMS returns the tile matrix set in use.
func (r *Reader) TMS() TileMatrixSet { return r.tms }

// MinZoom returns the minimum tile zoom.
func (r *Reader) MinZoom() int { return r.minZoom }

// MaxZoom returns the maximum tile zoom.
func (r *Reader) MaxZoom() int { return r.maxZoom }

// Assets returns the resolved asset selection in document order.
func (r *Reader) Assets() []string {
	return append([]string(nil), r.assets...)
}

// Bounds returns the item footprint in WGS84.
func (r *Reader) Bounds() orb.Bound { return r.item.Bound() }

// Center returns the footprint center and the minimum zoom.
func (r *Reader) Center() (lon, lat float64, zoom int) {
	b := r.item.Bound()
	return (b.Min[0] + b.Max[0]) / 2, (b.Min[1] + b.Max[1]) / 2, r.minZoom
}

// Close releases every asset reader opened during the Reader's lifetime.
// It is safe to call Close after a failed read; all readers opened before
// the failure are still released.
func (r *Reader) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	entries := make(map[string]*readerEntry, len(r.readers))
	for name, e := range r.readers {
		entries[name] = e
		delete(r.readers, name)
	}
	r.mu.Unlock()

	var firstErr error
	for name, e := range entries {
		e.once.Do(func() {}) // wait for an in-flight open
		if e.ar == nil {
			continue
		}
		if err := e.ar.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("stactiler: closing reader for %q: %w", name, err)
		}
	}
	return firstErr
}

// reader returns the AssetReader for an asset, opening it on first use. The
// open call itself runs outside the Reader lock so concurrent first reads of
// different assets open in parallel.
func (r *Reader) reader(ctx context.Context, name string) (AssetReader, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, ErrClosed
	}
	if r.open == nil {
		r.mu.Unlock()
		return nil, ErrNoOpener
	}
	e, ok := r.readers[name]
	if !ok {
		e = &readerEntry{}
		r.readers[name] = e
	}
	r.mu.Unlock()

	e.once.Do(func() {
		ar, err := r.open(ctx, r.item.Assets[name].Href, r.tms)
		if err != nil {
			e.err = fmt.Errorf("stactiler: opening asset %q: %w", name, err)
			// Drop the entry so a later call can retry the open.
			r.mu.Lock()
			if r.readers[name] == e {
				delete(r.readers, name)
			}
			r.mu.Unlock()
			return
		}
		e.ar = ar
	})
	return e.ar, e.err
}

// resolveAssets validates an explicit asset list, or resolves the assets an
// expression refers to. Exactly one of the two must be given.
func (r *Reader) resolveAssets(assets []string, expression string) ([]string, error) {
	if len(assets) > 0 && expression != "" {
		return nil, ErrAssetsAndExpression
	}

	if expression != "" {
		return parseExpressionAssets(r.assets, expression)
	}
	if len(assets) == 0 {
		return nil, ErrMissingAssets
	}

	valid := toSet(r.assets)
	for _, name := range assets {
		if !valid[name] {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAsset, name)
		}
	}
	return assets, nil
}

// forEach fans fn out over the assets with the configured worker limit.
// The first error cancels the remaining reads and fails the whole call.
func (r *Reader) forEach(ctx context.Context, assets []string, fn func(ctx context.Context, name string, ar AssetReader, i int) error) error {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.workers)

	for i, name := range assets {
		i, name := i, name
		g.Go(func() error {
			ar, err := r.reader(ctx, name)
			if err != nil {
				return err
			}
			return fn(ctx, name, ar, i)
		})
	}
	return g.Wait()
}

// Tile reads a map tile from every requested asset and returns the stacked
// bands, or the expression result when opts.Expression is set.
func (r *Reader) Tile(ctx context.Context, x, y, z int, opts *ReadOptions) (*ImageData, error) {
	if opts == nil {
		return nil, ErrMissingAssets
	}
	if err := r.tms.Valid(x, y, z); err != nil {
		return nil, err
	}
	assets, err := r.resolveAssets(opts.Assets, opts.Expression)
	if err != nil {
		return nil, err
	}

	tilesize := opts.TileSize
	if tilesize == 0 {
		tilesize = 256
	}

	images := make([]*ImageData, len(assets))
	err = r.forEach(ctx, assets, func(ctx context.Context, name string, ar AssetReader, i int) error {
		img, err := ar.Tile(ctx, x, y, z, tilesize)
		if err != nil {
			return fmt.Errorf("stactiler: reading tile %d/%d/%d from %q: %w", z, x, y, name, err)
		}
		images[i] = img
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r.assemble(assets, images, opts.Expression)
}

// Part reads an arbitrary WGS84 bounding box from every requested asset.
func (r *Reader) Part(ctx context.Context, bbox orb.Bound, opts *ReadOptions) (*ImageData, error) {
	if opts == nil {
		return nil, ErrMissingAssets
	}
	assets, err := r.resolveAssets(opts.Assets, opts.Expression)
	if err != nil {
		return nil, err
	}

	maxSize := sizeLimit(opts.MaxSize)

	images := make([]*ImageData, len(assets))
	err = r.forEach(ctx, assets, func(ctx context.Context, name string, ar AssetReader, i int) error {
		img, err := ar.Part(ctx, bbox, maxSize)
		if err != nil {
			return fmt.Errorf("stactiler: reading part from %q: %w", name, err)
		}
		images[i] = img
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r.assemble(assets, images, opts.Expression)
}

// Preview reads a downsampled overview of every requested asset.
func (r *Reader) Preview(ctx context.Context, opts *ReadOptions) (*ImageData, error) {
	if opts == nil {
		return nil, ErrMissingAssets
	}
	assets, err := r.resolveAssets(opts.Assets, opts.Expression)
	if err != nil {
		return nil, err
	}

	maxSize := sizeLimit(opts.MaxSize)

	images := make([]*ImageData, len(assets))
	err = r.forEach(ctx, assets, func(ctx context.Context, name string, ar AssetReader, i int) error {
		img, err := ar.Preview(ctx, maxSize)
		if err != nil {
			return fmt.Errorf("stactiler: reading preview from %q: %w", name, err)
		}
		images[i] = img
		return nil
	})
	if err != nil {
		return nil, err
	}

	return r.assemble(assets, images, opts.Expression)
}

// Point reads the band values under a WGS84 coordinate, keyed by asset name.
// With an expression the result holds one entry per expression block,
// keyed "b1", "b2", ...
func (r *Reader) Point(ctx context.Context, lon, lat float64, opts *ReadOptions) (map[string][]float64, error) {
	if opts == nil {
		return nil, ErrMissingAssets
	}
	assets, err := r.resolveAssets(opts.Assets, opts.Expression)
	if err != nil {
		return nil, err
	}

	values := make([][]float64, len(assets))
	err = r.forEach(ctx, assets, func(ctx context.Context, name string, ar AssetReader, i int) error {
		v, err := ar.Point(ctx, lon, lat)
		if err != nil {
			return fmt.Errorf("stactiler: reading point from %q: %w", name, err)
		}
		values[i] = v
		return nil
	})
	if err != nil {
		return nil, err
	}

	if opts.Expression != "" {
		env := make(map[string]float64, len(assets))
		for i, name := range assets {
			if len(values[i]) > 0 {
				env[name] = values[i][0]
			}
		}
		results, err := evalExpressionValues(opts.Expression, env)
		if err != nil {
			return nil, err
		}
		out := make(map[string][]float64, len(results))
		for i, v := range results {
			out[fmt.Sprintf("b%d", i+1)] = []float64{v}
		}
		return out, nil
	}

	out := make(map[string][]float64, len(assets))
	for i, name := range assets {
		out[name] = values[i]
	}
	return out, nil
}

// Info returns per-asset raster metadata. With no assets given the full
// selection is reported.
func (r *Reader) Info(ctx context.Context, assets ...string) (map[string]*Info, error) {
	assets, err := r.defaultSelection(assets)
	if err != nil {
		return nil, err
	}

	infos := make([]*Info, len(assets))
	err = r.forEach(ctx, assets, func(ctx context.Context, name string, ar AssetReader, i int) error {
		info, err := ar.Info(ctx)
		if err != nil {
			return fmt.Errorf("stactiler: reading info from %q: %w", name, err)
		}
		infos[i] = info
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Info, len(assets))
	for i, name := range assets {
		out[name] = infos[i]
	}
	return out, nil
}

// Stats returns per-asset band statistics. Percentile cuts default to 5/95.
func (r *Reader) Stats(ctx context.Context, opts *StatsOptions) (map[string][]BandStatistics, error) {
	if opts == nil {
		opts = &StatsOptions{}
	}
	assets, err := r.defaultSelection(opts.Assets)
	if err != nil {
		return nil, err
	}
	pmin, pmax := defaultPercentiles(opts.Pmin, opts.Pmax)

	stats := make([][]BandStatistics, len(assets))
	err = r.forEach(ctx, assets, func(ctx context.Context, name string, ar AssetReader, i int) error {
		s, err := ar.Stats(ctx, pmin, pmax)
		if err != nil {
			return fmt.Errorf("stactiler: reading stats from %q: %w", name, err)
		}
		stats[i] = s
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string][]BandStatistics, len(assets))
	for i, name := range assets {
		out[name] = stats[i]
	}
	return out, nil
}

// Metadata returns Info and Stats combined, per asset.
func (r *Reader) Metadata(ctx context.Context, opts *StatsOptions) (map[string]*Metadata, error) {
	if opts == nil {
		opts = &StatsOptions{}
	}
	assets, err := r.defaultSelection(opts.Assets)
	if err != nil {
		return nil, err
	}
	pmin, pmax := defaultPercentiles(opts.Pmin, opts.Pmax)

	metas := make([]*Metadata, len(assets))
	err = r.forEach(ctx, assets, func(ctx context.Context, name string, ar AssetReader, i int) error {
		info, err := ar.Info(ctx)
		if err != nil {
			return fmt.Errorf("stactiler: reading info from %q: %w", name, err)
		}
		s, err := ar.Stats(ctx, pmin, pmax)
		if err != nil {
			return fmt.Errorf("stactiler: reading stats from %q: %w", name, err)
		}
		metas[i] = &Metadata{Info: info, Statistics: s}
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make(map[string]*Metadata, len(assets))
	for i, name := range assets {
		out[name] = metas[i]
	}
	return out, nil
}

// defaultSelection validates an explicit asset list or falls back to the
// full selection.
func (r *Reader) defaultSelection(assets []string) ([]string, error) {
	if len(assets) == 0 {
		return r.Assets(), nil
	}
	valid := toSet(r.assets)
	for _, name := range assets {
		if !valid[name] {
			return nil, fmt.Errorf("%w: %q", ErrInvalidAsset, name)
		}
	}
	return assets, nil
}

// assemble merges per-asset images and applies the expression when present.
func (r *Reader) assemble(assets []string, images []*ImageData, expression string) (*ImageData, error) {
	merged, err := mergeImageData(assets, images)
	if err != nil {
		return nil, err
	}
	if expression == "" {
		return merged, nil
	}
	return applyExpression(expression, merged)
}

// sizeLimit maps the MaxSize option onto the reader contract: 0 means the
// 1024 default, negative means native resolution.
func sizeLimit(maxSize int) int {
	switch {
	case maxSize == 0:
		return 1024
	case maxSize < 0:
		return 0
	default:
		return maxSize
	}
}

// defaultPercentiles fills each unset cut independently so a call giving
// only Pmin still gets the 95 upper cut.
func defaultPercentiles(pmin, pmax float64) (float64, float64) {
	if pmin == 0 {
		pmin = 5
	}
	if pmax == 0 {
		pmax = 95
	}
	return pmin, pmax
}
