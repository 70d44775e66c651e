package stactiler

import (
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"reflect"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/paulmach/orb"
)

// cogAssets is the fixture selection left after the default media-type
// filter: thumbnail, info and metadata carry non-raster types.
var cogAssets = []string{"visual", "B01", "B02", "B04", "B08", "B8A", "B11", "SCL"}

// fakeAssetReader returns constant-valued pixels and records the arguments
// it was called with.
type fakeAssetReader struct {
	name     string
	value    float64
	failTile bool

	mu          sync.Mutex
	closed      bool
	tileCalls   int
	lastMaxSize int
	lastPmin    float64
	lastPmax    float64
}

func (f *fakeAssetReader) image(w, h int) *ImageData {
	pixels := make([]float64, w*h)
	mask := make([]uint8, w*h)
	for i := range pixels {
		pixels[i] = f.value
		mask[i] = 255
	}
	return &ImageData{
		Width:  w,
		Height: h,
		Bands:  []Band{{Name: "b1", Pixels: pixels}},
		Mask:   mask,
	}
}

func (f *fakeAssetReader) Tile(ctx context.Context, x, y, z, tilesize int) (*ImageData, error) {
	f.mu.Lock()
	f.tileCalls++
	f.mu.Unlock()
	if f.failTile {
		return nil, fmt.Errorf("boom")
	}
	return f.image(tilesize, tilesize), nil
}

func (f *fakeAssetReader) Part(ctx context.Context, bbox orb.Bound, maxSize int) (*ImageData, error) {
	f.mu.Lock()
	f.lastMaxSize = maxSize
	f.mu.Unlock()
	return f.image(64, 32), nil
}

func (f *fakeAssetReader) Preview(ctx context.Context, maxSize int) (*ImageData, error) {
	f.mu.Lock()
	f.lastMaxSize = maxSize
	f.mu.Unlock()
	return f.image(64, 64), nil
}

func (f *fakeAssetReader) Point(ctx context.Context, lon, lat float64) ([]float64, error) {
	return []float64{f.value}, nil
}

func (f *fakeAssetReader) Info(ctx context.Context) (*Info, error) {
	return &Info{MinZoom: 6, MaxZoom: 12, DType: "int16"}, nil
}

func (f *fakeAssetReader) Stats(ctx context.Context, pmin, pmax float64) ([]BandStatistics, error) {
	f.mu.Lock()
	f.lastPmin, f.lastPmax = pmin, pmax
	f.mu.Unlock()
	return []BandStatistics{{
		Percentiles: [2]float64{f.value * pmin / 100, f.value * pmax / 100},
		Min:         0,
		Max:         f.value,
	}}, nil
}

func (f *fakeAssetReader) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

// fakeOpener builds fakeAssetReaders keyed by the asset filename and keeps
// track of everything it opened.
type fakeOpener struct {
	onOpen func(name string) // called at the start of every open, unlocked

	mu       sync.Mutex
	values   map[string]float64
	failTile map[string]bool
	failOpen map[string]bool
	readers  map[string]*fakeAssetReader
}

func newFakeOpener() *fakeOpener {
	return &fakeOpener{
		values:   map[string]float64{},
		failTile: map[string]bool{},
		failOpen: map[string]bool{},
		readers:  map[string]*fakeAssetReader{},
	}
}

func (o *fakeOpener) open(ctx context.Context, href string, tms TileMatrixSet) (AssetReader, error) {
	name := strings.TrimSuffix(path.Base(href), path.Ext(href))

	if o.onOpen != nil {
		o.onOpen(name)
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	if o.failOpen[name] {
		return nil, fmt.Errorf("open refused")
	}

	value := o.values[name]
	if value == 0 {
		value = 1
	}
	f := &fakeAssetReader{name: name, value: value, failTile: o.failTile[name]}
	o.readers[name] = f
	return f, nil
}

func (o *fakeOpener) openCount() int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return len(o.readers)
}

func (o *fakeOpener) allClosed() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, f := range o.readers {
		if !f.closed {
			return false
		}
	}
	return true
}

func openFixture(t *testing.T, opener *fakeOpener, opts *Options) *Reader {
	t.Helper()

	if opts == nil {
		opts = DefaultOptions()
	}
	if opts.Open == nil && opener != nil {
		opts.Open = opener.open
	}
	r, err := Open(context.Background(), filepath.Join("testdata", "item.json"), opts)
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	return r
}

func TestOpen_Selection(t *testing.T) {
	r := openFixture(t, newFakeOpener(), nil)
	defer func() { _ = r.Close() }()

	// The default media-type filter drops thumbnail, info and metadata.
	if got := r.Assets(); !reflect.DeepEqual(got, cogAssets) {
		t.Errorf("expected %v, got %v", cogAssets, got)
	}

	if r.TMS().ID != "WebMercatorQuad" {
		t.Errorf("expected WebMercatorQuad, got %q", r.TMS().ID)
	}
	if r.MinZoom() != 0 || r.MaxZoom() != 24 {
		t.Errorf("expected zooms 0/24, got %d/%d", r.MinZoom(), r.MaxZoom())
	}
}

func TestOpen_SelectionFilters(t *testing.T) {
	// No type filter keeps everything.
	r := openFixture(t, newFakeOpener(), &Options{})
	if got := len(r.Assets()); got != len(allFixtureAssets) {
		t.Errorf("expected %d assets, got %d", len(allFixtureAssets), got)
	}
	_ = r.Close()

	// Name include.
	r = openFixture(t, newFakeOpener(), &Options{IncludeAssets: []string{"B01", "B02"}})
	if got := r.Assets(); !reflect.DeepEqual(got, []string{"B01", "B02"}) {
		t.Errorf("expected [B01 B02], got %v", got)
	}
	_ = r.Close()

	// Name exclude.
	r = openFixture(t, newFakeOpener(), &Options{
		IncludeAssetTypes: DefaultValidTypes(),
		ExcludeAssets:     []string{"visual", "SCL"},
	})
	want := []string{"B01", "B02", "B04", "B08", "B8A", "B11"}
	if got := r.Assets(); !reflect.DeepEqual(got, want) {
		t.Errorf("expected %v, got %v", want, got)
	}
	_ = r.Close()

	// Type include.
	r = openFixture(t, newFakeOpener(), &Options{IncludeAssetTypes: []string{"application/xml"}})
	if got := r.Assets(); !reflect.DeepEqual(got, []string{"metadata"}) {
		t.Errorf("expected [metadata], got %v", got)
	}
	_ = r.Close()

	// Type exclude on top of name include.
	r = openFixture(t, newFakeOpener(), &Options{
		IncludeAssets:     []string{"thumbnail", "metadata"},
		ExcludeAssetTypes: []string{"image/png"},
	})
	if got := r.Assets(); !reflect.DeepEqual(got, []string{"metadata"}) {
		t.Errorf("expected [metadata], got %v", got)
	}
	_ = r.Close()
}

func TestOpen_EmptySelection(t *testing.T) {
	opts := DefaultOptions()
	opts.IncludeAssets = []string{"B99"}
	opts.Open = newFakeOpener().open

	_, err := Open(context.Background(), filepath.Join("testdata", "item.json"), opts)
	if !errors.Is(err, ErrNoAssets) {
		t.Errorf("expected ErrNoAssets, got %v", err)
	}
}

func TestOpen_NoSource(t *testing.T) {
	if _, err := Open(context.Background(), "", nil); !errors.Is(err, ErrNoSource) {
		t.Errorf("expected ErrNoSource, got %v", err)
	}
	if _, err := New(nil, nil); !errors.Is(err, ErrNoSource) {
		t.Errorf("expected ErrNoSource, got %v", err)
	}
}

func TestTile(t *testing.T) {
	opener := newFakeOpener()
	r := openFixture(t, opener, nil)
	defer func() { _ = r.Close() }()

	ctx := context.Background()

	// Single asset.
	img, err := r.Tile(ctx, 289, 207, 9, &ReadOptions{Assets: []string{"B01"}})
	if err != nil {
		t.Fatalf("Tile failed: %v", err)
	}
	if img.Width != 256 || img.Height != 256 {
		t.Errorf("expected 256x256, got %dx%d", img.Width, img.Height)
	}
	if len(img.Bands) != 1 || img.Bands[0].Name != "B01" {
		t.Errorf("expected one band named B01, got %+v", img.Bands)
	}
	if len(img.Mask) != 256*256 {
		t.Errorf("expected %d mask values, got %d", 256*256, len(img.Mask))
	}

	// Two assets stack in request order.
	img, err = r.Tile(ctx, 289, 207, 9, &ReadOptions{Assets: []string{"B01", "B02"}})
	if err != nil {
		t.Fatalf("Tile failed: %v", err)
	}
	if len(img.Bands) != 2 || img.Bands[0].Name != "B01" || img.Bands[1].Name != "B02" {
		t.Errorf("expected bands [B01 B02], got %+v", img.Bands)
	}

	// Custom tile size.
	img, err = r.Tile(ctx, 289, 207, 9, &ReadOptions{Assets: []string{"B01"}, TileSize: 512})
	if err != nil {
		t.Fatalf("Tile failed: %v", err)
	}
	if img.Width != 512 {
		t.Errorf("expected 512 wide, got %d", img.Width)
	}
}

func TestTile_Validation(t *testing.T) {
	r := openFixture(t, newFakeOpener(), nil)
	defer func() { _ = r.Close() }()

	ctx := context.Background()

	if _, err := r.Tile(ctx, 289, 207, 9, nil); !errors.Is(err, ErrMissingAssets) {
		t.Errorf("expected ErrMissingAssets for nil options, got %v", err)
	}
	if _, err := r.Tile(ctx, 289, 207, 9, &ReadOptions{}); !errors.Is(err, ErrMissingAssets) {
		t.Errorf("expected ErrMissingAssets, got %v", err)
	}
	if _, err := r.Tile(ctx, 289, 207, 9, &ReadOptions{Assets: []string{"B99"}}); !errors.Is(err, ErrInvalidAsset) {
		t.Errorf("expected ErrInvalidAsset, got %v", err)
	}
	if _, err := r.Tile(ctx, 289, 207, 9, &ReadOptions{
		Assets:     []string{"B01"},
		Expression: "B01/B02",
	}); !errors.Is(err, ErrAssetsAndExpression) {
		t.Errorf("expected ErrAssetsAndExpression, got %v", err)
	}

	// Out-of-matrix tile.
	if _, err := r.Tile(ctx, 289, 207, 30, &ReadOptions{Assets: []string{"B01"}}); err == nil {
		t.Error("expected error for zoom 30")
	}
	if _, err := r.Tile(ctx, 2, 0, 1, &ReadOptions{Assets: []string{"B01"}}); err == nil {
		t.Error("expected error for x outside matrix")
	}
}

func TestTile_Expression(t *testing.T) {
	opener := newFakeOpener()
	opener.values["B01"] = 100
	opener.values["B02"] = 4
	r := openFixture(t, opener, nil)
	defer func() { _ = r.Close() }()

	img, err := r.Tile(context.Background(), 289, 207, 9, &ReadOptions{Expression: "B01/B02"})
	if err != nil {
		t.Fatalf("Tile failed: %v", err)
	}
	if len(img.Bands) != 1 || img.Bands[0].Name != "b1" {
		t.Fatalf("expected one expression band, got %+v", img.Bands)
	}
	// Element-wise division of constant planes.
	for i, v := range img.Bands[0].Pixels {
		if v != 25 {
			t.Fatalf("pixel %d: expected 25, got %f", i, v)
		}
	}

	// Two blocks produce two bands.
	img, err = r.Tile(context.Background(), 289, 207, 9, &ReadOptions{Expression: "B01/B02, B01+B02"})
	if err != nil {
		t.Fatalf("Tile failed: %v", err)
	}
	if len(img.Bands) != 2 || img.Bands[1].Name != "b2" {
		t.Fatalf("expected bands [b1 b2], got %+v", img.Bands)
	}
	if img.Bands[1].Pixels[0] != 104 {
		t.Errorf("expected 104, got %f", img.Bands[1].Pixels[0])
	}
}

func TestTile_FailFast(t *testing.T) {
	opener := newFakeOpener()
	opener.failTile["B02"] = true
	r := openFixture(t, opener, nil)

	_, err := r.Tile(context.Background(), 289, 207, 9, &ReadOptions{Assets: []string{"B01", "B02"}})
	if err == nil {
		t.Fatal("expected whole-call failure when one asset fails")
	}

	// All readers opened before the failure are still released.
	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !opener.allClosed() {
		t.Error("expected every opened reader to be closed")
	}
}

func TestPart(t *testing.T) {
	opener := newFakeOpener()
	r := openFixture(t, opener, nil)
	defer func() { _ = r.Close() }()

	bbox := orb.Bound{Min: orb.Point{23.7, 31.506}, Max: orb.Point{24.1, 32.514}}

	img, err := r.Part(context.Background(), bbox, &ReadOptions{Assets: []string{"B04", "B02"}})
	if err != nil {
		t.Fatalf("Part failed: %v", err)
	}
	if len(img.Bands) != 2 {
		t.Errorf("expected 2 bands, got %d", len(img.Bands))
	}

	// MaxSize defaults to 1024, negative means native resolution.
	if got := opener.readers["B04"].lastMaxSize; got != 1024 {
		t.Errorf("expected default max size 1024, got %d", got)
	}
	if _, err := r.Part(context.Background(), bbox, &ReadOptions{Assets: []string{"B04"}, MaxSize: -1}); err != nil {
		t.Fatalf("Part failed: %v", err)
	}
	if got := opener.readers["B04"].lastMaxSize; got != 0 {
		t.Errorf("expected native resolution (0), got %d", got)
	}
}

func TestPreview(t *testing.T) {
	opener := newFakeOpener()
	opener.values["B08"] = 8
	opener.values["B04"] = 2
	r := openFixture(t, opener, nil)
	defer func() { _ = r.Close() }()

	img, err := r.Preview(context.Background(), &ReadOptions{Expression: "(B08-B04)/(B08+B04)"})
	if err != nil {
		t.Fatalf("Preview failed: %v", err)
	}
	if len(img.Bands) != 1 {
		t.Fatalf("expected 1 band, got %d", len(img.Bands))
	}
	if got := img.Bands[0].Pixels[0]; got != 0.6 {
		t.Errorf("expected NDVI 0.6, got %f", got)
	}
}

func TestPoint(t *testing.T) {
	opener := newFakeOpener()
	opener.values["B01"] = 100
	opener.values["B02"] = 4
	r := openFixture(t, opener, nil)
	defer func() { _ = r.Close() }()

	values, err := r.Point(context.Background(), 23.8, 32.0, &ReadOptions{Assets: []string{"B01", "B02"}})
	if err != nil {
		t.Fatalf("Point failed: %v", err)
	}
	if len(values) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(values))
	}
	if values["B01"][0] != 100 || values["B02"][0] != 4 {
		t.Errorf("unexpected values %v", values)
	}

	// Expression reduces to one block entry.
	values, err = r.Point(context.Background(), 23.8, 32.0, &ReadOptions{Expression: "B01/B02"})
	if err != nil {
		t.Fatalf("Point failed: %v", err)
	}
	if len(values) != 1 || values["b1"][0] != 25 {
		t.Errorf("expected b1=25, got %v", values)
	}
}

func TestInfo(t *testing.T) {
	r := openFixture(t, newFakeOpener(), nil)
	defer func() { _ = r.Close() }()

	// Defaults to the full selection.
	infos, err := r.Info(context.Background())
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if len(infos) != len(cogAssets) {
		t.Errorf("expected %d entries, got %d", len(cogAssets), len(infos))
	}
	for _, name := range cogAssets {
		if infos[name] == nil {
			t.Errorf("missing info for %q", name)
		}
	}

	// Explicit subset.
	infos, err = r.Info(context.Background(), "B04", "B02")
	if err != nil {
		t.Fatalf("Info failed: %v", err)
	}
	if len(infos) != 2 || infos["B04"] == nil || infos["B02"] == nil {
		t.Errorf("expected entries for B04 and B02, got %v", infos)
	}

	if _, err := r.Info(context.Background(), "B99"); !errors.Is(err, ErrInvalidAsset) {
		t.Errorf("expected ErrInvalidAsset, got %v", err)
	}
}

func TestStats(t *testing.T) {
	opener := newFakeOpener()
	opener.values["B01"] = 1000
	r := openFixture(t, opener, nil)
	defer func() { _ = r.Close() }()

	// Percentiles default to 5/95.
	stats, err := r.Stats(context.Background(), &StatsOptions{Assets: []string{"B01"}})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	if len(stats) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(stats))
	}
	got := stats["B01"][0].Percentiles
	if got[0] != 50 || got[1] != 950 {
		t.Errorf("expected default 5/95 cuts, got %v", got)
	}

	// Giving only one cut keeps the default for the other.
	stats, err = r.Stats(context.Background(), &StatsOptions{Assets: []string{"B01"}, Pmin: 10})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	got = stats["B01"][0].Percentiles
	if got[0] != 100 || got[1] != 950 {
		t.Errorf("expected cuts 10/95, got %v", got)
	}
	stats, err = r.Stats(context.Background(), &StatsOptions{Assets: []string{"B01"}, Pmax: 20})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	got = stats["B01"][0].Percentiles
	if got[0] != 50 || got[1] != 200 {
		t.Errorf("expected cuts 5/20, got %v", got)
	}

	// Widening the cuts widens the reported range.
	wide, err := r.Stats(context.Background(), &StatsOptions{Assets: []string{"B01"}, Pmin: 0.001, Pmax: 100})
	if err != nil {
		t.Fatalf("Stats failed: %v", err)
	}
	wgot := wide["B01"][0].Percentiles
	if !(wgot[0] <= got[0] && wgot[1] >= got[1]) {
		t.Errorf("expected widened range, got %v vs %v", wgot, got)
	}

	if _, err := r.Stats(context.Background(), &StatsOptions{Assets: []string{"B99"}}); !errors.Is(err, ErrInvalidAsset) {
		t.Errorf("expected ErrInvalidAsset, got %v", err)
	}
}

func TestMetadata(t *testing.T) {
	r := openFixture(t, newFakeOpener(), nil)
	defer func() { _ = r.Close() }()

	metas, err := r.Metadata(context.Background(), &StatsOptions{Assets: []string{"B04", "B02"}})
	if err != nil {
		t.Fatalf("Metadata failed: %v", err)
	}
	if len(metas) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(metas))
	}
	for _, name := range []string{"B04", "B02"} {
		if metas[name] == nil || metas[name].Info == nil || len(metas[name].Statistics) == 0 {
			t.Errorf("incomplete metadata for %q: %+v", name, metas[name])
		}
	}
}

func TestClose(t *testing.T) {
	opener := newFakeOpener()
	r := openFixture(t, opener, nil)

	ctx := context.Background()
	if _, err := r.Tile(ctx, 289, 207, 9, &ReadOptions{Assets: []string{"B01", "B02"}}); err != nil {
		t.Fatalf("Tile failed: %v", err)
	}

	// Readers are opened lazily and reused.
	if got := opener.openCount(); got != 2 {
		t.Errorf("expected 2 opened readers, got %d", got)
	}
	if _, err := r.Tile(ctx, 289, 207, 9, &ReadOptions{Assets: []string{"B01"}}); err != nil {
		t.Fatalf("Tile failed: %v", err)
	}
	if got := opener.openCount(); got != 2 {
		t.Errorf("expected reader reuse, got %d opens", got)
	}
	if got := opener.readers["B01"].tileCalls; got != 2 {
		t.Errorf("expected 2 tile calls on B01, got %d", got)
	}

	if err := r.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !opener.allClosed() {
		t.Error("expected every opened reader to be closed")
	}

	// Close is idempotent; reads after Close are refused.
	if err := r.Close(); err != nil {
		t.Errorf("second Close failed: %v", err)
	}
	if _, err := r.Tile(ctx, 289, 207, 9, &ReadOptions{Assets: []string{"B01"}}); !errors.Is(err, ErrClosed) {
		t.Errorf("expected ErrClosed, got %v", err)
	}
}

func TestTile_ParallelOpen(t *testing.T) {
	// Both first-use opens must be in flight at the same time; a Reader that
	// serializes opens would deadlock here.
	opener := newFakeOpener()
	var inFlight sync.WaitGroup
	inFlight.Add(2)
	opener.onOpen = func(string) {
		inFlight.Done()
		inFlight.Wait()
	}
	r := openFixture(t, opener, nil)
	defer func() { _ = r.Close() }()

	done := make(chan error, 1)
	go func() {
		_, err := r.Tile(context.Background(), 289, 207, 9, &ReadOptions{Assets: []string{"B01", "B02"}})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Tile failed: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("asset opens did not run in parallel")
	}
}

func TestTile_RetryAfterFailedOpen(t *testing.T) {
	opener := newFakeOpener()
	opener.failOpen["B01"] = true
	r := openFixture(t, opener, nil)
	defer func() { _ = r.Close() }()

	ctx := context.Background()
	if _, err := r.Tile(ctx, 289, 207, 9, &ReadOptions{Assets: []string{"B01"}}); err == nil {
		t.Fatal("expected open failure")
	}

	// A failed open is not cached; the next call retries.
	opener.mu.Lock()
	opener.failOpen["B01"] = false
	opener.mu.Unlock()
	if _, err := r.Tile(ctx, 289, 207, 9, &ReadOptions{Assets: []string{"B01"}}); err != nil {
		t.Fatalf("Tile failed after retry: %v", err)
	}
}

func TestOpen_NoOpener(t *testing.T) {
	r := openFixture(t, nil, DefaultOptions())
	defer func() { _ = r.Close() }()

	_, err := r.Tile(context.Background(), 289, 207, 9, &ReadOptions{Assets: []string{"B01"}})
	if !errors.Is(err, ErrNoOpener) {
		t.Errorf("expected ErrNoOpener, got %v", err)
	}
}
