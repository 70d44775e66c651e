package cogreader

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"image"

	"github.com/golang/snappy"
	"github.com/terrascope/scimage"

	"github.com/geotiler/stactiler"
)

// gridMeta is the JSON sidecar stored next to each grid object, at
// href + ".json".
type gridMeta struct {
	XSize        int       `json:"x_size"`
	YSize        int       `json:"y_size"`
	Geotransform []float64 `json:"geotransform"` // GDAL order: x0, xres, 0, y0, 0, yres
	MinVal       float64   `json:"min_value"`
	MaxVal       float64   `json:"max_value"`
	NoData       float64   `json:"no_data"`
	Proj4        string    `json:"proj4"`
	Description  string    `json:"description,omitempty"`
}

func (m gridMeta) validate(href string) error {
	if m.XSize <= 0 || m.YSize <= 0 {
		return fmt.Errorf("cogreader: %s: invalid grid size %dx%d", href, m.XSize, m.YSize)
	}
	if len(m.Geotransform) != 6 {
		return fmt.Errorf("cogreader: %s: geotransform needs 6 values, got %d", href, len(m.Geotransform))
	}
	if m.Geotransform[1] == 0 || m.Geotransform[5] == 0 {
		return fmt.Errorf("cogreader: %s: zero pixel resolution", href)
	}
	if m.Proj4 == "" {
		return fmt.Errorf("cogreader: %s: missing proj4", href)
	}
	return nil
}

func fetchMeta(ctx context.Context, href string) (gridMeta, error) {
	var meta gridMeta

	data, err := stactiler.FetchDocument(ctx, href+".json")
	if err != nil {
		return meta, fmt.Errorf("cogreader: fetching sidecar for %s: %w", href, err)
	}
	if err := json.Unmarshal(data, &meta); err != nil {
		return meta, fmt.Errorf("cogreader: decoding sidecar for %s: %w", href, err)
	}
	if err := meta.validate(href); err != nil {
		return meta, err
	}
	return meta, nil
}

// fetchGrid reads and decompresses the pixel payload: snappy-compressed
// little-endian int16, row major.
func fetchGrid(ctx context.Context, href string, meta gridMeta) (*scimage.GrayS16, error) {
	cdata, err := stactiler.FetchDocument(ctx, href)
	if err != nil {
		return nil, fmt.Errorf("cogreader: fetching %s: %w", href, err)
	}

	data, err := snappy.Decode(nil, cdata)
	if err != nil {
		return nil, fmt.Errorf("cogreader: decompressing %s: %w", href, err)
	}
	if want := meta.XSize * meta.YSize * 2; len(data) != want {
		return nil, fmt.Errorf("cogreader: %s: payload is %d bytes, want %d", href, len(data), want)
	}

	pix := make([]int16, meta.XSize*meta.YSize)
	for i := range pix {
		pix[i] = int16(binary.LittleEndian.Uint16(data[i*2:]))
	}

	return &scimage.GrayS16{
		Pix:    pix,
		Stride: meta.XSize,
		Rect:   image.Rect(0, 0, meta.XSize, meta.YSize),
		Min:    int16(meta.MinVal),
		Max:    int16(meta.MaxVal),
		NoData: int16(meta.NoData),
	}, nil
}
