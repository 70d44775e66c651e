package stactiler

import (
	"fmt"
)

// Band is one pixel plane of an ImageData, named after the asset (or the
// expression block) it came from.
type Band struct {
	Name   string    // Asset name, "asset_b2" for extra planes, or "b1" for expression blocks
	Pixels []float64 // Row-major, Width*Height values
}

// ImageData is the pixel result of a Tile, Part or Preview call.
type ImageData struct {
	Width  int
	Height int
	Bands  []Band  // One entry per band, in asset order
	Mask   []uint8 // Width*Height; 255 where every contributing asset is valid, 0 elsewhere
}

// BandMetadata carries free-form per-band tags reported by the underlying
// reader.
type BandMetadata map[string]string

// Info describes one asset, as reported by its reader.
type Info struct {
	Bounds           [4]float64     `json:"bounds"` // WGS84 [west, south, east, north]
	Center           [3]float64     `json:"center"` // [lon, lat, minzoom]
	MinZoom          int            `json:"minzoom"`
	MaxZoom          int            `json:"maxzoom"`
	BandMetadata     []BandMetadata `json:"band_metadata"`
	BandDescriptions []string       `json:"band_descriptions"`
	DType            string         `json:"dtype"`
	ColorInterp      []string       `json:"colorinterp"`
	NodataType       string         `json:"nodata_type"`
}

// BandStatistics summarizes the pixel distribution of one band.
type BandStatistics struct {
	Percentiles [2]float64   `json:"pc"` // Values at the requested pmin/pmax cuts
	Min         float64      `json:"min"`
	Max         float64      `json:"max"`
	Mean        float64      `json:"mean"`
	Std         float64      `json:"std"`
	Histogram   [2][]float64 `json:"histogram"` // [counts, bin edges]
	ValidPixels int          `json:"valid_pixels"`
}

// Metadata combines Info and Stats for one asset.
type Metadata struct {
	Info       *Info            `json:"info"`
	Statistics []BandStatistics `json:"statistics"`
}

// mergeImageData concatenates per-asset reads into one ImageData. Band names
// are rewritten to the owning asset name ("red", or "red_b2" when an asset
// carries more than one band) and the masks are combined so a pixel is valid
// only when it is valid in every asset.
func mergeImageData(assets []string, images []*ImageData) (*ImageData, error) {
	if len(images) == 0 {
		return nil, ErrMissingAssets
	}

	out := &ImageData{Width: images[0].Width, Height: images[0].Height}
	for i, img := range images {
		if img.Width != out.Width || img.Height != out.Height {
			return nil, fmt.Errorf("stactiler: asset %q returned %dx%d, want %dx%d",
				assets[i], img.Width, img.Height, out.Width, out.Height)
		}
		if len(img.Mask) != img.Width*img.Height {
			return nil, fmt.Errorf("stactiler: asset %q returned %d mask values, want %d",
				assets[i], len(img.Mask), img.Width*img.Height)
		}
		for bi, band := range img.Bands {
			name := assets[i]
			if len(img.Bands) > 1 {
				name = fmt.Sprintf("%s_b%d", assets[i], bi+1)
			}
			out.Bands = append(out.Bands, Band{Name: name, Pixels: band.Pixels})
		}
	}
	out.Mask = combineMasks(images)

	return out, nil
}

// combineMasks ANDs the masks of every image: 255 where all are valid.
// Mask lengths are validated by mergeImageData before this runs.
func combineMasks(images []*ImageData) []uint8 {
	size := images[0].Width * images[0].Height
	mask := make([]uint8, size)
	for i := range mask {
		mask[i] = 255
	}
	for _, img := range images {
		for i, v := range img.Mask {
			if v == 0 {
				mask[i] = 0
			}
		}
	}
	return mask
}
