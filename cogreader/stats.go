package cogreader

import (
	"context"
	"math"
	"sort"

	"github.com/geotiler/stactiler"
)

// statsMaxPixels caps how many pixels feed the statistics; larger grids are
// sampled with a regular stride.
const statsMaxPixels = 1 << 20

// Stats computes min/max/mean/std, the pmin/pmax percentile cuts and a
// 10-bin histogram over the valid pixels of the grid.
func (r *Reader) Stats(ctx context.Context, pmin, pmax float64) ([]stactiler.BandStatistics, error) {
	src, err := r.grid(ctx)
	if err != nil {
		return nil, err
	}

	nodata := int16(r.meta.NoData)
	stride := 1
	for (len(src.Pix)+stride-1)/stride > statsMaxPixels {
		stride++
	}

	values := make([]float64, 0, len(src.Pix)/stride+1)
	for i := 0; i < len(src.Pix); i += stride {
		if src.Pix[i] == nodata {
			continue
		}
		values = append(values, float64(src.Pix[i]))
	}
	if len(values) == 0 {
		return []stactiler.BandStatistics{{}}, nil
	}

	sort.Float64s(values)
	min, max := values[0], values[len(values)-1]

	var sum float64
	for _, v := range values {
		sum += v
	}
	mean := sum / float64(len(values))

	var sq float64
	for _, v := range values {
		sq += (v - mean) * (v - mean)
	}
	std := math.Sqrt(sq / float64(len(values)))

	stats := stactiler.BandStatistics{
		Percentiles: [2]float64{percentile(values, pmin), percentile(values, pmax)},
		Min:         min,
		Max:         max,
		Mean:        mean,
		Std:         std,
		Histogram:   histogram(values, min, max, 10),
		ValidPixels: len(values),
	}
	return []stactiler.BandStatistics{stats}, nil
}

// percentile returns the nearest-rank percentile of sorted values.
func percentile(sorted []float64, p float64) float64 {
	if p <= 0 {
		return sorted[0]
	}
	if p >= 100 {
		return sorted[len(sorted)-1]
	}
	rank := int(math.Ceil(p / 100 * float64(len(sorted))))
	if rank < 1 {
		rank = 1
	}
	return sorted[rank-1]
}

// histogram bins values into nbins equal-width buckets over [min, max] and
// returns [counts, bin edges].
func histogram(values []float64, min, max float64, nbins int) [2][]float64 {
	counts := make([]float64, nbins)
	edges := make([]float64, nbins+1)

	width := (max - min) / float64(nbins)
	for i := 0; i <= nbins; i++ {
		edges[i] = min + float64(i)*width
	}
	if width == 0 {
		counts[0] = float64(len(values))
		return [2][]float64{counts, edges}
	}

	for _, v := range values {
		bin := int((v - min) / width)
		if bin >= nbins {
			bin = nbins - 1
		}
		counts[bin]++
	}
	return [2][]float64{counts, edges}
}
