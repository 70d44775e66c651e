// Command server exposes a STAC item as an XYZ tile endpoint:
// /tiles/{z}/{x}/{y}.png renders the requested assets (or a band math
// expression) as a grayscale PNG.
package main

import (
	"context"
	"flag"
	"fmt"
	"image"
	"image/png"
	"log"
	"net/http"
	"strconv"
	"strings"

	"github.com/geotiler/stactiler"
	"github.com/geotiler/stactiler/cogreader"
)

func main() {
	itemPath := flag.String("item", "item.json", "STAC item path, URL or gs:// object")
	assets := flag.String("assets", "", "Comma-separated asset names to render")
	expression := flag.String("expression", "", "Band math expression, e.g. (B08-B04)/(B08+B04)")
	addr := flag.String("addr", ":8080", "Listen address")
	flag.Parse()

	if *assets == "" && *expression == "" {
		log.Fatal("one of -assets or -expression is required")
	}

	opts := stactiler.DefaultOptions()
	opts.Open = cogreader.Open

	reader, err := stactiler.Open(context.Background(), *itemPath, opts)
	if err != nil {
		log.Fatalf("Failed to open item: %v", err)
	}
	defer func() { _ = reader.Close() }()

	log.Printf("Item %s with assets %v", reader.Item().ID, reader.Assets())

	readOpts := &stactiler.ReadOptions{Expression: *expression}
	if *assets != "" {
		readOpts.Assets = strings.Split(*assets, ",")
	}

	http.HandleFunc("/tiles/", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")

		x, y, z, err := parseTilePath(r.URL.Path)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}

		tile, err := reader.Tile(r.Context(), x, y, z, readOpts)
		if err != nil {
			http.Error(w, fmt.Sprintf("Error reading tile: %v", err), http.StatusBadRequest)
			return
		}

		// Enable browser and intermediate caching.
		w.Header().Set("Cache-Control", "public, max-age=3600")
		w.Header().Set("Content-Type", "image/png")
		if err := png.Encode(w, render(tile)); err != nil {
			log.Printf("Error encoding tile %d/%d/%d: %v", z, x, y, err)
		}
	})

	log.Printf("Server starting on %s", *addr)
	log.Fatal(http.ListenAndServe(*addr, nil))
}

// parseTilePath extracts (x, y, z) from /tiles/{z}/{x}/{y}.png.
func parseTilePath(path string) (x, y, z int, err error) {
	parts := strings.Split(strings.TrimPrefix(path, "/tiles/"), "/")
	if len(parts) != 3 {
		return 0, 0, 0, fmt.Errorf("expected /tiles/{z}/{x}/{y}.png")
	}

	z, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad zoom %q", parts[0])
	}
	x, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad column %q", parts[1])
	}
	y, err = strconv.Atoi(strings.TrimSuffix(parts[2], ".png"))
	if err != nil {
		return 0, 0, 0, fmt.Errorf("bad row %q", parts[2])
	}
	return x, y, z, nil
}

// render scales the first band to 8 bit using its own value range and
// applies the mask as zero.
func render(tile *stactiler.ImageData) *image.Gray {
	img := image.NewGray(image.Rect(0, 0, tile.Width, tile.Height))
	if len(tile.Bands) == 0 {
		return img
	}

	// The value range only considers unmasked pixels; nodata sentinels must
	// not skew the scaling.
	pixels := tile.Bands[0].Pixels
	min, max := 0.0, 0.0
	seen := false
	for i, v := range pixels {
		if tile.Mask[i] == 0 {
			continue
		}
		if !seen {
			min, max = v, v
			seen = true
			continue
		}
		if v < min {
			min = v
		}
		if v > max {
			max = v
		}
	}
	if !seen {
		return img
	}

	scale := 0.0
	if max > min {
		scale = 255 / (max - min)
	}
	for i, v := range pixels {
		if tile.Mask[i] == 0 {
			continue
		}
		img.Pix[i] = uint8((v - min) * scale)
	}
	return img
}
