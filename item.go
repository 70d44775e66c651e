package stactiler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"

	"cloud.google.com/go/storage"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
)

// Asset is one raster file referenced by a STAC item.
type Asset struct {
	Href        string   `json:"href"`
	Type        string   `json:"type"`
	Title       string   `json:"title,omitempty"`
	Description string   `json:"description,omitempty"`
	Roles       []string `json:"roles,omitempty"`
}

// Item is a parsed STAC item. It is immutable once loaded; the Reader holds
// it for its whole lifetime.
type Item struct {
	Type        string                 `json:"type"`
	StacVersion string                 `json:"stac_version"`
	ID          string                 `json:"id"`
	Bbox        []float64              `json:"bbox"`
	Geometry    *geojson.Geometry      `json:"geometry,omitempty"`
	Properties  map[string]interface{} `json:"properties,omitempty"`
	Assets      map[string]Asset       `json:"assets"`

	// assetOrder preserves the document order of the assets mapping so that
	// band stacking stays deterministic across calls.
	assetOrder []string
}

// ParseItem decodes and validates a STAC item document.
func ParseItem(data []byte) (*Item, error) {
	var item Item
	if err := json.Unmarshal(data, &item); err != nil {
		return nil, fmt.Errorf("stactiler: decoding item: %w", err)
	}

	if item.Type == "" || item.StacVersion == "" {
		return nil, fmt.Errorf("stactiler: not a STAC item: missing type or stac_version")
	}
	if len(item.Assets) == 0 {
		return nil, fmt.Errorf("stactiler: item has no assets")
	}

	order, err := assetKeyOrder(data)
	if err != nil {
		return nil, err
	}
	item.assetOrder = order

	return &item, nil
}

// AssetNames returns the asset names in document order.
func (i *Item) AssetNames() []string {
	if i.assetOrder != nil {
		return append([]string(nil), i.assetOrder...)
	}

	// Inline items built in code have no document order; fall back to the
	// map and sort for determinism.
	names := make([]string, 0, len(i.Assets))
	for name := range i.Assets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Bound returns the item footprint in WGS84, preferring the declared bbox
// over the geometry.
func (i *Item) Bound() orb.Bound {
	if len(i.Bbox) >= 4 {
		return orb.Bound{
			Min: orb.Point{i.Bbox[0], i.Bbox[1]},
			Max: orb.Point{i.Bbox[2], i.Bbox[3]},
		}
	}
	if i.Geometry != nil {
		return i.Geometry.Geometry().Bound()
	}
	return orb.Bound{}
}

// assetKeyOrder walks the raw document and records the order of the keys in
// the top-level assets object. encoding/json maps lose that order.
func assetKeyOrder(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))

	// Find the "assets" key at depth 1.
	if _, err := dec.Token(); err != nil { // {
		return nil, fmt.Errorf("stactiler: decoding item: %w", err)
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return nil, fmt.Errorf("stactiler: decoding item: %w", err)
		}
		key, _ := tok.(string)
		if key != "assets" {
			// Skip the value.
			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("stactiler: decoding item: %w", err)
			}
			continue
		}

		if _, err := dec.Token(); err != nil { // {
			return nil, fmt.Errorf("stactiler: decoding item: %w", err)
		}
		var order []string
		for dec.More() {
			tok, err := dec.Token()
			if err != nil {
				return nil, fmt.Errorf("stactiler: decoding item: %w", err)
			}
			name, _ := tok.(string)
			order = append(order, name)

			var skip json.RawMessage
			if err := dec.Decode(&skip); err != nil {
				return nil, fmt.Errorf("stactiler: decoding item: %w", err)
			}
		}
		return order, nil
	}

	return nil, nil
}

// FetchFunc loads a document from a locator.
type FetchFunc func(ctx context.Context, path string) ([]byte, error)

// FetchDocument loads a document from a local path, an http(s) URL or a
// gs:// object. It is the default FetchFunc of a Reader and is also used by
// the cogreader package for grid objects.
func FetchDocument(ctx context.Context, path string) ([]byte, error) {
	u, err := url.Parse(path)
	if err != nil {
		return nil, fmt.Errorf("stactiler: parsing %q: %w", path, err)
	}

	switch u.Scheme {
	case "gs":
		return fetchGCS(ctx, u.Host, strings.TrimPrefix(u.Path, "/"))
	case "http", "https":
		return fetchHTTP(ctx, path)
	default:
		return os.ReadFile(path)
	}
}

func fetchHTTP(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("stactiler: fetching %s: %s", rawURL, resp.Status)
	}
	return io.ReadAll(resp.Body)
}

func fetchGCS(ctx context.Context, bucket, key string) ([]byte, error) {
	client, err := storage.NewClient(ctx)
	if err != nil {
		return nil, fmt.Errorf("stactiler: creating storage client: %w", err)
	}
	defer client.Close()

	rc, err := client.Bucket(bucket).Object(key).NewReader(ctx)
	if err != nil {
		return nil, fmt.Errorf("stactiler: opening gs://%s/%s: %w", bucket, key, err)
	}
	defer rc.Close()

	return io.ReadAll(rc)
}
