// Package geo computes the geohash attributes precomputed at crawl time and
// the cell covers used by the query planner to narrow bounding-box queries.
package geo

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/mmcloughlin/geohash"
)

// MaxPrecision is the finest geohash precision stored per area centroid.
// Prefixes at every precision from 1 to MaxPrecision are indexed so a cover
// at any coarser precision matches by set intersection.
const MaxPrecision = 6

// BoundingBox is a lat/lon axis-aligned box.
type BoundingBox struct {
	MinLat float64
	MinLon float64
	MaxLat float64
	MaxLon float64
}

// ParseBoundingBox parses "minLat,minLon,maxLat,maxLon".
func ParseBoundingBox(s string) (BoundingBox, error) {
	parts := strings.Split(s, ",")
	if len(parts) != 4 {
		return BoundingBox{}, fmt.Errorf("bounding box needs 4 comma-separated values, got %d", len(parts))
	}
	vals := make([]float64, 4)
	for i, p := range parts {
		v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BoundingBox{}, fmt.Errorf("bounding box value %q: %w", p, err)
		}
		vals[i] = v
	}
	box := BoundingBox{MinLat: vals[0], MinLon: vals[1], MaxLat: vals[2], MaxLon: vals[3]}
	if box.MinLat > box.MaxLat || box.MinLon > box.MaxLon {
		return BoundingBox{}, fmt.Errorf("bounding box min exceeds max")
	}
	return box, nil
}

// Contains reports whether the point lies inside the box (inclusive).
func (b BoundingBox) Contains(lat, lon float64) bool {
	return lat >= b.MinLat && lat <= b.MaxLat && lon >= b.MinLon && lon <= b.MaxLon
}

// PointPrefixes returns the geohash of (lat, lon) at every precision from 1
// to MaxPrecision. These are stored on the document as indexed attributes.
func PointPrefixes(lat, lon float64) []string {
	full := geohash.EncodeWithPrecision(lat, lon, MaxPrecision)
	prefixes := make([]string, 0, MaxPrecision)
	for i := 1; i <= len(full); i++ {
		prefixes = append(prefixes, full[:i])
	}
	return prefixes
}

// CoverBoundingBox returns a set of geohash cells that together cover the
// box. The precision is chosen so the cover stays small: it starts at
// MaxPrecision and coarsens until at most maxCells cells remain.
func CoverBoundingBox(box BoundingBox, maxCells int) []string {
	if maxCells <= 0 {
		maxCells = 16
	}
	for precision := uint(MaxPrecision); precision >= 1; precision-- {
		cells := coverAt(box, precision)
		if len(cells) <= maxCells || precision == 1 {
			return cells
		}
	}
	return nil
}

func coverAt(box BoundingBox, precision uint) []string {
	seen := make(map[string]struct{})
	var cells []string

	add := func(lat, lon float64) {
		cell := geohash.EncodeWithPrecision(lat, lon, precision)
		if _, ok := seen[cell]; !ok {
			seen[cell] = struct{}{}
			cells = append(cells, cell)
		}
	}

	// Step across the box at the cell raster for this precision. The first
	// cell's bounds give the raster size.
	first := geohash.EncodeWithPrecision(box.MinLat, box.MinLon, precision)
	bounds := geohash.BoundingBox(first)
	latStep := bounds.MaxLat - bounds.MinLat
	lonStep := bounds.MaxLng - bounds.MinLng

	for lat := box.MinLat; ; lat += latStep {
		if lat > box.MaxLat {
			lat = box.MaxLat
		}
		for lon := box.MinLon; ; lon += lonStep {
			if lon > box.MaxLon {
				lon = box.MaxLon
			}
			add(lat, lon)
			if lon >= box.MaxLon {
				break
			}
		}
		if lat >= box.MaxLat {
			break
		}
	}
	return cells
}

// ParsePoint parses a "lat,lon" attribute value as stored by the parser.
func ParsePoint(s string) (lat, lon float64, err error) {
	parts := strings.Split(s, ",")
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("point needs 2 comma-separated values, got %d", len(parts))
	}
	lat, err = strconv.ParseFloat(strings.TrimSpace(parts[0]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("point latitude %q: %w", parts[0], err)
	}
	lon, err = strconv.ParseFloat(strings.TrimSpace(parts[1]), 64)
	if err != nil {
		return 0, 0, fmt.Errorf("point longitude %q: %w", parts[1], err)
	}
	return lat, lon, nil
}

// FormatPoint renders a centroid the way ParsePoint reads it.
func FormatPoint(lat, lon float64) string {
	return strconv.FormatFloat(lat, 'f', 5, 64) + "," + strconv.FormatFloat(lon, 'f', 5, 64)
}
