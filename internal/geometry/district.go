package geometry

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/geojson"
	"github.com/paulmach/orb/planar"
	"github.com/sirupsen/logrus"

	"pricemap/server/internal/models"
)

var ErrUnknownDistrict = errors.New("unknown district")

// District is a named polygon area
type District struct {
	Name     string
	City     string
	Geometry orb.Geometry
	Bound    orb.Bound
	Center   orb.Point
}

func (d *District) contains(p orb.Point) bool {
	if !d.Bound.Contains(p) {
		return false
	}
	switch g := d.Geometry.(type) {
	case orb.Polygon:
		return planar.PolygonContains(g, p)
	case orb.MultiPolygon:
		return planar.MultiPolygonContains(g, p)
	}
	return false
}

// interiorPoint returns the area centroid when it lies inside the district.
// Concave shapes fall back to the middle of the widest horizontal span of
// the largest polygon, which is always inside.
func (d *District) interiorPoint() orb.Point {
	centroid, _ := planar.CentroidArea(d.Geometry)
	if d.contains(centroid) {
		return centroid
	}

	var poly orb.Polygon
	switch g := d.Geometry.(type) {
	case orb.Polygon:
		poly = g
	case orb.MultiPolygon:
		largest := -1.0
		for _, p := range g {
			if area := planar.Area(p); area > largest {
				largest, poly = area, p
			}
		}
	}
	if len(poly) == 0 || len(poly[0]) == 0 {
		return centroid
	}

	for _, y := range []float64{centroid.Lat(), poly.Bound().Center().Lat()} {
		if p, ok := widestSpan(poly, y); ok {
			return p
		}
	}
	return poly[0][0]
}

// widestSpan intersects the polygon rings with the horizontal line at y and
// returns the midpoint of the widest inside interval.
func widestSpan(poly orb.Polygon, y float64) (orb.Point, bool) {
	var xs []float64
	for _, ring := range poly {
		for i := 0; i+1 < len(ring); i++ {
			a, b := ring[i], ring[i+1]
			// half-open so a vertex on the line is counted once
			if (a[1] <= y && y < b[1]) || (b[1] <= y && y < a[1]) {
				xs = append(xs, a[0]+(y-a[1])*(b[0]-a[0])/(b[1]-a[1]))
			}
		}
	}
	sort.Float64s(xs)

	best, found := orb.Point{}, false
	width := 0.0
	for i := 0; i+1 < len(xs); i += 2 {
		if w := xs[i+1] - xs[i]; w > width {
			width, found = w, true
			best = orb.Point{(xs[i] + xs[i+1]) / 2, y}
		}
	}
	return best, found
}

// DistrictIndex resolves points to districts. It is read-only after loading.
type DistrictIndex struct {
	districts []*District
	byName    map[string]*District
	logger    *logrus.Logger
}

// LoadDistricts reads a GeoJSON feature collection of (multi)polygons. The
// district name comes from the "name" property, or "district" when absent.
// Features without a polygon geometry or a name are skipped.
func LoadDistricts(path string, logger *logrus.Logger) (*DistrictIndex, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read districts: %w", err)
	}
	return ParseDistricts(data, logger)
}

// ParseDistricts builds an index from raw GeoJSON
func ParseDistricts(data []byte, logger *logrus.Logger) (*DistrictIndex, error) {
	if logger == nil {
		logger = logrus.New()
		logger.SetFormatter(&logrus.JSONFormatter{})
		logger.SetOutput(os.Stdout)
	}

	fc, err := geojson.UnmarshalFeatureCollection(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse districts: %w", err)
	}

	index := &DistrictIndex{
		byName: make(map[string]*District),
		logger: logger,
	}
	for i, feature := range fc.Features {
		name := stringProperty(feature.Properties, "name", "district")
		if name == "" {
			logger.Warnf("Skipping district feature %d without a name", i)
			continue
		}

		switch feature.Geometry.(type) {
		case orb.Polygon, orb.MultiPolygon:
		default:
			logger.Warnf("Skipping district %s with geometry %T", name, feature.Geometry)
			continue
		}

		district := &District{
			Name:     name,
			City:     stringProperty(feature.Properties, "city"),
			Geometry: feature.Geometry,
			Bound:    feature.Geometry.Bound(),
		}
		district.Center = district.interiorPoint()
		key := strings.ToLower(name)
		if _, ok := index.byName[key]; ok {
			logger.Warnf("Duplicate district %s, keeping the first one", name)
			continue
		}
		index.byName[key] = district
		index.districts = append(index.districts, district)
	}

	sort.Slice(index.districts, func(i, j int) bool {
		return index.districts[i].Name < index.districts[j].Name
	})
	logger.Infof("Loaded %d districts", len(index.districts))
	return index, nil
}

// stringProperty returns the first non-empty property of keys. Numeric
// codes are formatted as text.
func stringProperty(props geojson.Properties, keys ...string) string {
	for _, key := range keys {
		switch v := props[key].(type) {
		case string:
			if v != "" {
				return v
			}
		case float64:
			return strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	return ""
}

// Locate returns the name of the district containing p. Districts are
// checked in name order, so overlapping polygons resolve to the first name.
func (di *DistrictIndex) Locate(p orb.Point) (string, bool) {
	for _, d := range di.districts {
		if d.contains(p) {
			return d.Name, true
		}
	}
	return "", false
}

// Center returns the centroid of the named district
func (di *DistrictIndex) Center(name string) (orb.Point, error) {
	d, ok := di.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return orb.Point{}, fmt.Errorf("%w: %s", ErrUnknownDistrict, name)
	}
	return d.Center, nil
}

// Names returns the district names in sorted order
func (di *DistrictIndex) Names() []string {
	names := make([]string, len(di.districts))
	for i, d := range di.districts {
		names[i] = d.Name
	}
	return names
}

func (di *DistrictIndex) Len() int {
	return len(di.districts)
}

// EstimatesFeatureCollection turns stored estimates into point features.
// Estimates without coordinates are left out.
func EstimatesFeatureCollection(estimates []models.Estimate) *geojson.FeatureCollection {
	fc := geojson.NewFeatureCollection()
	for _, e := range estimates {
		if e.Latitude == nil || e.Longitude == nil {
			continue
		}

		feature := geojson.NewFeature(orb.Point{*e.Longitude, *e.Latitude})
		feature.Properties = geojson.Properties{
			"apartment_id":   e.ApartmentID,
			"segment":        e.Segment,
			"partition":      e.Partition,
			"neighbor_count": e.NeighborCount,
			"degraded":       e.Degraded,
		}
		if e.PricePerArea != nil {
			feature.Properties["price_per_area"] = *e.PricePerArea
		}
		if e.Price != nil {
			feature.Properties["price"] = *e.Price
		}
		if e.Error != "" {
			feature.Properties["error"] = e.Error
		}
		fc.Append(feature)
	}
	return fc
}

// SaveFeatureCollection writes fc with a metadata member to path
func SaveFeatureCollection(fc *geojson.FeatureCollection, path string, description string) error {
	// Add metadata
	metadata := map[string]interface{}{
		"generated":   time.Now().Format(time.RFC3339),
		"description": description,
		"features":    len(fc.Features),
	}

	// Create the final GeoJSON structure
	output := map[string]interface{}{
		"type":     "FeatureCollection",
		"features": fc.Features,
		"metadata": metadata,
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	file, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create output file: %w", err)
	}
	defer file.Close()

	encoder := json.NewEncoder(file)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(output); err != nil {
		return fmt.Errorf("failed to encode GeoJSON: %w", err)
	}
	return nil
}
