package unmix

import (
	"context"
	"fmt"
	"math"

	"github.com/terrascope/geometry"

	"github.com/prl900/ee_unmix/ee"
)

type geoJSONPolygon struct {
	Type        string          `json:"type"`
	Coordinates [][][2]float64 `json:"coordinates"`
}

// Bounds returns the longitude/latitude bounding box of the study area.
func (p *Pipeline) Bounds(ctx context.Context) (geometry.BoundingBox, error) {
	var poly geoJSONPolygon
	if err := p.c.Compute(ctx, ee.GeometryBounds(p.StudyArea()), &poly); err != nil {
		return geometry.BoundingBox{}, fmt.Errorf("Error computing study area bounds: %w", err)
	}
	return polygonBBox(poly)
}

func polygonBBox(poly geoJSONPolygon) (geometry.BoundingBox, error) {
	if poly.Type != "Polygon" || len(poly.Coordinates) == 0 || len(poly.Coordinates[0]) == 0 {
		return geometry.BoundingBox{}, fmt.Errorf("Study area bounds are not a polygon: %q", poly.Type)
	}

	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, pt := range poly.Coordinates[0] {
		minX, maxX = math.Min(minX, pt[0]), math.Max(maxX, pt[0])
		minY, maxY = math.Min(minY, pt[1]), math.Max(maxY, pt[1])
	}
	return geometry.BBox(minX, minY, maxX, maxY), nil
}

// Center is the middle of a bounding box as longitude, latitude.
func Center(bbox geometry.BoundingBox) (lon, lat float64) {
	return (bbox.Min.X + bbox.Max.X) / 2, (bbox.Min.Y + bbox.Max.Y) / 2
}

// Sample is the analysis read at one location.
type Sample struct {
	Lon         float64  `json:"lon"`
	Lat         float64  `json:"lat"`
	Inside      bool     `json:"inside"`
	Bare        *float64 `json:"bare,omitempty"`
	Vegetation  *float64 `json:"vegetation,omitempty"`
	Water       *float64 `json:"water,omitempty"`
	NDWI        *float64 `json:"ndwi,omitempty"`
	MNDWI       *float64 `json:"mndwi,omitempty"`
	MixingIndex *float64 `json:"mixing_index,omitempty"`
}

// Sample reads fractions and indices under a point. Points outside the study
// area come back with Inside false.
func (p *Pipeline) Sample(ctx context.Context, r *Result, lon, lat float64) (Sample, error) {
	s := Sample{Lon: lon, Lat: lat}
	if lon < -180 || lon > 180 || lat < -90 || lat > 90 {
		return s, fmt.Errorf("Point out of range: %v, %v", lon, lat)
	}

	img := ee.AddBands(ee.AddBands(r.Unmixed, r.NDWI), r.MNDWI)
	root := ee.ReduceRegion(img, ee.FirstReducer(), ee.Point(lon, lat), p.a.Scale)

	var vals map[string]*float64
	if err := p.c.Compute(ctx, root, &vals); err != nil {
		return s, fmt.Errorf("Error sampling %v, %v: %w", lon, lat, err)
	}

	s.Bare, s.Vegetation, s.Water = vals["bare"], vals["vegetation"], vals["water"]
	s.NDWI, s.MNDWI = vals["NDWI"], vals["MNDWI"]
	if s.Bare != nil && s.Vegetation != nil && s.Water != nil {
		s.Inside = true
		mi := MixingIndex(*s.Bare, *s.Vegetation, *s.Water)
		s.MixingIndex = &mi
	}
	return s, nil
}
