package geometry

import (
	"fmt"

	"github.com/go-spatial/geom"
	geomwkt "github.com/go-spatial/geom/encoding/wkt"
	"github.com/paulsmith/gogeos/geos"
)

// TOLERANCE_GEOG is the simplification tolerance used when a union of polygons fails (degrees)
var TOLERANCE_GEOG = 0.000001

// Polygon is an area expressed in WGS84, used to filter tiles
type Polygon struct {
	g *geos.Geometry
}

// NewPolygonFromWKT parses a WKT (multi)polygon
func NewPolygonFromWKT(wkt string) (*Polygon, error) {
	g, err := geos.FromWKT(wkt)
	if err != nil {
		return nil, fmt.Errorf("NewPolygonFromWKT: %w", err)
	}
	return &Polygon{g: g}, nil
}

// NewPolygonFromGeom merges all the polygons of g (polygon, multipolygon or collection) into one area
func NewPolygonFromGeom(g geom.Geometry) (*Polygon, error) {
	var mp geom.MultiPolygon
	if err := mergeMultiPolygons(g, &mp); err != nil {
		return nil, fmt.Errorf("NewPolygonFromGeom.%w", err)
	}
	if len(mp) == 0 {
		return nil, fmt.Errorf("NewPolygonFromGeom: no polygon found")
	}
	var geoms []*geos.Geometry
	for _, rings := range mp {
		p, err := ringsToGeos(rings)
		if err != nil {
			return nil, fmt.Errorf("NewPolygonFromGeom.%w", err)
		}
		geoms = append(geoms, p)
	}
	if len(geoms) == 1 {
		return &Polygon{g: geoms[0]}, nil
	}
	union, err := Union(geoms, TOLERANCE_GEOG)
	if err != nil {
		return nil, fmt.Errorf("NewPolygonFromGeom.%w", err)
	}
	return &Polygon{g: union}, nil
}

// NewPolygonFromBox returns the WGS84 footprint of the box
func NewPolygonFromBox(b GeoBoundingBox) (*Polygon, error) {
	b84, err := b.Transform(WGS84)
	if err != nil {
		return nil, fmt.Errorf("NewPolygonFromBox.%w", err)
	}
	g, err := ringsToGeos([][][2]float64{b84.Ring()})
	if err != nil {
		return nil, fmt.Errorf("NewPolygonFromBox.%w", err)
	}
	return &Polygon{g: g}, nil
}

// Intersects returns true if both areas intersect
func (p *Polygon) Intersects(o *Polygon) (bool, error) {
	ok, err := p.g.Intersects(o.g)
	if err != nil {
		return false, fmt.Errorf("Intersects: %w", err)
	}
	return ok, nil
}

// IntersectsBox returns true if the WGS84 footprint of b intersects the polygon
func (p *Polygon) IntersectsBox(b GeoBoundingBox) (bool, error) {
	bp, err := NewPolygonFromBox(b)
	if err != nil {
		return false, fmt.Errorf("IntersectsBox.%w", err)
	}
	return p.Intersects(bp)
}

// Bounds returns the WGS84 envelope of the polygon
func (p *Polygon) Bounds() (GeoBoundingBox, error) {
	g, err := GeosToGeom(p.g)
	if err != nil {
		return GeoBoundingBox{}, fmt.Errorf("Bounds.%w", err)
	}
	ext, err := geom.NewExtentFromGeometry(g)
	if err != nil {
		return GeoBoundingBox{}, fmt.Errorf("Bounds.Extent: %w", err)
	}
	return GeoBoundingBox{Left: ext.MinX(), Bottom: ext.MinY(), Right: ext.MaxX(), Top: ext.MaxY(), CRS: WGS84}, nil
}

// WKT returns the polygon as WKT
func (p *Polygon) WKT() (string, error) {
	return p.g.ToWKT()
}

func ringsToGeos(rings [][][2]float64) (*geos.Geometry, error) {
	coords := make([][]geos.Coord, 0, len(rings))
	for _, ring := range rings {
		if len(ring) < 3 {
			return nil, fmt.Errorf("ring with %d points", len(ring))
		}
		cs := make([]geos.Coord, 0, len(ring)+1)
		for _, pt := range ring {
			cs = append(cs, geos.NewCoord(pt[0], pt[1]))
		}
		if ring[0] != ring[len(ring)-1] {
			cs = append(cs, geos.NewCoord(ring[0][0], ring[0][1]))
		}
		coords = append(coords, cs)
	}
	g, err := geos.NewPolygon(coords[0], coords[1:]...)
	if err != nil {
		return nil, fmt.Errorf("NewPolygon: %w", err)
	}
	return g, nil
}

func mergeMultiPolygons(g geom.Geometry, mp *geom.MultiPolygon) error {
	switch g := g.(type) {
	case geom.MultiPolygon:
		*mp = append(*mp, g.Polygons()...)
	case geom.Polygon:
		*mp = append(*mp, g.LinearRings())
	case geom.Collection:
		for _, g := range g.Geometries() {
			if err := mergeMultiPolygons(g, mp); err != nil {
				return err
			}
		}
	default:
		return fmt.Errorf("unsupported geometry %T", g)
	}
	return nil
}

// Generates a geom.Geometry from a geos.Geometry
func GeosToGeom(g *geos.Geometry) (geom.Geometry, error) {
	wkt, err := g.ToWKT()
	if err != nil {
		return nil, fmt.Errorf("GeosToGeom.ToWKT: %w", err)
	}
	geometry, err := geomwkt.DecodeString(wkt)
	if err != nil {
		return nil, fmt.Errorf("GeosToGeom.DecodeString: %w", err)
	}

	return geometry, nil
}

// Union merges the geometries, simplifying them one by one if the global union fails
func Union(geoms []*geos.Geometry, tolerance float64) (*geos.Geometry, error) {
	aoi, err := UnaryUnion(geoms)
	if err == nil {
		if aoi, err = aoi.Simplify(tolerance); err != nil {
			return nil, fmt.Errorf("Union.Simplify: %w", err)
		}
		return aoi, nil
	}
	aoi = nil
	for _, g := range geoms {
		if g, err = g.Simplify(tolerance); err != nil {
			return nil, fmt.Errorf("Union.Simplify: %w", err)
		}
		if aoi == nil {
			aoi = g
		} else if aoi, err = g.Union(aoi); err != nil {
			return nil, fmt.Errorf("Union: %w", err)
		}
	}
	return aoi, nil
}

func UnaryUnion(geoms []*geos.Geometry) (*geos.Geometry, error) {
	aoi, err := geos.NewCollection(geos.MULTIPOLYGON, geoms...)
	if err != nil {
		return nil, fmt.Errorf("UnaryUnion.NewCollection: %w", err)
	}
	if aoi, err = aoi.UnaryUnion(); err != nil {
		return nil, fmt.Errorf("UnaryUnion.UnaryUnion: %w", err)
	}
	return aoi, nil
}
