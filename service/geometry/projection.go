package geometry

import (
	"fmt"
	"strings"
	"sync"

	"github.com/airbusgeo/godal"
	"github.com/go-spatial/geom"
)

// spatialRef caches the OSR definition of an EPSG code (or the error returned by OSR)
type spatialRef struct {
	sr         *godal.SpatialRef
	geographic bool
	metric     bool
	err        error
}

// transform is a cached coordinate transformation. OSR transformations are not thread-safe.
type transform struct {
	mu  sync.Mutex
	trn *godal.Transform
	err error
}

var (
	osrMu       sync.Mutex
	spatialRefs = map[CRS]*spatialRef{}
	transforms  = map[[2]CRS]*transform{}
)

func lookupSpatialRef(crs CRS) (*spatialRef, error) {
	osrMu.Lock()
	defer osrMu.Unlock()
	return lookupSpatialRefLocked(crs)
}

func lookupSpatialRefLocked(crs CRS) (*spatialRef, error) {
	if s, ok := spatialRefs[crs]; ok {
		return s, s.err
	}
	s := &spatialRef{}
	if crs <= 0 {
		s.err = fmt.Errorf("invalid epsg code %d", crs)
	} else if s.sr, s.err = godal.NewSpatialRefFromEPSG(int(crs)); s.err != nil {
		s.err = fmt.Errorf("unknown crs %s: %w", crs, s.err)
	} else {
		s.geographic = s.sr.Geographic()
		s.metric = !s.geographic && linearUnitIsMetre(s.sr)
	}
	spatialRefs[crs] = s
	return s, s.err
}

// linearUnitIsMetre reads the unit of a projected crs, which is the last UNIT node of its WKT
func linearUnitIsMetre(sr *godal.SpatialRef) bool {
	wkt, err := sr.WKT()
	if err != nil {
		return false
	}
	i := strings.LastIndex(wkt, "UNIT[")
	if i < 0 {
		return false
	}
	unit := strings.ToLower(wkt[i:])
	return strings.HasPrefix(unit, `unit["metre"`) || strings.HasPrefix(unit, `unit["meter"`)
}

func lookupTransform(src, dst CRS) (*transform, error) {
	osrMu.Lock()
	defer osrMu.Unlock()
	key := [2]CRS{src, dst}
	if t, ok := transforms[key]; ok {
		return t, t.err
	}
	t := &transform{}
	s, err := lookupSpatialRefLocked(src)
	if err == nil {
		var d *spatialRef
		if d, err = lookupSpatialRefLocked(dst); err == nil {
			if t.trn, err = godal.NewTransform(s.sr, d.sr); err != nil {
				err = fmt.Errorf("NewTransform(%s, %s): %w", src, dst, err)
			}
		}
	}
	t.err = err
	transforms[key] = t
	return t, err
}

// TransformPoints converts the points (xs[i], ys[i]) from src to dst, in place.
// godal spatial refs use the traditional GIS axis order (x=lon, y=lat for geographic crs).
func TransformPoints(src, dst CRS, xs, ys []float64) error {
	if len(xs) != len(ys) {
		return fmt.Errorf("TransformPoints: %d x for %d y", len(xs), len(ys))
	}
	if src == dst || len(xs) == 0 {
		return nil
	}
	t, err := lookupTransform(src, dst)
	if err != nil {
		return fmt.Errorf("TransformPoints: %w", err)
	}
	ok := make([]bool, len(xs))
	t.mu.Lock()
	err = t.trn.TransformEx(xs, ys, nil, ok)
	t.mu.Unlock()
	if err != nil {
		return fmt.Errorf("TransformPoints: %w", err)
	}
	for i := range ok {
		if !ok[i] {
			return fmt.Errorf("TransformPoints: point #%d cannot be transformed from %s to %s", i, src, dst)
		}
	}
	return nil
}

// TransformPoint converts a point from src to dst
func TransformPoint(src, dst CRS, x, y float64) (float64, float64, error) {
	xs, ys := []float64{x}, []float64{y}
	if err := TransformPoints(src, dst, xs, ys); err != nil {
		return 0, 0, err
	}
	return xs[0], ys[0], nil
}

// ToLonLat converts coordinates expressed in crs into WGS84 longitude/latitude
func ToLonLat(crs CRS, x, y float64) (lon, lat float64, err error) {
	if lon, lat, err = TransformPoint(crs, WGS84, x, y); err != nil {
		return 0, 0, fmt.Errorf("ToLonLat.%w", err)
	}
	return lon, lat, nil
}

// FromLonLat converts WGS84 longitude/latitude into coordinates expressed in crs
func FromLonLat(crs CRS, lon, lat float64) (x, y float64, err error) {
	if x, y, err = TransformPoint(WGS84, crs, lon, lat); err != nil {
		return 0, 0, fmt.Errorf("FromLonLat.%w", err)
	}
	return x, y, nil
}

// TransformGeom converts every vertex of g from src to dst
func TransformGeom(src, dst CRS, g geom.Geometry) (geom.Geometry, error) {
	if src == dst || g == nil {
		return g, nil
	}
	pts := func(ps [][2]float64) ([][2]float64, error) {
		xs, ys := make([]float64, len(ps)), make([]float64, len(ps))
		for i, p := range ps {
			xs[i], ys[i] = p[0], p[1]
		}
		if err := TransformPoints(src, dst, xs, ys); err != nil {
			return nil, err
		}
		res := make([][2]float64, len(ps))
		for i := range res {
			res[i] = [2]float64{xs[i], ys[i]}
		}
		return res, nil
	}
	lines := func(ls [][][2]float64) ([][][2]float64, error) {
		res := make([][][2]float64, len(ls))
		for i, l := range ls {
			var err error
			if res[i], err = pts(l); err != nil {
				return nil, err
			}
		}
		return res, nil
	}

	var res geom.Geometry
	var err error
	switch g := g.(type) {
	case geom.Point:
		var p [][2]float64
		if p, err = pts([][2]float64{[2]float64(g)}); err == nil {
			res = geom.Point(p[0])
		}
	case geom.MultiPoint:
		var p [][2]float64
		if p, err = pts(g); err == nil {
			res = geom.MultiPoint(p)
		}
	case geom.LineString:
		var p [][2]float64
		if p, err = pts(g); err == nil {
			res = geom.LineString(p)
		}
	case geom.MultiLineString:
		var l [][][2]float64
		if l, err = lines(g); err == nil {
			res = geom.MultiLineString(l)
		}
	case geom.Polygon:
		var l [][][2]float64
		if l, err = lines(g); err == nil {
			res = geom.Polygon(l)
		}
	case geom.MultiPolygon:
		mp := make(geom.MultiPolygon, len(g))
		for i, p := range g {
			if mp[i], err = lines(p); err != nil {
				break
			}
		}
		res = mp
	case geom.Collection:
		c := make(geom.Collection, len(g))
		for i, sub := range g {
			if c[i], err = TransformGeom(src, dst, sub); err != nil {
				return nil, err
			}
		}
		return c, nil
	default:
		return nil, fmt.Errorf("TransformGeom: unsupported geometry %T", g)
	}
	if err != nil {
		return nil, fmt.Errorf("TransformGeom.%w", err)
	}
	return res, nil
}
