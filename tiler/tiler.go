package tiler

import (
	"context"
	"fmt"
	"iter"
	"math"

	"github.com/airbusgeo/geocube-fetcher/service"
	"github.com/airbusgeo/geocube-fetcher/service/geometry"
	"github.com/airbusgeo/geocube-fetcher/service/log"
)

// MaxTileLimit is the maximum number of tiles a split may produce
const MaxTileLimit = 100_000_000

// Tolerances of IsOnDistortionOverlap (degrees)
const (
	utmBorderTolerance = 0.1
	equatorTolerance   = 0.01
)

// Tiler splits an area of interest into non-overlapping square tiles.
// The grid is anchored on multiples of the tile side so that the same area always gives the same tiles.
type Tiler struct {
	maxTiles int
}

type Option func(*Tiler)

// WithMaxTiles overrides MaxTileLimit
func WithMaxTiles(n int) Option {
	return func(t *Tiler) {
		t.maxTiles = n
	}
}

func New(opts ...Option) *Tiler {
	t := &Tiler{maxTiles: MaxTileLimit}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type grid struct {
	x0, y0 int64
	nx, ny int64
	side   float64
	crs    geometry.CRS
}

func (g grid) tile(i, j int64) geometry.GeoBoundingBox {
	return geometry.GeoBoundingBox{
		Left:   float64(g.x0+i) * g.side,
		Bottom: float64(g.y0+j) * g.side,
		Right:  float64(g.x0+i+1) * g.side,
		Top:    float64(g.y0+j+1) * g.side,
		CRS:    g.crs,
	}
}

func (t *Tiler) newGrid(bbox geometry.GeoBoundingBox, side float64) (grid, error) {
	for _, v := range []float64{bbox.Left, bbox.Bottom, bbox.Right, bbox.Top} {
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return grid{}, &service.TooManyTilesError{Limit: t.maxTiles}
		}
	}
	x0, x1 := math.Floor(bbox.Left/side), math.Ceil(bbox.Right/side)
	y0, y1 := math.Floor(bbox.Bottom/side), math.Ceil(bbox.Top/side)
	if (x1-x0)*(y1-y0) > float64(t.maxTiles) {
		return grid{}, &service.TooManyTilesError{Limit: t.maxTiles}
	}
	return grid{
		x0:   int64(x0),
		y0:   int64(y0),
		nx:   int64(x1 - x0),
		ny:   int64(y1 - y0),
		side: side,
		crs:  bbox.CRS,
	}, nil
}

type tileKey struct {
	crs  geometry.CRS
	x, y int64
}

type split struct {
	filter  *geometry.Polygon
	skipped int
	seen    map[tileKey]struct{}
}

// keep returns true if the tile intersects the filter polygon
func (s *split) keep(tile geometry.GeoBoundingBox) (bool, error) {
	if s.filter == nil {
		return true, nil
	}
	ok, err := s.filter.IntersectsBox(tile)
	if err != nil {
		return false, err
	}
	if !ok {
		s.skipped++
	}
	return ok, nil
}

// Split returns the tiles of side <side> covering the aoi.
// If crs is not nil, the aoi is reprojected in crs and split in one grid.
// Otherwise, the aoi is split in the UTM zones it intersects, each zone part in its own UTM crs.
// If filter is not nil, only the tiles whose WGS84 bounding box intersects the polygon are returned.
// The sequence ends on the first error. It can be iterated several times.
func (t *Tiler) Split(ctx context.Context, aoi geometry.GeoBoundingBox, side float64, crs *geometry.CRS, filter *geometry.Polygon) iter.Seq2[geometry.GeoBoundingBox, error] {
	return func(yield func(geometry.GeoBoundingBox, error) bool) {
		if side <= 0 || math.IsNaN(side) {
			yield(geometry.GeoBoundingBox{}, fmt.Errorf("Split: invalid tile side %f", side))
			return
		}
		if crs != nil && !crs.IsMetric() {
			log.Logger(ctx).Sugar().Warnf("using a tiler with non-metric crs %s", crs)
		}
		s := split{filter: filter}
		var err error
		if crs != nil {
			err = t.splitInCRS(aoi, side, *crs, &s, yield)
		} else {
			err = t.splitInUTMs(ctx, aoi, side, &s, yield)
		}
		if err != nil {
			yield(geometry.GeoBoundingBox{}, err)
			return
		}
		if filter != nil {
			log.Logger(ctx).Sugar().Debugf("skipped %d tiles that did not intersect the filter polygon", s.skipped)
		}
	}
}

func (t *Tiler) splitInCRS(aoi geometry.GeoBoundingBox, side float64, crs geometry.CRS, s *split, yield func(geometry.GeoBoundingBox, error) bool) error {
	bbox, err := aoi.Transform(crs)
	if err != nil {
		return fmt.Errorf("Split.%w", err)
	}
	g, err := t.newGrid(bbox, side)
	if err != nil {
		return err
	}
	for i := int64(0); i < g.nx; i++ {
		for j := int64(0); j < g.ny; j++ {
			tile := g.tile(i, j)
			if ok, err := s.keep(tile); err != nil {
				return fmt.Errorf("Split.%w", err)
			} else if !ok {
				continue
			}
			if !yield(tile, nil) {
				return nil
			}
		}
	}
	return nil
}

func (t *Tiler) splitInUTMs(ctx context.Context, aoi geometry.GeoBoundingBox, side float64, s *split, yield func(geometry.GeoBoundingBox, error) bool) error {
	aoi84, err := aoi.Transform(geometry.WGS84)
	if err != nil {
		return fmt.Errorf("Split.%w", err)
	}
	utms, err := aoi84.ToUTMs()
	if err != nil {
		return fmt.Errorf("Split.%w", err)
	}
	s.seen = map[tileKey]struct{}{}
	count := 0
	for _, utm := range utms {
		zone, _ := utm.Bounds().Intersection(aoi84)
		if zone.IsEmpty() {
			continue
		}
		log.Logger(ctx).Sugar().Debugf("AOI intersects UTM zone %s", utm)
		bbox, err := zone.Transform(utm.CRS())
		if err != nil {
			return fmt.Errorf("Split.%w", err)
		}
		g, err := t.newGrid(bbox, side)
		if err != nil {
			return err
		}
		for i := int64(0); i < g.nx; i++ {
			for j := int64(0); j < g.ny; j++ {
				tile := g.tile(i, j)
				tile84, err := tile.Transform(geometry.WGS84)
				if err != nil {
					return fmt.Errorf("Split.%w", err)
				}
				if !tile84.Intersects(zone) {
					continue
				}
				// adjacent latitude bands share the same crs
				key := tileKey{crs: g.crs, x: g.x0 + i, y: g.y0 + j}
				if _, ok := s.seen[key]; ok {
					continue
				}
				s.seen[key] = struct{}{}
				if count++; count > t.maxTiles {
					return &service.TooManyTilesError{Limit: t.maxTiles}
				}
				if ok, err := s.keep(tile); err != nil {
					return fmt.Errorf("Split.%w", err)
				} else if !ok {
					continue
				}
				if !yield(tile, nil) {
					return nil
				}
			}
		}
	}
	return nil
}

// Collect materializes the sequence
func Collect(seq iter.Seq2[geometry.GeoBoundingBox, error]) ([]geometry.GeoBoundingBox, error) {
	var tiles []geometry.GeoBoundingBox
	for tile, err := range seq {
		if err != nil {
			return nil, err
		}
		tiles = append(tiles, tile)
	}
	return tiles, nil
}

// IsOnDistortionOverlap returns true if a corner of bbox is close to a UTM zone border or to the equator.
// In UTM mode, such a point may belong to several tiles.
func IsOnDistortionOverlap(bbox geometry.GeoBoundingBox) (bool, error) {
	corners, err := bbox.Corners()
	if err != nil {
		return false, fmt.Errorf("IsOnDistortionOverlap.%w", err)
	}
	for _, c := range corners {
		if math.Abs(c.Lon-6*math.Floor(c.Lon/6)) < utmBorderTolerance {
			return true, nil
		}
		if math.Abs(c.Lat) < equatorTolerance {
			return true, nil
		}
	}
	return false, nil
}
