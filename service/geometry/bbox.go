package geometry

import (
	"errors"
	"fmt"
	"math"
)

// ErrCRSMismatch is returned when two boxes expressed in different crs are compared
var ErrCRSMismatch = errors.New("bounding boxes are not expressed in the same crs")

// GeoBoundingBox is a rectangle expressed in a crs.
// An empty intersection is represented by the zero box (0,0,0,0).
type GeoBoundingBox struct {
	Left   float64 `json:"left"`
	Bottom float64 `json:"bottom"`
	Right  float64 `json:"right"`
	Top    float64 `json:"top"`
	CRS    CRS     `json:"crs"`
}

// Coordinate is a WGS84 point
type Coordinate struct {
	Lat, Lon float64
}

// NewGeoBoundingBox checks the bounds and returns the box
func NewGeoBoundingBox(left, bottom, right, top float64, crs CRS) (GeoBoundingBox, error) {
	if left > right || bottom > top {
		return GeoBoundingBox{}, fmt.Errorf("invalid bounding box (%f, %f, %f, %f)", left, bottom, right, top)
	}
	if err := crs.Validate(); err != nil {
		return GeoBoundingBox{}, fmt.Errorf("NewGeoBoundingBox: %w", err)
	}
	return GeoBoundingBox{Left: left, Bottom: bottom, Right: right, Top: top, CRS: crs}, nil
}

func (b GeoBoundingBox) String() string {
	return fmt.Sprintf("BBox(%g, %g, %g, %g, %s)", b.Left, b.Bottom, b.Right, b.Top, b.CRS)
}

// IsEmpty returns true if the box has no area
func (b GeoBoundingBox) IsEmpty() bool {
	return b.Right <= b.Left || b.Top <= b.Bottom
}

func (b GeoBoundingBox) Width() float64  { return b.Right - b.Left }
func (b GeoBoundingBox) Height() float64 { return b.Top - b.Bottom }
func (b GeoBoundingBox) Area() float64 {
	if b.IsEmpty() {
		return 0
	}
	return b.Width() * b.Height()
}

// Buffer grows the box by d on each side
func (b GeoBoundingBox) Buffer(d float64) (GeoBoundingBox, error) {
	if d < 0 {
		return b, fmt.Errorf("Buffer: negative buffer %f is not allowed", d)
	}
	return GeoBoundingBox{Left: b.Left - d, Bottom: b.Bottom - d, Right: b.Right + d, Top: b.Top + d, CRS: b.CRS}, nil
}

// Transform reprojects the four corners into dst and returns the smallest box containing them
func (b GeoBoundingBox) Transform(dst CRS) (GeoBoundingBox, error) {
	if b.CRS == dst {
		return b, nil
	}
	if b.IsEmpty() {
		return GeoBoundingBox{CRS: dst}, nil
	}
	xs := []float64{b.Left, b.Right, b.Left, b.Right}
	ys := []float64{b.Bottom, b.Bottom, b.Top, b.Top}
	if err := TransformPoints(b.CRS, dst, xs, ys); err != nil {
		return GeoBoundingBox{}, fmt.Errorf("Transform.%w", err)
	}
	out := GeoBoundingBox{Left: math.Inf(1), Bottom: math.Inf(1), Right: math.Inf(-1), Top: math.Inf(-1), CRS: dst}
	for i := range xs {
		out.Left = math.Min(out.Left, xs[i])
		out.Right = math.Max(out.Right, xs[i])
		out.Bottom = math.Min(out.Bottom, ys[i])
		out.Top = math.Max(out.Top, ys[i])
	}
	return out, nil
}

// Intersection returns the common part of both boxes (the "&" operator).
func (b GeoBoundingBox) Intersection(o GeoBoundingBox) (GeoBoundingBox, error) {
	if b.CRS != o.CRS {
		return GeoBoundingBox{}, ErrCRSMismatch
	}
	r := GeoBoundingBox{
		Left:   math.Max(b.Left, o.Left),
		Bottom: math.Max(b.Bottom, o.Bottom),
		Right:  math.Min(b.Right, o.Right),
		Top:    math.Min(b.Top, o.Top),
		CRS:    b.CRS,
	}
	if r.IsEmpty() {
		return GeoBoundingBox{CRS: b.CRS}, nil
	}
	return r, nil
}

// Union returns the smallest box containing both boxes
func (b GeoBoundingBox) Union(o GeoBoundingBox) (GeoBoundingBox, error) {
	if b.CRS != o.CRS {
		return GeoBoundingBox{}, ErrCRSMismatch
	}
	return GeoBoundingBox{
		Left:   math.Min(b.Left, o.Left),
		Bottom: math.Min(b.Bottom, o.Bottom),
		Right:  math.Max(b.Right, o.Right),
		Top:    math.Max(b.Top, o.Top),
		CRS:    b.CRS,
	}, nil
}

// Intersects returns true if both boxes share an area. Touching boxes do not intersect.
func (b GeoBoundingBox) Intersects(o GeoBoundingBox) bool {
	if b.CRS != o.CRS {
		return false
	}
	return b.Left < o.Right && o.Left < b.Right && b.Bottom < o.Top && o.Bottom < b.Top
}

// Contains returns true if the point (x, y), expressed in the crs of the box, is inside it
func (b GeoBoundingBox) Contains(x, y float64) bool {
	return b.Left <= x && x <= b.Right && b.Bottom <= y && y <= b.Top
}

// Corners returns the upper-left, upper-right, lower-left and lower-right corners in WGS84
func (b GeoBoundingBox) Corners() ([4]Coordinate, error) {
	var corners [4]Coordinate
	for i, c := range [4][2]float64{{b.Left, b.Top}, {b.Right, b.Top}, {b.Left, b.Bottom}, {b.Right, b.Bottom}} {
		lon, lat, err := ToLonLat(b.CRS, c[0], c[1])
		if err != nil {
			return corners, fmt.Errorf("Corners.%w", err)
		}
		corners[i] = Coordinate{Lat: lat, Lon: lon}
	}
	return corners, nil
}

// ToUTMs returns every UTM zone intersected by the box
func (b GeoBoundingBox) ToUTMs() ([]UTM, error) {
	b84, err := b.Transform(WGS84)
	if err != nil {
		return nil, fmt.Errorf("ToUTMs.%w", err)
	}
	var utms []UTM
	for zone := utmZoneIndex(b84.Left); zone <= utmZoneIndex(b84.Right); zone++ {
		for idx := utmLetterIndex(b84.Bottom); idx <= utmLetterIndex(b84.Top); idx++ {
			utms = append(utms, UTM{Zone: zone, Letter: utmLetters[idx]})
		}
	}
	return utms, nil
}

// Ring returns the closed exterior ring of the box
func (b GeoBoundingBox) Ring() [][2]float64 {
	return [][2]float64{
		{b.Left, b.Bottom}, {b.Right, b.Bottom}, {b.Right, b.Top}, {b.Left, b.Top}, {b.Left, b.Bottom},
	}
}
