package geometry

import (
	"math"
	"testing"

	"github.com/go-spatial/geom"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCRS(t *testing.T) {
	for input, expected := range map[string]CRS{
		"EPSG:32631": 32631,
		"epsg:4326":  WGS84,
		"3857":       WebMercator,
		" 32733 ":    32733,
		"EPSG:2154":  2154,
		"EPSG:32661": 32661,
	} {
		crs, err := ParseCRS(input)
		require.NoError(t, err, input)
		assert.Equal(t, expected, crs, input)
	}
	for _, input := range []string{"IGNF:LAMB93", "abc", "EPSG:0", "EPSG:-3", "EPSG:999999"} {
		_, err := ParseCRS(input)
		assert.Error(t, err, input)
	}
}

func TestCRSNames(t *testing.T) {
	name, ok := CRS(32631).UTMShortName()
	assert.True(t, ok)
	assert.Equal(t, "UTM31N", name)
	name, ok = CRS(32701).UTMShortName()
	assert.True(t, ok)
	assert.Equal(t, "UTM1S", name)
	_, ok = WGS84.UTMShortName()
	assert.False(t, ok)
	assert.False(t, WGS84.IsMetric())
	assert.True(t, WGS84.IsGeographic())
	assert.True(t, CRS(32760).IsMetric())
	assert.True(t, CRS(2154).IsMetric())
	assert.True(t, WebMercator.IsMetric())
	assert.False(t, CRS(2154).IsGeographic())
	assert.False(t, CRS(0).IsMetric())
	assert.Equal(t, "EPSG:3857", WebMercator.String())
}

func TestUTMZones(t *testing.T) {
	tests := []struct {
		lon, lat float64
		zone     int
		letter   byte
		crs      CRS
	}{
		{2.35, 48.85, 31, 'U', 32631},
		{-74.0, 40.7, 18, 'T', 32618},
		{151.2, -33.9, 56, 'H', 32756},
		{179.99, 0.5, 60, 'N', 32660},
		{180, 83.9, 60, 'X', 32660},
		{-180, -80, 1, 'C', 32701},
	}
	for _, tt := range tests {
		u := UTMFromLonLat(tt.lon, tt.lat)
		assert.Equal(t, tt.zone, u.Zone)
		assert.Equal(t, string(tt.letter), string(u.Letter))
		assert.Equal(t, tt.crs, u.CRS())
	}

	b := UTM{Zone: 31, Letter: 'U'}.Bounds()
	assert.Equal(t, GeoBoundingBox{Left: 0, Bottom: 48, Right: 6, Top: 56, CRS: WGS84}, b)
	assert.Equal(t, 84.0, UTM{Zone: 31, Letter: 'X'}.Bounds().Top)
}

func TestUTMProjectionRoundTrip(t *testing.T) {
	x, y, err := FromLonLat(32631, 3, 0)
	require.NoError(t, err)
	assert.InDelta(t, 500000, x, 1e-6)
	assert.InDelta(t, 0, y, 1e-6)

	// on the central meridian, northing is the scaled meridian arc
	x, y, err = FromLonLat(32631, 3, 45)
	require.NoError(t, err)
	assert.InDelta(t, 500000, x, 1e-6)
	assert.InDelta(t, 0.9996*4984944.378, y, 0.01)

	for _, pt := range [][2]float64{{2.3522, 48.8566}, {0.1, -45}, {5.9, 83}, {3, -0.001}} {
		crs := UTMFromLonLat(pt[0], pt[1]).CRS()
		x, y, err := FromLonLat(crs, pt[0], pt[1])
		require.NoError(t, err)
		lon, lat, err := ToLonLat(crs, x, y)
		require.NoError(t, err)
		assert.InDelta(t, pt[0], lon, 1e-7)
		assert.InDelta(t, pt[1], lat, 1e-7)
	}
}

func TestWebMercator(t *testing.T) {
	x, y, err := FromLonLat(WebMercator, 180, 0)
	require.NoError(t, err)
	assert.InDelta(t, 20037508.34, x, 0.01)
	assert.InDelta(t, 0, y, 1e-6)
	lon, lat, err := ToLonLat(WebMercator, 0, 0)
	require.NoError(t, err)
	assert.InDelta(t, 0, lon, 1e-12)
	assert.InDelta(t, 0, lat, 1e-12)

	_, _, err = ToLonLat(0, 0, 0)
	assert.Error(t, err)
}

func TestLambert93(t *testing.T) {
	// the projection origin of Lambert-93
	x, y, err := FromLonLat(2154, 3, 46.5)
	require.NoError(t, err)
	assert.InDelta(t, 700000, x, 1e-3)
	assert.InDelta(t, 6600000, y, 1e-3)

	b := GeoBoundingBox{Left: 650000, Bottom: 6550000, Right: 750000, Top: 6650000, CRS: 2154}
	b84, err := b.Transform(WGS84)
	require.NoError(t, err)
	assert.Less(t, b84.Left, 3.0)
	assert.Greater(t, b84.Right, 3.0)
	assert.Less(t, b84.Bottom, 46.5)
	assert.Greater(t, b84.Top, 46.5)

	_, err = NewGeoBoundingBox(0, 0, 1, 1, 2154)
	assert.NoError(t, err)
	_, err = NewGeoBoundingBox(0, 0, 1, 1, 0)
	assert.Error(t, err)
}

func TestBoundingBoxOperations(t *testing.T) {
	a := GeoBoundingBox{Left: 0, Bottom: 0, Right: 10, Top: 10, CRS: 32631}
	b := GeoBoundingBox{Left: 5, Bottom: 5, Right: 15, Top: 15, CRS: 32631}
	c := GeoBoundingBox{Left: 10, Bottom: 0, Right: 20, Top: 10, CRS: 32631}

	inter, err := a.Intersection(b)
	require.NoError(t, err)
	assert.Equal(t, GeoBoundingBox{Left: 5, Bottom: 5, Right: 10, Top: 10, CRS: 32631}, inter)

	empty, err := a.Intersection(GeoBoundingBox{Left: 50, Bottom: 50, Right: 60, Top: 60, CRS: 32631})
	require.NoError(t, err)
	assert.Equal(t, GeoBoundingBox{CRS: 32631}, empty)
	assert.True(t, empty.IsEmpty())

	union, err := a.Union(c)
	require.NoError(t, err)
	assert.Equal(t, 20.0, union.Right)

	assert.True(t, a.Intersects(b))
	assert.False(t, a.Intersects(c), "touching boxes do not intersect")
	assert.False(t, a.Intersects(GeoBoundingBox{Left: 0, Bottom: 0, Right: 10, Top: 10, CRS: 32632}))

	_, err = a.Intersection(GeoBoundingBox{CRS: WGS84})
	assert.ErrorIs(t, err, ErrCRSMismatch)

	buffered, err := a.Buffer(2)
	require.NoError(t, err)
	assert.Equal(t, GeoBoundingBox{Left: -2, Bottom: -2, Right: 12, Top: 12, CRS: 32631}, buffered)
	_, err = a.Buffer(-1)
	assert.Error(t, err)
}

func TestBoundingBoxTransform(t *testing.T) {
	b := GeoBoundingBox{Left: 2, Bottom: 48, Right: 3, Top: 49, CRS: WGS84}
	utm, err := b.Transform(32631)
	require.NoError(t, err)
	assert.Equal(t, CRS(32631), utm.CRS)
	assert.Less(t, utm.Left, 500000.0)
	assert.InDelta(t, 500000, utm.Right, 1e-6, "3°E is the central meridian of zone 31")

	back, err := utm.Transform(WGS84)
	require.NoError(t, err)
	assert.LessOrEqual(t, back.Left, b.Left+1e-9)
	assert.GreaterOrEqual(t, back.Top, b.Top-1e-9)

	same, err := b.Transform(WGS84)
	require.NoError(t, err)
	assert.Equal(t, b, same)
}

func TestBoundingBoxToUTMs(t *testing.T) {
	b := GeoBoundingBox{Left: 5, Bottom: 47, Right: 7, Top: 49, CRS: WGS84}
	utms, err := b.ToUTMs()
	require.NoError(t, err)
	assert.ElementsMatch(t, []UTM{{31, 'T'}, {31, 'U'}, {32, 'T'}, {32, 'U'}}, utms)
}

func TestCorners(t *testing.T) {
	b := GeoBoundingBox{Left: 1, Bottom: 2, Right: 3, Top: 4, CRS: WGS84}
	corners, err := b.Corners()
	require.NoError(t, err)
	assert.Equal(t, Coordinate{Lat: 4, Lon: 1}, corners[0])
	assert.Equal(t, Coordinate{Lat: 2, Lon: 3}, corners[3])
	assert.False(t, math.IsNaN(corners[1].Lat))
}

func TestTransformGeom(t *testing.T) {
	g, err := TransformGeom(WGS84, 32631, geom.Collection{
		geom.Point{3, 0},
		geom.Polygon{{{3, 0}, {3, 45}, {3, 0}}},
	})
	require.NoError(t, err)
	c, ok := g.(geom.Collection)
	require.True(t, ok)
	pt := c[0].(geom.Point)
	assert.InDelta(t, 500000, pt[0], 1e-6)
	assert.InDelta(t, 0, pt[1], 1e-6)
	poly := c[1].(geom.Polygon)
	assert.InDelta(t, 0.9996*4984944.378, poly[0][1][1], 0.01)

	lambert, err := TransformGeom(WGS84, 2154, geom.Point{3, 46.5})
	require.NoError(t, err)
	assert.InDelta(t, 700000, lambert.(geom.Point)[0], 1e-3)
	_, err = TransformGeom(WGS84, 0, geom.Point{3, 45})
	assert.Error(t, err)

	same, err := TransformGeom(WGS84, WGS84, geom.Point{3, 45})
	require.NoError(t, err)
	assert.Equal(t, geom.Point{3, 45}, same)
}
