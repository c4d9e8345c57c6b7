package tiler

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/airbusgeo/geocube-fetcher/common"
	"github.com/airbusgeo/geocube-fetcher/service"
	"github.com/airbusgeo/geocube-fetcher/service/geometry"
	"github.com/airbusgeo/geocube-fetcher/service/log"
)

// partialPrefix marks files that are being written
const partialPrefix = "._"

// DefaultRasterPattern is the default filter of raster trackers
const DefaultRasterPattern = `.*\.tif`

var (
	tileIDRegexp  = regexp.MustCompile(`^.*_(?P<tile_id>.*_\d*_\d*).*`)
	sourceRegexp  = regexp.MustCompile(`^(?P<source>.*)_(.*_\d*_\d*)\..*`)
	imageIDRegexp = regexp.MustCompile(`^[A-Za-z0-9_-]+$`)
)

// Source is the identity of the data stored by a tracker
type Source interface {
	Name() string
	IsRaster() bool
}

// CRSReader reads the crs of a raster file from its metadata
type CRSReader interface {
	CRS(ctx context.Context, path string) (geometry.CRS, error)
}

// TileTracker maps tiles to paths in {projectDir}/{source}[/{subRoot}] and lists the files already there.
type TileTracker struct {
	source     Source
	projectDir string
	subRoot    string
	pattern    string
	filter     func(path string) bool
}

type TrackerOption func(*TileTracker)

// WithSubRoot stores the tiles in a subdirectory of the source directory
func WithSubRoot(subRoot string) TrackerOption {
	return func(t *TileTracker) {
		t.subRoot = subRoot
	}
}

// WithFilter sets the predicate that tracked paths must satisfy
func WithFilter(filter func(path string) bool) TrackerOption {
	return func(t *TileTracker) {
		t.filter = filter
		t.pattern = ""
	}
}

// WithPattern sets a regular expression that tracked paths must fully match
func WithPattern(pattern string) TrackerOption {
	return func(t *TileTracker) {
		t.pattern = pattern
		t.filter = nil
	}
}

// WithExtension tracks the files with the given suffix
func WithExtension(ext string) TrackerOption {
	return WithFilter(func(path string) bool {
		return filepath.Ext(path) == ext
	})
}

// NewTileTracker creates the root directory if needed
func NewTileTracker(ctx context.Context, source Source, projectDir string, opts ...TrackerOption) (*TileTracker, error) {
	t := &TileTracker{source: source, projectDir: projectDir}
	if source.IsRaster() {
		t.pattern = DefaultRasterPattern
	}
	for _, opt := range opts {
		opt(t)
	}
	if t.pattern != "" {
		re, err := regexp.Compile("^(?:" + t.pattern + ")$")
		if err != nil {
			return nil, fmt.Errorf("NewTileTracker: %w", err)
		}
		t.filter = re.MatchString
	}
	if _, err := os.Stat(t.Root()); os.IsNotExist(err) {
		if err := os.MkdirAll(t.Root(), 0755); err != nil {
			return nil, fmt.Errorf("NewTileTracker: %w", err)
		}
		log.Logger(ctx).Sugar().Debugf("created data directory %s", t.Root())
	}
	return t, nil
}

// Root is the directory where the tiles are stored
func (t *TileTracker) Root() string {
	if t.subRoot != "" {
		return filepath.Join(t.projectDir, t.source.Name(), t.subRoot)
	}
	return filepath.Join(t.projectDir, t.source.Name())
}

func (t *TileTracker) Source() Source {
	return t.source
}

func (t *TileTracker) String() string {
	return fmt.Sprintf("Tracker(%s)", t.Root())
}

// Filter returns true if the path is tracked
func (t *TileTracker) Filter(path string) bool {
	if strings.HasPrefix(filepath.Base(path), partialPrefix) {
		return false
	}
	if t.filter == nil {
		return true
	}
	return t.filter(path)
}

// NameCRS returns "UTM31N" for UTM crs, "EPSG{code}" otherwise
func NameCRS(crs geometry.CRS) string {
	if name, ok := crs.UTMShortName(); ok {
		return name
	}
	return fmt.Sprintf("EPSG%d", crs.EPSG())
}

// TileStem returns "{source}_{crsLabel}_{left}_{bottom}"
func (t *TileTracker) TileStem(bbox geometry.GeoBoundingBox) string {
	return t.source.Name() + "_" + common.TileID(NameCRS(bbox.CRS), bbox.Left, bbox.Bottom)
}

// GetPath returns the path of the tile.
// Raster tiles are GeoTIFF, vector tiles are written in format (GeoJSON if format is not a vector format).
func (t *TileTracker) GetPath(bbox geometry.GeoBoundingBox, format common.Format) (string, error) {
	suffix := common.FormatGeoTIFF.Extension()
	if !t.source.IsRaster() {
		suffix = common.FormatGeoJSON.Extension()
		if format.IsVector() {
			suffix = format.Extension()
		}
	}
	path := filepath.Join(t.Root(), t.TileStem(bbox)+suffix)
	if !t.Filter(path) {
		return "", service.MakeFatal(fmt.Errorf("GetPath: %s created path %s that is not accepted by its filter", t, path))
	}
	return path, nil
}

// TimeSeriesDir returns the directory where the images of the tile are stored
func (t *TileTracker) TimeSeriesDir(bbox geometry.GeoBoundingBox, format common.Format) (string, error) {
	path, err := t.GetPath(bbox, format)
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(path, filepath.Ext(path)), nil
}

// ImagePath returns the path of an image of a time series
func ImagePath(dir, imageID, ext string) (string, error) {
	if !imageIDRegexp.MatchString(imageID) {
		return "", fmt.Errorf("ImagePath: invalid image id %q", imageID)
	}
	return filepath.Join(dir, imageID+ext), nil
}

// TileIDFromFilename returns the "{crsLabel}_{left}_{bottom}" part of a filename created by GetPath
func TileIDFromFilename(path string) (string, error) {
	name := filepath.Base(path)
	m := tileIDRegexp.FindStringSubmatch(name)
	if m == nil {
		return "", fmt.Errorf("TileIDFromFilename: could not infer tile id from %s", name)
	}
	return m[tileIDRegexp.SubexpIndex("tile_id")], nil
}

// SourceFromFilename returns the source name of a filename created by GetPath
func SourceFromFilename(path string) (string, error) {
	name := filepath.Base(path)
	m := sourceRegexp.FindStringSubmatch(name)
	if m == nil {
		return "", fmt.Errorf("SourceFromFilename: could not infer source from %s", name)
	}
	return m[sourceRegexp.SubexpIndex("source")], nil
}

// Paths returns every regular file under the root that passes the filter, in lexical order
func (t *TileTracker) Paths() ([]string, error) {
	var paths []string
	err := filepath.WalkDir(t.Root(), func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.Type().IsRegular() && t.Filter(path) {
			paths = append(paths, path)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("Paths: %w", err)
	}
	return paths, nil
}

// CRSToPaths groups the tracked files by crs.
// Only the metadata of the files is read.
func (t *TileTracker) CRSToPaths(ctx context.Context, reader CRSReader) (map[geometry.CRS][]string, error) {
	paths, err := t.Paths()
	if err != nil {
		return nil, fmt.Errorf("CRSToPaths.%w", err)
	}
	crsToPaths := map[geometry.CRS][]string{}
	for _, path := range paths {
		crs, err := reader.CRS(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("CRSToPaths.%w", err)
		}
		crsToPaths[crs] = append(crsToPaths[crs], path)
	}
	return crsToPaths, nil
}

// SortedCRS returns the keys of crsToPaths in increasing order
func SortedCRS(crsToPaths map[geometry.CRS][]string) []geometry.CRS {
	crs := make([]geometry.CRS, 0, len(crsToPaths))
	for c := range crsToPaths {
		crs = append(crs, c)
	}
	sort.Slice(crs, func(i, j int) bool { return crs[i] < crs[j] })
	return crs
}
