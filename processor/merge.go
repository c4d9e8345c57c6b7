package processor

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/airbusgeo/geocube-fetcher/common"
	"github.com/airbusgeo/geocube-fetcher/service/geometry"
	"github.com/airbusgeo/geocube-fetcher/service/log"
	"github.com/airbusgeo/geocube-fetcher/tiler"
	"github.com/go-spatial/geom/encoding/geojson"
	"github.com/parquet-go/parquet-go"
)

// MergedPath returns {root}/merged.{ext}
func MergedPath(tracker *tiler.TileTracker, format common.Format) string {
	return filepath.Join(tracker.Root(), "merged"+format.Extension())
}

type mergeFunc func(ctx context.Context, paths []string, out io.Writer) error

// mergeTracked writes the merge of the tracked files in MergedPath.
// An existing merged file is never overwritten.
func mergeTracked(ctx context.Context, tracker *tiler.TileTracker, format common.Format, merge mergeFunc) (string, error) {
	merged := MergedPath(tracker, format)
	if _, err := os.Stat(merged); err == nil {
		log.Logger(ctx).Sugar().Errorf("a merged file %s already exists. Aborting...", merged)
		return "", nil
	}
	all, err := tracker.Paths()
	if err != nil {
		return "", fmt.Errorf("merge.%w", err)
	}
	var paths []string
	for _, p := range all {
		if filepath.Ext(p) == format.Extension() {
			paths = append(paths, p)
		}
	}
	if len(paths) == 0 {
		log.Logger(ctx).Sugar().Errorf("found no file to merge in %s", tracker.Root())
		return "", nil
	}

	part := filepath.Join(tracker.Root(), "._merged"+format.Extension())
	f, err := os.Create(part)
	if err != nil {
		return "", fmt.Errorf("merge.Create: %w", err)
	}
	defer os.Remove(part)
	if err := merge(ctx, paths, f); err != nil {
		f.Close()
		return "", fmt.Errorf("merge[%s].%w", format, err)
	}
	if err := f.Close(); err != nil {
		return "", fmt.Errorf("merge.Close: %w", err)
	}
	if err := os.Rename(part, merged); err != nil {
		return "", fmt.Errorf("merge.Rename: %w", err)
	}
	log.Logger(ctx).Sugar().Infof("merged %d %s files into %s", len(paths), format, merged)
	return merged, nil
}

// MergeTrackedGeoJSON merges the tracked GeoJSON files into {root}/merged.geojson
func MergeTrackedGeoJSON(ctx context.Context, tracker *tiler.TileTracker) (string, error) {
	return mergeTracked(ctx, tracker, common.FormatGeoJSON, mergeGeoJSON)
}

// MergeTrackedCSV merges the tracked CSV files into {root}/merged.csv
func MergeTrackedCSV(ctx context.Context, tracker *tiler.TileTracker) (string, error) {
	return mergeTracked(ctx, tracker, common.FormatCSV, mergeCSV)
}

// MergeTrackedParquet merges the tracked Parquet files into {root}/merged.parquet
func MergeTrackedParquet(ctx context.Context, tracker *tiler.TileTracker) (string, error) {
	return mergeTracked(ctx, tracker, common.FormatParquet, mergeParquet)
}

// MergeTracked calls the merge function of the format
func MergeTracked(ctx context.Context, tracker *tiler.TileTracker, format common.Format) (string, error) {
	switch format {
	case common.FormatGeoJSON:
		return MergeTrackedGeoJSON(ctx, tracker)
	case common.FormatCSV:
		return MergeTrackedCSV(ctx, tracker)
	case common.FormatParquet:
		return MergeTrackedParquet(ctx, tracker)
	}
	return "", fmt.Errorf("MergeTracked: cannot merge %s files", format)
}

// namedCRS is the (legacy) crs member of a GeoJSON object
type namedCRS struct {
	Type       string `json:"type"`
	Properties struct {
		Name string `json:"name"`
	} `json:"properties"`
}

func newNamedCRS(crs geometry.CRS) *namedCRS {
	n := &namedCRS{Type: "name"}
	n.Properties.Name = fmt.Sprintf("urn:ogc:def:crs:EPSG::%d", crs.EPSG())
	return n
}

// CRS parses "urn:ogc:def:crs:EPSG::32631", "EPSG:32631" or "urn:ogc:def:crs:OGC:1.3:CRS84"
func (n *namedCRS) CRS() (geometry.CRS, error) {
	if n == nil {
		return geometry.WGS84, nil
	}
	name := n.Properties.Name
	if strings.HasSuffix(name, "CRS84") {
		return geometry.WGS84, nil
	}
	return geometry.ParseCRS(name[strings.LastIndexByte(name, ':')+1:])
}

type featureCollection struct {
	Type     string            `json:"type"`
	CRS      *namedCRS         `json:"crs,omitempty"`
	Features []json.RawMessage `json:"features"`
}

// mergeGeoJSON concatenates the features. If the files disagree on the crs, the features are reprojected in WGS84.
func mergeGeoJSON(ctx context.Context, paths []string, out io.Writer) error {
	fcs := make([]featureCollection, len(paths))
	crss := make([]geometry.CRS, len(paths))
	distinct := map[geometry.CRS]struct{}{}
	for i, path := range paths {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("mergeGeoJSON.ReadFile: %w", err)
		}
		if err := json.Unmarshal(data, &fcs[i]); err != nil {
			return fmt.Errorf("mergeGeoJSON.Unmarshal[%s]: %w", path, err)
		}
		if crss[i], err = fcs[i].CRS.CRS(); err != nil {
			return fmt.Errorf("mergeGeoJSON[%s].%w", path, err)
		}
		distinct[crss[i]] = struct{}{}
	}

	target := crss[0]
	if len(distinct) > 1 {
		log.Logger(ctx).Sugar().Debugf("files are in %d different crs: features are reprojected in %s", len(distinct), geometry.WGS84)
		target = geometry.WGS84
	}

	merged := featureCollection{Type: "FeatureCollection"}
	if target != geometry.WGS84 {
		merged.CRS = newNamedCRS(target)
	}
	for i, fc := range fcs {
		for _, f := range fc.Features {
			f, err := reprojectFeature(f, crss[i], target)
			if err != nil {
				return fmt.Errorf("mergeGeoJSON[%s].%w", paths[i], err)
			}
			merged.Features = append(merged.Features, f)
		}
	}
	if err := json.NewEncoder(out).Encode(merged); err != nil {
		return fmt.Errorf("mergeGeoJSON.Encode: %w", err)
	}
	return nil
}

// reprojectFeature transforms the geometry of the feature from src to dst.
// The other members and null geometries are kept as they are.
func reprojectFeature(raw json.RawMessage, src, dst geometry.CRS) (json.RawMessage, error) {
	if src == dst {
		return raw, nil
	}
	var f map[string]json.RawMessage
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("reprojectFeature.Unmarshal: %w", err)
	}
	data, ok := f["geometry"]
	if !ok || string(bytes.TrimSpace(data)) == "null" {
		return raw, nil
	}
	var g geojson.Geometry
	if err := g.UnmarshalJSON(data); err != nil {
		return nil, fmt.Errorf("reprojectFeature.UnmarshalGeometry: %w", err)
	}
	t, err := geometry.TransformGeom(src, dst, g.Geometry)
	if err != nil {
		return nil, fmt.Errorf("reprojectFeature.%w", err)
	}
	if f["geometry"], err = json.Marshal(geojson.Geometry{Geometry: t}); err != nil {
		return nil, fmt.Errorf("reprojectFeature.Marshal: %w", err)
	}
	return json.Marshal(f)
}

// mergeCSV concatenates the rows. The header is the union of the headers, missing values are left empty.
func mergeCSV(ctx context.Context, paths []string, out io.Writer) error {
	var header []string
	columns := map[string]int{}
	for _, path := range paths {
		h, err := readCSVHeader(path)
		if err != nil {
			return fmt.Errorf("mergeCSV.%w", err)
		}
		for _, c := range h {
			if _, ok := columns[c]; !ok {
				columns[c] = len(header)
				header = append(header, c)
			}
		}
	}

	w := csv.NewWriter(out)
	if err := w.Write(header); err != nil {
		return fmt.Errorf("mergeCSV.Write: %w", err)
	}
	for _, path := range paths {
		if err := copyCSVRows(path, w, columns); err != nil {
			return fmt.Errorf("mergeCSV.%w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("mergeCSV.Flush: %w", err)
	}
	return nil
}

func readCSVHeader(path string) ([]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("readCSVHeader: %w", err)
	}
	defer f.Close()
	h, err := csv.NewReader(f).Read()
	if err == io.EOF {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("readCSVHeader[%s]: %w", path, err)
	}
	return h, nil
}

func copyCSVRows(path string, w *csv.Writer, columns map[string]int) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("copyCSVRows: %w", err)
	}
	defer f.Close()
	r := csv.NewReader(f)
	h, err := r.Read()
	if err == io.EOF {
		return nil
	}
	if err != nil {
		return fmt.Errorf("copyCSVRows[%s]: %w", path, err)
	}
	row := make([]string, len(columns))
	for {
		record, err := r.Read()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return fmt.Errorf("copyCSVRows[%s]: %w", path, err)
		}
		clear(row)
		for i, v := range record {
			row[columns[h[i]]] = v
		}
		if err := w.Write(row); err != nil {
			return fmt.Errorf("copyCSVRows.Write: %w", err)
		}
	}
}

// mergeParquet concatenates the row groups. All the files must have the same schema.
func mergeParquet(ctx context.Context, paths []string, out io.Writer) error {
	var w *parquet.Writer
	var schema *parquet.Schema
	for _, path := range paths {
		if err := func() error {
			f, pf, err := openParquet(path)
			if err != nil {
				return err
			}
			defer f.Close()
			if w == nil {
				schema = pf.Schema()
				w = parquet.NewWriter(out, schema)
			} else if pf.Schema().String() != schema.String() {
				return fmt.Errorf("%s: schema differs from %s", path, paths[0])
			}
			for _, rg := range pf.RowGroups() {
				if _, err := w.WriteRowGroup(rg); err != nil {
					return fmt.Errorf("WriteRowGroup[%s]: %w", path, err)
				}
			}
			return nil
		}(); err != nil {
			return fmt.Errorf("mergeParquet.%w", err)
		}
	}
	if err := w.Close(); err != nil {
		return fmt.Errorf("mergeParquet.Close: %w", err)
	}
	return nil
}
