package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/airbusgeo/geocube-fetcher/service/geometry"
	"github.com/airbusgeo/geocube-fetcher/service/log"
	"github.com/go-spatial/geom"
	"github.com/go-spatial/geom/encoding/geojson"
)

// ErrConfigMismatch is returned by SaveJobConfig when the project was created with another configuration
var ErrConfigMismatch = errors.New("current config and saved config disagree")

// UnmarshalGeometry, merging featureCollections and geometryCollections into a multipolygon
func UnmarshalGeometry(data []byte) (_ geom.Geometry, err error) {
	var header struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &header); err != nil {
		return nil, err
	}
	switch header.Type {
	case "FeatureCollection":
		var fc geojson.FeatureCollection
		if err := json.Unmarshal(data, &fc); err != nil {
			return nil, err
		}
		var mp geom.MultiPolygon
		for _, f := range fc.Features {
			if err := mergeMultiPolygons(f.Geometry.Geometry, &mp); err != nil {
				return nil, err
			}
		}
		return mp, nil
	case "Feature":
		var f geojson.Feature
		if err := json.Unmarshal(data, &f); err != nil {
			return nil, err
		}
		return f.Geometry.Geometry, nil
	default:
		var g geojson.Geometry
		if err := g.UnmarshalJSON(data); err != nil {
			return g.Geometry, err
		}
		return g.Geometry, nil
	}
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
	}
	return nil
}

// LoadPolygon reads a GeoJSON or WKT file containing a (multi)polygon expressed in WGS84
func LoadPolygon(path string) (*geometry.Polygon, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("LoadPolygon.ReadFile: %w", err)
	}
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		g, err := UnmarshalGeometry(data)
		if err != nil {
			return nil, fmt.Errorf("LoadPolygon.UnmarshalGeometry[%s]: %w", path, err)
		}
		p, err := geometry.NewPolygonFromGeom(g)
		if err != nil {
			return nil, fmt.Errorf("LoadPolygon.%w", err)
		}
		return p, nil
	}
	p, err := geometry.NewPolygonFromWKT(string(data))
	if err != nil {
		return nil, fmt.Errorf("LoadPolygon[%s].%w", path, err)
	}
	return p, nil
}

// LoadAOI parses an area of interest given either as "left,bottom,right,top" in WGS84
// or as the path of a GeoJSON/WKT file (the envelope of the geometry is returned).
func LoadAOI(s string) (geometry.GeoBoundingBox, error) {
	if parts := strings.Split(s, ","); len(parts) == 4 {
		var coords [4]float64
		for i, p := range parts {
			v, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
			if err != nil {
				return geometry.GeoBoundingBox{}, fmt.Errorf("LoadAOI: invalid coordinate %q: %w", p, err)
			}
			coords[i] = v
		}
		return geometry.NewGeoBoundingBox(coords[0], coords[1], coords[2], coords[3], geometry.WGS84)
	}
	p, err := LoadPolygon(s)
	if err != nil {
		return geometry.GeoBoundingBox{}, fmt.Errorf("LoadAOI.%w", err)
	}
	return p.Bounds()
}

func ToJSON(v interface{}, workingdir, filename string) error {
	if workingdir != "" {
		vb, err := json.MarshalIndent(v, "", "  ")
		if err != nil {
			return fmt.Errorf("toJSON.Marshal: %w", err)
		}
		if err := os.WriteFile(filepath.Join(workingdir, filename), vb, 0644); err != nil {
			return fmt.Errorf("toJSON.WriteFile: %w", err)
		}
	}
	return nil
}

// SaveJobConfig writes v as workingdir/filename.
// If the file already exists with another content, the differences are logged and ErrConfigMismatch is returned.
func SaveJobConfig(ctx context.Context, v interface{}, workingdir, filename string) error {
	current, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("SaveJobConfig.Marshal: %w", err)
	}
	saved, err := os.ReadFile(filepath.Join(workingdir, filename))
	if errors.Is(err, os.ErrNotExist) {
		return ToJSON(v, workingdir, filename)
	}
	if err != nil {
		return fmt.Errorf("SaveJobConfig.ReadFile: %w", err)
	}

	// re-indent the saved file to compare both configs line by line
	var previous interface{}
	if err := json.Unmarshal(saved, &previous); err != nil {
		return fmt.Errorf("SaveJobConfig.Unmarshal[%s]: %w", filename, err)
	}
	var now interface{}
	if err := json.Unmarshal(current, &now); err != nil {
		return fmt.Errorf("SaveJobConfig.Unmarshal: %w", err)
	}
	a, _ := json.MarshalIndent(previous, "", "  ")
	b, _ := json.MarshalIndent(now, "", "  ")
	if diff := LineDiff(string(a), string(b)); len(diff) > 0 {
		log.Logger(ctx).Sugar().Errorf("%s differs from the current config:\n%s", filename, strings.Join(diff, "\n"))
		return ErrConfigMismatch
	}
	return nil
}

// LineDiff returns the lines of a missing in b (prefixed with "-") and the lines of b missing in a (prefixed with "+"),
// using the longest common subsequence of lines.
func LineDiff(a, b string) []string {
	la, lb := strings.Split(a, "\n"), strings.Split(b, "\n")
	lcs := make([][]int, len(la)+1)
	for i := range lcs {
		lcs[i] = make([]int, len(lb)+1)
	}
	for i := len(la) - 1; i >= 0; i-- {
		for j := len(lb) - 1; j >= 0; j-- {
			if la[i] == lb[j] {
				lcs[i][j] = lcs[i+1][j+1] + 1
			} else {
				lcs[i][j] = max(lcs[i+1][j], lcs[i][j+1])
			}
		}
	}
	var diff []string
	i, j := 0, 0
	for i < len(la) && j < len(lb) {
		switch {
		case la[i] == lb[j]:
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			diff = append(diff, "-"+la[i])
			i++
		default:
			diff = append(diff, "+"+lb[j])
			j++
		}
	}
	for ; i < len(la); i++ {
		diff = append(diff, "-"+la[i])
	}
	for ; j < len(lb); j++ {
		diff = append(diff, "+"+lb[j])
	}
	return diff
}
