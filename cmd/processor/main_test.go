package main

import (
	"testing"

	"github.com/airbusgeo/geocube-fetcher/common"
)

func TestParseConfig(t *testing.T) {
	c, err := parseConfig("clean", []string{"-project-dir", "/data", "-source-name", "s2", "-threshold", "0.5", "-threads", "4"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Thresholds.Raster != 0.5 || c.Thresholds.Sparse != 0.005 || c.Threads != 4 {
		t.Errorf("unexpected clean config %+v", c)
	}
	if c.Format != common.FormatGeoTIFF {
		t.Errorf("raster tiles are GeoTIFF, got %s", c.Format)
	}

	c, err = parseConfig("merge", []string{"-project-dir", "/data", "-source-name", "gedi", "-source-raster=false", "-format", "parquet"})
	if err != nil {
		t.Fatal(err)
	}
	if c.Format != common.FormatParquet {
		t.Errorf("expected parquet, got %s", c.Format)
	}
}

func TestParseInspect(t *testing.T) {
	c, err := parseConfig("inspect", []string{"-threshold", "0.8", "a.tif", "gs://bucket/b.tif"})
	if err != nil {
		t.Fatal(err)
	}
	if len(c.Paths) != 2 || c.Thresholds.Raster != 0.8 {
		t.Errorf("unexpected inspect config %+v", c)
	}
	if _, err := parseConfig("inspect", nil); err == nil {
		t.Error("inspect needs paths")
	}
}

func TestParseConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		command string
		args    []string
	}{
		{"split", []string{"-project-dir", "/data", "-source-name", "s2"}},
		{"clean", []string{"-source-name", "s2"}},
		{"clean", []string{"-project-dir", "/data"}},
		{"clean", []string{"-project-dir", "/data", "-source-name", "s2", "-threads", "0"}},
		{"mosaic", []string{"-project-dir", "/data", "-source-name", "gedi", "-source-raster=false"}},
		{"merge", []string{"-project-dir", "/data", "-source-name", "s2"}},
		{"merge", []string{"-project-dir", "/data", "-source-name", "gedi", "-source-raster=false", "-format", "shapefile"}},
		{"mosaic", []string{"-project-dir", "/data", "-source-name", "s2", "-threads", "3"}},
	} {
		if _, err := parseConfig(tc.command, tc.args); err == nil {
			t.Errorf("%s %v: expected an error", tc.command, tc.args)
		}
	}
}
