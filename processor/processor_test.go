package processor_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/airbusgeo/geocube-fetcher/common"
	"github.com/airbusgeo/geocube-fetcher/processor"
	"github.com/airbusgeo/geocube-fetcher/service/progress"
	"github.com/airbusgeo/geocube-fetcher/tiler"
	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"github.com/parquet-go/parquet-go"
)

type shot struct {
	Lat float64 `parquet:"lat"`
	Lon float64 `parquet:"lon"`
	Agb float64 `parquet:"agb"`
}

var _ = Describe("Clean", func() {
	var (
		ctx     context.Context
		dir     string
		tracker *tiler.TileTracker
		checker *processor.Checker
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		dir, err = os.MkdirTemp("", "processor")
		Expect(err).NotTo(HaveOccurred())
		tracker, err = tiler.NewTileTracker(ctx, testSource{"s2", true}, dir)
		Expect(err).NotTo(HaveOccurred())
		checker = processor.NewChecker(fakeInspector{})
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	Context("rasters", func() {
		BeforeEach(func() {
			writeFile(filepath.Join(tracker.Root(), "s2_UTM31N_0_0.tif"), "1")
			writeFile(filepath.Join(tracker.Root(), "s2_UTM31N_0_5000.tif"), "0.5")
			writeFile(filepath.Join(tracker.Root(), "s2_UTM31N_5000_0.tif"), "garbage")
			writeFile(filepath.Join(tracker.Root(), "s2_UTM31N_5000_5000.tif"), "0.01")
		})

		It("should remove the corrupted and empty tiles", func() {
			reporter := progress.Nop{}
			removed, err := processor.Clean(ctx, tracker, checker.TifIsClean, 3, reporter)
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(Equal(3))
			paths, err := tracker.Paths()
			Expect(err).NotTo(HaveOccurred())
			Expect(paths).To(ConsistOf(filepath.Join(tracker.Root(), "s2_UTM31N_0_0.tif")))
		})

		It("should keep sparse tiles with the sparse threshold", func() {
			removed, err := processor.Clean(ctx, tracker, checker.SparseIsClean, 1, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(Equal(1))
			_, err = os.Stat(filepath.Join(tracker.Root(), "s2_UTM31N_5000_5000.tif"))
			Expect(err).NotTo(HaveOccurred())
		})

		It("should honor configured thresholds", func() {
			checker.Thresholds.Raster = 0.4
			removed, err := processor.Clean(ctx, tracker, checker.TifIsClean, 2, nil)
			Expect(err).NotTo(HaveOccurred())
			Expect(removed).To(Equal(2))
		})
	})

	Context("vectors", func() {
		It("should check the features and rows", func() {
			root := filepath.Join(dir, "gedi")
			cases := map[string]bool{}
			add := func(name, content string, clean bool) {
				writeFile(filepath.Join(root, name), content)
				cases[name] = clean
			}
			add("a.geojson", `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[2,45]},"properties":{"agb":1}}]}`, true)
			add("b.geojson", `{"type":"FeatureCollection","features":[]}`, false)
			add("c.geojson", `{"type":"FeatureColl`, false)
			add("j.geojson", `{"type":"FeatureCollection","features":[{"type":"Feature","geometry":null,"properties":{"agb":1}}]}`, true)
			add("d.csv", "lat,lon\n", false)
			add("e.csv", "lat,lon\n45,2\n", true)
			add("f.txt", "whatever", true)
			Expect(parquet.WriteFile(filepath.Join(root, "g.parquet"), []shot{{45, 2, 10}})).To(Succeed())
			cases["g.parquet"] = true
			Expect(parquet.WriteFile(filepath.Join(root, "h.parquet"), []shot{})).To(Succeed())
			cases["h.parquet"] = false
			add("i.parquet", "PAR1 not really", false)

			for name, expected := range cases {
				clean, err := processor.VectorIsClean(ctx, filepath.Join(root, name))
				Expect(err).NotTo(HaveOccurred())
				Expect(clean).To(Equal(expected), name)
			}
		})
	})
})

var _ = Describe("CreateVRTs", func() {
	var (
		ctx     context.Context
		dir     string
		tracker *tiler.TileTracker
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		dir, err = os.MkdirTemp("", "mosaic")
		Expect(err).NotTo(HaveOccurred())
		tracker, err = tiler.NewTileTracker(ctx, testSource{"s2", true}, dir)
		Expect(err).NotTo(HaveOccurred())
		for _, name := range []string{"s2_UTM31N_0_0.tif", "s2_UTM31N_0_5000.tif", "s2_UTM32N_0_0.tif", "s2_EPSG3857_0_0.tif"} {
			writeFile(filepath.Join(tracker.Root(), name), "1")
		}
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	It("should build one mosaic per crs", func() {
		builder := &recordingBuilder{}
		vrts, err := processor.CreateVRTs(ctx, tracker, fakeInspector{}, builder)
		Expect(err).NotTo(HaveOccurred())
		root := tracker.Root()
		Expect(vrts).To(Equal([]string{
			filepath.Join(root, "s2_EPSG3857.vrt"),
			filepath.Join(root, "s2_UTM31N.vrt"),
			filepath.Join(root, "s2_UTM32N.vrt"),
		}))
		Expect(builder.built[filepath.Join(root, "s2_UTM31N.vrt")]).To(Equal([]string{
			filepath.Join(root, "s2_UTM31N_0_0.tif"),
			filepath.Join(root, "s2_UTM31N_0_5000.tif"),
		}))
		Expect(builder.built[filepath.Join(root, "s2_UTM32N.vrt")]).To(HaveLen(1))
	})

	It("should overwrite existing mosaics", func() {
		vrt := filepath.Join(tracker.Root(), "s2_UTM31N.vrt")
		writeFile(vrt, "old")
		_, err := processor.CreateVRTs(ctx, tracker, fakeInspector{}, &recordingBuilder{})
		Expect(err).NotTo(HaveOccurred())
		b, err := os.ReadFile(vrt)
		Expect(err).NotTo(HaveOccurred())
		Expect(string(b)).To(ContainSubstring("s2_UTM31N_0_0.tif"))
	})
})

var _ = Describe("Merge", func() {
	var (
		ctx     context.Context
		dir     string
		tracker *tiler.TileTracker
	)

	BeforeEach(func() {
		var err error
		ctx = context.Background()
		dir, err = os.MkdirTemp("", "merge")
		Expect(err).NotTo(HaveOccurred())
		tracker, err = tiler.NewTileTracker(ctx, testSource{"gedi", false}, dir)
		Expect(err).NotTo(HaveOccurred())
	})

	AfterEach(func() {
		os.RemoveAll(dir)
	})

	readFeatures := func(path string) map[string]interface{} {
		b, err := os.ReadFile(path)
		Expect(err).NotTo(HaveOccurred())
		var fc map[string]interface{}
		Expect(json.Unmarshal(b, &fc)).To(Succeed())
		return fc
	}

	Context("geojson", func() {
		It("should concatenate features in their common crs", func() {
			writeFile(filepath.Join(tracker.Root(), "gedi_UTM31N_0_0.geojson"),
				`{"type":"FeatureCollection","crs":{"type":"name","properties":{"name":"urn:ogc:def:crs:EPSG::32631"}},"features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[500000,10]},"properties":{"agb":1}}]}`)
			writeFile(filepath.Join(tracker.Root(), "gedi_UTM31N_0_5000.geojson"),
				`{"type":"FeatureCollection","crs":{"type":"name","properties":{"name":"EPSG:32631"}},"features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[500000,5010]},"properties":{"agb":2}}]}`)
			merged, err := processor.MergeTrackedGeoJSON(ctx, tracker)
			Expect(err).NotTo(HaveOccurred())
			Expect(merged).To(Equal(filepath.Join(tracker.Root(), "merged.geojson")))

			fc := readFeatures(merged)
			Expect(fc["features"]).To(HaveLen(2))
			Expect(fc["crs"]).To(HaveKeyWithValue("properties", HaveKeyWithValue("name", "urn:ogc:def:crs:EPSG::32631")))
		})

		It("should reproject in WGS84 when the crs differ", func() {
			writeFile(filepath.Join(tracker.Root(), "gedi_UTM31N_0_0.geojson"),
				`{"type":"FeatureCollection","crs":{"type":"name","properties":{"name":"urn:ogc:def:crs:EPSG::32631"}},"features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[500000,0]},"properties":{"agb":1}}]}`)
			writeFile(filepath.Join(tracker.Root(), "gedi_EPSG4326_2_0.geojson"),
				`{"type":"FeatureCollection","features":[{"type":"Feature","geometry":{"type":"Point","coordinates":[2.5,0.5]},"properties":{"agb":2}}]}`)
			merged, err := processor.MergeTrackedGeoJSON(ctx, tracker)
			Expect(err).NotTo(HaveOccurred())

			fc := readFeatures(merged)
			Expect(fc).NotTo(HaveKey("crs"))
			features := fc["features"].([]interface{})
			Expect(features).To(HaveLen(2))
			var lons []float64
			for _, f := range features {
				coords := f.(map[string]interface{})["geometry"].(map[string]interface{})["coordinates"].([]interface{})
				lons = append(lons, coords[0].(float64))
			}
			Expect(lons).To(ContainElement(BeNumerically("~", 3, 1e-6)))
			Expect(lons).To(ContainElement(BeNumerically("~", 2.5, 1e-9)))
		})

		It("should keep features without geometry", func() {
			writeFile(filepath.Join(tracker.Root(), "gedi_UTM31N_0_0.geojson"),
				`{"type":"FeatureCollection","crs":{"type":"name","properties":{"name":"urn:ogc:def:crs:EPSG::32631"}},"features":[{"type":"Feature","geometry":null,"properties":{"agb":1}},{"type":"Feature","geometry":{"type":"Point","coordinates":[500000,0]},"properties":{"agb":2}}]}`)
			writeFile(filepath.Join(tracker.Root(), "gedi_EPSG4326_2_0.geojson"),
				`{"type":"FeatureCollection","features":[{"type":"Feature","id":"shot-3","geometry":null,"properties":{"agb":3}}]}`)
			merged, err := processor.MergeTrackedGeoJSON(ctx, tracker)
			Expect(err).NotTo(HaveOccurred())

			features := readFeatures(merged)["features"].([]interface{})
			Expect(features).To(HaveLen(3))
			nulls := 0
			for _, f := range features {
				feature := f.(map[string]interface{})
				Expect(feature).To(HaveKey("geometry"))
				if feature["geometry"] == nil {
					nulls++
				}
			}
			Expect(nulls).To(Equal(2))
			Expect(features).To(ContainElement(HaveKeyWithValue("id", "shot-3")))
		})

		It("should not overwrite an existing merge", func() {
			writeFile(filepath.Join(tracker.Root(), "gedi_UTM31N_0_0.geojson"), `{"type":"FeatureCollection","features":[]}`)
			writeFile(filepath.Join(tracker.Root(), "merged.geojson"), "protected")
			merged, err := processor.MergeTrackedGeoJSON(ctx, tracker)
			Expect(err).NotTo(HaveOccurred())
			Expect(merged).To(BeEmpty())
			b, _ := os.ReadFile(filepath.Join(tracker.Root(), "merged.geojson"))
			Expect(string(b)).To(Equal("protected"))
		})

		It("should do nothing without input", func() {
			merged, err := processor.MergeTracked(ctx, tracker, common.FormatGeoJSON)
			Expect(err).NotTo(HaveOccurred())
			Expect(merged).To(BeEmpty())
			_, err = os.Stat(filepath.Join(tracker.Root(), "merged.geojson"))
			Expect(os.IsNotExist(err)).To(BeTrue())
		})
	})

	Context("csv", func() {
		It("should concatenate rows on the union of the headers", func() {
			writeFile(filepath.Join(tracker.Root(), "gedi_UTM31N_0_0.csv"), "lat,lon\n1,2\n")
			writeFile(filepath.Join(tracker.Root(), "gedi_UTM31N_0_5000.csv"), "lon,agb\n3,4\n5,6\n")
			merged, err := processor.MergeTrackedCSV(ctx, tracker)
			Expect(err).NotTo(HaveOccurred())
			b, err := os.ReadFile(merged)
			Expect(err).NotTo(HaveOccurred())
			Expect(strings.Split(strings.TrimSpace(string(b)), "\n")).To(Equal([]string{
				"lat,lon,agb",
				"1,2,",
				",3,4",
				",5,6",
			}))
		})
	})

	Context("parquet", func() {
		It("should concatenate row groups", func() {
			Expect(parquet.WriteFile(filepath.Join(tracker.Root(), "gedi_UTM31N_0_0.parquet"), []shot{{45, 2, 10}})).To(Succeed())
			Expect(parquet.WriteFile(filepath.Join(tracker.Root(), "gedi_UTM31N_0_5000.parquet"), []shot{{46, 2, 11}, {46, 3, 12}})).To(Succeed())
			merged, err := processor.MergeTracked(ctx, tracker, common.FormatParquet)
			Expect(err).NotTo(HaveOccurred())

			rows, err := parquet.ReadFile[shot](merged)
			Expect(err).NotTo(HaveOccurred())
			Expect(rows).To(ConsistOf(shot{45, 2, 10}, shot{46, 2, 11}, shot{46, 3, 12}))
		})
	})

	It("should refuse raster formats", func() {
		_, err := processor.MergeTracked(ctx, tracker, common.FormatGeoTIFF)
		Expect(err).To(HaveOccurred())
	})
})
