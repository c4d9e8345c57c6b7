package raster

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/airbusgeo/geocube-fetcher/service"
	"github.com/airbusgeo/geocube-fetcher/service/geometry"
	"github.com/airbusgeo/godal"
)

// Inspector reads the metadata and the validity of raster files
type Inspector interface {
	// CRS reads the crs of the file without reading the pixels
	CRS(ctx context.Context, path string) (geometry.CRS, error)
	// ValidRatio returns the ratio of valid (non-nodata) pixels, all bands included
	ValidRatio(ctx context.Context, path string) (float64, error)
}

var registerOnce sync.Once

// Register the GDAL drivers. Can be called several times.
func Register() {
	registerOnce.Do(godal.RegisterAll)
}

// GodalInspector implements Inspector with GDAL
type GodalInspector struct {
	// Number of rows read at once by ValidRatio
	StripHeight int
}

func NewGodalInspector() *GodalInspector {
	Register()
	return &GodalInspector{StripHeight: 256}
}

func open(path string) (*godal.Dataset, error) {
	ds, err := godal.Open(path)
	if err != nil {
		// GDAL does not tell apart unreadable files from corrupted files
		return nil, &service.BadDataError{Path: path, Reason: err.Error()}
	}
	return ds, nil
}

// CRS implements Inspector
func (gi *GodalInspector) CRS(ctx context.Context, path string) (geometry.CRS, error) {
	ds, err := open(path)
	if err != nil {
		return 0, fmt.Errorf("CRS.%w", err)
	}
	defer ds.Close()

	sr := ds.SpatialRef()
	if sr == nil {
		return 0, fmt.Errorf("CRS: %s has no spatial reference", path)
	}
	defer sr.Close()
	code := sr.AuthorityCode("")
	if code == "" {
		if err := sr.AutoIdentifyEPSG(); err != nil {
			return 0, fmt.Errorf("CRS.AutoIdentifyEPSG[%s]: %w", path, err)
		}
		code = sr.AuthorityCode("")
	}
	if name := sr.AuthorityName(""); name != "" && name != "EPSG" {
		return 0, fmt.Errorf("CRS: unsupported authority %s in %s", name, path)
	}
	epsg, err := strconv.Atoi(code)
	if err != nil {
		return 0, fmt.Errorf("CRS[%s]: invalid epsg code %q: %w", path, code, err)
	}
	return geometry.CRS(epsg), nil
}

// ValidRatio implements Inspector, counting the non-zero values of the mask band of every band
func (gi *GodalInspector) ValidRatio(ctx context.Context, path string) (float64, error) {
	ds, err := open(path)
	if err != nil {
		return 0, fmt.Errorf("ValidRatio.%w", err)
	}
	defer ds.Close()

	st := ds.Structure()
	if st.SizeX == 0 || st.SizeY == 0 || st.NBands == 0 {
		return 0, nil
	}
	stripHeight := gi.StripHeight
	if stripHeight <= 0 || stripHeight > st.SizeY {
		stripHeight = st.SizeY
	}
	buf := make([]byte, st.SizeX*stripHeight)
	var valid, total int64
	for _, band := range ds.Bands() {
		mask := band.MaskBand()
		for y := 0; y < st.SizeY; y += stripHeight {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
			h := min(stripHeight, st.SizeY-y)
			strip := buf[:st.SizeX*h]
			if err := mask.Read(0, y, strip, st.SizeX, h); err != nil {
				return 0, fmt.Errorf("ValidRatio.Read: %w", &service.BadDataError{Path: path, Reason: err.Error()})
			}
			for _, v := range strip {
				if v > 0 {
					valid++
				}
			}
			total += int64(len(strip))
		}
	}
	return float64(valid) / float64(total), nil
}
