package common

import "strings"

//go:generate go run github.com/dmarkham/enumer -json -type Format -trimprefix Format -transform lower

// Format of the chips written on disk
type Format int

const (
	FormatGeoTIFF Format = iota
	FormatGeoJSON
	FormatCSV
	FormatParquet
)

// Extension returns the file suffix of the format, including the dot
func (f Format) Extension() string {
	switch f {
	case FormatGeoTIFF:
		return ".tif"
	case FormatCSV:
		return ".csv"
	case FormatParquet:
		return ".parquet"
	}
	return ".geojson"
}

// IsVector returns true for feature formats
func (f Format) IsVector() bool {
	return f != FormatGeoTIFF
}

// FormatFromExtension returns the format of a file from its suffix
func FormatFromExtension(ext string) (Format, bool) {
	switch strings.ToLower(ext) {
	case ".tif", ".tiff":
		return FormatGeoTIFF, true
	case ".geojson", ".json":
		return FormatGeoJSON, true
	case ".csv":
		return FormatCSV, true
	case ".parquet":
		return FormatParquet, true
	}
	return 0, false
}
