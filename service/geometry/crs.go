package geometry

import (
	"fmt"
	"strconv"
	"strings"
)

// CRS is a coordinate reference system identified by its EPSG code
type CRS int

// Well-known CRS
const (
	WGS84       CRS = 4326
	WebMercator CRS = 3857
)

const (
	utmNorthBase = 32600
	utmSouthBase = 32700
)

// ParseCRS parses "EPSG:32631", "epsg:4326" or "32631"
func ParseCRS(s string) (CRS, error) {
	s = strings.TrimSpace(s)
	if i := strings.IndexByte(s, ':'); i >= 0 {
		if !strings.EqualFold(s[:i], "EPSG") {
			return 0, fmt.Errorf("ParseCRS: unsupported authority in %q", s)
		}
		s = s[i+1:]
	}
	code, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("ParseCRS: %w", err)
	}
	crs := CRS(code)
	if _, err := lookupSpatialRef(crs); err != nil {
		return 0, fmt.Errorf("ParseCRS: %w", err)
	}
	return crs, nil
}

// EPSG returns the EPSG code
func (c CRS) EPSG() int {
	return int(c)
}

func (c CRS) String() string {
	return "EPSG:" + strconv.Itoa(int(c))
}

// IsUTM returns true for the WGS84 UTM zones (326xx and 327xx)
func (c CRS) IsUTM() bool {
	_, _, ok := c.UTMZone()
	return ok
}

// UTMZone returns the zone number and the hemisphere of a UTM crs
func (c CRS) UTMZone() (zone int, north bool, ok bool) {
	switch {
	case c > utmNorthBase && c <= utmNorthBase+60:
		return int(c) - utmNorthBase, true, true
	case c > utmSouthBase && c <= utmSouthBase+60:
		return int(c) - utmSouthBase, false, true
	}
	return 0, false, false
}

// IsGeographic returns true if coordinates are expressed in degrees
func (c CRS) IsGeographic() bool {
	s, err := lookupSpatialRef(c)
	return err == nil && s.geographic
}

// IsMetric returns true if the crs is projected with a linear unit in meters
func (c CRS) IsMetric() bool {
	s, err := lookupSpatialRef(c)
	return err == nil && s.metric
}

// Validate returns an error if the crs is unknown
func (c CRS) Validate() error {
	_, err := lookupSpatialRef(c)
	return err
}

// UTMShortName returns "UTM31N" for EPSG:32631
func (c CRS) UTMShortName() (string, bool) {
	zone, north, ok := c.UTMZone()
	if !ok {
		return "", false
	}
	hemisphere := "S"
	if north {
		hemisphere = "N"
	}
	return fmt.Sprintf("UTM%d%s", zone, hemisphere), true
}

// UTMCRS returns the crs of the given zone
func UTMCRS(zone int, north bool) CRS {
	if north {
		return CRS(utmNorthBase + zone)
	}
	return CRS(utmSouthBase + zone)
}
