package geometry

import (
	"fmt"
	"math"
)

// utmLetters are the latitude bands of the UTM grid, from 80°S to 84°N
const utmLetters = "CDEFGHJKLMNPQRSTUVWX"

// UTM is a UTM grid zone: a 6° longitude zone and an 8° latitude band
type UTM struct {
	Zone   int
	Letter byte
}

func utmZoneIndex(lon float64) int {
	zone := int(math.Floor(lon/6)) + 31
	return max(1, min(60, zone))
}

func utmLetterIndex(lat float64) int {
	idx := int(math.Floor((lat + 80) / 8))
	return max(0, min(len(utmLetters)-1, idx))
}

// UTMFromLonLat returns the zone containing the point
func UTMFromLonLat(lon, lat float64) UTM {
	return UTM{Zone: utmZoneIndex(lon), Letter: utmLetters[utmLetterIndex(lat)]}
}

// North returns true if the zone is in the northern hemisphere
func (u UTM) North() bool {
	return u.Letter >= 'N'
}

// CRS returns the projected crs of the zone
func (u UTM) CRS() CRS {
	return UTMCRS(u.Zone, u.North())
}

func (u UTM) String() string {
	return fmt.Sprintf("%d%c", u.Zone, u.Letter)
}

// Bounds returns the validity region of the zone in WGS84
func (u UTM) Bounds() GeoBoundingBox {
	idx := 0
	for i := range utmLetters {
		if utmLetters[i] == u.Letter {
			idx = i
			break
		}
	}
	left := float64((u.Zone - 31) * 6)
	bottom := float64(-80 + 8*idx)
	top := bottom + 8
	if u.Letter == 'X' {
		top = 84
	}
	return GeoBoundingBox{Left: left, Bottom: bottom, Right: left + 6, Top: top, CRS: WGS84}
}
