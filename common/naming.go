package common

import (
	"fmt"
	"strings"
	"time"
)

// Keys available in chip uri templates
const (
	KeySource = "SOURCE"
	KeyCRS    = "CRS"
	KeyLeft   = "LEFT"
	KeyBottom = "BOTTOM"
	KeyTile   = "TILE"
	KeyStart  = "START"
	KeyEnd    = "END"
)

// dateLayout is used for {START} and {END}
const dateLayout = "2006-01-02"

// TileID returns the identifier of a chip: "{crsLabel}_{left}_{bottom}"
// Coordinates are rounded the same way as in chip filenames.
func TileID(crsLabel string, left, bottom float64) string {
	return fmt.Sprintf("%s_%.0f_%.0f", crsLabel, left, bottom)
}

// ChipInfo returns the keys describing a chip, to be used with FormatBrackets.
// Zero dates are left out.
func ChipInfo(source, crsLabel string, left, bottom float64, start, end time.Time) map[string]string {
	info := map[string]string{
		KeySource: source,
		KeyCRS:    crsLabel,
		KeyLeft:   fmt.Sprintf("%.0f", left),
		KeyBottom: fmt.Sprintf("%.0f", bottom),
		KeyTile:   TileID(crsLabel, left, bottom),
	}
	if !start.IsZero() {
		info[KeyStart] = start.Format(dateLayout)
	}
	if !end.IsZero() {
		info[KeyEnd] = end.Format(dateLayout)
	}
	return info
}

/**
 * FormatBrackets replaces in <str> all {keys} of <info> by the corresponding value
 * keys must be one of SOURCE, CRS, LEFT, BOTTOM, TILE, START, END
 */
func FormatBrackets(str string, infos ...map[string]string) string {
	for _, info := range infos {
		for k, v := range info {
			str = strings.ReplaceAll(str, "{"+k+"}", v)
		}
	}
	return str
}

// MissingBrackets returns the {keys} that remain in str
func MissingBrackets(str string) []string {
	var keys []string
	for {
		i := strings.IndexByte(str, '{')
		if i < 0 {
			return keys
		}
		j := strings.IndexByte(str[i:], '}')
		if j < 0 {
			return keys
		}
		keys = append(keys, str[i+1:i+j])
		str = str[i+j+1:]
	}
}
