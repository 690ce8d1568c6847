// Package coords holds the angle formatting and epoch conversion used when
// talking to solvers and reporting results.
package coords

import (
	"fmt"
	"math"
	"strconv"
	"strings"
)

// FormatHMS renders an RA given in degrees as HH:MM:SS, the form
// solve-field accepts for --ra.
func FormatHMS(raDeg float64) string {
	total := int(math.Round(normalize360(raDeg) / 15 * 3600))
	total %= 24 * 3600
	return fmt.Sprintf("%02d:%02d:%02d", total/3600, total/60%60, total%60)
}

// FormatDMS renders a declination in degrees as +DD:MM:SS with an explicit sign.
func FormatDMS(decDeg float64) string {
	sign := "+"
	if decDeg < 0 {
		sign = "-"
	}
	total := int(math.Round(math.Abs(decDeg) * 3600))
	return fmt.Sprintf("%s%02d:%02d:%02d", sign, total/3600, total/60%60, total%60)
}

// ParseHMS parses an hour angle ("00 42 44.3", "00:42:44.3" or "0.7123")
// and returns degrees. A bare decimal is taken as degrees, as FITS
// writers put decimal RA values in degrees.
func ParseHMS(s string) (float64, error) {
	parts, decimal, err := split(s)
	if err != nil {
		return 0, fmt.Errorf("parse ra %q: %w", s, err)
	}
	if decimal {
		return parts[0], nil
	}
	hours := math.Abs(parts[0]) + parts[1]/60 + parts[2]/3600
	if hours >= 24 {
		return 0, fmt.Errorf("parse ra %q: out of range", s)
	}
	return hours * 15, nil
}

// ParseDMS parses a declination ("+41 16 09", "-05:23:28" or "41.27") into
// degrees.
func ParseDMS(s string) (float64, error) {
	parts, decimal, err := split(s)
	if err != nil {
		return 0, fmt.Errorf("parse dec %q: %w", s, err)
	}
	if decimal {
		return parts[0], nil
	}
	deg := math.Abs(parts[0]) + parts[1]/60 + parts[2]/3600
	if strings.HasPrefix(strings.TrimSpace(s), "-") {
		deg = -deg
	}
	if deg > 90 || deg < -90 {
		return 0, fmt.Errorf("parse dec %q: out of range", s)
	}
	return deg, nil
}

func split(s string) ([3]float64, bool, error) {
	var out [3]float64
	fields := strings.FieldsFunc(strings.TrimSpace(s), func(r rune) bool {
		return r == ' ' || r == ':' || r == 'h' || r == 'm' || r == 's' || r == 'd' || r == '\''
	})
	if len(fields) == 0 || len(fields) > 3 {
		return out, false, fmt.Errorf("unexpected format")
	}
	for i, f := range fields {
		v, err := strconv.ParseFloat(strings.Replace(f, ",", ".", 1), 64)
		if err != nil {
			return out, false, err
		}
		out[i] = v
	}
	return out, len(fields) == 1, nil
}

func normalize360(deg float64) float64 {
	deg = math.Mod(deg, 360)
	if deg < 0 {
		deg += 360
	}
	return deg
}
