package coords

import (
	"math"
	"strings"
	"time"

	"gonum.org/v1/gonum/mat"
)

const (
	j2000JD      = 2451545.0
	unixEpochJD  = 2440587.5
	arcsecToRad  = math.Pi / (180 * 3600)
	daysCentury  = 36525.0
	degToRad     = math.Pi / 180
	secondsInDay = 86400.0
)

// Transformer converts catalogue (J2000) coordinates into the equinox of
// date used by mounts. Angles are degrees.
type Transformer interface {
	J2000ToJNow(ra, dec float64, t time.Time) (float64, float64)
}

// Precession applies IAU 1976 precession and the dominant nutation terms.
// The result is good to a few arcseconds over a century, well below any
// solver's accuracy.
type Precession struct{}

// J2000ToJNow implements Transformer.
func (Precession) J2000ToJNow(ra, dec float64, t time.Time) (float64, float64) {
	T := (JulianDate(t) - j2000JD) / daysCentury

	m := mat.NewDense(3, 3, nil)
	m.Mul(nutationMatrix(T), precessionMatrix(T))

	ra0, dec0 := ra*degToRad, dec*degToRad
	v := mat.NewVecDense(3, []float64{
		math.Cos(dec0) * math.Cos(ra0),
		math.Cos(dec0) * math.Sin(ra0),
		math.Sin(dec0),
	})
	var out mat.VecDense
	out.MulVec(m, v)

	x, y, z := out.AtVec(0), out.AtVec(1), out.AtVec(2)
	raNow := normalize360(math.Atan2(y, x) / degToRad)
	decNow := math.Asin(math.Max(-1, math.Min(1, z))) / degToRad
	return raNow, decNow
}

// JulianDate returns the Julian date of t (UTC, no TT correction).
func JulianDate(t time.Time) float64 {
	return float64(t.UnixNano())/1e9/secondsInDay + unixEpochJD
}

// ObservationTime parses a DATE-OBS value, returning fallback when it is
// empty or malformed.
func ObservationTime(dateObs string, fallback time.Time) time.Time {
	s := strings.TrimSpace(dateObs)
	if s == "" {
		return fallback
	}
	for _, layout := range []string{
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
		time.RFC3339Nano,
		"2006-01-02",
	} {
		if t, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			return t
		}
	}
	return fallback
}

func precessionMatrix(T float64) *mat.Dense {
	zeta := (2306.2181*T + 0.30188*T*T + 0.017998*T*T*T) * arcsecToRad
	z := (2306.2181*T + 1.09468*T*T + 0.018203*T*T*T) * arcsecToRad
	theta := (2004.3109*T - 0.42665*T*T - 0.041833*T*T*T) * arcsecToRad

	var tmp, p mat.Dense
	tmp.Mul(rot2(theta), rot3(-zeta))
	p.Mul(rot3(-z), &tmp)
	return &p
}

func nutationMatrix(T float64) *mat.Dense {
	omega := (125.04452 - 1934.136261*T) * degToRad
	l := (280.4665 + 36000.7698*T) * degToRad
	lp := (218.3165 + 481267.8813*T) * degToRad

	dPsi := (-17.20*math.Sin(omega) - 1.32*math.Sin(2*l) - 0.23*math.Sin(2*lp) + 0.21*math.Sin(2*omega)) * arcsecToRad
	dEps := (9.20*math.Cos(omega) + 0.57*math.Cos(2*l) + 0.10*math.Cos(2*lp) - 0.09*math.Cos(2*omega)) * arcsecToRad
	eps := (84381.448 - 46.8150*T) * arcsecToRad

	var tmp, n mat.Dense
	tmp.Mul(rot3(-dPsi), rot1(eps))
	n.Mul(rot1(-(eps + dEps)), &tmp)
	return &n
}

func rot1(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{
		1, 0, 0,
		0, c, s,
		0, -s, c,
	})
}

func rot2(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{
		c, 0, -s,
		0, 1, 0,
		s, 0, c,
	})
}

func rot3(a float64) *mat.Dense {
	c, s := math.Cos(a), math.Sin(a)
	return mat.NewDense(3, 3, []float64{
		c, s, 0,
		-s, c, 0,
		0, 0, 1,
	})
}
