package solver

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"
	"time"

	"platesolve/internal/coords"
	"platesolve/internal/fits"
)

const (
	msgNoWCS     = "Solve failed, no WCS file"
	msgBadWCS    = "Solve failed, WCS file unreadable"
	msgSolved    = "Solved"
	headerRemark = "platesolve - processed"
)

// Solution is the canonical content of a WCS file, measured against the
// pointing the image claims.
type Solution struct {
	RAJ2000     float64
	DecJ2000    float64
	Angle       float64
	Scale       float64
	Mirrored    bool
	FieldWidth  float64
	FieldHeight float64
	ErrorRA     float64
	ErrorDec    float64
	ErrorRMS    float64
}

var errNoReference = errors.New("wcs has no reference coordinates")

// SolutionFromWCS extracts the solution from a WCS header. imageHeader may be
// nil; it supplies the image size and the pointing used for the error terms.
func SolutionFromWCS(wcs, imageHeader *fits.Header) (Solution, error) {
	ra, okRA := wcs.Float("CRVAL1")
	dec, okDec := wcs.Float("CRVAL2")
	if !okRA || !okDec {
		return Solution{}, errNoReference
	}

	s := Solution{RAJ2000: ra, DecJ2000: dec}
	s.Angle, s.Scale, s.Mirrored = angleScale(wcs)

	w, h := imageSize(imageHeader, wcs)
	s.FieldWidth = float64(w) * s.Scale / 3600
	s.FieldHeight = float64(h) * s.Scale / 3600

	if imageHeader != nil {
		if raMount, decMount, ok := Pointing(imageHeader); ok {
			s.ErrorRA = ra - raMount
			s.ErrorDec = dec - decMount
			s.ErrorRMS = math.Hypot(s.ErrorRA, s.ErrorDec)
		}
	}
	return s, nil
}

// angleScale derives rotation (degrees), scale (arcsec/pixel) and the
// mirror flag from the CD matrix, or from CDELT/CROTA when no CD is given.
func angleScale(h *fits.Header) (float64, float64, bool) {
	cd11, ok11 := h.Float("CD1_1")
	cd12, _ := h.Float("CD1_2")
	cd21, _ := h.Float("CD2_1")
	cd22, ok22 := h.Float("CD2_2")

	if !ok11 && !ok22 {
		cdelt1, _ := h.Float("CDELT1")
		cdelt2, _ := h.Float("CDELT2")
		crota, _ := h.Float("CROTA2")
		rho := crota * math.Pi / 180
		cd11 = cdelt1 * math.Cos(rho)
		cd12 = -cdelt2 * math.Sin(rho)
		cd21 = cdelt1 * math.Sin(rho)
		cd22 = cdelt2 * math.Cos(rho)
	}

	mirrored := cd11*cd22-cd12*cd21 < 0
	angle := math.Atan2(cd12, cd11)
	scale := cd11 / math.Cos(angle) * 3600
	return angle * 180 / math.Pi, scale, mirrored
}

func imageSize(image, wcs *fits.Header) (int, int) {
	if image != nil {
		if w, ok := image.Int("NAXIS1"); ok {
			h, _ := image.Int("NAXIS2")
			return w, h
		}
	}
	if w, ok := wcs.Int("IMAGEW"); ok {
		h, _ := wcs.Int("IMAGEH")
		return w, h
	}
	w, _ := wcs.Int("NAXIS1")
	h, _ := wcs.Int("NAXIS2")
	return w, h
}

// Pointing returns the coordinates the image was taken at, in degrees,
// from RA/DEC or OBJCTRA/OBJCTDEC.
func Pointing(h *fits.Header) (float64, float64, bool) {
	for _, keys := range [][2]string{{"RA", "DEC"}, {"OBJCTRA", "OBJCTDEC"}} {
		raText, okRA := h.String(keys[0])
		decText, okDec := h.String(keys[1])
		if !okRA || !okDec {
			continue
		}
		ra, err := coords.ParseHMS(raText)
		if err != nil {
			continue
		}
		dec, err := coords.ParseDMS(decText)
		if err != nil {
			continue
		}
		return ra, dec, true
	}
	return 0, 0, false
}

// ScaleHint returns the image scale in arcsec/pixel from SCALE or from the
// pixel size, binning and focal length.
func ScaleHint(h *fits.Header) (float64, bool) {
	if s, ok := h.Float("SCALE"); ok && s > 0 {
		return s, true
	}
	focal, _ := h.Float("FOCALLEN")
	binning, _ := h.Float("XBINNING")
	xpix, _ := h.Float("XPIXSZ")
	pix1, _ := h.Float("PIXSIZE1")
	pixel := math.Max(xpix, pix1)
	if focal == 0 || binning == 0 || pixel == 0 {
		return 0, false
	}
	return pixel * binning / focal * 206.265, true
}

// WriteSolution stores the solution in h, replacing earlier values.
func WriteSolution(h *fits.Header, s Solution) {
	h.Set("RA", s.RAJ2000, headerRemark)
	h.Set("DEC", s.DecJ2000, headerRemark)
	h.Set("SCALE", s.Scale, headerRemark)
	h.Set("PIXSCALE", s.Scale, headerRemark)
	h.Set("ANGLE", s.Angle, headerRemark)
	h.Set("MIRRORED", s.Mirrored, headerRemark)
}

// Commit rewrites the image header with the solution. The file is replaced
// atomically.
func Commit(imagePath string, s Solution) error {
	return fits.UpdateFile(imagePath, func(h *fits.Header) error {
		WriteSolution(h, s)
		return nil
	})
}

// Assembler turns a finished engine run into a Result.
type Assembler struct {
	logger      *slog.Logger
	transformer coords.Transformer
	now         func() time.Time
}

// NewAssembler creates an Assembler. A nil transformer uses coords.Precession.
func NewAssembler(logger *slog.Logger, t coords.Transformer) *Assembler {
	if logger == nil {
		logger = slog.Default()
	}
	if t == nil {
		t = coords.Precession{}
	}
	return &Assembler{logger: logger, transformer: t, now: time.Now}
}

// WithClock replaces the observation time fallback used when the image
// carries no DATE-OBS.
func (a *Assembler) WithClock(now func() time.Time) *Assembler {
	a.now = now
	return a
}

// Prepare checks the engine outcome and the WCS artifact, commits the
// solution when asked to, and derives the JNow position.
func (a *Assembler) Prepare(ok bool, msg, imagePath, wcsPath string, updateHeader bool) Result {
	result := Failed(imagePath, msg)
	name := filepath.Base(imagePath)
	if !ok {
		a.logger.Warn("solve error", "image", name, "message", msg)
		return result
	}

	if !fileExists(wcsPath) {
		a.logger.Warn("solve files missing", "wcs", filepath.Base(wcsPath))
		result.Message = msgNoWCS
		return result
	}

	wcs, err := fits.ReadHeader(wcsPath)
	if err != nil {
		a.logger.Warn("wcs unreadable", "wcs", wcsPath, "error", err)
		result.Message = msgBadWCS
		return result
	}
	image, err := fits.ReadHeader(imagePath)
	if err != nil {
		a.logger.Debug("image header unreadable", "image", name, "error", err)
		image = nil
	}

	sol, err := SolutionFromWCS(wcs, image)
	if err != nil {
		a.logger.Warn("wcs incomplete", "wcs", wcsPath, "error", err)
		result.Message = msgBadWCS
		return result
	}

	if updateHeader {
		if err := Commit(imagePath, sol); err != nil {
			a.logger.Error("header update failed", "image", name, "error", err)
			result.Message = fmt.Sprintf("Header update failed: %v", err)
			return result
		}
	}

	obsTime := a.now()
	if image != nil {
		dateObs, _ := image.String("DATE-OBS")
		obsTime = coords.ObservationTime(dateObs, obsTime)
	}
	raNow, decNow := a.transformer.J2000ToJNow(sol.RAJ2000, sol.DecJ2000, obsTime)

	result = Result{
		Success:       true,
		Message:       msgSolved,
		ImagePath:     imagePath,
		RAJ2000:       sol.RAJ2000,
		DecJ2000:      sol.DecJ2000,
		RAJNow:        raNow,
		DecJNow:       decNow,
		PixelScale:    sol.Scale,
		RotationAngle: sol.Angle,
		Mirrored:      sol.Mirrored,
		FieldWidth:    sol.FieldWidth,
		FieldHeight:   sol.FieldHeight,
		ErrorRA:       sol.ErrorRA,
		ErrorDec:      sol.ErrorDec,
		ErrorRMS:      sol.ErrorRMS,
	}
	a.logger.Debug("solve result", "image", name, "ra", sol.RAJ2000, "dec", sol.DecJ2000, "scale", sol.Scale, "angle", sol.Angle)
	return result
}
