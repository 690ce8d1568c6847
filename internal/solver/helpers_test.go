package solver

import (
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"platesolve/internal/fits"
	"platesolve/internal/logging"
)

// offsetTransformer shifts by one degree so tests can tell JNow from J2000.
type offsetTransformer struct{}

func (offsetTransformer) J2000ToJNow(ra, dec float64, _ time.Time) (float64, float64) {
	return ra + 1, dec + 1
}

func skipWindows(t *testing.T) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake solver scripts need a POSIX shell")
	}
}

func testOptions(t *testing.T) Options {
	t.Helper()
	logger := logging.Discard()
	return Options{
		TempDir:   filepath.Join(t.TempDir(), "tmp"),
		WorkDir:   t.TempDir(),
		Logger:    logger,
		Assembler: NewAssembler(logger, offsetTransformer{}),
	}
}

// writeImage creates a small FITS image whose header carries the given cards.
func writeImage(t *testing.T, dir, name string, cards map[string]any) string {
	t.Helper()
	h := fits.NewHeader()
	h.Set("SIMPLE", true, "")
	h.Set("BITPIX", 8, "")
	h.Set("NAXIS", 2, "")
	h.Set("NAXIS1", 3600, "")
	h.Set("NAXIS2", 2400, "")
	for k, v := range cards {
		h.Set(k, v, "")
	}
	path := filepath.Join(dir, name)
	require.NoError(t, fits.WriteFile(path, h, make([]byte, fits.BlockSize)))
	return path
}

// writeWCS creates a WCS header for the given centre, scale (arcsec/px) and
// rotation (degrees).
func writeWCS(t *testing.T, dir string, ra, dec, scale, angle float64) string {
	t.Helper()
	s := scale / 3600
	rad := angle * math.Pi / 180
	h := fits.NewHeader()
	h.Set("SIMPLE", true, "")
	h.Set("NAXIS", 0, "")
	h.Set("CRVAL1", ra, "")
	h.Set("CRVAL2", dec, "")
	h.Set("CD1_1", s*math.Cos(rad), "")
	h.Set("CD1_2", s*math.Sin(rad), "")
	h.Set("CD2_1", -s*math.Sin(rad), "")
	h.Set("CD2_2", s*math.Cos(rad), "")
	path := filepath.Join(dir, "solution.wcs")
	require.NoError(t, fits.WriteFile(path, h, nil))
	return path
}

// writeScript installs an executable shell script at dir/name. Every call
// appends its arguments to dir/name.log.
func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	require.NoError(t, os.MkdirAll(dir, 0o755))
	path := filepath.Join(dir, name)
	script := fmt.Sprintf("#!/bin/sh\necho \"$@\" >> %q\n%s\n", path+".log", body)
	require.NoError(t, os.WriteFile(path, []byte(script), 0o755))
	return path
}

// argValue is a shell snippet storing the value following flag in variable.
func argValue(flag, variable string) string {
	return fmt.Sprintf(`%s=""
prev=""
for a in "$@"; do
  if [ "$prev" = %q ]; then %s="$a"; fi
  prev="$a"
done`, variable, flag, variable)
}

func readLog(t *testing.T, script string) []string {
	t.Helper()
	data, err := os.ReadFile(script + ".log")
	if os.IsNotExist(err) {
		return nil
	}
	require.NoError(t, err)
	return strings.Split(strings.TrimSpace(string(data)), "\n")
}
