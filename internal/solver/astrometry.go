package solver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"platesolve/internal/config"
	"platesolve/internal/coords"
	"platesolve/internal/fits"
	"platesolve/internal/fsutil"
	"platesolve/internal/runner"
)

const (
	AstrometryName = "astrometry"
	searchRatio    = 1.1
)

var astrometryCodes = map[int]string{
	0: "No errors",
	1: "No solution",
}

// Astrometry drives a local astrometry.net install: image2xy extracts the
// star list, solve-field matches it against the index files.
type Astrometry struct {
	*engine
	goos string
	home string
}

// NewAstrometry creates the astrometry.net backend.
func NewAstrometry(opts Options) *Astrometry {
	home, _ := os.UserHomeDir()
	a := &Astrometry{goos: runtime.GOOS, home: home}
	a.engine = newEngine(AstrometryName, astrometryCodes, opts, a.DefaultConfig())
	return a
}

func (a *Astrometry) DefaultConfig() config.Backend {
	c := config.Backend{
		DeviceName:   "ASTROMETRY.NET",
		DeviceList:   []string{"ASTROMETRY.NET"},
		SearchRadius: 10,
		Timeout:      30,
	}
	switch a.goos {
	case "darwin":
		c.AppPath = "/Applications/KStars.app/Contents/MacOS/astrometry/bin"
		c.IndexPath = filepath.Join(a.home, "Library", "Application Support", "Astrometry")
	case "windows":
		// no native distribution
	default:
		c.AppPath = "/usr/bin"
		c.IndexPath = "/usr/share/astrometry"
	}
	return c
}

func (a *Astrometry) CheckAvailabilityProgram(appPath string) bool {
	if a.goos == "windows" {
		return false
	}
	return fileExists(filepath.Join(appPath, "solve-field"))
}

func (a *Astrometry) CheckAvailabilityIndex(indexPath string) bool {
	if a.goos == "windows" {
		return false
	}
	if err := a.writeConfigFile(indexPath); err != nil {
		a.logger.Warn("write astrometry.cfg failed", "error", err)
	}
	return fsutil.AnyMatch(indexPath, "*.fits")
}

func (a *Astrometry) configPath() string {
	return filepath.Join(a.opts.TempDir, "astrometry.cfg")
}

func (a *Astrometry) writeConfigFile(indexPath string) error {
	if err := os.MkdirAll(a.opts.TempDir, 0o755); err != nil {
		return err
	}
	body := fmt.Sprintf("cpulimit 300\nadd_path %s\nautoindex\n", indexPath)
	return fsutil.WriteFileAtomic(a.configPath(), []byte(body), 0o644)
}

// Image2xyArgs is the star extraction invocation.
func (a *Astrometry) Image2xyArgs(imagePath, starsPath string) []string {
	return []string{"-O", "-o", starsPath, imagePath}
}

// SolveFieldArgs is the matching invocation. Hint flags are only added for
// the hints the image header provides.
func (a *Astrometry) SolveFieldArgs(c config.Backend, starsPath string, image *fits.Header) []string {
	args := []string{
		"--overwrite",
		"--no-remove-lines",
		"--no-plots",
		"--no-verify-uniformize",
		"--uniformize", "0",
		"--sort-column", "FLUX",
		"--scale-units", "app",
		"--crpix-center",
		"--cpulimit", strconv.Itoa(c.Timeout),
		"--config", a.configPath(),
		starsPath,
	}
	if image != nil {
		if scale, ok := ScaleHint(image); ok {
			args = append(args,
				"--scale-low", strconv.FormatFloat(scale/searchRatio, 'f', -1, 64),
				"--scale-high", strconv.FormatFloat(scale*searchRatio, 'f', -1, 64),
			)
		}
		if ra, dec, ok := Pointing(image); ok {
			args = append(args,
				"--ra", coords.FormatHMS(ra),
				"--dec", coords.FormatDMS(dec),
				"--radius", fmt.Sprintf("%.1f", c.SearchRadius),
			)
		}
	}
	// older solve-field builds shipped with Astrometry.app need it
	if strings.Contains(c.AppPath, "Astrometry.app") {
		args = append(args, "--no-fits2fits")
	}
	return args
}

func (a *Astrometry) Solve(ctx context.Context, imagePath string, updateHeader bool) Result {
	ctx, end := a.begin(ctx)
	defer end()

	c := a.Config()
	starsPath := filepath.Join(a.opts.TempDir, "temp.xy")
	wcsPath := filepath.Join(a.opts.TempDir, "temp.wcs")

	release, err := a.workspace(wcsPath, starsPath)
	if err != nil {
		return a.workspaceFailure(imagePath, err)
	}
	defer release()

	if err := a.writeConfigFile(c.IndexPath); err != nil {
		return a.workspaceFailure(imagePath, err)
	}

	ok, msg := a.run(ctx, runner.Command{
		Path:    filepath.Join(c.AppPath, "image2xy"),
		Args:    a.Image2xyArgs(imagePath, starsPath),
		Timeout: a.timeout(c),
	})
	if !ok {
		a.logFailure(imagePath, "image2xy: "+msg, c)
		if msg == msgAborted {
			return Failed(imagePath, msgAborted)
		}
		return Failed(imagePath, "image2xy failed")
	}

	image, err := fits.ReadHeader(imagePath)
	if err != nil {
		a.logger.Debug("no hints from image header", "image", filepath.Base(imagePath), "error", err)
		image = nil
	}

	ok, msg = a.run(ctx, runner.Command{
		Path:    filepath.Join(c.AppPath, "solve-field"),
		Args:    a.SolveFieldArgs(c, starsPath, image),
		Timeout: a.timeout(c),
	})
	if !ok && msg != msgAborted {
		a.logFailure(imagePath, "solve-field: "+msg, c)
		msg = "solve-field failed: " + msg
	}
	return a.opts.Assembler.Prepare(ok, msg, imagePath, wcsPath, updateHeader)
}
