package solver

import (
	"context"
	"fmt"
	"path/filepath"
	"runtime"

	"platesolve/internal/config"
	"platesolve/internal/fsutil"
	"platesolve/internal/runner"
)

const AstapName = "astap"

var astapCodes = map[int]string{
	0:  "No errors",
	1:  "No solution",
	2:  "Not enough stars detected",
	3:  "Error reading image file",
	32: "No Star database found",
	33: "Error reading star database",
	-1: msgAborted,
}

// star database families ASTAP can load
var astapIndexPatterns = []string{
	"g05_*", "g16_*", "g17_*", "g18_*", "h17_*", "h18_*",
	"d05_*", "d20_*", "d50_*", "d80_*", "v50_*", "w08_*",
}

// Astap drives the ASTAP command line solver.
type Astap struct {
	*engine
	goos string
}

// NewAstap creates the ASTAP backend with platform default paths.
func NewAstap(opts Options) *Astap {
	a := &Astap{goos: runtime.GOOS}
	a.engine = newEngine(AstapName, astapCodes, opts, a.DefaultConfig())
	return a
}

func (a *Astap) DefaultConfig() config.Backend {
	c := config.Backend{
		DeviceName:   "ASTAP",
		DeviceList:   []string{"ASTAP"},
		SearchRadius: 10,
		Timeout:      30,
	}
	switch a.goos {
	case "darwin":
		c.AppPath = "/Applications/ASTAP.app/Contents/MacOS"
		c.IndexPath = "/usr/local/opt/astap"
	case "windows":
		c.AppPath = `C:\Program Files\astap`
		c.IndexPath = `C:\Program Files\astap`
	default:
		c.AppPath = "/opt/astap"
		c.IndexPath = "/opt/astap"
	}
	return c
}

func (a *Astap) program(appPath string) string {
	if a.goos == "windows" {
		return filepath.Join(appPath, "astap.exe")
	}
	return filepath.Join(appPath, "astap")
}

func (a *Astap) CheckAvailabilityProgram(appPath string) bool {
	return fileExists(a.program(appPath))
}

func (a *Astap) CheckAvailabilityIndex(indexPath string) bool {
	return fsutil.AnyMatch(indexPath, astapIndexPatterns...)
}

// Args returns the ASTAP invocation for image, writing outBase.wcs.
func (a *Astap) Args(c config.Backend, imagePath, outBase string) []string {
	return []string{
		"-f", imagePath,
		"-o", outBase,
		"-wcs",
		"-r", fmt.Sprintf("%.1f", c.SearchRadius),
		"-t", "0.005",
		"-z", "0",
		"-d", c.IndexPath,
	}
}

func (a *Astap) Solve(ctx context.Context, imagePath string, updateHeader bool) Result {
	ctx, end := a.begin(ctx)
	defer end()

	c := a.Config()
	outBase := filepath.Join(a.opts.TempDir, "temp")
	wcsPath := outBase + ".wcs"

	release, err := a.workspace(wcsPath, outBase+".ini")
	if err != nil {
		return a.workspaceFailure(imagePath, err)
	}
	defer release()

	ok, msg := a.run(ctx, runner.Command{
		Path:    a.program(c.AppPath),
		Args:    a.Args(c, imagePath, outBase),
		Timeout: a.timeout(c),
	})
	if !ok {
		a.logFailure(imagePath, msg, c)
	}
	return a.opts.Assembler.Prepare(ok, msg, imagePath, wcsPath, updateHeader)
}
