package solver

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"github.com/tidwall/gjson"
	"gopkg.in/yaml.v3"

	"platesolve/internal/config"
	"platesolve/internal/fsutil"
	"platesolve/internal/runner"
)

const (
	WatneyName = "watney"
	// BlindRadius selects blind mode instead of a nearby search.
	BlindRadius = 180.0
)

var watneyCodes = map[int]string{
	0: "No errors",
	1: "No solution",
}

type watneyConfig struct {
	QuadDbPath string `yaml:"quadDbPath"`
}

// Watney drives watney-solve in blind or nearby mode.
type Watney struct {
	*engine
	goos string
}

// NewWatney creates the Watney backend; its default install lives under
// the work dir.
func NewWatney(opts Options) *Watney {
	w := &Watney{goos: runtime.GOOS}
	w.engine = newEngine(WatneyName, watneyCodes, opts, config.Backend{})
	w.SetConfig(w.DefaultConfig())
	return w
}

func (w *Watney) DefaultConfig() config.Backend {
	return config.Backend{
		DeviceName:   "Watney",
		DeviceList:   []string{"Watney"},
		SearchRadius: 10,
		Timeout:      30,
		AppPath:      filepath.Join(w.opts.WorkDir, "watney"),
		IndexPath:    filepath.Join(w.opts.WorkDir, "watney_index"),
	}
}

func (w *Watney) program(appPath string) string {
	if w.goos == "windows" {
		return filepath.Join(appPath, "watney-solve.exe")
	}
	return filepath.Join(appPath, "watney-solve")
}

func (w *Watney) CheckAvailabilityProgram(appPath string) bool {
	return fileExists(w.program(appPath))
}

func (w *Watney) CheckAvailabilityIndex(indexPath string) bool {
	if err := w.writeConfigFile(indexPath); err != nil {
		w.logger.Warn("write watney config failed", "error", err)
	}
	return fsutil.AnyMatch(indexPath, "*.qdb")
}

func (w *Watney) configPath() string {
	return filepath.Join(w.opts.TempDir, "watney-solve-config.yml")
}

func (w *Watney) writeConfigFile(indexPath string) error {
	if err := os.MkdirAll(w.opts.TempDir, 0o755); err != nil {
		return err
	}
	data, err := yaml.Marshal(watneyConfig{QuadDbPath: indexPath})
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(w.configPath(), data, 0o644)
}

// Args returns the watney-solve invocation. A search radius of BlindRadius
// selects blind mode.
func (w *Watney) Args(c config.Backend, imagePath, jsonPath, wcsPath string) []string {
	var args []string
	if c.SearchRadius == BlindRadius {
		args = []string{"blind", "--min-radius", "0.15", "--max-radius", "16"}
	} else {
		args = []string{"nearby", "-h", "-s", fmt.Sprintf("%.1f", c.SearchRadius)}
	}
	return append(args,
		"-i", imagePath,
		"-o", jsonPath,
		"-w", wcsPath,
		"--use-config", w.configPath(),
		"--extended", "True",
	)
}

func (w *Watney) Solve(ctx context.Context, imagePath string, updateHeader bool) Result {
	ctx, end := w.begin(ctx)
	defer end()

	c := w.Config()
	jsonPath := filepath.Join(w.opts.TempDir, "temp.json")
	wcsPath := filepath.Join(w.opts.TempDir, "temp.wcs")

	release, err := w.workspace(wcsPath, jsonPath)
	if err != nil {
		return w.workspaceFailure(imagePath, err)
	}
	defer release()

	if err := w.writeConfigFile(c.IndexPath); err != nil {
		return w.workspaceFailure(imagePath, err)
	}

	ok, msg := w.run(ctx, runner.Command{
		Path:    w.program(c.AppPath),
		Args:    w.Args(c, imagePath, jsonPath, wcsPath),
		Timeout: w.timeout(c),
	})
	if ok {
		ok, msg = w.reportedSuccess(jsonPath, msg)
	}
	if !ok {
		w.logFailure(imagePath, msg, c)
	}
	return w.opts.Assembler.Prepare(ok, msg, imagePath, wcsPath, updateHeader)
}

// reportedSuccess checks the success flag of watney's JSON report. A missing
// report defers to the WCS check.
func (w *Watney) reportedSuccess(jsonPath, msg string) (bool, string) {
	data, err := os.ReadFile(jsonPath)
	if err != nil {
		return true, msg
	}
	success := gjson.GetBytes(data, "success")
	if success.Exists() && !success.Bool() {
		return false, watneyCodes[1]
	}
	return true, msg
}
