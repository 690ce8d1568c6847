package solver

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"platesolve/internal/config"
)

func TestWatneyArgsModes(t *testing.T) {
	w := NewWatney(testOptions(t))
	cfg := w.configPath()

	blind := w.Args(config.Backend{SearchRadius: BlindRadius}, "/img/a.fits", "/tmp/temp.json", "/tmp/temp.wcs")
	assert.Equal(t, []string{
		"blind", "--min-radius", "0.15", "--max-radius", "16",
		"-i", "/img/a.fits", "-o", "/tmp/temp.json", "-w", "/tmp/temp.wcs",
		"--use-config", cfg, "--extended", "True",
	}, blind)

	nearby := w.Args(config.Backend{SearchRadius: 20}, "/img/a.fits", "/tmp/temp.json", "/tmp/temp.wcs")
	assert.Equal(t, []string{
		"nearby", "-h", "-s", "20.0",
		"-i", "/img/a.fits", "-o", "/tmp/temp.json", "-w", "/tmp/temp.wcs",
		"--use-config", cfg, "--extended", "True",
	}, nearby)
}

func watneyFixture(t *testing.T, body string) (*Watney, string, string) {
	t.Helper()
	skipWindows(t)
	w := NewWatney(testOptions(t))
	w.goos = "linux"

	appDir := filepath.Join(t.TempDir(), "watney")
	script := writeScript(t, appDir, "watney-solve", body)
	c := w.Config()
	c.AppPath = appDir
	c.IndexPath = t.TempDir()
	w.SetConfig(c)

	image := writeImage(t, t.TempDir(), "m42.fits", nil)
	return w, script, image
}

func TestWatneySolve(t *testing.T) {
	wcs := writeWCS(t, t.TempDir(), 83.82, -5.39, 2.1, 0)
	w, script, image := watneyFixture(t,
		argValue("-w", "wcs")+"\n"+argValue("-o", "json")+
			"\ncp \""+wcs+"\" \"$wcs\"\necho '{\"success\": true, \"ra\": 83.82}' > \"$json\"\nexit 0")

	r := w.Solve(context.Background(), image, false)
	require.True(t, r.Success, r.Message)
	assert.InDelta(t, 83.82, r.RAJ2000, 1e-9)
	assert.InDelta(t, -5.39, r.DecJ2000, 1e-9)
	assert.Len(t, readLog(t, script), 1)

	data, err := os.ReadFile(w.configPath())
	require.NoError(t, err)
	var cfg watneyConfig
	require.NoError(t, yaml.Unmarshal(data, &cfg))
	assert.Equal(t, w.Config().IndexPath, cfg.QuadDbPath)
}

func TestWatneyReportedFailure(t *testing.T) {
	wcs := writeWCS(t, t.TempDir(), 83.82, -5.39, 2.1, 0)
	w, _, image := watneyFixture(t,
		argValue("-w", "wcs")+"\n"+argValue("-o", "json")+
			"\ncp \""+wcs+"\" \"$wcs\"\necho '{\"success\": false}' > \"$json\"\nexit 0")

	r := w.Solve(context.Background(), image, false)
	assert.False(t, r.Success)
	assert.Equal(t, "No solution", r.Message)
}

func TestWatneyNoSolutionExit(t *testing.T) {
	w, _, image := watneyFixture(t, "exit 1")

	r := w.Solve(context.Background(), image, false)
	assert.False(t, r.Success)
	assert.Equal(t, "No solution", r.Message)
}

func TestWatneyIndexCheck(t *testing.T) {
	w := NewWatney(testOptions(t))
	dir := t.TempDir()
	assert.False(t, w.CheckAvailabilityIndex(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "gaia2-00-01.qdb"), nil, 0o644))
	assert.True(t, w.CheckAvailabilityIndex(dir))
}
