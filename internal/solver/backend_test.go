package solver

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gofrs/flock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platesolve/internal/config"
	"platesolve/internal/fits"
	"platesolve/internal/runner"
)

func astapFixture(t *testing.T, body string) (*Astap, string, string) {
	t.Helper()
	skipWindows(t)
	opts := testOptions(t)
	a := NewAstap(opts)
	a.goos = "linux"

	appDir := filepath.Join(t.TempDir(), "astap")
	indexDir := t.TempDir()
	script := writeScript(t, appDir, "astap", body)
	c := a.Config()
	c.AppPath = appDir
	c.IndexPath = indexDir
	c.SearchRadius = 20
	c.Timeout = 30
	a.SetConfig(c)

	image := writeImage(t, t.TempDir(), "m31.fits", map[string]any{"RA": 10.5, "DEC": 41.0})
	return a, script, image
}

func TestAstapArgs(t *testing.T) {
	a := NewAstap(testOptions(t))
	c := config.Backend{SearchRadius: 20, IndexPath: "/opt/astap"}

	got := a.Args(c, "/img/m31.fits", "/tmp/temp")
	want := []string{"-f", "/img/m31.fits", "-o", "/tmp/temp", "-wcs", "-r", "20.0", "-t", "0.005", "-z", "0", "-d", "/opt/astap"}
	assert.Equal(t, want, got)
}

func TestAstapSolveCommitsHeader(t *testing.T) {
	wcs := writeWCS(t, t.TempDir(), 10.684708, 41.26875, 1.5, 12)
	a, script, image := astapFixture(t, argValue("-o", "out")+"\ncp \""+wcs+`" "$out.wcs"`+"\nexit 0")

	r := a.Solve(context.Background(), image, true)
	require.True(t, r.Success, r.Message)
	assert.Equal(t, "Solved", r.Message)
	assert.InDelta(t, 10.684708, r.RAJ2000, 1e-9)
	assert.InDelta(t, 41.26875, r.DecJ2000, 1e-9)
	assert.InDelta(t, 11.684708, r.RAJNow, 1e-9)
	assert.InDelta(t, 1.5, r.PixelScale, 1e-6)
	assert.InDelta(t, 12, r.RotationAngle, 1e-6)

	calls := readLog(t, script)
	require.Len(t, calls, 1)
	assert.True(t, strings.HasPrefix(calls[0], "-f "+image+" -o "), calls[0])
	assert.True(t, strings.HasSuffix(calls[0], "-wcs -r 20.0 -t 0.005 -z 0 -d "+a.Config().IndexPath), calls[0])

	h, err := fits.ReadHeader(image)
	require.NoError(t, err)
	ra, _ := h.Float("RA")
	assert.InDelta(t, 10.684708, ra, 1e-9)
}

func TestAstapZeroExitWithoutWCS(t *testing.T) {
	a, _, image := astapFixture(t, "exit 0")
	// leftover from an earlier run must not count as a solution
	require.NoError(t, os.MkdirAll(a.opts.TempDir, 0o755))
	stale := writeWCS(t, a.opts.TempDir, 1, 2, 1, 0)
	require.NoError(t, os.Rename(stale, filepath.Join(a.opts.TempDir, "temp.wcs")))

	r := a.Solve(context.Background(), image, true)
	assert.False(t, r.Success)
	assert.Equal(t, "Solve failed, no WCS file", r.Message)

	h, err := fits.ReadHeader(image)
	require.NoError(t, err)
	ra, _ := h.Float("RA")
	assert.Equal(t, 10.5, ra)
}

func TestAstapReturnCodes(t *testing.T) {
	cases := map[string]string{
		"exit 1":  "No solution",
		"exit 2":  "Not enough stars detected",
		"exit 32": "No Star database found",
		"exit 7":  "Unknown code",
	}
	for body, want := range cases {
		a, _, image := astapFixture(t, body)
		r := a.Solve(context.Background(), image, false)
		assert.False(t, r.Success)
		assert.Equal(t, want, r.Message, body)
	}
}

func TestAstapLaunchFailure(t *testing.T) {
	a, _, image := astapFixture(t, "exit 0")
	c := a.Config()
	c.AppPath = filepath.Join(t.TempDir(), "nowhere")
	a.SetConfig(c)

	r := a.Solve(context.Background(), image, false)
	assert.False(t, r.Success)
	assert.True(t, strings.HasPrefix(r.Message, "Exception "), r.Message)
	assert.True(t, strings.HasSuffix(r.Message, " during process run"), r.Message)
}

func TestAstapTimeout(t *testing.T) {
	a, _, image := astapFixture(t, "exec sleep 30")
	c := a.Config()
	c.Timeout = 1
	a.SetConfig(c)

	start := time.Now()
	r := a.Solve(context.Background(), image, false)
	assert.False(t, r.Success)
	assert.Equal(t, "Timeout expired", r.Message)
	assert.Less(t, time.Since(start), 10*time.Second)
	assert.False(t, a.opts.Runner.Running())
}

func TestAstapAbort(t *testing.T) {
	a, _, image := astapFixture(t, "exec sleep 30")
	assert.False(t, a.Abort())

	done := make(chan Result, 1)
	go func() { done <- a.Solve(context.Background(), image, false) }()
	require.Eventually(t, a.opts.Runner.Running, 5*time.Second, 10*time.Millisecond)

	assert.True(t, a.Abort())
	select {
	case r := <-done:
		assert.False(t, r.Success)
		assert.Equal(t, "Solving aborted", r.Message)
	case <-time.After(10 * time.Second):
		t.Fatal("abort did not terminate the solver")
	}
}

func TestAbortBeforeLaunchSkipsTool(t *testing.T) {
	a, script, _ := astapFixture(t, "exit 0")
	ctx, end := a.begin(context.Background())
	defer end()

	// no process is held here, as between two stages of one solve
	assert.True(t, a.Abort())
	ok, msg := a.run(ctx, runner.Command{Path: script, Timeout: time.Second})
	assert.False(t, ok)
	assert.Equal(t, msgAborted, msg)
	assert.Empty(t, readLog(t, script))

	end()
	assert.False(t, a.Abort())
}

func TestResultJSONKeepsZeroSolution(t *testing.T) {
	data, err := json.Marshal(Result{Success: true, Message: "Solved", RAJ2000: 83.82, PixelScale: 1.2})
	require.NoError(t, err)

	var fields map[string]any
	require.NoError(t, json.Unmarshal(data, &fields))
	for _, key := range []string{"decJ2000", "rotationAngle", "mirrored", "errorRA", "errorDec", "errorRMS"} {
		assert.Contains(t, fields, key)
	}
	assert.Equal(t, 0.0, fields["decJ2000"])
	assert.NotContains(t, fields, "framework")
}

func TestAstapWorkspaceLocked(t *testing.T) {
	a, script, image := astapFixture(t, "exit 0")
	require.NoError(t, os.MkdirAll(a.opts.TempDir, 0o755))
	lock := flock.New(filepath.Join(a.opts.TempDir, ".solve.lock"))
	locked, err := lock.TryLock()
	require.NoError(t, err)
	require.True(t, locked)
	defer lock.Unlock()

	r := a.Solve(context.Background(), image, false)
	assert.False(t, r.Success)
	assert.Equal(t, msgBusy, r.Message)
	assert.Empty(t, readLog(t, script))
}

func TestAstapAvailability(t *testing.T) {
	skipWindows(t)
	a := NewAstap(testOptions(t))
	a.goos = "linux"
	dir := t.TempDir()

	assert.False(t, a.CheckAvailabilityProgram(dir))
	writeScript(t, dir, "astap", "exit 0")
	assert.True(t, a.CheckAvailabilityProgram(dir))

	assert.False(t, a.CheckAvailabilityIndex(dir))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "d50_0101.1476"), nil, 0o644))
	assert.True(t, a.CheckAvailabilityIndex(dir))
}

func TestDefaultConfigsPerPlatform(t *testing.T) {
	a := NewAstap(testOptions(t))
	for goos, want := range map[string]string{
		"darwin":  "/Applications/ASTAP.app/Contents/MacOS",
		"linux":   "/opt/astap",
		"windows": `C:\Program Files\astap`,
	} {
		a.goos = goos
		c := a.DefaultConfig()
		assert.Equal(t, want, c.AppPath, goos)
		assert.Equal(t, 10.0, c.SearchRadius)
		assert.Equal(t, 30, c.Timeout)
	}

	opts := testOptions(t)
	w := NewWatney(opts)
	assert.Equal(t, filepath.Join(opts.WorkDir, "watney"), w.Config().AppPath)
	assert.Equal(t, filepath.Join(opts.WorkDir, "watney_index"), w.Config().IndexPath)

	m := NewAstrometry(opts)
	m.goos = "windows"
	assert.False(t, m.CheckAvailabilityProgram(`C:\anything`))
}

func TestReturnCodeTablesAreCopies(t *testing.T) {
	a := NewAstap(testOptions(t))
	codes := a.ReturnCodes()
	codes[1] = "changed"
	assert.Equal(t, "No solution", a.ReturnCodes()[1])
	assert.Equal(t, "Solving aborted", a.ReturnCodes()[-1])
}
