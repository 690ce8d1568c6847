package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"platesolve/internal/config"
	"platesolve/internal/solver"
)

// stubBackend records every Solve call and can hold a solve open until the
// test releases or aborts it.
type stubBackend struct {
	name           string
	cfg            config.Backend
	program, index bool
	hold           bool
	panicMsg       string
	checkDelay     time.Duration

	release chan struct{}
	aborts  chan struct{}

	mu          sync.Mutex
	calls       []string
	inflight    int
	maxInflight int
}

func newStub(name string) *stubBackend {
	return &stubBackend{
		name:    name,
		cfg:     config.Backend{DeviceName: "Stub " + name, Timeout: 30, SearchRadius: 20},
		program: true,
		index:   true,
		release: make(chan struct{}),
		aborts:  make(chan struct{}, 1),
	}
}

func (b *stubBackend) Name() string { return b.name }

func (b *stubBackend) Solve(ctx context.Context, imagePath string, updateHeader bool) solver.Result {
	b.mu.Lock()
	b.calls = append(b.calls, imagePath)
	b.inflight++
	if b.inflight > b.maxInflight {
		b.maxInflight = b.inflight
	}
	b.mu.Unlock()
	defer func() {
		b.mu.Lock()
		b.inflight--
		b.mu.Unlock()
	}()

	if b.panicMsg != "" {
		panic(b.panicMsg)
	}
	if b.hold {
		select {
		case <-b.release:
		case <-b.aborts:
			return solver.Failed(imagePath, "Solving aborted")
		}
	}
	return solver.Result{Success: true, Message: "Solved", ImagePath: imagePath, RAJ2000: 10.68, DecJ2000: 41.27}
}

func (b *stubBackend) Abort() bool {
	b.mu.Lock()
	running := b.inflight > 0
	b.mu.Unlock()
	if !running {
		return false
	}
	select {
	case b.aborts <- struct{}{}:
	default:
	}
	return true
}

func (b *stubBackend) CheckAvailabilityProgram(string) bool {
	time.Sleep(b.checkDelay)
	return b.program
}

func (b *stubBackend) CheckAvailabilityIndex(string) bool { return b.index }
func (b *stubBackend) DefaultConfig() config.Backend      { return b.cfg }
func (b *stubBackend) Config() config.Backend             { return b.cfg }
func (b *stubBackend) SetConfig(c config.Backend)         { b.cfg = c }
func (b *stubBackend) ReturnCodes() map[int]string        { return map[int]string{0: "No errors"} }

func (b *stubBackend) running() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inflight > 0
}

func (b *stubBackend) solved() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.calls...)
}

type stubBackends map[string]solver.Backend

func (s stubBackends) Get(name string) (solver.Backend, bool) {
	b, ok := s[name]
	return b, ok
}

func (s stubBackends) Names() []string {
	names := make([]string, 0, len(s))
	for n := range s {
		names = append(names, n)
	}
	return names
}

// touch creates empty files so the dispatch existence check passes.
func touch(t *testing.T, names ...string) []string {
	t.Helper()
	dir := t.TempDir()
	paths := make([]string, len(names))
	for i, n := range names {
		paths[i] = filepath.Join(dir, n)
		require.NoError(t, os.WriteFile(paths[i], nil, 0o644))
	}
	return paths
}

// nextEvent waits for the next event of kind, skipping others.
func nextEvent(t *testing.T, ch <-chan Event, kind EventKind) Event {
	t.Helper()
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			require.True(t, ok, "event channel closed waiting for %s", kind)
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}
