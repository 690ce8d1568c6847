package pipeline

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"platesolve/internal/logging"
	"platesolve/internal/storage"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestPipeline(t *testing.T, stubs ...*stubBackend) *Pipeline {
	t.Helper()
	backends := stubBackends{}
	for _, s := range stubs {
		backends[s.name] = s
	}
	p := New(logging.Discard(), nil, backends, stubs[0].name)
	t.Cleanup(p.Close)
	return p
}

func TestStartCommunicationRequiresProgramAndIndex(t *testing.T) {
	stub := newStub("astap")
	stub.index = false
	p := newTestPipeline(t, stub)
	events, unsub := p.Subscribe()
	defer unsub()

	err := p.StartCommunication()
	require.ErrorIs(t, err, ErrNotAvailable)
	assert.Equal(t, Idle, p.State())

	ev := nextEvent(t, events, EventConnectionFailed)
	assert.Equal(t, "Stub astap", ev.Name)
	assert.Equal(t, "index not found", ev.Message)
}

func TestStartCommunicationUnknownFramework(t *testing.T) {
	p := New(logging.Discard(), nil, stubBackends{}, "missing")
	defer p.Close()
	assert.ErrorIs(t, p.StartCommunication(), ErrUnknownFramework)
	assert.ErrorIs(t, p.SetFramework("missing"), ErrUnknownFramework)
}

func TestConnectEmitsEvents(t *testing.T) {
	p := newTestPipeline(t, newStub("astap"))
	events, unsub := p.Subscribe()
	defer unsub()

	require.NoError(t, p.StartCommunication())
	assert.Equal(t, LoopRunning, p.State())
	assert.Equal(t, "Stub astap", nextEvent(t, events, EventDeviceConnected).Name)
	nextEvent(t, events, EventServerConnected)

	// a second start while running is a no-op
	require.NoError(t, p.StartCommunication())

	p.StopCommunication()
	assert.Equal(t, Stopped, p.State())
	assert.Equal(t, "Stub astap", nextEvent(t, events, EventServerDisconnected).Name)
	assert.Equal(t, "Stub astap", nextEvent(t, events, EventDeviceDisconnected).Name)

	_, err := p.Enqueue(Request{ImagePath: "m31.fits"})
	assert.ErrorIs(t, err, ErrStopped)
}

func TestQueueIsFIFOWithOneJobInFlight(t *testing.T) {
	stub := newStub("astap")
	stub.hold = true
	p := newTestPipeline(t, stub)
	images := touch(t, "a.fits", "b.fits", "c.fits", "d.fits")

	ids := make([]string, len(images))
	for i, img := range images {
		id, err := p.Enqueue(Request{ImagePath: img})
		require.NoError(t, err)
		ids[i] = id
	}
	assert.Equal(t, len(images), p.QueueLen())

	events, unsub := p.Subscribe()
	defer unsub()
	require.NoError(t, p.StartCommunication())

	for i, img := range images {
		require.Eventually(t, stub.running, 5*time.Second, 5*time.Millisecond)
		assert.Equal(t, Solving, p.State())
		assert.Equal(t, len(images)-i-1, p.QueueLen())

		stub.release <- struct{}{}
		ev := nextEvent(t, events, EventResult)
		require.NotNil(t, ev.Result)
		assert.Equal(t, ids[i], ev.JobID)
		assert.Equal(t, img, ev.Result.ImagePath)
		assert.Equal(t, "astap", ev.Result.Framework)
		assert.True(t, ev.Result.Success)
	}

	assert.Equal(t, images, stub.solved())
	assert.Equal(t, 1, stub.maxInflight)
	require.Eventually(t, func() bool { return p.State() == LoopRunning }, time.Second, 5*time.Millisecond)
}

func TestConcurrentStartRunsOneLoop(t *testing.T) {
	stub := newStub("astap")
	stub.hold = true
	stub.checkDelay = 50 * time.Millisecond
	p := newTestPipeline(t, stub)
	images := touch(t, "a.fits", "b.fits")
	for _, img := range images {
		_, err := p.Enqueue(Request{ImagePath: img})
		require.NoError(t, err)
	}
	events, unsub := p.Subscribe()
	defer unsub()

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = p.StartCommunication()
		}()
	}
	wg.Wait()
	require.NoError(t, errs[0])
	require.NoError(t, errs[1])

	connected := 0
	quiet := time.After(200 * time.Millisecond)
collect:
	for {
		select {
		case ev := <-events:
			if ev.Kind == EventServerConnected {
				connected++
			}
		case <-quiet:
			break collect
		}
	}
	assert.Equal(t, 1, connected)

	for range images {
		require.Eventually(t, stub.running, 5*time.Second, 5*time.Millisecond)
		stub.release <- struct{}{}
		nextEvent(t, events, EventResult)
	}
	assert.Equal(t, images, stub.solved())
	assert.Equal(t, 1, stub.maxInflight)
}

func TestSlowSubscriberReceivesEveryResult(t *testing.T) {
	stub := newStub("astap")
	p := newTestPipeline(t, stub)
	names := make([]string, 150)
	for i := range names {
		names[i] = fmt.Sprintf("frame%03d.fits", i)
	}
	images := touch(t, names...)

	events, unsub := p.Subscribe()
	defer unsub()
	require.NoError(t, p.StartCommunication())

	ids := make([]string, len(images))
	for i, img := range images {
		id, err := p.Enqueue(Request{ImagePath: img})
		require.NoError(t, err)
		ids[i] = id
	}
	// nothing is read until every job has been solved
	require.Eventually(t, func() bool {
		_, busy := p.Current()
		return len(stub.solved()) == len(images) && !busy
	}, 10*time.Second, 10*time.Millisecond)

	var got []string
	for len(got) < len(ids) {
		ev := nextEvent(t, events, EventResult)
		got = append(got, ev.JobID)
	}
	assert.Equal(t, ids, got)
}

func TestStatusMessagesBracketEachSolve(t *testing.T) {
	p := newTestPipeline(t, newStub("astap"))
	img := touch(t, "m31.fits")[0]
	events, unsub := p.Subscribe()
	defer unsub()
	require.NoError(t, p.StartCommunication())

	id, err := p.Enqueue(Request{ImagePath: img})
	require.NoError(t, err)

	var seen []string
	for len(seen) < 3 {
		select {
		case ev := <-events:
			switch ev.Kind {
			case EventMessage:
				seen = append(seen, "message:"+ev.Message)
			case EventResult:
				assert.Equal(t, id, ev.JobID)
				seen = append(seen, "result")
			}
		case <-time.After(5 * time.Second):
			t.Fatalf("timed out, saw %v", seen)
		}
	}
	assert.Equal(t, []string{"message:solving", "message:", "result"}, seen)
}

func TestAbortFailsRunningJobOnly(t *testing.T) {
	stub := newStub("astap")
	stub.hold = true
	p := newTestPipeline(t, stub)
	images := touch(t, "first.fits", "second.fits")

	assert.False(t, p.Abort(), "nothing running yet")

	events, unsub := p.Subscribe()
	defer unsub()
	require.NoError(t, p.StartCommunication())
	for _, img := range images {
		_, err := p.Enqueue(Request{ImagePath: img})
		require.NoError(t, err)
	}

	require.Eventually(t, stub.running, 5*time.Second, 5*time.Millisecond)
	assert.True(t, p.Abort())

	ev := nextEvent(t, events, EventResult)
	assert.False(t, ev.Result.Success)
	assert.Equal(t, "Solving aborted", ev.Result.Message)

	// the queued job still runs
	require.Eventually(t, stub.running, 5*time.Second, 5*time.Millisecond)
	stub.release <- struct{}{}
	ev = nextEvent(t, events, EventResult)
	assert.True(t, ev.Result.Success)
	assert.Equal(t, images[1], ev.Result.ImagePath)
}

func TestMissingImageFailsWithoutCallingBackend(t *testing.T) {
	stub := newStub("astap")
	p := newTestPipeline(t, stub)
	require.NoError(t, p.StartCommunication())

	missing := filepath.Join(t.TempDir(), "nope.fits")
	res, err := p.Submit(t.Context(), Request{ImagePath: missing})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Equal(t, missing+" not found", res.Message)
	assert.Empty(t, stub.solved())
}

func TestBackendPanicBecomesFailedResult(t *testing.T) {
	stub := newStub("astap")
	stub.panicMsg = "index corrupt"
	p := newTestPipeline(t, stub)
	require.NoError(t, p.StartCommunication())
	img := touch(t, "m31.fits")[0]

	res, err := p.Submit(t.Context(), Request{ImagePath: img})
	require.NoError(t, err)
	assert.False(t, res.Success)
	assert.Contains(t, res.Message, "index corrupt")

	// the loop survives
	stub.panicMsg = ""
	res, err = p.Submit(t.Context(), Request{ImagePath: img})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestSetFrameworkAppliesToNextJob(t *testing.T) {
	astap, watney := newStub("astap"), newStub("watney")
	p := newTestPipeline(t, astap, watney)
	require.NoError(t, p.StartCommunication())
	img := touch(t, "m31.fits")[0]

	res, err := p.Submit(t.Context(), Request{ImagePath: img})
	require.NoError(t, err)
	assert.Equal(t, "astap", res.Framework)

	require.NoError(t, p.SetFramework("watney"))
	res, err = p.Submit(t.Context(), Request{ImagePath: img})
	require.NoError(t, err)
	assert.Equal(t, "watney", res.Framework)
	assert.Len(t, astap.solved(), 1)
	assert.Len(t, watney.solved(), 1)
}

func TestSubmitHonoursContext(t *testing.T) {
	p := newTestPipeline(t, newStub("astap"))
	img := touch(t, "m31.fits")[0]

	// loop not started: the job stays queued
	ctx, cancel := context.WithTimeout(t.Context(), 50*time.Millisecond)
	defer cancel()
	_, err := p.Submit(ctx, Request{ImagePath: img})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, 1, p.QueueLen())
}

func TestCloseReleasesWaiters(t *testing.T) {
	p := New(logging.Discard(), nil, stubBackends{"astap": newStub("astap")}, "astap")
	img := touch(t, "m31.fits")[0]

	errCh := make(chan error, 1)
	go func() {
		_, err := p.Submit(context.Background(), Request{ImagePath: img})
		errCh <- err
	}()
	require.Eventually(t, func() bool { return p.QueueLen() == 1 }, time.Second, 5*time.Millisecond)

	p.Close()
	assert.ErrorIs(t, <-errCh, ErrStopped)
	assert.ErrorIs(t, p.StartCommunication(), ErrStopped)
}

func TestRestartAfterStop(t *testing.T) {
	p := newTestPipeline(t, newStub("astap"))
	require.NoError(t, p.StartCommunication())
	p.StopCommunication()
	require.NoError(t, p.StartCommunication())
	assert.Equal(t, LoopRunning, p.State())

	res, err := p.Submit(t.Context(), Request{ImagePath: touch(t, "m31.fits")[0]})
	require.NoError(t, err)
	assert.True(t, res.Success)
}

func TestJobsArePersisted(t *testing.T) {
	store, err := storage.New(filepath.Join(t.TempDir(), "jobs.db"))
	require.NoError(t, err)
	defer store.Close()

	p := New(logging.Discard(), store, stubBackends{"astap": newStub("astap")}, "astap")
	defer p.Close()
	require.NoError(t, p.StartCommunication())

	img := touch(t, "m31.fits")[0]
	events, unsub := p.Subscribe()
	defer unsub()
	id, err := p.Enqueue(Request{ImagePath: img, UpdateHeader: true})
	require.NoError(t, err)
	nextEvent(t, events, EventResult)

	job, err := store.Job(id)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusSolved, job.Status)
	assert.Equal(t, "astap", job.Framework)
	assert.True(t, job.UpdateHeader)

	meta, err := store.JobMeta(id)
	require.NoError(t, err)
	assert.InDelta(t, 10.68, meta["raJ2000"], 1e-9)
}

func TestStateStrings(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "solving", Solving.String())
	assert.Equal(t, "State(9)", State(9).String())
}
