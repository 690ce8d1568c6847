package storage

import (
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := New(filepath.Join(t.TempDir(), "platesolve.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestJobLifecycle(t *testing.T) {
	s := openStore(t)

	if err := s.RecordJobQueued(JobRecord{ID: "job-1", ImagePath: "/img/m31.fits", UpdateHeader: true}); err != nil {
		t.Fatalf("queue: %v", err)
	}
	job, err := s.Job("job-1")
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.Status != StatusQueued || !job.UpdateHeader || job.StartedAt != nil {
		t.Fatalf("unexpected queued job %+v", job)
	}

	if err := s.RecordJobStart("job-1", "astap"); err != nil {
		t.Fatalf("start: %v", err)
	}
	result := map[string]any{"success": true, "raJ2000": 10.684708}
	if err := s.RecordJobResult("job-1", ResultRecord{Success: true, RAJ2000: 10.684708, DecJ2000: 41.26875}, result, ""); err != nil {
		t.Fatalf("result: %v", err)
	}

	job, err = s.Job("job-1")
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if job.Status != StatusSolved || job.Framework != "astap" || job.StartedAt == nil || job.CompletedAt == nil {
		t.Fatalf("unexpected finished job %+v", job)
	}

	meta, err := s.JobMeta("job-1")
	if err != nil {
		t.Fatalf("meta: %v", err)
	}
	if meta["raJ2000"].(float64) != 10.684708 {
		t.Fatalf("unexpected meta %v", meta)
	}

	n, err := s.SolvedCount("/img/m31.fits")
	if err != nil || n != 1 {
		t.Fatalf("expected one solved result, got %d (%v)", n, err)
	}
}

func TestFailedJobKeepsMessage(t *testing.T) {
	s := openStore(t)
	_ = s.RecordJobQueued(JobRecord{ID: "job-2", ImagePath: "/img/m42.fits"})
	_ = s.RecordJobStart("job-2", "watney")
	if err := s.RecordJobResult("job-2", ResultRecord{}, map[string]any{"success": false}, "Timeout expired"); err != nil {
		t.Fatalf("result: %v", err)
	}

	jobs, err := s.RecentJobs(10)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(jobs) != 1 || jobs[0].Status != StatusFailed || jobs[0].Error != "Timeout expired" {
		t.Fatalf("unexpected jobs %+v", jobs)
	}
}

func TestRecentJobsNewestFirst(t *testing.T) {
	s := openStore(t)
	for _, id := range []string{"a", "b", "c"} {
		if err := s.RecordJobQueued(JobRecord{ID: id, ImagePath: id + ".fits"}); err != nil {
			t.Fatal(err)
		}
	}
	jobs, err := s.RecentJobs(2)
	if err != nil {
		t.Fatal(err)
	}
	if len(jobs) != 2 || jobs[0].ID != "c" || jobs[1].ID != "b" {
		t.Fatalf("unexpected order %+v", jobs)
	}
}

func TestUnknownJob(t *testing.T) {
	s := openStore(t)
	if _, err := s.Job("missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
	if _, err := s.JobResult("missing"); !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows, got %v", err)
	}
}

func TestNilStore(t *testing.T) {
	var s *Store
	if err := s.RecordJobQueued(JobRecord{ID: "x"}); err != nil {
		t.Fatalf("nil store should ignore writes: %v", err)
	}
	if err := s.RecordJobStart("x", "astap"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.RecentJobs(1); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}
