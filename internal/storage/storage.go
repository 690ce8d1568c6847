package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Job statuses.
const (
	StatusQueued  = "queued"
	StatusRunning = "running"
	StatusSolved  = "solved"
	StatusFailed  = "failed"
)

// ErrNotInitialized is returned by queries on a nil store.
var ErrNotInitialized = errors.New("store not initialized")

// Store wraps SQLite-backed persistence for solve jobs and their results.
type Store struct {
	DB *sql.DB // Export for direct database access
}

// New opens (or creates) the database at path and ensures schema.
func New(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	// a single connection keeps :memory: databases consistent and
	// serializes writers
	db.SetMaxOpenConns(1)
	s := &Store{DB: db}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureSchema() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS solve_jobs (
            id TEXT PRIMARY KEY,
            framework TEXT,
            status TEXT NOT NULL,
            image_path TEXT NOT NULL,
            update_header BOOLEAN DEFAULT FALSE,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            started_at TIMESTAMP,
            completed_at TIMESTAMP,
            error_message TEXT
        );`,
		`CREATE TABLE IF NOT EXISTS solve_results (
            job_id TEXT,
            success BOOLEAN NOT NULL,
            ra_j2000 REAL,
            dec_j2000 REAL,
            pixel_scale REAL,
            result_json TEXT,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        );`,
		`CREATE INDEX IF NOT EXISTS idx_solve_results_job_id ON solve_results(job_id);`,
		`CREATE INDEX IF NOT EXISTS idx_solve_jobs_image_path ON solve_jobs(image_path);`,
	}
	for _, stmt := range stmts {
		if _, err := s.DB.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying DB.
func (s *Store) Close() error {
	if s == nil || s.DB == nil {
		return nil
	}
	return s.DB.Close()
}

// JobRecord captures persisted job info.
type JobRecord struct {
	ID           string     `json:"id"`
	Framework    string     `json:"framework,omitempty"`
	Status       string     `json:"status"`
	ImagePath    string     `json:"imagePath"`
	UpdateHeader bool       `json:"updateHeader"`
	Error        string     `json:"error,omitempty"`
	CreatedAt    time.Time  `json:"createdAt"`
	StartedAt    *time.Time `json:"startedAt,omitempty"`
	CompletedAt  *time.Time `json:"completedAt,omitempty"`
}

// ResultRecord is the searchable part of a solve result.
type ResultRecord struct {
	Success    bool
	RAJ2000    float64
	DecJ2000   float64
	PixelScale float64
}

// RecordJobQueued inserts a pending job.
func (s *Store) RecordJobQueued(rec JobRecord) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`INSERT OR REPLACE INTO solve_jobs (id, framework, status, image_path, update_header) VALUES (?, ?, ?, ?, ?);`,
		rec.ID, rec.Framework, StatusQueued, rec.ImagePath, rec.UpdateHeader)
	return err
}

// RecordJobStart marks a job as running on framework.
func (s *Store) RecordJobStart(id, framework string) error {
	if s == nil {
		return nil
	}
	_, err := s.DB.Exec(`UPDATE solve_jobs SET status=?, framework=?, started_at=CURRENT_TIMESTAMP WHERE id=?;`, StatusRunning, framework, id)
	return err
}

// RecordJobResult finalizes a job and stores the full result as JSON.
func (s *Store) RecordJobResult(id string, rec ResultRecord, result any, errMsg string) error {
	if s == nil {
		return nil
	}
	status := StatusSolved
	if !rec.Success {
		status = StatusFailed
	}
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`UPDATE solve_jobs SET status=?, completed_at=CURRENT_TIMESTAMP, error_message=? WHERE id=?;`, status, errMsg, id); err != nil {
		return err
	}
	if _, err := tx.Exec(`INSERT INTO solve_results (job_id, success, ra_j2000, dec_j2000, pixel_scale, result_json) VALUES (?, ?, ?, ?, ?, ?);`,
		id, rec.Success, rec.RAJ2000, rec.DecJ2000, rec.PixelScale, string(resultJSON)); err != nil {
		return err
	}
	return tx.Commit()
}

const jobColumns = `id, framework, status, image_path, update_header, created_at, started_at, completed_at, error_message`

func scanJob(row interface{ Scan(...any) error }) (JobRecord, error) {
	var rec JobRecord
	var framework, errorMsg sql.NullString
	var started, completed sql.NullTime
	if err := row.Scan(&rec.ID, &framework, &rec.Status, &rec.ImagePath, &rec.UpdateHeader, &rec.CreatedAt, &started, &completed, &errorMsg); err != nil {
		return rec, err
	}
	rec.Framework = framework.String
	rec.Error = errorMsg.String
	if started.Valid {
		rec.StartedAt = &started.Time
	}
	if completed.Valid {
		rec.CompletedAt = &completed.Time
	}
	return rec, nil
}

// RecentJobs returns the latest jobs up to limit.
func (s *Store) RecentJobs(limit int) ([]JobRecord, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	rows, err := s.DB.Query(`SELECT `+jobColumns+` FROM solve_jobs ORDER BY created_at DESC, rowid DESC LIMIT ?;`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var recs []JobRecord
	for rows.Next() {
		rec, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		recs = append(recs, rec)
	}
	return recs, rows.Err()
}

// Job fetches a single job by id. It returns sql.ErrNoRows when unknown.
func (s *Store) Job(id string) (JobRecord, error) {
	if s == nil {
		return JobRecord{}, ErrNotInitialized
	}
	return scanJob(s.DB.QueryRow(`SELECT `+jobColumns+` FROM solve_jobs WHERE id=?;`, id))
}

// JobResult fetches the last stored result blob for a job.
func (s *Store) JobResult(id string) (json.RawMessage, error) {
	if s == nil {
		return nil, ErrNotInitialized
	}
	var resultJSON string
	err := s.DB.QueryRow(`SELECT result_json FROM solve_results WHERE job_id=? ORDER BY created_at DESC, rowid DESC LIMIT 1;`, id).Scan(&resultJSON)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(resultJSON), nil
}

// JobMeta decodes the last result of a job into a generic map.
func (s *Store) JobMeta(id string) (map[string]any, error) {
	raw, err := s.JobResult(id)
	if err != nil {
		return nil, err
	}
	var meta map[string]any
	if err := json.Unmarshal(raw, &meta); err != nil {
		return nil, fmt.Errorf("unmarshal meta: %w", err)
	}
	return meta, nil
}

// SolvedCount returns how many results for imagePath succeeded.
func (s *Store) SolvedCount(imagePath string) (int, error) {
	if s == nil {
		return 0, ErrNotInitialized
	}
	var n int
	err := s.DB.QueryRow(`SELECT COUNT(*) FROM solve_results r JOIN solve_jobs j ON j.id = r.job_id WHERE j.image_path=? AND r.success;`, imagePath).Scan(&n)
	return n, err
}
