package job

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Store persists jobs to SQLite. One row per job; the full record,
// attempts included, is serialized as JSON and rewritten at every state
// transition.
type Store struct {
	db *sql.DB
}

// NewStore opens (or creates) the job database
func NewStore(dbPath string) (*Store, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	store := &Store{db: db}
	if err := store.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS jobs (
		id TEXT PRIMARY KEY,
		state TEXT NOT NULL,
		context TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP,
		record TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_jobs_state ON jobs(state);
	CREATE INDEX IF NOT EXISTS idx_jobs_context ON jobs(context);
	CREATE INDEX IF NOT EXISTS idx_jobs_completed ON jobs(completed_at);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Save upserts a job record
func (s *Store) Save(j *Job) error {
	record, err := json.Marshal(j)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}

	var completedAt any
	if j.CompletedAt != nil {
		completedAt = *j.CompletedAt
	}

	_, err = s.db.Exec(`
		INSERT INTO jobs (id, state, context, created_at, completed_at, record)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			completed_at = excluded.completed_at,
			record = excluded.record
	`, j.ID, string(j.State), j.Context, j.CreatedAt, completedAt, string(record))
	if err != nil {
		return fmt.Errorf("failed to save job %s: %w", j.ID, err)
	}
	return nil
}

// Load retrieves a job by id
func (s *Store) Load(id string) (*Job, error) {
	var record string
	err := s.db.QueryRow(`SELECT record FROM jobs WHERE id = ?`, id).Scan(&record)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("job not found: %s", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query job: %w", err)
	}

	var j Job
	if err := json.Unmarshal([]byte(record), &j); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", id, err)
	}
	return &j, nil
}

// LoadAll returns all retained jobs, newest first
func (s *Store) LoadAll() ([]*Job, error) {
	rows, err := s.db.Query(`SELECT record FROM jobs ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*Job
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		var j Job
		if err := json.Unmarshal([]byte(record), &j); err != nil {
			return nil, fmt.Errorf("failed to unmarshal job: %w", err)
		}
		jobs = append(jobs, &j)
	}
	return jobs, rows.Err()
}

// MarkInterrupted flips any job left running by a previous process to
// Failed(interrupted). Called once at startup; there is no automatic resume.
func (s *Store) MarkInterrupted() (int, error) {
	rows, err := s.db.Query(`SELECT record FROM jobs WHERE state IN (?, ?)`,
		string(StateRunning), string(StateQueued))
	if err != nil {
		return 0, fmt.Errorf("failed to query running jobs: %w", err)
	}

	var stranded []*Job
	for rows.Next() {
		var record string
		if err := rows.Scan(&record); err != nil {
			rows.Close()
			return 0, err
		}
		var j Job
		if err := json.Unmarshal([]byte(record), &j); err != nil {
			rows.Close()
			return 0, err
		}
		stranded = append(stranded, &j)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	for _, j := range stranded {
		j.State = StateFailed
		j.Progress = 100
		j.CompletedAt = &now
		j.Error = &Error{
			Kind:    KindInterrupted,
			Message: "service restarted while the job was in flight",
		}
		if best := bestPartial(j.Attempts); best != nil {
			j.Error.PartialResult = best
		}
		if err := s.Save(j); err != nil {
			return 0, err
		}
	}
	return len(stranded), nil
}

// Sweep deletes terminal jobs completed before the retention horizon
func (s *Store) Sweep(retention time.Duration) (int64, error) {
	horizon := time.Now().UTC().Add(-retention)
	res, err := s.db.Exec(`
		DELETE FROM jobs
		WHERE completed_at IS NOT NULL AND completed_at < ?
	`, horizon)
	if err != nil {
		return 0, fmt.Errorf("failed to sweep jobs: %w", err)
	}
	return res.RowsAffected()
}

// bestPartial picks the best-scoring attempt's candidate as a salvageable
// result. Ties go to the later attempt, which has absorbed more feedback.
func bestPartial(attempts []Attempt) *Result {
	var best *Attempt
	for i := range attempts {
		a := &attempts[i]
		if a.Candidate == nil || len(a.Candidate.Files) == 0 {
			continue
		}
		score := -1
		if a.Validation != nil {
			score = a.Validation.Score
		}
		bestScore := -1
		if best != nil && best.Validation != nil {
			bestScore = best.Validation.Score
		}
		if best == nil || score >= bestScore {
			best = a
		}
	}
	if best == nil {
		return nil
	}
	score := 0
	if best.Validation != nil {
		score = best.Validation.Score
	}
	return &Result{
		Files:        best.Candidate.Files,
		Score:        score,
		AttemptCount: best.Index,
		Summary:      fmt.Sprintf("partial result from attempt %d", best.Index),
	}
}
