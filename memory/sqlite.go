package memory

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const defaultSearchLimit = 10

// SQLiteStore is the sqlite-backed Store implementation.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (or creates) the memory database at dbPath.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
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

	s := &SQLiteStore{db: db}
	if err := s.initSchema(); err != nil {
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return s, nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS memories (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		context TEXT NOT NULL,
		kind TEXT NOT NULL,
		content TEXT NOT NULL,
		patterns TEXT,
		attempts INTEGER DEFAULT 0,
		created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_memories_context ON memories(context);
	CREATE INDEX IF NOT EXISTS idx_memories_kind ON memories(kind);
	CREATE INDEX IF NOT EXISTS idx_memories_created ON memories(created_at);
	`

	if _, err := s.db.Exec(schema); err != nil {
		return err
	}

	ftsSchema := `
	CREATE VIRTUAL TABLE IF NOT EXISTS memories_fts USING fts5(
		content,
		kind,
		content=memories,
		content_rowid=id
	);

	CREATE TRIGGER IF NOT EXISTS memories_ai AFTER INSERT ON memories BEGIN
		INSERT INTO memories_fts(rowid, content, kind)
		VALUES (new.id, new.content, new.kind);
	END;

	CREATE TRIGGER IF NOT EXISTS memories_ad AFTER DELETE ON memories BEGIN
		DELETE FROM memories_fts WHERE rowid = old.id;
	END;

	CREATE TRIGGER IF NOT EXISTS memories_au AFTER UPDATE ON memories BEGIN
		DELETE FROM memories_fts WHERE rowid = old.id;
		INSERT INTO memories_fts(rowid, content, kind)
		VALUES (new.id, new.content, new.kind);
	END;
	`

	// FTS5 is optional - if it fails, we'll use LIKE queries
	_, _ = s.db.Exec(ftsSchema)

	return nil
}

func (s *SQLiteStore) hasFTS() bool {
	var count int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name='memories_fts'`).Scan(&count)
	return err == nil && count > 0
}

// Search returns entries within one context partition matching the query.
func (s *SQLiteStore) Search(ctx context.Context, jobContext, query string, limit int) ([]Entry, error) {
	if jobContext == "" {
		return nil, fmt.Errorf("context is required")
	}
	if limit <= 0 {
		limit = defaultSearchLimit
	}

	var q string
	var args []interface{}

	if s.hasFTS() {
		q = `
			SELECT m.id, m.context, m.kind, m.content, m.patterns, m.attempts, m.created_at
			FROM memories m
			JOIN memories_fts fts ON m.id = fts.rowid
			WHERE memories_fts MATCH ? AND m.context = ?
			ORDER BY m.created_at DESC LIMIT ?
		`
		args = []interface{}{query, jobContext, limit}
	} else {
		q = `
			SELECT id, context, kind, content, patterns, attempts, created_at
			FROM memories
			WHERE content LIKE ? AND context = ?
			ORDER BY created_at DESC LIMIT ?
		`
		args = []interface{}{"%" + query + "%", jobContext, limit}
	}

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to search memories: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		entry, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

// RecordSuccess stores a completed job's summary and the patterns that worked.
func (s *SQLiteStore) RecordSuccess(ctx context.Context, jobContext, summary string, patterns []string) error {
	if jobContext == "" {
		return fmt.Errorf("context is required")
	}

	patternsJSON, err := json.Marshal(patterns)
	if err != nil {
		return fmt.Errorf("failed to marshal patterns: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO memories (context, kind, content, patterns, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, jobContext, KindSuccess, summary, string(patternsJSON), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// RecordFailure stores a failed job's error signature and attempt count.
func (s *SQLiteStore) RecordFailure(ctx context.Context, jobContext, signature string, attempts int) error {
	if jobContext == "" {
		return fmt.Errorf("context is required")
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO memories (context, kind, content, attempts, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, jobContext, KindFailure, signature, attempts, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to insert memory: %w", err)
	}
	return nil
}

// PatternCounts aggregates how often each pattern appears in a context's
// recorded successes.
func (s *SQLiteStore) PatternCounts(ctx context.Context, jobContext string) (map[string]int, error) {
	if jobContext == "" {
		return nil, fmt.Errorf("context is required")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT patterns FROM memories WHERE context = ? AND kind = ? AND patterns IS NOT NULL
	`, jobContext, KindSuccess)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var patternsJSON string
		if err := rows.Scan(&patternsJSON); err != nil {
			return nil, fmt.Errorf("failed to scan patterns: %w", err)
		}
		var patterns []string
		if err := json.Unmarshal([]byte(patternsJSON), &patterns); err != nil {
			continue
		}
		for _, p := range patterns {
			counts[p]++
		}
	}
	return counts, rows.Err()
}

func scanEntry(rows *sql.Rows) (Entry, error) {
	var e Entry
	var patternsJSON sql.NullString
	if err := rows.Scan(&e.ID, &e.Context, &e.Kind, &e.Content, &patternsJSON, &e.Attempts, &e.CreatedAt); err != nil {
		return Entry{}, fmt.Errorf("failed to scan memory: %w", err)
	}
	if patternsJSON.Valid && patternsJSON.String != "" {
		if err := json.Unmarshal([]byte(patternsJSON.String), &e.Patterns); err != nil {
			e.Patterns = nil
		}
	}
	return e, nil
}
