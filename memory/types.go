package memory

import (
	"context"
	"time"
)

// Entry kinds
const (
	KindSuccess = "success"
	KindFailure = "failure"
)

// Entry is one recorded memory, scoped to a workspace context.
type Entry struct {
	ID        int64     `json:"id"`
	Context   string    `json:"context"`
	Kind      string    `json:"kind"`
	Content   string    `json:"content"`
	Patterns  []string  `json:"patterns,omitempty"`
	Attempts  int       `json:"attempts,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Store persists cross-job learnings, partitioned by workspace context.
// Every lookup and write is scoped to a single context; implementations
// must never return or touch another partition's rows.
type Store interface {
	Search(ctx context.Context, jobContext, query string, limit int) ([]Entry, error)
	RecordSuccess(ctx context.Context, jobContext, summary string, patterns []string) error
	RecordFailure(ctx context.Context, jobContext, signature string, attempts int) error
	PatternCounts(ctx context.Context, jobContext string) (map[string]int, error)
	Close() error
}
