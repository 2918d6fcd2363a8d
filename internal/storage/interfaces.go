// Package storage defines the kernel's pluggable persistence contract and
// two concrete implementations: an in-memory store for tests, and SQL-backed
// stores (SQLite for on-disk, Postgres/CockroachDB for a remote document
// database) behind the same Store interface.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/concord/kernel/pkg/models"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
)

// ContextSnapshot is the current visible message window for a session,
// returned by GetCurrentContext after any compaction has been applied.
type ContextSnapshot struct {
	SessionID string
	Messages  []*models.Message
}

// CompactOptions parameterizes CompactContext.
type CompactOptions struct {
	KeepLastN      int
	SummaryMessage *models.Message
}

// TaskFilter narrows QueryTasks the same way queryRuns narrows TrackedRuns.
type TaskFilter struct {
	RunID         string
	AgentID       string
	ParentRunID   string
	Statuses      []models.RunStatus
	Limit         int
	CreatedBefore *time.Time
}

// Store is the pluggable persistence contract consumed by the session store,
// compactor, and orchestrator kernel. Two implementations are provided:
// MemoryStore (tests, default single-process deployment) and the SQL-backed
// stores in sqlite.go/cockroach.go, swapped via the same factory signature.
type Store interface {
	CreateSession(ctx context.Context, sessionID, agentID string) error
	GetSession(ctx context.Context, sessionID string) (*models.Session, error)

	AddMessageToContext(ctx context.Context, sessionID string, msg *models.Message) error
	GetCurrentContext(ctx context.Context, sessionID string) (*ContextSnapshot, error)
	CompactContext(ctx context.Context, sessionID string, opts CompactOptions) error
	GetFullHistory(ctx context.Context, sessionID string) ([]*models.Message, error)

	SaveTask(ctx context.Context, run *models.RunRecord) error
	QueryTasks(ctx context.Context, filter TaskFilter) ([]*models.RunRecord, error)

	SaveSubTaskRun(ctx context.Context, sub *models.SubTaskRun) error
	GetSubTaskRun(ctx context.Context, runID string) (*models.SubTaskRun, error)

	GetCompactionRecords(ctx context.Context, sessionID string) ([]models.CompactionRecord, error)
	AppendCompactionRecord(ctx context.Context, sessionID string, rec models.CompactionRecord) error

	Close() error
}
