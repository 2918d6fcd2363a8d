package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/concord/kernel/pkg/models"
)

// MemoryStore is an in-memory Store implementation, grounded on the
// teacher's clone-on-read/write session-store pattern: every read and write
// takes or returns a deep copy so concurrent callers never observe
// another goroutine's in-progress mutation.
type MemoryStore struct {
	mu sync.RWMutex

	sessions map[string]*models.Session
	messages map[string][]*models.Message
	tasks    map[string]*models.RunRecord
	taskKeys []string
	subtasks map[string]*models.SubTaskRun
	records  map[string][]models.CompactionRecord
}

// NewMemoryStore creates an empty in-memory Store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]*models.Session),
		messages: make(map[string][]*models.Message),
		tasks:    make(map[string]*models.RunRecord),
		subtasks: make(map[string]*models.SubTaskRun),
		records:  make(map[string][]models.CompactionRecord),
	}
}

func (s *MemoryStore) CreateSession(ctx context.Context, sessionID, agentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; ok {
		return ErrAlreadyExists
	}
	now := time.Now()
	s.sessions[sessionID] = &models.Session{
		ID:        sessionID,
		AgentID:   agentID,
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.messages[sessionID] = nil
	return nil
}

func (s *MemoryStore) GetSession(ctx context.Context, sessionID string) (*models.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	session, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *session
	return &clone, nil
}

func (s *MemoryStore) AddMessageToContext(ctx context.Context, sessionID string, msg *models.Message) error {
	if msg == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return ErrNotFound
	}
	clone := cloneMessage(msg)
	s.messages[sessionID] = append(s.messages[sessionID], clone)
	s.sessions[sessionID].UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) GetCurrentContext(ctx context.Context, sessionID string) (*ContextSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if _, ok := s.sessions[sessionID]; !ok {
		return nil, ErrNotFound
	}
	msgs := s.messages[sessionID]
	out := make([]*models.Message, len(msgs))
	for i, m := range msgs {
		out[i] = cloneMessage(m)
	}
	return &ContextSnapshot{SessionID: sessionID, Messages: out}, nil
}

func (s *MemoryStore) CompactContext(ctx context.Context, sessionID string, opts CompactOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	msgs, ok := s.messages[sessionID]
	if !ok {
		return ErrNotFound
	}
	if opts.KeepLastN < 0 || opts.KeepLastN > len(msgs) {
		return nil
	}

	var suffix []*models.Message
	if opts.KeepLastN > 0 {
		suffix = append(suffix, msgs[len(msgs)-opts.KeepLastN:]...)
	}

	rebuilt := make([]*models.Message, 0, len(suffix)+2)
	if len(msgs) > 0 && msgs[0].Role == models.RoleSystem {
		rebuilt = append(rebuilt, msgs[0])
		if len(suffix) > 0 && suffix[0] == msgs[0] {
			suffix = suffix[1:]
		}
	}
	if opts.SummaryMessage != nil {
		rebuilt = append(rebuilt, cloneMessage(opts.SummaryMessage))
	}
	rebuilt = append(rebuilt, suffix...)

	s.messages[sessionID] = rebuilt
	return nil
}

func (s *MemoryStore) GetFullHistory(ctx context.Context, sessionID string) ([]*models.Message, error) {
	return s.GetCurrentContextMessages(ctx, sessionID)
}

// GetCurrentContextMessages is a convenience wrapper shared by GetFullHistory;
// the in-memory store keeps no separate archived-message log, so "full"
// history is whatever AddMessageToContext has appended so far.
func (s *MemoryStore) GetCurrentContextMessages(ctx context.Context, sessionID string) ([]*models.Message, error) {
	snap, err := s.GetCurrentContext(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return snap.Messages, nil
}

func (s *MemoryStore) SaveTask(ctx context.Context, run *models.RunRecord) error {
	if run == nil || run.RunID == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.tasks[run.RunID]; !exists {
		s.taskKeys = append(s.taskKeys, run.RunID)
	}
	clone := *run
	s.tasks[run.RunID] = &clone
	return nil
}

func (s *MemoryStore) QueryTasks(ctx context.Context, filter TaskFilter) ([]*models.RunRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	statusSet := make(map[models.RunStatus]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statusSet[st] = true
	}

	matches := make([]*models.RunRecord, 0)
	for _, id := range s.taskKeys {
		run := s.tasks[id]
		if filter.RunID != "" && run.RunID != filter.RunID {
			continue
		}
		if filter.AgentID != "" && run.AgentID != filter.AgentID {
			continue
		}
		if filter.ParentRunID != "" && run.ParentRunID != filter.ParentRunID {
			continue
		}
		if len(statusSet) > 0 && !statusSet[run.Status] {
			continue
		}
		clone := *run
		matches = append(matches, &clone)
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})

	limit := filter.Limit
	if limit <= 0 || limit > len(matches) {
		limit = len(matches)
	}
	return matches[:limit], nil
}

func (s *MemoryStore) SaveSubTaskRun(ctx context.Context, sub *models.SubTaskRun) error {
	if sub == nil || sub.RunID == "" {
		return ErrNotFound
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *sub
	s.subtasks[sub.RunID] = &clone
	return nil
}

func (s *MemoryStore) GetSubTaskRun(ctx context.Context, runID string) (*models.SubTaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.subtasks[runID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *sub
	return &clone, nil
}

func (s *MemoryStore) GetCompactionRecords(ctx context.Context, sessionID string) ([]models.CompactionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	recs := s.records[sessionID]
	out := make([]models.CompactionRecord, len(recs))
	copy(out, recs)
	return out, nil
}

func (s *MemoryStore) AppendCompactionRecord(ctx context.Context, sessionID string, rec models.CompactionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[sessionID] = append(s.records[sessionID], rec)
	return nil
}

func (s *MemoryStore) Close() error {
	return nil
}

func cloneMessage(m *models.Message) *models.Message {
	if m == nil {
		return nil
	}
	clone := *m
	if m.ToolRefs != nil {
		clone.ToolRefs = append([]models.ToolCallRef(nil), m.ToolRefs...)
	}
	if m.Metadata != nil {
		clone.Metadata = make(map[string]any, len(m.Metadata))
		for k, v := range m.Metadata {
			clone.Metadata[k] = v
		}
	}
	if m.Usage != nil {
		usage := *m.Usage
		clone.Usage = &usage
	}
	return &clone
}
