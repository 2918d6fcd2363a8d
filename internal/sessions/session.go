// Package sessions implements the Session Store & Compaction component
// (SPEC_FULL.md §4.2): the ordered conversational log the agent runtime
// reads to build LLM requests, plus the token-budget compaction policy that
// keeps that log within a provider's context window.
package sessions

import (
	"context"
	"fmt"
	"time"

	"github.com/concord/kernel/internal/compaction"
	"github.com/concord/kernel/internal/storage"
	"github.com/concord/kernel/pkg/models"
)

// Summarizer produces a summary string for an archived prefix of messages,
// bounded by maxOutputTokens. Implemented by the agent runtime's provider
// adapters; kept narrow so this package never depends on a specific LLM SDK.
type Summarizer interface {
	Summarize(ctx context.Context, prompt string, maxOutputTokens int) (string, error)
}

// Config parameterizes token accounting and the compaction trigger.
type Config struct {
	Enabled         bool
	MaxTokens       int
	MaxOutputTokens int
	TriggerRatio    float64
	KeepMessagesNum int
}

// DefaultConfig mirrors the teacher's conservative compaction defaults,
// renamed to the spec's parameter names.
func DefaultConfig() Config {
	return Config{
		Enabled:         true,
		MaxTokens:       100000,
		MaxOutputTokens: 4096,
		TriggerRatio:    0.85,
		KeepMessagesNum: 20,
	}
}

// SessionLog is the ordered conversational log for one session. It reads
// and writes through a storage.Store, so multiple SessionLog handles over
// the same session id observe consistent state; a per-session lock
// (inherited from the teacher's SessionLocker) serializes AddMessage and
// CompactBeforeLLMCall against each other.
type SessionLog struct {
	sessionID  string
	store      storage.Store
	config     Config
	summarizer Summarizer
	locker     *SessionLocker
}

// NewSessionLog creates a SessionLog for sessionID. The session must
// already exist in store (via CreateSession).
func NewSessionLog(sessionID string, store storage.Store, config Config, summarizer Summarizer) *SessionLog {
	return &SessionLog{
		sessionID:  sessionID,
		store:      store,
		config:     config,
		summarizer: summarizer,
		locker:     NewSessionLocker(DefaultLockTimeout),
	}
}

// AddMessage appends unconditionally; it never triggers compaction.
func (s *SessionLog) AddMessage(ctx context.Context, msg *models.Message) error {
	if err := s.locker.LockWithContext(ctx, s.sessionID); err != nil {
		return err
	}
	defer s.locker.Unlock(s.sessionID)
	return s.store.AddMessageToContext(ctx, s.sessionID, msg)
}

// GetMessages returns the visible window, after any compaction.
func (s *SessionLog) GetMessages(ctx context.Context) ([]*models.Message, error) {
	snap, err := s.store.GetCurrentContext(ctx, s.sessionID)
	if err != nil {
		return nil, err
	}
	return snap.Messages, nil
}

// GetTokenInfo reports the session's current token-budget pressure.
func (s *SessionLog) GetTokenInfo(ctx context.Context) (*models.TokenInfo, error) {
	messages, err := s.GetMessages(ctx)
	if err != nil {
		return nil, err
	}

	usableLimit := s.config.MaxTokens - s.config.MaxOutputTokens
	threshold := int(float64(usableLimit) * s.config.TriggerRatio)
	estimated := estimateTotal(messages)

	return &models.TokenInfo{
		EstimatedTotal: estimated,
		UsableLimit:    usableLimit,
		Threshold:      threshold,
		MessageCount:   len(messages),
		ShouldCompact:  estimated >= threshold,
	}, nil
}

// estimateTotal implements compaction policy step 2: the usage.prompt_tokens
// of the most recent assistant message with reported usage reflects the full
// prior context as seen by the provider; everything after it is estimated
// with the 4-chars-per-token heuristic.
func estimateTotal(messages []*models.Message) int {
	lastUsageIdx := -1
	lastPrompt := 0
	for i, msg := range messages {
		if msg.Role == models.RoleAssistant && msg.Usage != nil {
			lastUsageIdx = i
			lastPrompt = msg.Usage.Prompt
		}
	}

	total := lastPrompt
	for _, msg := range messages[lastUsageIdx+1:] {
		total += compaction.EstimateTokens(toCompactionMessage(msg))
	}
	return total
}

func toCompactionMessage(msg *models.Message) *compaction.Message {
	if msg == nil {
		return nil
	}
	content := msg.Content
	if content == "" {
		content = msg.ReasoningContent
	}
	return &compaction.Message{Role: string(msg.Role), Content: content}
}

// CompactBeforeLLMCall runs the compaction policy if warranted. Returns true
// if compaction was performed.
func (s *SessionLog) CompactBeforeLLMCall(ctx context.Context) (bool, error) {
	if !s.config.Enabled || s.summarizer == nil {
		return false, nil
	}

	if err := s.locker.LockWithContext(ctx, s.sessionID); err != nil {
		return false, err
	}
	defer s.locker.Unlock(s.sessionID)

	info, err := s.GetTokenInfo(ctx)
	if err != nil {
		return false, err
	}
	if !info.ShouldCompact {
		return false, nil
	}

	messages, err := s.GetMessages(ctx)
	if err != nil {
		return false, err
	}
	if len(messages) == 0 || messages[0].Role != models.RoleSystem {
		return false, nil
	}

	n := s.config.KeepMessagesNum
	if n <= 0 {
		n = 1
	}
	archiveEnd := len(messages) - n
	if archiveEnd <= 1 {
		return false, nil // nothing beyond the system message to archive
	}
	archiveEnd = repairPairBoundary(messages, archiveEnd)
	if archiveEnd <= 1 {
		return false, nil
	}

	archive := messages[1:archiveEnd]
	suffix := messages[archiveEnd:]

	summary, err := s.summarizer.Summarize(ctx, renderArchive(archive), s.config.MaxOutputTokens)
	if err != nil {
		// Per SPEC_FULL.md §4.2 failure mode: leave the log unchanged.
		return false, nil
	}

	summaryMsg := &models.Message{
		ID:        fmt.Sprintf("summary-%d", time.Now().UnixNano()),
		SessionID: s.sessionID,
		Role:      models.RoleAssistant,
		Type:      models.MessageTypeSummary,
		Content:   summary,
		CreatedAt: time.Now(),
	}

	if err := s.store.CompactContext(ctx, s.sessionID, storage.CompactOptions{
		KeepLastN:      len(suffix),
		SummaryMessage: summaryMsg,
	}); err != nil {
		return false, err
	}

	archivedIDs := make([]string, 0, len(archive))
	for _, msg := range archive {
		archivedIDs = append(archivedIDs, msg.ID)
	}
	if err := s.store.AppendCompactionRecord(ctx, s.sessionID, models.CompactionRecord{
		Reason:             "token_limit",
		ArchivedMessageIDs: archivedIDs,
		Timestamp:          time.Now(),
	}); err != nil {
		return false, err
	}

	return true, nil
}
