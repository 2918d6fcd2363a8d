// Package mailbox implements per-agent inter-agent messaging: at-least-once
// delivery with leases, retries, dead-letters, idempotency, and a
// blocking wait with a progress-on-timeout fallback (SPEC_FULL.md §4.6).
package mailbox

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/concord/kernel/pkg/models"
)

const (
	DefaultReceiveLimit  = 10
	DefaultLeaseMs       = 15_000
	DefaultWaitMs        = 30_000
	DefaultPollIntervalMs = 400
	DefaultDeadLetterLimit = 20
	MaxReceiveLimit      = 100
)

var (
	ErrUnknownAgent = errors.New("mailbox: unknown agent")
)

// AgentExistence is consulted by SendMessage to validate from/to agent ids.
// The orchestrator kernel's agent registry satisfies this.
type AgentExistence interface {
	AgentExists(agentID string) bool
}

// SendRequest is the caller-supplied payload for SendMessage; fields left
// zero take the documented defaults.
type SendRequest struct {
	FromAgentID    string
	ToAgentID      string
	Payload        map[string]any
	Topic          string
	CorrelationID  string
	RunID          string
	IdempotencyKey string
	MaxAttempts    int
	VisibleAt      time.Time
}

// ReceiveOptions parameterizes ReceiveMessages.
type ReceiveOptions struct {
	Limit   int
	LeaseMs int
	Now     time.Time
}

// NackOptions parameterizes NackMessage.
type NackOptions struct {
	Error          string
	RequeueDelayMs int
}

// NackResult reports the outcome of a nack.
type NackResult struct {
	Requeued     bool
	DeadLettered bool
}

// WaitOptions parameterizes WaitForMessages.
type WaitOptions struct {
	WaitMs                      int
	PollIntervalMs              int
	Limit                       int
	LeaseMs                     int
	ParentRunID                 string
	IncludeChildProgressOnTimeout bool
}

// WaitResult is returned by WaitForMessages.
type WaitResult struct {
	Messages      []*models.InterAgentMessage
	TimedOut      bool
	ChildProgress []*models.TrackedRun
}

// ProgressQuerier resolves in-flight child runs for a parent, used only by
// WaitForMessages's timeout fallback. The orchestrator kernel's queryRuns
// satisfies this.
type ProgressQuerier interface {
	QueryInFlightChildren(parentRunID string, limit int) []*models.TrackedRun
}

// mailboxState is one agent's queue, in-flight map, dead-letter list and
// idempotency index, all guarded by mu — the single coarse lock per
// mailbox called for in SPEC_FULL.md's concurrency notes.
type mailboxState struct {
	mu sync.Mutex

	queue     map[string]*models.InterAgentMessage
	queueKeys []string // FIFO order

	inFlight map[string]*models.InterAgentMessage

	deadLetters []*models.InterAgentMessage

	idempotency map[string]string // idempotencyKey -> messageId
}

func newMailboxState() *mailboxState {
	return &mailboxState{
		queue:       make(map[string]*models.InterAgentMessage),
		inFlight:    make(map[string]*models.InterAgentMessage),
		idempotency: make(map[string]string),
	}
}

// Mailbox is the per-process, in-memory mailbox subsystem for all agents.
type Mailbox struct {
	agents ProgressQuerier

	boxesMu sync.RWMutex
	boxes   map[string]*mailboxState

	existence AgentExistence
}

// New creates a Mailbox. existence validates from/to agent ids on send;
// progress resolves child-run progress for WaitForMessages's timeout path.
func New(existence AgentExistence, progress ProgressQuerier) *Mailbox {
	return &Mailbox{existence: existence, agents: progress, boxes: make(map[string]*mailboxState)}
}

func (m *Mailbox) boxFor(agentID string) *mailboxState {
	m.boxesMu.RLock()
	box, ok := m.boxes[agentID]
	m.boxesMu.RUnlock()
	if ok {
		return box
	}

	m.boxesMu.Lock()
	defer m.boxesMu.Unlock()
	if box, ok = m.boxes[agentID]; ok {
		return box
	}
	box = newMailboxState()
	m.boxes[agentID] = box
	return box
}

// SendMessage validates from/to, deduplicates by idempotency key, and
// enqueues onto the recipient's mailbox.
func (m *Mailbox) SendMessage(req SendRequest) (*models.InterAgentMessage, error) {
	if m.existence != nil {
		if !m.existence.AgentExists(req.FromAgentID) {
			return nil, ErrUnknownAgent
		}
		if !m.existence.AgentExists(req.ToAgentID) {
			return nil, ErrUnknownAgent
		}
	}

	box := m.boxFor(req.ToAgentID)
	box.mu.Lock()
	defer box.mu.Unlock()

	if req.IdempotencyKey != "" {
		if existingID, ok := box.idempotency[req.IdempotencyKey]; ok {
			if existing, ok := box.queue[existingID]; ok {
				return existing.Clone(), nil
			}
			if existing, ok := box.inFlight[existingID]; ok {
				return existing.Clone(), nil
			}
		}
	}

	now := req.VisibleAt
	sentAt := time.Now()
	if now.IsZero() {
		now = sentAt
	}
	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	msg := &models.InterAgentMessage{
		MessageID:      uuid.NewString(),
		Timestamp:      sentAt,
		FromAgentID:    req.FromAgentID,
		ToAgentID:      req.ToAgentID,
		Payload:        req.Payload,
		Topic:          req.Topic,
		CorrelationID:  req.CorrelationID,
		RunID:          req.RunID,
		IdempotencyKey: req.IdempotencyKey,
		Status:         models.MailboxQueued,
		VisibleAt:      now,
		Attempt:        0,
		MaxAttempts:    maxAttempts,
	}

	box.queue[msg.MessageID] = msg
	box.queueKeys = append(box.queueKeys, msg.MessageID)
	if req.IdempotencyKey != "" {
		box.idempotency[req.IdempotencyKey] = msg.MessageID
	}
	return msg.Clone(), nil
}

// ReceiveMessages requeues expired leases, then walks the queue in FIFO
// order delivering up to Limit visible messages.
func (m *Mailbox) ReceiveMessages(agentID string, opts ReceiveOptions) []*models.InterAgentMessage {
	limit := opts.Limit
	if limit <= 0 {
		limit = DefaultReceiveLimit
	}
	if limit > MaxReceiveLimit {
		limit = MaxReceiveLimit
	}
	leaseMs := opts.LeaseMs
	if leaseMs <= 0 {
		leaseMs = DefaultLeaseMs
	}
	now := opts.Now
	if now.IsZero() {
		now = time.Now()
	}

	box := m.boxFor(agentID)
	box.mu.Lock()
	defer box.mu.Unlock()

	requeueExpiredLeases(box, now)

	delivered := make([]*models.InterAgentMessage, 0, limit)
	remaining := box.queueKeys[:0]
	for _, id := range box.queueKeys {
		msg, ok := box.queue[id]
		if !ok {
			continue
		}
		if len(delivered) >= limit || msg.VisibleAt.After(now) {
			remaining = append(remaining, id)
			continue
		}

		msg.Attempt++
		msg.Status = models.MailboxInFlight
		leaseUntil := now.Add(time.Duration(leaseMs) * time.Millisecond)
		msg.LeaseUntil = &leaseUntil

		delete(box.queue, id)
		box.inFlight[id] = msg
		delivered = append(delivered, msg.Clone())
	}
	box.queueKeys = append([]string(nil), remaining...)

	return delivered
}

// requeueExpiredLeases moves any in-flight message whose lease has lapsed
// back onto the queue, tagged with lastError="lease expired". Caller holds box.mu.
func requeueExpiredLeases(box *mailboxState, now time.Time) {
	for id, msg := range box.inFlight {
		if msg.LeaseUntil != nil && !msg.LeaseUntil.After(now) {
			msg.Status = models.MailboxQueued
			msg.LeaseUntil = nil
			msg.LastError = "lease expired"
			delete(box.inFlight, id)
			if _, exists := box.queue[id]; !exists {
				box.queue[id] = msg
				box.queueKeys = append(box.queueKeys, id)
			}
		}
	}
}

// AckMessage removes a message from in-flight. Idempotent: acking an
// already-acked or unknown message id returns false.
func (m *Mailbox) AckMessage(agentID, messageID string) bool {
	box := m.boxFor(agentID)
	box.mu.Lock()
	defer box.mu.Unlock()

	if _, ok := box.inFlight[messageID]; !ok {
		return false
	}
	delete(box.inFlight, messageID)
	return true
}

// NackMessage removes a message from in-flight and either dead-letters it
// (retry budget exhausted) or requeues it for another attempt.
func (m *Mailbox) NackMessage(agentID, messageID string, opts NackOptions) NackResult {
	box := m.boxFor(agentID)
	box.mu.Lock()
	defer box.mu.Unlock()

	msg, ok := box.inFlight[messageID]
	if !ok {
		return NackResult{}
	}
	delete(box.inFlight, messageID)

	if msg.Attempt >= msg.MaxAttempts {
		msg.Status = models.MailboxDeadLetter
		msg.LastError = opts.Error
		msg.LeaseUntil = nil
		box.deadLetters = append(box.deadLetters, msg)
		return NackResult{DeadLettered: true}
	}

	msg.Status = models.MailboxQueued
	msg.LastError = opts.Error
	msg.LeaseUntil = nil
	msg.VisibleAt = time.Now().Add(time.Duration(opts.RequeueDelayMs) * time.Millisecond)
	box.queue[messageID] = msg
	box.queueKeys = append(box.queueKeys, messageID)
	return NackResult{Requeued: true}
}

// ListDeadLetters returns up to limit dead-lettered entries, oldest-first.
func (m *Mailbox) ListDeadLetters(agentID string, limit int) []*models.InterAgentMessage {
	if limit <= 0 {
		limit = DefaultDeadLetterLimit
	}
	box := m.boxFor(agentID)
	box.mu.Lock()
	defer box.mu.Unlock()

	n := limit
	if n > len(box.deadLetters) {
		n = len(box.deadLetters)
	}
	out := make([]*models.InterAgentMessage, n)
	for i := 0; i < n; i++ {
		out[i] = box.deadLetters[i].Clone()
	}
	return out
}

// DeadLetterCounts returns the number of dead-lettered messages per agent,
// for the retention sweep's metrics (SPEC_FULL.md §4.3's ambient cron job).
func (m *Mailbox) DeadLetterCounts() map[string]int {
	m.boxesMu.RLock()
	defer m.boxesMu.RUnlock()

	counts := make(map[string]int, len(m.boxes))
	for agentID, box := range m.boxes {
		box.mu.Lock()
		counts[agentID] = len(box.deadLetters)
		box.mu.Unlock()
	}
	return counts
}

// WaitForMessages implements long-poll receive: poll until a message
// arrives or the deadline elapses, falling back to child-run progress on
// timeout when requested.
// WaitMs is honored literally: zero means "return immediately" per
// SPEC_FULL.md §4.6's boundary behavior. Callers wanting the documented
// 30s default (e.g. the wait_for_messages tool, when its JSON input omits
// waitMs) must fill it in before calling WaitForMessages.
func (m *Mailbox) WaitForMessages(ctx context.Context, agentID string, opts WaitOptions) WaitResult {
	waitMs := opts.WaitMs
	pollIntervalMs := opts.PollIntervalMs
	if pollIntervalMs <= 0 {
		pollIntervalMs = DefaultPollIntervalMs
	}

	deadline := time.Now().Add(time.Duration(waitMs) * time.Millisecond)

	messages := m.ReceiveMessages(agentID, ReceiveOptions{Limit: opts.Limit, LeaseMs: opts.LeaseMs})
	if len(messages) > 0 {
		return WaitResult{Messages: messages, TimedOut: false}
	}
	if waitMs == 0 {
		return m.timeoutResult(opts)
	}

	ticker := time.NewTicker(time.Duration(pollIntervalMs) * time.Millisecond)
	defer ticker.Stop()

	for {
		remaining := time.Until(deadline)
		if remaining <= 0 {
			return m.timeoutResult(opts)
		}

		select {
		case <-ctx.Done():
			return m.timeoutResult(opts)
		case <-time.After(minDuration(remaining, time.Duration(pollIntervalMs)*time.Millisecond)):
			messages = m.ReceiveMessages(agentID, ReceiveOptions{Limit: opts.Limit, LeaseMs: opts.LeaseMs})
			if len(messages) > 0 {
				return WaitResult{Messages: messages, TimedOut: false}
			}
		}
	}
}

func (m *Mailbox) timeoutResult(opts WaitOptions) WaitResult {
	result := WaitResult{Messages: []*models.InterAgentMessage{}, TimedOut: true}
	if opts.IncludeChildProgressOnTimeout && m.agents != nil && opts.ParentRunID != "" {
		result.ChildProgress = m.agents.QueryInFlightChildren(opts.ParentRunID, 200)
	}
	return result
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
