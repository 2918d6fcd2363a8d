// Package agent implements the Agent Runtime (SPEC_FULL.md §4.4): the
// think -> act -> observe -> reflect loop that drives one LLM-backed run to
// completion, plus the tool registry, truncation middleware, and provider
// contract it depends on.
//
// Runtime satisfies internal/runtimeapi.Runtime so the orchestrator kernel can
// dispatch and track runs without reaching into LLM-loop internals.
package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/concord/kernel/internal/backoff"
	"github.com/concord/kernel/internal/observability"
	"github.com/concord/kernel/internal/runtimeapi"
	"github.com/concord/kernel/internal/sessions"
	"github.com/concord/kernel/internal/storage"
	"github.com/concord/kernel/pkg/models"
)

const (
	// DefaultMaxLoops bounds the think/act/observe/reflect loop per
	// SPEC_FULL.md §4.4.
	DefaultMaxLoops = 30

	// DefaultMaxToolsPerTask bounds total tool invocations across a run's
	// whole lifetime, independent of the per-iteration loop count.
	DefaultMaxToolsPerTask = 200

	// providerRetryAttempts bounds retries of a provider's initial
	// Complete call (before any chunk has streamed) against transient
	// errors, using backoff.DefaultPolicy.
	providerRetryAttempts = 3
)

// terminationPhrases is matched case-insensitively against reflection text;
// a match (or a response with no tool calls) ends the loop early.
var terminationPhrases = []string{
	"task is complete",
	"finished",
	"done",
	"no more work",
	"success",
}

// AgentBinding wires one registered agent's provider, tool registry, and
// session store config together, keyed by AgentProfile.AgentID.
type AgentBinding struct {
	Profile    *models.AgentProfile
	Provider   Provider
	Tools      *ToolRegistry
	Sessions   storage.Store
	Summarizer sessions.Summarizer
}

// runState tracks one in-flight or completed run.
type runState struct {
	mu        sync.Mutex
	record    *models.RunRecord
	sessionID string

	cancel context.CancelFunc

	subs     map[int]chan runtimeapi.RunEvent
	subSeq   int
	streams  map[int]chan models.StreamEvent
	streamID int

	eventIndex int
}

// Runtime implements internal/runtimeapi.Runtime: the agentic loop driving one
// or more bound agents, each with its own provider/tool-registry/session
// wiring.
type Runtime struct {
	logger *observability.Logger

	bindMu   sync.RWMutex
	bindings map[string]*AgentBinding

	sessionConfig sessions.Config
	toolExec      ToolExecConfig
	truncation    TruncationConfig

	maxLoops        int
	maxToolsPerTask int

	runsMu sync.RWMutex
	runs   map[string]*runState
	order  []string
}

// NewRuntime creates a Runtime with the given session-compaction and
// tool-execution defaults. Agents must be registered via Register before
// Execute will accept work for them.
func NewRuntime(sessionConfig sessions.Config, toolExec ToolExecConfig, truncation TruncationConfig, logger *observability.Logger) *Runtime {
	return &Runtime{
		logger:          logger,
		bindings:        make(map[string]*AgentBinding),
		sessionConfig:   sessionConfig,
		toolExec:        toolExec,
		truncation:      truncation,
		maxLoops:        DefaultMaxLoops,
		maxToolsPerTask: DefaultMaxToolsPerTask,
		runs:            make(map[string]*runState),
	}
}

// SetLimits overrides the default loop/tool-count bounds.
func (r *Runtime) SetLimits(maxLoops, maxToolsPerTask int) {
	if maxLoops > 0 {
		r.maxLoops = maxLoops
	}
	if maxToolsPerTask > 0 {
		r.maxToolsPerTask = maxToolsPerTask
	}
}

// Register binds an agent profile to its provider, tool registry, and
// session-persistence store.
func (r *Runtime) Register(binding *AgentBinding) {
	r.bindMu.Lock()
	defer r.bindMu.Unlock()
	r.bindings[binding.Profile.AgentID] = binding
}

func (r *Runtime) binding(agentID string) (*AgentBinding, bool) {
	r.bindMu.RLock()
	defer r.bindMu.RUnlock()
	b, ok := r.bindings[agentID]
	return b, ok
}

// Execute starts a new run for cmd.AgentID and returns its run id
// immediately; the loop itself runs in a background goroutine. Satisfies
// internal/runtimeapi.Runtime.
func (r *Runtime) Execute(ctx context.Context, cmd runtimeapi.ExecuteCommand) (string, error) {
	binding, ok := r.binding(cmd.AgentID)
	if !ok {
		return "", fmt.Errorf("agent runtime: unknown agent %q", cmd.AgentID)
	}

	runID := uuid.NewString()
	sessionID := runID
	if v, ok := cmd.Metadata["session_id"].(string); ok && v != "" {
		sessionID = v
	}

	runCtx, cancel := context.WithCancel(context.Background())
	if cmd.TimeoutMs > 0 {
		runCtx, cancel = context.WithTimeout(runCtx, time.Duration(cmd.TimeoutMs)*time.Millisecond)
	}

	rs := &runState{
		record: &models.RunRecord{
			RunID:       runID,
			AgentID:     cmd.AgentID,
			ParentRunID: cmd.ParentRunID,
			Status:      models.RunQueued,
			Input:       cmd.Input,
			CreatedAt:   time.Now(),
		},
		sessionID: sessionID,
		cancel:    cancel,
		subs:      make(map[int]chan runtimeapi.RunEvent),
		streams:   make(map[int]chan models.StreamEvent),
	}

	r.runsMu.Lock()
	r.runs[runID] = rs
	r.order = append(r.order, runID)
	r.runsMu.Unlock()

	go r.runLoop(runCtx, runID, binding, rs, cmd)

	return runID, nil
}

// Status returns a snapshot TrackedRun for runID. Satisfies
// internal/runtimeapi.Runtime.
func (r *Runtime) Status(ctx context.Context, runID string) (*models.TrackedRun, error) {
	r.runsMu.RLock()
	rs, ok := r.runs[runID]
	r.runsMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("agent runtime: unknown run %q", runID)
	}
	rs.mu.Lock()
	defer rs.mu.Unlock()
	return &models.TrackedRun{
		RunID:       rs.record.RunID,
		AgentID:     rs.record.AgentID,
		ParentRunID: rs.record.ParentRunID,
		Status:      rs.record.Status,
		Output:      rs.record.Output,
		Error:       rs.record.Error,
		CreatedAt:   rs.record.CreatedAt,
	}, nil
}

// Subscribe returns a channel of terminal-status-bearing RunEvents for
// runID plus an unsubscribe func. Satisfies internal/runtimeapi.Runtime.
func (r *Runtime) Subscribe(runID string) (<-chan runtimeapi.RunEvent, func()) {
	r.runsMu.RLock()
	rs, ok := r.runs[runID]
	r.runsMu.RUnlock()

	ch := make(chan runtimeapi.RunEvent, 8)
	if !ok {
		close(ch)
		return ch, func() {}
	}

	rs.mu.Lock()
	id := rs.subSeq
	rs.subSeq++
	rs.subs[id] = ch
	terminal := rs.record.Status.Terminal()
	status := rs.record.Status
	runIDCopy := rs.record.RunID
	output := rs.record.Output
	errStr := rs.record.Error
	rs.mu.Unlock()

	if terminal {
		ch <- runtimeapi.RunEvent{RunID: runIDCopy, Status: status, Output: output, Error: errStr}
	}

	unsub := func() {
		rs.mu.Lock()
		if c, ok := rs.subs[id]; ok {
			delete(rs.subs, id)
			close(c)
		}
		rs.mu.Unlock()
	}
	return ch, unsub
}

// SubscribeStream returns the full models.StreamEvent feed for runID, the
// granularity the stream reducer folds (SPEC_FULL.md §4.1), distinct from
// Subscribe's terminal-status-only runtimeapi.RunEvent feed.
func (r *Runtime) SubscribeStream(runID string) (<-chan models.StreamEvent, func()) {
	r.runsMu.RLock()
	rs, ok := r.runs[runID]
	r.runsMu.RUnlock()

	ch := make(chan models.StreamEvent, 64)
	if !ok {
		close(ch)
		return ch, func() {}
	}

	rs.mu.Lock()
	id := rs.streamID
	rs.streamID++
	rs.streams[id] = ch
	rs.mu.Unlock()

	unsub := func() {
		rs.mu.Lock()
		if c, ok := rs.streams[id]; ok {
			delete(rs.streams, id)
			close(c)
		}
		rs.mu.Unlock()
	}
	return ch, unsub
}

// Abort cancels runID's context, the cooperative signal the loop observes
// at every suspension point (provider call, tool call, sleep).
func (r *Runtime) Abort(runID string) {
	r.runsMu.RLock()
	rs, ok := r.runs[runID]
	r.runsMu.RUnlock()
	if !ok {
		return
	}
	rs.cancel()
}

func (rs *runState) emit(ev models.StreamEvent) {
	rs.mu.Lock()
	ev.Index = rs.eventIndex
	rs.eventIndex++
	streams := make([]chan models.StreamEvent, 0, len(rs.streams))
	for _, c := range rs.streams {
		streams = append(streams, c)
	}
	rs.mu.Unlock()

	for _, c := range streams {
		select {
		case c <- ev:
		default:
		}
	}
}

func (rs *runState) setStatus(status models.RunStatus) {
	rs.mu.Lock()
	rs.record.Status = status
	now := time.Now()
	switch status {
	case models.RunRunning:
		if rs.record.StartedAt == nil {
			rs.record.StartedAt = &now
		}
	default:
		if status.Terminal() {
			rs.record.FinishedAt = &now
		}
	}
	subs := make([]chan runtimeapi.RunEvent, 0, len(rs.subs))
	for _, c := range rs.subs {
		subs = append(subs, c)
	}
	runID := rs.record.RunID
	output := rs.record.Output
	errStr := rs.record.Error
	rs.mu.Unlock()

	rs.emit(models.StreamEvent{Type: models.EventStatus, Timestamp: time.Now(), Status: &models.StatusData{State: string(status)}})

	if status.Terminal() {
		for _, c := range subs {
			select {
			case c <- runtimeapi.RunEvent{RunID: runID, Status: status, Output: output, Error: errStr}:
			default:
			}
		}
	}
}

func (rs *runState) finish(status models.RunStatus, output string, fail error) {
	rs.mu.Lock()
	rs.record.Output = output
	if fail != nil {
		rs.record.Error = fail.Error()
	}
	rs.mu.Unlock()
	rs.setStatus(status)
}

// runLoop is the think -> act -> observe -> reflect loop.
func (r *Runtime) runLoop(ctx context.Context, runID string, binding *AgentBinding, rs *runState, cmd runtimeapi.ExecuteCommand) {
	rs.setStatus(models.RunRunning)

	if err := binding.Sessions.CreateSession(ctx, rs.sessionID, cmd.AgentID); err != nil {
		if !errors.Is(err, storage.ErrAlreadyExists) {
			rs.finish(models.RunFailed, "", err)
			return
		}
	}
	log := sessions.NewSessionLog(rs.sessionID, binding.Sessions, r.sessionConfig, binding.Summarizer)

	if binding.Profile.SystemPrompt != "" {
		if msgs, err := log.GetMessages(ctx); err == nil && len(msgs) == 0 {
			_ = log.AddMessage(ctx, &models.Message{ID: "system", Role: models.RoleSystem, Content: binding.Profile.SystemPrompt, CreatedAt: time.Now()})
		}
	}
	_ = log.AddMessage(ctx, &models.Message{
		ID: uuid.NewString(), Role: models.RoleUser, Content: cmd.Input, CreatedAt: time.Now(),
	})

	executor := NewToolExecutor(binding.Tools, r.toolExec)

	maxLoops := r.maxLoops
	if binding.Profile.Limits.MaxLoops > 0 {
		maxLoops = binding.Profile.Limits.MaxLoops
	}
	maxTools := r.maxToolsPerTask
	if binding.Profile.Limits.MaxToolsPerTask > 0 {
		maxTools = binding.Profile.Limits.MaxToolsPerTask
	}

	toolsUsed := 0
	var finalText string

	for iter := 0; iter < maxLoops; iter++ {
		if ctx.Err() != nil {
			rs.finish(models.RunAborted, finalText, ctx.Err())
			return
		}

		if _, err := log.CompactBeforeLLMCall(ctx); err != nil {
			r.logf(ctx, "compaction failed, continuing uncompacted", "run_id", runID, "error", err)
		}

		text, toolCalls, err := r.think(ctx, binding, log, rs)
		if err != nil {
			if ctx.Err() != nil {
				rs.finish(models.RunAborted, finalText, ctx.Err())
				return
			}
			rs.finish(models.RunFailed, finalText, err)
			return
		}
		finalText = text

		assistantMsg := &models.Message{
			ID: uuid.NewString(), Role: models.RoleAssistant, Content: text, CreatedAt: time.Now(),
		}
		for _, tc := range toolCalls {
			assistantMsg.ToolRefs = append(assistantMsg.ToolRefs, models.ToolCallRef{CallID: tc.ID, Name: tc.Name, ArgsJSON: string(tc.Input)})
		}
		if err := log.AddMessage(ctx, assistantMsg); err != nil {
			rs.finish(models.RunFailed, finalText, err)
			return
		}

		// Reflect: a termination match or a tool-call-free response ends
		// the loop; otherwise act on the declared tool calls and continue.
		if len(toolCalls) == 0 || matchesTermination(text) {
			rs.finish(models.RunCompleted, text, nil)
			return
		}

		if toolsUsed+len(toolCalls) > maxTools {
			rs.finish(models.RunFailed, finalText, fmt.Errorf("agent runtime: exceeded max tools per task (%d)", maxTools))
			return
		}
		toolsUsed += len(toolCalls)

		if ctx.Err() != nil {
			rs.finish(models.RunAborted, finalText, ctx.Err())
			return
		}

		toolCtx := WithToolContext(ctx, ToolContext{
			SessionID:        rs.sessionID,
			WorkingDirectory: stringMeta(cmd.Metadata, "working_directory"),
			Platform:         stringMeta(cmd.Metadata, "platform"),
			Time:             func() string { return time.Now().Format(time.RFC3339) },
		})

		results := r.act(toolCtx, executor, toolCalls, rs)

		for _, res := range results {
			truncated := TruncateToolOutput(res.ToolCall.Name, &ToolResult{Content: res.Result.Content, IsError: res.Result.IsError}, r.truncation)
			content := res.Result.Content
			if truncated != nil {
				content = truncated.Content
			}
			resultMsg := &models.Message{
				ID: uuid.NewString(), Role: models.RoleTool, ToolCallID: res.ToolCall.ID,
				Content: content, CreatedAt: time.Now(),
			}
			if err := log.AddMessage(ctx, resultMsg); err != nil {
				rs.finish(models.RunFailed, finalText, err)
				return
			}
		}
	}

	// maxLoops reached: one final summarization-only call (no tools)
	// before marking the run completed, per §4.4.
	summary, err := r.summarizeOnLimit(ctx, binding, log)
	if err != nil {
		rs.finish(models.RunFailed, finalText, err)
		return
	}
	rs.finish(models.RunCompleted, summary, nil)
}

func stringMeta(meta map[string]any, key string) string {
	if meta == nil {
		return ""
	}
	v, _ := meta[key].(string)
	return v
}

// matchesTermination reports whether text contains one of the spec's
// reflection termination phrases, case-insensitively.
func matchesTermination(text string) bool {
	lower := strings.ToLower(text)
	for _, phrase := range terminationPhrases {
		if strings.Contains(lower, phrase) {
			return true
		}
	}
	return false
}

// think builds an LLM request from the session log and streams the
// response, emitting every chunk as a models.StreamEvent.
func (r *Runtime) think(ctx context.Context, binding *AgentBinding, log *sessions.SessionLog, rs *runState) (string, []models.ToolCall, error) {
	messages, err := log.GetMessages(ctx)
	if err != nil {
		return "", nil, err
	}

	req := &CompletionRequest{
		Model:    binding.Profile.ProviderHandle,
		Messages: toCompletionMessages(messages),
		Tools:    binding.Tools.AsLLMTools(),
	}
	// The system message, if present, is passed separately per most
	// provider wire formats rather than as a role=system chat message.
	if len(messages) > 0 && messages[0].Role == models.RoleSystem {
		req.System = messages[0].Content
		req.Messages = toCompletionMessages(messages[1:])
	}

	chunks, err := backoff.RetryFunc(ctx, providerRetryAttempts, func(int) (<-chan *CompletionChunk, error) {
		return binding.Provider.Complete(ctx, req)
	})
	if err != nil {
		return "", nil, err
	}

	var text strings.Builder
	var reasoning strings.Builder
	var toolCalls []models.ToolCall
	textStarted := false
	reasoningStarted := false

	for {
		select {
		case <-ctx.Done():
			return text.String(), toolCalls, ctx.Err()
		case chunk, ok := <-chunks:
			if !ok {
				if textStarted {
					rs.emit(models.StreamEvent{Type: models.EventTextComplete, Timestamp: time.Now(), Text: &models.TextDeltaPayload{Content: text.String()}})
				}
				if reasoningStarted {
					rs.emit(models.StreamEvent{Type: models.EventReasoningComplete, Timestamp: time.Now(), Text: &models.TextDeltaPayload{Content: reasoning.String()}})
				}
				return text.String(), toolCalls, nil
			}
			if chunk == nil {
				continue
			}
			if chunk.Error != nil {
				return text.String(), toolCalls, chunk.Error
			}
			if chunk.ThinkingStart || (chunk.Thinking != "" && !reasoningStarted) {
				reasoningStarted = true
				rs.emit(models.StreamEvent{Type: models.EventReasoningStart, Timestamp: time.Now()})
			}
			if chunk.Thinking != "" {
				reasoning.WriteString(chunk.Thinking)
				rs.emit(models.StreamEvent{Type: models.EventReasoningDelta, Timestamp: time.Now(), Text: &models.TextDeltaPayload{Content: chunk.Thinking}})
			}
			if chunk.ThinkingEnd && reasoningStarted {
				rs.emit(models.StreamEvent{Type: models.EventReasoningComplete, Timestamp: time.Now(), Text: &models.TextDeltaPayload{Content: reasoning.String()}})
			}
			if chunk.Text != "" {
				if !textStarted {
					textStarted = true
					rs.emit(models.StreamEvent{Type: models.EventTextStart, Timestamp: time.Now()})
				}
				text.WriteString(chunk.Text)
				rs.emit(models.StreamEvent{Type: models.EventTextDelta, Timestamp: time.Now(), Text: &models.TextDeltaPayload{Content: chunk.Text}})
			}
			if chunk.ToolCall != nil {
				toolCalls = append(toolCalls, *chunk.ToolCall)
				rs.emit(models.StreamEvent{
					Type:      models.EventToolCallCreated,
					Timestamp: time.Now(),
					ToolCreate: &models.ToolCallCreatedData{
						CallID: chunk.ToolCall.ID, ToolName: chunk.ToolCall.Name, ArgsJSON: string(chunk.ToolCall.Input),
					},
				})
			}
			if chunk.InputTokens > 0 || chunk.OutputTokens > 0 {
				rs.emit(models.StreamEvent{Type: models.EventUsageUpdate, Timestamp: time.Now(), Usage: &models.Usage{Prompt: chunk.InputTokens, Completion: chunk.OutputTokens, Total: chunk.InputTokens + chunk.OutputTokens}})
			}
			if chunk.Done {
				if textStarted {
					rs.emit(models.StreamEvent{Type: models.EventTextComplete, Timestamp: time.Now(), Text: &models.TextDeltaPayload{Content: text.String()}})
				}
				return text.String(), toolCalls, nil
			}
		}
	}
}

// act dispatches toolCalls concurrently through the shared ToolExecutor,
// emitting TOOL_CALL_RESULT events as each completes.
func (r *Runtime) act(ctx context.Context, executor *ToolExecutor, toolCalls []models.ToolCall, rs *runState) []ToolExecResult {
	emit := func(ev *models.RuntimeEvent) {
		switch ev.Type {
		case models.EventToolCompleted, models.EventToolFailed, models.EventToolTimeout:
			status := "ok"
			if ev.Type != models.EventToolCompleted {
				status = "error"
			}
			rs.emit(models.StreamEvent{
				Type:      models.EventToolCallResult,
				Timestamp: time.Now(),
				ToolResult: &models.ToolCallResultData{
					CallID: ev.ToolCallID, Status: status,
				},
			})
		}
	}
	return executor.ExecuteConcurrently(ctx, toolCalls, emit)
}

// summarizeOnLimit runs a tool-free, final completion so maxLoops never
// silently drops the run's last word.
func (r *Runtime) summarizeOnLimit(ctx context.Context, binding *AgentBinding, log *sessions.SessionLog) (string, error) {
	messages, err := log.GetMessages(ctx)
	if err != nil {
		return "", err
	}
	req := &CompletionRequest{
		Model:    binding.Profile.ProviderHandle,
		System:   "Summarize the work completed so far and stop; the iteration budget has been reached.",
		Messages: toCompletionMessages(messages),
	}
	chunks, err := binding.Provider.Complete(ctx, req)
	if err != nil {
		return "", err
	}
	var text strings.Builder
	for chunk := range chunks {
		if chunk == nil {
			continue
		}
		if chunk.Error != nil {
			return text.String(), chunk.Error
		}
		text.WriteString(chunk.Text)
		if chunk.Done {
			break
		}
	}
	return text.String(), nil
}

func toCompletionMessages(messages []*models.Message) []CompletionMessage {
	out := make([]CompletionMessage, 0, len(messages))
	for _, m := range messages {
		cm := CompletionMessage{Role: string(m.Role), Content: m.Content}
		for _, ref := range m.ToolRefs {
			cm.ToolCalls = append(cm.ToolCalls, models.ToolCall{ID: ref.CallID, Name: ref.Name, Input: []byte(ref.ArgsJSON)})
		}
		if m.ToolCallID != "" {
			cm.ToolResults = append(cm.ToolResults, models.ToolResult{ToolCallID: m.ToolCallID, Content: m.Content})
		}
		out = append(out, cm)
	}
	return out
}

func (r *Runtime) logf(ctx context.Context, msg string, args ...any) {
	if r.logger == nil {
		return
	}
	r.logger.Warn(ctx, msg, args...)
}

var _ runtimeapi.Runtime = (*Runtime)(nil)
