// Package reducer folds a strictly-ordered stream of agent events into the
// UI-facing message state a front-end renders. It is a plain pure function
// over an immutable State value — no actor framework, no goroutines; the
// caller owns sequencing and concurrency.
package reducer

import (
	"fmt"
	"strings"

	"github.com/concord/kernel/pkg/models"
)

const (
	maxStreamLogChunks = 400
	maxStreamLogChars  = 120_000
	maxResultChars     = 80_000
	truncationSentinel = "...[truncated]"
)

// callLocator resolves a tool callId to its owning assistant message and
// position within that message's ToolCalls slice, so TOOL_CALL_STREAM and
// TOOL_CALL_RESULT events can omit msgId entirely.
type callLocator struct {
	msgID     string
	toolIndex int
}

// State is the reducer's fold accumulator. Zero value is a valid empty state.
type State struct {
	Messages  []models.UIMessage
	Error     *string
	Streaming bool

	// LastUsage is the most recently observed USAGE_UPDATE payload; the
	// session store's token accounting reads this, not the message list.
	LastUsage *models.Usage

	// SubAgentEvents records SUBAGENT_EVENT payloads for UIs that opt in to
	// rendering nested-run progress; the default message list ignores them.
	SubAgentEvents []models.StreamEvent

	msgIndex map[string]int
	calls    map[string]callLocator
}

// New returns an empty reducer state.
func New() State {
	return State{
		msgIndex: make(map[string]int),
		calls:    make(map[string]callLocator),
	}
}

// Reset returns a brand-new empty state, per the algebraic law
// reducer(INGEST, RESET) ≡ initialState.
func Reset() State {
	return New()
}

// ClearError clears the current error without touching the message list.
func ClearError(s State) State {
	next := clone(s)
	next.Error = nil
	return next
}

// clone produces a state whose top-level collections are independent of s,
// so Ingest never mutates the state the caller is still holding.
func clone(s State) State {
	messages := make([]models.UIMessage, len(s.Messages))
	copy(messages, s.Messages)

	msgIndex := make(map[string]int, len(s.msgIndex))
	for k, v := range s.msgIndex {
		msgIndex[k] = v
	}
	calls := make(map[string]callLocator, len(s.calls))
	for k, v := range s.calls {
		calls[k] = v
	}
	subAgents := make([]models.StreamEvent, len(s.SubAgentEvents))
	copy(subAgents, s.SubAgentEvents)

	return State{
		Messages:       messages,
		Error:          s.Error,
		Streaming:      s.Streaming,
		LastUsage:      s.LastUsage,
		SubAgentEvents: subAgents,
		msgIndex:       msgIndex,
		calls:          calls,
	}
}

// Ingest folds one event into state and returns the resulting state. It is
// pure: state is never mutated, only the returned value differs.
func Ingest(s State, event models.StreamEvent) State {
	next := clone(s)

	switch event.Type {
	case models.EventTextStart, models.EventTextDelta:
		if event.Text == nil {
			return s
		}
		idx := resolveAssistant(&next, event)
		asst := *next.Messages[idx].Assistant
		asst.Content = mergeText(asst.Content, event.Text.Content)
		asst.Phase = models.UIPhaseStreaming
		next.Messages[idx].Assistant = &asst
		next.Streaming = true

	case models.EventTextComplete:
		if event.Text == nil {
			return s
		}
		idx := resolveAssistant(&next, event)
		asst := *next.Messages[idx].Assistant
		merged := mergeText(asst.Content, event.Text.Content)
		if len(event.Text.Content) >= len(merged) {
			merged = event.Text.Content
		}
		asst.Content = merged
		asst.Phase = models.UIPhaseCompleted
		next.Messages[idx].Assistant = &asst
		next.Streaming = false

	case models.EventReasoningStart, models.EventReasoningDelta:
		if event.Text == nil {
			return s
		}
		idx := resolveAssistant(&next, event)
		asst := *next.Messages[idx].Assistant
		asst.Reasoning = mergeText(asst.Reasoning, event.Text.Content)
		next.Messages[idx].Assistant = &asst
		next.Streaming = true

	case models.EventReasoningComplete:
		if event.Text == nil {
			return s
		}
		idx := resolveAssistant(&next, event)
		asst := *next.Messages[idx].Assistant
		merged := mergeText(asst.Reasoning, event.Text.Content)
		if len(event.Text.Content) >= len(merged) {
			merged = event.Text.Content
		}
		asst.Reasoning = merged
		next.Messages[idx].Assistant = &asst

	case models.EventToolCallCreated:
		if event.ToolCreate == nil || event.ToolCreate.CallID == "" || event.ToolCreate.ToolName == "" {
			return s
		}
		idx := resolveAssistant(&next, event)
		asst := *next.Messages[idx].Assistant
		asst.ToolCalls = append([]models.UIToolCall(nil), asst.ToolCalls...)

		toolIndex := -1
		for i, tc := range asst.ToolCalls {
			if tc.CallID == event.ToolCreate.CallID {
				toolIndex = i
				break
			}
		}
		if toolIndex == -1 {
			asst.ToolCalls = append(asst.ToolCalls, models.UIToolCall{
				CallID:   event.ToolCreate.CallID,
				ToolName: event.ToolCreate.ToolName,
				Args:     event.ToolCreate.ArgsJSON,
			})
			toolIndex = len(asst.ToolCalls) - 1
		} else {
			asst.ToolCalls[toolIndex].ToolName = event.ToolCreate.ToolName
			asst.ToolCalls[toolIndex].Args = event.ToolCreate.ArgsJSON
		}
		next.Messages[idx].Assistant = &asst
		next.calls[event.ToolCreate.CallID] = callLocator{msgID: asst.ID, toolIndex: toolIndex}
		next.Streaming = true

	case models.EventToolCallStream:
		if event.ToolStream == nil || event.ToolStream.CallID == "" {
			return s
		}
		loc, ok := next.calls[event.ToolStream.CallID]
		if !ok {
			return s
		}
		msgIdx, ok := next.msgIndex[loc.msgID]
		if !ok {
			return s
		}
		asst := *next.Messages[msgIdx].Assistant
		asst.ToolCalls = append([]models.UIToolCall(nil), asst.ToolCalls...)
		tc := asst.ToolCalls[loc.toolIndex]
		tc.StreamLogs = appendStreamLog(tc.StreamLogs, event.ToolStream.Output)
		asst.ToolCalls[loc.toolIndex] = tc
		next.Messages[msgIdx].Assistant = &asst
		next.Streaming = true

	case models.EventToolCallResult:
		if event.ToolResult == nil || event.ToolResult.CallID == "" {
			return s
		}
		loc, ok := next.calls[event.ToolResult.CallID]
		if !ok {
			return s
		}
		msgIdx, ok := next.msgIndex[loc.msgID]
		if !ok {
			return s
		}
		asst := *next.Messages[msgIdx].Assistant
		asst.ToolCalls = append([]models.UIToolCall(nil), asst.ToolCalls...)
		tc := asst.ToolCalls[loc.toolIndex]
		tc.Status = event.ToolResult.Status
		if event.ToolResult.ExitCode != 0 {
			exitCode := event.ToolResult.ExitCode
			tc.ExitCode = &exitCode
		}
		tc.Result = &models.UIToolResult{
			Output: truncateResult(event.ToolResult.Output),
			Status: event.ToolResult.Status,
		}
		asst.ToolCalls[loc.toolIndex] = tc
		next.Messages[msgIdx].Assistant = &asst
		next.Streaming = false

	case models.EventCodePatch:
		if event.CodePatch == nil {
			return s
		}
		id := fmt.Sprintf("patch-%d-%d", event.Timestamp.UnixNano(), event.Index)
		msg := models.UIMessage{
			Kind: models.UIKindCodePatch,
			CodePatch: &models.CodePatchUIMessage{
				ID:       id,
				Path:     event.CodePatch.Path,
				Diff:     event.CodePatch.Diff,
				Language: event.CodePatch.Language,
			},
		}
		next.Messages = append(next.Messages, msg)
		next.msgIndex[id] = len(next.Messages) - 1

	case models.EventUsageUpdate:
		if event.Usage == nil {
			return s
		}
		usage := *event.Usage
		next.LastUsage = &usage

	case models.EventStatus:
		if event.Status == nil {
			return s
		}
		switch event.Status.State {
		case "queued", "running":
			next.Streaming = true
		case "completed", "failed", "aborted", "cancelled":
			next.Streaming = false
		}

	case models.EventError:
		if event.Error == nil {
			return s
		}
		id := fmt.Sprintf("error-%d-%d", event.Timestamp.UnixNano(), event.Index)
		msg := models.UIMessage{
			Kind: models.UIKindError,
			Error: &models.ErrorUIMessage{
				ID:    id,
				Error: event.Error.Message,
				Phase: models.UIPhaseCompleted,
			},
		}
		next.Messages = append(next.Messages, msg)
		next.msgIndex[id] = len(next.Messages) - 1
		errText := event.Error.Message
		next.Error = &errText
		next.Streaming = false

	case models.EventSubAgent:
		if event.SubAgent == nil {
			return s
		}
		next.SubAgentEvents = append(next.SubAgentEvents, event)

	default:
		return s
	}

	return next
}

// Prune keeps the last keepLast messages and rebuilds both locator maps
// against the surviving messages, dropping callIds whose owning message
// was pruned away.
func Prune(s State, keepLast int) State {
	next := clone(s)
	if keepLast < 0 {
		keepLast = 0
	}
	if keepLast < len(next.Messages) {
		next.Messages = append([]models.UIMessage(nil), next.Messages[len(next.Messages)-keepLast:]...)
	}

	next.msgIndex = make(map[string]int, len(next.Messages))
	for i, m := range next.Messages {
		id := m.ID()
		if id != "" {
			next.msgIndex[id] = i
		}
	}

	calls := make(map[string]callLocator, len(next.calls))
	for callID, loc := range next.calls {
		if _, ok := next.msgIndex[loc.msgID]; ok {
			calls[callID] = loc
		}
	}
	next.calls = calls
	return next
}

// resolveAssistant implements the assistant-message-resolution rule: reuse
// an explicit, known msgId; otherwise reuse the latest assistant message if
// it is still open (streaming, or completed-but-empty); otherwise create a
// new one. It mutates next in place and returns the resolved message index.
func resolveAssistant(next *State, event models.StreamEvent) int {
	if event.MsgID != "" {
		if idx, ok := next.msgIndex[event.MsgID]; ok && next.Messages[idx].Kind == models.UIKindAssistant {
			return idx
		}
	}

	if len(next.Messages) > 0 {
		last := next.Messages[len(next.Messages)-1]
		if last.Kind == models.UIKindAssistant && last.Assistant != nil {
			open := last.Assistant.Phase == models.UIPhaseStreaming ||
				(last.Assistant.Phase == models.UIPhaseCompleted && last.Assistant.Content == "")
			if open {
				return len(next.Messages) - 1
			}
		}
	}

	id := event.MsgID
	if id == "" {
		id = fmt.Sprintf("text-%d-%d", event.Timestamp.UnixNano(), event.Index)
	}
	msg := models.UIMessage{
		Kind: models.UIKindAssistant,
		Assistant: &models.AssistantUIMessage{
			ID:    id,
			Phase: models.UIPhaseStreaming,
		},
	}
	next.Messages = append(next.Messages, msg)
	idx := len(next.Messages) - 1
	next.msgIndex[id] = idx
	return idx
}

// mergeText implements the five-case text-delta merge: incremental chunks
// and cumulative snapshots both arrive as "incoming" and must be
// reconciled against "current" without duplicating or losing content.
func mergeText(current, incoming string) string {
	if incoming == "" {
		return current
	}
	if incoming == current {
		return current
	}
	if strings.HasPrefix(incoming, current) {
		return incoming
	}
	if strings.HasPrefix(current, incoming) {
		return current
	}
	return current + incoming
}

func appendStreamLog(logs []string, chunk string) []string {
	out := append([]string(nil), logs...)
	out = append(out, chunk)

	for len(out) > maxStreamLogChunks {
		out = out[1:]
	}
	total := 0
	for _, c := range out {
		total += len(c)
	}
	for total > maxStreamLogChars && len(out) > 0 {
		total -= len(out[0])
		out = out[1:]
	}
	return out
}

func truncateResult(output string) string {
	if len(output) <= maxResultChars {
		return output
	}
	return output[:maxResultChars] + truncationSentinel
}
