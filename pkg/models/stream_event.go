package models

import "time"

// StreamEventType is the closed taxonomy of events the stream reducer
// accepts, the UI-facing vocabulary the reducer folds into UIMessage state.
type StreamEventType string

const (
	EventTextStart    StreamEventType = "TEXT_START"
	EventTextDelta    StreamEventType = "TEXT_DELTA"
	EventTextComplete StreamEventType = "TEXT_COMPLETE"

	EventReasoningStart    StreamEventType = "REASONING_START"
	EventReasoningDelta    StreamEventType = "REASONING_DELTA"
	EventReasoningComplete StreamEventType = "REASONING_COMPLETE"

	EventToolCallCreated StreamEventType = "TOOL_CALL_CREATED"
	EventToolCallStream  StreamEventType = "TOOL_CALL_STREAM"
	EventToolCallResult  StreamEventType = "TOOL_CALL_RESULT"

	EventCodePatch   StreamEventType = "CODE_PATCH"
	EventUsageUpdate StreamEventType = "USAGE_UPDATE"
	EventStatus      StreamEventType = "STATUS"
	EventError       StreamEventType = "ERROR"
	EventSubAgent    StreamEventType = "SUBAGENT_EVENT"
)

// StreamEvent is one entry in a single session's strictly-ordered event
// stream. Exactly one payload pointer is populated, selected by Type.
type StreamEvent struct {
	Type      StreamEventType `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	Index     int             `json:"index"`

	// MsgID, when set, is the UI message this event applies to. Text and
	// reasoning events may omit it and rely on assistant-message resolution.
	MsgID string `json:"msg_id,omitempty"`

	Text       *TextDeltaPayload    `json:"text,omitempty"`
	ToolCreate *ToolCallCreatedData `json:"tool_create,omitempty"`
	ToolStream *ToolCallStreamData  `json:"tool_stream,omitempty"`
	ToolResult *ToolCallResultData  `json:"tool_result,omitempty"`
	CodePatch  *CodePatchData       `json:"code_patch,omitempty"`
	Usage      *Usage               `json:"usage,omitempty"`
	Status     *StatusData          `json:"status,omitempty"`
	Error      *ErrorData           `json:"error,omitempty"`
	SubAgent   *SubAgentData        `json:"subagent,omitempty"`
}

// TextDeltaPayload carries TEXT_*/REASONING_* content.
type TextDeltaPayload struct {
	Content string `json:"content"`
}

// ToolCallCreatedData declares a new tool call on the current assistant message.
type ToolCallCreatedData struct {
	CallID   string `json:"call_id"`
	ToolName string `json:"tool_name"`
	ArgsJSON string `json:"args_json"`
}

// ToolCallStreamData is one chunk of a tool's streamed stdout/stderr.
type ToolCallStreamData struct {
	CallID string `json:"call_id"`
	Output string `json:"output"`
}

// ToolCallResultData is a tool call's terminal result.
type ToolCallResultData struct {
	CallID   string `json:"call_id"`
	Status   string `json:"status"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code,omitempty"`
}

// CodePatchData carries a rendered diff for the code_patch UI message kind.
type CodePatchData struct {
	Path     string `json:"path"`
	Diff     string `json:"diff"`
	Language string `json:"language,omitempty"`
}

// StatusData carries a run-level status transition; reducer streaming
// flags derive from State.
type StatusData struct {
	State string `json:"state"`
}

// ErrorData carries a run-level error message.
type ErrorData struct {
	Message string `json:"message"`
}

// SubAgentData wraps a nested run's own StreamEvent for re-emission on the
// parent stream, per §4.4's sub-agent event passthrough.
type SubAgentData struct {
	TaskID         string       `json:"task_id"`
	SubagentType   string       `json:"subagent_type"`
	ChildSessionID string       `json:"child_session_id"`
	Event          *StreamEvent `json:"event"`
}
