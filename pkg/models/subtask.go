package models

import "time"

// SubTaskMode indicates whether a spawned child run is awaited inline or
// continues after the parent's current turn returns.
type SubTaskMode string

const (
	SubTaskForeground SubTaskMode = "foreground"
	SubTaskBackground SubTaskMode = "background"
)

// SubTaskRun is the persisted record of a child run launched by the dispatch
// tool. Message bodies are not duplicated here; they live in the child
// session's own context document.
type SubTaskRun struct {
	RunID          string      `json:"run_id"`
	ParentSessionID string     `json:"parent_session_id"`
	ChildSessionID string      `json:"child_session_id"`
	Mode           SubTaskMode `json:"mode"`
	Status         RunStatus   `json:"status"`
	SubagentType   string      `json:"subagent_type"`
	StartedAt      time.Time   `json:"started_at"`
	MessageCount   int         `json:"message_count"`
	Output         string      `json:"output,omitempty"`
}
