package kernel

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/concord/kernel/internal/agent"
	"github.com/concord/kernel/internal/mailbox"
	"github.com/concord/kernel/pkg/models"
)

// privilegedTool bundles the kernel + mailbox a privileged tool needs and
// the calling agent's id (bound at registration, one instance per agent).
type privilegedTool struct {
	kernel  *Kernel
	mailbox *mailbox.Mailbox
	caller  string
}

func jsonSchema(properties map[string]any, required ...string) json.RawMessage {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	data, err := json.Marshal(schema)
	if err != nil {
		return json.RawMessage("{}")
	}
	return data
}

func errResult(format string, args ...any) (*agent.ToolResult, error) {
	return &agent.ToolResult{Content: fmt.Sprintf(format, args...), IsError: true}, nil
}

func jsonResult(v any) (*agent.ToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return errResult("failed to encode result: %v", err)
	}
	return &agent.ToolResult{Content: string(data)}, nil
}

// NewPrivilegedTools returns the eight kernel-injected tools (SPEC_FULL.md
// §4.3/§4.5), bound to callerAgentID — the id the tool execution is running
// on behalf of, used to resolve defaults and enforce the controller-only
// restriction on dispatch_task.
func NewPrivilegedTools(k *Kernel, mb *mailbox.Mailbox, callerAgentID string) []agent.Tool {
	base := privilegedTool{kernel: k, mailbox: mb, caller: callerAgentID}
	return []agent.Tool{
		&getStatusTool{base},
		&dispatchTaskTool{base},
		&sendMessageTool{base},
		&receiveMessagesTool{base},
		&waitForMessagesTool{base},
		&ackMessagesTool{base},
		&nackMessageTool{base},
		&listDeadLettersTool{base},
	}
}

// --- agent_get_status ---

type getStatusTool struct{ privilegedTool }

func (t *getStatusTool) Name() string        { return "agent_get_status" }
func (t *getStatusTool) Description() string {
	return "Query the status of runs dispatched by or belonging to the calling agent. Absent filters default to the caller's own runs (or, for the controller, its dispatched children)."
}
func (t *getStatusTool) Schema() json.RawMessage {
	return jsonSchema(map[string]any{
		"run_id":          map[string]any{"type": "string", "description": "Exact run id to look up"},
		"agent_id":        map[string]any{"type": "string", "description": "Filter to runs executed by this agent"},
		"parent_run_id":   map[string]any{"type": "string", "description": "Filter to runs dispatched under this parent run"},
		"parent_agent_id": map[string]any{"type": "string", "description": "Filter to runs dispatched by this controller agent"},
		"statuses":        map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Filter to these run statuses"},
		"limit":           map[string]any{"type": "integer", "description": "Max results (default 50, capped at 200)"},
	})
}

type getStatusInput struct {
	RunID         string            `json:"run_id,omitempty"`
	AgentID       string            `json:"agent_id,omitempty"`
	ParentRunID   string            `json:"parent_run_id,omitempty"`
	ParentAgentID string            `json:"parent_agent_id,omitempty"`
	Statuses      []models.RunStatus `json:"statuses,omitempty"`
	Limit         int               `json:"limit,omitempty"`
}

func (t *getStatusTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in getStatusInput
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return errResult("invalid agent_get_status parameters: %v", err)
		}
	}
	filter := t.kernel.ResolveStatusDefaults(t.caller, RunFilter{
		RunID: in.RunID, AgentID: in.AgentID, ParentRunID: in.ParentRunID,
		ParentAgentID: in.ParentAgentID, Statuses: in.Statuses, Limit: in.Limit,
	})
	runs, err := t.kernel.QueryRuns(filter)
	if err != nil {
		return errResult("query failed: %v", err)
	}
	return jsonResult(runs)
}

// --- agent_dispatch_task (controller-only) ---

type dispatchTaskTool struct{ privilegedTool }

func (t *dispatchTaskTool) Name() string { return "agent_dispatch_task" }
func (t *dispatchTaskTool) Description() string {
	return "Dispatch a task to another registered agent as a child run. Restricted to the controller agent."
}
func (t *dispatchTaskTool) Schema() json.RawMessage {
	return jsonSchema(map[string]any{
		"agent_id":      map[string]any{"type": "string", "description": "The agent to run the task"},
		"input":         map[string]any{"type": "string", "description": "The task input for the child agent"},
		"parent_run_id": map[string]any{"type": "string", "description": "Parent run id; defaults to the caller's own active run"},
		"timeout_ms":    map[string]any{"type": "integer", "description": "Optional wall-clock timeout for the child run"},
	}, "agent_id", "input")
}

type dispatchTaskInput struct {
	AgentID     string `json:"agent_id"`
	Input       string `json:"input"`
	ParentRunID string `json:"parent_run_id,omitempty"`
	TimeoutMs   int    `json:"timeout_ms,omitempty"`
}

func (t *dispatchTaskTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	if t.caller != t.kernel.ControllerID() {
		return errResult("agent_dispatch_task is restricted to the controller agent")
	}
	var in dispatchTaskInput
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult("invalid agent_dispatch_task parameters: %v", err)
	}
	if in.AgentID == "" || in.Input == "" {
		return errResult("agent_id and input are required")
	}

	parentRunID := in.ParentRunID
	if parentRunID == "" {
		resolved, err := t.kernel.ResolveDispatchParent(t.caller)
		if err != nil {
			return errResult("failed to resolve parent run: %v", err)
		}
		parentRunID = resolved
	}

	handle, err := t.kernel.Dispatch(ctx, ExecuteCommand{
		AgentID: in.AgentID, Input: in.Input, ParentRunID: parentRunID, TimeoutMs: in.TimeoutMs,
	})
	if err != nil {
		return errResult("dispatch failed: %v", err)
	}
	return jsonResult(handle)
}

// --- agent_send_message ---

type sendMessageTool struct{ privilegedTool }

func (t *sendMessageTool) Name() string { return "agent_send_message" }
func (t *sendMessageTool) Description() string {
	return "Send a message to another agent's mailbox."
}
func (t *sendMessageTool) Schema() json.RawMessage {
	return jsonSchema(map[string]any{
		"to_agent_id":     map[string]any{"type": "string", "description": "Recipient agent id"},
		"topic":           map[string]any{"type": "string", "description": "Message topic"},
		"payload":         map[string]any{"type": "object", "description": "Arbitrary message payload"},
		"correlation_id":  map[string]any{"type": "string", "description": "Correlates replies to this message"},
		"idempotency_key": map[string]any{"type": "string", "description": "Deduplicates retried sends"},
	}, "to_agent_id", "topic")
}

type sendMessageInput struct {
	ToAgentID      string         `json:"to_agent_id"`
	Topic          string         `json:"topic"`
	Payload        map[string]any `json:"payload,omitempty"`
	CorrelationID  string         `json:"correlation_id,omitempty"`
	IdempotencyKey string         `json:"idempotency_key,omitempty"`
}

func (t *sendMessageTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in sendMessageInput
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult("invalid agent_send_message parameters: %v", err)
	}
	msg, err := t.mailbox.SendMessage(mailbox.SendRequest{
		FromAgentID: t.caller, ToAgentID: in.ToAgentID, Topic: in.Topic,
		Payload: in.Payload, CorrelationID: in.CorrelationID, IdempotencyKey: in.IdempotencyKey,
	})
	if err != nil {
		return errResult("send failed: %v", err)
	}
	return jsonResult(msg)
}

// --- agent_receive_messages ---

type receiveMessagesTool struct{ privilegedTool }

func (t *receiveMessagesTool) Name() string { return "agent_receive_messages" }
func (t *receiveMessagesTool) Description() string {
	return "Receive queued messages from the caller's own mailbox without blocking."
}
func (t *receiveMessagesTool) Schema() json.RawMessage {
	return jsonSchema(map[string]any{
		"limit":    map[string]any{"type": "integer", "description": "Max messages to receive (default 10)"},
		"lease_ms": map[string]any{"type": "integer", "description": "Invisibility lease duration in ms (default 15000)"},
	})
}

type receiveMessagesInput struct {
	Limit   int `json:"limit,omitempty"`
	LeaseMs int `json:"lease_ms,omitempty"`
}

func (t *receiveMessagesTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in receiveMessagesInput
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return errResult("invalid agent_receive_messages parameters: %v", err)
		}
	}
	msgs := t.mailbox.ReceiveMessages(t.caller, mailbox.ReceiveOptions{Limit: in.Limit, LeaseMs: in.LeaseMs})
	return jsonResult(msgs)
}

// --- agent_wait_for_messages ---

type waitForMessagesTool struct{ privilegedTool }

func (t *waitForMessagesTool) Name() string { return "agent_wait_for_messages" }
func (t *waitForMessagesTool) Description() string {
	return "Block until a message arrives in the caller's mailbox, the wait times out, or dispatched children make progress. Exempt from the tool-call timeout."
}
func (t *waitForMessagesTool) Schema() json.RawMessage {
	return jsonSchema(map[string]any{
		"wait_ms":                         map[string]any{"type": "integer", "description": "Max time to wait in ms (default 30000)"},
		"limit":                           map[string]any{"type": "integer", "description": "Max messages to return"},
		"lease_ms":                        map[string]any{"type": "integer", "description": "Invisibility lease duration in ms"},
		"parent_run_id":                   map[string]any{"type": "string", "description": "Parent run id to report child progress for on timeout"},
		"include_child_progress_on_timeout": map[string]any{"type": "boolean", "description": "Include in-flight child runs if the wait times out empty"},
	})
}

type waitForMessagesInput struct {
	WaitMs                        int    `json:"wait_ms,omitempty"`
	Limit                         int    `json:"limit,omitempty"`
	LeaseMs                       int    `json:"lease_ms,omitempty"`
	ParentRunID                   string `json:"parent_run_id,omitempty"`
	IncludeChildProgressOnTimeout bool   `json:"include_child_progress_on_timeout,omitempty"`
}

func (t *waitForMessagesTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in waitForMessagesInput
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return errResult("invalid agent_wait_for_messages parameters: %v", err)
		}
	}
	waitMs := in.WaitMs
	if waitMs <= 0 {
		waitMs = mailbox.DefaultWaitMs
	}
	result := t.mailbox.WaitForMessages(ctx, t.caller, mailbox.WaitOptions{
		WaitMs: waitMs, Limit: in.Limit, LeaseMs: in.LeaseMs,
		ParentRunID: in.ParentRunID, IncludeChildProgressOnTimeout: in.IncludeChildProgressOnTimeout,
	})
	return jsonResult(result)
}

// --- agent_ack_messages ---

type ackMessagesTool struct{ privilegedTool }

func (t *ackMessagesTool) Name() string        { return "agent_ack_messages" }
func (t *ackMessagesTool) Description() string { return "Acknowledge one or more received messages, removing them from the mailbox." }
func (t *ackMessagesTool) Schema() json.RawMessage {
	return jsonSchema(map[string]any{
		"message_ids": map[string]any{"type": "array", "items": map[string]any{"type": "string"}, "description": "Message ids to acknowledge"},
	}, "message_ids")
}

type ackMessagesInput struct {
	MessageIDs []string `json:"message_ids"`
}

func (t *ackMessagesTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in ackMessagesInput
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult("invalid agent_ack_messages parameters: %v", err)
	}
	acked := make([]string, 0, len(in.MessageIDs))
	for _, id := range in.MessageIDs {
		if t.mailbox.AckMessage(t.caller, id) {
			acked = append(acked, id)
		}
	}
	return jsonResult(map[string]any{"acked": acked})
}

// --- agent_nack_message ---

type nackMessageTool struct{ privilegedTool }

func (t *nackMessageTool) Name() string        { return "agent_nack_message" }
func (t *nackMessageTool) Description() string {
	return "Negative-acknowledge a received message, requeuing it (with optional delay) or sending it to the dead-letter queue once its attempts are exhausted."
}
func (t *nackMessageTool) Schema() json.RawMessage {
	return jsonSchema(map[string]any{
		"message_id":       map[string]any{"type": "string", "description": "Message id to nack"},
		"error":            map[string]any{"type": "string", "description": "Reason for the nack"},
		"requeue_delay_ms": map[string]any{"type": "integer", "description": "Delay before the message becomes visible again"},
	}, "message_id")
}

type nackMessageInput struct {
	MessageID      string `json:"message_id"`
	Error          string `json:"error,omitempty"`
	RequeueDelayMs int    `json:"requeue_delay_ms,omitempty"`
}

func (t *nackMessageTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in nackMessageInput
	if err := json.Unmarshal(params, &in); err != nil {
		return errResult("invalid agent_nack_message parameters: %v", err)
	}
	result := t.mailbox.NackMessage(t.caller, in.MessageID, mailbox.NackOptions{Error: in.Error, RequeueDelayMs: in.RequeueDelayMs})
	return jsonResult(result)
}

// --- agent_list_dead_letters ---

type listDeadLettersTool struct{ privilegedTool }

func (t *listDeadLettersTool) Name() string        { return "agent_list_dead_letters" }
func (t *listDeadLettersTool) Description() string {
	return "List messages that exhausted their retry attempts and were moved to the caller's dead-letter queue."
}
func (t *listDeadLettersTool) Schema() json.RawMessage {
	return jsonSchema(map[string]any{
		"limit": map[string]any{"type": "integer", "description": "Max dead letters to return (default 20)"},
	})
}

type listDeadLettersInput struct {
	Limit int `json:"limit,omitempty"`
}

func (t *listDeadLettersTool) Execute(ctx context.Context, params json.RawMessage) (*agent.ToolResult, error) {
	var in listDeadLettersInput
	if len(params) > 0 {
		if err := json.Unmarshal(params, &in); err != nil {
			return errResult("invalid agent_list_dead_letters parameters: %v", err)
		}
	}
	letters := t.mailbox.ListDeadLetters(t.caller, in.Limit)
	return jsonResult(letters)
}
