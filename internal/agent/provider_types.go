package agent

import (
	"context"
	"encoding/json"

	"github.com/concord/kernel/pkg/models"
)

// Provider is the interface the Agent Runtime (SPEC_FULL.md §4.4) drives to
// talk to an LLM backend. Implementations live under providers/.
//
// Implementations must be safe for concurrent use: Complete may be called
// from multiple runs simultaneously.
type Provider interface {
	// Complete sends a request and returns a streaming response.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for an LLM completion request.
type CompletionRequest struct {
	Model     string              `json:"model"`
	System    string              `json:"system,omitempty"`
	Messages  []CompletionMessage `json:"messages"`
	Tools     []Tool              `json:"tools,omitempty"`
	MaxTokens int                 `json:"max_tokens,omitempty"`

	// EnableThinking/ThinkingBudgetTokens enable extended thinking mode on
	// providers that support it (Claude, Gemini).
	EnableThinking       bool `json:"enable_thinking,omitempty"`
	ThinkingBudgetTokens int  `json:"thinking_budget_tokens,omitempty"`
}

// CompletionMessage represents a single message in a conversation, in the
// shape a provider's wire format expects — a flattened projection of
// pkg/models.Message built fresh from the session log on every request.
type CompletionMessage struct {
	Role        string              `json:"role"`
	Content     string              `json:"content,omitempty"`
	ToolCalls   []models.ToolCall   `json:"tool_calls,omitempty"`
	ToolResults []models.ToolResult `json:"tool_results,omitempty"`
}

// CompletionChunk represents a single chunk in a streaming LLM response.
type CompletionChunk struct {
	Text          string           `json:"text,omitempty"`
	ToolCall      *models.ToolCall `json:"tool_call,omitempty"`
	Done          bool             `json:"done,omitempty"`
	Error         error            `json:"-"`
	Thinking      string           `json:"thinking,omitempty"`
	ThinkingStart bool             `json:"thinking_start,omitempty"`
	ThinkingEnd   bool             `json:"thinking_end,omitempty"`
	InputTokens   int              `json:"input_tokens,omitempty"`
	OutputTokens  int              `json:"output_tokens,omitempty"`
}

// Model describes an available LLM model and its capabilities.
type Model struct {
	ID             string `json:"id"`
	Name           string `json:"name"`
	ContextSize    int    `json:"context_size"`
	SupportsVision bool   `json:"supports_vision"`
}

// Tool defines the interface for executable agent tools, including the
// eight privileged tools the kernel injects (SPEC_FULL.md §4.3/§4.5).
type Tool interface {
	// Name returns the tool name for LLM function calling.
	Name() string

	// Description returns a natural language description of what the tool does.
	Description() string

	// Schema returns the JSON Schema defining the tool's parameters.
	Schema() json.RawMessage

	// Execute runs the tool with the given JSON parameters and a
	// ToolContext threaded through ctx (see WithToolContext).
	Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error)
}

// ToolResult contains the output from a tool execution.
type ToolResult struct {
	Content string `json:"content"`
	IsError bool   `json:"is_error,omitempty"`

	// Metadata carries out-of-band annotations such as truncated=true,
	// which the truncation middleware (truncate.go) checks before acting.
	Metadata map[string]any `json:"metadata,omitempty"`
}

// ToolContext is threaded to every tool Execute call via the context,
// per SPEC_FULL.md §4.3's execution contract.
type ToolContext struct {
	SessionID        string
	WorkingDirectory string
	Platform         string
	Time             func() string
}

type toolContextKey struct{}

// WithToolContext attaches a ToolContext to ctx.
func WithToolContext(ctx context.Context, tc ToolContext) context.Context {
	return context.WithValue(ctx, toolContextKey{}, tc)
}

// ToolContextFromContext retrieves the ToolContext attached to ctx, if any.
func ToolContextFromContext(ctx context.Context) (ToolContext, bool) {
	tc, ok := ctx.Value(toolContextKey{}).(ToolContext)
	return tc, ok
}
