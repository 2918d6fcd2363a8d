package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Tool parameter limits to prevent resource exhaustion.
const (
	// MaxToolNameLength is the maximum length of a tool name.
	MaxToolNameLength = 256

	// MaxToolParamsSize is the maximum size of tool parameters JSON (10MB).
	MaxToolParamsSize = 10 << 20
)

// ToolRegistry manages available tools with thread-safe registration and
// lookup (SPEC_FULL.md §4.3: register/hasTool/execute/toLLMTools).
type ToolRegistry struct {
	mu    sync.RWMutex
	tools map[string]Tool

	schemaCache sync.Map // tool name -> *jsonschema.Schema
}

// NewToolRegistry creates a new empty tool registry ready for registration.
func NewToolRegistry() *ToolRegistry {
	return &ToolRegistry{tools: make(map[string]Tool)}
}

// Register adds a tool to the registry by its name, replacing any existing
// tool of the same name.
func (r *ToolRegistry) Register(tool Tool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[tool.Name()] = tool
	r.schemaCache.Delete(tool.Name())
}

// Unregister removes a tool from the registry by name.
func (r *ToolRegistry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tools, name)
	r.schemaCache.Delete(name)
}

// HasTool reports whether name is registered.
func (r *ToolRegistry) HasTool(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Get returns a tool by name and a boolean indicating if it was found.
func (r *ToolRegistry) Get(name string) (Tool, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tool, ok := r.tools[name]
	return tool, ok
}

// Execute runs a tool by name with the given JSON parameters, validating
// arguments against size limits and the tool's declared JSON Schema
// (spec.md §4.3: "Arguments are validated against the tool's declared
// schema before execution") before dispatch.
func (r *ToolRegistry) Execute(ctx context.Context, name string, params json.RawMessage) (*ToolResult, error) {
	if len(name) > MaxToolNameLength {
		return &ToolResult{Content: fmt.Sprintf("tool name exceeds maximum length of %d characters", MaxToolNameLength), IsError: true}, nil
	}
	if len(params) > MaxToolParamsSize {
		return &ToolResult{Content: fmt.Sprintf("tool parameters exceed maximum size of %d bytes", MaxToolParamsSize), IsError: true}, nil
	}

	r.mu.RLock()
	tool, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return &ToolResult{Content: "tool not found: " + name, IsError: true}, nil
	}

	if err := r.validateArgs(tool, params); err != nil {
		return &ToolResult{
			Content: fmt.Sprintf("INVALID_ARGUMENTS: %s", err),
			IsError: true,
			Metadata: map[string]any{
				"error": "INVALID_ARGUMENTS",
			},
		}, nil
	}

	return tool.Execute(ctx, params)
}

// validateArgs compiles (and caches) the tool's declared schema and
// validates params against it, grounded on pkg/pluginsdk/validation.go's
// compile-and-cache pattern.
func (r *ToolRegistry) validateArgs(tool Tool, params json.RawMessage) error {
	rawSchema := tool.Schema()
	if len(rawSchema) == 0 {
		return nil
	}

	schema, err := r.compileSchema(tool.Name(), rawSchema)
	if err != nil {
		return fmt.Errorf("compile schema: %w", err)
	}

	args := params
	if len(args) == 0 {
		args = json.RawMessage("{}")
	}
	var decoded any
	if err := json.Unmarshal(args, &decoded); err != nil {
		return fmt.Errorf("decode arguments: %w", err)
	}

	if err := schema.Validate(decoded); err != nil {
		return err
	}
	return nil
}

func (r *ToolRegistry) compileSchema(name string, rawSchema json.RawMessage) (*jsonschema.Schema, error) {
	if cached, ok := r.schemaCache.Load(name); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", string(rawSchema))
	if err != nil {
		return nil, err
	}
	r.schemaCache.Store(name, compiled)
	return compiled, nil
}

// AsLLMTools returns all registered tools as a slice for passing to LLM
// providers' schema export.
func (r *ToolRegistry) AsLLMTools() []Tool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tools := make([]Tool, 0, len(r.tools))
	for _, t := range r.tools {
		tools = append(tools, t)
	}
	return tools
}
