package agent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
)

type schemaTool struct {
	name   string
	schema string
}

func (t *schemaTool) Name() string            { return t.name }
func (t *schemaTool) Description() string     { return "schema test tool" }
func (t *schemaTool) Schema() json.RawMessage { return json.RawMessage(t.schema) }
func (t *schemaTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return &ToolResult{Content: "ok"}, nil
}

func newSchemaTool(name string) *schemaTool {
	return &schemaTool{
		name: name,
		schema: `{
			"type": "object",
			"properties": {"agent_id": {"type": "string"}},
			"required": ["agent_id"]
		}`,
	}
}

func TestToolRegistryExecuteValidatesArgsAgainstSchema(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(newSchemaTool("dispatch"))

	result, err := registry.Execute(context.Background(), "dispatch", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if !result.IsError {
		t.Fatalf("expected validation failure for missing required field, got %+v", result)
	}
	if !strings.HasPrefix(result.Content, "INVALID_ARGUMENTS:") {
		t.Errorf("expected INVALID_ARGUMENTS content prefix, got %q", result.Content)
	}
	if result.Metadata["error"] != "INVALID_ARGUMENTS" {
		t.Errorf("expected metadata error code INVALID_ARGUMENTS, got %v", result.Metadata["error"])
	}
}

func TestToolRegistryExecutePassesValidArgs(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(newSchemaTool("dispatch"))

	result, err := registry.Execute(context.Background(), "dispatch", json.RawMessage(`{"agent_id":"a1"}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success, got error result: %+v", result)
	}
}

func TestToolRegistryExecuteEmptySchemaSkipsValidation(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(&testExecTool{
		name: "noop",
		execFunc: func(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
			return &ToolResult{Content: "ok"}, nil
		},
	})

	result, err := registry.Execute(context.Background(), "noop", json.RawMessage(`{"anything":1}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success with permissive schema, got %+v", result)
	}
}

func TestToolRegistryReRegisterInvalidatesSchemaCache(t *testing.T) {
	registry := NewToolRegistry()
	registry.Register(newSchemaTool("dispatch"))

	// Replace with a tool of the same name but a permissive schema; the
	// cached compiled schema from the first Register must not leak through.
	registry.Register(&schemaTool{name: "dispatch", schema: `{}`})

	result, err := registry.Execute(context.Background(), "dispatch", json.RawMessage(`{}`))
	if err != nil {
		t.Fatalf("Execute returned error: %v", err)
	}
	if result.IsError {
		t.Fatalf("expected success after re-registering with a permissive schema, got %+v", result)
	}
}
