package agent

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/concord/kernel/internal/runtimeapi"
	"github.com/concord/kernel/internal/sessions"
	"github.com/concord/kernel/internal/storage"
	"github.com/concord/kernel/pkg/models"
)

// scriptedProvider replays a fixed sequence of chunk batches, one batch per
// Complete call, so a test can script an exact multi-turn conversation.
type scriptedProvider struct {
	batches [][]*CompletionChunk
	call    int
}

func (p *scriptedProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	idx := p.call
	if idx >= len(p.batches) {
		idx = len(p.batches) - 1
	}
	p.call++
	ch := make(chan *CompletionChunk, len(p.batches[idx]))
	for _, c := range p.batches[idx] {
		ch <- c
	}
	close(ch)
	return ch, nil
}

func (p *scriptedProvider) Name() string           { return "scripted" }
func (p *scriptedProvider) Models() []Model        { return nil }
func (p *scriptedProvider) SupportsTools() bool     { return true }

type echoTool struct{ name string }

func (t *echoTool) Name() string               { return t.name }
func (t *echoTool) Description() string        { return "echoes its input" }
func (t *echoTool) Schema() json.RawMessage     { return json.RawMessage(`{"type":"object"}`) }
func (t *echoTool) Execute(ctx context.Context, params json.RawMessage) (*ToolResult, error) {
	return &ToolResult{Content: "echo:" + string(params)}, nil
}

func newTestRuntime(t *testing.T, provider Provider, tools *ToolRegistry) (*Runtime, *AgentBinding) {
	t.Helper()
	rt := NewRuntime(sessions.Config{Enabled: false}, DefaultToolExecConfig(), DefaultTruncationConfig(), nil)
	binding := &AgentBinding{
		Profile: &models.AgentProfile{
			AgentID:        "agent-1",
			SystemPrompt:   "you are a test agent",
			ProviderHandle: "scripted-model",
			Limits:         models.AgentLimits{MaxLoops: 5},
		},
		Provider: provider,
		Tools:    tools,
		Sessions: storage.NewMemoryStore(),
	}
	rt.Register(binding)
	return rt, binding
}

func waitForTerminal(t *testing.T, rt *Runtime, runID string) *models.TrackedRun {
	t.Helper()
	events, unsub := rt.Subscribe(runID)
	defer unsub()
	select {
	case ev := <-events:
		run, err := rt.Status(context.Background(), runID)
		if err != nil {
			t.Fatalf("Status() error = %v", err)
		}
		if run.Status != ev.Status {
			t.Fatalf("Status() = %v, event reported %v", run.Status, ev.Status)
		}
		return run
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for terminal run event")
		return nil
	}
}

func TestExecuteCompletesOnToolFreeResponse(t *testing.T) {
	provider := &scriptedProvider{batches: [][]*CompletionChunk{
		{{Text: "task is complete", Done: true}},
	}}
	rt, _ := newTestRuntime(t, provider, NewToolRegistry())

	runID, err := rt.Execute(context.Background(), runtimeapi.ExecuteCommand{AgentID: "agent-1", Input: "do the thing"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	run := waitForTerminal(t, rt, runID)
	if run.Status != models.RunCompleted {
		t.Fatalf("Status = %v, want completed", run.Status)
	}
}

func TestExecuteRunsToolThenCompletes(t *testing.T) {
	provider := &scriptedProvider{batches: [][]*CompletionChunk{
		{{ToolCall: &models.ToolCall{ID: "c1", Name: "echo", Input: json.RawMessage(`{"x":1}`)}, Done: true}},
		{{Text: "done", Done: true}},
	}}
	registry := NewToolRegistry()
	registry.Register(&echoTool{name: "echo"})
	rt, _ := newTestRuntime(t, provider, registry)

	runID, err := rt.Execute(context.Background(), runtimeapi.ExecuteCommand{AgentID: "agent-1", Input: "use the tool"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	run := waitForTerminal(t, rt, runID)
	if run.Status != models.RunCompleted {
		t.Fatalf("Status = %v, want completed", run.Status)
	}
	if provider.call != 2 {
		t.Fatalf("provider called %d times, want 2 (one per loop iteration)", provider.call)
	}
}

func TestExecuteUnknownAgentErrors(t *testing.T) {
	rt := NewRuntime(sessions.Config{}, DefaultToolExecConfig(), DefaultTruncationConfig(), nil)
	if _, err := rt.Execute(context.Background(), runtimeapi.ExecuteCommand{AgentID: "nobody"}); err == nil {
		t.Fatal("expected error for unregistered agent")
	}
}

func TestAbortTransitionsToAborted(t *testing.T) {
	blocking := make(chan *CompletionChunk)
	provider := &blockingProvider{ch: blocking}
	rt, _ := newTestRuntime(t, provider, NewToolRegistry())

	runID, err := rt.Execute(context.Background(), runtimeapi.ExecuteCommand{AgentID: "agent-1", Input: "go"})
	if err != nil {
		t.Fatalf("Execute() error = %v", err)
	}

	events, unsub := rt.Subscribe(runID)
	defer unsub()

	rt.Abort(runID)

	select {
	case ev := <-events:
		if ev.Status != models.RunAborted {
			t.Fatalf("Status = %v, want aborted", ev.Status)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for abort to propagate")
	}
}

// blockingProvider never sends a chunk until its context is cancelled, so a
// test can exercise the abort path deterministically.
type blockingProvider struct{ ch chan *CompletionChunk }

func (p *blockingProvider) Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error) {
	return p.ch, nil
}
func (p *blockingProvider) Name() string       { return "blocking" }
func (p *blockingProvider) Models() []Model    { return nil }
func (p *blockingProvider) SupportsTools() bool { return false }

func TestMatchesTermination(t *testing.T) {
	cases := map[string]bool{
		"The task is complete.":    true,
		"All done!":                true,
		"Success: built and ran.":  true,
		"still working on it":      false,
		"":                         false,
	}
	for text, want := range cases {
		if got := matchesTermination(text); got != want {
			t.Errorf("matchesTermination(%q) = %v, want %v", text, got, want)
		}
	}
}
