package reducer

import (
	"testing"
	"time"

	"github.com/concord/kernel/pkg/models"
)

func textEvent(typ models.StreamEventType, msgID, content string, idx int) models.StreamEvent {
	return models.StreamEvent{
		Type:      typ,
		MsgID:     msgID,
		Index:     idx,
		Timestamp: time.Unix(0, int64(idx)+1),
		Text:      &models.TextDeltaPayload{Content: content},
	}
}

// TestTextStreamWithToolCall is scenario S1 from the spec: a streamed
// assistant message followed by a single tool call with stream output
// and a result.
func TestTextStreamWithToolCall(t *testing.T) {
	s := New()
	s = Ingest(s, textEvent(models.EventTextStart, "m1", "", 0))
	s = Ingest(s, textEvent(models.EventTextDelta, "m1", "Hel", 1))
	s = Ingest(s, textEvent(models.EventTextDelta, "m1", "lo", 2))
	s = Ingest(s, textEvent(models.EventTextComplete, "m1", "", 3))

	s = Ingest(s, models.StreamEvent{
		Type: models.EventToolCallCreated, MsgID: "m1", Index: 4, Timestamp: time.Unix(0, 5),
		ToolCreate: &models.ToolCallCreatedData{CallID: "c1", ToolName: "lookup", ArgsJSON: `{"q":"x"}`},
	})
	s = Ingest(s, models.StreamEvent{
		Type: models.EventToolCallStream, Index: 5, Timestamp: time.Unix(0, 6),
		ToolStream: &models.ToolCallStreamData{CallID: "c1", Output: "line-1"},
	})
	s = Ingest(s, models.StreamEvent{
		Type: models.EventToolCallResult, Index: 6, Timestamp: time.Unix(0, 7),
		ToolResult: &models.ToolCallResultData{CallID: "c1", Status: "success", Output: `{"ok":true}`},
	})

	if len(s.Messages) != 1 {
		t.Fatalf("len(Messages) = %d, want 1", len(s.Messages))
	}
	asst := s.Messages[0].Assistant
	if asst == nil {
		t.Fatal("expected assistant message")
	}
	if asst.Content != "Hello" {
		t.Fatalf("Content = %q, want Hello", asst.Content)
	}
	if asst.Phase != models.UIPhaseCompleted {
		t.Fatalf("Phase = %q, want completed", asst.Phase)
	}
	if len(asst.ToolCalls) != 1 {
		t.Fatalf("len(ToolCalls) = %d, want 1", len(asst.ToolCalls))
	}
	tc := asst.ToolCalls[0]
	if len(tc.StreamLogs) != 1 || tc.StreamLogs[0] != "line-1" {
		t.Fatalf("StreamLogs = %v", tc.StreamLogs)
	}
	if tc.Result == nil || tc.Result.Output != `{"ok":true}` || tc.Result.Status != "success" {
		t.Fatalf("Result = %+v", tc.Result)
	}
	if s.Streaming {
		t.Fatal("Streaming should be false after TOOL_CALL_RESULT")
	}
}

func TestMergeTextAlgebraicLaws(t *testing.T) {
	if got := mergeText("x", ""); got != "x" {
		t.Fatalf("mergeText(x, '') = %q", got)
	}
	if got := mergeText("", "y"); got != "y" {
		t.Fatalf("mergeText('', y) = %q", got)
	}
	if got := mergeText("x", "x"); got != "x" {
		t.Fatalf("mergeText(x, x) = %q", got)
	}
	if got := mergeText("x", "xy"); got != "xy" {
		t.Fatalf("mergeText(x, xy) = %q", got)
	}
}

func TestResetYieldsInitialState(t *testing.T) {
	s := New()
	s = Ingest(s, textEvent(models.EventTextDelta, "m1", "hi", 0))
	s = Reset()
	if len(s.Messages) != 0 || s.Streaming {
		t.Fatalf("Reset() did not yield an empty state: %+v", s)
	}
}

func TestAtMostOneStreamingAssistant(t *testing.T) {
	s := New()
	s = Ingest(s, textEvent(models.EventTextDelta, "m1", "a", 0))
	s = Ingest(s, textEvent(models.EventTextComplete, "m1", "a", 1))
	s = Ingest(s, textEvent(models.EventTextDelta, "m2", "b", 2))

	streamingCount := 0
	for _, m := range s.Messages {
		if m.Kind == models.UIKindAssistant && m.Assistant.Phase == models.UIPhaseStreaming {
			streamingCount++
		}
	}
	if streamingCount > 1 {
		t.Fatalf("streamingCount = %d, want <= 1", streamingCount)
	}
}

func TestUnknownCallIDIsNoOp(t *testing.T) {
	s := New()
	before := s
	s = Ingest(s, models.StreamEvent{
		Type: models.EventToolCallResult, Timestamp: time.Unix(0, 1),
		ToolResult: &models.ToolCallResultData{CallID: "missing", Status: "success"},
	})
	if len(s.Messages) != len(before.Messages) {
		t.Fatal("unknown callId event should be a no-op")
	}
}

func TestErrorEventSetsErrorAndClearErrorResetsIt(t *testing.T) {
	s := New()
	s = Ingest(s, models.StreamEvent{
		Type: models.EventError, Timestamp: time.Unix(0, 1),
		Error: &models.ErrorData{Message: "boom"},
	})
	if s.Error == nil || *s.Error != "boom" {
		t.Fatalf("Error = %v, want boom", s.Error)
	}
	if len(s.Messages) != 1 {
		t.Fatalf("expected an error UI message, got %d messages", len(s.Messages))
	}

	s = ClearError(s)
	if s.Error != nil {
		t.Fatal("ClearError should nil out Error")
	}
	if len(s.Messages) != 1 {
		t.Fatal("ClearError must not touch the message list")
	}
}

func TestEmptyStreamYieldsEmptyState(t *testing.T) {
	s := New()
	if len(s.Messages) != 0 || s.Error != nil || s.Streaming {
		t.Fatalf("zero events should yield an empty state, got %+v", s)
	}
}

func TestPruneRebuildsLocators(t *testing.T) {
	s := New()
	s = Ingest(s, textEvent(models.EventTextComplete, "m1", "one", 0))
	s = Ingest(s, models.StreamEvent{
		Type: models.EventToolCallCreated, MsgID: "m1", Timestamp: time.Unix(0, 1),
		ToolCreate: &models.ToolCallCreatedData{CallID: "c1", ToolName: "x", ArgsJSON: "{}"},
	})
	s = Ingest(s, textEvent(models.EventTextComplete, "m2", "two", 2))
	s = Ingest(s, textEvent(models.EventTextComplete, "m3", "three", 3))

	s = Prune(s, 2)
	if len(s.Messages) != 2 {
		t.Fatalf("len(Messages) = %d, want 2", len(s.Messages))
	}
	if _, ok := s.calls["c1"]; ok {
		t.Fatal("Prune should have dropped the locator for a pruned message's tool call")
	}

	// Resolving m2 by id must still work post-prune.
	s = Ingest(s, textEvent(models.EventTextDelta, "m2", "-more", 4))
	if s.Messages[0].Assistant.Content != "two-more" {
		t.Fatalf("Content = %q, want two-more", s.Messages[0].Assistant.Content)
	}
}

func TestTruncateResultAddsSentinelOnlyOverLimit(t *testing.T) {
	exact := make([]byte, maxResultChars)
	for i := range exact {
		exact[i] = 'a'
	}
	if got := truncateResult(string(exact)); got != string(exact) {
		t.Fatal("output at exactly the limit must not be truncated")
	}

	over := string(exact) + "b"
	got := truncateResult(over)
	if got == over {
		t.Fatal("output over the limit must be truncated")
	}
	if got[len(got)-len(truncationSentinel):] != truncationSentinel {
		t.Fatalf("truncated output missing sentinel: %q", got)
	}
}

func TestSubAgentEventIsPassthroughNotRendered(t *testing.T) {
	s := New()
	s = Ingest(s, models.StreamEvent{
		Type: models.EventSubAgent, Timestamp: time.Unix(0, 1),
		SubAgent: &models.SubAgentData{TaskID: "t1", SubagentType: "coder", ChildSessionID: "c1"},
	})
	if len(s.Messages) != 0 {
		t.Fatal("SUBAGENT_EVENT must not be rendered into the default message list")
	}
	if len(s.SubAgentEvents) != 1 {
		t.Fatal("SUBAGENT_EVENT should still be recorded for opt-in UIs")
	}
}
