package mailbox

import (
	"context"
	"testing"
	"time"

	"github.com/concord/kernel/pkg/models"
)

type fakeExistence struct{ known map[string]bool }

func (f fakeExistence) AgentExists(agentID string) bool { return f.known[agentID] }

type fakeProgress struct{ runs []*models.TrackedRun }

func (f fakeProgress) QueryInFlightChildren(parentRunID string, limit int) []*models.TrackedRun {
	return f.runs
}

func newTestMailbox() *Mailbox {
	existence := fakeExistence{known: map[string]bool{"reviewer": true, "coder": true, "controller": true}}
	return New(existence, fakeProgress{})
}

func TestSendMessageRejectsUnknownAgent(t *testing.T) {
	m := newTestMailbox()
	_, err := m.SendMessage(SendRequest{FromAgentID: "ghost", ToAgentID: "coder"})
	if err != ErrUnknownAgent {
		t.Fatalf("error = %v, want ErrUnknownAgent", err)
	}
}

// TestIdempotentSend covers invariant 5: two sends with the same
// (toAgentId, idempotencyKey) must produce one queue entry.
func TestIdempotentSend(t *testing.T) {
	m := newTestMailbox()
	req := SendRequest{FromAgentID: "reviewer", ToAgentID: "coder", IdempotencyKey: "k1", Payload: map[string]any{"n": 1}}

	first, err := m.SendMessage(req)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	second, err := m.SendMessage(req)
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}
	if first.MessageID != second.MessageID {
		t.Fatalf("MessageID mismatch: %s != %s", first.MessageID, second.MessageID)
	}

	msgs := m.ReceiveMessages("coder", ReceiveOptions{})
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
}

func TestReceiveEmptyQueueReturnsEmpty(t *testing.T) {
	m := newTestMailbox()
	msgs := m.ReceiveMessages("coder", ReceiveOptions{})
	if len(msgs) != 0 {
		t.Fatalf("len(msgs) = %d, want 0", len(msgs))
	}
}

// TestMailboxLeaseExpiry is scenario S3.
func TestMailboxLeaseExpiry(t *testing.T) {
	m := newTestMailbox()
	_, err := m.SendMessage(SendRequest{FromAgentID: "reviewer", ToAgentID: "coder", Topic: "bug"})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	msgs := m.ReceiveMessages("coder", ReceiveOptions{LeaseMs: 100})
	if len(msgs) != 1 || msgs[0].Attempt != 1 {
		t.Fatalf("first receive = %+v", msgs)
	}

	time.Sleep(120 * time.Millisecond)

	msgs = m.ReceiveMessages("coder", ReceiveOptions{})
	if len(msgs) != 1 {
		t.Fatalf("second receive len = %d, want 1", len(msgs))
	}
	if msgs[0].Attempt != 2 {
		t.Fatalf("Attempt = %d, want 2", msgs[0].Attempt)
	}
	if msgs[0].LastError != "lease expired" {
		t.Fatalf("LastError = %q, want 'lease expired'", msgs[0].LastError)
	}
}

// TestDeadLetterOnRetryExhaustion is scenario S4.
func TestDeadLetterOnRetryExhaustion(t *testing.T) {
	m := newTestMailbox()
	_, err := m.SendMessage(SendRequest{FromAgentID: "reviewer", ToAgentID: "coder", MaxAttempts: 1})
	if err != nil {
		t.Fatalf("SendMessage() error = %v", err)
	}

	msgs := m.ReceiveMessages("coder", ReceiveOptions{})
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}

	result := m.NackMessage("coder", msgs[0].MessageID, NackOptions{Error: "x"})
	if !result.DeadLettered || result.Requeued {
		t.Fatalf("NackMessage() = %+v, want dead-lettered", result)
	}

	dead := m.ListDeadLetters("coder", 20)
	if len(dead) != 1 || dead[0].Status != models.MailboxDeadLetter {
		t.Fatalf("ListDeadLetters() = %+v", dead)
	}

	msgs = m.ReceiveMessages("coder", ReceiveOptions{})
	if len(msgs) != 0 {
		t.Fatalf("receive after dead-letter = %+v, want empty", msgs)
	}
}

func TestNackRequeuesWhenAttemptsRemain(t *testing.T) {
	m := newTestMailbox()
	_, _ = m.SendMessage(SendRequest{FromAgentID: "reviewer", ToAgentID: "coder", MaxAttempts: 3})

	msgs := m.ReceiveMessages("coder", ReceiveOptions{})
	result := m.NackMessage("coder", msgs[0].MessageID, NackOptions{Error: "transient"})
	if !result.Requeued || result.DeadLettered {
		t.Fatalf("NackMessage() = %+v, want requeued", result)
	}

	msgs = m.ReceiveMessages("coder", ReceiveOptions{})
	if len(msgs) != 1 || msgs[0].LastError != "transient" {
		t.Fatalf("requeued message = %+v", msgs)
	}
}

func TestAckIsIdempotent(t *testing.T) {
	m := newTestMailbox()
	_, _ = m.SendMessage(SendRequest{FromAgentID: "reviewer", ToAgentID: "coder"})
	msgs := m.ReceiveMessages("coder", ReceiveOptions{})

	if !m.AckMessage("coder", msgs[0].MessageID) {
		t.Fatal("first ack should succeed")
	}
	if m.AckMessage("coder", msgs[0].MessageID) {
		t.Fatal("second ack of the same message should return false")
	}
}

// TestWaitWithProgressTimeout is scenario S6.
func TestWaitWithProgressTimeout(t *testing.T) {
	existence := fakeExistence{known: map[string]bool{"controller": true, "coder": true}}
	progress := fakeProgress{runs: []*models.TrackedRun{{RunID: "R1", AgentID: "coder", Status: models.RunRunning}}}
	m := New(existence, progress)

	result := m.WaitForMessages(context.Background(), "controller", WaitOptions{
		WaitMs: 50, PollIntervalMs: 10, ParentRunID: "R0", IncludeChildProgressOnTimeout: true,
	})
	if !result.TimedOut {
		t.Fatal("expected TimedOut = true")
	}
	if len(result.Messages) != 0 {
		t.Fatalf("Messages = %v, want empty", result.Messages)
	}
	if len(result.ChildProgress) != 1 || result.ChildProgress[0].RunID != "R1" {
		t.Fatalf("ChildProgress = %+v", result.ChildProgress)
	}
}

func TestWaitZeroReturnsImmediately(t *testing.T) {
	m := newTestMailbox()
	start := time.Now()
	result := m.WaitForMessages(context.Background(), "coder", WaitOptions{WaitMs: 0})
	if !result.TimedOut {
		t.Fatal("expected TimedOut = true")
	}
	if elapsed := time.Since(start); elapsed > 50*time.Millisecond {
		t.Fatalf("WaitForMessages(waitMs=0) took %v, want near-immediate", elapsed)
	}
}

func TestWaitReturnsAsSoonAsMessageArrives(t *testing.T) {
	m := newTestMailbox()
	go func() {
		time.Sleep(20 * time.Millisecond)
		_, _ = m.SendMessage(SendRequest{FromAgentID: "reviewer", ToAgentID: "coder"})
	}()

	start := time.Now()
	result := m.WaitForMessages(context.Background(), "coder", WaitOptions{WaitMs: 5000, PollIntervalMs: 10})
	if result.TimedOut {
		t.Fatal("expected TimedOut = false once a message arrives")
	}
	if len(result.Messages) != 1 {
		t.Fatalf("Messages = %v, want 1", result.Messages)
	}
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Fatalf("WaitForMessages took too long: %v", elapsed)
	}
}
