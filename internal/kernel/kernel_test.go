package kernel

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/concord/kernel/internal/mailbox"
	"github.com/concord/kernel/pkg/models"
)

// fakeRuntime is a scripted Runtime: Execute assigns a run id from a
// preconfigured list, Status returns whatever the test has set, and
// Subscribe delivers events the test pushes onto the per-run channel.
type fakeRuntime struct {
	mu      sync.Mutex
	nextID  int
	statues map[string]*models.TrackedRun
	chans   map[string]chan RunEvent
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{statues: map[string]*models.TrackedRun{}, chans: map[string]chan RunEvent{}}
}

func (f *fakeRuntime) Execute(ctx context.Context, cmd ExecuteCommand) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	runID := "R" + string(rune('0'+f.nextID))
	f.statues[runID] = &models.TrackedRun{RunID: runID, AgentID: cmd.AgentID, ParentRunID: cmd.ParentRunID, Status: models.RunRunning, CreatedAt: time.Now()}
	f.chans[runID] = make(chan RunEvent, 4)
	return runID, nil
}

func (f *fakeRuntime) Status(ctx context.Context, runID string) (*models.TrackedRun, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.statues[runID]
	if !ok {
		return nil, nil
	}
	return run.Clone(), nil
}

func (f *fakeRuntime) Subscribe(runID string) (<-chan RunEvent, func()) {
	f.mu.Lock()
	ch := f.chans[runID]
	f.mu.Unlock()
	return ch, func() {}
}

func (f *fakeRuntime) finish(runID string, status models.RunStatus) {
	f.finishWithOutput(runID, status, "", "")
}

// finishWithOutput marks runID terminal carrying output/err, exercising the
// handleChildTerminal payload["output"]/payload["error"] path (spec.md §4.5).
func (f *fakeRuntime) finishWithOutput(runID string, status models.RunStatus, output, errStr string) {
	f.mu.Lock()
	f.statues[runID].Status = status
	f.statues[runID].Output = output
	f.statues[runID].Error = errStr
	ch := f.chans[runID]
	f.mu.Unlock()
	ch <- RunEvent{RunID: runID, Status: status, Output: output, Error: errStr}
}

func setupKernel() (*Kernel, *fakeRuntime) {
	rt := newFakeRuntime()
	k := New(rt)
	k.RegisterAgent(&models.AgentProfile{AgentID: "controller", Role: "controller"})
	k.RegisterAgent(&models.AgentProfile{AgentID: "coder", Role: "worker"})
	mb := mailbox.New(k, k)
	k.AttachMailbox(mb)
	return k, rt
}

// TestControllerDispatchAndChildCompletion is scenario S2.
func TestControllerDispatchAndChildCompletion(t *testing.T) {
	k, rt := setupKernel()

	r0, err := k.Dispatch(context.Background(), ExecuteCommand{AgentID: "controller", Input: "start"})
	if err != nil {
		t.Fatalf("Dispatch(controller) error = %v", err)
	}

	r1, err := k.Dispatch(context.Background(), ExecuteCommand{AgentID: "coder", Input: "do it", ParentRunID: r0.RunID})
	if err != nil {
		t.Fatalf("Dispatch(coder) error = %v", err)
	}

	rt.finishWithOutput(r1.RunID, models.RunCompleted, "done", "")

	var msgs []*models.InterAgentMessage
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		msgs = k.mailbox.ReceiveMessages("controller", mailbox.ReceiveOptions{})
		if len(msgs) > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}

	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want 1", len(msgs))
	}
	msg := msgs[0]
	if msg.Topic != "child-task-completed" {
		t.Fatalf("Topic = %q, want child-task-completed", msg.Topic)
	}
	if msg.RunID != r1.RunID || msg.CorrelationID != r0.RunID {
		t.Fatalf("RunID/CorrelationID = %q/%q, want %q/%q", msg.RunID, msg.CorrelationID, r1.RunID, r0.RunID)
	}
	if msg.Payload["status"] != string(models.RunCompleted) {
		t.Fatalf("payload status = %v", msg.Payload["status"])
	}
	if msg.Payload["output"] != "done" {
		t.Fatalf("payload output = %v, want %q", msg.Payload["output"], "done")
	}
}

// TestChildTerminalExactlyOnce covers invariant 6: even if both the event
// stream and the poller would observe the same terminal status, only one
// mailbox message is enqueued.
func TestChildTerminalExactlyOnce(t *testing.T) {
	k, rt := setupKernel()

	r0, _ := k.Dispatch(context.Background(), ExecuteCommand{AgentID: "controller", Input: "start"})
	r1, _ := k.Dispatch(context.Background(), ExecuteCommand{AgentID: "coder", Input: "do it", ParentRunID: r0.RunID})

	rt.finish(r1.RunID, models.RunCompleted)
	k.handleChildTerminal(r0.RunID, r1.RunID, models.RunCompleted, "", "") // simulate a duplicate poll observation

	time.Sleep(50 * time.Millisecond)
	msgs := k.mailbox.ReceiveMessages("controller", mailbox.ReceiveOptions{})
	if len(msgs) != 1 {
		t.Fatalf("len(msgs) = %d, want exactly 1", len(msgs))
	}
}

func TestDispatchUnknownAgent(t *testing.T) {
	k, _ := setupKernel()
	_, err := k.Dispatch(context.Background(), ExecuteCommand{AgentID: "ghost", Input: "x"})
	if err != ErrUnknownAgent {
		t.Fatalf("error = %v, want ErrUnknownAgent", err)
	}
}

func TestQueryRunsDefaultsAndLimit(t *testing.T) {
	k, _ := setupKernel()
	for i := 0; i < 3; i++ {
		_, err := k.Dispatch(context.Background(), ExecuteCommand{AgentID: "coder", Input: "x"})
		if err != nil {
			t.Fatalf("Dispatch() error = %v", err)
		}
	}

	runs, err := k.QueryRuns(RunFilter{AgentID: "coder", Limit: 2})
	if err != nil {
		t.Fatalf("QueryRuns() error = %v", err)
	}
	if len(runs) != 2 {
		t.Fatalf("len(runs) = %d, want 2", len(runs))
	}
}

func TestResolveStatusDefaultsForControllerVsWorker(t *testing.T) {
	k, _ := setupKernel()

	controllerFilter := k.ResolveStatusDefaults("controller", RunFilter{})
	if controllerFilter.ParentAgentID != "controller" {
		t.Fatalf("controller filter = %+v, want ParentAgentID=controller", controllerFilter)
	}

	workerFilter := k.ResolveStatusDefaults("coder", RunFilter{})
	if workerFilter.AgentID != "coder" {
		t.Fatalf("worker filter = %+v, want AgentID=coder", workerFilter)
	}
}
