// Package kernel implements the orchestrator kernel (SPEC_FULL.md §4.5):
// agent registration, run dispatch and tracking, child-run watchers, and
// status queries. It drives an injected Runtime rather than owning the LLM
// loop itself — the agent runtime's internals are a separate component.
package kernel

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/concord/kernel/internal/mailbox"
	"github.com/concord/kernel/internal/runtimeapi"
	"github.com/concord/kernel/pkg/models"
)

const (
	childPollInterval = 600 * time.Millisecond
	defaultQueryLimit = 50
	maxQueryLimit     = 200
)

var (
	ErrUnknownAgent = errors.New("kernel: unknown agent")
	ErrNotController = errors.New("kernel: agent is not the controller")
)

// ExecuteCommand, RunEvent, and Runtime are aliases onto internal/runtimeapi,
// the seam package — kept as local names so existing call sites in this
// package (and its tests) read as before.
type ExecuteCommand = runtimeapi.ExecuteCommand
type RunEvent = runtimeapi.RunEvent
type Runtime = runtimeapi.Runtime

// DispatchHandle is returned by Dispatch.
type DispatchHandle struct {
	RunID       string
	AgentID     string
	ParentRunID string
}

// RunFilter narrows QueryRuns.
type RunFilter struct {
	RunID         string
	AgentID       string
	ParentRunID   string
	ParentAgentID string
	Statuses      []models.RunStatus
	Limit         int
}

// Kernel is the orchestrator: agent registry, run tracker, and mailbox router.
type Kernel struct {
	runtime Runtime
	mailbox *mailbox.Mailbox

	mu            sync.RWMutex
	profiles      map[string]*models.AgentProfile
	controllerID  string
	runs          map[string]*models.TrackedRun
	runKeys       []string
	notifiedTerm  map[string]bool // childRunId -> terminal already notified

	watchersMu sync.Mutex
	watchers   map[string]context.CancelFunc // childRunId -> stop
}

// New creates a Kernel driving runtime. The mailbox is created separately
// and wired to this Kernel via AgentExists/QueryInFlightChildren so the two
// packages can be constructed independently and then linked.
func New(runtime Runtime) *Kernel {
	return &Kernel{
		runtime:      runtime,
		profiles:     make(map[string]*models.AgentProfile),
		runs:         make(map[string]*models.TrackedRun),
		notifiedTerm: make(map[string]bool),
		watchers:     make(map[string]context.CancelFunc),
	}
}

// AttachMailbox wires the kernel's mailbox, used by child watchers to
// enqueue terminal notifications and by the wait-for-messages tool's
// progress fallback.
func (k *Kernel) AttachMailbox(m *mailbox.Mailbox) {
	k.mailbox = m
}

// RegisterAgent idempotently registers an agent profile. Controller status
// is taken from the profile's Role; exactly the configured controller gets
// the privileged dispatch_task tool (enforced by callers of Dispatch, not
// by this method).
func (k *Kernel) RegisterAgent(profile *models.AgentProfile) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.profiles[profile.AgentID] = profile
	if profile.IsController() {
		k.controllerID = profile.AgentID
	}
}

// AgentExists satisfies mailbox.AgentExistence.
func (k *Kernel) AgentExists(agentID string) bool {
	k.mu.RLock()
	defer k.mu.RUnlock()
	_, ok := k.profiles[agentID]
	return ok
}

// ControllerID returns the registered controller agent id, if any.
func (k *Kernel) ControllerID() string {
	k.mu.RLock()
	defer k.mu.RUnlock()
	return k.controllerID
}

// Dispatch executes cmd on the runtime, records a TrackedRun, and — if
// ParentRunID is set — starts a child watcher that will notify the parent's
// mailbox on terminal status.
func (k *Kernel) Dispatch(ctx context.Context, cmd ExecuteCommand) (*DispatchHandle, error) {
	if !k.AgentExists(cmd.AgentID) {
		return nil, ErrUnknownAgent
	}

	runID, err := k.runtime.Execute(ctx, cmd)
	if err != nil {
		return nil, err
	}

	run := &models.TrackedRun{
		RunID:       runID,
		AgentID:     cmd.AgentID,
		ParentRunID: cmd.ParentRunID,
		Status:      models.RunQueued,
		CreatedAt:   time.Now(),
	}
	k.mu.Lock()
	k.runs[runID] = run
	k.runKeys = append(k.runKeys, runID)
	k.mu.Unlock()

	if cmd.ParentRunID != "" {
		k.watchChild(cmd.ParentRunID, runID)
	}

	return &DispatchHandle{RunID: runID, AgentID: cmd.AgentID, ParentRunID: cmd.ParentRunID}, nil
}

// watchChild subscribes to the child run's event stream and, in parallel,
// polls runtime.Status every ~600ms. Whichever observes a terminal status
// first wins; the notifiedTerm set plus idempotency key guarantee the
// parent's mailbox receives exactly one terminal message.
func (k *Kernel) watchChild(parentRunID, childRunID string) {
	watchCtx, cancel := context.WithCancel(context.Background())

	k.watchersMu.Lock()
	k.watchers[childRunID] = cancel
	k.watchersMu.Unlock()

	events, unsubscribe := k.runtime.Subscribe(childRunID)

	var once sync.Once
	stop := func() {
		once.Do(func() {
			unsubscribe()
			cancel()
			k.watchersMu.Lock()
			delete(k.watchers, childRunID)
			k.watchersMu.Unlock()
		})
	}

	go func() {
		defer stop()
		ticker := time.NewTicker(childPollInterval)
		defer ticker.Stop()

		for {
			select {
			case <-watchCtx.Done():
				return
			case ev, ok := <-events:
				if !ok {
					return
				}
				if ev.Status.Terminal() {
					k.handleChildTerminal(parentRunID, childRunID, ev.Status, ev.Output, ev.Error)
					return
				}
			case <-ticker.C:
				run, err := k.runtime.Status(watchCtx, childRunID)
				if err != nil || run == nil {
					continue
				}
				if run.Status.Terminal() {
					k.handleChildTerminal(parentRunID, childRunID, run.Status, run.Output, run.Error)
					return
				}
			}
		}
	}()
}

// handleChildTerminal updates the TrackedRun and enqueues the parent
// notification exactly once, per invariant 6.
func (k *Kernel) handleChildTerminal(parentRunID, childRunID string, status models.RunStatus, output, errStr string) {
	k.mu.Lock()
	if k.notifiedTerm[childRunID] {
		k.mu.Unlock()
		return
	}
	k.notifiedTerm[childRunID] = true

	run, ok := k.runs[childRunID]
	var childAgentID string
	if ok {
		run.Status = status
		run.Output = output
		run.Error = errStr
		childAgentID = run.AgentID
	}
	parentRun, parentOK := k.runs[parentRunID]
	var parentAgentID string
	if parentOK {
		parentAgentID = parentRun.AgentID
	}
	k.mu.Unlock()

	if k.mailbox == nil || parentAgentID == "" {
		return
	}

	topic := "child-task-completed"
	if status != models.RunCompleted {
		topic = "child-task-terminal"
	}

	payload := map[string]any{
		"run_id":        childRunID,
		"parent_run_id": parentRunID,
		"status":        string(status),
		"finished_at":   time.Now(),
	}
	if output != "" {
		payload["output"] = output
	}
	if errStr != "" {
		payload["error"] = errStr
	}

	_, _ = k.mailbox.SendMessage(mailbox.SendRequest{
		FromAgentID:    childAgentID,
		ToAgentID:      parentAgentID,
		Topic:          topic,
		Payload:        payload,
		CorrelationID:  parentRunID,
		RunID:          childRunID,
		IdempotencyKey: "child-terminal:" + childRunID + ":" + string(status),
	})
}

// QueryInFlightChildren satisfies mailbox.ProgressQuerier.
func (k *Kernel) QueryInFlightChildren(parentRunID string, limit int) []*models.TrackedRun {
	runs, _ := k.QueryRuns(RunFilter{
		ParentRunID: parentRunID,
		Statuses:    []models.RunStatus{models.RunQueued, models.RunRunning},
		Limit:       limit,
	})
	return runs
}

// QueryRuns filters TrackedRuns, refreshes live status from the runtime,
// sorts by CreatedAt desc, and truncates to Limit (default 50, cap 200).
func (k *Kernel) QueryRuns(filter RunFilter) ([]*models.TrackedRun, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = defaultQueryLimit
	}
	if limit > maxQueryLimit {
		limit = maxQueryLimit
	}

	k.mu.RLock()
	candidates := make([]*models.TrackedRun, 0, len(k.runKeys))
	for _, id := range k.runKeys {
		run := k.runs[id]
		if filter.RunID != "" && run.RunID != filter.RunID {
			continue
		}
		if filter.AgentID != "" && run.AgentID != filter.AgentID {
			continue
		}
		if filter.ParentRunID != "" && run.ParentRunID != filter.ParentRunID {
			continue
		}
		if filter.ParentAgentID != "" {
			parent, ok := k.runs[run.ParentRunID]
			if !ok || parent.AgentID != filter.ParentAgentID {
				continue
			}
		}
		candidates = append(candidates, run)
	}
	k.mu.RUnlock()

	statusSet := make(map[models.RunStatus]bool, len(filter.Statuses))
	for _, st := range filter.Statuses {
		statusSet[st] = true
	}

	out := make([]*models.TrackedRun, 0, len(candidates))
	for _, run := range candidates {
		live, err := k.runtime.Status(context.Background(), run.RunID)
		if err == nil && live != nil {
			run = live
		}
		if len(statusSet) > 0 && !statusSet[run.Status] {
			continue
		}
		out = append(out, run.Clone())
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})

	if limit < len(out) {
		out = out[:limit]
	}
	return out, nil
}

// ResolveStatusDefaults fills RunFilter defaults for the status query tool:
// absent all filters, controllers default to their own dispatched runs
// (parentAgentId=caller) while everyone else defaults to their own runs
// (agentId=caller).
func (k *Kernel) ResolveStatusDefaults(callerAgentID string, filter RunFilter) RunFilter {
	if filter.RunID != "" || filter.AgentID != "" || filter.ParentRunID != "" || filter.ParentAgentID != "" {
		return filter
	}
	k.mu.RLock()
	profile, isController := k.profiles[callerAgentID], callerAgentID == k.controllerID
	k.mu.RUnlock()
	_ = profile

	if isController {
		filter.ParentAgentID = callerAgentID
	} else {
		filter.AgentID = callerAgentID
	}
	return filter
}

// ResolveDispatchParent resolves an omitted parentRunId to the controller's
// currently running run, falling back to its latest run of any status.
func (k *Kernel) ResolveDispatchParent(controllerAgentID string) (string, error) {
	running, err := k.QueryRuns(RunFilter{AgentID: controllerAgentID, Statuses: []models.RunStatus{models.RunRunning}, Limit: 1})
	if err != nil {
		return "", err
	}
	if len(running) > 0 {
		return running[0].RunID, nil
	}
	latest, err := k.QueryRuns(RunFilter{AgentID: controllerAgentID, Limit: 1})
	if err != nil {
		return "", err
	}
	if len(latest) > 0 {
		return latest[0].RunID, nil
	}
	return "", nil
}
