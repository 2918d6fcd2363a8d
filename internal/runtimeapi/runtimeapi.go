// Package runtimeapi defines the seam between the orchestrator kernel
// (internal/kernel) and the agent runtime (internal/agent): the dispatch
// command, terminal-status event, and Runtime interface the kernel drives.
// It is a leaf package with no dependency on either side, so the kernel can
// inject privileged tools that import internal/agent without creating an
// import cycle back through the runtime's use of this seam.
package runtimeapi

import (
	"context"

	"github.com/concord/kernel/pkg/models"
)

// ExecuteCommand is the dispatch input forwarded to Runtime.Execute.
type ExecuteCommand struct {
	AgentID     string
	Input       string
	ParentRunID string
	TimeoutMs   int
	Options     map[string]any
	Metadata    map[string]any
}

// RunEvent is a thin envelope the kernel watches for terminal status; the
// full per-event payload is the reducer's concern (models.StreamEvent),
// not the kernel's. Output/Error are only populated once Status is
// terminal (spec.md §4.5's {runId, parentRunId, status, output?, error?,
// finishedAt} child-completion payload).
type RunEvent struct {
	RunID  string
	Status models.RunStatus
	Output string
	Error  string
}

// Runtime is the agent execution engine the kernel drives. Implemented by
// the agent runtime package; the kernel never inspects LLM-loop internals.
type Runtime interface {
	Execute(ctx context.Context, cmd ExecuteCommand) (runID string, err error)
	Status(ctx context.Context, runID string) (*models.TrackedRun, error)
	Subscribe(runID string) (events <-chan RunEvent, unsubscribe func())
}
