package kernel

import (
	"context"

	"github.com/robfig/cron/v3"

	"github.com/concord/kernel/internal/agent"
	"github.com/concord/kernel/internal/mailbox"
	"github.com/concord/kernel/internal/observability"
)

// RetentionSweep periodically prunes spilled truncation output older than
// TruncationConfig.RetentionDays and logs per-agent dead-letter counts, per
// SPEC_FULL.md §4.3's retentionDays knob. It reuses robfig/cron (the
// teacher's scheduling primitive in internal/tasks/scheduler.go) rather than
// that package's full distributed task-scheduler machinery, which has no
// analog in scope here.
type RetentionSweep struct {
	cron *cron.Cron

	truncation agent.TruncationConfig
	mailbox    *mailbox.Mailbox
	logger     *observability.Logger
}

// NewRetentionSweep builds a sweep that runs on the given cron schedule
// (standard 5-field expression, e.g. "0 3 * * *" for daily at 3am). An empty
// schedule defaults to hourly.
func NewRetentionSweep(schedule string, truncation agent.TruncationConfig, mb *mailbox.Mailbox, logger *observability.Logger) (*RetentionSweep, error) {
	if schedule == "" {
		schedule = "@hourly"
	}
	s := &RetentionSweep{
		cron:       cron.New(),
		truncation: truncation,
		mailbox:    mb,
		logger:     logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, err
	}
	return s, nil
}

// Start begins the cron schedule; it does not block.
func (s *RetentionSweep) Start() {
	s.cron.Start()
}

// Stop cancels the schedule and waits for any in-flight run to finish.
func (s *RetentionSweep) Stop() {
	<-s.cron.Stop().Done()
}

// RunNow executes one sweep immediately, outside the cron schedule —
// exposed for tests and for an operator-triggered sweep.
func (s *RetentionSweep) RunNow() {
	s.run()
}

func (s *RetentionSweep) run() {
	ctx := context.Background()

	if err := agent.CleanupSpillDir(s.truncation); err != nil {
		s.warnf(ctx, "retention sweep: spill cleanup failed", "error", err)
	}

	if s.mailbox == nil {
		return
	}
	for agentID, count := range s.mailbox.DeadLetterCounts() {
		if count > 0 {
			s.warnf(ctx, "retention sweep: dead letters pending", "agent_id", agentID, "count", count)
		}
	}
}

func (s *RetentionSweep) warnf(ctx context.Context, msg string, args ...any) {
	if s.logger == nil {
		return
	}
	s.logger.Warn(ctx, msg, args...)
}
