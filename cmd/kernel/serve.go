package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/concord/kernel/internal/agent"
	"github.com/concord/kernel/internal/config"
	"github.com/concord/kernel/internal/kernel"
	"github.com/concord/kernel/internal/mailbox"
	"github.com/concord/kernel/internal/observability"
	"github.com/concord/kernel/internal/sessions"
	"github.com/concord/kernel/internal/storage"
	"github.com/concord/kernel/pkg/models"
)

// buildServeCmd creates the "serve" command that starts the kernel: it
// registers every configured agent, wires the mailbox and privileged tools,
// starts the retention sweep, and blocks until SIGINT/SIGTERM.
func buildServeCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the orchestration kernel",
		Long: `Start the orchestration kernel with all configured agents.

The kernel will:
1. Load configuration from the specified file (or built-in defaults)
2. Construct one LLM provider per configured agent
3. Register each agent's tool registry, including the privileged
   agent_* tools (status, dispatch, mailbox send/receive/ack/nack)
4. Start the retention sweep for truncation spill and dead letters
5. Block, serving dispatched runs, until interrupted`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), configPath)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file (defaults built in if omitted)")
	return cmd
}

func runServe(ctx context.Context, configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		cfg = loaded
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})

	store := storage.NewMemoryStore()
	sessionConfig := sessions.Config{
		Enabled:         cfg.Compaction.Enabled,
		MaxTokens:       cfg.Compaction.MaxTokens,
		MaxOutputTokens: cfg.Compaction.MaxOutputTokens,
		TriggerRatio:    cfg.Compaction.TriggerRatio,
		KeepMessagesNum: cfg.Compaction.KeepMessagesNum,
	}
	toolExec := agent.DefaultToolExecConfig()
	truncation := agent.TruncationConfig{
		SpillDir:      cfg.Truncation.SpillDir,
		MaxLines:      cfg.Truncation.MaxLines,
		MaxBytes:      cfg.Truncation.MaxBytes,
		SkipTools:     cfg.Truncation.SkipTools,
		RetentionDays: cfg.Truncation.RetentionDays,
	}

	runtime := agent.NewRuntime(sessionConfig, toolExec, truncation, logger)

	k := kernel.New(runtime)
	mb := mailbox.New(k, k)
	k.AttachMailbox(mb)

	for _, ac := range cfg.Agents {
		providerCfg := cfg.Providers[ac.Provider]
		provider, err := buildProvider(ac.Provider, providerCfg)
		if err != nil {
			return fmt.Errorf("agent %q: %w", ac.AgentID, err)
		}

		profile := &models.AgentProfile{
			AgentID:        ac.AgentID,
			Role:           ac.Role,
			SystemPrompt:   ac.SystemPrompt,
			ProviderHandle: ac.Model,
			Limits: models.AgentLimits{
				MaxLoops:        ac.MaxLoops,
				MaxToolsPerTask: ac.MaxToolsPerTask,
				RunTimeoutMs:    int(ac.RunTimeout.Milliseconds()),
			},
		}
		k.RegisterAgent(profile)

		registry := agent.NewToolRegistry()
		for _, tool := range kernel.NewPrivilegedTools(k, mb, ac.AgentID) {
			registry.Register(tool)
		}

		runtime.Register(&agent.AgentBinding{
			Profile:  profile,
			Provider: provider,
			Tools:    registry,
			Sessions: store,
		})

		logger.Info(ctx, "registered agent", "agent_id", ac.AgentID, "role", ac.Role, "provider", ac.Provider)
	}

	sweep, err := kernel.NewRetentionSweep("", truncation, mb, logger)
	if err != nil {
		return fmt.Errorf("start retention sweep: %w", err)
	}
	sweep.Start()
	defer sweep.Stop()

	logger.Info(ctx, "kernel started", "agents", len(cfg.Agents))

	sigCtx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-sigCtx.Done()

	logger.Info(ctx, "kernel shutting down")
	return nil
}
