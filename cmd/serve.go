package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/axrunhq/ax/internal/audit"
	"github.com/axrunhq/ax/internal/channels"
	"github.com/axrunhq/ax/internal/config"
	"github.com/axrunhq/ax/internal/conversation"
	"github.com/axrunhq/ax/internal/httpapi"
	"github.com/axrunhq/ax/internal/identity"
	"github.com/axrunhq/ax/internal/ipc"
	"github.com/axrunhq/ax/internal/ipc/handlers"
	"github.com/axrunhq/ax/internal/providers"
	"github.com/axrunhq/ax/internal/queue"
	"github.com/axrunhq/ax/internal/router"
	"github.com/axrunhq/ax/internal/sandbox"
	"github.com/axrunhq/ax/internal/scanner"
	"github.com/axrunhq/ax/internal/scheduler"
	"github.com/axrunhq/ax/internal/session"
	"github.com/axrunhq/ax/internal/sessionstore"
	"github.com/axrunhq/ax/internal/taint"
	"github.com/axrunhq/ax/pkg/ipcproto"
)

// defaultAgentID names the single agent this host runs. registry.json
// is read at startup but this build drives one sandboxed identity per
// process, matching AgentsConfig's single Defaults block.
const defaultAgentID = "default"

func init() {
	rootCmd.AddCommand(serveCmd())
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the ax host: channel ingestion, IPC gateway, scheduler",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(resolveConfigPath())
		},
	}
}

// runServe wires every component bottom-up (scanner/budget/stores ->
// router -> IPC handlers -> IPC gateway -> sandbox orchestrator ->
// channel ingestor/scheduler), then blocks until a termination signal
// drives the shutdown order: scheduler, channels, HTTP, IPC, storage,
// sockets. A second signal forces immediate exit.
func runServe(configHome string) error {
	cfg, err := config.Load(configHome)
	if err != nil {
		return fmt.Errorf("serve: load config: %w", err)
	}

	setupLogging(cfg.Host.LogFormat)
	if err := os.MkdirAll(cfg.Home, 0o755); err != nil {
		return fmt.Errorf("serve: ensure home: %w", err)
	}

	agentsRoot := filepath.Join(cfg.Home, "agents")
	dataDir := filepath.Join(cfg.Home, "data")
	if err := os.MkdirAll(agentsRoot, 0o755); err != nil {
		return fmt.Errorf("serve: ensure agents root: %w", err)
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return fmt.Errorf("serve: ensure data dir: %w", err)
	}

	registry, err := identity.OpenRegistry(filepath.Join(cfg.Home, "registry.json"))
	if err != nil {
		return fmt.Errorf("serve: open registry: %w", err)
	}
	if err := registry.Add(identity.Record{ID: defaultAgentID, Name: defaultAgentID}); err != nil {
		return fmt.Errorf("serve: register default agent: %w", err)
	}

	auditDir := filepath.Join(dataDir, "audit")
	if err := os.MkdirAll(auditDir, 0o755); err != nil {
		return fmt.Errorf("serve: ensure audit dir: %w", err)
	}
	auditLog, err := audit.Open(filepath.Join(auditDir, "audit.jsonl"))
	if err != nil {
		return fmt.Errorf("serve: open audit log: %w", err)
	}
	defer auditLog.Close()

	convStore, err := conversation.Open(filepath.Join(dataDir, "conversations.db"), cfg.Agents.Defaults.MaxTurns)
	if err != nil {
		return fmt.Errorf("serve: open conversation store: %w", err)
	}
	defer convStore.Close()

	msgQueue, err := queue.Open(filepath.Join(dataDir, "messages.db"))
	if err != nil {
		return fmt.Errorf("serve: open queue: %w", err)
	}
	defer msgQueue.Close()

	sessStore, err := sessionstore.Open(filepath.Join(dataDir, "sessions"))
	if err != nil {
		return fmt.Errorf("serve: open session store: %w", err)
	}

	rx := scanner.NewRegexScanner()
	profile := cfg.Agents.Defaults.Profile
	budget := taint.NewBudget(profile)
	msgRouter := router.New(rx, budget, msgQueue, auditLog)

	ipc.SetLLMTimeout(config.LLMTimeout())
	ipcSrv := ipc.New(cfg.Host.IPCSocket, budget, auditLog)
	skillStore, err := handlers.OpenSkillStore(cfg.Skills.StorageDir)
	if err != nil {
		return fmt.Errorf("serve: open skill store: %w", err)
	}

	skillsWatch, err := sandbox.NewSkillsWatcher(cfg.Skills.StorageDir)
	if err != nil {
		return fmt.Errorf("serve: watch skills dir: %w", err)
	}
	defer skillsWatch.Close()

	workspaceRoot := func(sessionID string) (string, error) {
		return session.WorkspacePath(dataDir, sessionID)
	}

	var sandboxProvider sandbox.Provider
	switch cfg.Sandbox.Provider {
	case "docker":
		dp, err := sandbox.NewDockerProvider(cfg.Sandbox.DockerImage)
		if err != nil {
			return fmt.Errorf("serve: docker provider: %w", err)
		}
		defer dp.Close()
		sandboxProvider = dp
	default:
		sandboxProvider = sandbox.NewSubprocessProvider()
	}

	orchestrator := &sandbox.Orchestrator{
		Provider:        sandboxProvider,
		Queue:           msgQueue,
		Conversation:    convStore,
		Budget:          budget,
		Profile:         profile,
		DataDir:         dataDir,
		SkillsHostDir:   cfg.Skills.StorageDir,
		AgentsRoot:      agentsRoot,
		Command:         strings.Fields(cfg.Sandbox.Command),
		TimeoutSec:      cfg.Sandbox.TimeoutSec,
		MemoryMB:        cfg.Sandbox.MemoryMB,
		MaxHistoryTurns: cfg.Agents.Defaults.MaxTurns,
		SandboxType:     cfg.Sandbox.Provider,
		ThreadContextN:  cfg.Agents.Defaults.ThreadContextN,
		Skills:          skillsWatch,
	}

	providerMap := map[string]providers.Provider{}
	if cfg.Providers.Anthropic.APIKey != "" {
		opts := []providers.AnthropicOption{providers.WithAnthropicModel(cfg.Agents.Defaults.Model)}
		if cfg.Providers.Anthropic.APIBase != "" {
			opts = append(opts, providers.WithAnthropicBaseURL(cfg.Providers.Anthropic.APIBase))
		}
		providerMap["anthropic"] = providers.NewAnthropicProvider(cfg.Providers.Anthropic.APIKey, opts...)
	}

	delegateHandler := &handlers.DelegateHandler{
		MaxConcurrent: cfg.Delegate.MaxConcurrent,
		MaxDepth:      cfg.Delegate.MaxDepth,
		Audit:         auditLog,
	}
	delegateHandler.Run = func(ctx context.Context, parentSessionID, task, extraContext string, depth int) (string, error) {
		content := task
		if extraContext != "" {
			content = task + "\n\n" + extraContext
		}
		childScope := fmt.Sprintf("%s-d%d", uuid.NewString(), depth)
		return runDelegatedTurn(ctx, msgRouter, orchestrator, parentSessionID, content, defaultAgentID, childScope)
	}

	identityHandlers := &handlers.IdentityHandlers{AgentsRoot: agentsRoot, Scanner: rx, Budget: budget, Profile: profile, Audit: auditLog}
	memoryStore := handlers.NewMemoryStore(workspaceRoot)
	llmHandler := &handlers.LLMHandler{Providers: providerMap, Default: cfg.Agents.Defaults.Provider}
	auditHandlers := &handlers.AuditHandlers{Audit: auditLog}
	webSearch := &handlers.WebSearchHandler{} // no SearchProvider wired; web_search fails cleanly until one is

	deliver := func(job scheduler.Job, addr sessionstore.Address) {
		sessionID, err := session.ComposeSessionID(job.AgentID, addr.Channel, addr.ChatID, "")
		if err != nil {
			slog.Error("scheduler.deliver_session_id_failed", "error", err)
			return
		}
		dec, err := msgRouter.ProcessInbound(context.Background(), router.Inbound{
			SessionID: sessionID, Sender: "scheduler", Channel: addr.Channel, Content: job.Prompt,
		})
		if err != nil || !dec.Allow {
			slog.Warn("scheduler.deliver_blocked", "job", job.ID, "error", err)
			return
		}
		if _, err := orchestrator.RunQueued(context.Background(), dec.QueueID, job.AgentID, job.AgentID, false); err != nil {
			slog.Error("scheduler.deliver_run_failed", "job", job.ID, "error", err)
		}
	}
	sched := scheduler.New(sessStore, deliver, scheduler.Delivery{Target: "last", AgentID: defaultAgentID})

	schedulerHandlers := &handlers.SchedulerHandlers{Scheduler: sched}

	register := func(action string, h ipc.Handler) {
		ipcSrv.Register(action, handlers.Validator(action), h)
	}
	register(ipcproto.ActionLLMCall, llmHandler.Call)
	register(ipcproto.ActionMemoryWrite, memoryStore.Write)
	register(ipcproto.ActionMemoryRead, memoryStore.Read)
	register(ipcproto.ActionMemoryList, memoryStore.List)
	register(ipcproto.ActionMemoryDelete, memoryStore.Delete)
	register(ipcproto.ActionMemoryQuery, memoryStore.Query)
	register(ipcproto.ActionWebFetch, handlers.WebFetch)
	register(ipcproto.ActionWebSearch, webSearch.Search)
	register(ipcproto.ActionSkillPropose, skillStore.Propose)
	register(ipcproto.ActionIdentityWrite, identityHandlers.IdentityWrite)
	register(ipcproto.ActionUserWrite, identityHandlers.UserWrite)
	register(ipcproto.ActionAgentDelegate, delegateHandler.Delegate)
	register(ipcproto.ActionSchedulerAddCron, schedulerHandlers.AddCron)
	register(ipcproto.ActionSchedulerRunAt, schedulerHandlers.RunAt)
	register(ipcproto.ActionSchedulerRemoveCron, schedulerHandlers.RemoveCron)
	register(ipcproto.ActionSchedulerListJobs, schedulerHandlers.ListJobs)
	register(ipcproto.ActionAuditQuery, auditHandlers.Query)
	// browser_* actions are left unregistered: handlers.BrowserHandlers.Provider
	// has no concrete implementation (see its doc comment) so those four
	// actions fall through dispatch's "unknown or missing action" branch.

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ipcErrCh := make(chan error, 1)
	go func() {
		if err := ipcSrv.Serve(ctx); err != nil {
			ipcErrCh <- err
		}
	}()

	httpSrv := httpapi.New(cfg.Host.HTTPSocket, msgRouter, orchestrator, convStore, defaultAgentID, defaultAgentID, cfg.Agents.Defaults.Model)
	httpErrCh := make(chan error, 1)
	go func() {
		if err := httpSrv.Start(ctx); err != nil {
			httpErrCh <- err
		}
	}()

	sched.Start()

	ingestor := channels.NewIngestor(defaultAgentID, agentsRoot, msgRouter, convStore, sessStore,
		func(ctx context.Context, sessionID, queueID string, msg channels.InboundMessage) (string, error) {
			return orchestrator.RunQueued(ctx, queueID, defaultAgentID, defaultAgentID, !msg.IsMention)
		})

	loop := channels.NewLoopback(os.Stdin, os.Stdout)
	if err := ingestor.Register(ctx, loop); err != nil {
		return fmt.Errorf("serve: register loopback channel: %w", err)
	}

	if cfg.Channels.Slack.BotToken != "" && cfg.Channels.Slack.AppToken != "" {
		sl := channels.NewSlack(cfg.Channels.Slack.BotToken, cfg.Channels.Slack.AppToken)
		if err := ingestor.Register(ctx, sl); err != nil {
			return fmt.Errorf("serve: register slack channel: %w", err)
		}
	}

	slog.Info("ax.started", "home", cfg.Home, "ipc_socket", cfg.Host.IPCSocket, "sandbox", cfg.Sandbox.Provider)

	select {
	case <-ctx.Done():
		slog.Info("ax.shutdown_signal")
	case err := <-ipcErrCh:
		slog.Error("ax.ipc_failed", "error", err)
	case err := <-httpErrCh:
		slog.Error("ax.http_failed", "error", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	// Shutdown order: scheduler -> channels -> HTTP -> IPC -> storage ->
	// sockets. httpSrv.Start already watches ctx and shuts
	// down gracefully; Close here is a bounded belt-and-braces stop for
	// the case where ctx wasn't what triggered this branch (httpErrCh).
	sched.Stop()
	ingestor.StopAll(shutdownCtx)
	if err := httpSrv.Close(); err != nil {
		slog.Warn("ax.http_close_failed", "error", err)
	}
	if err := ipcSrv.Close(); err != nil {
		slog.Warn("ax.ipc_close_failed", "error", err)
	}

	return nil
}

// runDelegatedTurn implements the sub-agent spawn path for
// agent_delegate: a synthetic session scoped under the parent, routed
// through the same inbound/outbound pipeline as any other turn.
func runDelegatedTurn(ctx context.Context, r *router.Router, orch *sandbox.Orchestrator, parentSessionID, task, agentID, childScope string) (string, error) {
	sessionID, err := session.ComposeSessionID(agentID, "delegate", childScope, "")
	if err != nil {
		return "", fmt.Errorf("delegate: session id: %w", err)
	}
	dec, err := r.ProcessInbound(ctx, router.Inbound{SessionID: sessionID, Sender: parentSessionID, Channel: "delegate", Content: task})
	if err != nil {
		return "", fmt.Errorf("delegate: process inbound: %w", err)
	}
	if !dec.Allow {
		return "", fmt.Errorf("delegate: blocked: %s", dec.Reason)
	}
	reply, err := orch.RunQueued(ctx, dec.QueueID, agentID, agentID, false)
	if err != nil {
		return "", err
	}
	outDec, err := r.ProcessOutbound(ctx, router.Outbound{SessionID: sessionID, Content: reply})
	if err != nil {
		return "", err
	}
	if !outDec.Allow {
		return "", fmt.Errorf("delegate: output blocked: %s", outDec.Reason)
	}
	return reply, nil
}

func setupLogging(format string) {
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(os.Stderr, nil)
	} else {
		handler = slog.NewTextHandler(os.Stderr, nil)
	}
	slog.SetDefault(slog.New(handler))
}
