package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/lmittmann/tint"

	"github.com/re-cinq/conduit/internal/automation"
	"github.com/re-cinq/conduit/internal/config"
	"github.com/re-cinq/conduit/internal/director"
	"github.com/re-cinq/conduit/internal/dlq"
	"github.com/re-cinq/conduit/internal/eventbus"
	"github.com/re-cinq/conduit/internal/fileutil"
	"github.com/re-cinq/conduit/internal/gitservice"
	"github.com/re-cinq/conduit/internal/httpapi"
	"github.com/re-cinq/conduit/internal/orchestrator"
	"github.com/re-cinq/conduit/internal/pipeline"
	"github.com/re-cinq/conduit/internal/procrunner"
	"github.com/re-cinq/conduit/internal/sandbox"
	"github.com/re-cinq/conduit/internal/threads"
	"github.com/re-cinq/conduit/internal/webhook"
	"github.com/re-cinq/conduit/internal/wsbroker"
)

func main() {
	projectPath := envOr("PROJECT_PATH", ".")
	addr := ":" + envOr("PORT", "3002")

	cfg, err := config.Load(fileutil.ConfigPath(projectPath))
	if err != nil {
		cfg = config.Default()
	}
	setupLogging(cfg.Logging)
	if err != nil {
		slog.Warn("loading config failed, using defaults", "error", err)
	}

	if _, err := gitservice.Open(projectPath); err != nil {
		slog.Error("opening project repo failed", "error", err, "path", projectPath)
		os.Exit(1)
	}

	bus := eventbus.New(cfg.Events.Path)
	procRunner := procrunner.New()
	sandboxM := sandbox.New(sandbox.Podman{}, "")
	agents := &pipeline.ProcessAgentRunner{Runner: procRunner, Cfg: cfg}
	runner := pipeline.New(cfg, bus, sandboxM, agents)

	manifest := director.NewMemoryManifest()
	resolver := &director.AgentConflictResolver{Runner: procRunner, Cfg: cfg}
	identity := gitservice.Identity{GithubToken: os.Getenv("GITHUB_TOKEN")}
	dir := director.New(projectPath, cfg, bus, manifest, resolver, identity)

	var dispatcher *webhook.Dispatcher
	if len(cfg.Adapters) > 0 {
		adapters := make([]webhook.Adapter, 0, len(cfg.Adapters))
		for _, a := range cfg.Adapters {
			adapters = append(adapters, webhook.NewHTTPAdapter(a))
		}
		queue := dlq.New(cfg.Resilience.DLQ)
		dispatcher = webhook.NewDispatcher(adapters, queue)
	}

	ws := wsbroker.New()

	threadStore, err := threads.Open(projectPath)
	if err != nil {
		slog.Error("opening thread store failed", "error", err)
		os.Exit(1)
	}
	defer threadStore.Close()

	orch := orchestrator.New(&orchestrator.CLIProvider{Cfg: cfg, Store: threadStore}, wsbroker.NewThreadEmitter(ws), nil)

	scheduler := automation.New(threadStore, &automationStarter{store: threadStore, orch: orch})
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	if err := scheduler.LoadAll(ctx); err != nil {
		slog.Warn("loading automations failed", "error", err)
	}

	server := httpapi.NewServer(cfg, runner, bus, ws)
	server.SetManifest(manifest)
	server.SetThreadManager(threadStore, orch)
	if dispatcher != nil {
		server.SetWebhookDispatcher(dispatcher)
	}

	go func() {
		if err := dir.Run(ctx); err != nil {
			slog.ErrorContext(ctx, "director loop exited", "error", err)
		}
	}()

	slog.Info("conduitd starting", "addr", addr, "project_path", projectPath)
	if err := server.ListenAndServe(ctx, addr); err != nil && ctx.Err() == nil {
		slog.Error("http server exited", "error", err)
		os.Exit(1)
	}
	scheduler.Stop()
	orch.StopAll(context.Background())
	slog.Info("conduitd stopped")
}

func envOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

// setupLogging installs the process-wide slog default handler, mirroring
// the teacher's structured-logging idiom but with conduit's own level/
// format knobs (config.Logging) rather than a fixed handler.
func setupLogging(cfg config.Logging) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
		level = slog.LevelInfo
	}
	if cfg.JSON {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		return
	}
	slog.SetDefault(slog.New(tint.NewHandler(os.Stderr, &tint.Options{Level: level})))
}
