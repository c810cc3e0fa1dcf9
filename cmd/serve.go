package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/twinclawhq/twinclaw/internal/bus"
	"github.com/twinclawhq/twinclaw/internal/channels"
	"github.com/twinclawhq/twinclaw/internal/channels/telegram"
	"github.com/twinclawhq/twinclaw/internal/channels/whatsapp"
	"github.com/twinclawhq/twinclaw/internal/chunker"
	"github.com/twinclawhq/twinclaw/internal/config"
	"github.com/twinclawhq/twinclaw/internal/dag"
	"github.com/twinclawhq/twinclaw/internal/dispatch"
	"github.com/twinclawhq/twinclaw/internal/doctor"
	"github.com/twinclawhq/twinclaw/internal/gateway"
	httpserver "github.com/twinclawhq/twinclaw/internal/http"
	"github.com/twinclawhq/twinclaw/internal/hub"
	"github.com/twinclawhq/twinclaw/internal/metrics"
	"github.com/twinclawhq/twinclaw/internal/pairing"
	"github.com/twinclawhq/twinclaw/internal/queue"
	"github.com/twinclawhq/twinclaw/internal/sched"
	"github.com/twinclawhq/twinclaw/internal/store"
	"github.com/twinclawhq/twinclaw/internal/store/pg"
	"github.com/twinclawhq/twinclaw/internal/store/sqlite"
	"github.com/twinclawhq/twinclaw/internal/webhook"
	"github.com/twinclawhq/twinclaw/internal/workspace"
	"github.com/twinclawhq/twinclaw/pkg/protocol"
)

// stopGrace bounds the orderly shutdown of channels, the hub, and in-flight
// queue attempts once a signal arrives.
const stopGrace = 10 * time.Second

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the runtime (default command)",
		Run: func(cmd *cobra.Command, args []string) {
			runServe()
		},
	}
}

func runServe() {
	// Level lives in a LevelVar so the config watcher can flip it without
	// replacing the handler.
	logLevel := new(slog.LevelVar)
	if verbose {
		logLevel.Set(slog.LevelDebug)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: logLevel,
	})))

	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}
	if !verbose {
		logLevel.Set(parseLogLevel(cfg.Log.Level))
	}

	if cfg.Gateway.BaseURL == "" {
		slog.Error("gateway.base_url is required (or set TWINCLAW_GATEWAY_URL)")
		os.Exit(1)
	}

	// Workspace layout: memory/, memory/credentials/, memory/logs/, identity/.
	root := cfg.WorkspacePath()
	if created, err := workspace.EnsureLayout(root); err != nil {
		slog.Error("workspace bootstrap failed", "workspace", root, "error", err)
		os.Exit(1)
	} else if len(created) > 0 {
		slog.Info("seeded workspace files", "files", created)
	}

	stores, err := openStores(cfg)
	if err != nil {
		slog.Error("failed to open store", "error", err)
		os.Exit(1)
	}
	defer stores.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	msgBus := bus.New()
	m := metrics.New(msgBus)

	// Pairing authority with the credentials file mirror; operator-configured
	// allow_from entries are seeded before any adapter starts.
	mirror := pairing.NewMirror(cfg.CredentialsDir())
	pairSvc := pairing.New(stores.Pairing, pairing.Options{
		MaxPending: cfg.Pairing.MaxPendingPerChannel,
		Mirror:     mirror,
	})
	if err := seedAllowLists(ctx, pairSvc, cfg); err != nil {
		slog.Error("allow list seeding failed", "error", err)
		os.Exit(1)
	}

	mgr := channels.NewManager(msgBus, channels.DefaultSendFloor)
	for _, name := range cfg.EnabledChannels() {
		switch name {
		case bus.PlatformTelegram:
			a, err := telegram.New(cfg.Channels.Telegram, mgr.Sink())
			if err != nil {
				slog.Error("telegram adapter init failed", "error", err)
				os.Exit(1)
			}
			mgr.Register(a)
		case bus.PlatformWhatsApp:
			a, err := whatsapp.New(cfg.Channels.WhatsApp, mgr.Sink())
			if err != nil {
				slog.Error("whatsapp adapter init failed", "error", err)
				os.Exit(1)
			}
			mgr.Register(a)
		}
	}

	gw := gateway.NewClient(cfg.Gateway.BaseURL, cfg.Gateway.APIKey, time.Duration(cfg.Gateway.TimeoutSec)*time.Second)
	var trans gateway.Transcriber
	if cfg.STT.BaseURL != "" {
		trans = gateway.NewSTTClient(cfg.STT.BaseURL, cfg.STT.APIKey, time.Duration(cfg.STT.TimeoutSec)*time.Second)
	}

	eng := queue.New(stores.Queue, mgr, msgBus, queue.Config{
		MaxAttempts:  cfg.Queue.MaxAttempts,
		BaseBackoff:  time.Duration(cfg.Queue.BaseBackoffMs) * time.Millisecond,
		Factor:       cfg.Queue.BackoffFactor,
		MaxBackoff:   time.Duration(cfg.Queue.MaxBackoffMs) * time.Millisecond,
		Tick:         time.Duration(cfg.Queue.TickMs) * time.Millisecond,
		RecentWindow: cfg.Queue.RecentWindow,
	})
	if err := eng.Start(ctx); err != nil {
		slog.Error("delivery queue start failed", "error", err)
		os.Exit(1)
	}

	disp := dispatch.New(pairSvc, gw, trans, eng, msgBus, cfg.DMPolicy, dispatch.Config{
		Window:        cfg.Debounce.Window(),
		CoalesceAudio: cfg.Debounce.CoalesceAudio,
		HumanDelay:    time.Duration(cfg.Queue.HumanDelayMs) * time.Millisecond,
		Chunk: chunker.Options{
			Boundary: cfg.Chunker.Boundary,
			MinChars: cfg.Chunker.MinChars,
			MaxChars: cfg.Chunker.MaxChars,
		},
	})
	disp.Start(ctx, mgr.Inbound())

	ing := webhook.New(stores.Receipts, eng, gw, msgBus)

	orch := dag.New(stores.Orchestration, newBriefRunner(gw), msgBus, dag.Config{
		MaxNodes:       cfg.Dag.MaxNodes,
		MaxDepth:       cfg.Dag.MaxDepth,
		MaxConcurrency: cfg.Dag.MaxConcurrency,
		NodeRetries:    cfg.Dag.NodeRetries,
		NodeTimeout:    time.Duration(cfg.Dag.TimeoutMs) * time.Millisecond,
		ToolBudget:     cfg.Dag.ToolBudget,
		MaxTurns:       cfg.Dag.MaxTurns,
	})

	hubToken := cfg.Server.HubToken
	h := hub.New(hubToken, stores.Events, hub.Config{
		AuthTimeout: time.Duration(cfg.Hub.AuthTimeoutMs) * time.Millisecond,
		Heartbeat:   time.Duration(cfg.Hub.HeartbeatMs) * time.Millisecond,
		MaxQueueKB:  cfg.Hub.MaxClientQueue,
	})
	if err := h.Start(ctx); err != nil {
		slog.Error("event hub start failed", "error", err)
		os.Exit(1)
	}
	m.RegisterHubStats(
		func() float64 { return float64(h.Metrics().Clients) },
		func() float64 { return float64(h.Metrics().DroppedEvents) },
	)
	incidents := hub.NewIncidents(msgBus, 0)

	doc := doctor.New()
	registerProbes(doc, stores, eng, mgr, hubToken)

	producer := hub.NewProducer(h, time.Duration(cfg.Events.ProducerIntervalMs)*time.Millisecond)
	producer.Register(protocol.TopicHealth, doc.Snapshot)
	producer.Register(protocol.TopicReliability, func(ctx context.Context) (any, error) {
		stats, err := eng.GetStats(ctx)
		if err != nil {
			return nil, err
		}
		callbacks, err := ing.Counters(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"queue":     stats,
			"controls":  eng.GetRuntimeControls(),
			"callbacks": callbacks,
		}, nil
	})
	producer.Register(protocol.TopicIncidents, incidents.Snapshot)
	producer.Register(protocol.TopicRouting, func(context.Context) (any, error) {
		return mgr.Status(), nil
	})
	producer.Start(ctx)

	schedr := sched.New(msgBus)
	registerJobs(schedr, pairSvc, stores, root, time.Duration(cfg.Events.RetentionHours)*time.Hour)
	schedr.Start(ctx)

	if err := mgr.StartAll(ctx); err != nil {
		slog.Error("failed to start channels", "error", err)
	}

	// Hot reload: dynamic controls only. Structural changes (store mode,
	// listeners, channel credentials) require a restart.
	if err := config.Watch(ctx, cfgPath, func(next *config.Config) {
		cfg.ReplaceFrom(next)
		if !verbose {
			logLevel.Set(parseLogLevel(next.Log.Level))
		}
	}); err != nil {
		slog.Warn("config watcher unavailable", "error", err)
	}

	if shutdownTel := initTelemetry(ctx, cfg); shutdownTel != nil {
		defer shutdownTel()
	}

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := httpserver.New(httpserver.Config{Addr: addr, Secret: cfg.Server.SigningSecret}, eng, ing, h, orch, doc)
	srv.SetMetricsHandler(m.Handler())
	srv.SetHalt(func() {
		select {
		case sigCh <- syscall.SIGTERM:
		default:
		}
	})

	go func() {
		sig := <-sigCh
		slog.Info("graceful shutdown initiated", "signal", sig)

		stopCtx, cancelStop := context.WithTimeout(context.Background(), stopGrace)
		defer cancelStop()

		mgr.StopAll(stopCtx)
		disp.Stop()
		schedr.Stop()
		eng.Stop()
		h.Shutdown(stopCtx)
		cancel()
	}()

	mode := "standalone"
	if cfg.IsManaged() {
		mode = "managed"
	}
	slog.Info("twinclaw runtime starting",
		"version", Version,
		"mode", mode,
		"addr", addr,
		"channels", cfg.EnabledChannels(),
	)

	// The same mux is served on the main listener and, when built with
	// -tags tsnet and configured, on the tailnet.
	mux := srv.BuildMux()
	tsCleanup := initTailscale(ctx, cfg, mux)
	if tsCleanup != nil {
		defer tsCleanup()
	}

	if err := srv.Start(ctx); err != nil {
		slog.Error("control plane error", "error", err)
		os.Exit(1)
	}
	slog.Info("twinclaw stopped")
}

// openStores opens the backend selected by config. Shared by serve and the
// operator commands that touch the store directly.
func openStores(cfg *config.Config) (*store.Stores, error) {
	if cfg.IsManaged() {
		return pg.New(store.Config{Mode: "managed", PostgresDSN: cfg.Store.PostgresDSN})
	}
	return sqlite.New(store.Config{Mode: "standalone", SQLitePath: cfg.StorePath()})
}

// seedAllowLists idempotently promotes operator-configured senders, both
// channels in parallel.
func seedAllowLists(ctx context.Context, svc *pairing.Service, cfg *config.Config) error {
	seedCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	g, sctx := errgroup.WithContext(seedCtx)
	seed := func(channel string, ids []string) {
		if len(ids) == 0 {
			return
		}
		g.Go(func() error {
			n, err := svc.SeedAllowFrom(sctx, channel, ids)
			if err != nil {
				return err
			}
			if n > 0 {
				slog.Info("seeded allow list", "channel", channel, "added", n)
			}
			return nil
		})
	}
	seed(bus.PlatformTelegram, cfg.Channels.Telegram.AllowFrom)
	seed(bus.PlatformWhatsApp, cfg.Channels.WhatsApp.AllowFrom)
	return g.Wait()
}

// newBriefRunner adapts the gateway client to the orchestrator's Runner: each
// brief becomes one gateway exchange in the delegation session.
func newBriefRunner(gw gateway.Gateway) dag.Runner {
	return dag.RunnerFunc(func(ctx context.Context, job *store.OrchestrationJob) (string, error) {
		return gw.ProcessMessage(ctx, bus.InboundMessage{
			Platform:   "delegation",
			SenderID:   job.RequestID,
			ChatID:     job.SessionID,
			Text:       renderBrief(job),
			ReceivedAt: time.Now().UTC(),
		})
	})
}

func renderBrief(job *store.OrchestrationJob) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Sub-agent brief %s: %s\n\nObjective:\n%s\n", job.BriefID, job.Title, job.Objective)
	if job.ScopedContext != "" {
		fmt.Fprintf(&b, "\nContext:\n%s\n", job.ScopedContext)
	}
	if job.ExpectedOutput != "" {
		fmt.Fprintf(&b, "\nExpected output:\n%s\n", job.ExpectedOutput)
	}
	fmt.Fprintf(&b, "\nBudget: %d tool calls, %d turns.", job.ToolBudget, job.MaxTurns)
	return b.String()
}

// registerProbes wires the readiness checks. Store and queue are critical;
// a down channel or a missing hub token only degrades.
func registerProbes(doc *doctor.Doctor, stores *store.Stores, eng *queue.Engine, mgr *channels.Manager, hubToken string) {
	doc.Register("store", true, func(ctx context.Context) (string, error) {
		if err := stores.Ping(ctx); err != nil {
			return "", err
		}
		return "reachable", nil
	})
	doc.Register("queue", true, func(ctx context.Context) (string, error) {
		stats, err := eng.GetStats(ctx)
		if err != nil {
			return "", err
		}
		detail := fmt.Sprintf("pending=%d inFlight=%d deadLetters=%d", stats.Pending, stats.InFlight, stats.TotalDeadLetters)
		if eng.GetRuntimeControls().Paused {
			detail = "paused; " + detail
		}
		return detail, nil
	})
	doc.Register("channels", false, func(context.Context) (string, error) {
		status := mgr.Status()
		if len(status) == 0 {
			return "none enabled", nil
		}
		var down []string
		for name, running := range status {
			if !running {
				down = append(down, name)
			}
		}
		if len(down) > 0 {
			sort.Strings(down)
			return "", fmt.Errorf("adapters down: %s", strings.Join(down, ", "))
		}
		return fmt.Sprintf("%d running", len(status)), nil
	})
	doc.Register("hub", false, func(context.Context) (string, error) {
		if hubToken == "" {
			return "", errors.New("hub token not configured, websocket clients rejected")
		}
		return "token configured", nil
	})
}

// registerJobs installs the periodic work: pairing sweeps run sub-minute,
// event pruning hourly, the journal marker daily.
func registerJobs(s *sched.Scheduler, pairSvc *pairing.Service, stores *store.Stores, root string, retention time.Duration) {
	if err := s.Every("pairing-sweep", pairing.SweepInterval, func(ctx context.Context) error {
		n, err := pairSvc.SweepExpired(ctx)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("expired pairing requests swept", "count", n)
		}
		return nil
	}); err != nil {
		slog.Error("register pairing sweep", "error", err)
	}

	if err := s.Cron("event-prune", "@hourly", func(ctx context.Context) error {
		n, err := stores.Events.PruneBefore(ctx, time.Now().UTC().Add(-retention))
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("pruned stored events", "count", n)
		}
		return nil
	}); err != nil {
		slog.Error("register event prune", "error", err)
	}

	if err := s.Cron("daily-log", "@daily", func(ctx context.Context) error {
		return workspace.AppendDailyMarker(root, time.Now())
	}); err != nil {
		slog.Error("register daily log", "error", err)
	}
}

func parseLogLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
