// goloom is the agent-to-agent coordination daemon: it admits flows
// through a bounded gate, runs their ping-pong turn loops against
// attached agent runtimes, tracks delegations and acknowledgments, and
// recovers interrupted flows on restart.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/exec"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/basket/go-loom/internal/ack"
	"github.com/basket/go-loom/internal/agent"
	"github.com/basket/go-loom/internal/bus"
	"github.com/basket/go-loom/internal/config"
	"github.com/basket/go-loom/internal/convroute"
	"github.com/basket/go-loom/internal/cron"
	"github.com/basket/go-loom/internal/engine"
	"github.com/basket/go-loom/internal/flow"
	"github.com/basket/go-loom/internal/gateway"
	"github.com/basket/go-loom/internal/journal"
	"github.com/basket/go-loom/internal/notify"
	otelPkg "github.com/basket/go-loom/internal/otel"
	"github.com/basket/go-loom/internal/policy"
	"github.com/basket/go-loom/internal/telemetry"
)

var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

DAEMON MODE:
  %s -daemon                  Start the coordination daemon (logs to stdout)
  %s daemon                   Same as -daemon

SUBCOMMANDS:
  %s status                   Show daemon health (live dashboard on a TTY)
                              Flags: --watch force dashboard, --json raw output
  %s jobs                     List jobs from the running daemon
                              Flags: --status <PENDING|RUNNING|COMPLETED|FAILED|ABANDONED>, --json
  %s doctor [-json]           Run diagnostic checks
  %s version                  Print the version

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  GOLOOM_HOME             Data directory (default: ~/.goloom)
  GOLOOM_BIND_ADDR        Gateway bind address (default: 127.0.0.1:18891)
  GOLOOM_LOG_LEVEL        debug, info, warn, error
  GOLOOM_TELEGRAM_TOKEN   Token for the Telegram escalation notifier

EXAMPLES:
  Start the daemon:       %s -daemon
  Watch daemon health:    %s status
  List failed jobs:       %s jobs --status FAILED
  Run diagnostics:        %s doctor
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
}

func main() {
	loadDotEnv(".env")

	daemon := flag.Bool("daemon", false, "run the coordination daemon")
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// CLI subcommands (non-daemon actions).
	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "version":
			fmt.Println(Version)
			os.Exit(0)
		case "status":
			os.Exit(runStatusCommand(ctx, args[1:]))
		case "jobs":
			os.Exit(runJobsCommand(ctx, args[1:]))
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		case "daemon":
			start, code := runDaemonSubcommand(args[1:], os.Stdout, os.Stderr)
			if !start {
				os.Exit(code)
			}
			*daemon = true
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	if !*daemon {
		printUsage()
		os.Exit(2)
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	logger, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, false)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir, "version", Version)

	if host, _, splitErr := net.SplitHostPort(cfg.BindAddr); splitErr == nil {
		h := strings.TrimSpace(strings.ToLower(host))
		loopback := h == "127.0.0.1" || h == "localhost" || h == "::1"
		if !loopback && !cfg.Gateway.Auth.Enabled {
			logger.Warn("gateway auth is disabled on a non-loopback bind; anyone who can reach the port can submit flows",
				"bind_addr", cfg.BindAddr)
		}
	}

	// Event bus first so every component can publish from startup on.
	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:     cfg.Otel.Enabled,
		Exporter:    cfg.Otel.Exporter,
		Endpoint:    cfg.Otel.Endpoint,
		ServiceName: cfg.Otel.ServiceName,
		SampleRate:  cfg.Otel.SampleRate,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	var jrnl *journal.Journal
	if cfg.Journal.Enabled == nil || *cfg.Journal.Enabled {
		jrnl, err = journal.Open(filepath.Join(cfg.HomeDir, "journal.db"), eventBus, logger)
		if err != nil {
			fatalStartup(logger, "E_JOURNAL_OPEN", err)
		}
		defer jrnl.Close()
		jrnl.Start(ctx)
		logger.Info("startup phase", "phase", "journal_started")
	}

	store, err := flow.NewStore(cfg.Flow.StoreDir, logger)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	manager := flow.NewManager(store, eventBus, logger, flow.Defaults{
		MaxPingPongTurns:  cfg.Flow.MaxPingPongTurns,
		AnnounceTimeoutMs: cfg.Flow.AnnounceTimeoutMs,
	})
	gate := flow.NewGate(cfg.FlowLimit, time.Duration(cfg.QueueTimeoutMs)*time.Millisecond)
	reaper := flow.NewReaper(store, eventBus, logger)
	logger.Info("startup phase", "phase", "job_store_opened",
		"store_dir", cfg.Flow.StoreDir, "flow_limit", cfg.FlowLimit)

	registry := agent.NewRegistry()
	hub := gateway.NewSessionHub(registry, logger)

	index, err := convroute.NewIndex(filepath.Join(cfg.HomeDir, "conversations.json"), logger)
	if err != nil {
		fatalStartup(logger, "E_ROUTE_INDEX_OPEN", err)
	}
	router := convroute.NewRouter(index, eventBus, logger)
	router.Start(ctx)

	notifiers := []notify.Notifier{notify.NewLogNotifier(logger)}
	if cfg.Notify.Telegram.Enabled {
		if cfg.Notify.Telegram.Token == "" {
			logger.Warn("telegram notifier enabled but token is missing")
		} else {
			tg := notify.NewTelegramNotifier(cfg.Notify.Telegram.Token, cfg.Notify.Telegram.ChatIDs, logger)
			if err := tg.Connect(ctx); err != nil {
				logger.Error("telegram notifier unavailable", "error", err)
			} else {
				notifiers = append(notifiers, tg)
			}
		}
	}
	notifier := notify.NewMulti(notifiers...)
	alerts := notify.NewDispatcher(eventBus, notifier, logger)
	alerts.Start(ctx)

	ackStore, err := ack.NewStore(filepath.Join(cfg.HomeDir, "acks.json"), logger)
	if err != nil {
		fatalStartup(logger, "E_ACK_STORE_OPEN", err)
	}
	resend := func(record ack.Record) error {
		identity, ok := registry.Get(record.TargetAgentID)
		if !ok {
			return fmt.Errorf("no session registered for agent %s", record.TargetAgentID)
		}
		sendCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		_, err := hub.Deliver(sendCtx, gateway.TurnDelivery{
			SessionKey:     identity.SessionKey,
			ConversationID: record.CorrelationID,
			From:           record.FromAgentID,
			Message:        record.OriginalText,
		})
		return err
	}
	tracker := ack.NewTracker(ackStore, eventBus, logger, ack.Config{
		Timeout:     time.Duration(cfg.Ack.TimeoutMs) * time.Millisecond,
		MaxAttempts: cfg.Ack.MaxAttempts,
		Retention:   time.Duration(cfg.Ack.RetentionHours) * time.Hour,
	}, resend, nil)

	eng := engine.New(engine.Config{
		Manager:              manager,
		Gate:                 gate,
		Reaper:               reaper,
		Registry:             registry,
		Tracker:              tracker,
		Classifier:           policy.NewRuleClassifier(),
		Dispatcher:           &turnDispatcher{hub: hub, notifier: notifier, logger: logger},
		Bus:                  eventBus,
		Logger:               logger,
		Tracer:               otelProvider.Tracer,
		Metrics:              metrics,
		DelegationMaxRetries: cfg.Delegation.MaxRetries,
	})
	if err := eng.Start(ctx); err != nil {
		fatalStartup(logger, "E_ENGINE_START", err)
	}
	logger.Info("startup phase", "phase", "recovery_completed")

	serverErr := make(chan error, 1)
	var server *http.Server
	if cfg.Gateway.Enabled == nil || *cfg.Gateway.Enabled {
		validator := gateway.LoadSubmissionValidator(cfg.HomeDir, logger)
		gw := gateway.New(gateway.Config{
			Manager:           manager,
			Gate:              gate,
			Tracker:           tracker,
			Journal:           jrnl,
			Registry:          registry,
			Index:             index,
			Bus:               eventBus,
			Spawner:           eng,
			Sessions:          hub,
			Validator:         validator,
			Logger:            logger,
			Tracer:            otelProvider.Tracer,
			AllowOrigins:      cfg.Gateway.AllowOrigins,
			ConfigFingerprint: cfg.Fingerprint(),
		})

		var handler http.Handler = gw.Handler()
		if cfg.Gateway.Auth.Enabled {
			handler = gateway.NewAuthMiddleware(cfg.Gateway.Auth).Wrap(handler)
		}
		if cfg.Gateway.RateLimit.Enabled {
			rl := gateway.NewRateLimitMiddleware(cfg.Gateway.RateLimit)
			rl.StartEviction(ctx, 10*time.Minute, time.Hour)
			handler = rl.Wrap(handler)
		}
		handler = gateway.NewCORSMiddleware(cfg.Gateway.AllowOrigins)(handler)
		handler = gateway.RequestSizeLimitMiddleware(1 << 20)(handler)

		server = &http.Server{
			Addr:    cfg.BindAddr,
			Handler: handler,
		}
		lc := &net.ListenConfig{
			Control: func(network, address string, c syscall.RawConn) error {
				return c.Control(func(fd uintptr) {
					_ = syscall.SetsockoptInt(int(fd), syscall.SOL_SOCKET, syscall.SO_REUSEADDR, 1)
				})
			},
		}
		ln, err := lc.Listen(ctx, "tcp", cfg.BindAddr)
		if err != nil {
			if isAddrInUse(err) {
				hint := portOccupantHint(cfg.BindAddr)
				fatalStartup(logger, "E_LISTENER_BIND", fmt.Errorf("%w\n\n  %s", err, hint))
			}
			fatalStartup(logger, "E_LISTENER_BIND", err)
		}
		logger.Info("startup phase", "phase", "listener_bound", "addr", cfg.BindAddr)
		go func() {
			logger.Info("gateway listening", "addr", cfg.BindAddr, "sessions", "/api/v1/sessions/attach")
			if err := server.Serve(ln); err != nil && err != http.ErrServerClosed {
				serverErr <- err
			}
		}()
	} else {
		logger.Warn("gateway disabled; operator API and session attach are unavailable")
	}

	cronSched := cron.NewScheduler(cron.Config{Logger: logger})
	if err := cronSched.Add("ack_sweep", cfg.Ack.SweepSchedule, func(ctx context.Context) {
		summary := tracker.Sweep()
		metrics.AcksResent.Add(ctx, int64(summary.Resent))
		metrics.AcksEscalated.Add(ctx, int64(summary.Escalated))
		if summary.Resent > 0 || summary.Escalated > 0 {
			logger.Info("ack sweep", "due", summary.Due, "resent", summary.Resent, "escalated", summary.Escalated)
		}
	}); err != nil {
		fatalStartup(logger, "E_CRON_SCHEDULE", err)
	}
	if err := cronSched.Add("ack_cleanup", cfg.Ack.CleanupSchedule, func(ctx context.Context) {
		removed, err := tracker.Cleanup()
		if err != nil {
			logger.Warn("ack cleanup failed", "error", err)
		} else if removed > 0 {
			logger.Info("ack cleanup", "removed", removed)
		}
	}); err != nil {
		fatalStartup(logger, "E_CRON_SCHEDULE", err)
	}
	if jrnl != nil {
		if err := cronSched.Add("journal_retention", cfg.Journal.Schedule, func(ctx context.Context) {
			cutoff := time.Now().UTC().AddDate(0, 0, -cfg.Journal.RetentionDays)
			pruned, err := jrnl.PruneOlderThan(ctx, cutoff)
			if err != nil {
				logger.Warn("journal retention failed", "error", err)
			} else if pruned > 0 {
				logger.Info("journal retention", "pruned", pruned, "cutoff", cutoff)
			}
		}); err != nil {
			fatalStartup(logger, "E_CRON_SCHEDULE", err)
		}
	}
	cronSched.Start(ctx)
	defer cronSched.Stop()
	logger.Info("startup phase", "phase", "scheduler_started")

	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for ev := range watcher.Events() {
				logger.Info("config file changed; restart the daemon to apply", "path", ev.Path)
			}
		}()
	}

	logger.Info("daemon ready", "addr", cfg.BindAddr)

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serverErr:
		logger.Error("gateway server error", "error", err)
	}

	// Stop intake first, then let in-flight flows finish. Whatever does
	// not finish in time is recovered by the reaper on next startup.
	if server != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = server.Shutdown(shutdownCtx)
		cancel()
	}
	eng.Drain(5 * time.Second)
	logger.Info("shutdown complete")
}

// turnDispatcher routes engine turns to attached runtimes and flow
// outcomes to the operator notifier.
type turnDispatcher struct {
	hub      *gateway.SessionHub
	notifier notify.Notifier
	logger   *slog.Logger
}

func (d *turnDispatcher) SendTurn(ctx context.Context, req engine.TurnRequest) (engine.TurnResult, error) {
	outcome, err := d.hub.Deliver(ctx, gateway.TurnDelivery{
		SessionKey:     req.TargetSessionKey,
		JobID:          req.JobID,
		ConversationID: req.ConversationID,
		From:           req.FromAgentID,
		Message:        req.Message,
		Turn:           req.Turn,
		AwaitReply:     req.AwaitReply,
	})
	if err != nil {
		return engine.TurnResult{}, err
	}
	return engine.TurnResult{
		Reply:          outcome.Reply,
		ConversationID: outcome.ConversationID,
		AgentID:        outcome.AgentID,
	}, nil
}

func (d *turnDispatcher) Announce(ctx context.Context, req engine.AnnounceRequest) (string, error) {
	messageID := uuid.NewString()
	err := d.notifier.Notify(ctx, notify.Notification{
		Severity:      notify.SeverityInfo,
		Title:         fmt.Sprintf("Flow finished: %s", req.Target),
		Body:          req.Summary,
		CorrelationID: req.ConversationID,
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"daemon","trace_id":"-","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

func isAddrInUse(err error) bool {
	if opErr, ok := err.(*net.OpError); ok {
		if sysErr, ok := opErr.Err.(*os.SyscallError); ok {
			return sysErr.Err == syscall.EADDRINUSE
		}
	}
	return strings.Contains(err.Error(), "address already in use")
}

func portOccupantHint(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Sprintf("Another process is using %s. Stop it first or change bind_addr in config.yaml.", addr)
	}
	// Try lsof to identify the occupying process (macOS/Linux).
	out, err := execCommand("lsof", "-ti", ":"+port)
	if err == nil && strings.TrimSpace(out) != "" {
		pids := strings.TrimSpace(out)
		return fmt.Sprintf("Port %s is occupied by PID %s. Kill it with: kill %s", port, pids, pids)
	}
	return fmt.Sprintf("Port %s is already in use. Stop the existing process or change bind_addr in config.yaml.", port)
}

func execCommand(name string, args ...string) (string, error) {
	cmd := execCommandFunc(name, args...)
	out, err := cmd.Output()
	return string(out), err
}

var execCommandFunc = newExecCommand

func newExecCommand(name string, args ...string) *exec.Cmd {
	return exec.Command(name, args...)
}

func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}

// runDaemonSubcommand interprets the arguments after "goloom daemon".
// It returns start=true when the daemon should come up, otherwise the
// exit code main should use after the usage text it already wrote.
func runDaemonSubcommand(args []string, out, errOut io.Writer) (start bool, code int) {
	switch {
	case len(args) == 0:
		return true, 0
	case len(args) == 1 && isHelpToken(args[0]):
		daemonUsage(out)
		return false, 0
	default:
		daemonUsage(errOut)
		return false, 2
	}
}

func isHelpToken(raw string) bool {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "-h", "--help", "help":
		return true
	}
	return false
}

func daemonUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: goloom daemon [--help]")
	fmt.Fprintln(w, "       goloom -daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Runs the coordination daemon (gateway, engine, schedulers).")
}
