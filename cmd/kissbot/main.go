package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/mattn/go-isatty"

	"github.com/ElSerda/KissBot-sub000/internal/announce"
	"github.com/ElSerda/KissBot-sub000/internal/bus"
	"github.com/ElSerda/KissBot-sub000/internal/chat"
	"github.com/ElSerda/KissBot-sub000/internal/commands"
	"github.com/ElSerda/KissBot-sub000/internal/config"
	"github.com/ElSerda/KissBot-sub000/internal/eventsub"
	"github.com/ElSerda/KissBot-sub000/internal/helix"
	"github.com/ElSerda/KissBot-sub000/internal/monitor"
	"github.com/ElSerda/KissBot-sub000/internal/neural"
	otelpkg "github.com/ElSerda/KissBot-sub000/internal/otel"
	"github.com/ElSerda/KissBot-sub000/internal/status"
	"github.com/ElSerda/KissBot-sub000/internal/telemetry"
	"github.com/ElSerda/KissBot-sub000/internal/timers"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Run the bot
  %s --console                Run the bot and read chat lines from stdin
  %s --config <path>          Use an explicit config file

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  KISSBOT_HOME            Data directory (default: ~/.kissbot)
  KISSBOT_LOG_LEVEL       Override log_level from config.yaml
  KISSBOT_BOT_NAME        Override bot.name from config.yaml
  TWITCH_CLIENT_ID        Twitch application client id
  TWITCH_APP_TOKEN        Twitch app access token
  OPENAI_API_KEY          API key for the cloud backend
`)
}

func main() {
	// .env values never override variables already set in the environment.
	_ = godotenv.Load()

	configPath := flag.String("config", "", "path to config.yaml (default: $KISSBOT_HOME/config.yaml)")
	logLevel := flag.String("log-level", "", "override the configured log level (debug, info, warn, error)")
	quiet := flag.Bool("quiet", false, "log to file only, keep stdout clean")
	console := flag.Bool("console", false, "read chat lines from stdin into the first channel")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Usage = printUsage
	flag.Parse()

	if *showVersion {
		fmt.Println("kissbot", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	// An interactive console session keeps stdout clean for chat; process
	// logs go to the file only.
	interactive := *console && isatty.IsTerminal(os.Stdout.Fd())
	quietLogs := *quiet || interactive

	logger, logCloser, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, quietLogs)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer logCloser.Close()
	slog.SetDefault(logger)

	logger.Info("startup phase", "phase", "config_loaded",
		"home", cfg.HomeDir, "provider", cfg.LLM.Provider, "channels", len(cfg.Channels))

	otelProvider, err := otelpkg.Init(ctx, cfg.Telemetry)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	metrics, err := otelpkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}

	eventBus := bus.New(logger)
	eventBus.SetMetrics(metrics)
	logger.Info("startup phase", "phase", "bus_ready")

	// Helix is optional: without credentials the bot still chats, but stream
	// lookups and monitoring are disabled. Command lookups go through the
	// announcing decorator so results land on the bus; the monitor paths use
	// the plain client to keep polling ticks quiet.
	var helixAPI helix.API
	var lookupAPI helix.API
	if cfg.APIs.ClientID != "" && cfg.APIs.AppToken != "" {
		hx := helix.New(cfg.APIs, logger)
		helixAPI = hx
		lookupAPI = helix.WithEvents(hx, eventBus)
	} else {
		logger.Warn("twitch credentials missing; helix lookups and stream monitoring are disabled")
	}

	var backends []neural.Backend
	switch cfg.LLM.Provider {
	case "local":
		backends = append(backends, neural.NewLocal(cfg.LLM, cfg.Neural, cfg.Bot, logger))
	case "cloud":
		backends = append(backends, neural.NewCloud(cfg.LLM, cfg.Neural, cfg.APIs, cfg.Bot, logger))
	default: // auto
		backends = append(backends,
			neural.NewLocal(cfg.LLM, cfg.Neural, cfg.Bot, logger),
			neural.NewCloud(cfg.LLM, cfg.Neural, cfg.APIs, cfg.Bot, logger),
		)
	}
	backends = append(backends, neural.NewReflex())

	dispatcher := neural.NewDispatcher(neural.DispatcherConfig{
		Backends:    backends,
		Exploration: cfg.Neural.UCBExplorationFactor,
		MinTrials:   cfg.Neural.MinTrialsPerSynapse,
		Logger:      logger,
		Tracer:      otelProvider.Tracer,
		Metrics:     metrics,
	})
	cache := neural.NewResponseCache(neural.CacheConfig{
		TTL:     time.Duration(cfg.Commands.Cache.JokeTTL) * time.Second,
		MaxSize: cfg.Commands.Cache.JokeMaxSize,
	})
	logger.Info("startup phase", "phase", "backends_ready",
		"provider", cfg.LLM.Provider, "backends", len(backends))

	transport := chat.NewConsole(cfg.Channels, eventBus, logger)
	writer := chat.NewWriter(chat.WriterConfig{
		Transport: transport,
		Bus:       eventBus,
		Logger:    logger,
		Metrics:   metrics,
	})
	writer.Attach()

	router := commands.NewRouter(commands.RouterConfig{
		Bus:             eventBus,
		BotName:         cfg.Bot.Name,
		Prefix:          cfg.Commands.Prefix,
		Dispatcher:      dispatcher,
		MentionCooldown: time.Duration(cfg.Commands.Cooldowns.Mention) * time.Second,
		Logger:          logger,
	})
	builtins := commands.NewBuiltins(commands.BuiltinsConfig{
		BotName:      cfg.Bot.Name,
		Prefix:       cfg.Commands.Prefix,
		Helix:        lookupAPI,
		Dispatcher:   dispatcher,
		Cache:        cache,
		Transport:    transport,
		AskCooldown:  time.Duration(cfg.Commands.Cooldowns.Ask) * time.Second,
		JokeCooldown: time.Duration(cfg.Commands.Cooldowns.Joke) * time.Second,
		Logger:       logger,
		Metrics:      metrics,
	})
	builtins.RegisterAll(router)
	router.Attach()

	announcer := announce.New(cfg.Announcements, eventBus, logger)
	announcer.Attach()

	var supervisor *monitor.Supervisor
	var push *eventsub.Client
	mon := cfg.Announcements.Monitoring
	switch {
	case mon.Enabled && helixAPI == nil:
		logger.Warn("stream monitoring disabled: no twitch credentials")
	case mon.Enabled:
		table := monitor.NewStateTable(cfg.Channels)
		poller := monitor.New(monitor.Config{
			Helix:    helixAPI,
			Bus:      eventBus,
			Table:    table,
			Channels: cfg.Channels,
			Interval: time.Duration(mon.PollingInterval) * time.Second,
			Logger:   logger,
			Metrics:  metrics,
		})
		var pushSource monitor.PushSource
		if mon.Method != "poll" {
			push = eventsub.New(eventsub.Config{
				URL:      mon.EventSubURL,
				Helix:    helixAPI,
				Bus:      eventBus,
				Table:    table,
				Channels: cfg.Channels,
				Logger:   logger,
				Metrics:  metrics,
			})
			pushSource = push
		}
		supervisor = monitor.NewSupervisor(monitor.SupervisorConfig{
			Method: mon.Method,
			Poller: poller,
			Push:   pushSource,
			Table:  table,
			Logger: logger,
		})
		if err := supervisor.Start(ctx); err != nil {
			fatalStartup(logger, "E_MONITOR_START", err)
		}
		pushOn, pollOn := supervisor.Active()
		logger.Info("startup phase", "phase", "monitor_started",
			"method", supervisor.Method(), "push", pushOn, "poll", pollOn)
	}

	sched, err := timers.New(timers.Config{
		Timers: cfg.Timers,
		Bus:    eventBus,
		Logger: logger,
	})
	if err != nil {
		fatalStartup(logger, "E_TIMERS_INIT", err)
	}
	slot := &timerSlot{}
	slot.replace(ctx, sched)

	statusSrv := status.New(status.Config{
		Addr:       cfg.Status.BindAddr,
		Bus:        eventBus,
		Dispatcher: dispatcher,
		Supervisor: supervisor,
		Degraded: func() []string {
			if push == nil {
				return nil
			}
			return push.Degraded()
		},
		Logger:  logger,
		Version: Version,
	})
	if err := statusSrv.Start(ctx); err != nil {
		fatalStartup(logger, "E_STATUS_BIND", err)
	}

	configFile := *configPath
	if configFile == "" {
		configFile = config.ConfigPath(cfg.HomeDir)
	}
	watcher := config.NewWatcher(configFile, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher disabled", "error", err)
	} else {
		go watchReloads(ctx, watcher, cfg, reloadTargets{
			path:      configFile,
			logger:    logger,
			bus:       eventBus,
			router:    router,
			builtins:  builtins,
			announcer: announcer,
			timers:    slot,
		})
	}

	if *console {
		channel := "console"
		if len(cfg.Channels) > 0 {
			channel = cfg.Channels[0]
		}
		fmt.Printf("kissbot %s — console attached to #%s (Ctrl-D to quit)\n", Version, channel)
		go func() {
			scanner := bufio.NewScanner(os.Stdin)
			for scanner.Scan() {
				line := strings.TrimSpace(scanner.Text())
				if line == "" {
					continue
				}
				transport.Feed(ctx, channel, "console", line)
			}
			stop()
		}()
	}

	logger.Info("kissbot running", "version", Version, "bot", cfg.Bot.Name, "channels", cfg.Channels)

	<-ctx.Done()
	logger.Info("shutdown signal received")

	// Stop producers first, then detach consumers, then drain what is still
	// in flight. Telemetry flushes last so the shutdown itself is recorded.
	statusSrv.Stop()
	if supervisor != nil {
		supervisor.Stop()
	}
	slot.stop()
	router.Detach()
	announcer.Detach()
	writer.Detach()
	if !eventBus.Drain(5 * time.Second) {
		logger.Warn("event bus drain timed out")
	}
	eventBus.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := otelProvider.Shutdown(shutdownCtx); err != nil {
		logger.Warn("telemetry shutdown failed", "error", err)
	}
	logger.Info("shutdown complete")
}

// timerSlot holds the live timer scheduler so config reloads can swap it
// while shutdown stops whichever instance is current.
type timerSlot struct {
	mu    sync.Mutex
	sched *timers.Scheduler
}

func (s *timerSlot) replace(ctx context.Context, next *timers.Scheduler) {
	s.mu.Lock()
	prev := s.sched
	s.sched = next
	s.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	if next != nil {
		next.Start(ctx)
	}
}

func (s *timerSlot) stop() {
	s.mu.Lock()
	sched := s.sched
	s.sched = nil
	s.mu.Unlock()
	if sched != nil {
		sched.Stop()
	}
}

// reloadTargets groups the collaborators that accept in-place config updates.
type reloadTargets struct {
	path      string
	logger    *slog.Logger
	bus       *bus.Bus
	router    *commands.Router
	builtins  *commands.Builtins
	announcer *announce.Announcer
	timers    *timerSlot
}

// watchReloads applies config file changes while the bot runs. Cooldowns,
// announcement templates, and timers are swapped in place; any other change
// is logged as requiring a restart. current tracks the running config, not
// the last file state, so reverting an unapplied edit goes quiet again.
func watchReloads(ctx context.Context, w *config.Watcher, current config.Config, t reloadTargets) {
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-w.Events():
			if !ok {
				return
			}
			next, err := config.Load(t.path)
			if err != nil {
				t.logger.Warn("config reload skipped", "error", err)
				continue
			}
			if next.Fingerprint() == current.Fingerprint() {
				continue
			}
			if next.CoreFingerprint() != current.CoreFingerprint() {
				t.logger.Warn("config change requires restart", "path", t.path)
				continue
			}

			t.router.SetMentionCooldown(time.Duration(next.Commands.Cooldowns.Mention) * time.Second)
			t.builtins.SetCooldowns(
				time.Duration(next.Commands.Cooldowns.Ask)*time.Second,
				time.Duration(next.Commands.Cooldowns.Joke)*time.Second,
			)
			t.announcer.SetConfig(next.Announcements)
			if !slices.Equal(current.Timers, next.Timers) {
				sched, err := timers.New(timers.Config{
					Timers: next.Timers,
					Bus:    t.bus,
					Logger: t.logger,
				})
				if err != nil {
					t.logger.Warn("timer reload skipped", "error", err)
				} else {
					t.timers.replace(ctx, sched)
				}
			}
			current = next
			t.logger.Info("config reloaded", "path", t.path)
		}
	}
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
			`{"timestamp":"%s","level":"ERROR","component":"kissbot","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}
