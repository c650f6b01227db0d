// Package main runs the browserd service: one real browser per session,
// driven by a navigator model and handed to a human on request.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/net/netutil"

	"github.com/entrhq/browserd/pkg/agent"
	"github.com/entrhq/browserd/pkg/browser"
	"github.com/entrhq/browserd/pkg/config"
	"github.com/entrhq/browserd/pkg/llm"
	"github.com/entrhq/browserd/pkg/llm/ollama"
	"github.com/entrhq/browserd/pkg/llm/openai"
	"github.com/entrhq/browserd/pkg/logging"
	"github.com/entrhq/browserd/pkg/metrics"
	"github.com/entrhq/browserd/pkg/process"
	"github.com/entrhq/browserd/pkg/session"
	"github.com/entrhq/browserd/pkg/stream"
	"github.com/entrhq/browserd/pkg/transport"
)

const (
	// Version is the application version (set via ldflags).
	Version = "dev"

	metricsNamespace = "browserd"
)

type flags struct {
	configPath      string
	listen          string
	logLevel        string
	installBrowsers bool
}

func parseFlags(args []string, stderr io.Writer) (*flags, error) {
	app := kingpin.New("browserd", "Browser automation service with human takeover.")
	app.Version(Version)
	app.UsageWriter(stderr)
	app.ErrorWriter(stderr)
	app.DefaultEnvars()

	f := &flags{}
	app.Flag("config", "Path to a YAML configuration file.").Short('c').StringVar(&f.configPath)
	app.Flag("listen", "Listen address, overrides server.host and server.port.").StringVar(&f.listen)
	app.Flag("log-level", "Log level, overrides logging.level.").EnumVar(&f.logLevel, "debug", "info", "warn", "error")
	app.Flag("install-browsers", "Download Playwright browsers before the first launch.").BoolVar(&f.installBrowsers)

	if _, err := app.Parse(args); err != nil {
		return nil, fmt.Errorf("invalid command configuration: %w", err)
	}
	return f, nil
}

func newProvider(cfg config.NavigatorConfig) (llm.Provider, error) {
	switch cfg.Backend {
	case config.BackendOpenAI:
		return openai.NewProvider(cfg.APIKey, openai.WithBaseURL(cfg.Endpoint), openai.WithModel(cfg.Model))
	default:
		return ollama.NewProvider(ollama.WithEndpoint(cfg.Endpoint), ollama.WithModel(cfg.Model)), nil
	}
}

func newLauncher(cfg config.BrowserConfig, install bool) browser.Launcher {
	if cfg.Driver == config.DriverChromedp {
		return browser.NewChromedpLauncher()
	}
	return browser.NewPlaywrightLauncher(install)
}

// Run runs browserd until a termination signal arrives or the server fails.
func Run(ctx context.Context, args []string, stderr io.Writer) error {
	f, err := parseFlags(args[1:], stderr)
	if err != nil {
		return err
	}

	cfg, err := config.Load(f.configPath)
	if err != nil {
		return err
	}
	if f.logLevel != "" {
		cfg.Logging.Level = f.logLevel
	}
	if err := logging.Configure(logging.Options{Level: cfg.Logging.Level, Format: cfg.Logging.Format}); err != nil {
		return err
	}
	defer func() { _ = logging.Sync() }()
	logger := logging.NewLogger("main")

	addr := cfg.Server.Addr()
	if f.listen != "" {
		addr = f.listen
	}

	// Sessions and browsers.
	registry := session.NewRegistry(
		session.WithBases(session.Bases{
			Display: cfg.Display.BaseDisplay,
			VNCPort: cfg.Display.BaseVNCPort,
			WSPort:  cfg.Display.BaseWSPort,
		}),
		session.WithMaxSessions(cfg.Display.MaxSessions),
	)

	viewport := browser.Viewport{Width: cfg.Browser.ViewportWidth, Height: cfg.Browser.ViewportHeight}
	caps := browser.ProbeCapabilities(os.LookupEnv, process.Available)
	display, err := browser.SelectDisplay(string(cfg.Display.Mode), caps, viewport, cfg.Display.StartupWait)
	if err != nil {
		return err
	}
	guard, err := browser.NewURLGuard(cfg.Browser.AllowedURLs, cfg.Browser.DeniedURLs)
	if err != nil {
		return err
	}
	controller := browser.NewController(registry, newLauncher(cfg.Browser, f.installBrowsers), display, guard, browser.Options{
		Viewport:    viewport,
		Timeout:     cfg.Browser.Timeout,
		ExecPath:    cfg.Browser.ExecPath,
		MaxElements: cfg.Browser.MaxElements,
	})
	logger.Infof("Using %s driver with %s display", cfg.Browser.Driver, display.Name())

	// Navigator.
	provider, err := newProvider(cfg.Navigator)
	if err != nil {
		return err
	}
	orchestrator := agent.NewOrchestrator(registry, controller, provider, agent.Options{
		MaxSteps:            cfg.Agent.MaxSteps,
		ConfidenceThreshold: cfg.Agent.ConfidenceThreshold,
		StepDelay:           cfg.Agent.StepDelay,
		DecisionTimeout:     cfg.Agent.DecisionTimeout,
		DecisionRetries:     cfg.Agent.DecisionRetries,
		PromptTokenBudget:   cfg.Agent.PromptTokenBudget,
	})

	// Metrics.
	promRegistry := prometheus.NewRegistry()
	promRegistry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	collector := metrics.NewCollector(metricsNamespace, promRegistry, logging.Zap())
	collector.ObserveSessions(registry.Events(), func() int { return len(registry.Active()) })
	collector.ObserveBrowsers(controller.Events())
	collector.ObserveAgent(orchestrator.Events())

	// Live frames.
	origins := cfg.Server.OriginPatterns()
	streams := stream.NewManager(controller, stream.Options{
		Interval:    cfg.Stream.Interval,
		VNCEnabled:  cfg.Stream.VNCEnabled,
		StartupWait: cfg.Display.StartupWait,
		PublicHost:  cfg.Stream.PublicHost,
		Origins:     origins,
		OnRelay:     collector.FrameRelayed,
	})
	streams.Observe(controller.Events())

	// Transport.
	svc := transport.NewService(registry, controller, orchestrator, streams, transport.ServiceOptions{
		Autostart: cfg.Agent.Autostart,
	})
	hub := transport.NewHub(svc, transport.HubOptions{
		Origins:           origins,
		MessagesPerSecond: cfg.Server.MessagesPerSecond,
		MessageBurst:      cfg.Server.MessageBurst,
		Metrics:           collector,
	})
	hub.Observe(registry.Events(), controller.Events(), orchestrator.Events(), streams.Events())
	router := transport.NewRouter(svc, hub, transport.RouterOptions{
		AllowedOrigins: cfg.Server.AllowedOrigins,
		Metrics:        promhttp.HandlerFor(promRegistry, promhttp.HandlerOpts{}),
		HTTPMetrics:    collector,
		Logger:         logging.Zap(),
	})

	go func() {
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		defer cancel()
		if orchestrator.CheckModel(checkCtx) {
			logger.Infof("Navigator model %s is available", orchestrator.Model())
		} else {
			logger.Warnf("Navigator model %s is not available yet; runs will fall back to human takeover", orchestrator.Model())
		}
	}()

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				logger.Infof("Termination signal received, shutting down")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// HTTP and socket server.
	{
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		if cfg.Server.MaxConnections > 0 {
			ln = netutil.LimitListener(ln, cfg.Server.MaxConnections)
		}
		srv := &http.Server{
			Handler:           router,
			ReadHeaderTimeout: 10 * time.Second,
		}

		g.Add(
			func() error {
				logger.Infof("Listening on %s (display=%t xvfb=%t)", ln.Addr(), caps.HasDisplay, caps.HasXvfb)
				if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
					return fmt.Errorf("server failed: %w", err)
				}
				return nil
			},
			func(_ error) {
				shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
				defer cancel()
				hub.Close()
				if err := srv.Shutdown(shutdownCtx); err != nil {
					logger.Warnf("Server shutdown: %v", err)
				}
			},
		)
	}

	runErr := g.Run()

	// Runs are cancelled while browsers close so in-flight actions fail fast.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	runsDone := make(chan struct{})
	go func() {
		svc.Close()
		close(runsDone)
	}()
	if err := controller.Shutdown(shutdownCtx); err != nil {
		logger.Warnf("Browser shutdown: %v", err)
	}
	streams.StopAll()
	<-runsDone

	logger.Infof("Shutdown complete")
	return runErr
}

func main() {
	if err := Run(context.Background(), os.Args, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
