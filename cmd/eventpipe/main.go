// Package main runs the eventpipe server: it loads the server configuration
// and the pipeline definitions, builds every pipeline and runs them until
// SIGINT or SIGTERM.
package main

import (
	"context"
	stderrors "errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/c360/eventpipe/circuitbreaker"
	"github.com/c360/eventpipe/componentregistry"
	"github.com/c360/eventpipe/config"
	"github.com/c360/eventpipe/errors"
	"github.com/c360/eventpipe/expression"
	"github.com/c360/eventpipe/health"
	natsinput "github.com/c360/eventpipe/input/nats"
	"github.com/c360/eventpipe/metric"
	"github.com/c360/eventpipe/natsclient"
	natsoutput "github.com/c360/eventpipe/output/nats"
	"github.com/c360/eventpipe/parser"
	"github.com/c360/eventpipe/peerforwarder"
	"github.com/c360/eventpipe/pipeline"
	"github.com/c360/eventpipe/plugin"
)

// Build information constants
const (
	Version   = "0.1.0"
	BuildTime = "dev"
	appName   = "eventpipe"
)

const healthInterval = 5 * time.Second

func main() {
	defer func() {
		if r := recover(); r != nil {
			buf := make([]byte, 4096)
			n := runtime.Stack(buf, false)
			_, _ = fmt.Fprintf(os.Stderr, "PANIC: %v\nStack trace:\n%s\n", r, string(buf[:n]))
			os.Exit(2)
		}
	}()

	if err := run(os.Args[1:]); err != nil {
		slog.Error("Application failed", "error", err, "exit_code", 1)
		os.Exit(1)
	}
}

// server holds everything built at startup, in the order it is torn down
type server struct {
	cfg    *config.Config
	logger *slog.Logger

	registry        *plugin.Registry
	metricsRegistry *metric.MetricsRegistry
	evaluator       *expression.ConditionalEvaluator
	natsClient      *natsclient.Client
	breakers        *circuitbreaker.Manager
	provider        *peerforwarder.Provider
	monitor         *health.Monitor
	metricsServer   *metric.Server

	order     []string
	pipelines map[string]*pipeline.Pipeline
}

func run(args []string) error {
	cliCfg, logger, shouldExit, err := initializeCLI(args)
	if shouldExit || err != nil {
		return err
	}

	cfg, err := loadConfig(cliCfg.ConfigPath)
	if err != nil {
		return err
	}

	pipelinesCfg, err := parser.FromFile(cliCfg.PipelinesPath)
	if err != nil {
		return fmt.Errorf("load pipelines: %w", err)
	}

	registry := plugin.NewRegistry()
	if err := componentregistry.Register(registry); err != nil {
		return fmt.Errorf("register plugins: %w", err)
	}

	if cliCfg.Validate {
		if err := validatePipelines(registry, pipelinesCfg.Pipelines); err != nil {
			return err
		}
		slog.Info("Configuration is valid", "pipelines", len(pipelinesCfg.Pipelines))
		return nil
	}

	ctx := context.Background()
	srv := &server{cfg: cfg, logger: logger, registry: registry}
	if err := srv.setup(ctx, pipelinesCfg.Pipelines); err != nil {
		srv.close(ctx)
		return err
	}
	return srv.runWithSignalHandling(ctx, cliCfg.ShutdownTimeout)
}

// initializeCLI parses flags and sets up logging
func initializeCLI(args []string) (*CLIConfig, *slog.Logger, bool, error) {
	cliCfg, err := parseFlags(args)
	if err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}
	if err := validateFlags(cliCfg); err != nil {
		return nil, nil, false, fmt.Errorf("invalid flags: %w", err)
	}

	if cliCfg.ShowVersion {
		fmt.Printf("%s version %s\n", appName, Version)
		return nil, nil, true, nil
	}
	if cliCfg.ShowHelp {
		return nil, nil, true, nil
	}

	logger := setupLogger(cliCfg.LogLevel, cliCfg.LogFormat)
	slog.SetDefault(logger)

	slog.Info("Starting eventpipe",
		"version", Version,
		"build_time", BuildTime,
		"config_path", cliCfg.ConfigPath,
		"pipelines_path", cliCfg.PipelinesPath)

	return cliCfg, logger, false, nil
}

// loadConfig loads the server configuration. Without a path the defaults
// apply, still overridable from the environment.
func loadConfig(path string) (*config.Config, error) {
	loader := config.NewLoader()
	loader.EnableValidation(true)

	var (
		cfg *config.Config
		err error
	)
	if path == "" {
		cfg, err = loader.LoadYAML(nil)
	} else {
		cfg, err = loader.LoadFile(path)
	}
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// validatePipelines checks connectors and that every named plugin exists,
// without constructing anything
func validatePipelines(registry *plugin.Registry, specs map[string]*parser.PipelineSpec) error {
	order, err := parser.ValidatePipelineNames(specs)
	if err != nil {
		return fmt.Errorf("invalid pipelines: %w", err)
	}

	var report errors.PluginErrors
	lookup := func(pipelineName string, kind plugin.Kind, name string) {
		if name == parser.ConnectorPlugin {
			return
		}
		if _, ok := registry.Lookup(kind, name); !ok {
			report.Collect(&errors.PluginError{
				Pipeline:      pipelineName,
				ComponentType: string(kind),
				PluginName:    name,
				Err:           errors.ErrUnknownPlugin,
			})
		}
	}
	for _, name := range order {
		spec := specs[name]
		lookup(name, plugin.KindSource, spec.Source.Name)
		if spec.Buffer != nil {
			lookup(name, plugin.KindBuffer, spec.Buffer.Name)
		}
		for _, p := range spec.Processors {
			lookup(name, plugin.KindProcessor, p.Name)
		}
		for _, s := range spec.Sinks {
			lookup(name, plugin.KindSink, s.Name)
		}
	}
	return report.Err()
}

// needsNATS reports whether any pipeline plugin or the peer forwarder uses
// the NATS connection
func needsNATS(cfg *config.Config, specs map[string]*parser.PipelineSpec) bool {
	pf := cfg.PeerForwarder
	if pf.DiscoveryMode == peerforwarder.DiscoveryRegistry || pf.Transport == peerforwarder.TransportNATS {
		return true
	}
	for _, spec := range specs {
		if spec.Source.Name == natsinput.PluginName {
			return true
		}
		for _, s := range spec.Sinks {
			if s.Name == natsoutput.PluginName {
				return true
			}
		}
	}
	return false
}

func (s *server) setup(ctx context.Context, specs map[string]*parser.PipelineSpec) error {
	s.metricsRegistry = metric.NewMetricsRegistry()
	coreMetrics := s.metricsRegistry.CoreMetrics()
	s.evaluator = expression.NewEvaluator()
	s.monitor = health.NewMonitor()

	if needsNATS(s.cfg, specs) {
		nc, err := connectToNATS(ctx, s.cfg.NATS, s.logger)
		if err != nil {
			return err
		}
		s.natsClient = nc
	}

	breakers, err := circuitbreaker.NewManager(s.cfg.CircuitBreakers, s.logger, coreMetrics)
	if err != nil {
		return fmt.Errorf("create circuit breakers: %w", err)
	}
	s.breakers = breakers

	providerOpts := []peerforwarder.ProviderOption{
		peerforwarder.WithLogger(s.logger),
		peerforwarder.WithMetrics(coreMetrics),
		peerforwarder.WithMetricsRegistry(s.metricsRegistry),
	}
	if s.natsClient != nil {
		providerOpts = append(providerOpts, peerforwarder.WithNATSClient(s.natsClient))
	}
	provider, err := peerforwarder.NewProvider(s.cfg.PeerForwarder, providerOpts...)
	if err != nil {
		return fmt.Errorf("create peer forwarder: %w", err)
	}
	s.provider = provider

	transformer := parser.NewTransformer(s.registry,
		parser.WithEvaluator(s.evaluator),
		parser.WithPeerForwarder(provider),
		parser.WithCircuitBreakers(breakers),
		parser.WithShutdownTimeouts(s.cfg.ProcessorShutdownTimeout, s.cfg.SinkShutdownTimeout),
		parser.WithLogger(s.logger),
		parser.WithMetrics(coreMetrics),
		parser.WithDependencies(plugin.Dependencies{
			Logger:          s.logger,
			Metrics:         coreMetrics,
			MetricsRegistry: s.metricsRegistry,
			NATSClient:      s.natsClient,
			Evaluator:       s.evaluator,
		}),
	)

	pipelines, report := transformer.TransformConfiguration(specs)
	if report != nil && report.Len() > 0 {
		s.logger.Error("Some pipelines failed to build", "error", report.Error())
	}
	if len(pipelines) == 0 {
		if report != nil {
			return fmt.Errorf("no pipeline could be built: %w", report)
		}
		return fmt.Errorf("no pipeline could be built")
	}
	s.pipelines = pipelines

	order, err := parser.ValidatePipelineNames(specs)
	if err != nil {
		return fmt.Errorf("order pipelines: %w", err)
	}
	for _, name := range order {
		if _, ok := pipelines[name]; ok {
			s.order = append(s.order, name)
		}
	}

	slog.Info("Pipelines built", "count", len(s.order), "pipelines", s.order)
	return nil
}

// connectToNATS dials NATS and waits for the connection to be ready
func connectToNATS(ctx context.Context, cfg config.NATSConfig, logger *slog.Logger) (*natsclient.Client, error) {
	opts := []natsclient.ClientOption{
		natsclient.WithLogger(logger),
		natsclient.WithName(appName),
		natsclient.WithMaxReconnects(cfg.MaxReconnects),
		natsclient.WithReconnectWait(cfg.ReconnectWait),
	}
	if cfg.Username != "" {
		opts = append(opts, natsclient.WithCredentials(cfg.Username, cfg.Password))
	}
	if cfg.Token != "" {
		opts = append(opts, natsclient.WithToken(cfg.Token))
	}
	if cfg.TLS.Enabled {
		opts = append(opts, natsclient.WithTLS(cfg.TLS.CertFile, cfg.TLS.KeyFile, cfg.TLS.CAFile))
	}

	nc, err := natsclient.NewClient(cfg.URL(), opts...)
	if err != nil {
		return nil, fmt.Errorf("create NATS client: %w", err)
	}

	slog.Info("Connecting to NATS", "url", cfg.URL())
	if err := nc.Connect(ctx); err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	connCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := nc.WaitForConnection(connCtx); err != nil {
		_ = nc.Close(ctx)
		return nil, fmt.Errorf("NATS connection timeout: %w", err)
	}
	return nc, nil
}

// start brings up the shared services and executes the pipelines,
// downstream pipelines first so connectors find their buffers running
func (s *server) start(ctx context.Context) error {
	if err := s.breakers.Start(ctx); err != nil {
		return fmt.Errorf("start circuit breakers: %w", err)
	}
	if err := s.provider.Start(ctx); err != nil {
		return fmt.Errorf("start peer forwarder: %w", err)
	}

	probes := make(map[string]health.Probe, len(s.order))
	for i := len(s.order) - 1; i >= 0; i-- {
		name := s.order[i]
		p := s.pipelines[name]
		if err := p.Execute(ctx); err != nil {
			return fmt.Errorf("execute pipeline %s: %w", name, err)
		}
		probes[name] = health.PipelineProbe(p)
	}
	go s.monitor.Watch(ctx, healthInterval, probes)

	if s.cfg.Metrics.Enabled {
		s.metricsServer = metric.NewServer(s.cfg.Metrics.Port, s.cfg.Metrics.Path,
			s.metricsRegistry, health.Handler(s.monitor, appName))
		if err := s.metricsServer.Start(); err != nil {
			return fmt.Errorf("start metrics server: %w", err)
		}
	}
	return nil
}

// runWithSignalHandling starts everything and shuts down on SIGINT or
// SIGTERM
func (s *server) runWithSignalHandling(ctx context.Context, shutdownTimeout time.Duration) error {
	signalCtx, signalCancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer signalCancel()

	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()

	if err := s.start(runCtx); err != nil {
		cancelRun()
		s.shutdown(shutdownTimeout)
		return err
	}
	slog.Info("eventpipe started", "pipelines", len(s.order))

	<-signalCtx.Done()
	slog.Info("Received shutdown signal")

	err := s.shutdown(shutdownTimeout)
	cancelRun()
	if err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	slog.Info("eventpipe shutdown complete")
	return nil
}

// shutdown stops pipelines upstream first so in-flight events drain into
// downstream pipelines, then the shared services in reverse start order
func (s *server) shutdown(timeout time.Duration) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	var errs []error
	for _, name := range s.order {
		report := s.pipelines[name].Shutdown()
		if !report.Clean() {
			s.logger.Warn("Pipeline shutdown timed out", "pipeline", name,
				"stages", report.TimedOut, "duration", report.Duration)
			errs = append(errs, fmt.Errorf("pipeline %s: stages timed out: %v", name, report.TimedOut))
			continue
		}
		s.logger.Info("Pipeline stopped", "pipeline", name, "duration", report.Duration)
	}

	if s.metricsServer != nil {
		if err := s.metricsServer.Stop(ctx); err != nil {
			errs = append(errs, fmt.Errorf("stop metrics server: %w", err))
		}
	}
	s.close(ctx)
	return stderrors.Join(errs...)
}

// close releases the shared services. It tolerates a partial setup.
func (s *server) close(ctx context.Context) {
	if s.provider != nil {
		if err := s.provider.Stop(ctx); err != nil {
			s.logger.Warn("Peer forwarder stop failed", "error", err)
		}
	}
	if s.breakers != nil {
		s.breakers.Stop()
	}
	if s.natsClient != nil {
		if err := s.natsClient.Close(ctx); err != nil {
			s.logger.Warn("NATS close failed", "error", err)
		}
	}
}
