package daemon

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/conduit/internal/config"
	"github.com/harun/conduit/internal/logger"
	"github.com/harun/conduit/internal/observability"
	"github.com/harun/conduit/internal/tracing"
	"github.com/harun/conduit/pkg/events"
	"github.com/harun/conduit/pkg/gateway"
	"github.com/harun/conduit/pkg/governor"
	"github.com/harun/conduit/pkg/history"
	"github.com/harun/conduit/pkg/ledger"
	"github.com/harun/conduit/pkg/orchestrator"
	"github.com/harun/conduit/pkg/provider"
	"github.com/harun/conduit/pkg/stream"
	"github.com/harun/conduit/pkg/toolexecutor"
)

// DefaultShutdownTimeout bounds Wait's graceful shutdown.
const DefaultShutdownTimeout = 30 * time.Second

// Options configures a Daemon.
type Options struct {
	// Loader locates the config file; it drives hot reload.
	Loader *config.Loader
	// Config is the initial, already validated configuration.
	Config *config.Config
	Logger *logger.Logger
	// Providers replaces the adapters built from Config.Providers. The
	// daemon does not close a set it did not build.
	Providers *provider.Set
}

// Daemon owns every long-lived component of a conduit process.
type Daemon struct {
	loader *config.Loader
	store  *config.Store
	logger *logger.Logger
	zl     zerolog.Logger

	bus          *events.Bus
	providers    *provider.Set
	ownProviders bool
	tools        *toolexecutor.Router
	policy       *ledger.ServerPolicy
	ledger       *ledger.Ledger
	governor     *governor.Governor
	streams      *stream.Registry
	history      *history.Store
	engine       *orchestrator.Engine
	gateway      *gateway.Server
	janitor      *governor.Janitor
	watcher      *config.Watcher
	lifecycle    *LifecycleManager

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status describes a running daemon.
type Status struct {
	Running   bool          `json:"running"`
	Uptime    time.Duration `json:"uptime"`
	StartTime time.Time     `json:"start_time"`
	Addr      string        `json:"addr,omitempty"`
}

// New builds every component. Nothing listens or runs until Start.
func New(opts Options) (*Daemon, error) {
	if opts.Config == nil || opts.Logger == nil {
		return nil, fmt.Errorf("config and logger are required")
	}
	if opts.Loader == nil {
		opts.Loader = config.NewLoader("")
	}

	observability.EnsureRegistered()

	d := &Daemon{
		loader:    opts.Loader,
		store:     config.NewStore(opts.Config),
		logger:    opts.Logger,
		zl:        opts.Logger.Component("daemon"),
		bus:       events.NewBus(),
		providers: opts.Providers,
	}

	cfg := opts.Config
	if cfg.Tracing.Enabled {
		if err := tracing.InitOpenTelemetry(cfg.Tracing.ServiceName, tracing.WithSampleRatio(cfg.Tracing.SampleRatio)); err != nil {
			d.zl.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
		} else {
			d.tracingEnabled = true
			d.zl.Info().Str("service", cfg.Tracing.ServiceName).Msg("Tracing initialized")
		}
	}

	if err := d.initializeComponents(context.Background(), cfg); err != nil {
		d.release(context.Background())
		return nil, fmt.Errorf("failed to initialize components: %w", err)
	}

	d.store.OnChange(d.applyConfig)
	return d, nil
}

func (d *Daemon) component(name string) zerolog.Logger {
	return d.logger.Component(name)
}

// initializeComponents builds components in dependency order.
func (d *Daemon) initializeComponents(ctx context.Context, cfg *config.Config) error {
	if d.providers == nil {
		set, err := provider.NewSet(ctx, cfg.ProviderConfigs(), d.component("provider"))
		if err != nil {
			return err
		}
		d.providers = set
		d.ownProviders = true
	}

	d.tools = toolexecutor.NewRouter(toolexecutor.Config{
		Logs:   toolexecutor.NewLogStore(),
		Logger: d.component("toolexecutor"),
	})
	d.registerToolServers(ctx, cfg.Tools.Servers)

	d.policy = ledger.NewServerPolicy(cfg.AutoApprovedServers()...)
	d.ledger = ledger.New(ledger.Config{
		Executor:     d.tools,
		Sink:         d.bus,
		AutoApprover: d.policy,
		Limits:       d.store,
		Logger:       d.component("ledger"),
	})

	d.governor = governor.New(governor.Config{
		Limits: d.store,
		Sink:   d.bus,
		Logger: d.component("governor"),
	})

	d.streams = stream.NewRegistry(stream.Config{
		FlushThreshold: cfg.Streaming.FlushThreshold,
		Sink:           d.bus,
		Logger:         d.component("stream"),
	})

	hist, err := history.New(history.Config{Dir: cfg.History.Dir, Logger: d.component("history")})
	if err != nil {
		return err
	}
	d.history = hist

	d.engine, err = orchestrator.New(orchestrator.Config{
		Providers:       d.providers,
		DefaultProvider: cfg.DefaultProviderKind(),
		Streams:         d.streams,
		Ledger:          d.ledger,
		Governor:        d.governor,
		Tools:           d.tools,
		History:         d.history,
		Bus:             d.bus,
		Logger:          d.component("orchestrator"),
	})
	if err != nil {
		return err
	}

	token, err := ensureGatewayToken(cfg)
	if err != nil {
		return err
	}
	d.logger.AddSecret(token)
	d.gateway, err = gateway.NewServer(gateway.Config{
		Host:              cfg.Gateway.Host,
		Port:              cfg.Gateway.Port,
		SharedSecret:      token,
		TickInterval:      time.Duration(cfg.Gateway.TickInterval) * time.Millisecond,
		RequestsPerMinute: cfg.Gateway.RequestsPerMinute,
		MaxConcurrent:     cfg.Gateway.MaxConcurrent,
		Engine:            d.engine,
		Logger:            d.component("gateway"),
	})
	if err != nil {
		return err
	}

	retention, err := cfg.Janitor.RetentionDuration()
	if err != nil {
		return err
	}
	d.janitor, err = governor.NewJanitor(governor.JanitorConfig{
		Schedule:  cfg.Janitor.Schedule,
		Retention: retention,
		Logger:    d.component("janitor"),
	},
		d.governor.CleanupTask(),
		governor.Task{Name: "tool_calls", Run: d.ledger.PruneOlderThan},
		governor.Task{Name: "tool_submissions", Run: d.tools.Prune},
	)
	if err != nil {
		return err
	}

	d.lifecycle = NewLifecycleManager(cfg.DataDir, d.component("lifecycle"))
	return nil
}

// registerToolServers registers every configured server. A server that
// fails to connect is logged and skipped.
func (d *Daemon) registerToolServers(ctx context.Context, servers []config.ToolServerConfig) {
	for _, server := range servers {
		log := d.zl.With().Str("server", server.Name).Str("transport", server.Transport).Logger()

		var (
			svc toolexecutor.ToolService
			err error
		)
		switch server.Transport {
		case config.TransportBuiltin:
			svc, err = toolexecutor.NewLocalService(toolexecutor.Builtins(time.Now)...)
		case config.TransportStdio, config.TransportHTTP:
			svc, err = toolexecutor.NewMCPService(ctx, toolexecutor.MCPConfig{
				Name:      server.Name,
				Transport: server.Transport,
				Command:   server.Command,
				Args:      server.Args,
				Env:       server.Env,
				URL:       server.URL,
			}, d.component("mcp"))
		default:
			err = fmt.Errorf("unknown transport %q", server.Transport)
		}
		if err != nil {
			log.Error().Err(err).Msg("Failed to start tool server")
			continue
		}

		tools, err := d.tools.Register(ctx, server.Name, svc)
		if err != nil {
			_ = svc.Close()
			log.Error().Err(err).Msg("Failed to register tool server")
			continue
		}
		log.Info().Int("tools", len(tools)).Bool("auto_approve", server.AutoApprove).Msg("Tool server registered")
	}
}

// Start writes the PID file, starts the gateway, janitor and config watcher.
func (d *Daemon) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is already running")
	}
	d.running = true
	d.startTime = time.Now()
	d.mu.Unlock()

	traceID := tracing.NewTraceID()
	log := d.zl.With().Str("trace_id", traceID).Logger()
	log.Info().Msg("Starting conduit daemon")

	if err := d.lifecycle.Start(); err != nil {
		d.setStopped()
		return fmt.Errorf("failed to start lifecycle manager: %w", err)
	}

	if err := d.gateway.Start(ctx); err != nil {
		_ = d.lifecycle.Stop()
		d.setStopped()
		return fmt.Errorf("failed to start gateway server: %w", err)
	}
	log.Info().Str("addr", d.gateway.Addr()).Msg("Gateway server started")

	d.janitor.Start()

	watcher, err := config.NewWatcher(config.WatcherConfig{
		Loader: d.loader,
		Store:  d.store,
		Logger: d.component("config"),
	})
	if err == nil {
		err = watcher.Start()
	}
	if err != nil {
		log.Warn().Err(err).Msg("Config hot reload disabled")
		if watcher != nil {
			_ = watcher.Stop()
		}
	} else {
		d.mu.Lock()
		d.watcher = watcher
		d.mu.Unlock()
	}

	log.Info().
		Strs("providers", kindNames(d.providers.Kinds())).
		Strs("tool_servers", d.tools.Servers()).
		Msg("Daemon started")
	return nil
}

// Stop shuts down in reverse dependency order: the gateway stops accepting
// requests, every execution is aborted, then tool services and providers
// are closed. Errors are joined; every step runs regardless.
func (d *Daemon) Stop(ctx context.Context) error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon is not running")
	}
	d.running = false
	watcher := d.watcher
	d.watcher = nil
	d.mu.Unlock()

	log := d.zl
	log.Info().Msg("Stopping conduit daemon")

	var errs []error
	if watcher != nil {
		if err := watcher.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("config watcher: %w", err))
		}
	}
	if err := d.gateway.Stop(ctx); err != nil {
		errs = append(errs, fmt.Errorf("gateway: %w", err))
	}
	if err := d.engine.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("engine: %w", err))
	}
	d.janitor.Stop(ctx)

	errs = append(errs, d.release(ctx)...)

	if err := d.lifecycle.Stop(); err != nil {
		errs = append(errs, err)
	}

	if err := errors.Join(errs...); err != nil {
		log.Error().Err(err).Msg("Daemon stopped with errors")
		return err
	}
	log.Info().Msg("Daemon stopped")
	return nil
}

// release closes resources built by New. It is used both by Stop and by a
// failed New.
func (d *Daemon) release(ctx context.Context) []error {
	var errs []error
	if d.tools != nil {
		if err := d.tools.Close(); err != nil {
			errs = append(errs, fmt.Errorf("tool services: %w", err))
		}
	}
	if d.ownProviders && d.providers != nil {
		if err := d.providers.Close(); err != nil {
			errs = append(errs, fmt.Errorf("providers: %w", err))
		}
	}
	if d.tracingEnabled {
		shutdownCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("tracing: %w", err))
		}
		cancel()
		d.tracingEnabled = false
	}
	if err := observability.GetAuditLogger().Close(); err != nil {
		errs = append(errs, fmt.Errorf("audit logger: %w", err))
	}
	return errs
}

func (d *Daemon) setStopped() {
	d.mu.Lock()
	d.running = false
	d.mu.Unlock()
}

// Status returns the daemon status
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{Running: d.running}
	if d.running {
		status.Uptime = time.Since(d.startTime)
		status.StartTime = d.startTime
		status.Addr = d.gateway.Addr()
	}
	return status
}

// Wait blocks until SIGINT, SIGTERM or ctx ends, then stops the daemon
// within DefaultShutdownTimeout.
func (d *Daemon) Wait(ctx context.Context) error {
	sigCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-sigCtx.Done()
	d.zl.Info().Msg("Shutdown requested")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), DefaultShutdownTimeout)
	defer cancel()
	return d.Stop(shutdownCtx)
}

// Engine returns the orchestrator engine.
func (d *Daemon) Engine() *orchestrator.Engine {
	return d.engine
}

// Gateway returns the gateway server.
func (d *Daemon) Gateway() *gateway.Server {
	return d.gateway
}

// Config returns the current configuration.
func (d *Daemon) Config() *config.Config {
	return d.store.Get()
}

// Store returns the live configuration store.
func (d *Daemon) Store() *config.Store {
	return d.store
}

// Policy returns the auto-approval policy.
func (d *Daemon) Policy() *ledger.ServerPolicy {
	return d.policy
}

// Janitor returns the cleanup scheduler.
func (d *Daemon) Janitor() *governor.Janitor {
	return d.janitor
}

func kindNames(kinds []provider.Kind) []string {
	out := make([]string, len(kinds))
	for i, k := range kinds {
		out[i] = string(k)
	}
	return out
}

// ensureGatewayToken returns the configured gateway token. When none is set
// a token is generated once and kept in <data_dir>/gateway.token so that
// clients can read it.
func ensureGatewayToken(cfg *config.Config) (string, error) {
	if cfg.Gateway.Token != "" {
		return cfg.Gateway.Token, nil
	}
	return loadOrCreateToken(cfg.DataDir)
}
