package daemon

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/harun/kestrel/internal/config"
	"github.com/harun/kestrel/internal/logger"
	"github.com/harun/kestrel/internal/observability"
	"github.com/harun/kestrel/internal/tracing"
	"github.com/harun/kestrel/pkg/agentloop"
	"github.com/harun/kestrel/pkg/cron"
	"github.com/harun/kestrel/pkg/gateway"
	"github.com/harun/kestrel/pkg/jobqueue"
	"github.com/harun/kestrel/pkg/keyring"
	"github.com/harun/kestrel/pkg/llm"
	"github.com/harun/kestrel/pkg/session"
	"github.com/harun/kestrel/pkg/tools"
)

// agentRunner is the slice of the agent loop the job handler needs
type agentRunner interface {
	Run(ctx context.Context, params agentloop.Params) agentloop.Result
}

// Daemon wires the job queue, agent loop, providers and gateway into
// one process
type Daemon struct {
	config *config.Config
	logger *logger.Logger

	// Core modules
	keys         *keyring.Manager
	providers    *llm.Registry
	selector     *llm.Selector
	toolRegistry *tools.Registry
	toolWatcher  *tools.Watcher
	sessions     *session.Store
	sessionSweep *session.Cleanup
	runner       agentRunner

	// Job queue
	jobStore *jobqueue.Store
	broker   *jobqueue.Broker
	pool     *jobqueue.Pool

	// Services
	gatewayServer *gateway.Server
	maintenance   *cron.Service

	lifecycle *LifecycleManager

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startTime time.Time
	running   bool
	mu        sync.RWMutex

	tracingEnabled bool
}

// Status is a point-in-time snapshot of the daemon
type Status struct {
	Running    bool          `json:"running"`
	PID        int           `json:"pid"`
	Uptime     time.Duration `json:"uptime"`
	QueueDepth int           `json:"queue_depth"`
	Workers    int           `json:"workers"`
	Keys       int           `json:"keys"`
	Tools      int           `json:"tools"`
	Gateway    string        `json:"gateway,omitempty"`
}

// New creates a daemon instance
func New(cfg *config.Config, log *logger.Logger) (*Daemon, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	observability.EnsureRegistered()
	tracingEnabled := false
	if err := tracing.InitOpenTelemetry("kestrel-daemon"); err != nil {
		log.Warn().Err(err).Msg("Failed to initialize tracing, continuing without distributed tracing")
	} else {
		tracingEnabled = true
	}

	d := &Daemon{
		config:         cfg,
		logger:         log,
		ctx:            ctx,
		cancel:         cancel,
		tracingEnabled: tracingEnabled,
	}

	if err := d.initialize(); err != nil {
		cancel()
		if d.tracingEnabled {
			_ = tracing.ShutdownOpenTelemetry(context.Background())
		}
		return nil, fmt.Errorf("failed to initialize daemon: %w", err)
	}

	d.lifecycle = NewLifecycleManager(d)
	return d, nil
}

// initialize builds the module graph in dependency order
func (d *Daemon) initialize() error {
	cfg := d.config
	zlog := d.logger.GetZerolog()

	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("failed to create data directory: %w", err)
	}

	// Key manager
	keys, err := keyring.New(keyring.Config{
		Path:               filepath.Join(cfg.DataDir, "keys.json"),
		Logger:             zlog,
		TempErrorThreshold: cfg.LLM.TempErrorThreshold,
		Cooldown:           time.Duration(cfg.LLM.KeyCooldownSec) * time.Second,
	})
	if err != nil {
		return fmt.Errorf("failed to create key manager: %w", err)
	}
	for _, kc := range cfg.LLM.Keys {
		keys.AddKey(keyring.Key{
			Provider: kc.Provider,
			APIKey:   kc.APIKey,
			Model:    kc.Model,
			BaseURL:  kc.BaseURL,
			Priority: kc.Priority,
		})
	}
	if mk := cfg.LLM.MasterKey; mk != nil {
		keys.SyncMasterKey(keyring.Key{
			Provider: mk.Provider,
			APIKey:   mk.APIKey,
			Model:    mk.Model,
			BaseURL:  mk.BaseURL,
			Priority: mk.Priority,
		})
	}
	// a hand-edited store file is the one path that can introduce
	// duplicates
	keys.Deduplicate()
	d.keys = keys
	d.logger.Info().Int("keys", len(keys.Keys())).Msg("Key manager initialized")

	// Provider registry and failover selector
	d.providers = llm.NewRegistry()
	d.selector = llm.NewSelector(llm.SelectorConfig{
		Registry:         d.providers,
		Keys:             keys,
		Logger:           zlog,
		Hierarchy:        cfg.LLM.Hierarchy,
		ProviderAttempts: cfg.LLM.ProviderAttempts,
		RetryCap:         time.Duration(cfg.LLM.RetryCapSec) * time.Second,
		CallTimeout:      time.Duration(cfg.LLM.CallTimeoutSec) * time.Second,
	})
	d.logger.Info().Strs("hierarchy", cfg.LLM.Hierarchy).Msg("Provider selector initialized")

	// Tool registry
	d.toolRegistry = tools.NewRegistry()
	if err := tools.RegisterBuiltins(d.toolRegistry, tools.BuiltinOptions{
		WorkspaceRoot: cfg.DataDir,
	}); err != nil {
		return fmt.Errorf("failed to register builtin tools: %w", err)
	}
	if cfg.Tools.ManifestDir != "" {
		if cfg.Tools.HotReload {
			watcher, err := tools.NewWatcher(d.toolRegistry, cfg.Tools.ManifestDir, zlog)
			if err != nil {
				return fmt.Errorf("failed to watch tool manifests: %w", err)
			}
			d.toolWatcher = watcher
		} else {
			loaded, err := tools.LoadManifests(d.toolRegistry, cfg.Tools.ManifestDir)
			if err != nil {
				return fmt.Errorf("failed to load tool manifests: %w", err)
			}
			d.logger.Info().Int("loaded", loaded).Msg("Tool manifests loaded")
		}
	}
	d.logger.Info().Int("tools", d.toolRegistry.Count()).Msg("Tool registry initialized")

	// Session store
	sessions, err := session.New(filepath.Join(cfg.DataDir, "sessions"))
	if err != nil {
		return fmt.Errorf("failed to create session store: %w", err)
	}
	d.sessions = sessions
	d.sessionSweep = session.NewCleanup(sessions, 0)
	d.logger.Info().Msg("Session store initialized")

	// Agent loop
	loop, err := agentloop.New(agentloop.Config{
		MaxIterations:    cfg.Agent.MaxIterations,
		MalformedLimit:   cfg.Agent.MalformedLimit,
		LoopWindow:       cfg.Agent.LoopWindow,
		JaccardThreshold: cfg.Agent.JaccardThreshold,
		HistoryEntryCap:  cfg.Agent.HistoryEntryCap,
		MaxHistoryLength: cfg.Agent.MaxHistoryLength,
		WorkingContext:   cfg.Agent.WorkingContext,
	}, d.selector, d.toolRegistry, sessions, zlog)
	if err != nil {
		return fmt.Errorf("failed to create agent loop: %w", err)
	}
	d.runner = loop

	// Job queue
	jobStore, err := jobqueue.NewStore(filepath.Join(cfg.DataDir, "jobs.db"))
	if err != nil {
		return fmt.Errorf("failed to open job store: %w", err)
	}
	d.jobStore = jobStore
	d.broker = jobqueue.NewBroker()
	d.pool = jobqueue.NewPool(jobStore, d.broker, jobqueue.PoolConfig{
		Workers:         cfg.Queue.Workers,
		StalledInterval: time.Duration(cfg.Queue.StalledIntervalSec) * time.Second,
		MaxStalls:       cfg.Queue.MaxStalls,
		Heartbeat:       time.Duration(cfg.Queue.HeartbeatSec) * time.Second,
		Logger:          zlog,
	})
	d.pool.RegisterHandler(jobqueue.TypeProcessMessage, d.processMessage)
	d.logger.Info().Int("workers", cfg.Queue.Workers).Msg("Job queue initialized")

	// Gateway
	if cfg.Gateway.Enabled {
		server, err := gateway.NewServer(gateway.Config{
			Host:   cfg.Gateway.Host,
			Port:   cfg.Gateway.Port,
			Pool:   d.pool,
			Logger: zlog,
		})
		if err != nil {
			return fmt.Errorf("failed to create gateway: %w", err)
		}
		d.gatewayServer = server
	}

	// Maintenance tasks
	d.maintenance = cron.NewService(zlog)
	if err := d.maintenance.Register(cron.Task{
		Name: "keyring-flush",
		Expr: "@every 15m",
		Run: func() {
			if err := d.keys.Flush(); err != nil {
				d.logger.Warn().Err(err).Msg("Key store flush failed")
			}
		},
	}); err != nil {
		return err
	}
	// second line of defense behind the pool's own janitor; the sweep
	// is idempotent
	if err := d.maintenance.Register(cron.Task{
		Name: "stall-sweep",
		Expr: fmt.Sprintf("@every %ds", cfg.Queue.StalledIntervalSec),
		Run:  d.pool.SweepStalled,
	}); err != nil {
		return err
	}
	if err := d.maintenance.Register(cron.Task{
		Name: "session-sweep",
		Expr: "@every 1h",
		Run: func() {
			if err := d.sessionSweep.Sweep(); err != nil {
				d.logger.Warn().Err(err).Msg("Session sweep failed")
			}
		},
	}); err != nil {
		return err
	}

	return nil
}

// Start brings the daemon up
func (d *Daemon) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		return fmt.Errorf("daemon already running")
	}

	if err := d.lifecycle.Start(); err != nil {
		return err
	}

	d.pool.Start(d.ctx)
	d.maintenance.Start()

	if d.gatewayServer != nil {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			if err := d.gatewayServer.Start(); err != nil {
				d.logger.Error().Err(err).Msg("Gateway server failed")
			}
		}()
	}

	d.startTime = time.Now()
	d.running = true
	d.logger.Info().Msg("Daemon started")
	return nil
}

// Stop tears the daemon down in reverse dependency order
func (d *Daemon) Stop() error {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = false
	d.mu.Unlock()

	d.logger.Info().Msg("Daemon stopping")

	if d.gatewayServer != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		if err := d.gatewayServer.Shutdown(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Gateway shutdown failed")
		}
		cancel()
	}

	d.maintenance.Stop()
	d.pool.Stop()
	d.cancel()
	d.wg.Wait()

	if d.toolWatcher != nil {
		if err := d.toolWatcher.Stop(); err != nil {
			d.logger.Warn().Err(err).Msg("Tool watcher stop failed")
		}
	}
	if err := d.keys.Flush(); err != nil {
		d.logger.Warn().Err(err).Msg("Final key store flush failed")
	}
	if err := d.sessions.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Session store close failed")
	}
	if err := d.jobStore.Close(); err != nil {
		d.logger.Warn().Err(err).Msg("Job store close failed")
	}

	if err := d.lifecycle.Stop(); err != nil {
		d.logger.Warn().Err(err).Msg("Lifecycle stop failed")
	}

	if d.tracingEnabled {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := tracing.ShutdownOpenTelemetry(ctx); err != nil {
			d.logger.Warn().Err(err).Msg("Tracing shutdown failed")
		}
		cancel()
	}

	d.logger.Info().Msg("Daemon stopped")
	return nil
}

// Run starts the daemon and blocks until a termination signal
func (d *Daemon) Run() error {
	if err := d.Start(); err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	d.logger.Info().Str("signal", sig.String()).Msg("Termination signal received")

	return d.Stop()
}

// Pool exposes the job queue, primarily for embedding and tests
func (d *Daemon) Pool() *jobqueue.Pool {
	return d.pool
}

// Status reports the daemon's current state
func (d *Daemon) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()

	status := Status{
		Running: d.running,
		PID:     os.Getpid(),
		Workers: d.config.Queue.Workers,
		Keys:    len(d.keys.Keys()),
		Tools:   d.toolRegistry.Count(),
	}
	if d.running {
		status.Uptime = time.Since(d.startTime)
	}
	if depth, err := d.jobStore.Depth(jobqueue.TypeProcessMessage); err == nil {
		status.QueueDepth = depth
	}
	if d.gatewayServer != nil {
		status.Gateway = fmt.Sprintf("%s:%d", d.config.Gateway.Host, d.config.Gateway.Port)
	}
	return status
}
