// Package bridge wires the lightningd plugin to a Floresta backend.
//
// The Bridge ties together all components:
// - the plugin request loop on stdin/stdout
// - the backend client and its readiness tracker and prober
// - the bcli dispatch table
// - metrics, logging and the optional admin listeners
//
// Nothing but the handshake runs before lightningd sends init: the backend
// configuration arrives with the init options.
package bridge

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/fortiblox/cln-floresta/internal/logging"
	"github.com/fortiblox/cln-floresta/internal/types"
	"github.com/fortiblox/cln-floresta/pkg/admin"
	"github.com/fortiblox/cln-floresta/pkg/backend"
	"github.com/fortiblox/cln-floresta/pkg/config"
	"github.com/fortiblox/cln-floresta/pkg/metrics"
	"github.com/fortiblox/cln-floresta/pkg/plugin"
	"github.com/fortiblox/cln-floresta/pkg/readiness"
	"github.com/fortiblox/cln-floresta/pkg/rpc"
	"github.com/fortiblox/cln-floresta/pkg/translate"
)

// ServiceName identifies the bridge in logs and health checks.
const ServiceName = "cln-floresta"

// Bridge errors.
var (
	ErrAlreadyRunning = errors.New("bridge is already running")
	ErrInitFailed     = errors.New("bridge initialization failed")
)

// Config holds bridge configuration.
type Config struct {
	// ConfigPath is an optional TOML file. The floresta-config option
	// overrides it.
	ConfigPath string

	// In and Out are the lightningd channel, normally stdin and stdout.
	In  io.Reader
	Out io.Writer

	// Logger is used until init configures logging. Defaults to slog.Default().
	Logger *slog.Logger

	// OnReady is called after a successful init (optional).
	OnReady func(settings *config.Config)
}

// Bridge is a running plugin instance.
type Bridge struct {
	config Config
	writer *plugin.Writer
	plugin *plugin.Plugin
	logger *slog.Logger

	running atomic.Bool

	// Set by init
	mu         sync.Mutex
	settings   *config.Config
	tracker    *readiness.Tracker
	client     *backend.Client
	prober     *readiness.Prober
	dispatcher *rpc.Dispatcher
	metrics    *metrics.Metrics
	admin      *admin.Server
	logCloser  io.Closer
}

// New creates a bridge. It does not read from In until Run.
func New(cfg Config) (*Bridge, error) {
	if cfg.In == nil || cfg.Out == nil {
		return nil, fmt.Errorf("%w: input and output are required", config.ErrInvalidConfig)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	b := &Bridge{
		config: cfg,
		writer: plugin.NewWriter(cfg.Out),
		logger: cfg.Logger,
	}
	b.plugin = plugin.New(plugin.Config{
		Options: config.PluginOptions(),
		Methods: rpc.Methods(),
		Logger:  cfg.Logger,
	}, cfg.In, b.writer, b.initialize)
	return b, nil
}

// Run serves lightningd until its input ends or ctx is canceled, then stops
// every component. A failed handshake is returned as an error.
func (b *Bridge) Run(ctx context.Context) error {
	if b.running.Swap(true) {
		return ErrAlreadyRunning
	}
	defer b.running.Store(false)

	err := b.plugin.Run(ctx)
	b.stop()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// initialize runs on init: resolve configuration, build the components and
// check that lightningd and the backend agree on the network.
func (b *Bridge) initialize(ctx context.Context, req *plugin.InitRequest) (plugin.Handler, error) {
	settings, err := config.Resolve(b.config.ConfigPath, req.Options)
	if err != nil {
		return nil, err
	}
	if _, err := translate.NetworkChain(req.Configuration.Network); err != nil {
		return nil, err
	}

	level, _ := config.ParseLevel(settings.Log.Level)
	logger, closer := logging.Setup(logging.Options{
		Service:    ServiceName,
		Level:      level,
		File:       settings.Log.File,
		MaxSizeMB:  settings.Log.MaxSizeMB,
		MaxBackups: settings.Log.MaxBackups,
		MaxAgeDays: settings.Log.MaxAgeDays,
		Compress:   settings.Log.Compress,
	}, plugin.NewLogHandler(b.writer, level))

	b.plugin.SetMaxInflight(settings.Plugin.MaxInflight)

	m := metrics.New(b.plugin.Inflight)
	tracker := readiness.NewTracker(settings.Readiness.FailureThreshold)
	tracker.OnChange(m.ObserveStatus)
	tracker.OnChange(func(old, snap readiness.Snapshot) {
		if old.State != snap.State {
			logger.Info("backend state changed",
				"from", old.State.String(), "to", snap.State.String(),
				"progress", snap.Progress, "last_error", snap.LastError)
		}
	})

	backendConfig := settings.BackendConfig()
	backendConfig.OnCall = m.ObserveBackendCall
	client, err := backend.NewClient(backendConfig, tracker)
	if err != nil {
		closer.Close()
		return nil, err
	}
	if err := client.ResolveEndpoints(ctx); err != nil {
		client.Close()
		closer.Close()
		return nil, fmt.Errorf("%w: backend host: %v", ErrInitFailed, err)
	}

	network := req.Configuration.Network
	prober := readiness.NewProber(tracker, client, settings.ProbeInterval())
	prober.SetOnProbe(func(info *types.ChainInfo, err error) {
		if err != nil {
			logger.Debug("backend probe failed", "error", err)
			return
		}
		if err := translate.CheckNetwork(network, info.Chain); err != nil {
			logger.Error("backend network changed", "error", err)
		}
	})
	prober.Start(ctx)

	// The initial probe has run. A backend that answered must be on our network.
	if chain := tracker.Status().Chain; chain != "" {
		if err := translate.CheckNetwork(network, chain); err != nil {
			prober.Stop()
			client.Close()
			closer.Close()
			return nil, err
		}
	} else {
		logger.Warn("backend not reachable at startup, network not verified",
			"endpoints", backendConfig.Endpoints, "last_error", tracker.Status().LastError)
	}

	fees, _ := settings.FeeOptions()
	fees.OnFallback = func(err error) {
		logger.Warn("backend has no getmempoolinfo, using configured fee floor",
			"min_relay_feerate", settings.Fees.MinRelayFeerate, "error", err)
	}
	dispatcher := rpc.NewDispatcher(rpc.Config{
		Fees:             fees,
		Endpoints:        client.Pool().Endpoints,
		FailureThreshold: tracker.FailureThreshold(),
		OnDispatch:       m.ObserveRequest,
		Logger:           logger,
	}, client, tracker)

	var adminServer *admin.Server
	if settings.Admin.HTTPAddr != "" || settings.Admin.GRPCAddr != "" {
		adminServer = admin.New(admin.Config{
			HTTPAddr:  settings.Admin.HTTPAddr,
			GRPCAddr:  settings.Admin.GRPCAddr,
			Endpoints: client.Pool().Endpoints,
		}, tracker, m.Handler(), logger)
		tracker.OnChange(adminServer.ObserveStatus)
		if err := adminServer.Start(ctx); err != nil {
			prober.Stop()
			client.Close()
			closer.Close()
			return nil, err
		}
	}

	b.mu.Lock()
	b.settings = settings
	b.tracker = tracker
	b.client = client
	b.prober = prober
	b.dispatcher = dispatcher
	b.metrics = m
	b.admin = adminServer
	b.logCloser = closer
	b.logger = logger
	b.mu.Unlock()

	logger.Info("initialized",
		"network", network,
		"endpoints", backendConfig.Endpoints,
		"state", tracker.Status().State.String())
	if b.config.OnReady != nil {
		b.config.OnReady(settings)
	}
	return dispatcher, nil
}

// stop releases everything init created.
func (b *Bridge) stop() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.admin != nil {
		if err := b.admin.Stop(); err != nil {
			b.logger.Warn("admin shutdown failed", "error", err)
		}
		b.admin = nil
	}
	if b.prober != nil {
		b.prober.Stop()
		b.prober = nil
	}
	if b.client != nil {
		b.client.Close()
		b.client = nil
	}
	if b.logCloser != nil {
		b.logCloser.Close()
		b.logCloser = nil
	}
}

// Status returns the backend readiness snapshot. ok is false before init.
func (b *Bridge) Status() (snap readiness.Snapshot, ok bool) {
	b.mu.Lock()
	tracker := b.tracker
	b.mu.Unlock()
	if tracker == nil {
		return readiness.Snapshot{}, false
	}
	return tracker.Status(), true
}

// Settings returns the effective configuration, or nil before init.
func (b *Bridge) Settings() *config.Config {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.settings
}

// Metrics returns the bridge metrics, or nil before init.
func (b *Bridge) Metrics() *metrics.Metrics {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.metrics
}
