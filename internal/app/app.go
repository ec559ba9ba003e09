// Package app builds the application context: every long-lived component,
// constructed once per process and handed to the CLI.
package app

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/treykane/wg-manager/internal/appconfig"
	"github.com/treykane/wg-manager/internal/async"
	"github.com/treykane/wg-manager/internal/backend"
	"github.com/treykane/wg-manager/internal/configstore"
	"github.com/treykane/wg-manager/internal/events"
	"github.com/treykane/wg-manager/internal/group"
	"github.com/treykane/wg-manager/internal/lifecycle"
	"github.com/treykane/wg-manager/internal/logexport"
	"github.com/treykane/wg-manager/internal/permission"
	"github.com/treykane/wg-manager/internal/prefs"
	"github.com/treykane/wg-manager/internal/stats"
	"github.com/treykane/wg-manager/internal/tunnel"
)

type authority interface {
	permission.Authority
	Bind(permission.Deliverer)
	Close() error
}

// App is the explicit application context.
type App struct {
	Config    appconfig.Config
	Logger    *slog.Logger
	Pool      *async.Pool
	Runner    backend.Runner
	Backend   *async.Future[backend.Backend]
	Configs   *configstore.Store
	Prefs     prefs.Store
	Journal   *events.Store
	Groups    *group.Store
	Tunnels   *tunnel.Manager
	Lifecycle *lifecycle.Coordinator
	Broker    *permission.Broker

	mu      sync.Mutex
	closers []func() error
}

func (a *App) onClose(fn func() error) {
	a.mu.Lock()
	a.closers = append(a.closers, fn)
	a.mu.Unlock()
}

// Options lets callers replace system-facing pieces. Zero values select the
// real implementations.
type Options struct {
	Logger *slog.Logger
	// Backend overrides backend selection.
	Backend *async.Future[backend.Backend]
	// Authority overrides the polkit connection.
	Authority permission.Authority
	// Notifier overrides the logind shutdown watcher.
	Notifier lifecycle.ShutdownNotifier
}

// New wires every component from cfg. Backend selection starts immediately
// on the pool and is not awaited.
func New(cfg appconfig.Config, opts Options) (*App, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{
		Config: cfg,
		Logger: logger,
		Pool:   async.NewPool(cfg.Workers),
		Runner: backend.ExecRunner{
			Escalate: cfg.Helper.Escalate,
			Timeout:  time.Duration(cfg.Helper.TimeoutSeconds) * time.Second,
		},
	}

	tunnelDir, err := cfg.TunnelDirPath()
	if err != nil {
		return nil, err
	}
	runtimeDir, err := cfg.RuntimeDirPath()
	if err != nil {
		return nil, err
	}
	eventsPath, err := appconfig.EventsFilePath()
	if err != nil {
		return nil, err
	}
	a.Configs = configstore.NewStore(tunnelDir)
	a.Journal = events.NewStore(eventsPath)
	groupsPath, err := appconfig.GroupsFilePath()
	if err != nil {
		return nil, err
	}
	a.Groups = group.NewStore(groupsPath)

	a.Prefs, err = prefs.Open(cfg)
	if err != nil {
		return nil, fmt.Errorf("open preferences: %w", err)
	}
	a.onClose(a.Prefs.Close)

	a.Backend = opts.Backend
	if a.Backend == nil {
		a.Backend = a.selectBackend(runtimeDir)
	}

	a.Tunnels = tunnel.NewManager(tunnel.Options{
		Backend:       a.Backend,
		Configs:       a.Configs,
		Prefs:         a.Prefs,
		Pool:          a.Pool,
		RestoreOnBoot: cfg.RestoreOnBoot,
		OnTransition:  a.Journal.RecordTransition,
		Logger:        logger,
	})

	a.Broker = a.newBroker(opts)

	notifier := opts.Notifier
	if notifier == nil {
		if l, err := lifecycle.OpenLogind(logger); err != nil {
			logger.Debug("logind unavailable", "error", err)
		} else {
			notifier = l
			a.onClose(l.Close)
		}
	}
	a.Lifecycle = lifecycle.New(lifecycle.Options{
		Manager:  a.Tunnels,
		Prefs:    a.Prefs,
		Pool:     a.Pool,
		Notifier: notifier,
		Logger:   logger,
	})
	return a, nil
}

func (a *App) selectBackend(runtimeDir string) *async.Future[backend.Backend] {
	cfg := a.Config
	wgQuick := func() (backend.Backend, error) {
		if err := backend.EnsureHelpers(cfg.Helper.WgQuick, cfg.Helper.Wg); err != nil {
			return nil, err
		}
		return backend.NewWgQuick(backend.WgQuickOptions{
			Runner:     a.Runner,
			WgQuick:    cfg.Helper.WgQuick,
			Wg:         cfg.Helper.Wg,
			RuntimeDir: runtimeDir,
			Logger:     a.Logger,
		}), nil
	}
	kernel := func() (backend.Backend, error) {
		k, err := backend.OpenKernel(a.Logger)
		if err != nil {
			return nil, err
		}
		a.onClose(k.Close)
		return k, nil
	}
	return backend.Select(a.Pool, cfg.Backend, wgQuick, kernel, a.Logger)
}

func (a *App) newBroker(opts Options) *permission.Broker {
	brokerOpts := []permission.Option{
		permission.WithMaxPending(a.Config.Permissions.MaxPending),
		permission.WithLogger(a.Logger),
	}
	if opts.Authority != nil {
		return permission.NewBroker(opts.Authority, opts.Authority, brokerOpts...)
	}
	var auth authority
	if pk, err := permission.OpenPolkit(a.Logger); err != nil {
		a.Logger.Debug("polkit unavailable, using local permissions", "error", err)
		auth = permission.NewLocalAuthority()
	} else {
		auth = pk
	}
	b := permission.NewBroker(auth, auth, brokerOpts...)
	auth.Bind(b)
	a.onClose(func() error {
		b.Close()
		return auth.Close()
	})
	return b
}

// LogExporter returns an exporter that asks the broker before reading the
// journal.
func (a *App) LogExporter() *logexport.Exporter {
	return logexport.New(a.Broker, a.Runner, a.Config.Helper.Journalctl, a.Pool, a.Logger)
}

// StatsRefresher returns a refresher on the configured interval.
func (a *App) StatsRefresher() *stats.Refresher {
	return stats.New(a.Tunnels, time.Duration(a.Config.Stats.IntervalSeconds)*time.Second, a.Logger)
}

// Close releases bus connections, the kernel device handle and the
// preference store, in reverse order of acquisition.
func (a *App) Close() error {
	a.mu.Lock()
	closers := a.closers
	a.closers = nil
	a.mu.Unlock()

	var errs []error
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
