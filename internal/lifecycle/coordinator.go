// Package lifecycle restores running tunnels at boot and records them at
// shutdown.
package lifecycle

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/shirou/gopsutil/v4/host"

	"github.com/treykane/wg-manager/internal/async"
	"github.com/treykane/wg-manager/internal/backend"
	"github.com/treykane/wg-manager/internal/prefs"
)

// TunnelManager is the part of tunnel.Manager the coordinator drives.
type TunnelManager interface {
	Backend() *async.Future[backend.Backend]
	RestoreState(ctx context.Context, force bool) *async.Future[struct{}]
	SaveState()
}

// BootClock reports when the host booted, in seconds since the epoch.
type BootClock interface {
	BootTime() (uint64, error)
}

type hostClock struct{}

func (hostClock) BootTime() (uint64, error) { return host.BootTime() }

// ShutdownNotifier delivers a host shutdown announcement. release is called
// once the running set has been saved.
type ShutdownNotifier interface {
	Subscribe(ctx context.Context) (shutdown <-chan struct{}, release func(), err error)
}

// Options wires a Coordinator. Clock, Pool and Logger default when nil.
type Options struct {
	Manager TunnelManager
	Prefs   prefs.Store
	Pool    *async.Pool
	// Clock defaults to the host boot time.
	Clock BootClock
	// Notifier is optional; without one Watch only reacts to signals.
	Notifier ShutdownNotifier
	Logger   *slog.Logger
}

// Coordinator reacts to boot and shutdown. Both are no-ops unless the
// selected backend persists tunnel state across restarts.
type Coordinator struct {
	mgr      TunnelManager
	prefs    prefs.Store
	pool     *async.Pool
	clock    BootClock
	notifier ShutdownNotifier
	log      *slog.Logger
}

// New creates a Coordinator.
func New(opts Options) *Coordinator {
	if opts.Clock == nil {
		opts.Clock = hostClock{}
	}
	if opts.Pool == nil {
		opts.Pool = async.NewPool(async.DefaultWorkers)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Coordinator{
		mgr:      opts.Manager,
		prefs:    opts.Prefs,
		pool:     opts.Pool,
		clock:    opts.Clock,
		notifier: opts.Notifier,
		log:      opts.Logger.With("component", "lifecycle"),
	}
}

// HandleBoot restores the saved running set once per host boot. The returned
// future never fails; problems are logged.
func (c *Coordinator) HandleBoot(ctx context.Context) *async.Future[struct{}] {
	fut, resolve := async.NewPromise[struct{}]()
	c.pool.Go(func() {
		c.boot(ctx)
		resolve(struct{}{}, nil)
	})
	return fut
}

func (c *Coordinator) boot(ctx context.Context) {
	b, err := c.mgr.Backend().Await(ctx)
	if err != nil {
		c.log.Warn("backend unavailable, not restoring tunnels", "error", err)
		return
	}
	if !b.SupportsStatePersistence() {
		c.log.Debug("backend does not persist state, nothing to restore", "backend", b.Kind().String())
		return
	}

	marker := ""
	if bt, err := c.clock.BootTime(); err != nil {
		c.log.Warn("cannot read host boot time, restoring unconditionally", "error", err)
	} else {
		marker = strconv.FormatUint(bt, 10)
		if prev, err := c.prefs.Strings(prefs.KeyRestoredBoot); err == nil && len(prev) == 1 && prev[0] == marker {
			c.log.Info("tunnels already restored for this boot")
			return
		}
	}

	c.log.Info("restoring state (boot)")
	if _, err := c.mgr.RestoreState(ctx, false).Await(ctx); err != nil {
		c.log.Warn("restoring tunnels failed", "error", err)
		return
	}
	if marker != "" {
		if err := c.prefs.SetStrings(prefs.KeyRestoredBoot, []string{marker}); err != nil {
			c.log.Warn("failed to record boot restore", "error", err)
		}
	}
}

// HandleShutdown saves the running set synchronously. Nothing is awaited:
// when backend selection has not finished there is nothing to save.
func (c *Coordinator) HandleShutdown() {
	b, err, ok := c.mgr.Backend().TryGet()
	if !ok {
		c.log.Warn("backend not selected yet, not saving tunnel state")
		return
	}
	if err != nil || !b.SupportsStatePersistence() {
		return
	}
	c.log.Info("saving state (shutdown)")
	c.mgr.SaveState()
}

// Watch blocks until the host announces shutdown or the process receives
// SIGTERM or SIGINT, then runs HandleShutdown. It returns ctx.Err() if ctx
// ends first.
func (c *Coordinator) Watch(ctx context.Context) error {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGTERM, syscall.SIGINT)
	defer signal.Stop(sigs)

	var (
		shutdown <-chan struct{}
		release  = func() {}
	)
	if c.notifier != nil {
		ch, rel, err := c.notifier.Subscribe(ctx)
		if err != nil {
			c.log.Warn("shutdown notifications unavailable, relying on signals", "error", err)
		} else {
			shutdown, release = ch, rel
		}
	}
	defer release()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case s := <-sigs:
		c.log.Info("received signal", "signal", s.String())
	case <-shutdown:
		c.log.Info("host is shutting down")
	}
	c.HandleShutdown()
	return nil
}
