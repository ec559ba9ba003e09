// Package tunnel owns the set of WireGuard tunnels, serializes state changes
// per tunnel and persists which tunnels were running across restarts.
package tunnel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/treykane/wg-manager/internal/async"
	"github.com/treykane/wg-manager/internal/backend"
	"github.com/treykane/wg-manager/internal/model"
	"github.com/treykane/wg-manager/internal/prefs"
)

// Errors returned by Manager operations.
var (
	ErrNotFound = errors.New("tunnel not found")
	ErrExists   = errors.New("tunnel already exists")
	ErrRemoved  = errors.New("tunnel was removed")
)

// ConfigStore abstracts where tunnel configs live.
type ConfigStore interface {
	List(ctx context.Context) ([]string, error)
	Load(ctx context.Context, name string) (*model.Config, error)
	Save(ctx context.Context, name string, cfg *model.Config) error
	Rename(ctx context.Context, oldName, newName string) error
	Delete(ctx context.Context, name string) error
}

// Transition describes one finished SetState request.
type Transition struct {
	Tunnel   string
	From     model.State
	Desired  model.State
	Result   model.State
	Err      error
	Duration time.Duration
}

// Options wires a Manager to the rest of the application.
type Options struct {
	Backend       *async.Future[backend.Backend]
	Configs       ConfigStore
	Prefs         prefs.Store
	Pool          *async.Pool
	RestoreOnBoot bool
	// OnTransition, when set, is called after every dispatched transition.
	OnTransition func(Transition)
	Logger       *slog.Logger
}

// Manager coordinates tunnel state changes through the selected backend.
//
// Requests for the same tunnel run strictly in arrival order; a request
// issued while another is in flight waits behind it. Requests for different
// tunnels run concurrently, bounded by the worker pool.
type Manager struct {
	backend       *async.Future[backend.Backend]
	configs       ConfigStore
	prefs         prefs.Store
	pool          *async.Pool
	restoreOnBoot bool
	onTransition  func(Transition)
	log           *slog.Logger

	mu        sync.Mutex
	listFut   *async.Future[*List]
	observers []Observer

	// serializes SaveState and the preference reads of RestoreState
	persistMu sync.Mutex
	// held by Create, Rename and Delete from the existence check until the
	// list and the config store agree again
	namesMu sync.Mutex
}

// NewManager creates a tunnel manager. Nothing is loaded until Tunnels is
// first called.
func NewManager(opts Options) *Manager {
	if opts.Pool == nil {
		opts.Pool = async.NewPool(async.DefaultWorkers)
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Manager{
		backend:       opts.Backend,
		configs:       opts.Configs,
		prefs:         opts.Prefs,
		pool:          opts.Pool,
		restoreOnBoot: opts.RestoreOnBoot,
		onTransition:  opts.OnTransition,
		log:           opts.Logger.With("component", "tunnel"),
	}
}

// Backend returns the backend selection future the manager delegates to.
func (m *Manager) Backend() *async.Future[backend.Backend] {
	return m.backend
}

// Observe subscribes obs to every tunnel the manager holds now or creates
// later.
func (m *Manager) Observe(obs Observer) {
	m.mu.Lock()
	m.observers = append(m.observers, obs)
	fut := m.listFut
	m.mu.Unlock()
	if fut == nil {
		return
	}
	if list, err, ok := fut.TryGet(); ok && err == nil {
		for _, t := range list.All() {
			t.Subscribe(obs)
		}
	}
}

func (m *Manager) newTunnel(name string, state model.State) *Tunnel {
	t := newTunnel(name, state, m.pool, m.configs.Load)
	m.mu.Lock()
	obs := append([]Observer(nil), m.observers...)
	m.mu.Unlock()
	for _, o := range obs {
		t.Subscribe(o)
	}
	return t
}

// Tunnels returns the tunnel list, loading it on first use. The loaded list
// is cached for the life of the manager; a failed load is retried by the next
// call.
func (m *Manager) Tunnels() *async.Future[*List] {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.listFut != nil {
		return m.listFut
	}
	fut, resolve := async.NewPromise[*List]()
	m.listFut = fut
	m.pool.Go(func() {
		list, err := m.loadTunnels(context.Background())
		if err != nil {
			m.mu.Lock()
			if m.listFut == fut {
				m.listFut = nil
			}
			m.mu.Unlock()
		}
		resolve(list, err)
	})
	return fut
}

func (m *Manager) loadTunnels(ctx context.Context) (*List, error) {
	var (
		names []string
		err   error
	)
	if doErr := m.pool.Do(ctx, func() { names, err = m.configs.List(ctx) }); doErr != nil {
		return nil, doErr
	}
	if err != nil {
		return nil, fmt.Errorf("list tunnels: %w", err)
	}

	running := map[string]bool{}
	if b, err := m.backend.Await(ctx); err != nil {
		m.log.Warn("backend unavailable, assuming all tunnels are down", "error", err)
	} else {
		var rn []string
		_ = m.pool.Do(ctx, func() { rn, err = b.RunningNames(ctx) })
		if err != nil {
			m.log.Warn("failed to query running tunnels", "error", err)
		}
		for _, n := range rn {
			running[n] = true
		}
	}

	list := newList()
	for _, name := range names {
		state := model.StateDown
		if running[name] {
			state = model.StateUp
		}
		list.add(m.newTunnel(name, state))
	}
	return list, nil
}

// loadedList returns the list without blocking, or nil if it has not
// finished loading.
func (m *Manager) loadedList() *List {
	m.mu.Lock()
	fut := m.listFut
	m.mu.Unlock()
	if fut == nil {
		return nil
	}
	list, err, ok := fut.TryGet()
	if !ok || err != nil {
		return nil
	}
	return list
}

// Get returns the named tunnel, or nil if it is unknown or the list has not
// been loaded yet.
func (m *Manager) Get(name string) *Tunnel {
	if list := m.loadedList(); list != nil {
		return list.Get(name)
	}
	return nil
}

// Lookup waits for the list and returns the named tunnel.
func (m *Manager) Lookup(ctx context.Context, name string) (*Tunnel, error) {
	list, err := m.Tunnels().Await(ctx)
	if err != nil {
		return nil, err
	}
	t := list.Get(name)
	if t == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, name)
	}
	return t, nil
}

// SetState asks for t to be brought to desired (StateUp, StateDown or
// StateToggle). The returned future resolves with the state the tunnel ended
// in. Cancelling ctx withdraws the request only while it is still queued;
// once dispatched it runs to completion.
func (m *Manager) SetState(ctx context.Context, t *Tunnel, desired model.State) *async.Future[model.State] {
	fut, resolve := async.NewPromise[model.State]()
	m.enqueue(ctx, t,
		func(ctx context.Context) { resolve(m.transition(ctx, t, desired)) },
		func(err error) { resolve(t.State(), err) })
	return fut
}

func (m *Manager) transition(ctx context.Context, t *Tunnel, desired model.State) (result model.State, err error) {
	if t.Removed() {
		return t.State(), fmt.Errorf("%w: %s", ErrRemoved, t.Name())
	}
	from := t.State()
	target := desired.Resolve(from)
	if target != model.StateUp && target != model.StateDown {
		return from, fmt.Errorf("cannot set tunnel %s to %s", t.Name(), desired)
	}
	b, err := m.backend.Await(ctx)
	if err != nil {
		return from, fmt.Errorf("backend unavailable: %w", err)
	}
	if target == from {
		return from, nil
	}

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tunnel %s: backend panic: %v", t.Name(), r)
			result = b.CurrentState(ctx, t.Name())
			t.setState(result)
		}
		if err != nil {
			m.log.Warn("tunnel transition failed", "tunnel", t.Name(), "desired", target.String(), "state", result.String(), "error", err)
		} else {
			m.log.Info("tunnel transition complete", "tunnel", t.Name(), "state", result.String())
		}
		if m.onTransition != nil {
			m.onTransition(Transition{Tunnel: t.Name(), From: from, Desired: target, Result: result, Err: err, Duration: time.Since(start)})
		}
	}()

	t.setState(model.StateToggling)

	cfg, cfgErr := t.ConfigAsync().Await(ctx)
	if cfgErr != nil {
		if target == model.StateUp {
			t.setState(model.StateDown)
			return model.StateDown, cfgErr
		}
		m.log.Warn("bringing tunnel down without its config", "tunnel", t.Name(), "error", cfgErr)
		cfg = nil
	}

	var applyErr error
	if doErr := m.pool.Do(ctx, func() { result, applyErr = b.Apply(ctx, t.Name(), cfg, target) }); doErr != nil {
		applyErr = doErr
	}
	if applyErr != nil {
		if target == model.StateUp {
			result = model.StateDown
		} else {
			result = b.CurrentState(ctx, t.Name())
		}
		t.setState(result)
		return result, applyErr
	}
	t.setState(result)
	return result, nil
}

// RefreshStatistics fetches fresh counters for t from the backend.
func (m *Manager) RefreshStatistics(ctx context.Context, t *Tunnel) *async.Future[model.Statistics] {
	fut, resolve := async.NewPromise[model.Statistics]()
	m.pool.Go(func() {
		b, err := m.backend.Await(ctx)
		if err != nil {
			resolve(model.Statistics{}, err)
			return
		}
		var stats model.Statistics
		if doErr := m.pool.Do(ctx, func() { stats, err = b.Statistics(ctx, t.Name()) }); doErr != nil {
			err = doErr
		}
		if err == nil {
			t.setStatistics(stats)
		}
		resolve(stats, err)
	})
	return fut
}
