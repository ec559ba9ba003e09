package tunnel

import (
	"context"
	"sort"
	"sync"

	"github.com/treykane/wg-manager/internal/async"
	"github.com/treykane/wg-manager/internal/model"
)

// Observer is notified after a tunnel's state changes. It runs synchronously
// on the goroutine that completed the change and must not block.
type Observer func(t *Tunnel, old, new model.State)

type configLoader func(ctx context.Context, name string) (*model.Config, error)

// Tunnel is the in-memory handle for one named tunnel. The manager owns all
// mutation; callers hold references and ask the manager for changes.
type Tunnel struct {
	name string
	pool *async.Pool
	load configLoader

	mu        sync.Mutex
	state     model.State
	stats     model.Statistics
	cfg       *model.Config
	cfgFut    *async.Future[*model.Config]
	cfgGen    uint64
	observers map[int]Observer
	nextObs   int
	removed   bool

	// transition queue, see Manager.enqueue
	qmu      sync.Mutex
	queue    []*op
	draining bool
}

func newTunnel(name string, state model.State, pool *async.Pool, load configLoader) *Tunnel {
	return &Tunnel{
		name:      name,
		state:     state,
		pool:      pool,
		load:      load,
		observers: map[int]Observer{},
	}
}

// Name returns the tunnel name. A renamed tunnel is a new Tunnel.
func (t *Tunnel) Name() string { return t.name }

// State returns the cached state.
func (t *Tunnel) State() model.State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

// Statistics returns the last snapshot fetched by Manager.RefreshStatistics.
func (t *Tunnel) Statistics() model.Statistics {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stats
}

// Removed reports whether the tunnel was deleted or renamed away.
func (t *Tunnel) Removed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.removed
}

// ConfigAsync returns the tunnel's config. The first call starts a fetch;
// callers arriving while it is in flight share the same future. A successful
// result is cached until InvalidateConfig; a failed fetch is retried by the
// next call.
func (t *Tunnel) ConfigAsync() *async.Future[*model.Config] {
	t.mu.Lock()
	if t.cfg != nil {
		cfg := t.cfg
		t.mu.Unlock()
		return async.Resolved(cfg)
	}
	if t.cfgFut != nil {
		fut := t.cfgFut
		t.mu.Unlock()
		return fut
	}
	fut, resolve := async.NewPromise[*model.Config]()
	t.cfgFut = fut
	gen := t.cfgGen
	t.mu.Unlock()

	t.pool.Go(func() {
		var (
			cfg *model.Config
			err error
		)
		if doErr := t.pool.Do(context.Background(), func() {
			cfg, err = t.load(context.Background(), t.name)
		}); doErr != nil {
			err = doErr
		}
		t.mu.Lock()
		if t.cfgGen == gen {
			t.cfgFut = nil
			if err == nil {
				t.cfg = cfg
			}
		}
		t.mu.Unlock()
		resolve(cfg, err)
	})
	return fut
}

// InvalidateConfig drops the cached config so the next ConfigAsync refetches.
// A fetch already in flight still resolves for its waiters but is not cached.
func (t *Tunnel) InvalidateConfig() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfgGen++
	t.cfg = nil
	t.cfgFut = nil
}

func (t *Tunnel) setConfig(cfg *model.Config) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.cfgGen++
	t.cfg = cfg
	t.cfgFut = nil
}

// Subscribe registers obs and returns its id for Unsubscribe.
func (t *Tunnel) Subscribe(obs Observer) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextObs++
	t.observers[t.nextObs] = obs
	return t.nextObs
}

// Unsubscribe removes the observer registered under id.
func (t *Tunnel) Unsubscribe(id int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.observers, id)
}

func (t *Tunnel) setState(s model.State) {
	t.mu.Lock()
	old := t.state
	t.state = s
	if old == s {
		t.mu.Unlock()
		return
	}
	ids := make([]int, 0, len(t.observers))
	for id := range t.observers {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	obs := make([]Observer, 0, len(ids))
	for _, id := range ids {
		obs = append(obs, t.observers[id])
	}
	t.mu.Unlock()

	for _, o := range obs {
		o(t, old, s)
	}
}

func (t *Tunnel) setStatistics(s model.Statistics) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stats = s
}

func (t *Tunnel) markRemoved() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.removed = true
}
