package tunnel

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/treykane/wg-manager/internal/async"
	"github.com/treykane/wg-manager/internal/backend"
	"github.com/treykane/wg-manager/internal/configstore"
	"github.com/treykane/wg-manager/internal/model"
	"github.com/treykane/wg-manager/internal/prefs"
)

// fakeBackend records every Apply and keeps interface state in memory.
// Setting gate makes Apply block until the test sends on it (or closes it),
// which lets tests pile requests up behind a running transition.
type fakeBackend struct {
	mu      sync.Mutex
	up      map[string]bool
	applies []string
	fail    map[string]error
	gate    chan struct{}
	started chan string
	active  atomic.Int32
	peak    atomic.Int32
}

func newFakeBackend(running ...string) *fakeBackend {
	b := &fakeBackend{up: map[string]bool{}, fail: map[string]error{}, started: make(chan string, 64)}
	for _, n := range running {
		b.up[n] = true
	}
	return b
}

func (b *fakeBackend) Kind() backend.Kind { return backend.KindWgQuick }

func (b *fakeBackend) Apply(ctx context.Context, name string, cfg *model.Config, desired model.State) (model.State, error) {
	n := b.active.Add(1)
	defer b.active.Add(-1)
	for {
		old := b.peak.Load()
		if n <= old || b.peak.CompareAndSwap(old, n) {
			break
		}
	}
	b.started <- name
	if b.gate != nil {
		<-b.gate
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.applies = append(b.applies, name+":"+desired.String())
	if err := b.fail[name]; err != nil {
		return model.StateDown, err
	}
	if desired == model.StateUp && cfg == nil {
		return model.StateDown, errors.New("no config")
	}
	b.up[name] = desired == model.StateUp
	return desired, nil
}

func (b *fakeBackend) CurrentState(ctx context.Context, name string) model.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.up[name] {
		return model.StateUp
	}
	return model.StateDown
}

func (b *fakeBackend) RunningNames(ctx context.Context) ([]string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []string
	for n, up := range b.up {
		if up {
			out = append(out, n)
		}
	}
	return out, nil
}

func (b *fakeBackend) Statistics(ctx context.Context, name string) (model.Statistics, error) {
	return model.Statistics{Peers: []model.PeerStats{{PublicKey: "peer", RxBytes: 7, TxBytes: 3}}}, nil
}

func (b *fakeBackend) SupportsStatePersistence() bool { return true }

func (b *fakeBackend) Version(ctx context.Context) (string, error) { return "fake", nil }

func (b *fakeBackend) appliesSnapshot() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.applies...)
}

// fakeConfigs is an in-memory ConfigStore. loadGate, when set, holds every
// Load until closed. renameGate holds Rename after the move is done, and
// renamed is signalled when it gets there.
type fakeConfigs struct {
	mu         sync.Mutex
	configs    map[string]*model.Config
	loads      atomic.Int32
	loadGate   chan struct{}
	renameGate chan struct{}
	renamed    chan struct{}
}

func newFakeConfigs(names ...string) *fakeConfigs {
	c := &fakeConfigs{configs: map[string]*model.Config{}}
	for _, n := range names {
		c.configs[n] = &model.Config{Name: n, Raw: []byte("[Interface]\nPrivateKey = k\n")}
	}
	return c
}

func (c *fakeConfigs) List(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for n := range c.configs {
		out = append(out, n)
	}
	return out, nil
}

func (c *fakeConfigs) Load(ctx context.Context, name string) (*model.Config, error) {
	c.loads.Add(1)
	if c.loadGate != nil {
		<-c.loadGate
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.configs[name]
	if !ok {
		return nil, &configstore.FetchError{Name: name, Err: configstore.ErrNotFound}
	}
	return cfg, nil
}

func (c *fakeConfigs) Save(ctx context.Context, name string, cfg *model.Config) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.configs[name] = cfg
	return nil
}

func (c *fakeConfigs) Rename(ctx context.Context, oldName, newName string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	cfg, ok := c.configs[oldName]
	if !ok {
		return configstore.ErrNotFound
	}
	delete(c.configs, oldName)
	c.configs[newName] = cfg
	c.mu.Unlock()
	if c.renamed != nil {
		c.renamed <- struct{}{}
	}
	if c.renameGate != nil {
		<-c.renameGate
	}
	c.mu.Lock()
	return nil
}

func (c *fakeConfigs) Delete(ctx context.Context, name string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.configs[name]; !ok {
		return configstore.ErrNotFound
	}
	delete(c.configs, name)
	return nil
}

// failingPrefs fails every operation, like a read-only or full disk.
type failingPrefs struct{ writes atomic.Int32 }

func (p *failingPrefs) Strings(key string) ([]string, error) {
	return nil, &prefs.PersistenceError{Op: "read", Key: key, Err: errors.New("disk gone")}
}

func (p *failingPrefs) SetStrings(key string, values []string) error {
	p.writes.Add(1)
	return &prefs.PersistenceError{Op: "write", Key: key, Err: errors.New("read-only file system")}
}

func (p *failingPrefs) Close() error { return nil }

type harness struct {
	mgr     *Manager
	backend *fakeBackend
	configs *fakeConfigs
	prefs   prefs.Store
}

type harnessOpt func(*Options)

func newHarness(t *testing.T, b *fakeBackend, c *fakeConfigs, opts ...harnessOpt) *harness {
	t.Helper()
	p := prefs.NewFileStore(t.TempDir() + "/prefs.yaml")
	o := Options{
		Backend:       async.Resolved[backend.Backend](b),
		Configs:       c,
		Prefs:         p,
		Pool:          async.NewPool(4),
		RestoreOnBoot: true,
	}
	for _, fn := range opts {
		fn(&o)
	}
	return &harness{mgr: NewManager(o), backend: b, configs: c, prefs: o.Prefs}
}

func (h *harness) tunnel(t *testing.T, name string) *Tunnel {
	t.Helper()
	tun, err := h.mgr.Lookup(testCtx(t), name)
	if err != nil {
		t.Fatal(err)
	}
	return tun
}

func testCtx(t *testing.T) context.Context {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	t.Cleanup(cancel)
	return ctx
}

func await[T any](t *testing.T, f *async.Future[T]) (T, error) {
	t.Helper()
	return f.Await(testCtx(t))
}

func waitStarted(t *testing.T, b *fakeBackend, want string) {
	t.Helper()
	select {
	case got := <-b.started:
		if got != want {
			t.Fatalf("apply started for %s, want %s", got, want)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("apply for %s never started", want)
	}
}

func waitPending(t *testing.T, tun *Tunnel, n int) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for tun.pending() != n {
		if time.Now().After(deadline) {
			t.Fatalf("pending = %d, want %d", tun.pending(), n)
		}
		time.Sleep(time.Millisecond)
	}
}

func equalSlices(a, b []string) bool {
	return fmt.Sprint(a) == fmt.Sprint(b)
}
