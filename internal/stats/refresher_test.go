package stats

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/treykane/wg-manager/internal/async"
	"github.com/treykane/wg-manager/internal/backend"
	"github.com/treykane/wg-manager/internal/configstore"
	"github.com/treykane/wg-manager/internal/model"
	"github.com/treykane/wg-manager/internal/prefs"
	"github.com/treykane/wg-manager/internal/tunnel"
)

type countingBackend struct {
	running map[string]bool
	fail    string

	mu    sync.Mutex
	calls map[string]int
	total atomic.Int32
}

func (b *countingBackend) Kind() backend.Kind { return backend.KindKernel }
func (b *countingBackend) Apply(context.Context, string, *model.Config, model.State) (model.State, error) {
	return model.StateDown, errors.New("read only")
}
func (b *countingBackend) CurrentState(_ context.Context, name string) model.State {
	if b.running[name] {
		return model.StateUp
	}
	return model.StateDown
}
func (b *countingBackend) RunningNames(context.Context) ([]string, error) {
	var out []string
	for n := range b.running {
		out = append(out, n)
	}
	return out, nil
}
func (b *countingBackend) Statistics(_ context.Context, name string) (model.Statistics, error) {
	b.mu.Lock()
	b.calls[name]++
	b.mu.Unlock()
	b.total.Add(1)
	if name == b.fail {
		return model.Statistics{}, errors.New("interface vanished")
	}
	return model.Statistics{Peers: []model.PeerStats{{PublicKey: "p", RxBytes: 100, TxBytes: 50}}}, nil
}
func (b *countingBackend) SupportsStatePersistence() bool          { return false }
func (b *countingBackend) Version(context.Context) (string, error) { return "test", nil }

func newManager(t *testing.T, b *countingBackend, names ...string) *tunnel.Manager {
	t.Helper()
	store := configstore.NewStore(t.TempDir())
	for _, n := range names {
		cfg := &model.Config{Name: n, Raw: []byte("[Interface]\nPrivateKey = k\n")}
		if err := store.Save(context.Background(), n, cfg); err != nil {
			t.Fatal(err)
		}
	}
	return tunnel.NewManager(tunnel.Options{
		Backend: async.Resolved[backend.Backend](b),
		Configs: store,
		Prefs:   prefs.NewFileStore(t.TempDir() + "/prefs.yaml"),
		Pool:    async.NewPool(2),
	})
}

func TestRefreshOnceOnlyTouchesRunningTunnels(t *testing.T) {
	b := &countingBackend{running: map[string]bool{"home": true}, calls: map[string]int{}}
	mgr := newManager(t, b, "home", "work")
	r := New(mgr, time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.RefreshOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if b.calls["home"] != 1 || b.calls["work"] != 0 {
		t.Fatalf("calls = %v", b.calls)
	}
	home, err := mgr.Lookup(ctx, "home")
	if err != nil {
		t.Fatal(err)
	}
	if home.Statistics().TotalRx() != 100 {
		t.Fatalf("statistics not stored: %+v", home.Statistics())
	}
}

func TestRefreshOnceReportsFailures(t *testing.T) {
	b := &countingBackend{running: map[string]bool{"home": true, "work": true}, fail: "work", calls: map[string]int{}}
	mgr := newManager(t, b, "home", "work")
	r := New(mgr, time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := r.RefreshOnce(ctx); err == nil {
		t.Fatal("expected error for the failing tunnel")
	}
	if b.calls["home"] != 1 {
		t.Fatal("failure for one tunnel skipped the other")
	}
}

func TestStartSchedulesRefresh(t *testing.T) {
	b := &countingBackend{running: map[string]bool{"home": true}, calls: map[string]int{}}
	r := New(newManager(t, b, "home"), time.Second, nil)
	r.Start()
	defer r.Stop()

	deadline := time.Now().Add(5 * time.Second)
	for b.total.Load() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("scheduled refresh never ran")
		}
		time.Sleep(50 * time.Millisecond)
	}
}

func TestRefreshOnceFollowsTunnelsStartedElsewhere(t *testing.T) {
	b := &countingBackend{running: map[string]bool{}, calls: map[string]int{}}
	mgr := newManager(t, b, "home")
	r := New(mgr, time.Second, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	home, err := mgr.Lookup(ctx, "home")
	if err != nil {
		t.Fatal(err)
	}
	b.running["home"] = true

	if err := r.RefreshOnce(ctx); err != nil {
		t.Fatal(err)
	}
	if home.State() != model.StateUp {
		t.Fatalf("state = %s, want up after resync", home.State())
	}
	if b.calls["home"] != 1 {
		t.Fatalf("calls = %v", b.calls)
	}
}
