package app

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/treykane/wg-manager/internal/appconfig"
	"github.com/treykane/wg-manager/internal/async"
	"github.com/treykane/wg-manager/internal/backend"
	"github.com/treykane/wg-manager/internal/events"
	"github.com/treykane/wg-manager/internal/model"
	"github.com/treykane/wg-manager/internal/permission"
	"github.com/treykane/wg-manager/internal/prefs"
)

type memBackend struct {
	mu sync.Mutex
	up map[string]bool
}

func (b *memBackend) Kind() backend.Kind { return backend.KindWgQuick }
func (b *memBackend) Apply(_ context.Context, name string, _ *model.Config, desired model.State) (model.State, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.up[name] = desired == model.StateUp
	return desired, nil
}
func (b *memBackend) CurrentState(_ context.Context, name string) model.State {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.up[name] {
		return model.StateUp
	}
	return model.StateDown
}
func (b *memBackend) RunningNames(context.Context) ([]string, error) { return nil, nil }
func (b *memBackend) Statistics(context.Context, string) (model.Statistics, error) {
	return model.Statistics{}, nil
}
func (b *memBackend) SupportsStatePersistence() bool          { return true }
func (b *memBackend) Version(context.Context) (string, error) { return "mem", nil }

type allowAll struct{}

func (allowAll) Has(permission.Permission) bool        { return true }
func (allowAll) Request(int, []permission.Permission) {}

type noShutdown struct{}

func (noShutdown) Subscribe(context.Context) (<-chan struct{}, func(), error) {
	return nil, nil, errors.New("no bus in tests")
}

func newTestApp(t *testing.T, mutate func(*appconfig.Config)) (*App, *memBackend) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := appconfig.Default()
	if mutate != nil {
		mutate(&cfg)
	}
	b := &memBackend{up: map[string]bool{}}
	a, err := New(cfg, Options{
		Backend:   async.Resolved[backend.Backend](b),
		Authority: allowAll{},
		Notifier:  noShutdown{},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = a.Close() })
	return a, b
}

func TestAppWiresTransitionsIntoJournal(t *testing.T) {
	a, _ := newTestApp(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := &model.Config{Raw: []byte("[Interface]\nPrivateKey = k\n")}
	tun, err := a.Tunnels.Create(ctx, "home", cfg).Await(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Tunnels.SetState(ctx, tun, model.StateUp).Await(ctx); err != nil {
		t.Fatal(err)
	}

	got, err := a.Journal.Read(events.Query{Tunnel: "home"})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].EventType != events.TypeUpSucceeded {
		t.Fatalf("journal = %+v", got)
	}
}

func TestAppShutdownThenBootRoundTrip(t *testing.T) {
	a, b := newTestApp(t, nil)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	cfg := &model.Config{Raw: []byte("[Interface]\nPrivateKey = k\n")}
	tun, err := a.Tunnels.Create(ctx, "home", cfg).Await(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.Tunnels.SetState(ctx, tun, model.StateUp).Await(ctx); err != nil {
		t.Fatal(err)
	}
	a.Lifecycle.HandleShutdown()
	saved, err := a.Prefs.Strings(prefs.KeyRunningTunnels)
	if err != nil || len(saved) != 1 || saved[0] != "home" {
		t.Fatalf("saved = %v, %v", saved, err)
	}

	// simulate the interface going away across a reboot
	b.mu.Lock()
	b.up = map[string]bool{}
	b.mu.Unlock()
	if _, err := a.Tunnels.SetState(ctx, tun, model.StateDown).Await(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := a.Lifecycle.HandleBoot(ctx).Await(ctx); err != nil {
		t.Fatal(err)
	}
	if tun.State() != model.StateUp {
		t.Fatalf("state after boot = %s", tun.State())
	}
}

func TestAppUsesSQLitePrefs(t *testing.T) {
	a, _ := newTestApp(t, func(c *appconfig.Config) { c.Prefs.Driver = appconfig.PrefsDriverSQLite })
	if _, ok := a.Prefs.(*prefs.SQLiteStore); !ok {
		t.Fatalf("prefs = %T", a.Prefs)
	}
}
