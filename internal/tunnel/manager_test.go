// Package tunnel tests drive the Manager against in-memory fakes of the
// backend, the config store and the preference store, so no interface is
// ever created on the test host.
//
// Several tests need a transition to be "in flight" while more requests pile
// up behind it. fakeBackend.gate makes Apply block until the test releases
// it, and fakeBackend.started reports when Apply was entered, so ordering is
// asserted without sleeps.
package tunnel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/treykane/wg-manager/internal/async"
	"github.com/treykane/wg-manager/internal/backend"
	"github.com/treykane/wg-manager/internal/configstore"
	"github.com/treykane/wg-manager/internal/model"
)

func TestManagerTunnelsOrderedWithRunningState(t *testing.T) {
	h := newHarness(t, newFakeBackend("work"), newFakeConfigs("work", "home", "cafe"))

	list, err := await(t, h.mgr.Tunnels())
	if err != nil {
		t.Fatal(err)
	}
	if got := list.Names(); !equalSlices(got, []string{"cafe", "home", "work"}) {
		t.Fatalf("names = %v", got)
	}
	if list.Get("work").State() != model.StateUp || list.Get("home").State() != model.StateDown {
		t.Fatal("initial states not taken from the backend")
	}
	if h.mgr.Tunnels() != h.mgr.Tunnels() {
		t.Fatal("tunnel list future is not cached")
	}
	if h.mgr.Get("home") != list.Get("home") {
		t.Fatal("Get does not return the cached tunnel")
	}
	if h.mgr.Get("nope") != nil {
		t.Fatal("Get returned a tunnel for an unknown name")
	}
}

func TestManagerSetStateUpDown(t *testing.T) {
	h := newHarness(t, newFakeBackend(), newFakeConfigs("home"))
	tun := h.tunnel(t, "home")

	var mu sync.Mutex
	var seen []string
	tun.Subscribe(func(_ *Tunnel, old, new model.State) {
		mu.Lock()
		seen = append(seen, old.String()+">"+new.String())
		mu.Unlock()
	})

	st, err := await(t, h.mgr.SetState(context.Background(), tun, model.StateUp))
	if err != nil || st != model.StateUp {
		t.Fatalf("up = %s, %v", st, err)
	}
	st, err = await(t, h.mgr.SetState(context.Background(), tun, model.StateDown))
	if err != nil || st != model.StateDown {
		t.Fatalf("down = %s, %v", st, err)
	}

	mu.Lock()
	defer mu.Unlock()
	want := []string{"down>toggling", "toggling>up", "up>toggling", "toggling>down"}
	if !equalSlices(seen, want) {
		t.Fatalf("observed %v, want %v", seen, want)
	}
}

func TestManagerSetStateSameStateSkipsBackend(t *testing.T) {
	h := newHarness(t, newFakeBackend("home"), newFakeConfigs("home"))
	tun := h.tunnel(t, "home")

	st, err := await(t, h.mgr.SetState(context.Background(), tun, model.StateUp))
	if err != nil || st != model.StateUp {
		t.Fatalf("up = %s, %v", st, err)
	}
	if n := len(h.backend.appliesSnapshot()); n != 0 {
		t.Fatalf("backend called %d times for a no-op", n)
	}
}

func TestManagerFailedUpEndsDown(t *testing.T) {
	b := newFakeBackend()
	b.fail["home"] = &backend.ExecutionError{Command: []string{"wg-quick", "up"}, ExitCode: 1, Diagnostic: "Address already in use"}
	var transitions []Transition
	h := newHarness(t, b, newFakeConfigs("home"), func(o *Options) {
		o.OnTransition = func(tr Transition) { transitions = append(transitions, tr) }
	})
	tun := h.tunnel(t, "home")

	st, err := await(t, h.mgr.SetState(context.Background(), tun, model.StateUp))
	var ee *backend.ExecutionError
	if !errors.As(err, &ee) || ee.ExitCode != 1 {
		t.Fatalf("err = %v, want ExecutionError", err)
	}
	if st != model.StateDown || tun.State() != model.StateDown {
		t.Fatalf("state after failed up = %s / %s", st, tun.State())
	}
	if len(transitions) != 1 || transitions[0].Err == nil || transitions[0].Result != model.StateDown {
		t.Fatalf("transitions = %+v", transitions)
	}
}

func TestManagerFailedDownKeepsRealState(t *testing.T) {
	b := newFakeBackend("home")
	h := newHarness(t, b, newFakeConfigs("home"))
	tun := h.tunnel(t, "home")
	b.fail["home"] = &backend.IOError{Op: "link del", Tunnel: "home", Err: errors.New("busy")}

	st, err := await(t, h.mgr.SetState(context.Background(), tun, model.StateDown))
	if err == nil {
		t.Fatal("expected error")
	}
	if st != model.StateUp || tun.State() != model.StateUp {
		t.Fatalf("state after failed down = %s", tun.State())
	}
}

func TestManagerMissingConfigFailsUp(t *testing.T) {
	c := newFakeConfigs("home")
	h := newHarness(t, newFakeBackend(), c)
	tun := h.tunnel(t, "home")
	delete(c.configs, "home")

	st, err := await(t, h.mgr.SetState(context.Background(), tun, model.StateUp))
	var fe *configstore.FetchError
	if !errors.As(err, &fe) {
		t.Fatalf("err = %v, want FetchError", err)
	}
	if st != model.StateDown || tun.State() != model.StateDown {
		t.Fatalf("state = %s", tun.State())
	}
	if n := len(h.backend.appliesSnapshot()); n != 0 {
		t.Fatalf("backend called %d times without a config", n)
	}
}

// TestManagerSetStateFIFO queues up, down, up behind a blocked transition
// and checks they reach the backend in exactly that order.
func TestManagerSetStateFIFO(t *testing.T) {
	b := newFakeBackend()
	b.gate = make(chan struct{})
	h := newHarness(t, b, newFakeConfigs("home"))
	tun := h.tunnel(t, "home")
	ctx := context.Background()

	f1 := h.mgr.SetState(ctx, tun, model.StateUp)
	waitStarted(t, b, "home")
	if tun.State() != model.StateToggling {
		t.Fatalf("state while in flight = %s", tun.State())
	}
	f2 := h.mgr.SetState(ctx, tun, model.StateDown)
	f3 := h.mgr.SetState(ctx, tun, model.StateUp)
	waitPending(t, tun, 2)

	close(b.gate)
	for i, f := range []*async.Future[model.State]{f1, f2, f3} {
		if _, err := await(t, f); err != nil {
			t.Fatalf("request %d: %v", i+1, err)
		}
	}
	want := []string{"home:up", "home:down", "home:up"}
	if got := b.appliesSnapshot(); !equalSlices(got, want) {
		t.Fatalf("applies = %v, want %v", got, want)
	}
	if tun.State() != model.StateUp {
		t.Fatalf("final state = %s", tun.State())
	}
}

func TestManagerUpThenDownEndsDownDespiteFailure(t *testing.T) {
	b := newFakeBackend()
	b.fail["home"] = errors.New("handshake setup failed")
	h := newHarness(t, b, newFakeConfigs("home"))
	tun := h.tunnel(t, "home")

	up := h.mgr.SetState(context.Background(), tun, model.StateUp)
	down := h.mgr.SetState(context.Background(), tun, model.StateDown)
	if _, err := await(t, up); err == nil {
		t.Fatal("expected up to fail")
	}
	if st, err := await(t, down); err != nil || st != model.StateDown {
		t.Fatalf("down = %s, %v", st, err)
	}
	if tun.State() != model.StateDown {
		t.Fatalf("final state = %s", tun.State())
	}
}

func TestManagerCancelWhileQueued(t *testing.T) {
	b := newFakeBackend()
	b.gate = make(chan struct{})
	h := newHarness(t, b, newFakeConfigs("home"))
	tun := h.tunnel(t, "home")

	first := h.mgr.SetState(context.Background(), tun, model.StateUp)
	waitStarted(t, b, "home")

	ctx, cancel := context.WithCancel(context.Background())
	second := h.mgr.SetState(ctx, tun, model.StateDown)
	waitPending(t, tun, 1)
	cancel()

	if _, err := await(t, second); !errors.Is(err, context.Canceled) {
		t.Fatalf("cancelled request err = %v", err)
	}
	waitPending(t, tun, 0)

	close(b.gate)
	if st, err := await(t, first); err != nil || st != model.StateUp {
		t.Fatalf("first = %s, %v", st, err)
	}
	if got := b.appliesSnapshot(); !equalSlices(got, []string{"home:up"}) {
		t.Fatalf("withdrawn request reached the backend: %v", got)
	}
}

func TestManagerCancelAfterDispatchRunsToCompletion(t *testing.T) {
	b := newFakeBackend()
	b.gate = make(chan struct{})
	h := newHarness(t, b, newFakeConfigs("home"))
	tun := h.tunnel(t, "home")

	ctx, cancel := context.WithCancel(context.Background())
	f := h.mgr.SetState(ctx, tun, model.StateUp)
	waitStarted(t, b, "home")
	cancel()
	close(b.gate)

	st, err := await(t, f)
	if err != nil || st != model.StateUp {
		t.Fatalf("dispatched request = %s, %v", st, err)
	}
}

func TestManagerAlreadyCancelledContext(t *testing.T) {
	h := newHarness(t, newFakeBackend(), newFakeConfigs("home"))
	tun := h.tunnel(t, "home")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := await(t, h.mgr.SetState(ctx, tun, model.StateUp)); !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
}

func TestManagerToggle(t *testing.T) {
	h := newHarness(t, newFakeBackend(), newFakeConfigs("home"))
	tun := h.tunnel(t, "home")
	if st, _ := await(t, h.mgr.SetState(context.Background(), tun, model.StateToggle)); st != model.StateUp {
		t.Fatalf("first toggle = %s", st)
	}
	if st, _ := await(t, h.mgr.SetState(context.Background(), tun, model.StateToggle)); st != model.StateDown {
		t.Fatalf("second toggle = %s", st)
	}
}

func TestManagerDifferentTunnelsRunConcurrently(t *testing.T) {
	b := newFakeBackend()
	b.gate = make(chan struct{})
	h := newHarness(t, b, newFakeConfigs("home", "work"))
	home, work := h.tunnel(t, "home"), h.tunnel(t, "work")

	f1 := h.mgr.SetState(context.Background(), home, model.StateUp)
	f2 := h.mgr.SetState(context.Background(), work, model.StateUp)
	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		select {
		case n := <-b.started:
			seen[n] = true
		case <-time.After(5 * time.Second):
			t.Fatal("second tunnel blocked behind the first")
		}
	}
	close(b.gate)
	_, _ = await(t, f1)
	_, _ = await(t, f2)
	if !seen["home"] || !seen["work"] || b.peak.Load() != 2 {
		t.Fatalf("seen = %v, peak = %d", seen, b.peak.Load())
	}
}

func TestManagerBackendUnavailable(t *testing.T) {
	h := newHarness(t, newFakeBackend(), newFakeConfigs("home"), func(o *Options) {
		o.Backend = async.Failed[backend.Backend](errors.New("no wireguard"))
	})
	tun := h.tunnel(t, "home")
	if tun.State() != model.StateDown {
		t.Fatalf("state = %s", tun.State())
	}
	if _, err := await(t, h.mgr.SetState(context.Background(), tun, model.StateUp)); err == nil {
		t.Fatal("expected error without a backend")
	}
	if tun.State() != model.StateDown {
		t.Fatalf("state = %s", tun.State())
	}
}

func TestManagerRefreshStatistics(t *testing.T) {
	h := newHarness(t, newFakeBackend("home"), newFakeConfigs("home"))
	tun := h.tunnel(t, "home")
	stats, err := await(t, h.mgr.RefreshStatistics(context.Background(), tun))
	if err != nil || stats.TotalRx() != 7 {
		t.Fatalf("stats = %+v, %v", stats, err)
	}
	if tun.Statistics().TotalTx() != 3 {
		t.Fatal("statistics not cached on the tunnel")
	}
}

func TestManagerObserveCoversLaterTunnels(t *testing.T) {
	h := newHarness(t, newFakeBackend(), newFakeConfigs("home"))
	var mu sync.Mutex
	count := map[string]int{}
	h.mgr.Observe(func(tun *Tunnel, _, _ model.State) {
		mu.Lock()
		count[tun.Name()]++
		mu.Unlock()
	})

	home := h.tunnel(t, "home")
	created, err := await(t, h.mgr.Create(context.Background(), "cafe", &model.Config{Raw: []byte("[Interface]\nPrivateKey = k\n")}))
	if err != nil {
		t.Fatal(err)
	}
	_, _ = await(t, h.mgr.SetState(context.Background(), home, model.StateUp))
	_, _ = await(t, h.mgr.SetState(context.Background(), created, model.StateUp))

	mu.Lock()
	defer mu.Unlock()
	if count["home"] != 2 || count["cafe"] != 2 {
		t.Fatalf("observer counts = %v", count)
	}
}

func TestTunnelUnsubscribe(t *testing.T) {
	h := newHarness(t, newFakeBackend(), newFakeConfigs("home"))
	tun := h.tunnel(t, "home")
	calls := 0
	id := tun.Subscribe(func(*Tunnel, model.State, model.State) { calls++ })
	tun.Unsubscribe(id)
	_, _ = await(t, h.mgr.SetState(context.Background(), tun, model.StateUp))
	if calls != 0 {
		t.Fatalf("unsubscribed observer called %d times", calls)
	}
}
