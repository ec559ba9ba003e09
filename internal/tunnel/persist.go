package tunnel

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/treykane/wg-manager/internal/async"
	"github.com/treykane/wg-manager/internal/model"
	"github.com/treykane/wg-manager/internal/prefs"
)

// SaveSyncTimeout bounds the backend query SaveState makes before writing.
const SaveSyncTimeout = 10 * time.Second

// RestoreState brings every tunnel in the persisted running set up. Tunnels
// already up are skipped and names that no longer exist are ignored, so
// calling it repeatedly has the effect of calling it once. Without force it
// does nothing unless restore-on-boot is enabled. Every tunnel that fails is
// reported in the joined error; one failure does not stop the others.
func (m *Manager) RestoreState(ctx context.Context, force bool) *async.Future[struct{}] {
	if !force && !m.restoreOnBoot {
		return async.Resolved(struct{}{})
	}
	fut, resolve := async.NewPromise[struct{}]()
	m.pool.Go(func() {
		resolve(struct{}{}, m.restore(ctx))
	})
	return fut
}

func (m *Manager) restore(ctx context.Context) error {
	m.persistMu.Lock()
	names, err := m.prefs.Strings(prefs.KeyRunningTunnels)
	m.persistMu.Unlock()
	if err != nil {
		return err
	}
	if len(names) == 0 {
		return nil
	}

	list, err := m.Tunnels().Await(ctx)
	if err != nil {
		return err
	}

	type pendingUp struct {
		name string
		fut  *async.Future[model.State]
	}
	var started []pendingUp
	for _, name := range names {
		t := list.Get(name)
		if t == nil {
			m.log.Warn("persisted tunnel no longer exists", "tunnel", name)
			continue
		}
		if t.State() == model.StateUp {
			continue
		}
		started = append(started, pendingUp{name, m.SetState(ctx, t, model.StateUp)})
	}

	// the requests are already dispatched; awaiting them in order only
	// collects the results
	var errs []error
	for _, p := range started {
		if _, err := p.fut.Await(context.Background()); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", p.name, err))
		}
	}
	return errors.Join(errs...)
}

// Resync reconciles cached tunnel states with what the backend reports
// running, picking up changes made by other processes. Tunnels with a request
// running or queued are left to that request. It is a no-op until the list
// and the backend are both available.
func (m *Manager) Resync(ctx context.Context) error {
	list := m.loadedList()
	if list == nil {
		return nil
	}
	b, err, ok := m.backend.TryGet()
	if !ok {
		return nil
	}
	if err != nil {
		return fmt.Errorf("backend unavailable: %w", err)
	}
	names, err := b.RunningNames(ctx)
	if err != nil {
		return fmt.Errorf("query running tunnels: %w", err)
	}
	running := make(map[string]bool, len(names))
	for _, n := range names {
		running[n] = true
	}
	for _, t := range list.All() {
		if t.busy() {
			continue
		}
		want := model.StateDown
		if running[t.Name()] {
			want = model.StateUp
		}
		if old := t.State(); old != want {
			m.log.Info("tunnel state changed outside this process", "tunnel", t.Name(), "from", old.String(), "to", want.String())
			t.setState(want)
		}
	}
	return nil
}

// SaveState records which tunnels are up. It is synchronous and never fails:
// it runs on the shutdown path where nothing can be awaited, so errors are
// logged. Cached states are first reconciled with the backend, bounded by
// SaveSyncTimeout; if that query fails the cached states are saved. When the
// tunnel list was never loaded there is nothing trustworthy to record and the
// previously saved set is kept.
func (m *Manager) SaveState() {
	m.persistMu.Lock()
	defer m.persistMu.Unlock()

	list := m.loadedList()
	if list == nil {
		m.log.Warn("tunnel list not loaded, keeping previously saved running set")
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), SaveSyncTimeout)
	defer cancel()
	if err := m.Resync(ctx); err != nil {
		m.log.Warn("saving cached tunnel states", "error", err)
	}

	var up []string
	for _, t := range list.All() {
		if t.State() == model.StateUp {
			up = append(up, t.Name())
		}
	}
	if err := m.prefs.SetStrings(prefs.KeyRunningTunnels, up); err != nil {
		m.log.Warn("failed to save running tunnels", "error", err)
		return
	}
	m.log.Info("saved running tunnels", "count", len(up))
}
