package tunnel

import (
	"context"
	"fmt"

	"github.com/treykane/wg-manager/internal/async"
	"github.com/treykane/wg-manager/internal/model"
)

// Create stores a copy of cfg under name and adds a new, down tunnel for it.
// cfg itself is not modified.
func (m *Manager) Create(ctx context.Context, name string, cfg *model.Config) *async.Future[*Tunnel] {
	fut, resolve := async.NewPromise[*Tunnel]()
	if err := model.ValidateName(name); err != nil {
		resolve(nil, err)
		return fut
	}
	stored := *cfg
	stored.Name = name
	m.pool.Go(func() {
		list, err := m.Tunnels().Await(ctx)
		if err != nil {
			resolve(nil, err)
			return
		}
		m.namesMu.Lock()
		defer m.namesMu.Unlock()
		if list.Get(name) != nil {
			resolve(nil, fmt.Errorf("%w: %s", ErrExists, name))
			return
		}
		if err := m.storeIO(ctx, func() error { return m.configs.Save(ctx, name, &stored) }); err != nil {
			resolve(nil, err)
			return
		}
		t := m.newTunnel(name, model.StateDown)
		t.setConfig(&stored)
		list.add(t)
		resolve(t, nil)
	})
	return fut
}

// storeIO runs a config store call on a pool slot.
func (m *Manager) storeIO(ctx context.Context, fn func() error) error {
	var err error
	if doErr := m.pool.Do(ctx, func() { err = fn() }); doErr != nil {
		return doErr
	}
	return err
}

// Delete brings t down if needed and removes it and its stored config.
func (m *Manager) Delete(ctx context.Context, t *Tunnel) *async.Future[struct{}] {
	fut, resolve := async.NewPromise[struct{}]()
	m.enqueue(ctx, t, func(ctx context.Context) {
		resolve(struct{}{}, m.delete(ctx, t))
	}, func(err error) { resolve(struct{}{}, err) })
	return fut
}

func (m *Manager) delete(ctx context.Context, t *Tunnel) error {
	if t.Removed() {
		return fmt.Errorf("%w: %s", ErrRemoved, t.Name())
	}
	if t.State() != model.StateDown {
		if err := m.bringDown(ctx, t); err != nil {
			return fmt.Errorf("delete %s: %w", t.Name(), err)
		}
	}
	m.namesMu.Lock()
	defer m.namesMu.Unlock()
	if err := m.storeIO(ctx, func() error { return m.configs.Delete(ctx, t.Name()) }); err != nil {
		return err
	}
	t.markRemoved()
	if list := m.loadedList(); list != nil {
		list.remove(t)
	}
	return nil
}

// bringDown runs a down transition inline; the caller already holds t's
// queue slot.
func (m *Manager) bringDown(ctx context.Context, t *Tunnel) error {
	st, err := m.transition(ctx, t, model.StateDown)
	if err != nil {
		return err
	}
	if st != model.StateDown {
		return fmt.Errorf("tunnel is still %s", st)
	}
	return nil
}

// Rename moves t to newName. A running tunnel is brought down, renamed and
// brought back up under the new name. The old handle is retired; the future
// carries the new one.
func (m *Manager) Rename(ctx context.Context, t *Tunnel, newName string) *async.Future[*Tunnel] {
	fut, resolve := async.NewPromise[*Tunnel]()
	m.enqueue(ctx, t, func(ctx context.Context) {
		resolve(m.rename(ctx, t, newName))
	}, func(err error) { resolve(nil, err) })
	return fut
}

func (m *Manager) rename(ctx context.Context, t *Tunnel, newName string) (*Tunnel, error) {
	if t.Removed() {
		return nil, fmt.Errorf("%w: %s", ErrRemoved, t.Name())
	}
	if newName == t.Name() {
		return t, nil
	}
	if err := model.ValidateName(newName); err != nil {
		return nil, err
	}
	list, err := m.Tunnels().Await(ctx)
	if err != nil {
		return nil, err
	}

	wasUp := t.State() == model.StateUp
	nt, err := m.moveTunnel(ctx, list, t, newName, wasUp)
	if err != nil {
		return nil, err
	}
	if wasUp {
		if _, err := m.SetState(ctx, nt, model.StateUp).Await(ctx); err != nil {
			return nt, fmt.Errorf("bring %s back up after rename: %w", newName, err)
		}
	}
	return nt, nil
}

// moveTunnel swaps t for a new handle named newName under namesMu, so no
// Create or other Rename can claim newName between the check and the swap.
func (m *Manager) moveTunnel(ctx context.Context, list *List, t *Tunnel, newName string, wasUp bool) (*Tunnel, error) {
	m.namesMu.Lock()
	defer m.namesMu.Unlock()
	if list.Get(newName) != nil {
		return nil, fmt.Errorf("%w: %s", ErrExists, newName)
	}
	if wasUp {
		if err := m.bringDown(ctx, t); err != nil {
			return nil, fmt.Errorf("rename %s: %w", t.Name(), err)
		}
	}
	if err := m.storeIO(ctx, func() error { return m.configs.Rename(ctx, t.Name(), newName) }); err != nil {
		return nil, err
	}
	nt := m.newTunnel(newName, model.StateDown)
	if !list.add(nt) {
		return nil, fmt.Errorf("%w: %s", ErrExists, newName)
	}
	t.markRemoved()
	list.remove(t)
	return nt, nil
}

// SetConfig replaces t's stored config with a copy of cfg. A running tunnel
// is restarted so the new config takes effect.
func (m *Manager) SetConfig(ctx context.Context, t *Tunnel, cfg *model.Config) *async.Future[*model.Config] {
	fut, resolve := async.NewPromise[*model.Config]()
	m.enqueue(ctx, t, func(ctx context.Context) {
		resolve(m.setConfig(ctx, t, cfg))
	}, func(err error) { resolve(nil, err) })
	return fut
}

func (m *Manager) setConfig(ctx context.Context, t *Tunnel, cfg *model.Config) (*model.Config, error) {
	if t.Removed() {
		return nil, fmt.Errorf("%w: %s", ErrRemoved, t.Name())
	}
	stored := *cfg
	stored.Name = t.Name()
	wasUp := t.State() == model.StateUp
	if wasUp {
		if err := m.bringDown(ctx, t); err != nil {
			return nil, err
		}
	}
	if err := m.storeIO(ctx, func() error { return m.configs.Save(ctx, t.Name(), &stored) }); err != nil {
		return nil, err
	}
	t.setConfig(&stored)
	if wasUp {
		if _, err := m.transition(ctx, t, model.StateUp); err != nil {
			return &stored, err
		}
	}
	return &stored, nil
}
