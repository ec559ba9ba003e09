package tunnel

import "context"

type opState int

const (
	opQueued opState = iota
	opDispatched
	opCancelled
)

// op is one queued request against a tunnel. run resolves the caller's
// future itself; reject is used only when the request is withdrawn before
// dispatch.
type op struct {
	ctx    context.Context
	run    func(ctx context.Context)
	reject func(error)
	state  opState
	stop   func() bool
}

// enqueue appends a request to t's FIFO queue and starts a drainer if none is
// running. Every request against a tunnel (transitions, rename, delete,
// config edits) goes through here, which is what makes them mutually
// exclusive.
func (m *Manager) enqueue(ctx context.Context, t *Tunnel, run func(context.Context), reject func(error)) {
	if err := ctx.Err(); err != nil {
		reject(err)
		return
	}
	o := &op{ctx: ctx, run: run, reject: reject}

	t.qmu.Lock()
	t.queue = append(t.queue, o)
	o.stop = context.AfterFunc(ctx, func() { m.withdraw(t, o) })
	start := !t.draining
	t.draining = true
	t.qmu.Unlock()

	if start {
		m.pool.Go(func() { m.drain(t) })
	}
}

func (m *Manager) withdraw(t *Tunnel, o *op) {
	t.qmu.Lock()
	if o.state != opQueued {
		t.qmu.Unlock()
		return
	}
	for i, q := range t.queue {
		if q == o {
			t.queue = append(t.queue[:i], t.queue[i+1:]...)
			break
		}
	}
	o.state = opCancelled
	t.qmu.Unlock()
	m.log.Debug("queued request withdrawn", "tunnel", t.Name())
	o.reject(o.ctx.Err())
}

func (m *Manager) drain(t *Tunnel) {
	for {
		t.qmu.Lock()
		if len(t.queue) == 0 {
			t.draining = false
			t.qmu.Unlock()
			return
		}
		o := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		o.state = opDispatched
		t.qmu.Unlock()

		o.stop()
		o.run(context.WithoutCancel(o.ctx))
	}
}

// pending reports how many requests are waiting behind the running one.
func (t *Tunnel) pending() int {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	return len(t.queue)
}

// busy reports whether a request is running or waiting for t.
func (t *Tunnel) busy() bool {
	t.qmu.Lock()
	defer t.qmu.Unlock()
	return t.draining || len(t.queue) > 0
}
