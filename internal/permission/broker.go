// Package permission correlates asynchronous OS permission prompts back to
// the caller that asked for them.
package permission

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Permission names a capability the OS grants, such as a polkit action id.
type Permission string

const (
	// ReadJournal allows reading the system journal of every unit.
	ReadJournal Permission = "io.github.treykane.wg-manager.read-journal"
	// ManageTunnels allows bringing WireGuard interfaces up and down.
	ManageTunnels Permission = "io.github.treykane.wg-manager.manage-tunnels"
)

// Grant is the outcome for one permission.
type Grant int

const (
	Denied Grant = iota
	Granted
)

func (g Grant) String() string {
	if g == Granted {
		return "granted"
	}
	return "denied"
}

// DefaultMaxPending bounds the number of prompts that can be outstanding.
const DefaultMaxPending = 1 << 16

// Errors delivered to permission callbacks.
var (
	ErrTooManyPending = errors.New("too many pending permission requests")
	ErrDenied         = errors.New("permission denied")
	ErrClosed         = errors.New("permission broker closed")
)

// Callback receives the requested permissions and one grant per permission,
// in the order they were requested.
type Callback func(perms []Permission, grants []Grant)

// Checker reports whether a permission is already held.
type Checker interface {
	Has(p Permission) bool
}

// Requester asks the OS for perms and later hands the answer to
// Broker.Deliver under the same id. Request must not block on the answer.
type Requester interface {
	Request(id int, perms []Permission)
}

// Authority both checks and requests permissions.
type Authority interface {
	Checker
	Requester
}

type pending struct {
	perms []Permission
	held  map[Permission]bool
	cb    Callback
}

// Broker keeps one entry per outstanding prompt. An entry is removed exactly
// once, either by Deliver (which invokes its callback) or by Abandon/Close
// (which do not).
type Broker struct {
	checker   Checker
	requester Requester
	max       int
	log       *slog.Logger

	mu      sync.Mutex
	next    int
	pending map[int]pending
	closed  bool
}

// Option configures a Broker.
type Option func(*Broker)

// WithMaxPending sets the id range to [0, n).
func WithMaxPending(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.max = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(b *Broker) { b.log = l }
}

// NewBroker creates a broker that asks checker first and falls back to
// prompting through requester.
func NewBroker(checker Checker, requester Requester, opts ...Option) *Broker {
	b := &Broker{
		checker:   checker,
		requester: requester,
		max:       DefaultMaxPending,
		log:       slog.Default(),
		pending:   map[int]pending{},
	}
	for _, o := range opts {
		o(b)
	}
	b.log = b.log.With("component", "permission")
	return b
}

// EnsurePermissions calls cb with a grant for every permission in perms.
// When all of them are already held cb runs before EnsurePermissions
// returns and no prompt is issued. Otherwise the missing ones are requested
// and cb runs when the answer is delivered.
func (b *Broker) EnsurePermissions(perms []Permission, cb Callback) error {
	var missing []Permission
	held := make(map[Permission]bool, len(perms))
	for _, p := range perms {
		if b.checker.Has(p) {
			held[p] = true
		} else {
			missing = append(missing, p)
		}
	}
	if len(missing) == 0 {
		grants := make([]Grant, len(perms))
		for i := range grants {
			grants[i] = Granted
		}
		cb(perms, grants)
		return nil
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return ErrClosed
	}
	id, err := b.allocate()
	if err != nil {
		b.mu.Unlock()
		return err
	}
	b.pending[id] = pending{perms: append([]Permission(nil), perms...), held: held, cb: cb}
	b.mu.Unlock()

	b.log.Debug("requesting permissions", "id", id, "permissions", fmt.Sprint(missing))
	b.requester.Request(id, missing)
	return nil
}

// allocate returns the next free id. Ids count up and wrap at max, skipping
// ids still in use. Callers hold b.mu.
func (b *Broker) allocate() (int, error) {
	if len(b.pending) >= b.max {
		return 0, ErrTooManyPending
	}
	for {
		id := b.next
		b.next = (b.next + 1) % b.max
		if _, busy := b.pending[id]; !busy {
			return id, nil
		}
	}
}

// Deliver hands the OS answer for request id to its callback. Permissions
// that were already held when the request was made are reported Granted;
// requested permissions missing from the answer are reported Denied.
// Deliver returns false when id is not pending, e.g. after Abandon.
func (b *Broker) Deliver(id int, perms []Permission, grants []Grant) bool {
	b.mu.Lock()
	p, ok := b.pending[id]
	if ok {
		delete(b.pending, id)
	}
	b.mu.Unlock()
	if !ok {
		b.log.Debug("dropping result for unknown permission request", "id", id)
		return false
	}

	answered := make(map[Permission]Grant, len(perms))
	for i, perm := range perms {
		if i < len(grants) {
			answered[perm] = grants[i]
		}
	}
	out := make([]Grant, len(p.perms))
	for i, perm := range p.perms {
		if g, ok := answered[perm]; ok {
			out[i] = g
		} else if p.held[perm] {
			out[i] = Granted
		}
	}
	p.cb(p.perms, out)
	return true
}

// Abandon drops request id without calling its callback.
func (b *Broker) Abandon(id int) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	_, ok := b.pending[id]
	delete(b.pending, id)
	return ok
}

// Close abandons every pending request and refuses new prompts.
func (b *Broker) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n := len(b.pending); n > 0 {
		b.log.Debug("abandoning pending permission requests", "count", n)
	}
	b.pending = map[int]pending{}
	b.closed = true
}

// Pending returns the number of outstanding requests.
func (b *Broker) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// AllGranted reports whether every grant is Granted.
func AllGranted(grants []Grant) bool {
	for _, g := range grants {
		if g != Granted {
			return false
		}
	}
	return len(grants) > 0
}
