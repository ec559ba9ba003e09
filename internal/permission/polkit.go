package permission

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
)

const (
	polkitDest   = "org.freedesktop.PolicyKit1"
	polkitPath   = "/org/freedesktop/PolicyKit1/Authority"
	polkitMethod = "org.freedesktop.PolicyKit1.Authority.CheckAuthorization"

	polkitAllowUserInteraction uint32 = 1

	// prompts wait on a human; give up eventually so entries cannot linger
	promptTimeout = 5 * time.Minute
)

// polkitSubject is the (sa{sv}) subject argument of CheckAuthorization.
type polkitSubject struct {
	Kind    string
	Details map[string]dbus.Variant
}

// Deliverer receives prompt results. *Broker implements it.
type Deliverer interface {
	Deliver(id int, perms []Permission, grants []Grant) bool
}

// PolkitAuthority checks and requests permissions as polkit actions on the
// system bus. It is both the Checker and the Requester of a Broker; call
// Bind once the broker exists.
type PolkitAuthority struct {
	conn    *dbus.Conn
	obj     dbus.BusObject
	subject polkitSubject
	log     *slog.Logger

	mu      sync.Mutex
	target  Deliverer
	ctx     context.Context
	cancel  context.CancelFunc
	prompts sync.WaitGroup
}

// OpenPolkit connects to the system bus.
func OpenPolkit(logger *slog.Logger) (*PolkitAuthority, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	return NewPolkitAuthority(conn, logger), nil
}

// NewPolkitAuthority uses an existing bus connection and takes ownership of
// it.
func NewPolkitAuthority(conn *dbus.Conn, logger *slog.Logger) *PolkitAuthority {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &PolkitAuthority{
		conn: conn,
		obj:  conn.Object(polkitDest, dbus.ObjectPath(polkitPath)),
		subject: polkitSubject{
			Kind: "unix-process",
			Details: map[string]dbus.Variant{
				"pid": dbus.MakeVariant(uint32(os.Getpid())),
				"uid": dbus.MakeVariant(int32(os.Getuid())),
			},
		},
		log:    logger.With("component", "polkit"),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Bind sets where prompt results go.
func (a *PolkitAuthority) Bind(d Deliverer) {
	a.mu.Lock()
	a.target = d
	a.mu.Unlock()
}

// Has asks polkit without prompting. Errors count as not held.
func (a *PolkitAuthority) Has(p Permission) bool {
	ok, err := a.check(a.ctx, p, 0)
	if err != nil {
		a.log.Debug("polkit check failed", "action", string(p), "error", err)
		return false
	}
	return ok
}

// Request prompts for each permission in the background and delivers the
// combined result under id.
func (a *PolkitAuthority) Request(id int, perms []Permission) {
	a.prompts.Add(1)
	go func() {
		defer a.prompts.Done()
		ctx, cancel := context.WithTimeout(a.ctx, promptTimeout)
		defer cancel()

		grants := make([]Grant, len(perms))
		for i, p := range perms {
			ok, err := a.check(ctx, p, polkitAllowUserInteraction)
			if err != nil {
				a.log.Warn("polkit authorization failed", "action", string(p), "error", err)
				continue
			}
			if ok {
				grants[i] = Granted
			}
		}
		if ctx.Err() != nil && a.ctx.Err() != nil {
			// closed while prompting; the broker has already abandoned id
			return
		}
		a.mu.Lock()
		target := a.target
		a.mu.Unlock()
		if target == nil {
			a.log.Warn("polkit result with no broker bound", "id", id)
			return
		}
		target.Deliver(id, perms, grants)
	}()
}

func (a *PolkitAuthority) check(ctx context.Context, p Permission, flags uint32) (bool, error) {
	var (
		authorized bool
		challenge  bool
		details    map[string]string
	)
	call := a.obj.CallWithContext(ctx, polkitMethod, 0,
		a.subject, string(p), map[string]string{}, flags, "")
	if err := call.Store(&authorized, &challenge, &details); err != nil {
		return false, err
	}
	return authorized, nil
}

// Close cancels outstanding prompts and closes the bus connection.
func (a *PolkitAuthority) Close() error {
	a.cancel()
	a.prompts.Wait()
	return a.conn.Close()
}

// LocalAuthority is used when no system bus is reachable: root holds every
// permission, anyone else is denied without a prompt.
type LocalAuthority struct {
	mu     sync.Mutex
	target Deliverer
	euid   int
}

// NewLocalAuthority returns an authority for the effective user.
func NewLocalAuthority() *LocalAuthority {
	return &LocalAuthority{euid: os.Geteuid()}
}

// Bind sets where answers to Request are delivered.
func (a *LocalAuthority) Bind(d Deliverer) {
	a.mu.Lock()
	a.target = d
	a.mu.Unlock()
}

func (a *LocalAuthority) Has(Permission) bool { return a.euid == 0 }

// Request denies every permission in perms.
func (a *LocalAuthority) Request(id int, perms []Permission) {
	a.mu.Lock()
	target := a.target
	a.mu.Unlock()
	if target == nil {
		return
	}
	go target.Deliver(id, perms, make([]Grant, len(perms)))
}

func (a *LocalAuthority) Close() error { return nil }
