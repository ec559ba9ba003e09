package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/godbus/dbus/v5"
)

const (
	logindDest      = "org.freedesktop.login1"
	logindPath      = "/org/freedesktop/login1"
	logindInterface = "org.freedesktop.login1.Manager"
)

// Logind announces shutdown through systemd-logind's PrepareForShutdown
// signal. While subscribed it holds a delay inhibitor so the host waits for
// the running set to be saved.
type Logind struct {
	conn *dbus.Conn
	log  *slog.Logger
}

// OpenLogind connects to logind on the system bus.
func OpenLogind(logger *slog.Logger) (*Logind, error) {
	conn, err := dbus.ConnectSystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect system bus: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Logind{conn: conn, log: logger.With("component", "logind")}, nil
}

func (l *Logind) inhibit() (*os.File, error) {
	var fd dbus.UnixFD
	obj := l.conn.Object(logindDest, dbus.ObjectPath(logindPath))
	err := obj.Call(logindInterface+".Inhibit", 0,
		"shutdown", "wg-manager", "Saving running tunnels", "delay").Store(&fd)
	if err != nil {
		return nil, fmt.Errorf("take shutdown inhibitor: %w", err)
	}
	return os.NewFile(uintptr(fd), "logind-inhibitor"), nil
}

// Subscribe takes a shutdown delay inhibitor and signals the returned
// channel on PrepareForShutdown. release drops the inhibitor.
func (l *Logind) Subscribe(ctx context.Context) (<-chan struct{}, func(), error) {
	lock, err := l.inhibit()
	if err != nil {
		// without the lock the save races the power-off
		l.log.Warn("running without shutdown inhibitor", "error", err)
	}
	release := func() {
		if lock != nil {
			_ = lock.Close()
		}
	}

	if err := l.conn.AddMatchSignal(
		dbus.WithMatchObjectPath(logindPath),
		dbus.WithMatchInterface(logindInterface),
		dbus.WithMatchMember("PrepareForShutdown"),
	); err != nil {
		release()
		return nil, nil, fmt.Errorf("subscribe PrepareForShutdown: %w", err)
	}
	signals := make(chan *dbus.Signal, 4)
	l.conn.Signal(signals)

	out := make(chan struct{})
	go func() {
		defer l.conn.RemoveSignal(signals)
		for {
			select {
			case <-ctx.Done():
				return
			case s, ok := <-signals:
				if !ok {
					return
				}
				if s.Name != logindInterface+".PrepareForShutdown" || len(s.Body) == 0 {
					continue
				}
				if starting, _ := s.Body[0].(bool); starting {
					close(out)
					return
				}
			}
		}
	}()
	return out, release, nil
}

// Close closes the bus connection.
func (l *Logind) Close() error {
	return l.conn.Close()
}
