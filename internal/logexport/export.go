// Package logexport writes the system journal to a file for bug reports.
package logexport

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/treykane/wg-manager/internal/async"
	"github.com/treykane/wg-manager/internal/backend"
	"github.com/treykane/wg-manager/internal/permission"
)

// DefaultFileName is used when Export is given a directory.
const DefaultFileName = "wg-manager-log.txt"

// Ensurer is the part of permission.Broker the exporter needs.
type Ensurer interface {
	EnsurePermissions(perms []permission.Permission, cb permission.Callback) error
}

// Exporter copies the system journal to a file once the broker grants
// ReadJournal.
type Exporter struct {
	broker     Ensurer
	runner     backend.Runner
	journalctl string
	pool       *async.Pool
	log        *slog.Logger
}

// New creates an Exporter. An empty journalctl means the one on PATH.
func New(broker Ensurer, runner backend.Runner, journalctl string, pool *async.Pool, logger *slog.Logger) *Exporter {
	if journalctl == "" {
		journalctl = "journalctl"
	}
	if pool == nil {
		pool = async.NewPool(1)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Exporter{
		broker:     broker,
		runner:     runner,
		journalctl: journalctl,
		pool:       pool,
		log:        logger.With("component", "logexport"),
	}
}

// Export asks for permission to read the journal, then dumps the current
// boot's journal to path. The future resolves with the written file's path,
// or permission.ErrDenied when the prompt was refused.
func (e *Exporter) Export(ctx context.Context, path string) *async.Future[string] {
	fut, resolve := async.NewPromise[string]()
	err := e.broker.EnsurePermissions([]permission.Permission{permission.ReadJournal},
		func(_ []permission.Permission, grants []permission.Grant) {
			if !permission.AllGranted(grants) {
				resolve("", permission.ErrDenied)
				return
			}
			e.pool.Go(func() {
				var (
					out    string
					runErr error
				)
				if doErr := e.pool.Do(ctx, func() { out, runErr = e.write(ctx, path) }); doErr != nil {
					runErr = doErr
				}
				resolve(out, runErr)
			})
		})
	if err != nil {
		resolve("", err)
	}
	return fut
}

func (e *Exporter) write(ctx context.Context, path string) (string, error) {
	if fi, err := os.Stat(path); err == nil && fi.IsDir() {
		path = filepath.Join(path, DefaultFileName)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return "", fmt.Errorf("cannot create output directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return "", err
	}

	fail := func(err error) (string, error) {
		_ = f.Close()
		_ = os.Remove(path)
		e.log.Warn("log export failed", "path", path, "error", err)
		return "", err
	}
	out, err := e.runner.Run(ctx, e.journalctl, "-b", "--no-pager", "-o", "short-precise")
	if err != nil {
		return fail(fmt.Errorf("unable to run journalctl: %w", err))
	}
	if _, err := f.Write(out); err != nil {
		return fail(err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(path)
		return "", err
	}
	e.log.Info("exported journal", "path", path, "bytes", len(out))
	return path, nil
}
