package backend

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/treykane/wg-manager/internal/model"
)

// WgQuickOptions configures the privileged helper backend.
type WgQuickOptions struct {
	Runner     Runner
	WgQuick    string
	Wg         string
	RuntimeDir string
	Logger     *slog.Logger
}

// WgQuick drives tunnels through the wg-quick and wg programs. The tunnels it
// creates belong to the kernel and survive this process exiting.
type WgQuick struct {
	runner     Runner
	wgQuick    string
	wg         string
	runtimeDir string
	log        *slog.Logger
}

// NewWgQuick creates a backend that drives the wg-quick and wg helpers.
func NewWgQuick(opts WgQuickOptions) *WgQuick {
	if opts.WgQuick == "" {
		opts.WgQuick = "wg-quick"
	}
	if opts.Wg == "" {
		opts.Wg = "wg"
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &WgQuick{
		runner:     opts.Runner,
		wgQuick:    opts.WgQuick,
		wg:         opts.Wg,
		runtimeDir: opts.RuntimeDir,
		log:        opts.Logger.With("component", "backend", "backend", KindWgQuick.String()),
	}
}

func (b *WgQuick) Kind() Kind { return KindWgQuick }

func (b *WgQuick) SupportsStatePersistence() bool { return true }

// stagedPath is where the config handed to wg-quick lives. wg-quick derives
// the interface name from the file name, so it must be <name>.conf.
func (b *WgQuick) stagedPath(name string) string {
	return filepath.Join(b.runtimeDir, name+".conf")
}

func (b *WgQuick) stage(name string, cfg *model.Config) (string, error) {
	path := b.stagedPath(name)
	if cfg == nil || len(cfg.Raw) == 0 {
		if _, err := os.Stat(path); err != nil {
			return "", fmt.Errorf("no config available for %s", name)
		}
		return path, nil
	}
	if err := os.MkdirAll(b.runtimeDir, 0o700); err != nil {
		return "", err
	}
	if err := os.WriteFile(path, cfg.Raw, 0o600); err != nil {
		return "", err
	}
	return path, nil
}

// Apply runs wg-quick up or down against a config written to the runtime
// directory.
func (b *WgQuick) Apply(ctx context.Context, name string, cfg *model.Config, desired model.State) (model.State, error) {
	if err := checkDesired(desired); err != nil {
		return b.CurrentState(ctx, name), err
	}
	current := b.CurrentState(ctx, name)
	if current == desired {
		return current, nil
	}

	path, err := b.stage(name, cfg)
	if err != nil {
		return current, err
	}
	verb := "up"
	if desired == model.StateDown {
		verb = "down"
	}
	b.log.Debug("running helper", "tunnel", name, "verb", verb)
	if _, err := b.runner.Run(ctx, b.wgQuick, verb, path); err != nil {
		return b.CurrentState(ctx, name), err
	}
	if desired == model.StateDown {
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			b.log.Warn("failed to remove staged config", "tunnel", name, "error", err)
		}
	}
	return desired, nil
}

// CurrentState is up when wg lists an interface named name.
func (b *WgQuick) CurrentState(ctx context.Context, name string) model.State {
	names, err := b.RunningNames(ctx)
	if err != nil {
		b.log.Debug("failed to list running tunnels", "error", err)
		return model.StateDown
	}
	if slices.Contains(names, name) {
		return model.StateUp
	}
	return model.StateDown
}

// RunningNames returns the interfaces wg reports.
func (b *WgQuick) RunningNames(ctx context.Context) ([]string, error) {
	out, err := b.runner.Run(ctx, b.wg, "show", "interfaces")
	if err != nil {
		return nil, err
	}
	return strings.Fields(string(out)), nil
}

// Statistics parses wg show dump output for name.
func (b *WgQuick) Statistics(ctx context.Context, name string) (model.Statistics, error) {
	out, err := b.runner.Run(ctx, b.wg, "show", name, "dump")
	if err != nil {
		return model.Statistics{}, err
	}
	return parseDump(out)
}

func (b *WgQuick) Version(ctx context.Context) (string, error) {
	out, err := b.runner.Run(ctx, b.wg, "--version")
	if err != nil {
		return "", err
	}
	line, _, _ := strings.Cut(strings.TrimSpace(string(out)), "\n")
	return line, nil
}
