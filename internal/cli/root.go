// Package cli provides the command-line interface for wg-manager.
package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/treykane/wg-manager/internal/app"
	"github.com/treykane/wg-manager/internal/appconfig"
	"github.com/treykane/wg-manager/internal/backend"
	"github.com/treykane/wg-manager/internal/security"
)

// Option customizes the command tree, mainly so tests can swap out the
// system-facing parts of the app.
type Option func(*env)

// WithAppOptions passes opts to app.New.
func WithAppOptions(opts app.Options) Option {
	return func(e *env) { e.appOpts = opts }
}

// env is the state shared by every command of one invocation.
type env struct {
	appOpts  app.Options
	logLevel string
	verbose  bool

	cfg appconfig.Config
	app *app.App
}

// NewRootCommand creates the root cobra command.
func NewRootCommand(opts ...Option) *cobra.Command {
	root, _ := newRootCommand(opts...)
	return root
}

func newRootCommand(opts ...Option) (*cobra.Command, *env) {
	e := &env{}
	for _, o := range opts {
		o(e)
	}
	root := &cobra.Command{
		Use:           "wg-manager",
		Short:         "WireGuard tunnel manager",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return e.setup(cmd)
		},
	}
	root.PersistentFlags().StringVar(&e.logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.PersistentFlags().BoolVarP(&e.verbose, "verbose", "v", false, "shorthand for --log-level debug")

	root.AddCommand(
		newListCmd(e),
		newStateCmd(e, "up", "Bring tunnel(s) up"),
		newStateCmd(e, "down", "Bring tunnel(s) down"),
		newStateCmd(e, "toggle", "Flip tunnel(s) between up and down"),
		newStatusCmd(e),
		newShowCmd(e),
		newImportCmd(e),
		newRenameCmd(e),
		newDeleteCmd(e),
		newRestoreCmd(e),
		newSaveCmd(e),
		newBootCmd(e),
		newShutdownCmd(e),
		newDaemonCmd(e),
		newBackendCmd(e),
		newDoctorCmd(e),
		newEventsCmd(e),
		newExportLogCmd(e),
		newConfigCmd(e),
		newGroupCmd(e),
	)
	closeAfterRun(root, e)
	return root, e
}

// closeAfterRun wraps every RunE so the app is closed whether or not the
// command fails. A PersistentPostRunE would be skipped on error.
func closeAfterRun(c *cobra.Command, e *env) {
	if run := c.RunE; run != nil {
		c.RunE = func(cmd *cobra.Command, args []string) (err error) {
			defer func() {
				if cerr := e.close(); err == nil {
					err = cerr
				}
			}()
			return run(cmd, args)
		}
	}
	for _, sub := range c.Commands() {
		closeAfterRun(sub, e)
	}
}

// Execute runs the command tree and prints a user-safe error message.
func Execute(cmd *cobra.Command) error {
	err := cmd.Execute()
	if err != nil {
		err = classify(err)
		slog.Debug("command failed", "error", security.DebugMessage(err))
		fmt.Fprintln(cmd.ErrOrStderr(), "error:", security.UserMessage(err, true))
	}
	return err
}

func (e *env) setup(cmd *cobra.Command) error {
	cfg, err := appconfig.Load()
	if err != nil {
		return err
	}
	e.cfg = cfg

	level := cfg.Log.Level
	if e.logLevel != "" {
		level = e.logLevel
	}
	if e.verbose {
		level = "debug"
	}
	var lv slog.Level
	if err := lv.UnmarshalText([]byte(level)); err != nil {
		return fmt.Errorf("invalid log level %q", level)
	}
	hopts := &slog.HandlerOptions{Level: lv}
	var h slog.Handler
	if cfg.Log.Format == "json" {
		h = slog.NewJSONHandler(cmd.ErrOrStderr(), hopts)
	} else {
		h = slog.NewTextHandler(cmd.ErrOrStderr(), hopts)
	}
	slog.SetDefault(slog.New(h))
	return nil
}

// App builds the application context on first use.
func (e *env) App() (*app.App, error) {
	if e.app != nil {
		return e.app, nil
	}
	opts := e.appOpts
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	a, err := app.New(e.cfg, opts)
	if err != nil {
		return nil, err
	}
	e.app = a
	return a, nil
}

func (e *env) close() error {
	if e.app == nil {
		return nil
	}
	err := e.app.Close()
	e.app = nil
	return err
}

// classify turns helper failures into a short message for the terminal and
// keeps the full diagnostic for debug logs.
func classify(err error) error {
	var ee *backend.ExecutionError
	if !errors.As(err, &ee) {
		return err
	}
	diag := ee.Diagnostic
	if i := strings.LastIndexByte(diag, '\n'); i >= 0 {
		diag = diag[i+1:]
	}
	name := "helper"
	if len(ee.Command) > 0 {
		name = ee.Command[0]
	}
	user := fmt.Sprintf("%s exited with status %d", name, ee.ExitCode)
	if diag != "" {
		user += ": " + diag
	}
	return security.NewClassifiedError(user, err.Error()+"\n"+ee.Diagnostic)
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
