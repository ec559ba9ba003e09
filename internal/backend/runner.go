package backend

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/treykane/wg-manager/internal/security"
)

// Runner executes a helper program and returns its stdout.
//
// Failures are reported as *ExecutionError so callers can surface the exit
// code and what the helper printed. Arguments are passed as argv, never
// through a shell.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// ExecRunner runs helpers with os/exec, optionally behind an escalation
// prefix such as "pkexec" or "sudo -n".
type ExecRunner struct {
	Escalate string
	Timeout  time.Duration
}

func (r ExecRunner) argv(name string, args []string) []string {
	var argv []string
	if p := strings.Fields(r.Escalate); len(p) > 0 {
		argv = append(argv, p...)
	}
	argv = append(argv, name)
	return append(argv, args...)
}

func (r ExecRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}
	argv := r.argv(name, args)
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		code := -1
		var ee *exec.ExitError
		if errors.As(err, &ee) {
			code = ee.ExitCode()
		}
		if ctx.Err() != nil {
			err = fmt.Errorf("%w: %w", err, ctx.Err())
		}
		diag := strings.TrimSpace(stderr.String())
		if diag == "" {
			diag = strings.TrimSpace(stdout.String())
		}
		return stdout.Bytes(), &ExecutionError{
			Command:    argv,
			ExitCode:   code,
			Diagnostic: security.RedactMessage(diag),
			Err:        err,
		}
	}
	return stdout.Bytes(), nil
}

// EnsureHelpers checks that every named helper is on PATH.
func EnsureHelpers(names ...string) error {
	var missing []string
	for _, n := range names {
		if _, err := exec.LookPath(n); err != nil {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("helper not found in PATH: %s", strings.Join(missing, ", "))
	}
	return nil
}
