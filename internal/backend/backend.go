// Package backend implements the two ways a tunnel can be brought up: by
// shelling out to the privileged wg-quick/wg helpers, or in-process by
// programming the kernel WireGuard device over netlink.
//
// Exactly one Backend is selected per process (see Select) and it is never
// swapped afterwards. Apply may be called concurrently for different
// tunnels; serializing calls for the same tunnel is the caller's job.
package backend

import (
	"context"
	"fmt"
	"strings"

	"github.com/treykane/wg-manager/internal/model"
)

// Kind tags which variant a Backend is.
type Kind int

const (
	KindWgQuick Kind = iota
	KindKernel
)

func (k Kind) String() string {
	switch k {
	case KindWgQuick:
		return "wg-quick"
	case KindKernel:
		return "kernel"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

// Backend applies tunnel state changes to the system.
type Backend interface {
	Kind() Kind
	// Apply moves the named tunnel to desired (StateUp or StateDown) and
	// returns the state the tunnel ended in. cfg may be nil when bringing a
	// tunnel down.
	Apply(ctx context.Context, name string, cfg *model.Config, desired model.State) (model.State, error)
	// CurrentState never fails; anything it cannot see is down.
	CurrentState(ctx context.Context, name string) model.State
	RunningNames(ctx context.Context) ([]string, error)
	Statistics(ctx context.Context, name string) (model.Statistics, error)
	// SupportsStatePersistence is true for backends whose tunnels outlive
	// this process, which is what makes saving and restoring them useful.
	SupportsStatePersistence() bool
	Version(ctx context.Context) (string, error)
}

// ExecutionError is a helper process that ran and failed.
type ExecutionError struct {
	Command    []string
	ExitCode   int
	Diagnostic string
	Err        error
}

func (e *ExecutionError) Error() string {
	cmd := ""
	if len(e.Command) > 0 {
		cmd = strings.Join(e.Command, " ")
	}
	if e.ExitCode >= 0 {
		return fmt.Sprintf("%s: exit status %d", cmd, e.ExitCode)
	}
	return fmt.Sprintf("%s: %v", cmd, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// IOError is a failed system call made by the in-process backend.
type IOError struct {
	Op     string
	Tunnel string
	Err    error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Op, e.Tunnel, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

func checkDesired(desired model.State) error {
	if desired != model.StateUp && desired != model.StateDown {
		return fmt.Errorf("backend cannot apply state %s", desired)
	}
	return nil
}
