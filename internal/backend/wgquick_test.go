package backend

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/treykane/wg-manager/internal/model"
)

// fakeRunner emulates wg and wg-quick against an in-memory set of
// interfaces. Every invocation is recorded.
type fakeRunner struct {
	mu      sync.Mutex
	up      map[string]bool
	calls   []string
	failOn  string
	listErr error
}

func newFakeRunner() *fakeRunner {
	return &fakeRunner{up: map[string]bool{}}
}

func (f *fakeRunner) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	line := strings.Join(append([]string{name}, args...), " ")
	f.calls = append(f.calls, line)
	if f.failOn != "" && strings.Contains(line, f.failOn) {
		return nil, &ExecutionError{Command: append([]string{name}, args...), ExitCode: 1, Diagnostic: "RTNETLINK answers: Operation not permitted"}
	}
	switch {
	case name == "wg" && len(args) == 2 && args[0] == "show" && args[1] == "interfaces":
		if f.listErr != nil {
			return nil, f.listErr
		}
		var names []string
		for n, up := range f.up {
			if up {
				names = append(names, n)
			}
		}
		return []byte(strings.Join(names, " ") + "\n"), nil
	case name == "wg" && len(args) == 3 && args[2] == "dump":
		return []byte("priv\tpub\t51820\toff\n" +
			"peerA\t(none)\t1.2.3.4:51820\t10.0.0.0/24\t1700000000\t1024\t2048\t25\n" +
			"peerB\t(none)\t(none)\t10.0.1.0/24\t0\t0\t0\toff\n"), nil
	case name == "wg" && len(args) == 1 && args[0] == "--version":
		return []byte("wireguard-tools v1.0.20210914 - https://git.zx2c4.com/wireguard-tools/\n"), nil
	case name == "wg-quick" && len(args) == 2:
		iface := strings.TrimSuffix(filepath.Base(args[1]), ".conf")
		f.up[iface] = args[0] == "up"
		return nil, nil
	}
	return nil, errors.New("unexpected command: " + line)
}

func (f *fakeRunner) callsMatching(sub string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, c := range f.calls {
		if strings.Contains(c, sub) {
			n++
		}
	}
	return n
}

func newTestWgQuick(t *testing.T, r Runner) *WgQuick {
	t.Helper()
	return NewWgQuick(WgQuickOptions{Runner: r, RuntimeDir: t.TempDir()})
}

var testConfig = &model.Config{Name: "home", Raw: []byte("[Interface]\nPrivateKey = k\n")}

func TestWgQuick_UpAndDown(t *testing.T) {
	ctx := context.Background()
	r := newFakeRunner()
	b := newTestWgQuick(t, r)

	st, err := b.Apply(ctx, "home", testConfig, model.StateUp)
	if err != nil || st != model.StateUp {
		t.Fatalf("up = %s, %v", st, err)
	}
	staged := b.stagedPath("home")
	info, err := os.Stat(staged)
	if err != nil {
		t.Fatalf("config not staged: %v", err)
	}
	if info.Mode().Perm() != 0o600 {
		t.Fatalf("staged config mode = %#o", info.Mode().Perm())
	}
	if b.CurrentState(ctx, "home") != model.StateUp {
		t.Fatal("CurrentState does not report up")
	}

	// already up: no second wg-quick invocation
	if _, err := b.Apply(ctx, "home", testConfig, model.StateUp); err != nil {
		t.Fatal(err)
	}
	if n := r.callsMatching("wg-quick up"); n != 1 {
		t.Fatalf("wg-quick up ran %d times", n)
	}

	// down without a config reuses the staged file
	st, err = b.Apply(ctx, "home", nil, model.StateDown)
	if err != nil || st != model.StateDown {
		t.Fatalf("down = %s, %v", st, err)
	}
	if _, err := os.Stat(staged); !os.IsNotExist(err) {
		t.Fatalf("staged config left behind: %v", err)
	}
}

func TestWgQuick_FailureIsExecutionError(t *testing.T) {
	r := newFakeRunner()
	r.failOn = "wg-quick up"
	b := newTestWgQuick(t, r)

	st, err := b.Apply(context.Background(), "home", testConfig, model.StateUp)
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v, want *ExecutionError", err)
	}
	if ee.ExitCode != 1 || !strings.Contains(ee.Diagnostic, "RTNETLINK") {
		t.Fatalf("execution error = %+v", ee)
	}
	if st != model.StateDown {
		t.Fatalf("state after failed up = %s", st)
	}
}

func TestWgQuick_CurrentStateOfUnknownTunnel(t *testing.T) {
	r := newFakeRunner()
	r.listErr = errors.New("wg missing")
	b := newTestWgQuick(t, r)
	if st := b.CurrentState(context.Background(), "never-seen"); st != model.StateDown {
		t.Fatalf("state = %s", st)
	}
}

func TestWgQuick_RejectsToggleState(t *testing.T) {
	b := newTestWgQuick(t, newFakeRunner())
	if _, err := b.Apply(context.Background(), "home", testConfig, model.StateToggling); err == nil {
		t.Fatal("expected error applying a transitional state")
	}
}

func TestWgQuick_StatisticsAndVersion(t *testing.T) {
	b := newTestWgQuick(t, newFakeRunner())
	stats, err := b.Statistics(context.Background(), "home")
	if err != nil {
		t.Fatal(err)
	}
	if len(stats.Peers) != 2 {
		t.Fatalf("peers = %d", len(stats.Peers))
	}
	if stats.TotalRx() != 1024 || stats.TotalTx() != 2048 {
		t.Fatalf("totals = %d/%d", stats.TotalRx(), stats.TotalTx())
	}
	if !stats.Peers[1].LatestHandshake.IsZero() {
		t.Fatal("zero handshake should stay unset")
	}

	v, err := b.Version(context.Background())
	if err != nil || !strings.HasPrefix(v, "wireguard-tools") {
		t.Fatalf("version = %q, %v", v, err)
	}
	if !b.SupportsStatePersistence() || b.Kind() != KindWgQuick {
		t.Fatal("wg-quick backend must persist state")
	}
}

func TestParseDump_Malformed(t *testing.T) {
	if _, err := parseDump([]byte("iface\nshort\tline\n")); err == nil {
		t.Fatal("expected error for short peer line")
	}
}

func TestExecRunner_CapturesExitCodeAndStderr(t *testing.T) {
	r := ExecRunner{}
	_, err := r.Run(context.Background(), "sh", "-c", "echo 'Line unrecognized: PrivateKey = secret' >&2; exit 3")
	var ee *ExecutionError
	if !errors.As(err, &ee) {
		t.Fatalf("err = %v", err)
	}
	if ee.ExitCode != 3 {
		t.Fatalf("exit code = %d", ee.ExitCode)
	}
	if strings.Contains(ee.Diagnostic, "secret") {
		t.Fatalf("diagnostic leaks key: %q", ee.Diagnostic)
	}

	out, err := r.Run(context.Background(), "sh", "-c", "echo ok")
	if err != nil || strings.TrimSpace(string(out)) != "ok" {
		t.Fatalf("run = %q, %v", out, err)
	}
}

func TestExecRunner_EscalationPrefix(t *testing.T) {
	r := ExecRunner{Escalate: "sudo -n"}
	argv := r.argv("wg", []string{"show"})
	if strings.Join(argv, " ") != "sudo -n wg show" {
		t.Fatalf("argv = %v", argv)
	}
}
