package doctor

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/treykane/wg-manager/internal/appconfig"
	"github.com/treykane/wg-manager/internal/async"
	"github.com/treykane/wg-manager/internal/backend"
	"github.com/treykane/wg-manager/internal/prefs"
)

func setup(t *testing.T) (appconfig.Config, string) {
	t.Helper()
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	cfg := appconfig.Default()
	cfg.Backend = appconfig.BackendKernel
	dir, err := cfg.TunnelDirPath()
	if err != nil {
		t.Fatal(err)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		t.Fatal(err)
	}
	return cfg, dir
}

func writeConf(t *testing.T, dir, name, body string, mode os.FileMode) {
	t.Helper()
	path := filepath.Join(dir, name+".conf")
	if err := os.WriteFile(path, []byte(body), mode); err != nil {
		t.Fatal(err)
	}
	if err := os.Chmod(path, mode); err != nil {
		t.Fatal(err)
	}
}

func checks(r Report) map[string][]Issue {
	out := map[string][]Issue{}
	for _, i := range r.Issues {
		out[i.Check] = append(out[i.Check], i)
	}
	return out
}

func TestRunFindsConfigProblems(t *testing.T) {
	cfg, dir := setup(t)
	writeConf(t, dir, "home", "[Interface]\nPrivateKey = k\nAddress = 10.0.0.2/32\n", 0o600)
	writeConf(t, dir, "broken", "[Interface]\nAddress = 10.0.0.3/32\n", 0o600)
	writeConf(t, dir, "bad name!", "[Interface]\nPrivateKey = k\n", 0o600)
	writeConf(t, dir, "leaky", "[Interface]\nPrivateKey = k\n", 0o644)

	store := prefs.NewFileStore(filepath.Join(t.TempDir(), "prefs.yaml"))
	if err := store.SetStrings(prefs.KeyRunningTunnels, []string{"home", "ghost"}); err != nil {
		t.Fatal(err)
	}

	report, err := Run(context.Background(), cfg, Inputs{Prefs: store})
	if err != nil {
		t.Fatal(err)
	}
	got := checks(report)

	if len(got["config-invalid"]) != 1 || got["config-invalid"][0].Target != "broken" {
		t.Fatalf("config-invalid = %+v", got["config-invalid"])
	}
	if len(got["tunnel-name"]) != 1 {
		t.Fatalf("tunnel-name = %+v", got["tunnel-name"])
	}
	if len(got["persisted-set"]) != 1 || got["persisted-set"][0].Target != "ghost" {
		t.Fatalf("persisted-set = %+v", got["persisted-set"])
	}
	foundLeak := false
	for _, i := range got["security-audit"] {
		if i.Target == filepath.Join(dir, "leaky.conf") && i.Severity == SeverityHigh {
			foundLeak = true
		}
	}
	if !foundLeak {
		t.Fatalf("world-readable config not reported: %+v", got["security-audit"])
	}
	if report.Issues[0].Severity != SeverityHigh {
		t.Fatalf("issues not sorted by severity: %+v", report.Issues)
	}
}

func TestRunReportsBackendFailure(t *testing.T) {
	cfg, _ := setup(t)
	report, err := Run(context.Background(), cfg, Inputs{
		Backend: async.Failed[backend.Backend](errors.New("no wireguard support")),
	})
	if err != nil {
		t.Fatal(err)
	}
	if issues := checks(report)["backend"]; len(issues) != 1 || issues[0].Severity != SeverityHigh {
		t.Fatalf("backend issues = %+v", issues)
	}
}

func TestRunJSONShapeDeterministic(t *testing.T) {
	cfg, _ := setup(t)
	report, err := Run(context.Background(), cfg, Inputs{})
	if err != nil {
		t.Fatal(err)
	}
	b, err := json.Marshal(report)
	if err != nil {
		t.Fatal(err)
	}

	var decoded map[string]any
	if err := json.Unmarshal(b, &decoded); err != nil {
		t.Fatal(err)
	}
	if _, ok := decoded["issues"]; !ok {
		t.Fatalf("expected issues key in json output: %s", string(b))
	}
}
