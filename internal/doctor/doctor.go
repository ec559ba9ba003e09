package doctor

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/treykane/wg-manager/internal/appconfig"
	"github.com/treykane/wg-manager/internal/async"
	"github.com/treykane/wg-manager/internal/backend"
	"github.com/treykane/wg-manager/internal/configstore"
	"github.com/treykane/wg-manager/internal/model"
	"github.com/treykane/wg-manager/internal/prefs"
	"github.com/treykane/wg-manager/internal/security"
)

// Severity ranks an Issue.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Issue is one finding with an optional fix.
type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

// Report is the result of Run.
type Report struct {
	Backend string  `json:"backend,omitempty"`
	Version string  `json:"version,omitempty"`
	Issues  []Issue `json:"issues"`
}

// Inputs are the already-constructed pieces doctor inspects. Nil fields skip
// their checks.
type Inputs struct {
	Backend *async.Future[backend.Backend]
	Prefs   prefs.Store
}

// Run executes local diagnostics for wg-manager operations.
func Run(ctx context.Context, cfg appconfig.Config, in Inputs) (Report, error) {
	var (
		report Report
		issues []Issue
	)

	if cfg.Backend != appconfig.BackendKernel {
		if err := backend.EnsureHelpers(cfg.Helper.WgQuick, cfg.Helper.Wg); err != nil {
			sev := SeverityMedium
			if cfg.Backend == appconfig.BackendWgQuick {
				sev = SeverityHigh
			}
			issues = append(issues, Issue{
				Severity:       sev,
				Check:          "helpers",
				Target:         "PATH",
				Message:        err.Error(),
				Recommendation: "install wireguard-tools or set backend: kernel",
			})
		}
	}

	if in.Backend != nil {
		b, err := in.Backend.Await(ctx)
		if err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "backend",
				Target:         cfg.Backend,
				Message:        security.RedactMessage(err.Error()),
				Recommendation: "run with --verbose to see why no backend could be selected",
			})
		} else {
			report.Backend = b.Kind().String()
			if v, err := b.Version(ctx); err == nil {
				report.Version = v
			}
		}
	}

	known := map[string]bool{}
	tunnelDir, err := cfg.TunnelDirPath()
	if err != nil {
		return Report{}, err
	}
	confs, _ := filepath.Glob(filepath.Join(tunnelDir, "*.conf"))
	for _, path := range confs {
		name := strings.TrimSuffix(filepath.Base(path), ".conf")
		if err := model.ValidateName(name); err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "tunnel-name",
				Target:         path,
				Message:        err.Error(),
				Recommendation: fmt.Sprintf("rename the file, e.g. to %s.conf", model.SanitizeName(name)),
			})
			continue
		}
		known[name] = true
		issues = append(issues, configIssues(name, path)...)
	}

	if in.Prefs != nil {
		saved, err := in.Prefs.Strings(prefs.KeyRunningTunnels)
		if err != nil {
			issues = append(issues, Issue{
				Severity:       SeverityMedium,
				Check:          "persisted-set",
				Target:         prefs.KeyRunningTunnels,
				Message:        err.Error(),
				Recommendation: "check the preference store permissions",
			})
		}
		for _, name := range saved {
			if !known[name] {
				issues = append(issues, Issue{
					Severity:       SeverityLow,
					Check:          "persisted-set",
					Target:         name,
					Message:        "saved running set names a tunnel that no longer exists",
					Recommendation: "run `wg-manager save` to rewrite the set",
				})
			}
		}
	}

	if audit, err := security.RunLocalAudit(cfg); err == nil {
		for _, f := range audit.Findings {
			sev := SeverityLow
			if f.Severity == security.SeverityMedium {
				sev = SeverityMedium
			}
			if f.Severity == security.SeverityHigh {
				sev = SeverityHigh
			}
			issues = append(issues, Issue{
				Severity:       sev,
				Check:          "security-audit",
				Target:         f.Target,
				Message:        f.Message,
				Recommendation: f.Recommendation,
			})
		}
	}

	sort.Slice(issues, func(i, j int) bool {
		ri := severityRank(issues[i].Severity)
		rj := severityRank(issues[j].Severity)
		if ri != rj {
			return ri > rj
		}
		if issues[i].Check != issues[j].Check {
			return issues[i].Check < issues[j].Check
		}
		if issues[i].Target != issues[j].Target {
			return issues[i].Target < issues[j].Target
		}
		return issues[i].Message < issues[j].Message
	})
	report.Issues = issues
	return report, nil
}

func configIssues(name, path string) []Issue {
	raw, err := os.ReadFile(path)
	if err != nil {
		return []Issue{{
			Severity:       SeverityHigh,
			Check:          "config-invalid",
			Target:         name,
			Message:        err.Error(),
			Recommendation: "make the config readable by the current user",
		}}
	}
	res, err := configstore.Parse(name, raw)
	if err != nil {
		return []Issue{{
			Severity:       SeverityHigh,
			Check:          "config-invalid",
			Target:         name,
			Message:        security.RedactMessage(err.Error()),
			Recommendation: "fix the config; the tunnel cannot be brought up",
		}}
	}
	var issues []Issue
	for _, w := range res.Warnings {
		issues = append(issues, Issue{
			Severity:       SeverityMedium,
			Check:          "config-warning",
			Target:         name,
			Message:        w,
			Recommendation: "remove unsupported directives",
		})
	}
	return issues
}

func severityRank(s Severity) int {
	switch s {
	case SeverityHigh:
		return 3
	case SeverityMedium:
		return 2
	default:
		return 1
	}
}
