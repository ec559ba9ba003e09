package security

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"

	"github.com/treykane/wg-manager/internal/appconfig"
)

// Severity ranks a Finding.
type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// Finding is one problem found by an audit.
type Finding struct {
	Severity       Severity `json:"severity"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

// AuditReport collects the findings of one audit.
type AuditReport struct {
	Findings []Finding `json:"findings"`
}

// HasHigh reports whether any finding is high severity.
func (r AuditReport) HasHigh() bool {
	for _, f := range r.Findings {
		if f.Severity == SeverityHigh {
			return true
		}
	}
	return false
}

// RunLocalAudit inspects the permissions of everything wg-manager writes.
// Tunnel configs carry private keys, so anything readable by other users is
// reported high.
func RunLocalAudit(cfg appconfig.Config) (AuditReport, error) {
	var findings []Finding

	if cfgDir, err := appconfig.ConfigDir(); err == nil {
		checkPathPerm(&findings, cfgDir, 0o700, false, SeverityMedium)
		checkPathPerm(&findings, filepath.Join(cfgDir, "config.yaml"), 0o600, true, SeverityMedium)
		checkPathPerm(&findings, filepath.Join(cfgDir, "events.jsonl"), 0o600, true, SeverityLow)
	}
	if p, err := cfg.PrefsFilePath(); err == nil {
		checkPathPerm(&findings, p, 0o600, true, SeverityLow)
	}

	tunnelDir, err := cfg.TunnelDirPath()
	if err != nil {
		return AuditReport{}, err
	}
	checkPathPerm(&findings, tunnelDir, 0o700, false, SeverityHigh)
	confs, _ := filepath.Glob(filepath.Join(tunnelDir, "*.conf"))
	for _, c := range confs {
		checkPathPerm(&findings, c, 0o600, true, SeverityHigh)
	}
	if runDir, err := cfg.RuntimeDirPath(); err == nil {
		checkPathPerm(&findings, runDir, 0o700, false, SeverityHigh)
		staged, _ := filepath.Glob(filepath.Join(runDir, "*.conf"))
		for _, c := range staged {
			checkPathPerm(&findings, c, 0o600, true, SeverityHigh)
		}
	}

	if cfg.RestoreOnBoot && cfg.Backend == appconfig.BackendKernel {
		findings = append(findings, Finding{
			Severity:       SeverityLow,
			Target:         "config.yaml",
			Message:        "restore_on_boot has no effect with the kernel backend",
			Recommendation: "set backend to wg-quick or auto to restore tunnels at boot",
		})
	}

	sort.Slice(findings, func(i, j int) bool {
		if findings[i].Severity != findings[j].Severity {
			return severityRank(findings[i].Severity) > severityRank(findings[j].Severity)
		}
		if findings[i].Target != findings[j].Target {
			return findings[i].Target < findings[j].Target
		}
		return findings[i].Message < findings[j].Message
	})
	return AuditReport{Findings: findings}, nil
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

func checkPathPerm(findings *[]Finding, path string, max os.FileMode, isFile bool, sev Severity) {
	st, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return
		}
		*findings = append(*findings, Finding{
			Severity:       SeverityLow,
			Target:         path,
			Message:        fmt.Sprintf("unable to inspect permissions: %v", err),
			Recommendation: "verify path and permissions manually",
		})
		return
	}
	mode := st.Mode().Perm()
	if mode&^max != 0 {
		kind := "directory"
		if isFile {
			kind = "file"
		}
		*findings = append(*findings, Finding{
			Severity:       sev,
			Target:         path,
			Message:        fmt.Sprintf("%s permissions are too broad (%#o)", kind, mode),
			Recommendation: fmt.Sprintf("restrict permissions to %#o or tighter", max),
		})
	}
}
