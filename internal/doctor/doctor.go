// Package doctor runs local preflight diagnostics before the supervisor
// ever spawns a tunnel: binary availability, port-plan collisions, and
// registry reachability. It mirrors the supervisor's own checks but never
// mutates any fleet state.
package doctor

import (
	"context"
	"fmt"
	"net/http"
	"os/exec"
	"sort"
	"time"

	"github.com/oxblack/dnstt-fleet/internal/config"
	"github.com/oxblack/dnstt-fleet/internal/fleet"
)

type Severity string

const (
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

type Issue struct {
	Severity       Severity `json:"severity"`
	Check          string   `json:"check"`
	Target         string   `json:"target"`
	Message        string   `json:"message"`
	Recommendation string   `json:"recommendation"`
}

type Report struct {
	Issues []Issue `json:"issues"`
}

// Run executes every preflight check against cfg and returns their
// combined findings, worst severity first.
func Run(cfg config.Config) Report {
	var issues []Issue

	issues = append(issues, binaryIssues(cfg)...)
	issues = append(issues, portPlanIssues(cfg)...)
	issues = append(issues, registryIssue(cfg))

	var out []Issue
	for _, iss := range issues {
		if iss.Check != "" {
			out = append(out, iss)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		ri, rj := severityRank(out[i].Severity), severityRank(out[j].Severity)
		if ri != rj {
			return ri > rj
		}
		return out[i].Check < out[j].Check
	})
	return Report{Issues: out}
}

// binaryIssues checks that the configured dnstt client and the ssh binary
// are both resolvable (spec.md §7: "binary not executable" is otherwise
// only discovered at spawn time, during a real restart attempt).
func binaryIssues(cfg config.Config) []Issue {
	var issues []Issue
	if _, err := exec.LookPath(cfg.DNSTT.Path); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "dnstt-binary",
			Target:         cfg.DNSTT.Path,
			Message:        err.Error(),
			Recommendation: "set dnstt.path to an executable dnstt-client binary on PATH or by absolute path",
		})
	}
	if _, err := exec.LookPath("ssh"); err != nil {
		issues = append(issues, Issue{
			Severity:       SeverityHigh,
			Check:          "ssh-binary",
			Target:         "PATH",
			Message:        err.Error(),
			Recommendation: "install an OpenSSH client and ensure `ssh` is on PATH",
		})
	}
	return issues
}

// portPlanIssues re-derives the plan's ports and flags any collision
// between a local_port and a socks5_port, matching the invariant spec.md
// §8 calls "port disjointness". config.Load already rejects the coarser
// case (socks_ports_per_tunnel < ssh_per_dnstt); this check catches the
// remaining cross-range overlap a careless dnstt_start_port could cause.
func portPlanIssues(cfg config.Config) []Issue {
	plan := fleet.Plan{
		DNSTTCount:          cfg.Tunnels.DNSTTCount,
		SSHPerDNSTT:         cfg.Tunnels.SSHPerDNSTT,
		DNSTTStartPort:      cfg.Tunnels.DNSTTStartPort,
		SocksStartPort:      cfg.Tunnels.SocksStartPort,
		SocksPortsPerTunnel: cfg.Tunnels.SocksPortsPerTunnel,
	}
	seen := map[int]string{}
	var issues []Issue
	note := func(port int, label string) {
		if prior, ok := seen[port]; ok {
			issues = append(issues, Issue{
				Severity:       SeverityHigh,
				Check:          "port-collision",
				Target:         fmt.Sprintf("%d", port),
				Message:        fmt.Sprintf("%s and %s both bind port %d", prior, label, port),
				Recommendation: "widen dnstt_start_port, socks_start_port, or socks_ports_per_tunnel so ranges never overlap",
			})
			return
		}
		seen[port] = label
	}
	for t := 0; t < plan.DNSTTCount; t++ {
		note(plan.LocalPort(t), fmt.Sprintf("dnstt tunnel %d", t))
		for s := 0; s < plan.SSHPerDNSTT; s++ {
			note(plan.Socks5Port(t, s), fmt.Sprintf("ssh tunnel (%d,%d)", t, s))
		}
	}
	return issues
}

// registryIssue performs a best-effort reachability check against the
// registry's api_url; a failure here is advisory; the supervisor itself
// treats registry failures as non-fatal at steady state (spec.md §7).
func registryIssue(cfg config.Config) Issue {
	if cfg.XUI.APIURL == "" {
		return Issue{
			Severity:       SeverityMedium,
			Check:          "registry-unconfigured",
			Target:         "xui.api_url",
			Message:        "no registry configured; SOCKS5 endpoints will never be published",
			Recommendation: "set xui.api_url, xui.username, and xui.password to enable publishing",
		}
	}
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.XUI.APIURL, nil)
	if err != nil {
		return Issue{
			Severity:       SeverityMedium,
			Check:          "registry-unreachable",
			Target:         cfg.XUI.APIURL,
			Message:        err.Error(),
			Recommendation: "check xui.api_url for a well-formed URL",
		}
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return Issue{
			Severity:       SeverityMedium,
			Check:          "registry-unreachable",
			Target:         cfg.XUI.APIURL,
			Message:        err.Error(),
			Recommendation: "verify network reachability and TLS configuration to the registry host",
		}
	}
	defer resp.Body.Close()
	return Issue{}
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
