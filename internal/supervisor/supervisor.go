// Package supervisor is the heart of the fleet (spec.md §4.E): plan
// construction, start-up orchestration, the periodic monitor loop, restart
// policy, parent/child cascading, and orderly shutdown.
package supervisor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oxblack/dnstt-fleet/internal/config"
	"github.com/oxblack/dnstt-fleet/internal/fleet"
	"github.com/oxblack/dnstt-fleet/internal/journal"
	"github.com/oxblack/dnstt-fleet/internal/probe"
	"github.com/oxblack/dnstt-fleet/internal/process"
	"github.com/oxblack/dnstt-fleet/internal/registry"
	"github.com/oxblack/dnstt-fleet/internal/util"
)

// Registry is the narrow interface the supervisor needs from the outbound
// registry client (spec.md §4.C), letting tests substitute a fake.
type Registry interface {
	AddSOCKS5(ctx context.Context, host string, port int, remark string) (string, bool)
	Remove(ctx context.Context, registryID string) bool
	Reload(ctx context.Context) bool
}

// Spawner abstracts process.Spawn so tests can substitute a fake without
// launching real dnstt/ssh binaries.
type Spawner interface {
	Spawn(argv []string) (*process.Handle, error)
}

type realSpawner struct{}

func (realSpawner) Spawn(argv []string) (*process.Handle, error) { return process.Spawn(argv) }

// Prober abstracts internal/probe's package-level functions (spec.md §4.A)
// so tests can substitute deterministic fakes instead of dialing real
// loopback ports and SOCKS5 proxies for every restart scenario.
type Prober interface {
	IsPortListening(ctx context.Context, host string, port int, timeout time.Duration) bool
	TunnelHealthy(ctx context.Context, host string, port int, testURL string, timeout time.Duration) bool
}

type realProber struct{}

func (realProber) IsPortListening(ctx context.Context, host string, port int, timeout time.Duration) bool {
	return probe.IsPortListening(ctx, host, port, timeout)
}

func (realProber) TunnelHealthy(ctx context.Context, host string, port int, testURL string, timeout time.Duration) bool {
	return probe.TunnelHealthy(ctx, host, port, testURL, timeout)
}

// Supervisor owns the fleet's records and orchestrates their lifecycle.
// It is a two-writer structure (spec.md §5): the entry goroutine (start-up,
// shutdown) and the monitor goroutine (restarts) both mutate records, always
// under mu, and never while a probe, spawn, registry call, or sleep is in
// flight.
type Supervisor struct {
	cfg  config.Config
	plan fleet.Plan

	spawner  Spawner
	registry Registry
	prober   Prober

	mu       sync.Mutex
	parents  []*fleet.DNSTTTunnel
	children map[int][]*fleet.SSHTunnel

	jrnl *journal.Journal

	shutdownOnce sync.Once
	shutdownCh   chan struct{}

	reloadFailures int
}

// New constructs a Supervisor with its static plan materialized in STOPPED
// state (spec.md §4.E.1). The plan is never recomputed after this call.
func New(cfg config.Config, reg Registry, jrnl *journal.Journal) *Supervisor {
	plan := fleet.Plan{
		DNSTTCount:          cfg.Tunnels.DNSTTCount,
		SSHPerDNSTT:         cfg.Tunnels.SSHPerDNSTT,
		DNSTTStartPort:      cfg.Tunnels.DNSTTStartPort,
		SocksStartPort:      cfg.Tunnels.SocksStartPort,
		SocksPortsPerTunnel: cfg.Tunnels.SocksPortsPerTunnel,
	}
	parents, children := plan.Build()
	return &Supervisor{
		cfg:        cfg,
		plan:       plan,
		spawner:    realSpawner{},
		registry:   reg,
		prober:     realProber{},
		parents:    parents,
		children:   children,
		jrnl:       jrnl,
		shutdownCh: make(chan struct{}),
	}
}

// SetSpawner overrides how child processes are launched. Production code
// never needs this (New already wires the real OS spawner); it exists so
// tests can substitute a fake that avoids launching real dnstt/ssh
// binaries.
func (s *Supervisor) SetSpawner(sp Spawner) { s.spawner = sp }

// SetProber overrides the health-probe implementation, for the same
// reason SetSpawner exists: deterministic, fast tests for restart
// scenarios without real network round-trips.
func (s *Supervisor) SetProber(p Prober) { s.prober = p }

// Parent returns the DNSTT record for tunnelID, or nil if out of range.
func (s *Supervisor) Parent(tunnelID int) *fleet.DNSTTTunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.parents {
		if p.TunnelID == tunnelID {
			return p
		}
	}
	return nil
}

// Child returns the SSH record for (tunnelID, sshID), or nil if out of range.
func (s *Supervisor) Child(tunnelID, sshID int) *fleet.SSHTunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.children[tunnelID] {
		if c.SSHID == sshID {
			return c
		}
	}
	return nil
}

// ReloadFailures reports how many registry reload calls have failed after
// a successful add, for diagnostics (SPEC_FULL.md §9 open question 2).
func (s *Supervisor) ReloadFailures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reloadFailures
}

// probeTimeout returns the configured probe timeout, or the ambient default
// when the configuration omitted or zeroed it.
func (s *Supervisor) probeTimeout() time.Duration {
	if s.cfg.HealthCheck.TimeoutSeconds <= 0 {
		return util.DefaultProbeTimeout
	}
	return s.cfg.ProbeTimeout()
}

func (s *Supervisor) testURL() string {
	// The health-check test URL is not itself part of spec.md §6's
	// configuration keys; a fixed, well-known endpoint matches the
	// original's default ("http://www.google.com").
	return "http://www.google.com"
}

func (s *Supervisor) dnsttArgv(localPort int) []string {
	return []string{
		s.cfg.DNSTT.Path,
		"-udp", fmt.Sprintf("%s:%d", s.cfg.DNSTT.RemoteIP, s.cfg.DNSTT.Port),
		"-pubkey", s.cfg.DNSTT.Pubkey,
		s.cfg.DNSTT.Domain,
		fmt.Sprintf("127.0.0.1:%d", localPort),
	}
}

func (s *Supervisor) sshArgv(localPort, socks5Port int) []string {
	return []string{
		"ssh",
		"-i", s.cfg.SSH.KeyPath,
		"-N",
		fmt.Sprintf("%s@%s", s.cfg.SSH.User, s.cfg.SSH.Server),
		"-p", fmt.Sprintf("%d", localPort),
		"-D", fmt.Sprintf("%d", socks5Port),
		"-o", "ServerAliveInterval=60",
		"-o", "StrictHostKeyChecking=no",
		"-o", "BatchMode=yes",
		"-o", "UserKnownHostsFile=/dev/null",
	}
}

// Start brings up every parent, then that parent's children, in id order
// (spec.md §4.E.2). Failure of one record never aborts the remaining plan.
func (s *Supervisor) Start(ctx context.Context) {
	for _, parent := range s.parents {
		s.startParent(ctx, parent)
		if parent.State == fleet.Running {
			time.Sleep(util.ParentSettle)
			s.startChildren(ctx, parent)
		}
	}
}

// startParent performs the settle-then-poll sequence of spec.md §4.E.2
// steps 1-4: spawn, 2s settle, up to 5x1s port poll, then RUNNING.
func (s *Supervisor) startParent(ctx context.Context, parent *fleet.DNSTTTunnel) {
	s.mu.Lock()
	parent.State = fleet.Starting
	s.mu.Unlock()

	handle, err := s.spawner.Spawn(s.dnsttArgv(parent.LocalPort))
	if err != nil {
		slog.Error("dnstt spawn failed", "tunnel_id", parent.TunnelID, "err", err)
		s.mu.Lock()
		parent.State = fleet.Failed
		s.mu.Unlock()
		s.jrnl.Append(journal.Event{Kind: "start-failure", TunnelID: parent.TunnelID, Message: err.Error()})
		return
	}

	time.Sleep(util.SettleDelay)

	if !handle.Alive() {
		snap := handle.StderrSnapshot()
		slog.Error("dnstt tunnel exited during settle", "tunnel_id", parent.TunnelID, "stderr", snap)
		s.mu.Lock()
		parent.State = fleet.Failed
		s.mu.Unlock()
		s.jrnl.Append(journal.Event{Kind: "settle-failure", TunnelID: parent.TunnelID, Message: snap})
		return
	}

	if !s.pollPort(ctx, parent.LocalPort) {
		slog.Error("dnstt tunnel port never opened", "tunnel_id", parent.TunnelID, "port", parent.LocalPort)
		handle.Terminate(util.TerminateGrace)
		s.mu.Lock()
		parent.State = fleet.Failed
		s.mu.Unlock()
		s.jrnl.Append(journal.Event{Kind: "port-failure", TunnelID: parent.TunnelID})
		return
	}

	s.mu.Lock()
	parent.Handle = handle
	parent.State = fleet.Running
	parent.LastCheck = time.Now()
	s.mu.Unlock()
	slog.Info("dnstt tunnel running", "tunnel_id", parent.TunnelID, "pid", handle.PID())
	s.jrnl.Append(journal.Event{Kind: "start", TunnelID: parent.TunnelID})
}

// pollPort performs the settle poll shared by parent and child start-up:
// up to util.PollAttempts additional checks, util.PollInterval apart.
func (s *Supervisor) pollPort(ctx context.Context, port int) bool {
	if s.prober.IsPortListening(ctx, "127.0.0.1", port, s.probeTimeout()) {
		return true
	}
	for i := 0; i < util.PollAttempts; i++ {
		time.Sleep(util.PollInterval)
		if s.prober.IsPortListening(ctx, "127.0.0.1", port, s.probeTimeout()) {
			return true
		}
	}
	return false
}

// startChildren spawns every SSH child of parent in ssh_id order with a
// fixed inter-spawn stride (spec.md §4.E.2 step 5).
func (s *Supervisor) startChildren(ctx context.Context, parent *fleet.DNSTTTunnel) {
	kids := s.children[parent.TunnelID]
	for i, child := range kids {
		s.startChild(ctx, parent, child)
		if i < len(kids)-1 {
			time.Sleep(util.SSHSpawnStride)
		}
	}
}

// startChild performs the SSH start-up path of spec.md §4.E.2: settle,
// port poll, then registry publish before the child is considered RUNNING.
func (s *Supervisor) startChild(ctx context.Context, parent *fleet.DNSTTTunnel, child *fleet.SSHTunnel) {
	s.mu.Lock()
	child.State = fleet.Starting
	s.mu.Unlock()

	handle, err := s.spawner.Spawn(s.sshArgv(parent.LocalPort, child.Socks5Port))
	if err != nil {
		slog.Error("ssh spawn failed", "tunnel_id", child.TunnelID, "ssh_id", child.SSHID, "err", err)
		s.mu.Lock()
		child.State = fleet.Failed
		s.mu.Unlock()
		return
	}

	time.Sleep(util.SettleDelay)

	if !handle.Alive() {
		snap := handle.StderrSnapshot()
		slog.Error("ssh tunnel exited during settle", "tunnel_id", child.TunnelID, "ssh_id", child.SSHID, "stderr", snap)
		s.mu.Lock()
		child.State = fleet.Failed
		s.mu.Unlock()
		return
	}

	if !s.pollPort(ctx, child.Socks5Port) {
		slog.Error("ssh tunnel socks5 port never opened", "tunnel_id", child.TunnelID, "ssh_id", child.SSHID)
		handle.Terminate(util.TerminateGrace)
		s.mu.Lock()
		child.State = fleet.Failed
		s.mu.Unlock()
		return
	}

	regID, _ := s.registry.AddSOCKS5(ctx, "127.0.0.1", child.Socks5Port, registry.RemarkFor(child.TunnelID, child.SSHID))
	if regID != "" {
		if !s.registry.Reload(ctx) {
			s.mu.Lock()
			s.reloadFailures++
			s.mu.Unlock()
			slog.Warn("registry reload failed after add", "tunnel_id", child.TunnelID, "ssh_id", child.SSHID)
			s.jrnl.Append(journal.Event{Kind: "registry-reload-failed", TunnelID: child.TunnelID, SSHID: child.SSHID})
		}
	}

	s.mu.Lock()
	child.Handle = handle
	child.State = fleet.Running
	child.RegistryID = regID
	child.LastCheck = time.Now()
	s.mu.Unlock()
	slog.Info("ssh tunnel running", "tunnel_id", child.TunnelID, "ssh_id", child.SSHID, "pid", handle.PID(), "registry_id", regID)
	s.jrnl.Append(journal.Event{Kind: "start", TunnelID: child.TunnelID, SSHID: child.SSHID})
}
