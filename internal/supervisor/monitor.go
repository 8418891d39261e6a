package supervisor

import (
	"context"
	"log/slog"
	"time"

	"github.com/oxblack/dnstt-fleet/internal/fleet"
	"github.com/oxblack/dnstt-fleet/internal/journal"
	"github.com/oxblack/dnstt-fleet/internal/util"
)

// Run starts the fleet and then runs the monitor loop until ctx is
// cancelled or Shutdown is called, matching spec.md §4.E.3/§4.E.5: a single
// periodic task, cancellable between passes, that never exits except on
// shutdown. A panic-recovering wrapper around each pass implements spec.md
// §4.E.6's "fatal (process-level)" row: log, sleep 5s, continue.
func (s *Supervisor) Run(ctx context.Context) {
	s.Start(ctx)

	interval := s.cfg.HealthInterval()
	if interval <= 0 {
		interval = 60 * time.Second
	}

	for {
		select {
		case <-ctx.Done():
			s.Shutdown(context.Background())
			return
		case <-s.shutdownCh:
			return
		case <-time.After(interval):
			s.runPassSafely(ctx)
		}
	}
}

func (s *Supervisor) runPassSafely(ctx context.Context) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("monitor loop panic recovered", "recover", r)
			time.Sleep(5 * time.Second)
		}
	}()
	s.monitorPass(ctx)
}

// monitorPass is one iteration of the periodic health-check loop: parents
// evaluated before children (spec.md §4.E.3) so a dead parent triggers
// child cascades rather than spurious child restarts.
func (s *Supervisor) monitorPass(ctx context.Context) {
	for _, parent := range s.snapshotParents() {
		s.checkParent(ctx, parent)
	}
	for _, child := range s.snapshotChildren() {
		s.checkChild(ctx, child)
	}
}

// snapshotParents/snapshotChildren copy the current record pointer slices
// under the lock so a pass's iteration is stable even if state changes
// mid-pass (spec.md §5, "iteration over the map for a pass takes a
// snapshot").
func (s *Supervisor) snapshotParents() []*fleet.DNSTTTunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*fleet.DNSTTTunnel, len(s.parents))
	copy(out, s.parents)
	return out
}

func (s *Supervisor) snapshotChildren() []*fleet.SSHTunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*fleet.SSHTunnel
	for _, kids := range s.children {
		out = append(out, kids...)
	}
	return out
}

func (s *Supervisor) parentOf(tunnelID int) *fleet.DNSTTTunnel {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.parents {
		if p.TunnelID == tunnelID {
			return p
		}
	}
	return nil
}

// checkParent implements spec.md §4.E.3's parents pass.
func (s *Supervisor) checkParent(ctx context.Context, parent *fleet.DNSTTTunnel) {
	s.mu.Lock()
	state := parent.State
	s.mu.Unlock()
	// A FAILED parent (a start or relaunch that never came up) goes through
	// the same restart policy, so its restart budget keeps counting down.
	if state != fleet.Running && state != fleet.Failed {
		return
	}

	alive := parent.Alive()
	portOK := s.pollOnce(ctx, parent.LocalPort)

	s.mu.Lock()
	parent.LastCheck = time.Now()
	s.mu.Unlock()

	if alive && portOK {
		return
	}

	slog.Warn("dnstt tunnel failed", "tunnel_id", parent.TunnelID, "alive", alive, "port_ok", portOK)
	s.mu.Lock()
	parent.State = fleet.Failed
	parent.RestartCount++
	attempt := parent.RestartCount
	s.mu.Unlock()
	s.jrnl.Append(journal.Event{Kind: "probe-failure", TunnelID: parent.TunnelID})

	if attempt > s.cfg.Restart.MaxRetries {
		slog.Error("dnstt tunnel exceeded max retries, pinning stopped", "tunnel_id", parent.TunnelID)
		s.stopDNSTT(ctx, parent)
		s.jrnl.Append(journal.Event{Kind: "budget-exhausted", TunnelID: parent.TunnelID})
		return
	}

	slog.Info("restarting dnstt tunnel", "tunnel_id", parent.TunnelID, "attempt", attempt)
	s.stopDNSTT(ctx, parent)
	time.Sleep(s.cfg.Backoff() * time.Duration(attempt))
	s.startParent(ctx, parent)
	if parent.State != fleet.Running {
		return
	}
	time.Sleep(util.ParentSettle)

	s.cascadeRestartChildren(ctx, parent)

	s.mu.Lock()
	parent.RestartCount = 0
	s.mu.Unlock()
	s.jrnl.Append(journal.Event{Kind: "restart-success", TunnelID: parent.TunnelID})
}

// cascadeRestartChildren places every child of parent into STOPPED, then
// restarts each with the configured inter-spawn stride, in ssh_id order
// (spec.md §4.E.3: "children are placed into STOPPED first, then started
// with the 0.5 s stride").
func (s *Supervisor) cascadeRestartChildren(ctx context.Context, parent *fleet.DNSTTTunnel) {
	kids := s.children[parent.TunnelID]
	for _, child := range kids {
		s.stopSSH(ctx, child)
	}
	for i, child := range kids {
		s.startChild(ctx, parent, child)
		if i < len(kids)-1 {
			time.Sleep(util.SSHSpawnStride)
		}
	}
}

// checkChild implements spec.md §4.E.3's children pass.
func (s *Supervisor) checkChild(ctx context.Context, child *fleet.SSHTunnel) {
	s.mu.Lock()
	state := child.State
	s.mu.Unlock()
	if state != fleet.Running {
		return
	}
	parent := s.parentOf(child.TunnelID)
	if parent == nil || parent.State != fleet.Running {
		return
	}

	alive := child.Alive()
	healthy := s.tunnelHealthyOnce(ctx, child.Socks5Port)

	s.mu.Lock()
	child.LastCheck = time.Now()
	s.mu.Unlock()

	if alive && healthy {
		return
	}

	slog.Warn("ssh tunnel failed", "tunnel_id", child.TunnelID, "ssh_id", child.SSHID, "alive", alive, "healthy", healthy)
	s.mu.Lock()
	child.State = fleet.Failed
	child.RestartCount++
	attempt := child.RestartCount
	s.mu.Unlock()
	s.jrnl.Append(journal.Event{Kind: "probe-failure", TunnelID: child.TunnelID, SSHID: child.SSHID})

	if attempt > s.cfg.Restart.MaxRetries {
		slog.Error("ssh tunnel exceeded max retries, pinning stopped", "tunnel_id", child.TunnelID, "ssh_id", child.SSHID)
		s.stopSSH(ctx, child)
		s.jrnl.Append(journal.Event{Kind: "budget-exhausted", TunnelID: child.TunnelID, SSHID: child.SSHID})
		return
	}

	slog.Info("restarting ssh tunnel", "tunnel_id", child.TunnelID, "ssh_id", child.SSHID, "attempt", attempt)
	s.stopSSH(ctx, child)
	time.Sleep(s.cfg.Backoff() * time.Duration(attempt))
	s.startChild(ctx, parent, child)
	if child.State == fleet.Running {
		s.mu.Lock()
		child.RestartCount = 0
		s.mu.Unlock()
		s.jrnl.Append(journal.Event{Kind: "restart-success", TunnelID: child.TunnelID, SSHID: child.SSHID})
	}
}

func (s *Supervisor) pollOnce(ctx context.Context, port int) bool {
	return s.prober.IsPortListening(ctx, "127.0.0.1", port, s.probeTimeout())
}

func (s *Supervisor) tunnelHealthyOnce(ctx context.Context, port int) bool {
	return s.prober.TunnelHealthy(ctx, "127.0.0.1", port, s.testURL(), s.probeTimeout())
}
