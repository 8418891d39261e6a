package supervisor

import (
	"context"
	"log/slog"

	"github.com/oxblack/dnstt-fleet/internal/fleet"
	"github.com/oxblack/dnstt-fleet/internal/journal"
	"github.com/oxblack/dnstt-fleet/internal/util"
)

// stopDNSTT implements spec.md §4.E.4: transition to STOPPING, stop every
// child of this parent first, terminate the parent's process group, then
// STOPPED with no live handle. Idempotent.
func (s *Supervisor) stopDNSTT(ctx context.Context, parent *fleet.DNSTTTunnel) {
	s.mu.Lock()
	if parent.State == fleet.Stopped {
		s.mu.Unlock()
		return
	}
	parent.State = fleet.Stopping
	handle := parent.Handle
	s.mu.Unlock()

	for _, child := range s.children[parent.TunnelID] {
		s.stopSSH(ctx, child)
	}

	if handle != nil {
		handle.Terminate(util.TerminateGrace)
	}

	s.mu.Lock()
	parent.State = fleet.Stopped
	parent.Handle = nil
	s.mu.Unlock()
	s.jrnl.Append(journal.Event{Kind: "stop", TunnelID: parent.TunnelID})
}

// stopSSH implements spec.md §4.E.4: withdraw the registry entry (if
// present) and reload, then terminate the process group, then clear the
// handle. Idempotent.
func (s *Supervisor) stopSSH(ctx context.Context, child *fleet.SSHTunnel) {
	s.mu.Lock()
	if child.State == fleet.Stopped {
		s.mu.Unlock()
		return
	}
	child.State = fleet.Stopping
	handle := child.Handle
	regID := child.RegistryID
	s.mu.Unlock()

	if regID != "" {
		if s.registry.Remove(ctx, regID) {
			s.registry.Reload(ctx)
			s.jrnl.Append(journal.Event{Kind: "registry-remove", TunnelID: child.TunnelID, SSHID: child.SSHID})
		} else {
			slog.Warn("registry remove failed", "tunnel_id", child.TunnelID, "ssh_id", child.SSHID)
		}
	}

	if handle != nil {
		handle.Terminate(util.TerminateGrace)
	}

	s.mu.Lock()
	child.State = fleet.Stopped
	child.Handle = nil
	child.RegistryID = ""
	s.mu.Unlock()
	s.jrnl.Append(journal.Event{Kind: "stop", TunnelID: child.TunnelID, SSHID: child.SSHID})
}

// Shutdown stops every parent (each stopping its children first) in id
// order. Idempotent and safe to call from a signal handler (spec.md
// §4.E.5).
func (s *Supervisor) Shutdown(ctx context.Context) {
	s.shutdownOnce.Do(func() { close(s.shutdownCh) })

	for _, parent := range s.snapshotParents() {
		s.stopDNSTT(ctx, parent)
	}
	s.jrnl.Append(journal.Event{Kind: "shutdown"})
}
