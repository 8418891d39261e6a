// Package fleet holds the supervisor's tunnel records (spec.md §3): the
// passive DNSTT and SSH entities the supervisor allocates from a static
// plan and mutates only under its own lock.
package fleet

import (
	"time"

	"github.com/oxblack/dnstt-fleet/internal/process"
)

// State is a tunnel's lifecycle state (spec.md §3).
type State string

const (
	Starting State = "STARTING"
	Running  State = "RUNNING"
	Failed   State = "FAILED"
	Stopping State = "STOPPING"
	Stopped  State = "STOPPED"
)

// DNSTTTunnel is the lower-tier record: a DNS-tunnelled UDP transport
// exposing a loopback TCP endpoint.
type DNSTTTunnel struct {
	TunnelID     int
	LocalPort    int
	Handle       *process.Handle
	State        State
	RestartCount int
	LastCheck    time.Time
}

// Alive delegates to the owned process handle, or reports false when none
// is held (spec.md §4.D: "expose only the alive() delegation").
func (t *DNSTTTunnel) Alive() bool {
	if t.Handle == nil {
		return false
	}
	return t.Handle.Alive()
}

// SSHTunnel is the upper-tier record: an SSH dynamic-forward session
// layered on a DNSTT endpoint, exposing a loopback SOCKS5 listener.
type SSHTunnel struct {
	TunnelID     int
	SSHID        int
	Socks5Port   int
	Handle       *process.Handle
	State        State
	RestartCount int
	LastCheck    time.Time
	RegistryID   string
}

func (t *SSHTunnel) Alive() bool {
	if t.Handle == nil {
		return false
	}
	return t.Handle.Alive()
}

// Plan is the static, once-computed fleet shape derived from
// tunnels: config (spec.md §4.E.1).
type Plan struct {
	DNSTTCount          int
	SSHPerDNSTT         int
	DNSTTStartPort      int
	SocksStartPort      int
	SocksPortsPerTunnel int
}

// LocalPort returns the loopback TCP port for a DNSTT parent.
func (p Plan) LocalPort(tunnelID int) int {
	return p.DNSTTStartPort + tunnelID
}

// Socks5Port returns the loopback SOCKS5 port for an SSH child, using the
// stride formula of spec.md §3: socks_start_port + tunnel_id·stride + ssh_id.
func (p Plan) Socks5Port(tunnelID, sshID int) int {
	return p.SocksStartPort + tunnelID*p.SocksPortsPerTunnel + sshID
}

// Build materializes every DNSTT and SSH record in STOPPED state, per
// spec.md §4.E.1. The plan is static for the run: Build is called exactly
// once at supervisor start-up.
func (p Plan) Build() ([]*DNSTTTunnel, map[int][]*SSHTunnel) {
	parents := make([]*DNSTTTunnel, 0, p.DNSTTCount)
	children := make(map[int][]*SSHTunnel, p.DNSTTCount)
	for t := 0; t < p.DNSTTCount; t++ {
		parents = append(parents, &DNSTTTunnel{
			TunnelID:  t,
			LocalPort: p.LocalPort(t),
			State:     Stopped,
		})
		kids := make([]*SSHTunnel, 0, p.SSHPerDNSTT)
		for s := 0; s < p.SSHPerDNSTT; s++ {
			kids = append(kids, &SSHTunnel{
				TunnelID:   t,
				SSHID:      s,
				Socks5Port: p.Socks5Port(t, s),
				State:      Stopped,
			})
		}
		children[t] = kids
	}
	return parents, children
}
