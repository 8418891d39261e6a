// Package util provides small dependency-free helpers and tuning constants
// shared across the fleet supervisor. It deliberately imports no other
// internal/* package so it can be used from config, fleet, and supervisor
// alike without creating import cycles.
package util

import "time"

const (
	// DefaultProbeTimeout is the fallback per-probe timeout used when
	// health_check.timeout is absent or non-positive in configuration.
	DefaultProbeTimeout = 5 * time.Second

	// TerminateGrace is the fixed grace period between SIGTERM and SIGKILL
	// when tearing down a child's process group.
	TerminateGrace = 5 * time.Second

	// SettleDelay is the fixed wait after spawning a child before the
	// readiness poll begins.
	SettleDelay = 2 * time.Second

	// PollInterval and PollAttempts bound the post-settle readiness poll:
	// up to PollAttempts additional checks, PollInterval apart.
	PollInterval = 1 * time.Second
	PollAttempts = 5

	// ParentSettle is the minimum time a DNSTT parent must stay RUNNING
	// before its children begin spawning.
	ParentSettle = 1 * time.Second

	// SSHSpawnStride is the delay between successive SSH child spawns
	// under one parent, both at start-up and on parent-restart cascade.
	SSHSpawnStride = 500 * time.Millisecond
)
