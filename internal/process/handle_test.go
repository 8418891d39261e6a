// These tests spawn real subprocesses ("sleep", "sh") rather than mocking
// os/exec, so that process-group termination and signal-0 liveness checks
// are exercised against an actual kernel process, not a double.
package process

import (
	"testing"
	"time"
)

func TestSpawn_AliveThenTerminate(t *testing.T) {
	h, err := Spawn([]string{"sleep", "30"})
	if err != nil {
		t.Fatal(err)
	}
	if !h.Alive() {
		t.Fatal("expected freshly spawned process to be alive")
	}

	h.Terminate(2 * time.Second)
	deadline := time.Now().Add(2 * time.Second)
	for h.Alive() && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if h.Alive() {
		t.Fatal("expected process to be dead after Terminate")
	}
}

func TestTerminate_Idempotent(t *testing.T) {
	h, err := Spawn([]string{"sleep", "30"})
	if err != nil {
		t.Fatal(err)
	}
	h.Terminate(time.Second)
	h.Terminate(time.Second) // must not panic or block a second time
}

func TestSpawn_ExitsWithoutTerminate(t *testing.T) {
	h, err := Spawn([]string{"sh", "-c", "exit 1"})
	if err != nil {
		t.Fatal(err)
	}
	_ = h.Wait()
	deadline := time.Now().Add(time.Second)
	for h.Alive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.Alive() {
		t.Fatal("expected exited process to report not alive")
	}
}

func TestStderrSnapshot_CapturesOutput(t *testing.T) {
	h, err := Spawn([]string{"sh", "-c", "echo boom 1>&2; sleep 5"})
	if err != nil {
		t.Fatal(err)
	}
	defer h.Terminate(time.Second)

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if len(h.StderrSnapshot()) > 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
	snap := h.StderrSnapshot()
	if snap == "" {
		t.Fatal("expected non-empty stderr snapshot")
	}
}

func TestSpawn_AutoReapsWithoutCallerWait(t *testing.T) {
	h, err := Spawn([]string{"sh", "-c", "exit 0"})
	if err != nil {
		t.Fatal(err)
	}
	// Deliberately never call h.Wait(): Spawn's own reaper goroutine must
	// still observe the exit and keep Alive() accurate, or the process
	// would remain a zombie that signal-0 reports as alive forever.
	deadline := time.Now().Add(time.Second)
	for h.Alive() && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if h.Alive() {
		t.Fatal("expected process to be reaped and reported dead without an explicit Wait call")
	}
}

func TestSpawn_EmptyArgvFails(t *testing.T) {
	if _, err := Spawn(nil); err == nil {
		t.Fatal("expected error for empty argv")
	}
}
