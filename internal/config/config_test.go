package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoad_AppliesDefaults(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		"dnstt:",
		"  remote_ip: 203.0.113.10",
		"  domain: tunnel.example.com",
		"tunnels:",
		"  dnstt_count: 2",
		"  ssh_per_dnstt: 3",
		"  socks_ports_per_tunnel: 100",
		"",
	}, "\n"))
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if cfg.DNSTT.Port != 53 {
		t.Fatalf("expected default dnstt port 53, got %d", cfg.DNSTT.Port)
	}
	if cfg.SSH.User != "tunnel" {
		t.Fatalf("expected default ssh user tunnel, got %s", cfg.SSH.User)
	}
	if cfg.HealthCheck.IntervalSeconds != 60 {
		t.Fatalf("expected default interval 60, got %d", cfg.HealthCheck.IntervalSeconds)
	}
	if cfg.Restart.MaxRetries != 3 {
		t.Fatalf("expected default max_retries 3, got %d", cfg.Restart.MaxRetries)
	}
	if len(cfg.XUI.AddPaths) == 0 {
		t.Fatal("expected default xui add_paths to be populated")
	}
}

func TestLoad_MissingRequiredKeysFails(t *testing.T) {
	path := writeConfig(t, "tunnels:\n  dnstt_count: 1\n  ssh_per_dnstt: 1\n  socks_ports_per_tunnel: 1\n")
	if _, err := Load(path); err == nil {
		t.Fatal("expected error for missing dnstt.remote_ip and dnstt.domain")
	}
}

func TestLoad_RejectsPortCollisionPlan(t *testing.T) {
	path := writeConfig(t, strings.Join([]string{
		"dnstt:",
		"  remote_ip: 203.0.113.10",
		"  domain: tunnel.example.com",
		"tunnels:",
		"  dnstt_count: 2",
		"  ssh_per_dnstt: 5",
		"  socks_ports_per_tunnel: 3",
		"",
	}, "\n"))
	if _, err := Load(path); err == nil {
		t.Fatal("expected error when socks_ports_per_tunnel < ssh_per_dnstt")
	}
}

func TestLoad_ExpandsHomePath(t *testing.T) {
	home := t.TempDir()
	t.Setenv("HOME", home)
	path := writeConfig(t, strings.Join([]string{
		"dnstt:",
		"  remote_ip: 203.0.113.10",
		"  domain: tunnel.example.com",
		"  path: ~/bin/dnstt-client",
		"tunnels:",
		"  dnstt_count: 1",
		"  ssh_per_dnstt: 1",
		"  socks_ports_per_tunnel: 1",
		"",
	}, "\n"))
	cfg, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(cfg.DNSTT.Path, home) {
		t.Fatalf("expected expanded path under %s, got %s", home, cfg.DNSTT.Path)
	}
}
