// Package config loads the supervisor's YAML configuration document: the
// dnstt/ssh/tunnels/health_check/restart/xui/logging keys of spec.md §6.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oxblack/dnstt-fleet/internal/apperr"
	"github.com/oxblack/dnstt-fleet/internal/fleet"
	"github.com/oxblack/dnstt-fleet/internal/util"
)

// DNSTTConfig describes the DNSTT binary and its upstream.
type DNSTTConfig struct {
	Path     string `yaml:"path"`
	RemoteIP string `yaml:"remote_ip"`
	Port     int    `yaml:"port"`
	Domain   string `yaml:"domain"`
	Pubkey   string `yaml:"pubkey"`
}

// SSHConfig describes the ssh binary invocation.
type SSHConfig struct {
	User    string `yaml:"user"`
	KeyPath string `yaml:"key_path"`
	Server  string `yaml:"server"`
}

// TunnelsConfig describes the fleet's shape and port plan.
type TunnelsConfig struct {
	DNSTTCount          int `yaml:"dnstt_count"`
	SSHPerDNSTT         int `yaml:"ssh_per_dnstt"`
	DNSTTStartPort      int `yaml:"dnstt_start_port"`
	SocksStartPort      int `yaml:"socks_start_port"`
	SocksPortsPerTunnel int `yaml:"socks_ports_per_tunnel"`
}

// HealthCheckConfig tunes the monitor loop's probing.
type HealthCheckConfig struct {
	IntervalSeconds int `yaml:"interval"`
	TimeoutSeconds  int `yaml:"timeout"`
	RetryCount      int `yaml:"retry_count"`
}

// RestartConfig tunes the restart policy.
type RestartConfig struct {
	MaxRetries     int `yaml:"max_retries"`
	BackoffSeconds int `yaml:"backoff_seconds"`
}

// XUIConfig describes the outbound registry endpoint and credentials, plus
// the ordered list of URL templates the client should probe (spec.md §9:
// "the exact registry URL set is version-dependent; this spec defers to
// configuration rather than guessing").
type XUIConfig struct {
	APIURL      string   `yaml:"api_url"`
	Username    string   `yaml:"username"`
	Password    string   `yaml:"password"`
	LoginPath   string   `yaml:"login_path"`
	AddPaths    []string `yaml:"add_paths"`
	RemovePaths []string `yaml:"remove_paths"`
	ReloadPaths []string `yaml:"reload_paths"`
	ListPaths   []string `yaml:"list_paths"`
}

// LoggingConfig mirrors the original's RotatingFileHandler knobs.
type LoggingConfig struct {
	Level       string `yaml:"level"`
	File        string `yaml:"file"`
	MaxBytes    int    `yaml:"max_bytes"`
	BackupCount int    `yaml:"backup_count"`
}

// Config is the fully parsed, defaulted, and validated configuration.
type Config struct {
	DNSTT       DNSTTConfig       `yaml:"dnstt"`
	SSH         SSHConfig         `yaml:"ssh"`
	Tunnels     TunnelsConfig     `yaml:"tunnels"`
	HealthCheck HealthCheckConfig `yaml:"health_check"`
	Restart     RestartConfig     `yaml:"restart"`
	XUI         XUIConfig         `yaml:"xui"`
	Logging     LoggingConfig     `yaml:"logging"`
}

// HealthInterval and ProbeTimeout expose the health_check section as
// time.Duration for callers that want typed durations instead of raw ints.
func (c Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthCheck.IntervalSeconds) * time.Second
}

func (c Config) ProbeTimeout() time.Duration {
	return time.Duration(c.HealthCheck.TimeoutSeconds) * time.Second
}

func (c Config) Backoff() time.Duration {
	return time.Duration(c.Restart.BackoffSeconds) * time.Second
}

// applyDefaults fills in every value spec.md §6 calls out with a default.
func applyDefaults(c *Config) {
	if c.DNSTT.Port == 0 {
		c.DNSTT.Port = 53
	}
	if c.SSH.User == "" {
		c.SSH.User = "tunnel"
	}
	if c.SSH.Server == "" {
		c.SSH.Server = "127.0.0.1"
	}
	if c.Tunnels.DNSTTStartPort == 0 {
		c.Tunnels.DNSTTStartPort = 1080
	}
	if c.Tunnels.SocksStartPort == 0 {
		c.Tunnels.SocksStartPort = 9090
	}
	if c.HealthCheck.IntervalSeconds == 0 {
		c.HealthCheck.IntervalSeconds = 60
	}
	if c.HealthCheck.TimeoutSeconds <= 0 {
		c.HealthCheck.TimeoutSeconds = 5
	}
	if c.HealthCheck.RetryCount <= 0 {
		c.HealthCheck.RetryCount = 3
	}
	if c.Restart.MaxRetries <= 0 {
		c.Restart.MaxRetries = 3
	}
	if c.Restart.BackoffSeconds <= 0 {
		c.Restart.BackoffSeconds = 5
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.MaxBytes == 0 {
		c.Logging.MaxBytes = 10 * 1024 * 1024
	}
	if c.Logging.BackupCount == 0 {
		c.Logging.BackupCount = 3
	}
	if len(c.XUI.AddPaths) == 0 {
		c.XUI.AddPaths = []string{
			"/xui/API/outbounds/add",
			"/xui/API/inbounds/add",
			"/API/outbounds/add",
		}
	}
	if len(c.XUI.RemovePaths) == 0 {
		c.XUI.RemovePaths = []string{
			"/xui/API/outbounds/%s",
			"/xui/API/inbounds/%s",
			"/API/outbounds/%s",
		}
	}
	if c.XUI.LoginPath == "" {
		c.XUI.LoginPath = "/login"
	}
	if len(c.XUI.ReloadPaths) == 0 {
		c.XUI.ReloadPaths = []string{
			"/xui/API/setting/updateXrayConfig",
			"/xui/API/setting/reload",
			"/API/reload",
		}
	}
	if len(c.XUI.ListPaths) == 0 {
		c.XUI.ListPaths = []string{
			"/xui/API/outbounds",
			"/xui/API/inbounds",
			"/API/outbounds",
		}
	}
}

// validate enforces spec.md §9's required-field contract: missing
// dnstt.remote_ip or dnstt.domain fails start-up.
func validate(c Config) error {
	var missing []string
	if strings.TrimSpace(c.DNSTT.RemoteIP) == "" {
		missing = append(missing, "dnstt.remote_ip")
	}
	if strings.TrimSpace(c.DNSTT.Domain) == "" {
		missing = append(missing, "dnstt.domain")
	}
	if len(missing) > 0 {
		return fmt.Errorf("missing required config key(s): %s", strings.Join(missing, ", "))
	}
	if c.Tunnels.DNSTTCount <= 0 {
		return fmt.Errorf("tunnels.dnstt_count must be positive")
	}
	if c.Tunnels.SSHPerDNSTT <= 0 {
		return fmt.Errorf("tunnels.ssh_per_dnstt must be positive")
	}
	if c.Tunnels.SocksPortsPerTunnel < c.Tunnels.SSHPerDNSTT {
		return fmt.Errorf("tunnels.socks_ports_per_tunnel (%d) must be >= ssh_per_dnstt (%d) to avoid port collisions across parents",
			c.Tunnels.SocksPortsPerTunnel, c.Tunnels.SSHPerDNSTT)
	}
	plan := fleet.Plan{
		DNSTTCount:          c.Tunnels.DNSTTCount,
		SSHPerDNSTT:         c.Tunnels.SSHPerDNSTT,
		DNSTTStartPort:      c.Tunnels.DNSTTStartPort,
		SocksStartPort:      c.Tunnels.SocksStartPort,
		SocksPortsPerTunnel: c.Tunnels.SocksPortsPerTunnel,
	}
	if err := util.ValidatePort(plan.LocalPort(0)); err != nil {
		return fmt.Errorf("tunnels.dnstt_start_port: %w", err)
	}
	if err := util.ValidatePort(plan.LocalPort(c.Tunnels.DNSTTCount - 1)); err != nil {
		return fmt.Errorf("tunnels.dnstt_start_port + dnstt_count: %w", err)
	}
	if err := util.ValidatePort(plan.Socks5Port(0, 0)); err != nil {
		return fmt.Errorf("tunnels.socks_start_port: %w", err)
	}
	if err := util.ValidatePort(plan.Socks5Port(c.Tunnels.DNSTTCount-1, c.Tunnels.SSHPerDNSTT-1)); err != nil {
		return fmt.Errorf("tunnels.socks_start_port + socks_ports_per_tunnel: %w", err)
	}
	return nil
}

// expandPath applies user-home and environment-variable expansion,
// matching the original's os.path.expanduser/expandvars (spec.md §9).
func expandPath(p string) string {
	if p == "" {
		return p
	}
	p = os.ExpandEnv(p)
	if p == "~" || strings.HasPrefix(p, "~/") {
		home, err := os.UserHomeDir()
		if err == nil {
			p = filepath.Join(home, strings.TrimPrefix(p, "~"))
		}
	}
	return p
}

// Load reads and parses a YAML configuration document from path, applying
// defaults, path expansion, and required-field validation.
func Load(path string) (Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, apperr.New(
			fmt.Sprintf("cannot read config file %s", path),
			fmt.Sprintf("read config %s: %v", path, err),
		)
	}
	var cfg Config
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, apperr.New(
			fmt.Sprintf("config file %s is not valid YAML", path),
			fmt.Sprintf("parse config %s: %v", path, err),
		)
	}
	applyDefaults(&cfg)
	cfg.DNSTT.Path = expandPath(cfg.DNSTT.Path)
	cfg.SSH.KeyPath = expandPath(cfg.SSH.KeyPath)
	cfg.Logging.File = expandPath(cfg.Logging.File)
	if err := validate(cfg); err != nil {
		return Config{}, apperr.New(
			fmt.Sprintf("config file %s failed validation", path),
			err.Error(),
		)
	}
	return cfg, nil
}
