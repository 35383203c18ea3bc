package core

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config is the global configuration instance
var Config *Configuration

const (
	BaseDirName    = ".config/tunneld"
	ConfigFileName = "config.hcl"
	PidFileName    = "daemon.pid"
	SocketName     = "daemon.sock"
	DatabaseName   = "tunneld.db"
)

// Configuration represents the complete tunneld configuration
type Configuration struct {
	ConfigPath     string // Directory containing config files
	Verbose        int    // Verbosity level
	MaxTunnels     int    // Maximum number of concurrently active tunnels
	BasePort       int    // First port of the local allocation range
	PortRangeWidth int    // Number of ports in the allocation range
	Restart        RestartConfig
	Timeouts       TimeoutConfig
}

// RestartConfig controls the crash/restart behavior of supervised tunnels
type RestartConfig struct {
	MinDelay        time.Duration // First retry delay
	MaxDelay        time.Duration // Maximum delay between retries
	MaxRetries      int           // Give up after this many consecutive failures
	StabilityWindow time.Duration // Sustained uptime after which the retry budget resets
}

// TimeoutConfig holds the fixed ceilings for the blocking phases of startup
type TimeoutConfig struct {
	ServerReady time.Duration // Wait for the server process readiness line
	TCPReady    time.Duration // Wait for the local port to accept connections
	PublicURL   time.Duration // Wait for the tunnel process to print its URL
	Login       time.Duration // Wait for the interactive device-code login
	KillGrace   time.Duration // SIGTERM to SIGKILL escalation window
}

// HCL parsing structs

type hclConfig struct {
	Verbose        int         `hcl:"verbose,optional"`
	MaxTunnels     int         `hcl:"max_tunnels,optional"`
	BasePort       int         `hcl:"base_port,optional"`
	PortRangeWidth int         `hcl:"port_range_width,optional"`
	Restart        *hclRestart `hcl:"restart,block"`
	Timeouts       *hclTimeout `hcl:"timeouts,block"`
}

type hclRestart struct {
	MinDelay        string `hcl:"min_delay,optional"`
	MaxDelay        string `hcl:"max_delay,optional"`
	MaxRetries      int    `hcl:"max_retries,optional"`
	StabilityWindow string `hcl:"stability_window,optional"`
}

type hclTimeout struct {
	ServerReady string `hcl:"server_ready,optional"`
	TCPReady    string `hcl:"tcp_ready,optional"`
	PublicURL   string `hcl:"public_url,optional"`
	Login       string `hcl:"login,optional"`
	KillGrace   string `hcl:"kill_grace,optional"`
}

// GetSocketPath returns the path of the daemon control socket.
func GetSocketPath() string {
	return filepath.Join(Config.ConfigPath, SocketName)
}

// GetPIDFilePath returns the path of the daemon pid file.
func GetPIDFilePath() string {
	return filepath.Join(Config.ConfigPath, PidFileName)
}

// GetDatabasePath returns the path of the event log database.
func GetDatabasePath() string {
	return filepath.Join(Config.ConfigPath, DatabaseName)
}

// GetDefaultConfig returns a Configuration with default values
func GetDefaultConfig() *Configuration {
	return &Configuration{
		MaxTunnels:     5,
		BasePort:       9100,
		PortRangeWidth: 100,
		Restart: RestartConfig{
			MinDelay:        1 * time.Second,
			MaxDelay:        30 * time.Second,
			MaxRetries:      10,
			StabilityWindow: 60 * time.Second,
		},
		Timeouts: TimeoutConfig{
			ServerReady: 30 * time.Second,
			TCPReady:    15 * time.Second,
			PublicURL:   30 * time.Second,
			Login:       2 * time.Minute,
			KillGrace:   5 * time.Second,
		},
	}
}

// LoadConfig loads the HCL configuration file and returns a Configuration
// struct with defaults applied for anything the file leaves out.
func LoadConfig(filename string) (*Configuration, error) {
	var hclCfg hclConfig

	err := hclsimple.DecodeFile(filename, nil, &hclCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to parse HCL config: %w", err)
	}

	cfg := GetDefaultConfig()
	cfg.Verbose = hclCfg.Verbose

	if hclCfg.MaxTunnels > 0 {
		cfg.MaxTunnels = hclCfg.MaxTunnels
	}
	if hclCfg.BasePort > 0 {
		cfg.BasePort = hclCfg.BasePort
	}
	if hclCfg.PortRangeWidth > 0 {
		cfg.PortRangeWidth = hclCfg.PortRangeWidth
	}

	if hclCfg.Restart != nil {
		applyDuration(&cfg.Restart.MinDelay, hclCfg.Restart.MinDelay, "restart.min_delay")
		applyDuration(&cfg.Restart.MaxDelay, hclCfg.Restart.MaxDelay, "restart.max_delay")
		applyDuration(&cfg.Restart.StabilityWindow, hclCfg.Restart.StabilityWindow, "restart.stability_window")
		if hclCfg.Restart.MaxRetries > 0 {
			cfg.Restart.MaxRetries = hclCfg.Restart.MaxRetries
		}
	}

	if hclCfg.Timeouts != nil {
		applyDuration(&cfg.Timeouts.ServerReady, hclCfg.Timeouts.ServerReady, "timeouts.server_ready")
		applyDuration(&cfg.Timeouts.TCPReady, hclCfg.Timeouts.TCPReady, "timeouts.tcp_ready")
		applyDuration(&cfg.Timeouts.PublicURL, hclCfg.Timeouts.PublicURL, "timeouts.public_url")
		applyDuration(&cfg.Timeouts.Login, hclCfg.Timeouts.Login, "timeouts.login")
		applyDuration(&cfg.Timeouts.KillGrace, hclCfg.Timeouts.KillGrace, "timeouts.kill_grace")
	}

	applyEnvOverrides(cfg)

	return cfg, nil
}

// LoadOrDefault loads config.hcl from configPath when it exists, otherwise
// returns the defaults. Environment overrides are applied in both cases.
func LoadOrDefault(configPath string) (*Configuration, error) {
	filename := filepath.Join(configPath, ConfigFileName)

	var cfg *Configuration
	if _, err := os.Stat(filename); err == nil {
		cfg, err = LoadConfig(filename)
		if err != nil {
			return nil, err
		}
	} else {
		cfg = GetDefaultConfig()
		applyEnvOverrides(cfg)
	}

	cfg.ConfigPath = configPath
	return cfg, nil
}

// applyDuration parses value into dst, keeping dst on empty or invalid input.
func applyDuration(dst *time.Duration, value string, key string) {
	if value == "" {
		return
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid %s %q, keeping %s\n", key, value, *dst)
		return
	}
	*dst = d
}

// applyEnvOverrides applies the environment-style configuration surface:
// TUNNELD_MAX_TUNNELS and TUNNELD_BASE_PORT take precedence over the file.
func applyEnvOverrides(cfg *Configuration) {
	if v := os.Getenv("TUNNELD_MAX_TUNNELS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.MaxTunnels = n
		}
	}
	if v := os.Getenv("TUNNELD_BASE_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.BasePort = n
		}
	}
}

// ConfigExists checks if a config file exists
func ConfigExists(configPath string) bool {
	_, err := os.Stat(configPath)
	return err == nil
}
