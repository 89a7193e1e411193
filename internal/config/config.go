package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Config is intentionally small and YAML-friendly.
// Every field has a usable default, see Default.
type Config struct {
	// Addr is the status server listen address. ":80" listens on all interfaces.
	Addr string `yaml:"addr"`

	// Root is the directory of static UI files served for unmatched GETs.
	// Empty disables static serving (every unmatched GET is a miss).
	Root string `yaml:"root"`

	// StatusFile is the installer status log read by GET /status.
	StatusFile string `yaml:"status_file"`

	// Envelope selects the JSON response shape:
	// "bare"   -> raw value, or {"error": true} for status >= 400 (the UI's shape)
	// "result" -> {"success": bool, "result": value}
	Envelope string `yaml:"envelope"`

	// NotFound selects what a static miss returns: "404" or "redirect" (302 to /).
	NotFound string `yaml:"not_found"`

	// MaxConns caps concurrently served connections. 0 means unbounded.
	MaxConns int `yaml:"max_conns"`

	// Users is a map of username -> bcrypt hash guarding POST routes.
	// If empty, POST routes are protected by the CSRF token only.
	Users map[string]User `yaml:"users,omitempty"`

	Power     Power     `yaml:"power"`
	Partition Partition `yaml:"partition"`
	Log       Log       `yaml:"log"`
}

type User struct {
	Bcrypt string `yaml:"bcrypt"`
}

// Power holds the argv run by POST /shutdown and POST /restart.
type Power struct {
	Shutdown []string `yaml:"shutdown"`
	Restart  []string `yaml:"restart"`
}

// Partition configures the storage partitioner.
type Partition struct {
	// DevicePatterns are regexps matched against block device names (e.g. "sda").
	DevicePatterns []string `yaml:"device_patterns"`
	// MountPoint is where the data partition is mounted.
	MountPoint string `yaml:"mount_point"`
	// HomeDir holds the data directories migrated onto the device.
	HomeDir string `yaml:"home_dir"`
	// DataDirs are the directory names under HomeDir moved to MountPoint.
	DataDirs []string `yaml:"data_dirs"`
	// SentinelDir is the data dir whose absence on the device means a fresh device.
	SentinelDir string `yaml:"sentinel_dir"`
	// ResetMarker is a file on the device that forces a reformat when present.
	ResetMarker string `yaml:"reset_marker"`
	// NodeConfig is the node config file, relative to HomeDir, tuned by device size.
	NodeConfig string `yaml:"node_config"`
	// PruneThresholdMB is the device size below which the node keeps pruning.
	PruneThresholdMB int64 `yaml:"prune_threshold_mb"`
	// Fstab is the fstab file the data mount is appended to.
	Fstab string `yaml:"fstab"`
	// SwapConfig is the dphys-swapfile config moved onto the device.
	SwapConfig string `yaml:"swap_config"`
	// SwapRestart is the argv restarting the swap service.
	SwapRestart []string `yaml:"swap_restart"`
	// Owner is the uid:gid the data partition is chowned to.
	Owner string `yaml:"owner"`
	// StatusID is the status entry id the partitioner reports under.
	StatusID string `yaml:"status_id"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"` // "text" or "json"
}

func Default() Config {
	return Config{
		Addr:       ":80",
		StatusFile: "/var/lib/homebox/status",
		Envelope:   "bare",
		NotFound:   "404",
		Power: Power{
			Shutdown: []string{"shutdown", "-h", "now"},
			Restart:  []string{"reboot"},
		},
		Partition: Partition{
			DevicePatterns:   []string{`^sd.*`},
			MountPoint:       "/mnt/data",
			HomeDir:          "/home/homebox",
			DataDirs:         []string{"secrets", "db", "bitcoin", "lnd", "tor", "nginx"},
			SentinelDir:      "bitcoin",
			ResetMarker:      ".rekt",
			NodeConfig:       "bitcoin/bitcoin.conf",
			PruneThresholdMB: 512000,
			Fstab:            "/etc/fstab",
			SwapConfig:       "/etc/dphys-swapfile",
			SwapRestart:      []string{"/etc/init.d/dphys-swapfile", "restart"},
			Owner:            "1000:1000",
			StatusID:         "partition",
		},
		Log: Log{Level: "info", Format: "text"},
	}
}

// Load reads a YAML config file on top of Default. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config: %w", err)
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if strings.TrimSpace(c.Addr) == "" {
		return errors.New("config: addr is required")
	}
	if strings.TrimSpace(c.StatusFile) == "" {
		return errors.New("config: status_file is required")
	}
	switch c.Envelope {
	case "result", "bare":
	default:
		return fmt.Errorf("config: envelope must be result or bare, got %q", c.Envelope)
	}
	switch c.NotFound {
	case "404", "redirect":
	default:
		return fmt.Errorf("config: not_found must be 404 or redirect, got %q", c.NotFound)
	}
	if c.MaxConns < 0 {
		return fmt.Errorf("config: max_conns must be >= 0, got %d", c.MaxConns)
	}
	for name, u := range c.Users {
		if u.Bcrypt == "" {
			return fmt.Errorf("config: user %q has no bcrypt hash", name)
		}
	}
	if len(c.Power.Shutdown) == 0 || len(c.Power.Restart) == 0 {
		return errors.New("config: power.shutdown and power.restart are required")
	}
	return c.Partition.Validate()
}

func (p Partition) Validate() error {
	if len(p.DevicePatterns) == 0 {
		return errors.New("config: partition.device_patterns is empty")
	}
	if !strings.HasPrefix(p.MountPoint, "/") {
		return fmt.Errorf("config: partition.mount_point must be absolute, got %q", p.MountPoint)
	}
	if !strings.HasPrefix(p.HomeDir, "/") {
		return fmt.Errorf("config: partition.home_dir must be absolute, got %q", p.HomeDir)
	}
	for _, d := range p.DataDirs {
		if d == "" || strings.ContainsAny(d, "/\\") || d == "." || d == ".." {
			return fmt.Errorf("config: partition.data_dirs: invalid name %q", d)
		}
	}
	if strings.ContainsAny(p.StatusID, ": \t\n") || p.StatusID == "" {
		return fmt.Errorf("config: partition.status_id %q must be a single token without ':'", p.StatusID)
	}
	return nil
}
