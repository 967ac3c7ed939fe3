package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"dario.cat/mergo"
	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DefaultListen            = "0.0.0.0:16999"
	DefaultDataDir           = "data"
	DefaultRootUUID          = "00000000-0000-0000-0000-000000000001"
	DefaultTickMs            = 1000
	DefaultConnectionsLogSec = 5
	DefaultShutdownGraceMs   = 5000
	DefaultMaxFrameBytes     = 16 << 20
	DefaultLogLevel          = "info"
	DefaultLogFormat         = "text"
	DefaultStatusIntervalSec = 10
	DefaultRetryDelaySec     = 1
	DefaultRetryMaxDelaySec  = 30
	DefaultGuardianType      = 2
)

// Config holds both master and guardian settings. A process reads the
// section it needs.
type Config struct {
	Master   *MasterConfig   `yaml:"master,omitempty"`
	Guardian *GuardianConfig `yaml:"guardian,omitempty"`
}

// MasterConfig is used by the master process.
type MasterConfig struct {
	Listen            string   `yaml:"listen"`
	UUID              string   `yaml:"uuid"`
	Name              string   `yaml:"name"`
	DataDir           string   `yaml:"data_dir"`
	NodesDir          string   `yaml:"nodes_dir"`
	UploadDir         string   `yaml:"upload_dir"`
	RootUUID          string   `yaml:"root_uuid"`
	NodeCommand       []string `yaml:"node_command"`
	BoardType         string   `yaml:"board_type"`
	STUNServers       []string `yaml:"stun_servers"`
	TickMs            int      `yaml:"tick_ms"`
	ConnectionsLogSec int      `yaml:"connections_log_sec"`
	ShutdownGraceMs   int      `yaml:"shutdown_grace_ms"`
	MaxFrameBytes     int      `yaml:"max_frame_bytes"`
	BootLaunch        *bool    `yaml:"boot_launch,omitempty"`
	LogLevel          string   `yaml:"log_level"`
	LogFormat         string   `yaml:"log_format"`
}

// GuardianConfig is used by the guardian node that enacts reboots and
// service toggles on the master's behalf.
type GuardianConfig struct {
	Name              string   `yaml:"name"`
	UUID              string   `yaml:"uuid"`
	Master            string   `yaml:"master"`
	Type              int      `yaml:"type"`
	NodesDir          string   `yaml:"nodes_dir"`
	ServiceCommand    []string `yaml:"service_command"`
	RebootCommand     []string `yaml:"reboot_command"`
	StatusIntervalSec int      `yaml:"status_interval_sec"`
	RetryDelaySec     int      `yaml:"retry_delay_sec"`
	RetryMaxDelaySec  int      `yaml:"retry_max_delay_sec"`
	LogLevel          string   `yaml:"log_level"`
	LogFormat         string   `yaml:"log_format"`
}

func (c *MasterConfig) Tick() time.Duration {
	return time.Duration(c.TickMs) * time.Millisecond
}

func (c *MasterConfig) ConnectionsLogInterval() time.Duration {
	return time.Duration(c.ConnectionsLogSec) * time.Second
}

func (c *MasterConfig) ShutdownGrace() time.Duration {
	return time.Duration(c.ShutdownGraceMs) * time.Millisecond
}

// BootLaunchEnabled reports whether enabled nodes are started at boot.
func (c *MasterConfig) BootLaunchEnabled() bool {
	return c.BootLaunch == nil || *c.BootLaunch
}

// NodesPath is where installed packages live.
func (c *MasterConfig) NodesPath() string {
	if c.NodesDir != "" {
		return c.NodesDir
	}
	return filepath.Join(c.DataDir, "nodes")
}

// UploadPath is where completed uploads are written.
func (c *MasterConfig) UploadPath() string {
	if c.UploadDir != "" {
		return c.UploadDir
	}
	return filepath.Join(c.DataDir, "uploads")
}

func (c *MasterConfig) NodesDBPath() string    { return filepath.Join(c.DataDir, "nodes.json") }
func (c *MasterConfig) ServicesDBPath() string { return filepath.Join(c.DataDir, "services.json") }

func (c *GuardianConfig) StatusInterval() time.Duration {
	return time.Duration(c.StatusIntervalSec) * time.Second
}

func (c *GuardianConfig) RetryDelay() time.Duration {
	return time.Duration(c.RetryDelaySec) * time.Second
}

func (c *GuardianConfig) RetryMaxDelay() time.Duration {
	return time.Duration(c.RetryMaxDelaySec) * time.Second
}

// Load reads and parses a YAML config file.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, err
	}
	return Parse(data)
}

// Parse decodes YAML and fills defaults.
func Parse(data []byte) (Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := ApplyDefaults(&cfg); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Save writes a YAML config file to disk.
func Save(path string, cfg Config) error {
	if err := ApplyDefaults(&cfg); err != nil {
		return err
	}
	data, err := yaml.Marshal(&cfg)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

// Validate performs minimal validation for required fields.
func Validate(cfg Config) error {
	if cfg.Master == nil && cfg.Guardian == nil {
		return errors.New("config must contain master or guardian section")
	}
	if m := cfg.Master; m != nil {
		if m.Listen == "" {
			return errors.New("master.listen is required")
		}
		if _, err := uuid.Parse(m.UUID); err != nil {
			return fmt.Errorf("master.uuid: %w", err)
		}
		if _, err := uuid.Parse(m.RootUUID); err != nil {
			return fmt.Errorf("master.root_uuid: %w", err)
		}
		if len(m.NodeCommand) == 0 {
			return errors.New("master.node_command is required")
		}
	}
	if g := cfg.Guardian; g != nil {
		if g.Master == "" {
			return errors.New("guardian.master is required")
		}
		if g.UUID == "" {
			return errors.New("guardian.uuid is required")
		}
	}
	return nil
}

func defaultMaster() MasterConfig {
	return MasterConfig{
		Listen:            DefaultListen,
		Name:              "master",
		DataDir:           DefaultDataDir,
		RootUUID:          DefaultRootUUID,
		NodeCommand:       []string{"python", "app.py"},
		TickMs:            DefaultTickMs,
		ConnectionsLogSec: DefaultConnectionsLogSec,
		ShutdownGraceMs:   DefaultShutdownGraceMs,
		MaxFrameBytes:     DefaultMaxFrameBytes,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
	}
}

func defaultGuardian() GuardianConfig {
	return GuardianConfig{
		Name:              "guardian",
		Type:              DefaultGuardianType,
		NodesDir:          filepath.Join(DefaultDataDir, "nodes"),
		ServiceCommand:    []string{"python", "app.py"},
		RebootCommand:     []string{"reboot"},
		StatusIntervalSec: DefaultStatusIntervalSec,
		RetryDelaySec:     DefaultRetryDelaySec,
		RetryMaxDelaySec:  DefaultRetryMaxDelaySec,
		LogLevel:          DefaultLogLevel,
		LogFormat:         DefaultLogFormat,
	}
}

// ApplyDefaults fills in default values for every empty field. A missing
// uuid is generated, so Save after Load pins the identity.
func ApplyDefaults(cfg *Config) error {
	if cfg.Master != nil {
		if err := mergo.Merge(cfg.Master, defaultMaster()); err != nil {
			return fmt.Errorf("master defaults: %w", err)
		}
		if cfg.Master.UUID == "" {
			cfg.Master.UUID = uuid.NewString()
		}
	}
	if cfg.Guardian != nil {
		if err := mergo.Merge(cfg.Guardian, defaultGuardian()); err != nil {
			return fmt.Errorf("guardian defaults: %w", err)
		}
		if cfg.Guardian.UUID == "" {
			cfg.Guardian.UUID = uuid.NewString()
		}
	}
	return nil
}
