package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration so config files can carry values like "30s".
// A bare integer is read as seconds.
type Duration time.Duration

// Std converts back to the standard library type.
func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	if n, err := strconv.Atoi(s); err == nil {
		*d = Duration(time.Duration(n) * time.Second)
		return nil
	}
	parsed, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", s, err)
	}
	*d = Duration(parsed)
	return nil
}

// LogConfig selects the process's log output shape.
type LogConfig struct {
	Level string `yaml:"level"`
	JSON  bool   `yaml:"json"`
}

// ConductorConfig is the conductor binary's bootstrap configuration.
type ConductorConfig struct {
	ListenAddr      string    `yaml:"listen_addr"`
	HTTPAddr        string    `yaml:"http_addr"`
	CertDir         string    `yaml:"cert_dir"`
	SchedulerPeriod Duration  `yaml:"scheduler_period"`
	NodeTTL         Duration  `yaml:"node_ttl"`
	Log             LogConfig `yaml:"log"`
}

// NodeConfig is the node binary's bootstrap configuration.
type NodeConfig struct {
	NodeID            string            `yaml:"node_id"`
	ConductorAddr     string            `yaml:"conductor_addr"`
	CertDir           string            `yaml:"cert_dir"`
	Groups            []string          `yaml:"groups"`
	CapacitiesTotal   map[string]uint64 `yaml:"capacities_total"`
	HeartbeatInterval Duration          `yaml:"heartbeat_interval"`
	HTTPAddr          string            `yaml:"http_addr"`
	CondaPath         string            `yaml:"conda_path"`
	RepoBaseDir       string            `yaml:"repo_base_dir"`
	Log               LogConfig         `yaml:"log"`
}

// DefaultConductor returns the conductor defaults applied under any omitted
// config-file field.
func DefaultConductor() ConductorConfig {
	return ConductorConfig{
		ListenAddr:      ":7070",
		HTTPAddr:        ":7071",
		SchedulerPeriod: Duration(5 * time.Second),
		NodeTTL:         Duration(60 * time.Second),
		Log:             LogConfig{Level: "info"},
	}
}

// DefaultNode returns the node defaults applied under any omitted
// config-file field.
func DefaultNode() NodeConfig {
	hostname, _ := os.Hostname()
	return NodeConfig{
		NodeID:            hostname,
		ConductorAddr:     "localhost:7070",
		HeartbeatInterval: Duration(3 * time.Second),
		HTTPAddr:          ":7072",
		Log:               LogConfig{Level: "info"},
	}
}

// LoadConductor reads a conductor config file over the defaults. An empty
// path returns the defaults untouched.
func LoadConductor(path string) (ConductorConfig, error) {
	cfg := DefaultConductor()
	if path == "" {
		return cfg, nil
	}
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// LoadNode reads a node config file over the defaults. An empty path
// returns the defaults untouched.
func LoadNode(path string) (NodeConfig, error) {
	cfg := DefaultNode()
	if path == "" {
		return cfg, nil
	}
	if err := loadYAML(path, &cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}
