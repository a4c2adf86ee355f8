/*
Package config loads this node's runtime configuration from environment
variables, with an optional YAML file overlay for the settings that
aren't meant to be ambient (discovery mode, data directory, ports).

Every field has a sane default so a node can start with nothing set
beyond BROKER_NODE_ID, matching the teacher CLI's flag-default style.
*/
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"
)

const (
	DiscoveryPortScan = "portscan"
	DiscoveryGossip   = "gossip"

	defaultMaxClusterSize = 20
	defaultBrokerPort     = 7400
	defaultHTTPPort       = 8080
	defaultDataDir        = "./beacon-data"
	// gossipThreshold is the MAX_CLUSTER_SIZE above which discovery
	// defaults to gossip instead of port-scanning every candidate.
	gossipThreshold = 8
)

// Config is this node's fully-resolved runtime configuration.
type Config struct {
	NodeID         string `yaml:"node_id"`
	BrokerPort     int    `yaml:"broker_port"`
	HTTPPort       int    `yaml:"http_port"`
	RaftPort       int    `yaml:"-"` // derived: BrokerPort + 1000
	MaxClusterSize int    `yaml:"max_cluster_size"`
	DataDir        string `yaml:"data_dir"`
	DiscoveryMode  string `yaml:"discovery_mode"`
	JoinAddr       string `yaml:"join_addr"`
	BindHost       string `yaml:"bind_host"`
	LogLevel       string `yaml:"log_level"`
	LogJSON        bool   `yaml:"log_json"`
	ConfigFile     string `yaml:"-"`
}

// Load resolves configuration from the environment, then applies an
// optional YAML file overlay (configFile) on top of those values.
// Env vars set the ambient defaults; the file is for operators who want
// to pin non-ambient settings (discovery mode, data dir, ports)
// without a long env var list.
func Load(configFile string) (*Config, error) {
	cfg := &Config{
		NodeID:         envOr("BROKER_NODE_ID", uuid.NewString()),
		BrokerPort:     envOrInt("BROKER_PORT", defaultBrokerPort),
		HTTPPort:       envOrInt("HTTP_PORT", defaultHTTPPort),
		MaxClusterSize: envOrInt("MAX_CLUSTER_SIZE", defaultMaxClusterSize),
		DataDir:        envOr("BROKER_DATA_DIR", defaultDataDir),
		DiscoveryMode:  envOr("BROKER_DISCOVERY_MODE", ""),
		JoinAddr:       envOr("BROKER_JOIN_ADDR", ""),
		BindHost:       envOr("BROKER_BIND_HOST", "127.0.0.1"),
		LogLevel:       envOr("BROKER_LOG_LEVEL", "info"),
		LogJSON:        envOrBool("BROKER_LOG_JSON", false),
		ConfigFile:     configFile,
	}

	if configFile != "" {
		if err := cfg.overlayFile(configFile); err != nil {
			return nil, err
		}
	}

	cfg.RaftPort = cfg.BrokerPort + 1000

	if cfg.DiscoveryMode == "" {
		if cfg.MaxClusterSize > gossipThreshold {
			cfg.DiscoveryMode = DiscoveryGossip
		} else {
			cfg.DiscoveryMode = DiscoveryPortScan
		}
	}
	if cfg.DiscoveryMode != DiscoveryPortScan && cfg.DiscoveryMode != DiscoveryGossip {
		return nil, fmt.Errorf("invalid discovery mode %q: must be %q or %q", cfg.DiscoveryMode, DiscoveryPortScan, DiscoveryGossip)
	}

	return cfg, nil
}

// overlayFile merges a YAML config document onto cfg. Unset fields in
// the file leave the env-derived value untouched.
func (cfg *Config) overlayFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	var overlay struct {
		NodeID         string `yaml:"node_id"`
		BrokerPort     int    `yaml:"broker_port"`
		HTTPPort       int    `yaml:"http_port"`
		MaxClusterSize int    `yaml:"max_cluster_size"`
		DataDir        string `yaml:"data_dir"`
		DiscoveryMode  string `yaml:"discovery_mode"`
		JoinAddr       string `yaml:"join_addr"`
		BindHost       string `yaml:"bind_host"`
		LogLevel       string `yaml:"log_level"`
		LogJSON        *bool  `yaml:"log_json"`
	}
	if err := yaml.Unmarshal(data, &overlay); err != nil {
		return fmt.Errorf("parse config file: %w", err)
	}

	if overlay.NodeID != "" {
		cfg.NodeID = overlay.NodeID
	}
	if overlay.BrokerPort != 0 {
		cfg.BrokerPort = overlay.BrokerPort
	}
	if overlay.HTTPPort != 0 {
		cfg.HTTPPort = overlay.HTTPPort
	}
	if overlay.MaxClusterSize != 0 {
		cfg.MaxClusterSize = overlay.MaxClusterSize
	}
	if overlay.DataDir != "" {
		cfg.DataDir = overlay.DataDir
	}
	if overlay.DiscoveryMode != "" {
		cfg.DiscoveryMode = overlay.DiscoveryMode
	}
	if overlay.JoinAddr != "" {
		cfg.JoinAddr = overlay.JoinAddr
	}
	if overlay.BindHost != "" {
		cfg.BindHost = overlay.BindHost
	}
	if overlay.LogLevel != "" {
		cfg.LogLevel = overlay.LogLevel
	}
	if overlay.LogJSON != nil {
		cfg.LogJSON = *overlay.LogJSON
	}
	return nil
}

// BrokerAddr is this node's client-protocol listen address.
func (cfg *Config) BrokerAddr() string {
	return fmt.Sprintf("%s:%d", cfg.BindHost, cfg.BrokerPort)
}

// HTTPAddr is this node's admin API listen address.
func (cfg *Config) HTTPAddr() string {
	return fmt.Sprintf("%s:%d", cfg.BindHost, cfg.HTTPPort)
}

// RaftAddr is this node's Raft transport address.
func (cfg *Config) RaftAddr() string {
	return fmt.Sprintf("%s:%d", cfg.BindHost, cfg.RaftPort)
}

// GossipAddr is this node's serf/memberlist bind address, used only when
// DiscoveryMode is gossip. Like RaftPort (derived from BrokerPort), it is
// derived from another port, here HTTPPort, rather than independently
// configurable.
func (cfg *Config) GossipAddr() string {
	return fmt.Sprintf("%s:%d", cfg.BindHost, cfg.HTTPPort+2000)
}

// ScanCandidates builds the admin-HTTP addresses port-scan discovery
// should probe: every HTTP port from HTTPPort+1 through
// HTTPPort+MaxClusterSize on BindHost, excluding this node's own port.
// Matches the spec's "scans a configured port range on configured
// hosts, defaulting to loopback" discovery model.
func (cfg *Config) ScanCandidates() []string {
	candidates := make([]string, 0, cfg.MaxClusterSize)
	for i := 1; i <= cfg.MaxClusterSize; i++ {
		port := cfg.HTTPPort + i
		candidates = append(candidates, fmt.Sprintf("%s:%d", cfg.BindHost, port))
	}
	return candidates
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envOrBool(key string, fallback bool) bool {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}
