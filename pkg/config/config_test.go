package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func clearEnv(t *testing.T) {
	t.Helper()
	keys := []string{
		"BROKER_NODE_ID", "BROKER_PORT", "HTTP_PORT", "MAX_CLUSTER_SIZE",
		"BROKER_DATA_DIR", "BROKER_DISCOVERY_MODE", "BROKER_JOIN_ADDR",
		"BROKER_BIND_HOST", "BROKER_LOG_LEVEL", "BROKER_LOG_JSON",
	}
	for _, k := range keys {
		orig, ok := os.LookupEnv(k)
		os.Unsetenv(k)
		if ok {
			t.Cleanup(func() { os.Setenv(k, orig) })
		}
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)

	cfg, err := Load("")
	assert.NoError(t, err)
	assert.NotEmpty(t, cfg.NodeID)
	assert.Equal(t, defaultBrokerPort, cfg.BrokerPort)
	assert.Equal(t, defaultHTTPPort, cfg.HTTPPort)
	assert.Equal(t, defaultMaxClusterSize, cfg.MaxClusterSize)
	assert.Equal(t, cfg.BrokerPort+1000, cfg.RaftPort)
	assert.Equal(t, DiscoveryPortScan, cfg.DiscoveryMode)
}

func TestLoadReadsEnvironment(t *testing.T) {
	clearEnv(t)
	os.Setenv("BROKER_NODE_ID", "node-7")
	os.Setenv("BROKER_PORT", "7500")
	os.Setenv("HTTP_PORT", "8500")
	os.Setenv("MAX_CLUSTER_SIZE", "3")

	cfg, err := Load("")
	assert.NoError(t, err)
	assert.Equal(t, "node-7", cfg.NodeID)
	assert.Equal(t, 7500, cfg.BrokerPort)
	assert.Equal(t, 8500, cfg.HTTPPort)
	assert.Equal(t, 8500, cfg.RaftPort)
	assert.Equal(t, DiscoveryPortScan, cfg.DiscoveryMode)
}

func TestLoadDefaultsToGossipForLargeClusters(t *testing.T) {
	clearEnv(t)
	os.Setenv("MAX_CLUSTER_SIZE", "50")

	cfg, err := Load("")
	assert.NoError(t, err)
	assert.Equal(t, DiscoveryGossip, cfg.DiscoveryMode)
}

func TestLoadRejectsInvalidDiscoveryMode(t *testing.T) {
	clearEnv(t)
	os.Setenv("BROKER_DISCOVERY_MODE", "carrier-pigeon")

	_, err := Load("")
	assert.Error(t, err)
}

func TestLoadAppliesYAMLOverlay(t *testing.T) {
	clearEnv(t)
	os.Setenv("BROKER_PORT", "7400")

	dir := t.TempDir()
	path := filepath.Join(dir, "beacon.yaml")
	content := "node_id: node-from-file\ndata_dir: /var/lib/beacon\ndiscovery_mode: gossip\n"
	assert.NoError(t, os.WriteFile(path, []byte(content), 0644))

	cfg, err := Load(path)
	assert.NoError(t, err)
	assert.Equal(t, "node-from-file", cfg.NodeID)
	assert.Equal(t, "/var/lib/beacon", cfg.DataDir)
	assert.Equal(t, DiscoveryGossip, cfg.DiscoveryMode)
	assert.Equal(t, 7400, cfg.BrokerPort, "env-sourced fields untouched by the overlay should survive")
}

func TestScanCandidatesExcludesSelfByConstruction(t *testing.T) {
	cfg := &Config{BindHost: "127.0.0.1", HTTPPort: 8080, MaxClusterSize: 3}
	candidates := cfg.ScanCandidates()
	assert.Equal(t, []string{"127.0.0.1:8081", "127.0.0.1:8082", "127.0.0.1:8083"}, candidates)
}

func TestAddrHelpers(t *testing.T) {
	cfg := &Config{BindHost: "0.0.0.0", BrokerPort: 7400, HTTPPort: 8080, RaftPort: 8400}
	assert.Equal(t, "0.0.0.0:7400", cfg.BrokerAddr())
	assert.Equal(t, "0.0.0.0:8080", cfg.HTTPAddr())
	assert.Equal(t, "0.0.0.0:8400", cfg.RaftAddr())
}
