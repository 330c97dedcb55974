package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fedflow/fedflow/types"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, ReduceMean, cfg.Optimize.Reduction)
	assert.Equal(t, BackendNoise, cfg.Optimize.Backend)
	assert.False(t, cfg.Sync.Enabled())
	assert.Equal(t, time.Duration(0), cfg.Transport.RecvTimeout)
	assert.Equal(t, 1, cfg.Federal.WorkerNum)
}

func TestLoad_FromYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
federal:
  role: follower
  peer_addr: "leader.example.com:50051"
  local_addr: ":50052"
optimize:
  reduction: sum
  backend: direct
sync:
  replicas_to_aggregate: 4
transport:
  recv_timeout: 30s
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, types.RoleFollower, cfg.Federal.Role)
	assert.Equal(t, "leader.example.com:50051", cfg.Federal.PeerAddr)
	assert.Equal(t, ReduceSum, cfg.Optimize.Reduction)
	assert.Equal(t, BackendDirect, cfg.Optimize.Backend)
	assert.True(t, cfg.Sync.Enabled())
	assert.Equal(t, 30*time.Second, cfg.Transport.RecvTimeout)
}

func TestLoad_EnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("optimize:\n  backend: direct\n"), 0o644))

	t.Setenv("FEDFLOW_OPTIMIZE_BACKEND", "noise")
	t.Setenv("FEDFLOW_FEDERAL_ROLE", "leader")
	t.Setenv("FEDFLOW_TRANSPORT_HEARTBEAT_INTERVAL", "5s")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, BackendNoise, cfg.Optimize.Backend)
	assert.Equal(t, types.RoleLeader, cfg.Federal.Role)
	assert.Equal(t, 5*time.Second, cfg.Transport.HeartbeatInterval)
}

func TestLoad_MissingFileFallsBackToDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, BackendNoise, cfg.Optimize.Backend)
}

func TestLoad_ValidatorRuns(t *testing.T) {
	_, err := NewLoader().WithValidator(func(c *Config) error {
		return c.Validate()
	}).Load()
	require.NoError(t, err)
}

func TestValidate(t *testing.T) {
	cfg := DefaultConfig()
	require.NoError(t, cfg.Validate())

	cfg.Federal.Role = "observer"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Optimize.Backend = "magic"
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Sync.ReplicasToAggregate = 8
	cfg.Sync.TotalNumReplicas = 4
	require.Error(t, cfg.Validate())

	cfg = DefaultConfig()
	cfg.Optimize.NoiseStddev = -1
	require.Error(t, cfg.Validate())
}
