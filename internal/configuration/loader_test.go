package configuration

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeYAML(t *testing.T, dir, name, content string) {
	t.Helper()
	path := filepath.Join(dir, name+".yml")
	err := os.WriteFile(path, []byte(content), 0o644)
	require.NoError(t, err, "failed to write yaml %s", path)
}

func TestLoadFrom_baseOnly(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "application", `
app:
  log-level: "debug"
replication:
  node-id: 3
  node-name: "node-3"
  partitions: 4
rpc:
  default-timeout: 5000
`)

	cfg, err := LoadFrom(dir)

	require.NoError(t, err)
	require.NotNil(t, cfg)
	assert.Equal(t, "debug", cfg.Application.LogLevel)
	assert.Equal(t, uint64(3), cfg.Replication.NodeID)
	assert.Equal(t, "node-3", cfg.Replication.NodeName)
	assert.Equal(t, 4, cfg.Replication.Partitions)
	assert.Equal(t, uint64(5000), cfg.RPC.DefaultTimeout)
}

func TestLoadFrom_profileOverridesBase(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "application", `
app:
  profile: "local"
  log-level: "info"
transport:
  port: "7000"
`)
	writeYAML(t, dir, "application-local", `
app:
  log-level: "debug"
`)

	cfg, err := LoadFrom(dir)

	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Application.LogLevel, "profile should override base")
	assert.Equal(t, "7000", cfg.Transport.Port, "base values outside the profile should survive")
}

func TestLoadFrom_missingProfileFile(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "application", "app:\n  profile: \"staging\"")

	cfg, err := LoadFrom(dir)

	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "application-staging")
}

func TestLoadFrom_missingBaseFile(t *testing.T) {
	cfg, err := LoadFrom(t.TempDir())

	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "application.yml not found")
}

func TestLoadFrom_invalidYaml(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "application", "app \"x\"\napp:: y")

	cfg, err := LoadFrom(dir)

	require.Error(t, err)
	assert.Nil(t, cfg)
}

func TestLoadFrom_envExpansion(t *testing.T) {
	t.Setenv("QDB_TEST_NODE_NAME", "env-node")

	dir := t.TempDir()
	writeYAML(t, dir, "application", "replication:\n  node-name: \"${QDB_TEST_NODE_NAME}\"")

	cfg, err := LoadFrom(dir)

	require.NoError(t, err)
	assert.Equal(t, "env-node", cfg.Replication.NodeName)
}

func TestLoadFrom_missingEnvVar(t *testing.T) {
	dir := t.TempDir()
	writeYAML(t, dir, "application", "replication:\n  node-name: \"${QDB_TEST_UNSET_VAR}\"")

	cfg, err := LoadFrom(dir)

	require.Error(t, err)
	assert.Nil(t, cfg)
	assert.Contains(t, err.Error(), "QDB_TEST_UNSET_VAR")
}
