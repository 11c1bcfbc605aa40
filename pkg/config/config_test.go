package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaultsWithNoFileOrEnv(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, ModeStandalone, cfg.DeploymentMode)
	assert.Equal(t, InviteCodeOptional, cfg.InviteCodeMode)
	assert.Equal(t, 15, cfg.MaxConcurrentMigrations)
}

func TestLoadReadsYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
directory_host: https://plc.example.test
max_concurrent_migrations: 5
deployment_mode: bound
target_pds_host: https://pds.example.test
`), 0600))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://plc.example.test", cfg.DirectoryHost)
	assert.Equal(t, 5, cfg.MaxConcurrentMigrations)
	assert.Equal(t, ModeBound, cfg.DeploymentMode)
}

func TestLoadMissingFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().DirectoryHost, cfg.DirectoryHost)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("directory_host: https://from-file.test\n"), 0600))

	t.Setenv("DIRECTORY_HOST", "https://from-env.test")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, "https://from-env.test", cfg.DirectoryHost)
}

func TestValidateRejectsBoundModeWithoutTargetHost(t *testing.T) {
	cfg := Default()
	cfg.DeploymentMode = ModeBound
	cfg.TargetPDSHost = ""
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsUnknownInviteCodeMode(t *testing.T) {
	cfg := Default()
	cfg.InviteCodeMode = InviteCodeMode("whatever")
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsNonPositiveConcurrency(t *testing.T) {
	cfg := Default()
	cfg.MaxConcurrentMigrations = 0
	assert.Error(t, cfg.Validate())
}

func TestBuildVaultFallsBackToDevelopmentWithNoMasterKey(t *testing.T) {
	cfg := Default()
	v, err := cfg.BuildVault()
	require.NoError(t, err)
	require.NotNil(t, v)
}
