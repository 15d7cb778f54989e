package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "certmgrd", cfg.ServiceName)
	assert.Equal(t, ":8420", cfg.HTTPListenAddr)
	assert.Equal(t, "/var/lib/certmgr", cfg.StoreRoot)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, 4, cfg.RenewalWorkers)
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("CERTMGR_STORE_ROOT", "/tmp/certs")
	t.Setenv("CERTMGR_LOG_LEVEL", "debug")
	t.Setenv("CERTMGR_RENEWAL_WORKERS", "8")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/tmp/certs", cfg.StoreRoot)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 8, cfg.RenewalWorkers)
}

func TestLoad_ConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "certmgr.yaml")
	content := "store_root: /data/certmgr\nlog_level: warn\nrenewal_workers: 2\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	t.Setenv("CERTMGR_CONFIG", path)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "/data/certmgr", cfg.StoreRoot)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, 2, cfg.RenewalWorkers)
}

func TestLoad_EnvBeatsConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "certmgr.yaml")
	require.NoError(t, os.WriteFile(path, []byte("log_level: warn\n"), 0o600))
	t.Setenv("CERTMGR_CONFIG", path)
	t.Setenv("CERTMGR_LOG_LEVEL", "trace")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "trace", cfg.LogLevel)
}

func TestLoad_MissingConfigFile(t *testing.T) {
	t.Setenv("CERTMGR_CONFIG", "/nonexistent/certmgr.yaml")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := &Config{StoreRoot: "/var/lib/certmgr"}
	assert.NoError(t, cfg.Validate())

	cfg.StoreRoot = ""
	assert.Error(t, cfg.Validate())

	cfg.StoreRoot = "/var/lib/certmgr"
	cfg.S3Endpoint = "http://localhost:7480"
	assert.Error(t, cfg.Validate(), "s3 endpoint without bucket")

	cfg.S3Bucket = "certmgr-backups"
	assert.NoError(t, cfg.Validate())
}
