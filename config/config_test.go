package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefault_IsValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())

	assert.Equal(t, "234689ACEFGHKLMNPRTXYZ", cfg.Sessions.Alphabet)
	assert.Equal(t, 4, cfg.Sessions.KeyLength)
	assert.Equal(t, 30*time.Second, cfg.Sessions.ExpireDelay)
	assert.Equal(t, 2*time.Hour, cfg.Sessions.MaxLifetime)
	assert.Equal(t, ByteSize(400*1024*1024), cfg.Upload.MaxSize)
	assert.Equal(t, ".epub", cfg.Upload.Extension)
	assert.Equal(t, "0.0.0.0:3001", cfg.Addr())
}

func TestLoad_FileThenEnv(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  port: 8080
store:
  type: redis
  redis:
    addr: redis:6379
sessions:
  expire_delay: 45s
  max_lifetime: 1h
upload:
  max_size: 50MiB
storage:
  type: minio
  minio:
    endpoint: http://minio:9000
    bucket: books
`), 0o600))

	t.Setenv("PORT", "9090")
	t.Setenv("MINIO_ACCESS_KEY", "admin")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port, "env overrides file")
	assert.Equal(t, "redis", cfg.Store.Type)
	assert.Equal(t, "redis:6379", cfg.Store.Redis.Addr)
	assert.Equal(t, 45*time.Second, cfg.Sessions.ExpireDelay)
	assert.Equal(t, time.Hour, cfg.Sessions.MaxLifetime)
	assert.Equal(t, ByteSize(50*1024*1024), cfg.Upload.MaxSize)
	assert.Equal(t, "minio", cfg.Storage.Type)
	assert.Equal(t, "books", cfg.Storage.Minio.Bucket)
	assert.Equal(t, "admin", cfg.Storage.Minio.AccessKey)
	assert.Equal(t, 4, cfg.Sessions.KeyLength, "unset values keep defaults")
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Sessions, cfg.Sessions)
}

func TestLoad_BadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("upload:\n  max_size: lots\n"), 0o600))

	_, err := Load(path)
	assert.Error(t, err)
}

func TestLoad_BadEnvSize(t *testing.T) {
	t.Setenv("MAX_UPLOAD_SIZE", "huge")
	_, err := Load("")
	assert.Error(t, err)
}

func TestLoad_EmptyIssuerMarkerFromEnv(t *testing.T) {
	t.Setenv("ISSUER_MARKER", "")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Empty(t, cfg.Sessions.IssuerMarker)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"port", func(c *Config) { c.Server.Port = 0 }},
		{"store type", func(c *Config) { c.Store.Type = "etcd" }},
		{"redis addr", func(c *Config) { c.Store.Type = "redis"; c.Store.Redis.Addr = "" }},
		{"storage type", func(c *Config) { c.Storage.Type = "ftp" }},
		{"s3 bucket", func(c *Config) { c.Storage.Type = "s3" }},
		{"alphabet", func(c *Config) { c.Sessions.Alphabet = "A" }},
		{"key length", func(c *Config) { c.Sessions.KeyLength = 0 }},
		{"expire delay", func(c *Config) { c.Sessions.ExpireDelay = 0 }},
		{"lifetime order", func(c *Config) { c.Sessions.MaxLifetime = time.Second }},
		{"extension", func(c *Config) { c.Upload.Extension = "epub" }},
		{"transcode command", func(c *Config) { c.Transcode.Command = "" }},
		{"log format", func(c *Config) { c.Log.Format = "xml" }},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Default()
			tc.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
