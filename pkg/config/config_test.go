package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadServerDefaults(t *testing.T) {
	cfg, err := loadServer(newViper("FLEET"))
	require.NoError(t, err)
	require.Equal(t, ":8090", cfg.ListenAddr)
	require.Equal(t, "memory", cfg.Storage.Driver)
	require.Equal(t, "fs", cfg.Blob.Driver)
	require.Equal(t, "best_effort", cfg.Notify.Mode)
	require.Equal(t, 32, cfg.Notify.Buffer)
	require.True(t, cfg.Liveness.Enabled)
	require.Equal(t, 2*time.Minute, cfg.Liveness.Threshold)
	require.Equal(t, int64(50<<20), cfg.Upload.MaxBytes)
}

func TestLoadServerEnvOverrides(t *testing.T) {
	t.Setenv("FLEET_NOTIFY_MODE", "outbox")
	t.Setenv("FLEET_LIVENESS_THRESHOLD", "90s")
	t.Setenv("FLEET_BLOB_MINIO_BUCKET", "renders")

	cfg, err := loadServer(newViper("FLEET"))
	require.NoError(t, err)
	require.Equal(t, "outbox", cfg.Notify.Mode)
	require.Equal(t, 90*time.Second, cfg.Liveness.Threshold)
	require.Equal(t, "renders", cfg.Blob.MinIO.Bucket)
}

func TestLoadServerFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := `
storage:
  driver: file
  path: /var/lib/fleet/state.json
identity:
  strict: true
  users:
    - id: alice
      active: true
    - id: mallory
      active: false
applications:
  - id: blender
    name: Blender
    executable: /usr/bin/blender
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	v := newViper("FLEET")
	v.SetConfigFile(path)
	cfg, err := loadServer(v)
	require.NoError(t, err)
	require.Equal(t, "file", cfg.Storage.Driver)
	require.Equal(t, "/var/lib/fleet/state.json", cfg.Storage.Path)
	require.True(t, cfg.Identity.Strict)
	require.Len(t, cfg.Identity.Users, 2)
	require.False(t, cfg.Identity.Users[1].Active)
	require.Len(t, cfg.Applications, 1)
	require.Equal(t, "/usr/bin/blender", cfg.Applications[0].Executable)
}

func TestLoadServerRejectsInvalid(t *testing.T) {
	cases := map[string]string{
		"FLEET_STORAGE_DRIVER": "mongo",
		"FLEET_BLOB_DRIVER":    "ftp",
		"FLEET_NOTIFY_MODE":    "sometimes",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			t.Setenv(key, value)
			_, err := loadServer(newViper("FLEET"))
			require.Error(t, err)
		})
	}

	t.Run("postgres without dsn", func(t *testing.T) {
		t.Setenv("FLEET_STORAGE_DRIVER", "postgres")
		_, err := loadServer(newViper("FLEET"))
		require.ErrorContains(t, err, "postgres_dsn")
	})
}

func TestLoadAgent(t *testing.T) {
	_, err := loadAgent(newViper("FLEET_AGENT"))
	require.ErrorContains(t, err, "runner_id")

	t.Setenv("FLEET_AGENT_RUNNER_ID", "r-1")
	t.Setenv("FLEET_AGENT_HEARTBEAT_INTERVAL", "5s")
	cfg, err := loadAgent(newViper("FLEET_AGENT"))
	require.NoError(t, err)
	require.Equal(t, "r-1", cfg.RunnerID)
	require.Equal(t, 5*time.Second, cfg.HeartbeatInterval)
	require.Equal(t, "http://localhost:8090", cfg.ServerURL)

	t.Setenv("FLEET_AGENT_HEARTBEAT_INTERVAL", "0s")
	_, err = loadAgent(newViper("FLEET_AGENT"))
	require.ErrorContains(t, err, "heartbeat_interval")
}
