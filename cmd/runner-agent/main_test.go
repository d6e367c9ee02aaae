package main

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/vyvo/compute/fleet/pkg/config"
)

func TestLoadTokenPrefersPersistedCredential(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runner.token")
	cfg := config.AgentConfig{Token: "pairing", TokenFile: path}

	token, paired, err := loadToken(cfg)
	require.NoError(t, err)
	require.Equal(t, "pairing", token)
	require.False(t, paired)

	require.NoError(t, os.WriteFile(path, []byte("rotated\n"), 0o600))
	token, paired, err = loadToken(cfg)
	require.NoError(t, err)
	require.Equal(t, "rotated", token)
	require.True(t, paired)
}

func TestLoadTokenRequiresCredential(t *testing.T) {
	_, _, err := loadToken(config.AgentConfig{TokenFile: filepath.Join(t.TempDir(), "missing")})
	require.Error(t, err)
}

func TestHostInfoUsesKnownFields(t *testing.T) {
	info := hostInfo()
	require.Contains(t, info, "system_name")
	require.Contains(t, info, "cpu_logical_cores")
}
