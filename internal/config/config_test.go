package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cochaviz/sbfverify/internal/verify"
)

func TestDefaultsAreValid(t *testing.T) {
	cfg := Default()
	require.NoError(t, cfg.Validate())
	require.Equal(t, DefaultRPCURL, cfg.RPCURL)
	require.Equal(t, verify.DefaultRegistry, cfg.Attestation.Registry)
	require.Equal(t, 30*time.Minute, cfg.Build.Timeout)
}

func TestLoadOverlaysFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	document := `
rpc_url: http://127.0.0.1:8899
state_dir: /var/lib/sbfverify
build:
  timeout: 45m
  jobs: 4
canonicalization:
  sections: [.note.gnu.build-id, .comment]
remote:
  url: https://verify.example.com
  initial_interval: 1s
log:
  format: json
`
	require.NoError(t, os.WriteFile(path, []byte(document), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "http://127.0.0.1:8899", cfg.RPCURL)
	require.Equal(t, 45*time.Minute, cfg.Build.Timeout)
	require.Equal(t, 4, cfg.Build.Jobs)
	require.Equal(t, "docker", cfg.Build.Docker, "unset keys keep their defaults")
	require.Equal(t, []string{".note.gnu.build-id", ".comment"}, cfg.Canonicalization.Sections)
	require.Equal(t, time.Second, cfg.Remote.InitialInterval)
	require.Equal(t, 30*time.Second, cfg.Remote.MaxInterval)
	require.Equal(t, "/var/lib/sbfverify/jobs.db", cfg.JobsDB())
}

func TestLoadExplicitPathMustExist(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestLoadDefaultPathMayBeMissing(t *testing.T) {
	t.Setenv("XDG_CONFIG_HOME", t.TempDir())
	t.Setenv("HOME", t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)
	require.Equal(t, DefaultRPCURL, cfg.RPCURL)
}

func TestDecodeRejectsInvalidValues(t *testing.T) {
	for name, document := range map[string]string{
		"unknown key":    "rpc_urll: x\n",
		"empty rpc":      "rpc_url: ''\n",
		"bad registry":   "attestation: {registry: not-a-key}\n",
		"bad log level":  "log: {level: loud}\n",
		"bad intervals":  "remote: {initial_interval: 1m, max_interval: 1s}\n",
		"negative jobs":  "build: {jobs: -1}\n",
		"bad log format": "log: {format: xml}\n",
	} {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			require.Error(t, Decode([]byte(document), &cfg))
		})
	}
}

func TestEnsureStateDirs(t *testing.T) {
	cfg := Default()
	cfg.StateDir = filepath.Join(t.TempDir(), "state")
	require.NoError(t, cfg.EnsureStateDirs())
	for _, dir := range []string{cfg.WorkDir(), cfg.ArtifactDir()} {
		info, err := os.Stat(dir)
		require.NoError(t, err)
		require.True(t, info.IsDir())
	}
}
