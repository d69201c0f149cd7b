package config

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sample = `
receive:
  maxBatchChanges: 3
  deadline: 30s
  pluginOptions:
    - plugin: ci
      name: skip
      description: skip CI for this push
project:
  rejectImplicitMerges: true
  rejectCommits: ["1111111111111111111111111111111111111111"]
permissions:
  - ref: refs/heads/*
    permissions: [read, create-change]
    groups: [devs]
    action: allow
validators:
  maxSubjectLength: 50
`

func TestLoadOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "receive.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, cfg.Receive.MaxBatchChanges)
	assert.Equal(t, 30*time.Second, cfg.Receive.Deadline)
	assert.True(t, cfg.Receive.AllowPrivateChanges, "default kept")
	assert.Equal(t, 10000, cfg.Receive.MaxBatchCommits)
	assert.Equal(t, 5, cfg.Retry.Multiplier)
	assert.True(t, cfg.Project.RejectImplicitMerges)
	assert.Equal(t, 50, cfg.Validators.MaxSubjectLength)
	require.Len(t, cfg.Permissions, 1)
	assert.Equal(t, []string{"devs"}, cfg.Permissions[0].Groups)
	require.Len(t, cfg.Receive.PluginOptions, 1)
	assert.Equal(t, "skip", cfg.Receive.PluginOptions[0].Name)
}

func TestLoadMissingFileGivesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv(EnvDB, "/tmp/x.db")
	t.Setenv(EnvDeadline, "2m")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/x.db", cfg.Storage.DB)
	assert.Equal(t, 2*time.Minute, cfg.Receive.Deadline)

	t.Setenv(EnvDeadline, "soon")
	_, err = Load("")
	assert.Error(t, err)
}

func TestPathFallback(t *testing.T) {
	t.Setenv(EnvConfig, "")
	assert.Equal(t, "receive.yaml", Path(""))
	t.Setenv(EnvConfig, "/etc/jul/receive.yaml")
	assert.Equal(t, "/etc/jul/receive.yaml", Path(""))
	assert.Equal(t, "flag.yaml", Path("flag.yaml"))
}

func TestValidateRejectsUnknownAction(t *testing.T) {
	cfg := Default()
	cfg.Permissions = []PermissionRule{{Ref: "refs/*", Action: "maybe"}}
	assert.Error(t, cfg.Validate())
}

func TestWatchReloads(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "receive.yaml")
	require.NoError(t, os.WriteFile(path, []byte("receive:\n  maxBatchChanges: 1\n"), 0o644))
	cfg, err := Load(path)
	require.NoError(t, err)
	holder := NewHolder(cfg)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- Watch(ctx, path, holder) }()

	// Give the watcher time to register before writing.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("receive:\n  maxBatchChanges: 7\n"), 0o644)
		return holder.Get().Receive.MaxBatchChanges == 7
	}, 5*time.Second, 50*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
}

func TestParseRejectsInvalid(t *testing.T) {
	cfg, err := Parse([]byte("project:\n  readOnly: true\n"))
	require.NoError(t, err)
	assert.True(t, cfg.Project.ReadOnly)

	_, err = Parse([]byte("retry:\n  multiplier: 0\n"))
	assert.Error(t, err)

	_, err = Parse([]byte("receive: [\n"))
	assert.Error(t, err)
}
