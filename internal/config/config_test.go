package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	wd, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(t.TempDir()))
	t.Cleanup(func() { _ = os.Chdir(wd) })

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, ".", cfg.SavePath)
	assert.Equal(t, ".resume_file", cfg.ResumeFile)
	assert.Equal(t, 30*time.Second, cfg.SaveResumeInterval)
	assert.Equal(t, 200*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, 5, cfg.PipelineDepth)
	assert.Equal(t, 3, cfg.MaxPieceRetries)
	assert.Empty(t, cfg.Peers)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "torrentd.yaml")
	body := "save_path: /data\nsave_resume_interval: 5s\npipeline_depth: 12\npeers: 10.0.0.1:6881,10.0.0.2:6881\n"
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))

	t.Setenv("TORRENTD_MAX_PEERS", "7")

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "/data", cfg.SavePath)
	assert.Equal(t, 5*time.Second, cfg.SaveResumeInterval)
	assert.Equal(t, 12, cfg.PipelineDepth)
	assert.Equal(t, 7, cfg.MaxPeers)
	assert.Equal(t, []string{"10.0.0.1:6881", "10.0.0.2:6881"}, cfg.Peers)
}

func TestLoadMissingExplicitFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Config{PipelineDepth: 0, SaveResumeInterval: time.Second, PollInterval: time.Second, MaxPeers: 1}
	require.Error(t, cfg.Validate())

	cfg.PipelineDepth = 1
	require.NoError(t, cfg.Validate())
}
