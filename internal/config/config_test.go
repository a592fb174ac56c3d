package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultIsValid(t *testing.T) {
	require.NoError(t, Default().Validate())
}

func TestLoadMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "does-not-exist.yaml"))
	require.NoError(t, err)
	assert.Equal(t, Default().Fusion, cfg.Fusion)
}

func TestLoadOverridesDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	yamlBody := "fusion:\n  vector_weight: 0.6\n  text_weight: 0.25\n  graph_weight: 0.15\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.InDelta(t, 0.6, cfg.Fusion.VectorWeight, 0.0001)
	require.NoError(t, cfg.Validate())
}

func TestValidateRejectsBadWeights(t *testing.T) {
	cfg := Default()
	cfg.Fusion.VectorWeight = 0.9
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsDimensionMismatch(t *testing.T) {
	cfg := Default()
	cfg.Vector.Dimensions = 128
	assert.Error(t, cfg.Validate())
}

func TestEnvOverrideDataDir(t *testing.T) {
	t.Setenv("HYBRIDMEM_DATA_DIR", "/tmp/custom-hybridmem")
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom-hybridmem", cfg.Paths.DataDir)
}
