package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultHasSaneBaseline(t *testing.T) {
	c := Default()
	assert.Equal(t, "sqlite", c.StoreBackend)
	assert.Equal(t, "memory", c.LockBackend)
	assert.Equal(t, 5, c.MaxConcurrentExternal)
	assert.NotEmpty(t, c.PrimaryModel)
}

func TestLoadFileOverlaysNamedFields(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "digestor.yaml")
	yamlBody := "primary_model: gpt-4o-mini-custom\nmax_concurrent_external: 9\nstore_backend: postgres\n"
	require.NoError(t, os.WriteFile(path, []byte(yamlBody), 0o644))

	c, err := LoadFile(path, Default())
	require.NoError(t, err)
	assert.Equal(t, "gpt-4o-mini-custom", c.PrimaryModel)
	assert.Equal(t, 9, c.MaxConcurrentExternal)
	assert.Equal(t, "postgres", c.StoreBackend)
	assert.Equal(t, Default().MaxConcurrentPerUser, c.MaxConcurrentPerUser)
}

func TestLoadFileMissingFileIsNotAnError(t *testing.T) {
	c, err := LoadFile(filepath.Join(t.TempDir(), "absent.yaml"), Default())
	require.NoError(t, err)
	assert.Equal(t, Default(), c)
}

func TestLoadFileRejectsMalformedYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("not: [valid: yaml"), 0o644))

	_, err := LoadFile(path, Default())
	assert.Error(t, err)
}

func TestLoadEnvWinsOverConfigFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "digestor.yaml")
	require.NoError(t, os.WriteFile(path, []byte("primary_model: from-file\nstore_backend: sqlite\n"), 0o644))

	t.Setenv("CONFIG_FILE", path)
	t.Setenv("PRIMARY_MODEL", "from-env")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "from-env", c.PrimaryModel)
}

func TestLoadRejectsUnknownStoreBackend(t *testing.T) {
	t.Setenv("STORE_BACKEND", "mongodb")
	_, err := Load()
	assert.Error(t, err)
}
