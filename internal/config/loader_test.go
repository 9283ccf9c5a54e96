package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "service:\n  name: demo\n")

	cfg, err := Load(dir)
	require.NoError(t, err)
	assert.Equal(t, "demo", cfg.Service.Name)
	assert.Equal(t, 100*time.Millisecond, cfg.Service.TickInterval)
	assert.Equal(t, 100*time.Millisecond, cfg.Service.Debounce)
	assert.True(t, cfg.Agent.AutoHotswap)
	assert.Equal(t, filepath.Join(dir, "data", "journal.db"), cfg.Journal.Path)
	assert.Equal(t, filepath.Join(dir, "classes"), cfg.Host.Root)
	require.NotNil(t, cfg.Properties)
	assert.Equal(t, "true", cfg.Properties.MustGetString(PropAutoHotswap))
}

func TestLoadIncludesAndEnv(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("HOTPATCH_TEST_SECRET", "s3cret")
	writeFile(t, dir, "config.yaml", `
include:
  - extra/api.yaml
service:
  debounce: 250ms
  log_level: debug
`)
	writeFile(t, dir, "extra/api.yaml", `
api:
  enabled: true
webhooks:
  enabled: true
  secret: ${HOTPATCH_TEST_SECRET}
`)

	cfg, err := Load(filepath.Join(dir, "config.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 250*time.Millisecond, cfg.Service.Debounce)
	assert.True(t, cfg.API.Enabled)
	assert.Equal(t, "s3cret", cfg.Webhooks.Secret)
	assert.Equal(t, []string{"extra/api.yaml"}, cfg.Include)
	assert.Len(t, cfg.SourceFiles, 2)
}

func TestLoadMissingInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "include: [nope.yaml]\n")
	_, err := Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "file not found")
}

func TestLoadValidation(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{"bad level", "service:\n  log_level: loud\n", "log_level"},
		{"zero debounce", "service:\n  debounce: 0s\n", "debounce must be positive"},
		{"webhook without secret", "api:\n  enabled: true\nwebhooks:\n  enabled: true\n", "webhooks.secret"},
		{"webhook without api", "webhooks:\n  enabled: true\n  secret: x\n", "require the API"},
		{"unresolved secret", "api:\n  enabled: true\nwebhooks:\n  enabled: true\n  secret: ${HOTPATCH_UNSET_VAR}\n", "webhooks.secret"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := t.TempDir()
			writeFile(t, dir, "config.yaml", tt.yaml)
			_, err := Load(dir)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadVerifiesChecksums(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "service:\n  name: signed\n")

	report, err := GenerateChecksums(dir, []string{"config.yaml", "missing.yaml"}, false)
	require.NoError(t, err)
	assert.True(t, report.Written)
	assert.False(t, report.Files[1].Exists)

	_, err = Load(dir)
	require.NoError(t, err)

	writeFile(t, dir, "config.yaml", "service:\n  name: tampered\n")
	_, err = Load(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "hash mismatch")
}

func TestGetPath(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "service:\n  name: demo\n")
	cfg, err := Load(dir)
	require.NoError(t, err)

	v, err := cfg.GetPath("service.name")
	require.NoError(t, err)
	assert.Equal(t, "demo", v)

	v, err = cfg.GetPath("properties.LOGGER")
	require.NoError(t, err)
	assert.Equal(t, "info", v)

	_, err = cfg.GetPath("service.name.deeper")
	assert.Error(t, err)
	_, err = cfg.GetPath("service.nope")
	assert.Error(t, err)
}

func TestParseSize(t *testing.T) {
	for in, want := range map[string]int64{"": 1 << 20, "512KB": 512 << 10, "2mb": 2 << 20, "10": 10} {
		got, err := ParseSize(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseSize("lots")
	assert.Error(t, err)
}

func TestFilesIgnoresStaleChecksums(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "include:\n  - extra/api.yaml\n")
	writeFile(t, dir, "extra/api.yaml", "api:\n  enabled: false\n")
	outside := writeFile(t, t.TempDir(), "far.yaml", "service:\n  name: far\n")
	writeFile(t, dir, "config.yaml", "include:\n  - extra/api.yaml\n  - "+outside+"\n")
	writeFile(t, dir, ChecksumFile, "version: 1\nhashes:\n  config.yaml: deadbeef\n")

	gotDir, files, err := Files(dir)
	require.NoError(t, err)
	assert.Equal(t, dir, gotDir)
	assert.Equal(t, []string{"config.yaml", "extra/api.yaml"}, files)

	_, err = Load(dir)
	assert.Error(t, err)
}
