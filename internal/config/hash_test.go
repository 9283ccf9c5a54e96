package config

import (
	"encoding/hex"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/zeebo/blake3"
)

func TestHashFileMatchesBlake3(t *testing.T) {
	path := writeFile(t, t.TempDir(), "a.yaml", "service: {}\n")
	got, err := HashFile(path)
	require.NoError(t, err)
	sum := blake3.Sum256([]byte("service: {}\n"))
	assert.Equal(t, hex.EncodeToString(sum[:]), got)

	_, err = HashFile(filepath.Join(t.TempDir(), "nope"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestGenerateChecksumsReportsChanges(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "config.yaml", "service: {}\n")
	writeFile(t, dir, "extra/api.yaml", "api: {}\n")
	files := []string{"config.yaml", "extra/api.yaml"}

	first, err := GenerateChecksums(dir, files, false)
	require.NoError(t, err)
	for _, f := range first.Files {
		assert.True(t, f.Changed(), f.Filename)
	}

	writeFile(t, dir, "extra/api.yaml", "api:\n  enabled: false\n")
	second, err := GenerateChecksums(dir, files, true)
	require.NoError(t, err)
	assert.False(t, second.Written)
	assert.False(t, second.Files[0].Changed())
	assert.True(t, second.Files[1].Changed())
	assert.Equal(t, "extra/api.yaml", second.Files[1].Filename)

	// Dry runs leave the old manifest in place.
	m, err := LoadChecksums(dir)
	require.NoError(t, err)
	assert.Equal(t, first.Files[1].Hash, m.Hashes["extra/api.yaml"])

	info, err := os.Stat(filepath.Join(dir, ChecksumFile))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestLoadChecksumsRejectsUnknownVersion(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadChecksums(dir)
	assert.ErrorIs(t, err, os.ErrNotExist)

	writeFile(t, dir, ChecksumFile, "version: 9\nhashes: {}\n")
	_, err = LoadChecksums(dir)
	assert.ErrorContains(t, err, "unsupported")
}

func TestVerifyChecksumsRequiresEveryLoadedFile(t *testing.T) {
	dir := t.TempDir()
	cfgPath := writeFile(t, dir, "config.yaml", "include: [more.yaml]\n")
	more := writeFile(t, dir, "more.yaml", "service: {}\n")
	_, err := GenerateChecksums(dir, []string{"config.yaml"}, false)
	require.NoError(t, err)

	require.NoError(t, VerifyChecksums(dir, []string{cfgPath}))
	err = VerifyChecksums(dir, []string{cfgPath, more})
	assert.ErrorContains(t, err, "more.yaml has no hash")
}
