package config

import (
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/zeebo/blake3"
	"gopkg.in/yaml.v3"
)

// ChecksumFile is the manifest name inside a config directory.
const ChecksumFile = ".checksums"

const manifestVersion = 1

// ChecksumManifest records the BLAKE3 hash of each config file, keyed by
// slash-separated path relative to the config directory.
type ChecksumManifest struct {
	Version     int               `yaml:"version"`
	GeneratedAt string            `yaml:"generated_at"`
	Hashes      map[string]string `yaml:"hashes"`
}

// FileChecksum is one file's entry in a ChecksumReport. Previous is the
// hash the old manifest held, empty if there was none.
type FileChecksum struct {
	Filename string
	Path     string
	Exists   bool
	Hash     string
	Previous string
}

// Changed reports whether the file's hash differs from the old manifest.
func (f FileChecksum) Changed() bool { return f.Exists && f.Hash != f.Previous }

// ChecksumReport describes one GenerateChecksums run.
type ChecksumReport struct {
	ConfigDir    string
	ChecksumPath string
	Written      bool
	Files        []FileChecksum
}

// HashFile streams path through BLAKE3 and returns the hex digest.
func HashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := blake3.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("hash %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// GenerateChecksums hashes files (relative to configDir) and, unless dryRun,
// replaces the manifest. Missing files are reported and left out.
func GenerateChecksums(configDir string, files []string, dryRun bool) (*ChecksumReport, error) {
	previous := map[string]string{}
	if old, err := LoadChecksums(configDir); err == nil {
		previous = old.Hashes
	}

	manifest := ChecksumManifest{
		Version:     manifestVersion,
		GeneratedAt: time.Now().UTC().Format(time.RFC3339),
		Hashes:      make(map[string]string, len(files)),
	}
	report := &ChecksumReport{
		ConfigDir:    configDir,
		ChecksumPath: filepath.Join(configDir, ChecksumFile),
		Files:        make([]FileChecksum, 0, len(files)),
	}
	for _, name := range files {
		key := filepath.ToSlash(name)
		entry := FileChecksum{Filename: key, Path: filepath.Join(configDir, name), Previous: previous[key]}
		sum, err := HashFile(entry.Path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, err
		default:
			entry.Exists, entry.Hash = true, sum
			manifest.Hashes[key] = sum
		}
		report.Files = append(report.Files, entry)
	}
	if dryRun {
		return report, nil
	}

	data, err := yaml.Marshal(manifest)
	if err != nil {
		return nil, fmt.Errorf("marshal checksums: %w", err)
	}
	if err := writeFileAtomic(report.ChecksumPath, data, 0o600); err != nil {
		return nil, fmt.Errorf("write checksums: %w", err)
	}
	report.Written = true
	return report, nil
}

// writeFileAtomic writes via a temp file in the same directory so readers
// never see a partial manifest.
func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(mode); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// LoadChecksums reads the manifest from a config directory. A missing
// manifest yields an error wrapping os.ErrNotExist.
func LoadChecksums(configDir string) (*ChecksumManifest, error) {
	data, err := os.ReadFile(filepath.Join(configDir, ChecksumFile))
	if err != nil {
		return nil, err
	}
	var m ChecksumManifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("parse %s: %w", ChecksumFile, err)
	}
	if m.Version != manifestVersion {
		return nil, fmt.Errorf("unsupported %s version %d", ChecksumFile, m.Version)
	}
	return &m, nil
}

// VerifyChecksums checks the loaded files against the manifest in configDir.
// Without a manifest there is nothing to verify. Files outside configDir are
// not covered.
func VerifyChecksums(configDir string, files []string) error {
	manifest, err := LoadChecksums(configDir)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}

	for _, path := range files {
		rel, err := filepath.Rel(configDir, path)
		if err != nil || strings.HasPrefix(rel, "..") {
			continue
		}
		rel = filepath.ToSlash(rel)
		want, ok := manifest.Hashes[rel]
		if !ok {
			return fmt.Errorf("config file %s has no hash in %s (run 'hotpatch config hash-update')", rel, ChecksumFile)
		}
		got, err := HashFile(path)
		if err != nil {
			return err
		}
		if got != want {
			return fmt.Errorf("config verification failed: hash mismatch for %s\n"+
				"If you edited this file intentionally, run: hotpatch config hash-update", rel)
		}
	}
	return nil
}
