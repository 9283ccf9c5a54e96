//go:build !darwin && !linux

package storage

// Unknown platforms are treated as local.
func detectFilesystemType(string) (string, error) {
	return "unknown", nil
}
