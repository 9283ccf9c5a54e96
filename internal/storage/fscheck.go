package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// Detector reports the filesystem type of an existing path.
type Detector func(path string) (string, error)

var networkFilesystems = map[string]struct{}{
	"9p":     {},
	"afpfs":  {},
	"afs":    {},
	"ceph":   {},
	"cifs":   {},
	"nfs":    {},
	"smbfs":  {},
	"smb2":   {},
	"webdav": {},
}

// RemoteFilesystemError reports a path that must be local but is not.
type RemoteFilesystemError struct {
	Path    string
	FSType  string
	Purpose string
}

func (e *RemoteFilesystemError) Error() string {
	return fmt.Sprintf("%s %q is on network filesystem %q; move it to local disk", e.Purpose, e.Path, e.FSType)
}

// CheckLocal returns a *RemoteFilesystemError when path, or its nearest
// existing parent, sits on a network filesystem. purpose names the path in
// the error ("journal", "lock file", "host root").
func CheckLocal(path, purpose string) error {
	return checkLocal(path, purpose, detectFilesystemType)
}

func checkLocal(path, purpose string, detect Detector) error {
	if path == "" {
		return fmt.Errorf("%s path is empty", purpose)
	}
	existing, err := nearestExistingPath(path)
	if err != nil {
		return fmt.Errorf("resolve %s path %q: %w", purpose, path, err)
	}
	fsType, err := detect(existing)
	if err != nil {
		return fmt.Errorf("detect filesystem for %q: %w", existing, err)
	}
	if isNetworkFilesystem(fsType) {
		return &RemoteFilesystemError{Path: path, FSType: fsType, Purpose: purpose}
	}
	return nil
}

// IsRemote reports whether err came from CheckLocal finding a network
// filesystem, as opposed to failing to look.
func IsRemote(err error) bool {
	var rerr *RemoteFilesystemError
	return errors.As(err, &rerr)
}

func nearestExistingPath(path string) (string, error) {
	candidate, err := filepath.Abs(path)
	if err != nil {
		return "", err
	}
	for {
		_, err := os.Stat(candidate)
		switch {
		case err == nil:
			return candidate, nil
		case !errors.Is(err, os.ErrNotExist):
			return "", err
		}
		parent := filepath.Dir(candidate)
		if parent == candidate {
			return "", fmt.Errorf("no existing parent for %q", path)
		}
		candidate = parent
	}
}

func isNetworkFilesystem(fsType string) bool {
	_, found := networkFilesystems[strings.TrimSpace(strings.ToLower(fsType))]
	return found
}
