package transfer

import (
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
)

// localizePath converts a wire-format name (slash-separated, relative) to a
// native path relative to the transfer root, rejecting names that would
// escape it. File lists are remote input and can't be trusted to be
// well-formed.
func localizePath(name []byte) (string, error) {
	// Reject empty names and names containing NUL bytes.
	path := string(name)
	if path == "" {
		return "", errors.New("empty name")
	} else if strings.IndexByte(path, 0) >= 0 {
		return "", errors.New("name contains NUL byte")
	}

	// Convert to a native path and collapse any redundant components.
	path = filepath.Clean(filepath.FromSlash(path))

	// Reject paths that point outside the transfer root.
	if filepath.IsAbs(path) || filepath.VolumeName(path) != "" {
		return "", errors.New("name is not relative")
	} else if path == ".." || strings.HasPrefix(path, ".."+string(filepath.Separator)) {
		return "", errors.New("name escapes transfer root")
	}

	// Success.
	return path, nil
}
