// Package staging provides the storage boundary used by the receiving side of
// a transfer: reconstructed files are written to staging storage and made
// visible atomically on commit, and basis content is read through a seekable
// interface that copy operations can be materialized from.
package staging

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	// temporaryNamePrefix is the file name prefix used for staging storage.
	// Storage is created alongside its destination so that the commit rename
	// never crosses a filesystem boundary.
	temporaryNamePrefix = ".mirrorkit-staging-"
	// maximumStagingAge is the age beyond which staging storage is considered
	// orphaned. Younger storage may belong to another in-flight session and
	// is left alone.
	maximumStagingAge = time.Hour
)

// Stager is the interface to staged file storage. Paths are
// forward-slash-free cleaned paths relative to the stager's root; callers are
// responsible for sanitizing untrusted names before staging. Implementations
// are not safe for concurrent use, and each sink must be closed before any
// other method is invoked.
type Stager interface {
	// Sink opens staging storage for the specified path. The returned sink
	// must be closed before the path can be committed or discarded.
	Sink(path string) (io.WriteCloser, error)
	// Commit moves previously staged content into place at the specified
	// path with the specified permissions and modification time.
	Commit(path string, permissions os.FileMode, modTime time.Time) error
	// Discard removes any staged content for the specified path.
	Discard(path string) error
}

// stager is the local filesystem Stager implementation.
type stager struct {
	// root is the destination root path.
	root string
	// staged maps staged paths to their temporary storage locations.
	staged map[string]string
}

// NewStager creates a Stager that stages content for destinations beneath the
// specified root directory.
func NewStager(root string) Stager {
	return &stager{
		root:   root,
		staged: make(map[string]string),
	}
}

// Sink implements Stager.Sink.
func (s *stager) Sink(path string) (io.WriteCloser, error) {
	// Discard any previously staged content for the path, e.g. from a
	// transfer attempt that failed mid-stream.
	if err := s.Discard(path); err != nil {
		return nil, err
	}

	// Create storage next to the destination. The os package already uses
	// secure permissions for creating temporary files; the final permissions
	// are applied on commit.
	storage, err := os.CreateTemp(filepath.Dir(filepath.Join(s.root, path)), temporaryNamePrefix)
	if err != nil {
		return nil, errors.Wrap(err, "unable to create staging storage")
	}

	// Record it.
	s.staged[path] = storage.Name()

	// Success.
	return storage, nil
}

// Commit implements Stager.Commit.
func (s *stager) Commit(path string, permissions os.FileMode, modTime time.Time) error {
	// Look up the storage.
	storage, ok := s.staged[path]
	if !ok {
		return errors.New("no staged content for path")
	}
	delete(s.staged, path)

	// Apply metadata before the content becomes visible.
	if err := os.Chmod(storage, permissions); err != nil {
		os.Remove(storage)
		return errors.Wrap(err, "unable to set permissions")
	}
	if err := os.Chtimes(storage, modTime, modTime); err != nil {
		os.Remove(storage)
		return errors.Wrap(err, "unable to set modification time")
	}

	// Swap the content into place.
	if err := os.Rename(storage, filepath.Join(s.root, path)); err != nil {
		os.Remove(storage)
		return errors.Wrap(err, "unable to relocate staged content")
	}

	// Success.
	return nil
}

// Discard implements Stager.Discard.
func (s *stager) Discard(path string) error {
	storage, ok := s.staged[path]
	if !ok {
		return nil
	}
	delete(s.staged, path)
	if err := os.Remove(storage); err != nil {
		return errors.Wrap(err, "unable to remove staged content")
	}
	return nil
}

// Housekeep removes orphaned staging storage from the specified directories.
// Storage younger than an hour is left alone since it may belong to a
// concurrent session. Failures are silently ignored: housekeeping is
// best-effort and the next session will retry.
func Housekeep(directories []string) {
	// Grab the current time for age computations.
	now := time.Now()

	// Process each directory.
	for _, directory := range directories {
		// Read the directory contents, ignoring failures.
		entries, err := os.ReadDir(directory)
		if err != nil {
			continue
		}

		// Remove any staging storage that's exceeded its maximum age.
		for _, entry := range entries {
			if !strings.HasPrefix(entry.Name(), temporaryNamePrefix) {
				continue
			}
			info, err := entry.Info()
			if err != nil || now.Sub(info.ModTime()) < maximumStagingAge {
				continue
			}
			os.Remove(filepath.Join(directory, entry.Name()))
		}
	}
}
