package transfer

import (
	"bufio"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/mirrorkit/mirrorkit/pkg/flist"
	"github.com/mirrorkit/mirrorkit/pkg/logging"
	"github.com/mirrorkit/mirrorkit/pkg/rsync"
	"github.com/mirrorkit/mirrorkit/pkg/staging"
	"github.com/mirrorkit/mirrorkit/pkg/wire"
)

// generator walks a received file list, materializes directories and
// symbolic links, and requests transfers for regular files that are missing
// or stale locally. It writes on the raw client-to-server half of the
// connection while the receiver consumes responses concurrently.
type generator struct {
	// writer is the buffered client-to-server stream.
	writer *bufio.Writer
	// engine is the session's delta engine.
	engine *rsync.Engine
	// root is the destination root.
	root string
	// list is the received file list.
	list flist.List
	// paths holds the localized path for each list index, with empty strings
	// marking entries whose names couldn't be localized.
	paths []string
	// options are the session options.
	options *Options
	// logger is the generator's logger.
	logger *logging.Logger
	// uids and gids map remote identifiers to local ones.
	uids, gids idMap
	// requested maps requested list indices to their localized paths.
	requested map[int32]string
	// skipped counts regular files that were already up to date.
	skipped int
	// failures accumulates per-file failures.
	failures []*FileError
}

// run processes the file list and terminates both request phases.
func (g *generator) run() error {
	for _, entry := range g.list {
		if err := g.generate(entry); err != nil {
			return err
		}
	}

	// Terminate both request phases. The second phase exists for stock
	// peers' transfer retries, which aren't used: failed files are reported
	// rather than re-requested.
	if err := wire.WriteInt32(g.writer, -1); err != nil {
		return errors.Wrap(err, "unable to terminate first request phase")
	} else if err = wire.WriteInt32(g.writer, -1); err != nil {
		return errors.Wrap(err, "unable to terminate second request phase")
	} else if err = g.writer.Flush(); err != nil {
		return errors.Wrap(err, "unable to flush request stream")
	}

	// Success.
	return nil
}

// fail records a per-file failure.
func (g *generator) fail(path string, kind FileErrorKind, err error) {
	failure := &FileError{Path: path, Kind: kind, Err: err}
	g.failures = append(g.failures, failure)
	g.logger.Warn(failure)
}

// generate processes a single list entry. The returned error is non-nil only
// for stream-level failures; per-file problems are recorded and the entry
// skipped.
func (g *generator) generate(entry *flist.Entry) error {
	path := g.paths[entry.Index]
	if path == "" {
		// Localization failures were recorded when the list was received.
		return nil
	}
	target := filepath.Join(g.root, path)

	switch {
	case entry.Mode.IsDirectory():
		g.generateDirectory(entry, path, target)
		return nil
	case entry.Mode.IsSymbolicLink():
		g.generateLink(entry, path, target)
		return nil
	case entry.Mode.IsRegular():
		return g.generateFile(entry, path, target)
	default:
		return nil
	}
}

// generateDirectory materializes a directory entry. Owner access is always
// granted on creation so that content can be staged beneath the directory,
// even if the listed permissions are more restrictive.
func (g *generator) generateDirectory(entry *flist.Entry, path, target string) {
	if err := os.MkdirAll(target, entry.Mode.Permissions()|0700); err != nil {
		g.fail(path, FileErrorKindStorage, err)
		return
	}
	applyOwnership(target, entry, g.uids, g.gids, g.options, g.logger)
}

// generateLink materializes a symbolic link entry, replacing any existing
// link with a different target.
func (g *generator) generateLink(entry *flist.Entry, path, target string) {
	desired := string(entry.LinkTarget)
	if desired == "" {
		g.fail(path, FileErrorKindInvalidName, errors.New("empty link target"))
		return
	}
	if existing, err := os.Readlink(target); err == nil && existing == desired {
		return
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		g.fail(path, FileErrorKindStorage, err)
		return
	}
	if err := os.Symlink(desired, target); err != nil {
		g.fail(path, FileErrorKindStorage, err)
		return
	}
	applyOwnership(target, entry, g.uids, g.gids, g.options, g.logger)
}

// generateFile evaluates a regular file entry and requests a transfer if the
// local copy is missing or stale.
func (g *generator) generateFile(entry *flist.Entry, path, target string) error {
	// Skip files that are already up to date. Whole-second modification time
	// equality is the finest granularity the wire format can represent.
	if info, err := os.Lstat(target); err == nil {
		if info.Mode().IsRegular() && info.Size() == entry.Size &&
			info.ModTime().Unix() == entry.ModTime.Unix() {
			g.skipped++
			return nil
		}
	}

	// Compute the basis signature. A missing basis yields a null signature,
	// requesting a full transfer. Unreadable bases do the same: the server
	// can satisfy such requests without any local data.
	signature := &rsync.Signature{}
	if basis, err := staging.OpenBasis(target, g.options.MemoryMapBases); err == nil {
		signature = g.signature(basis, target)
		basis.Close()
	} else if !os.IsNotExist(err) {
		g.logger.Debugf("requesting full transfer for %s: %v", path, err)
	}

	// Transmit the request. Each request is flushed immediately so that the
	// server (and the concurrent receiver) can make progress.
	if err := wire.WriteInt32(g.writer, entry.Index); err != nil {
		return errors.Wrapf(err, "unable to request %s", entry.Path())
	} else if err = rsync.WriteSignature(g.writer, signature); err != nil {
		return errors.Wrapf(err, "unable to send signature for %s", entry.Path())
	} else if err = g.writer.Flush(); err != nil {
		return errors.Wrap(err, "unable to flush request stream")
	}
	g.requested[entry.Index] = path

	// Success.
	return nil
}

// signature computes a signature over an open basis, falling back to a null
// signature (requesting a full transfer) if the basis can't be read.
func (g *generator) signature(basis staging.Basis, target string) *rsync.Signature {
	info, err := os.Stat(target)
	if err != nil {
		return &rsync.Signature{}
	}
	blockLength := g.options.BlockLength
	if blockLength == 0 {
		blockLength = rsync.BlockLengthForBaseLength(info.Size())
	}
	strongLength := g.options.StrongSumLength
	if strongLength == 0 {
		strongLength = rsync.StrongSumLengthForBase(info.Size(), blockLength)
	}
	signature, err := g.engine.Signature(basis, info.Size(), blockLength, strongLength)
	if err != nil {
		g.logger.Debugf("requesting full transfer for %s: %v", target, err)
		return &rsync.Signature{}
	}
	return signature
}
