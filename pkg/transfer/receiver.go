package transfer

import (
	"bytes"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/mirrorkit/mirrorkit/pkg/flist"
	"github.com/mirrorkit/mirrorkit/pkg/logging"
	"github.com/mirrorkit/mirrorkit/pkg/rsync"
	"github.com/mirrorkit/mirrorkit/pkg/staging"
	"github.com/mirrorkit/mirrorkit/pkg/wire"
)

// receiver reconstructs files from delta streams arriving on the
// demultiplexed server-to-client half of the connection. Failures scoped to
// a single file (unreadable bases, storage errors, digest mismatches) don't
// abort the session: the remainder of the file's delta stream is consumed to
// keep the connection synchronized, the staged content is discarded, and the
// failure is recorded.
type receiver struct {
	// reader is the demultiplexed server-to-client stream.
	reader io.Reader
	// root is the destination root.
	root string
	// list is the received file list.
	list flist.List
	// paths holds the localized path for each list index, with empty strings
	// marking entries whose names couldn't be localized.
	paths []string
	// options are the session options.
	options *Options
	// logger is the receiver's logger.
	logger *logging.Logger
	// seed is the session checksum seed.
	seed int32
	// stager stages reconstructed content until commit.
	stager staging.Stager
	// uids and gids map remote identifiers to local ones.
	uids, gids idMap
	// answered marks list indices for which delta streams arrived.
	answered map[int32]bool
	// transferred counts committed files.
	transferred int
	// literal counts literal data bytes received in delta streams.
	literal uint64
	// matched counts bytes reconstructed from local bases.
	matched uint64
	// failures accumulates per-file failures.
	failures []*FileError
}

// faultWriter tracks the first failure of an underlying writer while
// remaining writable itself, so that copies driven by the network can
// continue (keeping the stream synchronized) after local storage fails.
type faultWriter struct {
	writer io.Writer
	err    error
}

func (w *faultWriter) Write(data []byte) (int, error) {
	if w.err == nil {
		if _, err := w.writer.Write(data); err != nil {
			w.err = err
		}
	}
	return len(data), nil
}

// run consumes delta streams until both transfer phases end.
func (r *receiver) run() error {
	phase := 0
	for {
		index, err := wire.ReadInt32(r.reader)
		if err != nil {
			return errors.Wrap(err, "unable to read file index")
		}
		if index == -1 {
			if phase == 0 {
				phase++
				continue
			}
			break
		}
		if index < 0 || int(index) >= len(r.list) {
			return errors.Errorf("invalid file index (%d)", index)
		}
		entry := r.list[index]
		if !entry.Mode.IsRegular() {
			return errors.Errorf("delta stream for non-regular entry (%s)", entry.Path())
		}
		if err := r.receive(entry); err != nil {
			return err
		}
	}

	// Success.
	return nil
}

// fail records a per-file failure.
func (r *receiver) fail(failure *FileError) {
	r.failures = append(r.failures, failure)
	r.logger.Warn(failure)
}

// receive consumes a single delta stream and reconstructs the corresponding
// file. The returned error is non-nil only for stream-level failures.
func (r *receiver) receive(entry *flist.Entry) error {
	// Read the echoed signature header, which determines the length of each
	// copy operation in the stream.
	head, err := rsync.ReadSumHead(r.reader)
	if err != nil {
		return errors.Wrapf(err, "unable to read delta header for %s", entry.Path())
	}
	r.answered[entry.Index] = true

	// Entries whose names couldn't be localized have already been recorded
	// as failures, but their streams still need to be consumed.
	var failure *FileError
	path := r.paths[entry.Index]
	silent := path == ""

	// Announce the file to any progress watcher.
	if !silent && r.options.Progress != nil {
		r.options.Progress(entry.Path())
	}

	// Open the basis and staging sink. A missing basis is normal (it means
	// the generator requested a full transfer), and open failures only
	// matter if a copy operation actually needs the basis.
	var basis staging.Basis
	var basisErr error
	var sink io.WriteCloser
	if !silent {
		target := filepath.Join(r.root, path)
		if opened, err := staging.OpenBasis(target, r.options.MemoryMapBases); err == nil {
			basis = opened
		} else if !os.IsNotExist(err) {
			basisErr = err
		}
		if opened, err := r.stager.Sink(path); err == nil {
			sink = opened
		} else {
			failure = &FileError{Path: path, Kind: FileErrorKindStorage, Err: err}
		}
	}

	// Reconstructed content flows through the digest and into the sink. The
	// sink is wrapped so that its failures are captured without interrupting
	// network-driven copies.
	output := &faultWriter{writer: io.Discard}
	if sink != nil {
		output.writer = sink
	}
	digest := rsync.NewFileDigest(r.seed)
	destination := io.MultiWriter(digest, output)

	// abort releases the basis and any staged content after a stream-level
	// failure. The session is tearing down at that point, so release
	// failures are ignored.
	abort := func() {
		if basis != nil {
			basis.Close()
		}
		if sink != nil {
			sink.Close()
			r.stager.Discard(path)
		}
	}

	// Consume the delta stream.
	for {
		token, err := wire.ReadInt32(r.reader)
		if err != nil {
			abort()
			return errors.Wrapf(err, "unable to read delta token for %s", entry.Path())
		}
		if token == 0 {
			break
		} else if token > 0 {
			// Literal data. This is always consumed from the stream, even
			// after a failure, to stay synchronized.
			if _, err := io.CopyN(destination, r.reader, int64(token)); err != nil {
				abort()
				return errors.Wrapf(err, "unable to read literal data for %s", entry.Path())
			}
			r.literal += uint64(token)
			continue
		}

		// Copy operation.
		index := -(token + 1)
		if index < 0 || index >= head.Count {
			if failure == nil && !silent {
				failure = &FileError{Path: path, Kind: FileErrorKindBasis, Err: rsync.ErrBlockOutOfRange}
			}
			continue
		}
		length := head.BlockLengthAt(index)
		r.matched += uint64(length)
		if failure != nil || silent {
			continue
		}
		if basis == nil {
			err := basisErr
			if err == nil {
				err = errors.New("copy operation without local basis")
			}
			failure = &FileError{Path: path, Kind: FileErrorKindBasis, Err: err}
			continue
		}
		if _, err := basis.Seek(int64(index)*int64(head.BlockLength), io.SeekStart); err != nil {
			failure = &FileError{Path: path, Kind: FileErrorKindBasis, Err: err}
			continue
		}
		if _, err := io.CopyN(destination, basis, length); err != nil {
			failure = &FileError{Path: path, Kind: FileErrorKindBasis, Err: err}
			continue
		}
	}

	// Read the whole-file digest.
	var expected [rsync.FullStrongSumLength]byte
	if _, err := io.ReadFull(r.reader, expected[:]); err != nil {
		abort()
		return errors.Wrapf(err, "unable to read file digest for %s", entry.Path())
	}

	// Release the basis.
	if basis != nil {
		if err := basis.Close(); err != nil {
			r.logger.Warn(errors.Wrapf(err, "unable to close basis for %s", entry.Path()))
		}
	}

	// Burned streams end here.
	if silent {
		return nil
	}

	// Promote deferred storage failures and verify the digest.
	if failure == nil && output.err != nil {
		failure = &FileError{Path: path, Kind: FileErrorKindStorage, Err: output.err}
	}
	if failure == nil && !bytes.Equal(digest.Sum(nil), expected[:]) {
		failure = &FileError{Path: path, Kind: FileErrorKindDigest}
	}

	// Finalize the sink.
	if sink != nil {
		if err := sink.Close(); err != nil && failure == nil {
			failure = &FileError{Path: path, Kind: FileErrorKindStorage, Err: err}
		}
	}
	if failure != nil {
		if sink != nil {
			if err := r.stager.Discard(path); err != nil {
				r.logger.Warn(errors.Wrapf(err, "unable to discard staged content for %s", entry.Path()))
			}
		}
		r.fail(failure)
		return nil
	}

	// Commit the reconstructed file into place.
	if err := r.stager.Commit(path, entry.Mode.Permissions(), entry.ModTime); err != nil {
		r.stager.Discard(path)
		r.fail(&FileError{Path: path, Kind: FileErrorKindStorage, Err: err})
		return nil
	}
	applyOwnership(filepath.Join(r.root, path), entry, r.uids, r.gids, r.options, r.logger)
	r.transferred++

	// Success.
	return nil
}
