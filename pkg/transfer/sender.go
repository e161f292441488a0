package transfer

import (
	"bufio"
	"io"
	"os"
	"path/filepath"

	"github.com/pkg/errors"

	"github.com/mirrorkit/mirrorkit/pkg/flist"
	"github.com/mirrorkit/mirrorkit/pkg/logging"
	"github.com/mirrorkit/mirrorkit/pkg/multiplex"
	"github.com/mirrorkit/mirrorkit/pkg/rsync"
	"github.com/mirrorkit/mirrorkit/pkg/wire"
)

// sender satisfies transfer requests on the serving side of a session,
// reading raw requests from the client and writing multiplexed delta
// streams back. It runs single-threaded: the protocol at this version is
// strictly request-driven.
type sender struct {
	// reader is the raw client-to-server stream.
	reader *bufio.Reader
	// writer is the multiplexed server-to-client stream.
	writer *multiplex.Writer
	// engine is the session's delta engine.
	engine *rsync.Engine
	// root is the serve root.
	root string
	// list is the transmitted file list.
	list flist.List
	// options are the session options.
	options *Options
	// logger is the sender's logger.
	logger *logging.Logger
	// seed is the session checksum seed.
	seed int32
	// reads and writes expose the session's connection-level byte counters
	// for final statistics.
	reads  *countingReader
	writes *countingWriter
	// totalSize is the total content size reported in final statistics.
	totalSize int64
}

// run satisfies transfer requests until both request phases end, then
// transmits session statistics and awaits the client's goodbye.
func (s *sender) run() error {
	phase := 0
	for {
		index, err := wire.ReadInt32(s.reader)
		if err != nil {
			return errors.Wrap(err, "unable to read transfer request")
		}
		if index == -1 {
			// Phase ends are echoed back to the client.
			if err := wire.WriteInt32(s.writer, -1); err != nil {
				return errors.Wrap(err, "unable to echo phase end")
			} else if err = s.writer.Flush(); err != nil {
				return errors.Wrap(err, "unable to flush phase end")
			}
			phase++
			if phase == 2 {
				break
			}
			continue
		}
		if index < 0 || int(index) >= len(s.list) {
			return errors.Errorf("invalid transfer request index (%d)", index)
		}
		entry := s.list[index]
		if !entry.Mode.IsRegular() {
			return errors.Errorf("transfer request for non-regular entry (%s)", entry.Path())
		}
		if err := s.send(entry); err != nil {
			return err
		}
	}

	// Transmit session statistics: bytes read, bytes written, and total
	// content size. The counters are sampled here, so the statistics
	// themselves (and the buffered frames carrying them) aren't included in
	// the written count, matching stock peers.
	if err := wire.WriteLong(s.writer, int64(s.reads.count)); err != nil {
		return errors.Wrap(err, "unable to send read statistics")
	} else if err = wire.WriteLong(s.writer, int64(s.writes.count)); err != nil {
		return errors.Wrap(err, "unable to send write statistics")
	} else if err = wire.WriteLong(s.writer, s.totalSize); err != nil {
		return errors.Wrap(err, "unable to send size statistics")
	} else if err = s.writer.Flush(); err != nil {
		return errors.Wrap(err, "unable to flush statistics")
	}

	// Await the client's final goodbye.
	index, err := wire.ReadInt32(s.reader)
	if err != nil {
		return errors.Wrap(err, "unable to read session goodbye")
	} else if index != -1 {
		return errors.Errorf("unexpected session goodbye (%d)", index)
	}

	// Success.
	return nil
}

// send satisfies a single transfer request. Files that can't be opened are
// skipped without a response; clients detect the missing response and report
// the file. The request's signature is consumed from the stream either way.
func (s *sender) send(entry *flist.Entry) error {
	signature, err := rsync.ReadSignature(s.reader)
	if err != nil {
		return errors.Wrapf(err, "unable to read signature for %s", entry.Path())
	}

	target := filepath.Join(s.root, filepath.FromSlash(string(entry.Name)))
	file, err := os.Open(target)
	if err != nil {
		s.logger.Warn(errors.Wrapf(err, "unable to open %s", entry.Path()))
		return nil
	}
	defer file.Close()

	// Echo the index and signature header.
	if err := wire.WriteInt32(s.writer, entry.Index); err != nil {
		return errors.Wrapf(err, "unable to echo index for %s", entry.Path())
	} else if err = rsync.WriteSumHead(s.writer, signature.Head()); err != nil {
		return errors.Wrapf(err, "unable to echo delta header for %s", entry.Path())
	}

	// Stream the delta, digesting content as it's read. Read failures at
	// this point are session-fatal: the index has been echoed and a
	// truncated token stream can't be distinguished from a corrupt one.
	digest := rsync.NewFileDigest(s.seed)
	content := io.TeeReader(file, digest)
	transmit := func(operation *rsync.Operation) error {
		if len(operation.Data) > 0 {
			if err := wire.WriteInt32(s.writer, int32(len(operation.Data))); err != nil {
				return err
			}
			_, err := s.writer.Write(operation.Data)
			return err
		}
		return wire.WriteInt32(s.writer, -(int32(operation.Index) + 1))
	}
	if err := s.engine.Deltafy(content, signature, s.options.MaximumDataOperationSize, transmit); err != nil {
		return errors.Wrapf(err, "unable to stream delta for %s", entry.Path())
	}

	// Terminate the delta stream and append the whole-file digest.
	if err := wire.WriteInt32(s.writer, 0); err != nil {
		return errors.Wrapf(err, "unable to terminate delta for %s", entry.Path())
	} else if _, err = s.writer.Write(digest.Sum(nil)); err != nil {
		return errors.Wrapf(err, "unable to send file digest for %s", entry.Path())
	} else if err = s.writer.Flush(); err != nil {
		return errors.Wrap(err, "unable to flush delta stream")
	}

	// Success.
	return nil
}
