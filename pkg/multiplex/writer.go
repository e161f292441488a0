package multiplex

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// Writer multiplexes a data stream and out-of-band messages onto an
// underlying stream. Data writes are staged internally and emitted as single
// frames (header and payload in one underlying write) when the staging buffer
// fills or Flush is called, so callers must flush before expecting a peer to
// observe data. It is safe for concurrent use.
type Writer struct {
	// lock restricts access to the writer's state.
	lock sync.Mutex
	// writer is the underlying stream.
	writer io.Writer
	// buffer is the frame staging buffer. Its first four bytes are reserved
	// for the frame header so that each frame can be emitted with a single
	// write.
	buffer []byte
	// staged is the number of data bytes currently staged.
	staged uint32
	// err is the first error that occurred during a write, returned for all
	// subsequent operations.
	err error
}

// NewWriter creates a new multiplexing writer around the specified stream.
func NewWriter(writer io.Writer) *Writer {
	return &Writer{
		writer: writer,
		buffer: make([]byte, 4+dataChunkSize),
	}
}

// flushLocked emits staged data as a single frame. The writer's lock must be
// held.
func (w *Writer) flushLocked() error {
	// If nothing is staged, then there's nothing to do. Empty data frames are
	// legal but useless.
	if w.staged == 0 {
		return nil
	}

	// Encode the header into the reserved space and emit the frame with a
	// single write. The io.Writer contract guarantees a non-nil error for
	// short writes.
	encodeHeader(w.buffer[:4], TagData, w.staged)
	if _, err := w.writer.Write(w.buffer[:4+w.staged]); err != nil {
		w.err = errors.Wrap(err, "unable to write data frame")
		return w.err
	}

	// Success.
	w.staged = 0
	return nil
}

// Write stages data for transmission on the data stream, emitting frames as
// the staging buffer fills.
func (w *Writer) Write(data []byte) (int, error) {
	// Lock the writer and defer its release.
	w.lock.Lock()
	defer w.lock.Unlock()

	// Enforce error stickiness.
	if w.err != nil {
		return 0, errors.Wrap(w.err, "previous write error encountered")
	}

	// Stage data, flushing whenever the buffer fills.
	var total int
	for len(data) > 0 {
		if w.staged == dataChunkSize {
			if err := w.flushLocked(); err != nil {
				return total, err
			}
		}
		n := copy(w.buffer[4+w.staged:], data)
		w.staged += uint32(n)
		data = data[n:]
		total += n
	}

	// Success.
	return total, nil
}

// Flush emits any staged data.
func (w *Writer) Flush() error {
	// Lock the writer and defer its release.
	w.lock.Lock()
	defer w.lock.Unlock()

	// Enforce error stickiness.
	if w.err != nil {
		return errors.Wrap(w.err, "previous write error encountered")
	}

	// Flush.
	return w.flushLocked()
}

// Message sends an out-of-band message frame. Staged data is flushed first so
// that the peer observes the same ordering that the caller did.
func (w *Writer) Message(tag Tag, payload []byte) error {
	// Verify that the tag and payload are sendable. The payload bound matches
	// the one enforced by Reader.
	if !messageTag(tag) {
		return errors.Errorf("invalid message tag (%d)", tag)
	} else if len(payload) > maximumMessageLength {
		return ErrFrameTooLarge
	}

	// Lock the writer and defer its release.
	w.lock.Lock()
	defer w.lock.Unlock()

	// Enforce error stickiness.
	if w.err != nil {
		return errors.Wrap(w.err, "previous write error encountered")
	}

	// Flush staged data to preserve ordering.
	if err := w.flushLocked(); err != nil {
		return err
	}

	// Emit the message as a single frame.
	frame := make([]byte, 4+len(payload))
	encodeHeader(frame[:4], tag, uint32(len(payload)))
	copy(frame[4:], payload)
	if _, err := w.writer.Write(frame); err != nil {
		w.err = errors.Wrap(err, "unable to write message frame")
		return w.err
	}

	// Success.
	return nil
}

// Keepalive sends an empty keepalive frame, flushing staged data first.
func (w *Writer) Keepalive() error {
	// Lock the writer and defer its release.
	w.lock.Lock()
	defer w.lock.Unlock()

	// Enforce error stickiness.
	if w.err != nil {
		return errors.Wrap(w.err, "previous write error encountered")
	}

	// Flush staged data to preserve ordering.
	if err := w.flushLocked(); err != nil {
		return err
	}

	// Emit the keepalive frame.
	var frame [4]byte
	encodeHeader(frame[:], TagKeepalive, 0)
	if _, err := w.writer.Write(frame[:]); err != nil {
		w.err = errors.Wrap(err, "unable to write keepalive frame")
		return w.err
	}

	// Success.
	return nil
}
