package multiplex

import (
	"bufio"
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// MessageHandler handles out-of-band messages encountered while reading a
// multiplexed stream. The payload buffer is only valid for the duration of
// the call. If the handler returns an error, the read that surfaced the
// message fails with that error.
type MessageHandler func(tag Tag, payload []byte) error

// Reader extracts the data stream from a multiplexed stream, routing
// out-of-band messages to a handler and absorbing keepalive frames. It is not
// safe for concurrent use.
type Reader struct {
	// reader is a buffered version of the underlying stream. Buffering avoids
	// unnecessary overhead on the short reads used for header decoding.
	reader *bufio.Reader
	// handler is the out-of-band message handler, if any. Messages are
	// discarded when no handler is registered.
	handler MessageHandler
	// remaining is the number of unconsumed payload bytes in the current data
	// frame.
	remaining uint32
	// err is the first error encountered, returned for all subsequent reads.
	err error
}

// NewReader creates a new multiplexed stream reader with an optional message
// handler.
func NewReader(reader io.Reader, handler MessageHandler) *Reader {
	return &Reader{
		reader:  bufio.NewReader(reader),
		handler: handler,
	}
}

// advance decodes frames until one contributes to the data stream, handling
// message and keepalive frames along the way. On return, either remaining is
// non-0 or an error occurred. An EOF at a frame boundary is returned
// unwrapped, because this is a "natural" EOF boundary.
func (r *Reader) advance() error {
	for r.remaining == 0 {
		// Read the next header word.
		var headerBytes [4]byte
		if _, err := io.ReadFull(r.reader, headerBytes[:]); err != nil {
			if err == io.EOF {
				return io.EOF
			}
			return errors.Wrap(err, "unable to read frame header")
		}

		// Decode it.
		tag, length, err := decodeHeader(binary.LittleEndian.Uint32(headerBytes[:]))
		if err != nil {
			return err
		}

		// Dispatch on the tag.
		if tag == TagData {
			r.remaining = length
		} else if tag == TagKeepalive {
			if length != 0 {
				return errors.New("keepalive frame with payload")
			}
		} else if messageTag(tag) {
			if length > maximumMessageLength {
				return errors.Errorf("message frame size (%d) too large", length)
			}
			payload := make([]byte, length)
			if _, err := io.ReadFull(r.reader, payload); err != nil {
				return errors.Wrap(err, "unable to read message payload")
			}
			if r.handler != nil {
				if err := r.handler(tag, payload); err != nil {
					return err
				}
			}
		} else {
			return errors.Errorf("unexpected frame tag (%d)", tag)
		}
	}

	// Success.
	return nil
}

// Read reads from the data stream.
func (r *Reader) Read(buffer []byte) (int, error) {
	// Enforce error stickiness.
	if r.err != nil {
		return 0, r.err
	}

	// Ensure that data frame payload is available.
	if r.remaining == 0 {
		if err := r.advance(); err != nil {
			r.err = err
			return 0, err
		}
	}

	// Read up to the end of the current frame.
	if uint32(len(buffer)) > r.remaining {
		buffer = buffer[:r.remaining]
	}
	n, err := r.reader.Read(buffer)
	r.remaining -= uint32(n)

	// An EOF inside a frame means the stream was truncated. If data was read,
	// return it and let the next call surface the truncation.
	if err == io.EOF {
		if n > 0 {
			return n, nil
		}
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		r.err = err
	}
	return n, err
}
