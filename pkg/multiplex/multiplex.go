// Package multiplex implements the single-direction frame multiplexing that
// rsync protocol 27 peers apply to the server-to-client stream. Each frame is
// prefixed with a little-endian 32-bit word whose high byte carries a tag
// (offset by a fixed base) and whose low 24 bits carry the payload length.
// Tagged frames allow a transfer data stream and out-of-band log messages to
// share a single underlying connection.
package multiplex

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

// Tag identifies the kind of payload carried by a frame.
type Tag uint8

const (
	// TagData marks a frame belonging to the transfer data stream.
	TagData Tag = 0
	// TagErrorXfer marks a non-fatal error message concerning an individual
	// file transfer.
	TagErrorXfer Tag = 1
	// TagInfo marks an informational message.
	TagInfo Tag = 2
	// TagError marks a fatal error message.
	TagError Tag = 3
	// TagWarning marks a warning message.
	TagWarning Tag = 4
	// TagLog marks a log message.
	TagLog Tag = 6
	// TagKeepalive marks an empty frame sent to keep idle connections alive.
	// Peers absorb these transparently.
	TagKeepalive Tag = 42
)

const (
	// tagBase is the offset added to tags in the header word. Header words
	// with a high byte below this value can't be valid frames, which guards
	// against misinterpreting an unmultiplexed stream.
	tagBase = 7
	// maximumPayloadLength is the largest payload length that the 24-bit
	// length field can describe.
	maximumPayloadLength = 1<<24 - 1
	// maximumMessageLength is the sanity bound enforced on out-of-band
	// message payloads. Stock peers only generate short human-readable
	// messages, so anything larger indicates a corrupt or hostile stream.
	maximumMessageLength = 1 << 16
	// dataChunkSize is the staging capacity of writers and thus the largest
	// data frame they generate. It matches the output buffering of stock
	// peers.
	dataChunkSize = 32 * 1024
)

// ErrFrameTooLarge indicates an attempt to send a message payload larger than
// the frame format can carry.
var ErrFrameTooLarge = errors.New("frame payload too large")

// messageTag indicates whether or not a tag identifies an out-of-band message
// that peers are expected to route to a handler.
func messageTag(tag Tag) bool {
	switch tag {
	case TagErrorXfer, TagInfo, TagError, TagWarning, TagLog:
		return true
	default:
		return false
	}
}

// encodeHeader encodes a frame header into the first four bytes of the
// provided buffer.
func encodeHeader(buffer []byte, tag Tag, length uint32) {
	binary.LittleEndian.PutUint32(buffer, (uint32(tag)+tagBase)<<24|length)
}

// decodeHeader extracts the tag and payload length from a frame header word,
// rejecting words that can't represent a frame.
func decodeHeader(word uint32) (Tag, uint32, error) {
	rawTag := word >> 24
	if rawTag < tagBase {
		return 0, 0, errors.Errorf("invalid multiplex tag (%d)", rawTag)
	}
	return Tag(rawTag - tagBase), word & maximumPayloadLength, nil
}
