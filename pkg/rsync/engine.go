package rsync

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"hash"
	"io"

	"github.com/pkg/errors"

	"golang.org/x/crypto/md4"
)

// ErrBlockOutOfRange indicates that a block copy operation referenced a block
// index beyond the range described by the corresponding signature.
var ErrBlockOutOfRange = errors.New("block copy operation references out-of-range block")

// Operation represents a single delta operation: either a chunk of literal
// data to be written to the target or a reference to a basis block to be
// copied. An operation is a data operation if its Data member is non-empty
// and a block copy operation otherwise.
type Operation struct {
	// Data is the literal data for a data operation. It must be empty for
	// block copy operations.
	Data []byte
	// Index is the index of the referenced basis block for a block copy
	// operation. It must be 0 for data operations.
	Index uint32
}

// EnsureValid verifies that operation invariants are respected.
func (o *Operation) EnsureValid() error {
	// A nil operation is not valid.
	if o == nil {
		return errors.New("nil operation")
	}

	// Ensure that the operation parameters are coherent. Block indices are
	// validated against a specific signature at patch time.
	if len(o.Data) > 0 && o.Index != 0 {
		return errors.New("data operation with non-0 block index")
	}

	// Success.
	return nil
}

// Copy creates a deep copy of an operation.
func (o *Operation) Copy() *Operation {
	// Make a copy of the operation's data buffer if necessary.
	var data []byte
	if len(o.Data) > 0 {
		data = make([]byte, len(o.Data))
		copy(data, o.Data)
	}

	// Create the copy.
	return &Operation{
		Data:  data,
		Index: o.Index,
	}
}

const (
	// DefaultMaximumDataOperationSize is the default maximum data size
	// permitted per operation. It matches the chunk size that stock rsync
	// peers use when streaming literal data, which keeps each data operation
	// encodable as a single token on the wire. This value will be used if a
	// zero value is passed into Engine.Deltafy or Engine.DeltafyBytes for the
	// maxDataOpSize parameter.
	DefaultMaximumDataOperationSize = 32 * 1024
)

// OperationTransmitter transmits an operation. Operation objects and their
// data buffers are re-used between calls to the transmitter, so the
// transmitter should not return until it has either transmitted the operation
// or copied it for later transmission.
type OperationTransmitter func(*Operation) error

// Engine provides rsync functionality without any notion of transport. It is
// designed to be re-used to avoid heavy buffer allocation, and each instance
// is bound to a single checksum seed, so sessions should create their own.
type Engine struct {
	// seed is the checksum seed mixed into strong hashes.
	seed int32
	// seedBuffer is the little-endian encoding of seed.
	seedBuffer [4]byte
	// buffer is a re-usable buffer that will be used for reading data and
	// setting up operations.
	buffer []byte
	// strongHasher is the strong hash function to use for the engine.
	strongHasher hash.Hash
	// strongHashBuffer is a re-usable buffer that can be used by methods to
	// receive digests.
	strongHashBuffer []byte
	// targetReader is a re-usable bufio.Reader that will be used for delta
	// creation operations.
	targetReader *bufio.Reader
	// operation is a re-usable operation object used for transmissions to
	// avoid allocations.
	operation *Operation
}

// NewEngine creates a new rsync engine using the specified checksum seed.
// Both ends of a session have to agree on the seed for their block checksums
// to agree.
func NewEngine(seed int32) *Engine {
	// Create the strong hash function. MD4 is what peers speaking protocol 27
	// expect, and while it's long broken for cryptographic purposes, the
	// whole-file digest check means an undetected block corruption also
	// requires a whole-file collision.
	strongHasher := md4.New()

	// Create the engine.
	engine := &Engine{
		seed:             seed,
		strongHasher:     strongHasher,
		strongHashBuffer: make([]byte, strongHasher.Size()),
		targetReader:     bufio.NewReader(nil),
		operation:        &Operation{},
	}
	binary.LittleEndian.PutUint32(engine.seedBuffer[:], uint32(seed))

	// Done.
	return engine
}

// bufferWithSize lazily allocates the engine's internal buffer, ensuring that
// it is the required size. The capacity of the internal buffer is retained
// between calls to avoid allocations if possible.
func (e *Engine) bufferWithSize(size uint64) []byte {
	// Check if the buffer currently has the required capacity. If it does,
	// then use that space. Note that we're checking *capacity* - you're
	// allowed to slice a buffer up to its capacity, not just its length. Of
	// course, if you don't own the buffer, you could run into problems with
	// accessing data outside the slice that was given to you, but this buffer
	// is completely internal, so that's not a concern.
	if uint64(cap(e.buffer)) >= size {
		return e.buffer[:size]
	}

	// If we couldn't use our existing buffer, create a new one, but store it
	// for later re-use.
	e.buffer = make([]byte, size)
	return e.buffer
}

// strongHash computes the strong hash of a block of data. Nonzero seeds are
// mixed in by appending their little-endian encoding to the block data, which
// is the convention that stock rsync peers use for block checksums. If
// allocate is true, then a new byte slice will be allocated to receive the
// digest, otherwise the engine's internal digest buffer will be used, but
// then the digest will only be valid until the next call to strongHash.
func (e *Engine) strongHash(data []byte, allocate bool) []byte {
	// Reset the hasher.
	e.strongHasher.Reset()

	// Digest the data, mixing in nonzero seeds. The Hash interface guarantees
	// that writes succeed.
	e.strongHasher.Write(data)
	if e.seed != 0 {
		e.strongHasher.Write(e.seedBuffer[:])
	}

	// Compute the output location.
	var output []byte
	if !allocate {
		output = e.strongHashBuffer[:0]
	}

	// Compute the digest.
	return e.strongHasher.Sum(output)
}

// NewFileDigest creates a hash that computes the whole-file integrity digest
// for the specified checksum seed. The seed's little-endian encoding is
// digested before any file data, unconditionally, unlike the block checksum
// convention of only appending nonzero seeds. Resetting the returned hash
// discards the seed prefix, so callers should create a new digest for each
// file.
func NewFileDigest(seed int32) hash.Hash {
	digest := md4.New()
	var seedBuffer [4]byte
	binary.LittleEndian.PutUint32(seedBuffer[:], uint32(seed))
	digest.Write(seedBuffer[:])
	return digest
}

// Signature computes the signature of a base stream. The block length and
// strong sum length to use can be forced by passing non-0 values, otherwise
// they are derived from the specified base length using the same derivation
// as stock rsync peers. The base length is only consulted for this
// derivation - the stream itself determines the resulting block count and
// remainder.
func (e *Engine) Signature(base io.Reader, baseLength int64, blockLength, strongLength uint32) (*Signature, error) {
	// Derive parameters where they aren't forced.
	if blockLength == 0 {
		blockLength = BlockLengthForBaseLength(baseLength)
	}
	if strongLength == 0 {
		strongLength = StrongSumLengthForBase(baseLength, blockLength)
	}

	// Create the result.
	result := &Signature{
		BlockLength:  blockLength,
		StrongLength: strongLength,
	}

	// Create a buffer with which to read blocks.
	buffer := e.bufferWithSize(uint64(blockLength))

	// Read blocks and append their hashes until we reach EOF. If we receive
	// io.EOF, then nothing was read, and we should break immediately. This
	// means that the base had a length that was a multiple of the block
	// length (or was empty). If we receive io.ErrUnexpectedEOF, then a short
	// final block was read, so we should hash it but not go through the loop
	// again. All other errors are terminal.
	eof := false
	for !eof {
		n, err := io.ReadFull(base, buffer)
		if err == io.EOF {
			break
		} else if err == io.ErrUnexpectedEOF {
			result.Remainder = uint32(n)
			eof = true
		} else if err != nil {
			return nil, errors.Wrap(err, "unable to read data block")
		}

		// Compute hashes for the block that was read. Weak checksums cover
		// the actual block length, including for a short final block, because
		// that's what rolling searches (and stock rsync peers) compute.
		weak, _, _ := weakChecksum(buffer[:n])
		strong := make([]byte, strongLength)
		copy(strong, e.strongHash(buffer[:n], false))

		// Add the block hash.
		result.Hashes = append(result.Hashes, BlockHash{
			Weak:   weak,
			Strong: strong,
		})
	}

	// Success.
	return result, nil
}

// BytesSignature computes the signature of a byte slice.
func (e *Engine) BytesSignature(base []byte, blockLength, strongLength uint32) *Signature {
	// Perform the signature and watch for errors (which shouldn't be able to
	// occur in-memory).
	result, err := e.Signature(bytes.NewReader(base), int64(len(base)), blockLength, strongLength)
	if err != nil {
		panic(errors.Wrap(err, "in-memory signature failure"))
	}

	// Success.
	return result
}

// dualModeReader unifies the io.Reader and io.ByteReader interfaces. It is
// used in deltification operations to ensure that bytes can be efficiently
// extracted from targets.
type dualModeReader interface {
	io.Reader
	io.ByteReader
}

// min implements simple minimum finding for uint64 values.
func min(a, b uint64) uint64 {
	if a < b {
		return a
	}
	return b
}

// transmitData transmits a data operation using the engine's internal
// operation object.
func (e *Engine) transmitData(data []byte, transmit OperationTransmitter) error {
	// Set the operation parameters.
	*e.operation = Operation{
		Data: data,
	}

	// Transmit.
	return transmit(e.operation)
}

// transmitBlock transmits a block copy operation using the engine's internal
// operation object.
func (e *Engine) transmitBlock(index uint32, transmit OperationTransmitter) error {
	// Set the operation parameters.
	*e.operation = Operation{
		Index: index,
	}

	// Transmit.
	return transmit(e.operation)
}

// chunkAndTransmitAll is a fast-path routine for simply transmitting all data
// in a target stream. This is used when there are no blocks to match because
// the base stream is empty or nonexistent.
func (e *Engine) chunkAndTransmitAll(target io.Reader, maxDataOpSize uint64, transmit OperationTransmitter) error {
	// Verify that maxDataOpSize is sane.
	if maxDataOpSize == 0 {
		maxDataOpSize = DefaultMaximumDataOperationSize
	}

	// Create a buffer to transmit data operations.
	buffer := e.bufferWithSize(maxDataOpSize)

	// Loop until the entire target has been transmitted as data operations.
	for {
		if n, err := io.ReadFull(target, buffer); err == io.EOF {
			return nil
		} else if err == io.ErrUnexpectedEOF {
			if err = e.transmitData(buffer[:n], transmit); err != nil {
				return errors.Wrap(err, "unable to transmit data operation")
			}
			return nil
		} else if err != nil {
			return errors.Wrap(err, "unable to read target")
		} else if err = e.transmitData(buffer, transmit); err != nil {
			return errors.Wrap(err, "unable to transmit data operation")
		}
	}
}

// Deltafy computes delta operations to reconstitute the target data stream
// using the base stream described by the provided signature. It streams
// operations to the provided transmission function, one operation per matched
// block, because that's the granularity of the wire format's token encoding.
// The internal engine buffer will be resized to the sum of the maximum data
// operation size plus the block length, and retained for the lifetime of the
// engine, so a reasonable value for the maximum data operation size should be
// provided. For performance reasons, this method does not validate that the
// provided signature satisfies expected invariants. It is the responsibility
// of the caller to verify that the signature is valid by calling its
// EnsureValid method, or to read it with ReadSignature, which validates as it
// decodes. An invalid signature can result in undefined behavior.
func (e *Engine) Deltafy(target io.Reader, base *Signature, maxDataOpSize uint64, transmit OperationTransmitter) error {
	// Verify that the maximum data operation size is sane.
	if maxDataOpSize == 0 {
		maxDataOpSize = DefaultMaximumDataOperationSize
	}

	// If the base has no blocks, then there's no way we'll find any matches,
	// so just send the entire target.
	if len(base.Hashes) == 0 {
		return e.chunkAndTransmitAll(target, maxDataOpSize, transmit)
	}

	// Extract the signature's block geometry. The final block is special: if
	// it's short, then it never participates in rolling searches and is only
	// eligible to match at the very end of the target.
	blockLength := uint64(base.BlockLength)
	finalBlockLength := uint64(base.lastBlockLength())
	haveShortFinalBlock := base.hasShortFinalBlock()
	finalBlockIndex := uint32(len(base.Hashes) - 1)

	// Create a data transmitter that provides chunking.
	sendData := func(data []byte) error {
		for len(data) > 0 {
			sendSize := min(uint64(len(data)), maxDataOpSize)
			if err := e.transmitData(data[:sendSize], transmit); err != nil {
				return err
			}
			data = data[sendSize:]
		}
		return nil
	}

	// Ensure that the target implements io.Reader and io.ByteReader. If it
	// can do this natively, great! If not, wrap it in our re-usable buffered
	// reader, but ensure that it is released when we're done so that we don't
	// retain it indefinitely.
	bufferedTarget, ok := target.(dualModeReader)
	if !ok {
		e.targetReader.Reset(target)
		bufferedTarget = e.targetReader
		defer func() {
			e.targetReader.Reset(nil)
		}()
	}

	// Create a buffer that we can use to load data and search for matches. We
	// start by filling it with a block's worth of data and then continuously
	// appending bytes until we either fill the buffer (at which point we
	// transmit data preceding the search block and truncate) or find a match
	// (at which point we transmit data preceding the search block and then
	// transmit the match). Once we're unable to append a new byte or refill
	// with a full block, we terminate our search and send the remaining data
	// (potentially matching the short final block at the end of the buffer).
	//
	// We choose the buffer size to hold a chunk of data of the maximum
	// allowed transmission size and a block of data. This size choice is
	// somewhat arbitrary since we have a data chunking function and could
	// load more data before doing a truncation/transmission, but it's a
	// reasonable amount of data to hold in memory at any given time. We could
	// choose a larger preceding data chunk size to have less frequent
	// truncations, but (a) truncations are cheap and (b) we'll probably be
	// doing a lot of sequential block matching cycles where we just
	// continuously match blocks at the beginning of the buffer and then
	// refill, so truncations won't be all that common.
	buffer := e.bufferWithSize(maxDataOpSize + blockLength)

	// Track the occupancy of the buffer.
	var occupancy uint64

	// Track the weak checksum and its components for the block at the end of
	// the buffer.
	var weak, r1, r2 uint32

	// Loop over the contents of the target and search for matches.
	for {
		// If the buffer is empty, then we need to read in a block's worth of
		// data (if possible) and calculate the weak checksum and its
		// components. If the buffer is non-empty but less than a block's
		// worth of data, then we've broken an invariant in our code.
		// Otherwise, we need to move the search block one byte forward and
		// roll the checksum.
		if occupancy == 0 {
			if n, err := io.ReadFull(bufferedTarget, buffer[:blockLength]); err == io.EOF || err == io.ErrUnexpectedEOF {
				occupancy = uint64(n)
				break
			} else if err != nil {
				return errors.Wrap(err, "unable to perform initial buffer fill")
			} else {
				occupancy = blockLength
				weak, r1, r2 = weakChecksum(buffer[:occupancy])
			}
		} else if occupancy < blockLength {
			panic("buffer contains less than a block worth of data")
		} else {
			if b, err := bufferedTarget.ReadByte(); err == io.EOF {
				break
			} else if err != nil {
				return errors.Wrap(err, "unable to read target byte")
			} else {
				weak, r1, r2 = rollWeakChecksum(r1, r2, buffer[occupancy-blockLength], b, blockLength)
				buffer[occupancy] = b
				occupancy++
			}
		}

		// Look for a match of the block at the end of the buffer. Candidates
		// arrive in ascending index order, so ties between identical basis
		// blocks resolve toward the earliest.
		match := false
		var matchIndex uint32
		if potentials := base.candidates(weak); len(potentials) > 0 {
			strong := e.strongHash(buffer[occupancy-blockLength:occupancy], false)[:base.StrongLength]
			for _, p := range potentials {
				if bytes.Equal(base.Hashes[p].Strong, strong) {
					match = true
					matchIndex = p
					break
				}
			}
		}

		// If there's a match, send any data preceding the match and then send
		// the match. Otherwise, if we've reached buffer capacity, send the
		// data preceding the search block.
		if match {
			if err := sendData(buffer[:occupancy-blockLength]); err != nil {
				return errors.Wrap(err, "unable to transmit data preceding match")
			} else if err = e.transmitBlock(matchIndex, transmit); err != nil {
				return errors.Wrap(err, "unable to transmit match")
			}
			occupancy = 0
		} else if occupancy == uint64(len(buffer)) {
			if err := sendData(buffer[:occupancy-blockLength]); err != nil {
				return errors.Wrap(err, "unable to transmit data before truncation")
			}
			copy(buffer[:blockLength], buffer[occupancy-blockLength:occupancy])
			occupancy = blockLength
		}
	}

	// If the signature has a short final block and the occupancy of the
	// buffer is large enough that it could match, then check for a match.
	// Unlike rolling searches, the weak checksum here covers only the short
	// length, mirroring how the signature computed it.
	if haveShortFinalBlock && occupancy >= finalBlockLength {
		potentialMatch := buffer[occupancy-finalBlockLength : occupancy]
		if w, _, _ := weakChecksum(potentialMatch); w == base.Hashes[finalBlockIndex].Weak {
			strong := e.strongHash(potentialMatch, false)[:base.StrongLength]
			if bytes.Equal(base.Hashes[finalBlockIndex].Strong, strong) {
				if err := sendData(buffer[:occupancy-finalBlockLength]); err != nil {
					return errors.Wrap(err, "unable to transmit data preceding final block match")
				} else if err = e.transmitBlock(finalBlockIndex, transmit); err != nil {
					return errors.Wrap(err, "unable to transmit final block match")
				}
				occupancy = 0
			}
		}
	}

	// Send any data remaining in the buffer.
	if err := sendData(buffer[:occupancy]); err != nil {
		return errors.Wrap(err, "unable to send final data operation")
	}

	// Success.
	return nil
}

// DeltafyBytes computes delta operations for a byte slice. Unlike the
// streaming Deltafy method, it returns a slice of operations, which should be
// reasonable since the target data can already fit into memory. The internal
// engine buffer will be resized to the sum of the maximum data operation size
// plus the block length, and retained for the lifetime of the engine, so a
// reasonable value for the maximum data operation size should be provided.
// For performance reasons, this method does not validate that the provided
// signature satisfies expected invariants. It is the responsibility of the
// caller to verify that the signature is valid by calling its EnsureValid
// method. An invalid signature can result in undefined behavior.
func (e *Engine) DeltafyBytes(target []byte, base *Signature, maxDataOpSize uint64) []*Operation {
	// Create an empty result.
	var delta []*Operation

	// Create an operation transmitter to populate the result.
	transmit := func(o *Operation) error {
		delta = append(delta, o.Copy())
		return nil
	}

	// Wrap up the bytes in a reader.
	reader := bytes.NewReader(target)

	// Compute the delta and watch for errors (which shouldn't occur for
	// in-memory data).
	if err := e.Deltafy(reader, base, maxDataOpSize, transmit); err != nil {
		panic(errors.Wrap(err, "in-memory deltification failure"))
	}

	// Success.
	return delta
}

// Patch applies a single operation against a base stream to reconstitute the
// target into the destination stream. Block copy operations are validated
// against the signature's block range, because operations received from
// remote peers can't be trusted to reference blocks that exist. Other
// invariants are not validated for performance reasons - it is the
// responsibility of the caller to verify that the signature and operation are
// valid by calling their respective EnsureValid methods. An invalid signature
// or operation can result in undefined behavior.
func (e *Engine) Patch(destination io.Writer, base io.ReadSeeker, signature *Signature, operation *Operation) error {
	// Handle the operation based on type.
	if len(operation.Data) > 0 {
		// Write data operations directly to the destination.
		if _, err := destination.Write(operation.Data); err != nil {
			return errors.Wrap(err, "unable to write data")
		}
	} else {
		// Verify that the referenced block exists.
		if uint64(operation.Index) >= uint64(len(signature.Hashes)) {
			return ErrBlockOutOfRange
		}

		// Seek to the start of the requested block in the base. The offset
		// can't overflow an int64 because block indices and lengths are both
		// 32-bit values.
		offset := int64(operation.Index) * int64(signature.BlockLength)
		if _, err := base.Seek(offset, io.SeekStart); err != nil {
			return errors.Wrap(err, "unable to seek to base location")
		}

		// Copy the block.
		buffer := e.bufferWithSize(uint64(signature.BlockLengthAt(operation.Index)))
		if _, err := io.ReadFull(base, buffer); err != nil {
			return errors.Wrap(err, "unable to read block data")
		} else if _, err = destination.Write(buffer); err != nil {
			return errors.Wrap(err, "unable to write block data")
		}
	}

	// Success.
	return nil
}

// PatchBytes applies a series of operations against a base byte slice to
// reconstitute the target byte slice. The same validation expectations as
// Patch apply.
func (e *Engine) PatchBytes(base []byte, signature *Signature, delta []*Operation) ([]byte, error) {
	// Wrap up the base bytes in a reader.
	baseReader := bytes.NewReader(base)

	// Create an output buffer.
	output := bytes.NewBuffer(nil)

	// Perform application.
	for _, o := range delta {
		if err := e.Patch(output, baseReader, signature, o); err != nil {
			return nil, err
		}
	}

	// Success.
	return output.Bytes(), nil
}
