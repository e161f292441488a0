package rsync

import (
	"io"
	"sync"

	"github.com/pkg/errors"

	"github.com/mirrorkit/mirrorkit/pkg/wire"
)

// maximumHashPreallocation is the maximum number of block hash slots that
// ReadSignature will preallocate based on a declared block count. Larger
// declared counts are still accepted, but their storage grows incrementally,
// so a hostile header can't force a huge up-front allocation.
const maximumHashPreallocation = 1 << 16

// BlockHash pairs the weak and strong checksums of a single basis block.
type BlockHash struct {
	// Weak is the rolling weak checksum of the block.
	Weak uint32
	// Strong is the strong checksum of the block, truncated to the strong sum
	// length declared by the enclosing signature.
	Strong []byte
}

// Signature describes the blocks of a basis stream. A null signature (the
// zero value) describes a nonexistent basis and requests a full data
// transfer. A signature with a non-0 block length but no block hashes
// describes an empty basis. Signatures are treated as immutable once
// constructed and are safe for concurrent use by multiple deltification
// operations.
type Signature struct {
	// BlockLength is the length (in bytes) of full blocks.
	BlockLength uint32
	// StrongLength is the length (in bytes) to which block strong checksums
	// are truncated.
	StrongLength uint32
	// Remainder is the length (in bytes) of the final block if it is shorter
	// than a full block, and 0 otherwise.
	Remainder uint32
	// Hashes are the checksums of consecutive basis blocks.
	Hashes []BlockHash
	// indexOnce guards construction of weakToCandidates.
	indexOnce sync.Once
	// weakToCandidates maps weak checksums to the indices of the full-length
	// blocks bearing them. It is built lazily by candidates.
	weakToCandidates map[uint32][]uint32
}

// EnsureValid verifies that signature invariants are respected.
func (s *Signature) EnsureValid() error {
	// A nil signature is not valid.
	if s == nil {
		return errors.New("nil signature")
	}

	// If the block length is 0, then the signature is a null signature and
	// the remaining parameters should be empty.
	if s.BlockLength == 0 {
		if s.StrongLength != 0 {
			return errors.New("block length of 0 with non-0 strong sum length")
		} else if s.Remainder != 0 {
			return errors.New("block length of 0 with non-0 remainder")
		} else if len(s.Hashes) != 0 {
			return errors.New("block length of 0 with block hashes")
		}
		return nil
	}

	// Validate the block length and remainder. Stock rsync peers tolerate a
	// remainder equal to the block length (treating the final block as full),
	// so we do as well.
	if s.BlockLength > MaximumBlockLength {
		return errors.New("block length too large")
	} else if s.Remainder > s.BlockLength {
		return errors.New("remainder length greater than block length")
	}

	// An empty basis hashes to no blocks. Such signatures are valid even
	// though their strong sum length goes unused.
	if len(s.Hashes) == 0 {
		return nil
	}

	// Validate the strong sum length.
	if s.StrongLength < MinimumStrongSumLength || s.StrongLength > FullStrongSumLength {
		return errors.New("invalid strong sum length")
	}

	// Ensure that all block hashes carry a strong sum of the declared length.
	for _, h := range s.Hashes {
		if uint32(len(h.Strong)) != s.StrongLength {
			return errors.New("block hash with incorrect strong sum length")
		}
	}

	// Success.
	return nil
}

// hasShortFinalBlock indicates whether or not the signature's final block is
// shorter than a full block.
func (s *Signature) hasShortFinalBlock() bool {
	return len(s.Hashes) > 0 && s.Remainder != 0 && s.Remainder != s.BlockLength
}

// lastBlockLength returns the length of the signature's final block.
func (s *Signature) lastBlockLength() uint32 {
	if s.hasShortFinalBlock() {
		return s.Remainder
	}
	return s.BlockLength
}

// BlockLengthAt returns the length of the block at the specified index, or 0
// if the index is out of range.
func (s *Signature) BlockLengthAt(index uint32) uint32 {
	if uint64(index) >= uint64(len(s.Hashes)) {
		return 0
	} else if index == uint32(len(s.Hashes)-1) {
		return s.lastBlockLength()
	}
	return s.BlockLength
}

// buildCandidateIndex constructs the weak checksum lookup index. A short
// final block is excluded from the index because rolling searches only ever
// examine full-length windows. Such blocks can only match at the very end of
// a target stream, and they're checked there explicitly.
func (s *Signature) buildCandidateIndex() {
	hashes := s.Hashes
	if s.hasShortFinalBlock() {
		hashes = hashes[:len(hashes)-1]
	}
	index := make(map[uint32][]uint32, len(hashes))
	for i, h := range hashes {
		index[h.Weak] = append(index[h.Weak], uint32(i))
	}
	s.weakToCandidates = index
}

// candidates returns the indices of the full-length blocks whose weak
// checksum matches the specified value, in ascending order, so that searches
// resolve ties toward the earliest block in the basis.
func (s *Signature) candidates(weak uint32) []uint32 {
	s.indexOnce.Do(s.buildCandidateIndex)
	return s.weakToCandidates[weak]
}

// SumHead is the four-integer header that leads a signature on the wire.
// Senders also echo it back ahead of each delta stream, allowing receivers to
// reconstruct files without retaining the signatures they generated.
type SumHead struct {
	// Count is the number of block hashes described by the header.
	Count int32
	// BlockLength is the length (in bytes) of full blocks.
	BlockLength int32
	// StrongLength is the length (in bytes) to which block strong checksums
	// are truncated.
	StrongLength int32
	// Remainder is the length (in bytes) of the final block if it is shorter
	// than a full block, and 0 otherwise.
	Remainder int32
}

// Head returns the signature's wire header.
func (s *Signature) Head() SumHead {
	return SumHead{
		Count:        int32(len(s.Hashes)),
		BlockLength:  int32(s.BlockLength),
		StrongLength: int32(s.StrongLength),
		Remainder:    int32(s.Remainder),
	}
}

// BlockLengthAt returns the length of the block at the specified index. Only
// a short final block differs from the full block length.
func (h SumHead) BlockLengthAt(index int32) int64 {
	if index == h.Count-1 && h.Remainder != 0 {
		return int64(h.Remainder)
	}
	return int64(h.BlockLength)
}

// WriteSumHead encodes a signature header to the specified stream.
func WriteSumHead(writer io.Writer, head SumHead) error {
	if err := wire.WriteInt32(writer, head.Count); err != nil {
		return errors.Wrap(err, "unable to write block count")
	} else if err = wire.WriteInt32(writer, head.BlockLength); err != nil {
		return errors.Wrap(err, "unable to write block length")
	} else if err = wire.WriteInt32(writer, head.StrongLength); err != nil {
		return errors.Wrap(err, "unable to write strong sum length")
	} else if err = wire.WriteInt32(writer, head.Remainder); err != nil {
		return errors.Wrap(err, "unable to write remainder length")
	}
	return nil
}

// ReadSumHead decodes a signature header from the specified stream,
// validating its parameters against the same bounds that stock rsync peers
// enforce.
func ReadSumHead(reader io.Reader) (SumHead, error) {
	// Read and validate the block count.
	count, err := wire.ReadInt32(reader)
	if err != nil {
		return SumHead{}, errors.Wrap(err, "unable to read block count")
	} else if count < 0 {
		return SumHead{}, errors.Errorf("invalid block count (%d)", count)
	}

	// Read and validate the block length.
	blockLength, err := wire.ReadInt32(reader)
	if err != nil {
		return SumHead{}, errors.Wrap(err, "unable to read block length")
	} else if blockLength < 0 || blockLength > MaximumBlockLength {
		return SumHead{}, errors.Errorf("invalid block length (%d)", blockLength)
	}

	// Read and validate the strong sum length.
	strongLength, err := wire.ReadInt32(reader)
	if err != nil {
		return SumHead{}, errors.Wrap(err, "unable to read strong sum length")
	} else if strongLength < 0 || strongLength > FullStrongSumLength {
		return SumHead{}, errors.Errorf("invalid strong sum length (%d)", strongLength)
	}

	// Read and validate the remainder length.
	remainder, err := wire.ReadInt32(reader)
	if err != nil {
		return SumHead{}, errors.Wrap(err, "unable to read remainder length")
	} else if remainder < 0 || remainder > blockLength {
		return SumHead{}, errors.Errorf("invalid remainder length (%d)", remainder)
	}

	// Success.
	return SumHead{
		Count:        count,
		BlockLength:  blockLength,
		StrongLength: strongLength,
		Remainder:    remainder,
	}, nil
}

// WriteSignature encodes a signature to the specified stream: a header of
// four integers (block count, block length, strong sum length, and remainder)
// followed by each block's weak checksum and truncated strong checksum.
func WriteSignature(writer io.Writer, signature *Signature) error {
	// Write the header.
	if err := WriteSumHead(writer, signature.Head()); err != nil {
		return err
	}

	// Write the block hashes.
	for _, h := range signature.Hashes {
		if err := wire.WriteInt32(writer, int32(h.Weak)); err != nil {
			return errors.Wrap(err, "unable to write weak checksum")
		} else if _, err = writer.Write(h.Strong); err != nil {
			return errors.Wrap(err, "unable to write strong checksum")
		}
	}

	// Success.
	return nil
}

// ReadSignature decodes a signature from the specified stream, validating
// header parameters against the same bounds that stock rsync peers enforce.
// Signatures read by this function are safe to pass to deltification without
// further validation.
func ReadSignature(reader io.Reader) (*Signature, error) {
	// Read and validate the header.
	head, err := ReadSumHead(reader)
	if err != nil {
		return nil, err
	}

	// Block hashes require a usable block length and strong sum length, even
	// though headers without blocks are allowed to omit them.
	if head.Count > 0 && (head.BlockLength == 0 || head.StrongLength < MinimumStrongSumLength) {
		return nil, errors.New("block hashes with unusable header parameters")
	}

	// Read the block hashes.
	preallocation := head.Count
	if preallocation > maximumHashPreallocation {
		preallocation = maximumHashPreallocation
	}
	hashes := make([]BlockHash, 0, preallocation)
	for i := int32(0); i < head.Count; i++ {
		weak, err := wire.ReadInt32(reader)
		if err != nil {
			return nil, errors.Wrap(err, "unable to read weak checksum")
		}
		strong := make([]byte, head.StrongLength)
		if _, err := io.ReadFull(reader, strong); err != nil {
			return nil, errors.Wrap(err, "unable to read strong checksum")
		}
		hashes = append(hashes, BlockHash{
			Weak:   uint32(weak),
			Strong: strong,
		})
	}

	// Success.
	return &Signature{
		BlockLength:  uint32(head.BlockLength),
		StrongLength: uint32(head.StrongLength),
		Remainder:    uint32(head.Remainder),
		Hashes:       hashes,
	}, nil
}
