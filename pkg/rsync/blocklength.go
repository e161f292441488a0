package rsync

const (
	// DefaultBlockLength is the block length used for small basis files and
	// the lower clamp for derived block lengths.
	DefaultBlockLength = 700
	// MaximumBlockLength is the upper clamp for derived block lengths.
	MaximumBlockLength = 1 << 17
	// strongSumBias biases the derived strong sum length toward robustness.
	// Each unit corresponds to halving the acceptable probability of an
	// undetected block collision.
	strongSumBias = 10
	// MinimumStrongSumLength is the minimum length (in bytes) of a truncated
	// strong block checksum.
	MinimumStrongSumLength = 2
	// FullStrongSumLength is the untruncated length (in bytes) of a strong
	// block checksum.
	FullStrongSumLength = 16
)

// BlockLengthForBaseLength derives the signature block length for a basis of
// the specified length. The block length grows with the square root of the
// basis length, rounded down to a multiple of 8 and clamped to
// [DefaultBlockLength, MaximumBlockLength]. Signatures for a given peer must
// be generated with that peer's derivation, so this function reproduces the
// derivation used by stock peers bit-for-bit, including its rounding behavior.
// Explicit configuration should bypass this function entirely.
func BlockLengthForBaseLength(baseLength int64) uint32 {
	// Small bases use the default block length directly.
	if baseLength <= DefaultBlockLength*DefaultBlockLength {
		return DefaultBlockLength
	}

	// Compute the largest power of two whose square doesn't exceed the base
	// length by consuming two bits of the length per doubling.
	c := int64(1)
	for l := baseLength >> 2; l != 0; l >>= 2 {
		c <<= 1
	}

	// If even that power of two is out of range, use the maximum.
	if c >= MaximumBlockLength {
		return MaximumBlockLength
	}

	// Refine the estimate one bit at a time, keeping the square at or below
	// the base length. Bits below 8 are never set, which rounds the result
	// down to a multiple of 8.
	var blockLength int64
	for ; c >= 8; c >>= 1 {
		blockLength |= c
		if baseLength < blockLength*blockLength {
			blockLength &^= c
		}
	}

	// Enforce the lower clamp.
	if blockLength < DefaultBlockLength {
		blockLength = DefaultBlockLength
	}

	// Done.
	return uint32(blockLength)
}

// StrongSumLengthForBase derives the truncated strong sum length for a basis
// of the specified length and the block length derived for it. The result
// grows with the number of block pairs that could collide (roughly two bits
// per doubling of the basis length, minus one bit per doubling of the block
// length, plus a fixed bias), is discounted by the 32 bits of the weak
// checksum, and is clamped to [MinimumStrongSumLength, FullStrongSumLength].
// As with BlockLengthForBaseLength, this reproduces the derivation used by
// stock peers bit-for-bit.
func StrongSumLengthForBase(baseLength int64, blockLength uint32) uint32 {
	// Accumulate bits for the basis length.
	b := strongSumBias
	for l := baseLength >> 1; l != 0; l >>= 1 {
		b += 2
	}

	// Discount bits for the block length.
	for c := blockLength >> 1; c != 0 && b != 0; c >>= 1 {
		b--
	}

	// Add a bit, subtract the weak checksum's contribution, and round up to a
	// whole byte count.
	result := (b + 1 - 32 + 7) / 8

	// Enforce the clamps.
	if result < MinimumStrongSumLength {
		result = MinimumStrongSumLength
	} else if result > FullStrongSumLength {
		result = FullStrongSumLength
	}

	// Done.
	return uint32(result)
}
