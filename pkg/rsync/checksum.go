package rsync

const (
	// m is the weak checksum modulus. The weak checksum is composed of two
	// 16-bit components, each computed modulo m.
	m = 1 << 16
)

// weakChecksum computes a fast checksum that can be rolled (updated without
// full recomputation). This particular checksum is detailed on page 55 of the
// rsync thesis. The window length used for the positional component is the
// actual length of the provided data, so a short final block produces the same
// value on both ends of a transfer. The full checksum and both of its
// components are returned.
func weakChecksum(data []byte) (uint32, uint32, uint32) {
	// Compute checksum components. The positional component weights each byte
	// by its distance from the end of the window, which is what makes the
	// constant-time roll update below work.
	var r1, r2 uint32
	length := uint32(len(data))
	for i, b := range data {
		r1 += uint32(b)
		r2 += (length - uint32(i)) * uint32(b)
	}
	r1 = r1 % m
	r2 = r2 % m

	// Compute the checksum.
	result := r1 + m*r2

	// Done.
	return result, r1, r2
}

// rollWeakChecksum updates the checksum computed by weakChecksum by removing
// the leading byte of the window and appending a new trailing byte. The window
// length must match the length used to compute the components being updated.
// Unsigned wraparound in the subtractions is harmless because the window
// length times the byte value can't exceed 2^32 and the modulus divides 2^32.
func rollWeakChecksum(r1, r2 uint32, out, in byte, window uint64) (uint32, uint32, uint32) {
	// Update components.
	r1 = (r1 - uint32(out) + uint32(in)) % m
	r2 = (r2 - uint32(window)*uint32(out) + r1) % m

	// Compute the checksum.
	result := r1 + m*r2

	// Done.
	return result, r1, r2
}

// RollingChecksum tracks the weak checksum of a sliding window over a byte
// stream. It exists for callers that need to drive the checksum incrementally
// themselves; the engine's matcher uses the same underlying computation.
type RollingChecksum struct {
	// r1 is the additive component of the checksum.
	r1 uint32
	// r2 is the positional component of the checksum.
	r2 uint32
	// window is the window length for which the components are valid.
	window uint64
}

// NewRollingChecksum computes the checksum state for an initial window.
func NewRollingChecksum(window []byte) RollingChecksum {
	_, r1, r2 := weakChecksum(window)
	return RollingChecksum{
		r1:     r1,
		r2:     r2,
		window: uint64(len(window)),
	}
}

// Roll advances the window by one byte, removing the leading byte and
// appending a new trailing byte.
func (c *RollingChecksum) Roll(leaving, entering byte) {
	_, c.r1, c.r2 = rollWeakChecksum(c.r1, c.r2, leaving, entering, c.window)
}

// Sum returns the checksum of the current window.
func (c *RollingChecksum) Sum() uint32 {
	return c.r1 + m*c.r2
}
