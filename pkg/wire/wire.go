// Package wire provides the integer primitives shared by the transfer
// protocol: all multi-byte values cross the wire in little-endian byte order,
// and lengths that can exceed 32 bits use a variable 4-or-12-byte encoding.
package wire

import (
	"encoding/binary"
	"io"

	"github.com/pkg/errors"
)

// ReadInt32 reads a little-endian 32-bit signed integer from a stream.
func ReadInt32(reader io.Reader) (int32, error) {
	var buffer [4]byte
	if _, err := io.ReadFull(reader, buffer[:]); err != nil {
		return 0, err
	}
	return int32(binary.LittleEndian.Uint32(buffer[:])), nil
}

// WriteInt32 writes a little-endian 32-bit signed integer to a stream.
func WriteInt32(writer io.Writer, value int32) error {
	var buffer [4]byte
	binary.LittleEndian.PutUint32(buffer[:], uint32(value))
	_, err := writer.Write(buffer[:])
	return err
}

// ReadUint8 reads a single byte from a stream.
func ReadUint8(reader io.Reader) (uint8, error) {
	var buffer [1]byte
	if _, err := io.ReadFull(reader, buffer[:]); err != nil {
		return 0, err
	}
	return buffer[0], nil
}

// WriteUint8 writes a single byte to a stream.
func WriteUint8(writer io.Writer, value uint8) error {
	buffer := [1]byte{value}
	_, err := writer.Write(buffer[:])
	return err
}

// ReadLong reads a variable-length 64-bit integer from a stream. Values that
// fit in 32 bits arrive as a plain 32-bit integer; larger values arrive as the
// 32-bit marker -1 followed by a little-endian 64-bit integer.
func ReadLong(reader io.Reader) (int64, error) {
	// Read the 32-bit representation. If it's not the overflow marker, then
	// it's the value itself.
	small, err := ReadInt32(reader)
	if err != nil {
		return 0, err
	}
	if small != -1 {
		return int64(small), nil
	}

	// Read the full 64-bit representation.
	var buffer [8]byte
	if _, err := io.ReadFull(reader, buffer[:]); err != nil {
		return 0, errors.Wrap(err, "unable to read 64-bit value")
	}
	return int64(binary.LittleEndian.Uint64(buffer[:])), nil
}

// WriteLong writes a variable-length 64-bit integer to a stream using the
// encoding understood by ReadLong.
func WriteLong(writer io.Writer, value int64) error {
	// Use the compact representation if the value fits. The marker value -1
	// can't be sent this way, but it also can't arise for the lengths and
	// counts this encoding carries.
	if value >= 0 && value <= 0x7FFFFFFF {
		return WriteInt32(writer, int32(value))
	}

	// Write the overflow marker followed by the full representation.
	if err := WriteInt32(writer, -1); err != nil {
		return err
	}
	var buffer [8]byte
	binary.LittleEndian.PutUint64(buffer[:], uint64(value))
	_, err := writer.Write(buffer[:])
	return err
}
