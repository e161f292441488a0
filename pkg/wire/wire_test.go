package wire

import (
	"bytes"
	"testing"
)

type int32TestCase struct {
	value    int32
	expected []byte
}

func (c int32TestCase) run(t *testing.T) {
	// Encode the value and verify the wire representation.
	buffer := &bytes.Buffer{}
	if err := WriteInt32(buffer, c.value); err != nil {
		t.Fatal("unable to write value:", err)
	}
	if !bytes.Equal(buffer.Bytes(), c.expected) {
		t.Errorf("encoding mismatch: %v != %v", buffer.Bytes(), c.expected)
	}

	// Decode and verify round-tripping.
	if decoded, err := ReadInt32(buffer); err != nil {
		t.Fatal("unable to read value:", err)
	} else if decoded != c.value {
		t.Errorf("decoded value mismatch: %d != %d", decoded, c.value)
	}
}

func TestInt32Zero(t *testing.T) {
	test := int32TestCase{0, []byte{0x00, 0x00, 0x00, 0x00}}
	test.run(t)
}

func TestInt32Positive(t *testing.T) {
	test := int32TestCase{0x01020304, []byte{0x04, 0x03, 0x02, 0x01}}
	test.run(t)
}

func TestInt32Negative(t *testing.T) {
	test := int32TestCase{-1, []byte{0xFF, 0xFF, 0xFF, 0xFF}}
	test.run(t)
}

type longTestCase struct {
	value          int64
	expectedLength int
}

func (c longTestCase) run(t *testing.T) {
	// Encode the value and verify the representation length.
	buffer := &bytes.Buffer{}
	if err := WriteLong(buffer, c.value); err != nil {
		t.Fatal("unable to write value:", err)
	}
	if buffer.Len() != c.expectedLength {
		t.Errorf("encoding length mismatch: %d != %d", buffer.Len(), c.expectedLength)
	}

	// Decode and verify round-tripping.
	if decoded, err := ReadLong(buffer); err != nil {
		t.Fatal("unable to read value:", err)
	} else if decoded != c.value {
		t.Errorf("decoded value mismatch: %d != %d", decoded, c.value)
	}
}

func TestLongZero(t *testing.T) {
	test := longTestCase{0, 4}
	test.run(t)
}

func TestLongSmall(t *testing.T) {
	test := longTestCase{473, 4}
	test.run(t)
}

func TestLongBoundary(t *testing.T) {
	test := longTestCase{0x7FFFFFFF, 4}
	test.run(t)
}

func TestLongOverflowBoundary(t *testing.T) {
	test := longTestCase{0x80000000, 12}
	test.run(t)
}

func TestLongLarge(t *testing.T) {
	test := longTestCase{0x123456789ABC, 12}
	test.run(t)
}

func TestUint8RoundTrip(t *testing.T) {
	buffer := &bytes.Buffer{}
	if err := WriteUint8(buffer, 0xAB); err != nil {
		t.Fatal("unable to write value:", err)
	}
	if value, err := ReadUint8(buffer); err != nil {
		t.Fatal("unable to read value:", err)
	} else if value != 0xAB {
		t.Errorf("decoded value mismatch: %d != %d", value, 0xAB)
	}
}

func TestReadInt32Truncated(t *testing.T) {
	if _, err := ReadInt32(bytes.NewReader([]byte{0x01, 0x02})); err == nil {
		t.Error("read from truncated stream succeeded")
	}
}

func TestReadLongTruncated(t *testing.T) {
	// An overflow marker with no trailing 64-bit value must fail.
	if _, err := ReadLong(bytes.NewReader([]byte{0xFF, 0xFF, 0xFF, 0xFF})); err == nil {
		t.Error("read from truncated stream succeeded")
	}
}
