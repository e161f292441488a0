package rsync

import (
	"bytes"
	"testing"

	"github.com/mirrorkit/mirrorkit/pkg/wire"
)

func TestSignatureRoundTrip(t *testing.T) {
	// Compute a signature with a short final block.
	base := testDataGenerator{100000, 383, 0}.generate()
	engine := NewEngine(86)
	signature := engine.BytesSignature(base, 1024, 0)
	if signature.Remainder == 0 {
		t.Fatal("test base unexpectedly divides into whole blocks")
	}

	// Encode and decode it.
	buffer := &bytes.Buffer{}
	if err := WriteSignature(buffer, signature); err != nil {
		t.Fatal("unable to write signature:", err)
	}
	decoded, err := ReadSignature(buffer)
	if err != nil {
		t.Fatal("unable to read signature:", err)
	}

	// Verify that every parameter survived.
	if decoded.BlockLength != signature.BlockLength {
		t.Error("block length mismatch")
	}
	if decoded.StrongLength != signature.StrongLength {
		t.Error("strong sum length mismatch")
	}
	if decoded.Remainder != signature.Remainder {
		t.Error("remainder mismatch")
	}
	if len(decoded.Hashes) != len(signature.Hashes) {
		t.Fatal("block count mismatch")
	}
	for i, h := range signature.Hashes {
		if decoded.Hashes[i].Weak != h.Weak {
			t.Errorf("weak checksum mismatch at block %d", i)
		}
		if !bytes.Equal(decoded.Hashes[i].Strong, h.Strong) {
			t.Errorf("strong checksum mismatch at block %d", i)
		}
	}
}

func TestNullSignatureRoundTrip(t *testing.T) {
	// Encode and decode a null signature.
	buffer := &bytes.Buffer{}
	if err := WriteSignature(buffer, &Signature{}); err != nil {
		t.Fatal("unable to write signature:", err)
	}
	if buffer.Len() != 16 {
		t.Error("null signature header has unexpected length:", buffer.Len())
	}
	decoded, err := ReadSignature(buffer)
	if err != nil {
		t.Fatal("unable to read signature:", err)
	}
	if decoded.BlockLength != 0 || decoded.StrongLength != 0 || decoded.Remainder != 0 || len(decoded.Hashes) != 0 {
		t.Error("decoded null signature non-empty")
	}
}

type signatureHeaderTestCase struct {
	count       int32
	blockLength int32
	strongLen   int32
	remainder   int32
}

func (c signatureHeaderTestCase) run(t *testing.T) {
	// Encode the header.
	buffer := &bytes.Buffer{}
	for _, value := range []int32{c.count, c.blockLength, c.strongLen, c.remainder} {
		if err := wire.WriteInt32(buffer, value); err != nil {
			t.Fatal("unable to encode header:", err)
		}
	}

	// Ensure that decoding fails.
	if _, err := ReadSignature(buffer); err == nil {
		t.Error("hostile signature header accepted")
	}
}

func TestReadSignatureRejectsNegativeCount(t *testing.T) {
	test := signatureHeaderTestCase{-1, 700, 2, 0}
	test.run(t)
}

func TestReadSignatureRejectsOversizedBlockLength(t *testing.T) {
	test := signatureHeaderTestCase{1, MaximumBlockLength + 1, 2, 0}
	test.run(t)
}

func TestReadSignatureRejectsOversizedStrongLength(t *testing.T) {
	test := signatureHeaderTestCase{1, 700, FullStrongSumLength + 1, 0}
	test.run(t)
}

func TestReadSignatureRejectsOversizedRemainder(t *testing.T) {
	test := signatureHeaderTestCase{1, 700, 2, 701}
	test.run(t)
}

func TestReadSignatureRejectsUnusableParameters(t *testing.T) {
	test := signatureHeaderTestCase{1, 0, 0, 0}
	test.run(t)
}

func TestReadSignatureRejectsTruncatedHashes(t *testing.T) {
	// A header declaring more blocks than the stream carries should fail
	// rather than hang or fabricate hashes.
	test := signatureHeaderTestCase{3, 700, 2, 0}
	test.run(t)
}

type signatureValidityTestCase struct {
	signature   *Signature
	expectValid bool
}

func (c signatureValidityTestCase) run(t *testing.T) {
	err := c.signature.EnsureValid()
	if c.expectValid && err != nil {
		t.Error("signature unexpectedly invalid:", err)
	} else if !c.expectValid && err == nil {
		t.Error("signature unexpectedly valid")
	}
}

func TestNilSignatureInvalid(t *testing.T) {
	test := signatureValidityTestCase{nil, false}
	test.run(t)
}

func TestNullSignatureValid(t *testing.T) {
	test := signatureValidityTestCase{&Signature{}, true}
	test.run(t)
}

func TestNullSignatureWithRemainderInvalid(t *testing.T) {
	test := signatureValidityTestCase{&Signature{Remainder: 10}, false}
	test.run(t)
}

func TestEmptyBasisSignatureValid(t *testing.T) {
	test := signatureValidityTestCase{&Signature{BlockLength: 700, StrongLength: 2}, true}
	test.run(t)
}

func TestSignatureRemainderBoundsInvalid(t *testing.T) {
	test := signatureValidityTestCase{&Signature{BlockLength: 700, StrongLength: 2, Remainder: 701}, false}
	test.run(t)
}

func TestSignatureStrongLengthBoundsInvalid(t *testing.T) {
	test := signatureValidityTestCase{
		&Signature{
			BlockLength:  700,
			StrongLength: 1,
			Hashes:       []BlockHash{{Weak: 5, Strong: []byte{1}}},
		},
		false,
	}
	test.run(t)
}

func TestSignatureHashLengthMismatchInvalid(t *testing.T) {
	test := signatureValidityTestCase{
		&Signature{
			BlockLength:  700,
			StrongLength: 4,
			Hashes:       []BlockHash{{Weak: 5, Strong: []byte{1, 2}}},
		},
		false,
	}
	test.run(t)
}
