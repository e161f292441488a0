package rsync

import (
	"bytes"
	"math/rand"
	"testing"
)

type testDataGenerator struct {
	length    int
	seed      int64
	mutations int
}

func (g testDataGenerator) generate() []byte {
	// Create a random number generator.
	random := rand.New(rand.NewSource(g.seed))

	// Create a buffer and fill it. The read is guaranteed to succeed.
	result := make([]byte, g.length)
	random.Read(result)

	// Mutate.
	for i := 0; i < g.mutations; i++ {
		result[random.Intn(g.length)] += 1
	}

	// Done.
	return result
}

type engineTestCase struct {
	base          testDataGenerator
	target        testDataGenerator
	seed          int32
	blockLength   uint32
	strongLength  uint32
	maxDataOpSize uint64
	maxDataOps    int
}

func (c engineTestCase) run(t *testing.T) {
	// Generate base and target data.
	base := c.base.generate()
	target := c.target.generate()

	// Create an engine.
	engine := NewEngine(c.seed)

	// Compute the base signature and verify its sanity.
	signature := engine.BytesSignature(base, c.blockLength, c.strongLength)
	if err := signature.EnsureValid(); err != nil {
		t.Fatal("generated signature was invalid:", err)
	}

	// Compute a delta.
	delta := engine.DeltafyBytes(target, signature, c.maxDataOpSize)

	// Validate the operations and ensure there are no more data operations
	// than expected.
	nDataOperations := 0
	for _, o := range delta {
		if err := o.EnsureValid(); err != nil {
			t.Fatal("generated operation was invalid:", err)
		}
		if len(o.Data) > 0 {
			nDataOperations += 1
		}
	}
	if c.maxDataOps >= 0 && nDataOperations > c.maxDataOps {
		t.Error("observed more data operations than expected")
	}

	// Apply the delta.
	patched, err := engine.PatchBytes(base, signature, delta)
	if err != nil {
		t.Fatal("unable to patch bytes:", err)
	}

	// Verify success.
	if !bytes.Equal(patched, target) {
		t.Error("patched data did not match expected")
	}
}

func TestBothEmpty(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{0, 0, 0},
		target:     testDataGenerator{0, 0, 0},
		maxDataOps: 0,
	}
	test.run(t)
}

func TestBaseEmpty(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{0, 0, 0},
		target:     testDataGenerator{10 * 1024 * 1024, 473, 0},
		maxDataOps: -1,
	}
	test.run(t)
}

func TestTargetEmpty(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{10 * 1024 * 1024, 473, 0},
		target:     testDataGenerator{0, 0, 0},
		maxDataOps: 0,
	}
	test.run(t)
}

func TestSame(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{10 * 1024 * 1024, 473, 0},
		target:     testDataGenerator{10 * 1024 * 1024, 473, 0},
		maxDataOps: 0,
	}
	test.run(t)
}

func TestSame1Mutation(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{10 * 1024 * 1024, 473, 0},
		target:     testDataGenerator{10 * 1024 * 1024, 473, 1},
		maxDataOps: 1,
	}
	test.run(t)
}

func TestSame2Mutation(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{10 * 1024 * 1024, 473, 0},
		target:     testDataGenerator{10 * 1024 * 1024, 473, 2},
		maxDataOps: 2,
	}
	test.run(t)
}

func TestSameDataShorterTarget(t *testing.T) {
	// The target length is an exact multiple of the forced block length, so
	// the delta should consist purely of block matches.
	test := engineTestCase{
		base:        testDataGenerator{9892814, 473, 0},
		target:      testDataGenerator{5 * 1024 * 1024, 473, 0},
		blockLength: 8192,
		maxDataOps:  0,
	}
	test.run(t)
}

func TestSameDataLongerTarget(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{985498, 473, 0},
		target:     testDataGenerator{15414553, 473, 0},
		maxDataOps: -1,
	}
	test.run(t)
}

func TestDifferentDataSameLength(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{10 * 1024 * 1024, 473, 0},
		target:     testDataGenerator{10 * 1024 * 1024, 182, 0},
		maxDataOps: -1,
	}
	test.run(t)
}

func TestDifferent(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{459879, 473, 0},
		target:     testDataGenerator{21345, 182, 0},
		maxDataOps: -1,
	}
	test.run(t)
}

func TestSeededTransfer(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{1024 * 1024, 473, 0},
		target:     testDataGenerator{1024 * 1024, 473, 1},
		seed:       32761,
		maxDataOps: 1,
	}
	test.run(t)
}

func TestForcedBlockAndStrongLengths(t *testing.T) {
	test := engineTestCase{
		base:         testDataGenerator{1024 * 1024, 473, 0},
		target:       testDataGenerator{1024 * 1024, 473, 1},
		blockLength:  4096,
		strongLength: 8,
		maxDataOps:   1,
	}
	test.run(t)
}

func TestSingleBlockTarget(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{0, 0, 0},
		target:     testDataGenerator{DefaultBlockLength, 421, 0},
		maxDataOps: 1,
	}
	test.run(t)
}

func TestLessThanBlockLengthTarget(t *testing.T) {
	test := engineTestCase{
		base:       testDataGenerator{0, 0, 0},
		target:     testDataGenerator{DefaultBlockLength - 1, 421, 0},
		maxDataOps: 1,
	}
	test.run(t)
}

func TestDeltaOperationSequence(t *testing.T) {
	// Compute a delta for a target that inserts a byte into the base and
	// overwrites the byte after the insertion point.
	base := []byte("ABCDEFGH")
	target := []byte("ABCXDEFGH")
	engine := NewEngine(0)
	signature := engine.BytesSignature(base, 2, 16)
	delta := engine.DeltafyBytes(target, signature, 0)

	// The delta should match the first block, carry the modified region as
	// literal data, and match the two trailing blocks.
	if len(delta) != 4 {
		t.Fatal("unexpected operation count:", len(delta))
	}
	if len(delta[0].Data) != 0 || delta[0].Index != 0 {
		t.Error("expected match of block 0")
	}
	if !bytes.Equal(delta[1].Data, []byte("CXD")) {
		t.Error("unexpected literal data:", string(delta[1].Data))
	}
	if len(delta[2].Data) != 0 || delta[2].Index != 2 {
		t.Error("expected match of block 2")
	}
	if len(delta[3].Data) != 0 || delta[3].Index != 3 {
		t.Error("expected match of block 3")
	}
}

func TestShortFinalBlockMatch(t *testing.T) {
	// Create a base whose length is not a multiple of the block length.
	base := testDataGenerator{1000, 729, 0}.generate()
	engine := NewEngine(0)
	signature := engine.BytesSignature(base, 256, 16)
	if signature.Remainder != 1000%256 {
		t.Fatal("unexpected remainder:", signature.Remainder)
	}

	// A target consisting of just the base's tail should match the short
	// final block rather than being transferred as literal data.
	target := base[768:]
	delta := engine.DeltafyBytes(target, signature, 0)
	if len(delta) != 1 {
		t.Fatal("unexpected operation count:", len(delta))
	}
	if len(delta[0].Data) != 0 || delta[0].Index != 3 {
		t.Error("expected match of the short final block")
	}

	// Reconstruction should reproduce the tail.
	patched, err := engine.PatchBytes(base, signature, delta)
	if err != nil {
		t.Fatal("unable to patch bytes:", err)
	}
	if !bytes.Equal(patched, target) {
		t.Error("patched data did not match expected")
	}
}

func TestWeakCollisionRequiresStrongMatch(t *testing.T) {
	// These windows share a weak checksum but differ in content, so a match
	// would produce silent corruption if weak matches weren't verified with
	// the strong hash.
	base := []byte{1, 0, 1, 0}
	target := []byte{0, 2, 0, 0}
	baseWeak, _, _ := weakChecksum(base)
	targetWeak, _, _ := weakChecksum(target)
	if baseWeak != targetWeak {
		t.Fatal("engineered weak checksum collision did not collide")
	}

	// Compute a delta and ensure that the colliding window was transferred as
	// literal data.
	engine := NewEngine(0)
	signature := engine.BytesSignature(base, 4, 16)
	delta := engine.DeltafyBytes(target, signature, 0)
	for _, o := range delta {
		if len(o.Data) == 0 {
			t.Error("weak checksum collision produced a block match")
		}
	}

	// Reconstruction should still be exact.
	patched, err := engine.PatchBytes(base, signature, delta)
	if err != nil {
		t.Fatal("unable to patch bytes:", err)
	}
	if !bytes.Equal(patched, target) {
		t.Error("patched data did not match expected")
	}
}

func TestRepeatedBlocksMatchEarliest(t *testing.T) {
	// Create a base consisting of the same block repeated three times.
	block := testDataGenerator{512, 99, 0}.generate()
	base := append(append(append([]byte(nil), block...), block...), block...)
	engine := NewEngine(0)
	signature := engine.BytesSignature(base, 512, 16)

	// A target equal to a single copy of the repeated block should resolve to
	// the earliest matching block.
	delta := engine.DeltafyBytes(block, signature, 0)
	if len(delta) != 1 {
		t.Fatal("unexpected operation count:", len(delta))
	}
	if len(delta[0].Data) != 0 || delta[0].Index != 0 {
		t.Error("repeated block did not resolve to its earliest occurrence")
	}
}

func TestChecksumSeedAffectsStrongHashes(t *testing.T) {
	// Compute signatures for the same data under different seeds.
	data := testDataGenerator{4096, 100, 0}.generate()
	unseeded := NewEngine(0).BytesSignature(data, 0, 16)
	seeded := NewEngine(32761).BytesSignature(data, 0, 16)

	// Weak checksums don't incorporate the seed, but strong checksums do.
	if unseeded.Hashes[0].Weak != seeded.Hashes[0].Weak {
		t.Error("weak checksums unexpectedly differ between seeds")
	}
	if bytes.Equal(unseeded.Hashes[0].Strong, seeded.Hashes[0].Strong) {
		t.Error("strong checksums unexpectedly agree between seeds")
	}
}

func TestFileDigestSeeding(t *testing.T) {
	// Digest the same data under different seeds and ensure the results
	// differ - the seed is part of the digested stream.
	data := testDataGenerator{1024, 55, 0}.generate()
	first := NewFileDigest(1)
	first.Write(data)
	second := NewFileDigest(2)
	second.Write(data)
	if bytes.Equal(first.Sum(nil), second.Sum(nil)) {
		t.Error("file digests unexpectedly agree between seeds")
	}

	// Equal seeds and data should agree.
	third := NewFileDigest(1)
	third.Write(data)
	if !bytes.Equal(first.Sum(nil), third.Sum(nil)) {
		t.Error("file digests unexpectedly differ for identical input")
	}
}

func TestDeltaRespectsMaximumDataOperationSize(t *testing.T) {
	// Compute a delta against an empty base with a small maximum data
	// operation size.
	target := testDataGenerator{10000, 841, 0}.generate()
	engine := NewEngine(0)
	signature := engine.BytesSignature(nil, 0, 0)
	delta := engine.DeltafyBytes(target, signature, 1024)

	// Verify the chunking.
	if len(delta) != 10 {
		t.Error("unexpected operation count:", len(delta))
	}
	for _, o := range delta {
		if len(o.Data) == 0 {
			t.Fatal("unexpected block operation against empty base")
		} else if len(o.Data) > 1024 {
			t.Error("data operation exceeds maximum size")
		}
	}

	// Verify reconstruction.
	patched, err := engine.PatchBytes(nil, signature, delta)
	if err != nil {
		t.Fatal("unable to patch bytes:", err)
	}
	if !bytes.Equal(patched, target) {
		t.Error("patched data did not match expected")
	}
}

func TestPatchRejectsOutOfRangeBlock(t *testing.T) {
	// Create a base with a known block count.
	base := testDataGenerator{4096, 55, 0}.generate()
	engine := NewEngine(0)
	signature := engine.BytesSignature(base, 0, 0)

	// An operation referencing a block one past the end should be rejected.
	delta := []*Operation{{Index: uint32(len(signature.Hashes))}}
	if _, err := engine.PatchBytes(base, signature, delta); err != ErrBlockOutOfRange {
		t.Error("expected out-of-range block error, got:", err)
	}
}

func TestOperationValidation(t *testing.T) {
	// A nil operation is invalid.
	var nilOperation *Operation
	if nilOperation.EnsureValid() == nil {
		t.Error("nil operation considered valid")
	}

	// A data operation with a block index is invalid.
	invalid := &Operation{Data: []byte{1}, Index: 1}
	if invalid.EnsureValid() == nil {
		t.Error("data operation with block index considered valid")
	}

	// Data and block copy operations are valid.
	if err := (&Operation{Data: []byte{1}}).EnsureValid(); err != nil {
		t.Error("data operation considered invalid:", err)
	}
	if err := (&Operation{Index: 5}).EnsureValid(); err != nil {
		t.Error("block copy operation considered invalid:", err)
	}
}
