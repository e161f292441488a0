package rsync

import (
	"math/rand"
	"testing"
)

func TestWeakChecksumRollEquivalence(t *testing.T) {
	// Create data to scan.
	random := rand.New(rand.NewSource(391))
	data := make([]byte, 4096)
	random.Read(data)

	// For a selection of window lengths, roll across the data and verify that
	// the rolled checksum matches direct computation at every offset.
	for _, window := range []uint64{1, 2, 16, 700, 1024} {
		_, r1, r2 := weakChecksum(data[:window])
		for i := uint64(1); i+window <= uint64(len(data)); i++ {
			var weak uint32
			weak, r1, r2 = rollWeakChecksum(r1, r2, data[i-1], data[i+window-1], window)
			if expected, _, _ := weakChecksum(data[i : i+window]); weak != expected {
				t.Fatalf("rolled checksum diverged from direct computation at offset %d with window %d", i, window)
			}
		}
	}
}

func TestWeakChecksumCollision(t *testing.T) {
	// These two windows are engineered to collide: their additive components
	// are trivially equal and their positional components are 4*1+2*1 and
	// 3*2, respectively.
	first := []byte{1, 0, 1, 0}
	second := []byte{0, 2, 0, 0}

	// Verify the collision. The deltification tests rely on this pair to
	// exercise strong hash verification of weak matches.
	firstWeak, _, _ := weakChecksum(first)
	secondWeak, _, _ := weakChecksum(second)
	if firstWeak != secondWeak {
		t.Fatal("engineered weak checksum collision did not collide")
	}
}

func TestWeakChecksumShortWindow(t *testing.T) {
	// Verify that the checksum of a short window differs from that of the
	// same data zero-padded to a longer window. The positional component
	// ignores trailing zeros, but the window length weighting does not.
	data := []byte{7, 11, 13}
	padded := []byte{7, 11, 13, 0, 0}
	short, _, _ := weakChecksum(data)
	long, _, _ := weakChecksum(padded)
	if short == long {
		t.Error("checksum did not incorporate window length")
	}
}

func TestRollingChecksum(t *testing.T) {
	// Create data to scan.
	random := rand.New(rand.NewSource(4141))
	data := make([]byte, 2048)
	random.Read(data)

	// Roll a window across the data and verify agreement with direct
	// computation at every offset.
	const window = 64
	checksum := NewRollingChecksum(data[:window])
	for i := 1; i+window <= len(data); i++ {
		checksum.Roll(data[i-1], data[i+window-1])
		if expected, _, _ := weakChecksum(data[i : i+window]); checksum.Sum() != expected {
			t.Fatalf("rolling checksum diverged at offset %d", i)
		}
	}
}
