package staging

import (
	"bytes"
	"io"
	"os"
	"path/filepath"
	"testing"
)

// basisTestCase verifies reading and seeking behavior for a basis opened with
// the specified mapping preference.
type basisTestCase struct {
	// content is the basis content.
	content []byte
	// memoryMap indicates whether or not to request memory mapping.
	memoryMap bool
}

func (c *basisTestCase) run(t *testing.T) {
	t.Helper()

	// Write the basis file.
	path := filepath.Join(t.TempDir(), "basis")
	if err := os.WriteFile(path, c.content, 0600); err != nil {
		t.Fatal("unable to write basis file:", err)
	}

	// Open it and defer closure.
	basis, err := OpenBasis(path, c.memoryMap)
	if err != nil {
		t.Fatal("unable to open basis:", err)
	}
	defer basis.Close()

	// Verify a full read.
	result, err := io.ReadAll(basis)
	if err != nil {
		t.Fatal("unable to read basis:", err)
	}
	if !bytes.Equal(result, c.content) {
		t.Error("basis content mismatch")
	}

	// Verify a positioned read if there's content to position over.
	if len(c.content) > 1 {
		if _, err := basis.Seek(1, io.SeekStart); err != nil {
			t.Fatal("unable to seek basis:", err)
		}
		tail, err := io.ReadAll(basis)
		if err != nil {
			t.Fatal("unable to read basis tail:", err)
		}
		if !bytes.Equal(tail, c.content[1:]) {
			t.Error("basis tail mismatch")
		}
	}
}

func TestBasisPlain(t *testing.T) {
	test := &basisTestCase{content: []byte("basis content"), memoryMap: false}
	test.run(t)
}

func TestBasisMapped(t *testing.T) {
	test := &basisTestCase{content: []byte("basis content"), memoryMap: true}
	test.run(t)
}

func TestBasisEmptyMapped(t *testing.T) {
	// Empty files can't be mapped and must fall back to plain access.
	test := &basisTestCase{content: nil, memoryMap: true}
	test.run(t)
}

func TestOpenBasisNonExistent(t *testing.T) {
	if _, err := OpenBasis(filepath.Join(t.TempDir(), "missing"), true); !os.IsNotExist(err) {
		t.Error("expected a non-existence error, got:", err)
	}
}
