package transfer

import (
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/mirrorkit/mirrorkit/pkg/flist"
)

func TestBuildList(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symbolic links not testable on Windows")
	}

	// Create a tree with a nested directory, regular files, and a symbolic
	// link.
	root := t.TempDir()
	if err := os.Mkdir(filepath.Join(root, "a"), 0755); err != nil {
		t.Fatal("unable to create directory:", err)
	}
	if err := os.WriteFile(filepath.Join(root, "a", "nested.txt"), []byte("nested"), 0644); err != nil {
		t.Fatal("unable to create file:", err)
	}
	if err := os.WriteFile(filepath.Join(root, "b.txt"), []byte("hello"), 0644); err != nil {
		t.Fatal("unable to create file:", err)
	}
	if err := os.Symlink("b.txt", filepath.Join(root, "z-link")); err != nil {
		t.Fatal("unable to create symbolic link:", err)
	}

	// Build the list with links included.
	list, incomplete, err := buildList(root, flist.Options{PreserveLinks: true})
	if err != nil {
		t.Fatal("unable to build list:", err)
	} else if incomplete {
		t.Error("list unexpectedly marked incomplete")
	}

	// Verify ordering, indexing, and entry metadata.
	expected := []string{".", "a", "a/nested.txt", "b.txt", "z-link"}
	if len(list) != len(expected) {
		t.Fatalf("unexpected list length: %d != %d", len(list), len(expected))
	}
	for i, entry := range list {
		if entry.Path() != expected[i] {
			t.Errorf("unexpected entry at %d: %s != %s", i, entry.Path(), expected[i])
		}
		if entry.Index != int32(i) {
			t.Errorf("non-contiguous index at %d: %d", i, entry.Index)
		}
	}
	if !list[0].Mode.IsDirectory() || !list[1].Mode.IsDirectory() {
		t.Error("directory entries have non-directory modes")
	}
	if !list[3].Mode.IsRegular() {
		t.Error("regular file entry has non-regular mode")
	} else if list[3].Size != 5 {
		t.Error("unexpected regular file size:", list[3].Size)
	}
	if !list[4].Mode.IsSymbolicLink() {
		t.Error("symbolic link entry has non-link mode")
	} else {
		if string(list[4].LinkTarget) != "b.txt" {
			t.Errorf("unexpected link target: %q", list[4].LinkTarget)
		}
		if list[4].Size != int64(len("b.txt")) {
			t.Error("link size doesn't match target length:", list[4].Size)
		}
	}
}

func TestBuildListSkipsLinksWhenUnrequested(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symbolic links not testable on Windows")
	}

	root := t.TempDir()
	if err := os.WriteFile(filepath.Join(root, "file.txt"), []byte("content"), 0644); err != nil {
		t.Fatal("unable to create file:", err)
	}
	if err := os.Symlink("file.txt", filepath.Join(root, "link")); err != nil {
		t.Fatal("unable to create symbolic link:", err)
	}

	list, _, err := buildList(root, flist.Options{})
	if err != nil {
		t.Fatal("unable to build list:", err)
	}
	for _, entry := range list {
		if entry.Mode.IsSymbolicLink() {
			t.Error("symbolic link included despite not being requested:", entry.Path())
		}
	}
	if len(list) != 2 {
		t.Error("unexpected list length:", len(list))
	}
}
