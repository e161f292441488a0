package flist

import (
	"os"
)

// Mode represents a file mode in the wire representation shared by all
// peers: the standard POSIX layout with the type encoded in the upper bits.
// It is used verbatim on every platform, unlike the os package's FileMode
// implementation, so entries decode identically everywhere.
type Mode uint32

const (
	// ModeTypeMask is a bit mask that isolates type information. After
	// masking, the resulting value can be compared with any of the ModeType*
	// values (other than ModeTypeMask).
	ModeTypeMask Mode = 0170000
	// ModeTypeDirectory represents a directory.
	ModeTypeDirectory Mode = 0040000
	// ModeTypeFile represents a regular file.
	ModeTypeFile Mode = 0100000
	// ModeTypeSymbolicLink represents a symbolic link.
	ModeTypeSymbolicLink Mode = 0120000
	// ModePermissionsMask is a bit mask that isolates permission bits.
	ModePermissionsMask Mode = 0777
)

// IsDirectory indicates whether or not the mode represents a directory.
func (m Mode) IsDirectory() bool {
	return m&ModeTypeMask == ModeTypeDirectory
}

// IsRegular indicates whether or not the mode represents a regular file.
func (m Mode) IsRegular() bool {
	return m&ModeTypeMask == ModeTypeFile
}

// IsSymbolicLink indicates whether or not the mode represents a symbolic
// link.
func (m Mode) IsSymbolicLink() bool {
	return m&ModeTypeMask == ModeTypeSymbolicLink
}

// Permissions extracts the permission bits from the mode in the os package's
// representation.
func (m Mode) Permissions() os.FileMode {
	return os.FileMode(m & ModePermissionsMask)
}

// ModeFromFileMode converts an os.FileMode value to the wire representation.
// Only directories, regular files, and symbolic links receive type bits;
// callers are expected to have filtered out other file types.
func ModeFromFileMode(mode os.FileMode) Mode {
	var result Mode
	if mode.IsDir() {
		result = ModeTypeDirectory
	} else if mode&os.ModeSymlink != 0 {
		result = ModeTypeSymbolicLink
	} else if mode.IsRegular() {
		result = ModeTypeFile
	}
	return result | Mode(mode.Perm())
}
