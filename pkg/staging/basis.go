package staging

import (
	"bytes"
	"io"
	"os"

	"github.com/edsrzf/mmap-go"
	"github.com/pkg/errors"
)

// Basis provides random access to the local content that a delta was
// computed against, for materializing copy operations during reconstruction.
type Basis interface {
	io.ReadSeeker
	io.Closer
}

// mappedBasis is a Basis backed by a read-only memory mapping.
type mappedBasis struct {
	// file is the underlying file. It must be kept open for the lifetime of
	// the mapping.
	file *os.File
	// mapping is the memory mapping.
	mapping mmap.MMap
	// reader provides positioned reads over the mapping.
	reader *bytes.Reader
}

// Read implements io.Reader.Read.
func (b *mappedBasis) Read(buffer []byte) (int, error) {
	return b.reader.Read(buffer)
}

// Seek implements io.Seeker.Seek.
func (b *mappedBasis) Seek(offset int64, whence int) (int64, error) {
	return b.reader.Seek(offset, whence)
}

// Close implements io.Closer.Close.
func (b *mappedBasis) Close() error {
	unmapErr := b.mapping.Unmap()
	closeErr := b.file.Close()
	if unmapErr != nil {
		return errors.Wrap(unmapErr, "unable to unmap basis")
	}
	return closeErr
}

// OpenBasis opens the file at the specified path for use as a transfer basis,
// memory mapping it for random access when requested. Empty files and mapping
// failures fall back to plain file access. Open failures are returned
// unwrapped so that callers can detect non-existence with os.IsNotExist.
func OpenBasis(path string, memoryMap bool) (Basis, error) {
	// Open the file.
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}

	// Attempt to map it if requested. Zero-length mappings are invalid, so
	// empty files always use plain access.
	if memoryMap {
		if info, err := file.Stat(); err == nil && info.Size() > 0 {
			if mapping, err := mmap.Map(file, mmap.RDONLY, 0); err == nil {
				return &mappedBasis{
					file:    file,
					mapping: mapping,
					reader:  bytes.NewReader(mapping),
				}, nil
			}
		}
	}

	// Fall back to the file itself.
	return file, nil
}
