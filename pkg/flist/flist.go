// Package flist implements the file list exchange performed by protocol-27
// peers after the handshake: the compressed per-entry encoding, the uid/gid
// name mappings that follow the list, and the normalization (sort,
// deduplicate, index) that both ends apply so that the file indexes used by
// per-file requests agree.
package flist

import (
	"bytes"
	"io"
	"sort"
	"time"

	"github.com/pkg/errors"

	"github.com/mirrorkit/mirrorkit/pkg/wire"
)

// Per-entry flag bits. A zero flags byte terminates the list, so encoders
// must never emit one (see the padding logic in writeEntry). The extended
// flags bit carries device information for peers that preserve devices and is
// ignored here.
const (
	xmitTopDir        = 1 << 0
	xmitSameMode      = 1 << 1
	xmitExtendedFlags = 1 << 2
	xmitSameUID       = 1 << 3
	xmitSameGID       = 1 << 4
	xmitSameName      = 1 << 5
	xmitLongName      = 1 << 6
	xmitSameTime      = 1 << 7
)

const (
	// MaximumNameLength is the maximum length for an entry name or symbolic
	// link target. Decoders enforce it against hostile input before
	// allocating.
	MaximumNameLength = 4096
	// maximumPrefixLength is the maximum length of the name prefix that an
	// entry can inherit from its predecessor.
	maximumPrefixLength = 255
)

// Options controls the optional fields carried by each file list entry. Both
// peers derive these values from the negotiated server options, so an encoder
// and the decoder reading its output must be configured identically.
type Options struct {
	// PreserveLinks indicates that symbolic link entries carry their targets.
	PreserveLinks bool
	// PreserveUIDs indicates that entries carry ownership information and
	// that a uid name mapping follows the list.
	PreserveUIDs bool
	// PreserveGIDs indicates that entries carry group information and that a
	// gid name mapping follows the list.
	PreserveGIDs bool
}

// Entry represents a single file list entry. Names are byte slices rather
// than strings because the wire carries raw filesystem names with no encoding
// guarantees.
type Entry struct {
	// Name is the path of the entry, relative to the transfer root.
	Name []byte
	// Size is the size of the entry's content in bytes.
	Size int64
	// ModTime is the entry's modification time. The wire carries whole
	// seconds only.
	ModTime time.Time
	// Mode is the entry's mode.
	Mode Mode
	// UID is the entry's owning user identifier. It is only meaningful when
	// ownership is preserved.
	UID int32
	// GID is the entry's owning group identifier. It is only meaningful when
	// group ownership is preserved.
	GID int32
	// LinkTarget is the target for symbolic link entries.
	LinkTarget []byte
	// Index is the entry's position in the normalized list. It is what
	// per-file requests refer to on the wire.
	Index int32
}

// Path returns the entry's name as a string for display purposes.
func (e *Entry) Path() string {
	return string(e.Name)
}

// List is a list of file entries.
type List []*Entry

// Normalize sorts the list by name, removes all but the first of any entries
// sharing a name, and assigns contiguous indexes starting from 0. Peers
// request files by index under the assumption that both sides hold the same
// normalized ordering, so senders must normalize before encoding. ReadList
// normalizes automatically.
func Normalize(entries List) List {
	// Sort by raw name bytes.
	sort.Slice(entries, func(i, j int) bool {
		return bytes.Compare(entries[i].Name, entries[j].Name) < 0
	})

	// Deduplicate in place.
	normalized := entries[:0]
	var previous *Entry
	for _, entry := range entries {
		if previous != nil && bytes.Equal(previous.Name, entry.Name) {
			continue
		}
		normalized = append(normalized, entry)
		previous = entry
	}

	// Assign indexes.
	for index, entry := range normalized {
		entry.Index = int32(index)
	}

	// Done.
	return normalized
}

// inherited tracks the cross-entry compression state. Both peers keep these
// values in lockstep: each entry either inherits a field from its predecessor
// or replaces it. The zero value is the initial state on both ends.
type inherited struct {
	// name is the previous entry's name.
	name []byte
	// modTime is the previous entry's modification time in whole seconds,
	// normalized to the unsigned 32-bit range used on the wire.
	modTime int64
	// mode is the previous entry's mode.
	mode Mode
	// uid is the previous entry's owning user identifier.
	uid int32
	// gid is the previous entry's owning group identifier.
	gid int32
}

// ReadList reads and normalizes a file list.
func ReadList(reader io.Reader, options Options) (List, error) {
	// Loop over entries until the terminator, threading the compression
	// state through.
	var entries List
	var state inherited
	for {
		flags, err := wire.ReadUint8(reader)
		if err != nil {
			return nil, errors.Wrap(err, "unable to read entry flags")
		} else if flags == 0 {
			break
		}
		entry, err := readEntry(reader, flags, &state, options)
		if err != nil {
			return nil, err
		}
		entries = append(entries, entry)
	}

	// Success.
	return Normalize(entries), nil
}

// readEntry reads a single file list entry, updating the compression state.
func readEntry(reader io.Reader, flags uint8, state *inherited, options Options) (*Entry, error) {
	// Read the name, which may inherit a prefix of the previous name.
	var prefixLength int
	if flags&xmitSameName != 0 {
		if value, err := wire.ReadUint8(reader); err != nil {
			return nil, errors.Wrap(err, "unable to read name prefix length")
		} else {
			prefixLength = int(value)
		}
	}
	var nameLength int
	if flags&xmitLongName != 0 {
		if value, err := wire.ReadInt32(reader); err != nil {
			return nil, errors.Wrap(err, "unable to read name length")
		} else if value < 0 {
			return nil, errors.New("negative name length")
		} else {
			nameLength = int(value)
		}
	} else {
		if value, err := wire.ReadUint8(reader); err != nil {
			return nil, errors.Wrap(err, "unable to read name length")
		} else {
			nameLength = int(value)
		}
	}
	if nameLength > MaximumNameLength-prefixLength {
		return nil, errors.New("entry name too long")
	} else if prefixLength > len(state.name) {
		return nil, errors.New("entry name prefix exceeds previous name")
	} else if prefixLength+nameLength == 0 {
		return nil, errors.New("empty entry name")
	}
	name := make([]byte, prefixLength+nameLength)
	copy(name, state.name[:prefixLength])
	if _, err := io.ReadFull(reader, name[prefixLength:]); err != nil {
		return nil, errors.Wrap(err, "unable to read entry name")
	}
	state.name = name

	// Read the size.
	size, err := wire.ReadLong(reader)
	if err != nil {
		return nil, errors.Wrap(err, "unable to read entry size")
	} else if size < 0 {
		return nil, errors.New("negative entry size")
	}

	// Read or inherit the modification time. Peers treat the wire value as
	// unsigned to push the 32-bit rollover out to 2106.
	if flags&xmitSameTime == 0 {
		if value, err := wire.ReadInt32(reader); err != nil {
			return nil, errors.Wrap(err, "unable to read modification time")
		} else {
			state.modTime = int64(uint32(value))
		}
	}

	// Read or inherit the mode.
	if flags&xmitSameMode == 0 {
		if value, err := wire.ReadInt32(reader); err != nil {
			return nil, errors.Wrap(err, "unable to read mode")
		} else {
			state.mode = Mode(value)
		}
	}

	// Read or inherit ownership information if it's being preserved.
	if options.PreserveUIDs && flags&xmitSameUID == 0 {
		if value, err := wire.ReadInt32(reader); err != nil {
			return nil, errors.Wrap(err, "unable to read uid")
		} else {
			state.uid = value
		}
	}
	if options.PreserveGIDs && flags&xmitSameGID == 0 {
		if value, err := wire.ReadInt32(reader); err != nil {
			return nil, errors.Wrap(err, "unable to read gid")
		} else {
			state.gid = value
		}
	}

	// Read the link target for symbolic links if they're being preserved.
	var linkTarget []byte
	if options.PreserveLinks && state.mode.IsSymbolicLink() {
		length, err := wire.ReadInt32(reader)
		if err != nil {
			return nil, errors.Wrap(err, "unable to read link target length")
		} else if length < 0 || length > MaximumNameLength {
			return nil, errors.New("link target too long")
		}
		linkTarget = make([]byte, length)
		if _, err := io.ReadFull(reader, linkTarget); err != nil {
			return nil, errors.Wrap(err, "unable to read link target")
		}
	}

	// Success.
	return &Entry{
		Name:       name,
		Size:       size,
		ModTime:    time.Unix(state.modTime, 0),
		Mode:       state.mode,
		UID:        state.uid,
		GID:        state.gid,
		LinkTarget: linkTarget,
	}, nil
}

// WriteList writes a file list followed by the list terminator. The list
// should already be normalized so that the receiving side's indexes line up.
func WriteList(writer io.Writer, entries List, options Options) error {
	// Write entries, threading the compression state through.
	var state inherited
	for _, entry := range entries {
		if err := writeEntry(writer, entry, &state, options); err != nil {
			return errors.Wrapf(err, "unable to write entry for %s", entry.Path())
		}
	}

	// Terminate the list.
	return wire.WriteUint8(writer, 0)
}

// writeEntry writes a single file list entry, updating the compression state.
func writeEntry(writer io.Writer, entry *Entry, state *inherited, options Options) error {
	// Validate the name.
	if len(entry.Name) == 0 {
		return errors.New("empty entry name")
	} else if len(entry.Name) > MaximumNameLength {
		return errors.New("entry name too long")
	}

	// Compute flags, updating the compression state for fields that change.
	var flags uint8
	if entry.Mode == state.mode {
		flags |= xmitSameMode
	} else {
		state.mode = entry.Mode
	}
	if options.PreserveUIDs {
		if entry.UID == state.uid {
			flags |= xmitSameUID
		} else {
			state.uid = entry.UID
		}
	}
	if options.PreserveGIDs {
		if entry.GID == state.gid {
			flags |= xmitSameGID
		} else {
			state.gid = entry.GID
		}
	}
	seconds := int64(uint32(entry.ModTime.Unix()))
	if seconds == state.modTime {
		flags |= xmitSameTime
	} else {
		state.modTime = seconds
	}

	// Compute the name prefix shared with the previous entry.
	prefixLength := 0
	for prefixLength < len(state.name) && prefixLength < len(entry.Name) &&
		state.name[prefixLength] == entry.Name[prefixLength] &&
		prefixLength < maximumPrefixLength {
		prefixLength++
	}
	if prefixLength > 0 {
		flags |= xmitSameName
	}
	suffix := entry.Name[prefixLength:]
	if len(suffix) > 255 {
		flags |= xmitLongName
	}
	state.name = entry.Name

	// A zero flags byte would read as the list terminator, so force a bit
	// that decoders ignore: the long name bit for directories (harmless, the
	// length is simply sent wide) and the top-directory bit otherwise. This
	// matches what stock peers emit.
	if flags == 0 {
		if entry.Mode.IsDirectory() {
			flags |= xmitLongName
		} else {
			flags |= xmitTopDir
		}
	}

	// Write the flags and name.
	if err := wire.WriteUint8(writer, flags); err != nil {
		return errors.Wrap(err, "unable to write entry flags")
	}
	if flags&xmitSameName != 0 {
		if err := wire.WriteUint8(writer, uint8(prefixLength)); err != nil {
			return errors.Wrap(err, "unable to write name prefix length")
		}
	}
	if flags&xmitLongName != 0 {
		if err := wire.WriteInt32(writer, int32(len(suffix))); err != nil {
			return errors.Wrap(err, "unable to write name length")
		}
	} else {
		if err := wire.WriteUint8(writer, uint8(len(suffix))); err != nil {
			return errors.Wrap(err, "unable to write name length")
		}
	}
	if _, err := writer.Write(suffix); err != nil {
		return errors.Wrap(err, "unable to write entry name")
	}

	// Write the size.
	if err := wire.WriteLong(writer, entry.Size); err != nil {
		return errors.Wrap(err, "unable to write entry size")
	}

	// Write fields not inherited from the previous entry.
	if flags&xmitSameTime == 0 {
		if err := wire.WriteInt32(writer, int32(seconds)); err != nil {
			return errors.Wrap(err, "unable to write modification time")
		}
	}
	if flags&xmitSameMode == 0 {
		if err := wire.WriteInt32(writer, int32(entry.Mode)); err != nil {
			return errors.Wrap(err, "unable to write mode")
		}
	}
	if options.PreserveUIDs && flags&xmitSameUID == 0 {
		if err := wire.WriteInt32(writer, entry.UID); err != nil {
			return errors.Wrap(err, "unable to write uid")
		}
	}
	if options.PreserveGIDs && flags&xmitSameGID == 0 {
		if err := wire.WriteInt32(writer, entry.GID); err != nil {
			return errors.Wrap(err, "unable to write gid")
		}
	}

	// Write the link target for symbolic links if they're being preserved.
	if options.PreserveLinks && entry.Mode.IsSymbolicLink() {
		if len(entry.LinkTarget) > MaximumNameLength {
			return errors.New("link target too long")
		}
		if err := wire.WriteInt32(writer, int32(len(entry.LinkTarget))); err != nil {
			return errors.Wrap(err, "unable to write link target length")
		}
		if _, err := writer.Write(entry.LinkTarget); err != nil {
			return errors.Wrap(err, "unable to write link target")
		}
	}

	// Success.
	return nil
}
