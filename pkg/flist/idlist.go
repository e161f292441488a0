package flist

import (
	"io"

	"github.com/pkg/errors"

	"github.com/mirrorkit/mirrorkit/pkg/wire"
)

// IDMapping associates a numeric user or group identifier with a name.
// Senders transmit one mapping list per preserved identifier namespace after
// the file list so that receivers can translate identifiers between systems.
type IDMapping struct {
	// ID is the numeric identifier. It is never 0, because 0 terminates the
	// list on the wire.
	ID int32
	// Name is the identifier's name on the sending system.
	Name string
}

// ReadIDList reads an identifier name mapping.
func ReadIDList(reader io.Reader) ([]IDMapping, error) {
	var mappings []IDMapping
	for {
		id, err := wire.ReadInt32(reader)
		if err != nil {
			return nil, errors.Wrap(err, "unable to read identifier")
		} else if id == 0 {
			return mappings, nil
		}
		length, err := wire.ReadUint8(reader)
		if err != nil {
			return nil, errors.Wrap(err, "unable to read identifier name length")
		}
		name := make([]byte, length)
		if _, err := io.ReadFull(reader, name); err != nil {
			return nil, errors.Wrap(err, "unable to read identifier name")
		}
		mappings = append(mappings, IDMapping{ID: id, Name: string(name)})
	}
}

// WriteIDList writes an identifier name mapping followed by the list
// terminator.
func WriteIDList(writer io.Writer, mappings []IDMapping) error {
	for _, mapping := range mappings {
		if mapping.ID == 0 {
			return errors.New("identifier 0 is reserved for list termination")
		} else if len(mapping.Name) > 255 {
			return errors.New("identifier name too long")
		}
		if err := wire.WriteInt32(writer, mapping.ID); err != nil {
			return errors.Wrap(err, "unable to write identifier")
		}
		if err := wire.WriteUint8(writer, uint8(len(mapping.Name))); err != nil {
			return errors.Wrap(err, "unable to write identifier name length")
		}
		if _, err := writer.Write([]byte(mapping.Name)); err != nil {
			return errors.Wrap(err, "unable to write identifier name")
		}
	}
	return wire.WriteInt32(writer, 0)
}
