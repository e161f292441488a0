package configuration

import (
	"strconv"

	"github.com/dustin/go-humanize"
)

// ByteSize is a uint64 value that supports unmarshalling from both
// human-friendly string representations and numeric representations. It can be
// cast to a uint64 value, where it represents a byte count.
type ByteSize uint64

// UnmarshalYAML implements the YAML unmarshalling interface used when loading
// from YAML files.
func (s *ByteSize) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Attempt to unmarshal as a string first, since that's the most common
	// representation, falling back to a raw numeric value.
	var text string
	if err := unmarshal(&text); err != nil {
		var numeric uint64
		if err := unmarshal(&numeric); err != nil {
			return err
		}
		*s = ByteSize(numeric)
		return nil
	}

	// Parse and store the value.
	value, err := humanize.ParseBytes(text)
	if err != nil {
		return err
	}
	*s = ByteSize(value)

	// Success.
	return nil
}

// Set implements the flag value interface used by pflag-based commands. It
// accepts the same representations as YAML unmarshalling.
func (s *ByteSize) Set(text string) error {
	// Parse and store the value.
	value, err := humanize.ParseBytes(text)
	if err != nil {
		return err
	}
	*s = ByteSize(value)

	// Success.
	return nil
}

// String implements the flag value interface used by pflag-based commands.
func (s *ByteSize) String() string {
	return strconv.FormatUint(uint64(*s), 10)
}

// Type implements the flag value interface used by pflag-based commands.
func (s *ByteSize) Type() string {
	return "bytes"
}
