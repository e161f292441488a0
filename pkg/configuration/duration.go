package configuration

import (
	"time"
)

// Duration is a time.Duration value that supports unmarshalling from
// human-friendly string representations such as "30s" or "2m".
type Duration time.Duration

// UnmarshalYAML implements the YAML unmarshalling interface used when loading
// from YAML files.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	// Grab the string representation.
	var text string
	if err := unmarshal(&text); err != nil {
		return err
	}

	// Parse and store the value.
	value, err := time.ParseDuration(text)
	if err != nil {
		return err
	}
	*d = Duration(value)

	// Success.
	return nil
}

// Set implements the flag value interface used by pflag-based commands. It
// accepts the same representations as YAML unmarshalling.
func (d *Duration) Set(text string) error {
	// Parse and store the value.
	value, err := time.ParseDuration(text)
	if err != nil {
		return err
	}
	*d = Duration(value)

	// Success.
	return nil
}

// String implements the flag value interface used by pflag-based commands.
func (d *Duration) String() string {
	return time.Duration(*d).String()
}

// Type implements the flag value interface used by pflag-based commands.
func (d *Duration) Type() string {
	return "duration"
}
