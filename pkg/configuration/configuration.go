package configuration

import (
	"os"

	"github.com/pkg/errors"

	"github.com/mirrorkit/mirrorkit/pkg/encoding"
	"github.com/mirrorkit/mirrorkit/pkg/rsync"
)

// Configuration represents the transfer configuration file.
type Configuration struct {
	// BlockLength is an explicit block length to use when generating
	// signatures. If zero, the block length is derived from the size of the
	// basis file.
	BlockLength ByteSize `yaml:"blockLength"`
	// StrongSumLength is an explicit per-block strong sum length (in bytes) to
	// request in signatures. If zero, the length is derived from the size of
	// the basis file and the block length. Valid explicit values are 2-16.
	StrongSumLength uint32 `yaml:"strongSumLength"`
	// MaximumDataOperationSize is the maximum size for literal data operations
	// on the wire. If zero, a default of 32 KiB (matching stock peers) is
	// used.
	MaximumDataOperationSize ByteSize `yaml:"maximumDataOperationSize"`
	// MemoryMapBases enables memory-mapped access to basis files during
	// reconstruction.
	MemoryMapBases bool `yaml:"memoryMapBases"`
	// PreserveOwners requests numeric owner information in file lists.
	PreserveOwners bool `yaml:"preserveOwners"`
	// PreserveGroups requests numeric group information in file lists.
	PreserveGroups bool `yaml:"preserveGroups"`
	// ConnectTimeout is the timeout for establishing daemon connections. If
	// zero, a default of 30 seconds is used.
	ConnectTimeout Duration `yaml:"connectTimeout"`
	// ChecksumSeed is a fixed session seed for serving transfers. If zero, a
	// clock-derived seed is generated per session (matching stock daemons).
	ChecksumSeed int32 `yaml:"checksumSeed"`
	// Modules maps module names to their root paths when serving transfers.
	Modules map[string]string `yaml:"modules"`
}

// EnsureValid verifies that configuration invariants are respected.
func (c *Configuration) EnsureValid() error {
	// A nil configuration is not valid.
	if c == nil {
		return errors.New("nil configuration")
	}

	// Ensure that any explicit block length is sane.
	if c.BlockLength > rsync.MaximumBlockLength {
		return errors.New("block length too large")
	}

	// Ensure that any explicit strong sum length is within the range that a
	// signature header can carry.
	if c.StrongSumLength != 0 {
		if c.StrongSumLength < rsync.MinimumStrongSumLength {
			return errors.New("strong sum length too small")
		} else if c.StrongSumLength > rsync.FullStrongSumLength {
			return errors.New("strong sum length too large")
		}
	}

	// Ensure that module roots are non-empty.
	for name, root := range c.Modules {
		if name == "" {
			return errors.New("empty module name")
		} else if root == "" {
			return errors.Errorf("empty root for module %q", name)
		}
	}

	// Success.
	return nil
}

// Load loads a configuration file from the specified path and populates a
// Configuration structure. If the file does not exist, a structure with the
// default configuration values is returned.
func Load(path string) (*Configuration, error) {
	// Create a configuration that we can decode into. We set any default
	// values here because nothing will be modified in this structure if the
	// configuration file doesn't exist.
	result := &Configuration{}

	// Attempt to load the configuration from disk.
	if err := encoding.LoadAndUnmarshalYAML(path, result); err != nil {
		if !os.IsNotExist(err) {
			return nil, err
		}
	}

	// Validate the result.
	if err := result.EnsureValid(); err != nil {
		return nil, errors.Wrap(err, "invalid configuration")
	}

	// Return the configuration.
	return result, nil
}
