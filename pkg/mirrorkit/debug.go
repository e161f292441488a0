package mirrorkit

import (
	"os"
)

// DebugEnabled controls whether or not debugging is enabled for Mirrorkit. It
// is set automatically based on the MIRRORKIT_DEBUG environment variable.
var DebugEnabled bool

func init() {
	// Check whether or not debugging should be enabled.
	DebugEnabled = os.Getenv("MIRRORKIT_DEBUG") == "1"
}
