package cmd

import (
	"github.com/pkg/errors"

	"github.com/mirrorkit/mirrorkit/pkg/logging"
	"github.com/mirrorkit/mirrorkit/pkg/mirrorkit"
)

// LoggerForLevelName converts a named log level into a root logger for
// command line use. The disabled level yields a nil logger, which is safe to
// use and logs nothing. The debug and trace levels also enable debugging
// output globally, as if MIRRORKIT_DEBUG had been set.
func LoggerForLevelName(name string) (*logging.Logger, error) {
	// Convert the name to a level.
	level, ok := logging.NameToLevel(name)
	if !ok {
		return nil, errors.Errorf("unknown log level: %s", name)
	}

	// A disabled level means no logger at all.
	if level == logging.LevelDisabled {
		return nil, nil
	}

	// Enable debugging output for the debug and trace levels.
	if level >= logging.LevelDebug {
		mirrorkit.DebugEnabled = true
	}

	// Success.
	return logging.RootLogger, nil
}
