package cmd

import (
	"github.com/pkg/errors"

	"github.com/spf13/cobra"
)

// DisallowArguments is a Cobra positional argument validator that disallows
// any positional arguments.
func DisallowArguments(_ *cobra.Command, arguments []string) error {
	if len(arguments) > 0 {
		return errors.New("command does not accept arguments")
	}
	return nil
}
