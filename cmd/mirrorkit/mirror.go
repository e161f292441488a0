package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/dustin/go-humanize"

	"github.com/fatih/color"

	"github.com/mattn/go-isatty"

	"github.com/pkg/errors"

	"github.com/spf13/cobra"

	"github.com/spf13/pflag"

	"github.com/mirrorkit/mirrorkit/cmd"
	"github.com/mirrorkit/mirrorkit/cmd/profile"
	"github.com/mirrorkit/mirrorkit/pkg/configuration"
	"github.com/mirrorkit/mirrorkit/pkg/rsyncurl"
	"github.com/mirrorkit/mirrorkit/pkg/transfer"
)

// defaultConnectTimeout is the default timeout for establishing daemon
// connections.
const defaultConnectTimeout = 30 * time.Second

// mirrorMain is the entry point for the mirror command.
func mirrorMain(command *cobra.Command, arguments []string) error {
	// Validate arguments and parse the source URL.
	if len(arguments) != 2 {
		return errors.New("mirror requires a source URL and a destination path")
	}
	url, err := rsyncurl.Parse(arguments[0])
	if err != nil {
		return errors.Wrap(err, "unable to parse source URL")
	}
	destination := arguments[1]

	// Compute the configuration file path. An explicitly specified file must
	// be readable, while the global configuration file may be absent.
	path := mirrorConfiguration.configuration
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return errors.Wrap(err, "unable to read configuration file")
		}
	} else if global, err := configuration.GlobalConfigurationPath(); err == nil {
		path = global
	}

	// Load the configuration and apply command line overrides.
	cfg, err := configuration.Load(path)
	if err != nil {
		return errors.Wrap(err, "unable to load configuration")
	}
	flags := command.Flags()
	if flags.Changed("block-length") {
		cfg.BlockLength = mirrorConfiguration.blockLength
	}
	if flags.Changed("strong-sum-length") {
		cfg.StrongSumLength = mirrorConfiguration.strongSumLength
	}
	if flags.Changed("connect-timeout") {
		cfg.ConnectTimeout = mirrorConfiguration.connectTimeout
	}
	if mirrorConfiguration.preserveOwners {
		cfg.PreserveOwners = true
	}
	if mirrorConfiguration.preserveGroups {
		cfg.PreserveGroups = true
	}
	if mirrorConfiguration.memoryMapBases {
		cfg.MemoryMapBases = true
	}

	// Set up logging.
	logger, err := cmd.LoggerForLevelName(mirrorConfiguration.logLevel)
	if err != nil {
		return err
	}

	// Create the session options. Message-of-the-day lines go straight to
	// standard output, ahead of any status line output.
	options := &transfer.Options{
		BlockLength:              uint32(cfg.BlockLength),
		StrongSumLength:          cfg.StrongSumLength,
		MaximumDataOperationSize: uint64(cfg.MaximumDataOperationSize),
		MemoryMapBases:           cfg.MemoryMapBases,
		PreserveOwners:           cfg.PreserveOwners,
		PreserveGroups:           cfg.PreserveGroups,
		MOTD: func(line string) {
			fmt.Println(line)
		},
		Logger: logger,
	}

	// Track per-file progress on a status line when writing to a terminal.
	var statusLinePrinter *cmd.StatusLinePrinter
	if isatty.IsTerminal(os.Stdout.Fd()) {
		statusLinePrinter = &cmd.StatusLinePrinter{}
		options.Progress = func(path string) {
			statusLinePrinter.Print("Transferring: " + path)
		}
	}

	// Enable profiling, if requested.
	if mirrorConfiguration.profile {
		p, err := profile.New("mirror")
		if err != nil {
			return errors.Wrap(err, "unable to start profiling")
		}
		defer func() {
			if err := p.Finalize(); err != nil {
				cmd.Warning(fmt.Sprintf("unable to finalize profile: %v", err))
			}
		}()
	}

	// Connect to the daemon.
	timeout := time.Duration(cfg.ConnectTimeout)
	if timeout == 0 {
		timeout = defaultConnectTimeout
	}
	connection, err := transfer.Dial(url, timeout)
	if err != nil {
		return errors.Wrap(err, "unable to connect")
	}
	defer connection.Close()

	// Create a context that's cancelled on termination signals so that
	// stalled sessions can be interrupted cleanly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	signalTermination := make(chan os.Signal, 1)
	signal.Notify(signalTermination, cmd.TerminationSignals...)
	defer signal.Stop(signalTermination)
	go func() {
		select {
		case <-signalTermination:
			cancel()
		case <-ctx.Done():
		}
	}()

	// Perform the transfer.
	report, err := transfer.Mirror(ctx, connection, url, destination, options)
	if err != nil {
		if statusLinePrinter != nil {
			statusLinePrinter.BreakIfNonEmpty()
		}
		return errors.Wrap(err, "mirroring failed")
	}
	if statusLinePrinter != nil {
		statusLinePrinter.Clear()
	}

	// Warn if the server couldn't walk part of its tree.
	if report.ListErrors != 0 {
		cmd.Warning("the server file list was incomplete")
	}

	// Print the transfer summary.
	fmt.Printf(
		"Mirrored %d file(s): %d transferred, %d up to date\n",
		report.RegularFiles, report.Transferred, report.Skipped,
	)
	fmt.Printf(
		"Received %s (%s literal, %s matched), sent %s\n",
		humanize.Bytes(report.BytesReceived),
		humanize.Bytes(report.LiteralData),
		humanize.Bytes(report.MatchedData),
		humanize.Bytes(report.BytesSent),
	)
	fmt.Printf(
		"Total size %s, speedup %.2f\n",
		humanize.Bytes(uint64(report.TotalSize)),
		report.Speedup(),
	)

	// Render failures and convert them to a command error.
	if len(report.Failures) > 0 {
		for _, failure := range report.Failures {
			fmt.Fprintln(os.Stderr, color.RedString("Failed: %v", failure))
		}
		return errors.Errorf("%d file(s) could not be mirrored", len(report.Failures))
	}

	// Success.
	return nil
}

// mirrorCommand is the mirror command.
var mirrorCommand = &cobra.Command{
	Use:          "mirror <source-url> <destination>",
	Short:        "Mirror a daemon module to a local path",
	RunE:         mirrorMain,
	SilenceUsage: true,
}

// mirrorConfiguration stores configuration for the mirror command.
var mirrorConfiguration struct {
	// help indicates whether or not to show help information and exit.
	help bool
	// configuration is the path to an alternate configuration file.
	configuration string
	// logLevel is the name of the log level to use.
	logLevel string
	// preserveOwners indicates whether or not to preserve file ownership.
	preserveOwners bool
	// preserveGroups indicates whether or not to preserve file group
	// ownership.
	preserveGroups bool
	// memoryMapBases indicates whether or not to memory map basis files
	// during reconstruction.
	memoryMapBases bool
	// blockLength overrides the signature block length.
	blockLength configuration.ByteSize
	// strongSumLength overrides the per-block strong checksum length.
	strongSumLength uint32
	// connectTimeout overrides the daemon connection timeout.
	connectTimeout configuration.Duration
	// profile indicates whether or not to write CPU and heap profiles for
	// the transfer.
	profile bool
}

func init() {
	// Grab a handle for the command line flags.
	flags := mirrorCommand.Flags()

	// Disable alphabetical sorting of flags in help output.
	flags.SortFlags = false

	// Manually add a help flag to override the default message. Cobra will
	// still implement its logic automatically.
	flags.BoolVarP(&mirrorConfiguration.help, "help", "h", false, "Show help information")

	// Wire up mirror flags.
	flags.StringVarP(&mirrorConfiguration.configuration, "configuration", "c", "", "Specify an alternate configuration file")
	flags.StringVar(&mirrorConfiguration.logLevel, "log-level", "warn", "Set the log level (disabled, error, warn, info, debug, trace)")
	flags.BoolVarP(&mirrorConfiguration.preserveOwners, "owners", "o", false, "Preserve file ownership (usually requires privileges)")
	flags.BoolVarP(&mirrorConfiguration.preserveGroups, "groups", "g", false, "Preserve file group ownership")
	flags.BoolVar(&mirrorConfiguration.memoryMapBases, "mmap", false, "Memory map basis files during reconstruction")
	flags.Var(&mirrorConfiguration.blockLength, "block-length", "Override the signature block length")
	flags.Uint32Var(&mirrorConfiguration.strongSumLength, "strong-sum-length", 0, "Override the per-block strong checksum length (2-16)")
	flags.Var(&mirrorConfiguration.connectTimeout, "connect-timeout", "Set the daemon connection timeout")
	flags.BoolVar(&mirrorConfiguration.profile, "profile", false, "Write CPU and heap profiles for the transfer")
	flags.MarkHidden("profile")

	// Set up flag normalization. This is only required to handle aliases.
	flags.SetNormalizeFunc(func(f *pflag.FlagSet, name string) pflag.NormalizedName {
		if name == "block-size" {
			name = "block-length"
		}
		return pflag.NormalizedName(name)
	})
}
