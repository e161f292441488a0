package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strings"

	"github.com/pkg/errors"

	"github.com/spf13/cobra"

	"github.com/mirrorkit/mirrorkit/cmd"
	"github.com/mirrorkit/mirrorkit/pkg/configuration"
	"github.com/mirrorkit/mirrorkit/pkg/rsyncurl"
	"github.com/mirrorkit/mirrorkit/pkg/transfer"
)

// serveMain is the entry point for the serve command.
func serveMain(_ *cobra.Command, _ []string) error {
	// Compute the configuration file path. An explicitly specified file must
	// be readable, while the global configuration file may be absent.
	path := serveConfiguration.configuration
	if path != "" {
		if _, err := os.Stat(path); err != nil {
			return errors.Wrap(err, "unable to read configuration file")
		}
	} else if global, err := configuration.GlobalConfigurationPath(); err == nil {
		path = global
	}

	// Load the configuration.
	cfg, err := configuration.Load(path)
	if err != nil {
		return errors.Wrap(err, "unable to load configuration")
	}

	// Collect module definitions from the configuration file and the command
	// line, with the command line taking precedence.
	modules := make(map[string]string, len(cfg.Modules))
	for name, root := range cfg.Modules {
		modules[name] = root
	}
	for _, definition := range serveConfiguration.modules {
		index := strings.Index(definition, "=")
		if index <= 0 || index == len(definition)-1 {
			return errors.Errorf("invalid module definition: %s", definition)
		}
		modules[definition[:index]] = definition[index+1:]
	}
	if len(modules) == 0 {
		return errors.New("no modules defined")
	}

	// Verify that module roots are accessible directories before accepting
	// any connections.
	for name, root := range modules {
		if info, err := os.Stat(root); err != nil {
			return errors.Wrapf(err, "unable to access root for module %q", name)
		} else if !info.IsDir() {
			return errors.Errorf("root for module %q is not a directory", name)
		}
	}

	// Set up logging.
	logger, err := cmd.LoggerForLevelName(serveConfiguration.logLevel)
	if err != nil {
		return err
	}

	// Create the session options.
	options := &transfer.Options{
		MaximumDataOperationSize: uint64(cfg.MaximumDataOperationSize),
		ChecksumSeed:             cfg.ChecksumSeed,
		Logger:                   logger,
	}

	// Create a context to terminate in-flight sessions on shutdown.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Bind the listener.
	listener, err := net.Listen("tcp", serveConfiguration.bind)
	if err != nil {
		return errors.Wrap(err, "unable to bind listener")
	}
	defer listener.Close()
	logger.Printf("serving %d module(s) on %s", len(modules), listener.Addr())

	// Accept and serve connections until accepting fails. Session failures
	// only affect their own connections.
	acceptErrors := make(chan error, 1)
	go func() {
		for {
			connection, err := listener.Accept()
			if err != nil {
				acceptErrors <- err
				return
			}
			go func() {
				defer connection.Close()
				logger.Debugf("session started for %s", connection.RemoteAddr())
				if err := transfer.Serve(ctx, connection, modules, options); err != nil {
					logger.Error(errors.Wrapf(err, "session for %s failed", connection.RemoteAddr()))
				} else {
					logger.Debugf("session for %s completed", connection.RemoteAddr())
				}
			}()
		}
	}()

	// Track termination signals.
	signalTermination := make(chan os.Signal, 1)
	signal.Notify(signalTermination, cmd.TerminationSignals...)
	defer signal.Stop(signalTermination)

	// Wait for termination from a signal or an accepting failure.
	select {
	case sig := <-signalTermination:
		return errors.Errorf("terminated by signal: %s", sig)
	case err := <-acceptErrors:
		return errors.Wrap(err, "accepting failure")
	}
}

// serveCommand is the serve command.
var serveCommand = &cobra.Command{
	Use:          "serve",
	Short:        "Serve local directories to mirroring clients",
	Args:         cmd.DisallowArguments,
	RunE:         serveMain,
	SilenceUsage: true,
}

// serveConfiguration stores configuration for the serve command.
var serveConfiguration struct {
	// help indicates whether or not to show help information and exit.
	help bool
	// configuration is the path to an alternate configuration file.
	configuration string
	// logLevel is the name of the log level to use.
	logLevel string
	// bind is the listen address.
	bind string
	// modules are module definitions in name=root form. They supplement and
	// override modules from the configuration file.
	modules []string
}

func init() {
	// Grab a handle for the command line flags.
	flags := serveCommand.Flags()

	// Disable alphabetical sorting of flags in help output.
	flags.SortFlags = false

	// Manually add a help flag to override the default message. Cobra will
	// still implement its logic automatically.
	flags.BoolVarP(&serveConfiguration.help, "help", "h", false, "Show help information")

	// Wire up serve flags.
	flags.StringVarP(&serveConfiguration.configuration, "configuration", "c", "", "Specify an alternate configuration file")
	flags.StringVar(&serveConfiguration.logLevel, "log-level", "info", "Set the log level (disabled, error, warn, info, debug, trace)")
	flags.StringVarP(&serveConfiguration.bind, "bind", "b", fmt.Sprintf(":%d", rsyncurl.DefaultPort), "Specify the listen address")
	flags.StringArrayVarP(&serveConfiguration.modules, "module", "m", nil, "Define a module as name=root (repeatable)")
}
