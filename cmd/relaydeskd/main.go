// Command relaydeskd is the daemon entrypoint: it wires internal/app and
// serves the message bus to an embedding UI over a websocket connection.
package main

import (
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/gravitational/trace"
)

var (
	logFormat = "text"
	logLevel  = "info"
)

func main() {
	root := newRootCommand()
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, trace.Wrap(err))
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "relaydeskd",
		Short:         "relaydeskd serves the SSH/SFTP workbench core",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return configureLogging(logFormat, logLevel)
		},
	}

	root.PersistentFlags().StringVar(&logFormat, "log-format", logFormat, "log output format (text or json)")
	root.PersistentFlags().StringVar(&logLevel, "log-level", logLevel, "log level (trace, debug, info, warn, error)")

	root.AddCommand(newServeCommand())
	root.AddCommand(newTransferCommand())

	return root
}

func configureLogging(format, level string) error {
	switch format {
	case "json":
		logrus.SetFormatter(&trace.JSONFormatter{})
	default:
		logrus.SetFormatter(&trace.TextFormatter{})
	}

	parsed, err := logrus.ParseLevel(level)
	if err != nil {
		return trace.Wrap(err)
	}
	logrus.SetLevel(parsed)
	return nil
}
