// Package main is the collabd entrypoint.
package main

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	collablog "collabtext/internal/log"
)

var version = "dev"

var (
	logger logrus.FieldLogger = logrus.StandardLogger()

	configDir string
	logLevel  string

	rootCmd = &cobra.Command{
		Use:          "collabd",
		Short:        "Collaborative text synchronization server.",
		SilenceUsage: true,
	}

	serveCmd = &cobra.Command{
		Use:   "serve",
		Short: "Starts the sync server.",
		Args:  cobra.NoArgs,
		RunE:  runServe,
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Prints the version.",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
)

func runServe(cmd *cobra.Command, _ []string) error {
	app, err := newApp(cmd.Context(), configDir, logLevel)
	if err != nil {
		return errors.Wrap(err, "new app failed")
	}
	return errors.Wrap(app.Run(cmd.Context()), "run app failed")
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configDir, "config", "config", "directory holding config.yml")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level, overrides the config file")
	rootCmd.AddCommand(serveCmd, versionCmd)
	collablog.SetLogger("info")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		logger.Fatal(errors.Wrap(err, "execute root command failed"))
	}
}
