package mqtt2pg

import (
	"errors"
	"fmt"
	"os"

	"github.com/edgeflare/mqtt2pg/pkg/bridge"
	"github.com/edgeflare/mqtt2pg/pkg/config"
	"github.com/spf13/cobra"
)

// Process exit codes.
const (
	ExitOK           = 0
	ExitConfig       = 1
	ExitBusConnect   = 2
	ExitStoreConnect = 3
	ExitFlushTimeout = 4
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:           "mqtt2pg",
	Short:         "mqtt2pg relays MQTT messages into relational tables",
	Long:          `mqtt2pg subscribes to an MQTT broker and writes each message as a row in the table mapped to its topic suffix. Messages are acknowledged only after the row is committed.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	Run: func(cmd *cobra.Command, args []string) {
		versionFlag, _ := cmd.Flags().GetBool("version")
		if versionFlag {
			fmt.Println(config.Version)
			return
		}

		// If no subcommand is provided, print help
		cmd.Help()
	},
}

func Main() {
	os.Exit(execute(rootCmd, os.Args[1:]))
}

func execute(cmd *cobra.Command, args []string) int {
	cmd.SetArgs(args)
	err := cmd.Execute()
	if err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
	}
	return ExitCode(err)
}

// ExitCode maps the error returned by a command to the process exit code.
func ExitCode(err error) int {
	var fte *bridge.FlushTimeoutError
	switch {
	case err == nil:
		return ExitOK
	case errors.As(err, &fte):
		return ExitFlushTimeout
	case errors.Is(err, bridge.ErrStoreConnect), errors.Is(err, bridge.ErrStoreUnavailable):
		return ExitStoreConnect
	case errors.Is(err, bridge.ErrBusConnect):
		return ExitBusConnect
	}
	return ExitConfig
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.config/mqtt2pg.yaml)")
	rootCmd.PersistentFlags().StringP("logLevel", "L", "info", "log at this level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolP("version", "v", false, "Print the version number")

	rootCmd.AddCommand(runCmd)
}
