package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/luma/esl/cmd/gen"
)

// The TOML config file, optional
var configPath string

var RootCmd = &cobra.Command{
	Use:   "esl",
	Short: "Event socket client for a telephony switching engine",
	Long: `Event socket client for a telephony switching engine

Connects to the engine's event socket, authenticates, runs commands and
streams events.`,
	SilenceUsage: true,
}

func init() {
	RootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to a TOML config file")

	RootCmd.AddCommand(WatchCmd)
	RootCmd.AddCommand(APICmd)
	RootCmd.AddCommand(FakeSwitchCmd)
	RootCmd.AddCommand(VersionCmd)
	RootCmd.AddCommand(gen.RootCmd)
}

func Execute() {
	if err := RootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
