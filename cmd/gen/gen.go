package gen

import (
	"github.com/spf13/cobra"
)

var RootCmd = &cobra.Command{
	Use:   "gen",
	Short: "Generators for esl documentation",
	Long:  `Generators for esl documentation`,
}

func init() {
	RootCmd.AddCommand(ManPagesCmd)
}
