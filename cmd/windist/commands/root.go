package commands

import (
	"os"

	"github.com/spf13/cobra"
)

const CLIName = "windist"

var configPath string

var rootCmd = &cobra.Command{
	Use:   CLIName,
	Short: "Distributed window functions over sorted Arrow batches",
	Run: func(cmd *cobra.Command, args []string) {
		cmd.HelpFunc()(cmd, args)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Path to a YAML or JSON config file; WINDIST_* environment variables override it")
	rootCmd.AddCommand(NewRunCommand())
	rootCmd.AddCommand(NewSimulateCommand())
	rootCmd.AddCommand(NewParseCommand())
	rootCmd.AddCommand(NewProduceCommand())
}

func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
