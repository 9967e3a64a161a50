package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"
)

func newRootCmd() (*cobra.Command, error) {
	rootCmd := &cobra.Command{
		Use:          "chatwidget",
		Short:        "chatwidget talks to a remote bot service from the terminal",
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// reinitialize the logger because --log-level and co are parsed now
			return logging.InitLoggerFromCobra(cmd)
		},
	}
	if err := clay.InitGlazed("chatwidget", rootCmd); err != nil {
		return nil, err
	}

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	if rootCmd.PersistentFlags().Lookup("config") == nil {
		rootCmd.PersistentFlags().String("config", "", "config file (.yaml, .yml or .toml)")
	}

	rootCmd.AddCommand(
		newChatCmd(),
		newHistoryCmd(),
		newWatchCmd(),
		newFakeBotCmd(),
	)
	return rootCmd, nil
}

func configPath(cmd *cobra.Command) string {
	p, _ := cmd.Flags().GetString("config")
	return p
}

func main() {
	rootCmd, err := newRootCmd()
	cobra.CheckErr(err)
	cobra.CheckErr(rootCmd.Execute())
}
