package main

import (
	clay "github.com/go-go-golems/clay/pkg"
	"github.com/go-go-golems/glazed/pkg/cmds"
	"github.com/go-go-golems/glazed/pkg/cmds/logging"
	"github.com/go-go-golems/glazed/pkg/help"
	help_cmd "github.com/go-go-golems/glazed/pkg/help/cmd"
	"github.com/spf13/cobra"

	wscmds "github.com/go-go-golems/workoutstream/cmd/workoutstream/cmds"
)

var rootCmd = &cobra.Command{
	Use:   wscmds.AppName,
	Short: "Stream incremental workout generation chunks over pub/sub",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		return logging.InitLoggerFromCobra(cmd)
	},
	SilenceUsage: true,
}

func main() {
	err := clay.InitGlazed(wscmds.AppName, rootCmd)
	cobra.CheckErr(err)

	helpSystem := help.NewHelpSystem()
	help_cmd.SetupCobraRootCommand(helpSystem, rootCmd)

	serve, err := wscmds.NewServeCommand()
	cobra.CheckErr(err)
	publish, err := wscmds.NewPublishCommand()
	cobra.CheckErr(err)
	tail, err := wscmds.NewTailCommand()
	cobra.CheckErr(err)
	jobs, err := wscmds.NewJobsCommand()
	cobra.CheckErr(err)

	for _, c := range []cmds.Command{serve, publish, tail, jobs} {
		command, err := wscmds.BuildCobraCommand(c)
		cobra.CheckErr(err)
		rootCmd.AddCommand(command)
	}

	cobra.CheckErr(rootCmd.Execute())
}
