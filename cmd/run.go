package cmd

import (
	"github.com/cortex-realm/cortex/cortex"
	"github.com/spf13/cobra"
	"log"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the Cortex bot and API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			bot, err := cortex.New(cfg)
			if err != nil {
				log.Fatalf("error creating cortex: %s", err.Error())
			}

			if err = bot.Run(ctx); err != nil {
				log.Fatalf("error running cortex: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
