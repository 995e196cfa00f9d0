package cmd

import (
	"log"

	"github.com/pygreece/greeter/greeter"
	"github.com/spf13/cobra"
)

var (
	runCmd = &cobra.Command{
		Use:   "run [flags]",
		Short: "Starts the greeter bot and admin API",
		Run: func(cmd *cobra.Command, _ []string) {
			ctx := cmd.Context()
			g, err := greeter.New(cfg)
			if err != nil {
				log.Fatalf("error creating greeter: %s", err.Error())
			}

			if err = g.Run(ctx); err != nil {
				log.Fatalf("error running greeter: %s", err.Error())
			}
		},
	}
)

//goland:noinspection GoLinter
func init() {
	rootCmd.AddCommand(runCmd)
}
