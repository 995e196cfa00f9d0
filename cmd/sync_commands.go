package cmd

import (
	"fmt"
	"log"

	"github.com/pygreece/greeter/greeter"
	"github.com/spf13/cobra"
)

var syncCommandsCmd = &cobra.Command{
	Use:   "sync-commands",
	Short: "Register the admin slash commands with the configured guild",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		cfg.API.Enabled = false
		g, err := greeter.New(cfg)
		if err != nil {
			log.Fatalf("error creating greeter: %s", err.Error())
		}
		commands, err := g.RegisterSlashCommands()
		if err != nil {
			log.Fatalf("error registering commands: %s", err.Error())
		}
		out := cmd.OutOrStdout()
		for _, c := range commands {
			fmt.Fprintf(out, "registered /%s (%s)\n", c.Name, c.ID)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCommandsCmd)
}
