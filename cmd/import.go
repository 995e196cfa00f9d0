package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"
	"strings"

	"github.com/pygreece/greeter/greeter"
	"github.com/spf13/cobra"
)

var ticketIDs []string

var importCmd = &cobra.Command{
	Use:   "import-tickets [file...]",
	Short: "Import valid conference ticket IDs",
	Long: "Import valid conference ticket IDs, one per line, from the given " +
		"files ('-' for stdin) and/or --id flags. Blank lines and lines " +
		"starting with '#' followed by a space are ignored. Tickets that " +
		"already exist are skipped.",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		raw := append([]string{}, ticketIDs...)
		for _, fn := range args {
			ids, err := readTicketFile(cmd.InOrStdin(), fn)
			if err != nil {
				log.Fatalf("Error reading %s: %v", fn, err)
			}
			raw = append(raw, ids...)
		}
		if len(raw) == 0 {
			log.Fatal("No ticket IDs given")
		}

		ids, err := greeter.NormalizeTicketIDs(raw, cfg.Tickets.IDLength)
		if err != nil {
			log.Fatalf("Error: %v", err)
		}

		db, err := greeter.CreateDB(ctx, cfg.DatabaseType, cfg.Database)
		if err != nil {
			log.Fatalf("Error creating database: %v", err)
		}
		defer func() {
			if sqlDB, e := db.DB(); e == nil {
				_ = sqlDB.Close()
			}
		}()
		store := greeter.NewDatabase(db, nil, cfg.DatabaseType == "postgres")

		inserted, err := store.ImportTickets(ctx, ids)
		if err != nil {
			log.Fatalf("Error importing tickets: %v", err)
		}
		fmt.Fprintf(
			cmd.OutOrStdout(),
			"Imported %d tickets, skipped %d.\n",
			inserted,
			int64(len(raw))-inserted,
		)
	},
}

// readTicketFile returns the non-blank, non-comment lines of the given
// file. A name of '-' reads from stdin.
func readTicketFile(stdin io.Reader, name string) ([]string, error) {
	var r io.Reader = stdin
	if name != "-" {
		f, err := os.Open(name)
		if err != nil {
			return nil, err
		}
		defer f.Close()
		r = f
	}

	var ids []string
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "# ") {
			continue
		}
		ids = append(ids, line)
	}
	return ids, scanner.Err()
}

func init() {
	importCmd.Flags().StringSliceVar(
		&ticketIDs,
		"id",
		nil,
		"Ticket ID to import (repeatable)",
	)
	rootCmd.AddCommand(importCmd)
}
