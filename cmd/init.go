package cmd

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strings"
	"syscall"

	"github.com/pygreece/greeter/greeter"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// passwordReader is a function type for reading passwords. It's really only
// here to make testing easier.
type passwordReader func() ([]byte, error)

var customPasswordReader passwordReader

var adminUsername string

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize the database and set admin API credentials",
	Run: func(cmd *cobra.Command, args []string) {
		ctx := cmd.Context()

		if cfg.DatabaseType == "" {
			log.Fatal("Environment variable GREETER_DATABASE_TYPE not set (must be one of: sqlite, postgres)")
		}
		if cfg.Database == "" {
			log.Fatal(
				"Environment variable GREETER_DATABASE not set (must be a valid " +
					"database connection string or sqlite file path)",
			)
		}
		// Run database migrations
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

		out := cmd.OutOrStdout()
		reader := bufio.NewReader(cmd.InOrStdin())

		username := strings.TrimSpace(adminUsername)
		for username == "" {
			fmt.Fprint(out, "Enter admin username: ")
			line, readErr := reader.ReadString('\n')
			username = strings.TrimSpace(line)
			if readErr != nil && username == "" {
				log.Fatalf("Error reading username: %v", readErr)
			}
		}

		if _, err = store.GetAdminCredential(ctx, username); err == nil {
			fmt.Fprintf(out, "Admin %q already exists, their password will be replaced.\n", username)
		}

		password, err := promptPassword(out)
		if err != nil {
			log.Fatalf("Error reading password: %v", err)
		}

		hashedPassword, err := greeter.HashPassword(password)
		if err != nil {
			log.Fatalf("Error hashing password: %v", err)
		}
		if err = store.SetAdminCredential(ctx, username, hashedPassword); err != nil {
			log.Fatalf("Error updating admin credentials: %v", err)
		}
		fmt.Fprintln(out, "Admin credentials set successfully.")

		fmt.Fprintln(
			out,
			"Initialization complete. You can now start the bot with the 'run' subcommand.",
		)
	},
}

// promptPassword asks for a password twice, until both entries match
func promptPassword(out io.Writer) (string, error) {
	if customPasswordReader == nil {
		customPasswordReader = func() ([]byte, error) {
			return term.ReadPassword(int(syscall.Stdin))
		}
	}
	for {
		fmt.Fprint(out, "Enter admin password: ")
		passwordBytes, err := customPasswordReader()
		if err != nil {
			return "", err
		}
		fmt.Fprintln(out)

		fmt.Fprint(out, "Confirm admin password: ")
		confirmPasswordBytes, err := customPasswordReader()
		if err != nil {
			return "", err
		}
		fmt.Fprintln(out)

		password := string(passwordBytes)
		switch {
		case password == "":
			fmt.Fprintln(out, "Password can't be empty. Please try again.")
		case password != string(confirmPasswordBytes):
			fmt.Fprintln(out, "Passwords do not match. Please try again.")
		default:
			return password, nil
		}
	}
}

func init() {
	initCmd.Flags().StringVar(
		&adminUsername,
		"username",
		"",
		"Admin username (prompted for if not set)",
	)
	rootCmd.AddCommand(initCmd)
}
