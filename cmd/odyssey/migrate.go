package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/odyssey-erp/odyssey-access/internal/platform/db"
)

var (
	migrateCmd = &cobra.Command{
		Use:       "migrate [up|down|status|redo|version]",
		Short:     "Apply the embedded schema migrations",
		Args:      cobra.MaximumNArgs(2),
		ValidArgs: []string{"up", "down", "status", "redo", "version", "up-to", "down-to"},
		RunE:      runMigration,
	}
	migrateDSN string
)

func init() {
	migrateCmd.Flags().StringVar(&migrateDSN, "dsn", os.Getenv("PG_DSN"), "postgres connection string (defaults to PG_DSN)")
}

func runMigration(cmd *cobra.Command, args []string) error {
	command := "up"
	if len(args) > 0 {
		command = args[0]
	}
	dsn := migrateDSN
	if dsn == "" {
		cfg, _, err := loadRuntime()
		if err != nil {
			return err
		}
		dsn = cfg.PGDSN
	}
	if err := db.Migrate(cmd.Context(), dsn, command, args[min(len(args), 1):]...); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "migrate %s: done\n", command)
	return nil
}
