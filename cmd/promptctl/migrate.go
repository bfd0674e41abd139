package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/nikhilbhutani/promptrunner/internal/database"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply SQL migrations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			db, err := openDB(cmd.Context())
			if err != nil {
				return err
			}
			defer db.Close()

			applied, err := database.RunMigrations(cmd.Context(), db, cfg.Database.MigrationsPath)
			if err != nil {
				return err
			}
			for _, f := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", f)
			}
			return nil
		},
	}
}
