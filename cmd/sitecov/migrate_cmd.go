package main

import (
	"fmt"
	"os"
	"path/filepath"

	"orbit-sitecov/common/database"
	"orbit-sitecov/internal/config"
	"orbit-sitecov/migrations"

	"github.com/spf13/cobra"
)

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate [FILE.sql ...]",
		Short: "Apply SQL migrations to PostgreSQL (built-in schema when no file is given)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			db, err := database.Open(cmd.Context(), &cfg.Database)
			if err != nil {
				return err
			}
			defer database.Close(db)

			type script struct{ name, content string }
			var scripts []script
			if len(args) == 0 {
				names, err := migrations.Names()
				if err != nil {
					return err
				}
				for _, n := range names {
					c, err := migrations.Read(n)
					if err != nil {
						return err
					}
					scripts = append(scripts, script{n, c})
				}
			}
			for _, path := range args {
				b, err := os.ReadFile(path)
				if err != nil {
					return fmt.Errorf("failed to read migration file: %w", err)
				}
				scripts = append(scripts, script{filepath.Base(path), string(b)})
			}

			out := cmd.OutOrStdout()
			for _, s := range scripts {
				stmts := migrations.Statements(s.content)
				for i, stmt := range stmts {
					if _, err := db.ExecContext(cmd.Context(), stmt); err != nil {
						return fmt.Errorf("%s: statement %d/%d failed: %w", s.name, i+1, len(stmts), err)
					}
				}
				fmt.Fprintf(out, "%s: %d statement(s) applied\n", s.name, len(stmts))
			}
			return nil
		},
	}
	return cmd
}
