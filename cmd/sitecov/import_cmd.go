package main

import (
	"fmt"
	"os"
	"path/filepath"

	"orbit-sitecov/internal/domain"

	"github.com/spf13/cobra"
)

func newImportCmd() *cobra.Command {
	var (
		projectID string
		kindName  string
		actorID   string
	)
	cmd := &cobra.Command{
		Use:   "import FILE",
		Short: "Import a site data or CRA list file (csv / xlsx)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseImportKind(kindName)
			if err != nil {
				return err
			}
			_, logger, _, svc, err := bootstrap(nil)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer svc.Close()

			f, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer f.Close()

			res, err := svc.Import(cmd.Context(), projectID, actorID, kind, filepath.Base(args[0]), f)
			if err != nil {
				return err
			}
			if werr := writeJSON(res); werr != nil {
				return werr
			}
			if res.ErrorCount > 0 {
				return fmt.Errorf("%d record(s) failed to import", res.ErrorCount)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (required)")
	cmd.Flags().StringVar(&kindName, "kind", string(domain.KindSiteData), "site-data | cra-list")
	cmd.Flags().StringVar(&actorID, "actor", "cli", "actor id recorded as updated_by")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}
