package main

import (
	"fmt"
	"os"

	"orbit-sitecov/internal/domain"
	"orbit-sitecov/internal/report"

	"github.com/spf13/cobra"
)

func newTemplateCmd() *cobra.Command {
	var (
		kindName string
		out      string
	)
	cmd := &cobra.Command{
		Use:   "template",
		Short: "Write an empty import workbook with the canonical headers",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := domain.ParseImportKind(kindName)
			if err != nil {
				return err
			}
			data, err := report.ImportTemplate(kind)
			if err != nil {
				return err
			}
			if out == "" {
				out = fmt.Sprintf("%s-template.xlsx", kind)
			}
			if err := os.WriteFile(out, data, 0o644); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), out)
			return nil
		},
	}
	cmd.Flags().StringVar(&kindName, "kind", string(domain.KindSiteData), "site-data | cra-list")
	cmd.Flags().StringVarP(&out, "output", "o", "", "output path")
	return cmd
}
