package main

import (
	"orbit-sitecov/internal/history"

	"github.com/spf13/cobra"
)

func newCoverageCmd() *cobra.Command {
	var (
		projectID string
		detail    bool
	)
	cmd := &cobra.Command{
		Use:   "coverage",
		Short: "Print the role coverage summary of a project",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, _, svc, err := bootstrap(nil)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer svc.Close()

			if detail {
				refs, err := svc.References(cmd.Context(), projectID)
				if err != nil {
					return err
				}
				return writeJSON(refs)
			}
			summary, err := svc.Coverage(cmd.Context(), projectID)
			if err != nil {
				return err
			}
			return writeJSON(summary)
		},
	}
	cmd.Flags().StringVar(&projectID, "project", "", "project id (required)")
	cmd.Flags().BoolVar(&detail, "detail", false, "print every site reference instead of the summary")
	_ = cmd.MarkFlagRequired("project")
	return cmd
}

func newHistoryCmd() *cobra.Command {
	var q history.Query
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print status history, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, logger, _, svc, err := bootstrap(nil)
			if err != nil {
				return err
			}
			defer logger.Sync()
			defer svc.Close()

			entries, err := svc.History(cmd.Context(), q)
			if err != nil {
				return err
			}
			return writeJSON(entries)
		},
	}
	cmd.Flags().StringVar(&q.ProjectID, "project", "", "project id (required)")
	cmd.Flags().StringVar(&q.ReferenceNumber, "ref", "", "site reference number")
	cmd.Flags().StringVar(&q.SiteID, "site", "", "site personnel record id")
	cmd.Flags().IntVar(&q.Limit, "limit", 20, "maximum entries")
	_ = cmd.MarkFlagRequired("project")
	cmd.MarkFlagsOneRequired("ref", "site")
	return cmd
}
