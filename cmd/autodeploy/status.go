package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/agentcoreops/autodeploy/internal/pipeline"
)

func newStatusCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the state of the deployed pipeline resources",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, clients, err := loadPipeline(cmd.Context(), flags)
			if err != nil {
				return err
			}

			statuses, err := pipeline.NewStatusChecker(cfg, clients).Check(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "KIND\tNAME\tSTATE\tDETAIL")
			for _, s := range statuses {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.Kind, s.Name, s.State, s.Detail)
			}
			return w.Flush()
		},
	}
}
