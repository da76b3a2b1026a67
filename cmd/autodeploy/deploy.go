package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/agentcoreops/autodeploy/internal/pipeline"
)

func newDeployCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy",
		Short: "Build and push the tool image, then wait for the deployed agent",
		Long: `Zip the tool-executor sources, upload them to the config bucket, run
the CodeBuild project, and wait for the reactor to record the new agent the
pushed image produced.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, clients, err := loadPipeline(cmd.Context(), flags)
			if err != nil {
				return err
			}

			rec, err := pipeline.NewDeployer(cfg, clients).Run(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "agent:   %s (%s)\n", rec.AgentName, rec.AgentID)
			fmt.Fprintf(out, "version: %s\n", rec.Version)
			fmt.Fprintf(out, "image:   %s\n", rec.ImageURI)
			return nil
		},
	}
}
